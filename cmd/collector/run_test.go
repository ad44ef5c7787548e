package main

import (
	"testing"
	"time"

	"binance-oi-collector/internal/models"
)

func TestBuildSpecs(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	symbols := []string{"BTCUSDT"}

	tests := []struct {
		name      string
		mode      string
		from, to  string
		cadence   string
		wantKinds []models.TaskKind
		wantErr   bool
	}{
		{name: "all", mode: modeAll, wantKinds: []models.TaskKind{models.TaskKindContinuous, models.TaskKindScheduled}},
		{name: "continuous", mode: modeContinuous, wantKinds: []models.TaskKind{models.TaskKindContinuous}},
		{name: "batch", mode: modeBatch, from: "2024-03-01 09:00", cadence: "5m", wantKinds: []models.TaskKind{models.TaskKindBatch}},
		{name: "batch without from", mode: modeBatch, cadence: "5m", wantErr: true},
		{name: "batch bad cadence", mode: modeBatch, from: "2024-03-01", cadence: "1h", wantErr: true},
		{name: "unknown mode", mode: "hourly", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runFrom, runTo, runCadence = tt.from, tt.to, tt.cadence
			specs, err := buildSpecs(tt.mode, symbols, now)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if len(specs) != len(tt.wantKinds) {
				t.Fatalf("specs = %+v, want kinds %v", specs, tt.wantKinds)
			}
			for i, spec := range specs {
				if spec.Kind != tt.wantKinds[i] {
					t.Errorf("spec %d kind = %s, want %s", i, spec.Kind, tt.wantKinds[i])
				}
			}
		})
	}

	runFrom, runTo, runCadence = "2024-03-01 09:00", "", "5m"
	specs, err := buildSpecs(modeBatch, symbols, now)
	if err != nil {
		t.Fatal(err)
	}
	if !specs[0].WindowEnd.Equal(now) || !specs[0].WindowStart.Equal(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("batch window = %s..%s", specs[0].WindowStart, specs[0].WindowEnd)
	}
}
