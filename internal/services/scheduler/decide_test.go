package scheduler

import (
	"reflect"
	"testing"
	"time"

	"binance-oi-collector/internal/models"
	"binance-oi-collector/internal/services/gap_scanner"
)

func TestDecide(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	recent := models.Task{LastExecutionAt: now.Add(-time.Hour)}
	stale := models.Task{LastExecutionAt: now.Add(-48 * time.Hour)}
	gaps := gap_scanner.GapSummary{
		Gaps: map[string][]time.Time{
			"BTCUSDT": {now},
			"ETHUSDT": {now},
		},
		Total: 2,
	}

	tests := []struct {
		name        string
		task        models.Task
		summary     gap_scanner.GapSummary
		allowed     []string
		wantKind    ActionKind
		wantSymbols []string
	}{
		{name: "no gaps", task: stale, summary: gap_scanner.GapSummary{}, wantKind: ActionMarkComplete},
		{name: "too old", task: stale, summary: gaps, wantKind: ActionDiscard},
		{name: "all symbols", task: recent, summary: gaps, wantKind: ActionBackfillAll, wantSymbols: []string{"BTCUSDT", "ETHUSDT"}},
		{name: "all allowed", task: recent, summary: gaps, allowed: []string{"ETHUSDT", "BTCUSDT", "SOLUSDT"}, wantKind: ActionBackfillAll, wantSymbols: []string{"BTCUSDT", "ETHUSDT"}},
		{name: "subset allowed", task: recent, summary: gaps, allowed: []string{"ETHUSDT"}, wantKind: ActionBackfillPartial, wantSymbols: []string{"ETHUSDT"}},
		{name: "none allowed", task: recent, summary: gaps, allowed: []string{"SOLUSDT"}, wantKind: ActionDiscard},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(tt.task, tt.summary, Policy{Now: now, MaxAge: 24 * time.Hour, AllowedSymbols: tt.allowed})
			if got.Kind != tt.wantKind {
				t.Fatalf("kind = %s, want %s", got.Kind, tt.wantKind)
			}
			if !reflect.DeepEqual(got.Symbols, tt.wantSymbols) {
				t.Errorf("symbols = %v, want %v", got.Symbols, tt.wantSymbols)
			}
		})
	}
}
