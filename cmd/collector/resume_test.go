package main

import (
	"reflect"
	"testing"

	"binance-oi-collector/internal/services/scheduler"
)

func TestParseOverride(t *testing.T) {
	tests := []struct {
		name        string
		action      string
		symbols     string
		wantKind    scheduler.ActionKind
		wantSymbols []string
		wantNil     bool
		wantErr     bool
	}{
		{name: "no action defers to policy", wantNil: true},
		{name: "no action ignores symbols", symbols: "btcusdt", wantNil: true},
		{name: "discard", action: "discard", wantKind: scheduler.ActionDiscard},
		{name: "partial", action: "backfill_partial", symbols: " ethusdt,BTCUSDT,ethusdt", wantKind: scheduler.ActionBackfillPartial, wantSymbols: []string{"ETHUSDT", "BTCUSDT"}},
		{name: "partial without symbols", action: "backfill_partial", symbols: " , ", wantErr: true},
		{name: "unknown", action: "auto", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseOverride(tt.action, tt.symbols)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseOverride() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if tt.wantNil {
				if got != nil {
					t.Errorf("parseOverride() = %+v, want nil", got)
				}
				return
			}
			if got == nil || got.Kind != tt.wantKind || !reflect.DeepEqual(got.Symbols, tt.wantSymbols) {
				t.Errorf("parseOverride() = %+v, want %s %v", got, tt.wantKind, tt.wantSymbols)
			}
		})
	}
}
