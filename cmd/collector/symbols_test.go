package main

import (
	"reflect"
	"testing"
)

func TestPruneSymbols(t *testing.T) {
	tests := []struct {
		name        string
		current     []string
		invalid     []string
		wantKept    []string
		wantRemoved []string
	}{
		{
			name:        "removes invalid keeping order",
			current:     []string{"BTCUSDT", "OLDUSDT", "ETHUSDT", "GONEUSDT"},
			invalid:     []string{"GONEUSDT", "OLDUSDT"},
			wantKept:    []string{"BTCUSDT", "ETHUSDT"},
			wantRemoved: []string{"OLDUSDT", "GONEUSDT"},
		},
		{
			name:     "nothing listed",
			current:  []string{"BTCUSDT"},
			invalid:  []string{"OLDUSDT"},
			wantKept: []string{"BTCUSDT"},
		},
		{
			name:        "case and whitespace in file",
			current:     []string{" oldusdt", "BTCUSDT"},
			invalid:     []string{"OLDUSDT"},
			wantKept:    []string{"BTCUSDT"},
			wantRemoved: []string{" oldusdt"},
		},
		{
			name:     "empty file",
			invalid:  []string{"OLDUSDT"},
			wantKept: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kept, removed := pruneSymbols(tt.current, tt.invalid)
			if !reflect.DeepEqual(kept, tt.wantKept) {
				t.Errorf("kept = %v, want %v", kept, tt.wantKept)
			}
			if !reflect.DeepEqual(removed, tt.wantRemoved) {
				t.Errorf("removed = %v, want %v", removed, tt.wantRemoved)
			}
		})
	}
}
