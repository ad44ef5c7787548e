package repository

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestSymbolsFileRepository_SaveKeepsShape(t *testing.T) {
	updated := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		existing  string
		wantArray bool
		wantKeys  []string
	}{
		{name: "missing file", wantKeys: []string{"symbols", "updated_at"}},
		{name: "object with extra keys", existing: `{"symbols":["XRPUSDT"],"note":"hand picked"}`, wantKeys: []string{"note", "symbols", "updated_at"}},
		{name: "bare array", existing: `["XRPUSDT"]`, wantArray: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "config", "symbols.json")
			if tt.existing != "" {
				if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
					t.Fatal(err)
				}
				if err := os.WriteFile(path, []byte(tt.existing), 0o644); err != nil {
					t.Fatal(err)
				}
			}
			repo := NewSymbolsFileRepository(path)
			want := []string{"BTCUSDT", "ETHUSDT"}
			if err := repo.Save(ctx, want, updated); err != nil {
				t.Fatalf("Save() error = %v", err)
			}

			got, err := repo.Load(ctx)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Errorf("Load() = %v, want %v", got, want)
			}

			b, err := os.ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}
			if tt.wantArray {
				var list []string
				if err := json.Unmarshal(b, &list); err != nil {
					t.Errorf("file is no longer an array: %s", b)
				}
				return
			}
			var doc map[string]json.RawMessage
			if err := json.Unmarshal(b, &doc); err != nil {
				t.Fatal(err)
			}
			keys := make([]string, 0, len(doc))
			for k := range doc {
				keys = append(keys, k)
			}
			for _, k := range tt.wantKeys {
				if _, ok := doc[k]; !ok {
					t.Errorf("key %q missing from %v", k, keys)
				}
			}
			if len(doc) != len(tt.wantKeys) {
				t.Errorf("keys = %v, want %v", keys, tt.wantKeys)
			}
		})
	}
}

func TestSymbolsFileRepository_LoadRejectsUnknownFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "symbols.json")
	if err := os.WriteFile(path, []byte(`"BTCUSDT"`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewSymbolsFileRepository(path).Load(context.Background()); !errors.Is(err, ErrSymbolsFileFormat) {
		t.Errorf("Load() error = %v, want ErrSymbolsFileFormat", err)
	}
}
