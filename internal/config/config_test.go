package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestNormalizeSymbols(t *testing.T) {
	got := NormalizeSymbols([]string{" btcusdt", "ETHUSDT", "", "BTCUSDT ", "solusdt"})
	want := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("NormalizeSymbols() = %v, want %v", got, want)
	}
}

func TestSchedulerConfig_WorkerCount(t *testing.T) {
	tests := []struct {
		name    string
		workers int
		symbols int
		want    int
	}{
		{name: "explicit", workers: 4, symbols: 10, want: 4},
		{name: "capped by symbols", workers: 8, symbols: 3, want: 3},
		{name: "no symbols", workers: 8, symbols: 0, want: 8},
		{name: "default never exceeds symbols", workers: 0, symbols: 1, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := (SchedulerConfig{Workers: tt.workers}).WorkerCount(tt.symbols); got != tt.want {
				t.Errorf("WorkerCount(%d) = %d, want %d", tt.symbols, got, tt.want)
			}
		})
	}
}

func TestLoadSymbols(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.json")
	if err := os.WriteFile(file, []byte(`{"symbols": ["btcusdt", "ETHUSDT"]}`), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		list string
		file string
		want []string
	}{
		{name: "list wins", list: "solusdt, xrpusdt", file: file, want: []string{"SOLUSDT", "XRPUSDT"}},
		{name: "file", file: file, want: []string{"BTCUSDT", "ETHUSDT"}},
		{name: "missing file", file: filepath.Join(dir, "missing.json"), want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := loadSymbols(tt.list, tt.file)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("loadSymbols() = %v, want %v", got, tt.want)
			}
		})
	}
}

func validConfig() *Config {
	return &Config{
		Binance: BinanceConfig{BaseURL: "https://fapi.binance.com", MaxRequestPerSecond: 20},
		Scheduler: SchedulerConfig{
			HistorySweepCron: "*/5 * * * *",
			HistoryWindow:    720 * time.Hour,
			TrailingBuffer:   time.Hour,
			BackfillChunk:    288,
		},
		Retry:   RetryConfig{MaxAttempts: 3, AttemptTimeout: 5 * time.Second},
		Storage: StorageConfig{DataDir: "data"},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		want   string
	}{
		{name: "valid", modify: func(*Config) {}},
		{name: "empty data dir", modify: func(c *Config) { c.Storage.DataDir = "" }, want: "DATA_DIR"},
		{name: "zero attempts", modify: func(c *Config) { c.Retry.MaxAttempts = 0 }, want: "RETRY_MAX_ATTEMPTS"},
		{name: "chunk too large", modify: func(c *Config) { c.Scheduler.BackfillChunk = 501 }, want: "BACKFILL_CHUNK"},
		{name: "bad cron", modify: func(c *Config) { c.Scheduler.HistorySweepCron = "every five" }, want: "HISTORY_SWEEP_CRON"},
		{name: "window shorter than buffer", modify: func(c *Config) { c.Scheduler.HistoryWindow = time.Minute }, want: "HISTORY_WINDOW"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.modify(c)
			problems := c.Validate()
			if tt.want == "" {
				if len(problems) != 0 {
					t.Errorf("Validate() = %v, want none", problems)
				}
				return
			}
			if !strings.Contains(strings.Join(problems, "\n"), tt.want) {
				t.Errorf("Validate() = %v, want a problem mentioning %s", problems, tt.want)
			}
		})
	}
}
