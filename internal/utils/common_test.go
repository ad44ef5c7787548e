package utils

import (
	"context"
	"testing"
	"time"
	"unicode/utf8"
)

func TestTruncate(t *testing.T) {
	type args struct {
		value string
		max   int
	}
	tests := []struct {
		name string
		args args
		want string
	}{
		{
			name: "shorter than max",
			args: args{value: "timeout", max: 10},
			want: "timeout",
		},
		{
			name: "exactly max",
			args: args{value: "timeout", max: 7},
			want: "timeout",
		},
		{
			name: "longer than max",
			args: args{value: "connection reset by peer", max: 10},
			want: "connection...",
		},
		{
			name: "cut inside a multi-byte rune",
			args: args{value: "symbol 币安USDT invalid", max: 9},
			want: "symbol ...",
		},
		{
			name: "cut after a multi-byte rune",
			args: args{value: "symbol 币安USDT invalid", max: 10},
			want: "symbol 币...",
		},
		{
			name: "cut before the first rune ends",
			args: args{value: "€ rate", max: 2},
			want: "...",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Truncate(tt.args.value, tt.args.max)
			if got != tt.want {
				t.Errorf("Truncate() = %q, want %q", got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("Truncate() = %q is not valid UTF-8", got)
			}
		})
	}
}

func TestSleepCtx_ReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := SleepCtx(ctx, RealClock(), time.Hour); err != context.Canceled {
		t.Errorf("SleepCtx() = %v, want %v", err, context.Canceled)
	}
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    time.Time
		wantErr bool
	}{
		{
			name:  "rfc3339",
			value: "2024-03-01T10:05:00Z",
			want:  time.Date(2024, 3, 1, 10, 5, 0, 0, time.UTC),
		},
		{
			name:  "minute precision",
			value: "2024-03-01 10:05",
			want:  time.Date(2024, 3, 1, 10, 5, 0, 0, time.UTC),
		},
		{
			name:  "date only",
			value: "2024-03-01",
			want:  time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:    "garbage",
			value:   "yesterday",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTime(tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTime() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !got.Equal(tt.want) {
				t.Errorf("ParseTime() = %v, want %v", got, tt.want)
			}
		})
	}
}
