package error_handler

import (
	"context"
	"strings"
	"testing"

	"binance-oi-collector/internal/models"
	"binance-oi-collector/internal/repository"
)

func TestRecorder_AggregatesAndCapsDetails(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewErrorStatisticsRepository(t.TempDir())
	rec := NewRecorder(repo, instantClock{}, quietLogger())
	if err := rec.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	for i := 0; i < maxErrorDetails+10; i++ {
		rec.Record(models.ErrorDetail{Symbol: "BTCUSDT", Kind: models.ErrorKindTransient, Message: "timeout"})
	}
	rec.Record(models.ErrorDetail{Symbol: "XYZUSDT", Kind: models.ErrorKindPermanent, Message: strings.Repeat("x", 2*maxMessageLength)})
	rec.Close()
	rec.Record(models.ErrorDetail{Symbol: "LATE", Kind: models.ErrorKindPermanent})

	stats, err := rec.Statistics(ctx)
	if err != nil {
		t.Fatalf("Statistics() error = %v", err)
	}
	if stats.TotalErrors != maxErrorDetails+11 {
		t.Errorf("TotalErrors = %d, want %d", stats.TotalErrors, maxErrorDetails+11)
	}
	if got := stats.Records["BTCUSDT"][models.ErrorKindTransient].Count; got != maxErrorDetails+10 {
		t.Errorf("BTCUSDT transient count = %d", got)
	}
	if len(stats.Details) != maxErrorDetails {
		t.Errorf("len(Details) = %d, want %d", len(stats.Details), maxErrorDetails)
	}
	last := stats.Details[len(stats.Details)-1]
	if last.Symbol != "XYZUSDT" || len(last.Message) > maxMessageLength+3 {
		t.Errorf("last detail = %s with %d byte message", last.Symbol, len(last.Message))
	}
	if _, ok := stats.Records["LATE"]; ok {
		t.Error("Record() after Close() was persisted")
	}
}
