package error_handler

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"binance-oi-collector/internal/models"
	"binance-oi-collector/internal/repository"
	"binance-oi-collector/internal/utils"
)

const (
	maxErrorDetails   = 200
	maxMessageLength  = 500
	recorderQueueSize = 256
)

// Recorder aggregates classified failures into the error statistics file.
// All writes happen on one goroutine; Record only enqueues.
type Recorder struct {
	repo  repository.ErrorStatisticsRepository
	clock utils.Clock
	log   *logrus.Logger

	events chan models.ErrorDetail
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewRecorder(repo repository.ErrorStatisticsRepository, clock utils.Clock, log *logrus.Logger) *Recorder {
	return &Recorder{
		repo:   repo,
		clock:  clock,
		log:    log,
		events: make(chan models.ErrorDetail, recorderQueueSize),
		done:   make(chan struct{}),
	}
}

// Start loads the existing statistics and launches the writer goroutine.
func (r *Recorder) Start(ctx context.Context) error {
	stats, err := r.repo.Load(ctx)
	if err != nil {
		return err
	}
	utils.SafeGo(func() {
		defer close(r.done)
		r.loop(stats)
	})
	return nil
}

// Record queues one failure. It is a no-op after Close.
func (r *Recorder) Record(detail models.ErrorDetail) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	if detail.Timestamp.IsZero() {
		detail.Timestamp = r.clock.Now()
	}
	detail.Message = utils.Truncate(detail.Message, maxMessageLength)
	r.events <- detail
}

// Close flushes queued failures and stops the writer.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.events)
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) Statistics(ctx context.Context) (*models.ErrorStatistics, error) {
	return r.repo.Load(ctx)
}

func (r *Recorder) loop(stats *models.ErrorStatistics) {
	for detail := range r.events {
		apply(stats, detail)
	drain:
		for {
			select {
			case next, ok := <-r.events:
				if !ok {
					break drain
				}
				apply(stats, next)
			default:
				break drain
			}
		}
		stats.LastUpdated = r.clock.Now()
		if err := r.repo.Save(context.Background(), stats); err != nil {
			r.log.Error("Failed to persist error statistics", logrus.Fields{"error": err})
		}
	}
}

func apply(stats *models.ErrorStatistics, detail models.ErrorDetail) {
	stats.TotalErrors++
	stats.ErrorsByKind[detail.Kind]++
	stats.ErrorsBySymbol[detail.Symbol]++

	bySymbol, ok := stats.Records[detail.Symbol]
	if !ok {
		bySymbol = map[models.ErrorKind]*models.ErrorRecord{}
		stats.Records[detail.Symbol] = bySymbol
	}
	record, ok := bySymbol[detail.Kind]
	if !ok {
		record = &models.ErrorRecord{Symbol: detail.Symbol, Kind: detail.Kind}
		bySymbol[detail.Kind] = record
	}
	record.Count++
	if detail.Timestamp.After(record.LastSeenAt) {
		record.LastSeenAt = detail.Timestamp
	}
	record.LastMessage = detail.Message

	stats.Details = append(stats.Details, detail)
	if len(stats.Details) > maxErrorDetails {
		stats.Details = append([]models.ErrorDetail(nil), stats.Details[len(stats.Details)-maxErrorDetails:]...)
	}
}
