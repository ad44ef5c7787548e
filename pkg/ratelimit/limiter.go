package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"binance-oi-collector/internal/utils"
)

type Config struct {
	MaxRequestPerSecond       int
	MaxSymbolRequestPerSecond int
	CleanupDuration           time.Duration
	ExpireDuration            time.Duration
}

type symbolLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RequestLimiter paces exchange requests with one global token bucket and
// one bucket per symbol.
type RequestLimiter struct {
	cfg            Config
	log            *logrus.Logger
	globalLimiter  *rate.Limiter
	symbolLimiters map[string]*symbolLimiterEntry
	mu             sync.Mutex
	wg             sync.WaitGroup
}

func NewRequestLimiter(cfg Config, log *logrus.Logger) *RequestLimiter {
	if cfg.MaxRequestPerSecond < 1 {
		cfg.MaxRequestPerSecond = 1
	}
	if cfg.MaxSymbolRequestPerSecond < 1 {
		cfg.MaxSymbolRequestPerSecond = cfg.MaxRequestPerSecond
	}
	return &RequestLimiter{
		cfg:            cfg,
		log:            log,
		globalLimiter:  rate.NewLimiter(rate.Limit(cfg.MaxRequestPerSecond), cfg.MaxRequestPerSecond),
		symbolLimiters: make(map[string]*symbolLimiterEntry),
	}
}

// Wait blocks until both the global and the symbol bucket grant a token or
// ctx is done.
func (r *RequestLimiter) Wait(ctx context.Context, symbol string) error {
	if err := r.getSymbolLimiter(symbol).limiter.Wait(ctx); err != nil {
		return err
	}
	return r.globalLimiter.Wait(ctx)
}

func (r *RequestLimiter) getSymbolLimiter(symbol string) *symbolLimiterEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, exists := r.symbolLimiters[symbol]; exists {
		entry.lastAccess = time.Now()
		return entry
	}

	entry := &symbolLimiterEntry{
		limiter:    rate.NewLimiter(rate.Limit(r.cfg.MaxSymbolRequestPerSecond), r.cfg.MaxSymbolRequestPerSecond),
		lastAccess: time.Now(),
	}
	r.symbolLimiters[symbol] = entry
	return entry
}

func (r *RequestLimiter) removeExpired(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for symbol, entry := range r.symbolLimiters {
		if now.Sub(entry.lastAccess) > r.cfg.ExpireDuration {
			delete(r.symbolLimiters, symbol)
			removed++
		}
	}
	return removed
}

// StartCleanupExpired drops idle symbol buckets until ctx is done.
func (r *RequestLimiter) StartCleanupExpired(ctx context.Context) {
	if r.cfg.CleanupDuration <= 0 || r.cfg.ExpireDuration <= 0 {
		return
	}
	r.wg.Add(1)
	utils.SafeGo(func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.CleanupDuration)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				r.log.Debug("Received signal to stop request limiter cleanup")
				return
			case now := <-ticker.C:
				if n := r.removeExpired(now); n > 0 {
					r.log.Debug("Removed idle symbol limiters", logrus.Fields{"count": n})
				}
			}
		}
	})
}

func (r *RequestLimiter) StopCleanupExpired() {
	r.wg.Wait()
	r.log.Info("Request limiter stopped")
}
