package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"binance-oi-collector/internal/models"
	"binance-oi-collector/internal/utils"
)

// SkipLedgerRepository remembers timestamps the exchange has no data for so
// gap scans stop asking for them.
type SkipLedgerRepository interface {
	Skipped(ctx context.Context, symbol string, cadence models.Cadence) (map[int64]struct{}, error)
	Add(ctx context.Context, symbol string, cadence models.Cadence, ts time.Time, reason string) error
}

type skipEntry struct {
	Timestamp int64     `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
	AddedAt   time.Time `json:"added_at"`
}

type skipLedger struct {
	Symbol  string         `json:"symbol"`
	Cadence models.Cadence `json:"cadence"`
	Entries []skipEntry    `json:"entries"`
}

type skipLedgerRepository struct {
	dir   string
	clock utils.Clock

	mu    sync.Mutex
	cache map[string]*skipLedger
}

func NewSkipLedgerRepository(dataDir string, clock utils.Clock) SkipLedgerRepository {
	return &skipLedgerRepository{
		dir:   filepath.Join(dataDir, "state", "unavailable"),
		clock: clock,
		cache: make(map[string]*skipLedger),
	}
}

func (r *skipLedgerRepository) path(symbol string, cadence models.Cadence) string {
	return filepath.Join(r.dir, fmt.Sprintf("%s-%s.json", symbol, cadence))
}

// load must be called with r.mu held.
func (r *skipLedgerRepository) load(symbol string, cadence models.Cadence) (*skipLedger, error) {
	path := r.path(symbol, cadence)
	if l, ok := r.cache[path]; ok {
		return l, nil
	}
	l := &skipLedger{Symbol: symbol, Cadence: cadence}
	if err := readJSON(path, l); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read skip ledger %s: %w", path, err)
	}
	r.cache[path] = l
	return l, nil
}

func (r *skipLedgerRepository) Skipped(ctx context.Context, symbol string, cadence models.Cadence) (map[int64]struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, err := r.load(symbol, cadence)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]struct{}, len(l.Entries))
	for _, e := range l.Entries {
		out[e.Timestamp] = struct{}{}
	}
	return out, nil
}

func (r *skipLedgerRepository) Add(ctx context.Context, symbol string, cadence models.Cadence, ts time.Time, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	l, err := r.load(symbol, cadence)
	if err != nil {
		return err
	}
	ms := ts.UnixMilli()
	pos := sort.Search(len(l.Entries), func(i int) bool { return l.Entries[i].Timestamp >= ms })
	if pos < len(l.Entries) && l.Entries[pos].Timestamp == ms {
		return nil
	}

	entries := make([]skipEntry, 0, len(l.Entries)+1)
	entries = append(entries, l.Entries[:pos]...)
	entries = append(entries, skipEntry{Timestamp: ms, Reason: utils.Truncate(reason, 200), AddedAt: r.clock.Now()})
	entries = append(entries, l.Entries[pos:]...)

	next := &skipLedger{Symbol: symbol, Cadence: cadence, Entries: entries}
	if err := writeJSONAtomic(r.path(symbol, cadence), next); err != nil {
		return fmt.Errorf("failed to write skip ledger: %w", err)
	}
	r.cache[r.path(symbol, cadence)] = next
	return nil
}
