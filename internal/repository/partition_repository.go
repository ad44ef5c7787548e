package repository

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"binance-oi-collector/internal/models"
	"binance-oi-collector/internal/utils"
)

var partitionHeader = []string{"timestamp", "datetime_utc", "openInterest", "sumOpenInterestValue", "source"}

// PartitionRepository owns the date-partitioned CSV files. Existing rows are
// never modified: an append rewrites the file with the new row inserted in
// timestamp order and swaps it in atomically.
type PartitionRepository interface {
	Timestamps(ctx context.Context, symbol string, cadence models.Cadence, from, to time.Time) (map[int64]struct{}, error)
	Has(ctx context.Context, symbol string, cadence models.Cadence, ts time.Time) (bool, error)
	Append(ctx context.Context, snapshot models.Snapshot) (bool, error)
	Read(ctx context.Context, symbol string, cadence models.Cadence, date time.Time) ([]models.Snapshot, error)
	Stats(ctx context.Context) (*models.StorageStats, error)
	Cleanup(ctx context.Context, before time.Time) (int, error)
	Root() string
}

type partitionRepository struct {
	root  string
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewPartitionRepository(dataDir string) PartitionRepository {
	return &partitionRepository{
		root:  filepath.Join(dataDir, "open_interest"),
		locks: make(map[string]*sync.Mutex),
	}
}

func (r *partitionRepository) Root() string {
	return r.root
}

// PartitionFileName follows {symbol}-oi-{date}.csv for the live cadence and
// {symbol}-oi-{cadence}-{date}.csv for the others.
func PartitionFileName(symbol string, cadence models.Cadence, date time.Time) string {
	if cadence == models.CadenceRealtime {
		return fmt.Sprintf("%s-oi-%s.csv", symbol, utils.FormatDate(date))
	}
	return fmt.Sprintf("%s-oi-%s-%s.csv", symbol, cadence, utils.FormatDate(date))
}

func (r *partitionRepository) partitionPath(symbol string, cadence models.Cadence, date time.Time) string {
	return filepath.Join(r.root, symbol, string(cadence), PartitionFileName(symbol, cadence, date))
}

func (r *partitionRepository) lockFor(path string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[path]
	if !ok {
		l = &sync.Mutex{}
		r.locks[path] = l
	}
	return l
}

func readRows(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	var rows [][]string
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if len(rec) == 0 || rec[0] == partitionHeader[0] {
			continue
		}
		rows = append(rows, rec)
	}
	return rows, nil
}

func rowTimestamp(row []string) (int64, bool) {
	if len(row) == 0 {
		return 0, false
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(row[0]), 10, 64)
	return ms, err == nil
}

func (r *partitionRepository) Timestamps(ctx context.Context, symbol string, cadence models.Cadence, from, to time.Time) (map[int64]struct{}, error) {
	out := make(map[int64]struct{})
	if to.Before(from) {
		return out, nil
	}
	fromMs, toMs := from.UnixMilli(), to.UnixMilli()
	for day := utils.StartOfDay(from); !day.After(to); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := r.partitionPath(symbol, cadence, day)
		l := r.lockFor(path)
		l.Lock()
		rows, err := readRows(path)
		l.Unlock()
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			if ms, ok := rowTimestamp(row); ok && ms >= fromMs && ms <= toMs {
				out[ms] = struct{}{}
			}
		}
	}
	return out, nil
}

func (r *partitionRepository) Has(ctx context.Context, symbol string, cadence models.Cadence, ts time.Time) (bool, error) {
	set, err := r.Timestamps(ctx, symbol, cadence, ts, ts)
	if err != nil {
		return false, err
	}
	_, ok := set[ts.UnixMilli()]
	return ok, nil
}

func formatRow(s models.Snapshot) []string {
	value := ""
	if s.SumOpenInterestValue != nil {
		value = strconv.FormatFloat(*s.SumOpenInterestValue, 'f', -1, 64)
	}
	source := s.Source
	if source == "" {
		source = models.SourceExchange
	}
	ts := s.Timestamp.UTC()
	return []string{
		strconv.FormatInt(ts.UnixMilli(), 10),
		ts.Format("2006-01-02T15:04:05Z"),
		strconv.FormatFloat(s.OpenInterest, 'f', -1, 64),
		value,
		string(source),
	}
}

// Append stores the snapshot unless a row with the same timestamp exists,
// in which case it reports false and leaves the file untouched.
func (r *partitionRepository) Append(ctx context.Context, snapshot models.Snapshot) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if snapshot.Symbol == "" || !snapshot.Cadence.Valid() {
		return false, fmt.Errorf("invalid snapshot: symbol %q cadence %q", snapshot.Symbol, snapshot.Cadence)
	}

	path := r.partitionPath(snapshot.Symbol, snapshot.Cadence, snapshot.Timestamp)
	l := r.lockFor(path)
	l.Lock()
	defer l.Unlock()

	rows, err := readRows(path)
	if err != nil {
		return false, err
	}
	target := snapshot.Timestamp.UnixMilli()
	pos := sort.Search(len(rows), func(i int) bool {
		ms, _ := rowTimestamp(rows[i])
		return ms >= target
	})
	if pos < len(rows) {
		if ms, _ := rowTimestamp(rows[pos]); ms == target {
			return false, nil
		}
	}

	rows = append(rows, nil)
	copy(rows[pos+1:], rows[pos:])
	rows[pos] = formatRow(snapshot)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(partitionHeader); err != nil {
		return false, err
	}
	if err := w.WriteAll(rows); err != nil {
		return false, err
	}
	if err := writeFileAtomic(path, buf.Bytes(), 0o644); err != nil {
		return false, fmt.Errorf("failed to write partition %s: %w", path, err)
	}
	return true, nil
}

func (r *partitionRepository) Read(ctx context.Context, symbol string, cadence models.Cadence, date time.Time) ([]models.Snapshot, error) {
	path := r.partitionPath(symbol, cadence, date)
	l := r.lockFor(path)
	l.Lock()
	rows, err := readRows(path)
	l.Unlock()
	if err != nil {
		return nil, err
	}

	out := make([]models.Snapshot, 0, len(rows))
	for _, row := range rows {
		ms, ok := rowTimestamp(row)
		if !ok || len(row) < 3 {
			continue
		}
		oi, err := strconv.ParseFloat(row[2], 64)
		if err != nil {
			continue
		}
		snap := models.Snapshot{
			Symbol:       symbol,
			Cadence:      cadence,
			Timestamp:    utils.UnixMilli(ms),
			OpenInterest: oi,
			Source:       models.SourceExchange,
		}
		if len(row) > 3 && row[3] != "" {
			if v, err := strconv.ParseFloat(row[3], 64); err == nil {
				snap.SumOpenInterestValue = &v
			}
		}
		if len(row) > 4 && row[4] != "" {
			snap.Source = models.SnapshotSource(row[4])
		}
		out = append(out, snap)
	}
	return out, nil
}

// partitionDate extracts the trailing YYYY-MM-DD of a partition file name.
func partitionDate(name string) (time.Time, bool) {
	if !strings.HasSuffix(name, ".csv") || len(name) < len("2006-01-02.csv") {
		return time.Time{}, false
	}
	datePart := strings.TrimSuffix(name, ".csv")
	datePart = datePart[len(datePart)-len(utils.DateLayout):]
	t, err := utils.ParseDate(datePart)
	return t, err == nil
}

type partitionFile struct {
	symbol  string
	cadence models.Cadence
	path    string
	date    time.Time
	size    int64
}

func (r *partitionRepository) listPartitions(ctx context.Context) ([]partitionFile, error) {
	var files []partitionFile
	symbols, err := os.ReadDir(r.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	for _, s := range symbols {
		if !s.IsDir() || strings.HasPrefix(s.Name(), ".") {
			continue
		}
		cadences, err := os.ReadDir(filepath.Join(r.root, s.Name()))
		if err != nil {
			return nil, err
		}
		for _, c := range cadences {
			if !c.IsDir() {
				continue
			}
			dir := filepath.Join(r.root, s.Name(), c.Name())
			entries, err := os.ReadDir(dir)
			if err != nil {
				return nil, err
			}
			for _, e := range entries {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				if e.IsDir() || isTempFile(e.Name()) {
					continue
				}
				date, ok := partitionDate(e.Name())
				if !ok {
					continue
				}
				info, err := e.Info()
				if err != nil {
					return nil, err
				}
				files = append(files, partitionFile{
					symbol:  s.Name(),
					cadence: models.Cadence(c.Name()),
					path:    filepath.Join(dir, e.Name()),
					date:    date,
					size:    info.Size(),
				})
			}
		}
	}
	return files, nil
}

func (r *partitionRepository) Stats(ctx context.Context) (*models.StorageStats, error) {
	files, err := r.listPartitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to collect storage stats: %w", err)
	}

	stats := &models.StorageStats{Partitions: []models.PartitionStats{}}
	index := map[string]int{}
	for _, f := range files {
		key := f.symbol + "/" + string(f.cadence)
		i, ok := index[key]
		if !ok {
			stats.Partitions = append(stats.Partitions, models.PartitionStats{Symbol: f.symbol, Cadence: f.cadence})
			i = len(stats.Partitions) - 1
			index[key] = i
		}
		p := &stats.Partitions[i]
		p.Files++
		p.Bytes += f.size
		date := utils.FormatDate(f.date)
		if p.OldestDate == "" || date < p.OldestDate {
			p.OldestDate = date
		}
		if date > p.NewestDate {
			p.NewestDate = date
		}
		stats.TotalFiles++
		stats.TotalBytes += f.size
	}
	sort.Slice(stats.Partitions, func(i, j int) bool {
		if stats.Partitions[i].Symbol == stats.Partitions[j].Symbol {
			return stats.Partitions[i].Cadence < stats.Partitions[j].Cadence
		}
		return stats.Partitions[i].Symbol < stats.Partitions[j].Symbol
	})
	return stats, nil
}

// Cleanup deletes partitions whose calendar day is before the day of
// `before` and returns how many were removed.
func (r *partitionRepository) Cleanup(ctx context.Context, before time.Time) (int, error) {
	files, err := r.listPartitions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list partitions: %w", err)
	}
	cutoff := utils.StartOfDay(before)
	removed := 0
	for _, f := range files {
		if !f.date.Before(cutoff) {
			continue
		}
		l := r.lockFor(f.path)
		l.Lock()
		err := os.Remove(f.path)
		l.Unlock()
		if err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("failed to remove %s: %w", f.path, err)
		}
		removed++
	}
	return removed, nil
}
