package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrSymbolsFileFormat is returned for a symbols file that is neither a JSON
// array nor an object with a "symbols" array.
var ErrSymbolsFileFormat = errors.New("unsupported symbols file format")

// SymbolsFileRepository edits the symbols file read at start. Both
// {"symbols": [...]} and a bare array are accepted; Save keeps the shape and
// any other keys of the existing file.
type SymbolsFileRepository interface {
	Load(ctx context.Context) ([]string, error)
	Save(ctx context.Context, symbols []string, updatedAt time.Time) error
}

type symbolsFileRepository struct {
	path string
}

func NewSymbolsFileRepository(path string) SymbolsFileRepository {
	return &symbolsFileRepository{path: path}
}

// read returns the symbols and, for the object form, the whole document.
func (r *symbolsFileRepository) read() ([]string, map[string]json.RawMessage, error) {
	b, err := os.ReadFile(r.path)
	if err != nil {
		return nil, nil, err
	}
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var symbols []string
		if err := json.Unmarshal(b, &symbols); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrSymbolsFileFormat, err)
		}
		return symbols, nil, nil
	}

	doc := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrSymbolsFileFormat, err)
	}
	var symbols []string
	if raw, ok := doc["symbols"]; ok {
		if err := json.Unmarshal(raw, &symbols); err != nil {
			return nil, nil, fmt.Errorf("%w: symbols: %v", ErrSymbolsFileFormat, err)
		}
	}
	return symbols, doc, nil
}

func (r *symbolsFileRepository) Load(ctx context.Context) ([]string, error) {
	symbols, _, err := r.read()
	if err != nil {
		return nil, fmt.Errorf("failed to read symbols file %s: %w", r.path, err)
	}
	return symbols, nil
}

func (r *symbolsFileRepository) Save(ctx context.Context, symbols []string, updatedAt time.Time) error {
	if symbols == nil {
		symbols = []string{}
	}
	_, doc, err := r.read()
	switch {
	case os.IsNotExist(err):
		doc = map[string]json.RawMessage{}
	case err != nil:
		return fmt.Errorf("failed to read symbols file %s: %w", r.path, err)
	}

	var payload any = symbols
	if doc != nil {
		list, err := json.Marshal(symbols)
		if err != nil {
			return err
		}
		stamp, err := json.Marshal(updatedAt.UTC())
		if err != nil {
			return err
		}
		doc["symbols"] = list
		doc["updated_at"] = stamp
		payload = doc
	}
	if err := writeJSONAtomic(r.path, payload); err != nil {
		return fmt.Errorf("failed to write symbols file %s: %w", r.path, err)
	}
	return nil
}
