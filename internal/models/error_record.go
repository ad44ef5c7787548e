package models

import (
	"sort"
	"strings"
	"time"
)

type ErrorKind string

const (
	ErrorKindTransient       ErrorKind = "transient"
	ErrorKindRateLimited     ErrorKind = "rate_limited"
	ErrorKindDataUnavailable ErrorKind = "data_unavailable"
	ErrorKindPermanent       ErrorKind = "permanent"
)

// ErrorRecord aggregates failures of one kind for one symbol.
type ErrorRecord struct {
	Symbol      string    `json:"symbol"`
	Kind        ErrorKind `json:"error_kind"`
	Count       int64     `json:"count"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	LastMessage string    `json:"last_message,omitempty"`
}

type ErrorDetail struct {
	Symbol    string    `json:"symbol"`
	Kind      ErrorKind `json:"error_kind"`
	Cadence   Cadence   `json:"cadence,omitempty"`
	Message   string    `json:"message"`
	Target    time.Time `json:"target,omitempty"`
	Attempts  int       `json:"attempts"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorStatistics is the document persisted in error_statistics.json.
type ErrorStatistics struct {
	LastUpdated    time.Time                             `json:"last_updated"`
	TotalErrors    int64                                 `json:"total_errors"`
	ErrorsByKind   map[ErrorKind]int64                   `json:"errors_by_kind"`
	ErrorsBySymbol map[string]int64                      `json:"errors_by_symbol"`
	Records        map[string]map[ErrorKind]*ErrorRecord `json:"records"`
	Details        []ErrorDetail                         `json:"details"`
}

func NewErrorStatistics() *ErrorStatistics {
	return &ErrorStatistics{
		ErrorsByKind:   map[ErrorKind]int64{},
		ErrorsBySymbol: map[string]int64{},
		Records:        map[string]map[ErrorKind]*ErrorRecord{},
		Details:        []ErrorDetail{},
	}
}

// InvalidSymbols lists, sorted, the symbols whose permanent failures report
// an unknown symbol (exchange code -1121).
func (s *ErrorStatistics) InvalidSymbols() []string {
	found := map[string]struct{}{}
	mark := func(symbol string, kind ErrorKind, message string) {
		if symbol == "" || kind != ErrorKindPermanent {
			return
		}
		msg := strings.ToLower(message)
		if strings.Contains(msg, "1121") || strings.Contains(msg, "invalid symbol") {
			found[symbol] = struct{}{}
		}
	}
	for _, d := range s.Details {
		mark(d.Symbol, d.Kind, d.Message)
	}
	for symbol, byKind := range s.Records {
		if r := byKind[ErrorKindPermanent]; r != nil {
			mark(symbol, ErrorKindPermanent, r.LastMessage)
		}
	}

	out := make([]string, 0, len(found))
	for symbol := range found {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}
