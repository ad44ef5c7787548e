package scheduler

import (
	"time"

	"binance-oi-collector/internal/models"
	"binance-oi-collector/internal/services/gap_scanner"
)

type ActionKind string

const (
	ActionBackfillAll     ActionKind = "backfill_all"
	ActionBackfillPartial ActionKind = "backfill_partial"
	ActionMarkComplete    ActionKind = "mark_complete"
	ActionDiscard         ActionKind = "discard"
)

func ParseActionKind(s string) (ActionKind, bool) {
	switch k := ActionKind(s); k {
	case ActionBackfillAll, ActionBackfillPartial, ActionMarkComplete, ActionDiscard:
		return k, true
	}
	return "", false
}

// Action is what recovery does with one interrupted task. Symbols restricts
// ActionBackfillPartial.
type Action struct {
	Kind    ActionKind `json:"kind"`
	Symbols []string   `json:"symbols,omitempty"`
	Reason  string     `json:"reason,omitempty"`
}

// DecideFunc picks the recovery action of a task given its gaps.
type DecideFunc func(task models.Task, summary gap_scanner.GapSummary) Action

// Policy drives the unattended recovery decision.
type Policy struct {
	Now    time.Time
	MaxAge time.Duration
	// AllowedSymbols are the symbols still configured. Empty allows all.
	AllowedSymbols []string
}

// Decide is the non-interactive recovery decision.
func Decide(task models.Task, summary gap_scanner.GapSummary, policy Policy) Action {
	if summary.Total == 0 {
		return Action{Kind: ActionMarkComplete, Reason: "no gaps"}
	}
	if policy.MaxAge > 0 && policy.Now.Sub(task.LastExecutionAt) > policy.MaxAge {
		return Action{Kind: ActionDiscard, Reason: "last execution older than " + policy.MaxAge.String()}
	}

	symbols := summary.Symbols()
	allowed := symbols
	if len(policy.AllowedSymbols) > 0 {
		set := make(map[string]struct{}, len(policy.AllowedSymbols))
		for _, s := range policy.AllowedSymbols {
			set[s] = struct{}{}
		}
		allowed = allowed[:0:0]
		for _, s := range symbols {
			if _, ok := set[s]; ok {
				allowed = append(allowed, s)
			}
		}
	}

	switch {
	case len(allowed) == 0:
		return Action{Kind: ActionDiscard, Reason: "no symbol with gaps is still configured"}
	case len(allowed) == len(symbols):
		return Action{Kind: ActionBackfillAll, Symbols: allowed, Reason: "gaps found"}
	default:
		return Action{Kind: ActionBackfillPartial, Symbols: allowed, Reason: "gaps found for a subset of configured symbols"}
	}
}

func PolicyDecider(policy func() Policy) DecideFunc {
	return func(task models.Task, summary gap_scanner.GapSummary) Action {
		return Decide(task, summary, policy())
	}
}
