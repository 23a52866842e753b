package status

import (
	"fmt"
	"strings"
)

// Table maps one provider's status vocabulary onto canonical states.
type Table map[string]State

var (
	// OrderTable covers the stock-order endpoint ("ready"/"error").
	OrderTable = Table{
		"pending":    StatePending,
		"processing": StateProcessing,
		"ready":      StateCompleted,
		"error":      StateFailed,
	}

	// AITable covers the AI generation endpoint. The queued/running/succeeded
	// aliases come from older workers that still report them.
	AITable = Table{
		"pending":    StatePending,
		"queued":     StatePending,
		"processing": StateProcessing,
		"running":    StateProcessing,
		"completed":  StateCompleted,
		"succeeded":  StateCompleted,
		"failed":     StateFailed,
		"cancelled":  StateCancelled,
		"canceled":   StateCancelled,
	}
)

// TableFor returns the normalization table for a job kind.
func TableFor(kind Kind) Table {
	if kind == KindOrder {
		return OrderTable
	}
	return AITable
}

// Normalize maps raw through the table. Unknown values map to failed and the
// raw value is reported in the returned message.
func (t Table) Normalize(raw string) (State, string) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if st, ok := t[key]; ok {
		return st, ""
	}
	return StateFailed, fmt.Sprintf("unknown status %q", raw)
}
