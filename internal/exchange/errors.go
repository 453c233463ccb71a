// errors.go defines the typed failure taxonomy for exchange operations.
//
// Higher layers treat every client call as atomic: it either succeeds or
// returns one of these kinds. Only the trade lifecycle maps kinds to state
// transitions; nothing above it reinterprets errors.
package exchange

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCrossing means a POST_ONLY order was rejected because it would
	// cross the book. Triggers the post-only failure policy.
	ErrCrossing = errors.New("order would cross the book")

	// ErrInsufficientFunds is non-retryable for the current window.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrTransient is returned after the retry budget for network/5xx/
	// rate-limit failures is exhausted.
	ErrTransient = errors.New("transient exchange error")

	// ErrNotFound is returned by GetOrder for unknown exchange IDs.
	// Cancel treats it as success (the order is gone either way).
	ErrNotFound = errors.New("order not found")
)

// classifyOrderError maps a CLOB order rejection message to a typed error.
func classifyOrderError(msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "cross"), strings.Contains(lower, "post only"), strings.Contains(lower, "post-only"):
		return fmt.Errorf("%w: %s", ErrCrossing, msg)
	case strings.Contains(lower, "insufficient"), strings.Contains(lower, "not enough balance"):
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, msg)
	default:
		return fmt.Errorf("%w: %s", ErrTransient, msg)
	}
}
