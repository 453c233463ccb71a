package exchange

import (
	"errors"
	"testing"

	"polymarket-hedger/pkg/types"
)

func TestClassifyOrderError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		msg  string
		want error
	}{
		{"order crosses the book", ErrCrossing},
		{"rejected: post only order would match", ErrCrossing},
		{"post-only mode violation", ErrCrossing},
		{"insufficient balance / allowance", ErrInsufficientFunds},
		{"not enough balance to place order", ErrInsufficientFunds},
		{"internal server error", ErrTransient},
		{"", ErrTransient},
	}

	for _, tt := range tests {
		got := classifyOrderError(tt.msg)
		if !errors.Is(got, tt.want) {
			t.Errorf("classifyOrderError(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

func TestMapWireStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		wire string
		want types.OrderStatus
	}{
		{"live", types.OrderLive},
		{"LIVE", types.OrderLive},
		{"matched", types.OrderFilled},
		{"FILLED", types.OrderFilled},
		{"delayed", types.OrderPending},
		{"unmatched", types.OrderPending},
		{"canceled", types.OrderCanceled},
		{"cancelled", types.OrderCanceled},
		{"something-new", types.OrderPending},
	}

	for _, tt := range tests {
		if got := mapWireStatus(tt.wire); got != tt.want {
			t.Errorf("mapWireStatus(%q) = %s, want %s", tt.wire, got, tt.want)
		}
	}
}
