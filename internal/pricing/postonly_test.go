package pricing

import (
	"testing"

	"polymarket-hedger/pkg/types"
)

func TestFailurePolicyFallback(t *testing.T) {
	t.Parallel()

	fp := NewFailurePolicy(3)

	// Below the budget the policy keeps requesting POST_ONLY.
	for i := 0; i < 3; i++ {
		if got := fp.OrderType("BTC"); got != types.OrderTypePostOnly {
			t.Fatalf("attempt %d: type = %v, want POST_ONLY", i, got)
		}
		fp.RecordCrossing("BTC")
		if got := fp.Count("BTC"); got != i+1 {
			t.Fatalf("count = %d, want %d", got, i+1)
		}
	}

	// Budget exhausted: fall back to GTC.
	if got := fp.OrderType("BTC"); got != types.OrderTypeGTC {
		t.Errorf("type = %v, want GTC after %d crossings", got, 3)
	}

	// Other symbols are independent.
	if got := fp.OrderType("ETH"); got != types.OrderTypePostOnly {
		t.Errorf("ETH type = %v, want POST_ONLY", got)
	}
}

func TestFailurePolicyReset(t *testing.T) {
	t.Parallel()

	fp := NewFailurePolicy(3)
	fp.RecordCrossing("BTC")
	fp.RecordCrossing("BTC")

	fp.RecordAccepted("BTC")
	if got := fp.Count("BTC"); got != 0 {
		t.Errorf("count = %d, want 0 after accepted pair", got)
	}
	if got := fp.OrderType("BTC"); got != types.OrderTypePostOnly {
		t.Errorf("type = %v, want POST_ONLY after reset", got)
	}
}

func TestFailurePolicyGTCAcceptanceResets(t *testing.T) {
	t.Parallel()

	// Exhaust the budget so the policy falls back to GTC.
	fp := NewFailurePolicy(3)
	for i := 0; i < 3; i++ {
		fp.RecordCrossing("BTC")
	}
	if got := fp.OrderType("BTC"); got != types.OrderTypeGTC {
		t.Fatalf("type = %v, want GTC after exhausted budget", got)
	}

	// The GTC pair that then gets accepted ends the streak: the symbol must
	// not stay in taker mode forever.
	fp.RecordAccepted("BTC")
	if got := fp.Count("BTC"); got != 0 {
		t.Errorf("count = %d, want 0 after both-leg acceptance", got)
	}
	if got := fp.OrderType("BTC"); got != types.OrderTypePostOnly {
		t.Errorf("type = %v, want POST_ONLY again after reset", got)
	}
}
