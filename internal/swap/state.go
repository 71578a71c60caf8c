package swap

import (
	"time"

	"github.com/klingon-exchange/xswap/internal/storage"
)

// deriveState computes the order state from its legs and the clock. The
// first matching rule wins.
func deriveState(o *storage.Order, legs []*storage.EscrowLeg, revealed bool, now time.Time, expiringWindow time.Duration) OrderState {
	nowUnix := now.Unix()
	pastLock := func(l *storage.EscrowLeg) bool { return nowUnix >= l.Timelock }

	var funded, redeemed, refunded, expired, inFlight int
	for _, l := range legs {
		if l.NeedsIntervention {
			return StateStuck
		}
		switch l.Status {
		case storage.LegFunded:
			funded++
		case storage.LegRedeemed:
			redeemed++
		case storage.LegRefunded:
			refunded++
		case storage.LegExpired:
			expired++
		}
		if l.FundingTxRef != "" {
			inFlight++
		}
	}

	// One side paid out while the other can no longer be claimed.
	if redeemed > 0 {
		for _, l := range legs {
			if l.Status == storage.LegFunded && pastLock(l) {
				return StateStuck
			}
		}
	}

	n := len(legs)
	switch {
	case n > 0 && redeemed == n:
		return StateCompleted
	case refunded > 0 && redeemed == 0 && refunded+expired == n:
		return StateRefunded
	case refunded > 0:
		return StatePartiallyRefunded
	}

	for _, l := range legs {
		if l.Status == storage.LegFunded && pastLock(l) {
			return StateRefunding
		}
	}
	if n > 0 && expired == n {
		return StateExpired
	}
	if o.Finalized {
		return StateCompleted
	}

	if expiringWindow > 0 {
		horizon := now.Add(expiringWindow).Unix()
		for _, l := range legs {
			if !l.Status.IsTerminal() && horizon >= l.Timelock {
				return StateExpiring
			}
		}
	}

	switch {
	case revealed || redeemed > 0:
		return StateSettling
	case n > 0 && funded == n:
		return StateFunded
	case funded > 0 || inFlight > 0:
		return StateFunding
	case o.Cancelled:
		return StateCancelled
	}
	return StateCreated
}

// refundEligible reports whether RequestRefund would be accepted for l.
func refundEligible(o *storage.Order, l *storage.EscrowLeg, now time.Time) bool {
	return !o.Finalized && l.Status == storage.LegFunded && now.Unix() >= l.Timelock
}
