package swap

import (
	"context"
	"errors"
	"time"

	"github.com/klingon-exchange/xswap/internal/escrow"
	"github.com/klingon-exchange/xswap/internal/secret"
	"github.com/klingon-exchange/xswap/internal/storage"
)

// extractTimeout bounds the secret lookup on a redeem event.
const extractTimeout = 30 * time.Second

// ApplyEvent applies a chain event to the leg of orderID on chain. Events
// below the chain's confirmation depth only update the confirmation count.
// Replays of an applied event are no-ops; out-of-sequence events are
// rejected with INVALID_STATE_TRANSITION and leave the leg unchanged.
func (c *Coordinator) ApplyEvent(ctx context.Context, orderID, chain string, ev escrow.RawEvent) error {
	// The secret is public as soon as the redeem is broadcast.
	if ev.Type == escrow.EventRedeemed {
		if preimage := c.extractSecret(ctx, chain, ev); preimage != nil {
			c.propagateSecret(ctx, orderID, chain, preimage)
		}
	}

	leg, applied, err := c.applyLegEvent(orderID, chain, ev)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	switch leg.Status {
	case storage.LegFunded:
		c.log.Info("Leg funded", "order", orderID, "chain", chain, "tx", leg.FundingTxRef, "confirmations", leg.Confirmations)
		c.emitStatus(orderID, EventLegFunded)
		if leg.Role == storage.RoleSource {
			if order, err := c.store.GetOrder(orderID); err == nil && !order.Cancelled {
				c.autoFundCounterLeg(ctx, order)
			}
		}
		c.settleIfReady(ctx, orderID)
	case storage.LegRedeemed:
		c.log.Info("Leg redeemed on chain", "order", orderID, "chain", chain, "tx", leg.SettlementTxRef)
		c.emitStatus(orderID, EventLegRedeemed)
	case storage.LegRefunded:
		c.log.Info("Leg refunded on chain", "order", orderID, "chain", chain, "tx", leg.SettlementTxRef)
		c.emitStatus(orderID, EventLegRefunded)
	case storage.LegExpired:
		c.log.Info("Leg expired unfunded", "order", orderID, "chain", chain)
		c.emitStatus(orderID, EventLegExpired)
	}
	if leg.Status.IsTerminal() {
		c.monitor.Refresh(orderID, chain)
		c.finalizeIfSettled(orderID)
	}
	return nil
}

// applyLegEvent performs the leg transition for ev under the leg lock. It
// reports whether the leg changed status and the event is new to the
// applied-event ledger, so the caller's follow-up runs once per event.
func (c *Coordinator) applyLegEvent(orderID, chain string, ev escrow.RawEvent) (*storage.EscrowLeg, bool, error) {
	unlock := c.lockLeg(orderID, chain)
	defer unlock()

	threshold := c.confirmationsFor(chain)
	deep := ev.Confirmations >= threshold
	applied := false

	leg, err := c.updateLeg(orderID, chain, func(l *storage.EscrowLeg) error {
		applied = false
		switch ev.Type {
		case escrow.EventFunded:
			return c.applyFunded(l, ev, deep, &applied)
		case escrow.EventRedeemed:
			return settle(l, storage.LegRedeemed, ev, deep, &applied)
		case escrow.EventRefunded:
			return settle(l, storage.LegRefunded, ev, deep, &applied)
		case escrow.EventExpired:
			if l.Status == storage.LegExpired {
				return errAbort
			}
			if l.Status != storage.LegPending || l.FundingTxRef != "" {
				return invalidTransition(l, ev)
			}
			l.Status = storage.LegExpired
			applied = true
			return nil
		default:
			return errorf(CodeInvalidStateTransition, "unknown event type %q", ev.Type)
		}
	})
	if errors.Is(err, errAbort) {
		return nil, false, nil
	}
	if err != nil {
		if CodeOf(err) == CodeInvalidStateTransition {
			c.log.Warn("Rejected out-of-sequence event", "order", orderID, "chain", chain, "event", ev.Type, "tx", ev.TxRef, "status", err)
		}
		return nil, false, err
	}

	if applied {
		first, err := c.store.RecordEvent(&storage.AppliedEvent{
			OrderID:       orderID,
			Chain:         chain,
			TxRef:         string(ev.TxRef),
			EventType:     string(ev.Type),
			Confirmations: ev.Confirmations,
			AppliedAt:     c.now(),
		})
		switch {
		case err != nil:
			c.log.Warn("Failed to record applied event", "order", orderID, "chain", chain, "error", err)
		case !first:
			// Follow-up work already ran for this event.
			c.log.Debug("Event already in ledger", "order", orderID, "chain", chain, "event", ev.Type, "tx", ev.TxRef)
			return leg, false, nil
		}
	}
	return leg, applied, nil
}

func (c *Coordinator) applyFunded(l *storage.EscrowLeg, ev escrow.RawEvent, deep bool, applied *bool) error {
	switch l.Status {
	case storage.LegPending:
	case storage.LegFunded, storage.LegRedeemed, storage.LegRefunded:
		if ev.TxRef == "" || string(ev.TxRef) == l.FundingTxRef {
			if l.Status == storage.LegFunded && ev.Confirmations > l.Confirmations {
				l.Confirmations = ev.Confirmations
				return nil
			}
			return errAbort
		}
		return invalidTransition(l, ev)
	default:
		return invalidTransition(l, ev)
	}

	changed := false
	switch {
	case ev.TxRef == "" || string(ev.TxRef) == l.FundingTxRef:
	case l.FundingTxRef == "":
		l.FundingTxRef = string(ev.TxRef)
		changed = true
	default:
		// The escrow was funded by another transaction. Its depth is the
		// only one that counts from now on.
		c.log.Warn("Funding transaction replaced", "order", l.OrderID, "chain", l.Chain, "old", l.FundingTxRef, "new", ev.TxRef)
		l.FundingTxRef = string(ev.TxRef)
		l.Confirmations = ev.Confirmations
		changed = true
	}
	if ev.Confirmations > l.Confirmations {
		l.Confirmations = ev.Confirmations
		changed = true
	}
	if deep && l.FundingTxRef != "" {
		l.Status = storage.LegFunded
		if ev.Height > 0 {
			l.LastConfirmedHeight = ev.Height
		}
		*applied = true
		return nil
	}
	if !changed {
		return errAbort
	}
	return nil
}

// settle moves a Funded leg to a terminal status once ev is deep enough.
func settle(l *storage.EscrowLeg, to storage.LegStatus, ev escrow.RawEvent, deep bool, applied *bool) error {
	if l.Status == to {
		if l.SettlementTxRef == "" && ev.TxRef != "" {
			l.SettlementTxRef = string(ev.TxRef)
			return nil
		}
		return errAbort
	}
	if l.Status != storage.LegFunded {
		return invalidTransition(l, ev)
	}
	if !deep {
		return errAbort
	}
	l.Status = to
	l.SettlementTxRef = string(ev.TxRef)
	if ev.Height > 0 {
		l.LastConfirmedHeight = ev.Height
	}
	*applied = true
	return nil
}

func invalidTransition(l *storage.EscrowLeg, ev escrow.RawEvent) error {
	return errorf(CodeInvalidStateTransition, "%s event on %s leg in status %s", ev.Type, l.Chain, l.Status)
}

// extractSecret returns the preimage revealed by a redeem event, or nil.
func (c *Coordinator) extractSecret(ctx context.Context, chain string, ev escrow.RawEvent) []byte {
	if len(ev.Secret) == secret.Size {
		return ev.Secret
	}
	client, ok := c.escrows.Get(chain)
	if !ok || ev.TxRef == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, extractTimeout)
	defer cancel()
	preimage, err := client.ExtractSecret(ctx, ev.TxRef)
	if err != nil {
		c.log.Debug("No secret in redeem transaction", "chain", chain, "tx", ev.TxRef, "error", err)
		return nil
	}
	return preimage
}

// propagateSecret feeds a secret seen on one chain into the order so the
// paired leg gets redeemed.
func (c *Coordinator) propagateSecret(ctx context.Context, orderID, chain string, preimage []byte) {
	order, err := c.store.GetOrder(orderID)
	if err != nil {
		c.log.Warn("Failed to load order for secret", "order", orderID, "error", err)
		return
	}
	if err := c.revealAndRedeem(ctx, order, preimage, chain); err != nil {
		c.log.Warn("Secret from chain not applied", "order", orderID, "chain", chain, "error", err)
	}
}
