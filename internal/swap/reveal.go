package swap

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/klingon-exchange/xswap/internal/escrow"
	"github.com/klingon-exchange/xswap/internal/secret"
	"github.com/klingon-exchange/xswap/internal/storage"
)

// HandleSecretReveal records preimage as the public secret of orderID and
// redeems every funded leg, destination first. A failed redeem is returned
// with its code; the secret stays recorded and the sweeper keeps retrying.
// Revealing the same secret again is a no-op apart from retrying redeems
// that have not happened yet.
func (c *Coordinator) HandleSecretReveal(ctx context.Context, orderID string, preimage []byte) (*OrderView, error) {
	order, err := c.getOrder(orderID)
	if err != nil {
		return nil, err
	}
	if err := c.revealAndRedeem(ctx, order, preimage, ""); err != nil {
		return nil, err
	}
	return c.GetStatus(orderID)
}

// revealAndRedeem skips the leg on skipChain, where the secret was seen.
func (c *Coordinator) revealAndRedeem(ctx context.Context, order *storage.Order, preimage []byte, skipChain string) error {
	if !secret.Verify(order.HashAlgo, preimage, order.Hashlock) {
		return errorf(CodeSecretMismatch, "secret does not match hashlock of %s", order.ID)
	}

	revealed, err := c.vault.IsRevealed(order.Hashlock)
	if err != nil {
		return err
	}
	if !revealed {
		if err := c.vault.Reveal(order.HashAlgo, order.Hashlock, preimage); err != nil {
			if errors.Is(err, storage.ErrSecretAlreadyRevealed) {
				return newError(CodeSecretMismatch, "a different secret was revealed", err)
			}
			return err
		}
		c.log.Info("Secret revealed", "order", order.ID)
		c.emitStatus(order.ID, EventSecretRevealed)
	}

	return c.redeemFunded(ctx, order, preimage, skipChain)
}

// redeemFunded redeems every Funded leg with preimage and returns the first
// redeem error. Legs past their timelock are left to refund, and legs the
// engine holds no key for are left to their receiver. Flagged legs wait
// for an operator. The sweeper calls back in here until every leg is
// settled.
func (c *Coordinator) redeemFunded(ctx context.Context, order *storage.Order, preimage []byte, skipChain string) error {
	legs, err := c.store.GetLegs(order.ID)
	if err != nil {
		return fmt.Errorf("failed to load legs: %w", err)
	}
	sort.SliceStable(legs, func(i, j int) bool {
		return legs[i].Role == storage.RoleDestination && legs[j].Role != storage.RoleDestination
	})

	var firstErr error
	for _, leg := range legs {
		if leg.Status != storage.LegFunded || leg.Chain == skipChain || leg.NeedsIntervention {
			continue
		}
		err := c.redeemLeg(ctx, order, leg.Chain, preimage)
		switch {
		case err == nil:
		case errors.Is(err, escrow.ErrNotSigner):
			c.log.Debug("No key for leg, leaving redeem to the receiver", "order", order.ID, "chain", leg.Chain)
		case CodeOf(err) == CodeAlreadyExpired:
			c.log.Debug("Leg past timelock, leaving it to refund", "order", order.ID, "chain", leg.Chain)
		default:
			c.log.Warn("Redeem failed", "order", order.ID, "chain", leg.Chain, "code", CodeOf(err), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	c.finalizeIfSettled(order.ID)
	return firstErr
}

// redeemLeg claims one Funded leg. The leg is marked Redeemed as soon as the
// adapter accepts the transaction.
func (c *Coordinator) redeemLeg(ctx context.Context, order *storage.Order, chain string, preimage []byte) error {
	unlock := c.lockLeg(order.ID, chain)
	defer unlock()

	leg, err := c.getLeg(order.ID, chain)
	if err != nil {
		return err
	}
	if leg.Status != storage.LegFunded {
		return nil
	}
	if c.now().Unix() >= leg.Timelock {
		return errorf(CodeAlreadyExpired, "leg %s timelock passed at %d", chain, leg.Timelock)
	}

	var tx escrow.TxRef
	err = c.callChain(ctx, chain, leg.Receiver, "redeem", func(ctx context.Context, client escrow.Client) error {
		var err error
		tx, err = client.Redeem(ctx, leg.ContractRef, preimage)
		return err
	})
	if err != nil {
		if CodeOf(err) == CodeChainFatal {
			c.flagLeg(order.ID, chain, err)
		}
		return err
	}

	_, err = c.updateLeg(order.ID, chain, func(l *storage.EscrowLeg) error {
		if l.Status != storage.LegFunded {
			return errAbort
		}
		l.Status = storage.LegRedeemed
		l.SettlementTxRef = string(tx)
		return nil
	})
	if errors.Is(err, errAbort) {
		return nil
	}
	if err != nil {
		return err
	}
	c.log.Info("Leg redeemed", "order", order.ID, "chain", chain, "tx", tx)
	c.monitor.Refresh(order.ID, chain)
	c.emitStatus(order.ID, EventLegRedeemed)
	return nil
}

// settleIfReady pushes an order forward after a leg became final. A secret
// seen in public is used at once. A secret held only by the vault is used
// once both legs are funded, never before, and never on a cancelled order.
func (c *Coordinator) settleIfReady(ctx context.Context, orderID string) {
	order, err := c.store.GetOrder(orderID)
	if err != nil || order.Finalized {
		return
	}
	preimage, known, err := c.vault.Lookup(order.ID, order.Hashlock)
	if err != nil {
		c.log.Warn("Secret lookup failed", "order", orderID, "error", err)
		return
	}
	if !known {
		return
	}
	revealed, err := c.vault.IsRevealed(order.Hashlock)
	if err != nil {
		c.log.Warn("Secret lookup failed", "order", orderID, "error", err)
		return
	}
	if revealed {
		if err := c.redeemFunded(ctx, order, preimage, ""); err != nil {
			c.log.Warn("Failed to settle order", "order", orderID, "error", err)
		}
		return
	}
	if order.Cancelled {
		return
	}

	legs, err := c.store.GetLegs(orderID)
	if err != nil {
		return
	}
	for _, leg := range legs {
		if leg.Status != storage.LegFunded {
			return
		}
	}
	if err := c.revealAndRedeem(ctx, order, preimage, ""); err != nil {
		c.log.Warn("Failed to settle order", "order", orderID, "error", err)
	}
}

// flagLeg marks a leg as needing an operator.
func (c *Coordinator) flagLeg(orderID, chain string, cause error) {
	_, err := c.updateLeg(orderID, chain, func(l *storage.EscrowLeg) error {
		l.NeedsIntervention = true
		l.LastError = cause.Error()
		return nil
	})
	if err != nil {
		c.log.Error("Failed to flag leg", "order", orderID, "chain", chain, "error", err)
	}
	c.log.Error("Leg needs intervention", "order", orderID, "chain", chain, "error", cause)
	c.emitStatus(orderID, EventLegFailed)
}
