package swap

import (
	"context"
	"errors"

	"github.com/klingon-exchange/xswap/internal/escrow"
	"github.com/klingon-exchange/xswap/internal/storage"
)

// FundLeg locks the leg of orderID on chain. resolver must be whitelisted;
// it also keys the circuit breaker of the call. Funding a leg that already
// has a funding transaction returns the current view without a chain call.
func (c *Coordinator) FundLeg(ctx context.Context, orderID, chain, resolver string) (*OrderView, error) {
	if !c.isWhitelisted(resolver) {
		return nil, errorf(CodeUnauthorizedResolver, "resolver %q is not whitelisted", resolver)
	}
	if err := c.fundLeg(ctx, orderID, chain, resolver); err != nil {
		return nil, err
	}
	return c.GetStatus(orderID)
}

func (c *Coordinator) fundLeg(ctx context.Context, orderID, chain, resolver string) error {
	order, err := c.getOrder(orderID)
	if err != nil {
		return err
	}
	if order.Cancelled || order.Finalized {
		return errorf(CodeInvalidStateTransition, "order %s is closed", orderID)
	}

	unlock := c.lockLeg(orderID, chain)
	defer unlock()

	leg, err := c.getLeg(orderID, chain)
	if err != nil {
		return err
	}
	if leg.Status != storage.LegPending {
		return errorf(CodeInvalidStateTransition, "leg %s is %s, not pending", chain, leg.Status)
	}
	if leg.FundingTxRef != "" {
		return nil
	}
	if c.now().Unix() >= leg.Timelock {
		return errorf(CodeAlreadyExpired, "leg %s timelock passed at %d", chain, leg.Timelock)
	}

	spec := c.escrowSpec(order, leg)
	var tx escrow.TxRef
	err = c.callChain(ctx, chain, resolver, "fund", func(ctx context.Context, client escrow.Client) error {
		var err error
		tx, err = client.Fund(ctx, spec)
		return err
	})
	if err != nil {
		c.handleFundFailure(orderID, chain, err)
		return err
	}

	_, err = c.updateLeg(orderID, chain, func(l *storage.EscrowLeg) error {
		if l.FundingTxRef != "" {
			return errAbort
		}
		l.FundingTxRef = string(tx)
		return nil
	})
	if err != nil && !errors.Is(err, errAbort) {
		return err
	}

	c.log.Info("Leg funding broadcast", "order", orderID, "chain", chain, "tx", tx)
	c.emitStatus(orderID, EventLegFunding)
	c.monitor.Watch(orderID, chain)
	return nil
}

// handleFundFailure cancels the order when the chain refused the escrow.
// A fatal adapter failure also flags the leg for an operator.
func (c *Coordinator) handleFundFailure(orderID, chain string, err error) {
	code := CodeOf(err)
	if code != CodeChainRejected && code != CodeChainFatal {
		c.log.Warn("Funding failed", "order", orderID, "chain", chain, "error", err)
		return
	}

	if code == CodeChainFatal {
		c.flagLeg(orderID, chain, err)
	} else {
		c.log.Warn("Funding rejected by chain", "order", orderID, "chain", chain, "error", err)
	}

	_, uerr := c.updateOrder(orderID, func(o *storage.Order) error {
		if o.Cancelled {
			return errAbort
		}
		o.Cancelled = true
		return nil
	})
	if uerr == nil {
		c.emitStatus(orderID, EventOrderCancelled)
	} else if !errors.Is(uerr, errAbort) {
		c.log.Error("Failed to cancel order", "order", orderID, "error", uerr)
	}
}

// autoFundCounterLeg funds the destination leg on the taker's behalf once
// the source leg is final.
func (c *Coordinator) autoFundCounterLeg(ctx context.Context, order *storage.Order) {
	if !c.cfg.AutoFundCounterLeg {
		return
	}
	leg, err := c.store.GetLeg(order.ID, order.ToChain)
	if err != nil || leg.Status != storage.LegPending || leg.FundingTxRef != "" {
		return
	}
	if err := c.fundLeg(ctx, order.ID, order.ToChain, order.TakerAddress); err != nil {
		c.log.Warn("Auto-fund of counter leg failed", "order", order.ID, "chain", order.ToChain, "error", err)
	}
}
