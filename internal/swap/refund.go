package swap

import (
	"context"
	"errors"

	"github.com/klingon-exchange/xswap/internal/escrow"
	"github.com/klingon-exchange/xswap/internal/storage"
)

// RequestRefund returns the funds of a Funded leg to its sender once the
// leg's timelock has passed.
func (c *Coordinator) RequestRefund(ctx context.Context, orderID, chain string) (*OrderView, error) {
	order, err := c.getOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order.Finalized {
		return nil, errorf(CodeInvalidStateTransition, "order %s is finalized", orderID)
	}
	if err := c.refundLeg(ctx, orderID, chain); err != nil {
		return nil, err
	}
	c.finalizeIfSettled(orderID)
	return c.GetStatus(orderID)
}

func (c *Coordinator) refundLeg(ctx context.Context, orderID, chain string) error {
	unlock := c.lockLeg(orderID, chain)
	defer unlock()

	leg, err := c.getLeg(orderID, chain)
	if err != nil {
		return err
	}
	if leg.Status != storage.LegFunded {
		return errorf(CodeInvalidStateTransition, "leg %s is %s, not funded", chain, leg.Status)
	}
	if now := c.now().Unix(); now < leg.Timelock {
		return errorf(CodeNotExpired, "leg %s is refundable after %d", chain, leg.Timelock)
	}

	var tx escrow.TxRef
	err = c.callChain(ctx, chain, leg.Sender, "refund", func(ctx context.Context, client escrow.Client) error {
		var err error
		tx, err = client.Refund(ctx, leg.ContractRef)
		return err
	})
	if err != nil {
		if CodeOf(err) == CodeChainFatal {
			c.flagLeg(orderID, chain, err)
		}
		return err
	}

	_, err = c.updateLeg(orderID, chain, func(l *storage.EscrowLeg) error {
		if l.Status != storage.LegFunded {
			return errAbort
		}
		l.Status = storage.LegRefunded
		l.SettlementTxRef = string(tx)
		return nil
	})
	if errors.Is(err, errAbort) {
		return nil
	}
	if err != nil {
		return err
	}
	c.log.Info("Leg refunded", "order", orderID, "chain", chain, "tx", tx)
	c.monitor.Refresh(orderID, chain)
	c.emitStatus(orderID, EventLegRefunded)
	return nil
}
