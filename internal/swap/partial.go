package swap

import (
	"math/big"

	"github.com/klingon-exchange/xswap/internal/secret"
	"github.com/klingon-exchange/xswap/internal/storage"
)

// PartialFill accepts amount of orderID from resolver against preimage.
// The order finalizes when the fills reach its total. The secret is only
// verified here; it is not published to the chains.
func (c *Coordinator) PartialFill(orderID, resolver string, amount *big.Int, preimage []byte) (*OrderView, error) {
	if !c.isWhitelisted(resolver) {
		return nil, errorf(CodeUnauthorizedResolver, "resolver %q is not whitelisted", resolver)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errorf(CodeInvalidOrderConfig, "fill amount must be positive")
	}

	order, err := c.getOrder(orderID)
	if err != nil {
		return nil, err
	}
	if !order.AllowPartialFill {
		return nil, errorf(CodeInvalidOrderConfig, "order %s does not allow partial fills", orderID)
	}
	if !secret.Verify(order.HashAlgo, preimage, order.Hashlock) {
		return nil, errorf(CodeSecretMismatch, "secret does not match hashlock of %s", orderID)
	}

	var total *big.Int
	_, err = c.updateOrder(orderID, func(o *storage.Order) error {
		if o.Finalized || o.Cancelled {
			return errorf(CodeInvalidStateTransition, "order %s is closed", orderID)
		}
		filled := o.TotalFilled
		if filled == nil {
			filled = new(big.Int)
		}
		next := new(big.Int).Add(filled, amount)
		if next.Cmp(o.TotalAmount) > 0 {
			return errorf(CodeInvalidOrderConfig, "fill of %s exceeds remaining %s",
				amount, new(big.Int).Sub(o.TotalAmount, filled))
		}
		o.TotalFilled = next
		if next.Cmp(o.TotalAmount) == 0 {
			now := c.now()
			o.Finalized = true
			o.FinalizedAt = &now
		}
		total = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = c.store.AddFill(&storage.Fill{
		OrderID:   orderID,
		Resolver:  resolver,
		Amount:    new(big.Int).Set(amount),
		CreatedAt: c.now(),
	})
	if err != nil {
		c.log.Error("Failed to record fill", "order", orderID, "error", err)
	}

	c.log.Info("Order filled", "order", orderID, "resolver", resolver, "amount", amount.String(), "filled", total.String())
	view, err := c.GetStatus(orderID)
	if err != nil {
		return nil, err
	}
	c.emitEvent(orderID, EventOrderFilled, view)
	return view, nil
}
