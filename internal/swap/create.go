package swap

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/klingon-exchange/xswap/internal/chain"
	"github.com/klingon-exchange/xswap/internal/escrow"
	"github.com/klingon-exchange/xswap/internal/secret"
	"github.com/klingon-exchange/xswap/internal/storage"
)

// CreateSwap validates spec, obtains a hashlock and persists the order with
// both legs Pending. Watchers on both chains start immediately so legs
// funded outside the engine are picked up.
func (c *Coordinator) CreateSwap(ctx context.Context, spec OrderSpec) (*OrderView, error) {
	now := c.now()

	fromParams, toParams, err := c.validateSpec(spec, now)
	if err != nil {
		return nil, err
	}
	algo, err := secret.NegotiateAlgo(fromParams, toParams)
	if err != nil {
		return nil, newError(CodeInvalidOrderConfig, "no common hashlock function", err)
	}

	toAmount := spec.ToAmount
	if toAmount == nil {
		toAmount = spec.TotalAmount
	}

	order := &storage.Order{
		ID:               uuid.NewString(),
		MakerAddress:     spec.Maker,
		TakerAddress:     spec.Taker,
		FromChain:        spec.FromChain,
		ToChain:          spec.ToChain,
		FromAsset:        spec.FromAsset,
		ToAsset:          spec.ToAsset,
		TotalAmount:      new(big.Int).Set(spec.TotalAmount),
		HashAlgo:         algo,
		TimelockUnix:     spec.TimelockUnix,
		AllowPartialFill: spec.AllowPartialFill,
		TotalFilled:      new(big.Int),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	source := &storage.EscrowLeg{
		OrderID:  order.ID,
		Chain:    spec.FromChain,
		Role:     storage.RoleSource,
		Asset:    spec.FromAsset,
		Sender:   spec.Maker,
		Receiver: spec.Taker,
		Amount:   new(big.Int).Set(spec.TotalAmount),
		Timelock: spec.TimelockUnix,
		Status:   storage.LegPending,
	}
	destination := &storage.EscrowLeg{
		OrderID:  order.ID,
		Chain:    spec.ToChain,
		Role:     storage.RoleDestination,
		Asset:    spec.ToAsset,
		Sender:   spec.Taker,
		Receiver: spec.Maker,
		Amount:   new(big.Int).Set(toAmount),
		Timelock: spec.TimelockUnix - int64(c.cfg.LegTimelockDelta/time.Second),
		Status:   storage.LegPending,
	}
	if destination.Timelock <= now.Unix() {
		return nil, errorf(CodeInvalidOrderConfig, "destination timelock %d is not in the future", destination.Timelock)
	}

	// The secret record is stored with the order, never before it.
	var rec *storage.Secret
	if spec.Hashlock != nil {
		if len(spec.Hashlock) != secret.Size {
			return nil, errorf(CodeInvalidOrderConfig, "hashlock must be %d bytes, got %d", secret.Size, len(spec.Hashlock))
		}
		order.Hashlock = append([]byte(nil), spec.Hashlock...)
		rec, err = c.vault.Track(order.ID, algo, order.Hashlock)
	} else {
		order.Hashlock, rec, err = c.vault.Issue(order.ID, algo)
	}
	if err != nil {
		return nil, err
	}

	for _, leg := range []*storage.EscrowLeg{source, destination} {
		leg.Hashlock = order.Hashlock
		leg.UpdatedAt = now
		client, _ := c.escrows.Get(leg.Chain)
		ref, err := client.EscrowRef(c.escrowSpec(order, leg))
		if err != nil {
			return nil, newError(CodeInvalidOrderConfig, fmt.Sprintf("escrow on %s rejected the order", leg.Chain), err)
		}
		leg.ContractRef = ref
	}

	if err := c.store.CreateOrder(order, []*storage.EscrowLeg{source, destination}, rec); err != nil {
		if errors.Is(err, storage.ErrDuplicateOrder) {
			return nil, newError(CodeDuplicateOrder, "an order with this maker and hashlock exists", err)
		}
		return nil, fmt.Errorf("failed to store order: %w", err)
	}

	c.log.Info("Order created",
		"order", order.ID,
		"from", order.FromChain,
		"to", order.ToChain,
		"amount", order.TotalAmount.String(),
		"hash_algo", algo,
	)

	c.monitor.Watch(order.ID, source.Chain)
	c.monitor.Watch(order.ID, destination.Chain)

	view, err := c.GetStatus(order.ID)
	if err != nil {
		return nil, err
	}
	c.emitEvent(order.ID, EventOrderCreated, view)
	return view, nil
}

func (c *Coordinator) validateSpec(spec OrderSpec, now time.Time) (*chain.Params, *chain.Params, error) {
	switch {
	case spec.Maker == "" || spec.Taker == "":
		return nil, nil, errorf(CodeInvalidOrderConfig, "maker and taker are required")
	case spec.FromChain == spec.ToChain:
		return nil, nil, errorf(CodeInvalidOrderConfig, "fromChain and toChain must differ")
	case spec.TotalAmount == nil || spec.TotalAmount.Sign() <= 0:
		return nil, nil, errorf(CodeInvalidOrderConfig, "totalAmount must be positive")
	case spec.ToAmount != nil && spec.ToAmount.Sign() <= 0:
		return nil, nil, errorf(CodeInvalidOrderConfig, "toAmount must be positive")
	}

	minTimelock := now.Add(c.cfg.MinHorizon).Unix()
	if spec.TimelockUnix <= minTimelock {
		return nil, nil, errorf(CodeInvalidOrderConfig, "timelock %d must be after %d (now + %v)",
			spec.TimelockUnix, minTimelock, c.cfg.MinHorizon)
	}

	params := make([]*chain.Params, 2)
	for i, symbol := range []string{spec.FromChain, spec.ToChain} {
		p, ok := chain.Get(symbol, c.cfg.Network)
		if !ok {
			return nil, nil, errorf(CodeInvalidOrderConfig, "unknown chain %s on %s", symbol, c.cfg.Network)
		}
		if _, ok := c.escrows.Get(symbol); !ok {
			return nil, nil, errorf(CodeInvalidOrderConfig, "chain %s is not configured", symbol)
		}
		params[i] = p
	}
	return params[0], params[1], nil
}

// escrowSpec is what the adapter locks for leg.
func (c *Coordinator) escrowSpec(o *storage.Order, leg *storage.EscrowLeg) escrow.Spec {
	return escrow.Spec{
		OrderID:  o.ID,
		Chain:    leg.Chain,
		Asset:    leg.Asset,
		Sender:   leg.Sender,
		Receiver: leg.Receiver,
		Amount:   new(big.Int).Set(leg.Amount),
		Hashlock: leg.Hashlock,
		HashAlgo: o.HashAlgo,
		Timelock: time.Unix(leg.Timelock, 0),
	}
}
