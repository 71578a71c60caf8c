package rpc

import (
	"context"
	"encoding/json"
	"math/big"
	"strings"

	"github.com/klingon-exchange/xswap/internal/chain"
	"github.com/klingon-exchange/xswap/internal/swap"
	"github.com/klingon-exchange/xswap/pkg/helpers"
)

// ========================================
// Swap handlers
// ========================================

// SwapCreateParams is the request for swap_create. Amounts are given either
// in base units (amount) or as decimals of the chain's unit
// (display_amount).
type SwapCreateParams struct {
	Maker     string `json:"maker"`
	Taker     string `json:"taker"`
	FromChain string `json:"from_chain"`
	ToChain   string `json:"to_chain"`
	FromAsset string `json:"from_asset"`
	ToAsset   string `json:"to_asset"`

	Amount          string `json:"amount,omitempty"`
	DisplayAmount   string `json:"display_amount,omitempty"`
	ToAmount        string `json:"to_amount,omitempty"`
	ToDisplayAmount string `json:"to_display_amount,omitempty"`

	// Hashlock is an optional hex hash committed by the caller.
	Hashlock         string `json:"hashlock,omitempty"`
	TimelockUnix     int64  `json:"timelock_unix"`
	AllowPartialFill bool   `json:"allow_partial_fill"`
}

func (s *Server) swapCreate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapCreateParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	p.FromChain = strings.ToUpper(p.FromChain)
	p.ToChain = strings.ToUpper(p.ToChain)

	total, err := s.parseAmount(p.FromChain, p.Amount, p.DisplayAmount, true)
	if err != nil {
		return nil, err
	}
	toAmount, err := s.parseAmount(p.ToChain, p.ToAmount, p.ToDisplayAmount, false)
	if err != nil {
		return nil, err
	}

	spec := swap.OrderSpec{
		Maker:            p.Maker,
		Taker:            p.Taker,
		FromChain:        p.FromChain,
		ToChain:          p.ToChain,
		FromAsset:        p.FromAsset,
		ToAsset:          p.ToAsset,
		TotalAmount:      total,
		ToAmount:         toAmount,
		TimelockUnix:     p.TimelockUnix,
		AllowPartialFill: p.AllowPartialFill,
	}
	if spec.FromAsset == "" {
		spec.FromAsset = p.FromChain
	}
	if spec.ToAsset == "" {
		spec.ToAsset = p.ToChain
	}
	if p.Hashlock != "" {
		spec.Hashlock, err = helpers.HexToBytes(p.Hashlock)
		if err != nil {
			return nil, invalidParams("invalid hashlock: %v", err)
		}
	}

	return s.coordinator.CreateSwap(ctx, spec)
}

// parseAmount reads a base-unit or decimal amount.
func (s *Server) parseAmount(symbol, base, display string, required bool) (*big.Int, error) {
	switch {
	case base != "" && display != "":
		return nil, invalidParams("give either a base-unit or a display amount, not both")
	case base != "":
		v, err := helpers.ParseBaseUnits(base)
		if err != nil {
			return nil, invalidParams("%v", err)
		}
		return v, nil
	case display != "":
		params, ok := chain.Get(symbol, s.cfg.Network)
		if !ok {
			return nil, invalidParams("unknown chain %q", symbol)
		}
		v, err := helpers.ParseAmount(display, params.Decimals)
		if err != nil {
			return nil, invalidParams("%v", err)
		}
		return v, nil
	case required:
		return nil, invalidParams("amount is required")
	}
	return nil, nil
}

// SwapLegParams addresses one leg of an order.
type SwapLegParams struct {
	OrderID  string `json:"order_id"`
	Chain    string `json:"chain"`
	Resolver string `json:"resolver,omitempty"`
}

func (s *Server) swapFundLeg(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapLegParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.OrderID == "" || p.Chain == "" {
		return nil, invalidParams("order_id and chain are required")
	}
	return s.coordinator.FundLeg(ctx, p.OrderID, strings.ToUpper(p.Chain), p.Resolver)
}

func (s *Server) swapRefund(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapLegParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.OrderID == "" || p.Chain == "" {
		return nil, invalidParams("order_id and chain are required")
	}
	return s.coordinator.RequestRefund(ctx, p.OrderID, strings.ToUpper(p.Chain))
}

// SwapRevealParams is the request for swap_revealSecret.
type SwapRevealParams struct {
	OrderID string `json:"order_id"`
	Secret  string `json:"secret"` // hex
}

func (s *Server) swapRevealSecret(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapRevealParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	secret, err := helpers.HexToBytes(p.Secret)
	if err != nil {
		return nil, invalidParams("invalid secret: %v", err)
	}
	return s.coordinator.HandleSecretReveal(ctx, p.OrderID, secret)
}

// SwapPartialFillParams is the request for swap_partialFill.
type SwapPartialFillParams struct {
	OrderID  string `json:"order_id"`
	Resolver string `json:"resolver"`
	Amount   string `json:"amount"` // base units
	Secret   string `json:"secret"` // hex
}

func (s *Server) swapPartialFill(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapPartialFillParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	amount, err := helpers.ParseBaseUnits(p.Amount)
	if err != nil {
		return nil, invalidParams("%v", err)
	}
	secret, err := helpers.HexToBytes(p.Secret)
	if err != nil {
		return nil, invalidParams("invalid secret: %v", err)
	}
	return s.coordinator.PartialFill(p.OrderID, p.Resolver, amount, secret)
}

// SwapStatusParams is the request for swap_status.
type SwapStatusParams struct {
	OrderID string `json:"order_id"`
}

func (s *Server) swapStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapStatusParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.coordinator.GetStatus(p.OrderID)
}

// SwapListParams is the request for swap_list.
type SwapListParams struct {
	State  string `json:"state,omitempty"`
	Maker  string `json:"maker,omitempty"`
	Chain  string `json:"chain,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// SwapListResult is the response for swap_list.
type SwapListResult struct {
	Orders []*swap.OrderView `json:"orders"`
	Count  int               `json:"count"`
}

func (s *Server) swapList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapListParams
	if len(params) > 0 {
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
	}
	if p.Offset < 0 {
		return nil, invalidParams("offset must not be negative")
	}
	if p.Limit <= 0 || p.Limit > 500 {
		p.Limit = 100
	}
	views, err := s.coordinator.ListOrders(swap.ListFilter{
		State:  swap.OrderState(p.State),
		Maker:  p.Maker,
		Chain:  strings.ToUpper(p.Chain),
		Limit:  p.Limit,
		Offset: p.Offset,
	})
	if err != nil {
		return nil, err
	}
	return &SwapListResult{Orders: views, Count: len(views)}, nil
}

func (s *Server) swapSweep(ctx context.Context, params json.RawMessage) (interface{}, error) {
	res, err := s.coordinator.Sweep(ctx)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func decodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return invalidParams("missing params")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return invalidParams("invalid params: %v", err)
	}
	return nil
}
