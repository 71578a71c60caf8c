package swap

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/klingon-exchange/xswap/internal/chain"
	"github.com/klingon-exchange/xswap/internal/storage"
	"github.com/klingon-exchange/xswap/pkg/helpers"
)

// GetStatus returns a snapshot of orderID. Refund eligibility and the
// derived state are computed against the current clock.
func (c *Coordinator) GetStatus(orderID string) (*OrderView, error) {
	order, err := c.getOrder(orderID)
	if err != nil {
		return nil, err
	}
	return c.buildView(order, c.now())
}

// ListOrders returns views matching filter, newest first.
func (c *Coordinator) ListOrders(filter ListFilter) ([]*OrderView, error) {
	filter.Offset = max(filter.Offset, 0)
	sf := storage.OrderFilter{
		Maker: filter.Maker,
		Chain: filter.Chain,
	}
	// The state is derived, so paging happens after filtering on it.
	if filter.State == "" {
		sf.Limit = filter.Limit
		sf.Offset = filter.Offset
	}
	orders, err := c.store.ListOrders(sf)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}

	now := c.now()
	views := make([]*OrderView, 0, len(orders))
	for _, o := range orders {
		v, err := c.buildView(o, now)
		if err != nil {
			return nil, err
		}
		if filter.State != "" && v.State != filter.State {
			continue
		}
		views = append(views, v)
	}

	if filter.State != "" {
		if filter.Offset >= len(views) {
			return []*OrderView{}, nil
		}
		views = views[filter.Offset:]
		if filter.Limit > 0 && len(views) > filter.Limit {
			views = views[:filter.Limit]
		}
	}
	return views, nil
}

func (c *Coordinator) buildView(o *storage.Order, now time.Time) (*OrderView, error) {
	legs, err := c.store.GetLegs(o.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load legs: %w", err)
	}
	fills, err := c.store.ListFills(o.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load fills: %w", err)
	}
	revealed, err := c.vault.IsRevealed(o.Hashlock)
	if err != nil {
		return nil, fmt.Errorf("failed to load secret: %w", err)
	}

	v := &OrderView{
		ID:               o.ID,
		State:            deriveState(o, legs, revealed, now, c.cfg.ExpiringWindow),
		Maker:            o.MakerAddress,
		Taker:            o.TakerAddress,
		FromChain:        o.FromChain,
		ToChain:          o.ToChain,
		FromAsset:        o.FromAsset,
		ToAsset:          o.ToAsset,
		TotalAmount:      o.TotalAmount.String(),
		DisplayAmount:    c.displayAmount(o.FromChain, o),
		TotalFilled:      "0",
		Hashlock:         hex.EncodeToString(o.Hashlock),
		HashAlgo:         o.HashAlgo,
		TimelockUnix:     o.TimelockUnix,
		AllowPartialFill: o.AllowPartialFill,
		Finalized:        o.Finalized,
		Cancelled:        o.Cancelled,
		SecretRevealed:   revealed,
		Legs:             make([]LegView, 0, len(legs)),
		CreatedAt:        o.CreatedAt,
		UpdatedAt:        o.UpdatedAt,
		FinalizedAt:      o.FinalizedAt,
	}
	if o.TotalFilled != nil {
		v.TotalFilled = o.TotalFilled.String()
	}

	for _, l := range legs {
		lv := LegView{
			Chain:                 l.Chain,
			Role:                  string(l.Role),
			Asset:                 l.Asset,
			Sender:                l.Sender,
			Receiver:              l.Receiver,
			ContractRef:           l.ContractRef,
			Amount:                l.Amount.String(),
			Timelock:              l.Timelock,
			Status:                string(l.Status),
			Confirmations:         l.Confirmations,
			RequiredConfirmations: c.confirmationsFor(l.Chain),
			LastConfirmedHeight:   l.LastConfirmedHeight,
			FundingTx:             l.FundingTxRef,
			SettlementTx:          l.SettlementTxRef,
			RefundEligible:        refundEligible(o, l, now),
			NeedsIntervention:     l.NeedsIntervention,
			LastError:             l.LastError,
		}
		if params, ok := chain.Get(l.Chain, c.cfg.Network); ok {
			lv.DisplayAmount = helpers.FormatAmount(l.Amount, params.Decimals)
		}
		v.Legs = append(v.Legs, lv)
	}

	for _, f := range fills {
		v.Fills = append(v.Fills, FillView{
			Resolver:  f.Resolver,
			Amount:    f.Amount.String(),
			CreatedAt: f.CreatedAt,
		})
	}
	return v, nil
}

func (c *Coordinator) displayAmount(symbol string, o *storage.Order) string {
	params, ok := chain.Get(symbol, c.cfg.Network)
	if !ok {
		return o.TotalAmount.String()
	}
	return helpers.FormatAmount(o.TotalAmount, params.Decimals)
}
