package swap

import (
	"context"
	"time"

	"github.com/klingon-exchange/xswap/internal/storage"
)

// SweepResult counts what one sweep did.
type SweepResult struct {
	Expired  int `json:"expired"`
	Refunded int `json:"refunded"`
	Archived int `json:"archived"`
}

// Sweep retries pending redeems, expires unfunded legs past their
// timelock, refunds funded ones when auto-refund is on, finalizes settled
// orders and archives old ones.
func (c *Coordinator) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	// Cancelled orders are included: a leg funded before the cancel still
	// has to be refunded.
	orders, err := c.store.ListOrders(storage.OrderFilter{})
	if err != nil {
		return res, err
	}
	now := c.now().Unix()
	for _, o := range orders {
		if o.Finalized {
			continue
		}
		// Redeems that failed after the secret came out are retried before
		// anything is refunded.
		c.settleIfReady(ctx, o.ID)

		legs, err := c.store.GetLegs(o.ID)
		if err != nil {
			c.log.Warn("Failed to load legs", "order", o.ID, "error", err)
			continue
		}
		for _, leg := range legs {
			if now < leg.Timelock || leg.NeedsIntervention {
				continue
			}
			switch {
			case leg.Status == storage.LegPending && leg.FundingTxRef == "":
				if c.expireLeg(o.ID, leg.Chain) {
					res.Expired++
				}
			case leg.Status == storage.LegFunded && c.cfg.AutoRefund:
				if err := c.refundLeg(ctx, o.ID, leg.Chain); err != nil {
					c.log.Warn("Auto-refund failed", "order", o.ID, "chain", leg.Chain, "code", CodeOf(err), "error", err)
					continue
				}
				res.Refunded++
			}
		}
		c.finalizeIfSettled(o.ID)
	}

	if c.cfg.RetentionPeriod > 0 {
		n, err := c.store.ArchiveOrders(c.now().Add(-c.cfg.RetentionPeriod))
		if err != nil {
			return res, err
		}
		res.Archived = n
	}

	if res.Expired+res.Refunded+res.Archived > 0 {
		c.log.Info("Sweep complete", "expired", res.Expired, "refunded", res.Refunded, "archived", res.Archived)
	}
	return res, nil
}

// expireLeg moves a Pending leg without funding to Expired.
func (c *Coordinator) expireLeg(orderID, chain string) bool {
	unlock := c.lockLeg(orderID, chain)
	_, err := c.updateLeg(orderID, chain, func(l *storage.EscrowLeg) error {
		if l.Status != storage.LegPending || l.FundingTxRef != "" {
			return errAbort
		}
		l.Status = storage.LegExpired
		return nil
	})
	unlock()
	if err != nil {
		return false
	}
	c.monitor.Refresh(orderID, chain)
	c.log.Info("Leg expired unfunded", "order", orderID, "chain", chain)
	c.emitStatus(orderID, EventLegExpired)
	return true
}

// sweepLoop runs Sweep every SweepInterval until the coordinator closes.
func (c *Coordinator) sweepLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Sweep(c.ctx); err != nil {
				c.log.Warn("Sweep failed", "error", err)
			}
		}
	}
}
