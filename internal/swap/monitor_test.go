package swap

import (
	"context"
	"testing"
	"time"

	"github.com/klingon-exchange/xswap/internal/escrow"
	"github.com/klingon-exchange/xswap/internal/escrow/escrowtest"
	"github.com/klingon-exchange/xswap/internal/storage"
)

func TestSortBatch(t *testing.T) {
	batch := []escrow.RawEvent{
		{Type: escrow.EventRedeemed, TxRef: "r", Confirmations: 1},
		{Type: escrow.EventFunded, TxRef: "f", Confirmations: 3},
		{Type: escrow.EventFunded, TxRef: "f", Confirmations: 1},
		{Type: escrow.EventExpired},
	}
	sortBatch(batch)

	want := []struct {
		typ   escrow.EventType
		confs uint32
	}{
		{escrow.EventFunded, 1},
		{escrow.EventFunded, 3},
		{escrow.EventExpired, 0},
		{escrow.EventRedeemed, 1},
	}
	for i, w := range want {
		if batch[i].Type != w.typ || batch[i].Confirmations != w.confs {
			t.Errorf("batch[%d] = %s/%d, want %s/%d", i, batch[i].Type, batch[i].Confirmations, w.typ, w.confs)
		}
	}
}

func TestDrain(t *testing.T) {
	ch := make(chan escrow.RawEvent, 4)
	ch <- escrow.RawEvent{TxRef: "b"}
	ch <- escrow.RawEvent{TxRef: "c"}

	batch := drain(ch, escrow.RawEvent{TxRef: "a"})
	if len(batch) != 3 || batch[0].TxRef != "a" || batch[2].TxRef != "c" {
		t.Errorf("drain() = %+v, want a, b, c", batch)
	}
}

func TestMonitorAppliesPushedEvents(t *testing.T) {
	f := newFixture(t)
	order := f.create(t, f.spec())
	if _, err := f.c.FundLeg(context.Background(), order.ID, "BTC", testResolver); err != nil {
		t.Fatalf("FundLeg() error = %v", err)
	}
	leg := f.leg(t, order.ID, "BTC")

	waitFor(t, "subscription", func() bool { return f.btc.Subscribers(leg.ContractRef) > 0 })
	f.btc.Emit(leg.ContractRef, escrow.RawEvent{
		Type:          escrow.EventFunded,
		TxRef:         escrow.TxRef(leg.FundingTxRef),
		Confirmations: 1,
		Height:        812,
	})

	waitFor(t, "funded leg", func() bool {
		l, err := f.store.GetLeg(order.ID, "BTC")
		return err == nil && l.Status == storage.LegFunded
	})
	if got := f.leg(t, order.ID, "BTC").LastConfirmedHeight; got != 812 {
		t.Errorf("LastConfirmedHeight = %d, want 812", got)
	}
}

func TestMonitorPollsConfirmations(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.PollInterval = 10 * time.Millisecond })
	order := f.create(t, f.spec())
	if _, err := f.c.FundLeg(context.Background(), order.ID, "ETH", testResolver); err != nil {
		t.Fatalf("FundLeg() error = %v", err)
	}
	tx := escrow.TxRef(f.leg(t, order.ID, "ETH").FundingTxRef)

	f.eth.SetConfirmations(tx, 1)
	waitFor(t, "confirmation count", func() bool {
		l, err := f.store.GetLeg(order.ID, "ETH")
		return err == nil && l.Confirmations == 1
	})
	if got := f.leg(t, order.ID, "ETH").Status; got != storage.LegPending {
		t.Fatalf("Status below depth = %v, want pending", got)
	}

	f.eth.SetConfirmations(tx, 2)
	waitFor(t, "funded leg", func() bool {
		l, err := f.store.GetLeg(order.ID, "ETH")
		return err == nil && l.Status == storage.LegFunded
	})
}

func TestMonitorPollsWhileSubscribeFails(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.PollInterval = 10 * time.Millisecond })
	unavailable := make([]error, 100)
	for i := range unavailable {
		unavailable[i] = escrow.ErrUnavailable
	}
	f.eth.FailNext(escrowtest.OpSubscribe, unavailable...)

	order := f.create(t, f.spec())
	if _, err := f.c.FundLeg(context.Background(), order.ID, "ETH", testResolver); err != nil {
		t.Fatalf("FundLeg() error = %v", err)
	}
	leg := f.leg(t, order.ID, "ETH")
	f.eth.SetConfirmations(escrow.TxRef(leg.FundingTxRef), 100)

	waitFor(t, "funded leg", func() bool {
		l, err := f.store.GetLeg(order.ID, "ETH")
		return err == nil && l.Status == storage.LegFunded
	})
	if n := f.eth.Subscribers(leg.ContractRef); n != 0 {
		t.Errorf("Subscribers = %d, want 0", n)
	}
	if got := f.leg(t, order.ID, "ETH").Confirmations; got != 100 {
		t.Errorf("Confirmations = %d, want 100", got)
	}
}

func TestMonitorCheckNow(t *testing.T) {
	f := newFixture(t)
	order := f.create(t, f.spec())
	if _, err := f.c.FundLeg(context.Background(), order.ID, "ETH", testResolver); err != nil {
		t.Fatalf("FundLeg() error = %v", err)
	}
	f.eth.SetConfirmations(escrow.TxRef(f.leg(t, order.ID, "ETH").FundingTxRef), 2)

	if err := f.c.Monitor().CheckNow(context.Background(), order.ID, "ETH"); err != nil {
		t.Fatalf("CheckNow() error = %v", err)
	}
	if got := f.leg(t, order.ID, "ETH").Status; got != storage.LegFunded {
		t.Errorf("Status = %v, want funded", got)
	}
}

func TestMonitorPropagatesSecret(t *testing.T) {
	f := newFixture(t)
	preimage, hashlock := committed(0x77)

	spec := f.spec()
	spec.Hashlock = hashlock
	order := f.create(t, spec)
	f.fund(t, order.ID, "BTC")
	f.fund(t, order.ID, "ETH")

	ref := f.leg(t, order.ID, "ETH").ContractRef
	waitFor(t, "subscription", func() bool { return f.eth.Subscribers(ref) > 0 })
	tx := f.eth.RedeemExternally(ref, preimage)
	f.eth.Emit(ref, escrow.RawEvent{Type: escrow.EventRedeemed, TxRef: tx, Confirmations: 2})

	waitFor(t, "finalized order", func() bool {
		o, err := f.store.GetOrder(order.ID)
		return err == nil && o.Finalized
	})
	view := f.status(t, order.ID)
	if view.State != StateCompleted || !view.SecretRevealed {
		t.Errorf("order = %v revealed %v, want completed", view.State, view.SecretRevealed)
	}

	// Watches end with their legs.
	waitFor(t, "watch shutdown", func() bool { return f.c.Monitor().Active() == 0 })
}

func TestMonitorUnwatchAndWatch(t *testing.T) {
	f := newFixture(t)
	order := f.create(t, f.spec())
	ref := f.leg(t, order.ID, "BTC").ContractRef
	waitFor(t, "subscription", func() bool { return f.btc.Subscribers(ref) > 0 })

	f.c.Monitor().Unwatch(order.ID, "BTC")
	waitFor(t, "unsubscribe", func() bool {
		return f.btc.Subscribers(ref) == 0 && !f.c.Monitor().Watching(order.ID, "BTC")
	})

	f.c.Monitor().Watch(order.ID, "BTC")
	waitFor(t, "resubscription", func() bool { return f.btc.Subscribers(ref) > 0 })
}
