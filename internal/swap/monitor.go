package swap

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/klingon-exchange/xswap/internal/escrow"
	"github.com/klingon-exchange/xswap/internal/retry"
	"github.com/klingon-exchange/xswap/internal/storage"
	"github.com/klingon-exchange/xswap/pkg/logging"
)

// pollTimeout bounds one confirmation poll.
const pollTimeout = 10 * time.Second

// Monitor watches escrow legs on their chains and feeds the coordinator.
// There is one watch task per (order, chain); it ends when the leg is
// terminal, the order is archived, or the monitor is closed.
type Monitor struct {
	coordinator *Coordinator
	log         *logging.Logger

	pollInterval time.Duration
	backoff      *retry.Policy

	mu      sync.Mutex
	watches map[string]*watchTask
	closed  bool

	// Context for background operations
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newMonitor(c *Coordinator) *Monitor {
	ctx, cancel := context.WithCancel(c.ctx)
	return &Monitor{
		coordinator:  c,
		log:          logging.GetDefault().Component("swap-monitor"),
		pollInterval: c.cfg.PollInterval,
		backoff: retry.NewPolicy(retry.Config{
			BaseDelay: c.cfg.ResubscribeDelay,
			MaxDelay:  time.Minute,
			Jitter:    0.2,
		}),
		watches: make(map[string]*watchTask),
		ctx:     ctx,
		cancel:  cancel,
	}
}

type watchTask struct {
	cancel context.CancelFunc
	wake   chan struct{}
}

func watchKey(orderID, chain string) string {
	return orderID + "/" + chain
}

// Watch starts watching the leg of orderID on chain. Watching a leg twice
// is a no-op.
func (m *Monitor) Watch(orderID, chain string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	key := watchKey(orderID, chain)
	if _, ok := m.watches[key]; ok {
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	task := &watchTask{cancel: cancel, wake: make(chan struct{}, 1)}
	m.watches[key] = task
	m.wg.Add(1)
	go m.watch(ctx, task, orderID, chain)
}

// Unwatch stops the watch task of a leg.
func (m *Monitor) Unwatch(orderID, chain string) {
	m.mu.Lock()
	task, ok := m.watches[watchKey(orderID, chain)]
	m.mu.Unlock()
	if ok {
		task.cancel()
	}
}

// Refresh makes the watch task of a leg re-read it, so a leg the engine
// settled itself stops being watched.
func (m *Monitor) Refresh(orderID, chain string) {
	m.mu.Lock()
	task, ok := m.watches[watchKey(orderID, chain)]
	m.mu.Unlock()
	if !ok {
		return
	}
	select {
	case task.wake <- struct{}{}:
	default:
	}
}

// Watching reports whether a watch task runs for the leg.
func (m *Monitor) Watching(orderID, chain string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watches[watchKey(orderID, chain)]
	return ok
}

// Active returns the number of running watch tasks.
func (m *Monitor) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watches)
}

// Close stops every watch task and waits for them.
func (m *Monitor) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
	m.log.Info("Chain monitor stopped")
}

// CheckNow polls the funding confirmations of a leg immediately.
func (m *Monitor) CheckNow(ctx context.Context, orderID, chain string) error {
	_, err := m.poll(ctx, orderID, chain)
	return err
}

func (m *Monitor) watch(ctx context.Context, task *watchTask, orderID, chain string) {
	defer m.wg.Done()
	defer func() {
		task.cancel()
		m.mu.Lock()
		if m.watches[watchKey(orderID, chain)] == task {
			delete(m.watches, watchKey(orderID, chain))
		}
		m.mu.Unlock()
	}()

	client, ok := m.coordinator.escrows.Get(chain)
	if !ok {
		m.log.Warn("No escrow client, not watching", "order", orderID, "chain", chain)
		return
	}

	m.log.Debug("Watching leg", "order", orderID, "chain", chain)

	// One poll cadence for the whole watch, subscribed or not.
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for attempt := 0; ; {
		leg, done := m.loadLeg(orderID, chain)
		if done {
			return
		}

		if leg != nil {
			done = m.follow(ctx, task, client, leg, ticker, &attempt)
			if done {
				return
			}
		}

		if m.pause(ctx, task, orderID, chain, m.backoff.Delay(attempt), ticker) {
			return
		}
		attempt++
	}
}

// follow consumes one subscription. It returns true when the watch is done.
func (m *Monitor) follow(ctx context.Context, task *watchTask, client escrow.Client, leg *storage.EscrowLeg, ticker *time.Ticker, attempt *int) bool {
	orderID, chain := leg.OrderID, leg.Chain
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := client.Subscribe(subCtx, leg.ContractRef)
	if err != nil {
		m.log.Debug("Subscribe failed", "order", orderID, "chain", chain, "attempt", *attempt, "error", err)
		return ctx.Err() != nil
	}
	*attempt = 0
	return m.consume(subCtx, task, orderID, chain, events, ticker) || ctx.Err() != nil
}

// pause waits d before the next subscribe attempt. Confirmations are still
// polled meanwhile. It returns true when the watch is done.
func (m *Monitor) pause(ctx context.Context, task *watchTask, orderID, chain string, d time.Duration, ticker *time.Ticker) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return true
		case <-timer.C:
			return false
		case <-task.wake:
			if _, done := m.loadLeg(orderID, chain); done {
				return true
			}
		case <-ticker.C:
			if m.tick(ctx, orderID, chain) {
				return true
			}
		}
	}
}

// loadLeg reports done when the leg no longer needs watching.
func (m *Monitor) loadLeg(orderID, chain string) (*storage.EscrowLeg, bool) {
	leg, err := m.coordinator.store.GetLeg(orderID, chain)
	if errors.Is(err, storage.ErrLegNotFound) {
		return nil, true
	}
	if err != nil {
		m.log.Warn("Failed to load leg", "order", orderID, "chain", chain, "error", err)
		return nil, false
	}
	return leg, leg.Status.IsTerminal()
}

// consume applies events until the stream ends or the leg is terminal. It
// returns true when the watch is done.
func (m *Monitor) consume(ctx context.Context, task *watchTask, orderID, chain string, events <-chan escrow.RawEvent, ticker *time.Ticker) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case ev, ok := <-events:
			if !ok {
				m.log.Debug("Event stream closed", "order", orderID, "chain", chain)
				return false
			}
			batch := drain(events, ev)
			if m.applyBatch(ctx, orderID, chain, batch) {
				return true
			}
		case <-task.wake:
			if _, done := m.loadLeg(orderID, chain); done {
				return true
			}
		case <-ticker.C:
			if m.tick(ctx, orderID, chain) {
				return true
			}
		}
	}
}

// tick runs one scheduled poll and reports whether the watch is done.
func (m *Monitor) tick(ctx context.Context, orderID, chain string) bool {
	done, err := m.poll(ctx, orderID, chain)
	if err != nil {
		m.log.Debug("Confirmation poll failed", "order", orderID, "chain", chain, "error", err)
	}
	return done
}

// drain collects events already queued behind first.
func drain(events <-chan escrow.RawEvent, first escrow.RawEvent) []escrow.RawEvent {
	batch := []escrow.RawEvent{first}
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return batch
			}
			batch = append(batch, ev)
		default:
			return batch
		}
	}
}

// sortBatch orders events by lifecycle stage, then by depth.
func sortBatch(batch []escrow.RawEvent) {
	sort.SliceStable(batch, func(i, j int) bool {
		ri, rj := batch[i].Type.Rank(), batch[j].Type.Rank()
		if ri != rj {
			return ri < rj
		}
		return batch[i].Confirmations < batch[j].Confirmations
	})
}

func (m *Monitor) applyBatch(ctx context.Context, orderID, chain string, batch []escrow.RawEvent) bool {
	sortBatch(batch)
	for _, ev := range batch {
		if err := m.coordinator.ApplyEvent(ctx, orderID, chain, ev); err != nil {
			m.log.Debug("Event not applied", "order", orderID, "chain", chain, "event", ev.Type, "tx", ev.TxRef, "error", err)
		}
	}
	_, done := m.loadLeg(orderID, chain)
	return done
}

// poll reads the depth of a Pending leg's funding transaction and applies
// it as a funded event.
func (m *Monitor) poll(ctx context.Context, orderID, chain string) (bool, error) {
	leg, done := m.loadLeg(orderID, chain)
	if done || leg == nil {
		return done, nil
	}
	if leg.Status != storage.LegPending || leg.FundingTxRef == "" {
		return false, nil
	}
	client, ok := m.coordinator.escrows.Get(chain)
	if !ok {
		return true, nil
	}

	pctx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()
	n, err := client.ConfirmationsOf(pctx, escrow.TxRef(leg.FundingTxRef))
	if err != nil {
		return false, err
	}
	if n <= leg.Confirmations {
		return false, nil
	}

	ev := escrow.RawEvent{
		Type:          escrow.EventFunded,
		TxRef:         escrow.TxRef(leg.FundingTxRef),
		Confirmations: n,
		ObservedAt:    m.coordinator.now(),
	}
	if err := m.coordinator.ApplyEvent(ctx, orderID, chain, ev); err != nil {
		return false, err
	}
	_, done = m.loadLeg(orderID, chain)
	return done, nil
}
