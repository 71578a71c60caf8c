package swap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/klingon-exchange/xswap/internal/chain"
	"github.com/klingon-exchange/xswap/internal/escrow"
	"github.com/klingon-exchange/xswap/internal/retry"
	"github.com/klingon-exchange/xswap/internal/secret"
	"github.com/klingon-exchange/xswap/internal/storage"
	"github.com/klingon-exchange/xswap/pkg/logging"
)

// casAttempts bounds compare-and-swap retries on a version conflict.
const casAttempts = 5

// eventQueueSize is the number of events buffered ahead of the handlers.
const eventQueueSize = 256

// Coordinator is the public API of the engine.
type Coordinator struct {
	mu sync.RWMutex

	cfg      Config
	store    Store
	escrows  *escrow.Registry
	vault    *secret.Vault
	policy   *retry.Policy
	breakers *retry.BreakerSet
	monitor  *Monitor
	now      func() time.Time

	legLocks *keyedMutex

	// Event handlers, called in emit order by one dispatcher
	eventHandlers []EventHandler
	events        chan SwapEvent

	log *logging.Logger

	// Context for background operations
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator creates a coordinator. Call Start to resume watchers and
// run the sweeper.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Escrows == nil {
		cfg.Escrows = escrow.NewRegistry()
	}
	if cfg.IsWhitelisted == nil {
		cfg.IsWhitelisted = func(string) bool { return false }
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.ResubscribeDelay <= 0 {
		cfg.ResubscribeDelay = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:      cfg,
		store:    cfg.Store,
		escrows:  cfg.Escrows,
		vault:    secret.NewVault(cfg.Store, cfg.Now),
		policy:   retry.NewPolicy(cfg.Retry),
		breakers: retry.NewBreakerSet(cfg.Breaker),
		now:      cfg.Now,
		legLocks: newKeyedMutex(),
		events:   make(chan SwapEvent, eventQueueSize),
		log:      logging.GetDefault().Component("swap"),
		ctx:      ctx,
		cancel:   cancel,
	}
	c.breakers.SetClock(cfg.Now)
	c.monitor = newMonitor(c)

	c.wg.Add(1)
	go c.dispatchLoop()
	return c
}

// Start re-attaches watchers to every order with an open leg and starts the
// expiry sweeper.
func (c *Coordinator) Start() error {
	orders, err := c.store.ListOrders(storage.OrderFilter{})
	if err != nil {
		return fmt.Errorf("failed to list orders: %w", err)
	}
	resumed := 0
	for _, o := range orders {
		legs, err := c.store.GetLegs(o.ID)
		if err != nil {
			return fmt.Errorf("failed to load legs of %s: %w", o.ID, err)
		}
		for _, leg := range legs {
			if !leg.Status.IsTerminal() {
				c.monitor.Watch(o.ID, leg.Chain)
				resumed++
			}
		}
	}
	c.log.Info("Coordinator started", "orders", len(orders), "watches", resumed)

	c.wg.Add(1)
	go c.sweepLoop()
	return nil
}

// Close stops the monitor, the sweeper and event dispatch and waits for
// them. Events still queued are dropped.
func (c *Coordinator) Close() error {
	c.cancel()
	c.monitor.Close()
	c.wg.Wait()
	return nil
}

// Monitor returns the chain monitor.
func (c *Coordinator) Monitor() *Monitor { return c.monitor }

// Breakers returns the circuit breakers of chain calls.
func (c *Coordinator) Breakers() *retry.BreakerSet { return c.breakers }

// OnEvent registers an event handler.
func (c *Coordinator) OnEvent(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventHandlers = append(c.eventHandlers, handler)
}

// emitEvent queues an event for the handlers. Events reach every handler
// in the order they were emitted.
func (c *Coordinator) emitEvent(orderID, eventType string, data interface{}) {
	event := SwapEvent{
		OrderID:   orderID,
		EventType: eventType,
		Data:      data,
		Timestamp: c.now(),
	}
	select {
	case c.events <- event:
	case <-c.ctx.Done():
	}
}

func (c *Coordinator) dispatchLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case event := <-c.events:
			c.mu.RLock()
			handlers := make([]EventHandler, len(c.eventHandlers))
			copy(handlers, c.eventHandlers)
			c.mu.RUnlock()

			for _, handler := range handlers {
				handler(event)
			}
		}
	}
}

// emitStatus emits eventType with the current view of the order.
func (c *Coordinator) emitStatus(orderID, eventType string) {
	view, err := c.GetStatus(orderID)
	if err != nil {
		c.log.Debug("Skipping event for unreadable order", "order", orderID, "event", eventType, "error", err)
		return
	}
	c.emitEvent(orderID, eventType, view)
}

// isWhitelisted checks the resolver predicate.
func (c *Coordinator) isWhitelisted(resolver string) bool {
	return resolver != "" && c.cfg.IsWhitelisted(resolver)
}

// confirmationsFor returns the depth at which events on chain are applied.
func (c *Coordinator) confirmationsFor(symbol string) uint32 {
	if n, ok := c.cfg.Confirmations[symbol]; ok && n > 0 {
		return n
	}
	if params, ok := chain.Get(symbol, c.cfg.Network); ok && params.Confirmations > 0 {
		return params.Confirmations
	}
	return 1
}

// getOrder loads an order, mapping a missing row to ORDER_NOT_FOUND.
func (c *Coordinator) getOrder(id string) (*storage.Order, error) {
	o, err := c.store.GetOrder(id)
	if errors.Is(err, storage.ErrOrderNotFound) {
		return nil, errorf(CodeOrderNotFound, "order %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	return o, nil
}

func (c *Coordinator) getLeg(orderID, symbol string) (*storage.EscrowLeg, error) {
	leg, err := c.store.GetLeg(orderID, symbol)
	if errors.Is(err, storage.ErrLegNotFound) {
		return nil, errorf(CodeInvalidOrderConfig, "order %s has no leg on %s", orderID, symbol)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load leg: %w", err)
	}
	return leg, nil
}

// lockLeg serializes writers of one leg.
func (c *Coordinator) lockLeg(orderID, symbol string) func() {
	return c.legLocks.Lock(orderID + "/" + symbol)
}

// updateLeg applies mutate to the stored leg with compare-and-swap,
// reloading and retrying on a version conflict. mutate may return an error
// to abort without writing.
func (c *Coordinator) updateLeg(orderID, symbol string, mutate func(leg *storage.EscrowLeg) error) (*storage.EscrowLeg, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		leg, err := c.getLeg(orderID, symbol)
		if err != nil {
			return nil, err
		}
		if err := mutate(leg); err != nil {
			return nil, err
		}
		leg.UpdatedAt = c.now()
		err = c.store.UpdateLeg(leg)
		if errors.Is(err, storage.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to update leg: %w", err)
		}
		return leg, nil
	}
	return nil, fmt.Errorf("failed to update leg %s/%s: %w", orderID, symbol, storage.ErrVersionConflict)
}

// updateOrder is updateLeg for the order row.
func (c *Coordinator) updateOrder(id string, mutate func(o *storage.Order) error) (*storage.Order, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		o, err := c.getOrder(id)
		if err != nil {
			return nil, err
		}
		if err := mutate(o); err != nil {
			return nil, err
		}
		o.UpdatedAt = c.now()
		err = c.store.UpdateOrder(o)
		if errors.Is(err, storage.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to update order: %w", err)
		}
		return o, nil
	}
	return nil, fmt.Errorf("failed to update order %s: %w", id, storage.ErrVersionConflict)
}

// callChain runs op against the chain's escrow client through the retry
// policy and the (chain, resolver) breaker.
func (c *Coordinator) callChain(ctx context.Context, symbol, resolver, opName string, op func(ctx context.Context, client escrow.Client) error) error {
	client, ok := c.escrows.Get(symbol)
	if !ok {
		return errorf(CodeInvalidOrderConfig, "no escrow client for %s", symbol)
	}
	br := c.breakers.Get(symbol, strings.ToLower(resolver))
	err := c.policy.DoWithBreaker(ctx, br, func(ctx context.Context) error {
		return op(ctx, client)
	})
	if err != nil {
		return chainError(opName, symbol, err)
	}
	return nil
}

// finalizeIfSettled marks the order finalized once every leg is terminal.
func (c *Coordinator) finalizeIfSettled(orderID string) {
	legs, err := c.store.GetLegs(orderID)
	if err != nil {
		c.log.Warn("Failed to load legs", "order", orderID, "error", err)
		return
	}
	for _, leg := range legs {
		if !leg.Status.IsTerminal() || leg.NeedsIntervention {
			return
		}
	}
	_, err = c.updateOrder(orderID, func(o *storage.Order) error {
		if o.Finalized {
			return errAbort
		}
		now := c.now()
		o.Finalized = true
		o.FinalizedAt = &now
		return nil
	})
	if err != nil && !errors.Is(err, errAbort) {
		c.log.Warn("Failed to finalize order", "order", orderID, "error", err)
		return
	}
	if err == nil {
		c.log.Info("Order finalized", "order", orderID)
	}
}

// errAbort stops a CAS update without an error for the caller.
var errAbort = errors.New("no update needed")

// keyedMutex hands out one mutex per key and frees it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyLock)}
}

// Lock locks key and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
