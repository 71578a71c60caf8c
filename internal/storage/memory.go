package storage

import (
	"encoding/hex"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory order store with the same semantics as Storage.
// Records are copied on the way in and out so callers never share state
// with the store.
type MemStore struct {
	mu       sync.RWMutex
	orders   map[string]*Order
	legs     map[string]map[string]*EscrowLeg // orderID -> chain -> leg
	byMaker  map[string]string                // maker|hashlock -> orderID
	events   map[AppliedEvent]struct{}
	eventLog map[string][]*AppliedEvent
	fills    map[string][]*Fill
	secrets  map[string]*Secret // orderID -> secret
	archive  map[string]*ArchivedOrder
	nextFill int64
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		orders:   make(map[string]*Order),
		legs:     make(map[string]map[string]*EscrowLeg),
		byMaker:  make(map[string]string),
		events:   make(map[AppliedEvent]struct{}),
		eventLog: make(map[string][]*AppliedEvent),
		fills:    make(map[string][]*Fill),
		secrets:  make(map[string]*Secret),
		archive:  make(map[string]*ArchivedOrder),
	}
}

func makerKey(o *Order) string {
	return o.MakerAddress + "|" + hex.EncodeToString(o.Hashlock)
}

// CreateOrder stores an order, its legs and its secret record.
func (m *MemStore) CreateOrder(order *Order, legs []*EscrowLeg, secret *Secret) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[order.ID]; ok {
		return ErrDuplicateOrder
	}
	if _, ok := m.byMaker[makerKey(order)]; ok {
		return ErrDuplicateOrder
	}

	order.Version = 1
	m.orders[order.ID] = order.Clone()
	m.byMaker[makerKey(order)] = order.ID
	m.legs[order.ID] = make(map[string]*EscrowLeg, len(legs))
	for _, leg := range legs {
		leg.Version = 1
		m.legs[order.ID][leg.Chain] = leg.Clone()
	}
	if secret != nil {
		c := *secret
		m.secrets[order.ID] = &c
	}
	return nil
}

// GetOrder retrieves an order by ID.
func (m *MemStore) GetOrder(id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return o.Clone(), nil
}

// ListOrders returns orders matching the filter, newest first.
func (m *MemStore) ListOrders(filter OrderFilter) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Order
	for _, o := range m.orders {
		if filter.Maker != "" && o.MakerAddress != filter.Maker {
			continue
		}
		if filter.Chain != "" && o.FromChain != filter.Chain && o.ToChain != filter.Chain {
			continue
		}
		if filter.ActiveOnly && (o.Finalized || o.Cancelled) {
			continue
		}
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// UpdateOrder is a compare-and-swap on order.Version.
func (m *MemStore) UpdateOrder(order *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.orders[order.ID]
	if !ok {
		return ErrOrderNotFound
	}
	if cur.Version != order.Version {
		return ErrVersionConflict
	}

	next := cur.Clone()
	next.TotalFilled = cloneBig(order.TotalFilled)
	next.Finalized = order.Finalized
	next.Cancelled = order.Cancelled
	next.UpdatedAt = order.UpdatedAt
	if order.FinalizedAt != nil {
		t := *order.FinalizedAt
		next.FinalizedAt = &t
	}
	next.Version++
	m.orders[order.ID] = next
	order.Version = next.Version
	return nil
}

// GetLeg retrieves the leg of an order on a chain.
func (m *MemStore) GetLeg(orderID, chain string) (*EscrowLeg, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	leg, ok := m.legs[orderID][chain]
	if !ok {
		return nil, ErrLegNotFound
	}
	return leg.Clone(), nil
}

// GetLegs returns both legs of an order, source first.
func (m *MemStore) GetLegs(orderID string) ([]*EscrowLeg, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	legs, ok := m.legs[orderID]
	if !ok || len(legs) == 0 {
		return nil, ErrOrderNotFound
	}
	out := make([]*EscrowLeg, 0, len(legs))
	for _, leg := range legs {
		out = append(out, leg.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role == RoleSource && out[j].Role != RoleSource })
	return out, nil
}

// UpdateLeg is a compare-and-swap on leg.Version.
func (m *MemStore) UpdateLeg(leg *EscrowLeg) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.legs[leg.OrderID][leg.Chain]
	if !ok {
		return ErrLegNotFound
	}
	if cur.Version != leg.Version {
		return ErrVersionConflict
	}

	next := leg.Clone()
	// Identity and terms are immutable after creation.
	next.Role, next.Asset, next.Sender, next.Receiver = cur.Role, cur.Asset, cur.Sender, cur.Receiver
	next.Amount, next.Hashlock, next.Timelock = cloneBig(cur.Amount), cur.Hashlock, cur.Timelock
	next.Version = cur.Version + 1
	m.legs[leg.OrderID][leg.Chain] = next
	leg.Version = next.Version
	return nil
}

// RecordEvent stores an applied event; false if it was already recorded.
func (m *MemStore) RecordEvent(ev *AppliedEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := AppliedEvent{OrderID: ev.OrderID, Chain: ev.Chain, TxRef: ev.TxRef, EventType: ev.EventType}
	if _, ok := m.events[key]; ok {
		return false, nil
	}
	if ev.AppliedAt.IsZero() {
		ev.AppliedAt = time.Now()
	}
	m.events[key] = struct{}{}
	c := *ev
	m.eventLog[ev.OrderID] = append(m.eventLog[ev.OrderID], &c)
	return true, nil
}

// ListEvents returns the events applied to an order, oldest first.
func (m *MemStore) ListEvents(orderID string) ([]*AppliedEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*AppliedEvent, 0, len(m.eventLog[orderID]))
	for _, ev := range m.eventLog[orderID] {
		c := *ev
		out = append(out, &c)
	}
	return out, nil
}

// AddFill appends a partial fill.
func (m *MemStore) AddFill(fill *Fill) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextFill++
	fill.ID = m.nextFill
	c := *fill
	c.Amount = cloneBig(fill.Amount)
	m.fills[fill.OrderID] = append(m.fills[fill.OrderID], &c)
	return nil
}

// ListFills returns the fills of an order, oldest first.
func (m *MemStore) ListFills(orderID string) ([]*Fill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Fill, 0, len(m.fills[orderID]))
	for _, f := range m.fills[orderID] {
		c := *f
		c.Amount = cloneBig(f.Amount)
		out = append(out, &c)
	}
	return out, nil
}

// GetSecret retrieves the secret record of an order.
func (m *MemStore) GetSecret(orderID string) (*Secret, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.secrets[orderID]
	if !ok {
		return nil, ErrSecretNotFound
	}
	c := *s
	return &c, nil
}

// GetSecretByHash retrieves the most informative record for hashlock:
// a revealed one first, then one holding a preimage.
func (m *MemStore) GetSecretByHash(hashlock string) (*Secret, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *Secret
	for _, s := range m.secrets {
		if s.Hashlock != hashlock {
			continue
		}
		if best == nil || secretRank(s) < secretRank(best) ||
			(secretRank(s) == secretRank(best) && s.CreatedAt.Before(best.CreatedAt)) {
			best = s
		}
	}
	if best == nil {
		return nil, ErrSecretNotFound
	}
	c := *best
	return &c, nil
}

func secretRank(s *Secret) int {
	switch {
	case s.RevealedAt != nil:
		return 0
	case s.Secret != "":
		return 1
	default:
		return 2
	}
}

// RevealSecret records a publicly seen preimage on every order locked to
// hashlock; write-once.
func (m *MemStore) RevealSecret(hashlock, preimage string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*Secret
	for _, s := range m.secrets {
		if s.Hashlock != hashlock {
			continue
		}
		if s.Secret != "" && s.Secret != preimage {
			return ErrSecretAlreadyRevealed
		}
		matched = append(matched, s)
	}
	if len(matched) == 0 {
		return ErrSecretNotFound
	}
	for _, s := range matched {
		if s.RevealedAt != nil {
			continue
		}
		s.Secret = preimage
		t := at
		s.RevealedAt = &t
	}
	return nil
}

// ArchiveOrders moves finalized orders older than before out of the live
// maps.
func (m *MemStore) ArchiveOrders(before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	archived := 0
	for id, o := range m.orders {
		if !o.Finalized || o.FinalizedAt == nil || !o.FinalizedAt.Before(before) {
			continue
		}
		eligible := true
		var legs []*EscrowLeg
		for _, leg := range m.legs[id] {
			if leg.NeedsIntervention || !leg.Status.IsTerminal() {
				eligible = false
				break
			}
			legs = append(legs, leg)
		}
		if !eligible {
			continue
		}

		snap := &ArchivedOrder{Order: o, Legs: legs, Fills: m.fills[id]}
		if s, ok := m.secrets[id]; ok {
			snap.Secret = s
			delete(m.secrets, id)
		}
		m.archive[id] = snap

		delete(m.byMaker, makerKey(o))
		delete(m.orders, id)
		delete(m.legs, id)
		delete(m.fills, id)
		for _, ev := range m.eventLog[id] {
			delete(m.events, AppliedEvent{OrderID: ev.OrderID, Chain: ev.Chain, TxRef: ev.TxRef, EventType: ev.EventType})
		}
		delete(m.eventLog, id)
		archived++
	}
	return archived, nil
}

// GetArchivedOrder returns the archived snapshot of an order.
func (m *MemStore) GetArchivedOrder(id string) (*ArchivedOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, ok := m.archive[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return snap, nil
}
