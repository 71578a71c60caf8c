// Package escrow defines the per-chain HTLC escrow client the swap engine
// drives. Implementations live in sub-packages; the engine only sees the
// Client interface.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/klingon-exchange/xswap/internal/retry"
)

// Adapter errors. They wrap the retry markers so the classifier needs no
// knowledge of individual chains.
var (
	ErrUnavailable    = fmt.Errorf("chain backend unavailable: %w", retry.ErrTransient)
	ErrNotFound       = fmt.Errorf("escrow not found on chain: %w", retry.ErrTransient)
	ErrInvalidSpec    = fmt.Errorf("invalid escrow spec: %w", retry.ErrRejected)
	ErrAlreadySettled = fmt.Errorf("escrow already settled: %w", retry.ErrRejected)
	ErrNotSigner      = fmt.Errorf("adapter has no key for this escrow: %w", retry.ErrRejected)
	ErrUnsupported    = fmt.Errorf("operation not supported by adapter: %w", retry.ErrRejected)
	ErrNoSecret       = errors.New("transaction does not reveal a secret")
	ErrContractFault  = fmt.Errorf("escrow contract fault: %w", retry.ErrFatal)
)

// Spec describes one escrow to lock.
type Spec struct {
	OrderID  string
	Chain    string
	Asset    string
	Sender   string
	Receiver string
	Amount   *big.Int
	Hashlock []byte
	HashAlgo string
	Timelock time.Time
}

// TxRef identifies a transaction on a chain.
type TxRef string

// Status is the on-chain state of an escrow.
type Status string

const (
	StatusEmpty    Status = "empty"
	StatusActive   Status = "active"
	StatusRedeemed Status = "redeemed"
	StatusRefunded Status = "refunded"
)

// OnChainState is what queryState reports.
type OnChainState struct {
	Status        Status
	Amount        *big.Int
	Hashlock      []byte
	Timelock      time.Time
	FundingTx     TxRef
	SettlementTx  TxRef
	Confirmations uint32
}

// EventType is the kind of a chain event.
type EventType string

const (
	EventFunded   EventType = "funded"
	EventRedeemed EventType = "redeemed"
	EventRefunded EventType = "refunded"
	EventExpired  EventType = "expired"
)

// Rank orders event types along the leg lifecycle.
func (t EventType) Rank() int {
	switch t {
	case EventFunded:
		return 0
	case EventExpired:
		return 1
	default:
		return 2
	}
}

// RawEvent is an event reported by a chain adapter.
type RawEvent struct {
	Type          EventType
	TxRef         TxRef
	Height        uint64
	Confirmations uint32
	// Secret is set on redeem events when the adapter decoded it already.
	Secret     []byte
	ObservedAt time.Time
}

// Client is a chain escrow adapter. Every call must be safe to retry: the
// adapter, not the engine, guarantees that repeating an identical fund,
// redeem or refund has no duplicate on-chain effect.
type Client interface {
	// Chain returns the chain symbol the client serves.
	Chain() string

	// EscrowRef computes the escrow reference (contract swap id, HTLC
	// address) of spec without touching the chain.
	EscrowRef(spec Spec) (string, error)

	Fund(ctx context.Context, spec Spec) (TxRef, error)
	Redeem(ctx context.Context, escrowRef string, secret []byte) (TxRef, error)
	Refund(ctx context.Context, escrowRef string) (TxRef, error)
	QueryState(ctx context.Context, escrowRef string) (*OnChainState, error)

	// Subscribe streams events for escrowRef until ctx is done. The
	// channel is closed when the subscription ends.
	Subscribe(ctx context.Context, escrowRef string) (<-chan RawEvent, error)

	ConfirmationsOf(ctx context.Context, tx TxRef) (uint32, error)
	ExtractSecret(ctx context.Context, redeemTx TxRef) ([]byte, error)
}

// Registry maps chain symbols to clients.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

// Register adds or replaces the client for its chain.
func (r *Registry) Register(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.Chain()] = c
}

// Get returns the client for chain.
func (r *Registry) Get(chain string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[chain]
	return c, ok
}

// Chains returns the registered chain symbols, sorted.
func (r *Registry) Chains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.clients))
	for chain := range r.clients {
		out = append(out, chain)
	}
	sort.Strings(out)
	return out
}
