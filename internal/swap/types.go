// Package swap is the cross-chain atomic-swap coordination engine. It
// creates orders, drives the two escrow legs of each order through their
// state machines, correlates chain events and propagates a revealed secret
// from one leg to the other.
package swap

import (
	"math/big"
	"time"

	"github.com/klingon-exchange/xswap/internal/chain"
	"github.com/klingon-exchange/xswap/internal/escrow"
	"github.com/klingon-exchange/xswap/internal/retry"
	"github.com/klingon-exchange/xswap/internal/secret"
	"github.com/klingon-exchange/xswap/internal/storage"
)

// Store is the order store the coordinator runs on. Both storage.Storage
// and storage.MemStore implement it.
type Store interface {
	secret.Store

	CreateOrder(order *storage.Order, legs []*storage.EscrowLeg, secret *storage.Secret) error
	GetOrder(id string) (*storage.Order, error)
	ListOrders(filter storage.OrderFilter) ([]*storage.Order, error)
	UpdateOrder(order *storage.Order) error

	GetLeg(orderID, chain string) (*storage.EscrowLeg, error)
	GetLegs(orderID string) ([]*storage.EscrowLeg, error)
	UpdateLeg(leg *storage.EscrowLeg) error

	RecordEvent(ev *storage.AppliedEvent) (bool, error)
	AddFill(fill *storage.Fill) error
	ListFills(orderID string) ([]*storage.Fill, error)
	ArchiveOrders(before time.Time) (int, error)
}

// OrderState is the state of an order derived from its legs and the clock.
type OrderState string

const (
	StateCreated           OrderState = "created"
	StateFunding           OrderState = "funding"
	StateFunded            OrderState = "funded"
	StateSettling          OrderState = "settling"
	StateCompleted         OrderState = "completed"
	StateExpiring          OrderState = "expiring"
	StateRefunding         OrderState = "refunding"
	StateRefunded          OrderState = "refunded"
	StatePartiallyRefunded OrderState = "partially_refunded"
	StateExpired           OrderState = "expired"
	StateCancelled         OrderState = "cancelled"
	StateStuck             OrderState = "stuck"
)

// Event types passed to EventHandlers.
const (
	EventOrderCreated   = "order_created"
	EventLegFunding     = "leg_funding"
	EventLegFunded      = "leg_funded"
	EventLegRedeemed    = "leg_redeemed"
	EventLegRefunded    = "leg_refunded"
	EventLegExpired     = "leg_expired"
	EventLegFailed      = "leg_failed"
	EventSecretRevealed = "secret_revealed"
	EventOrderFilled    = "order_filled"
	EventOrderCancelled = "order_cancelled"
)

// SwapEvent is a status change of an order.
type SwapEvent struct {
	OrderID   string
	EventType string
	Data      interface{}
	Timestamp time.Time
}

// EventHandler is called when swap events occur.
type EventHandler func(event SwapEvent)

// OrderSpec is an order intake request.
type OrderSpec struct {
	Maker     string
	Taker     string
	FromChain string
	ToChain   string
	FromAsset string
	ToAsset   string

	// TotalAmount is locked on FromChain.
	TotalAmount *big.Int
	// ToAmount is locked on ToChain. Nil means TotalAmount.
	ToAmount *big.Int

	// Hashlock is a caller-committed hash. Nil lets the vault issue one.
	Hashlock []byte

	TimelockUnix     int64
	AllowPartialFill bool
}

// OrderView is a read-only snapshot of an order and its legs.
type OrderView struct {
	ID               string     `json:"id"`
	State            OrderState `json:"state"`
	Maker            string     `json:"maker"`
	Taker            string     `json:"taker"`
	FromChain        string     `json:"from_chain"`
	ToChain          string     `json:"to_chain"`
	FromAsset        string     `json:"from_asset"`
	ToAsset          string     `json:"to_asset"`
	TotalAmount      string     `json:"total_amount"`
	DisplayAmount    string     `json:"display_amount"`
	TotalFilled      string     `json:"total_filled"`
	Hashlock         string     `json:"hashlock"`
	HashAlgo         string     `json:"hash_algo"`
	TimelockUnix     int64      `json:"timelock_unix"`
	AllowPartialFill bool       `json:"allow_partial_fill"`
	Finalized        bool       `json:"finalized"`
	Cancelled        bool       `json:"cancelled"`
	SecretRevealed   bool       `json:"secret_revealed"`
	Legs             []LegView  `json:"legs"`
	Fills            []FillView `json:"fills,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	FinalizedAt      *time.Time `json:"finalized_at,omitempty"`
}

// LegView is a read-only snapshot of one escrow leg.
type LegView struct {
	Chain                 string `json:"chain"`
	Role                  string `json:"role"`
	Asset                 string `json:"asset"`
	Sender                string `json:"sender"`
	Receiver              string `json:"receiver"`
	ContractRef           string `json:"contract_ref"`
	Amount                string `json:"amount"`
	DisplayAmount         string `json:"display_amount"`
	Timelock              int64  `json:"timelock"`
	Status                string `json:"status"`
	Confirmations         uint32 `json:"confirmations"`
	RequiredConfirmations uint32 `json:"required_confirmations"`
	LastConfirmedHeight   uint64 `json:"last_confirmed_height,omitempty"`
	FundingTx             string `json:"funding_tx,omitempty"`
	SettlementTx          string `json:"settlement_tx,omitempty"`
	RefundEligible        bool   `json:"refund_eligible"`
	NeedsIntervention     bool   `json:"needs_intervention,omitempty"`
	LastError             string `json:"last_error,omitempty"`
}

// FillView is one accepted partial fill.
type FillView struct {
	Resolver  string    `json:"resolver"`
	Amount    string    `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

// ListFilter selects orders for ListOrders.
type ListFilter struct {
	State  OrderState
	Maker  string
	Chain  string
	Limit  int
	Offset int
}

// Config holds the coordinator's dependencies and policy.
type Config struct {
	Store   Store
	Escrows *escrow.Registry
	Network chain.Network

	// IsWhitelisted authorizes resolvers for FundLeg and PartialFill. Nil
	// rejects every resolver.
	IsWhitelisted func(resolver string) bool

	Retry   retry.Config
	Breaker retry.BreakerConfig

	MinHorizon       time.Duration
	LegTimelockDelta time.Duration
	ExpiringWindow   time.Duration

	AutoFundCounterLeg bool
	AutoRefund         bool

	RetentionPeriod time.Duration
	SweepInterval   time.Duration

	// Confirmations overrides the chain registry depth per chain symbol.
	Confirmations map[string]uint32

	PollInterval     time.Duration
	ResubscribeDelay time.Duration

	// Now is the clock. Nil means time.Now.
	Now func() time.Time
}
