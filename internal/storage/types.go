package storage

import (
	"math/big"
	"time"
)

// LegStatus is the state of one escrow leg.
type LegStatus string

const (
	LegPending  LegStatus = "pending"
	LegFunded   LegStatus = "funded"
	LegRedeemed LegStatus = "redeemed"
	LegRefunded LegStatus = "refunded"
	LegExpired  LegStatus = "expired"
)

// IsTerminal reports whether no further transition is possible.
func (s LegStatus) IsTerminal() bool {
	return s == LegRedeemed || s == LegRefunded || s == LegExpired
}

// LegRole distinguishes the leg locked by the maker from the one locked by
// the taker.
type LegRole string

const (
	RoleSource      LegRole = "source"      // fromChain, maker -> taker
	RoleDestination LegRole = "destination" // toChain, taker -> maker
)

// Order is one user-initiated swap intent.
type Order struct {
	ID           string
	MakerAddress string
	TakerAddress string
	FromChain    string
	ToChain      string
	FromAsset    string
	ToAsset      string
	TotalAmount  *big.Int

	Hashlock []byte
	HashAlgo string

	TimelockUnix     int64
	AllowPartialFill bool
	TotalFilled      *big.Int
	Finalized        bool
	Cancelled        bool

	// Version is bumped on every successful update and used for
	// compare-and-swap.
	Version int64

	CreatedAt   time.Time
	UpdatedAt   time.Time
	FinalizedAt *time.Time
}

// Clone returns a deep copy of the order.
func (o *Order) Clone() *Order {
	c := *o
	c.TotalAmount = cloneBig(o.TotalAmount)
	c.TotalFilled = cloneBig(o.TotalFilled)
	c.Hashlock = append([]byte(nil), o.Hashlock...)
	if o.FinalizedAt != nil {
		t := *o.FinalizedAt
		c.FinalizedAt = &t
	}
	return &c
}

// EscrowLeg is one chain's half of an order.
type EscrowLeg struct {
	OrderID  string
	Chain    string
	Role     LegRole
	Asset    string
	Sender   string
	Receiver string

	// ContractRef is the chain escrow reference: contract swap id or HTLC
	// address.
	ContractRef string

	Amount   *big.Int
	Hashlock []byte
	Timelock int64
	Status   LegStatus

	Confirmations       uint32
	LastConfirmedHeight uint64
	FundingTxRef        string
	SettlementTxRef     string

	// NeedsIntervention is set when the chain adapter reported an
	// unrecoverable failure for this leg.
	NeedsIntervention bool
	LastError         string

	Version   int64
	UpdatedAt time.Time
}

// Clone returns a deep copy of the leg.
func (l *EscrowLeg) Clone() *EscrowLeg {
	c := *l
	c.Amount = cloneBig(l.Amount)
	c.Hashlock = append([]byte(nil), l.Hashlock...)
	return &c
}

// Fill is one accepted partial fill.
type Fill struct {
	ID        int64
	OrderID   string
	Resolver  string
	Amount    *big.Int
	CreatedAt time.Time
}

// AppliedEvent records that a chain event has been applied to a leg.
type AppliedEvent struct {
	OrderID       string
	Chain         string
	TxRef         string
	EventType     string
	Confirmations uint32
	AppliedAt     time.Time
}

// OrderFilter selects orders for ListOrders.
type OrderFilter struct {
	Maker      string
	Chain      string // matches either leg
	ActiveOnly bool   // not finalized and not cancelled
	Limit      int
	Offset     int
}

// SecretOrigin tells where the engine learned a preimage from.
type SecretOrigin string

const (
	SecretGenerated SecretOrigin = "generated" // issued by the vault
	SecretCommitted SecretOrigin = "committed" // hashlock supplied by the caller
)

// Secret maps a hashlock to its preimage. Secret is empty until known.
type Secret struct {
	OrderID    string
	Hashlock   string // hex
	HashAlgo   string
	Secret     string // hex
	Origin     SecretOrigin
	CreatedAt  time.Time
	RevealedAt *time.Time
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}
