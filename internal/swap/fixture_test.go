package swap

import (
	"context"
	"crypto/sha256"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klingon-exchange/xswap/internal/chain"
	"github.com/klingon-exchange/xswap/internal/escrow"
	"github.com/klingon-exchange/xswap/internal/escrow/escrowtest"
	"github.com/klingon-exchange/xswap/internal/retry"
	"github.com/klingon-exchange/xswap/internal/storage"
)

const (
	testMaker    = "02aa00000000000000000000000000000000000000000000000000000000000001"
	testTaker    = "03bb00000000000000000000000000000000000000000000000000000000000002"
	testResolver = "0xResolver"
)

// testClock is a settable clock.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (k *testClock) Now() time.Time {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.t
}

func (k *testClock) Advance(d time.Duration) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.t = k.t.Add(d)
}

type fixture struct {
	c     *Coordinator
	store *storage.MemStore
	btc   *escrowtest.Client
	eth   *escrowtest.Client
	clock *testClock
}

func newFixture(t *testing.T, opts ...func(*Config)) *fixture {
	t.Helper()

	f := &fixture{
		store: storage.NewMemStore(),
		btc:   escrowtest.New("BTC"),
		eth:   escrowtest.New("ETH"),
		clock: &testClock{t: time.Unix(1_700_000_000, 0)},
	}
	escrows := escrow.NewRegistry()
	escrows.Register(f.btc)
	escrows.Register(f.eth)

	cfg := Config{
		Store:   f.store,
		Escrows: escrows,
		Network: chain.Testnet,
		IsWhitelisted: func(r string) bool {
			return strings.EqualFold(r, testResolver) || r == testTaker
		},
		Retry: retry.Config{
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			MaxAttempts: 3,
		},
		Breaker: retry.BreakerConfig{
			FailureThreshold: 3,
			Window:           time.Minute,
			Cooldown:         30 * time.Second,
		},
		MinHorizon:       6 * time.Hour,
		LegTimelockDelta: 3 * time.Hour,
		ExpiringWindow:   time.Hour,
		AutoRefund:       true,
		RetentionPeriod:  24 * time.Hour,
		SweepInterval:    time.Hour,
		PollInterval:     time.Hour,
		ResubscribeDelay: 10 * time.Millisecond,
		Now:              f.clock.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	f.c = NewCoordinator(cfg)
	t.Cleanup(func() { f.c.Close() })
	return f
}

func (f *fixture) spec() OrderSpec {
	return OrderSpec{
		Maker:        testMaker,
		Taker:        testTaker,
		FromChain:    "BTC",
		ToChain:      "ETH",
		FromAsset:    "BTC",
		ToAsset:      "ETH",
		TotalAmount:  big.NewInt(100_000),
		ToAmount:     big.NewInt(2_000_000_000_000_000),
		TimelockUnix: f.clock.Now().Add(24 * time.Hour).Unix(),
	}
}

func (f *fixture) create(t *testing.T, spec OrderSpec) *OrderView {
	t.Helper()
	view, err := f.c.CreateSwap(context.Background(), spec)
	if err != nil {
		t.Fatalf("CreateSwap() error = %v", err)
	}
	return view
}

func (f *fixture) client(symbol string) *escrowtest.Client {
	if symbol == "BTC" {
		return f.btc
	}
	return f.eth
}

// fund funds the leg and applies a funded event at depth.
func (f *fixture) fund(t *testing.T, orderID, symbol string) {
	t.Helper()
	if _, err := f.c.FundLeg(context.Background(), orderID, symbol, testResolver); err != nil {
		t.Fatalf("FundLeg(%s) error = %v", symbol, err)
	}
	leg := f.leg(t, orderID, symbol)
	ev := escrow.RawEvent{
		Type:          escrow.EventFunded,
		TxRef:         escrow.TxRef(leg.FundingTxRef),
		Confirmations: f.c.confirmationsFor(symbol),
		Height:        100,
	}
	if err := f.c.ApplyEvent(context.Background(), orderID, symbol, ev); err != nil {
		t.Fatalf("ApplyEvent(funded %s) error = %v", symbol, err)
	}
}

func (f *fixture) leg(t *testing.T, orderID, symbol string) *storage.EscrowLeg {
	t.Helper()
	leg, err := f.store.GetLeg(orderID, symbol)
	if err != nil {
		t.Fatalf("GetLeg(%s) error = %v", symbol, err)
	}
	return leg
}

func (f *fixture) status(t *testing.T, orderID string) *OrderView {
	t.Helper()
	view, err := f.c.GetStatus(orderID)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	return view
}

func committed(b byte) (preimage, hashlock []byte) {
	preimage = make([]byte, 32)
	for i := range preimage {
		preimage[i] = b
	}
	h := sha256.Sum256(preimage)
	return preimage, h[:]
}

func wantCode(t *testing.T, err error, code Code) {
	t.Helper()
	if got := CodeOf(err); got != code {
		t.Fatalf("error code = %q (%v), want %q", got, err, code)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
