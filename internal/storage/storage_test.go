package storage

import (
	"bytes"
	"encoding/hex"
	"errors"
	"math/big"
	"os"
	"testing"
	"time"
)

// orderStore is the surface shared by Storage and MemStore.
type orderStore interface {
	CreateOrder(order *Order, legs []*EscrowLeg, secret *Secret) error
	GetOrder(id string) (*Order, error)
	ListOrders(filter OrderFilter) ([]*Order, error)
	UpdateOrder(order *Order) error
	GetLeg(orderID, chain string) (*EscrowLeg, error)
	GetLegs(orderID string) ([]*EscrowLeg, error)
	UpdateLeg(leg *EscrowLeg) error
	RecordEvent(ev *AppliedEvent) (bool, error)
	ListEvents(orderID string) ([]*AppliedEvent, error)
	AddFill(fill *Fill) error
	ListFills(orderID string) ([]*Fill, error)
	GetSecret(orderID string) (*Secret, error)
	GetSecretByHash(hashlock string) (*Secret, error)
	RevealSecret(hashlock, preimage string, at time.Time) error
	ArchiveOrders(before time.Time) (int, error)
	GetArchivedOrder(id string) (*ArchivedOrder, error)
}

var (
	_ orderStore = (*Storage)(nil)
	_ orderStore = (*MemStore)(nil)
)

func forEachStore(t *testing.T, fn func(t *testing.T, s orderStore)) {
	t.Run("sqlite", func(t *testing.T) {
		tmpDir, err := os.MkdirTemp("", "xswap-storage-test-*")
		if err != nil {
			t.Fatalf("failed to create temp dir: %v", err)
		}
		defer os.RemoveAll(tmpDir)

		store, err := New(&Config{DataDir: tmpDir})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		defer store.Close()
		fn(t, store)
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemStore())
	})
}

func testOrder(id string, hashByte byte) (*Order, []*EscrowLeg) {
	now := time.Unix(1700000000, 0)
	hashlock := bytes.Repeat([]byte{hashByte}, 32)
	order := &Order{
		ID:           id,
		MakerAddress: "0xmaker",
		TakerAddress: "0xtaker",
		FromChain:    "ETH",
		ToChain:      "BTC",
		FromAsset:    "ETH",
		ToAsset:      "BTC",
		TotalAmount:  big.NewInt(100),
		Hashlock:     hashlock,
		HashAlgo:     "sha256",
		TimelockUnix: now.Add(2 * time.Hour).Unix(),
		TotalFilled:  big.NewInt(0),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	legs := []*EscrowLeg{
		{
			OrderID: id, Chain: "BTC", Role: RoleDestination, Asset: "BTC",
			Sender: "taker", Receiver: "maker", Amount: big.NewInt(5000),
			Hashlock: hashlock, Timelock: now.Add(time.Hour).Unix(), Status: LegPending, UpdatedAt: now,
		},
		{
			OrderID: id, Chain: "ETH", Role: RoleSource, Asset: "ETH",
			Sender: "maker", Receiver: "taker", Amount: big.NewInt(100),
			Hashlock: hashlock, Timelock: order.TimelockUnix, Status: LegPending, UpdatedAt: now,
		},
	}
	return order, legs
}

func TestOrderCRUD(t *testing.T) {
	forEachStore(t, func(t *testing.T, s orderStore) {
		order, legs := testOrder("order-1", 0xaa)
		if err := s.CreateOrder(order, legs, nil); err != nil {
			t.Fatalf("CreateOrder() error = %v", err)
		}
		if order.Version != 1 {
			t.Errorf("Version = %d, want 1", order.Version)
		}

		got, err := s.GetOrder("order-1")
		if err != nil {
			t.Fatalf("GetOrder() error = %v", err)
		}
		if got.MakerAddress != "0xmaker" {
			t.Errorf("MakerAddress = %s, want 0xmaker", got.MakerAddress)
		}
		if got.TotalAmount.Cmp(big.NewInt(100)) != 0 {
			t.Errorf("TotalAmount = %s, want 100", got.TotalAmount)
		}
		if !bytes.Equal(got.Hashlock, order.Hashlock) {
			t.Errorf("Hashlock = %x, want %x", got.Hashlock, order.Hashlock)
		}

		gotLegs, err := s.GetLegs("order-1")
		if err != nil {
			t.Fatalf("GetLegs() error = %v", err)
		}
		if len(gotLegs) != 2 {
			t.Fatalf("len(legs) = %d, want 2", len(gotLegs))
		}
		if gotLegs[0].Role != RoleSource || gotLegs[0].Chain != "ETH" {
			t.Errorf("first leg = %s/%s, want source/ETH", gotLegs[0].Role, gotLegs[0].Chain)
		}

		if _, err := s.GetOrder("missing"); !errors.Is(err, ErrOrderNotFound) {
			t.Errorf("GetOrder(missing) error = %v, want ErrOrderNotFound", err)
		}
		if _, err := s.GetLeg("order-1", "SOL"); !errors.Is(err, ErrLegNotFound) {
			t.Errorf("GetLeg(SOL) error = %v, want ErrLegNotFound", err)
		}
	})
}

func TestDuplicateOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, s orderStore) {
		order, legs := testOrder("order-1", 0xaa)
		if err := s.CreateOrder(order, legs, nil); err != nil {
			t.Fatalf("CreateOrder() error = %v", err)
		}

		// Same maker and hashlock under a different id.
		dup, dupLegs := testOrder("order-2", 0xaa)
		if err := s.CreateOrder(dup, dupLegs, nil); !errors.Is(err, ErrDuplicateOrder) {
			t.Errorf("CreateOrder(dup) error = %v, want ErrDuplicateOrder", err)
		}
		if _, err := s.GetOrder("order-2"); !errors.Is(err, ErrOrderNotFound) {
			t.Errorf("duplicate order was persisted: %v", err)
		}

		other, otherLegs := testOrder("order-3", 0xbb)
		if err := s.CreateOrder(other, otherLegs, nil); err != nil {
			t.Errorf("CreateOrder(other hashlock) error = %v", err)
		}

		otherMaker, otherMakerLegs := testOrder("order-4", 0xaa)
		otherMaker.MakerAddress = "0xsomeoneelse"
		if err := s.CreateOrder(otherMaker, otherMakerLegs, nil); err != nil {
			t.Errorf("CreateOrder(other maker, same hashlock) error = %v", err)
		}
	})
}

func TestUpdateOrderCompareAndSwap(t *testing.T) {
	forEachStore(t, func(t *testing.T, s orderStore) {
		order, legs := testOrder("order-1", 0xaa)
		if err := s.CreateOrder(order, legs, nil); err != nil {
			t.Fatalf("CreateOrder() error = %v", err)
		}

		a, _ := s.GetOrder("order-1")
		b, _ := s.GetOrder("order-1")

		a.TotalFilled = big.NewInt(40)
		if err := s.UpdateOrder(a); err != nil {
			t.Fatalf("UpdateOrder(a) error = %v", err)
		}
		if a.Version != 2 {
			t.Errorf("Version after update = %d, want 2", a.Version)
		}

		b.TotalFilled = big.NewInt(10)
		if err := s.UpdateOrder(b); !errors.Is(err, ErrVersionConflict) {
			t.Errorf("UpdateOrder(stale) error = %v, want ErrVersionConflict", err)
		}

		got, _ := s.GetOrder("order-1")
		if got.TotalFilled.Cmp(big.NewInt(40)) != 0 {
			t.Errorf("TotalFilled = %s, want 40", got.TotalFilled)
		}

		missing := order.Clone()
		missing.ID = "nope"
		if err := s.UpdateOrder(missing); !errors.Is(err, ErrOrderNotFound) {
			t.Errorf("UpdateOrder(missing) error = %v, want ErrOrderNotFound", err)
		}
	})
}

func TestUpdateLegCompareAndSwap(t *testing.T) {
	forEachStore(t, func(t *testing.T, s orderStore) {
		order, legs := testOrder("order-1", 0xaa)
		if err := s.CreateOrder(order, legs, nil); err != nil {
			t.Fatalf("CreateOrder() error = %v", err)
		}

		leg, err := s.GetLeg("order-1", "ETH")
		if err != nil {
			t.Fatalf("GetLeg() error = %v", err)
		}
		stale := leg.Clone()

		leg.Status = LegFunded
		leg.FundingTxRef = "0xfund"
		leg.Confirmations = 12
		leg.LastConfirmedHeight = 19000000
		if err := s.UpdateLeg(leg); err != nil {
			t.Fatalf("UpdateLeg() error = %v", err)
		}

		stale.Status = LegExpired
		if err := s.UpdateLeg(stale); !errors.Is(err, ErrVersionConflict) {
			t.Errorf("UpdateLeg(stale) error = %v, want ErrVersionConflict", err)
		}

		got, _ := s.GetLeg("order-1", "ETH")
		if got.Status != LegFunded {
			t.Errorf("Status = %s, want funded", got.Status)
		}
		if got.FundingTxRef != "0xfund" {
			t.Errorf("FundingTxRef = %s, want 0xfund", got.FundingTxRef)
		}
		if got.Confirmations != 12 || got.LastConfirmedHeight != 19000000 {
			t.Errorf("Confirmations/Height = %d/%d, want 12/19000000", got.Confirmations, got.LastConfirmedHeight)
		}

		other, _ := s.GetLeg("order-1", "BTC")
		if other.Status != LegPending {
			t.Errorf("sibling leg Status = %s, want pending", other.Status)
		}
	})
}

func TestListOrders(t *testing.T) {
	forEachStore(t, func(t *testing.T, s orderStore) {
		for i, id := range []string{"a", "b", "c"} {
			order, legs := testOrder(id, byte(i+1))
			order.CreatedAt = order.CreatedAt.Add(time.Duration(i) * time.Minute)
			if id == "c" {
				order.MakerAddress = "0xother"
				order.Finalized = true
			}
			if err := s.CreateOrder(order, legs, nil); err != nil {
				t.Fatalf("CreateOrder(%s) error = %v", id, err)
			}
		}

		all, err := s.ListOrders(OrderFilter{})
		if err != nil {
			t.Fatalf("ListOrders() error = %v", err)
		}
		if len(all) != 3 || all[0].ID != "c" {
			t.Errorf("ListOrders() = %d orders, first %v; want 3, newest first", len(all), all)
		}

		active, _ := s.ListOrders(OrderFilter{ActiveOnly: true})
		if len(active) != 2 {
			t.Errorf("active orders = %d, want 2", len(active))
		}

		byMaker, _ := s.ListOrders(OrderFilter{Maker: "0xother"})
		if len(byMaker) != 1 || byMaker[0].ID != "c" {
			t.Errorf("orders for 0xother = %v, want [c]", byMaker)
		}

		byChain, _ := s.ListOrders(OrderFilter{Chain: "BTC"})
		if len(byChain) != 3 {
			t.Errorf("orders on BTC = %d, want 3", len(byChain))
		}

		page, _ := s.ListOrders(OrderFilter{Limit: 1, Offset: 1})
		if len(page) != 1 || page[0].ID != "b" {
			t.Errorf("page = %v, want [b]", page)
		}
	})
}

func TestRecordEventIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s orderStore) {
		order, legs := testOrder("order-1", 0xaa)
		if err := s.CreateOrder(order, legs, nil); err != nil {
			t.Fatalf("CreateOrder() error = %v", err)
		}

		ev := &AppliedEvent{OrderID: "order-1", Chain: "ETH", TxRef: "0xfund", EventType: "funded", Confirmations: 12}
		first, err := s.RecordEvent(ev)
		if err != nil || !first {
			t.Fatalf("RecordEvent() = %v, %v; want true, nil", first, err)
		}

		again := &AppliedEvent{OrderID: "order-1", Chain: "ETH", TxRef: "0xfund", EventType: "funded", Confirmations: 20}
		second, err := s.RecordEvent(again)
		if err != nil || second {
			t.Errorf("RecordEvent(replay) = %v, %v; want false, nil", second, err)
		}

		redeem := &AppliedEvent{OrderID: "order-1", Chain: "ETH", TxRef: "0xfund", EventType: "redeemed"}
		if ok, _ := s.RecordEvent(redeem); !ok {
			t.Error("different event type on same tx should be recorded")
		}

		events, _ := s.ListEvents("order-1")
		if len(events) != 2 {
			t.Errorf("len(events) = %d, want 2", len(events))
		}
	})
}

func TestFills(t *testing.T) {
	forEachStore(t, func(t *testing.T, s orderStore) {
		order, legs := testOrder("order-1", 0xaa)
		if err := s.CreateOrder(order, legs, nil); err != nil {
			t.Fatalf("CreateOrder() error = %v", err)
		}

		for _, amt := range []int64{30, 70} {
			f := &Fill{OrderID: "order-1", Resolver: "0xres", Amount: big.NewInt(amt), CreatedAt: time.Now()}
			if err := s.AddFill(f); err != nil {
				t.Fatalf("AddFill() error = %v", err)
			}
			if f.ID == 0 {
				t.Error("AddFill() did not assign an ID")
			}
		}

		fills, err := s.ListFills("order-1")
		if err != nil {
			t.Fatalf("ListFills() error = %v", err)
		}
		if len(fills) != 2 || fills[0].Amount.Int64() != 30 || fills[1].Amount.Int64() != 70 {
			t.Errorf("fills = %v, want [30 70]", fills)
		}
	})
}

func TestSecretReveal(t *testing.T) {
	forEachStore(t, func(t *testing.T, s orderStore) {
		first, firstLegs := testOrder("order-1", 0xab)
		second, secondLegs := testOrder("order-2", 0xab)
		second.MakerAddress = "0xother"
		hashlock := hex.EncodeToString(first.Hashlock)
		created := time.Unix(1700000000, 0)

		for _, c := range []struct {
			o *Order
			l []*EscrowLeg
		}{{first, firstLegs}, {second, secondLegs}} {
			sec := &Secret{OrderID: c.o.ID, Hashlock: hashlock, HashAlgo: "sha256", Origin: SecretCommitted, CreatedAt: created}
			if err := s.CreateOrder(c.o, c.l, sec); err != nil {
				t.Fatalf("CreateOrder(%s) error = %v", c.o.ID, err)
			}
		}

		got, err := s.GetSecretByHash(hashlock)
		if err != nil {
			t.Fatalf("GetSecretByHash() error = %v", err)
		}
		if got.Secret != "" || got.RevealedAt != nil {
			t.Errorf("unrevealed secret = %q / %v, want empty", got.Secret, got.RevealedAt)
		}

		now := time.Unix(1700000600, 0)
		if err := s.RevealSecret(hashlock, "cafe", now); err != nil {
			t.Fatalf("RevealSecret() error = %v", err)
		}
		if err := s.RevealSecret(hashlock, "cafe", now); err != nil {
			t.Errorf("RevealSecret(same) error = %v, want nil", err)
		}
		if err := s.RevealSecret(hashlock, "beef", now); !errors.Is(err, ErrSecretAlreadyRevealed) {
			t.Errorf("RevealSecret(different) error = %v, want ErrSecretAlreadyRevealed", err)
		}
		if err := s.RevealSecret("ffff", "cafe", now); !errors.Is(err, ErrSecretNotFound) {
			t.Errorf("RevealSecret(unknown) error = %v, want ErrSecretNotFound", err)
		}

		for _, id := range []string{"order-1", "order-2"} {
			got, err := s.GetSecret(id)
			if err != nil {
				t.Fatalf("GetSecret(%s) error = %v", id, err)
			}
			if got.Secret != "cafe" || got.RevealedAt == nil {
				t.Errorf("GetSecret(%s) = %q / %v, want cafe with timestamp", id, got.Secret, got.RevealedAt)
			}
		}
		if _, err := s.GetSecret("missing"); !errors.Is(err, ErrSecretNotFound) {
			t.Errorf("GetSecret(missing) error = %v, want ErrSecretNotFound", err)
		}
	})
}

func TestCreateOrderWithSecret(t *testing.T) {
	forEachStore(t, func(t *testing.T, s orderStore) {
		order, legs := testOrder("order-1", 0xcd)
		sec := &Secret{
			OrderID:   order.ID,
			Hashlock:  hex.EncodeToString(order.Hashlock),
			HashAlgo:  "sha256",
			Secret:    "aa",
			Origin:    SecretGenerated,
			CreatedAt: order.CreatedAt,
		}
		if err := s.CreateOrder(order, legs, sec); err != nil {
			t.Fatalf("CreateOrder() error = %v", err)
		}

		dup, dupLegs := testOrder("order-2", 0xcd)
		dupSecret := *sec
		dupSecret.OrderID = dup.ID
		dupSecret.Secret = "bb"
		if err := s.CreateOrder(dup, dupLegs, &dupSecret); !errors.Is(err, ErrDuplicateOrder) {
			t.Fatalf("CreateOrder(dup) error = %v, want ErrDuplicateOrder", err)
		}
		if _, err := s.GetSecret(dup.ID); !errors.Is(err, ErrSecretNotFound) {
			t.Errorf("rejected order left a secret behind: %v", err)
		}
		got, err := s.GetSecretByHash(sec.Hashlock)
		if err != nil {
			t.Fatalf("GetSecretByHash() error = %v", err)
		}
		if got.OrderID != order.ID || got.Secret != "aa" {
			t.Errorf("GetSecretByHash() = %s/%q, want %s/aa", got.OrderID, got.Secret, order.ID)
		}
	})
}

func TestArchiveOrders(t *testing.T) {
	forEachStore(t, func(t *testing.T, s orderStore) {
		done, doneLegs := testOrder("done", 0x01)
		stuck, stuckLegs := testOrder("stuck", 0x02)
		live, liveLegs := testOrder("live", 0x03)
		doneSecret := &Secret{OrderID: "done", Hashlock: hex.EncodeToString(done.Hashlock), HashAlgo: "sha256", Secret: "aa", Origin: SecretGenerated, CreatedAt: done.CreatedAt}
		for _, c := range []struct {
			o *Order
			l []*EscrowLeg
			s *Secret
		}{{done, doneLegs, doneSecret}, {stuck, stuckLegs, nil}, {live, liveLegs, nil}} {
			if err := s.CreateOrder(c.o, c.l, c.s); err != nil {
				t.Fatalf("CreateOrder(%s) error = %v", c.o.ID, err)
			}
		}

		finalizedAt := time.Unix(1700000000, 0)
		for _, id := range []string{"done", "stuck"} {
			o, _ := s.GetOrder(id)
			o.Finalized = true
			o.FinalizedAt = &finalizedAt
			if err := s.UpdateOrder(o); err != nil {
				t.Fatalf("UpdateOrder(%s) error = %v", id, err)
			}
			legs, _ := s.GetLegs(id)
			for _, leg := range legs {
				leg.Status = LegRedeemed
				if id == "stuck" && leg.Chain == "BTC" {
					leg.Status = LegFunded
					leg.NeedsIntervention = true
				}
				if err := s.UpdateLeg(leg); err != nil {
					t.Fatalf("UpdateLeg() error = %v", err)
				}
			}
		}

		n, err := s.ArchiveOrders(finalizedAt.Add(time.Hour))
		if err != nil {
			t.Fatalf("ArchiveOrders() error = %v", err)
		}
		if n != 1 {
			t.Errorf("archived = %d, want 1", n)
		}

		if _, err := s.GetOrder("done"); !errors.Is(err, ErrOrderNotFound) {
			t.Errorf("archived order still live: %v", err)
		}
		snap, err := s.GetArchivedOrder("done")
		if err != nil {
			t.Fatalf("GetArchivedOrder() error = %v", err)
		}
		if len(snap.Legs) != 2 {
			t.Errorf("archived legs = %d, want 2", len(snap.Legs))
		}
		if snap.Secret == nil || snap.Secret.Secret != "aa" {
			t.Errorf("archived secret = %v, want aa", snap.Secret)
		}

		if _, err := s.GetOrder("stuck"); err != nil {
			t.Errorf("stuck order must stay queryable: %v", err)
		}
		if _, err := s.GetOrder("live"); err != nil {
			t.Errorf("live order must stay: %v", err)
		}
	})
}
