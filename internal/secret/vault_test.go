package secret

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/klingon-exchange/xswap/internal/chain"
	"github.com/klingon-exchange/xswap/internal/storage"
)

func TestHashKnownVectors(t *testing.T) {
	tests := []struct {
		algo string
		want string
	}{
		// Digests of the empty string.
		{chain.HashSHA256, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{chain.HashKeccak256, "c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470"},
		{chain.HashBlake2b256, "0e5751c026e543b2e8ab2eb06099daa1d1e5df47778f7787faab45cdf12fe3a8"},
	}
	for _, tt := range tests {
		got, err := Hash(tt.algo, nil)
		if err != nil {
			t.Fatalf("Hash(%s) error = %v", tt.algo, err)
		}
		if hex.EncodeToString(got) != tt.want {
			t.Errorf("Hash(%s) = %x, want %s", tt.algo, got, tt.want)
		}
	}

	if _, err := Hash("md5", nil); !errors.Is(err, ErrUnknownHash) {
		t.Errorf("Hash(md5) error = %v, want ErrUnknownHash", err)
	}
}

func TestGenerateAndVerify(t *testing.T) {
	for _, algo := range []string{chain.HashSHA256, chain.HashKeccak256, chain.HashBlake2b256} {
		secret, hashlock, err := Generate(algo)
		if err != nil {
			t.Fatalf("Generate(%s) error = %v", algo, err)
		}
		if len(secret) != Size || len(hashlock) != Size {
			t.Fatalf("Generate(%s) lengths = %d/%d, want 32/32", algo, len(secret), len(hashlock))
		}
		if !Verify(algo, secret, hashlock) {
			t.Errorf("Verify(%s) rejected its own secret", algo)
		}

		wrong := bytes.Clone(secret)
		wrong[Size-1] ^= 0x01
		if Verify(algo, wrong, hashlock) {
			t.Errorf("Verify(%s) accepted a wrong secret of correct length", algo)
		}
		if Verify(algo, secret[:31], hashlock) {
			t.Errorf("Verify(%s) accepted a short secret", algo)
		}
	}
}

func TestVerifyHashMismatchAcrossChains(t *testing.T) {
	secret, hashlock, err := Generate(chain.HashSHA256)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if Verify(chain.HashKeccak256, secret, hashlock) {
		t.Error("sha256 hashlock must not verify under keccak256")
	}
	if Verify(chain.HashBlake2b256, secret, hashlock) {
		t.Error("sha256 hashlock must not verify under blake2b256")
	}
}

func TestNegotiateAlgo(t *testing.T) {
	eth, _ := chain.Get("ETH", chain.Mainnet)
	btc, _ := chain.Get("BTC", chain.Mainnet)
	dot, _ := chain.Get("DOT", chain.Mainnet)
	sol, _ := chain.Get("SOL", chain.Mainnet)

	tests := []struct {
		name    string
		a, b    *chain.Params
		want    string
		wantErr bool
	}{
		{"evm to bitcoin", eth, btc, chain.HashSHA256, false},
		{"solana to evm", sol, eth, chain.HashSHA256, false},
		{"bitcoin to polkadot", btc, dot, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NegotiateAlgo(tt.a, tt.b)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NegotiateAlgo() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrNoCommonHash) {
				t.Errorf("error = %v, want ErrNoCommonHash", err)
			}
			if got != tt.want {
				t.Errorf("NegotiateAlgo() = %q, want %q", got, tt.want)
			}
		})
	}
}

// persist stores rec the way the coordinator does, alongside its order.
func persist(t *testing.T, store *storage.MemStore, maker string, hashlock []byte, rec *storage.Secret) {
	t.Helper()
	order := &storage.Order{ID: rec.OrderID, MakerAddress: maker, Hashlock: hashlock}
	if err := store.CreateOrder(order, nil, rec); err != nil {
		t.Fatalf("CreateOrder(%s) error = %v", rec.OrderID, err)
	}
}

func TestVaultIssueAndLookup(t *testing.T) {
	store := storage.NewMemStore()
	at := time.Unix(1700000000, 0)
	v := NewVault(store, func() time.Time { return at })

	hashlock, rec, err := v.Issue("order-1", chain.HashKeccak256)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if !rec.CreatedAt.Equal(at) {
		t.Errorf("CreatedAt = %v, want %v", rec.CreatedAt, at)
	}
	if _, ok, _ := v.Lookup("order-1", hashlock); ok {
		t.Error("secret must not be known before it is stored with its order")
	}
	persist(t, store, "0xmaker", hashlock, rec)

	secret, ok, err := v.Lookup("order-1", hashlock)
	if err != nil || !ok {
		t.Fatalf("Lookup() = %v, %v; want known secret", ok, err)
	}
	if !Verify(chain.HashKeccak256, secret, hashlock) {
		t.Error("stored secret does not match issued hashlock")
	}

	revealed, _ := v.IsRevealed(hashlock)
	if revealed {
		t.Error("issued secret should not be marked revealed")
	}
	if err := v.Reveal(chain.HashKeccak256, hashlock, secret); err != nil {
		t.Fatalf("Reveal() error = %v", err)
	}
	revealed, _ = v.IsRevealed(hashlock)
	if !revealed {
		t.Error("secret should be marked revealed")
	}
	got, _ := store.GetSecret("order-1")
	if got.RevealedAt == nil || !got.RevealedAt.Equal(at) {
		t.Errorf("RevealedAt = %v, want %v", got.RevealedAt, at)
	}
}

func TestVaultTrackCommittedHashlock(t *testing.T) {
	store := storage.NewMemStore()
	v := NewVault(store, nil)
	secret, hashlock, _ := Generate(chain.HashSHA256)

	rec, err := v.Track("order-2", chain.HashSHA256, hashlock)
	if err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	persist(t, store, "0xmaker", hashlock, rec)
	if _, ok, _ := v.Lookup("order-2", hashlock); ok {
		t.Error("committed hashlock should have no preimage before reveal")
	}

	wrong := bytes.Repeat([]byte{0x42}, Size)
	if err := v.Reveal(chain.HashSHA256, hashlock, wrong); !errors.Is(err, ErrSecretMismatch) {
		t.Errorf("Reveal(wrong) error = %v, want ErrSecretMismatch", err)
	}

	if err := v.Reveal(chain.HashSHA256, hashlock, secret); err != nil {
		t.Fatalf("Reveal() error = %v", err)
	}
	if err := v.Reveal(chain.HashSHA256, hashlock, secret); err != nil {
		t.Errorf("Reveal(replay) error = %v, want nil", err)
	}
	got, ok, _ := v.Lookup("order-2", hashlock)
	if !ok || !bytes.Equal(got, secret) {
		t.Errorf("Lookup() = %x, %v; want revealed secret", got, ok)
	}

	if _, err := v.Track("order-3", chain.HashSHA256, hashlock[:16]); !errors.Is(err, ErrInvalidLength) {
		t.Errorf("Track(short) error = %v, want ErrInvalidLength", err)
	}
}

func TestVaultSecretScopedToOrder(t *testing.T) {
	store := storage.NewMemStore()
	v := NewVault(store, nil)

	hashlock, rec, err := v.Issue("own", chain.HashSHA256)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	persist(t, store, "0xmaker", hashlock, rec)

	other, err := v.Track("other", chain.HashSHA256, hashlock)
	if err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	persist(t, store, "0xothermaker", hashlock, other)

	if _, ok, _ := v.Lookup("own", hashlock); !ok {
		t.Error("Lookup(own) should return the generated secret")
	}
	if _, ok, _ := v.Lookup("other", hashlock); ok {
		t.Error("an unrevealed secret generated for one order must not be used for another")
	}

	preimage, _, _ := v.Lookup("own", hashlock)
	if err := v.Reveal(chain.HashSHA256, hashlock, preimage); err != nil {
		t.Fatalf("Reveal() error = %v", err)
	}
	got, ok, _ := v.Lookup("other", hashlock)
	if !ok || !bytes.Equal(got, preimage) {
		t.Errorf("Lookup(other) after reveal = %x, %v; want public secret", got, ok)
	}
}
