// Package secret issues and verifies HTLC secrets. The hash function of a
// hashlock is fixed per chain pair: both escrows of a swap must hash the
// preimage the same way or the second leg can never be redeemed.
package secret

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"

	"github.com/klingon-exchange/xswap/internal/chain"
	"github.com/klingon-exchange/xswap/internal/storage"
)

// Size is the length of secrets and hashlocks in bytes.
const Size = 32

// Vault errors
var (
	ErrUnknownHash    = errors.New("unsupported hash function")
	ErrNoCommonHash   = errors.New("chains share no hashlock function")
	ErrInvalidLength  = errors.New("secret and hashlock must be 32 bytes")
	ErrSecretMismatch = errors.New("secret does not match hashlock")
)

// Store reads and reveals secret records. Records are written together
// with their order, so the vault itself never inserts.
type Store interface {
	GetSecret(orderID string) (*storage.Secret, error)
	GetSecretByHash(hashlock string) (*storage.Secret, error)
	RevealSecret(hashlock, preimage string, at time.Time) error
}

// Vault generates secrets for the engine's own orders and remembers every
// preimage it has seen.
type Vault struct {
	store Store
	now   func() time.Time
}

// NewVault creates a vault backed by store. A nil now uses time.Now.
func NewVault(store Store, now func() time.Time) *Vault {
	if now == nil {
		now = time.Now
	}
	return &Vault{store: store, now: now}
}

// Hash computes the hashlock of secret under algo.
func Hash(algo string, secret []byte) ([]byte, error) {
	switch algo {
	case chain.HashSHA256:
		h := sha256.Sum256(secret)
		return h[:], nil
	case chain.HashKeccak256:
		h := sha3.NewLegacyKeccak256()
		h.Write(secret)
		return h.Sum(nil), nil
	case chain.HashBlake2b256:
		h := blake2b.Sum256(secret)
		return h[:], nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownHash, algo)
	}
}

// Generate returns a fresh random secret and its hashlock under algo.
func Generate(algo string) (secret, hashlock []byte, err error) {
	secret = make([]byte, Size)
	if _, err := rand.Read(secret); err != nil {
		return nil, nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	hashlock, err = Hash(algo, secret)
	if err != nil {
		return nil, nil, err
	}
	return secret, hashlock, nil
}

// Verify reports whether hashlock == algo(secret). Lengths are checked
// up front; the digest comparison runs in constant time.
func Verify(algo string, secret, hashlock []byte) bool {
	if len(secret) != Size || len(hashlock) != Size {
		return false
	}
	actual, err := Hash(algo, secret)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(actual, hashlock) == 1
}

// NegotiateAlgo picks the hash function for a swap between two chains.
func NegotiateAlgo(from, to *chain.Params) (string, error) {
	algo, ok := chain.CommonHash(from, to)
	if !ok {
		return "", fmt.Errorf("%w: %s %v, %s %v", ErrNoCommonHash, from.Symbol, from.HashAlgos, to.Symbol, to.HashAlgos)
	}
	return algo, nil
}

// Issue generates a secret for orderID. The returned record must be stored
// with the order; only the hashlock leaves the vault.
func (v *Vault) Issue(orderID, algo string) ([]byte, *storage.Secret, error) {
	secret, hashlock, err := Generate(algo)
	if err != nil {
		return nil, nil, err
	}
	return hashlock, &storage.Secret{
		OrderID:   orderID,
		Hashlock:  hex.EncodeToString(hashlock),
		HashAlgo:  algo,
		Secret:    hex.EncodeToString(secret),
		Origin:    storage.SecretGenerated,
		CreatedAt: v.now(),
	}, nil
}

// Track prepares the record of a hashlock committed by the caller. The
// preimage becomes known when it is revealed on chain.
func (v *Vault) Track(orderID, algo string, hashlock []byte) (*storage.Secret, error) {
	if len(hashlock) != Size {
		return nil, ErrInvalidLength
	}
	return &storage.Secret{
		OrderID:   orderID,
		Hashlock:  hex.EncodeToString(hashlock),
		HashAlgo:  algo,
		Origin:    storage.SecretCommitted,
		CreatedAt: v.now(),
	}, nil
}

// Reveal verifies secret against hashlock and records it as public.
// Revealing the same secret twice is a no-op.
func (v *Vault) Reveal(algo string, hashlock, secret []byte) error {
	if !Verify(algo, secret, hashlock) {
		return ErrSecretMismatch
	}
	err := v.store.RevealSecret(hex.EncodeToString(hashlock), hex.EncodeToString(secret), v.now())
	if err != nil {
		return fmt.Errorf("failed to record revealed secret: %w", err)
	}
	return nil
}

// Lookup returns the preimage usable for orderID: the one the vault
// generated for that order, or one already seen in public.
func (v *Vault) Lookup(orderID string, hashlock []byte) ([]byte, bool, error) {
	rec, err := v.store.GetSecret(orderID)
	if err != nil && !errors.Is(err, storage.ErrSecretNotFound) {
		return nil, false, err
	}
	if rec == nil || rec.Secret == "" {
		rec, err = v.store.GetSecretByHash(hex.EncodeToString(hashlock))
		if errors.Is(err, storage.ErrSecretNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		if rec.RevealedAt == nil {
			return nil, false, nil
		}
	}
	if rec.Secret == "" {
		return nil, false, nil
	}
	secret, err := hex.DecodeString(rec.Secret)
	if err != nil {
		return nil, false, fmt.Errorf("corrupt secret for %s: %w", rec.Hashlock, err)
	}
	return secret, true, nil
}

// IsRevealed reports whether the preimage of hashlock has been seen in
// public, as opposed to only being held by the vault.
func (v *Vault) IsRevealed(hashlock []byte) (bool, error) {
	rec, err := v.store.GetSecretByHash(hex.EncodeToString(hashlock))
	if errors.Is(err, storage.ErrSecretNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.RevealedAt != nil, nil
}
