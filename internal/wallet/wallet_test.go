package wallet

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klingon-exchange/xswap/internal/chain"
)

// Test mnemonic (DO NOT USE FOR REAL FUNDS)
const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func TestGenerateMnemonic(t *testing.T) {
	mnemonic, err := GenerateMnemonic()
	if err != nil {
		t.Fatalf("GenerateMnemonic() error = %v", err)
	}
	if words := strings.Fields(mnemonic); len(words) != 24 {
		t.Errorf("expected 24 words, got %d", len(words))
	}
	if !ValidateMnemonic(mnemonic) {
		t.Error("generated mnemonic should be valid")
	}
}

func TestValidateMnemonic(t *testing.T) {
	tests := []struct {
		mnemonic string
		valid    bool
	}{
		{testMnemonic, true},
		{"invalid mnemonic words", false},
		{"", false},
		{"abandon", false},
	}
	for _, tc := range tests {
		if got := ValidateMnemonic(tc.mnemonic); got != tc.valid {
			t.Errorf("ValidateMnemonic(%q) = %v, want %v", tc.mnemonic, got, tc.valid)
		}
	}
}

func TestNewFromMnemonicInvalid(t *testing.T) {
	if _, err := NewFromMnemonic("invalid mnemonic", "", chain.Mainnet); err == nil {
		t.Error("expected error for invalid mnemonic")
	}
}

func TestSigningKeyVectors(t *testing.T) {
	w, err := NewFromMnemonic(testMnemonic, "", chain.Mainnet)
	if err != nil {
		t.Fatalf("NewFromMnemonic() error = %v", err)
	}

	// BIP84 first receive address.
	btcKey, err := w.SigningKey("BTC", 0)
	if err != nil {
		t.Fatalf("SigningKey(BTC) error = %v", err)
	}
	btcParams, _ := chain.Get("BTC", chain.Mainnet)
	addr, err := P2WPKHAddress(btcKey.PubKey(), btcParams)
	if err != nil {
		t.Fatalf("P2WPKHAddress() error = %v", err)
	}
	if got, want := addr.EncodeAddress(), "bc1qcr8te4kr609gcawutmrza0j4xv80jy8z306fyu"; got != want {
		t.Errorf("BTC address = %s, want %s", got, want)
	}

	// BIP44 m/44'/60'/0'/0/0.
	ethKey, err := w.SigningKey("ETH", 0)
	if err != nil {
		t.Fatalf("SigningKey(ETH) error = %v", err)
	}
	if got, want := EVMAddress(ethKey.PubKey()), "0x9858EfFD232B4033E47d90003D41EC34EcaEda94"; got != want {
		t.Errorf("ETH address = %s, want %s", got, want)
	}

	// Every EVM chain shares coin type 60.
	bscKey, _ := w.SigningKey("BSC", 0)
	if !bscKey.Key.Equals(&ethKey.Key) {
		t.Error("BSC and ETH signing keys differ")
	}
}

func TestSigningKeyUnsupported(t *testing.T) {
	w, _ := NewFromMnemonic(testMnemonic, "", chain.Mainnet)
	if _, err := w.SigningKey("NOPE", 0); err == nil {
		t.Error("expected error for unknown chain")
	}
}

func TestParticipantRoundTrip(t *testing.T) {
	w, _ := NewFromMnemonic(testMnemonic, "", chain.Testnet)

	id, err := w.Participant("BTC", 0)
	if err != nil {
		t.Fatalf("Participant() error = %v", err)
	}
	if len(id) != 66 {
		t.Errorf("len(Participant) = %d, want 66", len(id))
	}

	pub, err := ParsePubKey("0x" + id)
	if err != nil {
		t.Fatalf("ParsePubKey() error = %v", err)
	}
	key, _ := w.SigningKey("BTC", 0)
	if !pub.IsEqual(key.PubKey()) {
		t.Error("parsed participant does not match signing key")
	}

	if _, err := ParsePubKey("02abcd"); err == nil {
		t.Error("expected error for short key")
	}
}

func TestDeriveKeyCache(t *testing.T) {
	w, _ := NewFromMnemonic(testMnemonic, "", chain.Mainnet)

	a, err := w.DeriveKey(PurposeBIP44, 60, 0, 0, 0)
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	b, _ := w.DeriveKey(PurposeBIP44, 60, 0, 0, 0)
	if a != b {
		t.Error("second derivation should hit the cache")
	}
	if len(w.cache) != 1 {
		t.Errorf("cache size = %d, want 1", len(w.cache))
	}
	if got := DerivationPath(84, 0, 1, 0, 5); got != "m/84'/0'/1'/0/5" {
		t.Errorf("DerivationPath() = %s", got)
	}
}

func TestNetParams(t *testing.T) {
	ltc, _ := chain.Get("LTC", chain.Mainnet)
	net := NetParams(ltc)
	if net.Bech32HRPSegwit != "ltc" || net.PubKeyHashAddrID != 0x30 {
		t.Errorf("LTC params = %s/%x", net.Bech32HRPSegwit, net.PubKeyHashAddrID)
	}
	btcTest, _ := chain.Get("BTC", chain.Testnet)
	if NetParams(btcTest).Bech32HRPSegwit != "tb" {
		t.Error("BTC testnet should use tb")
	}
}

func TestSeedFile(t *testing.T) {
	dir, err := os.MkdirTemp("", "wallet-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "keys", "seed.json")
	password := "Correct-Horse-9"

	enc, err := EncryptMnemonic(testMnemonic, password)
	if err != nil {
		t.Fatalf("EncryptMnemonic() error = %v", err)
	}
	if err := SaveEncryptedSeed(enc, path); err != nil {
		t.Fatalf("SaveEncryptedSeed() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("seed file mode = %o, want 600", perm)
	}

	w, err := Open(path, password, "", chain.Mainnet)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	key, _ := w.SigningKey("ETH", 0)
	if EVMAddress(key.PubKey()) != "0x9858EfFD232B4033E47d90003D41EC34EcaEda94" {
		t.Error("reopened wallet derives a different key")
	}

	if _, err := Open(path, "Wrong-Horse-9", "", chain.Mainnet); !errors.Is(err, ErrWrongPassword) {
		t.Errorf("Open(wrong password) error = %v, want ErrWrongPassword", err)
	}
}

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		password string
		ok       bool
	}{
		{"short1!", false},
		{"alllowercase", false},
		{"lower-and-1", true},
		{"Upper1lower", true},
		{strings.Repeat("aA1", 100), false},
	}
	for _, tc := range tests {
		err := ValidatePassword(tc.password)
		if (err == nil) != tc.ok {
			t.Errorf("ValidatePassword(%q) error = %v, want ok=%v", tc.password, err, tc.ok)
		}
	}
}

func TestEncryptMnemonicRejectsWeakPassword(t *testing.T) {
	if _, err := EncryptMnemonic(testMnemonic, "weak"); err == nil {
		t.Error("expected error for weak password")
	}
}
