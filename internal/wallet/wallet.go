// Package wallet derives the adapter signing keys from a BIP39 seed.
// Each chain gets one key per account at its BIP44/BIP84 path; the escrow
// adapters sign with those keys and nothing else.
package wallet

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"

	"github.com/klingon-exchange/xswap/internal/chain"
)

// Derivation purposes.
const (
	PurposeBIP44 uint32 = 44
	PurposeBIP84 uint32 = 84
)

// Wallet manages HD keys derived from a BIP39 seed.
type Wallet struct {
	masterKey *hdkeychain.ExtendedKey
	network   chain.Network

	mu    sync.Mutex
	cache map[string]*hdkeychain.ExtendedKey
}

// GenerateMnemonic generates a new 24-word BIP39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

// ValidateMnemonic checks if a mnemonic is valid.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// NewFromMnemonic creates a wallet from a BIP39 mnemonic.
// The passphrase is optional (can be empty string).
func NewFromMnemonic(mnemonic, passphrase string, network chain.Network) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	return NewFromSeed(bip39.NewSeed(mnemonic, passphrase), network)
}

// NewFromSeed creates a wallet from a raw seed.
func NewFromSeed(seed []byte, network chain.Network) (*Wallet, error) {
	params := &chaincfg.MainNetParams
	if network == chain.Testnet {
		params = &chaincfg.TestNet3Params
	}
	masterKey, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}
	return &Wallet{
		masterKey: masterKey,
		network:   network,
		cache:     make(map[string]*hdkeychain.ExtendedKey),
	}, nil
}

// Network returns the wallet's network (mainnet/testnet).
func (w *Wallet) Network() chain.Network {
	return w.network
}

// DeriveKey derives the key at m/purpose'/coin'/account'/change/index.
func (w *Wallet) DeriveKey(purpose, coinType, account, change, index uint32) (*hdkeychain.ExtendedKey, error) {
	path := DerivationPath(purpose, coinType, account, change, index)

	w.mu.Lock()
	defer w.mu.Unlock()
	if key, ok := w.cache[path]; ok {
		return key, nil
	}

	key := w.masterKey
	steps := []struct {
		name  string
		child uint32
	}{
		{"purpose", hdkeychain.HardenedKeyStart + purpose},
		{"coin", hdkeychain.HardenedKeyStart + coinType},
		{"account", hdkeychain.HardenedKeyStart + account},
		{"change", change},
		{"index", index},
	}
	for _, step := range steps {
		next, err := key.Derive(step.child)
		if err != nil {
			return nil, fmt.Errorf("failed to derive %s: %w", step.name, err)
		}
		key = next
	}

	w.cache[path] = key
	return key, nil
}

// Purpose returns the derivation purpose used for a chain: BIP84 for
// segwit UTXO chains, BIP44 for everything else.
func Purpose(params *chain.Params) uint32 {
	if params.Family == chain.FamilyUTXO && params.Bech32HRP != "" {
		return PurposeBIP84
	}
	return PurposeBIP44
}

// SigningKey returns the key the adapter for symbol signs with.
func (w *Wallet) SigningKey(symbol string, account uint32) (*btcec.PrivateKey, error) {
	params, ok := chain.Get(symbol, w.network)
	if !ok {
		return nil, fmt.Errorf("unsupported chain: %s", symbol)
	}
	key, err := w.DeriveKey(Purpose(params), params.CoinType, account, 0, 0)
	if err != nil {
		return nil, err
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}
	return priv, nil
}

// EVMKey returns SigningKey in the form go-ethereum signs with.
func (w *Wallet) EVMKey(symbol string, account uint32) (*ecdsa.PrivateKey, error) {
	priv, err := w.SigningKey(symbol, account)
	if err != nil {
		return nil, err
	}
	return priv.ToECDSA(), nil
}

// Participant returns the hex compressed public key that identifies this
// wallet as an order maker or taker on symbol.
func (w *Wallet) Participant(symbol string, account uint32) (string, error) {
	priv, err := w.SigningKey(symbol, account)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(priv.PubKey().SerializeCompressed()), nil
}

// DerivationPath formats a BIP32 path.
func DerivationPath(purpose, coinType, account, change, index uint32) string {
	return fmt.Sprintf("m/%d'/%d'/%d'/%d/%d", purpose, coinType, account, change, index)
}
