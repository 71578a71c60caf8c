// Package chain defines the parameters of every chain the swap engine can
// coordinate a leg on. All chain-specific values are hardcoded here; the
// daemon config may only override confirmation depth and hash functions.
package chain

import (
	"sort"
	"time"
)

// Network represents mainnet or testnet.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// Family groups chains that share an escrow model.
type Family string

const (
	FamilyUTXO      Family = "utxo"      // BTC and forks, P2WSH HTLC
	FamilyEVM       Family = "evm"       // HTLC contract
	FamilyTVM       Family = "tvm"       // Tron
	FamilyTON       Family = "ton"       // TON escrow contract
	FamilySolana    Family = "solana"    // Solana escrow program
	FamilySubstrate Family = "substrate" // pallet-atomic-swap
)

// Hash function names understood by the secret vault.
const (
	HashSHA256     = "sha256"
	HashKeccak256  = "keccak256"
	HashBlake2b256 = "blake2b256"
)

// Params contains the parameters of one chain on one network.
type Params struct {
	Symbol   string
	Name     string
	Family   Family
	Decimals uint8

	// CoinType is the BIP44 coin type used when deriving adapter keys.
	CoinType uint32

	// Bitcoin-like address encoding.
	PubKeyHashAddrID byte
	ScriptHashAddrID byte
	Bech32HRP        string

	// ChainID is set for EVM chains.
	ChainID uint64

	// Confirmations is the depth at which a funding, redeem or refund event
	// on this chain is treated as final.
	Confirmations uint32

	// BlockTime is the average block interval.
	BlockTime time.Duration

	// HashAlgos lists the hashlock functions the chain's escrow accepts, in
	// order of preference.
	HashAlgos []string
}

// SupportsHash reports whether the chain's escrow accepts algo.
func (p *Params) SupportsHash(algo string) bool {
	for _, a := range p.HashAlgos {
		if a == algo {
			return true
		}
	}
	return false
}

// FinalityDelay estimates how long it takes an event to reach the required
// confirmation depth.
func (p *Params) FinalityDelay() time.Duration {
	return time.Duration(p.Confirmations) * p.BlockTime
}

var registry = make(map[string]map[Network]*Params)

// Register adds chain params to the registry.
func Register(symbol string, network Network, params *Params) {
	if registry[symbol] == nil {
		registry[symbol] = make(map[Network]*Params)
	}
	registry[symbol][network] = params
}

// Get returns chain params for a symbol and network.
func Get(symbol string, network Network) (*Params, bool) {
	nets, ok := registry[symbol]
	if !ok {
		return nil, false
	}
	params, ok := nets[network]
	return params, ok
}

// List returns all registered chain symbols, sorted.
func List() []string {
	symbols := make([]string, 0, len(registry))
	for symbol := range registry {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// ListByFamily returns all chains of a specific family, sorted.
func ListByFamily(family Family) []string {
	var symbols []string
	for symbol, nets := range registry {
		for _, params := range nets {
			if params.Family == family {
				symbols = append(symbols, symbol)
				break
			}
		}
	}
	sort.Strings(symbols)
	return symbols
}

// IsSupported returns true if the chain is registered.
func IsSupported(symbol string) bool {
	_, ok := registry[symbol]
	return ok
}

// CommonHash returns the first hash function of a's preference list that b
// also accepts. The second return is false when the pair shares none.
func CommonHash(a, b *Params) (string, bool) {
	for _, algo := range a.HashAlgos {
		if b.SupportsHash(algo) {
			return algo, true
		}
	}
	return "", false
}
