package wallet

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/klingon-exchange/xswap/internal/chain"
)

// NetParams builds the btcd network parameters for a Bitcoin-family chain.
// btcd only ships Bitcoin's, so other chains start from a copy with their
// own address prefixes.
func NetParams(params *chain.Params) *chaincfg.Params {
	if params.Symbol == "BTC" {
		if params.Bech32HRP == "bc" {
			return &chaincfg.MainNetParams
		}
		return &chaincfg.TestNet3Params
	}

	net := chaincfg.MainNetParams
	if strings.HasPrefix(params.Bech32HRP, "t") {
		net = chaincfg.TestNet3Params
	}
	net.Name = strings.ToLower(params.Name)
	net.Bech32HRPSegwit = params.Bech32HRP
	net.PubKeyHashAddrID = params.PubKeyHashAddrID
	net.ScriptHashAddrID = params.ScriptHashAddrID
	return &net
}

// ParsePubKey decodes a participant identity: a hex compressed secp256k1
// public key with optional 0x prefix.
func ParsePubKey(s string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid public key hex: %w", err)
	}
	if len(raw) != btcec.PubKeyBytesLenCompressed {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", btcec.PubKeyBytesLenCompressed, len(raw))
	}
	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	return pub, nil
}

// P2WPKHAddress derives a native segwit address (bc1q..., ltc1q...).
func P2WPKHAddress(pub *btcec.PublicKey, params *chain.Params) (btcutil.Address, error) {
	if params.Bech32HRP == "" {
		return nil, fmt.Errorf("%s has no segwit encoding", params.Symbol)
	}
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), NetParams(params))
	if err != nil {
		return nil, fmt.Errorf("failed to create P2WPKH address: %w", err)
	}
	return addr, nil
}

// EVMAddress returns the checksummed EVM address of a public key.
func EVMAddress(pub *btcec.PublicKey) string {
	return crypto.PubkeyToAddress(*pub.ToECDSA()).Hex()
}
