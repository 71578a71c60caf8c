// Package backend provides read access and transaction broadcast for
// Bitcoin-family chains through an Esplora-compatible REST API.
// It never sees private keys; signing happens in the escrow adapter.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/klingon-exchange/xswap/internal/chain"
	"github.com/klingon-exchange/xswap/internal/retry"
)

// Common errors
var (
	ErrTxNotFound         = fmt.Errorf("transaction not found: %w", retry.ErrTransient)
	ErrRateLimited        = fmt.Errorf("rate limited: %w", retry.ErrTransient)
	ErrBroadcastFailed    = errors.New("broadcast failed")
	ErrUnsupportedBackend = errors.New("unsupported backend type")
)

// Type represents the backend API flavour.
type Type string

const (
	TypeMempool Type = "mempool" // mempool.space API
	TypeEsplora Type = "esplora" // blockstream.info API
)

// UTXO represents an unspent transaction output.
type UTXO struct {
	TxID          string `json:"txid"`
	Vout          uint32 `json:"vout"`
	Amount        uint64 `json:"value"`
	Confirmations int64  `json:"confirmations"`
	BlockHeight   int64  `json:"block_height,omitempty"`
}

// Transaction is the subset of a transaction the adapter inspects.
type Transaction struct {
	TxID          string     `json:"txid"`
	LockTime      uint32     `json:"locktime"`
	Fee           uint64     `json:"fee"`
	Confirmed     bool       `json:"confirmed"`
	BlockHeight   int64      `json:"block_height,omitempty"`
	BlockTime     int64      `json:"block_time,omitempty"`
	Confirmations int64      `json:"confirmations"`
	Inputs        []TxInput  `json:"vin"`
	Outputs       []TxOutput `json:"vout"`
}

// TxInput is a transaction input with its spent output when known.
type TxInput struct {
	TxID     string    `json:"txid"`
	Vout     uint32    `json:"vout"`
	Witness  []string  `json:"witness,omitempty"`
	Sequence uint32    `json:"sequence"`
	PrevOut  *TxOutput `json:"prevout,omitempty"`
}

// TxOutput is a transaction output.
type TxOutput struct {
	ScriptPubKey     string `json:"scriptpubkey"`
	ScriptPubKeyAddr string `json:"scriptpubkey_address,omitempty"`
	Value            uint64 `json:"value"`
}

// OutSpend reports whether and by what an output was spent.
type OutSpend struct {
	Spent       bool   `json:"spent"`
	TxID        string `json:"txid,omitempty"`
	Vin         uint32 `json:"vin,omitempty"`
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height,omitempty"`
}

// FeeEstimate contains fee rates in sat/vB for different confirmation targets.
type FeeEstimate struct {
	FastestFee  uint64 `json:"fastest_fee"`
	HalfHourFee uint64 `json:"half_hour_fee"`
	HourFee     uint64 `json:"hour_fee"`
	EconomyFee  uint64 `json:"economy_fee"`
	MinimumFee  uint64 `json:"minimum_fee"`
}

// Backend defines the chain data provider used by the UTXO escrow adapter.
type Backend interface {
	Type() Type

	GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error)
	GetAddressTxs(ctx context.Context, address string) ([]Transaction, error)

	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	GetOutSpend(ctx context.Context, txID string, vout uint32) (*OutSpend, error)
	BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error)

	GetBlockHeight(ctx context.Context) (int64, error)
	GetFeeEstimates(ctx context.Context) (*FeeEstimate, error)
}

// Config contains backend configuration.
type Config struct {
	Type    Type          `yaml:"type"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// DefaultConfig returns the public API endpoint for a chain, or nil if
// none is known.
func DefaultConfig(symbol string, network chain.Network) *Config {
	urls := map[string][2]string{
		"BTC": {"https://mempool.space/api", "https://mempool.space/testnet4/api"},
		"LTC": {"https://litecoinspace.org/api", "https://litecoinspace.org/testnet/api"},
	}
	u, ok := urls[symbol]
	if !ok {
		return nil
	}
	url := u[0]
	if network == chain.Testnet {
		url = u[1]
	}
	return &Config{Type: TypeMempool, URL: url}
}

// New creates a backend from config.
func New(cfg *Config) (Backend, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, fmt.Errorf("%w: missing url", ErrUnsupportedBackend)
	}
	switch cfg.Type {
	case TypeMempool, "":
		return NewMempoolBackend(cfg.URL, cfg.Timeout), nil
	case TypeEsplora:
		return NewEsploraBackend(cfg.URL, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, cfg.Type)
	}
}
