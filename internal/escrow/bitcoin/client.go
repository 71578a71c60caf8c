// Package bitcoin implements escrow.Client for segwit Bitcoin-family chains
// with a P2WSH hash-time-locked script. Chain data comes from an
// Esplora-compatible backend.
package bitcoin

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/xswap/internal/backend"
	"github.com/klingon-exchange/xswap/internal/chain"
	"github.com/klingon-exchange/xswap/internal/escrow"
	"github.com/klingon-exchange/xswap/internal/wallet"
	"github.com/klingon-exchange/xswap/pkg/logging"
)

// Config holds adapter settings for one chain.
type Config struct {
	Chain   string
	Network chain.Network
	// FeeRate in sat/vB. Zero uses the backend's half-hour estimate.
	FeeRate      uint64
	PollInterval time.Duration
	ReportDepth  uint32
}

// Client is the escrow adapter for one Bitcoin-family chain.
type Client struct {
	cfg     Config
	params  *chain.Params
	net     *chaincfg.Params
	backend backend.Backend
	key     *btcec.PrivateKey
	log     *logging.Logger

	// walletScript is the P2WPKH script of key, used for funding inputs,
	// change and spend outputs.
	walletScript []byte
}

var _ escrow.Client = (*Client)(nil)

// New creates an adapter. key may be nil for a watch-only client.
func New(cfg Config, b backend.Backend, key *btcec.PrivateKey) (*Client, error) {
	params, ok := chain.Get(cfg.Chain, cfg.Network)
	if !ok {
		return nil, fmt.Errorf("unknown chain %s/%s", cfg.Chain, cfg.Network)
	}
	if params.Family != chain.FamilyUTXO || params.Bech32HRP == "" {
		return nil, fmt.Errorf("%s has no segwit HTLC support: %w", cfg.Chain, escrow.ErrUnsupported)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.ReportDepth == 0 {
		cfg.ReportDepth = params.Confirmations + 1
	}

	c := &Client{
		cfg:     cfg,
		params:  params,
		net:     wallet.NetParams(params),
		backend: b,
		key:     key,
		log:     logging.GetDefault().Component("utxo").With("chain", cfg.Chain),
	}
	if key != nil {
		addr, err := wallet.P2WPKHAddress(key.PubKey(), params)
		if err != nil {
			return nil, err
		}
		if c.walletScript, err = txscript.PayToAddrScript(addr); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Chain implements escrow.Client.
func (c *Client) Chain() string { return c.cfg.Chain }

// EscrowRef builds the HTLC script for spec and returns its reference.
// Sender and receiver must be hex compressed public keys.
func (c *Client) EscrowRef(spec escrow.Spec) (string, error) {
	script, err := c.scriptFor(spec)
	if err != nil {
		return "", err
	}
	_, addr, err := witnessScriptHash(script, c.net)
	if err != nil {
		return "", err
	}
	return formatRef(addr, script), nil
}

func (c *Client) scriptFor(spec escrow.Spec) ([]byte, error) {
	if spec.HashAlgo != chain.HashSHA256 {
		return nil, fmt.Errorf("HTLC script verifies sha256, got %q: %w", spec.HashAlgo, escrow.ErrInvalidSpec)
	}
	sender, err := wallet.ParsePubKey(spec.Sender)
	if err != nil {
		return nil, fmt.Errorf("sender: %v: %w", err, escrow.ErrInvalidSpec)
	}
	receiver, err := wallet.ParsePubKey(spec.Receiver)
	if err != nil {
		return nil, fmt.Errorf("receiver: %v: %w", err, escrow.ErrInvalidSpec)
	}
	script, err := BuildScript(Terms{
		Hashlock: spec.Hashlock,
		Receiver: receiver.SerializeCompressed(),
		Sender:   sender.SerializeCompressed(),
		LockTime: spec.Timelock.Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, escrow.ErrInvalidSpec)
	}
	return script, nil
}

// Fund pays spec.Amount into the HTLC from the adapter's wallet address.
// An existing funding output is returned instead of paying twice.
func (c *Client) Fund(ctx context.Context, spec escrow.Spec) (escrow.TxRef, error) {
	if c.key == nil {
		return "", escrow.ErrNotSigner
	}
	script, err := c.scriptFor(spec)
	if err != nil {
		return "", err
	}
	terms, _ := ParseScript(script)
	if !bytes.Equal(terms.Sender, c.key.PubKey().SerializeCompressed()) {
		return "", fmt.Errorf("sender is not the adapter key: %w", escrow.ErrNotSigner)
	}
	if spec.Amount == nil || !spec.Amount.IsUint64() || spec.Amount.Uint64() < dustLimit || spec.Amount.Uint64() > math.MaxInt64 {
		return "", fmt.Errorf("amount %v out of range: %w", spec.Amount, escrow.ErrInvalidSpec)
	}
	amount := spec.Amount.Uint64()

	htlcScript, addr, err := witnessScriptHash(script, c.net)
	if err != nil {
		return "", err
	}
	if existing, err := c.findFunding(ctx, addr.EncodeAddress(), htlcScript); err != nil {
		return "", err
	} else if existing != nil {
		return escrow.TxRef(existing.TxID), nil
	}

	fromAddr, err := wallet.P2WPKHAddress(c.key.PubKey(), c.params)
	if err != nil {
		return "", err
	}
	utxos, err := c.backend.GetAddressUTXOs(ctx, fromAddr.EncodeAddress())
	if err != nil {
		return "", fmt.Errorf("failed to get UTXOs: %w", err)
	}
	feeRate, err := c.feeRate(ctx)
	if err != nil {
		return "", err
	}
	inputs, fee, err := selectUTXOs(utxos, amount, feeRate)
	if err != nil {
		return "", fmt.Errorf("%v: %w", err, escrow.ErrInvalidSpec)
	}

	tx, err := buildFundingTx(c.key, inputs, c.walletScript, htlcScript, amount, fee)
	if err != nil {
		return "", err
	}
	txid, err := c.broadcast(ctx, tx)
	if err != nil {
		return "", err
	}
	c.log.Info("HTLC funding broadcast", "order", spec.OrderID, "address", addr.EncodeAddress(), "tx", txid)
	return escrow.TxRef(txid), nil
}

// Redeem claims the HTLC output with secret.
func (c *Client) Redeem(ctx context.Context, ref string, secret []byte) (escrow.TxRef, error) {
	addr, script, terms, err := parseRef(ref, c.net)
	if err != nil {
		return "", fmt.Errorf("%v: %w", err, escrow.ErrInvalidSpec)
	}
	if h := sha256.Sum256(secret); len(secret) != 32 || !bytes.Equal(h[:], terms.Hashlock) {
		return "", fmt.Errorf("secret does not match hashlock: %w", escrow.ErrInvalidSpec)
	}
	if c.key == nil || !bytes.Equal(terms.Receiver, c.key.PubKey().SerializeCompressed()) {
		return "", fmt.Errorf("receiver is not the adapter key: %w", escrow.ErrNotSigner)
	}

	in, spend, err := c.escrowOutput(ctx, addr, script)
	if err != nil {
		return "", err
	}
	if spend != nil {
		if spend.secret != nil {
			return escrow.TxRef(spend.txid), nil
		}
		return "", escrow.ErrAlreadySettled
	}

	feeRate, err := c.feeRate(ctx)
	if err != nil {
		return "", err
	}
	tx, err := buildSpendTx(*in, script, c.walletScript, feeRate*vsizeClaimSpend, 0, wire.MaxTxInSequenceNum)
	if err != nil {
		return "", err
	}
	sig, err := signSpend(tx, *in, script, c.key)
	if err != nil {
		return "", err
	}
	tx.TxIn[0].Witness = claimWitness(sig, secret, script)

	txid, err := c.broadcast(ctx, tx)
	if err != nil {
		return "", err
	}
	c.log.Info("HTLC claim broadcast", "address", addr, "tx", txid)
	return escrow.TxRef(txid), nil
}

// Refund returns the HTLC output to the sender once the locktime passed.
func (c *Client) Refund(ctx context.Context, ref string) (escrow.TxRef, error) {
	addr, script, terms, err := parseRef(ref, c.net)
	if err != nil {
		return "", fmt.Errorf("%v: %w", err, escrow.ErrInvalidSpec)
	}
	if c.key == nil || !bytes.Equal(terms.Sender, c.key.PubKey().SerializeCompressed()) {
		return "", fmt.Errorf("sender is not the adapter key: %w", escrow.ErrNotSigner)
	}

	in, spend, err := c.escrowOutput(ctx, addr, script)
	if err != nil {
		return "", err
	}
	if spend != nil {
		if spend.secret == nil {
			return escrow.TxRef(spend.txid), nil
		}
		return "", escrow.ErrAlreadySettled
	}

	feeRate, err := c.feeRate(ctx)
	if err != nil {
		return "", err
	}
	// A non-final sequence enables the locktime check.
	tx, err := buildSpendTx(*in, script, c.walletScript, feeRate*vsizeRefundSpend, uint32(terms.LockTime), wire.MaxTxInSequenceNum-1)
	if err != nil {
		return "", err
	}
	sig, err := signSpend(tx, *in, script, c.key)
	if err != nil {
		return "", err
	}
	tx.TxIn[0].Witness = refundWitness(sig, script)

	txid, err := c.broadcast(ctx, tx)
	if err != nil {
		return "", err
	}
	c.log.Info("HTLC refund broadcast", "address", addr, "tx", txid)
	return escrow.TxRef(txid), nil
}

// QueryState reports the HTLC output and how it was spent.
func (c *Client) QueryState(ctx context.Context, ref string) (*escrow.OnChainState, error) {
	addr, script, terms, err := parseRef(ref, c.net)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, escrow.ErrInvalidSpec)
	}
	state := &escrow.OnChainState{
		Status:   escrow.StatusEmpty,
		Hashlock: terms.Hashlock,
		Timelock: time.Unix(terms.LockTime, 0),
	}

	htlcScript, _, err := witnessScriptHash(script, c.net)
	if err != nil {
		return nil, err
	}
	f, err := c.findFunding(ctx, addr, htlcScript)
	if err != nil || f == nil {
		return state, err
	}
	state.Status = escrow.StatusActive
	state.FundingTx = escrow.TxRef(f.TxID)
	state.Confirmations = f.confirmations
	state.Amount = big.NewInt(f.Value)

	spend, err := c.spendOf(ctx, f.outpoint)
	if err != nil {
		return nil, err
	}
	if spend != nil {
		state.SettlementTx = escrow.TxRef(spend.txid)
		state.Status = escrow.StatusRefunded
		if spend.secret != nil {
			state.Status = escrow.StatusRedeemed
		}
	}
	return state, nil
}

// Subscribe polls the backend for the HTLC's funding and spend and reports
// each until it is ReportDepth deep.
func (c *Client) Subscribe(ctx context.Context, ref string) (<-chan escrow.RawEvent, error) {
	addr, script, _, err := parseRef(ref, c.net)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, escrow.ErrInvalidSpec)
	}
	htlcScript, _, err := witnessScriptHash(script, c.net)
	if err != nil {
		return nil, err
	}

	out := make(chan escrow.RawEvent, 8)
	go func() {
		defer close(out)
		reported := make(map[string]uint32)
		ticker := time.NewTicker(c.cfg.PollInterval)
		defer ticker.Stop()

		for {
			if err := c.poll(ctx, addr, htlcScript, reported, out); err != nil && ctx.Err() == nil {
				c.log.Debug("HTLC poll failed", "address", addr, "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}

func (c *Client) poll(ctx context.Context, addr string, htlcScript []byte, reported map[string]uint32, out chan<- escrow.RawEvent) error {
	f, err := c.findFunding(ctx, addr, htlcScript)
	if err != nil || f == nil {
		return err
	}

	events := []escrow.RawEvent{{
		Type:          escrow.EventFunded,
		TxRef:         escrow.TxRef(f.TxID),
		Height:        uint64(f.height),
		Confirmations: f.confirmations,
	}}

	spend, err := c.spendOf(ctx, f.outpoint)
	if err != nil {
		return err
	}
	if spend != nil {
		ev := escrow.RawEvent{
			Type:          escrow.EventRefunded,
			TxRef:         escrow.TxRef(spend.txid),
			Height:        uint64(spend.height),
			Confirmations: spend.confirmations,
		}
		if spend.secret != nil {
			ev.Type = escrow.EventRedeemed
			ev.Secret = spend.secret
		}
		events = append(events, ev)
	}

	for _, ev := range events {
		key := string(ev.TxRef) + "/" + string(ev.Type)
		if last, seen := reported[key]; seen && (ev.Confirmations <= last || last >= c.cfg.ReportDepth) {
			continue
		}
		reported[key] = ev.Confirmations
		ev.ObservedAt = time.Now()
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// ConfirmationsOf returns the depth of tx; 0 while unconfirmed or unknown.
func (c *Client) ConfirmationsOf(ctx context.Context, tx escrow.TxRef) (uint32, error) {
	t, err := c.backend.GetTransaction(ctx, string(tx))
	if errors.Is(err, backend.ErrTxNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get transaction: %w", err)
	}
	return clampConfirmations(t.Confirmations), nil
}

// ExtractSecret reads the preimage from the claim witness of tx.
func (c *Client) ExtractSecret(ctx context.Context, tx escrow.TxRef) ([]byte, error) {
	t, err := c.backend.GetTransaction(ctx, string(tx))
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	for _, in := range t.Inputs {
		if secret := secretFromWitness(decodeWitness(in.Witness)); secret != nil {
			return secret, nil
		}
	}
	return nil, escrow.ErrNoSecret
}

// funding is the HTLC output as seen on chain.
type funding struct {
	outpoint
	confirmations uint32
	height        int64
}

// spend describes the transaction that consumed the HTLC output.
type spend struct {
	txid          string
	secret        []byte
	confirmations uint32
	height        int64
}

// findFunding returns the deepest output paying htlcScript, or nil.
func (c *Client) findFunding(ctx context.Context, addr string, htlcScript []byte) (*funding, error) {
	txs, err := c.backend.GetAddressTxs(ctx, addr)
	if errors.Is(err, backend.ErrTxNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get address transactions: %w", err)
	}

	scriptHex := fmt.Sprintf("%x", htlcScript)
	var best *funding
	for _, tx := range txs {
		for vout, o := range tx.Outputs {
			if o.ScriptPubKey != scriptHex {
				continue
			}
			f := &funding{
				outpoint: outpoint{
					TxID:     tx.TxID,
					Vout:     uint32(vout),
					Value:    int64(o.Value),
					PkScript: htlcScript,
				},
				confirmations: clampConfirmations(tx.Confirmations),
				height:        tx.BlockHeight,
			}
			if best == nil || f.confirmations > best.confirmations {
				best = f
			}
		}
	}
	return best, nil
}

// spendOf returns the transaction spending op, or nil while unspent.
func (c *Client) spendOf(ctx context.Context, op outpoint) (*spend, error) {
	out, err := c.backend.GetOutSpend(ctx, op.TxID, op.Vout)
	if err != nil {
		return nil, fmt.Errorf("failed to get outspend: %w", err)
	}
	if !out.Spent {
		return nil, nil
	}

	tx, err := c.backend.GetTransaction(ctx, out.TxID)
	if err != nil {
		return nil, fmt.Errorf("failed to get spending transaction: %w", err)
	}
	s := &spend{
		txid:          out.TxID,
		confirmations: clampConfirmations(tx.Confirmations),
		height:        tx.BlockHeight,
	}
	if int(out.Vin) < len(tx.Inputs) {
		s.secret = secretFromWitness(decodeWitness(tx.Inputs[out.Vin].Witness))
	}
	return s, nil
}

func (c *Client) escrowOutput(ctx context.Context, addr string, script []byte) (*outpoint, *spend, error) {
	htlcScript, _, err := witnessScriptHash(script, c.net)
	if err != nil {
		return nil, nil, err
	}
	f, err := c.findFunding(ctx, addr, htlcScript)
	if err != nil {
		return nil, nil, err
	}
	if f == nil {
		return nil, nil, escrow.ErrNotFound
	}
	s, err := c.spendOf(ctx, f.outpoint)
	if err != nil {
		return nil, nil, err
	}
	return &f.outpoint, s, nil
}

func (c *Client) feeRate(ctx context.Context) (uint64, error) {
	if c.cfg.FeeRate > 0 {
		return c.cfg.FeeRate, nil
	}
	fees, err := c.backend.GetFeeEstimates(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get fee estimates: %w", err)
	}
	return max(fees.HalfHourFee, fees.MinimumFee, 1), nil
}

func (c *Client) broadcast(ctx context.Context, tx *wire.MsgTx) (string, error) {
	raw, err := serializeTx(tx)
	if err != nil {
		return "", err
	}
	txid, err := c.backend.BroadcastTransaction(ctx, raw)
	if err != nil {
		// Nodes judge CLTV against median time past, which trails the
		// wall clock by about an hour.
		if strings.Contains(err.Error(), "non-final") {
			return "", fmt.Errorf("%w: %v", escrow.ErrUnavailable, err)
		}
		return "", err
	}
	return txid, nil
}

func clampConfirmations(n int64) uint32 {
	if n <= 0 {
		return 0
	}
	if n > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(n)
}
