package bitcoin

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/xswap/internal/backend"
)

// dustLimit is the smallest output the adapter creates.
const dustLimit = 546

// Virtual size estimates, in vbytes.
const (
	vsizeOverhead    = 11
	vsizeP2WPKHIn    = 68
	vsizeP2WSHOut    = 43
	vsizeP2WPKHOut   = 31
	vsizeClaimSpend  = 10 + 41 + 31 + 52
	vsizeRefundSpend = 10 + 41 + 31 + 44
)

var errInsufficientFunds = errors.New("insufficient funds")

// outpoint is one spendable output with its script and value.
type outpoint struct {
	TxID     string
	Vout     uint32
	Value    int64
	PkScript []byte
}

// selectUTXOs picks the largest outputs first until amount plus fee is
// covered. It returns the selection and the fee for a tx with change.
func selectUTXOs(utxos []backend.UTXO, amount, feeRate uint64) ([]backend.UTXO, uint64, error) {
	sorted := append([]backend.UTXO(nil), utxos...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Amount > sorted[j].Amount })

	var selected []backend.UTXO
	var total uint64
	for _, u := range sorted {
		selected = append(selected, u)
		total += u.Amount
		fee := feeRate * uint64(vsizeOverhead+vsizeP2WSHOut+vsizeP2WPKHOut+vsizeP2WPKHIn*len(selected))
		if total >= amount+fee {
			return selected, fee, nil
		}
	}
	return nil, 0, fmt.Errorf("%w: need %d plus fees, have %d", errInsufficientFunds, amount, total)
}

// buildFundingTx pays amount to htlcScript from P2WPKH inputs owned by key
// and returns the signed transaction.
func buildFundingTx(key *btcec.PrivateKey, inputs []backend.UTXO, walletScript, htlcScript []byte, amount, fee uint64) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(2)
	prevOuts := txscript.NewMultiPrevOutFetcher(make(map[wire.OutPoint]*wire.TxOut))

	var total uint64
	for _, u := range inputs {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, fmt.Errorf("invalid utxo txid %s: %w", u.TxID, err)
		}
		op := wire.NewOutPoint(hash, u.Vout)
		tx.AddTxIn(wire.NewTxIn(op, nil, nil))
		prevOuts.AddPrevOut(*op, wire.NewTxOut(int64(u.Amount), walletScript))
		total += u.Amount
	}
	if total < amount+fee {
		return nil, fmt.Errorf("%w: inputs %d < %d", errInsufficientFunds, total, amount+fee)
	}

	tx.AddTxOut(wire.NewTxOut(int64(amount), htlcScript))
	if change := total - amount - fee; change >= dustLimit {
		tx.AddTxOut(wire.NewTxOut(int64(change), walletScript))
	}

	sigHashes := txscript.NewTxSigHashes(tx, prevOuts)
	for i, u := range inputs {
		witness, err := txscript.WitnessSignature(tx, sigHashes, i, int64(u.Amount), walletScript, txscript.SigHashAll, key, true)
		if err != nil {
			return nil, fmt.Errorf("failed to sign input %d: %w", i, err)
		}
		tx.TxIn[i].Witness = witness
	}
	return tx, nil
}

// buildSpendTx spends the HTLC output to destScript. lockTime and sequence
// are set for the refund path; the claim path passes zero and
// wire.MaxTxInSequenceNum.
func buildSpendTx(in outpoint, witnessScript, destScript []byte, fee uint64, lockTime, sequence uint32) (*wire.MsgTx, error) {
	if uint64(in.Value) <= fee+dustLimit {
		return nil, fmt.Errorf("%w: escrow %d cannot pay fee %d", errInsufficientFunds, in.Value, fee)
	}

	hash, err := chainhash.NewHashFromStr(in.TxID)
	if err != nil {
		return nil, fmt.Errorf("invalid funding txid %s: %w", in.TxID, err)
	}

	tx := wire.NewMsgTx(2)
	tx.LockTime = lockTime
	txIn := wire.NewTxIn(wire.NewOutPoint(hash, in.Vout), nil, nil)
	txIn.Sequence = sequence
	tx.AddTxIn(txIn)
	tx.AddTxOut(wire.NewTxOut(in.Value-int64(fee), destScript))
	return tx, nil
}

// signSpend returns the DER signature plus sighash byte for input 0 of a
// transaction spending a P2WSH output.
func signSpend(tx *wire.MsgTx, in outpoint, witnessScript []byte, key *btcec.PrivateKey) ([]byte, error) {
	fetcher := txscript.NewCannedPrevOutputFetcher(in.PkScript, in.Value)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	hash, err := txscript.CalcWitnessSigHash(witnessScript, sigHashes, txscript.SigHashAll, tx, 0, in.Value)
	if err != nil {
		return nil, fmt.Errorf("failed to compute sighash: %w", err)
	}
	sig := btcecdsa.Sign(key, hash)
	return append(sig.Serialize(), byte(txscript.SigHashAll)), nil
}

func serializeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("failed to serialize tx: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

func decodeWitness(items []string) [][]byte {
	out := make([][]byte, 0, len(items))
	for _, item := range items {
		b, err := hex.DecodeString(item)
		if err != nil {
			return nil
		}
		out = append(out, b)
	}
	return out
}
