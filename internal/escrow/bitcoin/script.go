package bitcoin

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// minLockTime is the first value CHECKLOCKTIMEVERIFY reads as a unix time
// rather than a block height.
const minLockTime = txscript.LockTimeThreshold

// Terms are the parameters committed to by an HTLC script.
type Terms struct {
	Hashlock []byte
	Receiver []byte // 33-byte compressed key, claims with the secret
	Sender   []byte // 33-byte compressed key, refunds after LockTime
	LockTime int64  // unix seconds
}

// BuildScript creates the HTLC witness script:
//
//	OP_IF
//	    OP_SHA256 <hashlock> OP_EQUALVERIFY
//	    <receiver> OP_CHECKSIG
//	OP_ELSE
//	    <locktime> OP_CHECKLOCKTIMEVERIFY OP_DROP
//	    <sender> OP_CHECKSIG
//	OP_ENDIF
func BuildScript(t Terms) ([]byte, error) {
	if len(t.Hashlock) != 32 {
		return nil, fmt.Errorf("hashlock must be 32 bytes, got %d", len(t.Hashlock))
	}
	if len(t.Receiver) != 33 {
		return nil, fmt.Errorf("receiver pubkey must be 33 bytes (compressed), got %d", len(t.Receiver))
	}
	if len(t.Sender) != 33 {
		return nil, fmt.Errorf("sender pubkey must be 33 bytes (compressed), got %d", len(t.Sender))
	}
	if t.LockTime < minLockTime || t.LockTime > 0xFFFFFFFF {
		return nil, fmt.Errorf("locktime %d is not a valid unix time lock", t.LockTime)
	}

	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_IF).
		AddOp(txscript.OP_SHA256).
		AddData(t.Hashlock).
		AddOp(txscript.OP_EQUALVERIFY).
		AddData(t.Receiver).
		AddOp(txscript.OP_CHECKSIG).
		AddOp(txscript.OP_ELSE).
		AddInt64(t.LockTime).
		AddOp(txscript.OP_CHECKLOCKTIMEVERIFY).
		AddOp(txscript.OP_DROP).
		AddData(t.Sender).
		AddOp(txscript.OP_CHECKSIG).
		AddOp(txscript.OP_ENDIF).
		Script()
}

// ParseScript extracts the terms from a script produced by BuildScript.
func ParseScript(script []byte) (*Terms, error) {
	tok := txscript.MakeScriptTokenizer(0, script)
	var t Terms

	expect := func(op byte, name string) error {
		if !tok.Next() || tok.Opcode() != op {
			return fmt.Errorf("expected %s", name)
		}
		return nil
	}
	push := func(size int, name string) ([]byte, error) {
		if !tok.Next() || len(tok.Data()) != size {
			return nil, fmt.Errorf("expected %d-byte %s", size, name)
		}
		return append([]byte(nil), tok.Data()...), nil
	}

	var err error
	if err = expect(txscript.OP_IF, "OP_IF"); err != nil {
		return nil, err
	}
	if err = expect(txscript.OP_SHA256, "OP_SHA256"); err != nil {
		return nil, err
	}
	if t.Hashlock, err = push(32, "hashlock"); err != nil {
		return nil, err
	}
	if err = expect(txscript.OP_EQUALVERIFY, "OP_EQUALVERIFY"); err != nil {
		return nil, err
	}
	if t.Receiver, err = push(33, "receiver pubkey"); err != nil {
		return nil, err
	}
	if err = expect(txscript.OP_CHECKSIG, "OP_CHECKSIG"); err != nil {
		return nil, err
	}
	if err = expect(txscript.OP_ELSE, "OP_ELSE"); err != nil {
		return nil, err
	}

	if !tok.Next() || len(tok.Data()) == 0 || len(tok.Data()) > 5 {
		return nil, fmt.Errorf("expected locktime")
	}
	// Script numbers are little-endian; a trailing zero byte only carries
	// the sign.
	for i, b := range tok.Data() {
		t.LockTime |= int64(b) << (8 * i)
	}

	if err = expect(txscript.OP_CHECKLOCKTIMEVERIFY, "OP_CHECKLOCKTIMEVERIFY"); err != nil {
		return nil, err
	}
	if err = expect(txscript.OP_DROP, "OP_DROP"); err != nil {
		return nil, err
	}
	if t.Sender, err = push(33, "sender pubkey"); err != nil {
		return nil, err
	}
	if err = expect(txscript.OP_CHECKSIG, "OP_CHECKSIG"); err != nil {
		return nil, err
	}
	if err = expect(txscript.OP_ENDIF, "OP_ENDIF"); err != nil {
		return nil, err
	}
	if tok.Next() || tok.Err() != nil {
		return nil, fmt.Errorf("trailing data after OP_ENDIF")
	}
	return &t, nil
}

// witnessScriptHash returns the P2WSH output script and address of script.
func witnessScriptHash(script []byte, net *chaincfg.Params) ([]byte, btcutil.Address, error) {
	hash := sha256.Sum256(script)
	addr, err := btcutil.NewAddressWitnessScriptHash(hash[:], net)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create P2WSH address: %w", err)
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, nil, err
	}
	return pkScript, addr, nil
}

// An escrow reference is "<p2wsh address>:<witness script hex>". The
// script travels with the reference because it cannot be recovered from
// the address before the output is spent.
func formatRef(addr btcutil.Address, script []byte) string {
	return addr.EncodeAddress() + ":" + hex.EncodeToString(script)
}

func parseRef(ref string, net *chaincfg.Params) (string, []byte, *Terms, error) {
	addr, scriptHex, ok := strings.Cut(ref, ":")
	if !ok {
		return "", nil, nil, fmt.Errorf("malformed escrow reference %q", ref)
	}
	script, err := hex.DecodeString(scriptHex)
	if err != nil {
		return "", nil, nil, fmt.Errorf("malformed escrow script: %w", err)
	}
	_, derived, err := witnessScriptHash(script, net)
	if err != nil {
		return "", nil, nil, err
	}
	if derived.EncodeAddress() != addr {
		return "", nil, nil, fmt.Errorf("escrow script does not hash to %s", addr)
	}
	terms, err := ParseScript(script)
	if err != nil {
		return "", nil, nil, err
	}
	return addr, script, terms, nil
}

func claimWitness(sig, secret, script []byte) [][]byte {
	return [][]byte{sig, secret, {0x01}, script}
}

func refundWitness(sig, script []byte) [][]byte {
	return [][]byte{sig, {}, script}
}

// secretFromWitness returns the preimage of a claim witness, or nil for a
// refund.
func secretFromWitness(witness [][]byte) []byte {
	if len(witness) == 4 && bytes.Equal(witness[2], []byte{0x01}) && len(witness[1]) == 32 {
		return witness[1]
	}
	return nil
}
