// Package escrowtest provides an in-memory escrow.Client for tests.
package escrowtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/klingon-exchange/xswap/internal/escrow"
	"github.com/klingon-exchange/xswap/internal/secret"
)

// Operation names accepted by FailNext and Calls.
const (
	OpFund      = "fund"
	OpRedeem    = "redeem"
	OpRefund    = "refund"
	OpQuery     = "query"
	OpConfs     = "confirmations"
	OpSubscribe = "subscribe"
	OpEscrowRef = "escrow_ref"
)

type record struct {
	spec     escrow.Spec
	status   escrow.Status
	fundTx   escrow.TxRef
	settleTx escrow.TxRef
}

// Client is a programmable escrow.Client. Funding, redeeming and refunding
// mutate in-memory escrows; confirmations only move when the test says so.
type Client struct {
	mu       sync.Mutex
	chain    string
	escrows  map[string]*record
	confs    map[escrow.TxRef]uint32
	secrets  map[escrow.TxRef][]byte
	subs     map[string][]chan escrow.RawEvent
	failures map[string][]error
	calls    map[string]int
	seq      int
}

var _ escrow.Client = (*Client)(nil)

// New creates a fake client for chain.
func New(chain string) *Client {
	return &Client{
		chain:    chain,
		escrows:  make(map[string]*record),
		confs:    make(map[escrow.TxRef]uint32),
		secrets:  make(map[escrow.TxRef][]byte),
		subs:     make(map[string][]chan escrow.RawEvent),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// Chain implements escrow.Client.
func (c *Client) Chain() string { return c.chain }

// FailNext queues errors returned by the next calls of op, one per call.
func (c *Client) FailNext(op string, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[op] = append(c.failures[op], errs...)
}

// Calls returns how many times op was invoked.
func (c *Client) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// SetConfirmations sets the depth of tx.
func (c *Client) SetConfirmations(tx escrow.TxRef, n uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confs[tx] = n
}

// FundingTx returns the funding transaction of ref.
func (c *Client) FundingTx(ref string) escrow.TxRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.escrows[ref]; ok {
		return r.fundTx
	}
	return ""
}

// Emit delivers ev to every subscriber of ref.
func (c *Client) Emit(ref string, ev escrow.RawEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs[ref] {
		ch <- ev
	}
}

// Subscribers returns the number of open subscriptions on ref.
func (c *Client) Subscribers(ref string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs[ref])
}

// RedeemExternally simulates the counterparty redeeming ref with secret.
// It returns the redeem transaction.
func (c *Client) RedeemExternally(ref string, preimage []byte) escrow.TxRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.escrows[ref]
	if !ok {
		r = &record{status: escrow.StatusActive}
		c.escrows[ref] = r
	}
	tx := c.nextTx("redeem")
	r.status = escrow.StatusRedeemed
	r.settleTx = tx
	c.secrets[tx] = append([]byte(nil), preimage...)
	return tx
}

func (c *Client) nextTx(kind string) escrow.TxRef {
	c.seq++
	return escrow.TxRef(fmt.Sprintf("%s-%s-%d", c.chain, kind, c.seq))
}

// called records a call and pops a queued failure. Caller holds c.mu.
func (c *Client) called(op string) error {
	c.calls[op]++
	if q := c.failures[op]; len(q) > 0 {
		c.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

// EscrowRef implements escrow.Client.
func (c *Client) EscrowRef(spec escrow.Spec) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.called(OpEscrowRef); err != nil {
		return "", err
	}
	if spec.OrderID == "" {
		return "", escrow.ErrInvalidSpec
	}
	return c.chain + ":" + spec.OrderID, nil
}

// Fund implements escrow.Client. Funding the same escrow twice returns the
// original transaction.
func (c *Client) Fund(ctx context.Context, spec escrow.Spec) (escrow.TxRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.called(OpFund); err != nil {
		return "", err
	}
	ref := c.chain + ":" + spec.OrderID
	if r, ok := c.escrows[ref]; ok && r.fundTx != "" {
		return r.fundTx, nil
	}
	tx := c.nextTx("fund")
	c.escrows[ref] = &record{spec: spec, status: escrow.StatusActive, fundTx: tx}
	c.confs[tx] = 0
	return tx, nil
}

// Redeem implements escrow.Client.
func (c *Client) Redeem(ctx context.Context, ref string, preimage []byte) (escrow.TxRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.called(OpRedeem); err != nil {
		return "", err
	}
	r, ok := c.escrows[ref]
	if !ok {
		return "", escrow.ErrNotFound
	}
	switch r.status {
	case escrow.StatusRedeemed:
		return r.settleTx, nil
	case escrow.StatusRefunded:
		return "", escrow.ErrAlreadySettled
	}
	if r.spec.HashAlgo != "" && !secret.Verify(r.spec.HashAlgo, preimage, r.spec.Hashlock) {
		return "", fmt.Errorf("execution reverted: InvalidSecret")
	}
	tx := c.nextTx("redeem")
	r.status = escrow.StatusRedeemed
	r.settleTx = tx
	c.secrets[tx] = append([]byte(nil), preimage...)
	return tx, nil
}

// Refund implements escrow.Client.
func (c *Client) Refund(ctx context.Context, ref string) (escrow.TxRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.called(OpRefund); err != nil {
		return "", err
	}
	r, ok := c.escrows[ref]
	if !ok {
		return "", escrow.ErrNotFound
	}
	switch r.status {
	case escrow.StatusRefunded:
		return r.settleTx, nil
	case escrow.StatusRedeemed:
		return "", escrow.ErrAlreadySettled
	}
	tx := c.nextTx("refund")
	r.status = escrow.StatusRefunded
	r.settleTx = tx
	return tx, nil
}

// QueryState implements escrow.Client.
func (c *Client) QueryState(ctx context.Context, ref string) (*escrow.OnChainState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.called(OpQuery); err != nil {
		return nil, err
	}
	r, ok := c.escrows[ref]
	if !ok {
		return &escrow.OnChainState{Status: escrow.StatusEmpty}, nil
	}
	return &escrow.OnChainState{
		Status:        r.status,
		Amount:        r.spec.Amount,
		Hashlock:      r.spec.Hashlock,
		Timelock:      r.spec.Timelock,
		FundingTx:     r.fundTx,
		SettlementTx:  r.settleTx,
		Confirmations: c.confs[r.fundTx],
	}, nil
}

// Subscribe implements escrow.Client.
func (c *Client) Subscribe(ctx context.Context, ref string) (<-chan escrow.RawEvent, error) {
	ch := make(chan escrow.RawEvent, 64)
	c.mu.Lock()
	if err := c.called(OpSubscribe); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.subs[ref] = append(c.subs[ref], ch)
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		defer c.mu.Unlock()
		subs := c.subs[ref]
		for i, s := range subs {
			if s == ch {
				c.subs[ref] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

// ConfirmationsOf implements escrow.Client.
func (c *Client) ConfirmationsOf(ctx context.Context, tx escrow.TxRef) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.called(OpConfs); err != nil {
		return 0, err
	}
	n, ok := c.confs[tx]
	if !ok {
		return 0, escrow.ErrNotFound
	}
	return n, nil
}

// ExtractSecret implements escrow.Client.
func (c *Client) ExtractSecret(ctx context.Context, tx escrow.TxRef) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.secrets[tx]
	if !ok {
		return nil, escrow.ErrNoSecret
	}
	return append([]byte(nil), s...), nil
}
