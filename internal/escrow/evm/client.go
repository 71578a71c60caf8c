// Package evm implements escrow.Client against the HTLC contract deployed on
// EVM chains.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/klingon-exchange/xswap/internal/chain"
	"github.com/klingon-exchange/xswap/internal/escrow"
	"github.com/klingon-exchange/xswap/internal/retry"
	"github.com/klingon-exchange/xswap/pkg/helpers"
	"github.com/klingon-exchange/xswap/pkg/logging"
)

// Backend is the part of the node API the adapter uses. *ethclient.Client
// satisfies it.
type Backend interface {
	bind.ContractBackend
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Config holds adapter settings for one chain.
type Config struct {
	Chain    string
	RPCURL   string
	Contract string
	// ChainID, when set, must match what the node reports.
	ChainID uint64
	// ReportDepth is the confirmation depth after which an event is no
	// longer re-reported by Subscribe.
	ReportDepth  uint32
	PollInterval time.Duration
	// StartBlock bounds log queries. Zero means LookbackBlocks below head.
	StartBlock     uint64
	LookbackBlocks uint64
}

// Client talks to one HTLC contract deployment.
type Client struct {
	cfg      Config
	backend  Backend
	htlc     abi.ABI
	erc20    abi.ABI
	contract *bind.BoundContract
	address  common.Address
	chainID  *big.Int
	key      *ecdsa.PrivateKey
	from     common.Address
	log      *logging.Logger
}

var _ escrow.Client = (*Client)(nil)

// Dial connects to cfg.RPCURL and returns a client. key may be nil for a
// watch-only client.
func Dial(ctx context.Context, cfg Config, key *ecdsa.PrivateKey) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	c, err := New(ctx, cfg, eth, key)
	if err != nil {
		eth.Close()
		return nil, err
	}
	return c, nil
}

// New creates a client on an existing backend.
func New(ctx context.Context, cfg Config, backend Backend, key *ecdsa.PrivateKey) (*Client, error) {
	if !common.IsHexAddress(cfg.Contract) {
		return nil, fmt.Errorf("invalid contract address %q: %w", cfg.Contract, escrow.ErrInvalidSpec)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.LookbackBlocks == 0 {
		cfg.LookbackBlocks = 50_000
	}
	if cfg.ReportDepth == 0 {
		cfg.ReportDepth = 64
	}

	htlc, err := abi.JSON(strings.NewReader(htlcABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTLC ABI: %w", err)
	}
	erc20, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	if cfg.ChainID != 0 && chainID.Uint64() != cfg.ChainID {
		return nil, fmt.Errorf("chain id mismatch: node reports %s, %s expects %d: %w",
			chainID, cfg.Chain, cfg.ChainID, retry.ErrRejected)
	}

	address := common.HexToAddress(cfg.Contract)
	c := &Client{
		cfg:      cfg,
		backend:  backend,
		htlc:     htlc,
		erc20:    erc20,
		contract: bind.NewBoundContract(address, htlc, backend, backend, backend),
		address:  address,
		chainID:  chainID,
		key:      key,
		log:      logging.GetDefault().Component("evm").With("chain", cfg.Chain),
	}
	if key != nil {
		c.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return c, nil
}

// Chain implements escrow.Client.
func (c *Client) Chain() string { return c.cfg.Chain }

// From returns the address the adapter signs with.
func (c *Client) From() common.Address { return c.from }

// EscrowRef derives the contract swap id from the order, chain and terms.
func (c *Client) EscrowRef(spec escrow.Spec) (string, error) {
	if spec.OrderID == "" || len(spec.Hashlock) != 32 {
		return "", fmt.Errorf("order id and 32-byte hashlock required: %w", escrow.ErrInvalidSpec)
	}
	timelock := common.LeftPadBytes(big.NewInt(spec.Timelock.Unix()).Bytes(), 32)
	id := crypto.Keccak256Hash([]byte(spec.Chain), []byte(spec.OrderID), spec.Hashlock, timelock)
	return id.Hex(), nil
}

// parseRef decodes a swap id produced by EscrowRef.
func parseRef(ref string) (common.Hash, error) {
	b, err := helpers.HexToBytes32(ref)
	if err != nil {
		return common.Hash{}, fmt.Errorf("escrow ref %q: %v: %w", ref, err, escrow.ErrInvalidSpec)
	}
	return common.Hash(b), nil
}

// Fund creates the escrow. If the swap id already exists on chain the
// original creation transaction is returned.
func (c *Client) Fund(ctx context.Context, spec escrow.Spec) (escrow.TxRef, error) {
	if spec.HashAlgo != chain.HashSHA256 {
		return "", fmt.Errorf("contract verifies sha256, got %q: %w", spec.HashAlgo, escrow.ErrInvalidSpec)
	}
	if c.key == nil {
		return "", escrow.ErrNotSigner
	}
	if sender, err := resolveAddress(spec.Sender); err == nil && sender != c.from {
		return "", fmt.Errorf("sender %s is not %s: %w", sender.Hex(), c.from.Hex(), escrow.ErrNotSigner)
	}
	receiver, err := resolveAddress(spec.Receiver)
	if err != nil {
		return "", fmt.Errorf("receiver: %v: %w", err, escrow.ErrInvalidSpec)
	}
	if spec.Amount == nil || spec.Amount.Sign() <= 0 {
		return "", fmt.Errorf("amount must be positive: %w", escrow.ErrInvalidSpec)
	}

	ref, err := c.EscrowRef(spec)
	if err != nil {
		return "", err
	}
	id := common.HexToHash(ref)

	existing, err := c.getSwap(ctx, id)
	if err != nil {
		return "", err
	}
	if existing.State != swapEmpty {
		return c.findTx(ctx, id, "SwapCreated")
	}

	var hashlock [32]byte
	copy(hashlock[:], spec.Hashlock)
	timelock := big.NewInt(spec.Timelock.Unix())

	var tx *types.Transaction
	if common.IsHexAddress(spec.Asset) {
		token := common.HexToAddress(spec.Asset)
		if err := c.approve(ctx, token, spec.Amount); err != nil {
			return "", err
		}
		opts, err := c.transactor(ctx)
		if err != nil {
			return "", err
		}
		tx, err = c.contract.Transact(opts, "createSwapERC20", id, receiver, token, spec.Amount, hashlock, timelock)
		if err != nil {
			return "", fmt.Errorf("failed to create ERC20 swap: %w", err)
		}
	} else {
		opts, err := c.transactor(ctx)
		if err != nil {
			return "", err
		}
		opts.Value = spec.Amount
		tx, err = c.contract.Transact(opts, "createSwapNative", id, receiver, hashlock, timelock)
		if err != nil {
			return "", fmt.Errorf("failed to create native swap: %w", err)
		}
	}

	c.log.Info("Escrow funding sent", "order", spec.OrderID, "swap_id", ref, "tx", tx.Hash().Hex())
	return escrow.TxRef(tx.Hash().Hex()), nil
}

func (c *Client) approve(ctx context.Context, token common.Address, amount *big.Int) error {
	opts, err := c.transactor(ctx)
	if err != nil {
		return err
	}
	erc20 := bind.NewBoundContract(token, c.erc20, c.backend, c.backend, c.backend)
	tx, err := erc20.Transact(opts, "approve", c.address, amount)
	if err != nil {
		return fmt.Errorf("failed to approve token: %w", err)
	}
	c.log.Debug("Token approval sent", "token", token.Hex(), "tx", tx.Hash().Hex())
	return nil
}

// Redeem claims the escrow with secret.
func (c *Client) Redeem(ctx context.Context, ref string, secret []byte) (escrow.TxRef, error) {
	if len(secret) != 32 {
		return "", fmt.Errorf("secret must be 32 bytes: %w", escrow.ErrInvalidSpec)
	}
	id, err := parseRef(ref)
	if err != nil {
		return "", err
	}
	s, err := c.getSwap(ctx, id)
	if err != nil {
		return "", err
	}
	switch s.State {
	case swapEmpty:
		return "", escrow.ErrNotFound
	case swapClaimed:
		return c.findTx(ctx, id, "SwapClaimed")
	case swapRefunded:
		return "", escrow.ErrAlreadySettled
	}
	if c.key == nil || s.Receiver != c.from {
		return "", fmt.Errorf("receiver is %s: %w", s.Receiver.Hex(), escrow.ErrNotSigner)
	}

	opts, err := c.transactor(ctx)
	if err != nil {
		return "", err
	}
	var preimage [32]byte
	copy(preimage[:], secret)
	tx, err := c.contract.Transact(opts, "claim", id, preimage)
	if err != nil {
		return "", fmt.Errorf("failed to claim swap: %w", err)
	}
	c.log.Info("Escrow claim sent", "swap_id", ref, "tx", tx.Hash().Hex())
	return escrow.TxRef(tx.Hash().Hex()), nil
}

// Refund returns the escrow to its sender after the timelock.
func (c *Client) Refund(ctx context.Context, ref string) (escrow.TxRef, error) {
	id, err := parseRef(ref)
	if err != nil {
		return "", err
	}
	s, err := c.getSwap(ctx, id)
	if err != nil {
		return "", err
	}
	switch s.State {
	case swapEmpty:
		return "", escrow.ErrNotFound
	case swapRefunded:
		return c.findTx(ctx, id, "SwapRefunded")
	case swapClaimed:
		return "", escrow.ErrAlreadySettled
	}
	if c.key == nil || s.Sender != c.from {
		return "", fmt.Errorf("sender is %s: %w", s.Sender.Hex(), escrow.ErrNotSigner)
	}

	opts, err := c.transactor(ctx)
	if err != nil {
		return "", err
	}
	tx, err := c.contract.Transact(opts, "refund", id)
	if err != nil {
		return "", fmt.Errorf("failed to refund swap: %w", err)
	}
	c.log.Info("Escrow refund sent", "swap_id", ref, "tx", tx.Hash().Hex())
	return escrow.TxRef(tx.Hash().Hex()), nil
}

// QueryState reads the escrow from the contract.
func (c *Client) QueryState(ctx context.Context, ref string) (*escrow.OnChainState, error) {
	id, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	s, err := c.getSwap(ctx, id)
	if err != nil {
		return nil, err
	}

	state := &escrow.OnChainState{
		Amount:   s.Amount,
		Hashlock: append([]byte(nil), s.SecretHash[:]...),
	}
	if s.Timelock != nil {
		state.Timelock = time.Unix(s.Timelock.Int64(), 0)
	}
	switch s.State {
	case swapEmpty:
		state.Status = escrow.StatusEmpty
		return state, nil
	case swapActive:
		state.Status = escrow.StatusActive
	case swapClaimed:
		state.Status = escrow.StatusRedeemed
		state.SettlementTx, _ = c.findTx(ctx, id, "SwapClaimed")
	case swapRefunded:
		state.Status = escrow.StatusRefunded
		state.SettlementTx, _ = c.findTx(ctx, id, "SwapRefunded")
	default:
		return nil, fmt.Errorf("unknown swap state %d: %w", s.State, escrow.ErrContractFault)
	}

	if fundTx, err := c.findTx(ctx, id, "SwapCreated"); err == nil {
		state.FundingTx = fundTx
		state.Confirmations, _ = c.ConfirmationsOf(ctx, fundTx)
	}
	return state, nil
}

// Subscribe polls contract logs for the escrow and reports each event
// until it is ReportDepth deep.
func (c *Client) Subscribe(ctx context.Context, ref string) (<-chan escrow.RawEvent, error) {
	id, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	out := make(chan escrow.RawEvent, 16)

	go func() {
		defer close(out)
		reported := make(map[string]uint32)
		ticker := time.NewTicker(c.cfg.PollInterval)
		defer ticker.Stop()

		for {
			if err := c.poll(ctx, id, reported, out); err != nil && ctx.Err() == nil {
				c.log.Debug("Escrow poll failed", "swap_id", ref, "error", err)
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

func (c *Client) poll(ctx context.Context, id common.Hash, reported map[string]uint32, out chan<- escrow.RawEvent) error {
	head, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return err
	}
	logs, err := c.filter(ctx, id, head)
	if err != nil {
		return err
	}

	for _, lg := range logs {
		if lg.Removed || len(lg.Topics) == 0 || lg.BlockNumber > head {
			continue
		}
		evType, ok := c.eventType(lg.Topics[0])
		if !ok {
			continue
		}
		confs := uint32(head - lg.BlockNumber + 1)
		key := lg.TxHash.Hex() + "/" + string(evType)
		if last, seen := reported[key]; seen && (confs <= last || last >= c.cfg.ReportDepth) {
			continue
		}
		reported[key] = confs

		ev := escrow.RawEvent{
			Type:          evType,
			TxRef:         escrow.TxRef(lg.TxHash.Hex()),
			Height:        lg.BlockNumber,
			Confirmations: confs,
			ObservedAt:    time.Now(),
		}
		if evType == escrow.EventRedeemed {
			ev.Secret, _ = c.decodeSecret(lg)
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// ConfirmationsOf returns the depth of tx; 0 while it is pending.
func (c *Client) ConfirmationsOf(ctx context.Context, tx escrow.TxRef) (uint32, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, common.HexToHash(string(tx)))
	if errors.Is(err, ethereum.NotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get receipt: %w", err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return 0, fmt.Errorf("transaction %s reverted: %w", tx, escrow.ErrInvalidSpec)
	}
	head, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get block number: %w", err)
	}
	mined := receipt.BlockNumber.Uint64()
	if head < mined {
		return 0, nil
	}
	return uint32(head - mined + 1), nil
}

// ExtractSecret reads the secret from the SwapClaimed log of a claim
// transaction.
func (c *Client) ExtractSecret(ctx context.Context, tx escrow.TxRef) ([]byte, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, common.HexToHash(string(tx)))
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}
	claimed := c.htlc.Events["SwapClaimed"].ID
	for _, lg := range receipt.Logs {
		if lg.Address != c.address || len(lg.Topics) == 0 || lg.Topics[0] != claimed {
			continue
		}
		return c.decodeSecret(*lg)
	}
	return nil, escrow.ErrNoSecret
}

func (c *Client) decodeSecret(lg types.Log) ([]byte, error) {
	vals, err := c.htlc.Unpack("SwapClaimed", lg.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode SwapClaimed: %w", err)
	}
	if len(vals) != 1 {
		return nil, escrow.ErrNoSecret
	}
	secret, ok := vals[0].([32]byte)
	if !ok {
		return nil, escrow.ErrNoSecret
	}
	return secret[:], nil
}

func (c *Client) eventType(topic common.Hash) (escrow.EventType, bool) {
	switch topic {
	case c.htlc.Events["SwapCreated"].ID:
		return escrow.EventFunded, true
	case c.htlc.Events["SwapClaimed"].ID:
		return escrow.EventRedeemed, true
	case c.htlc.Events["SwapRefunded"].ID:
		return escrow.EventRefunded, true
	}
	return "", false
}

func (c *Client) getSwap(ctx context.Context, id common.Hash) (*onChainSwap, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getSwap", id); err != nil {
		return nil, fmt.Errorf("failed to get swap: %w", err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("getSwap returned %d values: %w", len(out), escrow.ErrContractFault)
	}
	return abi.ConvertType(out[0], new(onChainSwap)).(*onChainSwap), nil
}

func (c *Client) filter(ctx context.Context, id common.Hash, head uint64) ([]types.Log, error) {
	from := c.cfg.StartBlock
	if from == 0 && head > c.cfg.LookbackBlocks {
		from = head - c.cfg.LookbackBlocks
	}
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		Addresses: []common.Address{c.address},
		Topics: [][]common.Hash{
			{c.htlc.Events["SwapCreated"].ID, c.htlc.Events["SwapClaimed"].ID, c.htlc.Events["SwapRefunded"].ID},
			{id},
		},
	}
	logs, err := c.backend.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to filter logs: %w", err)
	}
	return logs, nil
}

func (c *Client) findTx(ctx context.Context, id common.Hash, event string) (escrow.TxRef, error) {
	head, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get block number: %w", err)
	}
	logs, err := c.filter(ctx, id, head)
	if err != nil {
		return "", err
	}
	topic := c.htlc.Events[event].ID
	for _, lg := range logs {
		if !lg.Removed && len(lg.Topics) > 0 && lg.Topics[0] == topic {
			return escrow.TxRef(lg.TxHash.Hex()), nil
		}
	}
	return "", fmt.Errorf("no %s log for %s: %w", event, helpers.BytesToHex(id[:]), escrow.ErrNotFound)
}

func (c *Client) transactor(ctx context.Context) (*bind.TransactOpts, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	auth.Context = ctx
	return auth, nil
}

// resolveAddress accepts a participant as a hex address or as a hex
// compressed secp256k1 public key.
func resolveAddress(participant string) (common.Address, error) {
	if common.IsHexAddress(participant) {
		return common.HexToAddress(participant), nil
	}
	raw, err := helpers.HexToBytes(participant)
	if err != nil || len(raw) != 33 {
		return common.Address{}, fmt.Errorf("%q is neither an address nor a compressed public key", participant)
	}
	pub, err := crypto.DecompressPubkey(raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
