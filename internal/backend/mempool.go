package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klingon-exchange/xswap/internal/retry"
)

// MempoolBackend implements Backend using the mempool.space API.
// Compatible with mempool.space, litecoinspace.org, and self-hosted instances.
type MempoolBackend struct {
	baseURL    string
	httpClient *http.Client
}

// NewMempoolBackend creates a new mempool.space backend.
func NewMempoolBackend(baseURL string, timeout time.Duration) *MempoolBackend {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &MempoolBackend{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Type returns TypeMempool.
func (m *MempoolBackend) Type() Type {
	return TypeMempool
}

// GetAddressUTXOs returns unspent outputs for an address.
func (m *MempoolBackend) GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	var result []struct {
		TxID   string `json:"txid"`
		Vout   uint32 `json:"vout"`
		Status struct {
			Confirmed   bool  `json:"confirmed"`
			BlockHeight int64 `json:"block_height"`
		} `json:"status"`
		Value uint64 `json:"value"`
	}
	if err := m.get(ctx, "/address/"+address+"/utxo", &result); err != nil {
		return nil, err
	}

	height, err := m.GetBlockHeight(ctx)
	if err != nil {
		height = 0
	}

	utxos := make([]UTXO, len(result))
	for i, u := range result {
		utxos[i] = UTXO{
			TxID:          u.TxID,
			Vout:          u.Vout,
			Amount:        u.Value,
			BlockHeight:   u.Status.BlockHeight,
			Confirmations: confirmations(u.Status.Confirmed, u.Status.BlockHeight, height),
		}
	}
	return utxos, nil
}

// GetAddressTxs returns the most recent transactions touching an address.
func (m *MempoolBackend) GetAddressTxs(ctx context.Context, address string) ([]Transaction, error) {
	var result []mempoolTx
	if err := m.get(ctx, "/address/"+address+"/txs", &result); err != nil {
		return nil, err
	}
	height, err := m.GetBlockHeight(ctx)
	if err != nil {
		height = 0
	}
	return convertTxs(result, height), nil
}

// GetTransaction returns a transaction by ID.
func (m *MempoolBackend) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	var result mempoolTx
	if err := m.get(ctx, "/tx/"+txID, &result); err != nil {
		return nil, err
	}
	height, err := m.GetBlockHeight(ctx)
	if err != nil {
		height = 0
	}
	return &convertTxs([]mempoolTx{result}, height)[0], nil
}

// GetOutSpend reports the spending status of one output.
func (m *MempoolBackend) GetOutSpend(ctx context.Context, txID string, vout uint32) (*OutSpend, error) {
	var result struct {
		Spent  bool   `json:"spent"`
		TxID   string `json:"txid"`
		Vin    uint32 `json:"vin"`
		Status struct {
			Confirmed   bool  `json:"confirmed"`
			BlockHeight int64 `json:"block_height"`
		} `json:"status"`
	}
	if err := m.get(ctx, fmt.Sprintf("/tx/%s/outspend/%d", txID, vout), &result); err != nil {
		return nil, err
	}
	return &OutSpend{
		Spent:       result.Spent,
		TxID:        result.TxID,
		Vin:         result.Vin,
		Confirmed:   result.Status.Confirmed,
		BlockHeight: result.Status.BlockHeight,
	}, nil
}

// BroadcastTransaction broadcasts a raw transaction and returns its txid.
func (m *MempoolBackend) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/tx", strings.NewReader(rawTxHex))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrBroadcastFailed, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %w", ErrBroadcastFailed, &retry.StatusError{StatusCode: resp.StatusCode, Body: string(body)})
	}
	return strings.TrimSpace(string(body)), nil
}

// GetBlockHeight returns the current block height.
func (m *MempoolBackend) GetBlockHeight(ctx context.Context) (int64, error) {
	var height int64
	if err := m.get(ctx, "/blocks/tip/height", &height); err != nil {
		return 0, err
	}
	return height, nil
}

// GetFeeEstimates returns fee estimates for different confirmation targets.
func (m *MempoolBackend) GetFeeEstimates(ctx context.Context) (*FeeEstimate, error) {
	var result map[string]float64
	if err := m.get(ctx, "/v1/fees/recommended", &result); err != nil {
		return nil, err
	}
	return &FeeEstimate{
		FastestFee:  uint64(result["fastestFee"]),
		HalfHourFee: uint64(result["halfHourFee"]),
		HourFee:     uint64(result["hourFee"]),
		EconomyFee:  uint64(result["economyFee"]),
		MinimumFee:  uint64(result["minimumFee"]),
	}, nil
}

// get performs a GET request and decodes the JSON response.
func (m *MempoolBackend) get(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+path, nil)
	if err != nil {
		return err
	}
	// Avoid stale CDN responses
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", path, ErrTxNotFound)
	case http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		body, _ := io.ReadAll(resp.Body)
		return &retry.StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	return json.NewDecoder(resp.Body).Decode(result)
}

func confirmations(confirmed bool, blockHeight, tip int64) int64 {
	switch {
	case !confirmed || blockHeight <= 0:
		return 0
	case tip >= blockHeight:
		return tip - blockHeight + 1
	default:
		return 1
	}
}

// mempoolTx is the mempool.space transaction format.
type mempoolTx struct {
	TxID     string `json:"txid"`
	LockTime uint32 `json:"locktime"`
	Fee      uint64 `json:"fee"`
	Status   struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
		BlockTime   int64 `json:"block_time"`
	} `json:"status"`
	Vin []struct {
		TxID     string    `json:"txid"`
		Vout     uint32    `json:"vout"`
		Witness  []string  `json:"witness"`
		Sequence uint32    `json:"sequence"`
		Prevout  *TxOutput `json:"prevout"`
	} `json:"vin"`
	Vout []TxOutput `json:"vout"`
}

func convertTxs(mTxs []mempoolTx, tip int64) []Transaction {
	txs := make([]Transaction, len(mTxs))
	for i, mt := range mTxs {
		tx := Transaction{
			TxID:          mt.TxID,
			LockTime:      mt.LockTime,
			Fee:           mt.Fee,
			Confirmed:     mt.Status.Confirmed,
			BlockHeight:   mt.Status.BlockHeight,
			BlockTime:     mt.Status.BlockTime,
			Confirmations: confirmations(mt.Status.Confirmed, mt.Status.BlockHeight, tip),
			Inputs:        make([]TxInput, len(mt.Vin)),
			Outputs:       append([]TxOutput(nil), mt.Vout...),
		}
		for j, vin := range mt.Vin {
			tx.Inputs[j] = TxInput{
				TxID:     vin.TxID,
				Vout:     vin.Vout,
				Witness:  vin.Witness,
				Sequence: vin.Sequence,
				PrevOut:  vin.Prevout,
			}
		}
		txs[i] = tx
	}
	return txs
}

var _ Backend = (*MempoolBackend)(nil)
