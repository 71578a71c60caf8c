package backend

import (
	"context"
	"time"
)

// EsploraBackend implements Backend using the Esplora API (blockstream.info).
// It differs from mempool.space only in fee estimation.
type EsploraBackend struct {
	*MempoolBackend
}

// NewEsploraBackend creates a new Esplora backend.
func NewEsploraBackend(baseURL string, timeout time.Duration) *EsploraBackend {
	return &EsploraBackend{MempoolBackend: NewMempoolBackend(baseURL, timeout)}
}

// Type returns TypeEsplora.
func (e *EsploraBackend) Type() Type {
	return TypeEsplora
}

// GetFeeEstimates maps Esplora's confirmation-target table onto FeeEstimate.
func (e *EsploraBackend) GetFeeEstimates(ctx context.Context) (*FeeEstimate, error) {
	var result map[string]float64
	if err := e.get(ctx, "/fee-estimates", &result); err != nil {
		return nil, err
	}
	return &FeeEstimate{
		FastestFee:  uint64(result["1"]),
		HalfHourFee: uint64(result["3"]),
		HourFee:     uint64(result["6"]),
		EconomyFee:  uint64(result["144"]),
		MinimumFee:  1,
	}, nil
}

var _ Backend = (*EsploraBackend)(nil)
