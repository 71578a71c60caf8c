package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/klingon-exchange/xswap/internal/retry"
)

// Version of the daemon
const Version = "0.1.0-dev"

// ========================================
// Node handlers
// ========================================

// NodeInfoResult is the response for node_info.
type NodeInfoResult struct {
	Version       string   `json:"version"`
	Network       string   `json:"network"`
	Chains        []string `json:"chains"`
	Uptime        string   `json:"uptime"`
	DataDir       string   `json:"data_dir,omitempty"`
	WSClients     int      `json:"ws_clients"`
	ActiveWatches int      `json:"active_watches"`
	OpenCircuits  int      `json:"open_circuits"`
}

func (s *Server) nodeInfo(ctx context.Context, params json.RawMessage) (interface{}, error) {
	open := 0
	for _, c := range s.coordinator.Breakers().Snapshot() {
		if c.State != retry.Closed.String() {
			open++
		}
	}
	chains := s.cfg.Chains
	if chains == nil {
		chains = []string{}
	}

	return &NodeInfoResult{
		Version:       Version,
		Network:       string(s.cfg.Network),
		Chains:        chains,
		Uptime:        time.Since(s.started).Round(time.Second).String(),
		DataDir:       s.cfg.DataDir,
		WSClients:     s.wsHub.ClientCount(),
		ActiveWatches: s.coordinator.Monitor().Active(),
		OpenCircuits:  open,
	}, nil
}

// NodeCircuitsResult is the response for node_circuits.
type NodeCircuitsResult struct {
	Circuits []retry.CircuitState `json:"circuits"`
}

func (s *Server) nodeCircuits(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return &NodeCircuitsResult{Circuits: s.coordinator.Breakers().Snapshot()}, nil
}
