// Package rpc provides the JSON-RPC 2.0 and WebSocket API of the swap daemon.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/klingon-exchange/xswap/internal/chain"
	"github.com/klingon-exchange/xswap/internal/swap"
	"github.com/klingon-exchange/xswap/pkg/logging"
)

// Server is a JSON-RPC 2.0 server.
type Server struct {
	coordinator *swap.Coordinator
	cfg         ServerConfig
	log         *logging.Logger
	wsHub       *WSHub
	started     time.Time

	server   *http.Server
	listener net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex
}

// ServerConfig holds what the handlers need besides the coordinator.
type ServerConfig struct {
	Network chain.Network
	DataDir string
	// Chains lists the chains with a configured escrow client.
	Chains []string
	// AllowedOrigins limits CORS and WebSocket origins. Empty allows all.
	AllowedOrigins []string
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603

	// SwapError is returned for every rejected swap operation. The stable
	// swap code is in error.data.code.
	SwapError = -32000
)

// SwapErrorData is the data member of a SwapError.
type SwapErrorData struct {
	Code   swap.Code `json:"code"`
	Reason string    `json:"reason"`
}

// paramsError marks a request whose params could not be decoded.
type paramsError struct {
	err error
}

func (e *paramsError) Error() string { return e.err.Error() }
func (e *paramsError) Unwrap() error { return e.err }

func invalidParams(format string, args ...interface{}) error {
	return &paramsError{err: fmt.Errorf(format, args...)}
}

// NewServer creates a new JSON-RPC server.
func NewServer(coord *swap.Coordinator, cfg ServerConfig) *Server {
	s := &Server{
		coordinator: coord,
		cfg:         cfg,
		log:         logging.GetDefault().Component("rpc"),
		wsHub:       NewWSHub(),
		started:     time.Now(),
		handlers:    make(map[string]Handler),
	}

	// Register handlers
	s.registerHandlers()

	coord.OnEvent(s.forwardEvent)
	return s
}

// registerHandlers registers all JSON-RPC method handlers.
func (s *Server) registerHandlers() {
	// Node methods
	s.handlers["node_info"] = s.nodeInfo
	s.handlers["node_circuits"] = s.nodeCircuits

	// Swap methods
	s.handlers["swap_create"] = s.swapCreate
	s.handlers["swap_fundLeg"] = s.swapFundLeg
	s.handlers["swap_revealSecret"] = s.swapRevealSecret
	s.handlers["swap_refund"] = s.swapRefund
	s.handlers["swap_partialFill"] = s.swapPartialFill
	s.handlers["swap_status"] = s.swapStatus
	s.handlers["swap_list"] = s.swapList
	s.handlers["swap_sweep"] = s.swapSweep
}

// Handler returns the HTTP handler serving JSON-RPC on / and WebSocket on
// /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("OPTIONS /", s.handleCORS)
	mux.HandleFunc("GET /ws", s.handleWS)
	return s.corsMiddleware(mux)
}

// Start starts the RPC server.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	go s.wsHub.Run()

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("RPC server started", "addr", listener.Addr().String(), "ws", "ws://"+listener.Addr().String()+"/ws")
	return nil
}

// Addr returns the listen address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops the RPC server.
func (s *Server) Stop() error {
	s.wsHub.Stop()
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// forwardEvent pushes coordinator events to WebSocket clients.
func (s *Server) forwardEvent(ev swap.SwapEvent) {
	s.wsHub.Broadcast(EventSwapStatus, &SwapStatusEvent{
		Event:   ev.EventType,
		OrderID: ev.OrderID,
		Order:   ev.Data,
	})
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "Parse error", nil)
		return
	}

	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "Invalid Request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "Method not found", req.Method)
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		var se *swap.Error
		var pe *paramsError
		switch {
		case errors.As(err, &se):
			s.log.Debug("Swap call rejected", "method", req.Method, "code", se.Code, "reason", se.Reason)
			s.writeError(w, req.ID, SwapError, err.Error(), &SwapErrorData{Code: se.Code, Reason: se.Reason})
		case errors.As(err, &pe):
			s.writeError(w, req.ID, InvalidParams, pe.Error(), nil)
		default:
			s.log.Warn("RPC call failed", "method", req.Method, "error", err)
			s.writeError(w, req.ID, InternalError, err.Error(), nil)
		}
		return
	}

	s.writeResult(w, req.ID, result)
}

// writeResult writes a successful response.
func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// handleCORS handles CORS preflight requests.
func (s *Server) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// originAllowed checks origin against the configured list.
func (s *Server) originAllowed(origin string) bool {
	if len(s.cfg.AllowedOrigins) == 0 || origin == "" {
		return true
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// corsMiddleware adds CORS headers to all responses.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if !s.originAllowed(origin) {
			http.Error(w, "Origin not allowed", http.StatusForbidden)
			return
		}
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400") // Cache preflight for 24 hours

		// Handle preflight
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
