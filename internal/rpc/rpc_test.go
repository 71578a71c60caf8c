package rpc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/klingon-exchange/xswap/internal/chain"
	"github.com/klingon-exchange/xswap/internal/escrow"
	"github.com/klingon-exchange/xswap/internal/escrow/escrowtest"
	"github.com/klingon-exchange/xswap/internal/retry"
	"github.com/klingon-exchange/xswap/internal/storage"
	"github.com/klingon-exchange/xswap/internal/swap"
)

const (
	testMaker    = "02aa00000000000000000000000000000000000000000000000000000000000001"
	testTaker    = "03bb00000000000000000000000000000000000000000000000000000000000002"
	testResolver = "0xResolver"
)

func newTestServer(t *testing.T, cfg ServerConfig) (*Server, *httptest.Server) {
	t.Helper()

	escrows := escrow.NewRegistry()
	escrows.Register(escrowtest.New("BTC"))
	escrows.Register(escrowtest.New("ETH"))

	coord := swap.NewCoordinator(swap.Config{
		Store:         storage.NewMemStore(),
		Escrows:       escrows,
		Network:       chain.Testnet,
		IsWhitelisted: func(r string) bool { return r == testResolver },
		Retry: retry.Config{
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			MaxAttempts: 2,
		},
		Breaker: retry.BreakerConfig{
			FailureThreshold: 3,
			Window:           time.Minute,
			Cooldown:         time.Minute,
		},
		MinHorizon:       time.Hour,
		LegTimelockDelta: 30 * time.Minute,
		ExpiringWindow:   10 * time.Minute,
		PollInterval:     time.Hour,
	})
	t.Cleanup(func() { coord.Close() })

	if cfg.Network == "" {
		cfg.Network = chain.Testnet
	}
	srv := NewServer(coord, cfg)
	go srv.WSHub().Run()
	t.Cleanup(func() { srv.WSHub().Stop() })

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

// call posts a JSON-RPC request and decodes the response.
func call(t *testing.T, url, method string, params interface{}) *Response {
	t.Helper()

	req := map[string]interface{}{"jsonrpc": "2.0", "method": method, "id": 1}
	if params != nil {
		req["params"] = params
	}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", method, err)
	}
	defer resp.Body.Close()

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s response: %v", method, err)
	}
	return &out
}

// decodeResult re-encodes a generic result into v.
func decodeResult(t *testing.T, resp *Response, v interface{}) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	data, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
}

// swapCode extracts error.data.code from a SwapError response.
func swapCode(t *testing.T, resp *Response) swap.Code {
	t.Helper()
	if resp.Error == nil {
		t.Fatalf("expected an error, got result %v", resp.Result)
	}
	if resp.Error.Code != SwapError {
		t.Fatalf("error code = %d, want %d (%s)", resp.Error.Code, SwapError, resp.Error.Message)
	}
	data, _ := json.Marshal(resp.Error.Data)
	var sd SwapErrorData
	if err := json.Unmarshal(data, &sd); err != nil {
		t.Fatalf("unmarshal error data: %v", err)
	}
	return sd.Code
}

func createParams() map[string]interface{} {
	return map[string]interface{}{
		"maker":         testMaker,
		"taker":         testTaker,
		"from_chain":    "btc",
		"to_chain":      "eth",
		"amount":        "100000",
		"to_amount":     "2000000000000000",
		"timelock_unix": time.Now().Add(24 * time.Hour).Unix(),
	}
}

func TestSwapCreateAndStatus(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{})

	var created swap.OrderView
	decodeResult(t, call(t, ts.URL, "swap_create", createParams()), &created)

	if created.State != swap.StateCreated {
		t.Errorf("State = %s, want %s", created.State, swap.StateCreated)
	}
	if created.FromChain != "BTC" || created.ToChain != "ETH" {
		t.Errorf("chains = %s/%s, want BTC/ETH", created.FromChain, created.ToChain)
	}
	if len(created.Legs) != 2 {
		t.Fatalf("len(Legs) = %d, want 2", len(created.Legs))
	}
	if created.Legs[1].Amount != "2000000000000000" {
		t.Errorf("destination amount = %s, want 2000000000000000", created.Legs[1].Amount)
	}

	var status swap.OrderView
	decodeResult(t, call(t, ts.URL, "swap_status", SwapStatusParams{OrderID: created.ID}), &status)
	if status.ID != created.ID {
		t.Errorf("ID = %s, want %s", status.ID, created.ID)
	}

	var list SwapListResult
	decodeResult(t, call(t, ts.URL, "swap_list", SwapListParams{Chain: "eth"}), &list)
	if list.Count != 1 {
		t.Errorf("Count = %d, want 1", list.Count)
	}
}

func TestSwapCreateDisplayAmount(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{})

	params := createParams()
	delete(params, "amount")
	params["display_amount"] = "0.001"

	var created swap.OrderView
	decodeResult(t, call(t, ts.URL, "swap_create", params), &created)
	if created.TotalAmount != "100000" {
		t.Errorf("TotalAmount = %s, want 100000", created.TotalAmount)
	}
}

func TestSwapCreateInvalidParams(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{})

	tests := []struct {
		name   string
		mutate func(p map[string]interface{})
	}{
		{"missing amount", func(p map[string]interface{}) { delete(p, "amount") }},
		{"bad amount", func(p map[string]interface{}) { p["amount"] = "12abc" }},
		{"both amounts", func(p map[string]interface{}) { p["display_amount"] = "1" }},
		{"bad hashlock", func(p map[string]interface{}) { p["hashlock"] = "zz" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := createParams()
			tt.mutate(p)
			resp := call(t, ts.URL, "swap_create", p)
			if resp.Error == nil || resp.Error.Code != InvalidParams {
				t.Errorf("error = %+v, want code %d", resp.Error, InvalidParams)
			}
		})
	}
}

func TestSwapErrorCodes(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{})

	p := createParams()
	p["to_chain"] = "BTC"
	if code := swapCode(t, call(t, ts.URL, "swap_create", p)); code != swap.CodeInvalidOrderConfig {
		t.Errorf("same chain code = %s, want %s", code, swap.CodeInvalidOrderConfig)
	}

	if code := swapCode(t, call(t, ts.URL, "swap_status", SwapStatusParams{OrderID: "missing"})); code != swap.CodeOrderNotFound {
		t.Errorf("missing order code = %s, want %s", code, swap.CodeOrderNotFound)
	}

	var created swap.OrderView
	decodeResult(t, call(t, ts.URL, "swap_create", createParams()), &created)

	resp := call(t, ts.URL, "swap_fundLeg", SwapLegParams{OrderID: created.ID, Chain: "BTC", Resolver: "0xStranger"})
	if code := swapCode(t, resp); code != swap.CodeUnauthorizedResolver {
		t.Errorf("unknown resolver code = %s, want %s", code, swap.CodeUnauthorizedResolver)
	}

	resp = call(t, ts.URL, "swap_refund", SwapLegParams{OrderID: created.ID, Chain: "BTC"})
	if code := swapCode(t, resp); code != swap.CodeInvalidStateTransition {
		t.Errorf("refund of pending leg code = %s, want %s", code, swap.CodeInvalidStateTransition)
	}

	resp = call(t, ts.URL, "swap_revealSecret", SwapRevealParams{OrderID: created.ID, Secret: strings.Repeat("ab", 32)})
	if code := swapCode(t, resp); code != swap.CodeSecretMismatch {
		t.Errorf("wrong secret code = %s, want %s", code, swap.CodeSecretMismatch)
	}
}

func TestSwapFundLeg(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{})

	var created swap.OrderView
	decodeResult(t, call(t, ts.URL, "swap_create", createParams()), &created)

	var funded swap.OrderView
	decodeResult(t, call(t, ts.URL, "swap_fundLeg", SwapLegParams{OrderID: created.ID, Chain: "btc", Resolver: testResolver}), &funded)

	if funded.Legs[0].FundingTx == "" {
		t.Error("expected funding tx on source leg")
	}
	if funded.State != swap.StateFunding {
		t.Errorf("State = %s, want %s", funded.State, swap.StateFunding)
	}
}

func TestSwapList(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{})

	var created swap.OrderView
	decodeResult(t, call(t, ts.URL, "swap_create", createParams()), &created)

	var list SwapListResult
	decodeResult(t, call(t, ts.URL, "swap_list", SwapListParams{State: "created", Chain: "eth"}), &list)
	if list.Count != 1 || list.Orders[0].ID != created.ID {
		t.Errorf("swap_list = %d orders, want %s", list.Count, created.ID)
	}

	for _, state := range []string{"", "created"} {
		resp := call(t, ts.URL, "swap_list", SwapListParams{State: state, Offset: -1})
		if resp.Error == nil || resp.Error.Code != InvalidParams {
			t.Errorf("swap_list(state %q, offset -1) error = %+v, want code %d", state, resp.Error, InvalidParams)
		}
	}
}

func TestProtocolErrors(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{})

	resp := call(t, ts.URL, "no_such_method", nil)
	if resp.Error == nil || resp.Error.Code != MethodNotFound {
		t.Errorf("error = %+v, want code %d", resp.Error, MethodNotFound)
	}

	httpResp, err := http.Post(ts.URL, "application/json", strings.NewReader(`{invalid json`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer httpResp.Body.Close()
	var out Response
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Error == nil || out.Error.Code != ParseError {
		t.Errorf("error = %+v, want code %d", out.Error, ParseError)
	}

	resp = call(t, ts.URL, "swap_status", nil)
	if resp.Error == nil || resp.Error.Code != InvalidParams {
		t.Errorf("error = %+v, want code %d", resp.Error, InvalidParams)
	}
}

func TestHTTPMethodCheck(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status 405, got %d", w.Code)
	}
}

func TestCORS(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{AllowedOrigins: []string{"https://app.example"}})

	tests := []struct {
		origin string
		want   int
	}{
		{"https://app.example", http.StatusNoContent},
		{"https://evil.example", http.StatusForbidden},
		{"", http.StatusNoContent},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodOptions, "/", nil)
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		if w.Code != tt.want {
			t.Errorf("origin %q: status = %d, want %d", tt.origin, w.Code, tt.want)
		}
	}
}

func TestNodeInfo(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{Chains: []string{"BTC", "ETH"}, DataDir: "/tmp/xswap"})

	var info NodeInfoResult
	decodeResult(t, call(t, ts.URL, "node_info", nil), &info)

	if info.Version != Version {
		t.Errorf("Version = %s, want %s", info.Version, Version)
	}
	if info.Network != string(chain.Testnet) {
		t.Errorf("Network = %s, want %s", info.Network, chain.Testnet)
	}
	if len(info.Chains) != 2 {
		t.Errorf("len(Chains) = %d, want 2", len(info.Chains))
	}
	if info.OpenCircuits != 0 {
		t.Errorf("OpenCircuits = %d, want 0", info.OpenCircuits)
	}
}

func TestWSClientWants(t *testing.T) {
	c := &WSClient{subscriptions: make(map[EventType]bool), orders: make(map[string]bool)}
	ev := &WSEvent{Type: EventSwapStatus}

	if !c.wants(ev, "a") {
		t.Error("client without subscriptions should receive everything")
	}

	c.handleSubscription(&WSSubscription{Action: "subscribe", Orders: []string{"a"}})
	if !c.wants(ev, "a") {
		t.Error("expected event for subscribed order")
	}
	if c.wants(ev, "b") {
		t.Error("unexpected event for other order")
	}

	c.handleSubscription(&WSSubscription{Action: "unsubscribe", Orders: []string{"a"}})
	c.handleSubscription(&WSSubscription{Action: "subscribe", Events: []string{"other"}})
	if c.wants(ev, "a") {
		t.Error("unexpected event for unsubscribed type")
	}
}

func TestWebSocketSwapStatus(t *testing.T) {
	srv, ts := newTestServer(t, ServerConfig{})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for srv.WSHub().ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	var created swap.OrderView
	decodeResult(t, call(t, ts.URL, "swap_create", createParams()), &created)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var ev struct {
			Type EventType       `json:"type"`
			Data SwapStatusEvent `json:"data"`
		}
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		if ev.Type != EventSwapStatus {
			t.Errorf("Type = %s, want %s", ev.Type, EventSwapStatus)
		}
		if ev.Data.Event != "order_created" {
			continue
		}
		if ev.Data.OrderID != created.ID {
			t.Errorf("OrderID = %s, want %s", ev.Data.OrderID, created.ID)
		}
		return
	}
}

func TestErrorConstants(t *testing.T) {
	codes := map[string]int{
		"ParseError":     ParseError,
		"InvalidRequest": InvalidRequest,
		"MethodNotFound": MethodNotFound,
		"InvalidParams":  InvalidParams,
		"InternalError":  InternalError,
		"SwapError":      SwapError,
	}
	seen := make(map[int]string)
	for name, code := range codes {
		if other, ok := seen[code]; ok {
			t.Errorf("%s and %s share code %d", name, other, code)
		}
		seen[code] = name
		if code > -32000 || code < -32768 {
			t.Errorf("%s = %d, outside the reserved range", name, code)
		}
	}
}
