package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
)

type codedError struct {
	code int
	msg  string
}

func (e codedError) Error() string  { return e.msg }
func (e codedError) ErrorCode() int { return e.code }

var _ rpc.Error = codedError{}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.Error = timeoutError{}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"deadline", context.DeadlineExceeded, Retryable},
		{"canceled", context.Canceled, NonRetryable},
		{"net timeout", fmt.Errorf("dial: %w", timeoutError{}), Retryable},
		{"transient marker", fmt.Errorf("esplora: %w", ErrTransient), Retryable},
		{"rejected marker", fmt.Errorf("bad spec: %w", ErrRejected), NonRetryable},
		{"fatal marker", fmt.Errorf("contract paused: %w", ErrFatal), Fatal},
		{"circuit open", ErrCircuitOpen, NonRetryable},
		{"rpc invalid params", codedError{-32602, "invalid argument 0"}, NonRetryable},
		{"rpc limit exceeded", codedError{-32005, "limit exceeded"}, Retryable},
		{"rpc http 429", rpc.HTTPError{StatusCode: 429, Status: "429 Too Many Requests"}, Retryable},
		{"rpc http 400", rpc.HTTPError{StatusCode: 400, Status: "400 Bad Request"}, NonRetryable},
		{"rest 503", &StatusError{StatusCode: 503}, Retryable},
		{"rest 404", &StatusError{StatusCode: 404}, NonRetryable},
		{"insufficient funds", errors.New("insufficient funds for gas * price + value"), NonRetryable},
		{"reverted", errors.New("execution reverted: NotReceiver"), NonRetryable},
		{"invalid chain", errors.New("invalid chain id for signer"), NonRetryable},
		{"bridge delivery", errors.New("bridge message delivery failed"), Retryable},
		{"unknown", errors.New("something odd"), Retryable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestDelayBackoff(t *testing.T) {
	p := NewPolicy(Config{BaseDelay: time.Second, MaxDelay: 10 * time.Second, MaxAttempts: 5, Jitter: 0})
	p.random = func() float64 { return 0.5 }

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},  // capped
		{20, 10 * time.Second}, // capped
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDelayJitterBounds(t *testing.T) {
	p := NewPolicy(Config{BaseDelay: time.Second, MaxDelay: time.Minute, MaxAttempts: 3, Jitter: 0.25})

	p.random = func() float64 { return 0 }
	if got := p.Delay(2); got != 3*time.Second {
		t.Errorf("Delay with low jitter = %v, want 3s", got)
	}
	p.random = func() float64 { return 1 }
	if got := p.Delay(2); got != 5*time.Second {
		t.Errorf("Delay with high jitter = %v, want 5s", got)
	}

	// Jitter never pushes past the cap.
	p = NewPolicy(Config{BaseDelay: time.Second, MaxDelay: 4 * time.Second, MaxAttempts: 3, Jitter: 0.5})
	p.random = func() float64 { return 1 }
	if got := p.Delay(5); got != 4*time.Second {
		t.Errorf("Delay above cap = %v, want 4s", got)
	}
}

func newTestPolicy(attempts int) (*Policy, *[]time.Duration) {
	p := NewPolicy(Config{BaseDelay: time.Second, MaxDelay: time.Minute, MaxAttempts: attempts, Jitter: 0})
	var slept []time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return p, &slept
}

func TestDoRetriesTransient(t *testing.T) {
	p, slept := newTestPolicy(4)
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return ErrTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(*slept) != 2 || (*slept)[0] != time.Second || (*slept)[1] != 2*time.Second {
		t.Errorf("sleeps = %v, want [1s 2s]", *slept)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	p, _ := newTestPolicy(5)
	calls := 0
	rejected := fmt.Errorf("unknown chain: %w", ErrRejected)
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return rejected
	})
	if !errors.Is(err, ErrRejected) {
		t.Errorf("Do() error = %v, want ErrRejected", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoExhausted(t *testing.T) {
	p, _ := newTestPolicy(3)
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return ErrTransient
	})
	if !errors.Is(err, ErrExhausted) || !errors.Is(err, ErrTransient) {
		t.Errorf("Do() error = %v, want ErrExhausted wrapping ErrTransient", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoHonoursContext(t *testing.T) {
	p, _ := newTestPolicy(5)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := p.Do(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return ErrTransient
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	set := NewBreakerSet(BreakerConfig{FailureThreshold: 3, Window: time.Minute, Cooldown: 30 * time.Second})
	set.SetClock(clock.Now)
	p, _ := newTestPolicy(1)

	calls := 0
	op := func(ctx context.Context) error {
		calls++
		return ErrTransient
	}

	for i := 0; i < 3; i++ {
		err := p.DoWithBreaker(context.Background(), set.Get("ETH", "0xres"), op)
		if !errors.Is(err, ErrExhausted) {
			t.Fatalf("call %d error = %v, want ErrExhausted", i+1, err)
		}
	}

	err := p.DoWithBreaker(context.Background(), set.Get("ETH", "0xres"), op)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("4th call error = %v, want ErrCircuitOpen", err)
	}
	if calls != 3 {
		t.Errorf("adapter calls = %d, want 3", calls)
	}

	// Other counterparties are unaffected.
	if err := set.Get("ETH", "0xother").Allow(); err != nil {
		t.Errorf("other resolver Allow() = %v, want nil", err)
	}
	if err := set.Get("BTC", "0xres").Allow(); err != nil {
		t.Errorf("other chain Allow() = %v, want nil", err)
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	b := newBreaker(BreakerConfig{FailureThreshold: 2, Window: time.Minute, Cooldown: 30 * time.Second}, clock.Now)

	b.Record(ErrTransient, Retryable)
	b.Record(ErrTransient, Retryable)
	if b.State() != Open {
		t.Fatalf("State = %v, want open", b.State())
	}

	clock.Advance(29 * time.Second)
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Allow() before cooldown = %v, want ErrCircuitOpen", err)
	}

	clock.Advance(time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow() after cooldown = %v, want probe", err)
	}
	if b.State() != HalfOpen {
		t.Errorf("State = %v, want half-open", b.State())
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second probe Allow() = %v, want ErrCircuitOpen", err)
	}

	// Failed probe reopens and resets the cooldown.
	b.Record(ErrTransient, Retryable)
	if b.State() != Open {
		t.Errorf("State after failed probe = %v, want open", b.State())
	}
	clock.Advance(29 * time.Second)
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Allow() during new cooldown = %v, want ErrCircuitOpen", err)
	}

	clock.Advance(time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow() = %v, want probe", err)
	}
	b.Record(nil, Retryable)
	if b.State() != Closed {
		t.Errorf("State after good probe = %v, want closed", b.State())
	}
}

func TestBreakerWindowExpiry(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	b := newBreaker(BreakerConfig{FailureThreshold: 3, Window: time.Minute, Cooldown: time.Minute}, clock.Now)

	b.Record(ErrTransient, Retryable)
	b.Record(ErrTransient, Retryable)
	clock.Advance(2 * time.Minute)
	b.Record(ErrTransient, Retryable)
	if b.State() != Closed {
		t.Errorf("State = %v, want closed: failures outside the window must not count", b.State())
	}

	b.Record(errors.New("execution reverted"), NonRetryable)
	if b.State() != Closed {
		t.Errorf("State = %v, want closed after non-retryable", b.State())
	}
}

func TestBreakerSnapshot(t *testing.T) {
	set := NewBreakerSet(DefaultBreakerConfig())
	set.Get("ETH", "a").Record(ErrTransient, Retryable)
	set.Get("BTC", "b")

	snap := set.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("len(snapshot) = %d, want 2", len(snap))
	}
	if snap[0].Key != "BTC/b" || snap[1].Key != "ETH/a" {
		t.Errorf("keys = %s, %s; want BTC/b, ETH/a", snap[0].Key, snap[1].Key)
	}
	if snap[1].FailureCount != 1 || snap[1].State != "closed" {
		t.Errorf("ETH/a = %+v, want 1 failure, closed", snap[1])
	}
}
