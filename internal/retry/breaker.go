package retry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without calling the downstream while a
// breaker is open.
var ErrCircuitOpen = errors.New("circuit open")

// State is the breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" env:"FAILURE_THRESHOLD,overwrite"`
	Window           time.Duration `yaml:"window" env:"WINDOW,overwrite"`
	Cooldown         time.Duration `yaml:"cooldown" env:"COOLDOWN,overwrite"`
}

// DefaultBreakerConfig returns the breaker settings used per counterparty.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		Window:           time.Minute,
		Cooldown:         30 * time.Second,
	}
}

// CircuitState is a snapshot of one breaker.
type CircuitState struct {
	Key          string    `json:"key"`
	State        string    `json:"state"`
	FailureCount int       `json:"failure_count"`
	WindowStart  time.Time `json:"window_start"`
	NextProbeAt  time.Time `json:"next_probe_at,omitempty"`
}

// Breaker counts failures in a rolling window and short-circuits calls
// once FailureThreshold is reached, allowing a single probe after Cooldown.
type Breaker struct {
	mu  sync.Mutex
	cfg BreakerConfig
	now func() time.Time

	state        State
	failureCount int
	windowStart  time.Time
	nextProbeAt  time.Time
	probing      bool
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return newBreaker(cfg, time.Now)
}

func newBreaker(cfg BreakerConfig, now func() time.Time) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	return &Breaker{cfg: cfg, now: now}
}

// Allow reports whether a call may proceed. In HalfOpen only one probe is
// let through at a time.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.now().Before(b.nextProbeAt) {
			return fmt.Errorf("%w until %s", ErrCircuitOpen, b.nextProbeAt.Format(time.RFC3339))
		}
		b.state = HalfOpen
		b.probing = true
		return nil
	case HalfOpen:
		if b.probing {
			return fmt.Errorf("%w: probe in flight", ErrCircuitOpen)
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

// Record feeds the outcome of an allowed call back into the breaker.
// Retryable and Fatal failures count against the downstream; a
// NonRetryable error means it answered, which counts as healthy.
func (b *Breaker) Record(err error, class Class) {
	if err == nil || class == NonRetryable {
		b.success()
		return
	}
	b.failure()
}

func (b *Breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.state = Closed
		b.failureCount = 0
		b.windowStart = time.Time{}
	}
	b.probing = false
}

func (b *Breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case HalfOpen:
		b.state = Open
		b.nextProbeAt = now.Add(b.cfg.Cooldown)
		b.probing = false
		return
	case Open:
		return
	}

	if b.windowStart.IsZero() || now.Sub(b.windowStart) > b.cfg.Window {
		b.windowStart = now
		b.failureCount = 0
	}
	b.failureCount++
	if b.failureCount >= b.cfg.FailureThreshold {
		b.state = Open
		b.nextProbeAt = now.Add(b.cfg.Cooldown)
	}
}

// State returns the current state. Open only turns HalfOpen on Allow.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) snapshot(key string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return CircuitState{
		Key:          key,
		State:        b.state.String(),
		FailureCount: b.failureCount,
		WindowStart:  b.windowStart,
		NextProbeAt:  b.nextProbeAt,
	}
}

// BreakerSet holds one breaker per (chain, resolver).
type BreakerSet struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	now      func() time.Time
	breakers map[string]*Breaker
}

// NewBreakerSet creates an empty set.
func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	return &BreakerSet{cfg: cfg, now: time.Now, breakers: make(map[string]*Breaker)}
}

// SetClock replaces the time source of the set and every breaker created
// after the call.
func (s *BreakerSet) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Get returns the breaker for chain and resolver, creating it if needed.
func (s *BreakerSet) Get(chain, resolver string) *Breaker {
	key := chain + "/" + resolver
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[key]
	if !ok {
		b = newBreaker(s.cfg, s.now)
		s.breakers[key] = b
	}
	return b
}

// Snapshot returns the state of every breaker, sorted by key.
func (s *BreakerSet) Snapshot() []CircuitState {
	s.mu.Lock()
	keys := make([]string, 0, len(s.breakers))
	for k := range s.breakers {
		keys = append(keys, k)
	}
	breakers := make(map[string]*Breaker, len(s.breakers))
	for k, b := range s.breakers {
		breakers[k] = b
	}
	s.mu.Unlock()

	sort.Strings(keys)
	out := make([]CircuitState, 0, len(keys))
	for _, k := range keys {
		out = append(out, breakers[k].snapshot(k))
	}
	return out
}
