package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

var ErrCircuitOpen = errors.New("circuit open")

// CircuitOpenError is returned without invoking the protected call.
type CircuitOpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %s open; retry after %s", e.Name, e.RetryAfter.Round(time.Second))
}

func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// Snapshot is a point-in-time copy of a breaker's state.
type Snapshot struct {
	Name          string     `json:"name"`
	State         State      `json:"state"`
	FailureCount  int        `json:"failure_count"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
}

// CircuitBreaker guards an operation that must not be retried blindly. All state changes
// happen under one mutex so concurrent callers cannot trip or reset it independently.
type CircuitBreaker struct {
	name   string
	cfg    BreakerConfig
	now    func() time.Time
	logger zerolog.Logger

	// OnTransition, when set, is called outside the lock after every state change.
	OnTransition func(name string, from, to State)

	mu            sync.Mutex
	state         State
	failures      int
	lastFailureAt time.Time
	probing       bool
}

func NewCircuitBreaker(name string, cfg BreakerConfig, now func() time.Time, logger zerolog.Logger) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 300 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{name: name, cfg: cfg, now: now, logger: logger, state: StateClosed}
}

// Execute runs fn unless the circuit is open. A nil return counts as success; any error
// counts as a failure. Callers translate benign outcomes to nil before returning.
func (b *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.acquire(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

func (b *CircuitBreaker) acquire() error {
	b.mu.Lock()
	var from State
	transitioned := false
	switch b.state {
	case StateOpen:
		elapsed := b.now().Sub(b.lastFailureAt)
		if elapsed < b.cfg.RecoveryTimeout {
			retry := b.cfg.RecoveryTimeout - elapsed
			b.mu.Unlock()
			return &CircuitOpenError{Name: b.name, RetryAfter: retry}
		}
		from, transitioned = b.state, true
		b.state = StateHalfOpen
		b.probing = true
	case StateHalfOpen:
		if b.probing {
			b.mu.Unlock()
			return &CircuitOpenError{Name: b.name}
		}
		b.probing = true
	}
	b.mu.Unlock()
	if transitioned {
		b.notify(from, StateHalfOpen)
	}
	return nil
}

func (b *CircuitBreaker) record(err error) {
	b.mu.Lock()
	from := b.state
	to := from
	if err == nil {
		if from == StateOpen {
			// a call admitted before the trip does not close the circuit
			b.mu.Unlock()
			return
		}
		b.failures = 0
		b.probing = false
		to = StateClosed
	} else {
		b.failures++
		b.lastFailureAt = b.now()
		switch from {
		case StateHalfOpen:
			to = StateOpen
		case StateClosed:
			if b.failures >= b.cfg.FailureThreshold {
				to = StateOpen
			}
		}
		b.probing = false
	}
	b.state = to
	b.mu.Unlock()
	if from != to {
		b.notify(from, to)
	}
}

func (b *CircuitBreaker) notify(from, to State) {
	b.logger.Warn().Str("breaker", b.name).Str("from", string(from)).Str("to", string(to)).Msg("breaker.transition")
	if b.OnTransition != nil {
		b.OnTransition(b.name, from, to)
	}
}

// State reports the current state. An open circuit whose recovery timeout has elapsed
// still reports open until a call probes it.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *CircuitBreaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{Name: b.name, State: b.state, FailureCount: b.failures}
	if !b.lastFailureAt.IsZero() {
		t := b.lastFailureAt
		s.LastFailureAt = &t
	}
	return s
}

// Breakers hands out one breaker per (workspace, operation).
type Breakers struct {
	cfg          BreakerConfig
	now          func() time.Time
	logger       zerolog.Logger
	onTransition func(name string, from, to State)

	mu sync.Mutex
	m  map[string]*CircuitBreaker
}

func NewBreakers(cfg BreakerConfig, now func() time.Time, logger zerolog.Logger, onTransition func(name string, from, to State)) *Breakers {
	return &Breakers{cfg: cfg, now: now, logger: logger, onTransition: onTransition, m: map[string]*CircuitBreaker{}}
}

func BreakerName(workspaceID, operation string) string {
	return workspaceID + "/" + operation
}

func (b *Breakers) Get(workspaceID, operation string) *CircuitBreaker {
	name := BreakerName(workspaceID, operation)
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.m[name]
	if !ok {
		cb = NewCircuitBreaker(name, b.cfg, b.now, b.logger)
		cb.OnTransition = b.onTransition
		b.m[name] = cb
	}
	return cb
}

// Lookup returns the breaker if one has been created.
func (b *Breakers) Lookup(workspaceID, operation string) (*CircuitBreaker, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.m[BreakerName(workspaceID, operation)]
	return cb, ok
}
