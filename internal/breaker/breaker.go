package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned without invoking the protected call while the breaker
// rejects traffic.
var ErrOpen = errors.New("circuit breaker open")

type State string

const (
	StateClosed   State = "closed"
	StateHalfOpen State = "half-open"
	StateOpen     State = "open"
)

// Breaker is a sliding-window circuit breaker. Failures within the window are
// counted; at threshold the breaker opens and fails fast. After the reset
// period a single probe is admitted: success closes the breaker and clears
// the window, failure re-opens it.
type Breaker struct {
	name      string
	threshold int
	window    time.Duration
	reset     time.Duration

	mu            sync.Mutex
	state         State
	failures      []time.Time
	openedAt      time.Time
	probeInFlight bool

	now func() time.Time
}

type Snapshot struct {
	State            State `json:"state"`
	FailuresInWindow int   `json:"failures_in_window"`
	WindowMs         int64 `json:"window_ms"`
	IsAvailable      bool  `json:"is_available"`
}

func New(name string, threshold int, window, reset time.Duration) *Breaker {
	return &Breaker{
		name:      name,
		threshold: threshold,
		window:    window,
		reset:     reset,
		state:     StateClosed,
		now:       time.Now,
	}
}

// Do runs fn under the breaker. When the breaker is open, or a probe is
// already in flight during half-open, fn is not invoked and ErrOpen is
// returned.
func (b *Breaker) Do(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := fn()
	b.record(err == nil)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.prune(now)

	switch b.state {
	case StateOpen:
		if now.Sub(b.openedAt) < b.reset {
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.probeInFlight = true
		return nil
	case StateHalfOpen:
		if b.probeInFlight {
			return ErrOpen
		}
		b.probeInFlight = true
		return nil
	default:
		return nil
	}
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	if b.state == StateHalfOpen {
		b.probeInFlight = false
		if success {
			b.state = StateClosed
			b.failures = nil
		} else {
			b.state = StateOpen
			b.openedAt = now
		}
		return
	}

	if success {
		return
	}

	b.failures = append(b.failures, now)
	b.prune(now)
	if len(b.failures) >= b.threshold {
		b.state = StateOpen
		b.openedAt = now
	}
}

// prune drops failure timestamps older than the window. Caller holds the lock.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	i := 0
	for ; i < len(b.failures); i++ {
		if b.failures[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		b.failures = b.failures[i:]
	}
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) State() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.prune(now)

	state := b.state
	if state == StateOpen && now.Sub(b.openedAt) >= b.reset {
		state = StateHalfOpen
	}

	return Snapshot{
		State:            state,
		FailuresInWindow: len(b.failures),
		WindowMs:         b.window.Milliseconds(),
		IsAvailable:      state != StateOpen,
	}
}
