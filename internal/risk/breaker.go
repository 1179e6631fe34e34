package risk

import (
	"sync"
	"time"
)

// BreakerState is the state of the circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// Breaker is a three-state admission switch. It opens only through Trip or a
// failed half-open trial, and leaves Open only by cooldown or Reset. Half-open
// admits one trial trade at a time.
type Breaker struct {
	mu        sync.Mutex
	state     BreakerState
	cooldown  time.Duration
	trippedAt time.Time
	reason    string
	trips     int64
	trial     bool
	now       func() time.Time
	onTrip    func(reason string)
}

// BreakerStatus is a snapshot of the breaker.
type BreakerStatus struct {
	State             BreakerState `json:"state"`
	Reason            string       `json:"reason,omitempty"`
	TrippedAt         *time.Time   `json:"tripped_at,omitempty"`
	Cooldown          string       `json:"cooldown"`
	CooldownRemaining string       `json:"cooldown_remaining"`
	Trips             int64        `json:"trips"`
}

// NewBreaker creates a closed Breaker. A nil clock uses time.Now.
func NewBreaker(cooldown time.Duration, clock func() time.Time) *Breaker {
	if clock == nil {
		clock = time.Now
	}
	return &Breaker{state: BreakerClosed, cooldown: cooldown, now: clock}
}

// OnTrip registers a callback invoked after every trip. It runs on the
// tripping goroutine and must not block.
func (b *Breaker) OnTrip(fn func(reason string)) {
	b.mu.Lock()
	b.onTrip = fn
	b.mu.Unlock()
}

// Trip opens the breaker. Tripping an open breaker restarts the cooldown.
func (b *Breaker) Trip(reason string) {
	b.mu.Lock()
	b.state = BreakerOpen
	b.trial = false
	b.trippedAt = b.now()
	b.reason = reason
	b.trips++
	fn := b.onTrip
	b.mu.Unlock()
	if fn != nil {
		fn(reason)
	}
}

// Check reports whether a trade may pass. An open breaker whose cooldown has
// elapsed moves to half-open and admits a single trial; later checks fail
// until the trial is recorded or released.
func (b *Breaker) Check() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.trippedAt) < b.cooldown {
			return false
		}
		b.state = BreakerHalfOpen
		b.trial = true
		return true
	case BreakerHalfOpen:
		if b.trial {
			return false
		}
		b.trial = true
		return true
	default:
		return true
	}
}

// Release frees the half-open trial slot without a verdict, for a trial
// trade that was admitted but never executed.
func (b *Breaker) Release() {
	b.mu.Lock()
	b.trial = false
	b.mu.Unlock()
}

// RecordSuccess closes a half-open breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerHalfOpen {
		b.state = BreakerClosed
		b.trial = false
		b.reason = ""
	}
}

// RecordFailure reopens a half-open breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	if b.state != BreakerHalfOpen {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	b.Trip("half-open trial failed")
}

// Reset closes the breaker unconditionally.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.trial = false
	b.reason = ""
	b.trippedAt = time.Time{}
}

// SetCooldown changes the cooldown for subsequent checks.
func (b *Breaker) SetCooldown(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cooldown = d
}

// State returns the current state without advancing it.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status returns a snapshot.
func (b *Breaker) Status() BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := BreakerStatus{
		State:             b.state,
		Reason:            b.reason,
		Cooldown:          b.cooldown.String(),
		CooldownRemaining: "0s",
		Trips:             b.trips,
	}
	if !b.trippedAt.IsZero() {
		t := b.trippedAt
		st.TrippedAt = &t
	}
	if b.state == BreakerOpen {
		if rem := b.cooldown - b.now().Sub(b.trippedAt); rem > 0 {
			st.CooldownRemaining = rem.Round(time.Second).String()
		}
	}
	return st
}
