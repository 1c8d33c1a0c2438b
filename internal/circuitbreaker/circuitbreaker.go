// Package circuitbreaker short-circuits calls to the Router upstream when its
// recent error rate crosses a threshold, so a dead upstream fails requests in
// nanoseconds instead of a full connect-plus-timeout cycle.
package circuitbreaker

import (
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	// StateClosed allows all requests through.
	StateClosed State = iota
	// StateOpen rejects all requests.
	StateOpen
	// StateHalfOpen allows a single probe request.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the trip parameters.
type Config struct {
	ErrorThreshold float64       // weighted error rate that opens the breaker
	MinSamples     int           // minimum requests in the window before it can open
	WindowSeconds  int           // sliding window length, capped at 60
	OpenTimeout    time.Duration // time in OPEN before a probe is allowed
}

// DefaultConfig matches a single chat upstream: trip at 30% weighted errors
// over a minute, probe after 30 seconds.
func DefaultConfig() Config {
	return Config{
		ErrorThreshold: 0.30,
		MinSamples:     10,
		WindowSeconds:  60,
		OpenTimeout:    30 * time.Second,
	}
}

// bucket accumulates one second of outcomes.
type bucket struct {
	errors float64
	total  int
}

// window is a ring of 1-second buckets. Fixed-size array, no allocation on
// the request path.
type window struct {
	buckets  [60]bucket
	size     int
	head     int
	headTime int64
}

func newWindow(seconds int) window {
	if seconds <= 0 || seconds > 60 {
		seconds = 60
	}
	return window{size: seconds}
}

// advance rotates the head to nowSec, zeroing buckets that fell out.
func (w *window) advance(nowSec int64) {
	if w.headTime == 0 {
		w.headTime = nowSec
		return
	}
	gap := nowSec - w.headTime
	if gap <= 0 {
		return
	}
	expired := min(int(gap), w.size)
	for i := range expired {
		w.buckets[(w.head+1+i)%w.size] = bucket{}
	}
	w.head = (w.head + int(gap)) % w.size
	w.headTime = nowSec
}

func (w *window) record(weight float64, now time.Time) {
	w.advance(now.Unix())
	w.buckets[w.head].total++
	w.buckets[w.head].errors += weight
}

func (w *window) errorRate(now time.Time) (rate float64, samples int) {
	w.advance(now.Unix())
	var errs float64
	var total int
	for i := range w.size {
		errs += w.buckets[i].errors
		total += w.buckets[i].total
	}
	if total == 0 {
		return 0, 0
	}
	return errs / float64(total), total
}

func (w *window) reset() {
	for i := range w.size {
		w.buckets[i] = bucket{}
	}
	w.head = 0
	w.headTime = 0
}

// Breaker is the state machine. All methods are safe for concurrent use.
type Breaker struct {
	mu          sync.Mutex
	state       State
	win         window
	openedAt    time.Time
	probing     bool
	threshold   float64
	minSamples  int
	openTimeout time.Duration
}

// NewBreaker returns a closed breaker.
func NewBreaker(cfg Config) *Breaker {
	return &Breaker{
		state:       StateClosed,
		win:         newWindow(cfg.WindowSeconds),
		threshold:   cfg.ErrorThreshold,
		minSamples:  cfg.MinSamples,
		openTimeout: cfg.OpenTimeout,
	}
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a request may proceed. In OPEN it flips to HALF_OPEN
// after the timeout and admits exactly one probe.
func (b *Breaker) Allow() bool {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(b.openedAt) >= b.openTimeout {
			b.state = StateHalfOpen
			b.probing = true
			return true
		}
		return false
	case StateHalfOpen:
		if !b.probing {
			b.probing = true
			return true
		}
		return false
	}
	return false
}

// RecordSuccess notes a successful call. A successful half-open probe closes
// the breaker and clears the window.
func (b *Breaker) RecordSuccess() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.win.record(0, now)

	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.probing = false
		b.win.reset()
	}
}

// RecordError notes a failed call with the given weight. Weight 0 counts as
// a sample without moving the error rate.
func (b *Breaker) RecordError(weight float64) {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.win.record(weight, now)

	switch b.state {
	case StateClosed:
		rate, samples := b.win.errorRate(now)
		if samples >= b.minSamples && rate >= b.threshold {
			b.state = StateOpen
			b.openedAt = now
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = now
		b.probing = false
	}
}
