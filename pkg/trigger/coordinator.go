// Package trigger coalesces bursts of change notifications into single
// analysis runs.
package trigger

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultWindow is the quiet period before a fire.
const DefaultWindow = 2 * time.Second

// Timer is the part of *time.Timer the coordinator uses.
type Timer interface {
	Stop() bool
}

// Clock schedules callbacks.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Stats counts coordinator activity.
type Stats struct {
	Notified uint64
	Fired    uint64
	Dropped  uint64
}

// Coordinator is a last-write-wins debouncer. Every Notify restarts the
// window; the callback runs once the window passes without notifications.
// A fire that lands while the busy predicate reports true is dropped, not
// re-queued.
type Coordinator struct {
	clock  Clock
	timer  Timer
	onFire func()
	busy   func() bool
	onDrop func()
	logger *slog.Logger

	notified atomic.Uint64
	fired    atomic.Uint64
	dropped  atomic.Uint64

	window time.Duration
	seq    uint64
	mu     sync.Mutex
	closed bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithBusy sets the predicate consulted at fire time.
func WithBusy(busy func() bool) Option {
	return func(c *Coordinator) {
		c.busy = busy
	}
}

// WithClock replaces the wall clock.
func WithClock(clock Clock) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDropHook registers a callback for dropped fires.
func WithDropHook(onDrop func()) Option {
	return func(c *Coordinator) {
		c.onDrop = onDrop
	}
}

// New creates a Coordinator. A non-positive window means DefaultWindow.
func New(window time.Duration, onFire func(), opts ...Option) *Coordinator {
	if window <= 0 {
		window = DefaultWindow
	}

	c := &Coordinator{
		clock:  realClock{},
		window: window,
		onFire: onFire,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Window returns the debounce window.
func (c *Coordinator) Window() time.Duration {
	return c.window
}

// Notify records a change and restarts the window.
func (c *Coordinator) Notify() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.notified.Add(1)

	if c.timer != nil {
		c.timer.Stop()
	}

	c.seq++
	seq := c.seq
	c.timer = c.clock.AfterFunc(c.window, func() { c.fire(seq) })
}

// Pending reports whether a fire is scheduled.
func (c *Coordinator) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.timer != nil
}

// Close cancels any pending fire. Later Notify calls are ignored.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true

	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Stats returns a snapshot of the counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Notified: c.notified.Load(),
		Fired:    c.fired.Load(),
		Dropped:  c.dropped.Load(),
	}
}

func (c *Coordinator) fire(seq uint64) {
	c.mu.Lock()

	// A timer stopped too late still runs; only the latest one counts.
	if c.closed || seq != c.seq {
		c.mu.Unlock()

		return
	}

	c.timer = nil
	c.mu.Unlock()

	if c.busy != nil && c.busy() {
		c.dropped.Add(1)
		c.logger.Debug("analysis trigger dropped, run in progress")

		if c.onDrop != nil {
			c.onDrop()
		}

		return
	}

	c.fired.Add(1)

	if c.onFire != nil {
		c.onFire()
	}
}
