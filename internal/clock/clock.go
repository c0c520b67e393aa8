// Package clock provides the frame clock: a steady tick at a configurable rate.
package clock

import (
	"log"
	"sync"
	"time"

	"github.com/dyluth/conductor/pkg/conductor"
)

// Clock produces ticks at a configurable rate.
//
// Ticks are delivered at most once per period and never queued: if the
// consumer has not taken the previous tick when the next one fires, the new
// tick is dropped. A rate change applies from the next scheduled tick on.
type Clock struct {
	mu       sync.Mutex
	interval time.Duration
	minRate  float64
	maxRate  float64
	dropped  uint64

	ticks   chan time.Time
	stop    chan struct{}
	done    chan struct{}
	started bool
}

// Option configures a Clock.
type Option func(*Clock)

// WithRateBounds overrides the range a requested rate is clamped to.
// Intended for tests that need a clock faster than the transmission limit.
func WithRateBounds(min, max float64) Option {
	return func(c *Clock) {
		c.minRate = min
		c.maxRate = max
	}
}

// New creates a stopped clock ticking at the given rate.
func New(rate float64, opts ...Option) *Clock {
	c := &Clock{
		minRate: conductor.MinFrameRate,
		maxRate: conductor.MaxFrameRate,
		ticks:   make(chan time.Time, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.interval = c.intervalFor(rate)
	return c
}

// intervalFor converts a rate into an interval, clamped to the clock's bounds.
func (c *Clock) intervalFor(rate float64) time.Duration {
	return conductor.ClampedInterval(rate, c.minRate, c.maxRate)
}

// C returns the tick channel.
func (c *Clock) C() <-chan time.Time {
	return c.ticks
}

// Interval returns the interval that the next scheduled tick will use.
func (c *Clock) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

// Dropped returns how many ticks were discarded because the consumer was busy.
func (c *Clock) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// SetRate changes the tick rate. The tick already scheduled keeps its old
// deadline; the new interval is used when scheduling the one after it.
func (c *Clock) SetRate(rate float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interval = c.intervalFor(rate)
}

// Start launches the tick goroutine. Calling Start twice is a no-op.
func (c *Clock) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	first := c.interval
	c.mu.Unlock()

	go c.run(first)
}

// Stop halts the clock and waits for the tick goroutine to exit.
// Stop must only be called once, after Start.
func (c *Clock) Stop() {
	close(c.stop)
	<-c.done
}

func (c *Clock) run(first time.Duration) {
	defer close(c.done)

	timer := time.NewTimer(first)
	defer timer.Stop()

	for {
		select {
		case <-c.stop:
			return
		case now := <-timer.C:
			select {
			case c.ticks <- now:
			default:
				c.mu.Lock()
				c.dropped++
				dropped := c.dropped
				c.mu.Unlock()
				if dropped%1000 == 1 {
					log.Printf("[DEBUG] Frame clock dropped tick (consumer busy, %d dropped so far)", dropped)
				}
			}
			timer.Reset(c.Interval())
		}
	}
}
