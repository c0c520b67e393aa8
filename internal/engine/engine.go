// Package engine implements the transmission state machine: it advances the
// frame counter on every clock tick, sends the encoded frame over sACN and
// publishes every state change to observers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dyluth/conductor/internal/clock"
	"github.com/dyluth/conductor/internal/sacn"
	"github.com/dyluth/conductor/pkg/conductor"
)

// KeepaliveInterval is how often the held frame is re-sent while a run is
// paused or complete. sACN receivers drop a source after 2.5s of silence.
const KeepaliveInterval = time.Second

// ErrNotPermitted is returned by Start when the gate refuses transmission.
var ErrNotPermitted = errors.New("transmission not permitted")

// Publisher receives every event the engine emits.
type Publisher interface {
	Publish(ev conductor.Event)
}

// Gate decides whether this process may transmit at all.
// The singleton coordinator implements it.
type Gate interface {
	Permit() error
}

// Engine owns the transmission state. Every mutation goes through mutate,
// which holds e.mu for the read-modify-write and bumps the sequence number.
// Sending and publishing happen on a snapshot after the lock is released.
type Engine struct {
	mu    sync.Mutex
	state conductor.State

	sender      sacn.Sender
	publisher   Publisher
	gate        Gate
	clock       *clock.Clock
	sendTimeout time.Duration

	// Tick goroutine only
	lastSend     time.Time
	sendFailures int
}

// Option configures an Engine.
type Option func(*Engine)

// WithGate makes Start consult g before beginning a run.
func WithGate(g Gate) Option {
	return func(e *Engine) { e.gate = g }
}

// WithClock replaces the default frame clock.
func WithClock(c *clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithSendTimeout bounds each sACN send, 100ms by default.
func WithSendTimeout(d time.Duration) Option {
	return func(e *Engine) { e.sendTimeout = d }
}

// New creates an engine in phase Ready at frame 0.
// Returns a *conductor.ValidationError if cfg is invalid.
func New(cfg conductor.SenderConfig, sender sacn.Sender, publisher Publisher, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sender == nil {
		return nil, fmt.Errorf("sender is required")
	}

	e := &Engine{
		state: conductor.State{
			Phase:  conductor.PhaseReady,
			Config: cfg,
			Seq:    1,
		},
		sender:      sender,
		publisher:   publisher,
		sendTimeout: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.clock == nil {
		e.clock = clock.New(cfg.FrameRate)
	}

	return e, nil
}

// Run drives the engine from the frame clock until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.clock.Start()
	defer e.clock.Stop()

	log.Printf("[INFO] Transmission engine running (tick interval %v)", e.clock.Interval())

	for {
		select {
		case <-ctx.Done():
			s := e.State()
			log.Printf("[INFO] Transmission engine stopped at frame %d (%s)", s.CurrentFrame, s.Phase)
			return nil
		case <-e.clock.C():
			e.tick(ctx)
		}
	}
}

// State returns a consistent snapshot of the current state.
func (e *Engine) State() conductor.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Config returns the active configuration.
func (e *Engine) Config() conductor.SenderConfig {
	return e.State().Config
}

// Snapshot returns the events a new observer needs to render the current
// state. It implements hub.Source.
func (e *Engine) Snapshot() []conductor.Event {
	s := e.State()
	return []conductor.Event{conductor.ProgressEvent(s), conductor.ConfigEvent(s)}
}

// mutate applies fn under the state lock. If fn reports a change, the
// sequence number is bumped. Returns the resulting snapshot.
func (e *Engine) mutate(fn func(s *conductor.State) bool) (conductor.State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !fn(&e.state) {
		return e.state, false
	}
	e.state.Seq++
	return e.state, true
}

func (e *Engine) publish(evs ...conductor.Event) {
	if e.publisher == nil {
		return
	}
	for _, ev := range evs {
		e.publisher.Publish(ev)
	}
}

// Start begins a run from Ready or Complete at frame 0.
// In Running or Paused it is a no-op returning the current state.
// Returns ErrNotPermitted (wrapped) if the gate refuses.
func (e *Engine) Start() (conductor.State, error) {
	if e.gate != nil {
		if err := e.gate.Permit(); err != nil {
			return e.State(), fmt.Errorf("%w: %v", ErrNotPermitted, err)
		}
	}

	s, changed := e.mutate(func(s *conductor.State) bool {
		if s.Phase != conductor.PhaseReady && s.Phase != conductor.PhaseComplete {
			return false
		}
		s.CurrentFrame = 0
		s.Phase = conductor.PhaseRunning
		return true
	})
	if !changed {
		return s, nil
	}

	e.clock.SetRate(s.Config.FrameRate)
	log.Printf("[INFO] Started transmission: %d frames at %g fps to universe %d",
		s.Config.TotalFrames, s.Config.FrameRate, s.Config.Universe)
	e.publish(conductor.ProgressEvent(s))

	return s, nil
}

// PauseOrResume toggles between Running and Paused.
// In Ready or Complete it is a no-op.
func (e *Engine) PauseOrResume() conductor.State {
	s, changed := e.mutate(func(s *conductor.State) bool {
		switch s.Phase {
		case conductor.PhaseRunning:
			s.Phase = conductor.PhasePaused
		case conductor.PhasePaused:
			s.Phase = conductor.PhaseRunning
		default:
			return false
		}
		return true
	})
	if changed {
		log.Printf("[INFO] Transmission %s at frame %d", phaseVerb(s.Phase), s.CurrentFrame)
		e.publish(conductor.ProgressEvent(s))
	}
	return s
}

// Pause moves Running to Paused; a no-op in any other phase.
func (e *Engine) Pause() conductor.State {
	return e.transition(conductor.PhaseRunning, conductor.PhasePaused)
}

// Resume moves Paused to Running; a no-op in any other phase.
func (e *Engine) Resume() conductor.State {
	return e.transition(conductor.PhasePaused, conductor.PhaseRunning)
}

func (e *Engine) transition(from, to conductor.Phase) conductor.State {
	s, changed := e.mutate(func(s *conductor.State) bool {
		if s.Phase != from {
			return false
		}
		s.Phase = to
		return true
	})
	if changed {
		log.Printf("[INFO] Transmission %s at frame %d", phaseVerb(s.Phase), s.CurrentFrame)
		e.publish(conductor.ProgressEvent(s))
	}
	return s
}

// Reset returns to Ready at frame 0 from any phase. It always succeeds.
func (e *Engine) Reset() conductor.State {
	s, _ := e.mutate(func(s *conductor.State) bool {
		s.CurrentFrame = 0
		s.Phase = conductor.PhaseReady
		return true
	})
	log.Printf("[INFO] Transmission reset")
	e.publish(conductor.ProgressEvent(s))
	return s
}

// SetConfig validates and installs a new configuration. A successful update
// always returns the engine to Ready at frame 0: a run in progress is never
// continued against the old totals. On validation failure the state is
// untouched and a *conductor.ValidationError is returned.
func (e *Engine) SetConfig(cfg conductor.SenderConfig) (conductor.State, error) {
	if err := cfg.Validate(); err != nil {
		return e.State(), err
	}

	var prev conductor.Phase
	s, _ := e.mutate(func(s *conductor.State) bool {
		prev = s.Phase
		s.Config = cfg
		s.CurrentFrame = 0
		s.Phase = conductor.PhaseReady
		return true
	})

	e.clock.SetRate(cfg.FrameRate)
	if prev == conductor.PhaseRunning || prev == conductor.PhasePaused {
		log.Printf("[INFO] Configuration changed during a run; transmission reset")
	}
	log.Printf("[INFO] Configuration updated: %d frames at %g fps, universe %d, %d channels",
		cfg.TotalFrames, cfg.FrameRate, cfg.Universe, cfg.FrameLength)

	e.publish(conductor.ConfigEvent(s), conductor.ProgressEvent(s))
	return s, nil
}

// tick advances the counter if Running, sends the frame and publishes it.
// While Paused or Complete the held frame is re-sent every KeepaliveInterval.
func (e *Engine) tick(ctx context.Context) {
	var completed bool
	s, advanced := e.mutate(func(s *conductor.State) bool {
		if s.Phase != conductor.PhaseRunning {
			return false
		}
		total := uint16(s.Config.TotalFrames)
		if s.CurrentFrame < total {
			s.CurrentFrame++
		}
		if s.CurrentFrame >= total {
			s.CurrentFrame = total
			s.Phase = conductor.PhaseComplete
			completed = true
		}
		return true
	})

	if !advanced {
		if s.Phase == conductor.PhasePaused || s.Phase == conductor.PhaseComplete {
			if time.Since(e.lastSend) >= KeepaliveInterval {
				e.send(ctx, s)
			}
		}
		return
	}

	e.send(ctx, s)
	if completed {
		log.Printf("[INFO] Transmission complete at frame %d", s.CurrentFrame)
	}
	e.publish(conductor.ProgressEvent(s))
}

// send hands the encoded frame to the sender. Failures are logged and
// otherwise ignored: the next tick carries fresh state anyway.
func (e *Engine) send(ctx context.Context, s conductor.State) {
	e.lastSend = time.Now()

	sendCtx, cancel := context.WithTimeout(ctx, e.sendTimeout)
	defer cancel()

	err := e.sender.Send(sendCtx, uint16(s.Config.Universe), EncodeFrame(s.CurrentFrame, s.Config.FrameLength))
	if err != nil {
		e.sendFailures++
		if e.sendFailures == 1 || e.sendFailures%100 == 0 {
			log.Printf("[WARN] Failed to send frame %d (%d consecutive failures): %v", s.CurrentFrame, e.sendFailures, err)
		}
		return
	}
	if e.sendFailures > 0 {
		log.Printf("[INFO] Frame sending recovered after %d failures", e.sendFailures)
		e.sendFailures = 0
	}
}

func phaseVerb(p conductor.Phase) string {
	if p == conductor.PhasePaused {
		return "paused"
	}
	return "resumed"
}
