package engine

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dyluth/conductor/internal/clock"
	"github.com/dyluth/conductor/pkg/conductor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSender captures every frame handed to it.
type recordingSender struct {
	mu       sync.Mutex
	frames   []uint16
	universe []uint16
	lengths  []int
	fail     error
}

func (r *recordingSender) Send(ctx context.Context, universe uint16, channels []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	frame, err := DecodeFrame(channels)
	if err != nil {
		return err
	}
	r.frames = append(r.frames, frame)
	r.universe = append(r.universe, universe)
	r.lengths = append(r.lengths, len(channels))
	return nil
}

func (r *recordingSender) sent() []uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint16(nil), r.frames...)
}

// recordingPublisher captures every event published.
type recordingPublisher struct {
	mu     sync.Mutex
	events []conductor.Event
}

func (r *recordingPublisher) Publish(ev conductor.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingPublisher) all() []conductor.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]conductor.Event(nil), r.events...)
}

type gateFunc func() error

func (g gateFunc) Permit() error { return g() }

func testConfig(total int) conductor.SenderConfig {
	cfg := conductor.DefaultSenderConfig()
	cfg.TotalFrames = total
	cfg.FrameRate = 120
	return cfg
}

func setupTestEngine(t *testing.T, cfg conductor.SenderConfig, opts ...Option) (*Engine, *recordingSender, *recordingPublisher) {
	t.Helper()
	sender := &recordingSender{}
	pub := &recordingPublisher{}
	e, err := New(cfg, sender, pub, opts...)
	require.NoError(t, err)
	return e, sender, pub
}

func TestEncodeDecodeFrame_AllValues(t *testing.T) {
	for i := 0; i <= 65535; i++ {
		frame := uint16(i)
		channels := EncodeFrame(frame, 2)
		require.Len(t, channels, 2)
		got, err := DecodeFrame(channels)
		require.NoError(t, err)
		require.Equal(t, frame, got)
	}
}

func TestEncodeFrame_Layout(t *testing.T) {
	channels := EncodeFrame(0x1234, 512)
	require.Len(t, channels, 512)
	assert.Equal(t, byte(0x12), channels[0], "MSB first")
	assert.Equal(t, byte(0x34), channels[1])
	for i := 2; i < 512; i++ {
		require.Zero(t, channels[i], "channel %d", i+1)
	}

	_, err := DecodeFrame([]byte{1})
	assert.Error(t, err)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := conductor.DefaultSenderConfig()
	cfg.FrameRate = 0
	_, err := New(cfg, &recordingSender{}, nil)
	require.True(t, conductor.IsValidation(err))

	_, err = New(conductor.DefaultSenderConfig(), nil, nil)
	require.Error(t, err)
}

func TestNew_InitialState(t *testing.T) {
	e, _, _ := setupTestEngine(t, testConfig(10))
	s := e.State()
	assert.Equal(t, conductor.PhaseReady, s.Phase)
	assert.Equal(t, uint16(0), s.CurrentFrame)
	assert.Equal(t, testConfig(10), e.Config())
}

func TestStart_Idempotent(t *testing.T) {
	e, _, pub := setupTestEngine(t, testConfig(10))

	s, err := e.Start()
	require.NoError(t, err)
	assert.Equal(t, conductor.PhaseRunning, s.Phase)

	e.tick(context.Background())
	e.tick(context.Background())

	again, err := e.Start()
	require.NoError(t, err)
	assert.Equal(t, uint16(2), again.CurrentFrame, "start while running must not restart")
	assert.Equal(t, conductor.PhaseRunning, again.Phase)

	e.PauseOrResume()
	again, err = e.Start()
	require.NoError(t, err)
	assert.Equal(t, conductor.PhasePaused, again.Phase)
	assert.Equal(t, uint16(2), again.CurrentFrame)

	// start, tick, tick, pause: no events from the two no-op starts
	assert.Len(t, pub.all(), 4)
}

func TestStart_FromCompleteRestarts(t *testing.T) {
	e, _, _ := setupTestEngine(t, testConfig(2))
	_, err := e.Start()
	require.NoError(t, err)
	e.tick(context.Background())
	e.tick(context.Background())
	require.Equal(t, conductor.PhaseComplete, e.State().Phase)

	s, err := e.Start()
	require.NoError(t, err)
	assert.Equal(t, conductor.PhaseRunning, s.Phase)
	assert.Equal(t, uint16(0), s.CurrentFrame)
}

func TestStart_GateRefuses(t *testing.T) {
	e, _, pub := setupTestEngine(t, testConfig(10), WithGate(gateFunc(func() error {
		return errors.New("another instance is active")
	})))

	s, err := e.Start()
	require.ErrorIs(t, err, ErrNotPermitted)
	assert.Equal(t, conductor.PhaseReady, s.Phase)
	assert.Empty(t, pub.all())
}

func TestTick_AdvancesSendsAndPublishes(t *testing.T) {
	cfg := testConfig(10)
	cfg.Universe = 7
	cfg.FrameLength = 24
	e, sender, pub := setupTestEngine(t, cfg)

	// Ticks in Ready do nothing
	e.tick(context.Background())
	assert.Empty(t, sender.sent())

	_, err := e.Start()
	require.NoError(t, err)
	e.tick(context.Background())
	e.tick(context.Background())

	assert.Equal(t, []uint16{1, 2}, sender.sent())
	assert.Equal(t, []uint16{7, 7}, sender.universe)
	assert.Equal(t, []int{24, 24}, sender.lengths)

	events := pub.all()
	last := events[len(events)-1]
	require.Equal(t, conductor.EventProgress, last.Type)
	assert.Equal(t, uint16(2), last.Progress.Frame)
	assert.Equal(t, uint8(20), last.Progress.Percent)
	assert.Equal(t, "Running", last.Progress.Status)
}

func TestRun_ReachesCompleteAndNeverExceedsTotal(t *testing.T) {
	fast := clock.New(1000, clock.WithRateBounds(1, 1000))
	e, sender, pub := setupTestEngine(t, testConfig(10), WithClock(fast))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	_, err := e.Start()
	require.NoError(t, err)
	// Start resets the clock to the configured rate; restore the fast test rate
	fast.SetRate(1000)

	require.Eventually(t, func() bool {
		return e.State().Phase == conductor.PhaseComplete
	}, 5*time.Second, 5*time.Millisecond)

	// Further ticks must not move the counter
	time.Sleep(30 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, uint16(10), e.State().CurrentFrame)

	sent := sender.sent()
	require.NotEmpty(t, sent)
	for i, f := range sent[:10] {
		assert.Equal(t, uint16(i+1), f)
	}
	for _, f := range sent {
		assert.LessOrEqual(t, f, uint16(10))
	}

	var completes int
	for _, ev := range pub.all() {
		if ev.Type == conductor.EventProgress {
			assert.LessOrEqual(t, ev.Progress.Frame, uint16(10))
			if ev.Progress.Status == "Complete" {
				completes++
			}
		}
	}
	assert.Equal(t, 1, completes)
}

func TestRun_LogsConsistentFinalState(t *testing.T) {
	var logs bytes.Buffer
	log.SetOutput(&logs)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	e, _, _ := setupTestEngine(t, testConfig(100))
	_, err := e.Start()
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		e.tick(context.Background())
	}
	require.Equal(t, conductor.PhasePaused, e.Pause().Phase)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Contains(t, logs.String(), "Transmission engine stopped at frame 3 (Paused)")
}

func TestPauseOrResume_FreezesCounter(t *testing.T) {
	e, _, _ := setupTestEngine(t, testConfig(100))

	// No-op in Ready
	assert.Equal(t, conductor.PhaseReady, e.PauseOrResume().Phase)

	_, err := e.Start()
	require.NoError(t, err)
	e.tick(context.Background())
	e.tick(context.Background())

	s := e.PauseOrResume()
	require.Equal(t, conductor.PhasePaused, s.Phase)

	for i := 0; i < 5; i++ {
		e.tick(context.Background())
	}
	assert.Equal(t, uint16(2), e.State().CurrentFrame)

	s = e.PauseOrResume()
	require.Equal(t, conductor.PhaseRunning, s.Phase)
	e.tick(context.Background())
	assert.Equal(t, uint16(3), e.State().CurrentFrame)
}

func TestPauseOrResume_NoopWhenComplete(t *testing.T) {
	e, _, _ := setupTestEngine(t, testConfig(1))
	_, err := e.Start()
	require.NoError(t, err)
	e.tick(context.Background())
	require.Equal(t, conductor.PhaseComplete, e.State().Phase)

	assert.Equal(t, conductor.PhaseComplete, e.PauseOrResume().Phase)
}

func TestPauseAndResume_Explicit(t *testing.T) {
	e, _, _ := setupTestEngine(t, testConfig(100))

	assert.Equal(t, conductor.PhaseReady, e.Pause().Phase)
	assert.Equal(t, conductor.PhaseReady, e.Resume().Phase)

	_, err := e.Start()
	require.NoError(t, err)
	assert.Equal(t, conductor.PhaseRunning, e.Resume().Phase, "resume while running is a no-op")
	assert.Equal(t, conductor.PhasePaused, e.Pause().Phase)
	assert.Equal(t, conductor.PhasePaused, e.Pause().Phase, "pause while paused is a no-op")
	assert.Equal(t, conductor.PhaseRunning, e.Resume().Phase)
}

func TestReset_FromAnyPhase(t *testing.T) {
	setups := map[string]func(e *Engine){
		"ready": func(e *Engine) {},
		"running": func(e *Engine) {
			e.Start()
			e.tick(context.Background())
		},
		"paused": func(e *Engine) {
			e.Start()
			e.tick(context.Background())
			e.PauseOrResume()
		},
		"complete": func(e *Engine) {
			e.Start()
			for i := 0; i < 5; i++ {
				e.tick(context.Background())
			}
		},
	}

	for name, setup := range setups {
		t.Run(name, func(t *testing.T) {
			e, _, pub := setupTestEngine(t, testConfig(5))
			setup(e)

			s := e.Reset()
			assert.Equal(t, conductor.PhaseReady, s.Phase)
			assert.Equal(t, uint16(0), s.CurrentFrame)
			assert.Equal(t, s, e.State())

			events := pub.all()
			require.NotEmpty(t, events)
			last := events[len(events)-1]
			assert.Equal(t, "Ready", last.Progress.Status)
			assert.Equal(t, uint16(0), last.Progress.Frame)
		})
	}
}

func TestSetConfig_ResetsRunInProgress(t *testing.T) {
	e, _, pub := setupTestEngine(t, testConfig(1000))
	_, err := e.Start()
	require.NoError(t, err)
	for i := 0; i < 500; i++ {
		e.tick(context.Background())
	}
	require.Equal(t, uint16(500), e.State().CurrentFrame)

	next := testConfig(2000)
	next.FrameRate = 60
	s, err := e.SetConfig(next)
	require.NoError(t, err)

	assert.Equal(t, conductor.PhaseReady, s.Phase)
	assert.Equal(t, uint16(0), s.CurrentFrame)
	assert.Equal(t, next, s.Config)

	events := pub.all()
	require.GreaterOrEqual(t, len(events), 2)
	cfgEv := events[len(events)-2]
	progEv := events[len(events)-1]
	require.Equal(t, conductor.EventConfigUpdate, cfgEv.Type)
	assert.Equal(t, next, *cfgEv.Config)
	require.Equal(t, conductor.EventProgress, progEv.Type)
	assert.Equal(t, "Ready", progEv.Progress.Status)
	assert.Equal(t, cfgEv.Seq, progEv.Seq)
}

func TestSetConfig_InvalidLeavesStateIntact(t *testing.T) {
	e, _, pub := setupTestEngine(t, testConfig(100))
	_, err := e.Start()
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		e.tick(context.Background())
	}
	before := e.State()
	eventsBefore := len(pub.all())

	bad := []conductor.SenderConfig{
		{TotalFrames: 100, FrameRate: 0, Universe: 1, FrameLength: 512},
		{TotalFrames: 70000, FrameRate: 30, Universe: 1, FrameLength: 512},
	}
	for _, cfg := range bad {
		s, err := e.SetConfig(cfg)
		require.Error(t, err)
		require.True(t, conductor.IsValidation(err))
		assert.Equal(t, before, s)
	}

	assert.Equal(t, before, e.State())
	assert.Len(t, pub.all(), eventsBefore)
}

func TestSend_FailureDoesNotHaltTransmission(t *testing.T) {
	e, sender, _ := setupTestEngine(t, testConfig(10))
	sender.fail = errors.New("network unreachable")

	_, err := e.Start()
	require.NoError(t, err)
	e.tick(context.Background())
	e.tick(context.Background())
	assert.Equal(t, uint16(2), e.State().CurrentFrame)

	sender.mu.Lock()
	sender.fail = nil
	sender.mu.Unlock()

	e.tick(context.Background())
	assert.Equal(t, []uint16{3}, sender.sent())
	assert.Zero(t, e.sendFailures)
}

func TestTick_KeepaliveWhilePaused(t *testing.T) {
	e, sender, _ := setupTestEngine(t, testConfig(10))
	_, err := e.Start()
	require.NoError(t, err)
	e.tick(context.Background())
	e.PauseOrResume()

	// Within the keepalive interval nothing is re-sent
	e.tick(context.Background())
	assert.Equal(t, []uint16{1}, sender.sent())

	e.lastSend = time.Now().Add(-2 * KeepaliveInterval)
	e.tick(context.Background())
	assert.Equal(t, []uint16{1, 1}, sender.sent())
}

func TestSnapshot_MatchesState(t *testing.T) {
	e, _, _ := setupTestEngine(t, testConfig(10))
	_, err := e.Start()
	require.NoError(t, err)
	e.tick(context.Background())

	s := e.State()
	snap := e.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, conductor.ProgressEvent(s), snap[0])
	assert.Equal(t, conductor.ConfigEvent(s), snap[1])
}

func TestConcurrentControlIsRaceFree(t *testing.T) {
	fast := clock.New(1000, clock.WithRateBounds(1, 1000))
	e, _, _ := setupTestEngine(t, testConfig(65535), WithClock(fast))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				switch (i + w) % 4 {
				case 0:
					e.Start()
				case 1:
					e.PauseOrResume()
				case 2:
					e.SetConfig(testConfig(100 + i))
				case 3:
					e.Reset()
				}
				s := e.State()
				assert.LessOrEqual(t, int(s.CurrentFrame), s.Config.TotalFrames)
			}
		}(w)
	}
	wg.Wait()
	cancel()
	require.NoError(t, <-done)
}
