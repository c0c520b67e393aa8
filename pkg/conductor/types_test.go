package conductor

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSenderConfigValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *SenderConfig)
		wantField string
	}{
		{name: "defaults are valid", mutate: func(c *SenderConfig) {}},
		{name: "minimum bounds are valid", mutate: func(c *SenderConfig) {
			c.TotalFrames = 1
			c.FrameRate = 1
			c.Universe = 1
			c.FrameLength = 2
		}},
		{name: "maximum bounds are valid", mutate: func(c *SenderConfig) {
			c.TotalFrames = 65535
			c.FrameRate = 120
			c.Universe = 63999
			c.FrameLength = 512
		}},
		{name: "zero total frames", mutate: func(c *SenderConfig) { c.TotalFrames = 0 }, wantField: "total_frames"},
		{name: "total frames above 16 bits", mutate: func(c *SenderConfig) { c.TotalFrames = 70000 }, wantField: "total_frames"},
		{name: "zero frame rate", mutate: func(c *SenderConfig) { c.FrameRate = 0 }, wantField: "frame_rate"},
		{name: "NaN frame rate", mutate: func(c *SenderConfig) { c.FrameRate = math.NaN() }, wantField: "frame_rate"},
		{name: "infinite frame rate", mutate: func(c *SenderConfig) { c.FrameRate = math.Inf(1) }, wantField: "frame_rate"},
		{name: "frame rate above 120", mutate: func(c *SenderConfig) { c.FrameRate = 120.5 }, wantField: "frame_rate"},
		{name: "universe zero", mutate: func(c *SenderConfig) { c.Universe = 0 }, wantField: "universe"},
		{name: "universe too large", mutate: func(c *SenderConfig) { c.Universe = 64000 }, wantField: "universe"},
		{name: "frame length too short", mutate: func(c *SenderConfig) { c.FrameLength = 1 }, wantField: "frame_length"},
		{name: "frame length above DMX", mutate: func(c *SenderConfig) { c.FrameLength = 513 }, wantField: "frame_length"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultSenderConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantField == "" {
				require.NoError(t, err)
				return
			}

			require.Error(t, err)
			require.True(t, IsValidation(err))
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.wantField, ve.Field)
			assert.NotEmpty(t, ve.Constraint)
		})
	}
}

func TestIntervalForRate(t *testing.T) {
	assert.Equal(t, time.Second, IntervalForRate(1))
	assert.Equal(t, 40*time.Millisecond, IntervalForRate(25))
	// Clamped to the validated range
	assert.Equal(t, time.Second, IntervalForRate(0))
	assert.Equal(t, IntervalForRate(120), IntervalForRate(1000))
	assert.Equal(t, time.Second, IntervalForRate(math.NaN()))
}

func TestClampedInterval(t *testing.T) {
	assert.Equal(t, time.Millisecond, ClampedInterval(1000, 1, 1000))
	assert.Equal(t, time.Millisecond, ClampedInterval(5000, 1, 1000))
	assert.Equal(t, time.Second, ClampedInterval(math.NaN(), 1, 1000))
	assert.Equal(t, time.Second, ClampedInterval(math.Inf(-1), 1, 1000))
}

func TestStatePercentAndActions(t *testing.T) {
	s := State{CurrentFrame: 250, Phase: PhaseRunning, Config: DefaultSenderConfig()}
	assert.Equal(t, uint8(25), s.Percent())
	assert.Equal(t, []Action{ActionPause, ActionReset}, s.Actions())

	s.Phase = PhasePaused
	assert.Equal(t, []Action{ActionResume, ActionReset}, s.Actions())

	s.Phase = PhaseComplete
	s.CurrentFrame = 1000
	assert.Equal(t, uint8(100), s.Percent())
	assert.Equal(t, []Action{ActionStart, ActionReset}, s.Actions())

	s.Phase = PhaseReady
	assert.Equal(t, []Action{ActionStart}, s.Actions())
}

func TestProgressEventJSON(t *testing.T) {
	s := State{CurrentFrame: 10, Phase: PhaseRunning, Config: DefaultSenderConfig(), Seq: 7}

	data, err := json.Marshal(ProgressEvent(s))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"progress","seq":7,"progress":{"frame":10,"total_frames":1000,"status":"Running","percent":1}}`, string(data))

	data, err = json.Marshal(ConfigEvent(s))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"config_update","seq":7,"config":{"total_frames":1000,"frame_rate":30,"universe":999,"frame_length":512}}`, string(data))
}

func TestEventValidate(t *testing.T) {
	assert.Error(t, (&Event{Type: EventProgress}).Validate())
	assert.Error(t, (&Event{Type: EventConfigUpdate}).Validate())
	assert.Error(t, (&Event{Type: "bogus"}).Validate())

	s := State{Phase: PhaseReady, Config: DefaultSenderConfig()}
	p := ProgressEvent(s)
	assert.NoError(t, p.Validate())
}

func TestCommandValidate(t *testing.T) {
	cfg := DefaultSenderConfig()

	assert.NoError(t, NewCommand(CommandStart, nil).Validate())
	assert.NoError(t, NewCommand(CommandSetConfig, &cfg).Validate())
	assert.Error(t, NewCommand(CommandSetConfig, nil).Validate())
	assert.Error(t, NewCommand("launch", nil).Validate())
	assert.Error(t, (&Command{ID: "not-a-uuid", Type: CommandReset}).Validate())
	assert.NoError(t, (&Command{ID: uuid.New().String(), Type: CommandReset}).Validate())
}
