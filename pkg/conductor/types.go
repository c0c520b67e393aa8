// Package conductor provides the shared data types and Redis schema for the
// frame conductor. The conductor transmits a 16-bit frame counter over sACN and
// mirrors its state to any number of observers.
//
// All Redis keys and channels are namespaced by instance name so that several
// conductors can share one Redis server.
package conductor

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Validated ranges for SenderConfig fields.
const (
	MinTotalFrames = 1
	MaxTotalFrames = 65535
	MinFrameRate   = 1.0
	MaxFrameRate   = 120.0
	MinUniverse    = 1
	MaxUniverse    = 63999
	MinFrameLength = 2
	MaxFrameLength = 512
)

// Defaults used for any field missing from a persisted sender record.
const (
	DefaultTotalFrames = 1000
	DefaultFrameRate   = 30.0
	DefaultUniverse    = 999
	DefaultFrameLength = 512
)

// SenderConfig is an immutable snapshot of the transmission settings.
// Fields are decoded as wide types so that out-of-range input can be reported
// rather than silently truncated; Validate enforces the 16-bit ranges.
type SenderConfig struct {
	TotalFrames int     `json:"total_frames" yaml:"total_frames"` // Frame count at which a run completes (1-65535)
	FrameRate   float64 `json:"frame_rate" yaml:"frame_rate"`     // Frames per second (1-120)
	Universe    int     `json:"universe" yaml:"universe"`         // sACN universe the frame is sent to
	FrameLength int     `json:"frame_length" yaml:"frame_length"` // Number of DMX channels per packet
}

// DefaultSenderConfig returns the configuration used when nothing is persisted.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		TotalFrames: DefaultTotalFrames,
		FrameRate:   DefaultFrameRate,
		Universe:    DefaultUniverse,
		FrameLength: DefaultFrameLength,
	}
}

// Validate checks every field against its allowed range.
// Returns a *ValidationError naming the first violated constraint.
func (c SenderConfig) Validate() error {
	if c.TotalFrames < MinTotalFrames || c.TotalFrames > MaxTotalFrames {
		return &ValidationError{
			Field:      "total_frames",
			Value:      fmt.Sprint(c.TotalFrames),
			Constraint: fmt.Sprintf("must be between %d and %d", MinTotalFrames, MaxTotalFrames),
		}
	}

	if math.IsNaN(c.FrameRate) || c.FrameRate < MinFrameRate || c.FrameRate > MaxFrameRate {
		return &ValidationError{
			Field:      "frame_rate",
			Value:      fmt.Sprint(c.FrameRate),
			Constraint: fmt.Sprintf("must be between %g and %g", MinFrameRate, MaxFrameRate),
		}
	}

	if c.Universe < MinUniverse || c.Universe > MaxUniverse {
		return &ValidationError{
			Field:      "universe",
			Value:      fmt.Sprint(c.Universe),
			Constraint: fmt.Sprintf("must be between %d and %d", MinUniverse, MaxUniverse),
		}
	}

	if c.FrameLength < MinFrameLength || c.FrameLength > MaxFrameLength {
		return &ValidationError{
			Field:      "frame_length",
			Value:      fmt.Sprint(c.FrameLength),
			Constraint: fmt.Sprintf("must be between %d and %d", MinFrameLength, MaxFrameLength),
		}
	}

	return nil
}

// IntervalForRate converts a frame rate into a tick interval, clamping the
// rate to the validated range.
func IntervalForRate(rate float64) time.Duration {
	return ClampedInterval(rate, MinFrameRate, MaxFrameRate)
}

// ClampedInterval converts rate into a tick interval after clamping it to
// [min, max]. NaN is treated as min.
func ClampedInterval(rate, min, max float64) time.Duration {
	if math.IsNaN(rate) || rate < min {
		rate = min
	}
	if rate > max {
		rate = max
	}
	return time.Duration(float64(time.Second) / rate)
}

// Phase is the lifecycle state of a transmission run.
type Phase string

const (
	// PhaseReady means no run is in progress and the counter is at zero
	PhaseReady Phase = "Ready"

	// PhaseRunning means the counter advances on every clock tick
	PhaseRunning Phase = "Running"

	// PhasePaused means a run is in progress but the counter is frozen
	PhasePaused Phase = "Paused"

	// PhaseComplete means the counter reached total_frames
	PhaseComplete Phase = "Complete"
)

// Action names a control operation that is meaningful in a given phase.
type Action string

const (
	ActionStart  Action = "start"
	ActionPause  Action = "pause"
	ActionResume Action = "resume"
	ActionReset  Action = "reset"
)

// State is a consistent snapshot of the transmission engine.
type State struct {
	CurrentFrame uint16       `json:"current_frame"`
	Phase        Phase        `json:"phase"`
	Config       SenderConfig `json:"config"`
	Seq          uint64       `json:"seq"` // Monotonic mutation counter, orders snapshots and events
}

// Percent returns progress through the run as a whole percentage.
func (s State) Percent() uint8 {
	if s.Config.TotalFrames <= 0 {
		return 0
	}
	p := int(s.CurrentFrame) * 100 / s.Config.TotalFrames
	if p > 100 {
		p = 100
	}
	return uint8(p)
}

// Actions returns the control operations that change state in the current phase.
func (s State) Actions() []Action {
	switch s.Phase {
	case PhaseRunning:
		return []Action{ActionPause, ActionReset}
	case PhasePaused:
		return []Action{ActionResume, ActionReset}
	case PhaseComplete:
		return []Action{ActionStart, ActionReset}
	default:
		return []Action{ActionStart}
	}
}

// Progress returns the progress view of this state as published to observers.
func (s State) Progress() Progress {
	return Progress{
		Frame:       s.CurrentFrame,
		TotalFrames: uint16(s.Config.TotalFrames),
		Status:      string(s.Phase),
		Percent:     s.Percent(),
	}
}

// Progress is the payload of a progress event.
type Progress struct {
	Frame       uint16 `json:"frame"`
	TotalFrames uint16 `json:"total_frames"`
	Status      string `json:"status"`
	Percent     uint8  `json:"percent"`
}

// EventType identifies the kind of observer event.
type EventType string

const (
	// EventProgress carries the frame counter and phase
	EventProgress EventType = "progress"

	// EventConfigUpdate carries the full configuration after a change
	EventConfigUpdate EventType = "config_update"
)

// Event is what observers receive. Exactly one of Progress or Config is set,
// depending on Type.
type Event struct {
	Type     EventType     `json:"type"`
	Seq      uint64        `json:"seq"`
	Progress *Progress     `json:"progress,omitempty"`
	Config   *SenderConfig `json:"config,omitempty"`
}

// ProgressEvent builds a progress event from a state snapshot.
func ProgressEvent(s State) Event {
	p := s.Progress()
	return Event{Type: EventProgress, Seq: s.Seq, Progress: &p}
}

// ConfigEvent builds a config_update event from a state snapshot.
func ConfigEvent(s State) Event {
	cfg := s.Config
	return Event{Type: EventConfigUpdate, Seq: s.Seq, Config: &cfg}
}

// Validate checks that the event payload matches its type.
func (e *Event) Validate() error {
	switch e.Type {
	case EventProgress:
		if e.Progress == nil {
			return fmt.Errorf("progress event missing progress payload")
		}
	case EventConfigUpdate:
		if e.Config == nil {
			return fmt.Errorf("config_update event missing config payload")
		}
	default:
		return fmt.Errorf("invalid event type: %q", e.Type)
	}
	return nil
}

// CommandType identifies a remote control operation.
type CommandType string

const (
	CommandStart     CommandType = "start"
	CommandToggle    CommandType = "toggle"
	CommandPause     CommandType = "pause"
	CommandResume    CommandType = "resume"
	CommandReset     CommandType = "reset"
	CommandSetConfig CommandType = "set_config"
)

// Command is a control request delivered over the Redis command channel.
type Command struct {
	ID         string        `json:"id"` // UUID, used to correlate log lines
	Type       CommandType   `json:"type"`
	Config     *SenderConfig `json:"config,omitempty"` // Required for set_config
	IssuedAtMs int64         `json:"issued_at_ms"`
}

// NewCommand creates a command with a fresh ID and timestamp.
func NewCommand(t CommandType, cfg *SenderConfig) *Command {
	return &Command{
		ID:         uuid.New().String(),
		Type:       t,
		Config:     cfg,
		IssuedAtMs: time.Now().UnixMilli(),
	}
}

// Validate checks that the command is well formed. It does not validate the
// embedded configuration; that is the engine's job.
func (c *Command) Validate() error {
	if _, err := uuid.Parse(c.ID); err != nil {
		return fmt.Errorf("invalid command ID: %w", err)
	}

	switch c.Type {
	case CommandStart, CommandToggle, CommandPause, CommandResume, CommandReset:
	case CommandSetConfig:
		if c.Config == nil {
			return fmt.Errorf("set_config command requires a config")
		}
	default:
		return fmt.Errorf("invalid command type: %q", c.Type)
	}

	return nil
}
