package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"regexp"
	"time"

	"github.com/dyluth/conductor/internal/singleton"
	"github.com/dyluth/conductor/pkg/conductor"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultPath is the config file read when no --config flag is given
	DefaultPath = "conductor.yml"

	// DefaultInstanceName namespaces Redis keys when instance_name is unset
	DefaultInstanceName = "default"

	// MaxNameLength is the maximum length for an instance name (DNS-compatible)
	MaxNameLength = 63

	DefaultSourceName = "conductor"
	DefaultQueueSize  = 16
)

// NamePattern matches valid instance names: lowercase alphanumeric, hyphens
// allowed but not at start or end.
var NamePattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// ConductorConfig represents the top-level conductor.yml configuration
type ConductorConfig struct {
	Version      string           `yaml:"version"`
	InstanceName string           `yaml:"instance_name,omitempty"`
	Sender       *SenderSection   `yaml:"sender,omitempty"`
	Singleton    *SingletonConfig `yaml:"singleton,omitempty"`
	SACN         *SACNConfig      `yaml:"sacn,omitempty"`
	Observers    *ObserversConfig `yaml:"observers,omitempty"`
	Redis        *RedisConfig     `yaml:"redis,omitempty"`
	Health       *HealthConfig    `yaml:"health,omitempty"`
}

// SenderSection is a possibly partial sender record. Unset fields fall back
// to conductor.DefaultSenderConfig.
type SenderSection struct {
	TotalFrames *int     `yaml:"total_frames,omitempty"`
	FrameRate   *float64 `yaml:"frame_rate,omitempty"`
	Universe    *int     `yaml:"universe,omitempty"`
	FrameLength *int     `yaml:"frame_length,omitempty"`
}

// SingletonConfig controls the network singleton protocol
type SingletonConfig struct {
	Port              *int   `yaml:"port,omitempty"`
	BroadcastAddress  string `yaml:"broadcast_address,omitempty"`
	ProbeWindow       string `yaml:"probe_window,omitempty"`       // Go duration, default "2s"
	HeartbeatInterval string `yaml:"heartbeat_interval,omitempty"` // Go duration, default "2s"
	Bypass            bool   `yaml:"bypass,omitempty"`             // Skip coordination (local multi-instance testing only)
}

// SACNConfig controls the E1.31 output
type SACNConfig struct {
	SourceName   string   `yaml:"source_name,omitempty"`
	Priority     *int     `yaml:"priority,omitempty"`
	Multicast    *bool    `yaml:"multicast,omitempty"`
	Destinations []string `yaml:"destinations,omitempty"` // Unicast receivers, "host" or "host:port"
	BindAddress  string   `yaml:"bind_address,omitempty"`
}

// ObserversConfig controls the observer hub
type ObserversConfig struct {
	QueueSize *int `yaml:"queue_size,omitempty"`
}

// RedisConfig enables the Redis relay when URL is set
type RedisConfig struct {
	URL string `yaml:"url,omitempty"`
}

// HealthConfig enables /healthz when Port is non-zero
type HealthConfig struct {
	Port *int `yaml:"port,omitempty"`
}

// Default returns a validated configuration with every default applied.
func Default() *ConductorConfig {
	c := &ConductorConfig{Version: "1.0"}
	if err := c.Validate(); err != nil {
		panic(fmt.Sprintf("default configuration is invalid: %v", err))
	}
	return c
}

// Validate applies defaults to unset fields, then validates the result.
func (c *ConductorConfig) Validate() error {
	if c.Version == "" {
		c.Version = "1.0"
	}
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.InstanceName == "" {
		c.InstanceName = DefaultInstanceName
	}
	if err := ValidateName(c.InstanceName); err != nil {
		return err
	}

	if c.Sender == nil {
		c.Sender = &SenderSection{}
	}
	if err := c.SenderConfig().Validate(); err != nil {
		return fmt.Errorf("sender: %w", err)
	}

	if c.Singleton == nil {
		c.Singleton = &SingletonConfig{}
	}
	if err := c.Singleton.validate(); err != nil {
		return fmt.Errorf("singleton: %w", err)
	}

	if c.SACN == nil {
		c.SACN = &SACNConfig{}
	}
	if err := c.SACN.validate(); err != nil {
		return fmt.Errorf("sacn: %w", err)
	}

	if c.Observers == nil {
		c.Observers = &ObserversConfig{}
	}
	if c.Observers.QueueSize == nil {
		c.Observers.QueueSize = intPtr(DefaultQueueSize)
	}
	if *c.Observers.QueueSize < 1 {
		return fmt.Errorf("observers.queue_size must be >= 1, got %d", *c.Observers.QueueSize)
	}

	if c.Redis == nil {
		c.Redis = &RedisConfig{}
	}

	if c.Health == nil {
		c.Health = &HealthConfig{}
	}
	if c.Health.Port == nil {
		c.Health.Port = intPtr(0)
	}
	if *c.Health.Port < 0 || *c.Health.Port > 65535 {
		return fmt.Errorf("health.port out of range: %d", *c.Health.Port)
	}

	return nil
}

// SenderConfig merges the sender section over the defaults.
func (c *ConductorConfig) SenderConfig() conductor.SenderConfig {
	return c.Sender.Merge(conductor.DefaultSenderConfig())
}

// Merge returns base with every field set in s overriding it.
func (s *SenderSection) Merge(base conductor.SenderConfig) conductor.SenderConfig {
	if s == nil {
		return base
	}
	if s.TotalFrames != nil {
		base.TotalFrames = *s.TotalFrames
	}
	if s.FrameRate != nil {
		base.FrameRate = *s.FrameRate
	}
	if s.Universe != nil {
		base.Universe = *s.Universe
	}
	if s.FrameLength != nil {
		base.FrameLength = *s.FrameLength
	}
	return base
}

func (s *SingletonConfig) validate() error {
	if s.Port == nil {
		s.Port = intPtr(singleton.DefaultPort)
	}
	if *s.Port < 1 || *s.Port > 65535 {
		return fmt.Errorf("port out of range: %d", *s.Port)
	}
	if s.BroadcastAddress == "" {
		s.BroadcastAddress = "255.255.255.255"
	}
	if s.ProbeWindow == "" {
		s.ProbeWindow = singleton.DefaultProbeWindow.String()
	}
	if s.HeartbeatInterval == "" {
		s.HeartbeatInterval = singleton.DefaultHeartbeatInterval.String()
	}

	for name, value := range map[string]string{"probe_window": s.ProbeWindow, "heartbeat_interval": s.HeartbeatInterval} {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, value, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, value)
		}
	}
	return nil
}

// ProbeWindowDuration returns the parsed probe window.
// Only meaningful after Validate.
func (s *SingletonConfig) ProbeWindowDuration() time.Duration {
	d, _ := time.ParseDuration(s.ProbeWindow)
	return d
}

// HeartbeatIntervalDuration returns the parsed heartbeat interval.
// Only meaningful after Validate.
func (s *SingletonConfig) HeartbeatIntervalDuration() time.Duration {
	d, _ := time.ParseDuration(s.HeartbeatInterval)
	return d
}

func (s *SACNConfig) validate() error {
	if s.SourceName == "" {
		s.SourceName = DefaultSourceName
	}
	if len(s.SourceName) > 63 {
		return fmt.Errorf("source_name longer than 63 bytes")
	}
	if s.Priority == nil {
		s.Priority = intPtr(100)
	}
	if *s.Priority < 0 || *s.Priority > 200 {
		return fmt.Errorf("priority must be between 0 and 200, got %d", *s.Priority)
	}
	if s.Multicast == nil {
		multicast := true
		s.Multicast = &multicast
	}
	if !*s.Multicast && len(s.Destinations) == 0 {
		return fmt.Errorf("multicast is disabled and no destinations are listed")
	}
	return nil
}

// ValidateName checks if an instance name is valid according to DNS naming rules.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("instance name cannot be empty")
	}

	if len(name) > MaxNameLength {
		return fmt.Errorf("instance name too long: %d characters (max: %d)", len(name), MaxNameLength)
	}

	if !NamePattern.MatchString(name) {
		return fmt.Errorf("invalid instance name '%s': must be lowercase alphanumeric with hyphens (not at start/end)", name)
	}

	return nil
}

// Load reads and validates conductor.yml from the specified path.
// A missing file yields the defaults.
func Load(path string) (*ConductorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Printf("[INFO] No config file at %s, using defaults", path)
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config ConductorConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func intPtr(v int) *int {
	return &v
}
