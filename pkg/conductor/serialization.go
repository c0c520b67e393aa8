package conductor

import (
	"fmt"
	"strconv"
)

// Serialization helpers for storing a SenderConfig as a Redis hash.
//
// A hash keeps each field individually readable with HGET, which is handy when
// inspecting a running conductor from redis-cli.

// ConfigToHash converts a SenderConfig to a Redis hash.
func ConfigToHash(c SenderConfig) map[string]interface{} {
	return map[string]interface{}{
		"total_frames": c.TotalFrames,
		"frame_rate":   strconv.FormatFloat(c.FrameRate, 'f', -1, 64),
		"universe":     c.Universe,
		"frame_length": c.FrameLength,
	}
}

// HashToConfig converts a Redis hash back into a SenderConfig.
// Missing fields fall back to their defaults; present but malformed fields are an error.
func HashToConfig(hash map[string]string) (SenderConfig, error) {
	cfg := DefaultSenderConfig()

	if v, ok := hash["total_frames"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid total_frames field: %w", err)
		}
		cfg.TotalFrames = n
	}

	if v, ok := hash["frame_rate"]; ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid frame_rate field: %w", err)
		}
		cfg.FrameRate = f
	}

	if v, ok := hash["universe"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid universe field: %w", err)
		}
		cfg.Universe = n
	}

	if v, ok := hash["frame_length"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid frame_length field: %w", err)
		}
		cfg.FrameLength = n
	}

	return cfg, nil
}
