package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/dyluth/conductor/internal/config"
	"github.com/dyluth/conductor/internal/printer"
	"github.com/dyluth/conductor/pkg/conductor"
	"github.com/redis/go-redis/v9"
)

const defaultRedisURL = "redis://localhost:6379"

// resolveRedisURL picks the flag value, then the config file, then localhost.
func resolveRedisURL(flag string, cfg *config.ConductorConfig) string {
	if flag != "" {
		return flag
	}
	if cfg != nil && cfg.Redis != nil && cfg.Redis.URL != "" {
		return cfg.Redis.URL
	}
	return defaultRedisURL
}

// resolveInstanceName picks the flag value over the config file.
func resolveInstanceName(flag string, cfg *config.ConductorConfig) (string, error) {
	name := flag
	if name == "" {
		name = cfg.InstanceName
	}
	if err := config.ValidateName(name); err != nil {
		return "", printer.Error("invalid instance name", err.Error(), []string{"Use lowercase letters, digits and hyphens"})
	}
	return name, nil
}

// connectRedis parses the URL, builds a client for the instance and checks
// the server answers.
func connectRedis(ctx context.Context, url, instanceName string) (*conductor.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, printer.ErrorWithContext(
			"invalid Redis URL",
			err.Error(),
			map[string]string{"URL": url},
			[]string{"Use the form redis://host:6379/0"},
		)
	}

	client, err := conductor.NewClient(opts, instanceName)
	if err != nil {
		return nil, fmt.Errorf("failed to create Redis client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		client.Close()
		return nil, printer.ErrorWithContext(
			"Redis not reachable",
			err.Error(),
			map[string]string{"URL": url, "Instance": instanceName},
			[]string{
				"Start Redis or point --redis-url at a running server",
				"Set redis.url in conductor.yml",
			},
		)
	}
	return client, nil
}
