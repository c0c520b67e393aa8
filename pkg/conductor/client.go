package conductor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// StateTTL bounds how long a mirrored state snapshot stays readable after the
// conductor stops refreshing it.
const StateTTL = time.Minute

// Client provides instance-scoped Redis operations for mirroring conductor
// state and carrying control commands.
// The client is thread-safe and can be used concurrently from multiple goroutines.
type Client struct {
	rdb          *redis.Client
	instanceName string
}

// NewClient creates a new client for the specified instance.
// Returns an error if instanceName is empty.
func NewClient(redisOpts *redis.Options, instanceName string) (*Client, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	return &Client{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
	}, nil
}

// InstanceName returns the namespace this client operates in.
func (c *Client) InstanceName() string {
	return c.instanceName
}

// Close closes the Redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// PublishEvent mirrors an observer event to Redis.
// Progress events also refresh the state key; config_update events also
// rewrite the config hash. The event is then published on the events channel.
func (c *Client) PublishEvent(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	switch ev.Type {
	case EventProgress:
		if err := c.storeState(ctx, data); err != nil {
			return err
		}
	case EventConfigUpdate:
		key := ConfigKey(c.instanceName)
		if err := c.rdb.HSet(ctx, key, ConfigToHash(*ev.Config)).Err(); err != nil {
			return fmt.Errorf("failed to write config to Redis: %w", err)
		}
	}

	if err := c.rdb.Publish(ctx, EventsChannel(c.instanceName), data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

// StoreState rewrites the latest-state key without publishing, restarting
// its StateTTL. A live conductor calls it periodically so an idle run stays
// readable.
func (c *Client) StoreState(ctx context.Context, ev Event) error {
	if ev.Type != EventProgress {
		return fmt.Errorf("state must be a %s event, got %s", EventProgress, ev.Type)
	}
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return c.storeState(ctx, data)
}

func (c *Client) storeState(ctx context.Context, data []byte) error {
	if err := c.rdb.Set(ctx, StateKey(c.instanceName), data, StateTTL).Err(); err != nil {
		return fmt.Errorf("failed to write state to Redis: %w", err)
	}
	return nil
}

// GetState returns the most recently mirrored progress event.
// Returns (nil, redis.Nil) if nothing has been mirrored within StateTTL.
func (c *Client) GetState(ctx context.Context) (*Event, error) {
	data, err := c.rdb.Get(ctx, StateKey(c.instanceName)).Bytes()
	if err != nil {
		if IsNotFound(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read state from Redis: %w", err)
	}

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}

	return &ev, nil
}

// GetConfig returns the most recently mirrored sender configuration.
// Returns (nil, redis.Nil) if no configuration has been mirrored.
func (c *Client) GetConfig(ctx context.Context) (*SenderConfig, error) {
	hash, err := c.rdb.HGetAll(ctx, ConfigKey(c.instanceName)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read config from Redis: %w", err)
	}

	// HGetAll returns an empty map for non-existent keys
	if len(hash) == 0 {
		return nil, redis.Nil
	}

	cfg, err := HashToConfig(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize config: %w", err)
	}

	return &cfg, nil
}

// PublishCommand sends a control command to the conductor of this instance.
// Returns the number of subscribers that received it; zero means no
// conductor is listening.
func (c *Client) PublishCommand(ctx context.Context, cmd *Command) (int64, error) {
	if err := cmd.Validate(); err != nil {
		return 0, fmt.Errorf("invalid command: %w", err)
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal command: %w", err)
	}

	n, err := c.rdb.Publish(ctx, CommandsChannel(c.instanceName), data).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to publish command: %w", err)
	}

	return n, nil
}

// EventSubscription represents an active subscription to mirrored events.
type EventSubscription struct {
	events <-chan *Event
	errors <-chan error
	cancel context.CancelFunc
}

// Events returns the channel of events.
// The channel will be closed when the subscription is closed or the context is cancelled.
func (s *EventSubscription) Events() <-chan *Event {
	return s.events
}

// Errors returns the channel of subscription errors (malformed payloads).
func (s *EventSubscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription and releases its Redis connection.
func (s *EventSubscription) Close() error {
	s.cancel()
	return nil
}

// CommandSubscription represents an active subscription to control commands.
type CommandSubscription struct {
	commands <-chan *Command
	errors   <-chan error
	cancel   context.CancelFunc
}

// Commands returns the channel of commands.
func (s *CommandSubscription) Commands() <-chan *Command {
	return s.commands
}

// Errors returns the channel of subscription errors (malformed payloads).
func (s *CommandSubscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription and releases its Redis connection.
func (s *CommandSubscription) Close() error {
	s.cancel()
	return nil
}

// SubscribeEvents subscribes to mirrored events for this instance.
// The subscription is confirmed by Redis before this method returns, so no
// event published afterwards is missed.
//
// Events are delivered on a buffered channel (size 10). Redis Pub/Sub is
// at-most-once: a subscriber that falls behind loses messages.
func (c *Client) SubscribeEvents(ctx context.Context) (*EventSubscription, error) {
	pubsub := c.rdb.Subscribe(ctx, EventsChannel(c.instanceName))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to events: %w", err)
	}

	eventsChan := make(chan *Event, 10)
	errorsChan := make(chan error, 10)
	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- &ev:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &EventSubscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}

// SubscribeCommands subscribes to control commands for this instance.
// Malformed or invalid commands are reported on the Errors channel and skipped.
func (c *Client) SubscribeCommands(ctx context.Context) (*CommandSubscription, error) {
	pubsub := c.rdb.Subscribe(ctx, CommandsChannel(c.instanceName))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to commands: %w", err)
	}

	commandsChan := make(chan *Command, 10)
	errorsChan := make(chan error, 10)
	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(commandsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var cmd Command
				err := json.Unmarshal([]byte(msg.Payload), &cmd)
				if err == nil {
					err = cmd.Validate()
				}
				if err != nil {
					select {
					case errorsChan <- fmt.Errorf("rejected command: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case commandsChan <- &cmd:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &CommandSubscription{
		commands: commandsChan,
		errors:   errorsChan,
		cancel:   cancelFunc,
	}, nil
}
