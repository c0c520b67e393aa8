// Package relay connects a running conductor to Redis: every observer event
// is mirrored to the instance's events channel and latest-state key, and
// control commands arriving on the commands channel are applied to the engine.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dyluth/conductor/internal/hub"
	"github.com/dyluth/conductor/pkg/conductor"
)

// DefaultPublishTimeout bounds each Redis write made while mirroring.
const DefaultPublishTimeout = 500 * time.Millisecond

// DefaultRefreshInterval is how often the latest-state key is rewritten while
// no events flow, e.g. when the run is paused.
const DefaultRefreshInterval = conductor.StateTTL / 3

// Controller is the engine's control surface.
type Controller interface {
	Start() (conductor.State, error)
	PauseOrResume() conductor.State
	Pause() conductor.State
	Resume() conductor.State
	Reset() conductor.State
	SetConfig(cfg conductor.SenderConfig) (conductor.State, error)
}

// Relay mirrors hub events to Redis and applies remote commands.
type Relay struct {
	client         *conductor.Client
	hub            *hub.Hub
	ctl            Controller
	publishTimeout time.Duration

	refreshInterval time.Duration
	mu              sync.Mutex
	lastProgress    *conductor.Event
}

// New creates a relay. It does nothing until Run is called.
func New(client *conductor.Client, h *hub.Hub, ctl Controller) *Relay {
	return &Relay{
		client:          client,
		hub:             h,
		ctl:             ctl,
		publishTimeout:  DefaultPublishTimeout,
		refreshInterval: DefaultRefreshInterval,
	}
}

// Run subscribes to the hub and the command channel and blocks until ctx is
// cancelled. Redis failures after startup are logged and never stop the relay.
func (r *Relay) Run(ctx context.Context) error {
	sub, err := r.hub.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to observer hub: %w", err)
	}
	defer r.hub.Unsubscribe(sub)

	cmds, err := r.client.SubscribeCommands(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to commands: %w", err)
	}
	defer cmds.Close()

	log.Printf("[INFO] Relay started for instance '%s'", r.client.InstanceName())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.mirror(ctx, sub)
	}()
	go func() {
		defer wg.Done()
		r.refresh(ctx)
	}()
	defer wg.Wait()

	errs := cmds.Errors()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[INFO] Relay stopped")
			return nil

		case cmd, ok := <-cmds.Commands():
			if !ok {
				log.Printf("[WARN] Command subscription closed")
				<-ctx.Done()
				return nil
			}
			if err := r.Apply(cmd); err != nil {
				log.Printf("[WARN] Command %s (%s) failed: %v", cmd.ID, cmd.Type, err)
			}

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Printf("[WARN] %v", err)
		}
	}
}

// mirror copies hub events to Redis until the subscription ends.
func (r *Relay) mirror(ctx context.Context, sub *hub.Subscription) {
	var failures int
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, hub.ErrSubscriptionClosed) && ctx.Err() == nil {
				log.Printf("[WARN] Relay mirror stopped: %v", err)
			}
			return
		}

		pctx, cancel := context.WithTimeout(ctx, r.publishTimeout)
		err = r.client.PublishEvent(pctx, ev)
		cancel()

		if err != nil {
			failures++
			if failures == 1 || failures%100 == 0 {
				log.Printf("[WARN] Failed to mirror %s event (%d consecutive failures): %v", ev.Type, failures, err)
			}
			continue
		}
		if failures > 0 {
			log.Printf("[INFO] Redis mirroring recovered after %d failures", failures)
			failures = 0
		}
		if ev.Type == conductor.EventProgress {
			r.mu.Lock()
			r.lastProgress = &ev
			r.mu.Unlock()
		}
	}
}

// refresh rewrites the last mirrored progress event before its key expires.
// Only the running phase produces events on every tick.
func (r *Relay) refresh(ctx context.Context) {
	ticker := time.NewTicker(r.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		r.mu.Lock()
		last := r.lastProgress
		r.mu.Unlock()
		if last == nil {
			continue
		}

		sctx, cancel := context.WithTimeout(ctx, r.publishTimeout)
		err := r.client.StoreState(sctx, *last)
		cancel()
		if err != nil {
			log.Printf("[WARN] Failed to refresh mirrored state: %v", err)
		}
	}
}

// Apply executes one command against the controller.
func (r *Relay) Apply(cmd *conductor.Command) error {
	log.Printf("[DEBUG] Applying command %s (%s)", cmd.ID, cmd.Type)

	switch cmd.Type {
	case conductor.CommandStart:
		_, err := r.ctl.Start()
		return err
	case conductor.CommandToggle:
		r.ctl.PauseOrResume()
	case conductor.CommandPause:
		r.ctl.Pause()
	case conductor.CommandResume:
		r.ctl.Resume()
	case conductor.CommandReset:
		r.ctl.Reset()
	case conductor.CommandSetConfig:
		if cmd.Config == nil {
			return fmt.Errorf("set_config command requires a config")
		}
		_, err := r.ctl.SetConfig(*cmd.Config)
		return err
	default:
		return fmt.Errorf("unknown command type: %q", cmd.Type)
	}
	return nil
}
