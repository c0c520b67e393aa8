// Package watch implements the client side of the Redis mirror: streaming
// events from a running conductor and waiting for it to reach a state.
package watch

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dyluth/conductor/pkg/conductor"
)

// PollForState polls the mirrored state key until match accepts it.
// A nil match accepts any state. Polls every 200ms until timeout.
func PollForState(ctx context.Context, client *conductor.Client, match func(*conductor.Event) bool, timeout time.Duration) (*conductor.Event, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	timeoutCh := time.After(timeout)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-timeoutCh:
			return nil, fmt.Errorf("timeout waiting for conductor state after %v", timeout)

		case <-ticker.C:
			ev, err := client.GetState(ctx)
			if err != nil {
				if conductor.IsNotFound(err) {
					// Nothing mirrored yet, continue polling
					continue
				}
				return nil, fmt.Errorf("failed to query state: %w", err)
			}

			if match == nil || match(ev) {
				return ev, nil
			}
		}
	}
}

// PhaseIs matches progress events in any of the given phases.
func PhaseIs(phases ...conductor.Phase) func(*conductor.Event) bool {
	return func(ev *conductor.Event) bool {
		if ev.Progress == nil {
			return false
		}
		for _, p := range phases {
			if ev.Progress.Status == string(p) {
				return true
			}
		}
		return false
	}
}

// After restricts match to events with a sequence number above seq, so a
// state mirrored before a command was sent cannot satisfy a wait on it.
func After(seq uint64, match func(*conductor.Event) bool) func(*conductor.Event) bool {
	return func(ev *conductor.Event) bool {
		return ev.Seq > seq && (match == nil || match(ev))
	}
}

// StreamOptions controls StreamEvents output.
type StreamOptions struct {
	Format OutputFormat

	// ProgressEvery prints only every Nth frame while running. Phase changes
	// and config updates are always printed. 0 or 1 prints every frame.
	ProgressEvery uint16

	// Snapshot prints the currently mirrored state before streaming.
	Snapshot bool
}

// StreamEvents writes mirrored events to w until ctx is cancelled or the
// subscription ends.
func StreamEvents(ctx context.Context, client *conductor.Client, opts StreamOptions, w io.Writer) error {
	sub, err := client.SubscribeEvents(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()

	if opts.Snapshot {
		ev, err := client.GetState(ctx)
		switch {
		case err == nil:
			if err := writeEvent(w, opts.Format, ev); err != nil {
				return err
			}
		case !conductor.IsNotFound(err):
			return err
		}
	}

	var lastStatus string
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if !shouldPrint(ev, opts.ProgressEvery, lastStatus) {
				continue
			}
			if ev.Progress != nil {
				lastStatus = ev.Progress.Status
			}
			if err := writeEvent(w, opts.Format, ev); err != nil {
				return err
			}

		case err, ok := <-sub.Errors():
			if !ok {
				return nil
			}
			fmt.Fprintf(w, "warning: %v\n", err)
		}
	}
}

func shouldPrint(ev *conductor.Event, every uint16, lastStatus string) bool {
	if ev.Type != conductor.EventProgress || every <= 1 {
		return true
	}
	p := ev.Progress
	if p.Status != lastStatus || p.Status != string(conductor.PhaseRunning) {
		return true
	}
	return p.Frame%every == 0
}

func writeEvent(w io.Writer, format OutputFormat, ev *conductor.Event) error {
	if format == OutputFormatJSONL {
		return FormatJSONL(w, ev)
	}
	FormatText(w, ev)
	return nil
}
