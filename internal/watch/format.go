package watch

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/dyluth/conductor/pkg/conductor"
)

// OutputFormat specifies how events are written.
type OutputFormat string

const (
	// OutputFormatDefault is one human-readable line per event
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSONL writes each event as a JSON object on its own line
	OutputFormatJSONL OutputFormat = "jsonl"
)

// ParseOutputFormat validates a --output flag value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case "", OutputFormatDefault:
		return OutputFormatDefault, nil
	case OutputFormatJSONL, "json":
		return OutputFormatJSONL, nil
	}
	return "", fmt.Errorf("invalid output format '%s' (must be 'default' or 'jsonl')", s)
}

// FormatText writes one human-readable line for the event.
func FormatText(w io.Writer, ev *conductor.Event) {
	switch ev.Type {
	case conductor.EventProgress:
		p := ev.Progress
		fmt.Fprintf(w, "%-9s %5d/%-5d %s %3d%%\n", p.Status, p.Frame, p.TotalFrames, progressBar(p.Percent, 20), p.Percent)
	case conductor.EventConfigUpdate:
		fmt.Fprintf(w, "config    %s\n", FormatConfig(*ev.Config))
	default:
		fmt.Fprintf(w, "%-9s (unknown event)\n", ev.Type)
	}
}

// FormatConfig renders a sender configuration on one line.
func FormatConfig(c conductor.SenderConfig) string {
	return fmt.Sprintf("%d frames @ %g fps, universe %d, %d channels", c.TotalFrames, c.FrameRate, c.Universe, c.FrameLength)
}

// FormatJSONL writes the event as a single line of JSON.
func FormatJSONL(w io.Writer, ev *conductor.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event to JSON: %w", err)
	}

	if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
		return fmt.Errorf("failed to write JSONL output: %w", err)
	}
	return nil
}

// progressBar draws percent as a bar of the given width.
func progressBar(percent uint8, width int) string {
	if percent > 100 {
		percent = 100
	}
	filled := int(percent) * width / 100
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + "]"
}
