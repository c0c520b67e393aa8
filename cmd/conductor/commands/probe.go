package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dyluth/conductor/internal/printer"
	"github.com/dyluth/conductor/internal/singleton"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var probeWindow time.Duration

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "List active conductors on this network",
	Long: `Listen on the singleton port and report every conductor heard.

The probe never announces itself, so it is safe to run next to a live
conductor. Active conductors heartbeat every couple of seconds; the window
should be longer than their heartbeat interval.

Exits with status 1 when a conductor is found, so scripts can refuse to start
a second one.`,
	Args: cobra.NoArgs,
	RunE: runProbe,
}

func init() {
	probeCmd.Flags().DurationVarP(&probeWindow, "window", "w", 0, "How long to listen (default: heartbeat interval + 1s)")
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	window := probeWindow
	if window <= 0 {
		window = cfg.Singleton.HeartbeatIntervalDuration() + time.Second
	}

	transport, err := singleton.ListenUDP(*cfg.Singleton.Port, cfg.Singleton.BroadcastAddress)
	if err != nil {
		return printer.ErrorWithContext(
			"cannot open singleton port",
			err.Error(),
			map[string]string{"Port": fmt.Sprintf("%d", *cfg.Singleton.Port)},
			[]string{"Set singleton.port in conductor.yml to the port your conductors use"},
		)
	}

	coord := singleton.New(transport, singleton.Options{HeartbeatInterval: cfg.Singleton.HeartbeatIntervalDuration()})
	defer stopCoordinator(coord)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	printer.Step("Listening on port %d for %s...\n", *cfg.Singleton.Port, window)
	peers, err := coord.Probe(ctx, window)
	if err != nil {
		return fmt.Errorf("probe interrupted: %w", err)
	}

	if len(peers) == 0 {
		printer.Success("No active conductor found\n")
		return nil
	}

	if err := renderPeers(cmd.OutOrStdout(), peers); err != nil {
		return err
	}
	return printer.Error(
		fmt.Sprintf("%d active conductor(s) found", len(peers)),
		"",
		[]string{"Stop the listed conductor before starting another on this network"},
	)
}

// renderPeers writes one table row per heard conductor.
func renderPeers(w io.Writer, peers []singleton.HeartbeatRecord) error {
	table := tablewriter.NewWriter(w)
	table.Header("Instance", "Address", "Last seen")
	for _, p := range peers {
		age := time.Since(p.LastSeen).Round(time.Millisecond)
		if err := table.Append([]string{p.InstanceID, p.SourceAddr, age.String() + " ago"}); err != nil {
			return fmt.Errorf("failed to render peers: %w", err)
		}
	}
	return table.Render()
}
