package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/dyluth/conductor/internal/config"
	"github.com/dyluth/conductor/internal/printer"
	"github.com/dyluth/conductor/internal/watch"
	"github.com/dyluth/conductor/pkg/conductor"
	"github.com/spf13/cobra"
)

var (
	ctlInstanceName string
	ctlRedisURL     string
	ctlWait         bool
	ctlWaitTimeout  time.Duration

	ctlFrameRate   float64
	ctlTotalFrames int
	ctlUniverse    int
	ctlFrameLength int
)

var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Control a running conductor through Redis",
	Long: `Send control commands to a running conductor that has a Redis URL
configured.

Examples:
  conductor ctl start --wait
  conductor ctl pause
  conductor ctl set-config --fps 25 --target-frame 1500
  conductor ctl status`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// ctlAction describes one simple control subcommand.
type ctlAction struct {
	use     string
	short   string
	command conductor.CommandType
	settled []conductor.Phase // phases that satisfy --wait
}

var ctlActions = []ctlAction{
	{"start", "Start counting from frame 0 (or restart after completion)", conductor.CommandStart, []conductor.Phase{conductor.PhaseRunning, conductor.PhaseComplete}},
	{"toggle", "Pause if running, resume if paused", conductor.CommandToggle, []conductor.Phase{conductor.PhaseRunning, conductor.PhasePaused}},
	{"pause", "Freeze the frame counter", conductor.CommandPause, []conductor.Phase{conductor.PhasePaused}},
	{"resume", "Continue from the frozen frame", conductor.CommandResume, []conductor.Phase{conductor.PhaseRunning}},
	{"reset", "Return to frame 0, ready to start", conductor.CommandReset, []conductor.Phase{conductor.PhaseReady}},
}

var ctlSetConfigCmd = &cobra.Command{
	Use:   "set-config",
	Short: "Replace the sender configuration (resets the run)",
	Long: `Replace the sender configuration. Unset flags keep the values
currently mirrored by the conductor. Applying a configuration resets the
counter to frame 0.`,
	RunE: runCtlSetConfig,
}

var ctlStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the latest mirrored state and configuration",
	RunE:  runCtlStatus,
}

func init() {
	ctlCmd.PersistentFlags().StringVarP(&ctlInstanceName, "name", "n", "", "Target instance name (from conductor.yml if omitted)")
	ctlCmd.PersistentFlags().StringVar(&ctlRedisURL, "redis-url", "", "Redis server (from conductor.yml if omitted)")
	ctlCmd.PersistentFlags().BoolVar(&ctlWait, "wait", false, "Wait until the conductor reports the resulting phase")
	ctlCmd.PersistentFlags().DurationVar(&ctlWaitTimeout, "timeout", 5*time.Second, "How long --wait waits")

	for _, a := range ctlActions {
		ctlCmd.AddCommand(&cobra.Command{
			Use:   a.use,
			Short: a.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return sendCommand(conductor.NewCommand(a.command, nil), a.settled)
			},
		})
	}

	ctlSetConfigCmd.Flags().Float64Var(&ctlFrameRate, "fps", 0, "Frames per second (1-120)")
	ctlSetConfigCmd.Flags().IntVar(&ctlTotalFrames, "target-frame", 0, "Frame at which the run completes (1-65535)")
	ctlSetConfigCmd.Flags().IntVar(&ctlUniverse, "universe", 0, "sACN universe (1-63999)")
	ctlSetConfigCmd.Flags().IntVar(&ctlFrameLength, "frame-length", 0, "DMX slots per packet (2-512)")
	ctlCmd.AddCommand(ctlSetConfigCmd, ctlStatusCmd)

	rootCmd.AddCommand(ctlCmd)
}

// ctlClient connects to Redis for the target instance.
func ctlClient(ctx context.Context) (*conductor.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	name, err := resolveInstanceName(ctlInstanceName, cfg)
	if err != nil {
		return nil, err
	}
	return connectRedis(ctx, resolveRedisURL(ctlRedisURL, cfg), name)
}

func sendCommand(c *conductor.Command, settled []conductor.Phase) error {
	ctx := context.Background()
	client, err := ctlClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	// Only a state newer than this one can confirm the command
	var baseline uint64
	if ctlWait {
		current, err := client.GetState(ctx)
		switch {
		case err == nil:
			baseline = current.Seq
		case !conductor.IsNotFound(err):
			return fmt.Errorf("failed to read current state: %w", err)
		}
	}

	n, err := client.PublishCommand(ctx, c)
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", c.Type, err)
	}
	if n == 0 {
		return printer.ErrorWithContext(
			"no conductor is listening",
			"The command was published but no running conductor received it.",
			map[string]string{"Instance": client.InstanceName()},
			[]string{
				"Check 'conductor run' was started with the same --redis-url and --name",
				"Run 'conductor probe' to list conductors on this network",
			},
		)
	}
	printer.Success("Sent %s to '%s'\n", c.Type, client.InstanceName())

	if !ctlWait {
		return nil
	}

	settledPhase := watch.PhaseIs(settled...)
	ev, err := watch.PollForState(ctx, client, watch.After(baseline, settledPhase), ctlWaitTimeout)
	if err != nil {
		// Commands that change nothing (pause while paused) never bump the sequence
		if current, gerr := client.GetState(ctx); gerr == nil && current.Seq == baseline && settledPhase(current) {
			printer.Info("No change: conductor is already %s\n", current.Progress.Status)
			watch.FormatText(printer.Out, current)
			return nil
		}
		return printer.Error("conductor did not confirm the command", err.Error(), []string{"Check the conductor's log output"})
	}
	watch.FormatText(printer.Out, ev)
	return nil
}

// mergeSetConfigFlags overlays explicitly set flags on base.
func mergeSetConfigFlags(cmd *cobra.Command, base conductor.SenderConfig) conductor.SenderConfig {
	var section config.SenderSection
	flags := cmd.Flags()
	if flags.Changed("fps") {
		section.FrameRate = &ctlFrameRate
	}
	if flags.Changed("target-frame") {
		section.TotalFrames = &ctlTotalFrames
	}
	if flags.Changed("universe") {
		section.Universe = &ctlUniverse
	}
	if flags.Changed("frame-length") {
		section.FrameLength = &ctlFrameLength
	}
	return section.Merge(base)
}

func runCtlSetConfig(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	client, err := ctlClient(ctx)
	if err != nil {
		return err
	}

	base := conductor.DefaultSenderConfig()
	current, err := client.GetConfig(ctx)
	switch {
	case err == nil:
		base = *current
	case conductor.IsNotFound(err):
		printer.Warning("No mirrored configuration found, unset fields use defaults\n")
	default:
		client.Close()
		return fmt.Errorf("failed to read current configuration: %w", err)
	}
	client.Close()

	next := mergeSetConfigFlags(cmd, base)
	if err := next.Validate(); err != nil {
		return printer.Error("invalid configuration", err.Error(), []string{"Run 'conductor ctl set-config --help' for valid ranges"})
	}

	return sendCommand(conductor.NewCommand(conductor.CommandSetConfig, &next), []conductor.Phase{conductor.PhaseReady})
}

func runCtlStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	client, err := ctlClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	cfg, err := client.GetConfig(ctx)
	if err != nil && !conductor.IsNotFound(err) {
		return fmt.Errorf("failed to read configuration: %w", err)
	}
	ev, err := client.GetState(ctx)
	if err != nil && !conductor.IsNotFound(err) {
		return fmt.Errorf("failed to read state: %w", err)
	}

	if cfg == nil && ev == nil {
		return printer.ErrorWithContext(
			"no state mirrored",
			"Nothing has been published for this instance recently.",
			map[string]string{"Instance": client.InstanceName()},
			[]string{"Start a conductor with --redis-url pointing at this server"},
		)
	}

	out := cmd.OutOrStdout()
	if cfg != nil {
		fmt.Fprintf(out, "config    %s\n", watch.FormatConfig(*cfg))
	}
	if ev != nil {
		watch.FormatText(out, ev)
	}
	return nil
}
