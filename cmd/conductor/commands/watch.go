package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dyluth/conductor/internal/printer"
	"github.com/dyluth/conductor/internal/watch"
	"github.com/spf13/cobra"
)

var (
	watchInstanceName string
	watchOutputFormat string
	watchRedisURL     string
	watchEvery        uint16
	watchNoSnapshot   bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream frame progress from a running conductor",
	Long: `Stream progress and configuration changes mirrored to Redis by a
running conductor. Any number of watchers may run at once, on any machine
that can reach the Redis server.

Output Formats:
  default - One human-readable line per event
  jsonl   - Line-delimited JSON for programmatic processing

Examples:
  # Watch the default instance, printing every 30th frame
  conductor watch --every 30

  # Export events as JSON lines
  conductor watch --output=jsonl > frames.jsonl`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchInstanceName, "name", "n", "", "Target instance name (from conductor.yml if omitted)")
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output", "o", "default", "Output format (default or jsonl)")
	watchCmd.Flags().StringVar(&watchRedisURL, "redis-url", "", "Redis server (from conductor.yml if omitted)")
	watchCmd.Flags().Uint16Var(&watchEvery, "every", 1, "Print every Nth frame while running")
	watchCmd.Flags().BoolVar(&watchNoSnapshot, "no-snapshot", false, "Do not print the current state before streaming")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	format, err := watch.ParseOutputFormat(watchOutputFormat)
	if err != nil {
		return printer.Error("invalid output format", err.Error(), []string{"Valid formats: default, jsonl"})
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	name, err := resolveInstanceName(watchInstanceName, cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := connectRedis(ctx, resolveRedisURL(watchRedisURL, cfg), name)
	if err != nil {
		return err
	}
	defer client.Close()

	if format == watch.OutputFormatDefault {
		printer.Step("Watching conductor '%s' (Ctrl+C to stop)\n", name)
	}

	return watch.StreamEvents(ctx, client, watch.StreamOptions{
		Format:        format,
		ProgressEvery: watchEvery,
		Snapshot:      !watchNoSnapshot,
	}, cmd.OutOrStdout())
}
