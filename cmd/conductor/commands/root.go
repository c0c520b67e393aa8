package commands

import (
	"fmt"

	"github.com/dyluth/conductor/internal/config"
	"github.com/dyluth/conductor/internal/printer"
	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string

	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Conductor - network frame clock over sACN",
	Long: `Conductor transmits a 16-bit frame counter over E1.31 (sACN) so that
lighting, video and audio playback machines on the same network stay in step.

Only one conductor may run per broadcast domain. On startup it listens for
other instances and refuses to transmit if one is already active.

Progress and control are mirrored through Redis when a URL is configured,
so "conductor watch" and "conductor ctl" can run from any machine.`,
	Version: version,
	// Prevent silent success when unknown flags are passed to root command
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	// We print formatted colored errors directly in the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to conductor.yml")
}

// loadConfig reads the --config file, printing a formatted error on failure.
func loadConfig() (*config.ConductorConfig, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, printer.ErrorWithContext(
			"invalid configuration",
			err.Error(),
			map[string]string{"Config": configPath},
			[]string{"Fix the file or remove it to run with defaults"},
		)
	}
	return cfg, nil
}
