package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/taskorch/pkg/config"
	"github.com/openfroyo/taskorch/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	jsonOutput bool

	buildVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	buildVersion = version

	rootCmd := &cobra.Command{
		Use:   "taskorch",
		Short: "taskorch - event driven task hierarchy orchestrator",
		Long: `taskorch turns business events into trees of dependent tasks.

Task specs declare which events each task waits for and where ready tasks
are routed. Incoming events instantiate or advance task hierarchies, ready
tasks are handed to workers, and workers close tasks to drive the
hierarchy to completion.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	config.BindFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newSpecsCommand())
	rootCmd.AddCommand(newEmitCommand())
	rootCmd.AddCommand(newInstancesCommand())
	rootCmd.AddCommand(newReplayCommand())

	return rootCmd
}

// loadConfig reads the configuration file, environment and flags of cmd.
func loadConfig(cmd *cobra.Command) (*config.AppConfig, error) {
	cfg, err := config.LoadAppConfig(configPath, cmd.Flags())
	if err != nil {
		return nil, err
	}
	cfg.Telemetry.ServiceVersion = buildVersion
	return cfg, nil
}

// loadTelemetry builds the telemetry bundle and attaches it to the command
// context.
func loadTelemetry(cmd *cobra.Command, cfg *config.AppConfig) (*telemetry.Telemetry, error) {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	cmd.SetContext(tel.WithContext(cmd.Context()))
	return tel, nil
}

// specPaths returns args when given, else the configured spec paths.
func specPaths(cfg *config.AppConfig, args []string) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}
	if len(cfg.Specs.Paths) == 0 {
		return nil, fmt.Errorf("no spec paths given; pass paths or --specs")
	}
	return cfg.Specs.Paths, nil
}
