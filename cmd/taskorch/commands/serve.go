package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/taskorch/pkg/adapter"
	"github.com/openfroyo/taskorch/pkg/api"
)

const drainTimeout = 30 * time.Second

func newServeCommand() *cobra.Command {
	var readStdin bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator",
		Long: `Run the orchestrator.

serve loads the task specs, opens the store and starts the dispatcher. Events
and task closures are read from stdin as newline delimited JSON EVENT and
CLOSE messages; TASK, UNROUTABLE and CLOSE_REPLY messages are written to
stdout.

With --listen the HTTP API is served as well and serve runs until
interrupted. Without it serve exits once stdin ends and in-flight work has
settled.

With --adapter, stdin lines are raw JSON messages converted to events by
the Starlark adapter scripts.`,
		Example: `  # Process a batch of events
  taskorch serve --specs specs/ < events.ndjson

  # Long running, with the API, SQLite persistence and spec hot reload
  taskorch serve --specs specs/ --watch --store sqlite --db taskorch.db --listen :8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			tel, err := loadTelemetry(cmd, cfg)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			logger := tel.Logger.Zerolog()

			chain, err := adapter.LoadChain(cfg.Adapters.Scripts, cfg.Adapters.Timeout, logger)
			if err != nil {
				return err
			}

			rt, err := newRuntime(ctx, cfg, tel, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
				defer cancel()
				rt.Close(shutdownCtx)
			}()

			if err := tel.Metrics.StartMetricsServer(ctx); err != nil {
				return fmt.Errorf("failed to start metrics server: %w", err)
			}

			serving := cfg.API.ListenAddress != ""
			apiDone := make(chan error, 1)
			if serving {
				srv := api.NewServer(rt.store,
					api.WithEventSink(rt.Submit),
					api.WithMetrics(tel.Metrics),
					api.WithTracerProvider(tel.Tracer.Provider()),
					api.WithLogger(logger),
				)
				go func() {
					apiDone <- srv.ListenAndServe(ctx, cfg.API.ListenAddress, cfg.API.ShutdownTimeout)
				}()
			}

			inputDone := make(chan error, 1)
			if readStdin {
				go func() {
					inputDone <- rt.Consume(ctx, cmd.InOrStdin(), chain)
				}()
			}

			logger.Info().
				Strs("specs", cfg.Specs.Paths).
				Str("store", string(cfg.Store.Kind)).
				Str("listen", cfg.API.ListenAddress).
				Bool("stdin", readStdin).
				Msg("Orchestrator started")

			for {
				select {
				case err := <-inputDone:
					if err != nil {
						return fmt.Errorf("failed to read input: %w", err)
					}
					drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
					err = rt.Drain(drainCtx)
					cancel()
					if err != nil {
						logger.Warn().Err(err).Msg("Input ended with work still pending")
					}
					if !serving {
						return nil
					}
					inputDone = nil
				case err := <-apiDone:
					return err
				case <-ctx.Done():
					if serving {
						return <-apiDone
					}
					return nil
				}
			}
		},
	}

	cmd.Flags().BoolVar(&readStdin, "stdin", true, "read NDJSON messages from stdin")

	return cmd
}
