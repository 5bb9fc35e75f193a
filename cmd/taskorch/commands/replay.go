package commands

import (
	"github.com/spf13/cobra"

	"github.com/openfroyo/taskorch/pkg/protocol"
	"github.com/openfroyo/taskorch/pkg/stores"
)

func newReplayCommand() *cobra.Command {
	var (
		limit  int
		remove bool
	)

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-emit stored unroutable events",
		Long: `Write the stored unroutable events as NDJSON EVENT messages, oldest
first, so they can be fed back to serve once the missing specs exist.

With --delete the emitted events are removed from the store.`,
		Example: `  taskorch replay --store sqlite --db taskorch.db --delete | \
    taskorch serve --store sqlite --db taskorch.db --specs specs/`,
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

			store, err := stores.Open(ctx, cfg.Store, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.ListUnroutable(ctx, limit, 0)
			if err != nil {
				return err
			}

			enc := protocol.NewEncoder(cmd.OutOrStdout())
			for _, rec := range records {
				if err := enc.EncodeBody(rec.Event); err != nil {
					return err
				}
				if remove {
					if err := store.DeleteUnroutable(ctx, rec.ID); err != nil {
						return err
					}
				}
			}

			logger.Info().Int("count", len(records)).Bool("deleted", remove).Msg("Unroutable events replayed")
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 1000, "maximum number of events")
	cmd.Flags().BoolVar(&remove, "delete", false, "delete the events once written")

	return cmd
}
