package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/taskorch/pkg/stores"
	"github.com/openfroyo/taskorch/pkg/task"
)

func newInstancesCommand() *cobra.Command {
	var (
		statuses []string
		limit    int
		offset   int
		audit    string
	)

	cmd := &cobra.Command{
		Use:   "instances",
		Short: "List stored task hierarchies",
		Long: `List the task hierarchy roots kept in the store.

Only a persistent store has anything to list; use --store sqlite --db PATH
or the config file. --audit prints the status transitions of one task.`,
		Example: `  # Pending hierarchies
  taskorch instances --store sqlite --db taskorch.db --status PENDING

  # Status history of a task
  taskorch instances --store sqlite --db taskorch.db --audit LOAD-20160101`,
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
			if cfg.Store.Kind != stores.KindSQLite {
				logger.Warn().Str("store", string(cfg.Store.Kind)).Msg("Store is not persistent, nothing to list")
			}

			store, err := stores.Open(ctx, cfg.Store, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if audit != "" {
				return printAudit(ctx, out, store, audit, limit, offset)
			}

			var filter []task.Status
			for _, s := range statuses {
				st := task.Status(s)
				if err := st.Validate(); err != nil {
					return err
				}
				filter = append(filter, st)
			}

			roots, err := store.ListRoots(ctx, filter, limit, offset)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSONLines(out, roots)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSPEC\tSTATUS\tTASKS\tDONE")
			for _, root := range roots {
				total, done := 0, 0
				root.Walk(func(t task.Instance) {
					total++
					if t.Status == task.StatusCompleted {
						done++
					}
				})
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n", root.ID, root.Spec.ID, root.Status, total, done)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only roots with these statuses")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of entries")
	cmd.Flags().IntVar(&offset, "offset", 0, "entries to skip")
	cmd.Flags().StringVar(&audit, "audit", "", "print the status history of this task id")

	return cmd
}

func printAudit(ctx context.Context, out io.Writer, store stores.Store, taskID string, limit, offset int) error {
	entries, err := store.ListAuditEntries(ctx, &taskID, limit, offset)
	if err != nil {
		return err
	}
	if jsonOutput {
		return writeJSONLines(out, entries)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTASK\tROOT\tFROM\tTO")
	for _, e := range entries {
		from := string(e.FromStatus)
		if from == "" {
			from = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.Timestamp.Format(time.RFC3339), e.TaskID, e.RootID, from, e.ToStatus)
	}
	return tw.Flush()
}

func writeJSONLines[T any](out io.Writer, items []T) error {
	enc := json.NewEncoder(out)
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			return err
		}
	}
	return nil
}
