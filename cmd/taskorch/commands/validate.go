package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/taskorch/pkg/config"
	"github.com/openfroyo/taskorch/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [paths...]",
		Short: "Validate spec files",
		Long: `Parse and validate task spec files (YAML, JSON or CUE).

Every problem is reported with its file and position. Admission policies
given with --policy are compiled as well.`,
		Example: `  # Validate a spec directory
  taskorch validate specs/

  # Validate specs and policies from the config file
  taskorch validate -c taskorch.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			tel, err := loadTelemetry(cmd, cfg)
			if err != nil {
				return err
			}
			paths, err := specPaths(cfg, args)
			if err != nil {
				return err
			}

			loader := config.NewSpecLoader(tel.Logger.Zerolog())
			parsed, err := loader.Load(cmd.Context(), paths)
			if err != nil {
				return err
			}

			var policyErr error
			if len(cfg.Policy.Paths) > 0 {
				eng, err := policy.NewEngine(tel.Logger.Zerolog(), policy.WithoutBuiltins())
				if err != nil {
					return err
				}
				policyErr = eng.LoadPolicies(cmd.Context(), cfg.Policy.Paths)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(parsed); err != nil {
					return err
				}
			} else {
				for _, verr := range parsed.Errors {
					fmt.Fprintln(out, verr.Error())
				}
				if policyErr != nil {
					fmt.Fprintln(out, policyErr.Error())
				}
				if len(parsed.Errors) == 0 && policyErr == nil {
					fmt.Fprintf(out, "%d spec trees in %d files are valid\n", len(parsed.Specs), len(parsed.SourceFiles))
				}
			}

			if len(parsed.Errors) > 0 {
				return fmt.Errorf("%d validation errors", len(parsed.Errors))
			}
			if policyErr != nil {
				return fmt.Errorf("invalid policies: %w", policyErr)
			}
			return nil
		},
	}

	return cmd
}
