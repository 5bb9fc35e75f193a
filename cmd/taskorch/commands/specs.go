package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/taskorch/pkg/config"
	"github.com/openfroyo/taskorch/pkg/task"
)

func newSpecsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "specs [paths...]",
		Short: "Print the loaded spec trees",
		Long: `Load task spec files and print the resulting spec trees.

Task arguments are marked with *, mandatory attributes with !. With --json
the trees are printed in the spec file format.`,
		Example: `  taskorch specs specs/eod.yaml
  taskorch specs --json specs/`,
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

			specs, err := config.NewSpecLoader(tel.Logger.Zerolog()).LoadSpecs(cmd.Context(), paths)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				file := config.SpecFile{Specs: make([]config.SpecDefinition, 0, len(specs))}
				for _, spec := range specs {
					file.Specs = append(file.Specs, config.FromSpec(spec))
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(file)
			}

			for _, spec := range specs {
				printSpecTree(out, spec, 0)
			}
			return nil
		},
	}

	return cmd
}

func printSpecTree(w io.Writer, spec *task.Spec, depth int) {
	var b strings.Builder
	b.WriteString(strings.Repeat("  ", depth))
	b.WriteString(spec.ID)

	if len(spec.Attributes) > 0 {
		attrs := make([]string, 0, len(spec.Attributes))
		for _, a := range spec.Attributes {
			name := a.Name
			if a.TaskArgument {
				name += "*"
			}
			if a.Mandatory {
				name += "!"
			}
			attrs = append(attrs, name)
		}
		fmt.Fprintf(&b, " [%s]", strings.Join(attrs, ", "))
	}
	if len(spec.PreConditions) > 0 {
		names := make([]string, 0, len(spec.PreConditions))
		for _, p := range spec.PreConditions {
			names = append(names, p.Name)
		}
		fmt.Fprintf(&b, " requires %s", strings.Join(names, ", "))
	}
	if spec.Action.Kind == task.ActionRoute {
		fmt.Fprintf(&b, " -> %s", spec.Action.Route)
	}

	fmt.Fprintln(w, b.String())
	for _, child := range spec.SubTasks {
		printSpecTree(w, child, depth+1)
	}
}
