package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/petrijr/flowgraph/pkg/api"
	"github.com/petrijr/flowgraph/pkg/definition"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE...",
		Short: "Check workflow definition files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := definition.NewRegistry()
			registerBuiltinHandlers(reg, slog.New(slog.DiscardHandler))
			parser := definition.NewParser(reg)

			out := cmd.OutOrStdout()
			var errs []error
			for _, path := range args {
				def, err := parser.ParseFile(path)
				if err == nil {
					_, err = api.NewGraph(def)
				}
				if err != nil {
					fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
					errs = append(errs, err)
					continue
				}
				fmt.Fprintf(out, "ok   %s: %s (%d activities, %d transitions)\n",
					path, def.Name, len(def.Activities), len(def.Transitions))
			}
			if len(errs) > 0 {
				return fmt.Errorf("%d of %d definitions invalid: %w", len(errs), len(args), errors.Join(errs...))
			}
			return nil
		},
	}
}
