package cdcnorm

import (
	"errors"
	"fmt"

	"github.com/edgeflare/cdcnorm/pkg/mapping"
	"github.com/spf13/cobra"
)

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [mapping-file]",
		Short: "Check a mapping file and the pipeline configuration",
		Long: `Parse the mapping (the argument, or mapping.path) and report every entry that
would be ignored at runtime, then check that pipelines only reference
declared peers.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.cfg.Mapping.Path
			if len(args) == 1 {
				path = args[0]
			}

			var errs []error
			if path == "" {
				errs = append(errs, errors.New("no mapping file given"))
			} else if spec, err := mapping.LoadFile(path); err != nil {
				errs = append(errs, fmt.Errorf("mapping %s: %w", path, err))
			} else if err := spec.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("mapping %s: %w", path, err))
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "mapping %s: %d rules OK\n", path, spec.Len())
			}

			if err := a.cfg.Pipeline.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("pipeline: %w", err))
			} else if n := len(a.cfg.Pipeline.Pipelines); n > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "pipeline: %d peers, %d pipelines OK\n", len(a.cfg.Pipeline.Peers), n)
			}

			return errors.Join(errs...)
		},
	}
}
