package cli

import (
	"github.com/spf13/cobra"

	"idemgate/internal/application/orchestrators"
)

// NewRecoverCommand creates the recover command, which runs one recovery
// tick and prints its report.
func NewRecoverCommand(opts *RootOptions) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Run one recovery scan now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			c, err := build(cmd.Context(), cfg, opts.Version)
			if err != nil {
				return err
			}
			defer closeQuietly(c)

			deps := c.recoveryDeps()
			if dryRun {
				deps.Notifier = nil
			}
			report, err := orchestrators.ExecuteRecoveryScan(cmd.Context(), deps)
			if err != nil {
				return err
			}
			out := newOutput(opts.Format, cmd.OutOrStdout())
			return out.print(report, "found=%d delivered=%d failed=%d skipped=%d\n",
				report.Found, report.Delivered, report.Failed, report.Skipped)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report recoverable records without notifying the callback")
	return cmd
}
