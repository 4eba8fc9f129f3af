package cli

import (
	"runtime"

	"github.com/spf13/cobra"
)

type versionInfo struct {
	Version string `json:"version"`
	Go      string `json:"go"`
}

// NewVersionCommand creates the version command.
func NewVersionCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the idemgate version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newOutput(opts.Format, cmd.OutOrStdout())
			return out.print(versionInfo{Version: opts.Version, Go: runtime.Version()},
				"idemgate %s (%s)\n", opts.Version, runtime.Version())
		},
	}
}
