package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	appversion "github.com/netlab-dev/dataplane/internal/version"
)

// versionCmd prints build version information.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), appversion.Full("dataplane"))
		},
	}
}
