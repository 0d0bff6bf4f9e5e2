package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/baaaht/netlinkd/pkg/daemon"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "netlinkd version %s (%s %s/%s)\n",
			daemon.GetVersion(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}
