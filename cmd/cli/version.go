package cli

import (
	"fmt"
	"runtime"

	"changedesk/internal/handlers"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the changedesk version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "changedesk %s (%s)\n", handlers.Version, runtime.Version())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
