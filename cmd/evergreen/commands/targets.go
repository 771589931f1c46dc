package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/evergreen-ai/evergreen/internal/executor"
)

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List the built-in action targets",
	Run: func(cmd *cobra.Command, args []string) {
		for _, name := range executor.DefaultRegistry().Names() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
	},
}
