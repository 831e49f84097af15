package cmd

import (
	"fmt"

	"github.com/lightbind/lightbind/lightbind"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Prints version info",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf(
			"Version: %s\nCommit: %s\nBuild time: %s\n",
			lightbind.Version,
			lightbind.CommitSHA,
			lightbind.BuildTime,
		)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
