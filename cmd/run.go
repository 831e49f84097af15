package cmd

import (
	"log"

	"github.com/lightbind/lightbind/lightbind"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Starts the bot and API server",
	Run: func(cmd *cobra.Command, args []string) {
		lb, err := lightbind.New(cfg)
		if err != nil {
			log.Fatalf("error creating bot: %v", err)
		}
		if err = lb.Run(cmd.Context()); err != nil {
			log.Fatalf("error running bot: %v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
