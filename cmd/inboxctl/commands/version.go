package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/inboxd/inboxd/internal/build"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("inboxctl version %s\n", build.Version())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
