// Package commands implements the inboxctl admin CLI. Every subcommand
// talks directly to the daemon's SQLite database; there is no RPC surface.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	// dbPath is the path to the SQLite database.
	dbPath string

	// ownerEmail selects the mailbox account to operate on. When empty
	// and exactly one active owner exists, that owner is used.
	ownerEmail string
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "inboxctl",
	Short: "Inspect and manage the inboxd triage daemon",
	Long: `inboxctl inspects and manages the inboxd email triage daemon
through its database: job queue state, per-thread audit trails, sync
status, and manual resync requests.`,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&dbPath, "db", "",
		"Path to SQLite database (default: ~/.inboxd/inboxd.db)",
	)
	rootCmd.PersistentFlags().StringVar(
		&ownerEmail, "owner", "",
		"Mailbox address to operate on (default: the only active owner)",
	)

	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(resyncCmd)
}
