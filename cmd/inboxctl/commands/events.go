package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// eventsCmd prints the audit trail of a thread.
var eventsCmd = &cobra.Command{
	Use:   "events <thread-id>",
	Short: "Show the audit trail of a thread",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvents,
}

func runEvents(cmd *cobra.Command, args []string) error {
	s, err := openStores()
	if err != nil {
		return err
	}
	defer s.close()

	ctx := context.Background()
	owner, err := resolveOwner(ctx, s.storage)
	if err != nil {
		return err
	}

	events, err := s.storage.ListEventsByThread(ctx, owner.ID, args[0])
	if err != nil {
		return err
	}

	if len(events) == 0 {
		fmt.Println("no events for thread", args[0])
		return nil
	}

	for _, event := range events {
		line := fmt.Sprintf("%s  %-21s",
			event.CreatedAt.Format(time.RFC3339), event.EventType)
		if event.Detail != "" {
			line += "  " + event.Detail
		}
		fmt.Println(line)
	}

	return nil
}
