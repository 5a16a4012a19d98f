package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/inboxd/inboxd/internal/store"
)

// statusCmd shows the owner's sync state and triage backlog.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync state and triage backlog",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
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

	fmt.Printf("owner: %s (id %d)\n", owner.Email, owner.ID)

	state, err := s.storage.GetSyncState(ctx, owner.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		fmt.Println("sync: never synced")
	case err != nil:
		return err
	default:
		fmt.Printf("sync: watermark %s\n", state.LastHistoryID)
		if state.LastSyncedAt != nil {
			fmt.Printf("last synced: %s (%s ago)\n",
				state.LastSyncedAt.Format(time.RFC3339),
				time.Since(*state.LastSyncedAt).Round(
					time.Second))
		}
		if state.WatchExpiration != nil {
			fmt.Printf("watch expires: %s\n",
				state.WatchExpiration.Format(time.RFC3339))
		} else {
			fmt.Println("watch expires: not registered")
		}
	}

	// Non-terminal triage buckets, the operator's working set.
	statuses := []store.EmailStatus{
		store.StatusPending, store.StatusDrafted,
		store.StatusReworkRequested, store.StatusSent,
		store.StatusWaiting,
	}
	for _, status := range statuses {
		emails, err := s.storage.ListEmailsByStatus(
			ctx, owner.ID, status, 1000,
		)
		if err != nil {
			return err
		}
		fmt.Printf("%-17s %d\n", status+":", len(emails))
	}

	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("queue: %d pending, %d running, %d failed\n",
		stats.PendingCount, stats.RunningCount, stats.FailedCount)

	return nil
}
