package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/inboxd/inboxd/internal/queue"
)

// resyncFull forces a full sync pass instead of an incremental one.
var resyncFull bool

// resyncCmd queues a sync job for the owner.
var resyncCmd = &cobra.Command{
	Use:   "resync",
	Short: "Queue a sync pass for the owner",
	RunE:  runResync,
}

func init() {
	resyncCmd.Flags().BoolVar(
		&resyncFull, "full", false,
		"Force a full sync instead of an incremental one",
	)
}

func runResync(cmd *cobra.Command, args []string) error {
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

	pending, err := s.queue.HasPendingType(ctx, owner.ID, queue.JobSync)
	if err != nil {
		return err
	}
	if pending {
		fmt.Println("a sync job is already queued")
		return nil
	}

	job, err := s.queue.Enqueue(ctx, queue.EnqueueParams{
		OwnerID: owner.ID,
		Type:    queue.JobSync,
		Payload: &queue.SyncPayload{ForceFull: resyncFull},
	})
	if err != nil {
		return err
	}

	fmt.Printf("sync queued as job %d (full=%v)\n", job.ID, resyncFull)
	return nil
}
