package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/inboxd/inboxd/internal/queue"
)

var (
	// queueListStatus filters queue list output.
	queueListStatus string

	// queueListLimit caps queue list output.
	queueListLimit int
)

// queueCmd is the parent command for job queue subcommands.
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the job queue",
}

// queueStatsCmd shows aggregate counts for the queue.
var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue statistics",
	RunE:  runQueueStats,
}

// queueListCmd lists jobs by status.
var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs by status",
	RunE:  runQueueList,
}

// queueRetryCmd re-enqueues a failed job.
var queueRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Re-enqueue a failed job with a fresh attempt budget",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueRetry,
}

func init() {
	queueListCmd.Flags().StringVar(
		&queueListStatus, "status", "pending",
		"Job status: pending, running, completed, failed",
	)
	queueListCmd.Flags().IntVar(
		&queueListLimit, "limit", 50, "Maximum jobs to list",
	)

	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRetryCmd)
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	s, err := openStores()
	if err != nil {
		return err
	}
	defer s.close()

	stats, err := s.queue.Stats(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("pending:   %d\n", stats.PendingCount)
	fmt.Printf("running:   %d\n", stats.RunningCount)
	fmt.Printf("completed: %d\n", stats.CompletedCount)
	fmt.Printf("failed:    %d\n", stats.FailedCount)

	stats.OldestPending.WhenSome(func(t time.Time) {
		fmt.Printf("oldest pending: %s (%s ago)\n",
			t.Format(time.RFC3339),
			time.Since(t).Round(time.Second))
	})

	return nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	status := queue.JobStatus(queueListStatus)
	switch status {
	case queue.StatusPending, queue.StatusRunning, queue.StatusCompleted,
		queue.StatusFailed:

	default:
		return fmt.Errorf("unknown status %q", queueListStatus)
	}

	s, err := openStores()
	if err != nil {
		return err
	}
	defer s.close()

	jobs, err := s.queue.List(context.Background(), status, queueListLimit)
	if err != nil {
		return err
	}

	if len(jobs) == 0 {
		fmt.Printf("no %s jobs\n", status)
		return nil
	}

	for _, job := range jobs {
		thread := job.ThreadID.UnwrapOr("-")
		line := fmt.Sprintf("#%d  %-13s  thread=%s  attempts=%d/%d",
			job.ID, job.Type, thread, job.Attempts,
			job.MaxAttempts)

		job.LastError.WhenSome(func(errMsg string) {
			line += fmt.Sprintf("  error=%q", errMsg)
		})
		fmt.Println(line)
	}

	return nil
}

func runQueueRetry(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid job id %q", args[0])
	}

	s, err := openStores()
	if err != nil {
		return err
	}
	defer s.close()

	ctx := context.Background()
	job, err := s.queue.GetJob(ctx, id)
	if err != nil {
		return err
	}

	if job.Status != queue.StatusFailed {
		return fmt.Errorf("job %d is %s, only failed jobs can be "+
			"retried", id, job.Status)
	}

	// Terminal rows never change status; a retry is a fresh job with
	// the same payload.
	clone, err := s.queue.Enqueue(ctx, queue.EnqueueParams{
		OwnerID:  job.OwnerID,
		Type:     job.Type,
		Payload:  json.RawMessage(job.PayloadJSON),
		ThreadID: job.ThreadID,
	})
	if err != nil {
		return err
	}

	fmt.Printf("job %d re-enqueued as job %d\n", id, clone.ID)
	return nil
}
