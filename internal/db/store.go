package db

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"time"
)

const (
	// DefaultNumTxRetries is the default number of times we'll retry a
	// transaction if it fails with an error that permits transaction
	// repetition.
	DefaultNumTxRetries = 10

	// DefaultInitialRetryDelay is the default initial delay between
	// retries. This will be used to generate a random delay between 0 and
	// this value.
	DefaultInitialRetryDelay = time.Millisecond * 40

	// DefaultMaxRetryDelay is the default maximum delay between retries.
	DefaultMaxRetryDelay = time.Second * 3
)

// txOptions holds the retry behavior of a Store's transactions.
type txOptions struct {
	numRetries        int
	initialRetryDelay time.Duration
	maxRetryDelay     time.Duration
}

// defaultTxOptions returns the default transaction retry options.
func defaultTxOptions() txOptions {
	return txOptions{
		numRetries:        DefaultNumTxRetries,
		initialRetryDelay: DefaultInitialRetryDelay,
		maxRetryDelay:     DefaultMaxRetryDelay,
	}
}

// StoreOption is a functional option that can be passed to NewStore to
// modify transaction behavior.
type StoreOption func(*txOptions)

// WithTxRetries sets the number of times a transaction will be retried on
// serialization or deadlock errors.
func WithTxRetries(numRetries int) StoreOption {
	return func(o *txOptions) {
		o.numRetries = numRetries
	}
}

// WithTxRetryDelay sets the initial delay between transaction retries.
func WithTxRetryDelay(delay time.Duration) StoreOption {
	return func(o *txOptions) {
		o.initialRetryDelay = delay
	}
}

// Store wraps the raw database connection with transaction support and
// retry behavior suitable for a single-file SQLite deployment.
type Store struct {
	db   *sql.DB
	opts txOptions
}

// NewStore creates a new Store instance wrapping the given database
// connection.
func NewStore(db *sql.DB, options ...StoreOption) *Store {
	opts := defaultTxOptions()
	for _, o := range options {
		o(&opts)
	}

	return &Store{
		db:   db,
		opts: opts,
	}
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// TxFunc is the function signature for transaction callbacks. The callback
// receives the transaction handle it must issue all queries against.
type TxFunc func(ctx context.Context, tx *sql.Tx) error

// WithTx executes the given function within a database transaction. If the
// function returns an error, the transaction is rolled back. Otherwise, it
// is committed. Transactions that fail with a serialization or deadlock
// error are retried with a randomized exponential backoff.
func (s *Store) WithTx(ctx context.Context, fn TxFunc) error {
	waitBeforeRetry := func(attempt int) bool {
		retryDelay := randRetryDelay(
			s.opts.initialRetryDelay, s.opts.maxRetryDelay,
			attempt,
		)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(retryDelay):
			return true
		}
	}

	for i := 0; i < s.opts.numRetries; i++ {
		err := s.attemptTx(ctx, fn)
		if err == nil {
			return nil
		}

		dbErr := MapSQLError(err)
		if !IsSerializationOrDeadlockError(dbErr) {
			return dbErr
		}

		if !waitBeforeRetry(i) {
			return ctx.Err()
		}
	}

	return ErrRetriesExceeded
}

// attemptTx runs a single attempt of the given transaction callback.
func (s *Store) attemptTx(ctx context.Context, fn TxFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	// Execute the callback.
	if err := fn(ctx, tx); err != nil {
		// Attempt rollback, but prioritize returning the original
		// error.
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf(
				"tx error: %w, rollback error: %v", err, rbErr,
			)
		}

		return err
	}

	// Commit the transaction.
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTxResult executes the given function within a database transaction
// and returns its result. The same retry behavior as Store.WithTx applies.
func WithTxResult[T any](ctx context.Context, s *Store,
	fn func(ctx context.Context, tx *sql.Tx) (T, error)) (T, error) {

	var result T
	err := s.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		result, err = fn(ctx, tx)
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}

	return result, nil
}

// randRetryDelay returns a random retry delay between (initialRetryDelay /
// 2) and (initialRetryDelay * 1.5), doubled for each attempt and capped at
// maxRetryDelay.
func randRetryDelay(initialRetryDelay, maxRetryDelay time.Duration,
	attempt int) time.Duration {

	halfDelay := initialRetryDelay / 2
	randDelay := rand.Int63n(int64(initialRetryDelay))

	// 50% plus 0%-100% gives us the range of 50%-150%.
	initialDelay := halfDelay + time.Duration(randDelay)

	// If this is the first attempt, we just return the initial delay.
	if attempt == 0 {
		return initialDelay
	}

	// For each subsequent delay, we double the initial delay. This still
	// gives us a somewhat random delay, but it still increases with each
	// attempt.
	actualDelay := initialDelay << attempt
	if actualDelay > maxRetryDelay {
		actualDelay = maxRetryDelay
	}

	return actualDelay
}
