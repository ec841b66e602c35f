package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/GoCodeAlone/taskloop/task"
)

// StoreRetry is the retry policy applied to store calls made by the runner.
type StoreRetry struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// DefaultStoreRetry retries store I/O three times starting at 100ms.
var DefaultStoreRetry = StoreRetry{Attempts: 3, Initial: 100 * time.Millisecond, Max: 2 * time.Second}

// retryStore wraps a task.Store so transient I/O faults are retried.
// Logic errors (bad transitions, missing records) and context errors are
// returned immediately.
type retryStore struct {
	task.Store
	policy StoreRetry
	logger *slog.Logger
}

func newRetryStore(s task.Store, policy StoreRetry, logger *slog.Logger) *retryStore {
	if policy.Attempts <= 0 {
		policy.Attempts = DefaultStoreRetry.Attempts
	}
	if policy.Initial <= 0 {
		policy.Initial = DefaultStoreRetry.Initial
	}
	if policy.Max <= 0 {
		policy.Max = DefaultStoreRetry.Max
	}
	return &retryStore{Store: s, policy: policy, logger: logger}
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, task.ErrInvalidTransition),
		errors.Is(err, task.ErrNotFound),
		errors.Is(err, task.ErrUnknownParent),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

func withRetry[T any](ctx context.Context, s *retryStore, op string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.policy.Initial
	b.MaxInterval = s.policy.Max
	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.policy.Attempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Warn("store call failed, retrying", "op", op, "error", err, "retry_in", next)
		}),
	)
}

// Push is not retried: each store call mints a fresh id, so repeating one
// whose insert committed before the error surfaced would duplicate the
// record. SQLite lock contention is already retried inside the store.
func (s *retryStore) Push(ctx context.Context, r *task.Record) (string, error) {
	return s.Store.Push(ctx, r)
}

func (s *retryStore) Claim(ctx context.Context, executorID string, filter task.Filter) (*task.Record, error) {
	return withRetry(ctx, s, "claim", func() (*task.Record, error) { return s.Store.Claim(ctx, executorID, filter) })
}

func (s *retryStore) ClaimByID(ctx context.Context, id, executorID string) (*task.Record, error) {
	return withRetry(ctx, s, "claim_by_id", func() (*task.Record, error) { return s.Store.ClaimByID(ctx, id, executorID) })
}

func (s *retryStore) UpdateStatus(ctx context.Context, id string, to task.Status, out task.Outcome) (*task.Record, error) {
	return withRetry(ctx, s, "update_status", func() (*task.Record, error) { return s.Store.UpdateStatus(ctx, id, to, out) })
}

func (s *retryStore) Get(ctx context.Context, id string) (*task.Record, error) {
	return withRetry(ctx, s, "get", func() (*task.Record, error) { return s.Store.Get(ctx, id) })
}

func (s *retryStore) Children(ctx context.Context, parentID string) ([]*task.Record, error) {
	return withRetry(ctx, s, "children", func() ([]*task.Record, error) { return s.Store.Children(ctx, parentID) })
}
