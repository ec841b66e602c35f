package task

import (
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestCheckTransition_Table(t *testing.T) {
	tests := []struct {
		from, to Status
		retries  int
		max      int
		ok       bool
	}{
		{StatusPending, StatusClaimed, 0, 3, true},
		{StatusClaimed, StatusInProgress, 0, 3, true},
		{StatusInProgress, StatusCompleted, 0, 3, true},
		{StatusInProgress, StatusFailed, 0, 3, true},
		{StatusFailed, StatusPending, 2, 3, true},
		{StatusFailed, StatusPending, 3, 3, false},
		{StatusFailed, StatusPending, 0, 0, false},
		{StatusPending, StatusInProgress, 0, 3, false},
		{StatusPending, StatusCompleted, 0, 3, false},
		{StatusClaimed, StatusFailed, 0, 3, false},
		{StatusCompleted, StatusPending, 0, 3, false},
		{StatusCompleted, StatusFailed, 0, 3, false},
		{StatusInProgress, StatusPending, 0, 3, false},
	}
	for _, tt := range tests {
		r := &Record{ID: "r", Status: tt.from, RetryCount: tt.retries, MaxRetries: tt.max}
		err := CheckTransition(r, tt.to)
		if tt.ok && err != nil {
			t.Errorf("%s -> %s (retries %d/%d): unexpected error %v", tt.from, tt.to, tt.retries, tt.max, err)
		}
		if !tt.ok && !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s -> %s (retries %d/%d): error = %v, want ErrInvalidTransition", tt.from, tt.to, tt.retries, tt.max, err)
		}
	}
}

// TestTransitionProperties drives random request sequences through the
// transition table and checks the record never leaves a consistent state.
func TestTransitionProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	statuses := []any{StatusPending, StatusClaimed, StatusInProgress, StatusCompleted, StatusFailed}
	now := func() time.Time { return time.Unix(0, 0).UTC() }

	properties.Property("retry_count never exceeds max_retries and result/error stay exclusive", prop.ForAll(
		func(maxRetries int, requests []any) bool {
			r := &Record{ID: "r", Status: StatusPending, MaxRetries: maxRetries}
			for _, req := range requests {
				to := req.(Status)
				before := *r
				if err := CheckTransition(r, to); err != nil {
					if !errors.Is(err, ErrInvalidTransition) {
						return false
					}
					continue
				}
				apply(r, to, Outcome{Result: "res", Error: "err"}, now)
				if r.Status != to {
					return false
				}
				if before.Status == StatusFailed && to == StatusPending && r.RetryCount != before.RetryCount+1 {
					return false
				}
				if r.RetryCount > r.MaxRetries {
					return false
				}
				if r.Result != "" && r.Error != "" {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 4),
		gen.SliceOf(gen.OneConstOf(statuses...)),
	))

	properties.Property("terminal completed records accept no transition", prop.ForAll(
		func(to any) bool {
			r := &Record{ID: "r", Status: StatusCompleted, MaxRetries: 3}
			return errors.Is(CheckTransition(r, to.(Status)), ErrInvalidTransition)
		},
		gen.OneConstOf(statuses...),
	))

	properties.TestingRun(t)
}
