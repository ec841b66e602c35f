package task

import "fmt"

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusClaimed: {},
	},
	StatusClaimed: {
		StatusInProgress: {},
	},
	StatusInProgress: {
		StatusCompleted: {},
		StatusFailed:    {},
	},
	StatusFailed: {
		StatusPending: {}, // retry, gated on retry_count
	},
}

func canTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// CheckTransition validates a status change against the transition table and
// the retry budget of r. The returned error wraps ErrInvalidTransition.
func CheckTransition(r *Record, to Status) error {
	if !canTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s (record %s)", ErrInvalidTransition, r.Status, to, r.ID)
	}
	if r.Status == StatusFailed && to == StatusPending && r.RetryCount >= r.MaxRetries {
		return fmt.Errorf("%w: retries exhausted (%d/%d) for record %s",
			ErrInvalidTransition, r.RetryCount, r.MaxRetries, r.ID)
	}
	return nil
}

// CanRetry reports whether a failed record may be requeued.
func CanRetry(r *Record) bool {
	return r.Status == StatusFailed && r.RetryCount < r.MaxRetries
}

// apply mutates r as the store does when persisting the transition to `to`.
// The caller must have validated the transition with CheckTransition.
func apply(r *Record, to Status, out Outcome, now Clock) {
	switch to {
	case StatusCompleted:
		r.Result, r.Error = out.Result, ""
		t := now()
		r.CompletedAt = &t
	case StatusFailed:
		r.Result, r.Error = "", out.Error
		t := now()
		r.CompletedAt = &t
	case StatusPending:
		r.RetryCount++
		r.ClaimantID = ""
		r.ClaimedAt = nil
		r.CompletedAt = nil
		r.Result, r.Error = "", ""
	}
	r.Status = to
}
