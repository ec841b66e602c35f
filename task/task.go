// Package task defines the task record model and its durable stores.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status represents the lifecycle state of a record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusClaimed    Status = "claimed"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// DefaultMaxRetries is applied to records pushed with MaxRetries == 0.
const DefaultMaxRetries = 3

var (
	// ErrNotFound is returned when a record id does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidTransition is returned when a status change is not permitted
	// by the transition table. It indicates a logic error in the caller.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrUnknownParent is returned when a record names a parent that does not exist.
	ErrUnknownParent = errors.New("unknown parent record")
)

// Record is one unit of work, either a top-level request or a spawned sub-task.
type Record struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Status      Status          `json:"status"`
	Priority    int             `json:"priority"` // lower runs first
	Payload     json.RawMessage `json:"payload,omitempty"`
	ParentID    string          `json:"parent_id,omitempty"`
	ClaimantID  string          `json:"claimant_id,omitempty"`
	Result      string          `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	CreatedAt   time.Time       `json:"created_at"`
	ClaimedAt   *time.Time      `json:"claimed_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Payload is the conventional content of Record.Payload. Stores treat the
// payload as opaque bytes.
type Payload struct {
	Prompt              string            `json:"prompt"`
	SystemPrompt        string            `json:"system_prompt,omitempty"`
	AllowedCapabilities []string          `json:"allowed_capabilities,omitempty"`
	Restricted          bool              `json:"restricted,omitempty"` // AllowedCapabilities applies even when empty
	Profile             string            `json:"profile,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// EncodePayload marshals p for use as Record.Payload.
func EncodePayload(p Payload) (json.RawMessage, error) {
	return json.Marshal(p)
}

// DecodePayload unmarshals the record payload. An empty payload decodes to
// the zero Payload.
func (r *Record) DecodePayload() (Payload, error) {
	var p Payload
	if len(r.Payload) == 0 {
		return p, nil
	}
	err := json.Unmarshal(r.Payload, &p)
	return p, err
}

// Terminal reports whether the record is in a state no worker will pick up
// again without an explicit requeue.
func (r *Record) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// Outcome carries the terminal payload of a status update. Result and Error
// are mutually exclusive; the store keeps the one matching the new status.
type Outcome struct {
	Result string
	Error  string
}

// Filter controls which records are returned by List and claimed by Claim.
// Claim honors Kind only.
type Filter struct {
	Kind       string  `json:"kind,omitempty"`
	Status     *Status `json:"status,omitempty"`
	ParentID   string  `json:"parent_id,omitempty"`
	ClaimantID string  `json:"claimant_id,omitempty"`
	Limit      int     `json:"limit,omitempty"`
	Offset     int     `json:"offset,omitempty"`
}

// Store persists records and mediates every concurrent mutation of them.
type Store interface {
	// Push assigns an id, forces status pending and persists the record.
	Push(ctx context.Context, r *Record) (string, error)

	// Claim atomically moves one pending record matching filter to claimed
	// and returns it. It returns (nil, nil) when nothing is claimable.
	Claim(ctx context.Context, executorID string, filter Filter) (*Record, error)

	// ClaimByID atomically claims a specific pending record.
	ClaimByID(ctx context.Context, id, executorID string) (*Record, error)

	// UpdateStatus applies a transition permitted by the transition table.
	UpdateStatus(ctx context.Context, id string, to Status, out Outcome) (*Record, error)

	// Get retrieves a record by id.
	Get(ctx context.Context, id string) (*Record, error)

	// Children returns the records whose parent is parentID, oldest first.
	Children(ctx context.Context, parentID string) ([]*Record, error)

	// List returns records matching filter ordered by created_at, then id.
	List(ctx context.Context, filter Filter) ([]*Record, error)

	// Close releases the underlying connection.
	Close() error
}

func normalizeMaxRetries(n int) int {
	switch {
	case n == 0:
		return DefaultMaxRetries
	case n < 0:
		return 0
	}
	return n
}
