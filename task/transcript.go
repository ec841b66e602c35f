package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/GoCodeAlone/taskloop/provider"
)

// TranscriptEntry is one message of a record's execution context.
type TranscriptEntry struct {
	RecordID  string           `json:"record_id"`
	Seq       int              `json:"seq"`
	Attempt   int              `json:"attempt"` // 1 for the first run, retry_count+1 after requeues
	Iteration int              `json:"iteration"`
	Message   provider.Message `json:"message"`
}

// Transcript is an append-only log of the messages each record's loop
// produced, kept in the same database as the records.
type Transcript struct {
	db      *sql.DB
	dialect Dialect
	now     Clock
}

// NewTranscript shares the store's connection. The transcripts table is
// created by the store's schema.
func NewTranscript(s *SQLStore) *Transcript {
	return &Transcript{db: s.db, dialect: s.dialect, now: s.now}
}

// Append records msg as the next entry for recordID. attempt separates the
// runs of a requeued record; use AttemptOf to derive it.
func (tr *Transcript) Append(ctx context.Context, recordID string, attempt, iteration int, msg provider.Message) error {
	invocations, err := json.Marshal(msg.Invocations)
	if err != nil {
		return fmt.Errorf("marshal invocations: %w", err)
	}
	if msg.Invocations == nil {
		invocations = []byte("[]")
	}
	_, err = tr.db.ExecContext(ctx, tr.dialect.rebind(`
		INSERT INTO transcripts (record_id, seq, attempt, iteration, role, content, invocations, result_ref, reasoning, created_at)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM transcripts WHERE record_id = ?), ?, ?, ?, ?, ?, ?, ?, ?)`),
		recordID, recordID, attempt, iteration, string(msg.Role), msg.Content,
		string(invocations), msg.ResultRef, msg.Reasoning, tr.now(),
	)
	if err != nil {
		return fmt.Errorf("append transcript %s: %w", recordID, err)
	}
	return nil
}

// ByRecord returns every entry for recordID in append order.
func (tr *Transcript) ByRecord(ctx context.Context, recordID string) ([]TranscriptEntry, error) {
	rows, err := tr.db.QueryContext(ctx, tr.dialect.rebind(`
		SELECT record_id, seq, attempt, iteration, role, content, invocations, result_ref, reasoning
		FROM transcripts WHERE record_id = ? ORDER BY seq ASC`), recordID)
	if err != nil {
		return nil, fmt.Errorf("query transcript %s: %w", recordID, err)
	}
	defer rows.Close()

	var entries []TranscriptEntry
	for rows.Next() {
		var e TranscriptEntry
		var role, invocations string
		if err := rows.Scan(&e.RecordID, &e.Seq, &e.Attempt, &e.Iteration, &role, &e.Message.Content,
			&invocations, &e.Message.ResultRef, &e.Message.Reasoning); err != nil {
			return nil, err
		}
		e.Message.Role = provider.Role(role)
		if err := json.Unmarshal([]byte(invocations), &e.Message.Invocations); err != nil {
			return nil, fmt.Errorf("decode invocations: %w", err)
		}
		if len(e.Message.Invocations) == 0 {
			e.Message.Invocations = nil
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Messages returns the conversation of the latest attempt for recordID.
func (tr *Transcript) Messages(ctx context.Context, recordID string) ([]provider.Message, error) {
	entries, err := tr.ByRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	last := 0
	for _, e := range entries {
		last = max(last, e.Attempt)
	}
	var msgs []provider.Message
	for _, e := range entries {
		if e.Attempt == last {
			msgs = append(msgs, e.Message)
		}
	}
	return msgs, nil
}

// AttemptOf is the attempt number of a record's current run.
func AttemptOf(r *Record) int { return r.RetryCount + 1 }
