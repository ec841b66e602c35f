package task

import (
	"strconv"
	"strings"
)

// Dialect captures the differences between the SQL backends SQLStore runs on.
type Dialect struct {
	Name   string
	Driver string
	Schema string

	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
	// row lock clause appended to the claim sub-select
	lockClause string
	// busy reports transient lock contention worth retrying inside the store.
	busy func(error) bool
}

// SQLite is the embedded default dialect (modernc.org/sqlite, pure Go).
var SQLite = Dialect{
	Name:   "sqlite",
	Driver: "sqlite",
	Schema: `
CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	priority     INTEGER NOT NULL DEFAULT 0,
	payload      TEXT NOT NULL DEFAULT '',
	parent_id    TEXT NOT NULL DEFAULT '',
	claimant_id  TEXT NOT NULL DEFAULT '',
	result       TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	retry_count  INTEGER NOT NULL DEFAULT 0,
	max_retries  INTEGER NOT NULL DEFAULT 3,
	created_at   DATETIME NOT NULL,
	claimed_at   DATETIME,
	completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(status, kind, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id);

CREATE TABLE IF NOT EXISTS transcripts (
	record_id   TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	attempt     INTEGER NOT NULL DEFAULT 1,
	iteration   INTEGER NOT NULL DEFAULT 0,
	role        TEXT NOT NULL,
	content     TEXT NOT NULL DEFAULT '',
	invocations TEXT NOT NULL DEFAULT '[]',
	result_ref  TEXT NOT NULL DEFAULT '',
	reasoning   TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL,
	PRIMARY KEY (record_id, seq)
);
`,
	busy: isSQLiteBusy,
}

// Postgres runs the store on PostgreSQL through github.com/lib/pq.
var Postgres = Dialect{
	Name:   "postgres",
	Driver: "postgres",
	Schema: `
CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	priority     INTEGER NOT NULL DEFAULT 0,
	payload      TEXT NOT NULL DEFAULT '',
	parent_id    TEXT NOT NULL DEFAULT '',
	claimant_id  TEXT NOT NULL DEFAULT '',
	result       TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	retry_count  INTEGER NOT NULL DEFAULT 0,
	max_retries  INTEGER NOT NULL DEFAULT 3,
	created_at   TIMESTAMPTZ NOT NULL,
	claimed_at   TIMESTAMPTZ,
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(status, kind, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id);

CREATE TABLE IF NOT EXISTS transcripts (
	record_id   TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	attempt     INTEGER NOT NULL DEFAULT 1,
	iteration   INTEGER NOT NULL DEFAULT 0,
	role        TEXT NOT NULL,
	content     TEXT NOT NULL DEFAULT '',
	invocations TEXT NOT NULL DEFAULT '[]',
	result_ref  TEXT NOT NULL DEFAULT '',
	reasoning   TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (record_id, seq)
);
`,
	numbered:   true,
	lockClause: " FOR UPDATE SKIP LOCKED",
}

// rebind rewrites ? placeholders for dialects with numbered parameters.
// Queries in this package never contain literal question marks.
func (d Dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}
