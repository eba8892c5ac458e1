// Package audit keeps a local, append-only trail of runs. Disconnecting
// users is an incident-response action; the trail answers who was killed,
// when, by which run, and with what result.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vpnops/openvpn-session-kill/internal/killer"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id      TEXT PRIMARY KEY,
	endpoint    TEXT NOT NULL,
	mode        TEXT NOT NULL,
	noop        INTEGER NOT NULL,
	state       TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	requested   TEXT NOT NULL DEFAULT '[]',
	started_at  TEXT NOT NULL,
	finished_at TEXT NOT NULL,
	killed      INTEGER NOT NULL,
	not_found   INTEGER NOT NULL,
	failed      INTEGER NOT NULL,
	skipped     INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS outcomes (
	run_id       TEXT NOT NULL REFERENCES runs(run_id),
	seq          INTEGER NOT NULL,
	target       TEXT NOT NULL,
	username     TEXT NOT NULL DEFAULT '',
	real_address TEXT NOT NULL,
	session_key  TEXT NOT NULL,
	status       TEXT NOT NULL,
	detail       TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, seq)
);
CREATE INDEX IF NOT EXISTS outcomes_target ON outcomes(target);
`

// Trail is an open audit database.
type Trail struct {
	db *sql.DB
}

// Open opens or creates the audit database at path and applies the schema.
// The connection pool is capped at one: sqlite serializes writers anyway,
// and the tool is short-lived.
func Open(path string) (*Trail, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply audit schema: %w", err)
	}
	return &Trail{db: db}, nil
}

func (t *Trail) Close() error {
	return t.db.Close()
}

// Record stores one run and all its outcomes in a single transaction, so a
// crash never leaves a run without its outcome rows.
func (t *Trail) Record(ctx context.Context, rep *killer.Report) error {
	requested, err := json.Marshal(rep.Requested)
	if err != nil {
		return fmt.Errorf("failed to encode requested usernames: %w", err)
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin audit transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT INTO runs
		(run_id, endpoint, mode, noop, state, reason, requested,
		 started_at, finished_at, killed, not_found, failed, skipped)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rep.RunID, rep.Endpoint, rep.Mode, boolToInt(rep.Noop),
		string(rep.State), rep.Reason, string(requested),
		rep.StartedAt.UTC().Format(time.RFC3339Nano),
		rep.FinishedAt.UTC().Format(time.RFC3339Nano),
		rep.Killed, rep.NotFound, rep.Failed, rep.Skipped,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for i, out := range rep.Outcomes {
		_, err = tx.ExecContext(ctx, `INSERT INTO outcomes
			(run_id, seq, target, username, real_address, session_key, status, detail)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rep.RunID, i, out.Target, out.Username, out.RealAddress,
			out.Key.String(), string(out.Status), out.Detail,
		)
		if err != nil {
			return fmt.Errorf("failed to insert outcome %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit transaction: %w", err)
	}
	return nil
}

// RunSummary is one row of the history listing.
type RunSummary struct {
	RunID      string
	Endpoint   string
	Mode       string
	Noop       bool
	State      string
	Reason     string
	Requested  []string
	StartedAt  time.Time
	FinishedAt time.Time
	Killed     int
	NotFound   int
	Failed     int
	Skipped    int
}

// History returns the most recent runs, newest first.
func (t *Trail) History(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := t.db.QueryContext(ctx, `SELECT
		run_id, endpoint, mode, noop, state, reason, requested,
		started_at, finished_at, killed, not_found, failed, skipped
		FROM runs ORDER BY started_at DESC, run_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RunSummary
	for rows.Next() {
		var (
			s                 RunSummary
			noop              int
			requested         string
			started, finished string
		)
		if err := rows.Scan(&s.RunID, &s.Endpoint, &s.Mode, &noop, &s.State, &s.Reason,
			&requested, &started, &finished, &s.Killed, &s.NotFound, &s.Failed, &s.Skipped); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		s.Noop = noop != 0
		if err := json.Unmarshal([]byte(requested), &s.Requested); err != nil {
			return nil, fmt.Errorf("failed to decode requested usernames for run %s: %w", s.RunID, err)
		}
		if s.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("failed to parse started_at for run %s: %w", s.RunID, err)
		}
		if s.FinishedAt, err = time.Parse(time.RFC3339Nano, finished); err != nil {
			return nil, fmt.Errorf("failed to parse finished_at for run %s: %w", s.RunID, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
