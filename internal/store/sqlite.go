package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/devflow/internal/pipeline"
)

// SQLite is a Store backed by a single SQLite database file.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema. Writers are serialized through one connection.
func OpenSQLite(path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &pipeline.PersistenceError{Op: "open", Err: err}
	}
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, &pipeline.PersistenceError{Op: "migrate", Err: err}
	}
	return s, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		state TEXT NOT NULL,
		version INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS invocations (
		run_id TEXT NOT NULL REFERENCES runs(id),
		seq INTEGER NOT NULL,
		stage TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		record TEXT NOT NULL,
		PRIMARY KEY (run_id, seq)
	);

	CREATE TABLE IF NOT EXISTS gates (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(id),
		ord INTEGER NOT NULL,
		resolution TEXT NOT NULL,
		deadline INTEGER,
		state TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES runs(id),
		seq INTEGER NOT NULL,
		ts INTEGER NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		body TEXT NOT NULL,
		UNIQUE(run_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_gates_pending ON gates(resolution, deadline);
	CREATE INDEX IF NOT EXISTS idx_gates_run ON gates(run_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Create inserts a new run with its first entries.
func (s *SQLite) Create(ctx context.Context, p *pipeline.Projection, entries []pipeline.Entry) error {
	state, err := json.Marshal(p.Run)
	if err != nil {
		return &pipeline.PersistenceError{Op: "encode run", Err: err}
	}
	return s.inTx(ctx, "create run", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO runs (id, status, state, version, created_at, updated_at) VALUES (?, ?, ?, 1, ?, ?)`,
			p.Run.ID, p.Run.Status, string(state), p.Run.CreatedAt.UnixNano(), p.Run.UpdatedAt.UnixNano(),
		); err != nil {
			return err
		}
		return writeChildren(ctx, tx, p, entries)
	})
}

// Load reads the run row, its gates and its invocation records in one
// read transaction.
func (s *SQLite) Load(ctx context.Context, runID string) (*Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &pipeline.PersistenceError{Op: "load run", Err: err}
	}
	defer tx.Rollback()

	var state string
	var version int64
	err = tx.QueryRowContext(ctx, `SELECT state, version FROM runs WHERE id = ?`, runID).Scan(&state, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, pipeline.ErrUnknownRun)
	}
	if err != nil {
		return nil, &pipeline.PersistenceError{Op: "load run", Err: err}
	}

	p := &pipeline.Projection{Run: &pipeline.Run{}}
	if err := json.Unmarshal([]byte(state), p.Run); err != nil {
		return nil, &pipeline.PersistenceError{Op: "decode run", Err: err}
	}
	if p.Gates, err = loadGates(ctx, tx, runID); err != nil {
		return nil, err
	}
	if p.Records, err = loadRecords(ctx, tx, runID); err != nil {
		return nil, err
	}
	return &Snapshot{Projection: p, Version: version}, nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// loadGates reads a run's gates in arming order.
func loadGates(ctx context.Context, q querier, runID string) ([]*pipeline.Gate, error) {
	rows, err := q.QueryContext(ctx, `SELECT state FROM gates WHERE run_id = ? ORDER BY ord`, runID)
	if err != nil {
		return nil, &pipeline.PersistenceError{Op: "load gates", Err: err}
	}
	defer rows.Close()

	var out []*pipeline.Gate
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, &pipeline.PersistenceError{Op: "scan gate", Err: err}
		}
		g := &pipeline.Gate{}
		if err := json.Unmarshal([]byte(raw), g); err != nil {
			return nil, &pipeline.PersistenceError{Op: "decode gate", Err: err}
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, &pipeline.PersistenceError{Op: "load gates", Err: err}
	}
	return out, nil
}

func loadRecords(ctx context.Context, q querier, runID string) ([]pipeline.Record, error) {
	rows, err := q.QueryContext(ctx, `SELECT record FROM invocations WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, &pipeline.PersistenceError{Op: "load invocations", Err: err}
	}
	defer rows.Close()

	var out []pipeline.Record
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, &pipeline.PersistenceError{Op: "scan invocation", Err: err}
		}
		var r pipeline.Record
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, &pipeline.PersistenceError{Op: "decode invocation", Err: err}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &pipeline.PersistenceError{Op: "load invocations", Err: err}
	}
	return out, nil
}

// Commit stores the projection and appends entries under a version check.
func (s *SQLite) Commit(ctx context.Context, p *pipeline.Projection, version int64, entries []pipeline.Entry) (int64, error) {
	state, err := json.Marshal(p.Run)
	if err != nil {
		return 0, &pipeline.PersistenceError{Op: "encode run", Err: err}
	}

	var conflict error
	err = s.inTx(ctx, "commit", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, state = ?, version = version + 1, updated_at = ? WHERE id = ? AND version = ?`,
			p.Run.Status, string(state), p.Run.UpdatedAt.UnixNano(), p.Run.ID, version,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var exists int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM runs WHERE id = ?`, p.Run.ID).Scan(&exists); err != nil {
				return err
			}
			if exists == 0 {
				conflict = fmt.Errorf("run %s: %w", p.Run.ID, pipeline.ErrUnknownRun)
			} else {
				conflict = fmt.Errorf("run %s at version %d: %w", p.Run.ID, version, pipeline.ErrConflict)
			}
			return conflict
		}
		return writeChildren(ctx, tx, p, entries)
	})
	if conflict != nil {
		return 0, conflict
	}
	if err != nil {
		return 0, err
	}
	return version + 1, nil
}

// writeChildren appends entries and invocation records and upserts gates.
func writeChildren(ctx context.Context, tx *sql.Tx, p *pipeline.Projection, entries []pipeline.Entry) error {
	for _, e := range entries {
		body, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO audit_entries (run_id, seq, ts, actor, action, body) VALUES (?, ?, ?, ?, ?, ?)`,
			e.RunID, e.Seq, e.Timestamp.UnixNano(), e.Actor, e.Action, string(body),
		); err != nil {
			return err
		}
		if e.Action == pipeline.ActionStageCompleted && e.Details.Record != nil {
			r := e.Details.Record
			rec, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO invocations (run_id, seq, stage, attempt, outcome, record) VALUES (?, ?, ?, ?, ?, ?)`,
				e.RunID, e.Seq, r.Stage, r.Attempt, r.Outcome, string(rec),
			); err != nil {
				return err
			}
		}
	}

	for i, g := range p.Gates {
		state, err := json.Marshal(g)
		if err != nil {
			return err
		}
		var deadline any
		if g.Deadline != nil {
			deadline = g.Deadline.UnixNano()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO gates (id, run_id, ord, resolution, deadline, state) VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET resolution = excluded.resolution, deadline = excluded.deadline, state = excluded.state`,
			g.ID, p.Run.ID, i, g.Resolution, deadline, string(state),
		); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) inTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &pipeline.PersistenceError{Op: op, Err: err}
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		if errors.Is(err, pipeline.ErrConflict) || errors.Is(err, pipeline.ErrUnknownRun) {
			return err
		}
		return &pipeline.PersistenceError{Op: op, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &pipeline.PersistenceError{Op: op, Err: err}
	}
	return nil
}

// Entries lists audit entries matching q.
func (s *SQLite) Entries(ctx context.Context, q Query) ([]pipeline.Entry, error) {
	query := `SELECT body FROM audit_entries WHERE seq > ?`
	args := []any{q.SinceSeq}
	if q.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, q.RunID)
	}
	if q.Last > 0 {
		query = `SELECT body FROM (` + query + ` ORDER BY id DESC LIMIT ?) ORDER BY id`
		args = append(args, q.Last)
	} else {
		query += ` ORDER BY id`
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &pipeline.PersistenceError{Op: "list entries", Err: err}
	}
	defer rows.Close()

	var out []pipeline.Entry
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, &pipeline.PersistenceError{Op: "scan entry", Err: err}
		}
		var e pipeline.Entry
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, &pipeline.PersistenceError{Op: "decode entry", Err: err}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &pipeline.PersistenceError{Op: "list entries", Err: err}
	}
	return out, nil
}

// GateRun returns the run owning a gate.
func (s *SQLite) GateRun(ctx context.Context, gateID string) (string, error) {
	var runID string
	err := s.db.QueryRowContext(ctx, `SELECT run_id FROM gates WHERE id = ?`, gateID).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("gate %s: %w", gateID, pipeline.ErrUnknownGate)
	}
	if err != nil {
		return "", &pipeline.PersistenceError{Op: "lookup gate", Err: err}
	}
	return runID, nil
}

// ExpiredGates lists pending gates past their deadline, oldest first.
func (s *SQLite) ExpiredGates(ctx context.Context, now time.Time) ([]GateRef, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, deadline FROM gates
		 WHERE resolution = ? AND deadline IS NOT NULL AND deadline <= ?
		 ORDER BY deadline`,
		pipeline.ResolutionPending, now.UnixNano(),
	)
	if err != nil {
		return nil, &pipeline.PersistenceError{Op: "expired gates", Err: err}
	}
	defer rows.Close()

	var out []GateRef
	for rows.Next() {
		var ref GateRef
		var deadline int64
		if err := rows.Scan(&ref.GateID, &ref.RunID, &deadline); err != nil {
			return nil, &pipeline.PersistenceError{Op: "scan gate", Err: err}
		}
		ref.Deadline = time.Unix(0, deadline).UTC()
		out = append(out, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, &pipeline.PersistenceError{Op: "expired gates", Err: err}
	}
	return out, nil
}

// Runs lists runs, newest first.
func (s *SQLite) Runs(ctx context.Context, f RunFilter) ([]*pipeline.Run, error) {
	query := `SELECT state FROM runs`
	var args []any
	if f.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &pipeline.PersistenceError{Op: "list runs", Err: err}
	}
	defer rows.Close()

	var out []*pipeline.Run
	for rows.Next() {
		var state string
		if err := rows.Scan(&state); err != nil {
			return nil, &pipeline.PersistenceError{Op: "scan run", Err: err}
		}
		r := &pipeline.Run{}
		if err := json.Unmarshal([]byte(state), r); err != nil {
			return nil, &pipeline.PersistenceError{Op: "decode run", Err: err}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &pipeline.PersistenceError{Op: "list runs", Err: err}
	}
	return out, nil
}

// Ping checks the database connection.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

