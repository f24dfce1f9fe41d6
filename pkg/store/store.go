// Package store persists simulation traces in SQLite.
//
// A run owns two logs: periodic entity snapshots, kept as the 14-byte wire
// encoding plus a few columns for querying, and the protocol event log.
// WAL mode lets the CLI read a run while the simulator is still writing it.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/daviddao/semtoken/pkg/model"
	"github.com/daviddao/semtoken/pkg/wire"

	_ "modernc.org/sqlite"
)

// Store manages all SQLite operations with WAL mode for concurrent access.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database and initializes the schema.
func New(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// retryOnContention wraps retryOp with the default config. Every write goes
// through it.
func retryOnContention(fn func() error) error {
	return retryOp(defaultRetryConfig, fn)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		name        TEXT NOT NULL,
		seed        INTEGER NOT NULL,
		config      TEXT,
		created_at  TEXT NOT NULL,
		finished_at TEXT,
		sim_ms      INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS snapshots (
		id       INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id   INTEGER NOT NULL REFERENCES runs(id),
		at_ms    INTEGER NOT NULL,
		node     INTEGER NOT NULL,
		rule     INTEGER NOT NULL,
		value    INTEGER NOT NULL,
		root     INTEGER NOT NULL,
		state    BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_run_entity ON snapshots(run_id, rule, value, node, id);

	CREATE TABLE IF NOT EXISTS events (
		id       INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id   INTEGER NOT NULL REFERENCES runs(id),
		at_ms    INTEGER NOT NULL,
		node     INTEGER NOT NULL,
		rule     INTEGER NOT NULL,
		value    INTEGER NOT NULL,
		kind     TEXT NOT NULL,
		peer     INTEGER NOT NULL,
		count    INTEGER NOT NULL DEFAULT 0,
		detail   TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, id);
	CREATE INDEX IF NOT EXISTS idx_events_run_kind ON events(run_id, kind);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

// CreateRun records the start of a simulation and returns it.
func (s *Store) CreateRun(name string, seed int64, config string) (*model.Run, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	var id int64
	err := retryOnContention(func() error {
		res, err := s.db.Exec(
			`INSERT INTO runs (name, seed, config, created_at) VALUES (?, ?, ?, ?)`,
			name, seed, config, now,
		)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.GetRun(id)
}

// FinishRun marks a run as complete at the given simulated time.
func (s *Store) FinishRun(id, simMillis int64) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return retryOnContention(func() error {
		res, err := s.db.Exec(
			`UPDATE runs SET finished_at = ?, sim_ms = ? WHERE id = ?`,
			now, simMillis, id,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("run %d: %w", id, sql.ErrNoRows)
		}
		return nil
	})
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(id int64) (*model.Run, error) {
	row := s.db.QueryRow(
		`SELECT id, name, seed, COALESCE(config,''), created_at, COALESCE(finished_at,''), sim_ms
		 FROM runs WHERE id = ?`, id,
	)
	return scanRun(row)
}

// LatestRun returns the most recently created run.
func (s *Store) LatestRun() (*model.Run, error) {
	row := s.db.QueryRow(
		`SELECT id, name, seed, COALESCE(config,''), created_at, COALESCE(finished_at,''), sim_ms
		 FROM runs ORDER BY id DESC LIMIT 1`,
	)
	return scanRun(row)
}

// ListRuns returns all runs, newest first. The config column is omitted.
func (s *Store) ListRuns() ([]model.Run, error) {
	rows, err := s.db.Query(
		`SELECT id, name, seed, '', created_at, COALESCE(finished_at,''), sim_ms
		 FROM runs ORDER BY id DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*model.Run, error) {
	var r model.Run
	var createdStr, finishedStr string
	if err := row.Scan(&r.ID, &r.Name, &r.Seed, &r.Config, &createdStr, &finishedStr, &r.SimMillis); err != nil {
		return nil, err
	}
	var parseErr error
	r.CreatedAt, parseErr = time.Parse(time.RFC3339Nano, createdStr)
	if parseErr != nil {
		return nil, fmt.Errorf("parse created_at for run %d: %w", r.ID, parseErr)
	}
	if finishedStr != "" {
		r.FinishedAt, parseErr = time.Parse(time.RFC3339Nano, finishedStr)
		if parseErr != nil {
			return nil, fmt.Errorf("parse finished_at for run %d: %w", r.ID, parseErr)
		}
	}
	return &r, nil
}

// ---------------------------------------------------------------------------
// Snapshots
// ---------------------------------------------------------------------------

// InsertSnapshot records one node's view of one entity.
func (s *Store) InsertSnapshot(runID int64, node model.NodeID, at int64, st model.EntityState) error {
	return s.InsertSnapshots(runID, at, []model.NodeState{{Node: node, State: st}})
}

// InsertSnapshots records a batch of views taken at the same time in one
// transaction.
func (s *Store) InsertSnapshots(runID, at int64, states []model.NodeState) error {
	if len(states) == 0 {
		return nil
	}
	return retryOnContention(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

		stmt, err := tx.Prepare(
			`INSERT INTO snapshots (run_id, at_ms, node, rule, value, root, state)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, ns := range states {
			st := ns.State
			if _, err := stmt.Exec(runID, at, int64(ns.Node), int64(st.ID.Rule), int64(st.ID.Value),
				int64(st.Tree.Root), wire.EncodeEntityState(st)); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// LatestSnapshots returns the newest snapshot of every (node, entity) pair
// of a run, ordered by entity then node.
func (s *Store) LatestSnapshots(runID int64) ([]model.Snapshot, error) {
	rows, err := s.db.Query(
		`SELECT s.at_ms, s.node, s.state
		 FROM snapshots s
		 JOIN (SELECT MAX(id) AS id FROM snapshots WHERE run_id = ?
		       GROUP BY node, rule, value) l ON s.id = l.id
		 ORDER BY s.rule, s.value, s.node`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []model.Snapshot
	for rows.Next() {
		snap := model.Snapshot{RunID: runID}
		var node int64
		var blob []byte
		if err := rows.Scan(&snap.At, &node, &blob); err != nil {
			return nil, err
		}
		snap.Node = model.NodeID(node)
		snap.State, err = wire.DecodeEntityState(blob)
		if err != nil {
			return nil, fmt.Errorf("decode snapshot of node %d: %w", node, err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// InsertEvent appends an event to the log. Returns the auto-generated row ID.
func (s *Store) InsertEvent(e *model.Event) (int64, error) {
	var lastID int64
	err := retryOnContention(func() error {
		res, err := s.db.Exec(insertEventSQL, eventArgs(e)...)
		if err != nil {
			return err
		}
		lastID, err = res.LastInsertId()
		return err
	})
	return lastID, err
}

// InsertEvents appends a batch of events in one transaction.
func (s *Store) InsertEvents(events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	return retryOnContention(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

		stmt, err := tx.Prepare(insertEventSQL)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i := range events {
			if _, err := stmt.Exec(eventArgs(&events[i])...); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

const insertEventSQL = `INSERT INTO events (run_id, at_ms, node, rule, value, kind, peer, count, detail)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

func eventArgs(e *model.Event) []any {
	return []any{
		e.RunID, e.At, int64(e.Node), int64(e.Entity.Rule), int64(e.Entity.Value),
		string(e.Kind), int64(e.Peer), int64(e.Count), e.Detail,
	}
}

// ListEvents returns events of a run with row ID > sinceID, ordered by ID.
func (s *Store) ListEvents(runID, sinceID int64, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, run_id, at_ms, node, rule, value, kind, peer, count, COALESCE(detail,'')
		 FROM events WHERE run_id = ? AND id > ?
		 ORDER BY id ASC LIMIT ?`,
		runID, sinceID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// CountEvents returns the number of events logged for a run.
func (s *Store) CountEvents(runID int64) int64 {
	var count int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM events WHERE run_id = ?`, runID).Scan(&count); err != nil {
		return 0
	}
	return count
}

// CountEventsByKind returns per-kind event totals for a run.
func (s *Store) CountEventsByKind(runID int64) (map[model.EventKind]int64, error) {
	rows, err := s.db.Query(
		`SELECT kind, COUNT(*) FROM events WHERE run_id = ? GROUP BY kind`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[model.EventKind]int64{}
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[model.EventKind(kind)] = n
	}
	return counts, rows.Err()
}

func scanEvents(rows *sql.Rows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var e model.Event
		var node, rule, value, peer, count int64
		var kindStr string
		if err := rows.Scan(&e.ID, &e.RunID, &e.At, &node, &rule, &value,
			&kindStr, &peer, &count, &e.Detail); err != nil {
			return nil, err
		}
		e.Node = model.NodeID(node)
		e.Entity = model.EntityID{Rule: uint8(rule), Value: uint32(value)}
		e.Kind = model.EventKind(kindStr)
		e.Peer = model.NodeID(peer)
		e.Count = uint8(count)
		events = append(events, e)
	}
	return events, rows.Err()
}
