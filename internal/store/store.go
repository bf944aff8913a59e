// Package store provides sandbox and event persistence using SQLite.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kishoreUdatha/mendbox/pkg/model"
)

// Store manages sandbox and event persistence in SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database at the given path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent read/write performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sandboxes (
			id            TEXT PRIMARY KEY,
			project_id    TEXT NOT NULL,
			user_id       TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL DEFAULT 'creating',
			technology    TEXT NOT NULL DEFAULT '',
			container_id  TEXT NOT NULL DEFAULT '',
			internal_port INTEGER NOT NULL DEFAULT 0,
			external_port INTEGER NOT NULL DEFAULT 0,
			preview_url   TEXT NOT NULL DEFAULT '',
			error         TEXT NOT NULL DEFAULT '',
			created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
			last_activity DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_sandboxes_project_id
			ON sandboxes(project_id);

		CREATE TABLE IF NOT EXISTS project_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id TEXT NOT NULL,
			kind       TEXT NOT NULL,
			source     TEXT NOT NULL DEFAULT '',
			payload    TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_events_project_id
			ON project_events(project_id);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSandbox inserts a new sandbox record.
func (s *Store) CreateSandbox(sb *model.Sandbox) error {
	_, err := s.db.Exec(
		`INSERT INTO sandboxes (id, project_id, user_id, status, technology,
		        container_id, internal_port, external_port, preview_url, error,
		        created_at, last_activity)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sb.ID, sb.ProjectID, sb.UserID, sb.Status, sb.Technology,
		sb.ContainerID, sb.InternalPort, sb.ExternalPort, sb.PreviewURL, sb.Error,
		sb.CreatedAt, sb.LastActivity,
	)
	return err
}

// GetSandbox retrieves a sandbox by ID.
func (s *Store) GetSandbox(id string) (*model.Sandbox, error) {
	row := s.db.QueryRow(
		`SELECT id, project_id, user_id, status, technology, container_id,
		        internal_port, external_port, preview_url, error,
		        created_at, last_activity
		 FROM sandboxes WHERE id = ?`, id,
	)
	return scanSandbox(row)
}

// GetActiveSandboxForProject returns the project's sandbox in a non-terminal
// state, or nil when none exists. At most one is expected.
func (s *Store) GetActiveSandboxForProject(projectID string) (*model.Sandbox, error) {
	row := s.db.QueryRow(
		`SELECT id, project_id, user_id, status, technology, container_id,
		        internal_port, external_port, preview_url, error,
		        created_at, last_activity
		 FROM sandboxes
		 WHERE project_id = ? AND status IN ('creating', 'running')
		 ORDER BY created_at DESC LIMIT 1`, projectID,
	)
	sb, err := scanSandbox(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sb, err
}

// ListSandboxes returns all sandboxes ordered by creation time (newest first).
func (s *Store) ListSandboxes() ([]*model.Sandbox, error) {
	rows, err := s.db.Query(
		`SELECT id, project_id, user_id, status, technology, container_id,
		        internal_port, external_port, preview_url, error,
		        created_at, last_activity
		 FROM sandboxes ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sandboxes []*model.Sandbox
	for rows.Next() {
		sb, err := scanSandbox(rows)
		if err != nil {
			return nil, err
		}
		sandboxes = append(sandboxes, sb)
	}
	return sandboxes, rows.Err()
}

// ListExpired returns running sandboxes idle longer than the given timeout.
func (s *Store) ListExpired(idleTimeout time.Duration) ([]*model.Sandbox, error) {
	cutoff := time.Now().UTC().Add(-idleTimeout)
	rows, err := s.db.Query(
		`SELECT id, project_id, user_id, status, technology, container_id,
		        internal_port, external_port, preview_url, error,
		        created_at, last_activity
		 FROM sandboxes
		 WHERE status = 'running' AND last_activity < ?`, cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sandboxes []*model.Sandbox
	for rows.Next() {
		sb, err := scanSandbox(rows)
		if err != nil {
			return nil, err
		}
		sandboxes = append(sandboxes, sb)
	}
	return sandboxes, rows.Err()
}

// UpdateSandbox updates mutable fields of a sandbox.
func (s *Store) UpdateSandbox(sb *model.Sandbox) error {
	_, err := s.db.Exec(
		`UPDATE sandboxes SET
			status = ?, technology = ?, container_id = ?,
			internal_port = ?, external_port = ?, preview_url = ?,
			error = ?, last_activity = ?
		 WHERE id = ?`,
		sb.Status, sb.Technology, sb.ContainerID,
		sb.InternalPort, sb.ExternalPort, sb.PreviewURL,
		sb.Error, sb.LastActivity, sb.ID,
	)
	return err
}

// TouchSandbox bumps a sandbox's last activity timestamp.
func (s *Store) TouchSandbox(id string) error {
	_, err := s.db.Exec(
		`UPDATE sandboxes SET last_activity = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	return err
}

// AddEvent inserts a new event and fills in its assigned ID.
func (s *Store) AddEvent(event *model.Event) error {
	payload := "{}"
	if len(event.Payload) > 0 {
		b, err := json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("encoding payload: %w", err)
		}
		payload = string(b)
	}

	result, err := s.db.Exec(
		`INSERT INTO project_events (project_id, kind, source, payload, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		event.ProjectID, event.Kind, event.Source, payload, event.CreatedAt,
	)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	event.ID = id
	return nil
}

// GetEvents returns events for a project, optionally after a given event ID.
func (s *Store) GetEvents(projectID string, afterID int64) ([]*model.Event, error) {
	rows, err := s.db.Query(
		`SELECT id, project_id, kind, source, payload, created_at
		 FROM project_events
		 WHERE project_id = ? AND id > ?
		 ORDER BY id ASC`,
		projectID, afterID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		e := &model.Event{}
		var payload string
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Kind, &e.Source, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		if payload != "" && payload != "{}" {
			if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
				return nil, fmt.Errorf("decoding payload: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Scan helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanSandbox(row scannable) (*model.Sandbox, error) {
	sb := &model.Sandbox{}
	err := row.Scan(
		&sb.ID, &sb.ProjectID, &sb.UserID, &sb.Status, &sb.Technology,
		&sb.ContainerID, &sb.InternalPort, &sb.ExternalPort,
		&sb.PreviewURL, &sb.Error, &sb.CreatedAt, &sb.LastActivity,
	)
	if err != nil {
		return nil, err
	}
	return sb, nil
}
