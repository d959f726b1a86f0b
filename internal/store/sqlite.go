// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/FlowPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
	*sqlQueue
}

// Compile-time check that SQLiteStore implements Backend.
var _ Backend = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// SQLite allows a single writer; serializing through one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "dsn", dsn)

	return &SQLiteStore{db: db, sqlQueue: newSQLQueue(db, sqliteDialect)}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}

func (s *SQLiteStore) SaveFlow(def models.FlowDefinition) error {
	screensJSON, err := encodeJSON(def.Screens, "[]")
	if err != nil {
		return fmt.Errorf("encode screens of flow %s: %w", def.ID, err)
	}
	now := time.Now().UTC()
	_, err = s.db.Exec(
		`INSERT INTO flows (id, name, start_screen_id, screens_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, start_screen_id = excluded.start_screen_id,
		   screens_json = excluded.screens_json, updated_at = excluded.updated_at`,
		def.ID, def.Name, def.StartScreenID, screensJSON, now, now,
	)
	if err != nil {
		slog.Error("SQLiteStore SaveFlow failed", "error", err, "flowID", def.ID)
		return fmt.Errorf("failed to save flow %s: %w", def.ID, err)
	}
	slog.Debug("SQLiteStore SaveFlow succeeded", "flowID", def.ID, "screens", len(def.Screens))
	return nil
}

func (s *SQLiteStore) GetFlow(id string) (*models.FlowDefinition, error) {
	var def models.FlowDefinition
	var screensJSON string
	err := s.db.QueryRow(
		`SELECT id, name, start_screen_id, screens_json FROM flows WHERE id = ?`, id,
	).Scan(&def.ID, &def.Name, &def.StartScreenID, &screensJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flow %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(screensJSON), &def.Screens); err != nil {
		return nil, fmt.Errorf("decode screens of flow %s: %w", id, err)
	}
	return &def, nil
}

func (s *SQLiteStore) CreateSession(session models.SessionContext) error {
	answersJSON, historyJSON, endedReason, err := sessionArgs(session)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.FlowID, session.Phone, session.CurrentScreenID, session.EnteredScreenID,
		answersJSON, historyJSON, endedReason, session.CreatedAt.UTC(), session.UpdatedAt.UTC(), nilIfEmpty(session.StartKey),
	)
	if err != nil {
		slog.Error("SQLiteStore CreateSession failed", "error", err, "sessionID", session.ID)
		return fmt.Errorf("failed to create session %s: %w", session.ID, err)
	}
	return nil
}

func (s *SQLiteStore) SaveSession(session models.SessionContext) error {
	answersJSON, historyJSON, endedReason, err := sessionArgs(session)
	if err != nil {
		return err
	}
	result, err := s.db.Exec(
		`UPDATE sessions SET current_screen_id = ?, entered_screen_id = ?, answers_json = ?, history_json = ?,
		   ended_reason = ?, updated_at = ? WHERE id = ?`,
		session.CurrentScreenID, session.EnteredScreenID, answersJSON, historyJSON,
		endedReason, session.UpdatedAt.UTC(), session.ID,
	)
	if err != nil {
		slog.Error("SQLiteStore SaveSession failed", "error", err, "sessionID", session.ID)
		return fmt.Errorf("failed to save session %s: %w", session.ID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", models.ErrSessionNotFound, session.ID)
	}
	return nil
}

func (s *SQLiteStore) GetSession(id string) (*models.SessionContext, error) {
	session, err := scanSession(s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return session, nil
}

func (s *SQLiteStore) GetActiveSessionByPhone(phone string) (*models.SessionContext, error) {
	session, err := scanSession(s.db.QueryRow(
		`SELECT `+sessionColumns+` FROM sessions WHERE phone = ? AND ended_reason IS NULL
		 ORDER BY updated_at DESC LIMIT 1`, phone,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active session for %s: %w", phone, err)
	}
	return session, nil
}

func (s *SQLiteStore) GetSessionByStartKey(key string) (*models.SessionContext, error) {
	session, err := scanSession(s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE start_key = ?`, key))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session with start key %s: %w", key, err)
	}
	return session, nil
}

func (s *SQLiteStore) SaveAutomation(a models.Automation) error {
	a.Normalize()
	now := time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save automation: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO automations (id, name, disabled, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, disabled = excluded.disabled, updated_at = excluded.updated_at`,
		a.ID, a.Name, a.Disabled, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save automation %s: %w", a.ID, err)
	}
	if _, err := tx.Exec(`DELETE FROM automation_steps WHERE automation_id = ?`, a.ID); err != nil {
		return fmt.Errorf("failed to clear steps of automation %s: %w", a.ID, err)
	}
	for _, step := range a.Steps {
		conditionsJSON, paramsJSON, err := stepArgs(step)
		if err != nil {
			return err
		}
		_, err = tx.Exec(
			`INSERT INTO automation_steps (`+stepColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			step.ID, a.ID, step.Position, conditionsJSON, step.DelayMinutes, step.Action.Type, paramsJSON,
		)
		if err != nil {
			return fmt.Errorf("failed to save step %s: %w", step.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save automation: %w", err)
	}
	slog.Debug("SQLiteStore SaveAutomation succeeded", "automationID", a.ID, "steps", len(a.Steps))
	return nil
}

func (s *SQLiteStore) GetAutomation(id string) (*models.Automation, error) {
	var a models.Automation
	err := s.db.QueryRow(`SELECT id, name, disabled FROM automations WHERE id = ?`, id).Scan(&a.ID, &a.Name, &a.Disabled)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get automation %s: %w", id, err)
	}

	rows, err := s.db.Query(`SELECT `+stepColumns+` FROM automation_steps WHERE automation_id = ? ORDER BY position ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps of automation %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		a.Steps = append(a.Steps, *step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps of automation %s: %w", id, err)
	}
	return &a, nil
}

func (s *SQLiteStore) GetAutomationStep(automationID, stepID string) (*models.AutomationStep, error) {
	step, err := scanStep(s.db.QueryRow(`SELECT `+stepColumns+` FROM automation_steps WHERE automation_id = ? AND id = ?`, automationID, stepID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get step %s/%s: %w", automationID, stepID, err)
	}
	return step, nil
}

func (s *SQLiteStore) DeleteAutomationStep(automationID, stepID string) error {
	if _, err := s.db.Exec(`DELETE FROM automation_steps WHERE automation_id = ? AND id = ?`, automationID, stepID); err != nil {
		return fmt.Errorf("failed to delete step %s/%s: %w", automationID, stepID, err)
	}
	return nil
}

func (s *SQLiteStore) AddContactTag(phone, tag string) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO contact_tags (phone, tag, created_at) VALUES (?, ?, ?)`,
		phone, tag, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to tag contact %s: %w", phone, err)
	}
	return nil
}

func (s *SQLiteStore) GetContactTags(phone string) ([]string, error) {
	rows, err := s.db.Query(`SELECT tag FROM contact_tags WHERE phone = ? ORDER BY tag`, phone)
	if err != nil {
		return nil, fmt.Errorf("failed to query tags of %s: %w", phone, err)
	}
	defer rows.Close()
	tags := []string{}
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}
