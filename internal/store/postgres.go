// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/FlowPipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
	*sqlQueue
}

// Compile-time check that PostgresStore implements Backend.
var _ Backend = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db, sqlQueue: newSQLQueue(db, postgresDialect)}, nil
}

// Close closes the Postgres connection pool.
func (s *PostgresStore) Close() error {
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}

func (s *PostgresStore) SaveFlow(def models.FlowDefinition) error {
	screensJSON, err := encodeJSON(def.Screens, "[]")
	if err != nil {
		return fmt.Errorf("encode screens of flow %s: %w", def.ID, err)
	}
	now := time.Now().UTC()
	_, err = s.db.Exec(
		`INSERT INTO flows (id, name, start_screen_id, screens_json, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, start_screen_id = EXCLUDED.start_screen_id,
		   screens_json = EXCLUDED.screens_json, updated_at = EXCLUDED.updated_at`,
		def.ID, def.Name, def.StartScreenID, screensJSON, now,
	)
	if err != nil {
		slog.Error("PostgresStore SaveFlow failed", "error", err, "flowID", def.ID)
		return fmt.Errorf("failed to save flow %s: %w", def.ID, err)
	}
	slog.Debug("PostgresStore SaveFlow succeeded", "flowID", def.ID, "screens", len(def.Screens))
	return nil
}

func (s *PostgresStore) GetFlow(id string) (*models.FlowDefinition, error) {
	var def models.FlowDefinition
	var screensJSON string
	err := s.db.QueryRow(
		`SELECT id, name, start_screen_id, screens_json FROM flows WHERE id = $1`, id,
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

func (s *PostgresStore) CreateSession(session models.SessionContext) error {
	answersJSON, historyJSON, endedReason, err := sessionArgs(session)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions (`+sessionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		session.ID, session.FlowID, session.Phone, session.CurrentScreenID, session.EnteredScreenID,
		answersJSON, historyJSON, endedReason, session.CreatedAt.UTC(), session.UpdatedAt.UTC(), nilIfEmpty(session.StartKey),
	)
	if err != nil {
		slog.Error("PostgresStore CreateSession failed", "error", err, "sessionID", session.ID)
		return fmt.Errorf("failed to create session %s: %w", session.ID, err)
	}
	return nil
}

func (s *PostgresStore) SaveSession(session models.SessionContext) error {
	answersJSON, historyJSON, endedReason, err := sessionArgs(session)
	if err != nil {
		return err
	}
	result, err := s.db.Exec(
		`UPDATE sessions SET current_screen_id = $1, entered_screen_id = $2, answers_json = $3, history_json = $4,
		   ended_reason = $5, updated_at = $6 WHERE id = $7`,
		session.CurrentScreenID, session.EnteredScreenID, answersJSON, historyJSON,
		endedReason, session.UpdatedAt.UTC(), session.ID,
	)
	if err != nil {
		slog.Error("PostgresStore SaveSession failed", "error", err, "sessionID", session.ID)
		return fmt.Errorf("failed to save session %s: %w", session.ID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", models.ErrSessionNotFound, session.ID)
	}
	return nil
}

func (s *PostgresStore) GetSession(id string) (*models.SessionContext, error) {
	session, err := scanSession(s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return session, nil
}

func (s *PostgresStore) GetActiveSessionByPhone(phone string) (*models.SessionContext, error) {
	session, err := scanSession(s.db.QueryRow(
		`SELECT `+sessionColumns+` FROM sessions WHERE phone = $1 AND ended_reason IS NULL
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

func (s *PostgresStore) GetSessionByStartKey(key string) (*models.SessionContext, error) {
	session, err := scanSession(s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE start_key = $1`, key))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session with start key %s: %w", key, err)
	}
	return session, nil
}

func (s *PostgresStore) SaveAutomation(a models.Automation) error {
	a.Normalize()
	now := time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save automation: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO automations (id, name, disabled, created_at, updated_at) VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, disabled = EXCLUDED.disabled, updated_at = EXCLUDED.updated_at`,
		a.ID, a.Name, a.Disabled, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save automation %s: %w", a.ID, err)
	}
	if _, err := tx.Exec(`DELETE FROM automation_steps WHERE automation_id = $1`, a.ID); err != nil {
		return fmt.Errorf("failed to clear steps of automation %s: %w", a.ID, err)
	}
	for _, step := range a.Steps {
		conditionsJSON, paramsJSON, err := stepArgs(step)
		if err != nil {
			return err
		}
		_, err = tx.Exec(
			`INSERT INTO automation_steps (`+stepColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			step.ID, a.ID, step.Position, conditionsJSON, step.DelayMinutes, step.Action.Type, paramsJSON,
		)
		if err != nil {
			return fmt.Errorf("failed to save step %s: %w", step.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save automation: %w", err)
	}
	slog.Debug("PostgresStore SaveAutomation succeeded", "automationID", a.ID, "steps", len(a.Steps))
	return nil
}

func (s *PostgresStore) GetAutomation(id string) (*models.Automation, error) {
	var a models.Automation
	err := s.db.QueryRow(`SELECT id, name, disabled FROM automations WHERE id = $1`, id).Scan(&a.ID, &a.Name, &a.Disabled)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get automation %s: %w", id, err)
	}

	rows, err := s.db.Query(`SELECT `+stepColumns+` FROM automation_steps WHERE automation_id = $1 ORDER BY position ASC`, id)
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

func (s *PostgresStore) GetAutomationStep(automationID, stepID string) (*models.AutomationStep, error) {
	step, err := scanStep(s.db.QueryRow(`SELECT `+stepColumns+` FROM automation_steps WHERE automation_id = $1 AND id = $2`, automationID, stepID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get step %s/%s: %w", automationID, stepID, err)
	}
	return step, nil
}

func (s *PostgresStore) DeleteAutomationStep(automationID, stepID string) error {
	if _, err := s.db.Exec(`DELETE FROM automation_steps WHERE automation_id = $1 AND id = $2`, automationID, stepID); err != nil {
		return fmt.Errorf("failed to delete step %s/%s: %w", automationID, stepID, err)
	}
	return nil
}

func (s *PostgresStore) AddContactTag(phone, tag string) error {
	_, err := s.db.Exec(
		`INSERT INTO contact_tags (phone, tag, created_at) VALUES ($1, $2, $3) ON CONFLICT (phone, tag) DO NOTHING`,
		phone, tag, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to tag contact %s: %w", phone, err)
	}
	return nil
}

func (s *PostgresStore) GetContactTags(phone string) ([]string, error) {
	rows, err := s.db.Query(`SELECT tag FROM contact_tags WHERE phone = $1 ORDER BY tag`, phone)
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
