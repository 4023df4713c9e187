// SQLite-backed store for single-node ChatLab deployments.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/ChatLabHQ/ChatLab/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database
// directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the SQLite database at the configured
// file path and applies migrations.
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
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveSession(sess *models.Session) error {
	if sess == nil || sess.SessionID == "" {
		return models.ErrEmptySessionID
	}
	data, err := marshalDoc(sess)
	if err != nil {
		slog.Error("SQLiteStore.SaveSession: marshal failed", "error", err, "session_id", sess.SessionID)
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO sessions (session_id, experiment_id, status, created_at, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			experiment_id = excluded.experiment_id,
			status = excluded.status,
			created_at = excluded.created_at,
			data = excluded.data`,
		sess.SessionID, nilIfEmpty(sess.ExperimentID), string(sess.Status), sess.CreatedAt, data)
	if err != nil {
		slog.Error("SQLiteStore.SaveSession failed", "error", err, "session_id", sess.SessionID)
		return fmt.Errorf("failed to save session %s: %w", sess.SessionID, err)
	}
	slog.Debug("SQLiteStore.SaveSession succeeded", "session_id", sess.SessionID, "status", sess.Status)
	return nil
}

func (s *SQLiteStore) GetSession(sessionID string) (*models.Session, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM sessions WHERE session_id = ?`, sessionID).Scan(&data)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore.GetSession not found", "session_id", sessionID)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.GetSession failed", "error", err, "session_id", sessionID)
		return nil, fmt.Errorf("failed to query session %s: %w", sessionID, err)
	}
	return unmarshalSession(sessionID, data)
}

func (s *SQLiteStore) ListSessions() ([]*models.Session, error) {
	return s.querySessions(`SELECT session_id, data FROM sessions ORDER BY created_at, session_id`)
}

func (s *SQLiteStore) ListSessionsByExperiment(experimentID string) ([]*models.Session, error) {
	return s.querySessions(`SELECT session_id, data FROM sessions WHERE experiment_id = ? ORDER BY created_at, session_id`, experimentID)
}

func (s *SQLiteStore) querySessions(query string, args ...any) ([]*models.Session, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("SQLiteStore.querySessions failed", "error", err)
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *SQLiteStore) DeleteSession(sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		slog.Error("SQLiteStore.DeleteSession failed", "error", err, "session_id", sessionID)
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	return nil
}

func (s *SQLiteStore) AddMessage(msg models.Message) error {
	_, err := s.db.Exec(`
		INSERT INTO messages (message_id, session_id, client_id, internal_id, message_type, content, timestamp, char_count, word_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.MessageID, msg.SessionID, nilIfEmpty(msg.ClientID), nilIfEmpty(msg.InternalID),
		string(msg.Type), msg.Content, msg.Timestamp, msg.CharCount, msg.WordCount)
	if err != nil {
		slog.Error("SQLiteStore.AddMessage failed", "error", err, "message_id", msg.MessageID)
		return fmt.Errorf("failed to insert message %s: %w", msg.MessageID, err)
	}
	slog.Debug("SQLiteStore.AddMessage succeeded", "message_id", msg.MessageID, "session_id", msg.SessionID)
	return nil
}

func (s *SQLiteStore) GetMessages(sessionID string) ([]models.Message, error) {
	rows, err := s.db.Query(`
		SELECT message_id, session_id, client_id, internal_id, message_type, content, timestamp, char_count, word_count
		FROM messages WHERE session_id = ? ORDER BY timestamp, message_id`, sessionID)
	if err != nil {
		slog.Error("SQLiteStore.GetMessages failed", "error", err, "session_id", sessionID)
		return nil, fmt.Errorf("failed to query messages for %s: %w", sessionID, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *SQLiteStore) DeleteMessages(sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM messages WHERE session_id = ?`, sessionID)
	if err != nil {
		slog.Error("SQLiteStore.DeleteMessages failed", "error", err, "session_id", sessionID)
		return fmt.Errorf("failed to delete messages for %s: %w", sessionID, err)
	}
	return nil
}

func (s *SQLiteStore) SaveExperiment(exp *models.Experiment) error {
	if exp == nil || exp.ExperimentID == "" {
		return models.ErrEmptyExperimentID
	}
	data, err := marshalDoc(exp)
	if err != nil {
		slog.Error("SQLiteStore.SaveExperiment: marshal failed", "error", err, "experiment_id", exp.ExperimentID)
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO experiments (experiment_id, data) VALUES (?, ?)
		ON CONFLICT(experiment_id) DO UPDATE SET data = excluded.data`,
		exp.ExperimentID, data)
	if err != nil {
		slog.Error("SQLiteStore.SaveExperiment failed", "error", err, "experiment_id", exp.ExperimentID)
		return fmt.Errorf("failed to save experiment %s: %w", exp.ExperimentID, err)
	}
	return nil
}

func (s *SQLiteStore) GetExperiment(experimentID string) (*models.Experiment, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM experiments WHERE experiment_id = ?`, experimentID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.GetExperiment failed", "error", err, "experiment_id", experimentID)
		return nil, fmt.Errorf("failed to query experiment %s: %w", experimentID, err)
	}
	return unmarshalExperiment(experimentID, data)
}

func (s *SQLiteStore) ListExperiments() ([]*models.Experiment, error) {
	rows, err := s.db.Query(`SELECT experiment_id, data FROM experiments ORDER BY experiment_id`)
	if err != nil {
		slog.Error("SQLiteStore.ListExperiments failed", "error", err)
		return nil, fmt.Errorf("failed to query experiments: %w", err)
	}
	defer rows.Close()
	return scanExperiments(rows)
}

func (s *SQLiteStore) DeleteExperiment(experimentID string) error {
	_, err := s.db.Exec(`DELETE FROM experiments WHERE experiment_id = ?`, experimentID)
	if err != nil {
		slog.Error("SQLiteStore.DeleteExperiment failed", "error", err, "experiment_id", experimentID)
		return fmt.Errorf("failed to delete experiment %s: %w", experimentID, err)
	}
	return nil
}

func (s *SQLiteStore) SaveCondition(cond *models.Condition) error {
	if cond == nil || cond.ConditionID == "" {
		return models.ErrEmptyConditionID
	}
	data, err := marshalDoc(cond)
	if err != nil {
		slog.Error("SQLiteStore.SaveCondition: marshal failed", "error", err, "condition_id", cond.ConditionID)
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO conditions (condition_id, data) VALUES (?, ?)
		ON CONFLICT(condition_id) DO UPDATE SET data = excluded.data`,
		cond.ConditionID, data)
	if err != nil {
		slog.Error("SQLiteStore.SaveCondition failed", "error", err, "condition_id", cond.ConditionID)
		return fmt.Errorf("failed to save condition %s: %w", cond.ConditionID, err)
	}
	return nil
}

func (s *SQLiteStore) GetCondition(conditionID string) (*models.Condition, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM conditions WHERE condition_id = ?`, conditionID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.GetCondition failed", "error", err, "condition_id", conditionID)
		return nil, fmt.Errorf("failed to query condition %s: %w", conditionID, err)
	}
	return unmarshalCondition(conditionID, data)
}

func (s *SQLiteStore) ListConditions() ([]*models.Condition, error) {
	rows, err := s.db.Query(`SELECT condition_id, data FROM conditions ORDER BY condition_id`)
	if err != nil {
		slog.Error("SQLiteStore.ListConditions failed", "error", err)
		return nil, fmt.Errorf("failed to query conditions: %w", err)
	}
	defer rows.Close()
	return scanConditions(rows)
}

func (s *SQLiteStore) DeleteCondition(conditionID string) error {
	_, err := s.db.Exec(`DELETE FROM conditions WHERE condition_id = ?`, conditionID)
	if err != nil {
		slog.Error("SQLiteStore.DeleteCondition failed", "error", err, "condition_id", conditionID)
		return fmt.Errorf("failed to delete condition %s: %w", conditionID, err)
	}
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
