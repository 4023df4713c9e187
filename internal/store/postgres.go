// PostgreSQL-backed store for shared ChatLab deployments.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/ChatLabHQ/ChatLab/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants.
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
}

// NewPostgresStore connects to PostgreSQL with the configured DSN and applies
// migrations.
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

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) SaveSession(sess *models.Session) error {
	if sess == nil || sess.SessionID == "" {
		return models.ErrEmptySessionID
	}
	data, err := marshalDoc(sess)
	if err != nil {
		slog.Error("PostgresStore.SaveSession: marshal failed", "error", err, "session_id", sess.SessionID)
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO sessions (session_id, experiment_id, status, created_at, data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id) DO UPDATE SET
			experiment_id = EXCLUDED.experiment_id,
			status = EXCLUDED.status,
			created_at = EXCLUDED.created_at,
			data = EXCLUDED.data`,
		sess.SessionID, nilIfEmpty(sess.ExperimentID), string(sess.Status), sess.CreatedAt, data)
	if err != nil {
		slog.Error("PostgresStore.SaveSession failed", "error", err, "session_id", sess.SessionID)
		return fmt.Errorf("failed to save session %s: %w", sess.SessionID, err)
	}
	slog.Debug("PostgresStore.SaveSession succeeded", "session_id", sess.SessionID, "status", sess.Status)
	return nil
}

func (s *PostgresStore) GetSession(sessionID string) (*models.Session, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM sessions WHERE session_id = $1`, sessionID).Scan(&data)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore.GetSession not found", "session_id", sessionID)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.GetSession failed", "error", err, "session_id", sessionID)
		return nil, fmt.Errorf("failed to query session %s: %w", sessionID, err)
	}
	return unmarshalSession(sessionID, data)
}

func (s *PostgresStore) ListSessions() ([]*models.Session, error) {
	return s.querySessions(`SELECT session_id, data FROM sessions ORDER BY created_at, session_id`)
}

func (s *PostgresStore) ListSessionsByExperiment(experimentID string) ([]*models.Session, error) {
	return s.querySessions(`SELECT session_id, data FROM sessions WHERE experiment_id = $1 ORDER BY created_at, session_id`, experimentID)
}

func (s *PostgresStore) querySessions(query string, args ...any) ([]*models.Session, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("PostgresStore.querySessions failed", "error", err)
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *PostgresStore) DeleteSession(sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE session_id = $1`, sessionID)
	if err != nil {
		slog.Error("PostgresStore.DeleteSession failed", "error", err, "session_id", sessionID)
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	return nil
}

func (s *PostgresStore) AddMessage(msg models.Message) error {
	_, err := s.db.Exec(`
		INSERT INTO messages (message_id, session_id, client_id, internal_id, message_type, content, timestamp, char_count, word_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		msg.MessageID, msg.SessionID, nilIfEmpty(msg.ClientID), nilIfEmpty(msg.InternalID),
		string(msg.Type), msg.Content, msg.Timestamp, msg.CharCount, msg.WordCount)
	if err != nil {
		slog.Error("PostgresStore.AddMessage failed", "error", err, "message_id", msg.MessageID)
		return fmt.Errorf("failed to insert message %s: %w", msg.MessageID, err)
	}
	return nil
}

func (s *PostgresStore) GetMessages(sessionID string) ([]models.Message, error) {
	rows, err := s.db.Query(`
		SELECT message_id, session_id, client_id, internal_id, message_type, content, timestamp, char_count, word_count
		FROM messages WHERE session_id = $1 ORDER BY timestamp, message_id`, sessionID)
	if err != nil {
		slog.Error("PostgresStore.GetMessages failed", "error", err, "session_id", sessionID)
		return nil, fmt.Errorf("failed to query messages for %s: %w", sessionID, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *PostgresStore) DeleteMessages(sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM messages WHERE session_id = $1`, sessionID)
	if err != nil {
		slog.Error("PostgresStore.DeleteMessages failed", "error", err, "session_id", sessionID)
		return fmt.Errorf("failed to delete messages for %s: %w", sessionID, err)
	}
	return nil
}

func (s *PostgresStore) SaveExperiment(exp *models.Experiment) error {
	if exp == nil || exp.ExperimentID == "" {
		return models.ErrEmptyExperimentID
	}
	data, err := marshalDoc(exp)
	if err != nil {
		slog.Error("PostgresStore.SaveExperiment: marshal failed", "error", err, "experiment_id", exp.ExperimentID)
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO experiments (experiment_id, data) VALUES ($1, $2)
		ON CONFLICT (experiment_id) DO UPDATE SET data = EXCLUDED.data`,
		exp.ExperimentID, data)
	if err != nil {
		slog.Error("PostgresStore.SaveExperiment failed", "error", err, "experiment_id", exp.ExperimentID)
		return fmt.Errorf("failed to save experiment %s: %w", exp.ExperimentID, err)
	}
	return nil
}

func (s *PostgresStore) GetExperiment(experimentID string) (*models.Experiment, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM experiments WHERE experiment_id = $1`, experimentID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.GetExperiment failed", "error", err, "experiment_id", experimentID)
		return nil, fmt.Errorf("failed to query experiment %s: %w", experimentID, err)
	}
	return unmarshalExperiment(experimentID, data)
}

func (s *PostgresStore) ListExperiments() ([]*models.Experiment, error) {
	rows, err := s.db.Query(`SELECT experiment_id, data FROM experiments ORDER BY experiment_id`)
	if err != nil {
		slog.Error("PostgresStore.ListExperiments failed", "error", err)
		return nil, fmt.Errorf("failed to query experiments: %w", err)
	}
	defer rows.Close()
	return scanExperiments(rows)
}

func (s *PostgresStore) DeleteExperiment(experimentID string) error {
	_, err := s.db.Exec(`DELETE FROM experiments WHERE experiment_id = $1`, experimentID)
	if err != nil {
		slog.Error("PostgresStore.DeleteExperiment failed", "error", err, "experiment_id", experimentID)
		return fmt.Errorf("failed to delete experiment %s: %w", experimentID, err)
	}
	return nil
}

func (s *PostgresStore) SaveCondition(cond *models.Condition) error {
	if cond == nil || cond.ConditionID == "" {
		return models.ErrEmptyConditionID
	}
	data, err := marshalDoc(cond)
	if err != nil {
		slog.Error("PostgresStore.SaveCondition: marshal failed", "error", err, "condition_id", cond.ConditionID)
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO conditions (condition_id, data) VALUES ($1, $2)
		ON CONFLICT (condition_id) DO UPDATE SET data = EXCLUDED.data`,
		cond.ConditionID, data)
	if err != nil {
		slog.Error("PostgresStore.SaveCondition failed", "error", err, "condition_id", cond.ConditionID)
		return fmt.Errorf("failed to save condition %s: %w", cond.ConditionID, err)
	}
	return nil
}

func (s *PostgresStore) GetCondition(conditionID string) (*models.Condition, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM conditions WHERE condition_id = $1`, conditionID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.GetCondition failed", "error", err, "condition_id", conditionID)
		return nil, fmt.Errorf("failed to query condition %s: %w", conditionID, err)
	}
	return unmarshalCondition(conditionID, data)
}

func (s *PostgresStore) ListConditions() ([]*models.Condition, error) {
	rows, err := s.db.Query(`SELECT condition_id, data FROM conditions ORDER BY condition_id`)
	if err != nil {
		slog.Error("PostgresStore.ListConditions failed", "error", err)
		return nil, fmt.Errorf("failed to query conditions: %w", err)
	}
	defer rows.Close()
	return scanConditions(rows)
}

func (s *PostgresStore) DeleteCondition(conditionID string) error {
	_, err := s.db.Exec(`DELETE FROM conditions WHERE condition_id = $1`, conditionID)
	if err != nil {
		slog.Error("PostgresStore.DeleteCondition failed", "error", err, "condition_id", conditionID)
		return fmt.Errorf("failed to delete condition %s: %w", conditionID, err)
	}
	return nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
