// Package store provides storage backends for ChatLab.
//
// Three implementations share one interface: SQLite for single-node
// deployments, PostgreSQL for shared infrastructure, and an in-memory store
// for tests and ephemeral runs. Sessions, experiments, and conditions are
// persisted as JSON documents with a few indexed columns; messages are stored
// relationally since exports query them per session.
package store

import (
	"strings"

	"github.com/ChatLabHQ/ChatLab/internal/models"
)

// Store is the persistence interface the API server and export engine run
// against. Lookup methods return (nil, nil) when the record does not exist.
type Store interface {
	SaveSession(sess *models.Session) error
	GetSession(sessionID string) (*models.Session, error)
	ListSessions() ([]*models.Session, error)
	ListSessionsByExperiment(experimentID string) ([]*models.Session, error)
	DeleteSession(sessionID string) error

	AddMessage(msg models.Message) error
	GetMessages(sessionID string) ([]models.Message, error)
	DeleteMessages(sessionID string) error

	SaveExperiment(exp *models.Experiment) error
	GetExperiment(experimentID string) (*models.Experiment, error)
	ListExperiments() ([]*models.Experiment, error)
	DeleteExperiment(experimentID string) error

	SaveCondition(cond *models.Condition) error
	GetCondition(conditionID string) (*models.Condition, error)
	ListConditions() ([]*models.Condition, error)
	DeleteCondition(conditionID string) error

	Close() error
}

// Opts holds store configuration applied via Option values.
type Opts struct {
	DSN string
}

// Option configures a store backend.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// FromDSN selects a backend from a connection string: postgres:// URLs open
// PostgreSQL, an empty DSN yields the in-memory store, anything else is
// treated as a SQLite file path.
func FromDSN(dsn string) (Store, error) {
	switch {
	case dsn == "":
		return NewInMemoryStore(), nil
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgresStore(WithPostgresDSN(dsn))
	default:
		return NewSQLiteStore(WithSQLiteDSN(dsn))
	}
}
