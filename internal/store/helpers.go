package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ChatLabHQ/ChatLab/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// marshalDoc serializes a record for JSON-document storage.
func marshalDoc(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record: %w", err)
	}
	return string(data), nil
}

func unmarshalSession(sessionID, data string) (*models.Session, error) {
	var sess models.Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		slog.Error("store: session document corrupt", "error", err, "session_id", sessionID)
		return nil, fmt.Errorf("failed to decode session %s: %w", sessionID, err)
	}
	return &sess, nil
}

func unmarshalExperiment(experimentID, data string) (*models.Experiment, error) {
	var exp models.Experiment
	if err := json.Unmarshal([]byte(data), &exp); err != nil {
		slog.Error("store: experiment document corrupt", "error", err, "experiment_id", experimentID)
		return nil, fmt.Errorf("failed to decode experiment %s: %w", experimentID, err)
	}
	return &exp, nil
}

func unmarshalCondition(conditionID, data string) (*models.Condition, error) {
	var cond models.Condition
	if err := json.Unmarshal([]byte(data), &cond); err != nil {
		slog.Error("store: condition document corrupt", "error", err, "condition_id", conditionID)
		return nil, fmt.Errorf("failed to decode condition %s: %w", conditionID, err)
	}
	return &cond, nil
}

// scanSessions decodes (session_id, data) rows. A single corrupt document is
// skipped with a log entry so one bad row cannot take down a listing.
func scanSessions(rows *sql.Rows) ([]*models.Session, error) {
	var sessions []*models.Session
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sess, err := unmarshalSession(id, data)
		if err != nil {
			continue
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	return sessions, nil
}

func scanExperiments(rows *sql.Rows) ([]*models.Experiment, error) {
	var experiments []*models.Experiment
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("failed to scan experiment row: %w", err)
		}
		exp, err := unmarshalExperiment(id, data)
		if err != nil {
			continue
		}
		experiments = append(experiments, exp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate experiment rows: %w", err)
	}
	return experiments, nil
}

func scanConditions(rows *sql.Rows) ([]*models.Condition, error) {
	var conditions []*models.Condition
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("failed to scan condition row: %w", err)
		}
		cond, err := unmarshalCondition(id, data)
		if err != nil {
			continue
		}
		conditions = append(conditions, cond)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate condition rows: %w", err)
	}
	return conditions, nil
}

// scanMessages decodes full message rows.
func scanMessages(rows *sql.Rows) ([]models.Message, error) {
	var messages []models.Message
	for rows.Next() {
		var m models.Message
		var clientID, internalID sql.NullString
		var mt string
		err := rows.Scan(&m.MessageID, &m.SessionID, &clientID, &internalID,
			&mt, &m.Content, &m.Timestamp, &m.CharCount, &m.WordCount)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		m.ClientID = clientID.String
		m.InternalID = internalID.String
		m.Type = models.MessageType(mt)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return messages, nil
}
