// Long-format exports: per-session message logs, summaries, and survey
// response tables. These complement the wide-format table with raw,
// row-per-event views of the same data.
package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ChatLabHQ/ChatLab/internal/models"
)

var messageCSVHeader = []string{
	"message_id",
	"session_id",
	"client_id",
	"internal_id",
	"message_type",
	"content",
	"timestamp",
	"char_count",
	"word_count",
}

// MessagesCSV renders one session's message log, one row per message.
func MessagesCSV(messages []models.Message, opts Options) ([]byte, error) {
	var buf bytes.Buffer
	if opts.ExcelFormat {
		buf.WriteString(utf8BOM)
	}
	w := csv.NewWriter(&buf)
	if err := w.Write(messageCSVHeader); err != nil {
		return nil, fmt.Errorf("failed to write message header: %w", err)
	}
	for _, msg := range messages {
		if err := w.Write(msg.CSVRow()); err != nil {
			return nil, fmt.Errorf("failed to write message %s: %w", msg.MessageID, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush messages CSV: %w", err)
	}
	return buf.Bytes(), nil
}

// MessagesJSON renders one session's message log as a JSON document with an
// export timestamp and message count.
func MessagesJSON(sessionID string, messages []models.Message) ([]byte, error) {
	doc := struct {
		SessionID     string           `json:"session_id"`
		ExportedAt    string           `json:"exported_at"`
		TotalMessages int              `json:"total_messages"`
		Messages      []models.Message `json:"messages"`
	}{
		SessionID:     sessionID,
		ExportedAt:    time.Now().UTC().Format(time.RFC3339),
		TotalMessages: len(messages),
		Messages:      messages,
	}
	if doc.Messages == nil {
		doc.Messages = []models.Message{}
	}
	return json.MarshalIndent(doc, "", "  ")
}

// clientStats accumulates per-participant message statistics.
type clientStats struct {
	Count int
	Chars int
	Words int
}

func statsByClient(messages []models.Message) map[string]clientStats {
	stats := make(map[string]clientStats)
	for _, msg := range messages {
		if !msg.Type.IsUser() {
			continue
		}
		s := stats[msg.ClientID]
		s.Count++
		s.Chars += msg.CharCount
		s.Words += msg.WordCount
		stats[msg.ClientID] = s
	}
	return stats
}

// SessionSummaryJSON renders one session's metadata and message statistics.
func SessionSummaryJSON(sess *models.Session, messages []models.Message) ([]byte, error) {
	if sess == nil {
		return nil, models.ErrSessionNotFound
	}
	var totalChars, totalWords int
	for _, msg := range messages {
		if msg.Type.IsUser() {
			totalChars += msg.CharCount
			totalWords += msg.WordCount
		}
	}
	doc := struct {
		Session    *models.Session `json:"session"`
		Statistics struct {
			TotalMessages int                    `json:"total_messages"`
			TotalChars    int                    `json:"total_chars"`
			TotalWords    int                    `json:"total_words"`
			MessageByUser map[string]clientStats `json:"message_by_user"`
		} `json:"statistics"`
		ExportedAt string `json:"exported_at"`
	}{
		Session:    sess,
		ExportedAt: time.Now().UTC().Format(time.RFC3339),
	}
	doc.Statistics.TotalMessages = len(messages)
	doc.Statistics.TotalChars = totalChars
	doc.Statistics.TotalWords = totalWords
	doc.Statistics.MessageByUser = statsByClient(messages)
	return json.MarshalIndent(doc, "", "  ")
}

// SessionSummaryCSV renders one session's metadata and statistics in a
// sectioned key/value layout meant for quick human inspection.
func SessionSummaryCSV(sess *models.Session, messages []models.Message, opts Options) ([]byte, error) {
	if sess == nil {
		return nil, models.ErrSessionNotFound
	}
	var buf bytes.Buffer
	if opts.ExcelFormat {
		buf.WriteString(utf8BOM)
	}
	w := csv.NewWriter(&buf)

	durationSecs := ""
	if d, ok := sess.Duration(); ok {
		durationSecs = strconv.Itoa(int(d.Seconds()))
	}
	rows := [][]string{
		{"Section", "Key", "Value"},
		{"Session", "session_id", sess.SessionID},
		{"Session", "participant_code", sess.ParticipantCode},
		{"Session", "created_at", sess.CreatedAt},
		{"Session", "ended_at", sess.EndedAt},
		{"Session", "status", string(sess.Status)},
		{"Session", "participant_count", strconv.Itoa(len(sess.Participants))},
		{"Session", "participants", strings.Join(sess.Participants, ", ")},
		{"Session", "total_messages", strconv.Itoa(len(messages))},
		{"Session", "duration_seconds", durationSecs},
	}

	var totalChars, totalWords int
	for _, msg := range messages {
		if msg.Type.IsUser() {
			totalChars += msg.CharCount
			totalWords += msg.WordCount
		}
	}
	rows = append(rows,
		[]string{},
		[]string{"Statistics", "total_messages", strconv.Itoa(len(messages))},
		[]string{"Statistics", "total_chars", strconv.Itoa(totalChars)},
		[]string{"Statistics", "total_words", strconv.Itoa(totalWords)},
		[]string{},
		[]string{"User Statistics", "client_id", "message_count", "total_chars", "total_words"},
	)
	stats := statsByClient(messages)
	for _, clientID := range sortedKeys(stats) {
		s := stats[clientID]
		rows = append(rows, []string{
			"User Statistics", clientID,
			strconv.Itoa(s.Count), strconv.Itoa(s.Chars), strconv.Itoa(s.Words),
		})
	}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write summary row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush summary CSV: %w", err)
	}
	return buf.Bytes(), nil
}

// UserContributionsCSV renders per-participant message statistics for one
// session, with guarded averages.
func UserContributionsCSV(messages []models.Message, opts Options) ([]byte, error) {
	var buf bytes.Buffer
	if opts.ExcelFormat {
		buf.WriteString(utf8BOM)
	}
	w := csv.NewWriter(&buf)
	header := []string{"client_id", "message_count", "total_chars", "total_words",
		"avg_chars_per_message", "avg_words_per_message"}
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write contributions header: %w", err)
	}
	stats := statsByClient(messages)
	for _, clientID := range sortedKeys(stats) {
		s := stats[clientID]
		avgChars, avgWords := 0.0, 0.0
		if s.Count > 0 {
			avgChars = float64(s.Chars) / float64(s.Count)
			avgWords = float64(s.Words) / float64(s.Count)
		}
		err := w.Write([]string{
			clientID,
			strconv.Itoa(s.Count),
			strconv.Itoa(s.Chars),
			strconv.Itoa(s.Words),
			strconv.FormatFloat(avgChars, 'f', 2, 64),
			strconv.FormatFloat(avgWords, 'f', 2, 64),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to write contribution row for %s: %w", clientID, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush contributions CSV: %w", err)
	}
	return buf.Bytes(), nil
}

// SurveyResponsesCSV renders one session's survey answers in long format, one
// row per answer. List answers are JSON-encoded into the answer cell.
func SurveyResponsesCSV(sess *models.Session, opts Options) ([]byte, error) {
	if sess == nil {
		return nil, models.ErrSessionNotFound
	}
	var buf bytes.Buffer
	if opts.ExcelFormat {
		buf.WriteString(utf8BOM)
	}
	w := csv.NewWriter(&buf)
	header := []string{"session_id", "participant_code", "client_id", "experiment_group",
		"question_id", "answer", "answered_at"}
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write survey header: %w", err)
	}
	for _, clientID := range sortedKeys(sess.SurveyResponses) {
		for _, resp := range sess.SurveyResponses[clientID] {
			err := w.Write([]string{
				sess.SessionID,
				sess.ParticipantCode,
				clientID,
				sess.ExperimentGroup,
				resp.QuestionID,
				flattenAnswer(resp.Answer),
				resp.AnsweredAt,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to write survey row: %w", err)
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush survey CSV: %w", err)
	}
	return buf.Bytes(), nil
}

// SurveyResponsesJSON renders one session's survey answers grouped by
// participant.
func SurveyResponsesJSON(sess *models.Session) ([]byte, error) {
	if sess == nil {
		return nil, models.ErrSessionNotFound
	}
	doc := struct {
		SessionID       string                          `json:"session_id"`
		ExperimentGroup string                          `json:"experiment_group"`
		ExportedAt      string                          `json:"exported_at"`
		SurveyResponses map[string][]models.SurveyAnswer `json:"survey_responses"`
	}{
		SessionID:       sess.SessionID,
		ExperimentGroup: sess.ExperimentGroup,
		ExportedAt:      time.Now().UTC().Format(time.RFC3339),
		SurveyResponses: sess.SurveyResponses,
	}
	if doc.SurveyResponses == nil {
		doc.SurveyResponses = map[string][]models.SurveyAnswer{}
	}
	return json.MarshalIndent(doc, "", "  ")
}

// ExperimentSurveyResponsesCSV renders survey answers across every session of
// an experiment, one row per answer.
func ExperimentSurveyResponsesCSV(experimentID string, sessions []*models.Session, opts Options) ([]byte, error) {
	var buf bytes.Buffer
	if opts.ExcelFormat {
		buf.WriteString(utf8BOM)
	}
	w := csv.NewWriter(&buf)
	header := []string{"experiment_id", "session_id", "participant_code", "client_id",
		"experiment_group", "condition_id", "question_id", "answer", "answered_at"}
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write survey header: %w", err)
	}
	for _, sess := range sessions {
		if sess == nil {
			continue
		}
		for _, clientID := range sortedKeys(sess.SurveyResponses) {
			for _, resp := range sess.SurveyResponses[clientID] {
				err := w.Write([]string{
					experimentID,
					sess.SessionID,
					sess.ParticipantCode,
					clientID,
					sess.ExperimentGroup,
					sess.ConditionID,
					resp.QuestionID,
					flattenAnswer(resp.Answer),
					resp.AnsweredAt,
				})
				if err != nil {
					return nil, fmt.Errorf("failed to write survey row: %w", err)
				}
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush survey CSV: %w", err)
	}
	return buf.Bytes(), nil
}

// ExperimentSurveyResponsesJSON renders survey answers across every session
// of an experiment, grouped per session.
func ExperimentSurveyResponsesJSON(experimentID string, sessions []*models.Session) ([]byte, error) {
	type sessionResponses struct {
		SessionID       string                          `json:"session_id"`
		ExperimentGroup string                          `json:"experiment_group"`
		CreatedAt       string                          `json:"created_at"`
		SurveyResponses map[string][]models.SurveyAnswer `json:"survey_responses"`
	}
	doc := struct {
		ExperimentID  string             `json:"experiment_id"`
		ExportedAt    string             `json:"exported_at"`
		TotalSessions int                `json:"total_sessions"`
		Sessions      []sessionResponses `json:"sessions"`
	}{
		ExperimentID:  experimentID,
		ExportedAt:    time.Now().UTC().Format(time.RFC3339),
		TotalSessions: len(sessions),
		Sessions:      []sessionResponses{},
	}
	for _, sess := range sessions {
		if sess == nil {
			continue
		}
		responses := sess.SurveyResponses
		if responses == nil {
			responses = map[string][]models.SurveyAnswer{}
		}
		doc.Sessions = append(doc.Sessions, sessionResponses{
			SessionID:       sess.SessionID,
			ExperimentGroup: sess.ExperimentGroup,
			CreatedAt:       sess.CreatedAt,
			SurveyResponses: responses,
		})
	}
	return json.MarshalIndent(doc, "", "  ")
}

// ExperimentMessagesCSV renders every message across an experiment's sessions
// in one table, prefixed with experiment context columns.
func ExperimentMessagesCSV(experimentID string, sessions []*models.Session, messages map[string][]models.Message, opts Options) ([]byte, error) {
	var buf bytes.Buffer
	if opts.ExcelFormat {
		buf.WriteString(utf8BOM)
	}
	w := csv.NewWriter(&buf)
	header := append([]string{"experiment_id", "session_id", "experiment_group"}, messageCSVHeader...)
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write message header: %w", err)
	}
	for _, sess := range sessions {
		if sess == nil {
			continue
		}
		for _, msg := range messages[sess.SessionID] {
			row := append([]string{experimentID, sess.SessionID, sess.ExperimentGroup}, msg.CSVRow()...)
			if err := w.Write(row); err != nil {
				return nil, fmt.Errorf("failed to write message %s: %w", msg.MessageID, err)
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush messages CSV: %w", err)
	}
	return buf.Bytes(), nil
}

// ExperimentSessionsCSV renders one summary row per session of an experiment.
func ExperimentSessionsCSV(experimentID string, sessions []*models.Session, opts Options) ([]byte, error) {
	var buf bytes.Buffer
	if opts.ExcelFormat {
		buf.WriteString(utf8BOM)
	}
	w := csv.NewWriter(&buf)
	header := []string{"experiment_id", "session_id", "participant_code", "experiment_group",
		"condition_id", "created_at", "ended_at", "status", "participant_count",
		"participants", "total_messages", "duration_seconds"}
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write sessions header: %w", err)
	}
	for _, sess := range sessions {
		if sess == nil {
			continue
		}
		durationSecs := ""
		if d, ok := sess.Duration(); ok {
			durationSecs = strconv.Itoa(int(d.Seconds()))
		}
		err := w.Write([]string{
			experimentID,
			sess.SessionID,
			sess.ParticipantCode,
			sess.ExperimentGroup,
			sess.ConditionID,
			sess.CreatedAt,
			sess.EndedAt,
			string(sess.Status),
			strconv.Itoa(len(sess.Participants)),
			strings.Join(sess.Participants, ", "),
			strconv.Itoa(sess.TotalMessages),
			durationSecs,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to write session row for %s: %w", sess.SessionID, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush sessions CSV: %w", err)
	}
	return buf.Bytes(), nil
}

// flattenAnswer renders a raw answer for a long-format cell. Unlike the
// wide-format resolver this never codes values; lists still collapse to a
// JSON array string.
func flattenAnswer(answer any) string {
	switch v := answer.(type) {
	case nil:
		return ""
	case []any:
		return marshalCell(v)
	case []string:
		return marshalCell(v)
	default:
		return stringifyValue(v)
	}
}
