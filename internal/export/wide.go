package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ChatLabHQ/ChatLab/internal/models"
)

// baseColumns open every wide-format row, before the flow-derived columns.
var baseColumns = []string{
	"experiment_id",
	"session_id",
	"participant_code",
	"client_id",
	"condition_id",
	"experiment_group",
	"created_at",
	"ended_at",
	"status",
	"duration_seconds",
	"completed_steps_count",
	"flow_completed",
}

// aggregateColumns close every wide-format row, after the flow-derived
// columns.
var aggregateColumns = []string{
	"total_messages",
	"user_message_count",
	"bot_message_count",
	"user_total_chars",
	"user_total_words",
	"user_avg_chars_per_message",
	"user_avg_words_per_message",
}

// Header returns the full wide-format column list for a schema. Column order
// is fixed: identity and session columns, branch condition triples, chat
// config triples, question order columns, question columns, evaluation
// columns, then message aggregates.
func Header(sc *Schema) []string {
	header := make([]string, 0, len(baseColumns)+3*len(sc.BranchSteps)+3*len(sc.ChatSteps)+
		len(sc.QuestionOrderSteps)+len(sc.QuestionIDs)+len(sc.EvalKeys)+len(aggregateColumns))
	header = append(header, baseColumns...)
	for _, stepID := range sc.BranchSteps {
		header = append(header, stepID+suffixCondition, stepID+suffixConditionLabel, stepID+suffixConditionValue)
	}
	for _, stepID := range sc.ChatSteps {
		header = append(header, stepID+suffixAIModel, stepID+suffixBotName, stepID+suffixChatDuration)
	}
	for _, stepID := range sc.QuestionOrderSteps {
		header = append(header, stepID+suffixQuestionOrder)
	}
	header = append(header, sc.QuestionIDs...)
	for _, key := range sc.EvalKeys {
		header = append(header, evalColumnPrefix+key)
	}
	return append(header, aggregateColumns...)
}

// WideRows assembles the complete wide-format table for one experiment: a
// header row followed by one row per session, one cell per schema column.
// Messages are keyed by session ID and feed the aggregate columns. When no
// sessions exist, a small diagnostic table is returned (with a nil schema) so
// researchers see why the download has no rows instead of an empty file.
func WideRows(experimentID string, flow []models.FlowStep, sessions []*models.Session, messages map[string][]models.Message, opts Options) ([][]string, *Schema) {
	if len(sessions) == 0 {
		return noDataRows(experimentID), nil
	}

	sc := BuildSchema(flow, sessions)
	res := &resolver{schema: sc, opts: opts}

	rows := make([][]string, 0, len(sessions)+1)
	rows = append(rows, Header(sc))
	for _, sess := range sessions {
		if sess == nil {
			continue
		}
		rows = append(rows, assembleRow(experimentID, sess, messages[sess.SessionID], res, opts))
	}
	slog.Info("WideRows: export assembled", "experiment_id", experimentID,
		"sessions", len(sessions), "columns", len(rows[0]))
	return rows, sc
}

// WideCSV renders the wide-format table as CSV bytes.
func WideCSV(experimentID string, flow []models.FlowStep, sessions []*models.Session, messages map[string][]models.Message, opts Options) ([]byte, error) {
	rows, _ := WideRows(experimentID, flow, sessions, messages, opts)
	return writeCSVRows(rows, opts)
}

// ExperimentBundle packages the wide-format CSV and its codebook into one zip
// archive. With no sessions the data member carries the diagnostic table and
// the codebook only its header, so the bundle shape never changes.
func ExperimentBundle(experimentID string, flow []models.FlowStep, sessions []*models.Session, messages map[string][]models.Message, opts Options) ([]byte, error) {
	rows, sc := WideRows(experimentID, flow, sessions, messages, opts)
	dataCSV, err := writeCSVRows(rows, opts)
	if err != nil {
		return nil, err
	}
	if sc == nil {
		sc = &Schema{}
	}
	codebookCSV, err := CodebookCSV(sc, opts)
	if err != nil {
		return nil, err
	}
	return DataBundle(experimentID, dataCSV, codebookCSV)
}

// ExperimentWorkbook renders the wide-format table and codebook as a
// two-sheet xlsx workbook.
func ExperimentWorkbook(experimentID string, flow []models.FlowStep, sessions []*models.Session, messages map[string][]models.Message, opts Options) ([]byte, error) {
	rows, sc := WideRows(experimentID, flow, sessions, messages, opts)
	if sc == nil {
		sc = &Schema{}
	}
	return Workbook(rows, sc.CodebookEntries())
}

func writeCSVRows(rows [][]string, opts Options) ([]byte, error) {
	var buf bytes.Buffer
	if opts.ExcelFormat {
		buf.WriteString(utf8BOM)
	}
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("failed to write CSV: %w", err)
	}
	return buf.Bytes(), nil
}

// assembleRow produces exactly one cell per schema column for a session. Any
// lookup that comes back empty is replaced with the missing-value token in a
// final pass, so the notion of "missing" is defined in one place.
func assembleRow(experimentID string, sess *models.Session, msgs []models.Message, res *resolver, opts Options) []string {
	sc := res.schema
	row := make([]string, 0, len(baseColumns))

	created, createdOK := parseCellTime(sess.CreatedAt)
	ended, endedOK := parseCellTime(sess.EndedAt)

	row = append(row,
		experimentID,
		sess.SessionID,
		sess.ParticipantCode,
		sess.ClientID,
		sess.ConditionID,
		sess.ExperimentGroup,
		timeCell(created, createdOK),
		timeCell(ended, endedOK),
		string(sess.Status),
		durationCell(created, createdOK, ended, endedOK),
		strconv.Itoa(len(sess.CompletedSteps)),
		boolCell(sess.FlowCompleted),
	)

	for _, stepID := range sc.BranchSteps {
		condition, label, value := res.branchCells(sess, stepID)
		row = append(row, condition, label, value)
	}
	for _, stepID := range sc.ChatSteps {
		aiModel, botName, duration := res.chatCells(sess, msgs, stepID)
		row = append(row, aiModel, botName, duration)
	}
	for _, stepID := range sc.QuestionOrderSteps {
		row = append(row, res.questionOrderCell(sess, stepID))
	}
	for _, questionID := range sc.QuestionIDs {
		row = append(row, res.answerCell(sess, questionID))
	}
	for _, key := range sc.EvalKeys {
		row = append(row, res.evalCell(sess, key))
	}
	row = append(row, aggregateCells(msgs)...)

	if token := opts.MissingValueStyle.Token(); token != "" {
		for i, cell := range row {
			if cell == "" {
				row[i] = token
			}
		}
	}
	return row
}

// aggregateCells computes the message statistics for one session. Averages
// over zero user messages are reported as 0, never NaN.
func aggregateCells(msgs []models.Message) []string {
	var userCount, botCount, userChars, userWords int
	for _, msg := range msgs {
		switch {
		case msg.Type.IsUser():
			userCount++
			userChars += msg.CharCount
			userWords += msg.WordCount
		case msg.Type == models.MessageTypeBot:
			botCount++
		}
	}
	avgChars, avgWords := 0.0, 0.0
	if userCount > 0 {
		avgChars = float64(userChars) / float64(userCount)
		avgWords = float64(userWords) / float64(userCount)
	}
	return []string{
		strconv.Itoa(len(msgs)),
		strconv.Itoa(userCount),
		strconv.Itoa(botCount),
		strconv.Itoa(userChars),
		strconv.Itoa(userWords),
		strconv.FormatFloat(avgChars, 'f', 2, 64),
		strconv.FormatFloat(avgWords, 'f', 2, 64),
	}
}

// noDataRows explains an empty experiment instead of handing back a bare
// header.
func noDataRows(experimentID string) [][]string {
	return [][]string{
		{"experiment_id", "session_id", "participant_code", "status", "message"},
		{experimentID, "", "", "no_data", "No sessions found for this experiment"},
	}
}

// parseCellTime accepts the timestamp formats sessions have carried over
// time. A value that parses under none of them is treated as absent rather
// than corrupting the row.
func parseCellTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	slog.Warn("parseCellTime: unparseable timestamp", "value", s)
	return time.Time{}, false
}

func timeCell(t time.Time, ok bool) string {
	if !ok {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func durationCell(created time.Time, createdOK bool, ended time.Time, endedOK bool) string {
	if !createdOK || !endedOK {
		return ""
	}
	secs := int(ended.Sub(created).Seconds())
	if secs < 0 {
		return ""
	}
	return strconv.Itoa(secs)
}

func boolCell(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
