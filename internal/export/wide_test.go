package export

import (
	"bytes"
	"encoding/csv"
	"strings"
	"testing"

	"github.com/ChatLabHQ/ChatLab/internal/models"
)

func testFlow() []models.FlowStep {
	return []models.FlowStep{
		{StepID: "consent", Type: models.StepTypeConsent},
		{
			StepID: "pre_survey",
			Type:   models.StepTypeSurvey,
			Questions: []models.SurveyQuestion{
				{QuestionID: "q_mood", Type: models.QuestionTypeLikert, Scale: 5},
				{QuestionID: "q_color", Type: models.QuestionTypeRadio, Options: []string{"Red", "Green", "Blue"}},
				{QuestionID: "q_hobbies", Type: models.QuestionTypeCheckbox, Options: []string{"Reading", "Sports"}},
				{QuestionID: "q_feedback", Type: models.QuestionTypeText},
			},
			RandomizeOrder: true,
		},
		{
			StepID: "arm_split",
			Type:   models.StepTypeBranch,
			Branches: []models.BranchArm{
				{BranchID: "control", ConditionLabel: "Control"},
				{
					BranchID:       "treatment",
					ConditionLabel: "Treatment",
					ConditionValue: "99",
					Steps: []models.FlowStep{
						{StepID: "deep_chat", Type: models.StepTypeChat, AIModel: "gpt-4o", BotName: "Alex", DurationSeconds: 300},
					},
				},
			},
		},
		{StepID: "main_chat", Type: models.StepTypeChat, AIModel: "llama3", BotName: "Sam", DurationSeconds: 600},
		{
			StepID: "eval",
			Type:   models.StepTypeAIEvaluation,
			EvaluationQuestions: []models.SurveyQuestion{
				{QuestionID: "empathy", Type: models.QuestionTypeLikert, Scale: 5},
			},
		},
	}
}

func testSession() *models.Session {
	sess := &models.Session{
		SessionID:       "sess-1",
		ParticipantCode: "P001",
		ClientID:        "client-1",
		ExperimentID:    "exp-1",
		ConditionID:     "cond-a",
		ExperimentGroup: "experimental",
		CreatedAt:       "2026-03-01T10:00:00Z",
		EndedAt:         "2026-03-01T10:30:00Z",
		Status:          models.SessionStatusCompleted,
		Participants:    []string{"client-1"},
		CompletedSteps:  []string{"consent", "pre_survey", "arm_split", "deep_chat", "main_chat", "eval"},
		FlowCompleted:   true,
		AssignedConditions: map[string]string{
			"arm_split": "treatment",
		},
		StepResponses: map[string]map[string]models.StepResponsePayload{
			"pre_survey": {
				"client-1": {
					SurveyResponses: []models.SurveyAnswer{
						{QuestionID: "q_mood", Answer: float64(4)},
						{QuestionID: "q_color", Answer: "Green"},
						{QuestionID: "q_hobbies", Answer: []any{"Reading", "Sports"}},
						{QuestionID: "q_feedback", Answer: "Line one\nline two"},
					},
					QuestionOrder: []string{"q_color", "q_mood", "q_hobbies", "q_feedback"},
				},
			},
			"eval": {
				"client-1": {
					EvaluationResults: map[string]float64{"empathy": 4.5},
				},
			},
		},
	}
	return sess
}

func testMessages() map[string][]models.Message {
	return map[string][]models.Message{
		"sess-1": {
			{MessageID: "m1", SessionID: "sess-1", ClientID: "client-1", Type: models.MessageTypeUser, Content: "hello there", CharCount: 11, WordCount: 2, Timestamp: "2026-03-01T10:05:00Z"},
			{MessageID: "m2", SessionID: "sess-1", ClientID: "bot", Type: models.MessageTypeBot, Content: "hi", CharCount: 2, WordCount: 1, Timestamp: "2026-03-01T10:05:30Z"},
			{MessageID: "m3", SessionID: "sess-1", ClientID: "client-1", Type: models.MessageTypeUser, Content: "ok", CharCount: 2, WordCount: 1, Timestamp: "2026-03-01T10:07:00Z"},
		},
	}
}

func colIndex(t *testing.T, header []string, name string) int {
	t.Helper()
	for i, h := range header {
		if h == name {
			return i
		}
	}
	t.Fatalf("column %q not in header %v", name, header)
	return -1
}

func cell(t *testing.T, rows [][]string, row int, column string) string {
	t.Helper()
	return rows[row][colIndex(t, rows[0], column)]
}

func TestWideRowsColumnLayout(t *testing.T) {
	rows, sc := WideRows("exp-1", testFlow(), []*models.Session{testSession()}, testMessages(), Options{})
	if sc == nil {
		t.Fatal("expected schema, got nil")
	}
	if len(rows) != 2 {
		t.Fatalf("expected header plus one row, got %d rows", len(rows))
	}

	header := rows[0]
	if header[0] != "experiment_id" || header[1] != "session_id" {
		t.Errorf("unexpected identity columns: %v", header[:2])
	}

	// Branch columns come from top-level branch steps only; the nested
	// chat inside the treatment arm still gets chat columns.
	for _, want := range []string{
		"arm_split_condition", "arm_split_condition_label", "arm_split_condition_value",
		"deep_chat_ai_model", "deep_chat_bot_name", "deep_chat_chat_duration_seconds",
		"main_chat_ai_model", "main_chat_bot_name", "main_chat_chat_duration_seconds",
		"pre_survey_question_order",
		"q_mood", "q_color", "q_hobbies", "q_feedback",
		"ai_eval_empathy",
		"user_avg_words_per_message",
	} {
		colIndex(t, header, want)
	}

	// Question columns follow flow-definition order.
	if colIndex(t, header, "q_mood") > colIndex(t, header, "q_color") {
		t.Error("q_mood should precede q_color")
	}

	// Every row has exactly one cell per column.
	if len(rows[1]) != len(header) {
		t.Errorf("row has %d cells, header has %d columns", len(rows[1]), len(header))
	}
}

func TestWideRowsLabeledValues(t *testing.T) {
	rows, _ := WideRows("exp-1", testFlow(), []*models.Session{testSession()}, testMessages(), Options{})

	checks := map[string]string{
		"experiment_id":                   "exp-1",
		"session_id":                      "sess-1",
		"participant_code":                "P001",
		"status":                          "completed",
		"duration_seconds":                "1800",
		"completed_steps_count":           "6",
		"flow_completed":                  "1",
		"arm_split_condition":             "treatment",
		"arm_split_condition_label":       "Treatment",
		"arm_split_condition_value":       "99",
		"main_chat_ai_model":              "llama3",
		"main_chat_bot_name":              "Sam",
		"main_chat_chat_duration_seconds": "120",
		"deep_chat_ai_model":              "gpt-4o",
		"pre_survey_question_order":       "q_color,q_mood,q_hobbies,q_feedback",
		"q_mood":                          "4",
		"q_color":                         "Green",
		"q_hobbies":                       `["Reading","Sports"]`,
		"q_feedback":                      "Line one line two",
		"ai_eval_empathy":                 "4.5",
		"total_messages":                  "3",
		"user_message_count":              "2",
		"bot_message_count":               "1",
		"user_total_chars":                "13",
		"user_avg_chars_per_message":      "6.50",
		"user_avg_words_per_message":      "1.50",
	}
	for column, want := range checks {
		if got := cell(t, rows, 1, column); got != want {
			t.Errorf("%s = %q, want %q", column, got, want)
		}
	}
}

func TestWideRowsCodedValues(t *testing.T) {
	rows, _ := WideRows("exp-1", testFlow(), []*models.Session{testSession()}, testMessages(), Options{Coded: true})

	checks := map[string]string{
		"q_color":   "2",
		"q_hobbies": "[1,2]",
		"q_mood":    "4",
	}
	for column, want := range checks {
		if got := cell(t, rows, 1, column); got != want {
			t.Errorf("coded %s = %q, want %q", column, got, want)
		}
	}
}

func TestWideRowsIncompleteChatStep(t *testing.T) {
	sess := testSession()
	sess.CompletedSteps = []string{"consent", "pre_survey"}
	rows, _ := WideRows("exp-1", testFlow(), []*models.Session{sess}, nil, Options{MissingValueStyle: MissingNA})

	for _, column := range []string{"main_chat_ai_model", "main_chat_bot_name", "main_chat_chat_duration_seconds"} {
		if got := cell(t, rows, 1, column); got != "NA" {
			t.Errorf("%s = %q, want NA for incomplete chat step", column, got)
		}
	}
}

func TestWideRowsChatDurationFromMessages(t *testing.T) {
	// The duration cell measures the conversation, not the step's
	// configured time limit; system lines do not stretch the span.
	msgs := testMessages()
	msgs["sess-1"] = append([]models.Message{
		{MessageID: "m0", SessionID: "sess-1", Type: models.MessageTypeSystem, Content: "joined", Timestamp: "2026-03-01T09:00:00Z"},
	}, msgs["sess-1"]...)
	rows, _ := WideRows("exp-1", testFlow(), []*models.Session{testSession()}, msgs, Options{})

	for _, column := range []string{"main_chat_chat_duration_seconds", "deep_chat_chat_duration_seconds"} {
		if got := cell(t, rows, 1, column); got != "120" {
			t.Errorf("%s = %q, want 120", column, got)
		}
	}
}

func TestWideRowsChatDurationUnparseable(t *testing.T) {
	msgs := testMessages()
	msgs["sess-1"][0].Timestamp = "half past nine"
	rows, _ := WideRows("exp-1", testFlow(), []*models.Session{testSession()}, msgs, Options{MissingValueStyle: MissingNA})

	if got := cell(t, rows, 1, "main_chat_chat_duration_seconds"); got != "NA" {
		t.Errorf("duration = %q, want NA when a chat timestamp cannot be parsed", got)
	}
}

func TestWideRowsMissingValueStyles(t *testing.T) {
	sess := &models.Session{
		SessionID: "sess-2",
		CreatedAt: "2026-03-01T10:00:00Z",
		Status:    models.SessionStatusActive,
	}

	tests := []struct {
		style MissingValueStyle
		want  string
	}{
		{MissingBlank, ""},
		{MissingNA, "NA"},
		{MissingDot, "."},
	}
	for _, tc := range tests {
		rows, _ := WideRows("exp-1", testFlow(), []*models.Session{sess}, nil, Options{MissingValueStyle: tc.style})
		if got := cell(t, rows, 1, "ended_at"); got != tc.want {
			t.Errorf("style %q: ended_at = %q, want %q", tc.style, got, tc.want)
		}
		if got := cell(t, rows, 1, "q_color"); got != tc.want {
			t.Errorf("style %q: q_color = %q, want %q", tc.style, got, tc.want)
		}
	}
}

func TestWideRowsUnparseableTimestamps(t *testing.T) {
	sess := testSession()
	sess.CreatedAt = "not a timestamp"
	rows, _ := WideRows("exp-1", testFlow(), []*models.Session{sess}, nil, Options{MissingValueStyle: MissingNA})

	if got := cell(t, rows, 1, "created_at"); got != "NA" {
		t.Errorf("created_at = %q, want NA for unparseable timestamp", got)
	}
	if got := cell(t, rows, 1, "duration_seconds"); got != "NA" {
		t.Errorf("duration_seconds = %q, want NA when created_at is unusable", got)
	}
	// The rest of the row survives.
	if got := cell(t, rows, 1, "session_id"); got != "sess-1" {
		t.Errorf("session_id = %q, row should survive bad timestamps", got)
	}
}

func TestWideRowsZeroUserMessages(t *testing.T) {
	msgs := map[string][]models.Message{
		"sess-1": {
			{MessageID: "m1", Type: models.MessageTypeBot, CharCount: 5, WordCount: 1},
		},
	}
	rows, _ := WideRows("exp-1", testFlow(), []*models.Session{testSession()}, msgs, Options{})

	if got := cell(t, rows, 1, "user_avg_chars_per_message"); got != "0.00" {
		t.Errorf("avg chars = %q, want 0.00 with no user messages", got)
	}
	if got := cell(t, rows, 1, "user_avg_words_per_message"); got != "0.00" {
		t.Errorf("avg words = %q, want 0.00 with no user messages", got)
	}
}

func TestWideRowsNoSessions(t *testing.T) {
	rows, sc := WideRows("exp-empty", testFlow(), nil, nil, Options{})
	if sc != nil {
		t.Error("expected nil schema for empty experiment")
	}
	wantHeader := []string{"experiment_id", "session_id", "participant_code", "status", "message"}
	if len(rows) != 2 {
		t.Fatalf("expected diagnostic header and row, got %d rows", len(rows))
	}
	for i, want := range wantHeader {
		if rows[0][i] != want {
			t.Errorf("diagnostic header[%d] = %q, want %q", i, rows[0][i], want)
		}
	}
	wantRow := []string{"exp-empty", "", "", "no_data", "No sessions found for this experiment"}
	for i, want := range wantRow {
		if rows[1][i] != want {
			t.Errorf("diagnostic row[%d] = %q, want %q", i, rows[1][i], want)
		}
	}
}

func TestWideRowsLegacyBranchPayload(t *testing.T) {
	sess := testSession()
	sess.AssignedConditions = nil
	sess.StepResponses["arm_split"] = map[string]models.StepResponsePayload{
		"client-1": {BranchSelected: "control"},
	}
	rows, _ := WideRows("exp-1", testFlow(), []*models.Session{sess}, nil, Options{})

	if got := cell(t, rows, 1, "arm_split_condition"); got != "control" {
		t.Errorf("condition = %q, want legacy payload fallback", got)
	}
	if got := cell(t, rows, 1, "arm_split_condition_label"); got != "Control" {
		t.Errorf("condition label = %q, want Control", got)
	}
	if got := cell(t, rows, 1, "arm_split_condition_value"); got != "1" {
		t.Errorf("condition value = %q, want 1-based arm index", got)
	}
}

func TestWideRowsDiscoveredQuestions(t *testing.T) {
	// A question answered in the data but absent from the flow definition
	// still gets a column, after the flow-defined ones.
	sess := testSession()
	payload := sess.StepResponses["pre_survey"]["client-1"]
	payload.SurveyResponses = append(payload.SurveyResponses,
		models.SurveyAnswer{QuestionID: "q_surprise", Answer: "yes"})
	sess.StepResponses["pre_survey"]["client-1"] = payload

	rows, _ := WideRows("exp-1", testFlow(), []*models.Session{sess}, nil, Options{})
	if got := cell(t, rows, 1, "q_surprise"); got != "yes" {
		t.Errorf("q_surprise = %q, want yes", got)
	}
	if colIndex(t, rows[0], "q_surprise") < colIndex(t, rows[0], "q_feedback") {
		t.Error("discovered question should come after flow-defined questions")
	}
}

func TestWideCSVDeterministic(t *testing.T) {
	sessions := []*models.Session{testSession()}
	first, err := WideCSV("exp-1", testFlow(), sessions, testMessages(), Options{Coded: true})
	if err != nil {
		t.Fatalf("WideCSV failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := WideCSV("exp-1", testFlow(), sessions, testMessages(), Options{Coded: true})
		if err != nil {
			t.Fatalf("WideCSV failed: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatal("identical inputs produced different CSV bytes")
		}
	}
}

func TestWideCSVExcelFormatBOM(t *testing.T) {
	data, err := WideCSV("exp-1", testFlow(), []*models.Session{testSession()}, nil, Options{ExcelFormat: true})
	if err != nil {
		t.Fatalf("WideCSV failed: %v", err)
	}
	if !strings.HasPrefix(string(data), utf8BOM) {
		t.Error("excel format output should start with a UTF-8 BOM")
	}
}

func TestCodebookEntries(t *testing.T) {
	_, sc := WideRows("exp-1", testFlow(), []*models.Session{testSession()}, nil, Options{})
	entries := sc.CodebookEntries()

	byKey := make(map[string]string, len(entries))
	for _, e := range entries {
		byKey[e.Variable+"="+e.Value] = e.Label
	}

	checks := map[string]string{
		"flow_completed=1":      "TRUE",
		"flow_completed=0":      "FALSE",
		"q_color=2":             "Green",
		"q_hobbies=1":           "Reading",
		"q_mood=3":              "Scale point 3",
		"arm_split_condition=1": "Control",
		"arm_split_condition=99": "Treatment",
		"ai_eval_empathy=5":     "Scale point 5",
	}
	for key, want := range checks {
		if got, ok := byKey[key]; !ok || got != want {
			t.Errorf("codebook %s = %q (present=%v), want %q", key, got, ok, want)
		}
	}

	// Entries are sorted by variable then numeric value.
	for i := 1; i < len(entries); i++ {
		prev, cur := entries[i-1], entries[i]
		if prev.Variable > cur.Variable {
			t.Fatalf("codebook not sorted by variable: %q after %q", cur.Variable, prev.Variable)
		}
		if prev.Variable == cur.Variable && !valueLess(prev.Value, cur.Value) && prev.Value != cur.Value {
			t.Fatalf("codebook values not sorted within %s: %q after %q", cur.Variable, cur.Value, prev.Value)
		}
	}
}

func TestCodebookCSV(t *testing.T) {
	_, sc := WideRows("exp-1", testFlow(), []*models.Session{testSession()}, nil, Options{})
	data, err := CodebookCSV(sc, Options{})
	if err != nil {
		t.Fatalf("CodebookCSV failed: %v", err)
	}
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("codebook CSV does not parse: %v", err)
	}
	if len(records) < 2 {
		t.Fatal("codebook CSV has no entries")
	}
	want := []string{"variable", "value", "label"}
	for i, col := range want {
		if records[0][i] != col {
			t.Errorf("codebook header[%d] = %q, want %q", i, records[0][i], col)
		}
	}
}
