package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"

	"github.com/ChatLabHQ/ChatLab/internal/models"
)

func TestMessagesCSV(t *testing.T) {
	msgs := []models.Message{
		{MessageID: "m1", SessionID: "s1", ClientID: "c1", InternalID: "i1",
			Type: models.MessageTypeUser, Content: "hello", Timestamp: "2026-03-01T10:00:00Z",
			CharCount: 5, WordCount: 1},
		{MessageID: "m2", SessionID: "s1", ClientID: "bot", InternalID: "i2",
			Type: models.MessageTypeBot, Content: "hi there", Timestamp: "2026-03-01T10:00:05Z",
			CharCount: 8, WordCount: 2},
	}
	data, err := MessagesCSV(msgs, Options{})
	if err != nil {
		t.Fatalf("MessagesCSV failed: %v", err)
	}
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("output does not parse as CSV: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d", len(records))
	}
	if records[1][0] != "m1" || records[1][4] != "user" || records[1][7] != "5" {
		t.Errorf("unexpected message row: %v", records[1])
	}
}

func TestMessagesJSON(t *testing.T) {
	data, err := MessagesJSON("s1", []models.Message{
		{MessageID: "m1", SessionID: "s1", Type: models.MessageTypeUser, Content: "hi"},
	})
	if err != nil {
		t.Fatalf("MessagesJSON failed: %v", err)
	}
	var doc struct {
		SessionID     string           `json:"session_id"`
		TotalMessages int              `json:"total_messages"`
		Messages      []models.Message `json:"messages"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("output does not parse as JSON: %v", err)
	}
	if doc.SessionID != "s1" || doc.TotalMessages != 1 || len(doc.Messages) != 1 {
		t.Errorf("unexpected document: %+v", doc)
	}
}

func TestMessagesJSONEmpty(t *testing.T) {
	data, err := MessagesJSON("s1", nil)
	if err != nil {
		t.Fatalf("MessagesJSON failed: %v", err)
	}
	if strings.Contains(string(data), `"messages": null`) {
		t.Error("empty message list should encode as [], not null")
	}
}

func TestUserContributionsCSV(t *testing.T) {
	msgs := []models.Message{
		{ClientID: "c1", Type: models.MessageTypeUser, CharCount: 10, WordCount: 2},
		{ClientID: "c1", Type: models.MessageTypeUser, CharCount: 20, WordCount: 4},
		{ClientID: "c2", Type: models.MessageTypeLegacyUser, CharCount: 6, WordCount: 1},
		{ClientID: "bot", Type: models.MessageTypeBot, CharCount: 100, WordCount: 20},
	}
	data, err := UserContributionsCSV(msgs, Options{})
	if err != nil {
		t.Fatalf("UserContributionsCSV failed: %v", err)
	}
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("output does not parse as CSV: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected header plus 2 participants, got %d rows", len(records))
	}
	// Sorted by client ID, bot messages excluded.
	if records[1][0] != "c1" || records[1][1] != "2" || records[1][4] != "15.00" {
		t.Errorf("unexpected c1 row: %v", records[1])
	}
	if records[2][0] != "c2" || records[2][1] != "1" {
		t.Errorf("unexpected c2 row: %v", records[2])
	}
}

func TestSurveyResponsesCSV(t *testing.T) {
	sess := &models.Session{
		SessionID:       "s1",
		ParticipantCode: "P001",
		ExperimentGroup: "control",
		SurveyResponses: map[string][]models.SurveyAnswer{
			"c1": {
				{QuestionID: "q1", Answer: "yes", AnsweredAt: "2026-03-01T10:00:00Z"},
				{QuestionID: "q2", Answer: []any{"a", "b"}, AnsweredAt: "2026-03-01T10:01:00Z"},
			},
		},
	}
	data, err := SurveyResponsesCSV(sess, Options{})
	if err != nil {
		t.Fatalf("SurveyResponsesCSV failed: %v", err)
	}
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("output does not parse as CSV: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected header plus 2 answers, got %d rows", len(records))
	}
	if records[1][4] != "q1" || records[1][5] != "yes" {
		t.Errorf("unexpected q1 row: %v", records[1])
	}
	if records[2][5] != `["a","b"]` {
		t.Errorf("list answer = %q, want JSON array string", records[2][5])
	}
}

func TestSurveyResponsesCSVNilSession(t *testing.T) {
	if _, err := SurveyResponsesCSV(nil, Options{}); err == nil {
		t.Error("expected error for nil session")
	}
}

func TestExperimentSessionsCSV(t *testing.T) {
	sessions := []*models.Session{
		{
			SessionID:    "s1",
			CreatedAt:    "2026-03-01T10:00:00Z",
			EndedAt:      "2026-03-01T10:05:00Z",
			Status:       models.SessionStatusCompleted,
			Participants: []string{"c1"},
		},
		{
			SessionID: "s2",
			CreatedAt: "2026-03-01T11:00:00Z",
			Status:    models.SessionStatusActive,
		},
	}
	data, err := ExperimentSessionsCSV("exp-1", sessions, Options{})
	if err != nil {
		t.Fatalf("ExperimentSessionsCSV failed: %v", err)
	}
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("output does not parse as CSV: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected header plus 2 sessions, got %d rows", len(records))
	}
	durationIdx := len(records[0]) - 1
	if records[0][durationIdx] != "duration_seconds" {
		t.Fatalf("last column = %q, want duration_seconds", records[0][durationIdx])
	}
	if records[1][durationIdx] != "300" {
		t.Errorf("s1 duration = %q, want 300", records[1][durationIdx])
	}
	if records[2][durationIdx] != "" {
		t.Errorf("s2 duration = %q, want empty for unfinished session", records[2][durationIdx])
	}
}

func TestExperimentMessagesCSV(t *testing.T) {
	sessions := []*models.Session{
		{SessionID: "s1", ExperimentGroup: "control"},
	}
	messages := map[string][]models.Message{
		"s1": {{MessageID: "m1", SessionID: "s1", Type: models.MessageTypeUser, Content: "hi"}},
	}
	data, err := ExperimentMessagesCSV("exp-1", sessions, messages, Options{})
	if err != nil {
		t.Fatalf("ExperimentMessagesCSV failed: %v", err)
	}
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("output does not parse as CSV: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected header plus 1 message, got %d rows", len(records))
	}
	if records[1][0] != "exp-1" || records[1][1] != "s1" || records[1][2] != "control" {
		t.Errorf("row should lead with experiment context: %v", records[1])
	}
}

func TestFlattenAnswer(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"plain", "plain"},
		{float64(3), "3"},
		{float64(3.5), "3.5"},
		{true, "true"},
		{[]any{"x", "y"}, `["x","y"]`},
		{[]string{"x"}, `["x"]`},
	}
	for _, tc := range tests {
		if got := flattenAnswer(tc.in); got != tc.want {
			t.Errorf("flattenAnswer(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
