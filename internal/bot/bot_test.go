package bot

import (
	"strconv"
	"strings"
	"testing"

	"github.com/ChatLabHQ/ChatLab/internal/models"
)

func TestNewClientRequiresCredentials(t *testing.T) {
	if _, err := NewClient(); err == nil {
		t.Error("expected error with no API key and no base URL")
	}
	if _, err := NewClient(WithBaseURL("http://localhost:11434/v1")); err != nil {
		t.Errorf("base URL alone should be enough for local endpoints: %v", err)
	}
	if _, err := NewClient(WithAPIKey("sk-test")); err != nil {
		t.Errorf("API key alone should be enough: %v", err)
	}
}

func TestBuildReplyMessagesHistoryBound(t *testing.T) {
	history := make([]models.Message, 0, maxHistoryMessages+20)
	for i := 0; i < maxHistoryMessages+20; i++ {
		history = append(history, models.Message{
			Type:    models.MessageTypeUser,
			Content: "msg " + strconv.Itoa(i),
		})
	}
	messages := buildReplyMessages(ReplyRequest{SystemPrompt: "be nice", History: history})

	// System prompt plus at most maxHistoryMessages turns.
	if len(messages) != maxHistoryMessages+1 {
		t.Fatalf("got %d messages, want %d", len(messages), maxHistoryMessages+1)
	}
}

func TestBuildReplyMessagesSkipsChrome(t *testing.T) {
	history := []models.Message{
		{Type: models.MessageTypeSystem, Content: "participant joined"},
		{Type: models.MessageTypeInstruction, Content: "please discuss"},
		{Type: models.MessageTypeUser, Content: "hello"},
		{Type: models.MessageTypeBot, Content: "hi"},
		{Type: models.MessageTypeLegacyUser, Content: "old style"},
	}
	messages := buildReplyMessages(ReplyRequest{History: history})
	if len(messages) != 3 {
		t.Errorf("got %d messages, want 3 (system/instruction lines excluded)", len(messages))
	}
}

func TestBuildReplyMessagesBotName(t *testing.T) {
	messages := buildReplyMessages(ReplyRequest{SystemPrompt: "be formal", BotName: "Alex"})
	if len(messages) != 1 {
		t.Fatalf("got %d messages, want 1 system message", len(messages))
	}
	content := messages[0].OfSystem.Content.OfString.Value
	if !strings.Contains(content, "be formal") || !strings.Contains(content, "Alex") {
		t.Errorf("system message missing prompt or bot name: %q", content)
	}
}

func TestBuildEvalMessagesListsQuestions(t *testing.T) {
	messages := buildEvalMessages(EvalRequest{
		Prompt: "Assess rapport.",
		Questions: []models.SurveyQuestion{
			{QuestionID: "empathy", Type: models.QuestionTypeLikert, Scale: 7, Text: "How empathetic was the bot?"},
			{QuestionID: "coherence"},
		},
		Transcript: []models.Message{
			{Type: models.MessageTypeUser, Content: "I feel stressed"},
			{Type: models.MessageTypeBot, Content: "That sounds hard"},
			{Type: models.MessageTypeSystem, Content: "timer expired"},
		},
	})
	if len(messages) != 2 {
		t.Fatalf("got %d messages, want system + user", len(messages))
	}
	system := messages[0].OfSystem.Content.OfString.Value
	for _, want := range []string{"Assess rapport.", "empathy", "(1-7)", "coherence", "JSON"} {
		if !strings.Contains(system, want) {
			t.Errorf("eval instructions missing %q", want)
		}
	}
	user := messages[1].OfUser.Content.OfString.Value
	if !strings.Contains(user, "Participant: I feel stressed") || !strings.Contains(user, "Bot: That sounds hard") {
		t.Errorf("transcript not rendered: %q", user)
	}
	if strings.Contains(user, "timer expired") {
		t.Error("system chrome should not appear in the transcript")
	}
}

func TestParseScores(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    map[string]float64
		wantErr bool
	}{
		{"plain", `{"empathy": 4, "coherence": 3.5}`, map[string]float64{"empathy": 4, "coherence": 3.5}, false},
		{"fenced", "```json\n{\"empathy\": 2}\n```", map[string]float64{"empathy": 2}, false},
		{"prose wrapper", `Here are the scores: {"empathy": 5} as requested.`, map[string]float64{"empathy": 5}, false},
		{"garbage", "I cannot score this.", nil, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseScores(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseScores failed: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
			for k, v := range tc.want {
				if got[k] != v {
					t.Errorf("%s = %v, want %v", k, got[k], v)
				}
			}
		})
	}
}
