// Package bot generates chat replies and transcript evaluations through an
// OpenAI-compatible chat completion endpoint. Pointing BaseURL at an Ollama
// server makes local models work without code changes.
package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/ChatLabHQ/ChatLab/internal/models"
)

// maxHistoryMessages bounds how much transcript is replayed into one
// completion request. Long chat sessions would otherwise blow the context
// window and the token bill.
const maxHistoryMessages = 100

// DefaultModel is used when neither the condition nor the chat step names
// one.
const DefaultModel = "gpt-4o-mini"

// Responder is the surface the API server depends on, so tests can substitute
// a canned implementation.
type Responder interface {
	GenerateReply(ctx context.Context, req ReplyRequest) (string, error)
	EvaluateTranscript(ctx context.Context, req EvalRequest) (map[string]float64, error)
}

// ReplyRequest describes one completion turn for a participant chat.
type ReplyRequest struct {
	// Model overrides the client default when set.
	Model string
	// SystemPrompt frames the bot persona for this condition.
	SystemPrompt string
	// BotName is injected into the system context so the bot can refer to
	// itself consistently.
	BotName string
	// History is the session transcript, oldest first. Only the most
	// recent maxHistoryMessages entries are replayed.
	History []models.Message
}

// EvalRequest asks for numeric scores over a finished chat transcript.
type EvalRequest struct {
	Model string
	// Prompt is the researcher-authored evaluation instruction.
	Prompt string
	// Questions lists the score keys and their meaning.
	Questions []models.SurveyQuestion
	// Transcript is the full session transcript, oldest first.
	Transcript []models.Message
}

// Opts holds client configuration applied via Option values.
type Opts struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// Option configures the bot client.
type Option func(*Opts)

// WithAPIKey sets the API key for the completion endpoint.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at an alternate OpenAI-compatible endpoint,
// e.g. an Ollama server's /v1 path.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithDefaultModel sets the model used when a request does not name one.
func WithDefaultModel(model string) Option {
	return func(o *Opts) { o.DefaultModel = model }
}

// Client talks to the chat completion API.
type Client struct {
	client       openai.Client
	defaultModel string
}

// NewClient creates a bot client. An API key is required unless a custom base
// URL is configured; local endpoints accept any placeholder key.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		slog.Error("bot.NewClient: API key not set")
		return nil, fmt.Errorf("API key not set")
	}

	reqOpts := []option.RequestOption{}
	if cfg.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.DefaultModel
	if model == "" {
		model = DefaultModel
	}
	slog.Debug("bot.NewClient: client configured", "base_url_set", cfg.BaseURL != "", "default_model", model)
	return &Client{client: openai.NewClient(reqOpts...), defaultModel: model}, nil
}

// ListModels returns the model IDs available at the endpoint, sorted.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	page, err := c.client.Models.List(ctx)
	if err != nil {
		slog.Error("Client.ListModels: model listing failed", "error", err)
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	names := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		names = append(names, m.ID)
	}
	sort.Strings(names)
	return names, nil
}

// GenerateReply produces the bot's next message for a chat session.
func (c *Client) GenerateReply(ctx context.Context, req ReplyRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	messages := buildReplyMessages(req)

	completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    model,
		Messages: messages,
	})
	if err != nil {
		slog.Error("Client.GenerateReply: completion failed", "error", err, "model", model)
		return "", fmt.Errorf("failed to generate reply: %w", err)
	}
	if len(completion.Choices) == 0 {
		slog.Error("Client.GenerateReply: completion returned no choices", "model", model)
		return "", fmt.Errorf("completion returned no choices")
	}
	reply := strings.TrimSpace(completion.Choices[0].Message.Content)
	slog.Debug("Client.GenerateReply: reply generated", "model", model, "chars", len(reply))
	return reply, nil
}

// EvaluateTranscript scores a finished transcript against the evaluation
// questions and returns a question-ID-to-score map.
func (c *Client) EvaluateTranscript(ctx context.Context, req EvalRequest) (map[string]float64, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	messages := buildEvalMessages(req)

	completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    model,
		Messages: messages,
	})
	if err != nil {
		slog.Error("Client.EvaluateTranscript: completion failed", "error", err, "model", model)
		return nil, fmt.Errorf("failed to evaluate transcript: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("completion returned no choices")
	}
	scores, err := parseScores(completion.Choices[0].Message.Content)
	if err != nil {
		slog.Error("Client.EvaluateTranscript: unparseable scores", "error", err, "model", model)
		return nil, err
	}
	slog.Debug("Client.EvaluateTranscript: scores parsed", "model", model, "count", len(scores))
	return scores, nil
}

// buildReplyMessages assembles the completion message list: persona system
// prompt first, then the bounded transcript mapped to user/assistant turns.
func buildReplyMessages(req ReplyRequest) []openai.ChatCompletionMessageParamUnion {
	messages := []openai.ChatCompletionMessageParamUnion{}
	system := req.SystemPrompt
	if req.BotName != "" {
		if system != "" {
			system += "\n"
		}
		system += "Your name is " + req.BotName + "."
	}
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}

	history := req.History
	if len(history) > maxHistoryMessages {
		history = history[len(history)-maxHistoryMessages:]
	}
	for _, msg := range history {
		switch {
		case msg.Type.IsUser():
			messages = append(messages, openai.UserMessage(msg.Content))
		case msg.Type == models.MessageTypeBot:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		}
		// System and instruction lines are UI chrome, not conversation.
	}
	return messages
}

// buildEvalMessages assembles the evaluation request: instructions plus the
// rendered transcript, asking for a flat JSON object of scores.
func buildEvalMessages(req EvalRequest) []openai.ChatCompletionMessageParamUnion {
	var sb strings.Builder
	if req.Prompt != "" {
		sb.WriteString(req.Prompt)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Rate the conversation on each item below. ")
	sb.WriteString("Respond with only a JSON object mapping each item id to a number.\n")
	for _, q := range req.Questions {
		sb.WriteString("- ")
		sb.WriteString(q.QuestionID)
		if q.Text != "" {
			sb.WriteString(": ")
			sb.WriteString(q.Text)
		}
		if q.Type.IsLikert() {
			sb.WriteString(" (1-")
			sb.WriteString(strconv.Itoa(q.EffectiveScale()))
			sb.WriteString(")")
		}
		sb.WriteString("\n")
	}

	var transcript strings.Builder
	for _, msg := range req.Transcript {
		switch {
		case msg.Type.IsUser():
			transcript.WriteString("Participant: ")
		case msg.Type == models.MessageTypeBot:
			transcript.WriteString("Bot: ")
		default:
			continue
		}
		transcript.WriteString(msg.Content)
		transcript.WriteString("\n")
	}

	return []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(sb.String()),
		openai.UserMessage(transcript.String()),
	}
}

// parseScores extracts the score map from a completion response. Models often
// wrap JSON in a code fence; tolerate that rather than failing the step.
func parseScores(content string) (map[string]float64, error) {
	content = strings.TrimSpace(content)
	if start := strings.Index(content, "{"); start >= 0 {
		if end := strings.LastIndex(content, "}"); end > start {
			content = content[start : end+1]
		}
	}
	var scores map[string]float64
	if err := json.Unmarshal([]byte(content), &scores); err != nil {
		return nil, fmt.Errorf("failed to parse evaluation scores: %w", err)
	}
	return scores, nil
}
