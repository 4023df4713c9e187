// Package notify sends SMS alerts to researchers about experiment activity:
// session completions, abandonments, and capacity warnings.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Notifier is the alerting surface the API server depends on. A nil-safe
// no-op implementation is used when SMS is not configured.
type Notifier interface {
	SessionCompleted(ctx context.Context, experimentName, sessionID string) error
	SessionAbandoned(ctx context.Context, experimentName, sessionID string) error
	CapacityReached(ctx context.Context, experimentName string, limit int) error
}

// Opts holds configuration options for the Twilio SMS client.
type Opts struct {
	AccountSID string
	AuthToken  string
	From       string
	To         string
}

// Option defines a configuration option for the SMS client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFrom sets the sending phone number.
func WithFrom(from string) Option {
	return func(o *Opts) { o.From = from }
}

// WithTo sets the researcher phone number that receives alerts.
func WithTo(to string) Option {
	return func(o *Opts) { o.To = to }
}

// Client sends researcher alerts through the Twilio SMS API.
type Client struct {
	client *twilio.RestClient
	from   string
	to     string
}

// NewClient creates an SMS notifier. Options missing from the call fall back
// to TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, TWILIO_FROM_NUMBER, and
// NOTIFY_PHONE_NUMBER environment variables.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("TWILIO_FROM_NUMBER")
	}
	if cfg.To == "" {
		cfg.To = os.Getenv("NOTIFY_PHONE_NUMBER")
	}
	slog.Debug("notify.NewClient: config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"From_set", cfg.From != "",
		"To_set", cfg.To != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.From == "" || cfg.To == "" {
		return nil, fmt.Errorf("from and to numbers must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Client{client: client, from: cfg.From, to: cfg.To}, nil
}

func (c *Client) SessionCompleted(ctx context.Context, experimentName, sessionID string) error {
	return c.send(ctx, fmt.Sprintf("ChatLab: session %s completed in %q", sessionID, experimentName))
}

func (c *Client) SessionAbandoned(ctx context.Context, experimentName, sessionID string) error {
	return c.send(ctx, fmt.Sprintf("ChatLab: session %s abandoned in %q", sessionID, experimentName))
}

func (c *Client) CapacityReached(ctx context.Context, experimentName string, limit int) error {
	return c.send(ctx, fmt.Sprintf("ChatLab: experiment %q reached its concurrent session limit (%d)", experimentName, limit))
}

func (c *Client) send(ctx context.Context, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(c.to)
	params.SetFrom(c.from)
	params.SetBody(body)

	_, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Client.send: SMS send failed", "to", c.to, "error", err)
		return fmt.Errorf("failed to send notification to %s: %w", c.to, err)
	}
	slog.Debug("Client.send: SMS sent", "to", c.to)
	return nil
}

// Noop discards all notifications. Used when SMS credentials are absent so
// the rest of the server does not care whether alerting is configured.
type Noop struct{}

func (Noop) SessionCompleted(ctx context.Context, experimentName, sessionID string) error {
	return nil
}

func (Noop) SessionAbandoned(ctx context.Context, experimentName, sessionID string) error {
	return nil
}

func (Noop) CapacityReached(ctx context.Context, experimentName string, limit int) error {
	return nil
}

// FromEnv builds the best available notifier: a Twilio client when
// credentials resolve, otherwise the no-op.
func FromEnv() Notifier {
	c, err := NewClient()
	if err != nil {
		slog.Info("notify.FromEnv: SMS alerts disabled", "reason", err)
		return Noop{}
	}
	return c
}
