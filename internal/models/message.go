// Package models defines chat message types shared across modules.
package models

import (
	"strconv"
	"strings"
	"time"
)

// MessageType classifies a chat line.
type MessageType string

const (
	// MessageTypeUser is a participant-authored message. The legacy value
	// "message" is an alias kept for old records.
	MessageTypeUser MessageType = "user"
	// MessageTypeLegacyUser is the pre-rename participant message type.
	MessageTypeLegacyUser MessageType = "message"
	// MessageTypeBot is a bot-authored message.
	MessageTypeBot MessageType = "bot"
	// MessageTypeSystem is a join/leave or admin notice.
	MessageTypeSystem MessageType = "system"
	// MessageTypeInstruction is an instruction text shown in the chat pane.
	MessageTypeInstruction MessageType = "instruction"
)

// IsUser reports whether the type counts as a participant message,
// including the legacy alias.
func (t MessageType) IsUser() bool {
	return t == MessageTypeUser || t == MessageTypeLegacyUser
}

// Message is one chat line within a session.
type Message struct {
	MessageID  string      `json:"message_id"`
	SessionID  string      `json:"session_id"`
	ClientID   string      `json:"client_id"`
	InternalID string      `json:"internal_id,omitempty"`
	Type       MessageType `json:"message_type"`
	Content    string      `json:"content"`
	Timestamp  string      `json:"timestamp"`
	CharCount  int         `json:"char_count"`
	WordCount  int         `json:"word_count"`
}

// NewMessage constructs a message with character and word counts computed
// from the content. Timestamp defaults to now when empty.
func NewMessage(messageID, sessionID, clientID string, mt MessageType, content, timestamp string) Message {
	if timestamp == "" {
		timestamp = time.Now().Format(time.RFC3339)
	}
	return Message{
		MessageID: messageID,
		SessionID: sessionID,
		ClientID:  clientID,
		Type:      mt,
		Content:   content,
		Timestamp: timestamp,
		CharCount: len([]rune(content)),
		WordCount: len(strings.Fields(content)),
	}
}

// CSVRow returns the message as a flat row for the per-session message export.
func (m Message) CSVRow() []string {
	return []string{
		m.MessageID,
		m.SessionID,
		m.ClientID,
		m.InternalID,
		string(m.Type),
		m.Content,
		m.Timestamp,
		strconv.Itoa(m.CharCount),
		strconv.Itoa(m.WordCount),
	}
}
