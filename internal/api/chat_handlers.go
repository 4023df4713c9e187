// Package api WebSocket endpoints and the chat message pipeline.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ChatLabHQ/ChatLab/internal/bot"
	"github.com/ChatLabHQ/ChatLab/internal/chat"
	"github.com/ChatLabHQ/ChatLab/internal/models"
	"github.com/ChatLabHQ/ChatLab/internal/util"
)

// defaultBotName is the client ID bot messages are attributed to when the
// chat settings do not name the bot.
const defaultBotName = "bot"

// botErrorReply is shown to the participant when reply generation fails.
const botErrorReply = "Sorry, something went wrong while generating a response. Please try again."

// participantWSHandler handles GET /ws?session_id=&client_id=, the
// participant chat socket.
func (s *Server) participantWSHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	clientID := r.URL.Query().Get("client_id")
	slog.Debug("Server.participantWSHandler: connection attempt", "session_id", sessionID, "client_id", clientID)
	if sessionID == "" || clientID == "" {
		http.Error(w, "session_id and client_id are required", http.StatusBadRequest)
		return
	}

	sess, err := s.st.GetSession(sessionID)
	if err != nil {
		slog.Error("Server.participantWSHandler: session lookup failed", "error", err, "session_id", sessionID)
		http.Error(w, "failed to fetch session", http.StatusInternalServerError)
		return
	}
	if sess == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if sess.Status != models.SessionStatusActive {
		http.Error(w, "session is not active", http.StatusGone)
		return
	}

	if err := s.hub.HandleParticipant(w, r, sessionID, clientID); err != nil {
		// The hub already wrote the error response.
		slog.Warn("Server.participantWSHandler: join rejected", "error", err, "session_id", sessionID, "client_id", clientID)
	}
}

// viewerWSHandler handles GET /ws/viewer?session_id=, the read-only admin
// observer socket.
func (s *Server) viewerWSHandler(w http.ResponseWriter, r *http.Request) {
	if !s.auth.verifyRequest(r) {
		http.Error(w, "admin authentication required", http.StatusUnauthorized)
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}
	if err := s.hub.HandleAdmin(w, r, sessionID); err != nil {
		slog.Warn("Server.viewerWSHandler: observer join failed", "error", err, "session_id", sessionID)
	}
}

// handlePresence records participant joins and leaves as system messages.
func (s *Server) handlePresence(sessionID, clientID string, joined bool) {
	sess, err := s.st.GetSession(sessionID)
	if err != nil || sess == nil {
		slog.Warn("Server.handlePresence: session lookup failed", "error", err, "session_id", sessionID)
		return
	}
	var text string
	if joined {
		sess.AddParticipant(clientID)
		text = fmt.Sprintf("Client %s has joined the room", clientID)
	} else {
		sess.RemoveParticipant(clientID)
		text = fmt.Sprintf("Client %s has left the room", clientID)
	}
	if err := s.st.SaveSession(sess); err != nil {
		slog.Error("Server.handlePresence: failed to save session", "error", err, "session_id", sessionID)
	}

	msg := models.NewMessage(util.GenerateMessageID(), sessionID, clientID, models.MessageTypeSystem, text, "")
	if err := s.st.AddMessage(msg); err != nil {
		slog.Error("Server.handlePresence: failed to store system message", "error", err, "session_id", sessionID)
	}
	s.hub.Broadcast(sessionID, chat.EventFromMessage(msg))
}

// handleChatMessage stores and broadcasts a participant message, then kicks
// off bot reply generation.
func (s *Server) handleChatMessage(sessionID, clientID, content string) {
	sess, err := s.st.GetSession(sessionID)
	if err != nil || sess == nil {
		slog.Warn("Server.handleChatMessage: session lookup failed", "error", err, "session_id", sessionID)
		return
	}
	if sess.Status != models.SessionStatusActive {
		slog.Warn("Server.handleChatMessage: message for inactive session dropped",
			"session_id", sessionID, "status", sess.Status)
		return
	}

	msg := models.NewMessage(util.GenerateMessageID(), sessionID, clientID, models.MessageTypeUser, content, "")
	if err := s.st.AddMessage(msg); err != nil {
		slog.Error("Server.handleChatMessage: failed to store message", "error", err, "session_id", sessionID)
		return
	}
	sess.TotalMessages++
	sess.Touch()
	if err := s.st.SaveSession(sess); err != nil {
		slog.Error("Server.handleChatMessage: failed to save session", "error", err, "session_id", sessionID)
	}
	s.hub.Broadcast(sessionID, chat.EventFromMessage(msg))

	go s.generateBotReply(sessionID)
}

// generateBotReply produces and broadcasts the bot's next message for a
// session. Generation errors become an apologetic bot message rather than
// silence.
func (s *Server) generateBotReply(sessionID string) {
	if s.bot == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), DefaultBotReplyTimeout)
	defer cancel()

	sess, err := s.st.GetSession(sessionID)
	if err != nil || sess == nil {
		slog.Warn("Server.generateBotReply: session lookup failed", "error", err, "session_id", sessionID)
		return
	}
	history, err := s.st.GetMessages(sessionID)
	if err != nil {
		slog.Error("Server.generateBotReply: failed to fetch history", "error", err, "session_id", sessionID)
		return
	}

	settings := s.chatSettings(sess)
	botName := settings.BotName
	if botName == "" {
		botName = defaultBotName
	}

	reply, err := s.bot.GenerateReply(ctx, bot.ReplyRequest{
		Model:        settings.Model,
		SystemPrompt: settings.SystemPrompt,
		BotName:      settings.BotName,
		History:      history,
	})
	if err != nil {
		slog.Error("Server.generateBotReply: generation failed", "error", err, "session_id", sessionID)
		reply = botErrorReply
	}

	msg := models.NewMessage(util.GenerateMessageID(), sessionID, botName, models.MessageTypeBot, reply, time.Now().Format(time.RFC3339))
	if err := s.st.AddMessage(msg); err != nil {
		slog.Error("Server.generateBotReply: failed to store bot message", "error", err, "session_id", sessionID)
		return
	}
	if current, err := s.st.GetSession(sessionID); err == nil && current != nil {
		current.TotalMessages++
		current.Touch()
		if err := s.st.SaveSession(current); err != nil {
			slog.Error("Server.generateBotReply: failed to save session", "error", err, "session_id", sessionID)
		}
	}
	s.hub.Broadcast(sessionID, chat.EventFromMessage(msg))
	slog.Debug("Server.generateBotReply: reply broadcast", "session_id", sessionID, "chars", len(reply))
}
