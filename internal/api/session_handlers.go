// Package api session management handlers for ChatLab endpoints.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ChatLabHQ/ChatLab/internal/export"
	"github.com/ChatLabHQ/ChatLab/internal/models"
	"github.com/ChatLabHQ/ChatLab/internal/util"
)

// sessionCreateRequest is the body of POST /api/sessions.
type sessionCreateRequest struct {
	ParticipantCode    string `json:"participant_code,omitempty"`
	ConditionID        string `json:"condition_id,omitempty"`
	ExperimentID       string `json:"experiment_id,omitempty"`
	UseRandomCondition bool   `json:"use_random_condition,omitempty"`
	EndPrevious        *bool  `json:"end_previous,omitempty"`
}

// sessionsHandler handles the /api/sessions collection.
func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.sessionsHandler: processing request", "method", r.Method, "path", r.URL.Path)
	switch r.Method {
	case http.MethodGet:
		sessions, err := s.st.ListSessions()
		if err != nil {
			slog.Error("Server.sessionsHandler: failed to list sessions", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch sessions"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(sessions))
	case http.MethodPost:
		s.createSessionHandler(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// createSessionHandler creates a new session from a condition, enforcing the
// experiment's concurrent session limit.
func (s *Server) createSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req sessionCreateRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			slog.Warn("Server.createSessionHandler: failed to decode JSON", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
	}

	cond, err := s.resolveCondition(req)
	if err != nil {
		slog.Error("Server.createSessionHandler: condition lookup failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to resolve condition"))
		return
	}

	if req.ExperimentID != "" {
		if ok, reason := s.canCreateSession(req.ExperimentID); !ok {
			slog.Warn("Server.createSessionHandler: session rejected", "experiment_id", req.ExperimentID, "reason", reason)
			writeJSONResponse(w, http.StatusConflict, models.Error(reason))
			return
		}
	}

	// Ending previous sessions is the default so a participant device never
	// resumes a stale room.
	if req.EndPrevious == nil || *req.EndPrevious {
		s.endActiveSessions()
	}

	sess := models.NewSession(util.GenerateSessionID())
	// The participant connects to /ws with this server-issued client ID.
	sess.ClientID = uuid.NewString()
	sess.ParticipantCode = req.ParticipantCode
	sess.ExperimentID = req.ExperimentID
	if cond != nil {
		sess.ConditionID = cond.ConditionID
		if cond.IsExperiment {
			sess.ExperimentGroup = cond.ExperimentGroup
		}
	}

	if err := s.st.SaveSession(sess); err != nil {
		slog.Error("Server.createSessionHandler: failed to save session", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create session"))
		return
	}
	s.bumpExperimentSessionCount(req.ExperimentID)

	slog.Info("Server.createSessionHandler: session created",
		"session_id", sess.SessionID, "condition_id", sess.ConditionID, "experiment_id", sess.ExperimentID)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Session created", sess))
}

// resolveCondition picks the condition for a new session: an explicit ID, a
// weighted random experiment condition, or the active condition.
func (s *Server) resolveCondition(req sessionCreateRequest) (*models.Condition, error) {
	if req.ConditionID != "" {
		return s.st.GetCondition(req.ConditionID)
	}

	conditions, err := s.st.ListConditions()
	if err != nil {
		return nil, err
	}

	if req.UseRandomCondition {
		if cond := pickWeightedCondition(conditions); cond != nil {
			return cond, nil
		}
	}
	for _, c := range conditions {
		if c.IsActive {
			return c, nil
		}
	}
	return nil, nil
}

// pickWeightedCondition selects among experiment conditions with weighted
// random assignment.
func pickWeightedCondition(conditions []*models.Condition) *models.Condition {
	var pool []*models.Condition
	total := 0
	for _, c := range conditions {
		if c.IsExperiment {
			pool = append(pool, c)
			total += c.EffectiveWeight()
		}
	}
	if len(pool) == 0 {
		return nil
	}
	n := rand.IntN(total)
	for _, c := range pool {
		n -= c.EffectiveWeight()
		if n < 0 {
			return c
		}
	}
	return pool[len(pool)-1]
}

// canCreateSession checks the experiment status and concurrent session limit.
func (s *Server) canCreateSession(experimentID string) (bool, string) {
	exp, err := s.st.GetExperiment(experimentID)
	if err != nil {
		slog.Error("Server.canCreateSession: experiment lookup failed", "error", err, "experiment_id", experimentID)
		return false, "Failed to check experiment"
	}
	if exp == nil {
		return false, "Experiment not found"
	}
	if exp.Status != models.ExperimentStatusActive {
		return false, "Experiment is not active (status: " + string(exp.Status) + ")"
	}
	if exp.MaxConcurrentSessions == nil {
		return true, ""
	}

	sessions, err := s.st.ListSessionsByExperiment(experimentID)
	if err != nil {
		slog.Error("Server.canCreateSession: session listing failed", "error", err, "experiment_id", experimentID)
		return false, "Failed to check session limit"
	}
	active := 0
	for _, sess := range sessions {
		if sess.Status == models.SessionStatusActive {
			active++
		}
	}
	if active >= *exp.MaxConcurrentSessions {
		if err := s.notifier.CapacityReached(context.Background(), exp.Name, *exp.MaxConcurrentSessions); err != nil {
			slog.Warn("Server.canCreateSession: capacity notification failed", "error", err)
		}
		return false, "Maximum concurrent sessions reached"
	}
	return true, ""
}

// endActiveSessions ends every currently active session.
func (s *Server) endActiveSessions() {
	sessions, err := s.st.ListSessions()
	if err != nil {
		slog.Error("Server.endActiveSessions: failed to list sessions", "error", err)
		return
	}
	for _, sess := range sessions {
		if sess.Status != models.SessionStatusActive {
			continue
		}
		sess.End(models.SessionStatusEnded)
		if err := s.st.SaveSession(sess); err != nil {
			slog.Error("Server.endActiveSessions: failed to save session", "error", err, "session_id", sess.SessionID)
			continue
		}
		s.hub.CloseSession(sess.SessionID)
		s.clearChatSettings(sess.SessionID)
	}
}

// bumpExperimentSessionCount increments an experiment's session counter.
func (s *Server) bumpExperimentSessionCount(experimentID string) {
	if experimentID == "" {
		return
	}
	exp, err := s.st.GetExperiment(experimentID)
	if err != nil || exp == nil {
		return
	}
	exp.TotalSessions++
	if err := s.st.SaveExperiment(exp); err != nil {
		slog.Warn("Server.bumpExperimentSessionCount: failed to save experiment", "error", err, "experiment_id", experimentID)
	}
}

// sessionSubtreeHandler routes /api/sessions/{id}/... requests.
func (s *Server) sessionSubtreeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	segments := strings.Split(path, "/")
	if len(segments) == 0 || segments[0] == "" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session ID required"))
		return
	}
	sessionID := segments[0]

	sess, err := s.st.GetSession(sessionID)
	if err != nil {
		slog.Error("Server.sessionSubtreeHandler: session lookup failed", "error", err, "session_id", sessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch session"))
		return
	}
	if sess == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
		return
	}

	if len(segments) == 1 {
		switch r.Method {
		case http.MethodGet:
			writeJSONResponse(w, http.StatusOK, models.Success(sess))
		case http.MethodDelete:
			s.deleteSessionHandler(w, r, sess)
		default:
			w.Header().Set("Allow", "GET, DELETE")
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		}
		return
	}

	switch segments[1] {
	case "end":
		s.endSessionHandler(w, r, sess)
	case "messages":
		s.sessionMessagesHandler(w, r, sess)
	case "statistics":
		s.sessionStatisticsHandler(w, r, sess)
	case "survey":
		s.sessionSurveyHandler(w, r, sess)
	case "export":
		s.sessionExportHandler(w, r, sess)
	case "flow":
		if len(segments) < 3 {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown flow endpoint"))
			return
		}
		switch segments[2] {
		case "current":
			s.flowCurrentHandler(w, r, sess)
		case "advance":
			s.flowAdvanceHandler(w, r, sess)
		default:
			writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown flow endpoint"))
		}
	case "chat":
		if len(segments) < 3 || segments[2] != "configure" {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown chat endpoint"))
			return
		}
		s.chatConfigureHandler(w, r, sess)
	default:
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown session endpoint"))
	}
}

// endSessionHandler handles POST /api/sessions/{id}/end (admin).
func (s *Server) endSessionHandler(w http.ResponseWriter, r *http.Request, sess *models.Session) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}
	if sess.Status.IsTerminal() {
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session already ended", sess))
		return
	}
	sess.End(models.SessionStatusEnded)
	if err := s.st.SaveSession(sess); err != nil {
		slog.Error("Server.endSessionHandler: failed to save session", "error", err, "session_id", sess.SessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to end session"))
		return
	}
	s.hub.CloseSession(sess.SessionID)
	s.clearChatSettings(sess.SessionID)
	slog.Info("Server.endSessionHandler: session ended", "session_id", sess.SessionID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session ended", sess))
}

// deleteSessionHandler handles DELETE /api/sessions/{id} (admin).
func (s *Server) deleteSessionHandler(w http.ResponseWriter, r *http.Request, sess *models.Session) {
	if !s.requireAdmin(w, r) {
		return
	}
	s.hub.CloseSession(sess.SessionID)
	s.clearChatSettings(sess.SessionID)
	if err := s.st.DeleteMessages(sess.SessionID); err != nil {
		slog.Error("Server.deleteSessionHandler: failed to delete messages", "error", err, "session_id", sess.SessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete session messages"))
		return
	}
	if err := s.st.DeleteSession(sess.SessionID); err != nil {
		slog.Error("Server.deleteSessionHandler: failed to delete session", "error", err, "session_id", sess.SessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete session"))
		return
	}
	slog.Info("Server.deleteSessionHandler: session deleted", "session_id", sess.SessionID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session deleted", nil))
}

// sessionMessagesHandler handles GET /api/sessions/{id}/messages.
func (s *Server) sessionMessagesHandler(w http.ResponseWriter, r *http.Request, sess *models.Session) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}
	messages, err := s.st.GetMessages(sess.SessionID)
	if err != nil {
		slog.Error("Server.sessionMessagesHandler: failed to fetch messages", "error", err, "session_id", sess.SessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch messages"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(messages))
}

// sessionStatisticsHandler handles GET /api/sessions/{id}/statistics.
func (s *Server) sessionStatisticsHandler(w http.ResponseWriter, r *http.Request, sess *models.Session) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}
	messages, err := s.st.GetMessages(sess.SessionID)
	if err != nil {
		slog.Error("Server.sessionStatisticsHandler: failed to fetch messages", "error", err, "session_id", sess.SessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch messages"))
		return
	}
	summary, err := export.SessionSummaryJSON(sess, messages)
	if err != nil {
		slog.Error("Server.sessionStatisticsHandler: summary failed", "error", err, "session_id", sess.SessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to compute statistics"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(summary)
}

// sessionSurveyHandler handles POST /api/sessions/{id}/survey, the flat
// survey submission used by flows without step-based instruments.
func (s *Server) sessionSurveyHandler(w http.ResponseWriter, r *http.Request, sess *models.Session) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}
	var req struct {
		ClientID  string                `json:"client_id"`
		Responses []models.SurveyAnswer `json:"responses"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.sessionSurveyHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.ClientID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: client_id"))
		return
	}

	now := time.Now().Format(time.RFC3339)
	for i := range req.Responses {
		if req.Responses[i].AnsweredAt == "" {
			req.Responses[i].AnsweredAt = now
		}
	}
	if sess.SurveyResponses == nil {
		sess.SurveyResponses = make(map[string][]models.SurveyAnswer)
	}
	sess.SurveyResponses[req.ClientID] = req.Responses
	sess.Touch()

	if err := s.st.SaveSession(sess); err != nil {
		slog.Error("Server.sessionSurveyHandler: failed to save session", "error", err, "session_id", sess.SessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to store survey responses"))
		return
	}
	slog.Info("Server.sessionSurveyHandler: survey recorded",
		"session_id", sess.SessionID, "client_id", req.ClientID, "answers", len(req.Responses))
	writeJSONResponse(w, http.StatusCreated, models.Recorded("Survey responses recorded"))
}

// sessionExportHandler handles GET /api/sessions/{id}/export?format= (admin).
func (s *Server) sessionExportHandler(w http.ResponseWriter, r *http.Request, sess *models.Session) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}

	messages, err := s.st.GetMessages(sess.SessionID)
	if err != nil {
		slog.Error("Server.sessionExportHandler: failed to fetch messages", "error", err, "session_id", sess.SessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch messages"))
		return
	}
	opts := exportOptionsFromQuery(r)
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "messages_csv"
	}

	var data []byte
	var filename, contentType string
	switch format {
	case "messages_csv":
		data, err = export.MessagesCSV(messages, opts)
		filename, contentType = "messages_"+sess.SessionID+".csv", "text/csv"
	case "messages_json":
		data, err = export.MessagesJSON(sess.SessionID, messages)
		filename, contentType = "messages_"+sess.SessionID+".json", "application/json"
	case "summary_csv":
		data, err = export.SessionSummaryCSV(sess, messages, opts)
		filename, contentType = "summary_"+sess.SessionID+".csv", "text/csv"
	case "summary_json":
		data, err = export.SessionSummaryJSON(sess, messages)
		filename, contentType = "summary_"+sess.SessionID+".json", "application/json"
	case "contributions_csv":
		data, err = export.UserContributionsCSV(messages, opts)
		filename, contentType = "contributions_"+sess.SessionID+".csv", "text/csv"
	case "survey_csv":
		data, err = export.SurveyResponsesCSV(sess, opts)
		filename, contentType = "survey_"+sess.SessionID+".csv", "text/csv"
	case "survey_json":
		data, err = export.SurveyResponsesJSON(sess)
		filename, contentType = "survey_"+sess.SessionID+".json", "application/json"
	default:
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Unknown export format: "+format))
		return
	}
	if err != nil {
		slog.Error("Server.sessionExportHandler: export failed", "error", err, "format", format, "session_id", sess.SessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to generate export"))
		return
	}
	slog.Info("Server.sessionExportHandler: export generated", "format", format, "session_id", sess.SessionID, "bytes", len(data))
	writeDownload(w, filename, contentType, data)
}

// exportOptionsFromQuery maps export query parameters onto export.Options.
func exportOptionsFromQuery(r *http.Request) export.Options {
	q := r.URL.Query()
	return export.Options{
		ExcelFormat:       util.ParseBoolValue(q.Get("excel"), false),
		MissingValueStyle: export.ParseMissingValueStyle(q.Get("missing")),
		Coded:             util.ParseBoolValue(q.Get("coded"), false),
	}
}
