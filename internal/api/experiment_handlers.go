// Package api experiment and condition management handlers, including the
// researcher-facing data export endpoints.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ChatLabHQ/ChatLab/internal/export"
	"github.com/ChatLabHQ/ChatLab/internal/models"
	"github.com/ChatLabHQ/ChatLab/internal/util"
)

// conditionsHandler handles the /api/conditions collection (admin).
func (s *Server) conditionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.conditionsHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if !s.requireAdmin(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		conditions, err := s.st.ListConditions()
		if err != nil {
			slog.Error("Server.conditionsHandler: failed to list conditions", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch conditions"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(conditions))
	case http.MethodPost:
		s.saveConditionHandler(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// saveConditionHandler creates or updates a condition.
func (s *Server) saveConditionHandler(w http.ResponseWriter, r *http.Request) {
	var cond models.Condition
	if err := json.NewDecoder(r.Body).Decode(&cond); err != nil {
		slog.Warn("Server.saveConditionHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	now := time.Now().Format(time.RFC3339)
	created := false
	if cond.ConditionID == "" {
		cond.ConditionID = util.GenerateConditionID()
		cond.CreatedAt = now
		created = true
	}
	if cond.CreatedAt == "" {
		cond.CreatedAt = now
	}
	cond.UpdatedAt = now
	if err := cond.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := s.st.SaveCondition(&cond); err != nil {
		slog.Error("Server.saveConditionHandler: failed to save condition", "error", err, "condition_id", cond.ConditionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save condition"))
		return
	}
	status := http.StatusOK
	message := "Condition updated"
	if created {
		status = http.StatusCreated
		message = "Condition created"
	}
	slog.Info("Server.saveConditionHandler: condition saved", "condition_id", cond.ConditionID, "created", created)
	writeJSONResponse(w, status, models.SuccessWithMessage(message, cond))
}

// conditionSubtreeHandler routes /api/conditions/{id}/... requests (admin).
func (s *Server) conditionSubtreeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if !s.requireAdmin(w, r) {
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/conditions/")
	segments := strings.Split(path, "/")
	if len(segments) == 0 || segments[0] == "" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Condition ID required"))
		return
	}
	conditionID := segments[0]

	cond, err := s.st.GetCondition(conditionID)
	if err != nil {
		slog.Error("Server.conditionSubtreeHandler: condition lookup failed", "error", err, "condition_id", conditionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch condition"))
		return
	}
	if cond == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Condition not found"))
		return
	}

	if len(segments) == 1 {
		switch r.Method {
		case http.MethodGet:
			writeJSONResponse(w, http.StatusOK, models.Success(cond))
		case http.MethodDelete:
			if err := s.st.DeleteCondition(conditionID); err != nil {
				slog.Error("Server.conditionSubtreeHandler: delete failed", "error", err, "condition_id", conditionID)
				writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete condition"))
				return
			}
			slog.Info("Server.conditionSubtreeHandler: condition deleted", "condition_id", conditionID)
			writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Condition deleted", nil))
		default:
			w.Header().Set("Allow", "GET, DELETE")
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		}
		return
	}

	if segments[1] == "activate" && r.Method == http.MethodPost {
		s.activateConditionHandler(w, r, cond)
		return
	}
	writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown condition endpoint"))
}

// activateConditionHandler makes one condition active and deactivates the
// rest.
func (s *Server) activateConditionHandler(w http.ResponseWriter, r *http.Request, cond *models.Condition) {
	conditions, err := s.st.ListConditions()
	if err != nil {
		slog.Error("Server.activateConditionHandler: failed to list conditions", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch conditions"))
		return
	}
	for _, c := range conditions {
		want := c.ConditionID == cond.ConditionID
		if c.IsActive == want {
			continue
		}
		c.IsActive = want
		c.UpdatedAt = time.Now().Format(time.RFC3339)
		if err := s.st.SaveCondition(c); err != nil {
			slog.Error("Server.activateConditionHandler: failed to save condition", "error", err, "condition_id", c.ConditionID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to activate condition"))
			return
		}
	}
	slog.Info("Server.activateConditionHandler: condition activated", "condition_id", cond.ConditionID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Condition activated", nil))
}

// experimentCreateRequest is the body of POST /api/experiments.
type experimentCreateRequest struct {
	Name                  string `json:"name"`
	Description           string `json:"description,omitempty"`
	Researcher            string `json:"researcher,omitempty"`
	MaxConcurrentSessions *int   `json:"max_concurrent_sessions,omitempty"`
}

// experimentsHandler handles the /api/experiments collection (admin).
func (s *Server) experimentsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.experimentsHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if !s.requireAdmin(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		experiments, err := s.st.ListExperiments()
		if err != nil {
			slog.Error("Server.experimentsHandler: failed to list experiments", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch experiments"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(experiments))
	case http.MethodPost:
		var req experimentCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			slog.Warn("Server.experimentsHandler: failed to decode JSON", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		if req.Name == "" {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: name"))
			return
		}
		exp := models.NewExperiment(util.GenerateExperimentID(), req.Name, req.Description, req.Researcher)
		exp.MaxConcurrentSessions = req.MaxConcurrentSessions
		if err := s.st.SaveExperiment(exp); err != nil {
			slog.Error("Server.experimentsHandler: failed to save experiment", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create experiment"))
			return
		}
		slog.Info("Server.experimentsHandler: experiment created", "experiment_id", exp.ExperimentID, "name", exp.Name)
		writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Experiment created", exp))
	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// experimentSubtreeHandler routes /api/experiments/{id}/... requests (admin).
func (s *Server) experimentSubtreeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if !s.requireAdmin(w, r) {
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/experiments/")
	segments := strings.Split(path, "/")
	if len(segments) == 0 || segments[0] == "" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Experiment ID required"))
		return
	}
	experimentID := segments[0]

	exp, err := s.st.GetExperiment(experimentID)
	if err != nil {
		slog.Error("Server.experimentSubtreeHandler: experiment lookup failed", "error", err, "experiment_id", experimentID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch experiment"))
		return
	}
	if exp == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Experiment not found"))
		return
	}

	if len(segments) == 1 {
		switch r.Method {
		case http.MethodGet:
			writeJSONResponse(w, http.StatusOK, models.Success(exp))
		case http.MethodDelete:
			if err := s.st.DeleteExperiment(experimentID); err != nil {
				slog.Error("Server.experimentSubtreeHandler: delete failed", "error", err, "experiment_id", experimentID)
				writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete experiment"))
				return
			}
			slog.Info("Server.experimentSubtreeHandler: experiment deleted", "experiment_id", experimentID)
			writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Experiment deleted", nil))
		default:
			w.Header().Set("Allow", "GET, DELETE")
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		}
		return
	}

	switch segments[1] {
	case "start", "pause", "resume", "end":
		s.experimentLifecycleHandler(w, r, exp, segments[1])
	case "limit":
		s.experimentLimitHandler(w, r, exp)
	case "sessions":
		s.experimentSessionsHandler(w, r, exp)
	case "conditions":
		s.experimentConditionsHandler(w, r, exp)
	case "statistics":
		s.experimentStatisticsHandler(w, r, exp)
	case "export":
		if len(segments) < 3 {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Export kind required"))
			return
		}
		s.experimentExportHandler(w, r, exp, segments[2])
	default:
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown experiment endpoint"))
	}
}

// experimentLifecycleHandler handles POST start/pause/resume/end transitions.
func (s *Server) experimentLifecycleHandler(w http.ResponseWriter, r *http.Request, exp *models.Experiment, action string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}
	now := time.Now().Format(time.RFC3339)
	var message string
	switch action {
	case "start":
		exp.Status = models.ExperimentStatusActive
		if exp.StartedAt == "" {
			exp.StartedAt = now
		}
		message = "Experiment started"
	case "pause":
		exp.Status = models.ExperimentStatusPaused
		message = "Experiment paused"
	case "resume":
		exp.Status = models.ExperimentStatusActive
		message = "Experiment resumed"
	case "end":
		exp.Status = models.ExperimentStatusCompleted
		exp.EndedAt = now
		message = "Experiment ended"
	}
	if err := s.st.SaveExperiment(exp); err != nil {
		slog.Error("Server.experimentLifecycleHandler: failed to save experiment",
			"error", err, "experiment_id", exp.ExperimentID, "action", action)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update experiment"))
		return
	}
	slog.Info("Server.experimentLifecycleHandler: status changed",
		"experiment_id", exp.ExperimentID, "action", action, "status", exp.Status)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage(message, exp))
}

// experimentLimitHandler handles POST /api/experiments/{id}/limit.
func (s *Server) experimentLimitHandler(w http.ResponseWriter, r *http.Request, exp *models.Experiment) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}
	var req struct {
		MaxConcurrentSessions *int `json:"max_concurrent_sessions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.experimentLimitHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.MaxConcurrentSessions != nil && *req.MaxConcurrentSessions < 1 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("max_concurrent_sessions must be at least 1"))
		return
	}
	exp.MaxConcurrentSessions = req.MaxConcurrentSessions
	if err := s.st.SaveExperiment(exp); err != nil {
		slog.Error("Server.experimentLimitHandler: failed to save experiment", "error", err, "experiment_id", exp.ExperimentID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update experiment"))
		return
	}
	slog.Info("Server.experimentLimitHandler: limit updated", "experiment_id", exp.ExperimentID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session limit updated", exp))
}

// experimentSessionsHandler handles GET /api/experiments/{id}/sessions.
func (s *Server) experimentSessionsHandler(w http.ResponseWriter, r *http.Request, exp *models.Experiment) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}
	sessions, err := s.st.ListSessionsByExperiment(exp.ExperimentID)
	if err != nil {
		slog.Error("Server.experimentSessionsHandler: failed to list sessions", "error", err, "experiment_id", exp.ExperimentID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch sessions"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sessions))
}

// experimentConditionsHandler handles GET and POST on
// /api/experiments/{id}/conditions. Conditions are a global pool; the
// experiment view filters to the ones flagged for experimental assignment.
func (s *Server) experimentConditionsHandler(w http.ResponseWriter, r *http.Request, exp *models.Experiment) {
	switch r.Method {
	case http.MethodGet:
		conditions, err := s.st.ListConditions()
		if err != nil {
			slog.Error("Server.experimentConditionsHandler: failed to list conditions", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch conditions"))
			return
		}
		experimental := make([]*models.Condition, 0, len(conditions))
		for _, c := range conditions {
			if c.IsExperiment {
				experimental = append(experimental, c)
			}
		}
		writeJSONResponse(w, http.StatusOK, models.Success(experimental))
	case http.MethodPost:
		var cond models.Condition
		if err := json.NewDecoder(r.Body).Decode(&cond); err != nil {
			slog.Warn("Server.experimentConditionsHandler: failed to decode JSON", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		cond.IsExperiment = true
		if cond.ConditionID == "" {
			cond.ConditionID = util.GenerateConditionID()
			cond.CreatedAt = time.Now().Format(time.RFC3339)
		}
		cond.UpdatedAt = time.Now().Format(time.RFC3339)
		if err := cond.Validate(); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		if err := s.st.SaveCondition(&cond); err != nil {
			slog.Error("Server.experimentConditionsHandler: failed to save condition", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save condition"))
			return
		}
		slog.Info("Server.experimentConditionsHandler: condition created",
			"condition_id", cond.ConditionID, "experiment_id", exp.ExperimentID)
		writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Condition created", cond))
	default:
		w.Header().Set("Allow", "GET, POST")
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
	}
}

// experimentStatisticsHandler handles GET /api/experiments/{id}/statistics.
func (s *Server) experimentStatisticsHandler(w http.ResponseWriter, r *http.Request, exp *models.Experiment) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}
	sessions, err := s.st.ListSessionsByExperiment(exp.ExperimentID)
	if err != nil {
		slog.Error("Server.experimentStatisticsHandler: failed to list sessions", "error", err, "experiment_id", exp.ExperimentID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch sessions"))
		return
	}

	byStatus := make(map[string]int)
	byGroup := make(map[string]int)
	completedFlows := 0
	for _, sess := range sessions {
		byStatus[string(sess.Status)]++
		if sess.ExperimentGroup != "" {
			byGroup[sess.ExperimentGroup]++
		}
		if sess.FlowCompleted {
			completedFlows++
		}
	}
	completionRate := 0.0
	if len(sessions) > 0 {
		completionRate = float64(completedFlows) / float64(len(sessions))
	}
	stats := map[string]interface{}{
		"experiment_id":        exp.ExperimentID,
		"total_sessions":       len(sessions),
		"sessions_by_status":   byStatus,
		"sessions_by_group":    byGroup,
		"completed_flows":      completedFlows,
		"flow_completion_rate": completionRate,
	}
	writeJSONResponse(w, http.StatusOK, models.Success(stats))
}

// experimentExportHandler handles GET /api/experiments/{id}/export/{kind}.
func (s *Server) experimentExportHandler(w http.ResponseWriter, r *http.Request, exp *models.Experiment, kind string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}

	sessions, messages, err := s.experimentDataset(exp.ExperimentID)
	if err != nil {
		slog.Error("Server.experimentExportHandler: dataset load failed", "error", err, "experiment_id", exp.ExperimentID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load experiment data"))
		return
	}
	flow := s.experimentFlow(sessions)
	opts := exportOptionsFromQuery(r)
	id := exp.ExperimentID

	var data []byte
	var filename, contentType string
	switch kind {
	case "wide":
		data, err = export.WideCSV(id, flow, sessions, messages, opts)
		filename, contentType = "data_"+id+".csv", "text/csv"
	case "bundle":
		data, err = export.ExperimentBundle(id, flow, sessions, messages, opts)
		filename, contentType = "experiment_"+id+".zip", "application/zip"
	case "workbook":
		data, err = export.ExperimentWorkbook(id, flow, sessions, messages, opts)
		filename = "data_" + id + ".xlsx"
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case "surveys":
		if r.URL.Query().Get("format") == "json" {
			data, err = export.ExperimentSurveyResponsesJSON(id, sessions)
			filename, contentType = "surveys_"+id+".json", "application/json"
		} else {
			data, err = export.ExperimentSurveyResponsesCSV(id, sessions, opts)
			filename, contentType = "surveys_"+id+".csv", "text/csv"
		}
	case "messages":
		data, err = export.ExperimentMessagesCSV(id, sessions, messages, opts)
		filename, contentType = "messages_"+id+".csv", "text/csv"
	case "sessions":
		data, err = export.ExperimentSessionsCSV(id, sessions, opts)
		filename, contentType = "sessions_"+id+".csv", "text/csv"
	default:
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Unknown export kind: "+kind))
		return
	}
	if err != nil {
		slog.Error("Server.experimentExportHandler: export failed", "error", err, "kind", kind, "experiment_id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to generate export"))
		return
	}
	slog.Info("Server.experimentExportHandler: export generated", "kind", kind, "experiment_id", id, "bytes", len(data))
	writeDownload(w, filename, contentType, data)
}

// experimentDataset loads an experiment's sessions plus every session's
// messages, the snapshot the export engine runs over.
func (s *Server) experimentDataset(experimentID string) ([]*models.Session, map[string][]models.Message, error) {
	sessions, err := s.st.ListSessionsByExperiment(experimentID)
	if err != nil {
		return nil, nil, err
	}
	messages := make(map[string][]models.Message, len(sessions))
	for _, sess := range sessions {
		msgs, err := s.st.GetMessages(sess.SessionID)
		if err != nil {
			return nil, nil, err
		}
		messages[sess.SessionID] = msgs
	}
	return sessions, messages, nil
}

// experimentFlow returns the flow definition backing an experiment's
// sessions: the first non-empty flow among the conditions those sessions
// used. Conditions within one experiment share flow structure.
func (s *Server) experimentFlow(sessions []*models.Session) []models.FlowStep {
	seen := make(map[string]bool)
	for _, sess := range sessions {
		if sess.ConditionID == "" || seen[sess.ConditionID] {
			continue
		}
		seen[sess.ConditionID] = true
		cond, err := s.st.GetCondition(sess.ConditionID)
		if err != nil {
			slog.Warn("Server.experimentFlow: condition lookup failed", "error", err, "condition_id", sess.ConditionID)
			continue
		}
		if cond != nil && len(cond.ExperimentFlow) > 0 {
			return cond.ExperimentFlow
		}
	}
	return nil
}
