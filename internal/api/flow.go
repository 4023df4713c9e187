// Package api experiment flow progression: current-step lookup, advancing,
// branch resolution, and automatic AI evaluation steps.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"net/http"

	"github.com/ChatLabHQ/ChatLab/internal/bot"
	"github.com/ChatLabHQ/ChatLab/internal/models"
)

// aiParticipantID keys step responses produced by the server itself rather
// than a human participant.
const aiParticipantID = "ai"

// flowState is the result payload for flow/current and flow/advance.
type flowState struct {
	HasFlow          bool             `json:"has_flow"`
	Completed        bool             `json:"completed"`
	CurrentStep      *models.FlowStep `json:"current_step,omitempty"`
	CurrentStepIndex int              `json:"current_step_index"`
	TotalSteps       int              `json:"total_steps"`
}

// flowAdvanceRequest is the body of POST /api/sessions/{id}/flow/advance.
type flowAdvanceRequest struct {
	ClientID string                      `json:"client_id"`
	Response *models.StepResponsePayload `json:"response,omitempty"`
}

// sessionFlow loads the flow definition for a session's condition. A nil
// slice means no flow is configured.
func (s *Server) sessionFlow(sess *models.Session) ([]models.FlowStep, error) {
	if sess.ConditionID == "" {
		return nil, nil
	}
	cond, err := s.st.GetCondition(sess.ConditionID)
	if err != nil {
		return nil, err
	}
	if cond == nil {
		return nil, nil
	}
	return cond.ExperimentFlow, nil
}

// expandFlow flattens a flow tree into the linear step sequence this session
// walks: branch steps whose arm is already assigned are replaced by the arm's
// steps, unresolved branches stay in place until they are reached.
func expandFlow(steps []models.FlowStep, assigned map[string]string) []models.FlowStep {
	out := make([]models.FlowStep, 0, len(steps))
	for i := range steps {
		step := steps[i]
		if step.Type == models.StepTypeBranch {
			if armID, ok := assigned[step.StepID]; ok {
				if arm, _ := models.FindBranchArm(&step, armID); arm != nil {
					out = append(out, expandFlow(arm.Steps, assigned)...)
					continue
				}
				slog.Warn("expandFlow: assigned arm missing from branch", "step_id", step.StepID, "branch_id", armID)
			}
		}
		out = append(out, step)
	}
	return out
}

// pickBranchArm selects an arm with weighted random assignment. Zero weights
// count as 1.
func pickBranchArm(step *models.FlowStep) *models.BranchArm {
	if len(step.Branches) == 0 {
		return nil
	}
	total := 0
	for i := range step.Branches {
		total += armWeight(step.Branches[i].Weight)
	}
	n := rand.IntN(total)
	for i := range step.Branches {
		n -= armWeight(step.Branches[i].Weight)
		if n < 0 {
			return &step.Branches[i]
		}
	}
	return &step.Branches[len(step.Branches)-1]
}

func armWeight(w int) int {
	if w > 0 {
		return w
	}
	return 1
}

// resolveAutomaticSteps runs every step at the session cursor that does not
// need participant input: branches are assigned an arm, AI evaluation steps
// are scored. Returns the expanded step list after resolution and whether
// the session changed.
func (s *Server) resolveAutomaticSteps(ctx context.Context, sess *models.Session, flow []models.FlowStep) ([]models.FlowStep, bool) {
	changed := false
	for {
		steps := expandFlow(flow, sess.AssignedConditions)
		if sess.CurrentStepIndex >= len(steps) {
			return steps, changed
		}
		step := steps[sess.CurrentStepIndex]
		switch step.Type {
		case models.StepTypeBranch:
			arm := pickBranchArm(&step)
			if arm == nil {
				slog.Warn("Server.resolveAutomaticSteps: branch step has no arms, skipping",
					"session_id", sess.SessionID, "step_id", step.StepID)
				sess.CompleteStep(step.StepID)
				sess.CurrentStepIndex++
				changed = true
				continue
			}
			sess.AssignBranch(step.StepID, arm.BranchID)
			sess.CompleteStep(step.StepID)
			changed = true
			slog.Info("Server.resolveAutomaticSteps: branch assigned",
				"session_id", sess.SessionID, "step_id", step.StepID, "branch_id", arm.BranchID)
			// The arm's steps splice in at the cursor; do not advance.
		case models.StepTypeAIEvaluation:
			s.runEvaluation(ctx, sess, &step)
			sess.CompleteStep(step.StepID)
			sess.CurrentStepIndex++
			changed = true
		default:
			return steps, changed
		}
	}
}

// runEvaluation scores the session transcript against an AI evaluation step
// and records the result as the step's response payload. Evaluation failures
// are logged, never fatal to flow progression.
func (s *Server) runEvaluation(ctx context.Context, sess *models.Session, step *models.FlowStep) {
	if s.bot == nil {
		slog.Warn("Server.runEvaluation: no bot configured, skipping evaluation",
			"session_id", sess.SessionID, "step_id", step.StepID)
		return
	}
	transcript, err := s.st.GetMessages(sess.SessionID)
	if err != nil {
		slog.Error("Server.runEvaluation: failed to fetch transcript", "error", err, "session_id", sess.SessionID)
		return
	}
	scores, err := s.bot.EvaluateTranscript(ctx, bot.EvalRequest{
		Model:      step.AIModel,
		Prompt:     step.EvaluationPrompt,
		Questions:  step.EvaluationQuestions,
		Transcript: transcript,
	})
	if err != nil {
		slog.Error("Server.runEvaluation: evaluation failed", "error", err,
			"session_id", sess.SessionID, "step_id", step.StepID)
		return
	}
	sess.AddStepResponse(step.StepID, aiParticipantID, models.StepResponsePayload{EvaluationResults: scores})
	slog.Info("Server.runEvaluation: transcript scored",
		"session_id", sess.SessionID, "step_id", step.StepID, "scores", len(scores))
}

// flowCurrentHandler handles GET /api/sessions/{id}/flow/current.
func (s *Server) flowCurrentHandler(w http.ResponseWriter, r *http.Request, sess *models.Session) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}
	flow, err := s.sessionFlow(sess)
	if err != nil {
		slog.Error("Server.flowCurrentHandler: failed to load flow", "error", err, "session_id", sess.SessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load experiment flow"))
		return
	}
	if len(flow) == 0 {
		writeJSONResponse(w, http.StatusOK, models.Success(flowState{HasFlow: false}))
		return
	}
	if sess.FlowCompleted {
		writeJSONResponse(w, http.StatusOK, models.Success(flowState{HasFlow: true, Completed: true}))
		return
	}

	steps, changed := s.resolveAutomaticSteps(r.Context(), sess, flow)
	if sess.CurrentStepIndex >= len(steps) {
		s.completeFlow(sess)
		changed = true
	}
	if changed {
		if err := s.st.SaveSession(sess); err != nil {
			slog.Error("Server.flowCurrentHandler: failed to save session", "error", err, "session_id", sess.SessionID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save session"))
			return
		}
	}

	state := flowState{HasFlow: true, TotalSteps: len(steps), CurrentStepIndex: sess.CurrentStepIndex}
	if sess.FlowCompleted {
		state.Completed = true
	} else {
		step := steps[sess.CurrentStepIndex]
		state.CurrentStep = &step
	}
	writeJSONResponse(w, http.StatusOK, models.Success(state))
}

// flowAdvanceHandler handles POST /api/sessions/{id}/flow/advance: records
// the current step's response, marks it complete, and moves the cursor past
// any automatic steps that follow.
func (s *Server) flowAdvanceHandler(w http.ResponseWriter, r *http.Request, sess *models.Session) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}
	var req flowAdvanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.flowAdvanceHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	flow, err := s.sessionFlow(sess)
	if err != nil {
		slog.Error("Server.flowAdvanceHandler: failed to load flow", "error", err, "session_id", sess.SessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load experiment flow"))
		return
	}
	if len(flow) == 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Session has no experiment flow"))
		return
	}
	if sess.FlowCompleted {
		writeJSONResponse(w, http.StatusOK, models.Success(flowState{HasFlow: true, Completed: true}))
		return
	}

	steps := expandFlow(flow, sess.AssignedConditions)
	if sess.CurrentStepIndex < len(steps) {
		step := steps[sess.CurrentStepIndex]
		if req.Response != nil {
			clientID := req.ClientID
			if clientID == "" {
				clientID = "anonymous"
			}
			sess.AddStepResponse(step.StepID, clientID, *req.Response)
		}
		sess.CompleteStep(step.StepID)
		sess.CurrentStepIndex++
		slog.Info("Server.flowAdvanceHandler: step completed",
			"session_id", sess.SessionID, "step_id", step.StepID, "client_id", req.ClientID)
	}

	steps, _ = s.resolveAutomaticSteps(r.Context(), sess, flow)
	if sess.CurrentStepIndex >= len(steps) {
		s.completeFlow(sess)
	}
	if err := s.st.SaveSession(sess); err != nil {
		slog.Error("Server.flowAdvanceHandler: failed to save session", "error", err, "session_id", sess.SessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save session"))
		return
	}

	state := flowState{HasFlow: true, TotalSteps: len(steps), CurrentStepIndex: sess.CurrentStepIndex}
	if sess.FlowCompleted {
		state.Completed = true
	} else {
		step := steps[sess.CurrentStepIndex]
		state.CurrentStep = &step
	}
	writeJSONResponse(w, http.StatusOK, models.Success(state))
}

// completeFlow marks the session's flow finished and ends the session.
func (s *Server) completeFlow(sess *models.Session) {
	sess.FlowCompleted = true
	if !sess.Status.IsTerminal() {
		sess.End(models.SessionStatusCompleted)
	}
	s.hub.CloseSession(sess.SessionID)
	s.clearChatSettings(sess.SessionID)
	slog.Info("Server.completeFlow: flow completed", "session_id", sess.SessionID)

	if sess.ExperimentID == "" {
		return
	}
	exp, err := s.st.GetExperiment(sess.ExperimentID)
	if err != nil || exp == nil {
		return
	}
	if err := s.notifier.SessionCompleted(context.Background(), exp.Name, sess.SessionID); err != nil {
		slog.Warn("Server.completeFlow: completion notification failed", "error", err, "session_id", sess.SessionID)
	}
}

// chatConfigureHandler handles POST /api/sessions/{id}/chat/configure,
// applying a chat step's bot settings to the session.
func (s *Server) chatConfigureHandler(w http.ResponseWriter, r *http.Request, sess *models.Session) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}
	var settings ChatSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		slog.Warn("Server.chatConfigureHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	s.setChatSettings(sess.SessionID, settings)
	slog.Info("Server.chatConfigureHandler: chat configured",
		"session_id", sess.SessionID, "model", settings.Model, "bot_name", settings.BotName)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Chat configured", settings))
}
