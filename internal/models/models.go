// Package models defines the core data structures for ChatLab.
//
// It includes types for sessions, messages, experiment conditions, and flow
// definitions, which are shared across modules.
package models

import (
	"encoding/json"
	"errors"
	"time"
)

// SessionStatus represents the lifecycle status of a participant session.
type SessionStatus string

const (
	// SessionStatusActive indicates the session is in progress.
	SessionStatusActive SessionStatus = "active"
	// SessionStatusPaused indicates the session is temporarily paused.
	SessionStatusPaused SessionStatus = "paused"
	// SessionStatusCompleted indicates the participant finished the full flow.
	SessionStatusCompleted SessionStatus = "completed"
	// SessionStatusCancelled indicates the session was cancelled by an admin.
	SessionStatusCancelled SessionStatus = "cancelled"
	// SessionStatusAbandoned indicates the participant left without finishing.
	SessionStatusAbandoned SessionStatus = "abandoned"
	// SessionStatusEnded is the legacy terminal status used before the
	// completed/cancelled/abandoned distinction existed. Old records carry it.
	SessionStatusEnded SessionStatus = "ended"
)

// IsValidSessionStatus checks if the given session status is supported.
func IsValidSessionStatus(s SessionStatus) bool {
	switch s {
	case SessionStatusActive, SessionStatusPaused, SessionStatusCompleted,
		SessionStatusCancelled, SessionStatusAbandoned, SessionStatusEnded:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status marks a session that can no longer
// accept participant activity.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusCancelled, SessionStatusAbandoned, SessionStatusEnded:
		return true
	default:
		return false
	}
}

// Validation error variables for better error handling and testability.
var (
	ErrEmptySessionID     = errors.New("session ID cannot be empty")
	ErrSessionNotFound    = errors.New("session not found")
	ErrExperimentNotFound = errors.New("experiment not found")
	ErrConditionNotFound  = errors.New("condition not found")
	ErrInvalidStatus      = errors.New("invalid session status")
	ErrEmptyParticipantID = errors.New("participant ID cannot be empty")
	ErrEmptyQuestionID    = errors.New("question ID cannot be empty")
	ErrEmptyExperimentID  = errors.New("experiment ID cannot be empty")
	ErrEmptyConditionID   = errors.New("condition ID cannot be empty")
	ErrEmptyStepID        = errors.New("step ID cannot be empty")
	ErrEmptyBranchID      = errors.New("branch ID cannot be empty")
)

// SurveyAnswer is one answered survey question. Answer is loosely typed:
// string, number, or list of strings depending on the question type.
type SurveyAnswer struct {
	QuestionID string `json:"question_id"`
	Answer     any    `json:"answer"`
	AnsweredAt string `json:"answered_at,omitempty"`
}

// StepResponsePayload is the per-participant response to one flow step.
// Exactly which fields are populated depends on the step type; all fields
// are optional so old records with partial payloads still decode.
type StepResponsePayload struct {
	// SurveyResponses holds answers from a survey step.
	SurveyResponses []SurveyAnswer `json:"survey_responses,omitempty"`
	// RandomizerResponses holds answers collected by a survey_randomizer step.
	RandomizerResponses []SurveyAnswer `json:"randomizer_responses,omitempty"`
	// QuestionOrder is the presentation order actually shown for randomized
	// instruments.
	QuestionOrder []string `json:"question_order,omitempty"`
	// EvaluationResults maps evaluation question IDs to numeric scores
	// produced by an ai_evaluation step.
	EvaluationResults map[string]float64 `json:"evaluation_results,omitempty"`

	// Legacy branch bookkeeping, used before Session.AssignedConditions
	// existed. Current-format data always wins over these.
	BranchSelected string `json:"branch_selected,omitempty"`
	ConditionLabel string `json:"condition_label,omitempty"`
	ConditionValue string `json:"condition_value,omitempty"`
}

// Session is one participant's run through an experiment. It is the record
// the export engine flattens into a single wide-format row.
type Session struct {
	SessionID       string        `json:"session_id"`
	ParticipantCode string        `json:"participant_code,omitempty"`
	ClientID        string        `json:"client_id,omitempty"`
	ExperimentID    string        `json:"experiment_id,omitempty"`
	ConditionID     string        `json:"condition_id,omitempty"`
	ExperimentGroup string        `json:"experiment_group,omitempty"`
	CreatedAt       string        `json:"created_at"`
	EndedAt         string        `json:"ended_at,omitempty"`
	LastActivity    string        `json:"last_activity,omitempty"`
	Status          SessionStatus `json:"status"`

	Participants  []string `json:"participants,omitempty"`
	TotalMessages int      `json:"total_messages"`

	// Flow progress tracking.
	CurrentStepIndex int      `json:"current_step_index"`
	CompletedSteps   []string `json:"completed_steps,omitempty"`
	FlowCompleted    bool     `json:"flow_completed"`

	// AssignedConditions maps a branch step ID to the branch arm chosen for
	// this participant. Set once when the branch resolves, never rewritten.
	AssignedConditions map[string]string `json:"assigned_conditions,omitempty"`

	// StepResponses maps step ID -> participant ID -> response payload.
	StepResponses map[string]map[string]StepResponsePayload `json:"step_responses,omitempty"`

	// SurveyResponses is the legacy flat survey store from before the
	// step-based model. Merged into exports only where step-based data for
	// the same question is absent.
	SurveyResponses map[string][]SurveyAnswer `json:"survey_responses,omitempty"`
}

// NewSession creates a session with the given ID, active status, and
// timestamps set to now.
func NewSession(sessionID string) *Session {
	now := time.Now().Format(time.RFC3339)
	return &Session{
		SessionID:    sessionID,
		CreatedAt:    now,
		LastActivity: now,
		Status:       SessionStatusActive,
	}
}

// Touch updates the last-activity timestamp.
func (s *Session) Touch() {
	s.LastActivity = time.Now().Format(time.RFC3339)
}

// AddParticipant records a participant if not already present.
func (s *Session) AddParticipant(participantID string) {
	for _, p := range s.Participants {
		if p == participantID {
			return
		}
	}
	s.Participants = append(s.Participants, participantID)
	s.Touch()
}

// RemoveParticipant removes a participant from the active list.
func (s *Session) RemoveParticipant(participantID string) {
	for i, p := range s.Participants {
		if p == participantID {
			s.Participants = append(s.Participants[:i], s.Participants[i+1:]...)
			s.Touch()
			return
		}
	}
}

// CompleteStep marks a flow step as completed for this session.
func (s *Session) CompleteStep(stepID string) {
	for _, id := range s.CompletedSteps {
		if id == stepID {
			return
		}
	}
	s.CompletedSteps = append(s.CompletedSteps, stepID)
	s.Touch()
}

// HasCompletedStep reports whether the given step was completed.
func (s *Session) HasCompletedStep(stepID string) bool {
	for _, id := range s.CompletedSteps {
		if id == stepID {
			return true
		}
	}
	return false
}

// AddStepResponse stores a participant's response payload for a step.
func (s *Session) AddStepResponse(stepID, participantID string, payload StepResponsePayload) {
	if s.StepResponses == nil {
		s.StepResponses = make(map[string]map[string]StepResponsePayload)
	}
	if s.StepResponses[stepID] == nil {
		s.StepResponses[stepID] = make(map[string]StepResponsePayload)
	}
	s.StepResponses[stepID][participantID] = payload
	s.Touch()
}

// AssignBranch records the branch arm chosen at a branch step. The first
// assignment for a step wins; later calls for the same step are ignored.
func (s *Session) AssignBranch(stepID, branchID string) bool {
	if s.AssignedConditions == nil {
		s.AssignedConditions = make(map[string]string)
	}
	if _, ok := s.AssignedConditions[stepID]; ok {
		return false
	}
	s.AssignedConditions[stepID] = branchID
	s.Touch()
	return true
}

// End marks the session terminated with the given status.
func (s *Session) End(status SessionStatus) {
	s.Status = status
	s.EndedAt = time.Now().Format(time.RFC3339)
}

// Duration returns the elapsed time between creation and end. The second
// return value is false when either timestamp is missing or unparseable.
func (s *Session) Duration() (time.Duration, bool) {
	if s.EndedAt == "" {
		return 0, false
	}
	start, err := time.Parse(time.RFC3339, s.CreatedAt)
	if err != nil {
		return 0, false
	}
	end, err := time.Parse(time.RFC3339, s.EndedAt)
	if err != nil {
		return 0, false
	}
	return end.Sub(start), true
}

// Clone returns a deep copy of the session. Export runs on snapshots so a
// live flow advance cannot mutate a row mid-write.
func (s *Session) Clone() *Session {
	// JSON round-trip keeps the copy honest as fields are added.
	data, err := json.Marshal(s)
	if err != nil {
		cp := *s
		return &cp
	}
	var cp Session
	if err := json.Unmarshal(data, &cp); err != nil {
		cp = *s
	}
	return &cp
}
