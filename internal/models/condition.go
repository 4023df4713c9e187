// Package models defines experiment condition and experiment group types.
package models

import "time"

// Condition is one experimental condition: a bot configuration plus the
// flow of steps participants assigned to it run through.
type Condition struct {
	ConditionID string `json:"condition_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Bot configuration applied to sessions created under this condition.
	BotModel     string `json:"bot_model"`
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Experiment metadata.
	IsExperiment    bool   `json:"is_experiment"`
	ExperimentGroup string `json:"experiment_group,omitempty"`
	// Weight biases random condition assignment; zero counts as 1.
	Weight int `json:"weight,omitempty"`

	// ExperimentFlow is the ordered step tree participants walk through.
	ExperimentFlow []FlowStep `json:"experiment_flow,omitempty"`

	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
	IsActive  bool   `json:"is_active"`
}

// EffectiveWeight returns the assignment weight, treating zero as 1.
func (c Condition) EffectiveWeight() int {
	if c.Weight > 0 {
		return c.Weight
	}
	return 1
}

// Validate checks required condition fields.
func (c *Condition) Validate() error {
	if c.ConditionID == "" {
		return ErrEmptyConditionID
	}
	return nil
}

// ExperimentStatus represents the lifecycle status of an experiment.
type ExperimentStatus string

const (
	ExperimentStatusPlanning  ExperimentStatus = "planning"
	ExperimentStatusActive    ExperimentStatus = "active"
	ExperimentStatusPaused    ExperimentStatus = "paused"
	ExperimentStatusCompleted ExperimentStatus = "completed"
)

// Experiment groups the sessions collected under one study run.
type Experiment struct {
	ExperimentID string `json:"experiment_id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Researcher   string `json:"researcher,omitempty"`

	Status    ExperimentStatus `json:"status"`
	CreatedAt string           `json:"created_at"`
	StartedAt string           `json:"started_at,omitempty"`
	EndedAt   string           `json:"ended_at,omitempty"`

	TotalParticipants int `json:"total_participants"`
	TotalSessions     int `json:"total_sessions"`

	// MaxConcurrentSessions caps simultaneously active sessions; nil means
	// unlimited.
	MaxConcurrentSessions *int `json:"max_concurrent_sessions,omitempty"`
}

// NewExperiment creates an experiment in planning state.
func NewExperiment(experimentID, name, description, researcher string) *Experiment {
	return &Experiment{
		ExperimentID: experimentID,
		Name:         name,
		Description:  description,
		Researcher:   researcher,
		Status:       ExperimentStatusPlanning,
		CreatedAt:    time.Now().Format(time.RFC3339),
	}
}

// Validate checks required experiment fields.
func (e *Experiment) Validate() error {
	if e.ExperimentID == "" {
		return ErrEmptyExperimentID
	}
	return nil
}
