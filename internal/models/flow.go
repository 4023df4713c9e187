// Package models defines experiment flow step definitions.
package models

// StepType discriminates flow step nodes.
type StepType string

const (
	StepTypeConsent          StepType = "consent"
	StepTypeInstruction      StepType = "instruction"
	StepTypeSurvey           StepType = "survey"
	StepTypeSurveyRandomizer StepType = "survey_randomizer"
	StepTypeChat             StepType = "chat"
	StepTypeAIEvaluation     StepType = "ai_evaluation"
	StepTypeBranch           StepType = "branch"
	StepTypeDebriefing       StepType = "debriefing"
)

// IsValidStepType checks if the given step type is supported.
func IsValidStepType(t StepType) bool {
	switch t {
	case StepTypeConsent, StepTypeInstruction, StepTypeSurvey, StepTypeSurveyRandomizer,
		StepTypeChat, StepTypeAIEvaluation, StepTypeBranch, StepTypeDebriefing:
		return true
	default:
		return false
	}
}

// QuestionType discriminates survey question kinds.
type QuestionType string

const (
	QuestionTypeLikert   QuestionType = "likert"
	QuestionTypeRadio    QuestionType = "radio"
	QuestionTypeCheckbox QuestionType = "checkbox"
	QuestionTypeText     QuestionType = "text"

	// Aliases accepted in old flow definitions.
	QuestionTypeScale        QuestionType = "scale"
	QuestionTypeSingleChoice QuestionType = "single_choice"
	QuestionTypeChoice       QuestionType = "choice"
)

// IsLikert reports whether the type is a likert scale, including the legacy
// "scale" alias.
func (t QuestionType) IsLikert() bool {
	return t == QuestionTypeLikert || t == QuestionTypeScale
}

// IsSingleChoice reports whether the type is a single-selection categorical
// question, including legacy aliases.
func (t QuestionType) IsSingleChoice() bool {
	return t == QuestionTypeRadio || t == QuestionTypeSingleChoice || t == QuestionTypeChoice
}

// SurveyQuestion is one question inside a survey or randomizer step.
type SurveyQuestion struct {
	QuestionID string       `json:"question_id"`
	Type       QuestionType `json:"question_type"`
	Text       string       `json:"text,omitempty"`
	Required   bool         `json:"required,omitempty"`

	// Options lists the selectable labels for radio/checkbox questions.
	// Choices is the legacy field name; EffectiveOptions merges the two.
	Options []string `json:"options,omitempty"`
	Choices []string `json:"choices,omitempty"`

	// Likert configuration. Scale is the number of points (default 5).
	Scale       int      `json:"scale,omitempty"`
	ScaleLabels []string `json:"scale_labels,omitempty"`
	MinLabel    string   `json:"min_label,omitempty"`
	MaxLabel    string   `json:"max_label,omitempty"`
}

// EffectiveOptions returns the option list, falling back to the legacy
// choices field when options is empty.
func (q SurveyQuestion) EffectiveOptions() []string {
	if len(q.Options) > 0 {
		return q.Options
	}
	return q.Choices
}

// EffectiveScale returns the likert point count, defaulting to 5.
func (q SurveyQuestion) EffectiveScale() int {
	if q.Scale > 0 {
		return q.Scale
	}
	return 5
}

// BranchArm is one alternative path within a branch step.
type BranchArm struct {
	BranchID string `json:"branch_id"`
	// ConditionLabel is the human-readable condition name for this arm.
	ConditionLabel string `json:"condition_label,omitempty"`
	// ConditionValue optionally overrides the arm's 1-based numeric code.
	ConditionValue string `json:"condition_value,omitempty"`
	// Weight biases random arm selection; zero counts as 1.
	Weight int        `json:"weight,omitempty"`
	Steps  []FlowStep `json:"steps,omitempty"`
}

// FlowStep is one node in an experiment's procedure definition. A branch
// step owns nested sub-flows, so flows are trees rather than flat lists.
type FlowStep struct {
	StepID     string   `json:"step_id"`
	Type       StepType `json:"step_type"`
	Title      string   `json:"title,omitempty"`
	Content    string   `json:"content,omitempty"`
	ButtonText string   `json:"button_text,omitempty"`

	// Survey and randomizer configuration.
	Questions      []SurveyQuestion `json:"questions,omitempty"`
	RandomizeOrder bool             `json:"randomize_order,omitempty"`

	// Chat configuration.
	AIModel         string `json:"ai_model,omitempty"`
	BotName         string `json:"bot_name,omitempty"`
	DurationSeconds int    `json:"duration,omitempty"`

	// AI evaluation configuration.
	EvaluationPrompt    string           `json:"evaluation_prompt,omitempty"`
	EvaluationQuestions []SurveyQuestion `json:"evaluation_questions,omitempty"`

	// Branch configuration.
	Branches []BranchArm `json:"branches,omitempty"`

	// Timed display configuration for instruction-like steps.
	MinDisplaySeconds int  `json:"min_display_seconds,omitempty"`
	ShowTimer         bool `json:"show_timer,omitempty"`
}

// FindFlowStep searches a flow tree for a step by ID, recursing into branch
// arms. Returns nil when the step is not present.
func FindFlowStep(steps []FlowStep, stepID string) *FlowStep {
	for i := range steps {
		if steps[i].StepID == stepID {
			return &steps[i]
		}
		for j := range steps[i].Branches {
			if found := FindFlowStep(steps[i].Branches[j].Steps, stepID); found != nil {
				return found
			}
		}
	}
	return nil
}

// FindBranchArm locates a branch arm by ID within a branch step. Returns the
// arm and its 0-based position, or nil and -1.
func FindBranchArm(step *FlowStep, branchID string) (*BranchArm, int) {
	if step == nil {
		return nil, -1
	}
	for i := range step.Branches {
		if step.Branches[i].BranchID == branchID {
			return &step.Branches[i], i
		}
	}
	return nil, -1
}
