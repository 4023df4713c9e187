// Flow introspection: fixes the wide-format column schema for one export.
package export

import (
	"log/slog"
	"sort"
	"strconv"

	"github.com/ChatLabHQ/ChatLab/internal/models"
)

// Column suffixes for branch and chat steps.
const (
	suffixCondition      = "_condition"
	suffixConditionLabel = "_condition_label"
	suffixConditionValue = "_condition_value"
	suffixAIModel        = "_ai_model"
	suffixBotName        = "_bot_name"
	suffixChatDuration   = "_chat_duration_seconds"
	suffixQuestionOrder  = "_question_order"

	// evalColumnPrefix marks AI evaluation score columns.
	evalColumnPrefix = "ai_eval_"
)

// BranchCode holds the numeric code and label registered for one branch arm.
type BranchCode struct {
	Value string
	Label string
}

// Schema is the fixed column layout for one export run. It is built once by
// BuildSchema and must not change while rows are assembled: every row emits
// exactly one cell per column.
type Schema struct {
	// BranchSteps lists top-level branch step IDs in flow order. Each
	// contributes three columns (_condition, _condition_label,
	// _condition_value).
	BranchSteps []string
	// ChatSteps lists chat step IDs found at any nesting depth, in
	// traversal order. Each contributes _ai_model, _bot_name, and
	// _chat_duration_seconds columns.
	ChatSteps []string
	// QuestionOrderSteps lists step IDs that need a _question_order column.
	QuestionOrderSteps []string
	// QuestionIDs lists survey question columns: flow-definition order
	// first, then record-discovered questions in first-encounter order.
	QuestionIDs []string
	// EvalKeys lists evaluation score keys (without the ai_eval_ prefix).
	EvalKeys []string

	// QuestionCodes maps question ID -> option label -> integer code, for
	// coded exports.
	QuestionCodes map[string]map[string]int
	// BranchInfo maps branch step ID -> branch ID -> code and label, built
	// from the flow definition.
	BranchInfo map[string]map[string]BranchCode

	// codebook accumulates (variable, value, label) entries during
	// introspection.
	codebook []CodebookEntry

	// flowSteps remembers every step in flow traversal order so record
	// scanning and resolution can iterate deterministically.
	flowSteps []string
	// stepIndex is a lookup from step ID to its flow definition node.
	stepIndex map[string]*models.FlowStep

	branchSeen        map[string]bool
	chatSeen          map[string]bool
	questionOrderSeen map[string]bool
	questionSeen      map[string]bool
	evalSeen          map[string]bool
}

// StepDefinition returns the flow definition node for a step ID, or nil.
func (sc *Schema) StepDefinition(stepID string) *models.FlowStep {
	return sc.stepIndex[stepID]
}

// BuildSchema walks the flow tree and the session snapshots and produces the
// fixed column schema for an export. A nil or empty flow yields no
// flow-derived columns; question and evaluation columns still populate from
// the session records. Malformed step nodes (missing IDs) are skipped, never
// fatal: one bad step definition must not abort a whole export.
func BuildSchema(flow []models.FlowStep, sessions []*models.Session) *Schema {
	sc := &Schema{
		QuestionCodes:     make(map[string]map[string]int),
		BranchInfo:        make(map[string]map[string]BranchCode),
		stepIndex:         make(map[string]*models.FlowStep),
		branchSeen:        make(map[string]bool),
		chatSeen:          make(map[string]bool),
		questionOrderSeen: make(map[string]bool),
		questionSeen:      make(map[string]bool),
		evalSeen:          make(map[string]bool),
	}

	sc.walkSteps(flow, true)
	sc.scanSessions(sessions)

	// Derived boolean column is always part of the codebook.
	sc.codebook = append(sc.codebook,
		CodebookEntry{Variable: "flow_completed", Value: "1", Label: "TRUE"},
		CodebookEntry{Variable: "flow_completed", Value: "0", Label: "FALSE"},
	)

	slog.Debug("BuildSchema: schema fixed",
		"branch_steps", len(sc.BranchSteps),
		"chat_steps", len(sc.ChatSteps),
		"question_columns", len(sc.QuestionIDs),
		"eval_columns", len(sc.EvalKeys))
	return sc
}

// walkSteps recursively registers flow-derived columns. Branch condition
// columns are registered for top-level branch steps only; chat columns are
// registered at any depth.
func (sc *Schema) walkSteps(steps []models.FlowStep, topLevel bool) {
	for i := range steps {
		step := &steps[i]
		if step.StepID == "" {
			slog.Warn("BuildSchema: skipping flow step without ID", "step_type", step.Type)
			continue
		}
		if _, dup := sc.stepIndex[step.StepID]; !dup {
			sc.stepIndex[step.StepID] = step
			sc.flowSteps = append(sc.flowSteps, step.StepID)
		}

		switch step.Type {
		case models.StepTypeChat:
			if !sc.chatSeen[step.StepID] {
				sc.chatSeen[step.StepID] = true
				sc.ChatSteps = append(sc.ChatSteps, step.StepID)
			}
		case models.StepTypeBranch:
			if topLevel && !sc.branchSeen[step.StepID] {
				sc.branchSeen[step.StepID] = true
				sc.BranchSteps = append(sc.BranchSteps, step.StepID)
				sc.registerBranchCodes(step)
			}
			for j := range step.Branches {
				sc.walkSteps(step.Branches[j].Steps, false)
			}
		case models.StepTypeSurvey, models.StepTypeSurveyRandomizer:
			sc.registerSurveyQuestions(step.Questions)
		case models.StepTypeAIEvaluation:
			for _, q := range step.EvaluationQuestions {
				if q.QuestionID == "" {
					continue
				}
				sc.addEvalKey(q.QuestionID)
				sc.registerLikertEntries("ai_eval_"+q.QuestionID, q)
			}
		}
	}
}

// registerBranchCodes assigns each arm its numeric code: 1-based position in
// the arm list, unless the arm declares an explicit condition value.
func (sc *Schema) registerBranchCodes(step *models.FlowStep) {
	info := make(map[string]BranchCode, len(step.Branches))
	variable := step.StepID + suffixCondition
	for i, arm := range step.Branches {
		if arm.BranchID == "" {
			slog.Warn("BuildSchema: skipping branch arm without ID", "step_id", step.StepID, "position", i)
			continue
		}
		value := strconv.Itoa(i + 1)
		if arm.ConditionValue != "" {
			value = arm.ConditionValue
		}
		label := arm.ConditionLabel
		if label == "" {
			label = arm.BranchID
		}
		info[arm.BranchID] = BranchCode{Value: value, Label: label}
		sc.codebook = append(sc.codebook, CodebookEntry{Variable: variable, Value: value, Label: label})
	}
	sc.BranchInfo[step.StepID] = info
}

// registerSurveyQuestions seeds question columns in flow-definition order
// and builds categorical label-to-code maps for coded exports.
func (sc *Schema) registerSurveyQuestions(questions []models.SurveyQuestion) {
	for _, q := range questions {
		if q.QuestionID == "" {
			continue
		}
		sc.addQuestionID(q.QuestionID)

		switch {
		case q.Type.IsSingleChoice() || q.Type == models.QuestionTypeCheckbox:
			options := q.EffectiveOptions()
			if len(options) == 0 {
				continue
			}
			codes := make(map[string]int, len(options))
			for i, opt := range options {
				codes[opt] = i + 1
				sc.codebook = append(sc.codebook, CodebookEntry{
					Variable: q.QuestionID,
					Value:    strconv.Itoa(i + 1),
					Label:    opt,
				})
			}
			sc.QuestionCodes[q.QuestionID] = codes
		case q.Type.IsLikert():
			sc.registerLikertEntries(q.QuestionID, q)
		}
	}
}

// registerLikertEntries emits codebook rows 1..scale for a likert question,
// using declared scale labels when present and generic point labels
// otherwise.
func (sc *Schema) registerLikertEntries(variable string, q models.SurveyQuestion) {
	scale := q.EffectiveScale()
	for i := 1; i <= scale; i++ {
		label := "Scale point " + strconv.Itoa(i)
		if i-1 < len(q.ScaleLabels) && q.ScaleLabels[i-1] != "" {
			label = q.ScaleLabels[i-1]
		}
		sc.codebook = append(sc.codebook, CodebookEntry{
			Variable: variable,
			Value:    strconv.Itoa(i),
			Label:    label,
		})
	}
}

// scanSessions discovers question, question-order, and evaluation columns
// from the session records themselves. Steps are visited in flow-definition
// order first, then remaining step IDs sorted lexicographically, so the
// schema depends only on the flow and the caller's session order — not on
// map iteration.
func (sc *Schema) scanSessions(sessions []*models.Session) {
	for _, sess := range sessions {
		if sess == nil {
			continue
		}
		for _, stepID := range orderedStepIDs(sc.flowSteps, sess.StepResponses) {
			byParticipant := sess.StepResponses[stepID]
			for _, pid := range sortedKeys(byParticipant) {
				payload := byParticipant[pid]
				if len(payload.SurveyResponses) > 0 || len(payload.RandomizerResponses) > 0 {
					sc.addQuestionOrderStep(stepID)
				}
				for _, ans := range payload.SurveyResponses {
					sc.addQuestionID(ans.QuestionID)
				}
				for _, ans := range payload.RandomizerResponses {
					sc.addQuestionID(ans.QuestionID)
				}
				for _, key := range sortedKeys(payload.EvaluationResults) {
					sc.addEvalKey(key)
				}
			}
		}
		// Legacy flat survey responses still contribute question columns.
		for _, pid := range sortedKeys(sess.SurveyResponses) {
			for _, ans := range sess.SurveyResponses[pid] {
				sc.addQuestionID(ans.QuestionID)
			}
		}
	}
}

func (sc *Schema) addQuestionID(questionID string) {
	if questionID == "" || sc.questionSeen[questionID] {
		return
	}
	sc.questionSeen[questionID] = true
	sc.QuestionIDs = append(sc.QuestionIDs, questionID)
}

func (sc *Schema) addQuestionOrderStep(stepID string) {
	if stepID == "" || sc.questionOrderSeen[stepID] {
		return
	}
	sc.questionOrderSeen[stepID] = true
	sc.QuestionOrderSteps = append(sc.QuestionOrderSteps, stepID)
}

func (sc *Schema) addEvalKey(key string) {
	if key == "" || sc.evalSeen[key] {
		return
	}
	sc.evalSeen[key] = true
	sc.EvalKeys = append(sc.EvalKeys, key)
}

// orderedStepIDs returns the step IDs present in responses, flow-definition
// order first, then the rest sorted.
func orderedStepIDs(flowOrder []string, responses map[string]map[string]models.StepResponsePayload) []string {
	if len(responses) == 0 {
		return nil
	}
	ordered := make([]string, 0, len(responses))
	seen := make(map[string]bool, len(responses))
	for _, stepID := range flowOrder {
		if _, ok := responses[stepID]; ok && !seen[stepID] {
			seen[stepID] = true
			ordered = append(ordered, stepID)
		}
	}
	var rest []string
	for stepID := range responses {
		if !seen[stepID] {
			rest = append(rest, stepID)
		}
	}
	sort.Strings(rest)
	return append(ordered, rest...)
}

// sortedKeys returns map keys in sorted order for deterministic iteration.
func sortedKeys[V any](m map[string]V) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
