package export

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ChatLabHQ/ChatLab/internal/models"
)

// resolver answers cell values for one session against a fixed schema. A
// lookup that finds nothing returns the empty string; the missing-value token
// is applied in a final pass over the assembled row.
type resolver struct {
	schema *Schema
	opts   Options
}

// branchCells returns the three condition cells for a top-level branch step:
// the selected branch ID, its human-readable label, and its numeric code.
func (r *resolver) branchCells(sess *models.Session, stepID string) (condition, label, value string) {
	branchID := sess.AssignedConditions[stepID]
	if branchID == "" {
		// Older records carried the selection inside the step payload.
		for _, pid := range sortedKeys(sess.StepResponses[stepID]) {
			if sel := sess.StepResponses[stepID][pid].BranchSelected; sel != "" {
				branchID = sel
				break
			}
		}
	}
	if branchID == "" {
		return "", "", ""
	}
	code, ok := r.schema.BranchInfo[stepID][branchID]
	if !ok {
		// Assignment references an arm the flow no longer defines. Keep
		// the raw ID so the row is still interpretable.
		slog.Warn("resolver.branchCells: assigned branch not in flow",
			"step_id", stepID, "branch_id", branchID, "session_id", sess.SessionID)
		return branchID, branchID, ""
	}
	return branchID, code.Label, code.Value
}

// chatCells returns the model, bot name, and measured chat duration for a
// chat step. Cells stay empty unless the participant actually completed the
// step. Duration is the span between the first and last chat line recorded
// for the session, not the step's configured time limit.
func (r *resolver) chatCells(sess *models.Session, msgs []models.Message, stepID string) (aiModel, botName, duration string) {
	if !sess.HasCompletedStep(stepID) {
		return "", "", ""
	}
	step := r.schema.StepDefinition(stepID)
	if step == nil {
		return "", "", ""
	}
	return step.AIModel, step.BotName, chatSpanSeconds(msgs)
}

// chatSpanSeconds computes the whole-second span between the first and last
// user or bot message in a session. System and instruction lines are not
// conversation. A timestamp that fails to parse leaves the cell empty so the
// missing-value pass can claim it.
func chatSpanSeconds(msgs []models.Message) string {
	var first, last string
	for _, msg := range msgs {
		if !msg.Type.IsUser() && msg.Type != models.MessageTypeBot {
			continue
		}
		if first == "" {
			first = msg.Timestamp
		}
		last = msg.Timestamp
	}
	if first == "" {
		return ""
	}
	start, ok := parseCellTime(first)
	if !ok {
		return ""
	}
	end, ok := parseCellTime(last)
	if !ok {
		return ""
	}
	return strconv.Itoa(int(end.Sub(start).Seconds()))
}

// questionOrderCell returns the comma-joined presentation order recorded for
// a step, taking the first non-empty order across participants.
func (r *resolver) questionOrderCell(sess *models.Session, stepID string) string {
	for _, pid := range sortedKeys(sess.StepResponses[stepID]) {
		if order := sess.StepResponses[stepID][pid].QuestionOrder; len(order) > 0 {
			return strings.Join(order, ",")
		}
	}
	return ""
}

// answerCell finds the answer a session recorded for one question, searching
// step payloads in deterministic order and falling back to the legacy flat
// response map. The first match wins.
func (r *resolver) answerCell(sess *models.Session, questionID string) string {
	for _, stepID := range orderedStepIDs(r.schema.flowSteps, sess.StepResponses) {
		byParticipant := sess.StepResponses[stepID]
		for _, pid := range sortedKeys(byParticipant) {
			payload := byParticipant[pid]
			for _, ans := range payload.SurveyResponses {
				if ans.QuestionID == questionID {
					return r.formatAnswer(questionID, ans.Answer)
				}
			}
			for _, ans := range payload.RandomizerResponses {
				if ans.QuestionID == questionID {
					return r.formatAnswer(questionID, ans.Answer)
				}
			}
		}
	}
	for _, pid := range sortedKeys(sess.SurveyResponses) {
		for _, ans := range sess.SurveyResponses[pid] {
			if ans.QuestionID == questionID {
				return r.formatAnswer(questionID, ans.Answer)
			}
		}
	}
	return ""
}

// evalCell returns the evaluation score recorded under key, formatted without
// trailing zeros.
func (r *resolver) evalCell(sess *models.Session, key string) string {
	for _, stepID := range orderedStepIDs(r.schema.flowSteps, sess.StepResponses) {
		byParticipant := sess.StepResponses[stepID]
		for _, pid := range sortedKeys(byParticipant) {
			if score, ok := byParticipant[pid].EvaluationResults[key]; ok {
				return formatFloat(score)
			}
		}
	}
	return ""
}

// formatAnswer renders one raw answer value as a single CSV cell. List
// answers collapse to a JSON array string; everything else stringifies.
// In coded mode, categorical labels are replaced by their integer codes.
func (r *resolver) formatAnswer(questionID string, answer any) string {
	switch v := answer.(type) {
	case nil:
		return ""
	case []any:
		return r.formatList(questionID, v)
	case []string:
		generic := make([]any, len(v))
		for i, s := range v {
			generic[i] = s
		}
		return r.formatList(questionID, generic)
	default:
		return r.formatScalar(questionID, v)
	}
}

func (r *resolver) formatScalar(questionID string, v any) string {
	s := stringifyValue(v)
	if r.opts.Coded {
		if code, ok := r.schema.QuestionCodes[questionID][s]; ok {
			return strconv.Itoa(code)
		}
	}
	return collapseNewlines(s)
}

func (r *resolver) formatList(questionID string, values []any) string {
	if len(values) == 0 {
		return ""
	}
	if r.opts.Coded {
		if codes, ok := r.schema.QuestionCodes[questionID]; ok {
			coded := make([]int, 0, len(values))
			allKnown := true
			for _, v := range values {
				code, known := codes[stringifyValue(v)]
				if !known {
					allKnown = false
					break
				}
				coded = append(coded, code)
			}
			if allKnown {
				return marshalCell(coded)
			}
		}
	}
	labels := make([]string, len(values))
	for i, v := range values {
		labels[i] = stringifyValue(v)
	}
	return collapseNewlines(marshalCell(labels))
}

// stringifyValue renders a decoded JSON scalar for a cell. Numbers drop the
// float64 artifacts json.Unmarshal introduces (42.0 prints as 42).
func stringifyValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return formatFloat(x)
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case json.Number:
		return x.String()
	default:
		return fmt.Sprintf("%v", x)
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// marshalCell JSON-encodes a compound value into a single cell. Encoding a
// slice of strings or ints cannot fail, but the fallback keeps the cell
// non-empty if it ever does.
func marshalCell(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// collapseNewlines flattens embedded line breaks so free-text answers stay on
// one spreadsheet row.
func collapseNewlines(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "\r", " ")
}
