package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pavelanni/essayexam/internal/llm/prompts"
	"github.com/pavelanni/essayexam/internal/model"
)

// QuestionDisputeRequest is a student's argument against one question's grade.
type QuestionDisputeRequest struct {
	Question       model.Question
	QuestionNumber int
	AnswerText     string
	OldScore       float64
	OldFeedback    string
	Argument       string
}

// QuestionVerdict is the oracle's ruling on a question dispute. A keep
// decision always carries NewScore == OldScore.
type QuestionVerdict struct {
	Decision       model.Decision
	NewScore       float64
	NewFeedback    string
	Justification  string
	EvidenceQuotes []string
	Raw            string
}

type questionVerdictReply struct {
	Decision       string          `json:"decision"`
	NewScore       OptionalScore   `json:"question_score_new"`
	NewFeedback    string          `json:"feedback_new"`
	Justification  string          `json:"justification"`
	EvidenceQuotes json.RawMessage `json:"evidence_quotes"`
}

// AttemptDisputeItem is one question's current state in a whole-attempt dispute.
type AttemptDisputeItem struct {
	Number     int
	Question   model.Question
	AnswerText string
	Score      float64
	Feedback   string
}

// AttemptDisputeRequest is a student's argument against a whole attempt's grade.
type AttemptDisputeRequest struct {
	Items    []AttemptDisputeItem
	Argument string
	OldTotal float64
}

// QuestionUpdate is one per-question change from an attempt verdict.
type QuestionUpdate struct {
	QuestionNumber int     `json:"question_number"`
	NewScore       float64 `json:"new_score"`
	NewFeedback    string  `json:"new_feedback"`
}

// AttemptVerdict is the oracle's ruling on an attempt dispute. A keep decision
// carries NewTotal == OldTotal and no updates; an update decision's NewTotal is
// recomputed from the applied updates.
type AttemptVerdict struct {
	Decision    model.Decision
	NewTotal    float64
	Updates     []QuestionUpdate
	Explanation string
	Raw         string
}

type attemptVerdictReply struct {
	Decision string        `json:"decision"`
	NewTotal OptionalScore `json:"new_total_score"`
	Updates  []struct {
		QuestionNumber int    `json:"question_number"`
		NewScore       Score  `json:"new_score"`
		NewFeedback    string `json:"new_feedback"`
	} `json:"per_question_updates"`
	Explanation string `json:"explanation"`
}

// AdjudicateQuestionDispute asks the oracle to rule on a single-question dispute.
func (c *Client) AdjudicateQuestionDispute(ctx context.Context, req QuestionDisputeRequest) (*QuestionVerdict, error) {
	prompt, err := c.prompts.BuildQuestionDisputePrompt(prompts.QuestionDisputeData{
		QuestionNumber: req.QuestionNumber,
		QuestionText:   req.Question.Text,
		PointsPossible: req.Question.PointsPossible,
		Rubric:         req.Question.Rubric,
		Answer:         req.AnswerText,
		OldScore:       req.OldScore,
		OldFeedback:    req.OldFeedback,
		Argument:       req.Argument,
	})
	if err != nil {
		return nil, fmt.Errorf("build question dispute prompt: %w", err)
	}

	raw, err := c.complete(ctx, "dispute_question", disputeSystemPrompt, prompt, disputeTemperature)
	if err != nil {
		return nil, err
	}

	var reply questionVerdictReply
	if err := decode("dispute_question", raw, &reply); err != nil {
		return nil, err
	}
	decision, err := parseDecision(reply.Decision, raw)
	if err != nil {
		return nil, err
	}

	v := &QuestionVerdict{
		Decision:       decision,
		NewFeedback:    strings.TrimSpace(reply.NewFeedback),
		Justification:  reply.Justification,
		EvidenceQuotes: parseQuotes(reply.EvidenceQuotes),
		Raw:            raw,
	}
	switch decision {
	case model.DecisionKeep:
		if reply.NewScore.Set && float64(reply.NewScore.Value) != req.OldScore {
			slog.Warn("keep verdict carried a different score, keeping old score",
				"question_id", req.Question.ID, "old_score", req.OldScore, "oracle_score", float64(reply.NewScore.Value))
		}
		v.NewScore = req.OldScore
		if v.NewFeedback == "" {
			v.NewFeedback = req.OldFeedback
		}
	case model.DecisionUpdate:
		if !reply.NewScore.Set {
			return nil, malformedErr(&MalformedError{Reason: "update verdict without question_score_new", Raw: raw})
		}
		v.NewScore = clampScore("dispute_question", req.Question, float64(reply.NewScore.Value))
		if v.NewFeedback == "" {
			v.NewFeedback = req.OldFeedback
		}
	}
	return v, nil
}

// AdjudicateAttemptDispute asks the oracle to rule on a whole-attempt dispute.
func (c *Client) AdjudicateAttemptDispute(ctx context.Context, req AttemptDisputeRequest) (*AttemptVerdict, error) {
	data := prompts.AttemptDisputeData{OldTotal: req.OldTotal, Argument: req.Argument}
	byNumber := make(map[int]AttemptDisputeItem, len(req.Items))
	for _, it := range req.Items {
		data.Items = append(data.Items, prompts.DisputeItem{
			Number:         it.Number,
			QuestionText:   it.Question.Text,
			PointsPossible: it.Question.PointsPossible,
			Rubric:         it.Question.Rubric,
			Answer:         it.AnswerText,
			Score:          it.Score,
			Feedback:       it.Feedback,
		})
		data.PointsPossible += it.Question.PointsPossible
		byNumber[it.Number] = it
	}
	prompt, err := c.prompts.BuildAttemptDisputePrompt(data)
	if err != nil {
		return nil, fmt.Errorf("build attempt dispute prompt: %w", err)
	}

	raw, err := c.complete(ctx, "dispute_attempt", disputeSystemPrompt, prompt, disputeTemperature)
	if err != nil {
		return nil, err
	}

	var reply attemptVerdictReply
	if err := decode("dispute_attempt", raw, &reply); err != nil {
		return nil, err
	}
	decision, err := parseDecision(reply.Decision, raw)
	if err != nil {
		return nil, err
	}

	v := &AttemptVerdict{Decision: decision, NewTotal: req.OldTotal, Explanation: reply.Explanation, Raw: raw}
	if decision == model.DecisionKeep {
		if len(reply.Updates) > 0 || (reply.NewTotal.Set && float64(reply.NewTotal.Value) != req.OldTotal) {
			slog.Warn("keep verdict carried score changes, ignoring them", "updates", len(reply.Updates))
		}
		return v, nil
	}

	applied := make(map[int]int)
	for _, u := range reply.Updates {
		it, ok := byNumber[u.QuestionNumber]
		if !ok {
			slog.Warn("attempt verdict names an unknown question, skipping", "question_number", u.QuestionNumber)
			continue
		}
		upd := QuestionUpdate{
			QuestionNumber: u.QuestionNumber,
			NewScore:       clampScore("dispute_attempt", it.Question, float64(u.NewScore)),
			NewFeedback:    strings.TrimSpace(u.NewFeedback),
		}
		if upd.NewFeedback == "" {
			upd.NewFeedback = it.Feedback
		}
		if i, dup := applied[u.QuestionNumber]; dup {
			v.Updates[i] = upd
			continue
		}
		applied[u.QuestionNumber] = len(v.Updates)
		v.Updates = append(v.Updates, upd)
	}
	if len(v.Updates) == 0 {
		slog.Warn("update verdict without applicable changes, recording as keep")
		v.Decision = model.DecisionKeep
		return v, nil
	}

	var total float64
	for _, it := range req.Items {
		score := it.Score
		if i, ok := applied[it.Number]; ok {
			score = v.Updates[i].NewScore
		}
		total += score
	}
	if reply.NewTotal.Set && float64(reply.NewTotal.Value) != total {
		slog.Warn("oracle total disagrees with its updates, using recomputed total",
			"oracle_total", float64(reply.NewTotal.Value), "total", total)
	}
	v.NewTotal = total
	return v, nil
}

func parseDecision(s, raw string) (model.Decision, error) {
	switch model.Decision(strings.ToLower(strings.TrimSpace(s))) {
	case model.DecisionKeep:
		return model.DecisionKeep, nil
	case model.DecisionUpdate:
		return model.DecisionUpdate, nil
	}
	return "", malformedErr(&MalformedError{Reason: fmt.Sprintf("unknown decision %q", s), Raw: raw})
}

// parseQuotes accepts a list of strings or a single string.
func parseQuotes(b json.RawMessage) []string {
	if len(b) == 0 {
		return nil
	}
	var list []string
	if json.Unmarshal(b, &list) == nil {
		return list
	}
	var one string
	if json.Unmarshal(b, &one) == nil && one != "" {
		return []string{one}
	}
	return nil
}
