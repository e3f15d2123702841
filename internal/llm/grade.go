package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"

	"github.com/pavelanni/essayexam/internal/llm/prompts"
	"github.com/pavelanni/essayexam/internal/model"
)

// RubricItem is the oracle's score on one rubric dimension.
type RubricItem struct {
	Dimension string  `json:"dimension"`
	Score     float64 `json:"score"`
	MaxPoints float64 `json:"max_points"`
	Comment   string  `json:"comment"`
}

// Annotation ties a comment to a quoted span of the answer.
type Annotation struct {
	Quote   string `json:"quote"`
	Comment string `json:"comment"`
}

// GradeResult holds the oracle's assessment of a single answer.
type GradeResult struct {
	Scores          map[string]float64
	TotalScore      float64
	Explanation     string
	Feedback        string
	RubricBreakdown []RubricItem
	Annotations     []Annotation
	Raw             string
}

type gradeReply struct {
	Scores          map[string]Score `json:"scores"`
	TotalScore      OptionalScore    `json:"total_score"`
	Explanation     string           `json:"explanation"`
	Feedback        string           `json:"feedback"`
	RubricBreakdown json.RawMessage  `json:"rubric_breakdown"`
	Annotations     json.RawMessage  `json:"annotations"`
}

type rubricItemReply struct {
	Dimension string `json:"dimension"`
	Score     Score  `json:"score"`
	MaxPoints Score  `json:"max_points"`
	Comment   string `json:"comment"`
}

// Grade scores one answer against its question's rubric. A missing total is
// derived from the per-dimension scores; the total is clamped to the
// question's points.
func (c *Client) Grade(ctx context.Context, q model.Question, answerText string, secondsSpent int) (*GradeResult, error) {
	prompt, err := c.prompts.BuildGradePrompt(c.variant, prompts.GradeData{
		QuestionText:   q.Text,
		BackgroundInfo: q.BackgroundInfo,
		DomainInfo:     q.DomainInfo,
		PointsPossible: q.PointsPossible,
		Rubric:         q.Rubric,
		Answer:         answerText,
		SecondsSpent:   secondsSpent,
	})
	if err != nil {
		return nil, fmt.Errorf("build grade prompt: %w", err)
	}

	raw, err := c.complete(ctx, "grade", gradeSystemPrompt, prompt, gradeTemperature)
	if err != nil {
		return nil, err
	}

	var reply gradeReply
	if err := decode("grade", raw, &reply); err != nil {
		return nil, err
	}
	if !reply.TotalScore.Set && len(reply.Scores) == 0 {
		slog.Warn("grade response has no scores", "question_id", q.ID, "raw", raw)
		return nil, malformedErr(&MalformedError{Reason: "response has neither total_score nor scores", Raw: raw})
	}

	result := &GradeResult{
		Scores:      make(map[string]float64, len(reply.Scores)),
		Explanation: reply.Explanation,
		Feedback:    reply.Feedback,
		Raw:         raw,
	}
	var sum float64
	for k, v := range reply.Scores {
		result.Scores[k] = float64(v)
		sum += float64(v)
	}
	total := sum
	if reply.TotalScore.Set {
		total = float64(reply.TotalScore.Value)
	}
	result.TotalScore = clampScore("grade", q, total)

	var items []rubricItemReply
	if len(reply.RubricBreakdown) > 0 && json.Unmarshal(reply.RubricBreakdown, &items) == nil {
		for _, it := range items {
			result.RubricBreakdown = append(result.RubricBreakdown, RubricItem{
				Dimension: it.Dimension,
				Score:     float64(it.Score),
				MaxPoints: float64(it.MaxPoints),
				Comment:   it.Comment,
			})
		}
	}
	var anns []Annotation
	if len(reply.Annotations) > 0 && json.Unmarshal(reply.Annotations, &anns) == nil {
		result.Annotations = anns
	}
	return result, nil
}

// clampScore keeps a score within [0, q.PointsPossible], logging any correction.
func clampScore(op string, q model.Question, v float64) float64 {
	clamped := v
	switch {
	case math.IsNaN(v) || v < 0:
		clamped = 0
	case v > q.PointsPossible:
		clamped = q.PointsPossible
	}
	if clamped != v {
		slog.Warn("oracle score out of range, clamped", "op", op, "question_id", q.ID,
			"score", v, "clamped", clamped, "points_possible", q.PointsPossible)
	}
	return clamped
}
