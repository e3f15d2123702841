package attempt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pavelanni/essayexam/internal/apperr"
	"github.com/pavelanni/essayexam/internal/llm"
	"github.com/pavelanni/essayexam/internal/llm/prompts"
	"github.com/pavelanni/essayexam/internal/model"
	"github.com/pavelanni/essayexam/internal/store"
)

// AnswerInput is a student's answer to one question.
type AnswerInput struct {
	AttemptID    int64  `json:"attempt_id" validate:"required"`
	QuestionID   int64  `json:"question_id" validate:"required"`
	Text         string `json:"text" validate:"max=100000"`
	SecondsSpent int    `json:"seconds_spent" validate:"gte=0"`
}

// OverrideInput is an instructor's manual grade for one answer.
type OverrideInput struct {
	AnswerID int64   `json:"answer_id" validate:"required"`
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback" validate:"max=20000"`
}

// RecordAnswer grades the answer with the oracle, stores it, and submits the
// attempt once every question has an answer. If grading fails nothing is
// written and the oracle error is returned so the student can resubmit.
func (t *Tracker) RecordAnswer(ctx context.Context, in AnswerInput, studentID int64) (*model.Answer, error) {
	if err := apperr.Struct("answer", in); err != nil {
		return nil, err
	}
	a, err := t.ownAttempt(ctx, in.AttemptID, studentID)
	if err != nil {
		return nil, err
	}
	if a.Phase() == model.PhaseSubmitted {
		return nil, apperr.Conflict("attempt", "attempt is already submitted")
	}
	q, err := t.store.GetQuestion(ctx, in.QuestionID)
	if err != nil {
		return nil, err
	}
	if q.ExamID != a.ExamID {
		return nil, apperr.Validation("question", "question does not belong to this attempt's exam")
	}

	res, err := t.grader.Grade(ctx, *q, in.Text, in.SecondsSpent)
	if err != nil {
		slog.Warn("grading failed, answer not stored",
			"attempt_id", a.ID, "question_id", q.ID, "error", err)
		return nil, fmt.Errorf("grade answer to question %d: %w", q.ID, err)
	}
	ans := applyGrade(model.Answer{AttemptID: a.ID, QuestionID: q.ID, Text: in.Text, SecondsSpent: in.SecondsSpent}, res)

	var (
		answerID  int64
		completed bool
	)
	err = t.store.WithTx(ctx, func(tx *store.Store) error {
		cur, err := tx.GetAttempt(ctx, a.ID)
		if err != nil {
			return err
		}
		if cur.Phase() == model.PhaseSubmitted {
			return apperr.Conflict("attempt", "attempt is already submitted")
		}
		now := tx.Now()
		if cur.StartedAt == nil {
			exam, err := tx.GetExam(ctx, cur.ExamID)
			if err != nil {
				return err
			}
			var end *time.Time
			if limit := exam.TimeLimit(); limit > 0 {
				e := now.Add(limit)
				end = &e
			}
			if _, err := tx.SetAttemptClock(ctx, cur.ID, now, end); err != nil {
				return err
			}
		}
		if answerID, err = tx.UpsertAnswer(ctx, ans); err != nil {
			return err
		}
		answered, err := tx.CountAnswers(ctx, cur.ID)
		if err != nil {
			return err
		}
		total, err := tx.CountQuestions(ctx, cur.ExamID)
		if err != nil {
			return err
		}
		if answered >= total {
			completed, err = tx.MarkSubmitted(ctx, cur.ID, now)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if completed {
		slog.Info("attempt completed", "attempt_id", a.ID, "student_id", studentID)
	}

	return t.store.GetAnswer(ctx, answerID)
}

// OverrideScore records an instructor's grade on an answer. The score must lie
// within [0, points possible]; nothing is written otherwise.
func (t *Tracker) OverrideScore(ctx context.Context, in OverrideInput, instructor *model.User) (*model.Answer, error) {
	if err := apperr.Struct("override", in); err != nil {
		return nil, err
	}
	ans, err := t.store.GetAnswer(ctx, in.AnswerID)
	if err != nil {
		return nil, err
	}
	q, err := t.store.GetQuestion(ctx, ans.QuestionID)
	if err != nil {
		return nil, err
	}
	exam, err := t.store.GetExam(ctx, q.ExamID)
	if err != nil {
		return nil, err
	}
	if err := checkInstructor(exam, instructor); err != nil {
		return nil, err
	}
	if in.Score < 0 || in.Score > q.PointsPossible {
		return nil, apperr.Validation("override", fmt.Sprintf("score must be between 0 and %s",
			prompts.FormatPoints(q.PointsPossible)))
	}

	if err := t.store.SetOverride(ctx, ans.ID, in.Score, in.Feedback, t.store.Now()); err != nil {
		return nil, err
	}
	slog.Info("score overridden", "answer_id", ans.ID, "instructor_id", instructor.ID, "score", in.Score)
	return t.store.GetAnswer(ctx, ans.ID)
}

// applyGrade copies an oracle grade onto ans.
func applyGrade(ans model.Answer, res *llm.GradeResult) model.Answer {
	score := res.TotalScore
	ans.OracleScore = &score
	ans.OracleFeedback = res.Feedback
	ans.Explanation = res.Explanation
	ans.RubricBreakdown = marshalOrEmpty(res.RubricBreakdown)
	ans.Annotations = marshalOrEmpty(res.Annotations)
	return ans
}

func marshalOrEmpty[T any](v []T) string {
	if len(v) == 0 {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
