package store

import (
	"context"
	"errors"

	"github.com/pavelanni/essayexam/internal/apperr"
	"github.com/pavelanni/essayexam/internal/model"
)

const questionDisputeColumns = `id, answer_id, attempt_id, question_id, argument, decision, old_score,
	new_score, new_feedback, justification, evidence_quotes, raw_verdict, model_name, created_at`

const attemptDisputeColumns = `id, attempt_id, argument, decision, explanation, old_total, new_total,
	old_results, new_results, raw_verdict, model_name, created_at`

// InsertQuestionDispute records a practice question dispute. A second dispute
// on the same answer fails with Conflict.
func (s *Store) InsertQuestionDispute(ctx context.Context, d model.QuestionDispute) (int64, error) {
	id, err := s.insert(ctx,
		`INSERT INTO question_disputes (answer_id, attempt_id, question_id, argument, decision, old_score,
			new_score, new_feedback, justification, evidence_quotes, raw_verdict, model_name, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		d.AnswerID, d.AttemptID, d.QuestionID, d.Argument, d.Decision, d.OldScore,
		d.NewScore, d.NewFeedback, d.Justification, d.EvidenceQuotes, d.RawVerdict, d.ModelName, s.now(),
	)
	if errors.Is(err, ErrDuplicate) {
		return 0, apperr.Conflict("question dispute", "this question has already been disputed")
	}
	return id, err
}

// GetQuestionDispute returns a single practice question dispute by ID.
func (s *Store) GetQuestionDispute(ctx context.Context, id int64) (*model.QuestionDispute, error) {
	var d model.QuestionDispute
	if err := s.get(ctx, &d,
		`SELECT `+questionDisputeColumns+` FROM question_disputes WHERE id = ?`, id); err != nil {
		return nil, notFound(err, "question dispute", id)
	}
	return &d, nil
}

// InsertAttemptDispute records a practice whole-attempt dispute. A second
// dispute on the same attempt fails with Conflict.
func (s *Store) InsertAttemptDispute(ctx context.Context, d model.AttemptDispute) (int64, error) {
	id, err := s.insert(ctx,
		`INSERT INTO attempt_disputes (attempt_id, argument, decision, explanation, old_total, new_total,
			old_results, new_results, raw_verdict, model_name, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		d.AttemptID, d.Argument, d.Decision, d.Explanation, d.OldTotal, d.NewTotal,
		d.OldResults, d.NewResults, d.RawVerdict, d.ModelName, s.now(),
	)
	if errors.Is(err, ErrDuplicate) {
		return 0, apperr.Conflict("attempt dispute", "this attempt has already been disputed")
	}
	return id, err
}

// ListQuestionDisputes returns an attempt's question disputes in creation order.
func (s *Store) ListQuestionDisputes(ctx context.Context, attemptID int64) ([]model.QuestionDispute, error) {
	ds := []model.QuestionDispute{}
	err := s.selectAll(ctx, &ds,
		`SELECT `+questionDisputeColumns+` FROM question_disputes WHERE attempt_id = ? ORDER BY id`, attemptID)
	return ds, err
}

// GetAttemptDispute returns the attempt's whole-attempt dispute, or nil.
func (s *Store) GetAttemptDispute(ctx context.Context, attemptID int64) (*model.AttemptDispute, error) {
	ds := []model.AttemptDispute{}
	if err := s.selectAll(ctx, &ds,
		`SELECT `+attemptDisputeColumns+` FROM attempt_disputes WHERE attempt_id = ?`, attemptID); err != nil {
		return nil, err
	}
	if len(ds) == 0 {
		return nil, nil
	}
	return &ds[0], nil
}

// DisputedQuestionNumbers returns the positions of questions with a practice
// dispute on the attempt, ascending.
func (s *Store) DisputedQuestionNumbers(ctx context.Context, attemptID int64) ([]int, error) {
	nums := []int{}
	err := s.selectAll(ctx, &nums,
		`SELECT q.position FROM question_disputes d
		 JOIN questions q ON q.id = d.question_id
		 WHERE d.attempt_id = ? ORDER BY q.position`, attemptID)
	return nums, err
}

// HasAttemptDispute reports whether the attempt has a whole-attempt practice dispute.
func (s *Store) HasAttemptDispute(ctx context.Context, attemptID int64) (bool, error) {
	var n int
	err := s.get(ctx, &n, `SELECT COUNT(*) FROM attempt_disputes WHERE attempt_id = ?`, attemptID)
	return n > 0, err
}
