// Package review queues assigned-exam disputes for instructor resolution.
package review

import (
	"context"
	"log/slog"

	"github.com/pavelanni/essayexam/internal/apperr"
	"github.com/pavelanni/essayexam/internal/model"
	"github.com/pavelanni/essayexam/internal/store"
)

// Queue records and resolves assigned-exam disputes. It never changes scores;
// an approved dispute is followed by a separate grade override.
type Queue struct {
	store *store.Store
}

// NewQueue creates a Queue.
func NewQueue(s *store.Store) *Queue {
	return &Queue{store: s}
}

// SubmitInput is a student's dispute. A nil QuestionNumber disputes the whole attempt.
type SubmitInput struct {
	AttemptID      int64  `json:"attempt_id" validate:"required"`
	QuestionNumber *int   `json:"question_number,omitempty" validate:"omitempty,gte=1"`
	Argument       string `json:"argument" validate:"required,max=10000"`
}

// ResolveInput is an instructor's ruling.
type ResolveInput struct {
	DisputeID int64                `json:"dispute_id" validate:"required"`
	Decision  model.ReviewDecision `json:"decision" validate:"required,oneof=approved rejected partially_approved"`
	Response  string               `json:"response" validate:"max=10000"`
}

// Submit records a pending dispute on a submitted assigned attempt.
func (q *Queue) Submit(ctx context.Context, in SubmitInput, studentID int64) (*model.AssignedDispute, error) {
	if err := apperr.Struct("dispute", in); err != nil {
		return nil, err
	}
	a, err := q.store.GetAttempt(ctx, in.AttemptID)
	if err != nil {
		return nil, err
	}
	if a.StudentID != studentID {
		return nil, apperr.Forbidden("attempt", "attempt belongs to another student")
	}
	exam, err := q.store.GetExam(ctx, a.ExamID)
	if err != nil {
		return nil, err
	}
	if exam.IsPractice() {
		return nil, apperr.Validation("dispute", "practice exam disputes are adjudicated automatically")
	}
	if a.Phase() != model.PhaseSubmitted {
		return nil, apperr.Conflict("attempt", "attempt must be submitted before it can be disputed")
	}

	var questionID *int64
	if in.QuestionNumber != nil {
		questions, err := q.store.ListQuestions(ctx, exam.ID)
		if err != nil {
			return nil, err
		}
		for _, qq := range questions {
			if qq.Position == *in.QuestionNumber {
				id := qq.ID
				questionID = &id
				break
			}
		}
		if questionID == nil {
			return nil, apperr.NotFound("question", *in.QuestionNumber)
		}
	}

	var id int64
	err = q.store.WithTx(ctx, func(tx *store.Store) error {
		lock, err := lockState(ctx, tx, a)
		if err != nil {
			return err
		}
		if lock.AttemptDisputeUsed {
			return apperr.Conflict("dispute", "the whole attempt has already been disputed")
		}
		if in.QuestionNumber == nil && len(lock.DisputedQuestionNumbers) > 0 {
			return apperr.Conflict("dispute", "individual questions have already been disputed")
		}
		if in.QuestionNumber != nil && !lock.CanDisputeQuestion(*in.QuestionNumber) {
			return apperr.Conflict("dispute", "this question has already been disputed")
		}
		id, err = tx.InsertAssignedDispute(ctx, a.ID, questionID, in.Argument)
		return err
	})
	if err != nil {
		return nil, err
	}
	slog.Info("assigned dispute submitted", "dispute_id", id, "attempt_id", a.ID, "whole_attempt", questionID == nil)
	return q.store.GetAssignedDispute(ctx, id)
}

// ListPending returns pending disputes across the instructor's assigned exams.
func (q *Queue) ListPending(ctx context.Context, instructor *model.User) ([]model.PendingReview, error) {
	if instructor == nil || (instructor.Role != model.UserRoleInstructor && instructor.Role != model.UserRoleAdmin) {
		return nil, apperr.Forbidden("review", "only instructors can review disputes")
	}
	return q.store.ListPendingReviews(ctx, instructor.ID)
}

// Resolve records the instructor's decision on a pending dispute.
func (q *Queue) Resolve(ctx context.Context, in ResolveInput, resolver *model.User) (*model.AssignedDispute, error) {
	if err := apperr.Struct("resolution", in); err != nil {
		return nil, err
	}
	d, err := q.store.GetAssignedDispute(ctx, in.DisputeID)
	if err != nil {
		return nil, err
	}
	a, err := q.store.GetAttempt(ctx, d.AttemptID)
	if err != nil {
		return nil, err
	}
	exam, err := q.store.GetExam(ctx, a.ExamID)
	if err != nil {
		return nil, err
	}
	if !exam.CanManage(resolver) {
		return nil, apperr.Forbidden("dispute", "only the exam's instructor can resolve this dispute")
	}
	if d.Status == model.ReviewResolved {
		return nil, apperr.Conflict("dispute", "dispute is already resolved")
	}

	ok, err := q.store.ResolveAssignedDispute(ctx, d.ID, in.Decision, in.Response, resolver.ID, q.store.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Conflict("dispute", "dispute is already resolved")
	}
	slog.Info("assigned dispute resolved", "dispute_id", d.ID, "decision", in.Decision, "resolver_id", resolver.ID)
	return q.store.GetAssignedDispute(ctx, d.ID)
}

// LockState reports which dispute targets remain open on an assigned attempt.
func (q *Queue) LockState(ctx context.Context, attemptID int64, u *model.User) (model.LockState, error) {
	a, err := q.viewable(ctx, attemptID, u)
	if err != nil {
		return model.LockState{}, err
	}
	return lockState(ctx, q.store, a)
}

// ListForAttempt returns every assigned dispute on the attempt.
func (q *Queue) ListForAttempt(ctx context.Context, attemptID int64, u *model.User) ([]model.AssignedDispute, error) {
	if _, err := q.viewable(ctx, attemptID, u); err != nil {
		return nil, err
	}
	return q.store.ListAssignedDisputes(ctx, attemptID)
}

func (q *Queue) viewable(ctx context.Context, attemptID int64, u *model.User) (*model.Attempt, error) {
	a, err := q.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	exam, err := q.store.GetExam(ctx, a.ExamID)
	if err != nil {
		return nil, err
	}
	if u == nil || (a.StudentID != u.ID && !exam.CanManage(u)) {
		return nil, apperr.Forbidden("attempt", "attempt belongs to another student")
	}
	return a, nil
}

func lockState(ctx context.Context, s *store.Store, a *model.Attempt) (model.LockState, error) {
	ds, err := s.ListAssignedDisputes(ctx, a.ID)
	if err != nil {
		return model.LockState{}, err
	}
	questions, err := s.ListQuestions(ctx, a.ExamID)
	if err != nil {
		return model.LockState{}, err
	}
	positions := make(map[int64]int, len(questions))
	for _, q := range questions {
		positions[q.ID] = q.Position
	}
	lock := model.LockState{DisputedQuestionNumbers: []int{}, TotalQuestions: len(questions)}
	for _, d := range ds {
		if d.QuestionID == nil {
			lock.AttemptDisputeUsed = true
			continue
		}
		lock.DisputedQuestionNumbers = append(lock.DisputedQuestionNumbers, positions[*d.QuestionID])
	}
	return lock, nil
}
