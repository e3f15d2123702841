package store

import (
	"context"
	"errors"
	"time"

	"github.com/pavelanni/essayexam/internal/apperr"
	"github.com/pavelanni/essayexam/internal/model"
)

const assignedDisputeColumns = `d.id, d.attempt_id, d.question_id, d.argument, d.status, d.decision,
	d.response, d.resolved_by, d.resolved_at, d.created_at`

// InsertAssignedDispute records a pending dispute on an assigned exam. A nil
// questionID disputes the whole attempt.
func (s *Store) InsertAssignedDispute(ctx context.Context, attemptID int64, questionID *int64, argument string) (int64, error) {
	id, err := s.insert(ctx,
		`INSERT INTO assigned_disputes (attempt_id, question_id, argument, status, created_at)
		 VALUES (?, ?, ?, ?, ?) RETURNING id`,
		attemptID, questionID, argument, model.ReviewPending, s.now(),
	)
	if errors.Is(err, ErrDuplicate) {
		if questionID == nil {
			return 0, apperr.Conflict("assigned dispute", "this attempt has already been disputed")
		}
		return 0, apperr.Conflict("assigned dispute", "this question has already been disputed")
	}
	return id, err
}

// GetAssignedDispute returns a single assigned dispute by ID.
func (s *Store) GetAssignedDispute(ctx context.Context, id int64) (*model.AssignedDispute, error) {
	var d model.AssignedDispute
	if err := s.get(ctx, &d,
		`SELECT `+assignedDisputeColumns+` FROM assigned_disputes d WHERE d.id = ?`, id); err != nil {
		return nil, notFound(err, "assigned dispute", id)
	}
	return &d, nil
}

// ListAssignedDisputes returns every assigned dispute on an attempt.
func (s *Store) ListAssignedDisputes(ctx context.Context, attemptID int64) ([]model.AssignedDispute, error) {
	ds := []model.AssignedDispute{}
	err := s.selectAll(ctx, &ds,
		`SELECT `+assignedDisputeColumns+` FROM assigned_disputes d WHERE d.attempt_id = ? ORDER BY d.id`,
		attemptID)
	return ds, err
}

// ListPendingReviews returns pending disputes across the instructor's assigned
// exams, oldest first.
func (s *Store) ListPendingReviews(ctx context.Context, instructorID int64) ([]model.PendingReview, error) {
	rows := []model.PendingReview{}
	err := s.selectAll(ctx, &rows,
		`SELECT `+assignedDisputeColumns+`,
			e.id AS exam_id, e.title AS exam_title,
			u.id AS student_id, u.display_name AS student_name, u.external_id AS student_external_id,
			q.position AS question_position, q.text AS question_text
		 FROM assigned_disputes d
		 JOIN attempts a ON a.id = d.attempt_id
		 JOIN exams e ON e.id = a.exam_id
		 JOIN users u ON u.id = a.student_id
		 LEFT JOIN questions q ON q.id = d.question_id
		 WHERE d.status = ? AND e.instructor_id = ? AND e.kind = ?
		 ORDER BY d.created_at, d.id`,
		model.ReviewPending, instructorID, model.ExamAssigned)
	return rows, err
}

// ResolveAssignedDispute moves a pending dispute to resolved. It reports false
// if the dispute was not pending.
func (s *Store) ResolveAssignedDispute(ctx context.Context, id int64, decision model.ReviewDecision, response string, resolver int64, at time.Time) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE assigned_disputes
		 SET status = ?, decision = ?, response = ?, resolved_by = ?, resolved_at = ?
		 WHERE id = ? AND status = ?`,
		model.ReviewResolved, decision, response, resolver, at, id, model.ReviewPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
