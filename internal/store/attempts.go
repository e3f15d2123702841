package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/pavelanni/essayexam/internal/model"
)

const attemptColumns = `id, exam_id, student_id, started_at, submitted_at, end_time, created_at`

// GetAttempt returns a single attempt by ID.
func (s *Store) GetAttempt(ctx context.Context, id int64) (*model.Attempt, error) {
	var a model.Attempt
	if err := s.get(ctx, &a, `SELECT `+attemptColumns+` FROM attempts WHERE id = ?`, id); err != nil {
		return nil, notFound(err, "attempt", id)
	}
	return &a, nil
}

// OpenAttempt returns the student's unsubmitted attempt on an exam, or nil.
func (s *Store) OpenAttempt(ctx context.Context, examID, studentID int64) (*model.Attempt, error) {
	var a model.Attempt
	err := s.get(ctx, &a,
		`SELECT `+attemptColumns+` FROM attempts
		 WHERE exam_id = ? AND student_id = ? AND submitted_at IS NULL`, examID, studentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// EnsureOpenAttempt returns the student's open attempt on an exam, creating a
// not-started one if none exists. The boolean reports whether a row was created.
func (s *Store) EnsureOpenAttempt(ctx context.Context, examID, studentID int64) (*model.Attempt, bool, error) {
	_, err := s.insert(ctx,
		`INSERT INTO attempts (exam_id, student_id, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (exam_id, student_id) WHERE submitted_at IS NULL DO NOTHING
		 RETURNING id`, examID, studentID, s.now())
	created := true
	if errors.Is(err, sql.ErrNoRows) {
		created = false
	} else if err != nil {
		return nil, false, err
	}
	a, err := s.OpenAttempt(ctx, examID, studentID)
	if err != nil {
		return nil, false, err
	}
	if a == nil {
		return nil, false, errors.New("open attempt vanished after insert")
	}
	return a, created, nil
}

// SetAttemptClock sets started_at and end_time on an open attempt. It reports
// false if the attempt is already submitted.
func (s *Store) SetAttemptClock(ctx context.Context, id int64, startedAt time.Time, endTime *time.Time) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE attempts SET started_at = ?, end_time = ? WHERE id = ? AND submitted_at IS NULL`,
		startedAt, endTime, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkSubmitted sets submitted_at, and started_at if it is unset, when the
// attempt is still open. It reports whether this call performed the transition.
func (s *Store) MarkSubmitted(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE attempts SET submitted_at = ?, started_at = COALESCE(started_at, ?)
		 WHERE id = ? AND submitted_at IS NULL`, at, at, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListOpenAttempts returns unsubmitted attempts. An examID of zero lists all exams.
func (s *Store) ListOpenAttempts(ctx context.Context, examID int64) ([]model.Attempt, error) {
	attempts := []model.Attempt{}
	query := `SELECT ` + attemptColumns + ` FROM attempts WHERE submitted_at IS NULL`
	var args []any
	if examID != 0 {
		query += ` AND exam_id = ?`
		args = append(args, examID)
	}
	err := s.selectAll(ctx, &attempts, query+` ORDER BY id`, args...)
	return attempts, err
}

// ListAttemptsWithUngraded returns submitted attempts that still have answers
// without an oracle score.
func (s *Store) ListAttemptsWithUngraded(ctx context.Context) ([]model.Attempt, error) {
	attempts := []model.Attempt{}
	err := s.selectAll(ctx, &attempts,
		`SELECT `+attemptColumns+` FROM attempts a
		 WHERE a.submitted_at IS NOT NULL
		   AND EXISTS (SELECT 1 FROM answers x WHERE x.attempt_id = a.id AND x.oracle_score IS NULL)
		 ORDER BY a.id`)
	return attempts, err
}
