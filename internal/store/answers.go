package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/pavelanni/essayexam/internal/model"
)

const answerColumns = `id, attempt_id, question_id, text, seconds_spent, oracle_score, oracle_feedback,
	explanation, rubric_breakdown, annotations, override_score, override_feedback, overridden_at, updated_at`

// UpsertAnswer writes the answer text and oracle grade for (attempt, question).
// An existing row keeps its override.
func (s *Store) UpsertAnswer(ctx context.Context, a model.Answer) (int64, error) {
	return s.insert(ctx,
		`INSERT INTO answers (attempt_id, question_id, text, seconds_spent, oracle_score, oracle_feedback,
			explanation, rubric_breakdown, annotations, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (attempt_id, question_id) DO UPDATE SET
			text = excluded.text,
			seconds_spent = excluded.seconds_spent,
			oracle_score = excluded.oracle_score,
			oracle_feedback = excluded.oracle_feedback,
			explanation = excluded.explanation,
			rubric_breakdown = excluded.rubric_breakdown,
			annotations = excluded.annotations,
			updated_at = excluded.updated_at
		 RETURNING id`,
		a.AttemptID, a.QuestionID, a.Text, a.SecondsSpent, a.OracleScore, a.OracleFeedback,
		a.Explanation, a.RubricBreakdown, a.Annotations, s.now(),
	)
}

// GetAnswer returns a single answer by ID.
func (s *Store) GetAnswer(ctx context.Context, id int64) (*model.Answer, error) {
	var a model.Answer
	if err := s.get(ctx, &a, `SELECT `+answerColumns+` FROM answers WHERE id = ?`, id); err != nil {
		return nil, notFound(err, "answer", id)
	}
	return &a, nil
}

// FindAnswer returns the answer for (attempt, question), or nil if none exists.
func (s *Store) FindAnswer(ctx context.Context, attemptID, questionID int64) (*model.Answer, error) {
	var a model.Answer
	err := s.get(ctx, &a,
		`SELECT `+answerColumns+` FROM answers WHERE attempt_id = ? AND question_id = ?`,
		attemptID, questionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAnswers returns an attempt's answers keyed by question id.
func (s *Store) ListAnswers(ctx context.Context, attemptID int64) (map[int64]model.Answer, error) {
	var rows []model.Answer
	if err := s.selectAll(ctx, &rows,
		`SELECT `+answerColumns+` FROM answers WHERE attempt_id = ? ORDER BY id`, attemptID); err != nil {
		return nil, err
	}
	out := make(map[int64]model.Answer, len(rows))
	for _, a := range rows {
		out[a.QuestionID] = a
	}
	return out, nil
}

// CountAnswers returns the number of answered questions in an attempt.
func (s *Store) CountAnswers(ctx context.Context, attemptID int64) (int, error) {
	var n int
	err := s.get(ctx, &n, `SELECT COUNT(*) FROM answers WHERE attempt_id = ?`, attemptID)
	return n, err
}

// SetOracleGrade replaces an answer's oracle score and feedback.
func (s *Store) SetOracleGrade(ctx context.Context, a model.Answer) error {
	res, err := s.exec(ctx,
		`UPDATE answers SET oracle_score = ?, oracle_feedback = ?, explanation = ?,
			rubric_breakdown = ?, annotations = ?, updated_at = ?
		 WHERE id = ?`,
		a.OracleScore, a.OracleFeedback, a.Explanation, a.RubricBreakdown, a.Annotations, s.now(), a.ID)
	return expectOne(res, err, "answer", a.ID)
}

// SetOracleScore replaces only the oracle score and feedback, as a dispute update does.
func (s *Store) SetOracleScore(ctx context.Context, answerID int64, score float64, feedback string) error {
	res, err := s.exec(ctx,
		`UPDATE answers SET oracle_score = ?, oracle_feedback = ?, updated_at = ? WHERE id = ?`,
		score, feedback, s.now(), answerID)
	return expectOne(res, err, "answer", answerID)
}

// SetOverride records an instructor override on an answer.
func (s *Store) SetOverride(ctx context.Context, answerID int64, score float64, feedback string, at time.Time) error {
	res, err := s.exec(ctx,
		`UPDATE answers SET override_score = ?, override_feedback = ?, overridden_at = ?, updated_at = ?
		 WHERE id = ?`,
		score, feedback, at, at, answerID)
	return expectOne(res, err, "answer", answerID)
}

func expectOne(res sql.Result, err error, entity string, id int64) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(sql.ErrNoRows, entity, id)
	}
	return nil
}
