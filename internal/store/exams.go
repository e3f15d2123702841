package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/pavelanni/essayexam/internal/apperr"
	"github.com/pavelanni/essayexam/internal/model"
)

const examColumns = `id, title, instructor_id, kind, owner_external_id, time_limit_minutes,
	due_date, prevent_tab_switching, created_at`

const questionColumns = `id, exam_id, position, text, background_info, domain_info,
	points_possible, rubric`

// InsertExam inserts an exam and returns its id.
func (s *Store) InsertExam(ctx context.Context, e model.Exam) (int64, error) {
	if e.DueDate != nil {
		due := e.DueDate.UTC()
		e.DueDate = &due
	}
	id, err := s.insert(ctx,
		`INSERT INTO exams (title, instructor_id, kind, owner_external_id, time_limit_minutes,
			due_date, prevent_tab_switching, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		e.Title, e.InstructorID, e.Kind, e.OwnerExternalID, e.TimeLimitMinutes,
		e.DueDate, e.PreventTabSwitching, s.now(),
	)
	if err != nil {
		return 0, err
	}
	slog.Debug("inserted exam", "id", id, "kind", e.Kind, "title", e.Title)
	return id, nil
}

// GetExam returns a single exam by ID.
func (s *Store) GetExam(ctx context.Context, id int64) (*model.Exam, error) {
	var e model.Exam
	if err := s.get(ctx, &e, `SELECT `+examColumns+` FROM exams WHERE id = ?`, id); err != nil {
		return nil, notFound(err, "exam", id)
	}
	return &e, nil
}

// ListExams returns all exams ordered by id.
func (s *Store) ListExams(ctx context.Context) ([]model.Exam, error) {
	exams := []model.Exam{}
	err := s.selectAll(ctx, &exams, `SELECT `+examColumns+` FROM exams ORDER BY id`)
	return exams, err
}

// ListDueExamIDs returns exams whose due date has passed and that still have
// at least one open attempt.
func (s *Store) ListDueExamIDs(ctx context.Context) ([]int64, error) {
	ids := []int64{}
	err := s.selectAll(ctx, &ids,
		`SELECT DISTINCT e.id FROM exams e
		 JOIN attempts a ON a.exam_id = e.id
		 WHERE e.due_date IS NOT NULL AND e.due_date < ? AND a.submitted_at IS NULL
		 ORDER BY e.id`, s.now())
	return ids, err
}

// InsertQuestion inserts a question and returns its id.
func (s *Store) InsertQuestion(ctx context.Context, q model.Question) (int64, error) {
	id, err := s.insert(ctx,
		`INSERT INTO questions (exam_id, position, text, background_info, domain_info,
			points_possible, rubric)
		 VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		q.ExamID, q.Position, q.Text, q.BackgroundInfo, q.DomainInfo, q.PointsPossible, q.Rubric,
	)
	if errors.Is(err, ErrDuplicate) {
		return 0, apperr.Conflict("question", "position already used in exam")
	}
	return id, err
}

// ListQuestions returns an exam's questions ordered by position.
func (s *Store) ListQuestions(ctx context.Context, examID int64) ([]model.Question, error) {
	qs := []model.Question{}
	err := s.selectAll(ctx, &qs,
		`SELECT `+questionColumns+` FROM questions WHERE exam_id = ? ORDER BY position, id`, examID)
	return qs, err
}

// GetQuestion returns a single question by ID.
func (s *Store) GetQuestion(ctx context.Context, id int64) (*model.Question, error) {
	var q model.Question
	if err := s.get(ctx, &q, `SELECT `+questionColumns+` FROM questions WHERE id = ?`, id); err != nil {
		return nil, notFound(err, "question", id)
	}
	return &q, nil
}

// CountQuestions returns the number of questions in an exam.
func (s *Store) CountQuestions(ctx context.Context, examID int64) (int, error) {
	var n int
	err := s.get(ctx, &n, `SELECT COUNT(*) FROM questions WHERE exam_id = ?`, examID)
	return n, err
}

// GetImportedFileHash returns the stored hash for a previously imported file.
func (s *Store) GetImportedFileHash(ctx context.Context, path string) (string, error) {
	var hash string
	err := s.get(ctx, &hash, `SELECT hash FROM imported_files WHERE path = ?`, path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return hash, err
}

// SetImportedFileHash records the hash of an imported file.
func (s *Store) SetImportedFileHash(ctx context.Context, path, hash string) error {
	_, err := s.exec(ctx,
		`INSERT INTO imported_files (path, hash) VALUES (?, ?)
		 ON CONFLICT(path) DO UPDATE SET hash = excluded.hash`, path, hash)
	return err
}
