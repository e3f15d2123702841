// Package attempt owns the lifecycle of a student's exam attempt and the
// answers recorded against it.
package attempt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pavelanni/essayexam/internal/apperr"
	"github.com/pavelanni/essayexam/internal/llm"
	"github.com/pavelanni/essayexam/internal/model"
	"github.com/pavelanni/essayexam/internal/store"
)

// clockSkewLimit bounds how far from now a recorded start may be before it is reset.
const clockSkewLimit = 24 * time.Hour

// Grader scores a single answer.
type Grader interface {
	Grade(ctx context.Context, q model.Question, answerText string, secondsSpent int) (*llm.GradeResult, error)
}

// Tracker drives attempts through NotStarted, InProgress and Submitted.
type Tracker struct {
	store  *store.Store
	grader Grader
}

// NewTracker creates a Tracker.
func NewTracker(s *store.Store, g Grader) *Tracker {
	return &Tracker{store: s, grader: g}
}

// GradeFailure records one answer the oracle could not grade.
type GradeFailure struct {
	AnswerID   int64  `json:"answer_id"`
	QuestionID int64  `json:"question_id"`
	Err        error  `json:"-"`
	Message    string `json:"message"`
}

// SweepReport summarises an overdue sweep or pending-grade pass over one attempt.
type SweepReport struct {
	AttemptID int64          `json:"attempt_id"`
	Submitted bool           `json:"submitted"`
	Graded    int            `json:"graded"`
	Failures  []GradeFailure `json:"failures,omitempty"`
}

// StartOrResume returns the student's open attempt on the exam, creating it if
// needed, and (re)starts its clock when nothing has been answered yet or the
// recorded start is implausible.
func (t *Tracker) StartOrResume(ctx context.Context, examID int64, student *model.User) (*model.Attempt, error) {
	exam, err := t.store.GetExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	if exam.IsPractice() && exam.OwnerExternalID != student.ExternalID {
		return nil, apperr.Forbidden("exam", "practice exams can only be taken by their owner")
	}

	var out *model.Attempt
	err = t.store.WithTx(ctx, func(tx *store.Store) error {
		a, created, err := tx.EnsureOpenAttempt(ctx, exam.ID, student.ID)
		if err != nil {
			return err
		}
		answered, err := tx.CountAnswers(ctx, a.ID)
		if err != nil {
			return err
		}
		now := tx.Now()
		if reason := restartReason(a, answered, now); reason != "" {
			var end *time.Time
			if limit := exam.TimeLimit(); limit > 0 {
				e := now.Add(limit)
				end = &e
			}
			if _, err := tx.SetAttemptClock(ctx, a.ID, now, end); err != nil {
				return err
			}
			slog.Info("attempt clock started", "attempt_id", a.ID, "exam_id", exam.ID,
				"student_id", student.ID, "created", created, "reason", reason)
		}
		out, err = tx.GetAttempt(ctx, a.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func restartReason(a *model.Attempt, answered int, now time.Time) string {
	switch {
	case answered == 0:
		return "no answers yet"
	case a.StartedAt == nil:
		return "missing start"
	case a.StartedAt.Before(now.Add(-clockSkewLimit)):
		return "start too far in the past"
	case a.StartedAt.After(now):
		return "start in the future"
	default:
		return ""
	}
}

// Assign pre-creates not-started attempts on an assigned exam for each student.
// Students that already have an open attempt keep it.
func (t *Tracker) Assign(ctx context.Context, examID int64, instructor *model.User, studentIDs []int64) ([]model.Attempt, error) {
	exam, err := t.store.GetExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	if exam.IsPractice() {
		return nil, apperr.Validation("exam", "practice exams cannot be assigned")
	}
	if err := checkInstructor(exam, instructor); err != nil {
		return nil, err
	}

	attempts := make([]model.Attempt, 0, len(studentIDs))
	err = t.store.WithTx(ctx, func(tx *store.Store) error {
		for _, sid := range studentIDs {
			u, err := tx.GetUserByID(ctx, sid)
			if err != nil {
				return err
			}
			if u.Role != model.UserRoleStudent {
				return apperr.Validation("user", fmt.Sprintf("user %d is not a student", sid))
			}
			a, _, err := tx.EnsureOpenAttempt(ctx, exam.ID, sid)
			if err != nil {
				return err
			}
			attempts = append(attempts, *a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("exam assigned", "exam_id", exam.ID, "students", len(attempts))
	return attempts, nil
}

// Submit marks the attempt submitted. Submitting an already submitted attempt
// returns it unchanged.
func (t *Tracker) Submit(ctx context.Context, attemptID, studentID int64) (*model.Attempt, error) {
	a, err := t.ownAttempt(ctx, attemptID, studentID)
	if err != nil {
		return nil, err
	}
	if a.Phase() == model.PhaseSubmitted {
		return a, nil
	}
	if _, err := t.store.MarkSubmitted(ctx, a.ID, t.store.Now()); err != nil {
		return nil, err
	}
	slog.Info("attempt submitted", "attempt_id", a.ID, "student_id", studentID)
	return t.store.GetAttempt(ctx, a.ID)
}

// SweepOverdue force-submits an open attempt whose exam is past its due date
// and grades every answer the oracle has not scored yet. Grading failures are
// collected in the report and do not stop the sweep.
func (t *Tracker) SweepOverdue(ctx context.Context, exam *model.Exam, attemptID int64) (*SweepReport, error) {
	report := &SweepReport{AttemptID: attemptID}
	now := t.store.Now()
	if !exam.Overdue(now) {
		return report, nil
	}
	a, err := t.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if a.ExamID != exam.ID {
		return nil, apperr.Validation("attempt", "attempt does not belong to this exam")
	}
	if a.Phase() == model.PhaseSubmitted {
		return report, nil
	}

	submitted, err := t.store.MarkSubmitted(ctx, a.ID, now)
	if err != nil {
		return nil, err
	}
	if !submitted {
		return report, nil
	}
	report.Submitted = true
	slog.Info("overdue attempt auto-submitted", "attempt_id", a.ID, "exam_id", exam.ID)

	if err := t.gradeUngraded(ctx, a.ID, report); err != nil {
		return report, err
	}
	return report, nil
}

// SweepExam runs SweepOverdue over every open attempt of the exam.
func (t *Tracker) SweepExam(ctx context.Context, examID int64) ([]SweepReport, error) {
	exam, err := t.store.GetExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	if !exam.Overdue(t.store.Now()) {
		return nil, nil
	}
	open, err := t.store.ListOpenAttempts(ctx, exam.ID)
	if err != nil {
		return nil, err
	}
	var (
		reports []SweepReport
		errs    []error
	)
	for _, a := range open {
		r, err := t.SweepOverdue(ctx, exam, a.ID)
		if err != nil {
			slog.Error("sweep attempt failed", "attempt_id", a.ID, "exam_id", exam.ID, "error", err)
			errs = append(errs, fmt.Errorf("attempt %d: %w", a.ID, err))
			continue
		}
		if r.Submitted {
			reports = append(reports, *r)
		}
	}
	return reports, errors.Join(errs...)
}

// SweepDue runs SweepExam over every exam past its due date that still has open attempts.
func (t *Tracker) SweepDue(ctx context.Context) ([]SweepReport, error) {
	ids, err := t.store.ListDueExamIDs(ctx)
	if err != nil {
		return nil, err
	}
	var (
		reports []SweepReport
		errs    []error
	)
	for _, id := range ids {
		r, err := t.SweepExam(ctx, id)
		reports = append(reports, r...)
		if err != nil {
			errs = append(errs, fmt.Errorf("exam %d: %w", id, err))
		}
	}
	if len(reports) > 0 {
		slog.Info("sweep finished", "exams", len(ids), "attempts", len(reports))
	}
	return reports, errors.Join(errs...)
}

// GradePending grades the attempt's answers that have no oracle score.
func (t *Tracker) GradePending(ctx context.Context, attemptID int64) (*SweepReport, error) {
	a, err := t.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	report := &SweepReport{AttemptID: a.ID, Submitted: a.Phase() == model.PhaseSubmitted}
	if err := t.gradeUngraded(ctx, a.ID, report); err != nil {
		return report, err
	}
	return report, nil
}

// GradeAllPending runs GradePending over every submitted attempt with ungraded answers.
func (t *Tracker) GradeAllPending(ctx context.Context) ([]SweepReport, error) {
	attempts, err := t.store.ListAttemptsWithUngraded(ctx)
	if err != nil {
		return nil, err
	}
	reports := make([]SweepReport, 0, len(attempts))
	for _, a := range attempts {
		r, err := t.GradePending(ctx, a.ID)
		if err != nil {
			return reports, fmt.Errorf("attempt %d: %w", a.ID, err)
		}
		reports = append(reports, *r)
	}
	return reports, nil
}

// gradeUngraded grades answers without an oracle score using zero time spent.
// Each grade is its own write; the oracle call happens outside any transaction.
func (t *Tracker) gradeUngraded(ctx context.Context, attemptID int64, report *SweepReport) error {
	answers, err := t.store.ListAnswers(ctx, attemptID)
	if err != nil {
		return err
	}
	questions := map[int64]*model.Question{}
	for _, ans := range answers {
		if ans.Graded() {
			continue
		}
		q, ok := questions[ans.QuestionID]
		if !ok {
			if q, err = t.store.GetQuestion(ctx, ans.QuestionID); err != nil {
				return err
			}
			questions[ans.QuestionID] = q
		}
		res, err := t.grader.Grade(ctx, *q, ans.Text, 0)
		if err != nil {
			slog.Warn("grading answer failed", "attempt_id", attemptID, "answer_id", ans.ID, "error", err)
			report.Failures = append(report.Failures, GradeFailure{
				AnswerID: ans.ID, QuestionID: ans.QuestionID, Err: err, Message: err.Error(),
			})
			continue
		}
		if err := t.store.SetOracleGrade(ctx, applyGrade(ans, res)); err != nil {
			return err
		}
		report.Graded++
	}
	return nil
}

// Progress reports the attempt's phase, answered count and effective score.
func (t *Tracker) Progress(ctx context.Context, attemptID int64) (*model.Progress, error) {
	a, err := t.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	questions, err := t.store.ListQuestions(ctx, a.ExamID)
	if err != nil {
		return nil, err
	}
	answers, err := t.store.ListAnswers(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	p := &model.Progress{Attempt: *a, Phase: a.Phase(), Answered: len(answers), TotalQuestions: len(questions)}
	for _, q := range questions {
		p.PointsPossible += q.PointsPossible
		if ans, ok := answers[q.ID]; ok {
			p.TotalScore += ans.EffectiveScore()
		}
	}
	return p, nil
}

func (t *Tracker) ownAttempt(ctx context.Context, attemptID, studentID int64) (*model.Attempt, error) {
	a, err := t.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if a.StudentID != studentID {
		return nil, apperr.Forbidden("attempt", "attempt belongs to another student")
	}
	return a, nil
}

func checkInstructor(exam *model.Exam, u *model.User) error {
	if exam.CanManage(u) {
		return nil
	}
	return apperr.Forbidden("exam", "exam belongs to another instructor")
}
