package review

import (
	"context"
	"testing"

	"github.com/pavelanni/essayexam/internal/apperr"
	"github.com/pavelanni/essayexam/internal/model"
	"github.com/pavelanni/essayexam/internal/store"
)

type fixture struct {
	store      *store.Store
	queue      *Queue
	student    *model.User
	instructor *model.User
	other      *model.User
	attemptID  int64
	answerIDs  []int64
}

func newFixture(t *testing.T, kind model.ExamKind, submit bool) *fixture {
	t.Helper()
	ctx := context.Background()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	user := func(name string, role model.UserRole) *model.User {
		id, err := s.CreateUser(ctx, model.User{Username: name, DisplayName: "User " + name, ExternalID: "ext-" + name, PasswordHash: "x", Role: role, Active: true})
		if err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
		u, err := s.GetUserByID(ctx, id)
		if err != nil {
			t.Fatalf("GetUserByID: %v", err)
		}
		return u
	}
	f := &fixture{
		store:      s,
		queue:      NewQueue(s),
		student:    user("stu", model.UserRoleStudent),
		instructor: user("prof", model.UserRoleInstructor),
		other:      user("prof2", model.UserRoleInstructor),
	}
	examID, err := s.InsertExam(ctx, model.Exam{Title: "Midterm", InstructorID: f.instructor.ID, Kind: kind})
	if err != nil {
		t.Fatalf("InsertExam: %v", err)
	}
	a, _, err := s.EnsureOpenAttempt(ctx, examID, f.student.ID)
	if err != nil {
		t.Fatalf("EnsureOpenAttempt: %v", err)
	}
	f.attemptID = a.ID
	for i := 1; i <= 2; i++ {
		qid, err := s.InsertQuestion(ctx, model.Question{ExamID: examID, Position: i, Text: "Explain topic", PointsPossible: 10, Rubric: "r"})
		if err != nil {
			t.Fatalf("InsertQuestion: %v", err)
		}
		score := 6.0
		aid, err := s.UpsertAnswer(ctx, model.Answer{AttemptID: a.ID, QuestionID: qid, Text: "answer", OracleScore: &score})
		if err != nil {
			t.Fatalf("UpsertAnswer: %v", err)
		}
		f.answerIDs = append(f.answerIDs, aid)
	}
	if submit {
		if _, err := s.MarkSubmitted(ctx, a.ID, s.Now()); err != nil {
			t.Fatalf("MarkSubmitted: %v", err)
		}
	}
	return f
}

func num(n int) *int { return &n }

func TestSubmitPerQuestionLocksWholeAttempt(t *testing.T) {
	f := newFixture(t, model.ExamAssigned, true)
	ctx := context.Background()

	d, err := f.queue.Submit(ctx, SubmitInput{AttemptID: f.attemptID, QuestionNumber: num(1), Argument: "I covered the rubric"}, f.student.ID)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if d.Status != model.ReviewPending || d.QuestionID == nil {
		t.Errorf("expected pending question dispute, got %+v", d)
	}

	_, err = f.queue.Submit(ctx, SubmitInput{AttemptID: f.attemptID, Argument: "whole"}, f.student.ID)
	if !apperr.Is(err, apperr.KindConflict) {
		t.Errorf("expected conflict for whole-attempt dispute, got %v", err)
	}
	_, err = f.queue.Submit(ctx, SubmitInput{AttemptID: f.attemptID, QuestionNumber: num(1), Argument: "again"}, f.student.ID)
	if !apperr.Is(err, apperr.KindConflict) {
		t.Errorf("expected conflict for repeated question dispute, got %v", err)
	}
	if _, err := f.queue.Submit(ctx, SubmitInput{AttemptID: f.attemptID, QuestionNumber: num(2), Argument: "second"}, f.student.ID); err != nil {
		t.Errorf("expected second question dispute to succeed, got %v", err)
	}

	lock, err := f.queue.LockState(ctx, f.attemptID, f.student)
	if err != nil {
		t.Fatalf("LockState: %v", err)
	}
	if lock.AttemptDisputeUsed || len(lock.DisputedQuestionNumbers) != 2 || lock.TotalQuestions != 2 {
		t.Errorf("unexpected lock state: %+v", lock)
	}
}

func TestSubmitWholeAttemptLocksQuestions(t *testing.T) {
	f := newFixture(t, model.ExamAssigned, true)
	ctx := context.Background()

	if _, err := f.queue.Submit(ctx, SubmitInput{AttemptID: f.attemptID, Argument: "overall too harsh"}, f.student.ID); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	_, err := f.queue.Submit(ctx, SubmitInput{AttemptID: f.attemptID, QuestionNumber: num(2), Argument: "q2"}, f.student.ID)
	if !apperr.Is(err, apperr.KindConflict) {
		t.Errorf("expected conflict, got %v", err)
	}
	lock, err := f.queue.LockState(ctx, f.attemptID, f.instructor)
	if err != nil {
		t.Fatalf("LockState: %v", err)
	}
	if !lock.AttemptDisputeUsed || lock.CanDisputeQuestion(1) {
		t.Errorf("expected attempt lock, got %+v", lock)
	}
}

func TestSubmitPreconditions(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name   string
		kind   model.ExamKind
		submit bool
		input  func(f *fixture) SubmitInput
		caller func(f *fixture) int64
		kindOf apperr.Kind
	}{
		{
			name: "practice exam", kind: model.ExamPractice, submit: true,
			input:  func(f *fixture) SubmitInput { return SubmitInput{AttemptID: f.attemptID, Argument: "x"} },
			caller: func(f *fixture) int64 { return f.student.ID },
			kindOf: apperr.KindValidation,
		},
		{
			name: "not submitted", kind: model.ExamAssigned, submit: false,
			input:  func(f *fixture) SubmitInput { return SubmitInput{AttemptID: f.attemptID, Argument: "x"} },
			caller: func(f *fixture) int64 { return f.student.ID },
			kindOf: apperr.KindConflict,
		},
		{
			name: "other student", kind: model.ExamAssigned, submit: true,
			input:  func(f *fixture) SubmitInput { return SubmitInput{AttemptID: f.attemptID, Argument: "x"} },
			caller: func(f *fixture) int64 { return f.other.ID },
			kindOf: apperr.KindForbidden,
		},
		{
			name: "empty argument", kind: model.ExamAssigned, submit: true,
			input:  func(f *fixture) SubmitInput { return SubmitInput{AttemptID: f.attemptID} },
			caller: func(f *fixture) int64 { return f.student.ID },
			kindOf: apperr.KindValidation,
		},
		{
			name: "unknown question", kind: model.ExamAssigned, submit: true,
			input: func(f *fixture) SubmitInput {
				return SubmitInput{AttemptID: f.attemptID, QuestionNumber: num(7), Argument: "x"}
			},
			caller: func(f *fixture) int64 { return f.student.ID },
			kindOf: apperr.KindNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.kind, tt.submit)
			_, err := f.queue.Submit(ctx, tt.input(f), tt.caller(f))
			if !apperr.Is(err, tt.kindOf) {
				t.Errorf("expected %s, got %v", tt.kindOf, err)
			}
		})
	}
}

func TestListPending(t *testing.T) {
	f := newFixture(t, model.ExamAssigned, true)
	ctx := context.Background()

	if _, err := f.queue.Submit(ctx, SubmitInput{AttemptID: f.attemptID, QuestionNumber: num(2), Argument: "see paragraph two"}, f.student.ID); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	items, err := f.queue.ListPending(ctx, f.instructor)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 pending item, got %d", len(items))
	}
	it := items[0]
	if it.ExamTitle != "Midterm" || it.StudentName != "User stu" || it.StudentExternalID != "ext-stu" {
		t.Errorf("unexpected enrichment: %+v", it)
	}
	if it.QuestionPosition == nil || *it.QuestionPosition != 2 || it.QuestionText == nil {
		t.Errorf("expected question 2 details, got %+v", it)
	}

	others, err := f.queue.ListPending(ctx, f.other)
	if err != nil {
		t.Fatalf("ListPending other: %v", err)
	}
	if len(others) != 0 {
		t.Errorf("expected no items for another instructor, got %d", len(others))
	}
	if _, err := f.queue.ListPending(ctx, f.student); !apperr.Is(err, apperr.KindForbidden) {
		t.Errorf("expected forbidden for student, got %v", err)
	}
}

func TestResolve(t *testing.T) {
	f := newFixture(t, model.ExamAssigned, true)
	ctx := context.Background()

	d, err := f.queue.Submit(ctx, SubmitInput{AttemptID: f.attemptID, QuestionNumber: num(1), Argument: "fair?"}, f.student.ID)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	before, _ := f.store.GetAnswer(ctx, f.answerIDs[0])

	if _, err := f.queue.Resolve(ctx, ResolveInput{DisputeID: d.ID, Decision: "maybe"}, f.instructor); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error for bad decision, got %v", err)
	}
	if _, err := f.queue.Resolve(ctx, ResolveInput{DisputeID: d.ID, Decision: model.ReviewApproved}, f.other); !apperr.Is(err, apperr.KindForbidden) {
		t.Errorf("expected forbidden for other instructor, got %v", err)
	}

	got, err := f.queue.Resolve(ctx, ResolveInput{DisputeID: d.ID, Decision: model.ReviewApproved, Response: "agreed"}, f.instructor)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Status != model.ReviewResolved || got.Decision == nil || *got.Decision != model.ReviewApproved {
		t.Errorf("unexpected resolution: %+v", got)
	}
	if got.ResolvedBy == nil || *got.ResolvedBy != f.instructor.ID || got.ResolvedAt == nil {
		t.Errorf("expected resolver recorded, got %+v", got)
	}

	after, _ := f.store.GetAnswer(ctx, f.answerIDs[0])
	if after.EffectiveScore() != before.EffectiveScore() {
		t.Errorf("expected score unchanged at %v, got %v", before.EffectiveScore(), after.EffectiveScore())
	}

	_, err = f.queue.Resolve(ctx, ResolveInput{DisputeID: d.ID, Decision: model.ReviewRejected}, f.instructor)
	if !apperr.Is(err, apperr.KindConflict) {
		t.Errorf("expected conflict on second resolution, got %v", err)
	}

	pending, err := f.queue.ListPending(ctx, f.instructor)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected empty queue, got %d", len(pending))
	}

	all, err := f.queue.ListForAttempt(ctx, f.attemptID, f.student)
	if err != nil {
		t.Fatalf("ListForAttempt: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected 1 dispute on attempt, got %d", len(all))
	}
	if _, err := f.queue.ListForAttempt(ctx, f.attemptID, f.other); !apperr.Is(err, apperr.KindForbidden) {
		t.Errorf("expected forbidden for unrelated instructor, got %v", err)
	}
}
