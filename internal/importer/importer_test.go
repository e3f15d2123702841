package importer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pavelanni/essayexam/internal/apperr"
	"github.com/pavelanni/essayexam/internal/model"
	"github.com/pavelanni/essayexam/internal/store"
)

const assignedExam = `{
  "title": "Thermodynamics midterm",
  "kind": "assigned",
  "instructor": "prof",
  "time_limit_minutes": 45,
  "due_date": "2026-01-10T18:00:00Z",
  "questions": [
    {"text": "State the first law.", "points_possible": 10, "rubric": "Mentions energy conservation"},
    {"text": "Explain entropy.", "points_possible": 5, "rubric": {"criteria": ["definition", "example"]}}
  ]
}`

func newTestStore(t *testing.T) (*store.Store, *model.User) {
	t.Helper()
	ctx := context.Background()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	id, err := s.CreateUser(ctx, model.User{Username: "prof", PasswordHash: "x", Role: model.UserRoleInstructor, Active: true})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	u, err := s.GetUserByID(ctx, id)
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	return s, u
}

func TestImport(t *testing.T) {
	s, prof := newTestStore(t)
	ctx := context.Background()

	res, err := Import(ctx, s, "midterm.json", []byte(assignedExam), nil)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.Skipped || res.Questions != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}

	exam, err := s.GetExam(ctx, res.ExamID)
	if err != nil {
		t.Fatalf("GetExam: %v", err)
	}
	if exam.InstructorID != prof.ID || exam.Kind != model.ExamAssigned || exam.TimeLimitMinutes != 45 {
		t.Errorf("unexpected exam: %+v", exam)
	}
	if exam.DueDate == nil || exam.DueDate.Year() != 2026 {
		t.Errorf("expected due date in 2026, got %v", exam.DueDate)
	}

	qs, err := s.ListQuestions(ctx, res.ExamID)
	if err != nil {
		t.Fatalf("ListQuestions: %v", err)
	}
	if len(qs) != 2 {
		t.Fatalf("expected 2 questions, got %d", len(qs))
	}
	if qs[0].Position != 1 || qs[0].Rubric != "Mentions energy conservation" {
		t.Errorf("unexpected first question: %+v", qs[0])
	}
	if qs[1].Rubric != `{"criteria": ["definition", "example"]}` {
		t.Errorf("expected structured rubric kept verbatim, got %q", qs[1].Rubric)
	}
}

func TestImportSkipsKnownFiles(t *testing.T) {
	s, prof := newTestStore(t)
	ctx := context.Background()

	if _, err := Import(ctx, s, "midterm.json", []byte(assignedExam), prof); err != nil {
		t.Fatalf("Import: %v", err)
	}
	again, err := Import(ctx, s, "midterm.json", []byte(assignedExam), prof)
	if err != nil {
		t.Fatalf("second Import: %v", err)
	}
	if !again.Skipped {
		t.Error("expected unchanged file to be skipped")
	}
	changed, err := Import(ctx, s, "midterm.json", []byte(assignedExam+"\n"), prof)
	if err != nil {
		t.Fatalf("changed Import: %v", err)
	}
	if !changed.Skipped {
		t.Error("expected changed file to be skipped")
	}
	exams, err := s.ListExams(ctx)
	if err != nil {
		t.Fatalf("ListExams: %v", err)
	}
	if len(exams) != 1 {
		t.Errorf("expected 1 exam, got %d", len(exams))
	}
}

func TestImportRejectsInvalidFiles(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `title: x`},
		{"unknown field", `{"title": "x", "kind": "assigned", "colour": "red", "questions": [{"text": "q", "points_possible": 1}]}`},
		{"bad kind", `{"title": "x", "kind": "quiz", "questions": [{"text": "q", "points_possible": 1}]}`},
		{"no questions", `{"title": "x", "kind": "assigned", "questions": []}`},
		{"zero points", `{"title": "x", "kind": "assigned", "questions": [{"text": "q", "points_possible": 0}]}`},
		{"practice without owner", `{"title": "x", "kind": "practice", "questions": [{"text": "q", "points_possible": 1}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, prof := newTestStore(t)
			_, err := Import(context.Background(), s, "bad.json", []byte(tt.data), prof)
			if !apperr.Is(err, apperr.KindValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
			hash, _ := s.GetImportedFileHash(context.Background(), "bad.json")
			if hash != "" {
				t.Errorf("expected failed import not to be recorded, got hash %q", hash)
			}
		})
	}
}

func TestImportUnknownInstructor(t *testing.T) {
	s, prof := newTestStore(t)
	data := `{"title": "x", "kind": "assigned", "instructor": "ghost", "questions": [{"text": "q", "points_possible": 1}]}`
	_, err := Import(context.Background(), s, "ghost.json", []byte(data), prof)
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestFile(t *testing.T) {
	s, prof := newTestStore(t)
	path := filepath.Join(t.TempDir(), "midterm.json")
	if err := os.WriteFile(path, []byte(assignedExam), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	res, err := File(context.Background(), s, path, prof)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if res.ExamID == 0 {
		t.Error("expected exam to be created")
	}
	if _, err := File(context.Background(), s, filepath.Join(t.TempDir(), "missing.json"), prof); err == nil {
		t.Error("expected error for missing file")
	}
}
