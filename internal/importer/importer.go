// Package importer loads exam definitions from JSON files into the store.
package importer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/pavelanni/essayexam/internal/apperr"
	"github.com/pavelanni/essayexam/internal/model"
	"github.com/pavelanni/essayexam/internal/store"
)

// ExamFile is the on-disk exam format.
type ExamFile struct {
	Title string         `json:"title" validate:"required,max=500"`
	Kind  model.ExamKind `json:"kind" validate:"required,oneof=practice assigned"`
	// Instructor is a username; empty means the importing user.
	Instructor          string           `json:"instructor"`
	OwnerExternalID     string           `json:"owner_external_id"`
	TimeLimitMinutes    int              `json:"time_limit_minutes" validate:"gte=0"`
	DueDate             *time.Time       `json:"due_date"`
	PreventTabSwitching bool             `json:"prevent_tab_switching"`
	Questions           []QuestionImport `json:"questions" validate:"required,min=1,dive"`
}

// QuestionImport is one question of an ExamFile.
type QuestionImport struct {
	Text           string          `json:"text" validate:"required"`
	BackgroundInfo string          `json:"background_info"`
	DomainInfo     string          `json:"domain_info"`
	PointsPossible float64         `json:"points_possible" validate:"gt=0"`
	Rubric         json.RawMessage `json:"rubric"`
}

// Result describes one import.
type Result struct {
	ExamID    int64 `json:"exam_id,omitempty"`
	Questions int   `json:"questions"`
	// Skipped is set when the file was imported before.
	Skipped bool `json:"skipped"`
}

// File reads path and imports it, keyed by path for change detection.
func File(ctx context.Context, s *store.Store, path string, importer *model.User) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Import(ctx, s, path, data, importer)
}

// Import stores the exam in data unless a file with the same name was already
// imported. A changed file under a known name is skipped with a warning so that
// existing attempts keep their questions.
func Import(ctx context.Context, s *store.Store, name string, data []byte, importer *model.User) (*Result, error) {
	hash := sha256sum(data)
	stored, err := s.GetImportedFileHash(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("check import status for %s: %w", name, err)
	}
	if stored == hash {
		slog.Info("exam file unchanged, skipping", "name", name)
		return &Result{Skipped: true}, nil
	}
	if stored != "" {
		slog.Warn("exam file changed since last import, skipping to avoid breaking existing attempts", "name", name)
		return &Result{Skipped: true}, nil
	}

	var f ExamFile
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return nil, apperr.Validation("exam file", fmt.Sprintf("parse %s: %v", name, err))
	}
	if err := apperr.Struct("exam file", f); err != nil {
		return nil, err
	}

	instructorID, err := resolveInstructor(ctx, s, f.Instructor, importer)
	if err != nil {
		return nil, err
	}
	if f.Kind == model.ExamPractice && f.OwnerExternalID == "" {
		return nil, apperr.Validation("exam file", "practice exams need owner_external_id")
	}

	res := &Result{Questions: len(f.Questions)}
	err = s.WithTx(ctx, func(tx *store.Store) error {
		examID, err := tx.InsertExam(ctx, model.Exam{
			Title:               f.Title,
			InstructorID:        instructorID,
			Kind:                f.Kind,
			OwnerExternalID:     f.OwnerExternalID,
			TimeLimitMinutes:    f.TimeLimitMinutes,
			DueDate:             f.DueDate,
			PreventTabSwitching: f.PreventTabSwitching,
		})
		if err != nil {
			return err
		}
		res.ExamID = examID
		for i, q := range f.Questions {
			_, err := tx.InsertQuestion(ctx, model.Question{
				ExamID:         examID,
				Position:       i + 1,
				Text:           q.Text,
				BackgroundInfo: q.BackgroundInfo,
				DomainInfo:     q.DomainInfo,
				PointsPossible: q.PointsPossible,
				Rubric:         rubricText(q.Rubric),
			})
			if err != nil {
				return fmt.Errorf("insert question %d: %w", i+1, err)
			}
		}
		return tx.SetImportedFileHash(ctx, name, hash)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("imported exam", "name", name, "exam_id", res.ExamID, "questions", res.Questions)
	return res, nil
}

func resolveInstructor(ctx context.Context, s *store.Store, username string, importer *model.User) (int64, error) {
	if username == "" {
		if importer == nil {
			return 0, apperr.Validation("exam file", "instructor is required")
		}
		return importer.ID, nil
	}
	u, err := s.GetUserByUsername(ctx, username)
	if err != nil {
		return 0, err
	}
	if u.Role != model.UserRoleInstructor && u.Role != model.UserRoleAdmin {
		return 0, apperr.Validation("exam file", fmt.Sprintf("%s is not an instructor", username))
	}
	return u.ID, nil
}

// rubricText keeps string rubrics as plain text and any other JSON verbatim.
func rubricText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return string(raw)
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
