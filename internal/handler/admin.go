package handler

import (
	"io"
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/essayexam/internal/apperr"
	appI18n "github.com/pavelanni/essayexam/internal/i18n"
	"github.com/pavelanni/essayexam/internal/importer"
	"github.com/pavelanni/essayexam/internal/model"
)

const maxUploadBytes = 10 << 20

type createUserRequest struct {
	Username    string         `json:"username" validate:"required,max=100"`
	DisplayName string         `json:"display_name" validate:"max=200"`
	ExternalID  string         `json:"external_id" validate:"max=100"`
	Password    string         `json:"password" validate:"required,min=8"`
	Role        model.UserRole `json:"role" validate:"required,oneof=student instructor admin"`
}

type uploadResponse struct {
	*importer.Result
	Message string `json:"message"`
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := apperr.Struct("user", req); err != nil {
		writeError(w, r, err)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		slog.Error("failed to hash password", "error", err)
		writeError(w, r, err)
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = req.Username
	}

	id, err := h.store.CreateUser(r.Context(), model.User{
		Username:     req.Username,
		DisplayName:  req.DisplayName,
		ExternalID:   req.ExternalID,
		PasswordHash: string(hash),
		Role:         req.Role,
		Active:       true,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	user, err := h.store.GetUserByID(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("created user", "user_id", id, "role", user.Role)
	writeJSON(w, http.StatusCreated, user)
}

func (h *Handler) handleUploadExam(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, r, apperr.Validation("upload", "file too large or malformed form"))
		return
	}

	file, header, err := r.FormFile("exam_file")
	if err != nil {
		writeError(w, r, apperr.Validation("upload", "no file uploaded"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, apperr.Validation("upload", "failed to read file"))
		return
	}

	res, err := importer.Import(r.Context(), h.store, header.Filename, data, model.UserFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if res.Skipped {
		writeJSON(w, http.StatusOK, uploadResponse{Result: res, Message: appI18n.T(r.Context(), "ImportDuplicate")})
		return
	}
	slog.Info("uploaded exam via admin", "filename", header.Filename, "exam_id", res.ExamID, "questions", res.Questions)
	writeJSON(w, http.StatusCreated, uploadResponse{Result: res, Message: appI18n.Tp(r.Context(), "QuestionsImported", res.Questions)})
}
