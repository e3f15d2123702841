// Package handler exposes the exam services as a JSON API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/essayexam/internal/apperr"
	"github.com/pavelanni/essayexam/internal/attempt"
	"github.com/pavelanni/essayexam/internal/dispute"
	appI18n "github.com/pavelanni/essayexam/internal/i18n"
	"github.com/pavelanni/essayexam/internal/model"
	"github.com/pavelanni/essayexam/internal/review"
	"github.com/pavelanni/essayexam/internal/store"
)

const maxBodyBytes = 1 << 20

// Config holds HTTP-level settings.
type Config struct {
	// BasePath is the URL prefix for sub-path deployments, without a trailing slash.
	BasePath      string
	SecureCookies bool
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store    *store.Store
	tracker  *attempt.Tracker
	disputes *dispute.Engine
	reviews  *review.Queue
	config   Config
}

// New creates a new Handler.
func New(s *store.Store, t *attempt.Tracker, d *dispute.Engine, q *review.Queue, cfg Config) *Handler {
	return &Handler{store: s, tracker: t, disputes: d, reviews: q, config: cfg}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Post("/api/login", h.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)
		r.Use(h.csrfMiddleware)

		r.Post("/api/logout", h.handleLogout)
		r.Get("/api/me", h.handleMe)
		r.Get("/api/attempts/{attemptID}/progress", h.handleProgress)
		r.Get("/api/attempts/{attemptID}/disputes", h.handleDisputeHistory)
		r.Get("/api/attempts/{attemptID}/reviews", h.handleAttemptReviews)

		r.Group(func(r chi.Router) {
			r.Use(requireRole(model.UserRoleStudent))
			r.Post("/api/exams/{examID}/attempts", h.handleStartAttempt)
			r.Put("/api/attempts/{attemptID}/answers/{questionID}", h.handleAnswer)
			r.Post("/api/attempts/{attemptID}/submit", h.handleSubmit)
			r.Post("/api/attempts/{attemptID}/disputes/questions/{number}", h.handleDisputeQuestion)
			r.Post("/api/attempts/{attemptID}/disputes/attempt", h.handleDisputeAttempt)
			r.Post("/api/attempts/{attemptID}/reviews", h.handleSubmitReview)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireRole(model.UserRoleInstructor, model.UserRoleAdmin))
			r.Post("/api/exams/{examID}/assign", h.handleAssign)
			r.Post("/api/exams/{examID}/sweep", h.handleSweepExam)
			r.Post("/api/attempts/{attemptID}/grade", h.handleGradePending)
			r.Put("/api/answers/{answerID}/override", h.handleOverride)
			r.Get("/api/reviews/pending", h.handlePendingReviews)
			r.Post("/api/reviews/{disputeID}/resolve", h.handleResolveReview)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireRole(model.UserRoleAdmin))
			r.Post("/api/admin/users", h.handleCreateUser)
			r.Post("/api/admin/exams", h.handleUploadExam)
		})
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		slog.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.UserFromContext(r.Context()))
}

// path prefixes p with the configured base path.
func (h *Handler) path(p string) string {
	return h.config.BasePath + p
}

func (h *Handler) cookiePath() string {
	return h.path("/")
}

type errorResponse struct {
	Error     apperr.Kind `json:"error"`
	Message   string      `json:"message"`
	Detail    string      `json:"detail,omitempty"`
	Retryable bool        `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// writeError maps an error kind to a status code and a localized message.
// Oracle and internal failures never expose their cause to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	resp := errorResponse{Error: apperr.KindOf(err)}
	var status int
	switch resp.Error {
	case apperr.KindNotFound:
		status, resp.Message, resp.Detail = http.StatusNotFound, appI18n.T(ctx, "NotFound"), err.Error()
	case apperr.KindConflict:
		status, resp.Message, resp.Detail = http.StatusConflict, appI18n.T(ctx, "Conflict"), err.Error()
	case apperr.KindValidation:
		status, resp.Message, resp.Detail = http.StatusBadRequest, appI18n.T(ctx, "ValidationFailed"), err.Error()
	case apperr.KindForbidden:
		status, resp.Message, resp.Detail = http.StatusForbidden, appI18n.T(ctx, "Forbidden"), err.Error()
	case apperr.KindOracleUnavailable:
		if apperr.IsRetryable(err) {
			status, resp.Message, resp.Retryable = http.StatusServiceUnavailable, appI18n.T(ctx, "OracleUnavailable"), true
			w.Header().Set("Retry-After", "30")
		} else {
			status, resp.Message = http.StatusBadGateway, appI18n.T(ctx, "OracleRejected")
		}
		slog.Warn("oracle unavailable", "path", r.URL.Path, "error", err)
	case apperr.KindOracleMalformed:
		status, resp.Message = http.StatusBadGateway, appI18n.T(ctx, "OracleMalformed")
		slog.Warn("oracle reply malformed", "path", r.URL.Path, "error", err)
	default:
		status, resp.Message = http.StatusInternalServerError, appI18n.T(ctx, "InternalError")
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, resp)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return apperr.Validation("request", "request body too large")
		}
		return apperr.Validation("request", fmt.Sprintf("invalid JSON: %v", err))
	}
	return nil
}

func idParam(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation(name, "invalid identifier")
	}
	return id, nil
}

// viewAttempt loads an attempt the user owns or whose exam they manage.
func (h *Handler) viewAttempt(ctx context.Context, attemptID int64, u *model.User) (*model.Attempt, *model.Exam, error) {
	a, err := h.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, nil, err
	}
	exam, err := h.store.GetExam(ctx, a.ExamID)
	if err != nil {
		return nil, nil, err
	}
	if a.StudentID != u.ID && !exam.CanManage(u) {
		return nil, nil, apperr.Forbidden("attempt", "attempt belongs to another student")
	}
	return a, exam, nil
}

// manageExam loads an exam the user may administer.
func (h *Handler) manageExam(ctx context.Context, examID int64, u *model.User) (*model.Exam, error) {
	exam, err := h.store.GetExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	if !exam.CanManage(u) {
		return nil, apperr.Forbidden("exam", "exam belongs to another instructor")
	}
	return exam, nil
}
