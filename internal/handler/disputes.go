package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/essayexam/internal/apperr"
	"github.com/pavelanni/essayexam/internal/dispute"
	"github.com/pavelanni/essayexam/internal/model"
	"github.com/pavelanni/essayexam/internal/review"
)

type argumentRequest struct {
	Argument string `json:"argument"`
}

type reviewRequest struct {
	QuestionNumber *int   `json:"question_number"`
	Argument       string `json:"argument"`
}

type disputeHistoryResponse struct {
	*dispute.History
	LockState model.LockState `json:"lock_state"`
}

type attemptReviewsResponse struct {
	Disputes  []model.AssignedDispute `json:"disputes"`
	LockState model.LockState         `json:"lock_state"`
}

func (h *Handler) handleDisputeQuestion(w http.ResponseWriter, r *http.Request) {
	attemptID, err := idParam(r, "attemptID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil {
		writeError(w, r, apperr.Validation("question", "invalid question number"))
		return
	}
	var req argumentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.disputes.DisputeQuestion(r.Context(), dispute.QuestionInput{
		AttemptID:      attemptID,
		QuestionNumber: number,
		Argument:       req.Argument,
	}, model.UserFromContext(r.Context()).ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleDisputeAttempt(w http.ResponseWriter, r *http.Request) {
	attemptID, err := idParam(r, "attemptID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req argumentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.disputes.DisputeAttempt(r.Context(), dispute.AttemptInput{
		AttemptID: attemptID,
		Argument:  req.Argument,
	}, model.UserFromContext(r.Context()).ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleDisputeHistory(w http.ResponseWriter, r *http.Request) {
	attemptID, err := idParam(r, "attemptID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	user := model.UserFromContext(r.Context())
	hist, err := h.disputes.History(r.Context(), attemptID, user)
	if err != nil {
		writeError(w, r, err)
		return
	}
	lock, err := h.disputes.LockState(r.Context(), attemptID, user)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, disputeHistoryResponse{History: hist, LockState: lock})
}

func (h *Handler) handleSubmitReview(w http.ResponseWriter, r *http.Request) {
	attemptID, err := idParam(r, "attemptID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req reviewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	d, err := h.reviews.Submit(r.Context(), review.SubmitInput{
		AttemptID:      attemptID,
		QuestionNumber: req.QuestionNumber,
		Argument:       req.Argument,
	}, model.UserFromContext(r.Context()).ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (h *Handler) handleAttemptReviews(w http.ResponseWriter, r *http.Request) {
	attemptID, err := idParam(r, "attemptID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	user := model.UserFromContext(r.Context())
	ds, err := h.reviews.ListForAttempt(r.Context(), attemptID, user)
	if err != nil {
		writeError(w, r, err)
		return
	}
	lock, err := h.reviews.LockState(r.Context(), attemptID, user)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, attemptReviewsResponse{Disputes: ds, LockState: lock})
}
