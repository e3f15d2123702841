package handler

import (
	"net/http"

	"github.com/pavelanni/essayexam/internal/apperr"
	"github.com/pavelanni/essayexam/internal/attempt"
	"github.com/pavelanni/essayexam/internal/model"
	"github.com/pavelanni/essayexam/internal/review"
)

type assignRequest struct {
	StudentIDs []int64 `json:"student_ids"`
}

type overrideRequest struct {
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback"`
}

type resolveRequest struct {
	Decision model.ReviewDecision `json:"decision"`
	Response string               `json:"response"`
}

type sweepResponse struct {
	Reports []attempt.SweepReport `json:"reports"`
}

func (h *Handler) handleAssign(w http.ResponseWriter, r *http.Request) {
	examID, err := idParam(r, "examID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req assignRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	attempts, err := h.tracker.Assign(r.Context(), examID, model.UserFromContext(r.Context()), req.StudentIDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (h *Handler) handleSweepExam(w http.ResponseWriter, r *http.Request) {
	examID, err := idParam(r, "examID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := h.manageExam(r.Context(), examID, model.UserFromContext(r.Context())); err != nil {
		writeError(w, r, err)
		return
	}
	reports, err := h.tracker.SweepExam(r.Context(), examID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if reports == nil {
		reports = []attempt.SweepReport{}
	}
	writeJSON(w, http.StatusOK, sweepResponse{Reports: reports})
}

func (h *Handler) handleGradePending(w http.ResponseWriter, r *http.Request) {
	attemptID, err := idParam(r, "attemptID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	user := model.UserFromContext(r.Context())
	_, exam, err := h.viewAttempt(r.Context(), attemptID, user)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !exam.CanManage(user) {
		writeError(w, r, apperr.Forbidden("exam", "exam belongs to another instructor"))
		return
	}
	report, err := h.tracker.GradePending(r.Context(), attemptID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleOverride(w http.ResponseWriter, r *http.Request) {
	answerID, err := idParam(r, "answerID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req overrideRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ans, err := h.tracker.OverrideScore(r.Context(), attempt.OverrideInput{
		AnswerID: answerID,
		Score:    req.Score,
		Feedback: req.Feedback,
	}, model.UserFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

func (h *Handler) handlePendingReviews(w http.ResponseWriter, r *http.Request) {
	items, err := h.reviews.ListPending(r.Context(), model.UserFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) handleResolveReview(w http.ResponseWriter, r *http.Request) {
	disputeID, err := idParam(r, "disputeID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req resolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	d, err := h.reviews.Resolve(r.Context(), review.ResolveInput{
		DisputeID: disputeID,
		Decision:  req.Decision,
		Response:  req.Response,
	}, model.UserFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
