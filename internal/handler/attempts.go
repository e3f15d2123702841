package handler

import (
	"net/http"

	"github.com/pavelanni/essayexam/internal/attempt"
	"github.com/pavelanni/essayexam/internal/model"
)

type answerRequest struct {
	Text         string `json:"text"`
	SecondsSpent int    `json:"seconds_spent"`
}

type answerResponse struct {
	Answer *model.Answer `json:"answer"`
}

func (h *Handler) handleStartAttempt(w http.ResponseWriter, r *http.Request) {
	examID, err := idParam(r, "examID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	a, err := h.tracker.StartOrResume(r.Context(), examID, model.UserFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) handleAnswer(w http.ResponseWriter, r *http.Request) {
	attemptID, err := idParam(r, "attemptID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	questionID, err := idParam(r, "questionID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req answerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	user := model.UserFromContext(r.Context())
	ans, err := h.tracker.RecordAnswer(r.Context(), attempt.AnswerInput{
		AttemptID:    attemptID,
		QuestionID:   questionID,
		Text:         req.Text,
		SecondsSpent: req.SecondsSpent,
	}, user.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, answerResponse{Answer: ans})
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	attemptID, err := idParam(r, "attemptID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	a, err := h.tracker.Submit(r.Context(), attemptID, model.UserFromContext(r.Context()).ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) handleProgress(w http.ResponseWriter, r *http.Request) {
	attemptID, err := idParam(r, "attemptID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if _, _, err := h.viewAttempt(r.Context(), attemptID, model.UserFromContext(r.Context())); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := h.tracker.Progress(r.Context(), attemptID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
