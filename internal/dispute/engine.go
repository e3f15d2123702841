// Package dispute adjudicates practice-exam grade disputes with the oracle.
//
// An attempt may collect any number of question disputes (one per question)
// or a single whole-attempt dispute, never both.
package dispute

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pavelanni/essayexam/internal/apperr"
	"github.com/pavelanni/essayexam/internal/llm"
	"github.com/pavelanni/essayexam/internal/model"
	"github.com/pavelanni/essayexam/internal/store"
)

// Adjudicator rules on disputes.
type Adjudicator interface {
	AdjudicateQuestionDispute(ctx context.Context, req llm.QuestionDisputeRequest) (*llm.QuestionVerdict, error)
	AdjudicateAttemptDispute(ctx context.Context, req llm.AttemptDisputeRequest) (*llm.AttemptVerdict, error)
	Model() string
}

// Engine runs practice disputes.
type Engine struct {
	store  *store.Store
	oracle Adjudicator
}

// NewEngine creates an Engine.
func NewEngine(s *store.Store, oracle Adjudicator) *Engine {
	return &Engine{store: s, oracle: oracle}
}

// QuestionInput disputes one question of an attempt, numbered from 1.
type QuestionInput struct {
	AttemptID      int64  `json:"attempt_id" validate:"required"`
	QuestionNumber int    `json:"question_number" validate:"gte=1"`
	Argument       string `json:"argument" validate:"required,max=10000"`
}

// AttemptInput disputes a whole attempt.
type AttemptInput struct {
	AttemptID int64  `json:"attempt_id" validate:"required"`
	Argument  string `json:"argument" validate:"required,max=10000"`
}

// QuestionResult is the outcome of a question dispute.
type QuestionResult struct {
	Dispute   model.QuestionDispute `json:"dispute"`
	OldScore  float64               `json:"old_score"`
	NewScore  float64               `json:"new_score"`
	NewTotal  float64               `json:"new_total"`
	LockState model.LockState       `json:"lock_state"`
}

// AttemptResult is the outcome of a whole-attempt dispute.
type AttemptResult struct {
	Dispute   model.AttemptDispute `json:"dispute"`
	LockState model.LockState      `json:"lock_state"`
}

// History lists the disputes recorded on an attempt.
type History struct {
	QuestionDisputes []model.QuestionDispute `json:"question_disputes"`
	AttemptDispute   *model.AttemptDispute   `json:"attempt_dispute,omitempty"`
}

// LockState reports which dispute targets remain open on the attempt.
func (e *Engine) LockState(ctx context.Context, attemptID int64, u *model.User) (model.LockState, error) {
	if _, _, err := e.viewable(ctx, attemptID, u); err != nil {
		return model.LockState{}, err
	}
	return lockState(ctx, e.store, attemptID)
}

func lockState(ctx context.Context, s *store.Store, attemptID int64) (model.LockState, error) {
	a, err := s.GetAttempt(ctx, attemptID)
	if err != nil {
		return model.LockState{}, err
	}
	used, err := s.HasAttemptDispute(ctx, a.ID)
	if err != nil {
		return model.LockState{}, err
	}
	nums, err := s.DisputedQuestionNumbers(ctx, a.ID)
	if err != nil {
		return model.LockState{}, err
	}
	total, err := s.CountQuestions(ctx, a.ExamID)
	if err != nil {
		return model.LockState{}, err
	}
	return model.LockState{AttemptDisputeUsed: used, DisputedQuestionNumbers: nums, TotalQuestions: total}, nil
}

// DisputeQuestion asks the oracle to re-grade one question. The answer's oracle
// score changes only when the verdict is update.
func (e *Engine) DisputeQuestion(ctx context.Context, in QuestionInput, studentID int64) (*QuestionResult, error) {
	if err := apperr.Struct("dispute", in); err != nil {
		return nil, err
	}
	a, _, err := e.practiceAttempt(ctx, in.AttemptID, studentID)
	if err != nil {
		return nil, err
	}
	lock, err := lockState(ctx, e.store, a.ID)
	if err != nil {
		return nil, err
	}
	if err := checkQuestionLock(lock, in.QuestionNumber); err != nil {
		return nil, err
	}

	questions, err := e.store.ListQuestions(ctx, a.ExamID)
	if err != nil {
		return nil, err
	}
	q, ok := questionAt(questions, in.QuestionNumber)
	if !ok {
		return nil, apperr.NotFound("question", in.QuestionNumber)
	}
	ans, err := e.store.FindAnswer(ctx, a.ID, q.ID)
	if err != nil {
		return nil, err
	}
	if ans == nil {
		return nil, apperr.Validation("dispute", "question was not answered")
	}

	oldScore := ans.EffectiveScore()
	verdict, err := e.oracle.AdjudicateQuestionDispute(ctx, llm.QuestionDisputeRequest{
		Question:       q,
		QuestionNumber: in.QuestionNumber,
		AnswerText:     ans.Text,
		OldScore:       oldScore,
		OldFeedback:    ans.EffectiveFeedback(),
		Argument:       in.Argument,
	})
	if err != nil {
		return nil, err
	}

	d := model.QuestionDispute{
		AnswerID:       ans.ID,
		AttemptID:      a.ID,
		QuestionID:     q.ID,
		Argument:       in.Argument,
		Decision:       verdict.Decision,
		OldScore:       oldScore,
		NewScore:       verdict.NewScore,
		NewFeedback:    verdict.NewFeedback,
		Justification:  verdict.Justification,
		EvidenceQuotes: marshal(verdict.EvidenceQuotes),
		RawVerdict:     verdict.Raw,
		ModelName:      e.oracle.Model(),
	}
	res := &QuestionResult{OldScore: oldScore, NewScore: oldScore}
	err = e.store.WithTx(ctx, func(tx *store.Store) error {
		lock, err := lockState(ctx, tx, a.ID)
		if err != nil {
			return err
		}
		if err := checkQuestionLock(lock, in.QuestionNumber); err != nil {
			return err
		}
		if verdict.Decision == model.DecisionUpdate {
			if err := tx.SetOracleScore(ctx, ans.ID, verdict.NewScore, verdict.NewFeedback); err != nil {
				return err
			}
		}
		updated, err := tx.GetAnswer(ctx, ans.ID)
		if err != nil {
			return err
		}
		// An instructor override outranks the oracle; record the score in effect.
		d.NewScore = updated.EffectiveScore()
		id, err := tx.InsertQuestionDispute(ctx, d)
		if err != nil {
			return err
		}
		stored, err := tx.GetQuestionDispute(ctx, id)
		if err != nil {
			return err
		}
		res.Dispute = *stored
		res.NewScore = stored.NewScore
		if res.NewTotal, err = effectiveTotal(ctx, tx, a.ID); err != nil {
			return err
		}
		res.LockState, err = lockState(ctx, tx, a.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if verdict.Decision == model.DecisionUpdate && res.NewScore != verdict.NewScore {
		slog.Info("dispute update masked by instructor override", "attempt_id", a.ID,
			"question_number", in.QuestionNumber, "oracle_score", verdict.NewScore, "score", res.NewScore)
	}
	slog.Info("question dispute adjudicated", "attempt_id", a.ID, "question_number", in.QuestionNumber,
		"decision", verdict.Decision, "old_score", oldScore, "new_score", res.NewScore)
	return res, nil
}

// DisputeAttempt asks the oracle to re-grade the whole attempt. Per-question
// changes are applied only when the verdict is update; the before and after
// snapshots are stored either way.
func (e *Engine) DisputeAttempt(ctx context.Context, in AttemptInput, studentID int64) (*AttemptResult, error) {
	if err := apperr.Struct("dispute", in); err != nil {
		return nil, err
	}
	a, _, err := e.practiceAttempt(ctx, in.AttemptID, studentID)
	if err != nil {
		return nil, err
	}
	lock, err := lockState(ctx, e.store, a.ID)
	if err != nil {
		return nil, err
	}
	if err := checkAttemptLock(lock); err != nil {
		return nil, err
	}

	questions, err := e.store.ListQuestions(ctx, a.ExamID)
	if err != nil {
		return nil, err
	}
	answers, err := e.store.ListAnswers(ctx, a.ID)
	if err != nil {
		return nil, err
	}

	req := llm.AttemptDisputeRequest{Argument: in.Argument}
	before := make([]model.ScoreSnapshot, 0, len(questions))
	for _, q := range questions {
		ans := answers[q.ID]
		item := llm.AttemptDisputeItem{
			Number:     q.Position,
			Question:   q,
			AnswerText: ans.Text,
			Score:      ans.EffectiveScore(),
			Feedback:   ans.EffectiveFeedback(),
		}
		req.Items = append(req.Items, item)
		req.OldTotal += item.Score
		before = append(before, snapshot(q, ans))
	}

	verdict, err := e.oracle.AdjudicateAttemptDispute(ctx, req)
	if err != nil {
		return nil, err
	}

	updates := map[int]llm.QuestionUpdate{}
	if verdict.Decision == model.DecisionUpdate {
		for _, u := range verdict.Updates {
			updates[u.QuestionNumber] = u
		}
	}

	d := model.AttemptDispute{
		AttemptID:   a.ID,
		Argument:    in.Argument,
		Decision:    verdict.Decision,
		Explanation: verdict.Explanation,
		OldTotal:    req.OldTotal,
		OldResults:  marshal(before),
		RawVerdict:  verdict.Raw,
		ModelName:   e.oracle.Model(),
	}
	res := &AttemptResult{}
	err = e.store.WithTx(ctx, func(tx *store.Store) error {
		lock, err := lockState(ctx, tx, a.ID)
		if err != nil {
			return err
		}
		if err := checkAttemptLock(lock); err != nil {
			return err
		}
		for _, q := range questions {
			u, ok := updates[q.Position]
			if !ok {
				continue
			}
			if ans, answered := answers[q.ID]; answered {
				err = tx.SetOracleScore(ctx, ans.ID, u.NewScore, u.NewFeedback)
			} else {
				score := u.NewScore
				_, err = tx.UpsertAnswer(ctx, model.Answer{
					AttemptID: a.ID, QuestionID: q.ID, OracleScore: &score, OracleFeedback: u.NewFeedback,
				})
			}
			if err != nil {
				return err
			}
		}

		// The after snapshot reflects stored scores, so overrides stay in effect.
		current, err := tx.ListAnswers(ctx, a.ID)
		if err != nil {
			return err
		}
		after := make([]model.ScoreSnapshot, 0, len(questions))
		for _, q := range questions {
			snap := snapshot(q, current[q.ID])
			d.NewTotal += snap.Score
			after = append(after, snap)
		}
		d.NewResults = marshal(after)

		id, err := tx.InsertAttemptDispute(ctx, d)
		if err != nil {
			return err
		}
		stored, err := tx.GetAttemptDispute(ctx, a.ID)
		if err != nil {
			return err
		}
		if stored == nil || stored.ID != id {
			return fmt.Errorf("attempt dispute %d not found after insert", id)
		}
		res.Dispute = *stored
		res.LockState, err = lockState(ctx, tx, a.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if verdict.Decision == model.DecisionUpdate && d.NewTotal != verdict.NewTotal {
		slog.Info("dispute updates masked by instructor overrides", "attempt_id", a.ID,
			"oracle_total", verdict.NewTotal, "total", d.NewTotal)
	}
	slog.Info("attempt dispute adjudicated", "attempt_id", a.ID, "decision", verdict.Decision,
		"old_total", d.OldTotal, "new_total", d.NewTotal, "updates", len(updates))
	return res, nil
}

// History returns the disputes recorded on the attempt.
func (e *Engine) History(ctx context.Context, attemptID int64, u *model.User) (*History, error) {
	if _, _, err := e.viewable(ctx, attemptID, u); err != nil {
		return nil, err
	}
	qds, err := e.store.ListQuestionDisputes(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	ad, err := e.store.GetAttemptDispute(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	return &History{QuestionDisputes: qds, AttemptDispute: ad}, nil
}

// practiceAttempt loads a submitted practice attempt owned by studentID.
func (e *Engine) practiceAttempt(ctx context.Context, attemptID, studentID int64) (*model.Attempt, *model.Exam, error) {
	a, err := e.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, nil, err
	}
	if a.StudentID != studentID {
		return nil, nil, apperr.Forbidden("attempt", "attempt belongs to another student")
	}
	exam, err := e.store.GetExam(ctx, a.ExamID)
	if err != nil {
		return nil, nil, err
	}
	if !exam.IsPractice() {
		return nil, nil, apperr.Validation("dispute", "assigned exam disputes are reviewed by the instructor")
	}
	if a.Phase() != model.PhaseSubmitted {
		return nil, nil, apperr.Conflict("attempt", "attempt must be submitted before it can be disputed")
	}
	return a, exam, nil
}

func (e *Engine) viewable(ctx context.Context, attemptID int64, u *model.User) (*model.Attempt, *model.Exam, error) {
	a, err := e.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, nil, err
	}
	exam, err := e.store.GetExam(ctx, a.ExamID)
	if err != nil {
		return nil, nil, err
	}
	if u == nil || (a.StudentID != u.ID && !exam.CanManage(u)) {
		return nil, nil, apperr.Forbidden("attempt", "attempt belongs to another student")
	}
	return a, exam, nil
}

func checkQuestionLock(lock model.LockState, n int) error {
	if lock.AttemptDisputeUsed {
		return apperr.Conflict("dispute", "the whole attempt has already been disputed")
	}
	if !lock.CanDisputeQuestion(n) {
		return apperr.Conflict("dispute", fmt.Sprintf("question %d has already been disputed", n))
	}
	return nil
}

func checkAttemptLock(lock model.LockState) error {
	if lock.AttemptDisputeUsed {
		return apperr.Conflict("dispute", "the whole attempt has already been disputed")
	}
	if len(lock.DisputedQuestionNumbers) > 0 {
		return apperr.Conflict("dispute", "individual questions have already been disputed")
	}
	return nil
}

func questionAt(qs []model.Question, n int) (model.Question, bool) {
	for _, q := range qs {
		if q.Position == n {
			return q, true
		}
	}
	return model.Question{}, false
}

func effectiveTotal(ctx context.Context, s *store.Store, attemptID int64) (float64, error) {
	answers, err := s.ListAnswers(ctx, attemptID)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, a := range answers {
		total += a.EffectiveScore()
	}
	return total, nil
}

func snapshot(q model.Question, ans model.Answer) model.ScoreSnapshot {
	return model.ScoreSnapshot{
		QuestionNumber: q.Position,
		QuestionID:     q.ID,
		Score:          ans.EffectiveScore(),
		PointsPossible: q.PointsPossible,
		Feedback:       ans.EffectiveFeedback(),
	}
}

func marshal(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
