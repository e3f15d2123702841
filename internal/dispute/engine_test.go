package dispute

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pavelanni/essayexam/internal/apperr"
	"github.com/pavelanni/essayexam/internal/llm"
	"github.com/pavelanni/essayexam/internal/model"
	"github.com/pavelanni/essayexam/internal/store"
)

type fakeOracle struct {
	question *llm.QuestionVerdict
	attempt  *llm.AttemptVerdict
	err      error
	calls    int
	lastReq  llm.AttemptDisputeRequest
}

func (f *fakeOracle) AdjudicateQuestionDispute(_ context.Context, req llm.QuestionDisputeRequest) (*llm.QuestionVerdict, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	v := *f.question
	return &v, nil
}

func (f *fakeOracle) AdjudicateAttemptDispute(_ context.Context, req llm.AttemptDisputeRequest) (*llm.AttemptVerdict, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	v := *f.attempt
	return &v, nil
}

func (f *fakeOracle) Model() string { return "fake-model" }

type fixture struct {
	store     *store.Store
	student   *model.User
	attemptID int64
	answerIDs []int64
}

// newFixture builds a submitted practice attempt with answers scored 7 and 9
// on two 10-point questions.
func newFixture(t *testing.T, kind model.ExamKind, submit bool) *fixture {
	t.Helper()
	ctx := context.Background()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	sid, err := s.CreateUser(ctx, model.User{Username: "stu", ExternalID: "S-1", PasswordHash: "x", Role: model.UserRoleStudent, Active: true})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	student, _ := s.GetUserByID(ctx, sid)
	exam := model.Exam{Title: "Practice", InstructorID: 99, Kind: kind}
	if kind == model.ExamPractice {
		exam.OwnerExternalID = student.ExternalID
	}
	examID, err := s.InsertExam(ctx, exam)
	if err != nil {
		t.Fatalf("InsertExam: %v", err)
	}
	a, _, err := s.EnsureOpenAttempt(ctx, examID, sid)
	if err != nil {
		t.Fatalf("EnsureOpenAttempt: %v", err)
	}
	f := &fixture{store: s, student: student, attemptID: a.ID}
	for i, score := range []float64{7, 9} {
		qid, err := s.InsertQuestion(ctx, model.Question{ExamID: examID, Position: i + 1, Text: "Q", PointsPossible: 10, Rubric: "r"})
		if err != nil {
			t.Fatalf("InsertQuestion: %v", err)
		}
		sc := score
		aid, err := s.UpsertAnswer(ctx, model.Answer{AttemptID: a.ID, QuestionID: qid, Text: "answer", OracleScore: &sc, OracleFeedback: "ok"})
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

func (f *fixture) scores(t *testing.T) []float64 {
	t.Helper()
	var out []float64
	for _, id := range f.answerIDs {
		a, err := f.store.GetAnswer(context.Background(), id)
		if err != nil {
			t.Fatalf("GetAnswer: %v", err)
		}
		out = append(out, a.EffectiveScore())
	}
	return out
}

func TestAttemptDisputeBlockedByQuestionDispute(t *testing.T) {
	f := newFixture(t, model.ExamPractice, true)
	ctx := context.Background()
	oracle := &fakeOracle{
		question: &llm.QuestionVerdict{Decision: model.DecisionKeep, NewScore: 7},
		attempt:  &llm.AttemptVerdict{Decision: model.DecisionUpdate, NewTotal: 20},
	}
	e := NewEngine(f.store, oracle)

	if _, err := e.DisputeQuestion(ctx, QuestionInput{AttemptID: f.attemptID, QuestionNumber: 1, Argument: "unfair"}, f.student.ID); err != nil {
		t.Fatalf("DisputeQuestion: %v", err)
	}
	calls := oracle.calls

	_, err := e.DisputeAttempt(ctx, AttemptInput{AttemptID: f.attemptID, Argument: "all unfair"}, f.student.ID)
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected Conflict, got %v", err)
	}
	if oracle.calls != calls {
		t.Error("oracle must not be called for a locked attempt")
	}
	if got := f.scores(t); got[0] != 7 || got[1] != 9 {
		t.Errorf("expected scores unchanged, got %v", got)
	}

	lock, err := e.LockState(ctx, f.attemptID, f.student)
	if err != nil {
		t.Fatalf("LockState: %v", err)
	}
	if lock.AttemptDisputeUsed || len(lock.DisputedQuestionNumbers) != 1 || lock.TotalQuestions != 2 {
		t.Errorf("unexpected lock state: %+v", lock)
	}
	if lock.CanDisputeAttempt() || lock.CanDisputeQuestion(1) || !lock.CanDisputeQuestion(2) {
		t.Errorf("unexpected lock permissions: %+v", lock)
	}
}

func TestQuestionDisputeSingleShot(t *testing.T) {
	f := newFixture(t, model.ExamPractice, true)
	ctx := context.Background()
	oracle := &fakeOracle{question: &llm.QuestionVerdict{Decision: model.DecisionUpdate, NewScore: 9, NewFeedback: "better"}}
	e := NewEngine(f.store, oracle)

	res, err := e.DisputeQuestion(ctx, QuestionInput{AttemptID: f.attemptID, QuestionNumber: 1, Argument: "I covered it"}, f.student.ID)
	if err != nil {
		t.Fatalf("DisputeQuestion: %v", err)
	}
	if res.OldScore != 7 || res.NewScore != 9 || res.NewTotal != 18 {
		t.Errorf("unexpected result: old %v new %v total %v", res.OldScore, res.NewScore, res.NewTotal)
	}
	if res.Dispute.ModelName != "fake-model" || res.Dispute.ID == 0 {
		t.Errorf("unexpected dispute record: %+v", res.Dispute)
	}
	if len(res.LockState.DisputedQuestionNumbers) != 1 || res.LockState.DisputedQuestionNumbers[0] != 1 {
		t.Errorf("unexpected lock state: %+v", res.LockState)
	}
	ans, _ := f.store.GetAnswer(ctx, f.answerIDs[0])
	if ans.OracleFeedback != "better" {
		t.Errorf("expected feedback updated, got %q", ans.OracleFeedback)
	}

	_, err = e.DisputeQuestion(ctx, QuestionInput{AttemptID: f.attemptID, QuestionNumber: 1, Argument: "again"}, f.student.ID)
	if !apperr.Is(err, apperr.KindConflict) {
		t.Errorf("expected Conflict for a second dispute, got %v", err)
	}
	if oracle.calls != 1 {
		t.Errorf("expected a single oracle call, got %d", oracle.calls)
	}

	if _, err := e.DisputeQuestion(ctx, QuestionInput{AttemptID: f.attemptID, QuestionNumber: 2, Argument: "q2 too"}, f.student.ID); err != nil {
		t.Errorf("a different question should still be disputable: %v", err)
	}
}

func TestQuestionDisputeBlockedByAttemptDispute(t *testing.T) {
	f := newFixture(t, model.ExamPractice, true)
	ctx := context.Background()
	oracle := &fakeOracle{
		question: &llm.QuestionVerdict{Decision: model.DecisionUpdate, NewScore: 10},
		attempt:  &llm.AttemptVerdict{Decision: model.DecisionKeep, NewTotal: 16},
	}
	e := NewEngine(f.store, oracle)

	res, err := e.DisputeAttempt(ctx, AttemptInput{AttemptID: f.attemptID, Argument: "regrade"}, f.student.ID)
	if err != nil {
		t.Fatalf("DisputeAttempt: %v", err)
	}
	if !res.LockState.AttemptDisputeUsed {
		t.Errorf("expected attempt dispute to be recorded in lock state")
	}

	for _, n := range []int{1, 2} {
		_, err := e.DisputeQuestion(ctx, QuestionInput{AttemptID: f.attemptID, QuestionNumber: n, Argument: "x"}, f.student.ID)
		if !apperr.Is(err, apperr.KindConflict) {
			t.Errorf("question %d: expected Conflict, got %v", n, err)
		}
	}
	if _, err := e.DisputeAttempt(ctx, AttemptInput{AttemptID: f.attemptID, Argument: "again"}, f.student.ID); !apperr.Is(err, apperr.KindConflict) {
		t.Errorf("expected Conflict for a second attempt dispute, got %v", err)
	}
	if oracle.calls != 1 {
		t.Errorf("expected a single oracle call, got %d", oracle.calls)
	}
}

func TestAttemptDisputeKeepStoresSnapshots(t *testing.T) {
	f := newFixture(t, model.ExamPractice, true)
	ctx := context.Background()
	oracle := &fakeOracle{attempt: &llm.AttemptVerdict{Decision: model.DecisionKeep, NewTotal: 16, Explanation: "fair"}}
	e := NewEngine(f.store, oracle)

	res, err := e.DisputeAttempt(ctx, AttemptInput{AttemptID: f.attemptID, Argument: "regrade"}, f.student.ID)
	if err != nil {
		t.Fatalf("DisputeAttempt: %v", err)
	}
	if oracle.lastReq.OldTotal != 16 || len(oracle.lastReq.Items) != 2 {
		t.Errorf("unexpected oracle request: %+v", oracle.lastReq)
	}
	if res.Dispute.OldTotal != 16 || res.Dispute.NewTotal != 16 {
		t.Errorf("unexpected totals: %+v", res.Dispute)
	}
	if res.Dispute.OldResults != res.Dispute.NewResults {
		t.Errorf("keep must leave snapshots equal")
	}
	var snaps []model.ScoreSnapshot
	if err := json.Unmarshal([]byte(res.Dispute.OldResults), &snaps); err != nil {
		t.Fatalf("unmarshal snapshots: %v", err)
	}
	if len(snaps) != 2 || snaps[0].Score != 7 || snaps[1].Score != 9 {
		t.Errorf("unexpected snapshots: %+v", snaps)
	}
	if got := f.scores(t); got[0] != 7 || got[1] != 9 {
		t.Errorf("expected scores unchanged, got %v", got)
	}
}

func TestAttemptDisputeUpdateAppliesChanges(t *testing.T) {
	f := newFixture(t, model.ExamPractice, true)
	ctx := context.Background()
	oracle := &fakeOracle{attempt: &llm.AttemptVerdict{
		Decision: model.DecisionUpdate,
		NewTotal: 18,
		Updates:  []llm.QuestionUpdate{{QuestionNumber: 1, NewScore: 9, NewFeedback: "revised"}},
	}}
	e := NewEngine(f.store, oracle)

	res, err := e.DisputeAttempt(ctx, AttemptInput{AttemptID: f.attemptID, Argument: "regrade"}, f.student.ID)
	if err != nil {
		t.Fatalf("DisputeAttempt: %v", err)
	}
	if got := f.scores(t); got[0] != 9 || got[1] != 9 {
		t.Errorf("expected [9 9], got %v", got)
	}
	var after []model.ScoreSnapshot
	if err := json.Unmarshal([]byte(res.Dispute.NewResults), &after); err != nil {
		t.Fatalf("unmarshal snapshots: %v", err)
	}
	if after[0].Score != 9 || after[0].Feedback != "revised" || after[1].Score != 9 {
		t.Errorf("unexpected after snapshot: %+v", after)
	}

	h, err := e.History(ctx, f.attemptID, f.student)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if h.AttemptDispute == nil || h.AttemptDispute.Decision != model.DecisionUpdate || len(h.QuestionDisputes) != 0 {
		t.Errorf("unexpected history: %+v", h)
	}
}

func TestDisputeUpdateKeepsOverride(t *testing.T) {
	at := time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)

	t.Run("question", func(t *testing.T) {
		f := newFixture(t, model.ExamPractice, true)
		ctx := context.Background()
		f.store.SetClock(func() time.Time { return at })
		if err := f.store.SetOverride(ctx, f.answerIDs[0], 5, "instructor", at); err != nil {
			t.Fatalf("SetOverride: %v", err)
		}
		oracle := &fakeOracle{question: &llm.QuestionVerdict{Decision: model.DecisionUpdate, NewScore: 8, NewFeedback: "better"}}
		e := NewEngine(f.store, oracle)

		res, err := e.DisputeQuestion(ctx, QuestionInput{AttemptID: f.attemptID, QuestionNumber: 1, Argument: "unfair"}, f.student.ID)
		if err != nil {
			t.Fatalf("DisputeQuestion: %v", err)
		}
		if res.OldScore != 5 || res.NewScore != 5 || res.Dispute.NewScore != 5 || res.NewTotal != 14 {
			t.Errorf("expected the override to stay in effect, got %+v", res)
		}
		if got := f.scores(t); got[0] != 5 || got[1] != 9 {
			t.Errorf("expected [5 9], got %v", got)
		}

		h, err := e.History(ctx, f.attemptID, f.student)
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		if len(h.QuestionDisputes) != 1 {
			t.Fatalf("expected 1 question dispute, got %d", len(h.QuestionDisputes))
		}
		stored := h.QuestionDisputes[0]
		if stored.NewScore != 5 || stored.ID != res.Dispute.ID {
			t.Errorf("unexpected stored dispute: %+v", stored)
		}
		if !stored.CreatedAt.Equal(res.Dispute.CreatedAt) || !stored.CreatedAt.Equal(at) {
			t.Errorf("expected created_at %v, got stored %v returned %v", at, stored.CreatedAt, res.Dispute.CreatedAt)
		}
	})

	t.Run("attempt", func(t *testing.T) {
		f := newFixture(t, model.ExamPractice, true)
		ctx := context.Background()
		f.store.SetClock(func() time.Time { return at })
		if err := f.store.SetOverride(ctx, f.answerIDs[0], 5, "instructor", at); err != nil {
			t.Fatalf("SetOverride: %v", err)
		}
		oracle := &fakeOracle{attempt: &llm.AttemptVerdict{
			Decision: model.DecisionUpdate,
			NewTotal: 19,
			Updates:  []llm.QuestionUpdate{{QuestionNumber: 1, NewScore: 10, NewFeedback: "full marks"}},
		}}
		e := NewEngine(f.store, oracle)

		res, err := e.DisputeAttempt(ctx, AttemptInput{AttemptID: f.attemptID, Argument: "regrade"}, f.student.ID)
		if err != nil {
			t.Fatalf("DisputeAttempt: %v", err)
		}
		if got := f.scores(t); got[0] != 5 || got[1] != 9 {
			t.Errorf("expected [5 9], got %v", got)
		}
		if res.Dispute.OldTotal != 14 || res.Dispute.NewTotal != 14 {
			t.Errorf("expected totals 14 -> 14, got %v -> %v", res.Dispute.OldTotal, res.Dispute.NewTotal)
		}
		var after []model.ScoreSnapshot
		if err := json.Unmarshal([]byte(res.Dispute.NewResults), &after); err != nil {
			t.Fatalf("unmarshal snapshots: %v", err)
		}
		if len(after) != 2 || after[0].Score != 5 || after[0].Feedback != "instructor" || after[1].Score != 9 {
			t.Errorf("unexpected after snapshot: %+v", after)
		}

		h, err := e.History(ctx, f.attemptID, f.student)
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		if h.AttemptDispute == nil || h.AttemptDispute.NewTotal != 14 {
			t.Fatalf("unexpected stored dispute: %+v", h.AttemptDispute)
		}
		if !h.AttemptDispute.CreatedAt.Equal(res.Dispute.CreatedAt) || !res.Dispute.CreatedAt.Equal(at) {
			t.Errorf("expected created_at %v, got stored %v returned %v", at, h.AttemptDispute.CreatedAt, res.Dispute.CreatedAt)
		}
	})
}

func TestDisputePreconditions(t *testing.T) {
	ctx := context.Background()
	oracle := &fakeOracle{
		question: &llm.QuestionVerdict{Decision: model.DecisionKeep},
		attempt:  &llm.AttemptVerdict{Decision: model.DecisionKeep},
	}

	t.Run("not submitted", func(t *testing.T) {
		f := newFixture(t, model.ExamPractice, false)
		_, err := NewEngine(f.store, oracle).DisputeQuestion(ctx, QuestionInput{AttemptID: f.attemptID, QuestionNumber: 1, Argument: "x"}, f.student.ID)
		if !apperr.Is(err, apperr.KindConflict) {
			t.Errorf("expected Conflict, got %v", err)
		}
	})
	t.Run("assigned exam", func(t *testing.T) {
		f := newFixture(t, model.ExamAssigned, true)
		_, err := NewEngine(f.store, oracle).DisputeAttempt(ctx, AttemptInput{AttemptID: f.attemptID, Argument: "x"}, f.student.ID)
		if !apperr.Is(err, apperr.KindValidation) {
			t.Errorf("expected Validation, got %v", err)
		}
	})
	t.Run("other student", func(t *testing.T) {
		f := newFixture(t, model.ExamPractice, true)
		_, err := NewEngine(f.store, oracle).DisputeAttempt(ctx, AttemptInput{AttemptID: f.attemptID, Argument: "x"}, f.student.ID+1)
		if !apperr.Is(err, apperr.KindForbidden) {
			t.Errorf("expected Forbidden, got %v", err)
		}
	})
	t.Run("unknown question", func(t *testing.T) {
		f := newFixture(t, model.ExamPractice, true)
		_, err := NewEngine(f.store, oracle).DisputeQuestion(ctx, QuestionInput{AttemptID: f.attemptID, QuestionNumber: 5, Argument: "x"}, f.student.ID)
		if !apperr.Is(err, apperr.KindNotFound) {
			t.Errorf("expected NotFound, got %v", err)
		}
	})
	t.Run("empty argument", func(t *testing.T) {
		f := newFixture(t, model.ExamPractice, true)
		_, err := NewEngine(f.store, oracle).DisputeQuestion(ctx, QuestionInput{AttemptID: f.attemptID, QuestionNumber: 1}, f.student.ID)
		if !apperr.Is(err, apperr.KindValidation) {
			t.Errorf("expected Validation, got %v", err)
		}
	})
	t.Run("oracle failure writes nothing", func(t *testing.T) {
		f := newFixture(t, model.ExamPractice, true)
		failing := &fakeOracle{err: &apperr.Error{Kind: apperr.KindOracleMalformed, Message: "bad"}}
		e := NewEngine(f.store, failing)
		_, err := e.DisputeQuestion(ctx, QuestionInput{AttemptID: f.attemptID, QuestionNumber: 1, Argument: "x"}, f.student.ID)
		if !apperr.Is(err, apperr.KindOracleMalformed) {
			t.Fatalf("expected OracleMalformed, got %v", err)
		}
		lock, _ := e.LockState(ctx, f.attemptID, f.student)
		if len(lock.DisputedQuestionNumbers) != 0 {
			t.Errorf("a failed dispute must not consume the question: %+v", lock)
		}
	})
}

func TestKeepVerdictFromFencedOracleReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		reply := map[string]any{
			"choices": []map[string]any{{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": "```json\n{\"decision\": \"keep\", \"question_score_new\": 9}\n```",
				},
			}},
		}
		_ = json.NewEncoder(w).Encode(reply)
	}))
	defer srv.Close()

	client, err := llm.New(llm.Config{BaseURL: srv.URL + "/v1", APIKey: "k", Model: "grader"})
	if err != nil {
		t.Fatalf("llm.New: %v", err)
	}
	f := newFixture(t, model.ExamPractice, true)
	ctx := context.Background()
	res, err := NewEngine(f.store, client).DisputeQuestion(ctx, QuestionInput{AttemptID: f.attemptID, QuestionNumber: 1, Argument: "deserve 9"}, f.student.ID)
	if err != nil {
		t.Fatalf("DisputeQuestion: %v", err)
	}
	if res.Dispute.Decision != model.DecisionKeep || res.Dispute.NewScore != 7 || res.NewScore != 7 {
		t.Errorf("expected keep with score 7, got %+v", res.Dispute)
	}
	if got := f.scores(t); got[0] != 7 {
		t.Errorf("expected stored score 7, got %v", got[0])
	}
	if res.Dispute.ModelName != "grader" {
		t.Errorf("expected model name recorded, got %q", res.Dispute.ModelName)
	}
}
