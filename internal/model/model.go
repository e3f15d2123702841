package model

import (
	"context"
	"time"
)

// UserRole represents a user's access level.
type UserRole string

const (
	// UserRoleStudent is a student user role.
	UserRoleStudent UserRole = "student"
	// UserRoleInstructor is an instructor user role.
	UserRoleInstructor UserRole = "instructor"
	// UserRoleAdmin is an admin user role.
	UserRoleAdmin UserRole = "admin"
)

// User represents a system user.
type User struct {
	ID           int64     `db:"id" json:"id"`
	Username     string    `db:"username" json:"username"`
	DisplayName  string    `db:"display_name" json:"display_name"`
	ExternalID   string    `db:"external_id" json:"external_id"`
	PasswordHash string    `db:"password_hash" json:"-"`
	Role         UserRole  `db:"role" json:"role"`
	Active       bool      `db:"active" json:"active"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// AuthSession represents an authentication session.
type AuthSession struct {
	ID        string    `db:"id"`
	UserID    int64     `db:"user_id"`
	CreatedAt time.Time `db:"created_at"`
	ExpiresAt time.Time `db:"expires_at"`
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

// ExamKind distinguishes self-generated practice exams from instructor-assigned ones.
type ExamKind string

const (
	ExamPractice ExamKind = "practice"
	ExamAssigned ExamKind = "assigned"
)

// Exam is read-only to the core; it is authored elsewhere.
type Exam struct {
	ID           int64    `db:"id" json:"id"`
	Title        string   `db:"title" json:"title"`
	InstructorID int64    `db:"instructor_id" json:"instructor_id"`
	Kind         ExamKind `db:"kind" json:"kind"`
	// OwnerExternalID is the owning student's external id for practice exams, empty otherwise.
	OwnerExternalID     string     `db:"owner_external_id" json:"owner_external_id,omitempty"`
	TimeLimitMinutes    int        `db:"time_limit_minutes" json:"time_limit_minutes"`
	DueDate             *time.Time `db:"due_date" json:"due_date,omitempty"`
	PreventTabSwitching bool       `db:"prevent_tab_switching" json:"prevent_tab_switching"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
}

// IsPractice reports whether the exam is self-generated by a student.
func (e Exam) IsPractice() bool { return e.Kind == ExamPractice }

// TimeLimit returns the exam's time limit, or zero if it has none.
func (e Exam) TimeLimit() time.Duration {
	return time.Duration(e.TimeLimitMinutes) * time.Minute
}

// Overdue reports whether the due date has passed at now.
func (e Exam) Overdue(now time.Time) bool {
	return e.DueDate != nil && e.DueDate.Before(now)
}

// CanManage reports whether u may grade, assign or review the exam.
func (e Exam) CanManage(u *User) bool {
	if u == nil {
		return false
	}
	return u.Role == UserRoleAdmin || (u.Role == UserRoleInstructor && e.InstructorID == u.ID)
}

// Question is one essay prompt of an exam.
type Question struct {
	ID             int64   `db:"id" json:"id"`
	ExamID         int64   `db:"exam_id" json:"exam_id"`
	Position       int     `db:"position" json:"position"`
	Text           string  `db:"text" json:"text"`
	BackgroundInfo string  `db:"background_info" json:"background_info,omitempty"`
	DomainInfo     string  `db:"domain_info" json:"domain_info,omitempty"`
	PointsPossible float64 `db:"points_possible" json:"points_possible"`
	// Rubric is opaque structured criteria, passed through to the grader verbatim.
	Rubric string `db:"rubric" json:"rubric"`
}

// Phase is the lifecycle position of an attempt.
type Phase string

const (
	PhaseNotStarted Phase = "not_started"
	PhaseInProgress Phase = "in_progress"
	PhaseSubmitted  Phase = "submitted"
)

// Attempt is one student's instance of taking one exam.
type Attempt struct {
	ID          int64      `db:"id" json:"id"`
	ExamID      int64      `db:"exam_id" json:"exam_id"`
	StudentID   int64      `db:"student_id" json:"student_id"`
	StartedAt   *time.Time `db:"started_at" json:"started_at,omitempty"`
	SubmittedAt *time.Time `db:"submitted_at" json:"submitted_at,omitempty"`
	EndTime     *time.Time `db:"end_time" json:"end_time,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

// Phase derives the attempt's lifecycle phase from its timestamps.
func (a Attempt) Phase() Phase {
	switch {
	case a.SubmittedAt != nil:
		return PhaseSubmitted
	case a.StartedAt == nil:
		return PhaseNotStarted
	default:
		return PhaseInProgress
	}
}

// Answer is a student's response to one question within one attempt.
type Answer struct {
	ID               int64      `db:"id" json:"id"`
	AttemptID        int64      `db:"attempt_id" json:"attempt_id"`
	QuestionID       int64      `db:"question_id" json:"question_id"`
	Text             string     `db:"text" json:"text"`
	SecondsSpent     int        `db:"seconds_spent" json:"seconds_spent"`
	OracleScore      *float64   `db:"oracle_score" json:"oracle_score,omitempty"`
	OracleFeedback   string     `db:"oracle_feedback" json:"oracle_feedback"`
	Explanation      string     `db:"explanation" json:"explanation"`
	RubricBreakdown  string     `db:"rubric_breakdown" json:"rubric_breakdown,omitempty"`
	Annotations      string     `db:"annotations" json:"annotations,omitempty"`
	OverrideScore    *float64   `db:"override_score" json:"override_score,omitempty"`
	OverrideFeedback string     `db:"override_feedback" json:"override_feedback,omitempty"`
	OverriddenAt     *time.Time `db:"overridden_at" json:"overridden_at,omitempty"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// EffectiveScore is the override if present, else the oracle score, else zero.
func (a Answer) EffectiveScore() float64 {
	switch {
	case a.OverrideScore != nil:
		return *a.OverrideScore
	case a.OracleScore != nil:
		return *a.OracleScore
	default:
		return 0
	}
}

// EffectiveFeedback mirrors EffectiveScore for the feedback text.
func (a Answer) EffectiveFeedback() string {
	if a.OverrideScore != nil && a.OverrideFeedback != "" {
		return a.OverrideFeedback
	}
	return a.OracleFeedback
}

// Graded reports whether the oracle has scored the answer.
func (a Answer) Graded() bool { return a.OracleScore != nil }

// Decision is the oracle's verdict on a practice dispute.
type Decision string

const (
	DecisionKeep   Decision = "keep"
	DecisionUpdate Decision = "update"
)

// QuestionDispute is a practice-exam dispute against one answer's grade.
type QuestionDispute struct {
	ID             int64     `db:"id" json:"id"`
	AnswerID       int64     `db:"answer_id" json:"answer_id"`
	AttemptID      int64     `db:"attempt_id" json:"attempt_id"`
	QuestionID     int64     `db:"question_id" json:"question_id"`
	Argument       string    `db:"argument" json:"argument"`
	Decision       Decision  `db:"decision" json:"decision"`
	OldScore       float64   `db:"old_score" json:"old_score"`
	NewScore       float64   `db:"new_score" json:"new_score"`
	NewFeedback    string    `db:"new_feedback" json:"new_feedback"`
	Justification  string    `db:"justification" json:"justification"`
	EvidenceQuotes string    `db:"evidence_quotes" json:"evidence_quotes"`
	RawVerdict     string    `db:"raw_verdict" json:"-"`
	ModelName      string    `db:"model_name" json:"model_name"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// AttemptDispute is a practice-exam dispute against a whole attempt's grade.
type AttemptDispute struct {
	ID          int64     `db:"id" json:"id"`
	AttemptID   int64     `db:"attempt_id" json:"attempt_id"`
	Argument    string    `db:"argument" json:"argument"`
	Decision    Decision  `db:"decision" json:"decision"`
	Explanation string    `db:"explanation" json:"explanation"`
	OldTotal    float64   `db:"old_total" json:"old_total"`
	NewTotal    float64   `db:"new_total" json:"new_total"`
	OldResults  string    `db:"old_results" json:"old_results"`
	NewResults  string    `db:"new_results" json:"new_results"`
	RawVerdict  string    `db:"raw_verdict" json:"-"`
	ModelName   string    `db:"model_name" json:"model_name"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// ScoreSnapshot is one question's score captured for dispute audit.
type ScoreSnapshot struct {
	QuestionNumber int     `json:"question_number"`
	QuestionID     int64   `json:"question_id"`
	Score          float64 `json:"score"`
	PointsPossible float64 `json:"points_possible"`
	Feedback       string  `json:"feedback"`
}

// LockState records which dispute targets remain open on an attempt.
type LockState struct {
	AttemptDisputeUsed      bool  `json:"attempt_dispute_used"`
	DisputedQuestionNumbers []int `json:"disputed_question_numbers"`
	TotalQuestions          int   `json:"total_questions"`
}

// CanDisputeAttempt reports whether a whole-attempt dispute is still allowed.
func (l LockState) CanDisputeAttempt() bool {
	return !l.AttemptDisputeUsed && len(l.DisputedQuestionNumbers) == 0
}

// CanDisputeQuestion reports whether question n may still be disputed.
func (l LockState) CanDisputeQuestion(n int) bool {
	if l.AttemptDisputeUsed {
		return false
	}
	for _, d := range l.DisputedQuestionNumbers {
		if d == n {
			return false
		}
	}
	return true
}

// ReviewStatus is the lifecycle of an assigned-exam dispute.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewResolved ReviewStatus = "resolved"
)

// ReviewDecision is an instructor's ruling on an assigned-exam dispute.
type ReviewDecision string

const (
	ReviewApproved          ReviewDecision = "approved"
	ReviewRejected          ReviewDecision = "rejected"
	ReviewPartiallyApproved ReviewDecision = "partially_approved"
)

// AssignedDispute is a student dispute on an assigned exam awaiting human review.
type AssignedDispute struct {
	ID         int64           `db:"id" json:"id"`
	AttemptID  int64           `db:"attempt_id" json:"attempt_id"`
	QuestionID *int64          `db:"question_id" json:"question_id,omitempty"`
	Argument   string          `db:"argument" json:"argument"`
	Status     ReviewStatus    `db:"status" json:"status"`
	Decision   *ReviewDecision `db:"decision" json:"decision,omitempty"`
	Response   string          `db:"response" json:"response"`
	ResolvedBy *int64          `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolvedAt *time.Time      `db:"resolved_at" json:"resolved_at,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

// PendingReview is an AssignedDispute enriched for the instructor's queue.
type PendingReview struct {
	AssignedDispute
	ExamID            int64   `db:"exam_id" json:"exam_id"`
	ExamTitle         string  `db:"exam_title" json:"exam_title"`
	StudentID         int64   `db:"student_id" json:"student_id"`
	StudentName       string  `db:"student_name" json:"student_name"`
	StudentExternalID string  `db:"student_external_id" json:"student_external_id"`
	QuestionPosition  *int    `db:"question_position" json:"question_position,omitempty"`
	QuestionText      *string `db:"question_text" json:"question_text,omitempty"`
}

// Progress summarises an attempt for display.
type Progress struct {
	Attempt        Attempt `json:"attempt"`
	Phase          Phase   `json:"phase"`
	Answered       int     `json:"answered"`
	TotalQuestions int     `json:"total_questions"`
	TotalScore     float64 `json:"total_score"`
	PointsPossible float64 `json:"points_possible"`
}
