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
	// UserRoleAdmin is an admin user role.
	UserRoleAdmin UserRole = "admin"
)

// User represents a system user.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuthSession represents an authentication session.
type AuthSession struct {
	ID        string
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
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

// Quiz is an ordered set of questions with a passing threshold.
type Quiz struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	PassingScore int        `json:"passing_score"`
	Questions    []Question `json:"questions"`
	CreatedAt    time.Time  `json:"created_at"`
}

// QuizSummary is a quiz listing entry without its questions.
type QuizSummary struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	PassingScore int    `json:"passing_score"`
	NumQuestions int    `json:"num_questions"`
}

// Question is a single quiz question. Key always matches Type.
type Question struct {
	ID          string       `json:"id"`
	Prompt      string       `json:"prompt"`
	Type        QuestionType `json:"type"`
	Options     []string     `json:"options,omitempty"`
	Key         AnswerKey    `json:"-"`
	Explanation string       `json:"-"`
}

// Submission maps question ids to the user's answers.
type Submission map[string]string

// Answer returns the submitted answer for a question, or "" when missing.
func (s Submission) Answer(questionID string) string {
	return s[questionID]
}

// Feedback is the graded outcome of one question.
type Feedback struct {
	Question    string `json:"question"`
	UserAnswer  string `json:"userAnswer"`
	Correct     bool   `json:"correct"`
	Explanation string `json:"explanation"`
}

// GradingMode records which grader produced a result.
type GradingMode string

const (
	GradingPrimary  GradingMode = "primary"
	GradingFallback GradingMode = "fallback"
)

// GradingResult is the derived outcome of grading one submission.
type GradingResult struct {
	Score    int         `json:"score"`
	Passed   bool        `json:"passed"`
	Feedback []Feedback  `json:"feedback"`
	Mode     GradingMode `json:"-"`
}

// QuizAttempt is a persisted, immutable graded submission.
type QuizAttempt struct {
	ID         string      `json:"id"`
	UserID     int64       `json:"user_id"`
	QuizID     string      `json:"quiz_id"`
	Answers    Submission  `json:"answers"`
	Score      int         `json:"score"`
	Passed     bool        `json:"passed"`
	TimeSpent  float64     `json:"time_spent"`
	Feedback   []Feedback  `json:"feedback"`
	GradedWith GradingMode `json:"graded_with"`
	CreatedAt  time.Time   `json:"created_at"`
}

// QuizStats aggregates the attempts recorded for one quiz.
type QuizStats struct {
	QuizID       string  `json:"quiz_id"`
	Attempts     int     `json:"attempts"`
	AverageScore float64 `json:"average_score"`
	PassRate     float64 `json:"pass_rate"`
}
