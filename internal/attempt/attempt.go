// Package attempt records graded quiz submissions.
package attempt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/pavelanni/quizgrader/internal/metrics"
	"github.com/pavelanni/quizgrader/internal/model"
	"github.com/pavelanni/quizgrader/internal/store"
)

var (
	// ErrQuizNotFound is returned when a submission references an unknown quiz.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrAttemptNotFound is returned for an unknown attempt id.
	ErrAttemptNotFound = errors.New("attempt not found")
	// ErrInvalidRequest wraps validation failures of a submission.
	ErrInvalidRequest = errors.New("invalid request")
)

// Store is the persistence the service needs.
type Store interface {
	GetQuiz(ctx context.Context, id string) (model.Quiz, error)
	CreateAttempt(ctx context.Context, a model.QuizAttempt) error
	GetAttempt(ctx context.Context, id string) (model.QuizAttempt, error)
	ListAttempts(ctx context.Context, f store.AttemptFilter) ([]model.QuizAttempt, error)
	DeleteAttempt(ctx context.Context, id string) error
	QuizStats(ctx context.Context, quizID string) (model.QuizStats, error)
}

// Grader produces a result for a submission.
type Grader interface {
	Grade(ctx context.Context, quiz model.Quiz, sub model.Submission) (model.GradingResult, error)
}

// SubmitRequest is one quiz submission.
type SubmitRequest struct {
	QuizID    string            `json:"quizId" validate:"required,max=200"`
	Answers   map[string]string `json:"answers" validate:"required"`
	TimeSpent float64           `json:"timeSpent" validate:"gte=0"`
}

// AttemptResponse is what the submitter gets back.
type AttemptResponse struct {
	ID        string           `json:"id"`
	Score     int              `json:"score"`
	Passed    bool             `json:"passed"`
	TimeSpent float64          `json:"timeSpent"`
	Feedback  []model.Feedback `json:"feedback"`
}

type Service struct {
	store    Store
	grader   Grader
	validate *validator.Validate
	now      func() time.Time
}

func NewService(s Store, g Grader) *Service {
	return &Service{
		store:    s,
		grader:   g,
		validate: validator.New(),
		now:      time.Now,
	}
}

// Validate checks a request without submitting it.
func (s *Service) Validate(req SubmitRequest) error {
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// Submit grades a submission and records it as a new attempt. Every call
// creates a new record, including resubmissions of the same quiz.
func (s *Service) Submit(ctx context.Context, userID int64, req SubmitRequest) (AttemptResponse, error) {
	if err := s.Validate(req); err != nil {
		return AttemptResponse{}, err
	}

	quiz, err := s.store.GetQuiz(ctx, req.QuizID)
	if errors.Is(err, store.ErrNotFound) {
		return AttemptResponse{}, fmt.Errorf("%w: %s", ErrQuizNotFound, req.QuizID)
	}
	if err != nil {
		return AttemptResponse{}, fmt.Errorf("load quiz %s: %w", req.QuizID, err)
	}

	// Grading and saving run to completion even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	sub := model.Submission(req.Answers)
	result, err := s.grader.Grade(ctx, quiz, sub)
	if err != nil {
		return AttemptResponse{}, fmt.Errorf("grade quiz %s: %w", quiz.ID, err)
	}

	a := model.QuizAttempt{
		ID:         uuid.NewString(),
		UserID:     userID,
		QuizID:     quiz.ID,
		Answers:    sub,
		Score:      result.Score,
		Passed:     result.Passed,
		TimeSpent:  req.TimeSpent,
		Feedback:   result.Feedback,
		GradedWith: result.Mode,
		CreatedAt:  s.now(),
	}
	if err := s.store.CreateAttempt(ctx, a); err != nil {
		return AttemptResponse{}, fmt.Errorf("save attempt: %w", err)
	}
	metrics.AttemptsRecorded.Inc()
	slog.Info("attempt recorded",
		"attempt", a.ID, "user", userID, "quiz", quiz.ID,
		"score", a.Score, "passed", a.Passed, "mode", a.GradedWith)

	return AttemptResponse{
		ID:        a.ID,
		Score:     a.Score,
		Passed:    a.Passed,
		TimeSpent: a.TimeSpent,
		Feedback:  a.Feedback,
	}, nil
}

// Get returns one attempt.
func (s *Service) Get(ctx context.Context, id string) (model.QuizAttempt, error) {
	a, err := s.store.GetAttempt(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.QuizAttempt{}, fmt.Errorf("%w: %s", ErrAttemptNotFound, id)
	}
	return a, err
}

// ListForUser returns a user's attempts, newest first. An empty quizID
// lists attempts across all quizzes.
func (s *Service) ListForUser(ctx context.Context, userID int64, quizID string) ([]model.QuizAttempt, error) {
	return s.store.ListAttempts(ctx, store.AttemptFilter{UserID: userID, QuizID: quizID})
}

// QuizStats aggregates attempts for a quiz. The quiz must exist.
func (s *Service) QuizStats(ctx context.Context, quizID string) (model.QuizStats, error) {
	if _, err := s.store.GetQuiz(ctx, quizID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.QuizStats{}, fmt.Errorf("%w: %s", ErrQuizNotFound, quizID)
		}
		return model.QuizStats{}, err
	}
	return s.store.QuizStats(ctx, quizID)
}

// Delete removes an attempt.
func (s *Service) Delete(ctx context.Context, id string) error {
	err := s.store.DeleteAttempt(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrAttemptNotFound, id)
	}
	if err != nil {
		return err
	}
	slog.Info("attempt deleted", "attempt", id)
	return nil
}
