package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pavelanni/quizgrader/internal/model"
)

// ExportAttempts builds an export of all attempts, oldest first, optionally
// restricted to one quiz.
func (s *Store) ExportAttempts(ctx context.Context, quizID string) (model.AttemptExport, error) {
	export := model.AttemptExport{ExportedAt: time.Now().UTC(), QuizID: quizID}

	quizzes, err := s.ListQuizzes(ctx)
	if err != nil {
		return export, fmt.Errorf("list quizzes: %w", err)
	}
	for _, q := range quizzes {
		if quizID != "" && q.ID != quizID {
			continue
		}
		stats, err := s.QuizStats(ctx, q.ID)
		if err != nil {
			return export, fmt.Errorf("stats for quiz %s: %w", q.ID, err)
		}
		export.Quizzes = append(export.Quizzes, model.QuizExport{
			ID:           q.ID,
			Title:        q.Title,
			PassingScore: q.PassingScore,
			NumQuestions: q.NumQuestions,
			Stats:        stats,
		})
	}

	attempts, err := s.ListAttempts(ctx, AttemptFilter{QuizID: quizID})
	if err != nil {
		return export, fmt.Errorf("list attempts: %w", err)
	}

	// Track attempt count per user and quiz for attempt_number.
	type userQuiz struct {
		userID int64
		quizID string
	}
	attemptCount := make(map[userQuiz]int)
	users := make(map[int64]*model.User)

	for i := len(attempts) - 1; i >= 0; i-- {
		a := attempts[i]
		k := userQuiz{a.UserID, a.QuizID}
		attemptCount[k]++

		user, ok := users[a.UserID]
		if !ok {
			user, err = s.GetUserByID(a.UserID)
			if err != nil {
				return export, fmt.Errorf("get user %d: %w", a.UserID, err)
			}
			users[a.UserID] = user
		}

		var username, displayName string
		if user != nil {
			username = user.Username
			displayName = user.DisplayName
		}

		export.Results = append(export.Results, model.StudentResult{
			Username:      username,
			DisplayName:   displayName,
			AttemptNumber: attemptCount[k],
			QuizID:        a.QuizID,
			AttemptID:     a.ID,
			Score:         a.Score,
			Passed:        a.Passed,
			TimeSpent:     a.TimeSpent,
			GradedWith:    a.GradedWith,
			SubmittedAt:   a.CreatedAt,
			Feedback:      a.Feedback,
		})
	}

	return export, nil
}
