package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/quizgrader/internal/model"
)

const attemptColumns = `id, user_id, quiz_id, answers, score, passed, time_spent, feedback, graded_with, created_at`

// AttemptFilter narrows ListAttempts. Zero values mean no filtering.
type AttemptFilter struct {
	UserID int64
	QuizID string
}

// CreateAttempt inserts an attempt record. Attempts are never updated.
func (s *Store) CreateAttempt(ctx context.Context, a model.QuizAttempt) error {
	answers, err := json.Marshal(a.Answers)
	if err != nil {
		return fmt.Errorf("marshal answers: %w", err)
	}
	feedback, err := json.Marshal(a.Feedback)
	if err != nil {
		return fmt.Errorf("marshal feedback: %w", err)
	}
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO quiz_attempts (`+attemptColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.QuizID, string(answers), a.Score, a.Passed, a.TimeSpent,
		string(feedback), a.GradedWith, createdAt,
	)
	return err
}

// GetAttempt returns an attempt by ID.
func (s *Store) GetAttempt(ctx context.Context, id string) (model.QuizAttempt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM quiz_attempts WHERE id = ?`, id)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.QuizAttempt{}, fmt.Errorf("attempt %q: %w", id, ErrNotFound)
	}
	return a, err
}

// ListAttempts returns attempts matching the filter, newest first.
func (s *Store) ListAttempts(ctx context.Context, f AttemptFilter) ([]model.QuizAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM quiz_attempts WHERE 1=1`
	var args []any
	if f.UserID != 0 {
		query += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if f.QuizID != "" {
		query += ` AND quiz_id = ?`
		args = append(args, f.QuizID)
	}
	query += ` ORDER BY rowid DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var attempts []model.QuizAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// DeleteAttempt removes an attempt.
func (s *Store) DeleteAttempt(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM quiz_attempts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("attempt %q: %w", id, ErrNotFound)
	}
	return nil
}

// QuizStats aggregates attempt count, average score and pass rate for a quiz.
func (s *Store) QuizStats(ctx context.Context, quizID string) (model.QuizStats, error) {
	st := model.QuizStats{QuizID: quizID}
	var avg, passRate sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), AVG(score), AVG(passed) FROM quiz_attempts WHERE quiz_id = ?`, quizID,
	).Scan(&st.Attempts, &avg, &passRate)
	if err != nil {
		return st, err
	}
	st.AverageScore = avg.Float64
	st.PassRate = passRate.Float64
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row rowScanner) (model.QuizAttempt, error) {
	var a model.QuizAttempt
	var answers, feedback string
	err := row.Scan(&a.ID, &a.UserID, &a.QuizID, &answers, &a.Score, &a.Passed, &a.TimeSpent,
		&feedback, &a.GradedWith, &a.CreatedAt)
	if err != nil {
		return model.QuizAttempt{}, err
	}
	if err := json.Unmarshal([]byte(answers), &a.Answers); err != nil {
		return model.QuizAttempt{}, fmt.Errorf("attempt %q answers: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(feedback), &a.Feedback); err != nil {
		return model.QuizAttempt{}, fmt.Errorf("attempt %q feedback: %w", a.ID, err)
	}
	return a, nil
}
