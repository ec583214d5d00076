package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pavelanni/quizgrader/internal/model"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a quiz or attempt does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when inserting a quiz whose id is taken.
	ErrConflict = errors.New("already exists")
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS quizzes (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		passing_score INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS questions (
		quiz_id TEXT NOT NULL,
		id TEXT NOT NULL,
		position INTEGER NOT NULL,
		prompt TEXT NOT NULL,
		type TEXT NOT NULL,
		options TEXT NOT NULL DEFAULT '[]',
		correct_answer TEXT NOT NULL,
		explanation TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (quiz_id, id),
		FOREIGN KEY (quiz_id) REFERENCES quizzes(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'student',
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS auth_sessions (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS quiz_attempts (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		quiz_id TEXT NOT NULL,
		answers TEXT NOT NULL DEFAULT '{}',
		score INTEGER NOT NULL,
		passed INTEGER NOT NULL,
		time_spent REAL NOT NULL DEFAULT 0,
		feedback TEXT NOT NULL DEFAULT '[]',
		graded_with TEXT NOT NULL DEFAULT 'primary',
		created_at DATETIME NOT NULL,
		FOREIGN KEY (quiz_id) REFERENCES quizzes(id)
	);

	CREATE INDEX IF NOT EXISTS idx_quiz_attempts_user ON quiz_attempts(user_id);
	CREATE INDEX IF NOT EXISTS idx_quiz_attempts_quiz ON quiz_attempts(quiz_id);

	CREATE TABLE IF NOT EXISTS imported_files (
		path TEXT PRIMARY KEY,
		hash TEXT NOT NULL,
		imported_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// InsertQuiz stores a quiz and its questions in one transaction.
func (s *Store) InsertQuiz(ctx context.Context, q model.Quiz) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertQuiz(ctx, tx, q); err != nil {
		return err
	}
	return tx.Commit()
}

func insertQuiz(ctx context.Context, tx *sql.Tx, q model.Quiz) error {
	createdAt := q.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO quizzes (id, title, passing_score, created_at) VALUES (?, ?, ?, ?)`,
		q.ID, q.Title, q.PassingScore, createdAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("quiz %q: %w", q.ID, ErrConflict)
		}
		return err
	}

	for i, question := range q.Questions {
		key, err := model.EncodeAnswerKey(question.Key)
		if err != nil {
			return fmt.Errorf("question %q: %w", question.ID, err)
		}
		options := question.Options
		if options == nil {
			options = []string{}
		}
		rawOptions, err := json.Marshal(options)
		if err != nil {
			return fmt.Errorf("question %q options: %w", question.ID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO questions (quiz_id, id, position, prompt, type, options, correct_answer, explanation)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			q.ID, question.ID, i, question.Prompt, question.Type, string(rawOptions), string(key), question.Explanation,
		)
		if err != nil {
			return fmt.Errorf("insert question %q: %w", question.ID, err)
		}
	}
	return nil
}

// GetQuiz returns a quiz with its questions in order.
func (s *Store) GetQuiz(ctx context.Context, id string) (model.Quiz, error) {
	var q model.Quiz
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, passing_score, created_at FROM quizzes WHERE id = ?`, id,
	).Scan(&q.ID, &q.Title, &q.PassingScore, &q.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Quiz{}, fmt.Errorf("quiz %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Quiz{}, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, prompt, type, options, correct_answer, explanation
		 FROM questions WHERE quiz_id = ? ORDER BY position`, id,
	)
	if err != nil {
		return model.Quiz{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var question model.Question
		var rawOptions, rawKey string
		if err := rows.Scan(&question.ID, &question.Prompt, &question.Type, &rawOptions, &rawKey, &question.Explanation); err != nil {
			return model.Quiz{}, err
		}
		if err := json.Unmarshal([]byte(rawOptions), &question.Options); err != nil {
			return model.Quiz{}, fmt.Errorf("question %q options: %w", question.ID, err)
		}
		if len(question.Options) == 0 {
			question.Options = nil
		}
		key, err := model.DecodeAnswerKey(question.Type, json.RawMessage(rawKey))
		if err != nil {
			return model.Quiz{}, fmt.Errorf("question %q: %w", question.ID, err)
		}
		question.Key = key
		q.Questions = append(q.Questions, question)
	}
	return q, rows.Err()
}

// ListQuizzes returns all quizzes with their question counts.
func (s *Store) ListQuizzes(ctx context.Context) ([]model.QuizSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT q.id, q.title, q.passing_score, COUNT(qs.id)
		 FROM quizzes q LEFT JOIN questions qs ON qs.quiz_id = q.id
		 GROUP BY q.id ORDER BY q.created_at, q.id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var quizzes []model.QuizSummary
	for rows.Next() {
		var q model.QuizSummary
		if err := rows.Scan(&q.ID, &q.Title, &q.PassingScore, &q.NumQuestions); err != nil {
			return nil, err
		}
		quizzes = append(quizzes, q)
	}
	return quizzes, rows.Err()
}

// QuizCount returns the number of quizzes in the database.
func (s *Store) QuizCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM quizzes`).Scan(&count)
	return count, err
}

// GetImportedFileHash returns the hash recorded for an imported file, or
// an empty string if the file was never imported.
func (s *Store) GetImportedFileHash(path string) (string, error) {
	var hash string
	err := s.db.QueryRow(`SELECT hash FROM imported_files WHERE path = ?`, path).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return hash, err
}

// SetImportedFileHash records the hash of an imported file.
func (s *Store) SetImportedFileHash(path, hash string) error {
	_, err := s.db.Exec(
		`INSERT INTO imported_files (path, hash, imported_at) VALUES (?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET hash = excluded.hash, imported_at = excluded.imported_at`,
		path, hash, time.Now(),
	)
	return err
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}
