package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pavelanni/quizgrader/internal/model"
)

// ErrAlreadyImported is returned when a file with the same content was
// imported under the same name before.
var ErrAlreadyImported = errors.New("file already imported")

// ImportQuizFile parses a quiz file and stores all of its quizzes together
// with the file hash in one transaction. It returns the number of quizzes
// imported.
func (s *Store) ImportQuizFile(ctx context.Context, name string, data []byte) (int, error) {
	hash := HashFile(data)
	stored, err := s.GetImportedFileHash(name)
	if err != nil {
		return 0, fmt.Errorf("check import status for %s: %w", name, err)
	}
	if stored == hash {
		return 0, ErrAlreadyImported
	}

	quizzes, err := model.ParseQuizFile(data)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	for _, q := range quizzes {
		if err := insertQuiz(ctx, tx, q); err != nil {
			return 0, fmt.Errorf("import %s: %w", name, err)
		}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO imported_files (path, hash, imported_at) VALUES (?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET hash = excluded.hash, imported_at = excluded.imported_at`,
		name, hash, time.Now(),
	)
	if err != nil {
		return 0, fmt.Errorf("record import for %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	slog.Info("imported quizzes", "file", name, "count", len(quizzes))
	return len(quizzes), nil
}

// HashFile returns the hex sha256 of file contents.
func HashFile(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
