package binding

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS bindings(
	user_id INTEGER PRIMARY KEY,
	nickname TEXT NOT NULL UNIQUE,
	created_at INTEGER NOT NULL
)`

type sqliteStore struct {
	db  *sql.DB
	log zerolog.Logger
}

func openSQLite(ctx context.Context, path string, log zerolog.Logger) (*sqliteStore, error) {
	if path == "" {
		path = "chatsync.db"
	}
	dsn := path
	if !strings.HasPrefix(path, "file:") && path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create binding store directory: %w", err)
			}
		}
		dsn = "file:" + path + "?_pragma=busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open binding store: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("binding store ping failed: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create binding schema: %w", err)
	}
	log.Info().Str("path", path).Msg("Binding store ready")
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Bind(ctx context.Context, userID int64, nickname string) error {
	if err := ValidNickname(nickname); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var owner int64
	err = tx.QueryRowContext(ctx, `SELECT user_id FROM bindings WHERE user_id = ? OR nickname = ? ORDER BY user_id = ? DESC LIMIT 1`,
		userID, nickname, userID).Scan(&owner)
	switch {
	case err == nil && owner == userID:
		return ErrAlreadyBound
	case err == nil:
		return ErrNicknameTaken
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("binding lookup failed: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO bindings(user_id, nickname, created_at) VALUES(?,?,?)`,
		userID, nickname, time.Now().Unix()); err != nil {
		return fmt.Errorf("binding insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.log.Info().Int64("user", userID).Str("nickname", nickname).Msg("Member bound")
	return nil
}

func (s *sqliteStore) Unbind(ctx context.Context, userID int64) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	var nickname string
	err = tx.QueryRowContext(ctx, `SELECT nickname FROM bindings WHERE user_id = ?`, userID).Scan(&nickname)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotBound
	}
	if err != nil {
		return "", fmt.Errorf("binding lookup failed: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM bindings WHERE user_id = ?`, userID); err != nil {
		return "", fmt.Errorf("binding delete failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	s.log.Info().Int64("user", userID).Str("nickname", nickname).Msg("Member unbound")
	return nickname, nil
}

func (s *sqliteStore) Nickname(ctx context.Context, userID int64) (string, bool, error) {
	var nickname string
	err := s.db.QueryRowContext(ctx, `SELECT nickname FROM bindings WHERE user_id = ?`, userID).Scan(&nickname)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("binding lookup failed: %w", err)
	}
	return nickname, true, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
