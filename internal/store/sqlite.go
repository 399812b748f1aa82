package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/BTreeMap/NiaCoach/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
	// sqliteDSNParams are appended to bare file paths. The job runner, outbox
	// sender and request handlers write concurrently.
	sqliteDSNParams = "_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, ErrDSNNotSet
	}

	path, _, hasParams := strings.Cut(dsn, "?")
	dir := filepath.Dir(strings.TrimPrefix(path, "file:"))
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	if !hasParams {
		dsn = dsn + "?" + sqliteDSNParams
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "dir", dir)

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	} else {
		slog.Debug("SQLite database connection closed successfully")
	}
	return err
}

// DB exposes the underlying handle for components that share the database file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) GetProfile(ctx context.Context, userID string) (*models.UserProfile, error) {
	var p models.UserProfile
	var step int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, step, created_at FROM user_profiles WHERE id = ?`, userID,
	).Scan(&p.ID, &p.Name, &step, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetProfile failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to get profile %s: %w", userID, err)
	}
	p.Step = storedStep(userID, step)
	return &p, nil
}

func (s *SQLiteStore) CreateProfile(ctx context.Context, userID, name string) (*models.UserProfile, error) {
	if userID == "" {
		return nil, models.ErrEmptyUserID
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_profiles (id, name, step, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		userID, name, int(models.StepAwaitingName), now, now,
	)
	if err != nil {
		slog.Error("SQLiteStore CreateProfile failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to create profile %s: %w", userID, err)
	}
	slog.Debug("SQLiteStore CreateProfile succeeded", "userID", userID)
	return s.GetProfile(ctx, userID)
}

func (s *SQLiteStore) UpdateProfile(ctx context.Context, userID string, update models.ProfileUpdate) error {
	if err := update.Validate(); err != nil {
		return err
	}
	var step *int
	if update.Step != nil {
		v := int(*update.Step)
		step = &v
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE user_profiles SET name = COALESCE(?, name), step = COALESCE(?, step), updated_at = ? WHERE id = ?`,
		update.Name, step, time.Now().UTC(), userID,
	)
	if err != nil {
		slog.Error("SQLiteStore UpdateProfile failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to update profile %s: %w", userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrProfileNotFound
	}
	slog.Debug("SQLiteStore UpdateProfile succeeded", "userID", userID, "nameSet", update.Name != nil, "stepSet", update.Step != nil)
	return nil
}

func (s *SQLiteStore) GetTranscript(ctx context.Context, userID, topic string) (models.Transcript, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT turns_json FROM transcripts WHERE user_id = ? AND topic = ?`, userID, topic,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetTranscript failed", "error", err, "userID", userID, "topic", topic)
		return nil, fmt.Errorf("failed to get transcript %s/%s: %w", userID, topic, err)
	}
	return decodeTranscript(raw)
}

func (s *SQLiteStore) SetTranscript(ctx context.Context, userID, topic string, turns models.Transcript) error {
	raw, err := encodeTranscript(turns)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO transcripts (user_id, topic, turns_json, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id, topic) DO UPDATE SET turns_json = excluded.turns_json, updated_at = excluded.updated_at`,
		userID, topic, raw, time.Now().UTC(),
	)
	if err != nil {
		slog.Error("SQLiteStore SetTranscript failed", "error", err, "userID", userID, "topic", topic)
		return fmt.Errorf("failed to set transcript %s/%s: %w", userID, topic, err)
	}
	slog.Debug("SQLiteStore SetTranscript succeeded", "userID", userID, "topic", topic, "turns", len(turns))
	return nil
}

func (s *SQLiteStore) ListReminders(ctx context.Context, userID string) ([]models.ReminderRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, deliver_at, text FROM reminders WHERE user_id = ? ORDER BY deliver_at ASC, id ASC`, userID,
	)
	if err != nil {
		slog.Error("SQLiteStore ListReminders query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to list reminders for %s: %w", userID, err)
	}
	return scanReminders(rows)
}

func (s *SQLiteStore) SetReminder(ctx context.Context, userID string, rec models.ReminderRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders (id, user_id, deliver_at, text, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET deliver_at = excluded.deliver_at, text = excluded.text`,
		rec.ID, userID, rec.At.UTC(), rec.Text, time.Now().UTC(),
	)
	if err != nil {
		slog.Error("SQLiteStore SetReminder failed", "error", err, "userID", userID, "reminderID", rec.ID)
		return fmt.Errorf("failed to set reminder %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteReminder(ctx context.Context, userID, reminderID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE user_id = ? AND id = ?`, userID, reminderID)
	if err != nil {
		slog.Error("SQLiteStore DeleteReminder failed", "error", err, "userID", userID, "reminderID", reminderID)
		return fmt.Errorf("failed to delete reminder %s: %w", reminderID, err)
	}
	return nil
}
