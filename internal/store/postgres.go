package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/NiaCoach/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, ErrDSNNotSet
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}

// DB exposes the underlying handle for components that share the database.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) GetProfile(ctx context.Context, userID string) (*models.UserProfile, error) {
	var p models.UserProfile
	var step int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, step, created_at FROM user_profiles WHERE id = $1`, userID,
	).Scan(&p.ID, &p.Name, &step, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetProfile failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to get profile %s: %w", userID, err)
	}
	p.Step = storedStep(userID, step)
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

func (s *PostgresStore) CreateProfile(ctx context.Context, userID, name string) (*models.UserProfile, error) {
	if userID == "" {
		return nil, models.ErrEmptyUserID
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_profiles (id, name, step, created_at, updated_at) VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (id) DO NOTHING`,
		userID, name, int(models.StepAwaitingName), now,
	)
	if err != nil {
		slog.Error("PostgresStore CreateProfile failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to create profile %s: %w", userID, err)
	}
	slog.Debug("PostgresStore CreateProfile succeeded", "userID", userID)
	return s.GetProfile(ctx, userID)
}

func (s *PostgresStore) UpdateProfile(ctx context.Context, userID string, update models.ProfileUpdate) error {
	if err := update.Validate(); err != nil {
		return err
	}
	var step *int
	if update.Step != nil {
		v := int(*update.Step)
		step = &v
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE user_profiles SET name = COALESCE($1, name), step = COALESCE($2, step), updated_at = $3 WHERE id = $4`,
		update.Name, step, time.Now().UTC(), userID,
	)
	if err != nil {
		slog.Error("PostgresStore UpdateProfile failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to update profile %s: %w", userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrProfileNotFound
	}
	slog.Debug("PostgresStore UpdateProfile succeeded", "userID", userID, "nameSet", update.Name != nil, "stepSet", update.Step != nil)
	return nil
}

func (s *PostgresStore) GetTranscript(ctx context.Context, userID, topic string) (models.Transcript, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT turns_json FROM transcripts WHERE user_id = $1 AND topic = $2`, userID, topic,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetTranscript failed", "error", err, "userID", userID, "topic", topic)
		return nil, fmt.Errorf("failed to get transcript %s/%s: %w", userID, topic, err)
	}
	return decodeTranscript(raw)
}

func (s *PostgresStore) SetTranscript(ctx context.Context, userID, topic string, turns models.Transcript) error {
	raw, err := encodeTranscript(turns)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO transcripts (user_id, topic, turns_json, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, topic) DO UPDATE SET turns_json = EXCLUDED.turns_json, updated_at = EXCLUDED.updated_at`,
		userID, topic, raw, time.Now().UTC(),
	)
	if err != nil {
		slog.Error("PostgresStore SetTranscript failed", "error", err, "userID", userID, "topic", topic)
		return fmt.Errorf("failed to set transcript %s/%s: %w", userID, topic, err)
	}
	slog.Debug("PostgresStore SetTranscript succeeded", "userID", userID, "topic", topic, "turns", len(turns))
	return nil
}

func (s *PostgresStore) ListReminders(ctx context.Context, userID string) ([]models.ReminderRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, deliver_at, text FROM reminders WHERE user_id = $1 ORDER BY deliver_at ASC, id ASC`, userID,
	)
	if err != nil {
		slog.Error("PostgresStore ListReminders query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to list reminders for %s: %w", userID, err)
	}
	return scanReminders(rows)
}

func (s *PostgresStore) SetReminder(ctx context.Context, userID string, rec models.ReminderRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders (id, user_id, deliver_at, text, created_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET deliver_at = EXCLUDED.deliver_at, text = EXCLUDED.text`,
		rec.ID, userID, rec.At.UTC(), rec.Text, time.Now().UTC(),
	)
	if err != nil {
		slog.Error("PostgresStore SetReminder failed", "error", err, "userID", userID, "reminderID", rec.ID)
		return fmt.Errorf("failed to set reminder %s: %w", rec.ID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteReminder(ctx context.Context, userID, reminderID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE user_id = $1 AND id = $2`, userID, reminderID)
	if err != nil {
		slog.Error("PostgresStore DeleteReminder failed", "error", err, "userID", userID, "reminderID", reminderID)
		return fmt.Errorf("failed to delete reminder %s: %w", reminderID, err)
	}
	return nil
}
