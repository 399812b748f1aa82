// Package store provides storage backends for NiaCoach.
//
// It defines the ConversationStore used by the coach (profiles, transcripts,
// reminder records) together with the durable job, outbox and inbound-dedup
// repositories. SQLite and PostgreSQL back all of them; an in-memory
// implementation of ConversationStore is provided for tests and local runs.
package store

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/NiaCoach/internal/models"
)

var (
	// ErrProfileNotFound is returned by UpdateProfile for unknown users.
	ErrProfileNotFound = errors.New("user profile not found")
	// ErrDSNNotSet is returned by the SQL constructors when no DSN is configured.
	ErrDSNNotSet = errors.New("database DSN not set")
)

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a function that configures Opts.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path (optionally with query parameters).
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for PostgreSQL URLs or key=value
// connection strings and "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	path, _, _ := strings.Cut(dsn, "?")
	if strings.Contains(path, "=") {
		return "postgres"
	}
	return "sqlite3"
}

// ConversationStore persists per-user profiles, per-topic transcripts and reminder records.
type ConversationStore interface {
	// GetProfile returns nil, nil when the user has no profile yet.
	GetProfile(ctx context.Context, userID string) (*models.UserProfile, error)
	// CreateProfile creates a profile at the awaiting-name step, seeded with
	// name (the sender's display name, possibly empty). If one already exists
	// it is returned unchanged.
	CreateProfile(ctx context.Context, userID, name string) (*models.UserProfile, error)
	// UpdateProfile applies a partial update. Unknown users yield ErrProfileNotFound.
	UpdateProfile(ctx context.Context, userID string, update models.ProfileUpdate) error

	// GetTranscript returns an empty transcript when none is stored.
	GetTranscript(ctx context.Context, userID, topic string) (models.Transcript, error)
	// SetTranscript replaces the stored transcript wholesale.
	SetTranscript(ctx context.Context, userID, topic string, turns models.Transcript) error

	ListReminders(ctx context.Context, userID string) ([]models.ReminderRecord, error)
	SetReminder(ctx context.Context, userID string, rec models.ReminderRecord) error
	// DeleteReminder is a no-op for unknown ids.
	DeleteReminder(ctx context.Context, userID, reminderID string) error
}

// Store is the full persistence surface implemented by the SQL backends.
type Store interface {
	ConversationStore
	JobRepo
	OutboxRepo
	DedupRepo
	Close() error
}

// Compile-time checks that the SQL backends implement Store.
var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// InMemoryStore is a ConversationStore kept in process memory. Data is lost on restart.
type InMemoryStore struct {
	mu          sync.RWMutex
	profiles    map[string]models.UserProfile
	transcripts map[string]map[string]models.Transcript
	reminders   map[string]map[string]models.ReminderRecord
}

var _ ConversationStore = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		profiles:    make(map[string]models.UserProfile),
		transcripts: make(map[string]map[string]models.Transcript),
		reminders:   make(map[string]map[string]models.ReminderRecord),
	}
}

func (s *InMemoryStore) GetProfile(_ context.Context, userID string) (*models.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *InMemoryStore) CreateProfile(_ context.Context, userID, name string) (*models.UserProfile, error) {
	if userID == "" {
		return nil, models.ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		p = models.UserProfile{ID: userID, Name: name, Step: models.StepAwaitingName, CreatedAt: time.Now().UTC()}
		s.profiles[userID] = p
	}
	return &p, nil
}

func (s *InMemoryStore) UpdateProfile(_ context.Context, userID string, update models.ProfileUpdate) error {
	if err := update.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return ErrProfileNotFound
	}
	update.Apply(&p)
	s.profiles[userID] = p
	return nil
}

func (s *InMemoryStore) GetTranscript(_ context.Context, userID, topic string) (models.Transcript, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.transcripts[userID][topic]), nil
}

func (s *InMemoryStore) SetTranscript(_ context.Context, userID, topic string, turns models.Transcript) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transcripts[userID] == nil {
		s.transcripts[userID] = make(map[string]models.Transcript)
	}
	s.transcripts[userID][topic] = slices.Clone(turns)
	return nil
}

func (s *InMemoryStore) ListReminders(_ context.Context, userID string) ([]models.ReminderRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ReminderRecord, 0, len(s.reminders[userID]))
	for _, r := range s.reminders[userID] {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b models.ReminderRecord) int {
		if c := a.At.Compare(b.At); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (s *InMemoryStore) SetReminder(_ context.Context, userID string, rec models.ReminderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reminders[userID] == nil {
		s.reminders[userID] = make(map[string]models.ReminderRecord)
	}
	s.reminders[userID][rec.ID] = rec
	return nil
}

func (s *InMemoryStore) DeleteReminder(_ context.Context, userID, reminderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reminders[userID], reminderID)
	return nil
}
