package coach

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/NiaCoach/internal/metrics"
	"github.com/BTreeMap/NiaCoach/internal/models"
	"github.com/BTreeMap/NiaCoach/internal/retry"
	"github.com/BTreeMap/NiaCoach/internal/store"
	"github.com/BTreeMap/NiaCoach/internal/util"
	"golang.org/x/sync/errgroup"
)

// reminderIDSuffixLength is the length of the random part of a reminder id.
const reminderIDSuffixLength = 11

// ComputeSlotTime returns the delivery time of slot in day of a batch created
// at now: the top of the hour now+(day+1)h, plus 20 minutes per slot, in UTC.
func ComputeSlotTime(now time.Time, day, slot int) time.Time {
	t := now.UTC().Add(time.Duration(day+1) * time.Hour).Truncate(time.Hour)
	return t.Add(time.Duration(slot) * models.ReminderSlotSpacing)
}

// ReminderOption configures a ReminderScheduler.
type ReminderOption func(*ReminderScheduler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ReminderOption {
	return func(s *ReminderScheduler) { s.now = now }
}

// WithReminderRetry sets the retry policy around content generation.
func WithReminderRetry(p retry.Policy) ReminderOption {
	return func(s *ReminderScheduler) { s.retry = p }
}

// WithReminderMetrics records scheduled, failed and canceled reminders.
func WithReminderMetrics(m *metrics.Collector) ReminderOption {
	return func(s *ReminderScheduler) { s.metrics = m }
}

// ReminderScheduler replaces a user's reminder batch: the old batch is
// canceled, 7 x N new texts are generated and each slot is stored and
// handed to the DeliveryScheduler.
type ReminderScheduler struct {
	store    store.ConversationStore
	gen      Generator
	delivery DeliveryScheduler
	role     string
	retry    retry.Policy
	metrics  *metrics.Collector
	now      func() time.Time
}

// NewReminderScheduler creates a scheduler. role is the system prompt used
// for reminder content.
func NewReminderScheduler(st store.ConversationStore, gen Generator, delivery DeliveryScheduler, role string, opts ...ReminderOption) *ReminderScheduler {
	s := &ReminderScheduler{
		store:    st,
		gen:      gen,
		delivery: delivery,
		role:     role,
		retry:    retry.Default("reminders"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CancelBatch removes every reminder of userID. Delivery cancellations run
// concurrently and their errors are ignored; a store error aborts.
func (s *ReminderScheduler) CancelBatch(ctx context.Context, userID string) (int, error) {
	existing, err := s.store.ListReminders(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to list reminders: %w", err)
	}
	if len(existing) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, rec := range existing {
		g.Go(func() error {
			if err := s.delivery.Cancel(gctx, rec.ID); err != nil {
				slog.Warn("ReminderScheduler.CancelBatch: cancel failed", "userID", userID, "reminderID", rec.ID, "error", err)
			}
			if err := s.store.DeleteReminder(gctx, userID, rec.ID); err != nil {
				return fmt.Errorf("failed to delete reminder %s: %w", rec.ID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	s.metrics.RemindersCanceled(len(existing))
	slog.Debug("ReminderScheduler.CancelBatch: canceled", "userID", userID, "count", len(existing))
	return len(existing), nil
}

// CreateBatch replaces the reminders of userID with ReminderDays x perDay
// new ones and returns how many were scheduled. Slot failures are logged and
// skipped.
func (s *ReminderScheduler) CreateBatch(ctx context.Context, userID, name string, perDay int) (int, error) {
	if err := models.ValidateRemindersPerDay(perDay); err != nil {
		return 0, err
	}
	if _, err := s.CancelBatch(ctx, userID); err != nil {
		return 0, err
	}

	now := s.now()
	total := models.ReminderDays * perDay
	texts := s.generateTexts(ctx, name, total)

	scheduled := 0
	for day := 0; day < models.ReminderDays; day++ {
		for slot := 0; slot < perDay; slot++ {
			idx := slot + day*perDay
			rec := models.ReminderRecord{
				ID:   fmt.Sprintf("reminder-%s-%d-%s", userID, idx, strings.ToLower(util.GenerateRandomAlphaNumeric(reminderIDSuffixLength))),
				At:   ComputeSlotTime(now, day, slot),
				Text: reminderText(texts, idx),
			}
			if err := s.store.SetReminder(ctx, userID, rec); err != nil {
				slog.Error("ReminderScheduler.CreateBatch: store reminder failed", "userID", userID, "reminderID", rec.ID, "error", err)
				s.metrics.ReminderFailed()
				continue
			}
			if err := s.delivery.Schedule(ctx, rec.ID, rec.At, userID, rec.Text); err != nil {
				slog.Error("ReminderScheduler.CreateBatch: schedule failed", "userID", userID, "reminderID", rec.ID, "error", err)
				s.metrics.ReminderFailed()
				continue
			}
			s.metrics.ReminderScheduled()
			scheduled++
		}
	}
	slog.Info("ReminderScheduler.CreateBatch: batch created", "userID", userID, "perDay", perDay, "scheduled", scheduled, "generated", len(texts))
	return scheduled, nil
}

type reminderContent struct {
	Messages []string `json:"messages"`
}

// generateTexts asks for count reminder texts. It returns an empty slice when
// generation fails.
func (s *ReminderScheduler) generateTexts(ctx context.Context, name string, count int) []string {
	prompt := reminderPrompt(name, count)
	texts, err := retry.DoValue(ctx, s.retry, func(ctx context.Context) ([]string, error) {
		raw, err := s.gen.GenerateStructured(ctx, s.role, prompt)
		if err != nil {
			return nil, err
		}
		var content reminderContent
		if err := json.Unmarshal(raw, &content); err != nil {
			return nil, retry.Permanent(fmt.Errorf("malformed reminder content: %w", err))
		}
		return content.Messages, nil
	})
	if err != nil {
		slog.Error("ReminderScheduler.generateTexts: generation failed, using fallback text", "error", err)
		return nil
	}
	if len(texts) < count {
		slog.Warn("ReminderScheduler.generateTexts: fewer texts than slots", "want", count, "got", len(texts))
	}
	return texts
}

func reminderText(texts []string, idx int) string {
	if idx < len(texts) && strings.TrimSpace(texts[idx]) != "" {
		return texts[idx]
	}
	return fallbackReminder
}
