// Package delivery schedules reminder messages for later delivery on top of
// the durable job queue.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/NiaCoach/internal/metrics"
	"github.com/BTreeMap/NiaCoach/internal/models"
	"github.com/BTreeMap/NiaCoach/internal/store"
)

// JobKindReminder is the job kind used for reminder deliveries.
const JobKindReminder = "reminder"

// ErrEmptyReminderID is returned by Schedule without an id.
var ErrEmptyReminderID = errors.New("reminder id cannot be empty")

// ReminderPayload is the job payload of a reminder delivery.
type ReminderPayload struct {
	ReminderID string `json:"reminder_id"`
	Recipient  string `json:"recipient"`
	Text       string `json:"text"`
}

// Emitter hands an outbound message to the transport queue.
type Emitter interface {
	Emit(ctx context.Context, msg models.OutboundMessage) error
}

// ReminderLister reports the reminder records a user still owns.
type ReminderLister interface {
	ListReminders(ctx context.Context, userID string) ([]models.ReminderRecord, error)
}

// JobScheduler registers reminder deliveries as durable jobs keyed by reminder id.
type JobScheduler struct {
	jobs    store.JobRepo
	metrics *metrics.Collector
}

// NewJobScheduler creates a JobScheduler over the job repository.
func NewJobScheduler(jobs store.JobRepo, m *metrics.Collector) *JobScheduler {
	return &JobScheduler{jobs: jobs, metrics: m}
}

// Schedule registers a delivery of text to recipient at the given time.
// Scheduling the same id again while it is pending is a no-op.
func (s *JobScheduler) Schedule(ctx context.Context, id string, at time.Time, recipient, text string) error {
	if id == "" {
		return ErrEmptyReminderID
	}
	if recipient == "" {
		return models.ErrEmptyRecipient
	}
	payload, err := json.Marshal(ReminderPayload{ReminderID: id, Recipient: recipient, Text: text})
	if err != nil {
		return fmt.Errorf("failed to marshal reminder payload: %w", err)
	}
	jobID, err := s.jobs.EnqueueJob(ctx, JobKindReminder, at.UTC(), string(payload), id)
	if err != nil {
		slog.Error("JobScheduler.Schedule: enqueue failed", "error", err, "reminderID", id)
		return fmt.Errorf("failed to schedule reminder %s: %w", id, err)
	}
	slog.Debug("JobScheduler.Schedule: reminder scheduled", "reminderID", id, "jobID", jobID, "at", at.UTC())
	return nil
}

// Cancel cancels the pending delivery for id. Unknown or already delivered
// ids are not an error.
func (s *JobScheduler) Cancel(ctx context.Context, id string) error {
	n, err := s.jobs.CancelJobsByDedupeKey(ctx, id)
	if err != nil {
		slog.Error("JobScheduler.Cancel: cancel failed", "error", err, "reminderID", id)
		return fmt.Errorf("failed to cancel reminder %s: %w", id, err)
	}
	slog.Debug("JobScheduler.Cancel: reminder canceled", "reminderID", id, "jobs", n)
	return nil
}

// Register installs the reminder handler on runner.
func (s *JobScheduler) Register(runner *store.JobRunner, emitter Emitter, reminders ReminderLister) {
	runner.RegisterHandler(JobKindReminder, ReminderHandler(emitter, reminders, s.metrics))
}

// ReminderHandler returns the job handler that emits a due reminder as a text
// message. When reminders is non-nil, deliveries whose record no longer
// exists are dropped.
func ReminderHandler(emitter Emitter, reminders ReminderLister, m *metrics.Collector) store.JobHandler {
	return func(ctx context.Context, payloadJSON string) error {
		var p ReminderPayload
		if err := json.Unmarshal([]byte(payloadJSON), &p); err != nil {
			// Retrying cannot fix a bad payload.
			slog.Error("ReminderHandler: invalid payload, dropping", "error", err, "payload", payloadJSON)
			return nil
		}

		if reminders != nil {
			live, err := stillScheduled(ctx, reminders, p)
			if err != nil {
				m.ReminderDelivered(err)
				return err
			}
			if !live {
				slog.Info("ReminderHandler: reminder record gone, skipping", "reminderID", p.ReminderID, "recipient", p.Recipient)
				return nil
			}
		}

		err := emitter.Emit(ctx, models.NewTextMessage(p.Recipient, p.Text))
		m.ReminderDelivered(err)
		if err != nil {
			slog.Error("ReminderHandler: emit failed", "error", err, "reminderID", p.ReminderID)
			return fmt.Errorf("failed to emit reminder %s: %w", p.ReminderID, err)
		}
		slog.Debug("ReminderHandler: reminder emitted", "reminderID", p.ReminderID, "recipient", p.Recipient)
		return nil
	}
}

func stillScheduled(ctx context.Context, reminders ReminderLister, p ReminderPayload) (bool, error) {
	recs, err := reminders.ListReminders(ctx, p.Recipient)
	if err != nil {
		return false, fmt.Errorf("failed to list reminders for %s: %w", p.Recipient, err)
	}
	for _, r := range recs {
		if r.ID == p.ReminderID {
			return true, nil
		}
	}
	return false, nil
}
