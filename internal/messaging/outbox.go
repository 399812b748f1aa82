package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/NiaCoach/internal/metrics"
	"github.com/BTreeMap/NiaCoach/internal/models"
	"github.com/BTreeMap/NiaCoach/internal/store"
)

// Waker is notified after a message is enqueued. *store.OutboxSender implements it.
type Waker interface {
	Wake()
}

// OutboxEmitter turns outbound messages into durable outbox rows. The
// OutboxSender delivers them per recipient in enqueue order.
type OutboxEmitter struct {
	repo    store.OutboxRepo
	waker   Waker
	metrics *metrics.Collector
}

// NewOutboxEmitter creates an emitter. waker and m may be nil.
func NewOutboxEmitter(repo store.OutboxRepo, waker Waker, m *metrics.Collector) *OutboxEmitter {
	return &OutboxEmitter{repo: repo, waker: waker, metrics: m}
}

// Emit validates msg and enqueues it for its recipient.
func (e *OutboxEmitter) Emit(ctx context.Context, msg models.OutboundMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	payload, err := msg.MarshalPayload()
	if err != nil {
		return err
	}
	id, err := e.repo.EnqueueOutboxMessage(ctx, msg.Recipient, string(msg.Kind), payload, "")
	if err != nil {
		return fmt.Errorf("failed to enqueue %s message for %s: %w", msg.Kind, msg.Recipient, err)
	}
	slog.Debug("OutboxEmitter.Emit: enqueued", "id", id, "recipient", msg.Recipient, "kind", msg.Kind)
	e.metrics.Outbound(string(msg.Kind), "enqueued")
	if e.waker != nil {
		e.waker.Wake()
	}
	return nil
}

// NewOutboxSendFunc adapts a Service to the outbox sender callback.
func NewOutboxSendFunc(svc Service, m *metrics.Collector) store.OutboxSendFunc {
	return func(ctx context.Context, row store.OutboxMessage) error {
		msg, err := models.UnmarshalOutbound(row.PayloadJSON)
		if err != nil {
			return err
		}
		if err := svc.Send(ctx, msg); err != nil {
			m.Outbound(string(msg.Kind), "failed")
			return err
		}
		m.Outbound(string(msg.Kind), "sent")
		return nil
	}
}
