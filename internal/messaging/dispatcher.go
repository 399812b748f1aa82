package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/BTreeMap/NiaCoach/internal/metrics"
	"github.com/BTreeMap/NiaCoach/internal/models"
	"github.com/BTreeMap/NiaCoach/internal/store"
)

// Emitter accepts outbound messages for delivery.
type Emitter interface {
	Emit(ctx context.Context, msg models.OutboundMessage) error
}

// InboundHandler receives routed inbound events. userID is the canonical
// phone number of the sender.
type InboundHandler interface {
	OnInboundText(ctx context.Context, userID, text string) error
	OnInboundCommand(ctx context.Context, userID, command, args string) error
	OnInboundChoice(ctx context.Context, userID, value string) error
}

// Dispatcher routes inbound events from a Service to an InboundHandler.
// Events carrying a transport message id are routed at most once when a
// DedupRepo is configured.
type Dispatcher struct {
	svc     Service
	handler InboundHandler
	dedup   store.DedupRepo
	metrics *metrics.Collector
	wg      sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. dedup and m may be nil.
func NewDispatcher(svc Service, handler InboundHandler, dedup store.DedupRepo, m *metrics.Collector) *Dispatcher {
	return &Dispatcher{svc: svc, handler: handler, dedup: dedup, metrics: m}
}

// Run reads the service's inbound channel until it is closed or ctx is done.
// Each event is handled on its own goroutine. Run waits for them before returning.
func (d *Dispatcher) Run(ctx context.Context) {
	slog.Info("Dispatcher.Run: starting")
	defer func() {
		d.wg.Wait()
		slog.Info("Dispatcher.Run: stopped")
	}()
	inbound := d.svc.Inbound()
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-inbound:
			if !ok {
				return
			}
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				if err := d.Process(ctx, in); err != nil {
					slog.Error("Dispatcher.Run: processing failed", "from", in.From, "messageID", in.MessageID, "error", err)
				}
			}()
		}
	}
}

// Process routes a single inbound event: choices first, then commands, then text.
func (d *Dispatcher) Process(ctx context.Context, in models.Inbound) error {
	userID, err := d.svc.ValidateAndCanonicalizeRecipient(in.From)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}

	if d.dedup != nil && in.MessageID != "" {
		fresh, err := d.dedup.RecordInbound(ctx, in.MessageID, userID)
		if err != nil {
			return fmt.Errorf("failed to record inbound message: %w", err)
		}
		if !fresh {
			slog.Debug("Dispatcher.Process: duplicate message skipped", "messageID", in.MessageID, "userID", userID)
			return nil
		}
		defer func() {
			if err := d.dedup.MarkProcessed(ctx, in.MessageID); err != nil {
				slog.Error("Dispatcher.Process: mark processed failed", "messageID", in.MessageID, "error", err)
			}
		}()
	}

	if in.Name != "" {
		ctx = models.WithSenderName(ctx, in.Name)
	}

	kind := in.Classify()
	d.metrics.Inbound(string(kind))
	slog.Debug("Dispatcher.Process: routing", "userID", userID, "kind", kind)

	switch kind {
	case models.InboundChoice:
		err = d.handler.OnInboundChoice(ctx, userID, in.Choice)
	case models.InboundCommand:
		command, args, _ := models.ParseCommand(in.Body)
		err = d.handler.OnInboundCommand(ctx, userID, command, args)
	default:
		err = d.handler.OnInboundText(ctx, userID, strings.TrimSpace(in.Body))
	}
	if err != nil {
		return fmt.Errorf("%s handler failed: %w", kind, err)
	}
	return nil
}
