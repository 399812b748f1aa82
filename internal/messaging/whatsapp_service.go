package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/NiaCoach/internal/models"
	"github.com/BTreeMap/NiaCoach/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client   whatsapp.WhatsAppSender
	waClient *whatsapp.Client // Access to underlying client for event handling
	inbound  chan models.Inbound
	mu       sync.RWMutex
	stopped  bool
}

var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService creates a new WhatsAppService wrapping the given WhatsAppSender.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	service := &WhatsAppService{
		client:  client,
		inbound: make(chan models.Inbound, DefaultChannelBufferSize),
	}

	// If the client is a full Client (not just an interface), store it for event handling
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}
	return service
}

// ValidateAndCanonicalizeRecipient reduces a phone number or JID user to its digits.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone("WhatsAppService", recipient)
}

// Start registers the WhatsApp event handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService no full client available, skipping event handling (likely mock)")
		return nil
	}
	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			s.handleIncomingMessage(v)
		case *events.Receipt:
			slog.Debug("WhatsAppService receipt", "type", v.Type, "from", v.MessageSource.Sender.User, "count", len(v.MessageIDs))
		case *events.Disconnected:
			slog.Warn("WhatsAppService disconnected; whatsmeow will reconnect")
		}
	})
	slog.Info("WhatsAppService event handler registered")
	return nil
}

// Stop closes the inbound channel. Later sends fail with ErrServiceStopped.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.inbound)
	if s.waClient != nil && s.waClient.GetClient() != nil {
		s.waClient.GetClient().Disconnect()
	}
	slog.Info("WhatsAppService stopped")
	return nil
}

// Send delivers msg. Choices are rendered as numbered text.
func (s *WhatsAppService) Send(ctx context.Context, msg models.OutboundMessage) error {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	to, err := s.ValidateAndCanonicalizeRecipient(msg.Recipient)
	if err != nil {
		return err
	}

	slog.Debug("WhatsAppService Send invoked", "to", to, "kind", msg.Kind)
	switch msg.Kind {
	case models.MessageText:
		err = s.client.SendMessage(ctx, to, msg.Text)
	case models.MessageChoice:
		err = s.client.SendMessage(ctx, to, msg.Fallback())
	case models.MessageVideo:
		err = s.client.SendVideo(ctx, to, msg.VideoURL, msg.Width, msg.Height, msg.Text)
	case models.MessageFile:
		err = s.client.SendDocument(ctx, to, msg.Path, msg.Text)
	default:
		return fmt.Errorf("%w: %q", models.ErrUnknownMessageKind, msg.Kind)
	}
	if err != nil {
		slog.Error("WhatsAppService Send error", "error", err, "to", to, "kind", msg.Kind)
		return err
	}
	return nil
}

// Inbound returns the channel of incoming messages.
func (s *WhatsAppService) Inbound() <-chan models.Inbound {
	return s.inbound
}

// handleIncomingMessage forwards direct text messages from other users.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}

	var text string
	switch {
	case evt.Message.Conversation != nil:
		text = evt.Message.GetConversation()
	case evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil:
		text = evt.Message.ExtendedTextMessage.GetText()
	default:
		slog.Debug("WhatsAppService ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}

	in := models.Inbound{
		MessageID: string(evt.Info.ID),
		From:      evt.Info.Sender.User,
		Name:      evt.Info.PushName,
		Body:      text,
		Time:      evt.Info.Timestamp.Unix(),
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("WhatsAppService dropping inbound message (service stopped)", "from", in.From)
		return
	}
	emitInbound("WhatsAppService", s.inbound, in)
}
