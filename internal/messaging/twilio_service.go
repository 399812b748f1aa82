package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/BTreeMap/NiaCoach/internal/documents"
	"github.com/BTreeMap/NiaCoach/internal/models"
	"github.com/BTreeMap/NiaCoach/internal/twiliowhatsapp"
)

// WebhookValidator verifies the X-Twilio-Signature header of a webhook request.
type WebhookValidator interface {
	ValidateWebhook(url string, params map[string]string, signature string) bool
}

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithPublisher lets the service send local files by uploading them and
// passing the resulting URL to Twilio as media.
func WithPublisher(p documents.Publisher) TwilioOption {
	return func(s *TwilioService) { s.publisher = p }
}

// WithWebhookValidation rejects webhooks whose signature does not match.
// publicURL is the URL Twilio is configured to call; when empty it is
// rebuilt from the request.
func WithWebhookValidation(v WebhookValidator, publicURL string) TwilioOption {
	return func(s *TwilioService) {
		s.validator = v
		s.publicURL = publicURL
	}
}

// TwilioService implements the Service interface using Twilio API
type TwilioService struct {
	client    twiliowhatsapp.TwilioWhatsAppSender // Could be real Twilio client or MockClient
	publisher documents.Publisher
	validator WebhookValidator
	publicURL string
	inbound   chan models.Inbound
	mu        sync.RWMutex
	stopped   bool
}

var _ Service = (*TwilioService)(nil)

// NewTwilioService creates a new TwilioService with a real Twilio client
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender, opts ...TwilioOption) *TwilioService {
	service := &TwilioService{
		client:  client,
		inbound: make(chan models.Inbound, DefaultChannelBufferSize),
	}
	for _, opt := range opts {
		opt(service)
	}
	return service
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
// It accepts Twilio addresses such as "whatsapp:+15551234567".
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone("TwilioService", recipient)
}

// Start is a no-op for Twilio; inbound messages arrive through the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the inbound channel and stops the service
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.inbound)
	return nil
}

// Send delivers msg through Twilio. Files need a Publisher.
func (s *TwilioService) Send(ctx context.Context, msg models.OutboundMessage) error {
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
		slog.Error("TwilioService Send validation error", "error", err, "to", msg.Recipient)
		return err
	}

	switch msg.Kind {
	case models.MessageText:
		return s.client.SendMessage(ctx, to, msg.Text)
	case models.MessageChoice:
		return s.client.SendMessage(ctx, to, msg.Fallback())
	case models.MessageVideo:
		return s.client.SendMedia(ctx, to, msg.VideoURL, msg.Text)
	case models.MessageFile:
		if s.publisher == nil {
			return fmt.Errorf("%w: file %s", ErrMediaUnsupported, msg.Path)
		}
		url, err := s.publisher.Publish(ctx, msg.Path)
		if err != nil {
			return fmt.Errorf("failed to publish %s: %w", msg.Path, err)
		}
		return s.client.SendMedia(ctx, to, url, msg.Text)
	default:
		return fmt.Errorf("%w: %q", models.ErrUnknownMessageKind, msg.Kind)
	}
}

// Inbound returns the channel of messages received through the webhook.
func (s *TwilioService) Inbound() <-chan models.Inbound {
	return s.inbound
}

// TwilioWebhookHandler handles inbound Twilio webhook requests.
// It parses incoming messages and emits them into the Inbound() channel.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Twilio webhook received")

	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if s.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if !s.validator.ValidateWebhook(s.webhookURL(r), params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("Twilio webhook signature mismatch", "remote", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")
	choice := r.FormValue("ButtonPayload")

	if from == "" || (body == "" && choice == "") {
		slog.Warn("Twilio webhook missing fields", "from", from)
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		slog.Warn("Twilio webhook invalid sender", "from", from, "error", err)
		http.Error(w, "Invalid sender", http.StatusBadRequest)
		return
	}

	in := models.Inbound{
		MessageID: r.FormValue("MessageSid"),
		From:      canonical,
		Name:      r.FormValue("ProfileName"),
		Body:      body,
		Choice:    choice,
		Time:      time.Now().Unix(),
	}

	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		slog.Warn("TwilioService dropping inbound message (service stopped)", "from", canonical)
		http.Error(w, "Service stopped", http.StatusServiceUnavailable)
		return
	}
	emitInbound("TwilioService", s.inbound, in)
	s.mu.RUnlock()

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *TwilioService) webhookURL(r *http.Request) string {
	if s.publicURL != "" {
		return s.publicURL
	}
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
