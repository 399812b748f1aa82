// Package messaging connects the coach to chat transports.
//
// A Service sends outbound messages of every kind and yields normalized
// inbound events. Outbound messages go through the durable outbox
// (OutboxEmitter, NewOutboxSendFunc); inbound events are deduplicated and
// routed by the Dispatcher.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/BTreeMap/NiaCoach/internal/models"
)

// Constants for service configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for inbound channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

var (
	// ErrServiceStopped is returned by sends after Stop.
	ErrServiceStopped = errors.New("messaging service stopped")
	// ErrMediaUnsupported is returned when a transport cannot carry a message kind.
	ErrMediaUnsupported = errors.New("media not supported by transport")
)

// phoneNumberRegex matches everything that is not a digit.
var phoneNumberRegex = regexp.MustCompile(`\D`)

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// Send delivers one outbound message, dispatching on its kind.
	Send(ctx context.Context, msg models.OutboundMessage) error

	// Start begins any background processing (e.g., event handling).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the inbound channel.
	Stop() error

	// Inbound returns a channel of normalized inbound messages.
	Inbound() <-chan models.Inbound
}

// canonicalizePhone strips every non-digit and requires at least 6 digits.
func canonicalizePhone(service, recipient string) (string, error) {
	if recipient == "" {
		return "", models.ErrEmptyRecipient
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	if canonical != recipient {
		slog.Debug(service+" canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// emitInbound pushes in onto ch, dropping it if the channel stays full.
func emitInbound(service string, ch chan<- models.Inbound, in models.Inbound) {
	select {
	case ch <- in:
		slog.Debug(service+" inbound message forwarded", "from", in.From, "messageID", in.MessageID)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(service+" inbound channel blocked, dropping message", "from", in.From, "timeout", DefaultChannelTimeout)
	}
}
