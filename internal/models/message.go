package models

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// MessageKind tags the variant carried by an OutboundMessage.
type MessageKind string

const (
	MessageText   MessageKind = "text"
	MessageVideo  MessageKind = "video"
	MessageFile   MessageKind = "file"
	MessageChoice MessageKind = "choice"
)

// Choice is one button of a choice prompt.
type Choice struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// OutboundMessage is a message addressed to one recipient. Exactly one of the
// kind-specific fields is meaningful for a given Kind.
type OutboundMessage struct {
	Kind      MessageKind `json:"kind"`
	Recipient string      `json:"recipient"`

	Text string `json:"text,omitempty"`

	// Video
	VideoURL string `json:"video_url,omitempty"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`

	// File
	Path string `json:"path,omitempty"`

	// Choice
	Choices []Choice `json:"choices,omitempty"`
}

// NewTextMessage builds a plain text message.
func NewTextMessage(to, text string) OutboundMessage {
	return OutboundMessage{Kind: MessageText, Recipient: to, Text: text}
}

// NewVideoMessage builds a video message with its display dimensions.
func NewVideoMessage(to, url string, width, height int) OutboundMessage {
	return OutboundMessage{Kind: MessageVideo, Recipient: to, VideoURL: url, Width: width, Height: height}
}

// NewFileMessage builds a message carrying a local file.
func NewFileMessage(to, path string) OutboundMessage {
	return OutboundMessage{Kind: MessageFile, Recipient: to, Path: path}
}

// NewChoiceMessage builds a prompt with a fixed set of choices.
func NewChoiceMessage(to, text string, choices ...Choice) OutboundMessage {
	return OutboundMessage{Kind: MessageChoice, Recipient: to, Text: text, Choices: choices}
}

// Validate checks that the message is addressed and carries the fields its kind needs.
func (m OutboundMessage) Validate() error {
	if strings.TrimSpace(m.Recipient) == "" {
		return ErrEmptyRecipient
	}
	switch m.Kind {
	case MessageText:
		if m.Text == "" {
			return fmt.Errorf("text message has no body")
		}
	case MessageVideo:
		if m.VideoURL == "" {
			return fmt.Errorf("video message has no url")
		}
	case MessageFile:
		if m.Path == "" {
			return fmt.Errorf("file message has no path")
		}
	case MessageChoice:
		if len(m.Choices) == 0 {
			return fmt.Errorf("choice message has no choices")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessageKind, m.Kind)
	}
	return nil
}

// Fallback renders the message as plain text for transports that lack the kind.
func (m OutboundMessage) Fallback() string {
	switch m.Kind {
	case MessageChoice:
		labels := make([]string, 0, len(m.Choices))
		for _, c := range m.Choices {
			labels = append(labels, c.Label)
		}
		return fmt.Sprintf("%s\n(reply with %s)", m.Text, strings.Join(labels, ", "))
	case MessageVideo:
		return m.VideoURL
	default:
		return m.Text
	}
}

// MarshalPayload encodes the message for the outbox.
func (m OutboundMessage) MarshalPayload() (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal outbound message: %w", err)
	}
	return string(b), nil
}

// UnmarshalOutbound decodes a payload written by MarshalPayload.
func UnmarshalOutbound(payload string) (OutboundMessage, error) {
	var m OutboundMessage
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return m, fmt.Errorf("failed to unmarshal outbound message: %w", err)
	}
	return m, nil
}

// InboundKind classifies an inbound event after normalization.
type InboundKind string

const (
	InboundText    InboundKind = "text"
	InboundCommand InboundKind = "command"
	InboundChoice  InboundKind = "choice"
)

// Inbound is a transport-neutral inbound event.
type Inbound struct {
	MessageID string `json:"message_id"`
	From      string `json:"from"`
	Name      string `json:"name,omitempty"` // sender display name, when the transport supplies one
	Body      string `json:"body"`
	Choice    string `json:"choice,omitempty"` // button payload, when the transport supplies one
	Time      int64  `json:"time"`
}

type senderNameKey struct{}

// WithSenderName returns a context carrying the inbound sender's display name.
func WithSenderName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, senderNameKey{}, name)
}

// SenderName returns the display name stored by WithSenderName, or "".
func SenderName(ctx context.Context) string {
	name, _ := ctx.Value(senderNameKey{}).(string)
	return name
}

// ParseCommand splits "/cmd args" into its parts. Any body starting with "/"
// is a command; the command name ends at the first whitespace and may be empty.
// ok is false when body is not a command.
func ParseCommand(body string) (command, args string, ok bool) {
	body = strings.TrimSpace(body)
	if !strings.HasPrefix(body, "/") {
		return "", "", false
	}
	rest := body[1:]
	if i := strings.IndexFunc(rest, unicode.IsSpace); i >= 0 {
		command, args = rest[:i], rest[i:]
	} else {
		command = rest
	}
	// Telegram-style "/cmd@bot"
	command, _, _ = strings.Cut(command, "@")
	return strings.ToLower(command), strings.TrimSpace(args), true
}

// Classify returns how the dispatcher should route the event.
func (in Inbound) Classify() InboundKind {
	if in.Choice != "" {
		return InboundChoice
	}
	if _, _, ok := ParseCommand(in.Body); ok {
		return InboundCommand
	}
	return InboundText
}
