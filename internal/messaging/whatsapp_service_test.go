package messaging

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/NiaCoach/internal/models"
	"github.com/BTreeMap/NiaCoach/internal/whatsapp"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

func TestWhatsAppService_SendDispatchesByKind(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mockClient)
	ctx := context.Background()

	msgs := []models.OutboundMessage{
		models.NewTextMessage("+1 (555) 123-4567", "hello"),
		models.NewVideoMessage("15551234567", "https://example.com/intro.mp4", 720, 1280),
		models.NewFileMessage("15551234567", "/tmp/journal.pdf"),
		models.NewChoiceMessage("15551234567", "How many?", models.Choice{Label: "1", Value: "setReminder-1"}, models.Choice{Label: "2", Value: "setReminder-2"}),
	}
	for _, m := range msgs {
		if err := svc.Send(ctx, m); err != nil {
			t.Fatalf("Send(%s) returned error: %v", m.Kind, err)
		}
	}

	sent := mockClient.Messages()
	if len(sent) != 4 {
		t.Fatalf("expected 4 sends, got %d", len(sent))
	}
	if sent[0].Kind != "text" || sent[0].To != "15551234567" || sent[0].Body != "hello" {
		t.Errorf("unexpected text send: %+v", sent[0])
	}
	if sent[1].Kind != "video" || sent[1].Width != 720 || sent[1].Height != 1280 {
		t.Errorf("unexpected video send: %+v", sent[1])
	}
	if sent[2].Kind != "document" || sent[2].Path != "/tmp/journal.pdf" {
		t.Errorf("unexpected document send: %+v", sent[2])
	}
	if sent[3].Kind != "text" || !strings.Contains(sent[3].Body, "1, 2") {
		t.Errorf("choice should be sent as text fallback, got %+v", sent[3])
	}
}

func TestWhatsAppService_SendRejectsInvalid(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	ctx := context.Background()

	if err := svc.Send(ctx, models.NewTextMessage("", "hi")); !errors.Is(err, models.ErrEmptyRecipient) {
		t.Errorf("expected ErrEmptyRecipient, got %v", err)
	}
	if err := svc.Send(ctx, models.NewTextMessage("123", "hi")); err == nil {
		t.Error("expected error for short phone number")
	}
	if err := svc.Send(ctx, models.OutboundMessage{Kind: "sticker", Recipient: "15551234567"}); !errors.Is(err, models.ErrUnknownMessageKind) {
		t.Errorf("expected ErrUnknownMessageKind, got %v", err)
	}
}

func TestWhatsAppService_SendPropagatesClientError(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	mockClient.Err = errors.New("not connected")
	svc := NewWhatsAppService(mockClient)

	if err := svc.Send(context.Background(), models.NewTextMessage("15551234567", "hi")); err == nil {
		t.Fatal("expected client error to propagate")
	}
}

// Test Start and Stop do not error and close channels
func TestWhatsAppService_StartStop(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mockClient)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop returned error: %v", err)
	}
	in, ok := <-svc.Inbound()
	if ok {
		t.Errorf("expected inbound channel closed, got value %v", in)
	}
	if err := svc.Send(context.Background(), models.NewTextMessage("15551234567", "hi")); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped after Stop, got %v", err)
	}
}

func newMessageEvent(from, id, text string) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Sender: types.NewJID(from, types.DefaultUserServer),
				Chat:   types.NewJID(from, types.DefaultUserServer),
			},
			ID:        types.MessageID(id),
			Timestamp: time.Unix(1700000000, 0),
		},
		Message: &waE2E.Message{Conversation: proto.String(text)},
	}
}

func TestWhatsAppService_HandleIncomingMessage(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())

	evt := newMessageEvent("15551234567", "ABC123", "/start")
	evt.Info.PushName = "Ana K"
	svc.handleIncomingMessage(evt)

	select {
	case in := <-svc.Inbound():
		if in.From != "15551234567" || in.MessageID != "ABC123" || in.Body != "/start" || in.Time != 1700000000 || in.Name != "Ana K" {
			t.Errorf("unexpected inbound: %+v", in)
		}
	default:
		t.Fatal("expected inbound message, got none")
	}
}

func TestWhatsAppService_HandleIncomingMessageIgnoresOwnAndGroup(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())

	own := newMessageEvent("15551234567", "A", "hi")
	own.Info.IsFromMe = true
	group := newMessageEvent("15551234567", "B", "hi")
	group.Info.IsGroup = true
	media := newMessageEvent("15551234567", "C", "")
	media.Message = &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}}

	for _, evt := range []*events.Message{own, group, media} {
		svc.handleIncomingMessage(evt)
	}
	select {
	case in := <-svc.Inbound():
		t.Fatalf("expected no inbound message, got %+v", in)
	default:
	}
}
