package models

import (
	"context"
	"errors"
	"testing"
)

func TestStepValid(t *testing.T) {
	for _, s := range []Step{StepAwaitingName, StepAwaitingReminderCount, StepFreeChat, StepJournal} {
		if !s.Valid() {
			t.Errorf("expected %v to be valid", s)
		}
	}
	for _, v := range []int{-1, 4, 99} {
		if _, err := ParseStep(v); !errors.Is(err, ErrInvalidStep) {
			t.Errorf("ParseStep(%d) error = %v, want ErrInvalidStep", v, err)
		}
	}
}

func TestProfileUpdateApply(t *testing.T) {
	p := UserProfile{ID: "u1", Name: "old", Step: StepAwaitingName}

	ProfileUpdate{}.WithStep(StepFreeChat).Apply(&p)
	if p.Name != "old" || p.Step != StepFreeChat {
		t.Fatalf("step-only update changed name or missed step: %+v", p)
	}

	ProfileUpdate{}.WithName("Ana").Apply(&p)
	if p.Name != "Ana" || p.Step != StepFreeChat {
		t.Fatalf("name-only update: %+v", p)
	}

	if err := (ProfileUpdate{}).WithStep(Step(7)).Validate(); !errors.Is(err, ErrInvalidStep) {
		t.Errorf("Validate() = %v, want ErrInvalidStep", err)
	}
}

func TestValidateRemindersPerDay(t *testing.T) {
	for _, n := range []int{1, 2, 3} {
		if err := ValidateRemindersPerDay(n); err != nil {
			t.Errorf("ValidateRemindersPerDay(%d) = %v", n, err)
		}
	}
	for _, n := range []int{0, 4, -2} {
		if err := ValidateRemindersPerDay(n); !errors.Is(err, ErrInvalidReminderRate) {
			t.Errorf("ValidateRemindersPerDay(%d) = %v, want ErrInvalidReminderRate", n, err)
		}
	}
}

func TestOutboundMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     OutboundMessage
		wantErr error
	}{
		{"text", NewTextMessage("u1", "hi"), nil},
		{"video", NewVideoMessage("u1", "https://example.com/v.mp4", 720, 1280), nil},
		{"file", NewFileMessage("u1", "/tmp/a.pdf"), nil},
		{"choice", NewChoiceMessage("u1", "pick", Choice{Label: "1", Value: "setReminder-1"}), nil},
		{"no recipient", NewTextMessage(" ", "hi"), ErrEmptyRecipient},
		{"unknown kind", OutboundMessage{Kind: "sticker", Recipient: "u1"}, ErrUnknownMessageKind},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if err := (OutboundMessage{Kind: MessageText, Recipient: "u1"}).Validate(); err == nil {
		t.Error("expected empty text body to be rejected")
	}
}

func TestOutboundPayloadRoundTrip(t *testing.T) {
	in := NewChoiceMessage("u1", "How many?", Choice{"1", "setReminder-1"}, Choice{"2", "setReminder-2"})
	payload, err := in.MarshalPayload()
	if err != nil {
		t.Fatalf("MarshalPayload: %v", err)
	}
	out, err := UnmarshalOutbound(payload)
	if err != nil {
		t.Fatalf("UnmarshalOutbound: %v", err)
	}
	if out.Kind != MessageChoice || len(out.Choices) != 2 || out.Choices[1].Value != "setReminder-2" {
		t.Fatalf("round trip lost data: %+v", out)
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		body  string
		cmd   string
		args  string
		isCmd bool
	}{
		{"/start", "start", "", true},
		{"/talk how are you?", "talk", "how are you?", true},
		{"  /PDF_FEATURE  ", "pdf_feature", "", true},
		{"/start@NiaBot", "start", "", true},
		{"/talk\nI feel nervous", "talk", "I feel nervous", true},
		{"/talk\thello there", "talk", "hello there", true},
		{"hello", "", "", false},
		{"hello /start", "", "", false},
		{"/", "", "", true},
		{" / ", "", "", true},
	}
	for _, tt := range tests {
		cmd, args, ok := ParseCommand(tt.body)
		if ok != tt.isCmd || cmd != tt.cmd || args != tt.args {
			t.Errorf("ParseCommand(%q) = (%q, %q, %v), want (%q, %q, %v)", tt.body, cmd, args, ok, tt.cmd, tt.args, tt.isCmd)
		}
	}
}

func TestInboundClassify(t *testing.T) {
	if k := (Inbound{Body: "2", Choice: "setReminder-2"}).Classify(); k != InboundChoice {
		t.Errorf("button payload classified as %q", k)
	}
	if k := (Inbound{Body: "/talk hi"}).Classify(); k != InboundCommand {
		t.Errorf("command classified as %q", k)
	}
	if k := (Inbound{Body: "/"}).Classify(); k != InboundCommand {
		t.Errorf("bare slash classified as %q", k)
	}
	if k := (Inbound{Body: "Ana"}).Classify(); k != InboundText {
		t.Errorf("text classified as %q", k)
	}
}

func TestSenderName(t *testing.T) {
	if got := SenderName(context.Background()); got != "" {
		t.Errorf("SenderName(empty ctx) = %q", got)
	}
	ctx := WithSenderName(context.Background(), "Ana K")
	if got := SenderName(ctx); got != "Ana K" {
		t.Errorf("SenderName = %q, want %q", got, "Ana K")
	}
}

func TestFallback(t *testing.T) {
	m := NewChoiceMessage("u1", "How many?", Choice{"1", "a"}, Choice{"2", "b"})
	if got, want := m.Fallback(), "How many?\n(reply with 1, 2)"; got != want {
		t.Errorf("Fallback() = %q, want %q", got, want)
	}
}
