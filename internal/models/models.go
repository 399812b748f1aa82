// Package models defines the core data structures for NiaCoach.
//
// It includes user profiles and their onboarding step, chat transcripts, reminder
// records and outbound messages, which are shared across modules.
package models

import (
	"errors"
	"fmt"
	"time"
)

// Step is the onboarding stage of a user. It selects how an inbound text is handled.
type Step int

const (
	// StepAwaitingName waits for the user to tell the coach their name.
	StepAwaitingName Step = 0
	// StepAwaitingReminderCount waits for the number of daily reminders (1-3).
	StepAwaitingReminderCount Step = 1
	// StepFreeChat forwards every text to the chat sub-flow.
	StepFreeChat Step = 2
	// StepJournal forwards every text to the morning journal sub-flow.
	StepJournal Step = 3
)

// Transcript topics.
const (
	TopicChat           = "chat"
	TopicMorningJournal = "morning-journal"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Reminder batch shape: ReminderDays buckets of N reminders each.
const (
	ReminderDays        = 7
	MinRemindersPerDay  = 1
	MaxRemindersPerDay  = 3
	ReminderSlotSpacing = 20 * time.Minute
)

var (
	ErrInvalidStep         = errors.New("invalid onboarding step")
	ErrEmptyUserID         = errors.New("user id cannot be empty")
	ErrEmptyRecipient      = errors.New("recipient cannot be empty")
	ErrUnknownMessageKind  = errors.New("unknown outbound message kind")
	ErrInvalidReminderRate = errors.New("reminders per day must be between 1 and 3")
)

// Valid reports whether s is one of the known onboarding steps.
func (s Step) Valid() bool {
	switch s {
	case StepAwaitingName, StepAwaitingReminderCount, StepFreeChat, StepJournal:
		return true
	default:
		return false
	}
}

func (s Step) String() string {
	switch s {
	case StepAwaitingName:
		return "awaiting-name"
	case StepAwaitingReminderCount:
		return "awaiting-reminder-count"
	case StepFreeChat:
		return "free-chat"
	case StepJournal:
		return "in-journal-flow"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ParseStep converts a stored integer into a Step, rejecting unknown values.
func ParseStep(v int) (Step, error) {
	s := Step(v)
	if !s.Valid() {
		return s, fmt.Errorf("%w: %d", ErrInvalidStep, v)
	}
	return s, nil
}

// UserProfile is the persisted identity and onboarding state of a user.
type UserProfile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Step      Step      `json:"step"`
	CreatedAt time.Time `json:"created_at"`
}

// ProfileUpdate is a partial update; nil fields are left untouched.
type ProfileUpdate struct {
	Name *string
	Step *Step
}

// WithName returns a copy of u with the name set.
func (u ProfileUpdate) WithName(name string) ProfileUpdate {
	u.Name = &name
	return u
}

// WithStep returns a copy of u with the step set.
func (u ProfileUpdate) WithStep(step Step) ProfileUpdate {
	u.Step = &step
	return u
}

// Apply writes the set fields of u into p.
func (u ProfileUpdate) Apply(p *UserProfile) {
	if u.Name != nil {
		p.Name = *u.Name
	}
	if u.Step != nil {
		p.Step = *u.Step
	}
}

// Validate rejects updates that would store an unknown step.
func (u ProfileUpdate) Validate() error {
	if u.Step != nil && !u.Step.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidStep, int(*u.Step))
	}
	return nil
}

// Turn represents a single message in a chat transcript.
type Turn struct {
	Role      string    `json:"role"`    // "user" or "assistant"
	Content   string    `json:"content"` // message content
	Timestamp time.Time `json:"timestamp"`
}

// Transcript is the ordered history of one topic for one user.
type Transcript []Turn

// ReminderRecord is one scheduled reminder delivery owned by a user.
type ReminderRecord struct {
	ID   string    `json:"id"`
	At   time.Time `json:"date"`
	Text string    `json:"text"`
}

// ValidateRemindersPerDay checks the daily reminder cadence chosen by a user.
func ValidateRemindersPerDay(n int) error {
	if n < MinRemindersPerDay || n > MaxRemindersPerDay {
		return fmt.Errorf("%w: got %d", ErrInvalidReminderRate, n)
	}
	return nil
}
