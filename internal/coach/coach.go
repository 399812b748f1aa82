package coach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/BTreeMap/NiaCoach/internal/documents"
	"github.com/BTreeMap/NiaCoach/internal/lock"
	"github.com/BTreeMap/NiaCoach/internal/models"
	"github.com/BTreeMap/NiaCoach/internal/retry"
	"github.com/BTreeMap/NiaCoach/internal/store"
)

// Commands understood by the engine.
const (
	CommandStart         = "start"
	CommandTalk          = "talk"
	CommandJournal       = "pdf_feature"
	CommandStopReminders = "stop_reminders"
	CommandHelp          = "help"
)

// ErrStoreFailure wraps conversation store errors returned by the engine.
var ErrStoreFailure = errors.New("conversation store failure")

var errEmptyReply = errors.New("empty chat reply")

// Option configures an Engine.
type Option func(*Engine)

// WithPersona sets the coach persona. The default is DefaultPersona().
func WithPersona(p Persona) Option {
	return func(e *Engine) { e.persona = p }
}

// WithTemplater enables the journal document export.
func WithTemplater(t documents.Templater) Option {
	return func(e *Engine) { e.templater = t }
}

// WithLocker sets the per-user lock. The default is an in-process KeyedMutex.
func WithLocker(l lock.Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithRetryPolicy sets the retry policy around chat and journal-start generation.
func WithRetryPolicy(p retry.Policy) Option {
	return func(e *Engine) { e.retry = p }
}

// Engine is the conversation engine. All handlers for one user run under
// that user's lock.
type Engine struct {
	store     store.ConversationStore
	gen       Generator
	emitter   Emitter
	reminders *ReminderScheduler
	templater documents.Templater
	locker    lock.Locker
	persona   Persona
	retry     retry.Policy
}

// NewEngine creates an Engine.
func NewEngine(st store.ConversationStore, gen Generator, emitter Emitter, reminders *ReminderScheduler, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		gen:       gen,
		emitter:   emitter,
		reminders: reminders,
		locker:    lock.NewKeyedMutex(),
		persona:   DefaultPersona(),
		retry:     retry.Default("chat"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnInboundText handles a text message. Texts starting with "/" are commands.
func (e *Engine) OnInboundText(ctx context.Context, userID, text string) error {
	if command, args, ok := models.ParseCommand(text); ok {
		return e.OnInboundCommand(ctx, userID, command, args)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	unlock, err := e.locker.Lock(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	profile, err := e.ensureProfile(ctx, userID)
	if err != nil {
		return e.storeFailure(ctx, userID, err)
	}

	step := profile.Step
	if !step.Valid() {
		slog.Warn("Engine.OnInboundText: unknown step, treating as free chat", "userID", userID, "step", int(step))
		step = models.StepFreeChat
	}
	slog.Debug("Engine.OnInboundText", "userID", userID, "step", step.String())

	switch step {
	case models.StepAwaitingName:
		return e.onboard(ctx, userID, text)
	case models.StepAwaitingReminderCount:
		n, ok := parseReminderCount(text)
		if !ok {
			return e.emit(ctx, models.NewTextMessage(userID, reminderCountReprompt))
		}
		return e.createReminders(ctx, profile, n)
	case models.StepJournal:
		return e.continueJournal(ctx, userID, text)
	default:
		return e.chat(ctx, userID, text)
	}
}

// OnInboundCommand handles "/command args". Commands create the profile if needed.
func (e *Engine) OnInboundCommand(ctx context.Context, userID, command, args string) error {
	unlock, err := e.locker.Lock(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := e.ensureProfile(ctx, userID); err != nil {
		return e.storeFailure(ctx, userID, err)
	}
	slog.Debug("Engine.OnInboundCommand", "userID", userID, "command", command)

	switch strings.ToLower(command) {
	case CommandStart:
		if err := e.store.UpdateProfile(ctx, userID, models.ProfileUpdate{}.WithStep(models.StepAwaitingName)); err != nil {
			return e.storeFailure(ctx, userID, err)
		}
		return e.sayHello(ctx, userID)
	case CommandTalk:
		if strings.TrimSpace(args) == "" {
			return e.emit(ctx, models.NewTextMessage(userID, helpText))
		}
		return e.chat(ctx, userID, args)
	case CommandJournal:
		if err := e.store.UpdateProfile(ctx, userID, models.ProfileUpdate{}.WithStep(models.StepJournal)); err != nil {
			return e.storeFailure(ctx, userID, err)
		}
		return e.startJournal(ctx, userID)
	case CommandStopReminders:
		n, err := e.reminders.CancelBatch(ctx, userID)
		if err != nil {
			return e.storeFailure(ctx, userID, err)
		}
		slog.Info("Engine.OnInboundCommand: reminders stopped", "userID", userID, "count", n)
		return e.emit(ctx, models.NewTextMessage(userID, remindersStoppedText))
	default:
		return e.emit(ctx, models.NewTextMessage(userID, helpText))
	}
}

// OnInboundChoice handles a reminder-count choice ("setReminder-N" or "N").
// Choices from unknown users are ignored.
func (e *Engine) OnInboundChoice(ctx context.Context, userID, value string) error {
	unlock, err := e.locker.Lock(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	profile, err := e.store.GetProfile(ctx, userID)
	if err != nil {
		return e.storeFailure(ctx, userID, err)
	}
	if profile == nil {
		slog.Warn("Engine.OnInboundChoice: choice from unknown user ignored", "userID", userID, "value", value)
		return nil
	}

	n, ok := parseReminderCount(strings.TrimPrefix(value, choiceValuePrefix))
	if !ok {
		return e.emit(ctx, models.NewTextMessage(userID, reminderCountReprompt))
	}
	return e.createReminders(ctx, profile, n)
}

func (e *Engine) ensureProfile(ctx context.Context, userID string) (*models.UserProfile, error) {
	profile, err := e.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if profile != nil {
		return profile, nil
	}
	name := strings.TrimSpace(models.SenderName(ctx))
	slog.Info("Engine.ensureProfile: creating user", "userID", userID, "displayName", name)
	return e.store.CreateProfile(ctx, userID, name)
}

func (e *Engine) sayHello(ctx context.Context, userID string) error {
	v := e.persona.IntroVideo
	return e.emit(ctx,
		models.NewVideoMessage(userID, v.URL, v.Width, v.Height),
		models.NewTextMessage(userID, askNameText),
	)
}

func (e *Engine) onboard(ctx context.Context, userID, name string) error {
	update := models.ProfileUpdate{}.WithName(name).WithStep(models.StepAwaitingReminderCount)
	if err := e.store.UpdateProfile(ctx, userID, update); err != nil {
		return e.storeFailure(ctx, userID, err)
	}
	return e.emit(ctx,
		models.NewTextMessage(userID, welcomeText(name)),
		models.NewTextMessage(userID, onboardingMissionText),
		models.NewTextMessage(userID, onboardingRemindersText),
		models.NewTextMessage(userID, onboardingTherapyText),
		models.NewTextMessage(userID, reminderCountPrompt),
		reminderCountChoice(userID),
	)
}

func reminderCountChoice(userID string) models.OutboundMessage {
	choices := make([]models.Choice, 0, models.MaxRemindersPerDay)
	for n := models.MinRemindersPerDay; n <= models.MaxRemindersPerDay; n++ {
		choices = append(choices, models.Choice{Label: strconv.Itoa(n), Value: choiceValuePrefix + strconv.Itoa(n)})
	}
	return models.NewChoiceMessage(userID, "Reminders per day:", choices...)
}

// createReminders replaces the user's batch and moves them to free chat.
func (e *Engine) createReminders(ctx context.Context, profile *models.UserProfile, n int) error {
	userID := profile.ID
	if err := e.emit(ctx,
		models.NewTextMessage(userID, batchIntroText(n)),
		models.NewTextMessage(userID, notificationNudgeText),
	); err != nil {
		return err
	}

	if _, err := e.reminders.CreateBatch(ctx, userID, profile.Name, n); err != nil {
		return e.storeFailure(ctx, userID, err)
	}
	if err := e.store.UpdateProfile(ctx, userID, models.ProfileUpdate{}.WithStep(models.StepFreeChat)); err != nil {
		return e.storeFailure(ctx, userID, err)
	}
	return e.emit(ctx, models.NewTextMessage(userID, batchClosingText))
}

type turn struct {
	reply   string
	history models.Transcript
}

// chat runs one free chat turn. When generation keeps failing the user gets
// an apology and the transcript is left as it was.
func (e *Engine) chat(ctx context.Context, userID, msg string) error {
	history, err := e.store.GetTranscript(ctx, userID, models.TopicChat)
	if err != nil {
		return e.storeFailure(ctx, userID, err)
	}

	t, err := retry.DoValue(ctx, e.retry, func(ctx context.Context) (turn, error) {
		reply, updated, err := e.gen.Converse(ctx, e.persona.ChatSystemPrompt(), history, msg)
		if err == nil && strings.TrimSpace(reply) == "" {
			err = errEmptyReply
		}
		return turn{reply: reply, history: updated}, err
	})
	if err != nil {
		slog.Error("Engine.chat: generation failed", "userID", userID, "error", err)
		return e.emit(ctx, models.NewTextMessage(userID, apologyText))
	}

	if err := e.store.SetTranscript(ctx, userID, models.TopicChat, t.history); err != nil {
		return e.storeFailure(ctx, userID, err)
	}
	return e.emit(ctx, models.NewTextMessage(userID, t.reply))
}

func (e *Engine) emit(ctx context.Context, msgs ...models.OutboundMessage) error {
	for _, msg := range msgs {
		if err := e.emitter.Emit(ctx, msg); err != nil {
			return fmt.Errorf("failed to emit %s message: %w", msg.Kind, err)
		}
	}
	return nil
}

// storeFailure tells the user something went wrong and returns err wrapped
// in ErrStoreFailure.
func (e *Engine) storeFailure(ctx context.Context, userID string, err error) error {
	slog.Error("Engine: store failure", "userID", userID, "error", err)
	if emitErr := e.emitter.Emit(ctx, models.NewTextMessage(userID, storeFailureText)); emitErr != nil {
		slog.Error("Engine: failed to emit store failure message", "userID", userID, "error", emitErr)
	}
	return fmt.Errorf("%w: %w", ErrStoreFailure, err)
}

func parseReminderCount(s string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || models.ValidateRemindersPerDay(n) != nil {
		return 0, false
	}
	return n, true
}
