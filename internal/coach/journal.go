package coach

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BTreeMap/NiaCoach/internal/documents"
	"github.com/BTreeMap/NiaCoach/internal/models"
	"github.com/BTreeMap/NiaCoach/internal/retry"
	"github.com/BTreeMap/NiaCoach/internal/util"
)

// Journal document template fields, in sentence order.
var journalFields = []string{
	"daily_feeling",
	"daily_action_item",
	"daily_looking_forward_to",
	"daily_affirmation",
}

var (
	// ErrMalformedJournalReply is returned when a journal reply is not the expected JSON object.
	ErrMalformedJournalReply = errors.New("malformed journal reply")
	// ErrNoTemplater is returned when a journal completes without a document templater.
	ErrNoTemplater = errors.New("journal export not configured")
)

// JournalReply is the JSON object the model returns on every journal turn.
type JournalReply struct {
	NewMessageForUser string   `json:"newMessageForUser"`
	IsDone            bool     `json:"isDone"`
	Sentences         []string `json:"sentences"`
}

func parseJournalReply(raw json.RawMessage) (JournalReply, error) {
	var r JournalReply
	if err := json.Unmarshal(raw, &r); err != nil {
		return r, fmt.Errorf("%w: %w", ErrMalformedJournalReply, err)
	}
	if r.IsDone && len(r.Sentences) < len(journalFields) {
		return r, fmt.Errorf("%w: done with %d sentences", ErrMalformedJournalReply, len(r.Sentences))
	}
	if !r.IsDone && strings.TrimSpace(r.NewMessageForUser) == "" {
		return r, fmt.Errorf("%w: no message for user", ErrMalformedJournalReply)
	}
	return r, nil
}

// startJournal opens a new morning journal transcript and sends the first question.
func (e *Engine) startJournal(ctx context.Context, userID string) error {
	prompt := journalPrompt(e.persona.Role)
	type opening struct {
		reply   JournalReply
		history models.Transcript
	}
	o, err := retry.DoValue(ctx, e.retry, func(ctx context.Context) (opening, error) {
		raw, history, err := e.gen.ConverseJSON(ctx, "", nil, prompt)
		if err != nil {
			return opening{}, err
		}
		reply, err := parseJournalReply(raw)
		if err == nil && reply.IsDone {
			err = fmt.Errorf("%w: journal done before it started", ErrMalformedJournalReply)
		}
		if err != nil {
			return opening{}, retry.Permanent(err)
		}
		return opening{reply: reply, history: history}, nil
	})
	if err != nil {
		slog.Error("Engine.startJournal: generation failed", "userID", userID, "error", err)
		if emitErr := e.emit(ctx, models.NewTextMessage(userID, apologyText)); emitErr != nil {
			return emitErr
		}
		return fmt.Errorf("failed to start journal: %w", err)
	}

	if err := e.store.SetTranscript(ctx, userID, models.TopicMorningJournal, o.history); err != nil {
		return e.storeFailure(ctx, userID, err)
	}
	return e.emit(ctx, models.NewTextMessage(userID, o.reply.NewMessageForUser))
}

// continueJournal passes the user's answer to the journal transcript. When the
// model reports the journal done, the document is exported and sent and the
// user returns to free chat.
func (e *Engine) continueJournal(ctx context.Context, userID, text string) error {
	history, err := e.store.GetTranscript(ctx, userID, models.TopicMorningJournal)
	if err != nil {
		return e.storeFailure(ctx, userID, err)
	}

	raw, updated, err := e.gen.ConverseJSON(ctx, "", history, text)
	if err == nil {
		var reply JournalReply
		reply, err = parseJournalReply(raw)
		if err == nil {
			return e.finishJournalTurn(ctx, userID, reply, updated)
		}
	}
	slog.Error("Engine.continueJournal: turn failed", "userID", userID, "error", err)
	if emitErr := e.emit(ctx, models.NewTextMessage(userID, apologyText)); emitErr != nil {
		slog.Error("Engine.continueJournal: failed to emit apology", "userID", userID, "error", emitErr)
	}
	return fmt.Errorf("journal turn failed: %w", err)
}

func (e *Engine) finishJournalTurn(ctx context.Context, userID string, reply JournalReply, history models.Transcript) error {
	if err := e.store.SetTranscript(ctx, userID, models.TopicMorningJournal, history); err != nil {
		return e.storeFailure(ctx, userID, err)
	}
	if reply.NewMessageForUser != "" {
		if err := e.emit(ctx, models.NewTextMessage(userID, reply.NewMessageForUser)); err != nil {
			return err
		}
	}
	if !reply.IsDone {
		return nil
	}

	path, err := e.exportJournal(ctx, reply.Sentences)
	if err != nil {
		slog.Error("Engine.finishJournalTurn: export failed", "userID", userID, "error", err)
		if emitErr := e.emit(ctx, models.NewTextMessage(userID, apologyText)); emitErr != nil {
			slog.Error("Engine.finishJournalTurn: failed to emit apology", "userID", userID, "error", emitErr)
		}
		return fmt.Errorf("journal export failed: %w", err)
	}
	if err := e.emit(ctx,
		models.NewTextMessage(userID, journalDoneText),
		models.NewFileMessage(userID, path),
	); err != nil {
		return err
	}
	if err := e.store.UpdateProfile(ctx, userID, models.ProfileUpdate{}.WithStep(models.StepFreeChat)); err != nil {
		return e.storeFailure(ctx, userID, err)
	}
	slog.Info("Engine.finishJournalTurn: journal completed", "userID", userID, "path", path)
	return nil
}

// exportJournal fills the journal template with the four sentences and
// exports it as a PDF under the persona's export directory.
func (e *Engine) exportJournal(ctx context.Context, sentences []string) (string, error) {
	if e.templater == nil {
		return "", ErrNoTemplater
	}
	handle, err := e.templater.CreateFromTemplate(ctx, e.persona.JournalTemplateID)
	if err != nil {
		return "", err
	}
	for i, field := range journalFields {
		err := e.templater.FillField(ctx, handle, field, sentences[i])
		if errors.Is(err, documents.ErrPlaceholderNotFound) {
			slog.Warn("Engine.exportJournal: placeholder missing from template", "field", field, "document", handle)
			continue
		}
		if err != nil {
			return "", err
		}
	}

	if err := os.MkdirAll(e.persona.ExportDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create export dir: %w", err)
	}
	path := filepath.Join(e.persona.ExportDir, "morning-journal-"+util.GenerateRandomHex(16)+".pdf")
	if err := e.templater.ExportAsFile(ctx, handle, path); err != nil {
		return "", err
	}
	return path, nil
}
