// Package coach implements the Nia conversation engine.
//
// The Engine runs the per-user onboarding state machine (awaiting-name,
// awaiting-reminder-count, free-chat, in-journal-flow), the free chat and
// morning journal sub-dialogs, and drives the ReminderScheduler. Everything
// the engine says is handed to an Emitter; it never talks to a transport.
//
// Failures are handled per dependency:
//
//	Generator, chat turn        retried (3 x 5 s), then an apology; transcript not saved
//	Generator, reminder content retried (3 x 5 s), then fallback text for every slot
//	Generator, journal start    retried (3 x 5 s), then an apology
//	Generator, journal reply    not retried; malformed JSON fails the turn
//	DeliveryScheduler.Cancel    logged and ignored
//	DeliveryScheduler.Schedule  logged; the slot is skipped
//	Templater.FillField         missing placeholder logged and ignored
//	Templater (other calls)     fails the journal turn
//	ConversationStore           returned to the caller; the user gets a generic message
//	Emitter                     returned to the caller
package coach

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BTreeMap/NiaCoach/internal/models"
)

// Generator produces chat replies and JSON documents. *genai.Client implements it.
type Generator interface {
	Converse(ctx context.Context, systemPrompt string, history models.Transcript, msg string) (string, models.Transcript, error)
	ConverseJSON(ctx context.Context, systemPrompt string, history models.Transcript, msg string) (json.RawMessage, models.Transcript, error)
	GenerateStructured(ctx context.Context, systemPrompt, userPrompt string) (json.RawMessage, error)
}

// DeliveryScheduler delivers a reminder text at a future time.
// *delivery.JobScheduler implements it.
type DeliveryScheduler interface {
	Schedule(ctx context.Context, id string, at time.Time, recipient, text string) error
	// Cancel must tolerate unknown ids.
	Cancel(ctx context.Context, id string) error
}

// Emitter accepts outbound messages. *messaging.OutboxEmitter implements it.
type Emitter interface {
	Emit(ctx context.Context, msg models.OutboundMessage) error
}
