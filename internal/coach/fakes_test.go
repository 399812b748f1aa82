package coach

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/BTreeMap/NiaCoach/internal/documents"
	"github.com/BTreeMap/NiaCoach/internal/models"
	"github.com/BTreeMap/NiaCoach/internal/retry"
	"github.com/BTreeMap/NiaCoach/internal/store"
)

var errGeneration = errors.New("model unavailable")

// fastRetry keeps the retry count of the default policy without the delay.
var fastRetry = retry.Policy{Retries: retry.DefaultRetries, Name: "test"}

type fakeGenerator struct {
	mu sync.Mutex

	converseErrs   int // failures before Converse succeeds; -1 fails forever
	converseCalls  int
	emptyReply     bool // Converse succeeds with a blank reply
	lastSystem     string
	jsonReplies    []string // served in order by ConverseJSON
	jsonErr        error
	jsonCalls      int
	structured     string
	structuredErr  error
	structuredCall int
}

func (g *fakeGenerator) Converse(ctx context.Context, systemPrompt string, history models.Transcript, msg string) (string, models.Transcript, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.converseCalls++
	g.lastSystem = systemPrompt
	if g.converseErrs < 0 || g.converseCalls <= g.converseErrs {
		return "", nil, errGeneration
	}
	reply := "reply to " + msg
	if g.emptyReply {
		reply = "  "
	}
	return reply, appendTurn(history, msg, reply), nil
}

func (g *fakeGenerator) ConverseJSON(ctx context.Context, systemPrompt string, history models.Transcript, msg string) (json.RawMessage, models.Transcript, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.jsonCalls++
	if g.jsonErr != nil {
		return nil, nil, g.jsonErr
	}
	if len(g.jsonReplies) == 0 {
		return nil, nil, errGeneration
	}
	reply := g.jsonReplies[0]
	g.jsonReplies = g.jsonReplies[1:]
	return json.RawMessage(reply), appendTurn(history, msg, reply), nil
}

func (g *fakeGenerator) GenerateStructured(ctx context.Context, systemPrompt, userPrompt string) (json.RawMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.structuredCall++
	if g.structuredErr != nil {
		return nil, g.structuredErr
	}
	return json.RawMessage(g.structured), nil
}

func appendTurn(history models.Transcript, msg, reply string) models.Transcript {
	out := append(models.Transcript(nil), history...)
	return append(out,
		models.Turn{Role: models.RoleUser, Content: msg},
		models.Turn{Role: models.RoleAssistant, Content: reply},
	)
}

func reminderJSON(n int) string {
	msgs := make([]string, n)
	for i := range msgs {
		msgs[i] = "motivation " + string(rune('A'+i))
	}
	b, _ := json.Marshal(map[string][]string{"messages": msgs})
	return string(b)
}

// recordingEmitter rejects invalid messages the way the outbox does.
type recordingEmitter struct {
	mu   sync.Mutex
	msgs []models.OutboundMessage
}

func (e *recordingEmitter) Emit(ctx context.Context, msg models.OutboundMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.msgs = append(e.msgs, msg)
	return nil
}

func (e *recordingEmitter) sent() []models.OutboundMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.OutboundMessage(nil), e.msgs...)
}

func (e *recordingEmitter) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.msgs = nil
}

func sentTexts(msgs []models.OutboundMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}

func countKind(msgs []models.OutboundMessage, kind models.MessageKind) int {
	n := 0
	for _, m := range msgs {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

type scheduledReminder struct {
	at        time.Time
	recipient string
	text      string
}

type fakeDelivery struct {
	mu          sync.Mutex
	scheduled   map[string]scheduledReminder
	canceled    []string
	failFor     map[string]bool // ids whose Schedule fails
	failEvery   bool
	cancelError error
}

func newFakeDelivery() *fakeDelivery {
	return &fakeDelivery{scheduled: map[string]scheduledReminder{}, failFor: map[string]bool{}}
}

func (d *fakeDelivery) Schedule(ctx context.Context, id string, at time.Time, recipient, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failEvery || d.failFor[id] {
		return errors.New("queue unavailable")
	}
	d.scheduled[id] = scheduledReminder{at: at, recipient: recipient, text: text}
	return nil
}

func (d *fakeDelivery) Cancel(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.canceled = append(d.canceled, id)
	delete(d.scheduled, id)
	return d.cancelError
}

func (d *fakeDelivery) active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.scheduled)
}

type fakeTemplater struct {
	mu       sync.Mutex
	fields   map[string]string
	missing  map[string]bool
	exported []string
	err      error
}

func (t *fakeTemplater) CreateFromTemplate(ctx context.Context, templateID string) (documents.Handle, error) {
	if t.err != nil {
		return "", t.err
	}
	return documents.Handle("copy-of-" + templateID), nil
}

func (t *fakeTemplater) FillField(ctx context.Context, h documents.Handle, name, value string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.missing[name] {
		return documents.ErrPlaceholderNotFound
	}
	if t.fields == nil {
		t.fields = map[string]string{}
	}
	t.fields[name] = value
	return nil
}

func (t *fakeTemplater) ExportAsFile(ctx context.Context, h documents.Handle, path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exported = append(t.exported, path)
	return nil
}

// failingStore fails every profile read.
type failingStore struct {
	store.ConversationStore
}

func (failingStore) GetProfile(ctx context.Context, userID string) (*models.UserProfile, error) {
	return nil, errors.New("database is locked")
}
