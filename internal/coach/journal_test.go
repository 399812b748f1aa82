package coach

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BTreeMap/NiaCoach/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	journalOpen   = `{"newMessageForUser": "How are you feeling today?", "isDone": false, "sentences": []}`
	journalStep1  = `{"newMessageForUser": "Lovely. What will you do for yourself?", "isDone": false, "sentences": []}`
	journalStep2  = `{"newMessageForUser": "And what are you looking forward to?", "isDone": false, "sentences": []}`
	journalFinish = `{"newMessageForUser": "Beautiful affirmation!", "isDone": true, "sentences": ["Today I am feeling calm", "Today I am going to walk", "Today I am looking forward to dinner", "My affirmation today is I am strong"]}`
)

func TestJournal_FullFlow(t *testing.T) {
	h := newHarness(t)
	h.setStep(t, models.StepFreeChat)
	h.gen.jsonReplies = []string{journalOpen, journalStep1, journalStep2, journalFinish}
	ctx := context.Background()

	require.NoError(t, h.engine.OnInboundCommand(ctx, user, "pdf_feature", ""))
	assert.Equal(t, models.StepJournal, h.step(t))
	sent := h.emitter.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "How are you feeling today?", sent[0].Text)

	opening, err := h.store.GetTranscript(ctx, user, models.TopicMorningJournal)
	require.NoError(t, err)
	require.Len(t, opening, 2)
	assert.Contains(t, opening[0].Content, "morning gratitude journal")
	assert.Contains(t, opening[0].Content, "JSON")

	h.emitter.reset()
	require.NoError(t, h.engine.OnInboundText(ctx, user, "calm"))
	require.NoError(t, h.engine.OnInboundText(ctx, user, "walk"))
	assert.Equal(t, models.StepJournal, h.step(t))
	require.NoError(t, h.engine.OnInboundText(ctx, user, "I am strong"))

	sent = h.emitter.sent()
	require.Len(t, sent, 5)
	assert.Equal(t, "Lovely. What will you do for yourself?", sent[0].Text)
	assert.Equal(t, "And what are you looking forward to?", sent[1].Text)
	assert.Equal(t, "Beautiful affirmation!", sent[2].Text)
	assert.Equal(t, journalDoneText, sent[3].Text)
	assert.Equal(t, models.MessageFile, sent[4].Kind)

	path := sent[4].Path
	assert.True(t, strings.HasPrefix(filepath.Base(path), "morning-journal-"))
	assert.Equal(t, ".pdf", filepath.Ext(path))
	assert.Equal(t, []string{path}, h.tmpl.exported)
	assert.Equal(t, "Today I am feeling calm", h.tmpl.fields["daily_feeling"])
	assert.Equal(t, "Today I am going to walk", h.tmpl.fields["daily_action_item"])
	assert.Equal(t, "Today I am looking forward to dinner", h.tmpl.fields["daily_looking_forward_to"])
	assert.Equal(t, "My affirmation today is I am strong", h.tmpl.fields["daily_affirmation"])

	assert.Equal(t, models.StepFreeChat, h.step(t))
	transcript, _ := h.store.GetTranscript(ctx, user, models.TopicMorningJournal)
	assert.Len(t, transcript, 8)
}

func TestJournal_MalformedReplyFailsTurn(t *testing.T) {
	h := newHarness(t)
	h.setStep(t, models.StepJournal)
	ctx := context.Background()
	before := models.Transcript{{Role: models.RoleUser, Content: "prompt"}, {Role: models.RoleAssistant, Content: journalOpen}}
	require.NoError(t, h.store.SetTranscript(ctx, user, models.TopicMorningJournal, before))
	h.gen.jsonReplies = []string{`{"newMessageForUser": 42}`}

	err := h.engine.OnInboundText(ctx, user, "calm")
	require.ErrorIs(t, err, ErrMalformedJournalReply)
	assert.Equal(t, 1, h.gen.jsonCalls)
	assert.Equal(t, models.StepJournal, h.step(t))
	after, _ := h.store.GetTranscript(ctx, user, models.TopicMorningJournal)
	assert.Len(t, after, 2)
	assert.Equal(t, apologyText, h.emitter.sent()[0].Text)
}

func TestJournal_ReplyWithoutMessageFailsTurn(t *testing.T) {
	h := newHarness(t)
	h.setStep(t, models.StepJournal)
	ctx := context.Background()
	before := models.Transcript{{Role: models.RoleUser, Content: "prompt"}, {Role: models.RoleAssistant, Content: journalOpen}}
	require.NoError(t, h.store.SetTranscript(ctx, user, models.TopicMorningJournal, before))
	h.gen.jsonReplies = []string{`{"isDone": false, "sentences": []}`}

	err := h.engine.OnInboundText(ctx, user, "calm")
	require.ErrorIs(t, err, ErrMalformedJournalReply)
	assert.Equal(t, models.StepJournal, h.step(t))
	after, _ := h.store.GetTranscript(ctx, user, models.TopicMorningJournal)
	assert.Equal(t, before, after)
	sent := h.emitter.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, apologyText, sent[0].Text)
}

func TestJournal_StartWithoutMessageApologizes(t *testing.T) {
	for name, opening := range map[string]string{
		"wrong field":  `{"message": "hi"}`,
		"already done": journalFinish,
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.setStep(t, models.StepFreeChat)
			h.gen.jsonReplies = []string{opening}
			ctx := context.Background()

			err := h.engine.OnInboundCommand(ctx, user, CommandJournal, "")
			require.ErrorIs(t, err, ErrMalformedJournalReply)
			assert.Equal(t, 1, h.gen.jsonCalls)
			sent := h.emitter.sent()
			require.Len(t, sent, 1)
			assert.Equal(t, apologyText, sent[0].Text)
			transcript, _ := h.store.GetTranscript(ctx, user, models.TopicMorningJournal)
			assert.Empty(t, transcript)
			assert.Empty(t, h.tmpl.exported)
		})
	}
}

func TestJournal_DoneWithTooFewSentences(t *testing.T) {
	h := newHarness(t)
	h.setStep(t, models.StepJournal)
	h.gen.jsonReplies = []string{`{"newMessageForUser": "Done!", "isDone": true, "sentences": ["a", "b", "c"]}`}

	err := h.engine.OnInboundText(context.Background(), user, "done")
	require.ErrorIs(t, err, ErrMalformedJournalReply)
	assert.Empty(t, h.tmpl.exported)
	assert.Equal(t, models.StepJournal, h.step(t))
}

func TestJournal_ReplyIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.setStep(t, models.StepJournal)
	h.gen.jsonErr = errGeneration

	err := h.engine.OnInboundText(context.Background(), user, "calm")
	require.ErrorIs(t, err, errGeneration)
	assert.Equal(t, 1, h.gen.jsonCalls)
}

func TestJournal_StartIsRetried(t *testing.T) {
	h := newHarness(t)
	h.setStep(t, models.StepFreeChat)
	h.gen.jsonErr = errGeneration

	err := h.engine.OnInboundCommand(context.Background(), user, "pdf_feature", "")
	require.ErrorIs(t, err, errGeneration)
	assert.Equal(t, fastRetry.Retries+1, h.gen.jsonCalls)
	assert.Equal(t, apologyText, h.emitter.sent()[0].Text)
}

func TestJournal_MissingPlaceholderIsTolerated(t *testing.T) {
	h := newHarness(t)
	h.setStep(t, models.StepJournal)
	h.tmpl.missing = map[string]bool{"daily_affirmation": true}
	h.gen.jsonReplies = []string{journalFinish}

	require.NoError(t, h.engine.OnInboundText(context.Background(), user, "I am strong"))
	assert.Len(t, h.tmpl.exported, 1)
	assert.NotContains(t, h.tmpl.fields, "daily_affirmation")
	assert.Equal(t, models.StepFreeChat, h.step(t))
}

func TestJournal_NoTemplater(t *testing.T) {
	h := newHarness(t)
	h.engine.templater = nil
	h.setStep(t, models.StepJournal)
	h.gen.jsonReplies = []string{journalFinish}

	err := h.engine.OnInboundText(context.Background(), user, "I am strong")
	require.ErrorIs(t, err, ErrNoTemplater)
	assert.Equal(t, models.StepJournal, h.step(t))
}

func TestParseJournalReply(t *testing.T) {
	r, err := parseJournalReply([]byte(journalStep1))
	require.NoError(t, err)
	assert.False(t, r.IsDone)

	_, err = parseJournalReply([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformedJournalReply)

	_, err = parseJournalReply([]byte(`{"newMessageForUser": " ", "isDone": false}`))
	assert.ErrorIs(t, err, ErrMalformedJournalReply)

	r, err = parseJournalReply([]byte(`{"isDone": true, "sentences": ["a", "b", "c", "d"]}`))
	require.NoError(t, err)
	assert.True(t, r.IsDone)
}
