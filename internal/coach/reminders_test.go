package coach

import (
	"context"
	"testing"
	"time"

	"github.com/BTreeMap/NiaCoach/internal/models"
	"github.com/BTreeMap/NiaCoach/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var batchNow = time.Date(2030, 5, 1, 9, 47, 13, 500, time.UTC)

func newTestScheduler(st store.ConversationStore, gen *fakeGenerator, d *fakeDelivery) *ReminderScheduler {
	return NewReminderScheduler(st, gen, d, DefaultRole,
		WithClock(func() time.Time { return batchNow }),
		WithReminderRetry(fastRetry),
	)
}

func TestComputeSlotTime(t *testing.T) {
	tests := []struct {
		day, slot int
		want      time.Time
	}{
		{0, 0, time.Date(2030, 5, 1, 10, 0, 0, 0, time.UTC)},
		{0, 2, time.Date(2030, 5, 1, 10, 40, 0, 0, time.UTC)},
		{6, 1, time.Date(2030, 5, 1, 16, 20, 0, 0, time.UTC)},
		{6, 2, time.Date(2030, 5, 1, 16, 40, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ComputeSlotTime(batchNow, tt.day, tt.slot), "day %d slot %d", tt.day, tt.slot)
	}

	// Non-UTC input is normalized.
	local := batchNow.In(time.FixedZone("UTC-4", -4*3600))
	assert.Equal(t, time.UTC, ComputeSlotTime(local, 0, 0).Location())
	assert.True(t, ComputeSlotTime(local, 0, 0).Equal(time.Date(2030, 5, 1, 10, 0, 0, 0, time.UTC)))

	// Crossing midnight.
	late := time.Date(2030, 5, 1, 23, 5, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2030, 5, 2, 6, 20, 0, 0, time.UTC), ComputeSlotTime(late, 6, 1))
}

func TestCreateBatch_TwoPerDay(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	gen := &fakeGenerator{structured: reminderJSON(14)}
	d := newFakeDelivery()
	s := newTestScheduler(st, gen, d)

	n, err := s.CreateBatch(ctx, "15551234567", "Ana", 2)
	require.NoError(t, err)
	assert.Equal(t, 14, n)
	assert.Equal(t, 1, gen.structuredCall)

	recs, err := st.ListReminders(ctx, "15551234567")
	require.NoError(t, err)
	require.Len(t, recs, 14)

	hours := map[int]int{}
	for _, rec := range recs {
		offset := rec.At.Sub(batchNow.Truncate(time.Hour))
		hour := int(offset / time.Hour)
		assert.True(t, hour >= 1 && hour <= 7, "hour offset %d out of range", hour)
		assert.Contains(t, []int{0, 20}, rec.At.Minute())
		assert.Zero(t, rec.At.Second())
		assert.Zero(t, rec.At.Nanosecond())
		hours[hour]++

		sched, ok := d.scheduled[rec.ID]
		require.True(t, ok, "reminder %s not scheduled", rec.ID)
		assert.Equal(t, "15551234567", sched.recipient)
		assert.Equal(t, rec.Text, sched.text)
		assert.True(t, rec.At.Equal(sched.at))
	}
	for h := 1; h <= 7; h++ {
		assert.Equal(t, 2, hours[h], "hour %d", h)
	}

	// Content index is slot + day*N.
	assert.Equal(t, "motivation A", recs[0].Text)
	assert.Equal(t, "motivation B", recs[1].Text)
	assert.Equal(t, "motivation N", recs[13].Text)
}

func TestCreateBatch_ReplacesPreviousBatch(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	d := newFakeDelivery()
	s := newTestScheduler(st, &fakeGenerator{structured: reminderJSON(21)}, d)

	_, err := s.CreateBatch(ctx, "u1", "Ana", 3)
	require.NoError(t, err)
	first, _ := st.ListReminders(ctx, "u1")
	require.Len(t, first, 21)

	_, err = s.CreateBatch(ctx, "u1", "Ana", 1)
	require.NoError(t, err)
	second, _ := st.ListReminders(ctx, "u1")
	require.Len(t, second, 7)
	assert.Equal(t, 7, d.active())

	ids := map[string]bool{}
	for _, rec := range second {
		ids[rec.ID] = true
	}
	for _, rec := range first {
		assert.False(t, ids[rec.ID], "old reminder %s survived", rec.ID)
		assert.Contains(t, d.canceled, rec.ID)
	}
}

func TestCreateBatch_GenerationFailureUsesFallback(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	gen := &fakeGenerator{structuredErr: errGeneration}
	s := newTestScheduler(st, gen, newFakeDelivery())

	n, err := s.CreateBatch(ctx, "u1", "Ana", 1)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, fastRetry.Retries+1, gen.structuredCall)

	recs, _ := st.ListReminders(ctx, "u1")
	for _, rec := range recs {
		assert.Equal(t, fallbackReminder, rec.Text)
	}
}

func TestCreateBatch_ShortOrMalformedContent(t *testing.T) {
	ctx := context.Background()

	st := store.NewInMemoryStore()
	s := newTestScheduler(st, &fakeGenerator{structured: reminderJSON(3)}, newFakeDelivery())
	_, err := s.CreateBatch(ctx, "u1", "Ana", 1)
	require.NoError(t, err)
	recs, _ := st.ListReminders(ctx, "u1")
	require.Len(t, recs, 7)
	assert.Equal(t, "motivation C", recs[2].Text)
	assert.Equal(t, fallbackReminder, recs[3].Text)

	// Malformed JSON is not retried.
	gen := &fakeGenerator{structured: `{"messages": "not a list"}`}
	s = newTestScheduler(store.NewInMemoryStore(), gen, newFakeDelivery())
	_, err = s.CreateBatch(ctx, "u1", "Ana", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, gen.structuredCall)
}

func TestCreateBatch_ScheduleFailuresAreContained(t *testing.T) {
	ctx := context.Background()
	d := newFakeDelivery()
	d.failEvery = true
	st := store.NewInMemoryStore()
	s := newTestScheduler(st, &fakeGenerator{structured: reminderJSON(7)}, d)

	n, err := s.CreateBatch(ctx, "u1", "Ana", 1)
	require.NoError(t, err)
	assert.Zero(t, n)

	// The records stay so the next batch cancels them.
	recs, _ := st.ListReminders(ctx, "u1")
	assert.Len(t, recs, 7)
}

func TestCreateBatch_InvalidCount(t *testing.T) {
	s := newTestScheduler(store.NewInMemoryStore(), &fakeGenerator{}, newFakeDelivery())
	for _, n := range []int{0, 4, -1} {
		_, err := s.CreateBatch(context.Background(), "u1", "Ana", n)
		assert.ErrorIs(t, err, models.ErrInvalidReminderRate)
	}
}

func TestCancelBatch_IgnoresCancelErrors(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	d := newFakeDelivery()
	s := newTestScheduler(st, &fakeGenerator{structured: reminderJSON(14)}, d)

	_, err := s.CreateBatch(ctx, "u1", "Ana", 2)
	require.NoError(t, err)

	d.cancelError = assert.AnError
	n, err := s.CancelBatch(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 14, n)
	recs, _ := st.ListReminders(ctx, "u1")
	assert.Empty(t, recs)

	n, err = s.CancelBatch(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, n)
}
