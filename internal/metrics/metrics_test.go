package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Counters(t *testing.T) {
	c := NewCollector()

	c.Generation("chat", nil)
	c.Generation("chat", errors.New("boom"))
	c.Generation("chat", errors.New("boom"))
	c.ReminderScheduled()
	c.ReminderScheduled()
	c.ReminderFailed()
	c.RemindersCanceled(3)
	c.RemindersCanceled(0)
	c.Outbound("text", "enqueued")
	c.Inbound("command")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.generations.WithLabelValues("chat", OutcomeSuccess)))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.generations.WithLabelValues("chat", OutcomeFailure)))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.remindersCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.remindersFailed))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.remindersCanceled))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.outbound.WithLabelValues("text", "enqueued")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.inbound.WithLabelValues("command")))
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.Generation("chat", nil)
		c.ReminderScheduled()
		c.ReminderFailed()
		c.RemindersCanceled(2)
		c.ReminderDelivered(nil)
		c.Outbound("text", "sent")
		c.Inbound("text")
	})
	assert.Nil(t, c.Registry())
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector()
	c.Outbound("video", "sent")

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.True(t, strings.Contains(string(body), `niacoach_outbound_messages_total{kind="video",stage="sent"} 1`))
}
