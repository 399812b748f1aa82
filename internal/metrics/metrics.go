// Package metrics exposes Prometheus counters for the coach runtime.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "niacoach"

// Outcome labels shared by the counters.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Collector holds the Prometheus metrics for one process. All methods are
// safe to call on a nil *Collector, which records nothing.
type Collector struct {
	registry *prometheus.Registry

	generations       *prometheus.CounterVec
	remindersCreated  prometheus.Counter
	remindersFailed   prometheus.Counter
	remindersCanceled prometheus.Counter
	remindersSent     *prometheus.CounterVec
	outbound          *prometheus.CounterVec
	inbound           *prometheus.CounterVec
}

// NewCollector creates a collector backed by its own registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		generations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "generation_calls_total",
				Help:      "Language model calls by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		remindersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "reminders_scheduled_total",
			Help:      "Reminder slots persisted and registered for delivery",
		}),
		remindersFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "reminders_schedule_failed_total",
			Help:      "Reminder slots that could not be persisted or registered",
		}),
		remindersCanceled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "reminders_canceled_total",
			Help:      "Reminder records removed while replacing or stopping a batch",
		}),
		remindersSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "reminders_delivered_total",
				Help:      "Due reminder jobs handed to the outbound queue",
			},
			[]string{"outcome"},
		),
		outbound: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "outbound_messages_total",
				Help:      "Outbound messages by kind and stage (enqueued, sent, failed)",
			},
			[]string{"kind", "stage"},
		),
		inbound: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "inbound_messages_total",
				Help:      "Inbound messages by kind",
			},
			[]string{"kind"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.generations,
		c.remindersCreated,
		c.remindersFailed,
		c.remindersCanceled,
		c.remindersSent,
		c.outbound,
		c.inbound,
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the collector's metrics in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Generation records one language model call.
func (c *Collector) Generation(operation string, err error) {
	if c == nil {
		return
	}
	c.generations.WithLabelValues(operation, outcome(err)).Inc()
}

// ReminderScheduled records one reminder slot that was registered.
func (c *Collector) ReminderScheduled() {
	if c == nil {
		return
	}
	c.remindersCreated.Inc()
}

// ReminderFailed records one reminder slot that was dropped.
func (c *Collector) ReminderFailed() {
	if c == nil {
		return
	}
	c.remindersFailed.Inc()
}

// RemindersCanceled records n removed reminder records.
func (c *Collector) RemindersCanceled(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.remindersCanceled.Add(float64(n))
}

// ReminderDelivered records the hand-off of a due reminder.
func (c *Collector) ReminderDelivered(err error) {
	if c == nil {
		return
	}
	c.remindersSent.WithLabelValues(outcome(err)).Inc()
}

// Outbound records an outbound message transition. stage is one of
// "enqueued", "sent" or "failed".
func (c *Collector) Outbound(kind, stage string) {
	if c == nil {
		return
	}
	c.outbound.WithLabelValues(kind, stage).Inc()
}

// Inbound records one routed inbound message.
func (c *Collector) Inbound(kind string) {
	if c == nil {
		return
	}
	c.inbound.WithLabelValues(kind).Inc()
}

func outcome(err error) string {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}
