// Package metrics provides Prometheus metrics for the assistant.
//
// All recording methods are safe to call on a nil *Metrics, so components
// can run without instrumentation in tests and CLI commands.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Delivery results recorded by the scheduler.
const (
	DeliveryDelivered  = "delivered"
	DeliveryRetry      = "retry"
	DeliveryDeadLetter = "dead_letter"
)

// Metrics holds all Prometheus metrics for the assistant.
type Metrics struct {
	registry *prometheus.Registry

	// Inbound traffic
	InboundMessagesTotal *prometheus.CounterVec
	DuplicateMessages    prometheus.Counter

	// Dialogue loop
	DialoguesTotal      *prometheus.CounterVec
	DialogueSteps       prometheus.Histogram
	DialogueDuration    prometheus.Histogram
	LLMRequestDuration  *prometheus.HistogramVec
	ToolCallsTotal      *prometheus.CounterVec
	ConversationsResets prometheus.Counter

	// Scheduler
	TasksScheduledTotal  *prometheus.CounterVec
	DeliveriesTotal      *prometheus.CounterVec
	SchedulerCycles      prometheus.Counter
	SchedulerLastCycleAt prometheus.Gauge

	// Outbound
	OutboundMessagesTotal *prometheus.CounterVec
}

// New creates and registers all metrics on a private registry, together
// with the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{registry: reg}

	m.InboundMessagesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mwaai_inbound_messages_total",
			Help: "Total number of inbound messages by type",
		},
		[]string{"channel", "type"},
	)

	m.DuplicateMessages = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "mwaai_inbound_duplicates_total",
			Help: "Inbound messages dropped because their id was already processed",
		},
	)

	m.DialoguesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mwaai_dialogues_total",
			Help: "Total number of dialogue runs by outcome",
		},
		[]string{"outcome"},
	)

	m.DialogueSteps = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mwaai_dialogue_steps",
			Help:    "Number of model calls per dialogue run",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
	)

	m.DialogueDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mwaai_dialogue_duration_seconds",
			Help:    "Duration of dialogue runs in seconds",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 20, 40, 80},
		},
	)

	m.LLMRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mwaai_llm_request_duration_seconds",
			Help:    "Duration of completion requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	m.ToolCallsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mwaai_tool_calls_total",
			Help: "Total number of tool executions",
		},
		[]string{"tool", "status"},
	)

	m.ConversationsResets = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "mwaai_conversation_resets_total",
			Help: "Total number of conversations cleared by the user",
		},
	)

	m.TasksScheduledTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mwaai_tasks_scheduled_total",
			Help: "Total number of tasks written to the task store",
		},
		[]string{"kind"},
	)

	m.DeliveriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mwaai_scheduler_deliveries_total",
			Help: "Scheduled deliveries by result",
		},
		[]string{"result"},
	)

	m.SchedulerCycles = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "mwaai_scheduler_cycles_total",
			Help: "Total number of scheduler poll cycles",
		},
	)

	m.SchedulerLastCycleAt = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "mwaai_scheduler_last_cycle_timestamp_seconds",
			Help: "Unix time of the last completed scheduler cycle",
		},
	)

	m.OutboundMessagesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mwaai_outbound_messages_total",
			Help: "Total number of outbound messages by status",
		},
		[]string{"channel", "status"},
	)

	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordInbound records an inbound message.
func (m *Metrics) RecordInbound(channel, msgType string) {
	if m == nil {
		return
	}
	m.InboundMessagesTotal.WithLabelValues(channel, msgType).Inc()
}

// RecordDuplicate records an inbound message dropped by deduplication.
func (m *Metrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.DuplicateMessages.Inc()
}

// RecordDialogue records a finished dialogue run.
func (m *Metrics) RecordDialogue(outcome string, steps int, duration time.Duration) {
	if m == nil {
		return
	}
	m.DialoguesTotal.WithLabelValues(outcome).Inc()
	m.DialogueSteps.Observe(float64(steps))
	m.DialogueDuration.Observe(duration.Seconds())
}

// RecordReset records a conversation reset.
func (m *Metrics) RecordReset() {
	if m == nil {
		return
	}
	m.ConversationsResets.Inc()
}

// RecordLLMRequest records a completion request.
func (m *Metrics) RecordLLMRequest(err error, duration time.Duration) {
	if m == nil {
		return
	}
	m.LLMRequestDuration.WithLabelValues(status(err)).Observe(duration.Seconds())
}

// RecordToolCall records a tool execution.
func (m *Metrics) RecordToolCall(tool string, failed bool) {
	if m == nil {
		return
	}
	s := "success"
	if failed {
		s = "error"
	}
	m.ToolCallsTotal.WithLabelValues(tool, s).Inc()
}

// RecordTaskScheduled records a task written by a scheduling tool.
func (m *Metrics) RecordTaskScheduled(kind string) {
	if m == nil {
		return
	}
	m.TasksScheduledTotal.WithLabelValues(kind).Inc()
}

// RecordDelivery records the result of a scheduled delivery.
func (m *Metrics) RecordDelivery(result string) {
	if m == nil {
		return
	}
	m.DeliveriesTotal.WithLabelValues(result).Inc()
}

// RecordSchedulerCycle records a completed poll cycle.
func (m *Metrics) RecordSchedulerCycle(at time.Time) {
	if m == nil {
		return
	}
	m.SchedulerCycles.Inc()
	m.SchedulerLastCycleAt.Set(float64(at.Unix()))
}

// RecordOutbound records an outbound message.
func (m *Metrics) RecordOutbound(channel string, err error) {
	if m == nil {
		return
	}
	m.OutboundMessagesTotal.WithLabelValues(channel, status(err)).Inc()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
