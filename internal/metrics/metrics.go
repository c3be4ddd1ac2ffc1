package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides observability for the nonconformity workflow. Each instance
// owns its registry so tests and multiple engines do not collide.
type Metrics struct {
	Registry *prometheus.Registry

	// Stage transitions by source and target state
	Transitions *prometheus.CounterVec

	// Rejected writes by guard rule
	ValidationFailures *prometheus.CounterVec

	// Actions moved to the open stage
	ActionsOpened prometheus.Counter

	// Reminder deliveries by outcome: "sent", "failed"
	Reminders *prometheus.CounterVec

	// Mail deliveries by transport and outcome
	MailDeliveries *prometheus.CounterVec

	// Event webhook deliveries by outcome
	WebhookDeliveries *prometheus.CounterVec

	SweepLatency prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mgmtsystem_nonconformity_transitions_total",
			Help: "Nonconformity stage transitions by source and target state",
		}, []string{"from", "to"}),

		ValidationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mgmtsystem_validation_failures_total",
			Help: "Writes rejected by the stage-transition guard",
		}, []string{"rule"}),

		ActionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mgmtsystem_actions_opened_total",
			Help: "Actions opened, directly or when their nonconformity went in progress",
		}),

		Reminders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mgmtsystem_reminders_total",
			Help: "Deadline reminders by outcome",
		}, []string{"outcome"}),

		MailDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mgmtsystem_mail_deliveries_total",
			Help: "Mail deliveries by transport and outcome",
		}, []string{"transport", "outcome"}),

		WebhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mgmtsystem_event_webhook_deliveries_total",
			Help: "Event log webhook deliveries by outcome",
		}, []string{"outcome"}),

		SweepLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mgmtsystem_reminder_sweep_duration_seconds",
			Help:    "Duration of a deadline reminder sweep",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
	}
	m.Registry.MustRegister(m.Transitions, m.ValidationFailures, m.ActionsOpened, m.Reminders, m.MailDeliveries, m.WebhookDeliveries, m.SweepLatency)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) IncTransition(from, to string) {
	if m != nil {
		m.Transitions.WithLabelValues(from, to).Inc()
	}
}

func (m *Metrics) IncValidationFailure(rule string) {
	if m != nil {
		m.ValidationFailures.WithLabelValues(rule).Inc()
	}
}

func (m *Metrics) IncActionOpened() {
	if m != nil {
		m.ActionsOpened.Inc()
	}
}

func (m *Metrics) IncReminder(outcome string) {
	if m != nil {
		m.Reminders.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncMailDelivery(transport, outcome string) {
	if m != nil {
		m.MailDeliveries.WithLabelValues(transport, outcome).Inc()
	}
}

func (m *Metrics) IncWebhookDelivery(outcome string) {
	if m != nil {
		m.WebhookDeliveries.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ObserveSweep(d time.Duration) {
	if m != nil {
		m.SweepLatency.Observe(d.Seconds())
	}
}
