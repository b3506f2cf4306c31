package chat

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts messaging activity. A nil *Metrics records nothing.
type Metrics struct {
	messagesSent     prometheus.Counter
	reactionsToggled *prometheus.CounterVec
	seenTransitions  *prometheus.CounterVec
	optionsToggled   *prometheus.CounterVec
}

// NewMetrics creates the counters and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dm",
			Name:      "messages_sent_total",
			Help:      "Messages inserted by composers.",
		}),
		reactionsToggled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dm",
			Name:      "reactions_toggled_total",
			Help:      "Reaction toggles by resulting action.",
		}, []string{"action"}),
		seenTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dm",
			Name:      "seen_transitions_total",
			Help:      "Batched delivered/read updates issued by viewers.",
		}, []string{"state"}),
		optionsToggled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dm",
			Name:      "options_changed_total",
			Help:      "Conversation option changes.",
		}, []string{"option"}),
	}
	if reg != nil {
		reg.MustRegister(m.messagesSent, m.reactionsToggled, m.seenTransitions, m.optionsToggled)
	}
	return m
}

func (m *Metrics) messageSent() {
	if m != nil {
		m.messagesSent.Inc()
	}
}

func (m *Metrics) reactionToggled(action string) {
	if m != nil {
		m.reactionsToggled.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) seen(state string) {
	if m != nil {
		m.seenTransitions.WithLabelValues(state).Inc()
	}
}

func (m *Metrics) optionChanged(option string) {
	if m != nil {
		m.optionsToggled.WithLabelValues(option).Inc()
	}
}
