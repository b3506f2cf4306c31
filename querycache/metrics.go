package querycache

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	hits      *prometheus.CounterVec
	misses    *prometheus.CounterVec
	refetches *prometheus.CounterVec
}

func newMetrics() *metrics {
	return &metrics{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dm",
			Subsystem: "querycache",
			Name:      "hits_total",
			Help:      "Cache reads served from a fresh entry.",
		}, []string{"kind"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dm",
			Subsystem: "querycache",
			Name:      "misses_total",
			Help:      "Cache reads that had to fetch.",
		}, []string{"kind"}),
		refetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dm",
			Subsystem: "querycache",
			Name:      "refetches_total",
			Help:      "Invalidations that re-ran a subscribed fetch.",
		}, []string{"kind"}),
	}
}

func (m *metrics) register(reg prometheus.Registerer) {
	if reg == nil {
		return
	}
	reg.MustRegister(m.hits, m.misses, m.refetches)
}

func (m *metrics) hit(k Key)     { m.hits.WithLabelValues(k.kind.String()).Inc() }
func (m *metrics) miss(k Key)    { m.misses.WithLabelValues(k.kind.String()).Inc() }
func (m *metrics) refetch(k Key) { m.refetches.WithLabelValues(k.kind.String()).Inc() }
