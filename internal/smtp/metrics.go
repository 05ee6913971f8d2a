package smtp

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records session activity. A nil *Metrics records nothing.
type Metrics struct {
	active   prometheus.Gauge
	sessions *prometheus.CounterVec
	replies  *prometheus.CounterVec
	duration prometheus.Histogram
}

// NewMetrics registers the session metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		active: f.NewGauge(prometheus.GaugeOpts{
			Name: "smtp_submit_sessions_active",
			Help: "Sessions started and not yet closed.",
		}),
		sessions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smtp_submit_sessions_total",
				Help: "Closed sessions by result: sent, or the error kind.",
			},
			[]string{"result"},
		),
		replies: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smtp_submit_replies_total",
				Help: "Relay replies by status code; 0 is an unparsable reply.",
			},
			[]string{"code"},
		),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "smtp_submit_session_duration_seconds",
			Help:    "Time from session start to close.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
	}
}

func (m *Metrics) sessionStarted() {
	if m == nil {
		return
	}
	m.active.Inc()
}

func (m *Metrics) sessionClosed(ev Event, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.active.Dec()

	result := "sent"
	if ev.Err != nil {
		result = ev.Err.Kind.String()
	}
	m.sessions.WithLabelValues(result).Inc()
	m.duration.Observe(elapsed.Seconds())
}

func (m *Metrics) observeReply(code int) {
	if m == nil {
		return
	}
	m.replies.WithLabelValues(strconv.Itoa(code)).Inc()
}
