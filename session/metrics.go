package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts session activity. A nil *Metrics records nothing.
type Metrics struct {
	Created   prometheus.Counter
	Deleted   prometheus.Counter
	Refreshes *prometheus.CounterVec
}

// NewMetrics registers the session counters with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Created: f.NewCounter(prometheus.CounterOpts{
			Name: "oauthsession_sessions_created_total",
			Help: "The number of sessions created at login",
		}),
		Deleted: f.NewCounter(prometheus.CounterOpts{
			Name: "oauthsession_sessions_deleted_total",
			Help: "The number of session deletions attempted",
		}),
		Refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "oauthsession_token_refreshes_total",
			Help: "The number of upstream token refreshes, by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) sessionCreated() {
	if m == nil {
		return
	}
	m.Created.Inc()
}

func (m *Metrics) sessionDeleted() {
	if m == nil {
		return
	}
	m.Deleted.Inc()
}

func (m *Metrics) refreshed(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.Refreshes.WithLabelValues(result).Inc()
}
