package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors of the authentication and audit subsystem.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	logins          *prometheus.CounterVec
	auditEvents     *prometheus.CounterVec
	auditSync       *prometheus.CounterVec
	auditPending    prometheus.Gauge
	auditEvicted    prometheus.Counter
	sessionsExpired prometheus.Counter
	remoteRequests  *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinikey_logins_total",
			Help: "Login attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),
		auditEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinikey_audit_events_total",
			Help: "Audit events recorded locally.",
		}, []string{"type"}),
		auditSync: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinikey_audit_sync_total",
			Help: "Audit batch uploads by outcome.",
		}, []string{"outcome"}),
		auditPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clinikey_audit_pending",
			Help: "Audit events not yet acknowledged by the remote service.",
		}),
		auditEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clinikey_audit_evicted_unsynced_total",
			Help: "Audit events dropped from the local log before they were synced.",
		}),
		sessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clinikey_session_expired_total",
			Help: "Sessions terminated by inactivity.",
		}),
		remoteRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinikey_identityd_requests_total",
			Help: "Remote identity service requests by method and status code.",
		}, []string{"method", "code"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.logins, m.auditEvents, m.auditSync, m.auditPending,
		m.auditEvicted, m.sessionsExpired, m.remoteRequests,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveLogin counts a login attempt.
func (m *Metrics) ObserveLogin(provider, outcome string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(provider, outcome).Inc()
}

// AuditRecorded counts a recorded audit event.
func (m *Metrics) AuditRecorded(eventType string) {
	if m == nil {
		return
	}
	m.auditEvents.WithLabelValues(eventType).Inc()
}

// AuditSynced counts an upload attempt and updates the pending gauge.
func (m *Metrics) AuditSynced(outcome string, pending int) {
	if m == nil {
		return
	}
	m.auditSync.WithLabelValues(outcome).Inc()
	m.auditPending.Set(float64(pending))
}

// AuditPending sets the number of unsynced events.
func (m *Metrics) AuditPending(pending int) {
	if m == nil {
		return
	}
	m.auditPending.Set(float64(pending))
}

// AuditEvictedUnsynced counts events dropped by capacity before upload.
func (m *Metrics) AuditEvictedUnsynced(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.auditEvicted.Add(float64(n))
}

// SessionExpired counts an inactivity expiry.
func (m *Metrics) SessionExpired() {
	if m == nil {
		return
	}
	m.sessionsExpired.Inc()
}

// RemoteRequest counts a request handled by the identity service.
func (m *Metrics) RemoteRequest(method, code string) {
	if m == nil {
		return
	}
	m.remoteRequests.WithLabelValues(method, code).Inc()
}

// Handler returns the Prometheus handler for the given gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
