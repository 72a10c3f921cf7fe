// Package metrics holds the Prometheus collectors exported by an election.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "leaderwatch"

// Acquire and watch results, used as label values.
const (
	ResultWon      = "won"
	ResultLost     = "lost"
	ResultError    = "error"
	ResultChanged  = "changed"
	ResultTimeout  = "unchanged"
	ResultNotFound = "not_found"
	ResultNoHolder = "no_holder"
)

// Metrics groups the collectors for one election. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	leader          prometheus.Gauge
	sessionsCreated prometheus.Counter
	sessionErrors   prometheus.Counter
	acquires        *prometheus.CounterVec
	watchReads      *prometheus.CounterVec
	leaderChanges   prometheus.Counter
}

// New creates the collectors and registers them with reg (if non-nil).
// constLabels are attached to every series, e.g. the lock key.
func New(reg prometheus.Registerer, constLabels prometheus.Labels) *Metrics {
	m := &Metrics{
		leader: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "election",
			Name:        "is_leader",
			Help:        "1 while this process holds the lock key",
			ConstLabels: constLabels,
		}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "session",
			Name:        "created_total",
			Help:        "Sessions created with the coordination service",
			ConstLabels: constLabels,
		}),
		sessionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "session",
			Name:        "create_errors_total",
			Help:        "Failed session creation attempts",
			ConstLabels: constLabels,
		}),
		acquires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "election",
			Name:        "acquire_attempts_total",
			Help:        "Lock acquisition attempts by result",
			ConstLabels: constLabels,
		}, []string{"result"}),
		watchReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "election",
			Name:        "watch_reads_total",
			Help:        "Blocking reads of the lock key by result",
			ConstLabels: constLabels,
		}, []string{"result"}),
		leaderChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "election",
			Name:        "leader_changes_total",
			Help:        "Observed changes of the lock key's value",
			ConstLabels: constLabels,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.leader, m.sessionsCreated, m.sessionErrors,
			m.acquires, m.watchReads, m.leaderChanges)
	}
	return m
}

// SetLeader records the local leadership belief.
func (m *Metrics) SetLeader(leader bool) {
	if m == nil {
		return
	}
	if leader {
		m.leader.Set(1)
	} else {
		m.leader.Set(0)
	}
}

// SessionCreated counts a successful session creation.
func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

// SessionError counts a failed session creation attempt.
func (m *Metrics) SessionError() {
	if m == nil {
		return
	}
	m.sessionErrors.Inc()
}

// Acquire counts an acquisition attempt with one of the Result* values.
func (m *Metrics) Acquire(result string) {
	if m == nil {
		return
	}
	m.acquires.WithLabelValues(result).Inc()
}

// WatchRead counts a blocking read with one of the Result* values.
func (m *Metrics) WatchRead(result string) {
	if m == nil {
		return
	}
	m.watchReads.WithLabelValues(result).Inc()
}

// LeaderChanged counts an observed change of leader info.
func (m *Metrics) LeaderChanged() {
	if m == nil {
		return
	}
	m.leaderChanges.Inc()
}
