// Package health implements the builder circuit breaker
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flashbots/rollup-boost/common"
	"github.com/flashbots/rollup-boost/metrics"
	"github.com/sirupsen/logrus"
	uberatomic "go.uber.org/atomic"
)

var ErrInvalidThreshold = errors.New("health thresholds must be at least 1")

type Config struct {
	// FailureThreshold is the number of consecutive failures that disable the builder
	FailureThreshold uint64

	// RecoveryThreshold is the number of consecutive successes that enable it again
	RecoveryThreshold uint64

	// ProbeInterval: while unhealthy, every Nth forkchoice call is still sent to the builder
	ProbeInterval uint64
}

// Transition describes a state change, passed to listeners
type Transition struct {
	From   common.HealthState
	To     common.HealthState
	Reason string
	Health common.BuilderHealth
}

type Listener func(Transition)

// Monitor tracks builder health. Healthy turns Unhealthy on a hard failure once
// FailureThreshold consecutive failures were recorded; soft failures only count.
// Unhealthy turns Healthy after RecoveryThreshold consecutive successes or an Override.
type Monitor struct {
	log *logrus.Entry
	cfg Config

	mu        sync.Mutex
	state     common.HealthState
	failures  uint64
	successes uint64
	lastErr   string
	updatedAt time.Time

	// notifyMu keeps listener calls in transition order
	notifyMu  sync.Mutex
	listeners []Listener

	probeCounter uberatomic.Uint64
	now          func() time.Time
}

func NewMonitor(log *logrus.Entry, cfg Config) (*Monitor, error) {
	if cfg.FailureThreshold == 0 || cfg.RecoveryThreshold == 0 || cfg.ProbeInterval == 0 {
		return nil, fmt.Errorf("%w: %w", common.ErrConfiguration, ErrInvalidThreshold)
	}
	return &Monitor{
		log:       log.WithField("component", "builderHealth"),
		cfg:       cfg,
		state:     common.HealthStateHealthy,
		updatedAt: time.Now().UTC(),
		now:       time.Now,
	}, nil
}

// AddListener registers l for all future transitions. Listeners run synchronously.
func (m *Monitor) AddListener(l Listener) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Monitor) State() common.HealthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) IsHealthy() bool {
	return m.State() == common.HealthStateHealthy
}

// ShouldCallBuilder reports whether a forkchoice call goes to the builder. It is
// always true while healthy and true for every ProbeInterval-th call otherwise.
func (m *Monitor) ShouldCallBuilder() bool {
	if m.IsHealthy() {
		return true
	}
	return m.probeCounter.Inc()%m.cfg.ProbeInterval == 0
}

func (m *Monitor) Snapshot() common.BuilderHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Monitor) snapshotLocked() common.BuilderHealth {
	return common.BuilderHealth{
		State:                m.state,
		ConsecutiveFailures:  m.failures,
		ConsecutiveSuccesses: m.successes,
		LastError:            m.lastErr,
		UpdatedAt:            m.updatedAt,
	}
}

// RecordSuccess records a successful builder round trip
func (m *Monitor) RecordSuccess() {
	m.mu.Lock()
	m.failures = 0
	m.successes++
	if m.state == common.HealthStateUnhealthy && m.successes >= m.cfg.RecoveryThreshold {
		m.transitionLocked(common.HealthStateHealthy, fmt.Sprintf("%d consecutive successes", m.successes))
		return
	}
	m.mu.Unlock()
}

// RecordFailure records a failed builder round trip. Only hard failures can
// disable the builder, soft failures still count towards the threshold.
func (m *Monitor) RecordFailure(err error, hard bool) {
	m.mu.Lock()
	m.successes = 0
	m.failures++
	if err != nil {
		m.lastErr = err.Error()
	}
	if m.state == common.HealthStateHealthy && hard && m.failures >= m.cfg.FailureThreshold {
		m.transitionLocked(common.HealthStateUnhealthy, fmt.Sprintf("%d consecutive failures", m.failures))
		return
	}
	m.mu.Unlock()
}

// Override forces the state, as requested by an operator
func (m *Monitor) Override(state common.HealthState) common.BuilderHealth {
	m.mu.Lock()
	if m.state == state {
		m.failures, m.successes = 0, 0
		snapshot := m.snapshotLocked()
		m.mu.Unlock()
		return snapshot
	}
	return m.transitionLocked(state, "manual override")
}

// Restore loads a persisted snapshot without notifying listeners
func (m *Monitor) Restore(snapshot common.BuilderHealth) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = snapshot.State
	m.failures = snapshot.ConsecutiveFailures
	m.successes = snapshot.ConsecutiveSuccesses
	m.lastErr = snapshot.LastError
	m.updatedAt = snapshot.UpdatedAt
	m.log.WithField("state", m.state).Info("restored builder health")
}

// transitionLocked must be called with mu held and releases it
func (m *Monitor) transitionLocked(to common.HealthState, reason string) common.BuilderHealth {
	from := m.state
	m.state = to
	m.failures, m.successes = 0, 0
	m.updatedAt = m.now().UTC()
	m.probeCounter.Store(0)
	t := Transition{From: from, To: to, Reason: reason, Health: m.snapshotLocked()}

	m.notifyMu.Lock()
	m.mu.Unlock()
	defer m.notifyMu.Unlock()

	m.log.WithFields(logrus.Fields{
		"from":      from,
		"to":        to,
		"reason":    reason,
		"lastError": t.Health.LastError,
	}).Warn("builder health transition")
	metrics.IncHealthTransition(context.Background(), to.String())

	for _, l := range m.listeners {
		l(t)
	}
	return t.Health
}
