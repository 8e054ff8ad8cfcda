// Package health implements the consecutive-timeout health counter shared
// by MqttSession and LocalChannel: N consecutive command timeouts trigger
// a transport restart, subject to a cooldown so a persistently flaky link
// doesn't thrash reconnects.
package health

import (
	"sync"
	"time"

	"github.com/user/roborock-go/pkg/rrlog"
)

const (
	// DefaultThreshold is the number of consecutive timeouts that
	// triggers a restart.
	DefaultThreshold = 3
	// DefaultCooldown is the minimum time between restarts triggered by
	// this monitor.
	DefaultCooldown = 30 * time.Minute
)

// Monitor tracks consecutive command timeouts for one transport and calls
// Restart when the threshold is hit, unless the cooldown hasn't elapsed
// since the last restart.
type Monitor struct {
	threshold int
	cooldown  time.Duration
	restart   func() error
	log       rrlog.Logger
	now       func() time.Time

	mu          sync.Mutex
	consecutive int
	lastRestart time.Time
}

// New creates a Monitor. restart is called (synchronously, from whichever
// goroutine observes the Nth consecutive timeout) once the threshold is
// reached and the cooldown has elapsed.
func New(threshold int, cooldown time.Duration, restart func() error, log rrlog.Logger) *Monitor {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if log == nil {
		log = rrlog.Nop()
	}
	return &Monitor{
		threshold: threshold,
		cooldown:  cooldown,
		restart:   restart,
		log:       log,
		now:       time.Now,
	}
}

// RecordSuccess resets the consecutive-timeout counter.
func (m *Monitor) RecordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutive = 0
}

// RecordTimeout increments the consecutive-timeout counter and restarts
// the transport if the threshold has been reached and the cooldown since
// the last restart has elapsed.
func (m *Monitor) RecordTimeout() {
	m.mu.Lock()
	m.consecutive++
	n := m.consecutive
	sinceRestart := m.now().Sub(m.lastRestart)
	due := n >= m.threshold && (m.lastRestart.IsZero() || sinceRestart >= m.cooldown)
	if due {
		m.consecutive = 0
		m.lastRestart = m.now()
	}
	m.mu.Unlock()

	if !due {
		return
	}
	m.log.Warn("health monitor triggering restart after consecutive timeouts", "count", n)
	if err := m.restart(); err != nil {
		m.log.Error("health monitor restart failed", "error", err)
	}
}
