package recovery

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrBreakerOpen is returned without invoking the wrapped operation while
// a key's breaker is open and its cooldown has not elapsed.
var ErrBreakerOpen = errors.New("circuit breaker open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type breaker struct {
	failures int
	state    State
	openedAt time.Time
}

// Manager tracks one circuit breaker per key. A key opens after
// `threshold` consecutive failures, short-circuits calls for `timeout`,
// then lets a single trial call through.
type Manager struct {
	threshold int
	timeout   time.Duration

	mu       sync.Mutex
	breakers map[string]*breaker

	now func() time.Time
}

func NewManager(threshold int, timeout time.Duration) *Manager {
	return &Manager{
		threshold: threshold,
		timeout:   timeout,
		breakers:  make(map[string]*breaker),
		now:       time.Now,
	}
}

// Execute runs op under the breaker for key. While the breaker is open it
// returns ErrBreakerOpen without calling op. Errors from op are counted
// and returned as-is; this is a policy boundary, not a retry loop.
func (m *Manager) Execute(key string, op func() error) error {
	if !m.allow(key) {
		logrus.WithField("key", key).Debug("circuit breaker open, short-circuiting call")
		return ErrBreakerOpen
	}

	err := op()
	m.record(key, err == nil)
	return err
}

func (m *Manager) allow(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.get(key)
	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if m.now().Sub(b.openedAt) >= m.timeout {
			b.state = StateHalfOpen
			logrus.WithField("key", key).Info("circuit breaker half-open, allowing trial call")
			return true
		}
		return false
	}
	return true
}

func (m *Manager) record(key string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.get(key)
	if success {
		if b.state != StateClosed {
			logrus.WithField("key", key).Info("circuit breaker closed")
		}
		b.failures = 0
		b.state = StateClosed
		return
	}

	if b.state == StateHalfOpen {
		// Trial failed: back to open, restart the cooldown.
		b.state = StateOpen
		b.openedAt = m.now()
		logrus.WithField("key", key).Warn("circuit breaker trial failed, reopening")
		return
	}

	b.failures++
	if b.failures >= m.threshold {
		b.state = StateOpen
		b.openedAt = m.now()
		logrus.WithFields(logrus.Fields{
			"key":      key,
			"failures": b.failures,
		}).Warn("circuit breaker opened")
	}
}

// State reports the breaker state for key, StateClosed if never used.
func (m *Manager) State(key string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[key]; ok {
		return b.state
	}
	return StateClosed
}

func (m *Manager) get(key string) *breaker {
	b, ok := m.breakers[key]
	if !ok {
		b = &breaker{state: StateClosed}
		m.breakers[key] = b
	}
	return b
}
