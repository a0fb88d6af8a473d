package recovery

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func newTestManager(threshold int, timeout time.Duration) (*Manager, *time.Time) {
	m := NewManager(threshold, timeout)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestBreakerStaysClosedBelowThreshold(t *testing.T) {
	m, _ := newTestManager(3, time.Minute)

	calls := 0
	fail := func() error { calls++; return errBoom }

	for i := 0; i < 2; i++ {
		err := m.Execute("dtu_a", fail)
		assert.ErrorIs(t, err, errBoom)
	}

	assert.Equal(t, StateClosed, m.State("dtu_a"))
	assert.Equal(t, 2, calls)

	// Still closed: the next call must invoke the operation.
	err := m.Execute("dtu_a", func() error { calls++; return nil })
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	m, _ := newTestManager(3, time.Minute)

	calls := 0
	fail := func() error { calls++; return errBoom }

	for i := 0; i < 3; i++ {
		_ = m.Execute("dtu_a", fail)
	}
	assert.Equal(t, StateOpen, m.State("dtu_a"))
	assert.Equal(t, 3, calls)

	// Short-circuits without invoking the wrapped function.
	err := m.Execute("dtu_a", fail)
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.Equal(t, 3, calls)
}

func TestBreakerHalfOpenTrialSuccess(t *testing.T) {
	m, now := newTestManager(2, time.Minute)

	fail := func() error { return errBoom }
	_ = m.Execute("dtu_a", fail)
	_ = m.Execute("dtu_a", fail)
	require.Equal(t, StateOpen, m.State("dtu_a"))

	*now = now.Add(61 * time.Second)

	calls := 0
	err := m.Execute("dtu_a", func() error { calls++; return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, StateClosed, m.State("dtu_a"))

	// Failure counter was reset: one new failure must not reopen.
	_ = m.Execute("dtu_a", fail)
	assert.Equal(t, StateClosed, m.State("dtu_a"))
}

func TestBreakerHalfOpenTrialFailureReopens(t *testing.T) {
	m, now := newTestManager(2, time.Minute)

	fail := func() error { return errBoom }
	_ = m.Execute("dtu_a", fail)
	_ = m.Execute("dtu_a", fail)
	require.Equal(t, StateOpen, m.State("dtu_a"))

	*now = now.Add(61 * time.Second)

	err := m.Execute("dtu_a", fail)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateOpen, m.State("dtu_a"))

	// Timeout restarted: a call right away short-circuits again.
	err = m.Execute("dtu_a", fail)
	assert.ErrorIs(t, err, ErrBreakerOpen)

	// And elapses again after another full timeout.
	*now = now.Add(61 * time.Second)
	calls := 0
	err = m.Execute("dtu_a", func() error { calls++; return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestBreakersAreIndependentPerKey(t *testing.T) {
	m, _ := newTestManager(1, time.Minute)

	_ = m.Execute("dtu_a", func() error { return errBoom })
	assert.Equal(t, StateOpen, m.State("dtu_a"))
	assert.Equal(t, StateClosed, m.State("dtu_b"))

	err := m.Execute("dtu_b", func() error { return nil })
	assert.NoError(t, err)
}
