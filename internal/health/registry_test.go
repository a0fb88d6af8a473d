package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() (*Registry, *time.Time) {
	r := NewRegistry(nil)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	return r, &now
}

func TestIsHealthyWithNoSuccesses(t *testing.T) {
	r, _ := newTestRegistry()
	assert.False(t, r.IsHealthy(5*time.Minute))

	// Errors alone never make the process healthy.
	r.RecordError("dtu_a", "timeout", "read timed out")
	assert.False(t, r.IsHealthy(5*time.Minute))
}

func TestIsHealthyAfterSuccess(t *testing.T) {
	r, now := newTestRegistry()

	r.RecordSuccess("dtu_a", 2*time.Second)
	assert.True(t, r.IsHealthy(5*time.Minute))

	// Past the offline threshold for every device: unhealthy again.
	*now = now.Add(6 * time.Minute)
	assert.False(t, r.IsHealthy(5*time.Minute))
}

func TestOneHealthyDeviceIsEnough(t *testing.T) {
	r, _ := newTestRegistry()

	r.RecordSuccess("dtu_a", time.Second)
	r.RecordError("dtu_b", "transport", "connection refused")

	assert.True(t, r.IsHealthy(5*time.Minute))

	snap := r.Snapshot(5 * time.Minute)
	assert.True(t, snap.Healthy)

	a := snap.DTUs["dtu_a"]
	assert.Equal(t, "online", a.Status)
	assert.Equal(t, 1, a.QueryCount)
	require.NotNil(t, a.LastSuccessfulQuery)
	assert.Nil(t, a.LastError)

	b := snap.DTUs["dtu_b"]
	assert.Equal(t, "error", b.Status)
	assert.Equal(t, 1, b.ErrorCount)
	require.NotNil(t, b.LastError)
	assert.Equal(t, "connection refused", *b.LastError)
	assert.Nil(t, b.LastSuccessfulQuery)
}

func TestCountsAccumulate(t *testing.T) {
	r, _ := newTestRegistry()

	r.RecordSuccess("dtu_a", time.Second)
	r.RecordSuccess("dtu_a", time.Second)
	r.RecordError("dtu_a", "protocol", "bad frame")

	snap := r.Snapshot(5 * time.Minute)
	a := snap.DTUs["dtu_a"]
	assert.Equal(t, 2, a.QueryCount)
	assert.Equal(t, 1, a.ErrorCount)
	// Latest event wins the status field.
	assert.Equal(t, "error", a.Status)
}
