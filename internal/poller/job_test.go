package poller

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/simonvetter/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hoymiles-bridge/config"
	"hoymiles-bridge/internal/dtu"
	"hoymiles-bridge/internal/health"
	"hoymiles-bridge/internal/recovery"
	"hoymiles-bridge/internal/storage"
)

// stubReader returns canned data or an error, optionally blocking until
// released so tests can hold an execution open.
type stubReader struct {
	mu      sync.Mutex
	data    *dtu.PlantData
	err     error
	calls   int
	block   chan struct{}
	started chan struct{}
}

func (s *stubReader) ReadPlantData() (*dtu.PlantData, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.block != nil {
		<-s.block
	}
	return s.data, s.err
}

func (s *stubReader) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func plantData() *dtu.PlantData {
	power := 123.4
	return &dtu.PlantData{
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Inverters: []dtu.InverterStatus{{
			SerialNumber: "116180000001",
			Ports: []dtu.PortStatus{{
				PortNumber:      1,
				PVPower:         &power,
				TodayProduction: 100,
				TotalProduction: 5000,
			}},
		}},
	}
}

func newTestJob(t *testing.T, reader dtu.PlantReader, threshold int) (*DtuJob, *health.Registry, *storage.Database) {
	t.Helper()
	db, err := storage.NewDatabase(config.DatabaseConfig{Type: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	reg := health.NewRegistry(nil)
	breakers := recovery.NewManager(threshold, time.Minute)
	return NewDtuJob("dtu_a", reader, breakers, reg, db, nil), reg, db
}

func TestExecuteSuccessPersistsAndRecords(t *testing.T) {
	reader := &stubReader{data: plantData()}
	job, reg, db := newTestJob(t, reader, 5)

	assert.True(t, job.Execute())

	snap := reg.Snapshot(5 * time.Minute)
	assert.Equal(t, "online", snap.DTUs["dtu_a"].Status)
	assert.Equal(t, 1, snap.DTUs["dtu_a"].QueryCount)

	readings, err := db.LatestInverterReadings("116180000001", 10)
	require.NoError(t, err)
	assert.Len(t, readings, 1)

	cache, err := db.LoadProductionCache()
	require.NoError(t, err)
	v := cache[storage.ProductionKey{SerialNumber: "116180000001", PortNumber: 1}]
	assert.Equal(t, int64(100), v.TodayProduction)
}

func TestExecuteFailureRecordsError(t *testing.T) {
	reader := &stubReader{err: errors.New("register read failed")}
	job, reg, _ := newTestJob(t, reader, 5)

	assert.False(t, job.Execute())

	snap := reg.Snapshot(5 * time.Minute)
	assert.Equal(t, "error", snap.DTUs["dtu_a"].Status)
	assert.Equal(t, 1, snap.DTUs["dtu_a"].ErrorCount)
}

func TestExecuteIsSingleFlight(t *testing.T) {
	reader := &stubReader{
		data:    plantData(),
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	job, _, _ := newTestJob(t, reader, 5)

	done := make(chan bool, 1)
	go func() { done <- job.Execute() }()
	<-reader.started

	// Second invocation while the first holds the lock: skipped, the
	// device never sees a second request.
	assert.False(t, job.Execute())
	assert.Equal(t, 1, reader.callCount())

	close(reader.block)
	assert.True(t, <-done)
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"breaker open", fmt.Errorf("query: %w", recovery.ErrBreakerOpen), "breaker_open"},
		{"modbus timeout", fmt.Errorf("read 0x1000: %w", modbus.ErrRequestTimedOut), "timeout"},
		{"dial failure", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, "transport"},
		{"modbus exception", fmt.Errorf("read 0x1000: %w", modbus.ErrIllegalDataAddress), "protocol"},
		{"undecodable reply", fmt.Errorf("%w: no inverter records", dtu.ErrMalformedResponse), "protocol"},
		{"anything else", errors.New("json: unsupported value"), "unexpected"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, classifyError(tc.err))
		})
	}
}

func TestExecuteShortCircuitsWhenBreakerOpen(t *testing.T) {
	reader := &stubReader{err: errors.New("connection refused")}
	job, reg, _ := newTestJob(t, reader, 1)

	assert.False(t, job.Execute())
	require.Equal(t, 1, reader.callCount())

	// Breaker tripped on the first failure; the device is left alone.
	assert.False(t, job.Execute())
	assert.Equal(t, 1, reader.callCount())

	snap := reg.Snapshot(5 * time.Minute)
	assert.Equal(t, 2, snap.DTUs["dtu_a"].ErrorCount)
}
