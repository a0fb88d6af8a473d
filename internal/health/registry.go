package health

import (
	"sync"
	"time"

	"hoymiles-bridge/internal/metrics"
)

// DtuStatus is the per-device entry of a health snapshot.
type DtuStatus struct {
	Status                  string  `json:"status"`
	LastSuccessfulQuery     *string `json:"last_successful_query"`
	SecondsSinceLastSuccess *int    `json:"seconds_since_last_success"`
	QueryCount              int     `json:"query_count"`
	ErrorCount              int     `json:"error_count"`
	LastError               *string `json:"last_error"`
	LastErrorTime           *string `json:"last_error_time"`
}

// Snapshot is the JSON body served on /health.
type Snapshot struct {
	Healthy       bool                 `json:"healthy"`
	UptimeSeconds int                  `json:"uptime_seconds"`
	StartTime     string               `json:"start_time"`
	DTUs          map[string]DtuStatus `json:"dtus"`
}

type record struct {
	lastSuccess   time.Time
	lastError     string
	lastErrorTime time.Time
	queryCount    int
	errorCount    int
	status        string
}

// Registry tracks per-DTU success/failure history. Written by the owning
// polling job, read concurrently by the HTTP frontend; one mutex covers
// everything since writes happen once per device per cycle.
type Registry struct {
	startTime time.Time
	metrics   *metrics.Metrics

	mu      sync.Mutex
	records map[string]*record

	now func() time.Time
}

func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{
		startTime: time.Now(),
		metrics:   m,
		records:   make(map[string]*record),
		now:       time.Now,
	}
}

func (r *Registry) RecordSuccess(dtuName string, duration time.Duration) {
	r.mu.Lock()
	rec := r.get(dtuName)
	rec.lastSuccess = r.now()
	rec.queryCount++
	rec.status = "online"
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.QueryTotal.WithLabelValues(dtuName, "success").Inc()
		r.metrics.QueryDuration.WithLabelValues(dtuName).Observe(duration.Seconds())
		r.metrics.DtuAvailable.WithLabelValues(dtuName).Set(1)
	}
}

func (r *Registry) RecordError(dtuName, errorType, message string) {
	r.mu.Lock()
	rec := r.get(dtuName)
	rec.lastError = message
	rec.lastErrorTime = r.now()
	rec.errorCount++
	rec.status = "error"
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.QueryTotal.WithLabelValues(dtuName, "error").Inc()
		r.metrics.QueryErrors.WithLabelValues(dtuName, errorType).Inc()
		r.metrics.DtuAvailable.WithLabelValues(dtuName).Set(0)
	}
}

// IsHealthy reports process liveness: true iff at least one DTU has had a
// successful query within the threshold. A single working device is
// enough; per-device diagnostics live in the snapshot.
func (r *Registry) IsHealthy(offlineThreshold time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for _, rec := range r.records {
		if !rec.lastSuccess.IsZero() && now.Sub(rec.lastSuccess) < offlineThreshold {
			return true
		}
	}
	return false
}

func (r *Registry) Uptime() time.Duration {
	uptime := time.Since(r.startTime)
	if r.metrics != nil {
		r.metrics.Uptime.Set(uptime.Seconds())
	}
	return uptime
}

// Snapshot copies all records under the lock and formats outside it, so a
// slow consumer never blocks the polling jobs.
func (r *Registry) Snapshot(offlineThreshold time.Duration) Snapshot {
	r.mu.Lock()
	now := r.now()
	copies := make(map[string]record, len(r.records))
	for name, rec := range r.records {
		copies[name] = *rec
	}
	r.mu.Unlock()

	snap := Snapshot{
		UptimeSeconds: int(r.Uptime().Seconds()),
		StartTime:     r.startTime.UTC().Format(time.RFC3339),
		DTUs:          make(map[string]DtuStatus, len(copies)),
	}

	for name, rec := range copies {
		status := DtuStatus{
			Status:     rec.status,
			QueryCount: rec.queryCount,
			ErrorCount: rec.errorCount,
		}
		if status.Status == "" {
			status.Status = "unknown"
		}
		if !rec.lastSuccess.IsZero() {
			ts := rec.lastSuccess.UTC().Format(time.RFC3339)
			status.LastSuccessfulQuery = &ts
			since := int(now.Sub(rec.lastSuccess).Seconds())
			status.SecondsSinceLastSuccess = &since
			if now.Sub(rec.lastSuccess) < offlineThreshold {
				snap.Healthy = true
			}
		}
		if rec.lastError != "" {
			msg := rec.lastError
			status.LastError = &msg
			ts := rec.lastErrorTime.UTC().Format(time.RFC3339)
			status.LastErrorTime = &ts
		}
		snap.DTUs[name] = status
	}

	return snap
}

func (r *Registry) get(dtuName string) *record {
	rec, ok := r.records[dtuName]
	if !ok {
		rec = &record{status: "unknown"}
		r.records[dtuName] = rec
	}
	return rec
}
