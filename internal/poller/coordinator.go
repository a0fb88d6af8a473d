package poller

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"hoymiles-bridge/config"
	"hoymiles-bridge/internal/health"
	"hoymiles-bridge/internal/metrics"
	"hoymiles-bridge/internal/push"
	"hoymiles-bridge/internal/storage"
)

// defaultJobTimeout caps how long one cycle waits for its jobs. A job
// past the deadline keeps running to completion, the cycle just stops
// waiting for it; the single-flight lock prevents a pile-up.
const defaultJobTimeout = 60 * time.Second

const lastResetDayKey = "last_reset_day"

// Publisher receives the same snapshot the push hub does. Satisfied by
// the MQTT publisher; nil when MQTT is disabled.
type Publisher interface {
	PublishSnapshot(payload *push.UpdatePayload)
}

// Coordinator drives all polling jobs on a shared cadence. One cycle runs
// every job concurrently, waits bounded time, and on at least one success
// fans the combined state out to push receivers and MQTT.
type Coordinator struct {
	jobs      []*DtuJob
	db        *storage.Database
	health    *health.Registry
	hub       *push.Hub
	publisher Publisher
	metrics   *metrics.Metrics
	log       *logrus.Entry

	queryPeriod      time.Duration
	jobTimeout       time.Duration
	offlineThreshold time.Duration
	resetHour        int
	location         *time.Location

	lastCheck time.Time
	now       func() time.Time
}

func NewCoordinator(cfg *config.Config, jobs []*DtuJob, db *storage.Database,
	healthReg *health.Registry, hub *push.Hub, publisher Publisher, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		jobs:             jobs,
		db:               db,
		health:           healthReg,
		hub:              hub,
		publisher:        publisher,
		metrics:          m,
		log:              logrus.WithField("component", "coordinator"),
		queryPeriod:      cfg.Timing.QueryPeriod,
		jobTimeout:       defaultJobTimeout,
		offlineThreshold: cfg.Health.OfflineThreshold,
		resetHour:        cfg.Timing.ResetHour,
		location:         cfg.Location(),
		now:              time.Now,
	}
}

// Run polls until the context is cancelled. The inter-cycle sleep is
// sliced so shutdown never waits longer than about a second.
func (c *Coordinator) Run(ctx context.Context) {
	c.log.WithFields(logrus.Fields{
		"dtus":   len(c.jobs),
		"period": c.queryPeriod,
	}).Info("Polling started")

	for {
		if ctx.Err() != nil {
			c.log.Info("Polling stopped")
			return
		}

		c.tick(ctx)

		deadline := c.now().Add(c.queryPeriod)
		for c.now().Before(deadline) {
			select {
			case <-ctx.Done():
				c.log.Info("Polling stopped")
				return
			case <-time.After(time.Second):
			}
		}
	}
}

// tick runs one polling cycle.
func (c *Coordinator) tick(ctx context.Context) {
	c.maybeResetDailyCounters()

	results := make(chan bool, len(c.jobs))
	for _, job := range c.jobs {
		go func(j *DtuJob) { results <- j.Execute() }(job)
	}

	successes := 0
	timeout := time.After(c.jobTimeout)
	for collected := 0; collected < len(c.jobs); {
		select {
		case ok := <-results:
			collected++
			if ok {
				successes++
			}
		case <-timeout:
			c.log.WithField("pending", len(c.jobs)-collected).
				Warn("Cycle deadline reached, abandoning slow jobs")
			collected = len(c.jobs)
		case <-ctx.Done():
			return
		}
	}

	if successes > 0 {
		c.fanOut()
	}

	c.health.Uptime()
}

// fanOut reads the combined state back and hands one snapshot to every
// outbound channel. Built once, shared by all of them.
func (c *Coordinator) fanOut() {
	inverters, err := c.db.EnrichedInverters()
	if err != nil {
		c.log.WithError(err).Error("Failed to build state snapshot")
		return
	}
	stats, err := c.db.Stats()
	if err != nil {
		c.log.WithError(err).Warn("Failed to read storage stats")
	}

	payload := &push.UpdatePayload{
		Health:    c.health.Snapshot(c.offlineThreshold),
		Stats:     stats,
		Inverters: inverters,
	}

	if c.hub != nil {
		c.hub.SendUpdate(payload)
	}
	if c.publisher != nil {
		c.publisher.PublishSnapshot(payload)
	}
}

// maybeResetDailyCounters zeroes the daily production counters once per
// day, on the first cycle whose local hour crosses into the reset hour.
// The reset day is persisted so a restart inside the reset hour cannot
// wipe the counters twice.
func (c *Coordinator) maybeResetDailyCounters() {
	now := c.now().In(c.location)
	last := c.lastCheck
	c.lastCheck = now

	if last.IsZero() || now.Hour() != c.resetHour || last.Hour() == c.resetHour {
		return
	}

	day := now.Format("2006-01-02")
	var doneDay string
	if found, err := c.db.LoadConfigValue(lastResetDayKey, &doneDay); err == nil && found && doneDay == day {
		return
	}

	if err := c.db.ClearTodayProduction(); err != nil {
		c.log.WithError(err).Error("Failed to reset daily production counters")
		return
	}
	if err := c.db.SaveConfigValue(lastResetDayKey, day); err != nil {
		c.log.WithError(err).Warn("Failed to persist reset day")
	}
	c.log.WithField("day", day).Info("Daily production counters reset")
}
