package push

import (
	"sync"
	"time"
)

// Cache holds the most recent payload received on the inbound push
// endpoint. The HTTP frontend serves from it while fresh and falls back
// to the database once it goes stale.
type Cache struct {
	maxAge time.Duration

	mu         sync.Mutex
	payload    *UpdatePayload
	receivedAt time.Time

	now func() time.Time
}

// NewCache builds a cache whose entries expire after maxAge. Callers size
// it to twice the expected update interval, so one missed push does not
// flap the frontend between sources.
func NewCache(maxAge time.Duration) *Cache {
	return &Cache{maxAge: maxAge, now: time.Now}
}

func (c *Cache) Store(payload *UpdatePayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payload = payload
	c.receivedAt = c.now()
}

// Get returns the cached payload and whether it is still fresh.
func (c *Cache) Get() (*UpdatePayload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.payload == nil {
		return nil, false
	}
	if c.now().Sub(c.receivedAt) > c.maxAge {
		return c.payload, false
	}
	return c.payload, true
}

// ReceivedAt returns when the cached payload arrived, zero if none has.
func (c *Cache) ReceivedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receivedAt
}
