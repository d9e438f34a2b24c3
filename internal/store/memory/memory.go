// Package memory implements every store interface on in-process maps. It
// backs standalone mode and the test suites; semantics match the Postgres
// backend, including TempID dedup and monotone delivery transitions.
package memory

import (
	"sync"
	"time"

	"github.com/omnidesk/omnidesk/internal/store"
)

// tempIDWindow bounds how long an Append dedup token stays effective.
const tempIDWindow = 10 * time.Minute

// NewStores builds a fresh in-memory backend.
func NewStores() *store.Stores {
	clock := &monotonicClock{}
	return &store.Stores{
		Messages:     newMessageStore(clock),
		Users:        newUserStore(),
		Handovers:    newHandoverStore(),
		Calendar:     newCalendarStore(),
		CustomAgents: newCustomAgentStore(),
		Interactions: newInteractionStore(),
		Uploads:      newUploadStore(),
	}
}

// monotonicClock hands out strictly increasing timestamps so two appends in
// the same wall-clock instant still order deterministically.
type monotonicClock struct {
	mu   sync.Mutex
	last time.Time
}

func (c *monotonicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UTC()
	if !now.After(c.last) {
		now = c.last.Add(time.Microsecond)
	}
	c.last = now
	return now
}
