// Package dedupe remembers which (event type, item id) pairs have already
// been dispatched so duplicate webhook deliveries are skipped.
package dedupe

import (
	"context"
	"sync"
	"time"
)

const DefaultTTL = 24 * time.Hour

// Store claims a key for an event. The first claim wins; later claims get
// the winning event id back with duplicate set. Release drops a claim only
// while eventID still holds it.
type Store interface {
	Claim(ctx context.Context, key, eventID string) (original string, duplicate bool, err error)
	Release(ctx context.Context, key, eventID string) error
}

// Key joins the event type and item id.
func Key(eventType, itemID string) string {
	return eventType + ":" + itemID
}

type entry struct {
	eventID string
	expires time.Time
}

// Memory is a process-local Store.
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]entry
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{ttl: ttl, now: time.Now, entries: make(map[string]entry)}
}

// WithClock replaces the clock, for tests.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Claim(_ context.Context, key, eventID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.entries[key]; ok && now.Before(e.expires) {
		return e.eventID, true, nil
	}
	m.entries[key] = entry{eventID: eventID, expires: now.Add(m.ttl)}
	return eventID, false, nil
}

func (m *Memory) Release(_ context.Context, key, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && e.eventID == eventID {
		delete(m.entries, key)
	}
	return nil
}

var _ Store = (*Memory)(nil)
