package storage

import (
	"context"
	"sync"
)

// MemoryDirectory is a process-local Directory with the same contract as the
// Redis implementation. Used in tests and single-node deployments. Liveness
// expiry is not enforced here; a single process observes its own disconnects.
type MemoryDirectory struct {
	mu      sync.RWMutex
	forward map[string]Entry  // userID -> entry
	reverse map[string]string // connID -> userID
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		forward: make(map[string]Entry),
		reverse: make(map[string]string),
	}
}

func (d *MemoryDirectory) SetPresence(_ context.Context, userID string, e Entry) (Entry, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev, had := d.forward[userID]
	if had && prev.ConnID != e.ConnID {
		delete(d.reverse, prev.ConnID)
	}
	d.forward[userID] = e
	d.reverse[e.ConnID] = userID

	if !had || prev.ConnID == e.ConnID {
		return Entry{}, false, nil
	}
	return prev, true, nil
}

func (d *MemoryDirectory) GetConnection(_ context.Context, userID string) (Entry, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.forward[userID]
	return e, ok, nil
}

func (d *MemoryDirectory) RemoveByConnection(_ context.Context, connID string) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	userID, ok := d.reverse[connID]
	if !ok {
		return "", false, nil
	}
	delete(d.reverse, connID)
	if cur, has := d.forward[userID]; has && cur.ConnID == connID {
		delete(d.forward, userID)
	}
	return userID, true, nil
}

func (d *MemoryDirectory) Refresh(context.Context, string, string) error { return nil }
