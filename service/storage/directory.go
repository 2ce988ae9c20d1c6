package storage

import "context"

// Entry is one live presence mapping. GatewayID tells the relay layer which
// node owns the connection; ConnID is only meaningful on that node.
type Entry struct {
	GatewayID string
	ConnID    string
}

// Directory is the shared presence index: user -> live connection, one entry
// per user, last authentication wins. Implementations must keep the forward
// (user -> conn) and reverse (conn -> user) indices in step atomically, so a
// connection is never discoverable through one index after it disappeared
// from the other.
type Directory interface {
	// SetPresence upserts the mapping and returns the superseded entry, if
	// any. The caller decides what to do with the evicted connection.
	SetPresence(ctx context.Context, userID string, e Entry) (prev Entry, replaced bool, err error)

	// GetConnection resolves the live entry for a user.
	GetConnection(ctx context.Context, userID string) (Entry, bool, error)

	// RemoveByConnection resolves the owning user through the reverse index
	// and deletes the pair. Removing a connection that was already superseded
	// must not touch the current forward mapping.
	RemoveByConnection(ctx context.Context, connID string) (userID string, removed bool, err error)

	// Refresh extends the liveness expiry of an existing mapping. A no-op if
	// the mapping no longer points at connID.
	Refresh(ctx context.Context, userID, connID string) error
}
