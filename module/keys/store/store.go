// Package store is the key material store plus the user-directory lookups
// the registry needs. Two implementations: Postgres (pgx) and in-memory.
package store

import (
	"context"
	"time"

	"chatrelay/module/keys/model"
)

type Store interface {
	// GetDeviceIDByUserID resolves the device owned by a user; ok=false when
	// the user is unknown or has no device.
	GetDeviceIDByUserID(ctx context.Context, userID string) (deviceID string, ok bool, err error)

	// GetIdentityKeyByDeviceID returns the registered identity key.
	GetIdentityKeyByDeviceID(ctx context.Context, deviceID string) (key string, ok bool, err error)

	// UpsertIdentity registers or replaces a device identity key, preserving
	// the original creation timestamp on replacement.
	UpsertIdentity(ctx context.Context, deviceID, identityKey string) (model.Identity, error)

	// InsertPreKeys stores a batch of prekey rows.
	InsertPreKeys(ctx context.Context, keys []model.PreKey) error

	// ClaimPreKey atomically selects the oldest available prekey of the given
	// kind and marks it consumed in the same step. Returns nil when none is
	// available. Two concurrent claims never receive the same row.
	ClaimPreKey(ctx context.Context, deviceID string, kind model.PreKeyKind, now time.Time) (*model.PreKey, error)

	// CountAvailable reports how many prekeys of a kind are still claimable.
	CountAvailable(ctx context.Context, deviceID string, kind model.PreKeyKind, now time.Time) (int, error)
}
