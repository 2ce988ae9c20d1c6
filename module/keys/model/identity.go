package model

import "time"

// Identity is a device's long-lived identity key row. Re-registration
// overwrites the key but keeps the original CreatedAt.
type Identity struct {
	DeviceID    string    `json:"device_id"`
	IdentityKey string    `json:"identity_key"`
	CreatedAt   time.Time `json:"created_at"`
}
