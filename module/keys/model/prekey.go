package model

import "time"

type PreKeyKind string

const (
	PreKeySigned  PreKeyKind = "signed"
	PreKeyOneTime PreKeyKind = "one_time"
)

// PreKey is one stored prekey row. A signed prekey carries Signature and
// SignatureKey; a one-time prekey must not. Available means
// !Consumed && not expired.
type PreKey struct {
	ID           int64
	UserID       string
	DeviceID     string
	Kind         PreKeyKind
	Key          string
	Identifier   string
	Signature    string
	SignatureKey string
	ExpiresAt    *time.Time
	Consumed     bool
	CreatedAt    time.Time
}

// Available reports whether the row may still be handed out.
func (p *PreKey) Available(now time.Time) bool {
	if p.Consumed {
		return false
	}
	if p.ExpiresAt != nil && !p.ExpiresAt.After(now) {
		return false
	}
	return true
}

// PreKeyBundle is the wire shape of one prekey inside a key bundle.
type PreKeyBundle struct {
	Key          string `json:"key"`
	Identifier   string `json:"identifier"`
	Signature    string `json:"signature,omitempty"`
	SignatureKey string `json:"signature_key,omitempty"`
}

func (p *PreKey) Bundle() PreKeyBundle {
	return PreKeyBundle{
		Key:          p.Key,
		Identifier:   p.Identifier,
		Signature:    p.Signature,
		SignatureKey: p.SignatureKey,
	}
}

// KeyBundle is what a peer needs to start an X3DH session with a device.
// Transient, assembled on demand, never persisted. SignedPreKey and
// OneTimePreKeys serialize as JSON null when nothing is available; that is a
// normal outcome, not an error.
type KeyBundle struct {
	IdentityKey    string         `json:"identityKey"`
	SignedPreKey   *PreKeyBundle  `json:"signedPreKey"`
	OneTimePreKeys []PreKeyBundle `json:"oneTimePreKeys"`
}
