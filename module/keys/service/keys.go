// Package service holds the Key Bundle Registry: identity registration,
// prekey uploads, and atomic bundle assembly for X3DH session bootstrap.
// The server never inspects key material; it stores and redistributes
// opaque strings. Signature verification is the client's job.
package service

import (
	"context"
	"time"

	"chatrelay/logger"
	"chatrelay/module/keys/model"
	"chatrelay/module/keys/store"
	"chatrelay/tools/errs"
)

type Registry struct {
	store store.Store
	now   func() time.Time
}

func NewRegistry(s store.Store) *Registry {
	return &Registry{store: s, now: time.Now}
}

// UploadKeysRequest is the composite upload payload: either part may be
// absent, but userId/deviceId are always required.
type UploadKeysRequest struct {
	UserID              string               `json:"userId"`
	DeviceID            string               `json:"deviceId"`
	SignedCurvePreKey   *model.PreKeyBundle  `json:"signedCurvePreKey"`
	OneTimeCurvePreKeys []model.PreKeyBundle `json:"oneTimeCurvePreKeys"`
	// Optional expiry applied to the uploaded signed prekey.
	SignedPreKeyTTL time.Duration `json:"-"`
}

// RegisterIdentity upserts the device identity key. Idempotent; existing
// prekeys stay addressable, only the key itself changes.
func (r *Registry) RegisterIdentity(ctx context.Context, deviceID, identityKey string) (model.Identity, error) {
	if deviceID == "" || identityKey == "" {
		return model.Identity{}, errs.ErrArgs.WrapMsg("deviceId and key are required")
	}
	rec, err := r.store.UpsertIdentity(ctx, deviceID, identityKey)
	if err != nil {
		return model.Identity{}, errs.ErrStorage.WrapMsg("register identity", "deviceId", deviceID, "cause", err)
	}
	return rec, nil
}

// UploadSignedPreKey inserts one signed prekey row. The signature invariant
// is enforced here, before any store access.
func (r *Registry) UploadSignedPreKey(ctx context.Context, userID, deviceID string, b model.PreKeyBundle, ttl time.Duration) error {
	if userID == "" || deviceID == "" {
		return errs.ErrArgs.WrapMsg("userId and deviceId are required")
	}
	if b.Key == "" || b.Signature == "" || b.SignatureKey == "" {
		return errs.ErrArgs.WrapMsg("signed prekey requires key, signature and signature_key")
	}
	k := model.PreKey{
		UserID:       userID,
		DeviceID:     deviceID,
		Kind:         model.PreKeySigned,
		Key:          b.Key,
		Identifier:   b.Identifier,
		Signature:    b.Signature,
		SignatureKey: b.SignatureKey,
	}
	if ttl > 0 {
		exp := r.now().Add(ttl)
		k.ExpiresAt = &exp
	}
	if err := r.store.InsertPreKeys(ctx, []model.PreKey{k}); err != nil {
		return errs.ErrStorage.WrapMsg("upload signed prekey", "deviceId", deviceID, "cause", err)
	}
	return nil
}

// UploadOneTimePreKeys batch-inserts one-time prekeys: unsigned, unexpiring
// unless the caller sets a TTL.
func (r *Registry) UploadOneTimePreKeys(ctx context.Context, userID, deviceID string, bundles []model.PreKeyBundle, ttl time.Duration) error {
	if userID == "" || deviceID == "" {
		return errs.ErrArgs.WrapMsg("userId and deviceId are required")
	}
	keys := make([]model.PreKey, 0, len(bundles))
	for _, b := range bundles {
		if b.Key == "" {
			return errs.ErrArgs.WrapMsg("one-time prekey requires key material")
		}
		if b.Signature != "" || b.SignatureKey != "" {
			return errs.ErrArgs.WrapMsg("one-time prekey must not carry a signature")
		}
		k := model.PreKey{
			UserID:     userID,
			DeviceID:   deviceID,
			Kind:       model.PreKeyOneTime,
			Key:        b.Key,
			Identifier: b.Identifier,
		}
		if ttl > 0 {
			exp := r.now().Add(ttl)
			k.ExpiresAt = &exp
		}
		keys = append(keys, k)
	}
	if err := r.store.InsertPreKeys(ctx, keys); err != nil {
		return errs.ErrStorage.WrapMsg("upload one-time prekeys", "deviceId", deviceID, "cause", err)
	}
	return nil
}

// UploadKeys is the composite operation the upload endpoint speaks: validate
// first, then store whichever parts are present.
func (r *Registry) UploadKeys(ctx context.Context, req UploadKeysRequest) error {
	if req.UserID == "" || req.DeviceID == "" {
		return errs.ErrArgs.WrapMsg("userId and deviceId are required")
	}
	if req.SignedCurvePreKey != nil {
		if err := r.UploadSignedPreKey(ctx, req.UserID, req.DeviceID, *req.SignedCurvePreKey, req.SignedPreKeyTTL); err != nil {
			return err
		}
	}
	if len(req.OneTimeCurvePreKeys) > 0 {
		if err := r.UploadOneTimePreKeys(ctx, req.UserID, req.DeviceID, req.OneTimeCurvePreKeys, 0); err != nil {
			return err
		}
	}
	return nil
}

// FetchKeyBundle assembles a bundle for the user's device, consuming the
// prekeys it hands out. Missing device or identity is an error; missing
// prekeys are not: the bundle carries nulls and the session falls back to
// the signed-prekey-only X3DH variant.
func (r *Registry) FetchKeyBundle(ctx context.Context, userID string) (*model.KeyBundle, error) {
	if userID == "" {
		return nil, errs.ErrArgs.WrapMsg("userId is required")
	}

	deviceID, ok, err := r.store.GetDeviceIDByUserID(ctx, userID)
	if err != nil {
		return nil, errs.ErrStorage.WrapMsg("resolve device", "userId", userID, "cause", err)
	}
	if !ok {
		return nil, errs.ErrDeviceNotFound.WrapMsg("no device for user", "userId", userID)
	}

	identityKey, ok, err := r.store.GetIdentityKeyByDeviceID(ctx, deviceID)
	if err != nil {
		return nil, errs.ErrStorage.WrapMsg("resolve identity", "deviceId", deviceID, "cause", err)
	}
	if !ok {
		return nil, errs.ErrIdentityNotFound.WrapMsg("no identity key", "deviceId", deviceID)
	}

	now := r.now()

	signed, err := r.store.ClaimPreKey(ctx, deviceID, model.PreKeySigned, now)
	if err != nil {
		return nil, errs.ErrStorage.WrapMsg("claim signed prekey", "deviceId", deviceID, "cause", err)
	}
	oneTime, err := r.store.ClaimPreKey(ctx, deviceID, model.PreKeyOneTime, now)
	if err != nil {
		return nil, errs.ErrStorage.WrapMsg("claim one-time prekey", "deviceId", deviceID, "cause", err)
	}

	bundle := &model.KeyBundle{IdentityKey: identityKey}
	if signed != nil {
		b := signed.Bundle()
		bundle.SignedPreKey = &b
	}
	if oneTime != nil {
		bundle.OneTimePreKeys = []model.PreKeyBundle{oneTime.Bundle()}
	}
	if oneTime == nil {
		logger.Warnf("[keys] one-time prekeys exhausted deviceId=%s", deviceID)
	}
	return bundle, nil
}

// CountAvailable exposes prekey depth for the depletion monitor.
func (r *Registry) CountAvailable(ctx context.Context, deviceID string, kind model.PreKeyKind) (int, error) {
	if deviceID == "" {
		return 0, errs.ErrArgs.WrapMsg("deviceId is required")
	}
	n, err := r.store.CountAvailable(ctx, deviceID, kind, r.now())
	if err != nil {
		return 0, errs.ErrStorage.WrapMsg("count prekeys", "deviceId", deviceID, "cause", err)
	}
	return n, nil
}
