package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pkgerr "github.com/pkg/errors"

	"chatrelay/module/keys/model"
)

// PGStore keeps identities and prekeys in Postgres. The claim is a single
// conditional UPDATE so select-and-mark is one atomic step; SKIP LOCKED keeps
// concurrent claimants from queueing on the same row.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS identities (
	device_id    TEXT PRIMARY KEY,
	identity_key TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS prekeys (
	id            BIGSERIAL PRIMARY KEY,
	user_id       TEXT NOT NULL,
	device_id     TEXT NOT NULL,
	kind          TEXT NOT NULL,
	key           TEXT NOT NULL,
	identifier    TEXT NOT NULL DEFAULT '',
	signature     TEXT NOT NULL DEFAULT '',
	signature_key TEXT NOT NULL DEFAULT '',
	expires_at    TIMESTAMPTZ,
	consumed      BOOLEAN NOT NULL DEFAULT FALSE,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS prekeys_claim_idx
	ON prekeys (device_id, kind, created_at) WHERE NOT consumed;
`

// EnsureSchema creates the tables on first boot.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return pkgerr.Wrap(err, "keys: ensure schema")
}

func (s *PGStore) GetDeviceIDByUserID(ctx context.Context, userID string) (string, bool, error) {
	var deviceID string
	err := s.pool.QueryRow(ctx,
		`SELECT device_id FROM users WHERE id = $1`, userID).Scan(&deviceID)
	if pkgerr.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, pkgerr.Wrap(err, "keys: device by user")
	}
	return deviceID, true, nil
}

func (s *PGStore) GetIdentityKeyByDeviceID(ctx context.Context, deviceID string) (string, bool, error) {
	var key string
	err := s.pool.QueryRow(ctx,
		`SELECT identity_key FROM identities WHERE device_id = $1`, deviceID).Scan(&key)
	if pkgerr.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, pkgerr.Wrap(err, "keys: identity by device")
	}
	return key, true, nil
}

func (s *PGStore) UpsertIdentity(ctx context.Context, deviceID, identityKey string) (model.Identity, error) {
	var rec model.Identity
	err := s.pool.QueryRow(ctx, `
		INSERT INTO identities (device_id, identity_key)
		VALUES ($1, $2)
		ON CONFLICT (device_id)
		DO UPDATE SET identity_key = EXCLUDED.identity_key
		RETURNING device_id, identity_key, created_at`,
		deviceID, identityKey,
	).Scan(&rec.DeviceID, &rec.IdentityKey, &rec.CreatedAt)
	if err != nil {
		return model.Identity{}, pkgerr.Wrap(err, "keys: upsert identity")
	}
	return rec, nil
}

func (s *PGStore) InsertPreKeys(ctx context.Context, keys []model.PreKey) error {
	if len(keys) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, k := range keys {
		batch.Queue(`
			INSERT INTO prekeys (user_id, device_id, kind, key, identifier, signature, signature_key, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			k.UserID, k.DeviceID, string(k.Kind), k.Key, k.Identifier,
			k.Signature, k.SignatureKey, k.ExpiresAt)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range keys {
		if _, err := br.Exec(); err != nil {
			return pkgerr.Wrap(err, "keys: insert prekeys")
		}
	}
	return nil
}

func (s *PGStore) ClaimPreKey(ctx context.Context, deviceID string, kind model.PreKeyKind, now time.Time) (*model.PreKey, error) {
	var (
		k       model.PreKey
		kindRaw string
	)
	err := s.pool.QueryRow(ctx, `
		UPDATE prekeys SET consumed = TRUE
		WHERE id = (
			SELECT id FROM prekeys
			WHERE device_id = $1 AND kind = $2 AND NOT consumed
			  AND (expires_at IS NULL OR expires_at > $3)
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, user_id, device_id, kind, key, identifier, signature, signature_key, expires_at, consumed, created_at`,
		deviceID, string(kind), now,
	).Scan(&k.ID, &k.UserID, &k.DeviceID, &kindRaw, &k.Key, &k.Identifier,
		&k.Signature, &k.SignatureKey, &k.ExpiresAt, &k.Consumed, &k.CreatedAt)
	if pkgerr.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerr.Wrap(err, "keys: claim prekey")
	}
	k.Kind = model.PreKeyKind(kindRaw)
	return &k, nil
}

func (s *PGStore) CountAvailable(ctx context.Context, deviceID string, kind model.PreKeyKind, now time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM prekeys
		WHERE device_id = $1 AND kind = $2 AND NOT consumed
		  AND (expires_at IS NULL OR expires_at > $3)`,
		deviceID, string(kind), now,
	).Scan(&n)
	if err != nil {
		return 0, pkgerr.Wrap(err, "keys: count prekeys")
	}
	return n, nil
}
