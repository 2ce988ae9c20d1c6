package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"chatrelay/module/keys/model"
)

// MemoryStore implements Store in process. The claim runs inside one critical
// section, which gives the same at-most-once guarantee the Postgres statement
// does. Used in tests and storage-less local runs.
type MemoryStore struct {
	mu         sync.Mutex
	devices    map[string]string // userID -> deviceID (the external user directory)
	identities map[string]model.Identity
	prekeys    []*model.PreKey
	nextID     int64
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:    make(map[string]string),
		identities: make(map[string]model.Identity),
		now:        time.Now,
	}
}

// MapUserDevice seeds the user directory, which in production is an external
// collaborator.
func (s *MemoryStore) MapUserDevice(userID, deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[userID] = deviceID
}

func (s *MemoryStore) GetDeviceIDByUserID(_ context.Context, userID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[userID]
	return d, ok, nil
}

func (s *MemoryStore) GetIdentityKeyByDeviceID(_ context.Context, deviceID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.identities[deviceID]
	if !ok {
		return "", false, nil
	}
	return rec.IdentityKey, true, nil
}

func (s *MemoryStore) UpsertIdentity(_ context.Context, deviceID, identityKey string) (model.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.identities[deviceID]
	if !ok {
		rec = model.Identity{DeviceID: deviceID, CreatedAt: s.now()}
	}
	rec.IdentityKey = identityKey
	s.identities[deviceID] = rec
	return rec, nil
}

func (s *MemoryStore) InsertPreKeys(_ context.Context, keys []model.PreKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range keys {
		k := keys[i]
		s.nextID++
		k.ID = s.nextID
		if k.CreatedAt.IsZero() {
			k.CreatedAt = s.now()
		}
		s.prekeys = append(s.prekeys, &k)
	}
	return nil
}

func (s *MemoryStore) ClaimPreKey(_ context.Context, deviceID string, kind model.PreKeyKind, now time.Time) (*model.PreKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*model.PreKey
	for _, k := range s.prekeys {
		if k.DeviceID == deviceID && k.Kind == kind && k.Available(now) {
			candidates = append(candidates, k)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	// oldest-first, id as tiebreaker: deterministic selection
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].ID < candidates[j].ID
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	chosen := candidates[0]
	chosen.Consumed = true
	out := *chosen
	return &out, nil
}

func (s *MemoryStore) CountAvailable(_ context.Context, deviceID string, kind model.PreKeyKind, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, k := range s.prekeys {
		if k.DeviceID == deviceID && k.Kind == kind && k.Available(now) {
			n++
		}
	}
	return n, nil
}
