package chat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/service/storage"
)

type fakeBus struct {
	mu   sync.Mutex
	pubs []struct {
		gw   string
		data []byte
	}
}

func (b *fakeBus) Publish(gatewayID string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	b.pubs = append(b.pubs, struct {
		gw   string
		data []byte
	}{gatewayID, cp})
	return nil
}

func (b *fakeBus) published() []struct {
	gw   string
	data []byte
} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append(b.pubs[:0:0], b.pubs...)
}

type relayRig struct {
	mgr   *ConnManager
	dir   *storage.MemoryDirectory
	bus   *fakeBus
	relay *Relay
}

func newRelayRig(t *testing.T) *relayRig {
	t.Helper()
	mgr := NewConnManager(ManagerConf{SweepEvery: time.Hour}, "gw-a")
	t.Cleanup(mgr.Close)
	dir := storage.NewMemoryDirectory()
	bus := &fakeBus{}
	return &relayRig{
		mgr:   mgr,
		dir:   dir,
		bus:   bus,
		relay: NewRelay("gw-a", mgr, dir, bus),
	}
}

// connect registers an authenticated local connection with presence.
func (r *relayRig) connect(t *testing.T, connID, userID string) *fakeWire {
	t.Helper()
	wire := &fakeWire{}
	_, err := r.mgr.AddUnauth(connID, wire)
	require.NoError(t, err)
	_, err = r.mgr.MarkAuthenticated(connID, userID)
	require.NoError(t, err)
	_, _, err = r.dir.SetPresence(context.Background(), userID,
		storage.Entry{GatewayID: "gw-a", ConnID: connID})
	require.NoError(t, err)
	return wire
}

func TestRelayDirectDeliversLocally(t *testing.T) {
	r := newRelayRig(t)
	wire := r.connect(t, "c-bob", "bob")

	f := NewFrame(EventMessageNew, map[string]string{"ciphertext": "0xdead"})
	require.NoError(t, r.relay.RelayDirect(context.Background(), "bob", f))

	sent := wire.sent()
	require.Len(t, sent, 1)
	got, err := ParseFrame(sent[0])
	require.NoError(t, err)
	assert.Equal(t, EventMessageNew, got.Event)
	assert.Empty(t, r.bus.published())
}

func TestRelayDirectOfflineIsSilentDrop(t *testing.T) {
	r := newRelayRig(t)

	err := r.relay.RelayDirect(context.Background(), "nobody",
		NewFrame(EventMessageNew, map[string]string{"x": "y"}))
	require.NoError(t, err)
	assert.Empty(t, r.bus.published())
}

func TestRelayDirectPublishesToPeerGateway(t *testing.T) {
	r := newRelayRig(t)
	_, _, err := r.dir.SetPresence(context.Background(), "carol",
		storage.Entry{GatewayID: "gw-b", ConnID: "c-remote"})
	require.NoError(t, err)

	f := NewFrame(EventMessageNew, map[string]string{"ciphertext": "0xbeef"})
	require.NoError(t, r.relay.RelayDirect(context.Background(), "carol", f))

	pubs := r.bus.published()
	require.Len(t, pubs, 1)
	assert.Equal(t, "gw-b", pubs[0].gw)

	var env remoteEnvelope
	require.NoError(t, json.Unmarshal(pubs[0].data, &env))
	assert.Equal(t, "carol", env.TargetUserID)
	assert.Equal(t, EventMessageNew, env.Frame.Event)
}

func TestHandleRemoteDeliversToLocalUser(t *testing.T) {
	r := newRelayRig(t)
	wire := r.connect(t, "c-bob", "bob")

	env, err := json.Marshal(remoteEnvelope{
		TargetUserID: "bob",
		Frame:        BuildTyping("alice", "chat-1", true),
	})
	require.NoError(t, err)

	r.relay.HandleRemote(env)

	sent := wire.sent()
	require.Len(t, sent, 1)
	got, err := ParseFrame(sent[0])
	require.NoError(t, err)
	assert.Equal(t, EventTyping, got.Event)
}

func TestHandleRemoteForDepartedUserIsQuiet(t *testing.T) {
	r := newRelayRig(t)

	env, _ := json.Marshal(remoteEnvelope{TargetUserID: "ghost", Frame: BuildOffline("ghost")})
	r.relay.HandleRemote(env) // must not panic
	r.relay.HandleRemote([]byte("not-json"))
}

func TestRelayToRoomExcludesSender(t *testing.T) {
	r := newRelayRig(t)
	wa := r.connect(t, "c-a", "alice")
	wb := r.connect(t, "c-b", "bob")
	wc := r.connect(t, "c-c", "carol")
	for _, id := range []string{"c-a", "c-b", "c-c"} {
		require.NoError(t, r.mgr.JoinRoom(id, "room-1"))
	}

	r.relay.RelayToRoom("room-1", BuildOffline("alice"), "c-a")

	assert.Empty(t, wa.sent())
	assert.Len(t, wb.sent(), 1)
	assert.Len(t, wc.sent(), 1)
}

func TestBroadcastChatCreatedSkipsInitiatorAndOffline(t *testing.T) {
	r := newRelayRig(t)
	wa := r.connect(t, "c-a", "alice")
	wb := r.connect(t, "c-b", "bob")
	// dave has no presence entry at all

	f := BuildChatNew("chat-9", []string{"alice", "bob", "dave"})
	r.relay.BroadcastChatCreated(context.Background(), "alice",
		[]string{"alice", "bob", "dave"}, f)

	assert.Empty(t, wa.sent())
	require.Len(t, wb.sent(), 1)
	got, err := ParseFrame(wb.sent()[0])
	require.NoError(t, err)
	assert.Equal(t, EventChatNew, got.Event)
}

func TestRelayDirectWithoutBusDropsRemoteFrames(t *testing.T) {
	mgr := NewConnManager(ManagerConf{SweepEvery: time.Hour}, "gw-a")
	t.Cleanup(mgr.Close)
	dir := storage.NewMemoryDirectory()
	relay := NewRelay("gw-a", mgr, dir, nil)

	_, _, err := dir.SetPresence(context.Background(), "carol",
		storage.Entry{GatewayID: "gw-b", ConnID: "c-remote"})
	require.NoError(t, err)

	// single-node deployment: remote presence cannot be reached, not an error
	require.NoError(t, relay.RelayDirect(context.Background(), "carol",
		BuildOffline("x")))
}
