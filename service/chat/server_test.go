package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/service/storage"
	"chatrelay/tools/errs"
	"chatrelay/tools/security"
)

func newTestServer(t *testing.T, secret []byte) (*Server, *storage.MemoryDirectory) {
	t.Helper()
	dir := storage.NewMemoryDirectory()
	s := NewServer(ServerConf{
		GatewayID:  "gw-a",
		JWTSecret:  secret,
		UnauthTTL:  time.Minute,
		SweepEvery: time.Hour,
	}, dir, nil)
	t.Cleanup(s.Shutdown)
	return s, dir
}

func TestAuthenticatePublishesPresence(t *testing.T) {
	s, dir := newTestServer(t, nil)
	_, err := s.ConnMgr().AddUnauth("c1", &fakeWire{})
	require.NoError(t, err)

	require.NoError(t, s.Authenticate(context.Background(), "c1", "alice", ""))

	assert.Equal(t, StateAuthenticated, s.ConnMgr().State("c1"))
	e, ok, err := dir.GetConnection(context.Background(), "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, storage.Entry{GatewayID: "gw-a", ConnID: "c1"}, e)
}

func TestAuthenticateRequiresUserID(t *testing.T) {
	s, _ := newTestServer(t, nil)
	_, err := s.ConnMgr().AddUnauth("c1", &fakeWire{})
	require.NoError(t, err)

	err = s.Authenticate(context.Background(), "c1", "", "")
	require.Error(t, err)
	assert.True(t, errs.ErrArgs.Is(err))
	assert.Equal(t, StateConnecting, s.ConnMgr().State("c1"))
}

func TestAuthenticateVerifiesTokenSubject(t *testing.T) {
	secret := []byte("test-secret")
	s, _ := newTestServer(t, secret)
	_, err := s.ConnMgr().AddUnauth("c1", &fakeWire{})
	require.NoError(t, err)

	err = s.Authenticate(context.Background(), "c1", "alice", "garbage")
	require.Error(t, err)
	assert.True(t, errs.ErrTokenInvalid.Is(err))
	assert.Equal(t, StateConnecting, s.ConnMgr().State("c1"))

	// a token minted for bob must not authenticate alice
	bobTok, _, err := security.Generate(security.DefaultOptions(secret), "bob")
	require.NoError(t, err)
	err = s.Authenticate(context.Background(), "c1", "alice", bobTok)
	require.Error(t, err)
	assert.True(t, errs.ErrTokenInvalid.Is(err))

	aliceTok, _, err := security.Generate(security.DefaultOptions(secret), "alice")
	require.NoError(t, err)
	require.NoError(t, s.Authenticate(context.Background(), "c1", "alice", aliceTok))
	assert.Equal(t, StateAuthenticated, s.ConnMgr().State("c1"))
}

func TestLastAuthenticationWinsAcrossConnections(t *testing.T) {
	s, dir := newTestServer(t, nil)
	oldWire := &fakeWire{}
	_, err := s.ConnMgr().AddUnauth("c-old", oldWire)
	require.NoError(t, err)
	require.NoError(t, s.Authenticate(context.Background(), "c-old", "alice", ""))

	_, err = s.ConnMgr().AddUnauth("c-new", &fakeWire{})
	require.NoError(t, err)
	require.NoError(t, s.Authenticate(context.Background(), "c-new", "alice", ""))

	// the superseded local connection is force-closed
	assert.Equal(t, StateClosed, s.ConnMgr().State("c-old"))
	assert.Equal(t, 1, oldWire.closeCount())

	e, ok, err := dir.GetConnection(context.Background(), "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "c-new", e.ConnID)

	// late close of the loser must not clobber the winner's presence
	s.CloseConn(context.Background(), "c-old")
	e, ok, err = dir.GetConnection(context.Background(), "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "c-new", e.ConnID)
}

func TestCloseConnNotifiesSharedRooms(t *testing.T) {
	s, dir := newTestServer(t, nil)
	_, err := s.ConnMgr().AddUnauth("c-a", &fakeWire{})
	require.NoError(t, err)
	bobWire := &fakeWire{}
	_, err = s.ConnMgr().AddUnauth("c-b", bobWire)
	require.NoError(t, err)

	require.NoError(t, s.Authenticate(context.Background(), "c-a", "alice", ""))
	require.NoError(t, s.Authenticate(context.Background(), "c-b", "bob", ""))
	require.NoError(t, s.JoinRoom("c-a", "room-1"))
	require.NoError(t, s.JoinRoom("c-b", "room-1"))

	s.CloseConn(context.Background(), "c-a")

	_, ok, err := dir.GetConnection(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	sent := bobWire.sent()
	require.Len(t, sent, 1)
	f, err := ParseFrame(sent[0])
	require.NoError(t, err)
	assert.Equal(t, EventOffline, f.Event)

	var p struct {
		UserID string `json:"userId"`
	}
	require.NoError(t, f.Decode(&p))
	assert.Equal(t, "alice", p.UserID)
}

func TestCloseConnOnUnauthenticatedIsQuiet(t *testing.T) {
	s, _ := newTestServer(t, nil)
	_, err := s.ConnMgr().AddUnauth("c1", &fakeWire{})
	require.NoError(t, err)

	s.CloseConn(context.Background(), "c1")
	s.CloseConn(context.Background(), "c1") // idempotent
	assert.Equal(t, StateClosed, s.ConnMgr().State("c1"))
}

func TestHeartbeatRefreshesUnauthExpiry(t *testing.T) {
	s, _ := newTestServer(t, nil)
	_, err := s.ConnMgr().AddUnauth("c1", &fakeWire{})
	require.NoError(t, err)

	before, ok := s.ConnMgr().Get("c1")
	require.True(t, ok)
	deadline := before.ExpireAt

	time.Sleep(5 * time.Millisecond)
	s.Heartbeat(context.Background(), "c1")

	after, ok := s.ConnMgr().Get("c1")
	require.True(t, ok)
	assert.True(t, after.ExpireAt.After(deadline))
}
