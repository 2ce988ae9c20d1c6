package handlers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/service/chat"
	"chatrelay/service/storage"
	"chatrelay/tools/errs"
)

type stubWire struct {
	mu     sync.Mutex
	frames [][]byte
}

func (w *stubWire) WriteMessage(_ int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.frames = append(w.frames, append([]byte(nil), data...))
	return nil
}

func (w *stubWire) SetWriteDeadline(time.Time) error { return nil }
func (w *stubWire) Close() error                     { return nil }

func (w *stubWire) sent() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append(w.frames[:0:0], w.frames...)
}

func newServer(t *testing.T) *chat.Server {
	t.Helper()
	s := chat.NewServer(chat.ServerConf{
		GatewayID:  "gw-a",
		UnauthTTL:  time.Minute,
		SweepEvery: time.Hour,
	}, storage.NewMemoryDirectory(), nil)
	t.Cleanup(s.Shutdown)
	RegisterAll(s.Disp())
	return s
}

func connect(t *testing.T, s *chat.Server, connID, userID string) (*chat.WsConn, *stubWire) {
	t.Helper()
	wire := &stubWire{}
	w, err := s.ConnMgr().AddUnauth(connID, wire)
	require.NoError(t, err)
	if userID != "" {
		require.NoError(t, s.Authenticate(context.Background(), connID, userID, ""))
	}
	return w, wire
}

func dispatch(t *testing.T, s *chat.Server, conn *chat.WsConn, raw string) error {
	t.Helper()
	f, err := chat.ParseFrame([]byte(raw))
	require.NoError(t, err)
	return s.Disp().Dispatch(context.Background(), s, f, conn)
}

func TestRegisterAllCoversInboundEvents(t *testing.T) {
	s := newServer(t)
	for _, ev := range []string{
		chat.EventAuthenticate,
		chat.EventChatJoin,
		chat.EventChatLeave,
		chat.EventChatNew,
		chat.EventMessageSend,
		chat.EventTyping,
		chat.EventPing,
	} {
		assert.NotNil(t, s.Disp().GetHandler(ev), ev)
	}
	assert.Nil(t, s.Disp().GetHandler("no:such:event"))
}

func TestAuthenticateEventFlow(t *testing.T) {
	s := newServer(t)
	conn, _ := connect(t, s, "c1", "")

	err := dispatch(t, s, conn, `{"event":"user:authenticate","data":{"userId":"alice"}}`)
	require.NoError(t, err)
	assert.Equal(t, chat.StateAuthenticated, s.ConnMgr().State("c1"))
}

func TestMessageSendForwardsOpaquePayload(t *testing.T) {
	s := newServer(t)
	sender, _ := connect(t, s, "c-a", "alice")
	_, bobWire := connect(t, s, "c-b", "bob")

	raw := `{"event":"message:send","data":{"recipientId":"bob","ciphertext":"0xCAFE","nonce":"n1"}}`
	require.NoError(t, dispatch(t, s, sender, raw))

	sent := bobWire.sent()
	require.Len(t, sent, 1)
	f, err := chat.ParseFrame(sent[0])
	require.NoError(t, err)
	assert.Equal(t, chat.EventMessageNew, f.Event)
	// the payload passes through untouched, routing field included
	assert.JSONEq(t, `{"recipientId":"bob","ciphertext":"0xCAFE","nonce":"n1"}`, string(f.Data))
}

func TestMessageSendRequiresAuthentication(t *testing.T) {
	s := newServer(t)
	conn, _ := connect(t, s, "c1", "")

	err := dispatch(t, s, conn, `{"event":"message:send","data":{"recipientId":"bob"}}`)
	require.Error(t, err)
	assert.True(t, errs.ErrNotAuthorized.Is(err))
}

func TestTypingRoutesToRecipientOnly(t *testing.T) {
	s := newServer(t)
	sender, _ := connect(t, s, "c-a", "alice")
	_, bobWire := connect(t, s, "c-b", "bob")
	_, carolWire := connect(t, s, "c-c", "carol")

	raw := `{"event":"typing:status","data":{"chatId":"chat-1","userId":"alice","recipientId":"bob","isTyping":true}}`
	require.NoError(t, dispatch(t, s, sender, raw))

	require.Len(t, bobWire.sent(), 1)
	assert.Empty(t, carolWire.sent())

	f, err := chat.ParseFrame(bobWire.sent()[0])
	require.NoError(t, err)
	assert.Equal(t, chat.EventTyping, f.Event)
}

func TestChatNewJoinsInitiatorAndNotifiesContacts(t *testing.T) {
	s := newServer(t)
	initiator, _ := connect(t, s, "c-a", "alice")
	_, bobWire := connect(t, s, "c-b", "bob")

	raw := `{"event":"chat:new","data":{"id":"chat-7","initiator":"alice","contacts":["alice","bob","dave"]}}`
	require.NoError(t, dispatch(t, s, initiator, raw))

	members := s.ConnMgr().RoomMembers("chat-7")
	require.Len(t, members, 1)
	assert.Equal(t, "c-a", members[0].ID)

	sent := bobWire.sent()
	require.Len(t, sent, 1)
	f, err := chat.ParseFrame(sent[0])
	require.NoError(t, err)
	assert.Equal(t, chat.EventChatNew, f.Event)
}

func TestChatJoinLeaveMutateMembership(t *testing.T) {
	s := newServer(t)
	conn, _ := connect(t, s, "c-a", "alice")

	require.NoError(t, dispatch(t, s, conn,
		`{"event":"chat:join","data":{"userId":"alice","chatId":"chat-1"}}`))
	require.Len(t, s.ConnMgr().RoomMembers("chat-1"), 1)

	require.NoError(t, dispatch(t, s, conn,
		`{"event":"chat:leave","data":{"chatId":"chat-1"}}`))
	assert.Empty(t, s.ConnMgr().RoomMembers("chat-1"))
}

func TestPingAnswersPong(t *testing.T) {
	s := newServer(t)
	conn, wire := connect(t, s, "c-a", "alice")

	require.NoError(t, dispatch(t, s, conn, `{"event":"ping"}`))

	sent := wire.sent()
	require.Len(t, sent, 1)
	f, err := chat.ParseFrame(sent[0])
	require.NoError(t, err)
	assert.Equal(t, chat.EventPong, f.Event)
}
