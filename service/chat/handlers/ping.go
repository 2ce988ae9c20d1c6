package handlers

import (
	"context"

	"chatrelay/service/chat"
)

// PingHandler answers application-level pings and refreshes session
// liveness (local expiry plus the presence TTL safety net).
type PingHandler struct{}

func NewPingHandler() chat.Handler { return &PingHandler{} }
func (h *PingHandler) Event() string { return chat.EventPing }

func (h *PingHandler) Handle(ctx context.Context, s *chat.Server, _ *chat.Frame, conn *chat.WsConn) error {
	s.Heartbeat(ctx, conn.ID)
	return s.ConnMgr().Send(conn.ID, chat.NewFrame(chat.EventPong, nil).Encode())
}
