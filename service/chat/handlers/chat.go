package handlers

import (
	"context"

	"chatrelay/logger"
	"chatrelay/service/chat"
)

type ChatJoinHandler struct{}

func NewChatJoinHandler() chat.Handler { return &ChatJoinHandler{} }
func (h *ChatJoinHandler) Event() string { return chat.EventChatJoin }

func (h *ChatJoinHandler) Handle(_ context.Context, s *chat.Server, f *chat.Frame, conn *chat.WsConn) error {
	var p chat.ChatJoinPayload
	if err := f.Decode(&p); err != nil {
		return err
	}
	if err := s.JoinRoom(conn.ID, p.ChatID); err != nil {
		return err
	}
	logger.Infof("[chat] user=%s joined chat=%s", p.UserID, p.ChatID)
	return nil
}

type ChatLeaveHandler struct{}

func NewChatLeaveHandler() chat.Handler { return &ChatLeaveHandler{} }
func (h *ChatLeaveHandler) Event() string { return chat.EventChatLeave }

func (h *ChatLeaveHandler) Handle(_ context.Context, s *chat.Server, f *chat.Frame, conn *chat.WsConn) error {
	var p chat.ChatLeavePayload
	if err := f.Decode(&p); err != nil {
		return err
	}
	return s.LeaveRoom(conn.ID, p.ChatID)
}

// ChatNewHandler: the initiator created a chat. Join them to the new room
// and notify every reachable contact; unreachable contacts discover the
// chat when they reconnect.
type ChatNewHandler struct{}

func NewChatNewHandler() chat.Handler { return &ChatNewHandler{} }
func (h *ChatNewHandler) Event() string { return chat.EventChatNew }

func (h *ChatNewHandler) Handle(ctx context.Context, s *chat.Server, f *chat.Frame, conn *chat.WsConn) error {
	var p chat.ChatNewPayload
	if err := f.Decode(&p); err != nil {
		return err
	}
	if err := s.JoinRoom(conn.ID, p.ID); err != nil {
		return err
	}
	s.Relay().BroadcastChatCreated(ctx, p.Initiator, p.Contacts,
		chat.BuildChatNew(p.ID, p.Contacts))
	return nil
}
