package handlers

import (
	"context"

	"chatrelay/logger"
	"chatrelay/service/chat"
)

type AuthHandler struct{}

func NewAuthHandler() chat.Handler { return &AuthHandler{} }
func (h *AuthHandler) Event() string { return chat.EventAuthenticate }

func (h *AuthHandler) Handle(ctx context.Context, s *chat.Server, f *chat.Frame, conn *chat.WsConn) error {
	var p chat.AuthenticatePayload
	if err := f.Decode(&p); err != nil {
		logger.Infof("[auth] bad payload conn=%s: %v", conn.ID, err)
		return err
	}
	return s.Authenticate(ctx, conn.ID, p.UserID, p.Token)
}
