package handlers

import (
	"context"

	"chatrelay/service/chat"
	"chatrelay/tools/errs"
)

// TypingHandler relays a typing indicator to exactly the recipient. The
// outbound payload drops recipientId; no acknowledgment is expected.
type TypingHandler struct{}

func NewTypingHandler() chat.Handler { return &TypingHandler{} }
func (h *TypingHandler) Event() string { return chat.EventTyping }

func (h *TypingHandler) Handle(ctx context.Context, s *chat.Server, f *chat.Frame, conn *chat.WsConn) error {
	var p chat.TypingPayload
	if err := f.Decode(&p); err != nil {
		return err
	}
	if p.RecipientID == "" {
		return errs.ErrArgs.WrapMsg("recipientId is required")
	}
	return s.Relay().RelayDirect(ctx, p.RecipientID,
		chat.BuildTyping(p.UserID, p.ChatID, p.IsTyping))
}
