package handlers

import (
	"context"

	"chatrelay/service/chat"
	"chatrelay/tools/errs"
)

// MessageHandler relays an end-to-end-encrypted message to its recipient.
// Only recipientId is inspected; the payload stays opaque and is forwarded
// verbatim as message:new. No delivery acknowledgment, no offline queue.
type MessageHandler struct{}

func NewMessageHandler() chat.Handler { return &MessageHandler{} }
func (h *MessageHandler) Event() string { return chat.EventMessageSend }

func (h *MessageHandler) Handle(ctx context.Context, s *chat.Server, f *chat.Frame, conn *chat.WsConn) error {
	if conn.State != chat.StateAuthenticated {
		return errs.ErrNotAuthorized.WrapMsg("authenticate before sending", "connID", conn.ID)
	}
	var p chat.MessageSendPayload
	if err := f.Decode(&p); err != nil {
		return err
	}
	if p.RecipientID == "" {
		return errs.ErrArgs.WrapMsg("recipientId is required")
	}
	out := chat.Frame{Event: chat.EventMessageNew, Data: f.Data}
	return s.Relay().RelayDirect(ctx, p.RecipientID, out)
}
