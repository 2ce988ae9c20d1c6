package chat

import (
	"encoding/json"
	"fmt"
)

// Wire protocol: one JSON object per websocket message,
// {"event": "...", "data": {...}}. Event names follow the client protocol.

const (
	EventAuthenticate = "user:authenticate"
	EventChatJoin     = "chat:join"
	EventChatLeave    = "chat:leave"
	EventChatNew      = "chat:new"
	EventMessageSend  = "message:send"
	EventMessageNew   = "message:new"
	EventTyping       = "typing:status"
	EventOffline      = "user:offline"
	EventPing         = "ping"
	EventPong         = "pong"
	EventConnAck      = "conn:ack"
	EventError        = "error"
)

type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func ParseFrame(raw []byte) (*Frame, error) {
	f := &Frame{}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, fmt.Errorf("unmarshal frame failed: %w", err)
	}
	if f.Event == "" {
		return nil, fmt.Errorf("frame missing event")
	}
	return f, nil
}

// NewFrame builds a frame with a marshaled payload. Panics only on
// unmarshalable payload types, which is a programming error.
func NewFrame(event string, payload any) Frame {
	if payload == nil {
		return Frame{Event: event}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("marshal %s payload: %v", event, err))
	}
	return Frame{Event: event, Data: data}
}

func (f Frame) Encode() []byte {
	out, err := json.Marshal(f)
	if err != nil {
		panic(fmt.Sprintf("marshal frame: %v", err))
	}
	return out
}

// Decode unmarshals the frame payload into v.
func (f *Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%s: empty payload", f.Event)
	}
	return json.Unmarshal(f.Data, v)
}

// ---- inbound payloads ----

type AuthenticatePayload struct {
	UserID string `json:"userId"`
	Token  string `json:"token,omitempty"`
}

type ChatJoinPayload struct {
	UserID string `json:"userId"`
	ChatID string `json:"chatId"`
}

type ChatLeavePayload struct {
	ChatID string `json:"chatId"`
}

type ChatNewPayload struct {
	ID        string   `json:"id"`
	Initiator string   `json:"initiator"`
	Contacts  []string `json:"contacts"`
}

// MessageSendPayload: only the routing field is inspected; the rest of the
// payload is relayed opaque (it is end-to-end encrypted).
type MessageSendPayload struct {
	RecipientID string `json:"recipientId"`
}

type TypingPayload struct {
	ChatID      string `json:"chatId"`
	UserID      string `json:"userId"`
	RecipientID string `json:"recipientId"`
	IsTyping    bool   `json:"isTyping"`
}

// ---- outbound builders ----

func BuildConnAck(connID, gatewayID string) Frame {
	return NewFrame(EventConnAck, map[string]string{
		"connId":    connID,
		"gatewayId": gatewayID,
	})
}

func BuildChatNew(id string, contacts []string) Frame {
	return NewFrame(EventChatNew, map[string]any{
		"id":       id,
		"contacts": contacts,
	})
}

func BuildTyping(userID, chatID string, isTyping bool) Frame {
	return NewFrame(EventTyping, map[string]any{
		"userId":   userID,
		"chatId":   chatID,
		"isTyping": isTyping,
	})
}

func BuildOffline(userID string) Frame {
	return NewFrame(EventOffline, map[string]string{"userId": userID})
}

func BuildError(msg string) Frame {
	return NewFrame(EventError, map[string]string{"message": msg})
}
