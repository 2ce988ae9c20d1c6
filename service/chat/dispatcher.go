package chat

import (
	"context"
	"fmt"

	"chatrelay/logger"
)

// Handler processes one inbound event type.
type Handler interface {
	Event() string
	Handle(ctx context.Context, s *Server, f *Frame, conn *WsConn) error
}

type Dispatcher struct {
	handlers map[string]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

func (d *Dispatcher) Register(h Handler) { d.handlers[h.Event()] = h }

func (d *Dispatcher) Dispatch(ctx context.Context, s *Server, f *Frame, conn *WsConn) error {
	h, ok := d.handlers[f.Event]
	if !ok {
		return fmt.Errorf("no handler for event=%s", f.Event)
	}
	return h.Handle(ctx, s, f, conn)
}

func (d *Dispatcher) GetHandler(event string) Handler {
	h, ok := d.handlers[event]
	if !ok {
		logger.Infof("no handler for event=%s", event)
		return nil
	}
	return h
}
