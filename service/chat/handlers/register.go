package handlers

import "chatrelay/service/chat"

// RegisterAll wires every inbound event handler into the dispatcher.
func RegisterAll(d *chat.Dispatcher) {
	d.Register(NewAuthHandler())
	d.Register(NewChatJoinHandler())
	d.Register(NewChatLeaveHandler())
	d.Register(NewChatNewHandler())
	d.Register(NewMessageHandler())
	d.Register(NewTypingHandler())
	d.Register(NewPingHandler())
}
