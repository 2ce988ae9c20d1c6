// Package natsx is the cross-gateway relay bus. Each gateway subscribes to
// its own subject; events for users connected elsewhere are published to the
// owning gateway's subject. Core NATS only: the relay contract is
// at-most-once, so there is nothing for JetStream to persist.
package natsx

import (
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const subjectPrefix = "relay.gw."

// GatewaySubject returns the subject a gateway listens on.
func GatewaySubject(gatewayID string) string { return subjectPrefix + gatewayID }

type Config struct {
	Servers       []string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

type Bus struct {
	nc  *nats.Conn
	sub *nats.Subscription
}

func NewBus(cfg Config) (*Bus, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, err
	}
	return &Bus{nc: nc}, nil
}

// Publish sends a raw frame to another gateway. Fire-and-forget.
func (b *Bus) Publish(gatewayID string, data []byte) error {
	return b.nc.Publish(GatewaySubject(gatewayID), data)
}

// SubscribeGateway binds the handler for frames addressed to this gateway.
func (b *Bus) SubscribeGateway(gatewayID string, h func(data []byte)) error {
	sub, err := b.nc.Subscribe(GatewaySubject(gatewayID), func(m *nats.Msg) {
		h(m.Data)
	})
	if err != nil {
		return err
	}
	b.sub = sub
	return nil
}

func (b *Bus) Close() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	if b.nc != nil {
		_ = b.nc.Drain()
	}
}
