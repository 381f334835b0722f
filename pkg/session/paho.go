package session

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// qosAtLeastOnce matches the delivery level the appliance cloud expects.
const qosAtLeastOnce byte = 1

// PahoTransport implements Transport over MQTT 3.1.1 via WebSocket. Auto-
// reconnect is disabled on purpose: reconnection needs fresh signing, which
// only the session manager can provide, so a new client is built per
// connection.
type PahoTransport struct{}

// NewPahoTransport creates the production transport.
func NewPahoTransport() *PahoTransport {
	return &PahoTransport{}
}

// Connect dials the presigned URL and blocks until the broker accepts the
// connection or ctx ends.
func (t *PahoTransport) Connect(ctx context.Context, p ConnectParams) (Conn, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(p.URL).
		SetClientID(p.ClientID).
		SetKeepAlive(p.KeepAlive).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectTimeout(30 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			p.OnLost(err)
		}).
		SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
			p.OnMessage(msg.Topic(), msg.Payload())
		})

	client := mqtt.NewClient(opts)
	if err := waitToken(ctx, client.Connect()); err != nil {
		return nil, fmt.Errorf("mqtt connect failed: %w", err)
	}
	return &pahoConn{client: client}, nil
}

type pahoConn struct {
	client mqtt.Client
}

func (c *pahoConn) Subscribe(ctx context.Context, topic string) error {
	// nil handler routes messages through the default publish handler
	if err := waitToken(ctx, c.client.Subscribe(topic, qosAtLeastOnce, nil)); err != nil {
		return fmt.Errorf("mqtt subscribe failed: %w", err)
	}
	return nil
}

func (c *pahoConn) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := waitToken(ctx, c.client.Publish(topic, qosAtLeastOnce, false, payload)); err != nil {
		return fmt.Errorf("mqtt publish failed: %w", err)
	}
	return nil
}

func (c *pahoConn) Disconnect(quiesce time.Duration) {
	c.client.Disconnect(uint(quiesce.Milliseconds()))
}

func waitToken(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
