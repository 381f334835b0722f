package session

import (
	"context"
	"time"
)

// MessageHandler receives every inbound message on the streaming connection.
type MessageHandler func(topic string, payload []byte)

// ConnectParams carries everything one connection attempt needs.
type ConnectParams struct {
	URL       string // presigned wss URL
	ClientID  string
	KeepAlive time.Duration
	OnMessage MessageHandler
	OnLost    func(error)
}

// Transport dials one streaming connection. The socket/TLS/WebSocket
// plumbing is a consumed capability: the session manager owns lifecycle and
// signing, the transport owns bytes.
type Transport interface {
	Connect(ctx context.Context, p ConnectParams) (Conn, error)
}

// Conn is one live streaming connection. The raw handle never leaves the
// session manager.
type Conn interface {
	Subscribe(ctx context.Context, topic string) error
	Publish(ctx context.Context, topic string, payload []byte) error
	// Disconnect waits up to quiesce for in-flight sends to complete.
	Disconnect(quiesce time.Duration)
}
