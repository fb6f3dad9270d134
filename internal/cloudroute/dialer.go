package cloudroute

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/relayfabric/relayfabric/pkg/fabric"
)

// RouteConn is one established upstream link.
type RouteConn interface {
	// Send writes an envelope to the upstream endpoint.
	Send(e *fabric.Envelope) error

	// Receive blocks for the next inbound envelope. It returns an
	// error when the link is closed or the frame cannot be decoded.
	Receive() (*fabric.Envelope, error)

	// Ping probes liveness; an error marks the route suspect.
	Ping() error

	// Close tears the link down.
	Close() error
}

// HandshakeResult carries what the upstream told us about itself.
type HandshakeResult struct {
	// NodeID is the upstream node's asserted identity.
	NodeID string

	// Scope is the scope the upstream assigned to this link, if any.
	Scope string
}

// RouteDialer establishes upstream links. The production implementation
// speaks WebSocket; tests substitute a fake.
type RouteDialer interface {
	// Dial connects, performs the CDE_CONNECT handshake, and returns
	// the link. It must honor ctx cancellation on every blocking step.
	Dial(ctx context.Context, url string, hello *fabric.Envelope) (RouteConn, HandshakeResult, error)
}

// handshakeTimeout bounds the wait for the upstream's connect reply.
const handshakeTimeout = 10 * time.Second

// WebsocketDialer is the production RouteDialer.
type WebsocketDialer struct {
	// HandshakeTimeout overrides the default when positive.
	HandshakeTimeout time.Duration
}

// Dial connects to the upstream relay, sends the connect envelope, and
// waits for the handshake reply. The reply is JSON; only the fields the
// fabric needs are extracted.
func (d *WebsocketDialer) Dial(ctx context.Context, url string, hello *fabric.Envelope) (RouteConn, HandshakeResult, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = handshakeTimeout
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, HandshakeResult{}, fmt.Errorf("dial %s: %w", url, err)
	}

	payload, err := hello.Encode()
	if err != nil {
		conn.Close()
		return nil, HandshakeResult{}, fmt.Errorf("encode connect envelope: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		conn.Close()
		return nil, HandshakeResult{}, fmt.Errorf("send connect: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(timeout))
	_, reply, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, HandshakeResult{}, fmt.Errorf("read connect reply: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	result := HandshakeResult{
		NodeID: gjson.GetBytes(reply, "originator").String(),
		Scope:  gjson.GetBytes(reply, "scope").String(),
	}
	if result.NodeID == "" {
		conn.Close()
		return nil, HandshakeResult{}, fmt.Errorf("connect reply from %s carries no originator", url)
	}

	return &wsRouteConn{conn: conn}, result, nil
}

type wsRouteConn struct {
	conn *websocket.Conn
}

func (w *wsRouteConn) Send(e *fabric.Envelope) error {
	payload, err := e.Encode()
	if err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

func (w *wsRouteConn) Receive() (*fabric.Envelope, error) {
	_, payload, err := w.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return fabric.DecodeEnvelope(payload)
}

func (w *wsRouteConn) Ping() error {
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

func (w *wsRouteConn) Close() error {
	w.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return w.conn.Close()
}

var _ RouteDialer = (*WebsocketDialer)(nil)
