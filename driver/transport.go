package driver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
)

// rpcRequest is a command sent to the DevTools endpoint.
type rpcRequest struct {
	ID     int64       `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

// rpcMessage is anything received from the DevTools endpoint: either a
// reply to a command we sent (ID set, Result/Error set) or an
// asynchronously emitted event (Method set, Params set).
type rpcMessage struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (m rpcMessage) isReply() bool { return m.ID != 0 }

// Conn is the transport abstraction BrowsePage drives. A real Conn wraps
// a gorilla/websocket.Conn; tests supply a fake.
type Conn interface {
	WriteMessage(req rpcRequest) error
	ReadMessage() (rpcMessage, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dialer opens a Conn to a DevTools websocket URL.
type Dialer interface {
	Dial(ctx context.Context, wsURL string) (Conn, error)
}

// wsDialer is the default Dialer, backed by gorilla/websocket.
type wsDialer struct{}

// DefaultReadBufferSize and DefaultWriteBufferSize are the maximum
// websocket buffer sizes, large enough for a full-page screenshot reply.
var (
	DefaultReadBufferSize  = 25 * 1024 * 1024
	DefaultWriteBufferSize = 10 * 1024 * 1024
)

func (wsDialer) Dial(ctx context.Context, wsURL string) (Conn, error) {
	d := websocket.Dialer{
		ReadBufferSize:  DefaultReadBufferSize,
		WriteBufferSize: DefaultWriteBufferSize,
	}
	c, _, err := d.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{Conn: c}, nil
}

type wsConn struct {
	*websocket.Conn
}

func (c *wsConn) WriteMessage(req rpcRequest) error {
	return c.Conn.WriteJSON(req)
}

func (c *wsConn) ReadMessage() (rpcMessage, error) {
	var msg rpcMessage
	_, r, err := c.Conn.NextReader()
	if err != nil {
		return rpcMessage{}, err
	}
	if err := json.NewDecoder(r).Decode(&msg); err != nil {
		return rpcMessage{}, err
	}
	return msg, nil
}
