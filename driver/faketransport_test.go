package driver

import (
	"context"
	"sync"
	"time"
)

// fakeConn is a scripted Conn used to drive the state machine in tests
// without a real websocket or chrome process.
type fakeConn struct {
	mu       sync.Mutex
	inbound  chan rpcMessage
	outbound []rpcRequest
	closed   bool
	onWrite  func(req rpcRequest) // optional hook, e.g. to script replies
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan rpcMessage, 256)}
}

func (c *fakeConn) WriteMessage(req rpcRequest) error {
	c.mu.Lock()
	c.outbound = append(c.outbound, req)
	hook := c.onWrite
	c.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	return nil
}

func (c *fakeConn) ReadMessage() (rpcMessage, error) {
	msg, ok := <-c.inbound
	if !ok {
		return rpcMessage{}, errFakeClosed
	}
	return msg, nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbound)
	}
	return nil
}

// push enqueues an inbound message, matching a real chrome reply/event.
func (c *fakeConn) push(msg rpcMessage) {
	defer func() { recover() }() // ignore send-on-closed-channel races in teardown
	c.inbound <- msg
}

// lastWriteFor returns the most recently written request for method, or
// false if none has been sent yet.
func (c *fakeConn) lastWriteFor(method string) (rpcRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.outbound) - 1; i >= 0; i-- {
		if c.outbound[i].Method == method {
			return c.outbound[i], true
		}
	}
	return rpcRequest{}, false
}

type fakeDialer struct {
	conn *fakeConn
	err  error
}

func (d fakeDialer) Dial(ctx context.Context, wsURL string) (Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

type fakeError string

func (e fakeError) Error() string { return string(e) }

const errFakeClosed fakeError = "fake websocket closed"
