// Copyright 2025 The Capnet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/webrpc/capnet/internal/util"
)

// websocketChannel adapts a *websocket.Conn to Channel, grounded on the
// teacher's websocketConn (mcp/websocket.go): a mutex-guarded writer, a
// once-guarded close, and a background read pump feeding Received().
type websocketChannel struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	received chan []byte
	ready    chan struct{}
	lost     chan string

	closeOnce sync.Once
	closed    chan struct{}
}

func newWebSocketChannel(conn *websocket.Conn) *websocketChannel {
	c := &websocketChannel{
		conn:     conn,
		received: make(chan []byte, 16),
		ready:    make(chan struct{}),
		lost:     make(chan string, 1),
		closed:   make(chan struct{}),
	}
	close(c.ready)
	go c.readLoop()
	return c
}

// DialWebSocket connects to url as a client-side Channel. url may already
// carry a "sessionId" query parameter (see DurableSocket, which manages
// this across reconnects).
func DialWebSocket(ctx context.Context, url string, header http.Header) (Channel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return newWebSocketChannel(conn), nil
}

// WebSocketUpgrader upgrades an inbound HTTP request into a server-side
// Channel, the accept-side counterpart to DialWebSocket.
type WebSocketUpgrader struct {
	Upgrader websocket.Upgrader
}

// NewWebSocketUpgrader returns an upgrader whose default CheckOrigin
// permits a connection only when the request's RemoteAddr is a loopback
// address (util.IsLoopback); the Origin header is not examined. Tighten
// or relax this by overriding CheckOrigin on the returned value's
// Upgrader field before use.
func NewWebSocketUpgrader() *WebSocketUpgrader {
	return &WebSocketUpgrader{
		Upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return util.IsLoopback(r.RemoteAddr)
			},
		},
	}
}

func (u *WebSocketUpgrader) Upgrade(w http.ResponseWriter, r *http.Request) (Channel, error) {
	conn, err := u.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newWebSocketChannel(conn), nil
}

func (c *websocketChannel) readLoop() {
	defer close(c.received)
	defer c.reportLost("read loop terminated")
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case c.received <- data:
		case <-c.closed:
			return
		}
	}
}

func (c *websocketChannel) reportLost(reason string) {
	select {
	case c.lost <- reason:
	default:
	}
}

func (c *websocketChannel) Received() <-chan []byte  { return c.received }
func (c *websocketChannel) Ready() <-chan struct{}   { return c.ready }
func (c *websocketChannel) StateLost() <-chan string { return c.lost }

func (c *websocketChannel) Send(ctx context.Context, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(dl)
	} else {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *websocketChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}
