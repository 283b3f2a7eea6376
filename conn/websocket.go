// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package conn

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/gorilla/websocket"
)

// WebSocket adapts a WebSocket connection to the skyline.Conn interface.
// Each frame is sent as one binary message. Text messages and control
// frames are ignored by Recv.
func WebSocket(ws *websocket.Conn) *WSConn {
	ws.SetReadLimit(MaxFrameSize)
	return &WSConn{ws: ws}
}

// DialWebSocket dials the WebSocket server at url.
func DialWebSocket(ctx context.Context, url string) (*WSConn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	return WebSocket(ws), nil
}

// A WSConn sends and receives frames as binary WebSocket messages.
type WSConn struct {
	ws *websocket.Conn

	wμ     sync.Mutex // gorilla permits one concurrent writer
	closed bool
}

// Send implements a method of the [skyline.Conn] interface.
func (c *WSConn) Send(data []byte) error {
	c.wμ.Lock()
	defer c.wμ.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

// Recv implements a method of the [skyline.Conn] interface.
func (c *WSConn) Recv() ([]byte, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, net.ErrClosed
			}
			return nil, err
		}
		if mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Close implements a method of the [skyline.Conn] interface. It sends a
// normal closure message before closing the underlying connection.
func (c *WSConn) Close() error {
	c.wμ.Lock()
	defer c.wμ.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")) // best effort
	return c.ws.Close()
}
