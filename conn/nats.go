// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package conn

import (
	"fmt"
	"net"
	"sync"

	"github.com/nats-io/nats.go"
)

// natsBuffer is the number of inbound frames buffered by a NATS connection.
const natsBuffer = 256

// closeHeader marks the message sent by Close to tell the other end that the
// connection is finished.
const closeHeader = "Skyline-Close"

// NATS constructs a connection that publishes frames to the subject send and
// receives frames published to the subject recv. The two ends of a
// connection use the same pair of subjects in opposite roles.
//
// Closing the connection notifies the other end and unsubscribes from recv;
// it does not close nc.
func NATS(nc *nats.Conn, send, recv string) (*NATSConn, error) {
	ch := make(chan *nats.Msg, natsBuffer)
	sub, err := nc.ChanSubscribe(recv, ch)
	if err != nil {
		return nil, fmt.Errorf("subscribe %q: %w", recv, err)
	}
	if err := nc.Flush(); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("subscribe %q: %w", recv, err)
	}
	return &NATSConn{nc: nc, subject: send, sub: sub, msgs: ch, done: make(chan struct{})}, nil
}

// A NATSConn sends and receives frames as NATS messages.
type NATSConn struct {
	nc      *nats.Conn
	subject string
	sub     *nats.Subscription
	msgs    chan *nats.Msg

	once sync.Once
	done chan struct{}
}

// Send implements a method of the [skyline.Conn] interface.
func (c *NATSConn) Send(data []byte) error {
	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}
	if err := c.nc.Publish(c.subject, data); err != nil {
		return err
	}
	return c.nc.Flush()
}

// Recv implements a method of the [skyline.Conn] interface.
func (c *NATSConn) Recv() ([]byte, error) {
	select {
	case <-c.done:
		return nil, net.ErrClosed
	case msg := <-c.msgs:
		if msg.Header.Get(closeHeader) != "" {
			c.shutdown()
			return nil, net.ErrClosed
		}
		return msg.Data, nil
	}
}

// Close implements a method of the [skyline.Conn] interface.
func (c *NATSConn) Close() error {
	if !c.shutdown() || c.nc.IsClosed() {
		return nil
	}
	msg := nats.NewMsg(c.subject)
	msg.Header.Set(closeHeader, "1")
	if err := c.nc.PublishMsg(msg); err != nil {
		return err
	}
	return c.nc.Flush()
}

// shutdown marks c closed and unsubscribes, and reports whether this call
// did so.
func (c *NATSConn) shutdown() (ok bool) {
	c.once.Do(func() {
		close(c.done)
		c.sub.Unsubscribe()
		ok = true
	})
	return ok
}
