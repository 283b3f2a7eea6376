// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package peers provides support code for running and testing skyline
// clients and servers.
package peers

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/creachadair/skyline"
	"github.com/creachadair/skyline/conn"
	"github.com/creachadair/taskgroup"
	"github.com/gorilla/websocket"
)

// Local is a client connected to an in-memory server, suitable for testing.
type Local struct {
	Server  *Server
	Client  *skyline.Client
	Session *skyline.Session

	served chan error
}

// NewLocal connects a new client with the given options to srv via a direct
// in-memory connection, and waits for the login to complete.
func NewLocal(ctx context.Context, srv *Server, opts skyline.Options) (*Local, error) {
	cc, sc := conn.Direct()
	loc := &Local{Server: srv, Client: skyline.NewClient(opts), served: make(chan error, 1)}
	go func() { loc.served <- srv.Serve(context.Background(), sc) }()

	sess, err := loc.Client.Connect(ctx, cc)
	if err != nil {
		sc.Close()
		<-loc.served
		return nil, err
	}
	loc.Session = sess
	return loc, nil
}

// Stop disconnects the client and blocks until both the client and the
// server connection have exited.
func (p *Local) Stop() error {
	cerr := p.Client.Disconnect()
	serr := <-p.served
	p.served <- serr // allow Stop to be called again
	if cerr != nil {
		return cerr
	}
	return serr
}

// An Accepter accepts client connections.
type Accepter interface {
	Accept(context.Context) (skyline.Conn, error)
}

// Loop accepts connections from acc and serves each one with srv in a
// goroutine. Loop continues until acc closes or ctx ends.
//
// When ctx terminates, all running connections are closed. When acc closes,
// the loop waits for running connections to exit before returning.
func Loop(ctx context.Context, acc Accepter, srv *Server) error {
	g := taskgroup.New(nil)
	for {
		c, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			g.Wait()
			return err
		}
		g.Go(func() error {
			if err := srv.Serve(ctx, c); err != nil {
				srv.log.Warn().Err(err).Msg("connection failed")
			}
			return nil
		})
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (skyline.Conn, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	nc, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return conn.IO(nc, nc), nil
}

// A WebSocketAccepter is an http.Handler that upgrades requests to WebSocket
// connections and delivers them to Accept.
type WebSocketAccepter struct {
	upgrader websocket.Upgrader
	conns    chan skyline.Conn

	once sync.Once
	done chan struct{}
}

// NewWebSocketAccepter constructs a new WebSocketAccepter. If checkOrigin is
// nil, the upgrader's default same-origin check is used.
func NewWebSocketAccepter(checkOrigin func(*http.Request) bool) *WebSocketAccepter {
	return &WebSocketAccepter{
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		conns:    make(chan skyline.Conn),
		done:     make(chan struct{}),
	}
}

// ServeHTTP implements the http.Handler interface.
func (w *WebSocketAccepter) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	select {
	case <-w.done:
		http.Error(rw, "server is closed", http.StatusServiceUnavailable)
		return
	default:
	}
	ws, err := w.upgrader.Upgrade(rw, req, nil)
	if err != nil {
		return // the upgrader has already replied
	}
	c := conn.WebSocket(ws)
	select {
	case w.conns <- c:
	case <-w.done:
		c.Close()
	case <-req.Context().Done():
		c.Close()
	}
}

// Accept implements the Accepter interface.
func (w *WebSocketAccepter) Accept(ctx context.Context) (skyline.Conn, error) {
	select {
	case c := <-w.conns:
		return c, nil
	case <-w.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops w from accepting further connections.
func (w *WebSocketAccepter) Close() error {
	w.once.Do(func() { close(w.done) })
	return nil
}
