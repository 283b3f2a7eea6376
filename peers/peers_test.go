// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package peers_test

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/synctest"
	"time"

	"github.com/creachadair/skyline"
	"github.com/creachadair/skyline/codec"
	"github.com/creachadair/skyline/conn"
	"github.com/creachadair/skyline/dict"
	"github.com/creachadair/skyline/peers"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/rs/zerolog"
)

func testDict(t *testing.T) *dict.Dictionary {
	t.Helper()
	d, err := dict.Load(dict.Schema{
		Epoch: 1,
		Channels: []dict.ChannelSchema{{
			ID:   4,
			Name: "echo",
			Packets: []dict.PacketSchema{{
				ID:     1,
				Name:   "ping",
				Fields: []dict.FieldSchema{{Name: "text", Type: "string"}},
			}},
		}},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return d
}

func testServer(t *testing.T) *peers.Server {
	t.Helper()
	return peers.NewServer(testDict(t)).
		Logger(zerolog.New(zerolog.NewTestWriter(t))).
		Handle(4, 1, slowEcho)
}

func slowEcho(ctx context.Context, req *peers.Request) (*codec.Packet, error) {
	time.Sleep(7 * time.Millisecond)
	return req.Packet, nil
}

func mustListen(t *testing.T) (_ net.Listener, addr string) {
	t.Helper()
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr = lst.Addr().String()
	t.Cleanup(func() { lst.Close() })
	t.Logf("Listening at %q", addr)
	return lst, addr
}

type fakeListener struct {
	net.Listener // stub for unused methods
	conns        chan net.Conn
	closed       chan struct{}
}

func (f fakeListener) push(c net.Conn) { f.conns <- c }

func (f fakeListener) Accept() (net.Conn, error) {
	select {
	case <-f.closed:
		return nil, net.ErrClosed
	case c := <-f.conns:
		return c, nil
	}
}

func (f fakeListener) Close() error {
	select {
	case <-f.closed:
		return net.ErrClosed
	default:
		close(f.closed)
		return nil
	}
}

func newFakeListener() fakeListener {
	return fakeListener{
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}
}

// fakeConn is a fake implementation of [net.Conn] that does not work but which
// satisfies the interface, for use in testing. Only the Close method can be
// called without panicking.
type fakeConn struct{ net.Conn }

func (fakeConn) Close() error { return nil }

func TestAccepter(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			lst := newFakeListener()
			acc := peers.NetAccepter(lst)

			time.AfterFunc(1*time.Second, func() { lst.push(fakeConn{}) })
			c, err := acc.Accept(t.Context())
			if err != nil {
				t.Fatalf("Accept: unexpected error: %v", err)
			}
			if _, ok := c.(conn.IOConn); !ok {
				t.Errorf("Accept: got %[1]T %[1]v, want %T", c, conn.IOConn{})
			}

			// The listener should not be closed.
			if err := lst.Close(); err != nil {
				t.Errorf("Close listener: unexpected error: %v", err)
			}
		})
	})

	t.Run("Cancel", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			lst := newFakeListener()
			acc := peers.NetAccepter(lst)
			ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
			defer cancel()

			c, err := acc.Accept(ctx)
			if err == nil {
				t.Errorf("Accept: got %v, want error", c)
			}

			// The listener should already be closed, so this should report that error.
			if err := lst.Close(); !errors.Is(err, net.ErrClosed) {
				t.Errorf("Close listener: got %v, want %v", err, net.ErrClosed)
			}
		})
	})
}

// runClients connects numClients clients with dial, and has each make
// numCalls calls to the echo channel.
func runClients(t *testing.T, dial func() (skyline.Conn, error)) error {
	const numClients = 5
	const numCalls = 5
	t.Logf("Clients: %d, calls per client: %d", numClients, numCalls)

	g := taskgroup.New(nil)
	for i := range numClients {
		g.Go(func() error {
			c, err := dial()
			if err != nil {
				return err
			}
			cli := skyline.NewClient(skyline.Options{})
			if _, err := cli.Connect(t.Context(), c); err != nil {
				return err
			}
			ch, err := cli.JoinName(t.Context(), "echo", skyline.Request)
			if err != nil {
				cli.Disconnect()
				return err
			}
			for j := range numCalls {
				p, _ := ch.Packet("ping")
				want := strings.Repeat("x", i+j)
				ev, err := ch.Call(t.Context(), p.Set("text", want))
				if err != nil {
					t.Errorf("Call %d: %v", j+1, err)
					continue
				}
				if got, _ := codec.Value[string](ev.Packet, "text"); got != want {
					t.Errorf("Call %d: got %q, want %q", j+1, got, want)
				}
			}
			return cli.Disconnect()
		})
	}
	return g.Wait()
}

func TestLoop(t *testing.T) {
	defer leaktest.Check(t)()

	lst, addr := mustListen(t)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	srv := testServer(t)
	loop := taskgroup.Go(func() error {
		return peers.Loop(ctx, peers.NetAccepter(lst), srv)
	})
	t.Log("Started server loop...")

	err := runClients(t, func() (skyline.Conn, error) {
		return conn.Dial(t.Context(), addr)
	})
	if err != nil {
		t.Errorf("Clients: %v", err)
	}
	t.Logf("Closed listener, err=%v", lst.Close())
	if err := loop.Wait(); err != nil {
		t.Errorf("Loop: %v", err)
	}
}

func TestWebSocketLoop(t *testing.T) {
	acc := peers.NewWebSocketAccepter(nil)
	hs := httptest.NewServer(acc)
	defer hs.Close()

	srv := testServer(t)
	loop := taskgroup.Go(func() error {
		return peers.Loop(t.Context(), acc, srv)
	})

	url := "ws" + strings.TrimPrefix(hs.URL, "http")
	err := runClients(t, func() (skyline.Conn, error) {
		return conn.DialWebSocket(t.Context(), url)
	})
	if err != nil {
		t.Errorf("Clients: %v", err)
	}
	acc.Close()
	if err := loop.Wait(); err != nil {
		t.Errorf("Loop: %v", err)
	}
	if _, err := acc.Accept(t.Context()); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Accept after close: got %v, want %v", err, net.ErrClosed)
	}
}

func TestServeRequiresLogin(t *testing.T) {
	defer leaktest.Check(t)()

	srv := testServer(t)
	cc, sc := conn.Direct()
	served := make(chan error, 1)
	go func() { served <- srv.Serve(t.Context(), sc) }()

	data, err := codec.New(zerolog.Nop()).Encode(srv.Dictionary(), skyline.FetchDictionary{}.Packet())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := cc.Send(data); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := <-served; err == nil || !strings.Contains(err.Error(), "expected login") {
		t.Errorf("Serve: got %v, want expected login", err)
	}
	if _, err := cc.Recv(); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Recv after serve: got %v, want %v", err, net.ErrClosed)
	}
}

func TestDefaultGrant(t *testing.T) {
	defer leaktest.Check(t)()

	loc, err := peers.NewLocal(t.Context(), testServer(t), skyline.Options{Name: "granted"})
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	defer loc.Stop()

	ch, err := loc.Client.JoinName(t.Context(), "echo", skyline.AllPermissions)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if got := ch.Permissions(); got != skyline.AllPermissions {
		t.Errorf("Permissions: got %v, want %v", got, skyline.AllPermissions)
	}
	if got := loc.Server.Joined(loc.Session.ID); len(got) != 1 || got[0] != 4 {
		t.Errorf("Joined: got %v, want [4]", got)
	}
	if err := loc.Server.Kick(99, 4); err == nil {
		t.Error("Kick of unknown session should fail")
	}
}
