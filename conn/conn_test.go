// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package conn_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/creachadair/skyline"
	"github.com/creachadair/skyline/conn"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// checkPair verifies that frames pass in both directions between a and b,
// and that both ends report errors after a is closed.
func checkPair(t *testing.T, a, b skyline.Conn) {
	t.Helper()
	frames := [][]byte{[]byte("alpha"), {}, bytes.Repeat([]byte("x"), 4096), []byte("omega")}

	g := taskgroup.New(nil)
	g.Go(func() error {
		for _, f := range frames {
			if err := a.Send(f); err != nil {
				t.Errorf("A Send: %v", err)
			}
		}
		return nil
	})
	g.Go(func() error {
		for _, want := range frames {
			got, err := a.Recv()
			if err != nil {
				t.Errorf("A Recv: %v", err)
				break
			}
			if !bytes.Equal(got, want) {
				t.Errorf("A Recv: got %q, want %q", got, want)
			}
		}
		return nil
	})
	g.Go(func() error {
		for range frames {
			f, err := b.Recv()
			if err != nil {
				t.Errorf("B Recv: %v", err)
				break
			}
			if err := b.Send(f); err != nil {
				t.Errorf("B Send: %v", err)
			}
		}
		return nil
	})
	g.Wait()

	if err := a.Close(); err != nil {
		t.Errorf("A Close: %v", err)
	}
	if err := a.Send([]byte("late")); err == nil {
		t.Error("A Send after close did not report an error")
	}
	if f, err := b.Recv(); err == nil {
		t.Errorf("B Recv after close: got %q", f)
	} else {
		t.Logf("Error OK: %v", err)
	}
	b.Close()
}

func TestDirect(t *testing.T) {
	defer leaktest.Check(t)()

	a, b := conn.Direct()
	checkPair(t, a, b)

	if _, err := a.Recv(); !errors.Is(err, net.ErrClosed) {
		t.Errorf("A Recv after close: got %v, want %v", err, net.ErrClosed)
	}
	if err := b.Close(); err != nil {
		t.Errorf("Second close: %v", err)
	}
}

func TestDirectCloseUnblocks(t *testing.T) {
	defer leaktest.Check(t)()

	a, _ := conn.Direct()
	done := make(chan error, 1)
	go func() { _, err := a.Recv(); done <- err }()

	time.Sleep(5 * time.Millisecond)
	a.Close()
	select {
	case err := <-done:
		if !errors.Is(err, net.ErrClosed) {
			t.Errorf("Recv: got %v, want %v", err, net.ErrClosed)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Recv did not unblock after Close")
	}
}

func TestIO(t *testing.T) {
	defer leaktest.Check(t)()

	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	a := conn.IO(ar, aw)
	b := conn.IO(br, bw)
	checkPair(t, a, b)
	ar.Close()
}

func TestIOFormat(t *testing.T) {
	var buf bytes.Buffer
	c := conn.IO(strings.NewReader(""), nopCloser{&buf})
	if err := c.Send([]byte("hi")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if diff := cmp.Diff("SK\x00\x00\x00\x00\x00\x02hi", buf.String()); diff != "" {
		t.Errorf("Wire format (-want, +got):\n%s", diff)
	}

	if err := c.Send(make([]byte, conn.MaxFrameSize+1)); !errors.Is(err, conn.ErrFrameTooLarge) {
		t.Errorf("Send oversize: got %v, want %v", err, conn.ErrFrameTooLarge)
	}
}

func TestIOErrors(t *testing.T) {
	tests := []struct {
		name, input, want string
	}{
		{"BadMagic", "SX\x00\x00\x00\x00\x00\x00", "invalid frame magic"},
		{"BadVersion", "SK\x07\x00\x00\x00\x00\x00", "unsupported frame version"},
		{"ShortHeader", "SK\x00\x00", "short frame header"},
		{"ShortPayload", "SK\x00\x00\x00\x00\x00\x0aabcd", "short frame payload"},
		{"TooLarge", "SK\x00\x00\x7f\x00\x00\x00", "frame too large"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := conn.IO(strings.NewReader(tc.input), nopCloser{io.Discard})
			got, err := c.Recv()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Recv: got (%q, %v), want error %q", got, err, tc.want)
			}
		})
	}

	t.Run("EOF", func(t *testing.T) {
		c := conn.IO(strings.NewReader(""), nopCloser{io.Discard})
		if _, err := c.Recv(); err != io.EOF {
			t.Errorf("Recv: got %v, want %v", err, io.EOF)
		}
	})
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func TestDial(t *testing.T) {
	defer leaktest.Check(t)()

	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer lst.Close()

	accepted := make(chan skyline.Conn, 1)
	go func() {
		nc, err := lst.Accept()
		if err != nil {
			t.Errorf("Accept: %v", err)
			close(accepted)
			return
		}
		accepted <- conn.IO(nc, nc)
	}()

	a, err := conn.Dial(context.Background(), lst.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	b := <-accepted
	if b == nil {
		t.Fatal("No connection accepted")
	}
	checkPair(t, a, b)
}

func TestWebSocket(t *testing.T) {
	var upgrader websocket.Upgrader
	accepted := make(chan skyline.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade: %v", err)
			return
		}
		accepted <- conn.WebSocket(ws)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	a, err := conn.DialWebSocket(context.Background(), url)
	if err != nil {
		t.Fatalf("DialWebSocket: %v", err)
	}
	b := <-accepted
	checkPair(t, a, b)

	if err := a.Close(); err != nil {
		t.Errorf("Second close: %v", err)
	}
}

func startNATS(t *testing.T) *nats.Conn {
	t.Helper()

	ns, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   natsserver.RANDOM_PORT,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		t.Fatalf("Create NATS server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("NATS server failed to start")
	}
	nc, err := nats.Connect(ns.ClientURL(), nats.Timeout(5*time.Second))
	if err != nil {
		ns.Shutdown()
		t.Fatalf("Connect to NATS: %v", err)
	}
	t.Cleanup(func() {
		nc.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return nc
}

func TestNATS(t *testing.T) {
	nc := startNATS(t)

	a, err := conn.NATS(nc, "sky.c2s", "sky.s2c")
	if err != nil {
		t.Fatalf("NATS A: %v", err)
	}
	b, err := conn.NATS(nc, "sky.s2c", "sky.c2s")
	if err != nil {
		t.Fatalf("NATS B: %v", err)
	}
	checkPair(t, a, b)

	if _, err := a.Recv(); !errors.Is(err, net.ErrClosed) {
		t.Errorf("A Recv after close: got %v, want %v", err, net.ErrClosed)
	}
}

func TestSplitAddress(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"", "unix"},
		{":", "unix"},

		{"nothing", "unix"},        // no colon
		{"like/a/file", "unix"},    // no colon
		{"no-port:", "unix"},       // empty port
		{"file/with:port", "unix"}, // slashes in host
		{"path/with:404", "unix"},  // slashes in host
		{"mangled:@3", "unix"},     // non-alphanumerics in port
		{"[::1]:2323", "tcp"},      // bracketed IPv6 with port

		{":80", "tcp"},            // numeric port
		{":dumb-crud", "tcp"},     // service name
		{"localhost:80", "tcp"},   // host and numeric port
		{"localhost:http", "tcp"}, // host and service name
	}
	for _, test := range tests {
		got, addr := conn.SplitAddress(test.input)
		if got != test.want {
			t.Errorf("SplitAddress(%q) type: got %q, want %q", test.input, got, test.want)
		}
		if addr != test.input {
			t.Errorf("SplitAddress(%q) addr: got %q, want %q", test.input, addr, test.input)
		}
	}
}
