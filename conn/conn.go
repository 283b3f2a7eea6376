// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package conn provides implementations of the skyline.Conn interface.
package conn

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/creachadair/skyline"
)

// Direct constructs a connected pair of in-memory connections. Frames sent
// to A are received by B and vice versa. Closing either end closes both.
func Direct() (A, B skyline.Conn) {
	p := &pipe{done: make(chan struct{})}
	a2b := make(chan []byte)
	b2a := make(chan []byte)
	A = direct{pipe: p, out: a2b, in: b2a}
	B = direct{pipe: p, out: b2a, in: a2b}
	return
}

type pipe struct {
	once sync.Once
	done chan struct{}
}

type direct struct {
	*pipe
	out chan<- []byte
	in  <-chan []byte
}

// Send implements a method of the [skyline.Conn] interface.
func (d direct) Send(data []byte) error {
	select {
	case <-d.done:
		return net.ErrClosed
	default:
	}
	select {
	case <-d.done:
		return net.ErrClosed
	case d.out <- data:
		return nil
	}
}

// Recv implements a method of the [skyline.Conn] interface.
func (d direct) Recv() ([]byte, error) {
	select {
	case <-d.done:
		return nil, net.ErrClosed
	case data := <-d.in:
		return data, nil
	}
}

// Close implements a method of the [skyline.Conn] interface.
func (d direct) Close() error {
	d.once.Do(func() { close(d.done) })
	return nil
}

const (
	// MaxFrameSize is the largest frame accepted by an IO connection.
	MaxFrameSize = 16 << 20

	streamHeaderSize = 8
	streamVersion    = 0
)

var streamMagic = [2]byte{'S', 'K'}

// ErrFrameTooLarge is reported for a frame that exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame too large")

// IO constructs a connection that receives from r and sends to wc.  Each
// frame is preceded by an 8-byte header: the magic "SK", a version byte, a
// flags byte, and the frame length as a big-endian uint32.
func IO(r io.Reader, wc io.WriteCloser) IOConn {
	// N.B. The bufio package will reuse existing buffers if possible.
	return IOConn{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc}
}

// An IOConn sends and receives frames on a reader and a writer.
type IOConn struct {
	r *bufio.Reader
	w *bufio.Writer
	c io.Closer
}

// Send implements a method of the [skyline.Conn] interface.
func (c IOConn) Send(data []byte) error {
	if len(data) > MaxFrameSize {
		return fmt.Errorf("send %d bytes: %w", len(data), ErrFrameTooLarge)
	}
	var hdr [streamHeaderSize]byte
	copy(hdr[:], streamMagic[:])
	hdr[2] = streamVersion
	binary.BigEndian.PutUint32(hdr[4:], uint32(len(data)))
	if _, err := c.w.Write(hdr[:]); err != nil {
		return err
	} else if _, err := c.w.Write(data); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [skyline.Conn] interface.
func (c IOConn) Recv() ([]byte, error) {
	var hdr [streamHeaderSize]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err == io.ErrUnexpectedEOF {
		return nil, errors.New("short frame header")
	} else if err != nil {
		return nil, err
	}
	if hdr[0] != streamMagic[0] || hdr[1] != streamMagic[1] {
		return nil, errors.New("invalid frame magic")
	} else if hdr[2] != streamVersion {
		return nil, fmt.Errorf("unsupported frame version %d", hdr[2])
	}
	n := binary.BigEndian.Uint32(hdr[4:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("receive %d bytes: %w", n, ErrFrameTooLarge)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(c.r, data); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, errors.New("short frame payload")
		}
		return nil, err
	}
	return data, nil
}

// Close implements a method of the [skyline.Conn] interface.
func (c IOConn) Close() error { return c.c.Close() }

// Dial connects to the server at addr and returns an IO connection.  The
// network type is chosen by [SplitAddress].
func Dial(ctx context.Context, addr string) (IOConn, error) {
	network, target := SplitAddress(addr)
	var d net.Dialer
	nc, err := d.DialContext(ctx, network, target)
	if err != nil {
		return IOConn{}, err
	}
	return IO(nc, nc), nil
}

// SplitAddress parses an address string to guess a network type and target.
//
// The assignment of a network type uses the following heuristics:
//
// If s does not have the form [host]:port, the network is assigned as "unix".
// The network "unix" is also assigned if port == "", port contains characters
// other than ASCII letters, digits, and "-", or if host contains a "/".
//
// Otherwise, the network is assigned as "tcp". Note that this function does
// not verify whether the address is lexically valid.
func SplitAddress(s string) (network, address string) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "unix", s
	}
	host, port := s[:i], s[i+1:]
	if port == "" || !isServiceName(port) {
		return "unix", s
	} else if strings.IndexByte(host, '/') >= 0 {
		return "unix", s
	}
	return "tcp", s
}

// isServiceName reports whether s looks like a legal service name from the
// services(5) file. The grammar of such names is not well-defined, but for our
// purposes it includes letters, digits, and "-".
func isServiceName(s string) bool {
	for _, b := range s {
		if b >= '0' && b <= '9' || b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z' || b == '-' {
			continue
		}
		return false
	}
	return true
}
