// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package skyline

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/skyline/codec"
	"github.com/creachadair/skyline/dict"
	"github.com/creachadair/taskgroup"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// A Conn is a reliable, ordered, message-framed connection to a server.
// Each call to Send transmits one frame, and each call to Recv returns one
// frame.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Conn interface {
	// Send the frame to the server.
	Send([]byte) error

	// Receive the next available frame from the server.
	Recv() ([]byte, error)

	// Close the connection, causing any pending send or receive operations
	// to terminate and report an error. After a connection is closed, all
	// further operations on it must report an error.
	Close() error
}

// A FrameLogger logs a frame exchanged with the server.
type FrameLogger func(FrameInfo)

// A FrameInfo describes a frame sent or received by a client.
type FrameInfo struct {
	Data   []byte        // the encoded frame
	Packet *codec.Packet // the decoded packet, or nil if decoding failed
	Sent   bool          // whether the frame was sent (true) or received (false)
	Err    error         // the decoding error, if any
}

func (f FrameInfo) String() string {
	dir := "recv"
	if f.Sent {
		dir = "send"
	}
	if f.Err != nil {
		return fmt.Sprintf("%s [%d bytes] error: %v", dir, len(f.Data), f.Err)
	}
	return fmt.Sprintf("%s %v", dir, f.Packet)
}

// Options are settings for a [Client]. A zero Options is ready for use and
// provides default values as described.
type Options struct {
	// The name the client presents at login. If empty, a random name is
	// generated.
	Name string

	// An opaque authentication token presented at login.
	Token string

	// Additional identifiers presented at login.
	Identifiers []string

	// If set, log to this logger. By default logs are discarded.
	Logger *zerolog.Logger

	// How long a correlated request waits for a response before failing with
	// ErrTimeout. If zero or negative, DefaultRequestTimeout is used.
	RequestTimeout time.Duration

	// How often pending requests are checked for timeouts.  If zero or
	// negative, DefaultSweepInterval is used.
	SweepInterval time.Duration

	// If set, create trace spans with this tracer. By default the global
	// OpenTelemetry tracer provider is used.
	Tracer trace.Tracer

	// If set, use this codec and the bindings registered with it. A codec
	// may be shared by several clients; each resolves the bindings against
	// its own dictionary. By default the client creates its own codec.
	Codec *codec.Codec
}

const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultSweepInterval  = 250 * time.Millisecond
)

const tracerName = "github.com/creachadair/skyline"

// A Session describes the result of a successful login.
type Session struct {
	ID          uint64
	Name        string
	Identifiers []string
	Limited     bool // the server granted limited access
}

// A Client is one client's view of one connection to a skyline server.
//
// Call [Client.Connect] with a connection to log in. The client runs until
// [Client.Disconnect] is called, the connection closes, or the server
// disconnects it. Use [Client.Wait] to wait for the client to exit and
// report its status. After it exits, the client may be connected again; the
// new session starts with no dictionary and no joined channels.
type Client struct {
	opts   Options
	log    zerolog.Logger
	codec  *codec.Codec
	tracer trace.Tracer
	m      *clientMetrics
	flog   atomic.Pointer[FrameLogger]

	dict dict.Holder // lock-free; replaced as a whole
	reg  registry    // joined channels

	out struct {
		// Must hold the lock to send to or set conn.
		sync.Mutex
		conn Conn
	}

	μ       sync.Mutex
	tasks   *taskgroup.Group
	corr    *correlator   // pending requests of the current session
	done    chan struct{} // closed when the receive loop exits
	ready   chan struct{} // closed when the first dictionary is loaded
	session *Session
	err     error // the error that ended the session
	remote  error // the reason given by the server for disconnecting
	onExit  func(error)
}

// NewClient constructs a new unconnected client with the given options.
func NewClient(opts Options) *Client {
	if opts.Name == "" {
		opts.Name = uuid.NewString()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	c := &Client{opts: opts, log: zerolog.Nop(), tracer: opts.Tracer, codec: opts.Codec}
	if opts.Logger != nil {
		c.log = opts.Logger.With().Str("client", opts.Name).Logger()
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}
	if c.codec == nil {
		c.codec = codec.New(c.log)
	}
	c.m = newClientMetrics(c.pendingRequests)
	c.corr = newCorrelator()
	c.corr.failAll(ErrDisconnected)
	return c
}

// Name reports the name the client presents at login.
func (c *Client) Name() string { return c.opts.Name }

// Connect logs in on conn and starts the client. It blocks until the server
// has accepted the login and pushed its first dictionary, or until ctx ends.
// If the server refuses the login, Connect reports a *LoginError.
//
// If Connect fails, the connection is closed and the client is stopped.
func (c *Client) Connect(ctx context.Context, conn Conn) (_ *Session, err error) {
	ctx, span := c.tracer.Start(ctx, "skyline.Connect",
		trace.WithAttributes(attribute.String("skyline.client", c.opts.Name)))
	defer func() { endSpan(span, err) }()

	c.μ.Lock()
	if c.tasks != nil {
		select {
		case <-c.done:
			// The previous session ended but nobody waited for it.
			c.μ.Unlock()
			c.Wait()
			c.μ.Lock()
		default:
		}
	}
	if c.tasks != nil {
		c.μ.Unlock()
		return nil, errors.New("client is already connected")
	}
	g := taskgroup.New(nil)
	corr := newCorrelator()
	done := make(chan struct{})
	c.tasks, c.corr, c.done = g, corr, done
	c.ready = make(chan struct{})
	c.session, c.err, c.remote = nil, nil, nil
	ready := c.ready
	c.μ.Unlock()

	c.dict.Reset()
	c.reg.open()
	c.out.Lock()
	c.out.conn = conn
	c.out.Unlock()

	g.Go(func() error {
		for {
			data, err := conn.Recv()
			if err != nil {
				c.fail(err)
				return nil
			}
			c.m.packetRecv.Add(1)
			c.dispatchFrame(data)
		}
	})
	g.Go(func() error {
		t := time.NewTicker(c.opts.SweepInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return nil
			case now := <-t.C:
				if n := corr.expire(now); n > 0 {
					c.m.requestsTimeout.Add(int64(n))
					c.m.requestsFailed.Add(int64(n))
				}
			}
		}
	})

	abort := func(err error) (*Session, error) {
		c.closeOut()
		c.Wait()
		return nil, err
	}
	c.log.Debug().Msg("logging in")
	ev, err := c.call(ctx, Login{
		Name:        c.opts.Name,
		Token:       c.opts.Token,
		Identifiers: c.opts.Identifiers,
	}.Packet())
	if err != nil {
		return abort(fmt.Errorf("login: %w", err))
	}
	var rsp LoginResponse
	if err := rsp.Decode(ev.Packet); err != nil {
		return abort(fmt.Errorf("login: %w", err))
	} else if !rsp.Code.OK() {
		c.log.Warn().Stringer("code", rsp.Code).Msg("login refused")
		return abort(&LoginError{Code: rsp.Code})
	}
	sess := &Session{
		ID:          rsp.ClientID,
		Name:        rsp.Name,
		Identifiers: rsp.Identifiers,
		Limited:     rsp.Code == LoginLimited,
	}
	span.SetAttributes(attribute.Int64("skyline.session", int64(sess.ID)))

	select {
	case <-ready:
	case <-done:
		return abort(c.exitError())
	case <-ctx.Done():
		return abort(fmt.Errorf("waiting for dictionary: %w", ctx.Err()))
	}
	c.μ.Lock()
	c.session = sess
	c.μ.Unlock()
	c.log.Info().Uint64("session", sess.ID).Uint64("epoch", c.dict.Load().Epoch()).Msg("connected")
	return sess, nil
}

// Session reports the current session, or nil if the client is not
// connected.
func (c *Client) Session() *Session {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.session
}

// Disconnect sends a disconnect notice to the server, closes the connection
// and waits for the client to exit. It returns the same value as
// [Client.Wait].
func (c *Client) Disconnect() error {
	if _, _, err := c.live(); err == nil {
		c.sendPacket(DisconnectNotice{Reason: ReasonDisband}.Packet()) // best effort
	}
	c.closeOut()
	return c.Wait()
}

// Wait blocks until the client exits and reports the error that caused it
// to stop. If the client is not running, or stopped because its connection
// closed or the server disconnected it gracefully, Wait returns nil.
func (c *Client) Wait() error {
	c.μ.Lock()
	t := c.tasks
	c.μ.Unlock()
	if t == nil {
		return nil
	}
	t.Wait()

	c.μ.Lock()
	defer c.μ.Unlock()
	if c.tasks != t {
		return nil // someone else cleaned up
	}
	c.tasks = nil
	c.session = nil
	c.out.Lock()
	c.out.conn = nil
	c.out.Unlock()
	return c.exitErrorLocked()
}

func treatErrorAsSuccess(err error) bool {
	return err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

func (c *Client) exitError() error {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.exitErrorLocked()
}

func (c *Client) exitErrorLocked() error {
	if de, ok := c.remote.(*DisconnectError); ok {
		if de.Reason.Graceful() {
			return nil
		}
		return de
	}
	if treatErrorAsSuccess(c.err) {
		return nil
	}
	return c.err
}

// fail ends the current session. It is called exactly once per session, by
// the receive loop, and is the only path that discards state in bulk.
func (c *Client) fail(err error) {
	c.closeOut()

	c.μ.Lock()
	c.err = err
	corr := c.corr
	close(c.done)
	onExit := c.onExit
	c.μ.Unlock()

	n := corr.failAll(ErrDisconnected)
	c.m.requestsFailed.Add(int64(n))
	for _, ch := range c.reg.close() {
		ch.detach()
	}
	c.m.channelsJoined.Set(0)
	c.dict.Reset()
	c.m.dictEpoch.Set(0)
	c.log.Info().Err(err).Int("failed_requests", n).Msg("disconnected")

	if onExit != nil {
		onExit(c.exitError())
	}
}

// live reports the state of the current session, or ErrDisconnected if the
// client is not connected.
func (c *Client) live() (*correlator, *taskgroup.Group, error) {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.tasks == nil {
		return nil, nil, ErrDisconnected
	}
	select {
	case <-c.done:
		return nil, nil, ErrDisconnected
	default:
		return c.corr, c.tasks, nil
	}
}

func (c *Client) pendingRequests() int {
	c.μ.Lock()
	corr := c.corr
	c.μ.Unlock()
	return corr.size()
}

// Dictionary returns the current dictionary. Before the server has pushed a
// dictionary, this is [dict.Empty].
func (c *Client) Dictionary() *dict.Dictionary { return c.dict.Load() }

// RefreshDictionary asks the server to push its current dictionary.  It does
// not wait for the push to arrive.
func (c *Client) RefreshDictionary() error {
	if _, _, err := c.live(); err != nil {
		return err
	}
	return c.sendPacket(FetchDictionary{}.Packet())
}

// Codec returns the codec used by c.
func (c *Client) Codec() *codec.Codec { return c.codec }

// Register binds b to the packet identified by ch and pkt.
// See [codec.Codec.Register].
func (c *Client) Register(ch, pkt codec.Ref, b codec.Binding) error {
	return c.codec.Register(ch, pkt, b)
}

// Metrics returns a metrics map for the client. It is safe for the caller to
// add additional metrics to the map while the client is active.
func (c *Client) Metrics() *expvar.Map { return c.m.emap }

// Collectors returns Prometheus collectors exporting the metrics of c.
// The caller is responsible for registering them.
func (c *Client) Collectors() []prometheus.Collector { return c.m.collectors(c.opts.Name) }

// LogFrames registers a callback that will be invoked for each frame
// exchanged with the server, including frames that are dropped. Passing nil
// disables frame logging. The logger is invoked synchronously with dispatch
// and with sending. LogFrames returns c to permit chaining.
func (c *Client) LogFrames(log FrameLogger) *Client {
	if log == nil {
		c.flog.Store(nil)
	} else {
		c.flog.Store(&log)
	}
	return c
}

func (c *Client) logFrame(fi FrameInfo) {
	if f := c.flog.Load(); f != nil {
		(*f)(fi)
	}
}

// OnDisconnect registers a callback to be invoked when a session ends.  The
// callback is executed synchronously during shutdown, with the same error
// value that would be reported by the Wait method. Only one callback can be
// registered at a time; if f == nil the callback is removed.
func (c *Client) OnDisconnect(f func(error)) *Client {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.onExit = f
	return c
}

// sendPacket encodes p against the current dictionary and sends it.
// Nothing is sent if encoding fails.
func (c *Client) sendPacket(p *codec.Packet) error {
	data, err := c.codec.Encode(c.dict.Load(), p)
	if err != nil {
		return err
	}
	c.out.Lock()
	defer c.out.Unlock()
	if c.out.conn == nil {
		return ErrDisconnected
	}
	c.logFrame(FrameInfo{Data: data, Packet: p, Sent: true})
	if err := c.out.conn.Send(data); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	c.m.packetSent.Add(1)
	return nil
}

func (c *Client) closeOut() {
	c.out.Lock()
	defer c.out.Unlock()
	if c.out.conn != nil {
		c.out.conn.Close()
	}
}

// startRequest registers a pending request for p and sends it. The resolver
// is called exactly once unless startRequest reports an error.
func (c *Client) startRequest(p *codec.Packet, timeout time.Duration, resolve func(*Event, error)) (*correlator, uint64, error) {
	corr, _, err := c.live()
	if err != nil {
		return nil, 0, err
	}
	id, err := corr.register(resolve, timeout)
	if err != nil {
		return nil, 0, err
	}
	req := *p
	req.CorrelationID = id
	c.m.requestsOut.Add(1)
	if err := c.sendPacket(&req); err != nil {
		if corr.cancel(id) {
			c.m.requestsFailed.Add(1)
			return nil, 0, err
		}
		// The request was already resolved (e.g., by a disconnect), so the
		// resolver has the outcome.
	}
	return corr, id, nil
}

type result struct {
	ev  *Event
	err error
}

// call sends p as a correlated request and blocks until its response
// arrives, it fails, or ctx ends.
func (c *Client) call(ctx context.Context, p *codec.Packet) (*Event, error) {
	timeout := c.opts.RequestTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(dl))
	}
	done := make(chan result, 1)
	corr, id, err := c.startRequest(p, timeout, func(ev *Event, err error) {
		done <- result{ev, err}
	})
	if err != nil {
		return nil, err
	}
	select {
	case r := <-done:
		return r.ev, r.err
	case <-ctx.Done():
		if corr.cancel(id) {
			c.m.requestsFailed.Add(1)
			return nil, ctx.Err()
		}
		r := <-done
		return r.ev, r.err
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
