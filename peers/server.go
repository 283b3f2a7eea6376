// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package peers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/skyline"
	"github.com/creachadair/skyline/codec"
	"github.com/creachadair/skyline/dict"
	"github.com/creachadair/taskgroup"
	"github.com/rs/zerolog"
)

// A Handler answers a request received from a client. If the request was
// correlated and the handler returns a non-nil packet, the packet is sent
// to the client as the response. Errors are logged and no response is sent.
type Handler func(ctx context.Context, req *Request) (*codec.Packet, error)

// A Request is a packet received by a [Server] from a client.
type Request struct {
	Session uint64 // the id of the session that sent the request
	*codec.Packet
}

// A GrantFunc decides the outcome of a join request. The default grants the
// requested permissions on any channel and topic defined by the dictionary.
type GrantFunc func(session uint64, req skyline.JoinRequest) skyline.JoinResponse

// An AuthFunc decides the outcome of a login. The default accepts any login.
type AuthFunc func(skyline.Login) skyline.LoginCode

// A Server is a minimal skyline server. It accepts logins, pushes its
// dictionary, answers joins, and routes channel packets to handlers. It is
// intended for testing clients and for local tools.
//
// A Server may serve any number of connections concurrently.
type Server struct {
	log   zerolog.Logger
	codec *codec.Codec

	μ        sync.Mutex
	dict     *dict.Dictionary
	alg      dict.Compression
	auth     AuthFunc
	grant    GrantFunc
	handlers map[handlerKey]Handler
	sessions map[uint64]*session
	nextID   uint64
}

type handlerKey struct{ ch, pkt uint32 }

// A session is the server's view of one client connection.
type session struct {
	id   uint64
	name string

	out struct {
		sync.Mutex
		conn skyline.Conn
	}

	μ      sync.Mutex
	joined mapset.Set[uint32]
	perms  map[uint32]skyline.Permission
	topics map[uint32]uint16 // channels joined with a topic
}

// leaveLocked removes ch from the channels joined by sess.
func (sess *session) leaveLocked(ch uint32) {
	sess.joined.Remove(ch)
	delete(sess.perms, ch)
	delete(sess.topics, ch)
}

// receives reports whether sess receives packets published to topic of ch.
// A session that joined the whole channel receives every topic.
func (sess *session) receives(ch uint32, topic uint16) bool {
	sess.μ.Lock()
	defer sess.μ.Unlock()
	if !sess.joined.Has(ch) || !sess.perms[ch].Has(skyline.Receive|skyline.ReceiveAll) {
		return false
	}
	t := sess.topics[ch]
	return t == 0 || t == topic
}

// NewServer constructs a server that publishes d.
func NewServer(d *dict.Dictionary) *Server {
	log := zerolog.Nop()
	return &Server{
		log:      log,
		codec:    codec.New(log),
		dict:     d,
		handlers: make(map[handlerKey]Handler),
		sessions: make(map[uint64]*session),
	}
}

// Logger sets the logger used by s and returns s to permit chaining.
func (s *Server) Logger(log zerolog.Logger) *Server {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.log = log.With().Str("component", "server").Logger()
	s.codec = codec.New(s.log)
	return s
}

// Compression sets the compression used for dictionary pushes and returns s
// to permit chaining.
func (s *Server) Compression(alg dict.Compression) *Server {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.alg = alg
	return s
}

// Authenticate sets the login policy of s and returns s to permit chaining.
// If f == nil, all logins are accepted.
func (s *Server) Authenticate(f AuthFunc) *Server {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.auth = f
	return s
}

// Grant sets the join policy of s and returns s to permit chaining.
// If f == nil, the default policy is restored.
func (s *Server) Grant(f GrantFunc) *Server {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.grant = f
	return s
}

// Handle registers h to answer packets with the given channel and packet
// identifiers, and returns s to permit chaining. If h == nil, any existing
// handler is removed.
func (s *Server) Handle(ch, pkt uint32, h Handler) *Server {
	s.μ.Lock()
	defer s.μ.Unlock()
	if h == nil {
		delete(s.handlers, handlerKey{ch, pkt})
	} else {
		s.handlers[handlerKey{ch, pkt}] = h
	}
	return s
}

// Dictionary reports the current dictionary of s.
func (s *Server) Dictionary() *dict.Dictionary {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.dict
}

func (s *Server) policy() (AuthFunc, GrantFunc) {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.auth, s.grant
}

func (s *Server) handler(ch, pkt uint32) Handler {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.handlers[handlerKey{ch, pkt}]
}

// Serve serves one client connection until the connection closes, the
// client disconnects, or ctx ends. The connection is closed before Serve
// returns. Serve reports nil if the connection ended normally.
func (s *Server) Serve(ctx context.Context, conn skyline.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess := &session{
		joined: mapset.New[uint32](),
		perms:  make(map[uint32]skyline.Permission),
		topics: make(map[uint32]uint16),
	}
	sess.out.conn = conn

	g := taskgroup.New(nil)
	g.Go(func() error {
		<-ctx.Done()
		conn.Close()
		return nil
	})
	defer func() {
		cancel()
		g.Wait()
		s.μ.Lock()
		delete(s.sessions, sess.id)
		s.μ.Unlock()
	}()

	for {
		data, err := conn.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		done, err := s.dispatch(ctx, g, sess, data)
		if err != nil {
			return err
		} else if done {
			return nil
		}
	}
}

// dispatch handles one frame from the client and reports whether the
// session is finished.
func (s *Server) dispatch(ctx context.Context, g *taskgroup.Group, sess *session, data []byte) (bool, error) {
	d := s.Dictionary()
	dec, err := s.codec.Decode(d, data)
	if err != nil {
		s.log.Warn().Err(err).Uint64("session", sess.id).Msg("dropped undecodable frame")
		return false, nil
	}
	p := dec.Packet

	if sess.id == 0 {
		// The first packet must be a login.
		if p.ChannelID != dict.SystemChannelID || p.PacketID != dict.SysLogin {
			return true, fmt.Errorf("expected login, got %v", p)
		}
		return s.login(sess, p)
	}
	if p.ChannelID != dict.SystemChannelID {
		h := s.handler(p.ChannelID, p.PacketID)
		if h == nil {
			s.log.Debug().Uint64("session", sess.id).Stringer("packet", p).Msg("no handler")
			return false, nil
		}
		g.Go(func() error {
			rsp, err := h(ctx, &Request{Session: sess.id, Packet: p})
			if err != nil {
				s.log.Warn().Err(err).Uint64("session", sess.id).Stringer("packet", p).Msg("handler failed")
				return nil
			}
			if rsp != nil && p.CorrelationID != 0 {
				out := *rsp
				out.CorrelationID = p.CorrelationID
				s.send(sess, &out)
			}
			return nil
		})
		return false, nil
	}

	switch p.PacketID {
	case dict.SysFetchDictionary:
		return false, s.push(sess, d)

	case dict.SysJoinRequest:
		var req skyline.JoinRequest
		if err := req.Decode(p); err != nil {
			return false, err
		}
		rsp := s.join(sess, req)
		pkt := rsp.Packet()
		pkt.CorrelationID = p.CorrelationID
		return false, s.send(sess, pkt)

	case dict.SysLeave:
		var lv skyline.LeaveNotice
		if err := lv.Decode(p); err != nil {
			return false, err
		}
		sess.μ.Lock()
		sess.leaveLocked(lv.Channel)
		sess.μ.Unlock()
		return false, nil

	case dict.SysDisconnect:
		s.log.Debug().Uint64("session", sess.id).Msg("client disconnected")
		return true, nil

	default:
		s.log.Warn().Uint64("session", sess.id).Stringer("packet", p).Msg("unexpected control packet")
		return false, nil
	}
}

func (s *Server) login(sess *session, p *codec.Packet) (bool, error) {
	var req skyline.Login
	if err := req.Decode(p); err != nil {
		return true, err
	}
	auth, _ := s.policy()
	code := skyline.LoginGranted
	if auth != nil {
		code = auth(req)
	}
	rsp := skyline.LoginResponse{Code: code, Name: req.Name, Identifiers: req.Identifiers}
	if !code.OK() {
		pkt := rsp.Packet()
		pkt.CorrelationID = p.CorrelationID
		s.send(sess, pkt)
		return true, nil
	}

	s.μ.Lock()
	s.nextID++
	sess.id, sess.name = s.nextID, req.Name
	s.sessions[sess.id] = sess
	d := s.dict
	s.μ.Unlock()

	rsp.ClientID = sess.id
	pkt := rsp.Packet()
	pkt.CorrelationID = p.CorrelationID
	if err := s.send(sess, pkt); err != nil {
		return true, err
	}
	s.log.Debug().Uint64("session", sess.id).Str("name", req.Name).Msg("login accepted")
	return false, s.push(sess, d)
}

func (s *Server) join(sess *session, req skyline.JoinRequest) skyline.JoinResponse {
	_, grant := s.policy()
	var rsp skyline.JoinResponse
	if grant != nil {
		rsp = grant(sess.id, req)
	} else if c, ok := s.Dictionary().Channel(req.Channel); !ok || req.Channel == dict.SystemChannelID {
		rsp = skyline.JoinResponse{Status: skyline.JoinNotFound}
	} else if _, ok := c.Topic(req.Topic); req.Topic != 0 && !ok {
		rsp = skyline.JoinResponse{Status: skyline.JoinNotFound}
	} else {
		rsp = skyline.JoinResponse{Status: skyline.JoinOK, Permissions: req.Permissions}
	}
	rsp.Channel, rsp.Topic = req.Channel, req.Topic
	if rsp.Status != skyline.JoinOK {
		return rsp
	}

	sess.μ.Lock()
	defer sess.μ.Unlock()
	if sess.joined.Has(req.Channel) && sess.topics[req.Channel] != req.Topic {
		s.log.Debug().Uint64("session", sess.id).Uint32("channel", req.Channel).
			Uint16("topic", req.Topic).Msg("join with a different topic refused")
		return skyline.JoinResponse{Status: skyline.JoinDenied, Channel: req.Channel, Topic: req.Topic}
	}
	sess.joined.Add(req.Channel)
	sess.perms[req.Channel] |= rsp.Permissions
	if req.Topic != 0 {
		sess.topics[req.Channel] = req.Topic
	}
	return rsp
}

// push sends the dictionary d to sess.
func (s *Server) push(sess *session, d *dict.Dictionary) error {
	s.μ.Lock()
	alg := s.alg
	s.μ.Unlock()
	push, err := skyline.NewDictionaryPush(d.Schema(), alg)
	if err != nil {
		return err
	}
	return s.send(sess, push.Packet())
}

func (s *Server) send(sess *session, p *codec.Packet) error {
	data, err := s.codec.Encode(s.Dictionary(), p)
	if err != nil {
		return err
	}
	return sess.sendFrame(data)
}

func (sess *session) sendFrame(data []byte) error {
	sess.out.Lock()
	defer sess.out.Unlock()
	return sess.out.conn.Send(data)
}

func (s *Server) session(id uint64) (*session, error) {
	s.μ.Lock()
	defer s.μ.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %d not found", id)
	}
	return sess, nil
}

// Sessions returns the ids of the logged-in sessions, in increasing order.
func (s *Server) Sessions() []uint64 {
	s.μ.Lock()
	defer s.μ.Unlock()
	var out []uint64
	for id := range s.sessions {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Joined returns the channels joined by the given session, in increasing
// order.
func (s *Server) Joined(id uint64) []uint32 {
	sess, err := s.session(id)
	if err != nil {
		return nil
	}
	sess.μ.Lock()
	defer sess.μ.Unlock()
	out := sess.joined.Slice()
	slices.Sort(out)
	return out
}

// Publish sends p to every session that has joined its channel as a whole
// with the Receive or ReceiveAll permission, and reports the number of
// sessions it was sent to.
func (s *Server) Publish(p *codec.Packet) (int, error) { return s.PublishTopic(0, p) }

// PublishTopic is like [Server.Publish], but publishes p to one topic of its
// channel. It is delivered to sessions that joined that topic and to those
// that joined the whole channel.
func (s *Server) PublishTopic(topic uint16, p *codec.Packet) (int, error) {
	d := s.Dictionary()
	if topic != 0 {
		c, ok := d.Channel(p.ChannelID)
		if !ok {
			return 0, fmt.Errorf("channel %d: %w", p.ChannelID, dict.ErrNotFound)
		} else if _, ok := c.Topic(topic); !ok {
			return 0, fmt.Errorf("topic %d of channel %q: %w", topic, c.Name, dict.ErrNotFound)
		}
	}
	data, err := s.codec.Encode(d, p)
	if err != nil {
		return 0, err
	}
	s.μ.Lock()
	var targets []*session
	for _, sess := range s.sessions {
		if sess.receives(p.ChannelID, topic) {
			targets = append(targets, sess)
		}
	}
	s.μ.Unlock()

	var n int
	for _, sess := range targets {
		if err := sess.sendFrame(data); err != nil {
			s.log.Warn().Err(err).Uint64("session", sess.id).Msg("publish failed")
			continue
		}
		n++
	}
	return n, nil
}

// PushDictionary replaces the dictionary of s with d and pushes it to all
// sessions. Channels no longer defined by d are removed from every session,
// as are channels joined with a topic d no longer declares.
func (s *Server) PushDictionary(d *dict.Dictionary) error {
	s.μ.Lock()
	s.dict = d
	all := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.μ.Unlock()

	var errs []error
	for _, sess := range all {
		sess.μ.Lock()
		for ch := range sess.joined {
			c, ok := d.Channel(ch)
			if ok {
				if t := sess.topics[ch]; t != 0 {
					_, ok = c.Topic(t)
				}
			}
			if !ok {
				sess.leaveLocked(ch)
			}
		}
		sess.μ.Unlock()
		if err := s.push(sess, d); err != nil {
			errs = append(errs, fmt.Errorf("session %d: %w", sess.id, err))
		}
	}
	return errors.Join(errs...)
}

// UpdatePermissions sends a permission update for channel ch to the given
// session. The update names the topic the session joined ch with, if any.
func (s *Server) UpdatePermissions(id uint64, ch uint32, perms skyline.Permission) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}
	sess.μ.Lock()
	sess.perms[ch] = perms
	topic := sess.topics[ch]
	sess.μ.Unlock()
	return s.send(sess, skyline.PermissionUpdate{Channel: ch, Permissions: perms, Topic: topic}.Packet())
}

// Send encodes p and sends it to the given session.
func (s *Server) Send(id uint64, p *codec.Packet) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}
	return s.send(sess, p)
}

// SendFrame sends a raw frame to the given session without encoding.
func (s *Server) SendFrame(id uint64, data []byte) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}
	return sess.sendFrame(data)
}

// Kick removes the given session from channel ch and notifies the client.
func (s *Server) Kick(id uint64, ch uint32) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}
	sess.μ.Lock()
	sess.leaveLocked(ch)
	sess.μ.Unlock()
	return s.send(sess, skyline.LeaveNotice{Channel: ch}.Packet())
}

// Disconnect sends a disconnect notice to the given session and closes its
// connection.
func (s *Server) Disconnect(id uint64, reason skyline.DisconnectReason, msg string) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}
	serr := s.send(sess, skyline.DisconnectNotice{Reason: reason, Message: msg}.Packet())
	sess.out.Lock()
	defer sess.out.Unlock()
	return errors.Join(serr, sess.out.conn.Close())
}
