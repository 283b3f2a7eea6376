// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package skyline

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/creachadair/skyline/codec"
	"github.com/creachadair/skyline/dict"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// A Channel is a client's membership in one channel of the server.
// A Channel is valid until it is left, the server removes it, or the
// session ends; after that its operations report ErrDisconnected or a
// *PermissionError and it receives no further events.
type Channel struct {
	cli   *Client
	id    uint32
	name  string
	topic uint16

	μ         sync.Mutex
	requested Permission // union of all permissions requested by joins
	perms     Permission // currently granted
	left      bool
	done      chan struct{} // closed when left becomes true
	subs      []*Subscription
}

// ID reports the channel identifier.
func (ch *Channel) ID() uint32 { return ch.id }

// Name reports the channel name.
func (ch *Channel) Name() string { return ch.name }

// Topic reports the topic ch was joined with, or 0 if ch was joined as a
// whole.
func (ch *Channel) Topic() uint16 { return ch.topic }

// Done returns a channel that is closed when ch is no longer joined.
func (ch *Channel) Done() <-chan struct{} { return ch.done }

// Permissions reports the permissions currently granted on ch.
func (ch *Channel) Permissions() Permission {
	ch.μ.Lock()
	defer ch.μ.Unlock()
	return ch.perms
}

func (ch *Channel) String() string {
	return fmt.Sprintf("channel %d (%s) [%v]", ch.id, ch.name, ch.Permissions())
}

// check reports a *PermissionError if ch lacks all of the permissions in
// need, or ErrDisconnected if ch is no longer joined.
func (ch *Channel) check(op string, need Permission) error {
	ch.μ.Lock()
	defer ch.μ.Unlock()
	return ch.checkLocked(op, need)
}

func (ch *Channel) checkLocked(op string, need Permission) error {
	if ch.left {
		return fmt.Errorf("%s on channel %d: %w", op, ch.id, ErrDisconnected)
	} else if !ch.perms.Has(need) {
		return &PermissionError{Channel: ch.id, Op: op, Need: need, Have: ch.perms}
	}
	return nil
}

// Packet returns a new empty packet for the named packet of ch, as defined
// by the current dictionary.
func (ch *Channel) Packet(name string) (*codec.Packet, error) {
	d := ch.cli.dict.Load()
	c, ok := d.Channel(ch.id)
	if !ok {
		return nil, fmt.Errorf("channel %d: %w", ch.id, dict.ErrNotFound)
	}
	p, ok := c.PacketByName(name)
	if !ok {
		return nil, fmt.Errorf("packet %q in channel %q: %w", name, ch.name, dict.ErrNotFound)
	}
	return codec.NewPacket(ch.id, p.ID), nil
}

// outbound converts v to a packet for ch.
func (ch *Channel) outbound(v any) (*codec.Packet, error) {
	p, err := ch.cli.codec.Packet(ch.cli.dict.Load(), v)
	if err != nil {
		return nil, err
	}
	if p.ChannelID != ch.id {
		return nil, fmt.Errorf("packet for channel %d sent on channel %d", p.ChannelID, ch.id)
	}
	return p, nil
}

// Send sends v on ch without expecting a reply. The value must be a
// *codec.Packet or have the type of an active binding for a packet of ch.
// It requires the Broadcast or SendAll permission.
func (ch *Channel) Send(v any) error {
	if err := ch.check("send", Broadcast|SendAll); err != nil {
		return err
	}
	p, err := ch.outbound(v)
	if err != nil {
		return err
	}
	return ch.cli.sendPacket(p)
}

// Request sends v on ch as a correlated request. When the response arrives,
// or the request fails, cb is called exactly once in a separate goroutine.
// If Request reports an error, cb is not called. The callback must not call
// [Client.Wait] or [Client.Disconnect].
//
// It requires the Request permission.
func (ch *Channel) Request(v any, cb func(*Event, error)) error {
	if err := ch.check("request", Request); err != nil {
		return err
	}
	p, err := ch.outbound(v)
	if err != nil {
		return err
	}
	_, g, err := ch.cli.live()
	if err != nil {
		return err
	}
	_, _, err = ch.cli.startRequest(p, ch.cli.opts.RequestTimeout, func(ev *Event, err error) {
		g.Go(func() error { cb(ev, err); return nil })
	})
	return err
}

// Call sends v on ch as a correlated request and blocks until the response
// arrives, the request fails, or ctx ends.
//
// It requires the Request permission.
func (ch *Channel) Call(ctx context.Context, v any) (_ *Event, err error) {
	ctx, span := ch.cli.tracer.Start(ctx, "skyline.Call", trace.WithAttributes(
		attribute.Int64("skyline.channel", int64(ch.id)),
		attribute.String("skyline.channel.name", ch.name),
	))
	defer func() { endSpan(span, err) }()

	if err := ch.check("request", Request); err != nil {
		return nil, err
	}
	p, err := ch.outbound(v)
	if err != nil {
		return nil, err
	}
	return ch.cli.call(ctx, p)
}

// Subscribe registers fn to be called for each event delivered on ch, in the
// order received. Subscribers run synchronously with the receive loop, so fn
// should not block. It requires the Receive or ReceiveAll permission.
func (ch *Channel) Subscribe(fn func(*Event)) (*Subscription, error) {
	if fn == nil {
		return nil, errors.New("nil subscriber")
	}
	ch.μ.Lock()
	defer ch.μ.Unlock()
	if err := ch.checkLocked("subscribe", Receive|ReceiveAll); err != nil {
		return nil, err
	}
	sub := &Subscription{ch: ch, fn: fn}
	ch.subs = append(ch.subs, sub)
	return sub, nil
}

// Leave leaves ch. Leaving a channel that is not joined has no effect.
func (ch *Channel) Leave() error { return ch.cli.leave(ch) }

// deliver calls each subscriber of ch with ev. A subscriber that panics is
// logged and does not prevent delivery to the others.
func (ch *Channel) deliver(ev *Event) {
	ch.μ.Lock()
	subs := slices.Clone(ch.subs)
	ch.μ.Unlock()

	ev.Channel = ch
	for _, sub := range subs {
		ch.cli.m.subsInvoked.Add(1)
		ch.invoke(sub, ev)
	}
}

func (ch *Channel) invoke(sub *Subscription, ev *Event) {
	defer func() {
		if x := recover(); x != nil {
			ch.cli.log.Error().Uint32("channel", ch.id).Uint32("packet", ev.PacketID).
				Any("panic", x).Msg("subscriber panicked")
		}
	}()
	sub.fn(ev)
}

// setPerms replaces the granted permissions of ch, limited to those that were
// requested.
func (ch *Channel) setPerms(p Permission) Permission {
	ch.μ.Lock()
	defer ch.μ.Unlock()
	ch.perms = p & ch.requested
	return ch.perms
}

// detach marks ch as no longer joined and discards its subscribers.
func (ch *Channel) detach() {
	ch.μ.Lock()
	defer ch.μ.Unlock()
	if !ch.left {
		ch.left = true
		close(ch.done)
	}
	ch.perms = 0
	ch.subs = nil
}

// A Subscription is a subscriber callback registered on a channel.
type Subscription struct {
	ch *Channel
	fn func(*Event)
}

// Unsubscribe removes s from its channel. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	ch := s.ch
	ch.μ.Lock()
	defer ch.μ.Unlock()
	ch.subs = slices.DeleteFunc(ch.subs, func(t *Subscription) bool { return t == s })
}

// A registry holds the channels joined by a client session.
type registry struct {
	μ     sync.Mutex
	live  bool
	chans map[uint32]*Channel
}

// open starts a new session with no channels.
func (r *registry) open() {
	r.μ.Lock()
	defer r.μ.Unlock()
	r.live = true
	r.chans = make(map[uint32]*Channel)
}

// close ends the session and returns the channels that were joined.
func (r *registry) close() []*Channel {
	r.μ.Lock()
	defer r.μ.Unlock()
	out := mapValues(r.chans)
	r.live = false
	r.chans = nil
	return out
}

func (r *registry) get(id uint32) *Channel {
	r.μ.Lock()
	defer r.μ.Unlock()
	return r.chans[id]
}

// merge records a grant for channel id and topic, creating the channel if
// needed.
func (r *registry) merge(cli *Client, id uint32, name string, topic uint16, requested, granted Permission) (*Channel, error) {
	r.μ.Lock()
	defer r.μ.Unlock()
	if !r.live {
		return nil, ErrDisconnected
	}
	ch, ok := r.chans[id]
	if !ok {
		ch = &Channel{cli: cli, id: id, name: name, topic: topic, done: make(chan struct{})}
		r.chans[id] = ch
	} else if ch.topic != topic {
		return nil, ErrTopicConflict
	}
	ch.μ.Lock()
	defer ch.μ.Unlock()
	ch.requested |= requested
	ch.perms |= granted
	return ch, nil
}

// remove removes ch if it is still the registered channel for its id, and
// reports whether it did so.
func (r *registry) remove(ch *Channel) bool {
	r.μ.Lock()
	defer r.μ.Unlock()
	if cur, ok := r.chans[ch.id]; ok && cur == ch {
		delete(r.chans, ch.id)
		return true
	}
	return false
}

// list returns the joined channels in order of ID.
func (r *registry) list() []*Channel {
	r.μ.Lock()
	defer r.μ.Unlock()
	return mapValues(r.chans)
}

func (r *registry) size() int {
	r.μ.Lock()
	defer r.μ.Unlock()
	return len(r.chans)
}

func mapValues(m map[uint32]*Channel) []*Channel {
	out := make([]*Channel, 0, len(m))
	for _, ch := range m {
		out = append(out, ch)
	}
	slices.SortFunc(out, func(a, b *Channel) int { return cmp.Compare(a.id, b.id) })
	return out
}

// Join asks the server to join the channel with the given id and
// permissions. The channel must be defined by the current dictionary.
//
// If the server grants some of the requested permissions, Join returns the
// channel with its granted permissions. Joining a channel that is already
// joined returns the same *Channel, with the new grant added to its
// permissions. If the join fails, the error is a *JoinError.
func (c *Client) Join(ctx context.Context, id uint32, perms Permission) (*Channel, error) {
	return c.JoinTopic(ctx, id, 0, perms)
}

// JoinTopic is like [Client.Join], but joins only the given topic of the
// channel, so that the server delivers only packets published to that
// topic. Topic 0 joins the whole channel. A channel is joined with one topic
// at a time: joining it again with another topic reports ErrTopicConflict.
func (c *Client) JoinTopic(ctx context.Context, id uint32, topic uint16, perms Permission) (_ *Channel, err error) {
	ctx, span := c.tracer.Start(ctx, "skyline.Join", trace.WithAttributes(
		attribute.Int64("skyline.channel", int64(id)),
		attribute.Int("skyline.topic", int(topic)),
		attribute.String("skyline.permissions", perms.String()),
	))
	defer func() { endSpan(span, err) }()

	if _, _, err := c.live(); err != nil {
		return nil, err
	}
	jerr := func(err error) error { return &JoinError{Channel: id, Topic: topic, Err: err} }
	d := c.dict.Load()
	if d.IsEmpty() {
		return nil, jerr(ErrNoDictionary)
	}
	desc, ok := d.Channel(id)
	if !ok || id == dict.SystemChannelID {
		return nil, jerr(ErrUnknownChannel)
	}
	if _, ok := desc.Topic(topic); topic != 0 && !ok {
		return nil, jerr(ErrUnknownTopic)
	}
	if cur := c.reg.get(id); cur != nil && cur.topic != topic {
		return nil, jerr(ErrTopicConflict)
	}

	ev, err := c.call(ctx, JoinRequest{Channel: id, Permissions: perms, Topic: topic}.Packet())
	if err != nil {
		return nil, jerr(err)
	}
	var rsp JoinResponse
	if err := rsp.Decode(ev.Packet); err != nil {
		return nil, jerr(err)
	}
	switch rsp.Status {
	case JoinOK:
		if rsp.Topic != topic {
			return nil, jerr(fmt.Errorf("server joined topic %d", rsp.Topic))
		}
		granted := rsp.Permissions & perms
		if granted == 0 {
			return nil, jerr(ErrDenied)
		}
		ch, err := c.reg.merge(c, id, desc.Name, topic, perms, granted)
		if err != nil {
			return nil, jerr(err)
		}
		c.m.channelsJoined.Set(int64(c.reg.size()))
		if granted != perms {
			c.log.Debug().Uint32("channel", id).Uint16("topic", topic).Stringer("requested", perms).
				Stringer("granted", granted).Msg("partial join grant")
		}
		return ch, nil
	case JoinDenied:
		return nil, jerr(ErrDenied)
	case JoinNotFound:
		if topic != 0 {
			return nil, jerr(ErrUnknownTopic)
		}
		return nil, jerr(ErrUnknownChannel)
	case JoinMigrate:
		return nil, &JoinError{Channel: id, Topic: topic, Address: rsp.Address, Err: ErrMigrate}
	default:
		return nil, jerr(fmt.Errorf("unknown join status %v", rsp.Status))
	}
}

// JoinName is like [Client.Join], but identifies the channel by name.
func (c *Client) JoinName(ctx context.Context, name string, perms Permission) (*Channel, error) {
	desc, ok := c.dict.Load().ChannelByName(name)
	if !ok || desc.ID == dict.SystemChannelID {
		if c.dict.Load().IsEmpty() {
			return nil, &JoinError{Err: ErrNoDictionary}
		}
		return nil, &JoinError{Err: fmt.Errorf("%w: %q", ErrUnknownChannel, name)}
	}
	return c.Join(ctx, desc.ID, perms)
}

// JoinTopicName is like [Client.JoinTopic], but identifies the channel and
// topic by name.
func (c *Client) JoinTopicName(ctx context.Context, channel, topic string, perms Permission) (*Channel, error) {
	d := c.dict.Load()
	desc, ok := d.ChannelByName(channel)
	if !ok || desc.ID == dict.SystemChannelID {
		if d.IsEmpty() {
			return nil, &JoinError{Err: ErrNoDictionary}
		}
		return nil, &JoinError{Err: fmt.Errorf("%w: %q", ErrUnknownChannel, channel)}
	}
	tp, ok := desc.TopicByName(topic)
	if !ok {
		return nil, &JoinError{Channel: desc.ID, Err: fmt.Errorf("%w: %q", ErrUnknownTopic, topic)}
	}
	return c.JoinTopic(ctx, desc.ID, tp.ID, perms)
}

// Channel returns the joined channel with the given id, if any.
func (c *Client) Channel(id uint32) (*Channel, bool) {
	ch := c.reg.get(id)
	return ch, ch != nil
}

// Channels returns the joined channels in order of ID.
func (c *Client) Channels() []*Channel { return c.reg.list() }

// Leave leaves the channel with the given id. Leaving a channel that is not
// joined has no effect.
func (c *Client) Leave(id uint32) error {
	ch := c.reg.get(id)
	if ch == nil {
		return nil
	}
	return c.leave(ch)
}

func (c *Client) leave(ch *Channel) error {
	if !c.reg.remove(ch) {
		return nil
	}
	ch.detach()
	c.m.channelsJoined.Set(int64(c.reg.size()))
	if _, _, err := c.live(); err != nil {
		return nil
	}
	return c.sendPacket(LeaveNotice{Channel: ch.id}.Packet())
}
