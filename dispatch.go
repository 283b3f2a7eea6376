// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package skyline

import (
	"fmt"

	"github.com/creachadair/skyline/codec"
	"github.com/creachadair/skyline/dict"
)

// An Event is a packet received from the server.
type Event struct {
	*codec.Packet

	// Typed is the packet converted by its active binding, or nil if no
	// binding is active for the packet or the conversion failed.
	Typed any

	// Channel is the joined channel the event was delivered on. It is nil for
	// responses to requests.
	Channel *Channel
}

// As reports whether the typed value of ev has type T, and if so returns it.
func As[T any](ev *Event) (T, bool) {
	if ev == nil {
		var zero T
		return zero, false
	}
	v, ok := ev.Typed.(T)
	return v, ok
}

// dispatchFrame decodes and routes one frame received from the server.
// It is called only from the receive loop, so frames are handled in order.
func (c *Client) dispatchFrame(data []byte) {
	dec, err := c.codec.Decode(c.dict.Load(), data)
	if err != nil {
		c.m.decodeErrors.Add(1)
		c.m.packetDropped.Add(1)
		c.logFrame(FrameInfo{Data: data, Err: err})
		c.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropped undecodable frame")
		return
	}
	c.logFrame(FrameInfo{Data: data, Packet: dec.Packet})
	ev := &Event{Packet: dec.Packet, Typed: dec.Typed}

	if id := ev.CorrelationID; id != 0 {
		c.μ.Lock()
		corr := c.corr
		c.μ.Unlock()
		if !corr.resolve(id, ev) {
			// A late response to a request that timed out or was canceled.
			c.m.packetDropped.Add(1)
			c.log.Warn().Uint64("correlation_id", id).Uint32("channel", ev.ChannelID).
				Uint32("packet", ev.PacketID).Msg("dropped response with no pending request")
		}
		return
	}
	if ev.ChannelID == dict.SystemChannelID {
		c.handleControl(ev)
		return
	}
	ch := c.reg.get(ev.ChannelID)
	if ch == nil {
		c.m.packetDropped.Add(1)
		c.log.Warn().Uint32("channel", ev.ChannelID).Uint32("packet", ev.PacketID).
			Msg("dropped packet for unjoined channel")
		return
	}
	ch.deliver(ev)
}

func (c *Client) handleControl(ev *Event) {
	switch ev.PacketID {
	case dict.SysDictionary:
		c.loadDictionary(ev.Packet)

	case dict.SysPermissionUpdate:
		var up PermissionUpdate
		if err := up.Decode(ev.Packet); err != nil {
			c.dropControl(ev, err)
			return
		}
		ch := c.reg.get(up.Channel)
		if ch == nil {
			c.dropControl(ev, ErrUnknownChannel)
			return
		} else if up.Topic != 0 && up.Topic != ch.topic {
			c.dropControl(ev, fmt.Errorf("%w: update for topic %d, joined %d", ErrTopicConflict, up.Topic, ch.topic))
			return
		}
		got := ch.setPerms(up.Permissions)
		c.log.Debug().Uint32("channel", up.Channel).Uint16("topic", ch.topic).
			Stringer("permissions", got).Msg("permissions updated")

	case dict.SysLeave:
		var lv LeaveNotice
		if err := lv.Decode(ev.Packet); err != nil {
			c.dropControl(ev, err)
			return
		}
		if ch := c.reg.get(lv.Channel); ch != nil && c.reg.remove(ch) {
			ch.detach()
			c.m.channelsJoined.Set(int64(c.reg.size()))
			c.log.Info().Uint32("channel", lv.Channel).Msg("removed from channel by server")
		}

	case dict.SysDisconnect:
		var dn DisconnectNotice
		if err := dn.Decode(ev.Packet); err != nil {
			c.dropControl(ev, err)
			return
		}
		c.μ.Lock()
		c.remote = &DisconnectError{Reason: dn.Reason, Message: dn.Message}
		c.μ.Unlock()
		c.log.Info().Stringer("reason", dn.Reason).Str("message", dn.Message).Msg("server disconnected")
		c.closeOut()

	default:
		c.m.packetDropped.Add(1)
		c.log.Warn().Uint32("packet", ev.PacketID).Msg("unexpected control packet")
	}
}

func (c *Client) dropControl(ev *Event, err error) {
	c.m.packetDropped.Add(1)
	c.log.Warn().Err(err).Uint32("packet", ev.PacketID).Msg("dropped control packet")
}

// loadDictionary installs the dictionary carried by p. A push that is
// invalid or stale leaves the current dictionary in place. A push of the
// current epoch is ignored.
func (c *Client) loadDictionary(p *codec.Packet) {
	var push DictionaryPush
	if err := push.Decode(p); err != nil {
		c.dropControl(&Event{Packet: p}, err)
		return
	}
	reject := func(err error) {
		c.m.dictRejected.Add(1)
		c.log.Error().Err(err).Stringer("compression", push.Compression).Msg("rejected dictionary")
	}
	s, err := push.SchemaDoc()
	if err != nil {
		reject(err)
		return
	}
	if cur := c.dict.Load(); !cur.IsEmpty() && s.Epoch == cur.Epoch() {
		c.log.Debug().Uint64("epoch", s.Epoch).Msg("dictionary unchanged")
		return
	}
	d, err := c.dict.Replace(s)
	if err != nil {
		reject(err)
		return
	}
	active := c.codec.Rebind(d)
	c.m.dictEpoch.Set(int64(d.Epoch()))

	for _, ch := range c.reg.list() {
		if _, ok := d.Channel(ch.id); !ok && c.reg.remove(ch) {
			ch.detach()
			c.log.Warn().Uint32("channel", ch.id).Uint64("epoch", d.Epoch()).
				Msg("left channel removed from dictionary")
		}
	}
	c.m.channelsJoined.Set(int64(c.reg.size()))
	c.log.Info().Uint64("epoch", d.Epoch()).Str("protocol", d.Protocol()).
		Int("channels", len(d.Channels())).Int("bindings", active).Msg("loaded dictionary")

	c.μ.Lock()
	defer c.μ.Unlock()
	select {
	case <-c.ready:
	default:
		close(c.ready)
	}
}
