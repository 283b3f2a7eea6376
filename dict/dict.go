// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package dict defines the dictionary that maps skyline channel and packet
// names to their wire identifiers and field layouts.
//
// A dictionary is owned by the server and pushed to the client at runtime as
// a [Schema] document. [Load] validates a schema and builds an immutable
// [Dictionary]; a [Holder] stores the current dictionary and replaces it as a
// whole when a new epoch arrives.
//
// # Usage
//
// Load a schema from a TOML file:
//
//	d, err := dict.LoadFile("api.toml")
//
// Resolve names to identifiers, and identifiers to descriptors:
//
//	ch, pkt, err := d.LookupName("db", "query")
//	desc, err := d.Lookup(ch, pkt)
//
// Channel 0 is the system channel. Its packets are built in and resolve in
// every dictionary, including [Empty].
package dict

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/Masterminds/semver/v3"
)

// ErrNotFound is reported by lookups for channels or packets that are not
// defined by a dictionary.
var ErrNotFound = errors.New("not found")

// SupportedProtocol is the version constraint a schema's protocol must
// satisfy to be loaded.
const SupportedProtocol = ">= 1.0.0, < 2.0.0"

// DefaultProtocol is the protocol version assumed when a schema omits it.
const DefaultProtocol = "1.0.0"

var protocolConstraint = func() *semver.Constraints {
	c, err := semver.NewConstraint(SupportedProtocol)
	if err != nil {
		panic(err)
	}
	return c
}()

// A SchemaError reports a problem with a schema document. The location
// fields are empty when they do not apply.
type SchemaError struct {
	Channel string // channel name or id
	Packet  string // packet name or id
	Field   string // field name
	Reason  string
}

func (e *SchemaError) Error() string {
	msg := "invalid schema"
	if e.Channel != "" {
		msg += " channel " + e.Channel
	}
	if e.Packet != "" {
		msg += " packet " + e.Packet
	}
	if e.Field != "" {
		msg += " field " + e.Field
	}
	return msg + ": " + e.Reason
}

// A Dictionary is one immutable epoch of the channel and packet schema.
// A *Dictionary is safe for concurrent use.
type Dictionary struct {
	epoch    uint64
	protocol string
	schema   Schema

	channels []*Channel // ordered by ID
	byID     map[uint32]*Channel
	byName   map[string]*Channel
}

// Empty is the dictionary in effect before any schema has been loaded. It
// defines no channels other than the system channel.
var Empty = &Dictionary{
	byID:   make(map[uint32]*Channel),
	byName: make(map[string]*Channel),
}

// Load validates s and constructs a dictionary from it. If s is not valid,
// Load reports a *SchemaError.
func Load(s Schema) (*Dictionary, error) {
	if s.Epoch == 0 {
		return nil, &SchemaError{Reason: "epoch must be positive"}
	}
	proto := s.Protocol
	if proto == "" {
		proto = DefaultProtocol
	}
	v, err := semver.NewVersion(proto)
	if err != nil {
		return nil, &SchemaError{Reason: fmt.Sprintf("invalid protocol version %q: %v", proto, err)}
	} else if !protocolConstraint.Check(v) {
		return nil, &SchemaError{Reason: fmt.Sprintf("protocol %s does not satisfy %q", v, SupportedProtocol)}
	}

	d := &Dictionary{
		epoch:    s.Epoch,
		protocol: v.String(),
		byID:     make(map[uint32]*Channel),
		byName:   make(map[string]*Channel),
	}
	for _, cs := range s.Channels {
		if cs.ID == SystemChannelID {
			return nil, &SchemaError{Channel: cs.Name, Reason: "channel id 0 is reserved"}
		} else if cs.Name == System.Name {
			return nil, &SchemaError{Channel: cs.Name, Reason: "channel name is reserved"}
		}
		c, err := buildChannel(cs)
		if err != nil {
			return nil, err
		}
		if _, ok := d.byID[c.ID]; ok {
			return nil, &SchemaError{Channel: fmt.Sprint(c.ID), Reason: "duplicate channel id"}
		}
		if _, ok := d.byName[c.Name]; ok {
			return nil, &SchemaError{Channel: c.Name, Reason: "duplicate channel name"}
		}
		d.byID[c.ID] = c
		d.byName[c.Name] = c
		d.channels = append(d.channels, c)
	}
	slices.SortFunc(d.channels, func(a, b *Channel) int { return cmp.Compare(a.ID, b.ID) })
	d.schema = d.buildSchema()
	return d, nil
}

func buildChannel(cs ChannelSchema) (*Channel, error) {
	label := cs.Name
	if label == "" {
		return nil, &SchemaError{Channel: fmt.Sprint(cs.ID), Reason: "missing channel name"}
	}
	c := &Channel{
		ID:     cs.ID,
		Name:   cs.Name,
		byID:   make(map[uint32]*Packet),
		byName: make(map[string]*Packet),
	}
	for _, ps := range cs.Packets {
		if ps.Name == "" {
			return nil, &SchemaError{Channel: label, Packet: fmt.Sprint(ps.ID), Reason: "missing packet name"}
		}
		if _, ok := c.byID[ps.ID]; ok {
			return nil, &SchemaError{Channel: label, Packet: fmt.Sprint(ps.ID), Reason: "duplicate packet id"}
		}
		if _, ok := c.byName[ps.Name]; ok {
			return nil, &SchemaError{Channel: label, Packet: ps.Name, Reason: "duplicate packet name"}
		}
		p, err := buildPacket(cs.ID, label, ps)
		if err != nil {
			return nil, err
		}
		c.byID[p.ID] = p
		c.byName[p.Name] = p
		c.Packets = append(c.Packets, p)
	}
	slices.SortFunc(c.Packets, func(a, b *Packet) int { return cmp.Compare(a.ID, b.ID) })

	for _, ts := range cs.Topics {
		fail := func(reason string) error {
			return &SchemaError{Channel: label, Reason: fmt.Sprintf("topic %d %q: %s", ts.ID, ts.Name, reason)}
		}
		if ts.ID == 0 {
			return nil, fail("topic id 0 is reserved")
		} else if ts.Name == "" {
			return nil, fail("missing topic name")
		} else if _, ok := c.Topic(ts.ID); ok {
			return nil, fail("duplicate topic id")
		} else if _, ok := c.TopicByName(ts.Name); ok {
			return nil, fail("duplicate topic name")
		}
		c.Topics = append(c.Topics, Topic{ID: ts.ID, Name: ts.Name})
	}
	slices.SortFunc(c.Topics, func(a, b Topic) int { return cmp.Compare(a.ID, b.ID) })
	return c, nil
}

func buildPacket(chID uint32, label string, ps PacketSchema) (*Packet, error) {
	p := &Packet{
		ChannelID: chID,
		ID:        ps.ID,
		Name:      ps.Name,
		Fields:    make([]Field, len(ps.Fields)),
		byName:    make(map[string]int),
	}
	seen := make([]bool, len(ps.Fields))
	for _, fs := range ps.Fields {
		fail := func(reason string, args ...any) error {
			return &SchemaError{Channel: label, Packet: ps.Name, Field: fs.Name, Reason: fmt.Sprintf(reason, args...)}
		}
		if fs.Name == "" {
			return nil, fail("missing field name at ordinal %d", fs.Ordinal)
		}
		if _, ok := p.byName[fs.Name]; ok {
			return nil, fail("duplicate field name")
		}
		if int(fs.Ordinal) >= len(ps.Fields) {
			return nil, fail("ordinal %d out of range; ordinals must be contiguous from 0", fs.Ordinal)
		} else if seen[fs.Ordinal] {
			return nil, fail("duplicate ordinal %d", fs.Ordinal)
		}
		t, elem, err := ParseType(fs.Type)
		if err != nil {
			return nil, fail("%v", err)
		}
		seen[fs.Ordinal] = true
		p.Fields[fs.Ordinal] = Field{
			Name:     fs.Name,
			Type:     t,
			Elem:     elem,
			Ordinal:  fs.Ordinal,
			Optional: fs.Optional,
		}
		p.byName[fs.Name] = int(fs.Ordinal)
	}
	return p, nil
}

// buildSchema reconstructs a normalized schema document from d.
func (d *Dictionary) buildSchema() Schema {
	s := Schema{Epoch: d.epoch, Protocol: d.protocol}
	for _, c := range d.channels {
		cs := ChannelSchema{ID: c.ID, Name: c.Name}
		for _, p := range c.Packets {
			ps := PacketSchema{ID: p.ID, Name: p.Name}
			for _, f := range p.Fields {
				ps.Fields = append(ps.Fields, FieldSchema{
					Name:     f.Name,
					Type:     FormatType(f.Type, f.Elem),
					Ordinal:  f.Ordinal,
					Optional: f.Optional,
				})
			}
			cs.Packets = append(cs.Packets, ps)
		}
		for _, t := range c.Topics {
			cs.Topics = append(cs.Topics, TopicSchema{ID: t.ID, Name: t.Name})
		}
		s.Channels = append(s.Channels, cs)
	}
	return s
}

// Epoch reports the epoch of d. The empty dictionary has epoch 0.
func (d *Dictionary) Epoch() uint64 { return d.epoch }

// Protocol reports the protocol version of d, or "" for the empty dictionary.
func (d *Dictionary) Protocol() string { return d.protocol }

// IsEmpty reports whether d is an empty dictionary (epoch 0).
func (d *Dictionary) IsEmpty() bool { return d == nil || d.epoch == 0 }

// Schema returns a normalized schema document equivalent to the one d was
// loaded from. Channels and packets are ordered by ID, fields by ordinal.
// The system channel is not included.
func (d *Dictionary) Schema() Schema { return d.schema }

// Channel returns the channel descriptor with the given id.
func (d *Dictionary) Channel(id uint32) (*Channel, bool) {
	if id == SystemChannelID {
		return System, true
	}
	c, ok := d.byID[id]
	return c, ok
}

// ChannelByName returns the channel descriptor with the given name.
func (d *Dictionary) ChannelByName(name string) (*Channel, bool) {
	if name == System.Name {
		return System, true
	}
	c, ok := d.byName[name]
	return c, ok
}

// Channels returns the channels defined by d in order of ID, not including
// the system channel. The caller must not modify the returned slice.
func (d *Dictionary) Channels() []*Channel { return d.channels }

// LookupName resolves a channel and packet name to their identifiers.
func (d *Dictionary) LookupName(channel, packet string) (chID, pktID uint32, _ error) {
	c, ok := d.ChannelByName(channel)
	if !ok {
		return 0, 0, fmt.Errorf("channel %q: %w", channel, ErrNotFound)
	}
	p, ok := c.PacketByName(packet)
	if !ok {
		return 0, 0, fmt.Errorf("packet %q in channel %q: %w", packet, channel, ErrNotFound)
	}
	return c.ID, p.ID, nil
}

// Lookup returns the descriptor of the packet with the given identifiers.
func (d *Dictionary) Lookup(chID, pktID uint32) (*Packet, error) {
	c, ok := d.Channel(chID)
	if !ok {
		return nil, fmt.Errorf("channel %d: %w", chID, ErrNotFound)
	}
	p, ok := c.Packet(pktID)
	if !ok {
		return nil, fmt.Errorf("packet %d in channel %d: %w", pktID, chID, ErrNotFound)
	}
	return p, nil
}
