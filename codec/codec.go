// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package codec encodes and decodes skyline frames against a dictionary.
//
// A frame is an 18-byte [Header] followed by its fields. Each field is its
// ordinal (uint16), its wire type (one byte), and a Vint30 length-prefixed
// payload holding the encoded value. Fields appear in ascending ordinal
// order and optional fields may be omitted.
//
// Every frame decodes to a generic [Packet]. When a [Binding] is registered
// for the frame's (channel, packet) pair, the codec also produces a typed
// value; a failed typed decode falls back to the generic packet alone.
package codec

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/creachadair/skyline/dict"
	"github.com/creachadair/skyline/packet"
	"github.com/rs/zerolog"
)

// A Codec encodes and decodes packets and holds typed bindings. Bindings
// are resolved separately for each dictionary passed to the codec, so one
// Codec may be shared by clients holding different dictionaries. A Codec is
// safe for concurrent use.
type Codec struct {
	log zerolog.Logger

	μ      sync.Mutex
	dict   *dict.Dictionary // the dictionary most recently passed to Rebind
	regs   []*registration  // in order of registration
	tables map[*dict.Dictionary]*bindingTable
}

// maxTables bounds the number of dictionaries with resolved binding tables.
const maxTables = 16

type pair struct{ ch, pkt uint32 }

type registration struct {
	ch, pkt Ref
	b       Binding
}

type bindingTable struct {
	byPair map[pair]Binding
	byType map[reflect.Type]pair
}

// New constructs a new Codec that logs to log.
func New(log zerolog.Logger) *Codec {
	return &Codec{
		log:    log,
		dict:   dict.Empty,
		tables: make(map[*dict.Dictionary]*bindingTable),
	}
}

// A Decoded is the result of decoding a frame. Typed is nil unless a binding
// for the packet is active and succeeded.
type Decoded struct {
	*Packet
	Typed any
}

// Register binds b to the packet identified by ch and pkt. Names are resolved
// against the dictionary each packet is encoded or decoded with. A registration whose names do not resolve is kept
// but inactive until a later dictionary defines them.
//
// If another binding is already registered for the same refs, or resolves to
// the same pair, the new registration replaces it and a warning is logged.
func (c *Codec) Register(ch, pkt Ref, b Binding) error {
	if b == nil {
		return fmt.Errorf("register %v/%v: nil binding", ch, pkt)
	}
	c.μ.Lock()
	defer c.μ.Unlock()

	newp, newok := resolve(c.dict, ch, pkt)
	for i, r := range c.regs {
		if r.ch == ch && r.pkt == pkt {
			c.log.Warn().Stringer("channel", ch).Stringer("packet", pkt).
				Stringer("old", r.b.GoType()).Stringer("new", b.GoType()).
				Msg("replacing packet binding")
			c.regs = append(c.regs[:i], c.regs[i+1:]...)
			break
		}
		if oldp, ok := resolve(c.dict, r.ch, r.pkt); ok && newok && oldp == newp {
			c.log.Warn().Uint32("channel", newp.ch).Uint32("packet", newp.pkt).
				Stringer("old", r.b.GoType()).Stringer("new", b.GoType()).
				Msg("overriding packet binding")
		}
	}
	c.regs = append(c.regs, &registration{ch: ch, pkt: pkt, b: b})
	if !newok && !c.dict.IsEmpty() {
		c.log.Warn().Stringer("channel", ch).Stringer("packet", pkt).Uint64("epoch", c.dict.Epoch()).
			Msg("binding does not resolve in the current dictionary")
	}
	clear(c.tables)
	return nil
}

// Unregister removes the binding registered for ch and pkt, if any.
func (c *Codec) Unregister(ch, pkt Ref) {
	c.μ.Lock()
	defer c.μ.Unlock()
	for i, r := range c.regs {
		if r.ch == ch && r.pkt == pkt {
			c.regs = append(c.regs[:i], c.regs[i+1:]...)
			clear(c.tables)
			return
		}
	}
}

// Rebind resolves all registered bindings against d, which a client calls
// when it installs a new dictionary. Bindings that do not resolve in d are
// inactive for packets of d, and are logged with a warning. It reports the
// number of active bindings.
//
// Rebind does not affect packets encoded or decoded with other dictionaries.
func (c *Codec) Rebind(d *dict.Dictionary) int {
	if d == nil {
		d = dict.Empty
	}
	c.μ.Lock()
	defer c.μ.Unlock()
	c.dict = d
	t := c.buildLocked(d, !d.IsEmpty())
	c.storeLocked(d, t)
	return len(t.byPair)
}

// Bindings reports the number of registered bindings, and the number of them
// active in the dictionary most recently passed to [Codec.Rebind].
func (c *Codec) Bindings() (registered, active int) {
	c.μ.Lock()
	defer c.μ.Unlock()
	return len(c.regs), len(c.tableLocked(c.dict).byPair)
}

// tableFor returns the bindings active for packets of d.
func (c *Codec) tableFor(d *dict.Dictionary) *bindingTable {
	if d == nil {
		d = dict.Empty
	}
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.tableLocked(d)
}

func (c *Codec) tableLocked(d *dict.Dictionary) *bindingTable {
	if t, ok := c.tables[d]; ok {
		return t
	}
	t := c.buildLocked(d, false)
	c.storeLocked(d, t)
	return t
}

func (c *Codec) storeLocked(d *dict.Dictionary, t *bindingTable) {
	if _, ok := c.tables[d]; !ok && len(c.tables) >= maxTables {
		clear(c.tables)
	}
	c.tables[d] = t
}

func (c *Codec) buildLocked(d *dict.Dictionary, warn bool) *bindingTable {
	t := &bindingTable{
		byPair: make(map[pair]Binding),
		byType: make(map[reflect.Type]pair),
	}
	for _, r := range c.regs {
		p, ok := resolve(d, r.ch, r.pkt)
		if !ok {
			if warn {
				c.log.Warn().Stringer("channel", r.ch).Stringer("packet", r.pkt).
					Uint64("epoch", d.Epoch()).Stringer("type", r.b.GoType()).
					Msg("dropping unresolved packet binding")
			}
			continue
		}
		if old, ok := t.byPair[p]; ok {
			delete(t.byType, old.GoType())
		}
		t.byPair[p] = r.b
		t.byType[r.b.GoType()] = p
	}
	return t
}

// resolve resolves a pair of refs against d. Refs by ID resolve without
// consulting d.
func resolve(d *dict.Dictionary, ch, pkt Ref) (pair, bool) {
	if !ch.IsName() && !pkt.IsName() {
		return pair{ch.id, pkt.id}, true
	}
	var c *dict.Channel
	var ok bool
	if ch.IsName() {
		c, ok = d.ChannelByName(ch.name)
	} else {
		c, ok = d.Channel(ch.id)
	}
	if !ok {
		return pair{}, false
	}
	var p *dict.Packet
	if pkt.IsName() {
		p, ok = c.PacketByName(pkt.name)
	} else {
		p, ok = c.Packet(pkt.id)
	}
	if !ok {
		return pair{}, false
	}
	return pair{c.ID, p.ID}, true
}

// Packet converts v into a generic packet. If v is a Packet or *Packet it is
// returned as-is; otherwise v must have the type of a binding active in d, or
// be a pointer to such a type.
func (c *Codec) Packet(d *dict.Dictionary, v any) (*Packet, error) {
	switch t := v.(type) {
	case *Packet:
		return t, nil
	case Packet:
		return &t, nil
	case nil:
		return nil, fmt.Errorf("%w: <nil>", ErrUnboundType)
	}
	tab := c.tableFor(d)
	rt := reflect.TypeOf(v)
	p, ok := tab.byType[rt]
	if !ok && rt.Kind() == reflect.Pointer {
		p, ok = tab.byType[rt.Elem()]
	}
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnboundType, v)
	}
	if _, err := d.Lookup(p.ch, p.pkt); err != nil {
		return nil, &EncodeError{ChannelID: p.ch, PacketID: p.pkt, Err: fmt.Errorf("%w: %v", ErrUnknownPacket, err)}
	}
	fields, err := tab.byPair[p].EncodePacket(v)
	if err != nil {
		return nil, &EncodeError{ChannelID: p.ch, PacketID: p.pkt, Err: err}
	}
	return &Packet{ChannelID: p.ch, PacketID: p.pkt, Fields: fields}, nil
}

// Encode validates p against its schema in d and encodes it as a frame.
// Fields of p may appear in any order. Optional fields may be omitted, or
// given a nil value, unless their type is null. A required field given a nil
// value is missing, unless its type is null or any.
func (c *Codec) Encode(d *dict.Dictionary, p *Packet) ([]byte, error) {
	fail := func(field string, err error) error {
		return &EncodeError{ChannelID: p.ChannelID, PacketID: p.PacketID, Field: field, Err: err}
	}
	desc, err := d.Lookup(p.ChannelID, p.PacketID)
	if err != nil {
		return nil, fail("", fmt.Errorf("%w: %v", ErrUnknownPacket, err))
	}

	slots := make([]*Field, len(desc.Fields))
	for i := range p.Fields {
		f := &p.Fields[i]
		fd, ok := desc.Field(f.Name)
		if !ok {
			return nil, fail(f.Name, ErrUnknownField)
		} else if slots[fd.Ordinal] != nil {
			return nil, fail(f.Name, ErrDuplicateField)
		}
		slots[fd.Ordinal] = f
	}
	var n uint16
	for i, f := range slots {
		fd := desc.Fields[i]
		if f != nil && f.Value == nil && fd.Type != dict.TypeNull && (fd.Optional || fd.Type != dict.TypeAny) {
			slots[i], f = nil, nil
		}
		if f == nil {
			if !fd.Optional {
				return nil, fail(fd.Name, ErrMissingField)
			}
			continue
		}
		n++
	}

	var b, body packet.Builder
	Header{
		ChannelID:     p.ChannelID,
		PacketID:      p.PacketID,
		CorrelationID: p.CorrelationID,
		Count:         n,
	}.encode(&b)
	for i, f := range slots {
		if f == nil {
			continue
		}
		fd := desc.Fields[i]
		body.Reset()
		if err := encodeBody(&body, fd.Type, fd.Elem, f.Value, 0); err != nil {
			return nil, fail(fd.Name, fmt.Errorf("%w: %v", ErrTypeMismatch, err))
		}
		b.Uint16(fd.Ordinal)
		b.Put(byte(fd.Type))
		b.VPut(body.Bytes())
	}
	return b.Bytes(), nil
}

// Decode decodes a frame against its schema in d. If a binding is active in d
// for the packet, Decode also converts it to a typed value.
func (c *Codec) Decode(d *dict.Dictionary, data []byte) (*Decoded, error) {
	h, err := ParseHeader(data)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	fail := func(format string, args ...any) error {
		return &DecodeError{Header: h, Err: fmt.Errorf("%w: "+format, append([]any{ErrSchemaMismatch}, args...)...)}
	}
	desc, err := d.Lookup(h.ChannelID, h.PacketID)
	if err != nil {
		return nil, &DecodeError{Header: h, Err: fmt.Errorf("%w: %v", ErrUnknownPacket, err)}
	}
	if int(h.Count) > len(desc.Fields) {
		return nil, fail("%d fields, packet %q has %d", h.Count, desc.Name, len(desc.Fields))
	}

	s := packet.NewScanner(data[HeaderSize:])
	pkt := &Packet{
		ChannelID:     h.ChannelID,
		PacketID:      h.PacketID,
		CorrelationID: h.CorrelationID,
		Fields:        make([]Field, 0, h.Count),
	}
	next := 0 // the lowest ordinal permitted for the next field
	for range h.Count {
		ord, err := s.Uint16()
		if err != nil {
			return nil, fail("field ordinal: %v", err)
		}
		fd, ok := desc.FieldAt(ord)
		if !ok {
			return nil, fail("no field with ordinal %d", ord)
		} else if int(ord) < next {
			return nil, fail("field %q out of order", fd.Name)
		}
		for _, skip := range desc.Fields[next:ord] {
			if !skip.Optional {
				return nil, fail("missing required field %q", skip.Name)
			}
		}
		next = int(ord) + 1

		tag, err := s.Byte()
		if err != nil {
			return nil, fail("field %q type: %v", fd.Name, err)
		} else if dict.WireType(tag) != fd.Type {
			return nil, fail("field %q has type %v, want %v", fd.Name, dict.WireType(tag), fd.Type)
		}
		payload, err := packet.VGet[[]byte](s)
		if err != nil {
			return nil, fail("field %q payload: %v", fd.Name, err)
		}
		ps := packet.NewScanner(payload)
		v, err := decodeBody(ps, fd.Type, fd.Elem, 0)
		if err != nil {
			return nil, fail("field %q: %v", fd.Name, err)
		} else if ps.Len() != 0 {
			return nil, fail("field %q has %d bytes of excess payload", fd.Name, ps.Len())
		}
		pkt.Fields = append(pkt.Fields, Field{Name: fd.Name, Ordinal: ord, Value: v})
	}
	for _, skip := range desc.Fields[next:] {
		if !skip.Optional {
			return nil, fail("missing required field %q", skip.Name)
		}
	}
	if s.Len() != 0 {
		return nil, fail("%d bytes of trailing data", s.Len())
	}

	out := &Decoded{Packet: pkt}
	if b, ok := c.tableFor(d).byPair[pair{h.ChannelID, h.PacketID}]; ok {
		typed, err := b.DecodePacket(pkt)
		if err != nil {
			c.log.Warn().Err(err).Uint32("channel", h.ChannelID).Uint32("packet", h.PacketID).
				Stringer("type", b.GoType()).Msg("typed decode failed; using generic packet")
		} else {
			out.Typed = typed
		}
	}
	return out, nil
}
