// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package codec

import (
	"errors"
	"fmt"
	"strings"

	"github.com/creachadair/skyline/packet"
)

// HeaderSize is the size in bytes of an encoded frame header.
const HeaderSize = 18

var (
	// ErrUnknownPacket is reported for a (channel, packet) pair that is not
	// defined by the dictionary.
	ErrUnknownPacket = errors.New("unknown packet")

	// ErrUnknownField is reported when encoding a field the schema does not
	// define.
	ErrUnknownField = errors.New("unknown field")

	// ErrDuplicateField is reported when encoding a packet that names the
	// same field more than once.
	ErrDuplicateField = errors.New("duplicate field")

	// ErrMissingField is reported when encoding a packet that lacks a
	// required field.
	ErrMissingField = errors.New("missing required field")

	// ErrTypeMismatch is reported when a field value does not match its
	// declared wire type.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrUnboundType is reported when converting a value whose type has no
	// active binding.
	ErrUnboundType = errors.New("no binding for type")

	// ErrMalformedHeader is reported when decoding a frame too short to
	// contain a header.
	ErrMalformedHeader = errors.New("malformed header")

	// ErrSchemaMismatch is reported when a frame's fields do not agree with
	// the schema of its packet.
	ErrSchemaMismatch = errors.New("schema mismatch")
)

// An EncodeError reports a failure to encode a packet. No bytes are produced
// when encoding fails.
type EncodeError struct {
	ChannelID uint32
	PacketID  uint32
	Field     string // empty if not specific to a field
	Err       error
}

func (e *EncodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("encode packet %d/%d field %q: %v", e.ChannelID, e.PacketID, e.Field, e.Err)
	}
	return fmt.Sprintf("encode packet %d/%d: %v", e.ChannelID, e.PacketID, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// A DecodeError reports a failure to decode a frame.
type DecodeError struct {
	Header Header // as much of the header as was read
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode packet %d/%d: %v", e.Header.ChannelID, e.Header.PacketID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// A Header is the fixed-size prefix of every frame.
type Header struct {
	ChannelID     uint32
	PacketID      uint32
	CorrelationID uint64 // 0 means none
	Count         uint16 // number of fields that follow
}

// ParseHeader parses the header of a frame.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("%w: frame is %d bytes, need %d", ErrMalformedHeader, len(data), HeaderSize)
	}
	s := packet.NewScanner(data[:HeaderSize])
	var h Header
	h.ChannelID, _ = s.Uint32()
	h.PacketID, _ = s.Uint32()
	h.CorrelationID, _ = s.Uint64()
	h.Count, _ = s.Uint16()
	return h, nil
}

func (h Header) encode(b *packet.Builder) {
	b.Uint32(h.ChannelID)
	b.Uint32(h.PacketID)
	b.Uint64(h.CorrelationID)
	b.Uint16(h.Count)
}

// A Field is a single named value of a packet. Ordinal is filled in when a
// packet is decoded; it is ignored when encoding.
type Field struct {
	Name    string
	Ordinal uint16
	Value   any
}

// A Packet is a generic, schema-validated packet. Fields are an ordered
// mapping from names to values; decoded packets list them in ordinal order.
//
// Decoded values have the following types:
//
//	string     string
//	number     float64
//	integer    int64
//	boolean    bool
//	null       nil
//	list       []any
//	date       time.Time (UTC)
//	map        map[string]any
//	bytes      []byte
type Packet struct {
	ChannelID     uint32
	PacketID      uint32
	CorrelationID uint64
	Fields        []Field
}

// NewPacket constructs an empty packet addressed to the given pair.
func NewPacket(chID, pktID uint32) *Packet {
	return &Packet{ChannelID: chID, PacketID: pktID}
}

// Set sets the value of the named field, replacing any previous value, and
// returns p to permit chaining.
func (p *Packet) Set(name string, value any) *Packet {
	for i, f := range p.Fields {
		if f.Name == name {
			p.Fields[i].Value = value
			return p
		}
	}
	p.Fields = append(p.Fields, Field{Name: name, Value: value})
	return p
}

// Get returns the value of the named field and reports whether it is present.
func (p *Packet) Get(name string) (any, bool) {
	for _, f := range p.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Header returns the header fields of p.
func (p *Packet) Header() Header {
	return Header{
		ChannelID:     p.ChannelID,
		PacketID:      p.PacketID,
		CorrelationID: p.CorrelationID,
		Count:         uint16(len(p.Fields)),
	}
}

func (p *Packet) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Packet(%d/%d", p.ChannelID, p.PacketID)
	if p.CorrelationID != 0 {
		fmt.Fprintf(&sb, " corr=%d", p.CorrelationID)
	}
	for _, f := range p.Fields {
		fmt.Fprintf(&sb, " %s=%#v", f.Name, f.Value)
	}
	sb.WriteString(")")
	return sb.String()
}

// Value returns the value of the named field of p converted to type T.
// It reports false if the field is absent or has a different type.
func Value[T any](p *Packet, name string) (T, bool) {
	v, ok := p.Get(name)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}
