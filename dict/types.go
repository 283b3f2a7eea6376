// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package dict

import (
	"fmt"
	"strings"
)

// WireType is the type tag carried by each encoded field value.
type WireType byte

const (
	TypeAny     WireType = 0 // only valid as an element constraint
	TypeString  WireType = 1 // UTF-8 string
	TypeNumber  WireType = 2 // IEEE 754 float64
	TypeInteger WireType = 3 // signed 64-bit integer
	TypeBoolean WireType = 4 // true or false
	TypeNull    WireType = 5 // no value
	TypeList    WireType = 6 // ordered sequence of tagged values
	TypeDate    WireType = 7 // milliseconds since the Unix epoch
	TypeMap     WireType = 8 // string keys to tagged values
	TypeBytes   WireType = 9 // opaque bytes

	maxWireType = TypeBytes
)

var typeNames = [...]string{
	TypeAny:     "any",
	TypeString:  "string",
	TypeNumber:  "number",
	TypeInteger: "integer",
	TypeBoolean: "boolean",
	TypeNull:    "null",
	TypeList:    "list",
	TypeDate:    "date",
	TypeMap:     "map",
	TypeBytes:   "bytes",
}

// Valid reports whether t is a known wire type.
func (t WireType) Valid() bool { return t <= maxWireType }

// Container reports whether values of type t contain other values.
func (t WireType) Container() bool { return t == TypeList || t == TypeMap }

func (t WireType) String() string {
	if t.Valid() {
		return typeNames[t]
	}
	return fmt.Sprintf("type:%d", byte(t))
}

// ParseType parses a schema type name such as "string", "list" or
// "list<string>". It returns the wire type and its element constraint, which
// is TypeAny if none was given.
func ParseType(s string) (WireType, WireType, error) {
	s = strings.TrimSpace(s)
	base, elem := s, ""
	if i := strings.IndexByte(s, '<'); i >= 0 {
		if !strings.HasSuffix(s, ">") {
			return 0, 0, fmt.Errorf("invalid type %q: missing >", s)
		}
		base, elem = s[:i], s[i+1:len(s)-1]
	}
	bt, ok := lookupType(base)
	if !ok || bt == TypeAny {
		return 0, 0, fmt.Errorf("unknown type %q", s)
	}
	if elem == "" {
		if strings.Contains(s, "<") {
			return 0, 0, fmt.Errorf("invalid type %q: empty element type", s)
		}
		return bt, TypeAny, nil
	}
	if !bt.Container() {
		return 0, 0, fmt.Errorf("invalid type %q: %v does not take an element type", s, bt)
	}
	et, ok := lookupType(elem)
	if !ok {
		return 0, 0, fmt.Errorf("unknown element type %q in %q", elem, s)
	}
	return bt, et, nil
}

// FormatType is the inverse of [ParseType].
func FormatType(t, elem WireType) string {
	if elem == TypeAny || !t.Container() {
		return t.String()
	}
	return t.String() + "<" + elem.String() + ">"
}

func lookupType(s string) (WireType, bool) {
	for i, name := range typeNames {
		if name == s {
			return WireType(i), true
		}
	}
	return 0, false
}

// A Field describes one field of a packet.
type Field struct {
	Name     string
	Type     WireType
	Elem     WireType // element (list) or value (map) constraint
	Ordinal  uint16
	Optional bool
}

func (f Field) String() string {
	opt := ""
	if f.Optional {
		opt = "?"
	}
	return fmt.Sprintf("%d:%s%s:%s", f.Ordinal, f.Name, opt, FormatType(f.Type, f.Elem))
}

// A Packet describes one packet of a channel. Fields are ordered by ordinal.
type Packet struct {
	ChannelID uint32
	ID        uint32
	Name      string
	Fields    []Field

	byName map[string]int
}

// Field returns the field descriptor with the given name.
func (p *Packet) Field(name string) (Field, bool) {
	i, ok := p.byName[name]
	if !ok {
		return Field{}, false
	}
	return p.Fields[i], true
}

// FieldAt returns the field descriptor with the given ordinal.
func (p *Packet) FieldAt(ordinal uint16) (Field, bool) {
	if int(ordinal) >= len(p.Fields) {
		return Field{}, false
	}
	return p.Fields[ordinal], true
}

// Required reports the number of non-optional fields of p.
func (p *Packet) Required() int {
	var n int
	for _, f := range p.Fields {
		if !f.Optional {
			n++
		}
	}
	return n
}

func (p *Packet) String() string {
	return fmt.Sprintf("Packet(%d/%d %q, %d fields)", p.ChannelID, p.ID, p.Name, len(p.Fields))
}

// A Topic is a named subdivision of a channel. A client that joins a
// channel with a topic receives only the packets published to that topic.
// Topic 0 denotes the channel as a whole and is never declared.
type Topic struct {
	ID   uint16
	Name string
}

// A Channel describes one channel and the packets it carries.
type Channel struct {
	ID      uint32
	Name    string
	Packets []*Packet // ordered by ID
	Topics  []Topic   // ordered by ID

	byID   map[uint32]*Packet
	byName map[string]*Packet
}

// Topic returns the topic of c with the given id.
func (c *Channel) Topic(id uint16) (Topic, bool) {
	for _, t := range c.Topics {
		if t.ID == id {
			return t, true
		}
	}
	return Topic{}, false
}

// TopicByName returns the topic of c with the given name.
func (c *Channel) TopicByName(name string) (Topic, bool) {
	for _, t := range c.Topics {
		if t.Name == name {
			return t, true
		}
	}
	return Topic{}, false
}

// Packet returns the packet descriptor with the given ID.
func (c *Channel) Packet(id uint32) (*Packet, bool) {
	p, ok := c.byID[id]
	return p, ok
}

// PacketByName returns the packet descriptor with the given name.
func (c *Channel) PacketByName(name string) (*Packet, bool) {
	p, ok := c.byName[name]
	return p, ok
}
