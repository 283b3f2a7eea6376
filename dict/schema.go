// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package dict

import (
	"errors"
	"fmt"
	"io"

	"github.com/BurntSushi/toml"
	"github.com/creachadair/skyline/packet"
)

// A Schema is the source document of a dictionary, as pushed by the server or
// read from a file. Use [Load] to validate it into a [Dictionary].
//
// In TOML form a schema looks like:
//
//	epoch = 3
//	protocol = "1.0.0"
//
//	[[channel]]
//	id = 7
//	name = "db"
//
//	  [[channel.packet]]
//	  id = 1
//	  name = "query"
//	  field = [
//	    { name = "query", type = "string", ordinal = 0 },
//	    { name = "params", type = "list<string>", ordinal = 1 },
//	  ]
//
// A channel may also declare topics:
//
//	  topic = [ { id = 1, name = "guild" }, { id = 2, name = "trade" } ]
type Schema struct {
	Epoch    uint64          `toml:"epoch"`
	Protocol string          `toml:"protocol,omitempty"`
	Channels []ChannelSchema `toml:"channel"`
}

// ChannelSchema is the schema of one channel.
type ChannelSchema struct {
	ID      uint32         `toml:"id"`
	Name    string         `toml:"name"`
	Packets []PacketSchema `toml:"packet"`
	Topics  []TopicSchema  `toml:"topic,omitempty"`
}

// TopicSchema is the schema of one channel topic.
type TopicSchema struct {
	ID   uint16 `toml:"id"`
	Name string `toml:"name"`
}

// PacketSchema is the schema of one packet.
type PacketSchema struct {
	ID     uint32        `toml:"id"`
	Name   string        `toml:"name"`
	Fields []FieldSchema `toml:"field"`
}

// FieldSchema is the schema of one field. Type uses the syntax accepted by
// [ParseType].
type FieldSchema struct {
	Name     string `toml:"name"`
	Type     string `toml:"type"`
	Ordinal  uint16 `toml:"ordinal"`
	Optional bool   `toml:"optional,omitempty"`
}

// ParseTOML parses a schema document in TOML format. It does not validate
// the schema; use [Load] for that.
func ParseTOML(data []byte) (Schema, error) {
	var s Schema
	md, err := toml.Decode(string(data), &s)
	if err != nil {
		return Schema{}, fmt.Errorf("parse schema: %w", err)
	}
	if keys := md.Undecoded(); len(keys) != 0 {
		return Schema{}, fmt.Errorf("parse schema: unknown keys %v", keys)
	}
	return s, nil
}

// LoadFile reads, parses and validates a TOML schema document from path.
func LoadFile(path string) (*Dictionary, error) {
	var s Schema
	md, err := toml.DecodeFile(path, &s)
	if err != nil {
		return nil, fmt.Errorf("load schema %q: %w", path, err)
	}
	if keys := md.Undecoded(); len(keys) != 0 {
		return nil, fmt.Errorf("load schema %q: unknown keys %v", path, keys)
	}
	return Load(s)
}

// schemaVersion is the version byte leading a binary schema document.
const schemaVersion = 2

// MaxSchemaSize bounds the size of a binary schema document.
const MaxSchemaSize = 16 << 20

// EncodeSchema encodes s in binary format for transmission in a dictionary
// push.
//
// The document comprises a version byte, the epoch (uint64), the protocol
// string, then the channels. Each channel is its ID (uint32), name, packets
// and topics; each packet its ID (uint32), name and fields; each field its
// ordinal (uint16), optional flag, name and type string; each topic its ID
// (uint16) and name. All strings and counts use Vint30 lengths.
func EncodeSchema(s Schema) []byte {
	var b packet.Builder
	b.Put(schemaVersion)
	b.Uint64(s.Epoch)
	b.VPutString(s.Protocol)
	b.Vint30(uint32(len(s.Channels)))
	for _, c := range s.Channels {
		b.Uint32(c.ID)
		b.VPutString(c.Name)
		b.Vint30(uint32(len(c.Packets)))
		for _, p := range c.Packets {
			b.Uint32(p.ID)
			b.VPutString(p.Name)
			b.Vint30(uint32(len(p.Fields)))
			for _, f := range p.Fields {
				b.Uint16(f.Ordinal)
				b.Bool(f.Optional)
				b.VPutString(f.Name)
				b.VPutString(f.Type)
			}
		}
		b.Vint30(uint32(len(c.Topics)))
		for _, t := range c.Topics {
			b.Uint16(t.ID)
			b.VPutString(t.Name)
		}
	}
	return b.Bytes()
}

// DecodeSchema decodes a binary schema document produced by [EncodeSchema].
// It does not validate the schema; use [Load] for that.
func DecodeSchema(data []byte) (Schema, error) {
	if len(data) > MaxSchemaSize {
		return Schema{}, fmt.Errorf("schema document too large (%d bytes)", len(data))
	}
	s := packet.NewScanner(data)
	var out Schema
	err := func() error {
		v, err := s.Byte()
		if err != nil {
			return err
		} else if v != schemaVersion {
			return fmt.Errorf("unsupported schema version %d", v)
		}
		if out.Epoch, err = s.Uint64(); err != nil {
			return err
		}
		if out.Protocol, err = packet.VGet[string](s); err != nil {
			return err
		}
		nc, err := count(s)
		if err != nil {
			return err
		}
		for range nc {
			var c ChannelSchema
			if c.ID, err = s.Uint32(); err != nil {
				return err
			}
			if c.Name, err = packet.VGet[string](s); err != nil {
				return err
			}
			np, err := count(s)
			if err != nil {
				return err
			}
			for range np {
				var p PacketSchema
				if p.ID, err = s.Uint32(); err != nil {
					return err
				}
				if p.Name, err = packet.VGet[string](s); err != nil {
					return err
				}
				nf, err := count(s)
				if err != nil {
					return err
				}
				for range nf {
					var f FieldSchema
					if f.Ordinal, err = s.Uint16(); err != nil {
						return err
					}
					if f.Optional, err = s.Bool(); err != nil {
						return err
					}
					if f.Name, err = packet.VGet[string](s); err != nil {
						return err
					}
					if f.Type, err = packet.VGet[string](s); err != nil {
						return err
					}
					p.Fields = append(p.Fields, f)
				}
				c.Packets = append(c.Packets, p)
			}
			nt, err := count(s)
			if err != nil {
				return err
			}
			for range nt {
				var t TopicSchema
				if t.ID, err = s.Uint16(); err != nil {
					return err
				}
				if t.Name, err = packet.VGet[string](s); err != nil {
					return err
				}
				c.Topics = append(c.Topics, t)
			}
			out.Channels = append(out.Channels, c)
		}
		if s.Len() != 0 {
			return fmt.Errorf("%d bytes of trailing data", s.Len())
		}
		return nil
	}()
	if err != nil {
		return Schema{}, fmt.Errorf("decode schema at offset %d: %w", s.Offset(), err)
	}
	return out, nil
}

// count reads a Vint30 element count, bounded by the remaining input so that
// a corrupt count cannot trigger a huge allocation.
func count(s *packet.Scanner) (int, error) {
	n, err := s.Vint30()
	if errors.Is(err, io.EOF) {
		return 0, io.ErrUnexpectedEOF
	} else if err != nil {
		return 0, err
	} else if n > s.Len() {
		return 0, fmt.Errorf("count %d exceeds remaining input", n)
	}
	return n, nil
}
