// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/skyline/codec"
	"github.com/creachadair/skyline/dict"
	"github.com/pterm/pterm"
	"github.com/rs/zerolog"
)

var dictCommand = &command.C{
	Name:  "dict",
	Usage: "<dict.toml>",
	Help: `Print the channels and packets defined by a dictionary file.

The dictionary is validated before it is printed.`,
	Run: func(env *command.Env) error {
		if len(env.Args) != 1 {
			return env.Usagef("Missing dictionary file")
		}
		d, err := dict.LoadFile(env.Args[0])
		if err != nil {
			return err
		}
		pterm.Info.Printfln("epoch %d, protocol %s, %d channels", d.Epoch(), d.Protocol(), len(d.Channels()))

		data := pterm.TableData{{"Channel", "Name", "Packet", "Name", "Fields"}}
		for _, ch := range d.Channels() {
			for _, p := range ch.Packets {
				fields := make([]string, len(p.Fields))
				for i, f := range p.Fields {
					fields[i] = f.String()
				}
				data = append(data, []string{
					strconv.FormatUint(uint64(ch.ID), 10), ch.Name,
					strconv.FormatUint(uint64(p.ID), 10), p.Name,
					strings.Join(fields, " "),
				})
			}
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
			return err
		}
		for _, ch := range d.Channels() {
			if len(ch.Topics) == 0 {
				continue
			}
			topics := make([]string, len(ch.Topics))
			for i, t := range ch.Topics {
				topics[i] = fmt.Sprintf("%d:%s", t.ID, t.Name)
			}
			pterm.Info.Printfln("channel %s topics: %s", ch.Name, strings.Join(topics, " "))
		}
		return nil
	},
}

var encodeFlags struct {
	Raw         bool   `flag:"raw,Write the frame as raw bytes rather than hex"`
	Correlation uint64 `flag:"corr,Correlation ID of the packet"`
}

var encodeCommand = &command.C{
	Name:  "encode",
	Usage: "<dict.toml> <channel> <packet> [field=value ...]",
	Help: `Encode a packet as a frame.

The channel and packet may be given by name or by ID. Each field value is
parsed according to its type in the dictionary: dates are RFC 3339 strings
or Unix milliseconds, bytes are hex, and lists and maps are JSON.`,
	SetFlags: command.Flags(flax.MustBind, &encodeFlags),
	Run: func(env *command.Env) error {
		if len(env.Args) < 3 {
			return env.Usagef("Missing arguments")
		}
		d, err := dict.LoadFile(env.Args[0])
		if err != nil {
			return err
		}
		p, err := buildPacket(d, env.Args[1], env.Args[2], env.Args[3:])
		if err != nil {
			return err
		}
		p.CorrelationID = encodeFlags.Correlation
		data, err := codec.New(zerolog.Nop()).Encode(d, p)
		if err != nil {
			return err
		}
		if encodeFlags.Raw {
			_, err = os.Stdout.Write(data)
			return err
		}
		fmt.Println(hex.EncodeToString(data))
		return nil
	},
}

var decodeFlags struct {
	Raw bool `flag:"raw,Read the frame as raw bytes rather than hex"`
}

var decodeCommand = &command.C{
	Name:  "decode",
	Usage: "<dict.toml> [frame-hex]",
	Help: `Decode a frame and print its fields.

If no frame is given on the command line, it is read from stdin.`,
	SetFlags: command.Flags(flax.MustBind, &decodeFlags),
	Run: func(env *command.Env) error {
		if len(env.Args) == 0 || len(env.Args) > 2 {
			return env.Usagef("Wrong number of arguments")
		}
		d, err := dict.LoadFile(env.Args[0])
		if err != nil {
			return err
		}
		var input []byte
		if len(env.Args) == 2 {
			input = []byte(env.Args[1])
		} else if input, err = io.ReadAll(os.Stdin); err != nil {
			return err
		}
		data := input
		if !decodeFlags.Raw {
			data, err = hex.DecodeString(string(bytes.TrimSpace(input)))
			if err != nil {
				return fmt.Errorf("invalid hex frame: %w", err)
			}
		}
		dec, err := codec.New(zerolog.Nop()).Decode(d, data)
		if err != nil {
			return err
		}
		printPacket(os.Stdout, d, dec.Packet)
		return nil
	},
}

// printPacket writes a readable rendering of p to w.
func printPacket(w io.Writer, d *dict.Dictionary, p *codec.Packet) {
	chName, pktName := "?", "?"
	if ch, ok := d.Channel(p.ChannelID); ok {
		chName = ch.Name
		if pkt, ok := ch.Packet(p.PacketID); ok {
			pktName = pkt.Name
		}
	}
	fmt.Fprintf(w, "%s/%s (channel %d, packet %d", chName, pktName, p.ChannelID, p.PacketID)
	if p.CorrelationID != 0 {
		fmt.Fprintf(w, ", corr %d", p.CorrelationID)
	}
	fmt.Fprintln(w, ")")
	for _, f := range p.Fields {
		fmt.Fprintf(w, "  %s = %v\n", f.Name, f.Value)
	}
}

// resolvePacket finds the descriptor of the named packet in d. The channel
// and packet may be given either by name or by ID.
func resolvePacket(d *dict.Dictionary, channel, packet string) (*dict.Packet, error) {
	var ch *dict.Channel
	var ok bool
	if id, err := strconv.ParseUint(channel, 10, 32); err == nil {
		ch, ok = d.Channel(uint32(id))
	} else {
		ch, ok = d.ChannelByName(channel)
	}
	if !ok {
		return nil, fmt.Errorf("channel %q not found", channel)
	}
	var p *dict.Packet
	if id, err := strconv.ParseUint(packet, 10, 32); err == nil {
		p, ok = ch.Packet(uint32(id))
	} else {
		p, ok = ch.PacketByName(packet)
	}
	if !ok {
		return nil, fmt.Errorf("packet %q not found in channel %q", packet, ch.Name)
	}
	return p, nil
}

// buildPacket constructs a packet from name=value arguments.
func buildPacket(d *dict.Dictionary, channel, packet string, args []string) (*codec.Packet, error) {
	desc, err := resolvePacket(d, channel, packet)
	if err != nil {
		return nil, err
	}
	p := codec.NewPacket(desc.ChannelID, desc.ID)
	for _, arg := range args {
		name, text, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("invalid field argument %q (want name=value)", arg)
		}
		f, ok := desc.Field(name)
		if !ok {
			return nil, fmt.Errorf("packet %q has no field %q", desc.Name, name)
		}
		v, err := parseValue(f.Type, text)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		p.Set(name, v)
	}
	return p, nil
}

// parseValue parses text as a value of type t.
func parseValue(t dict.WireType, text string) (any, error) {
	switch t {
	case dict.TypeString:
		return text, nil
	case dict.TypeInteger:
		return strconv.ParseInt(text, 10, 64)
	case dict.TypeNumber:
		return strconv.ParseFloat(text, 64)
	case dict.TypeBoolean:
		return strconv.ParseBool(text)
	case dict.TypeNull:
		if text != "" && text != "null" {
			return nil, errors.New("null fields take no value")
		}
		return nil, nil
	case dict.TypeDate:
		if ms, err := strconv.ParseInt(text, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), nil
		}
		return time.Parse(time.RFC3339, text)
	case dict.TypeBytes:
		return hex.DecodeString(text)
	case dict.TypeList, dict.TypeMap:
		dec := json.NewDecoder(strings.NewReader(text))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
		return fromJSON(v), nil
	default:
		return nil, fmt.Errorf("unsupported type %v", t)
	}
}

// fromJSON converts JSON numbers in v to int64 where they are integral and
// to float64 otherwise.
func fromJSON(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		f, _ := t.Float64()
		return f
	case []any:
		for i, e := range t {
			t[i] = fromJSON(e)
		}
	case map[string]any:
		for k, e := range t {
			t[k] = fromJSON(e)
		}
	}
	return v
}
