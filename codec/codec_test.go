// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package codec_test

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/creachadair/skyline/codec"
	"github.com/creachadair/skyline/dict"
	"github.com/creachadair/skyline/packet"
	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

func dbSchema(epoch uint64) dict.Schema {
	return dict.Schema{
		Epoch: epoch,
		Channels: []dict.ChannelSchema{{
			ID:   7,
			Name: "db",
			Packets: []dict.PacketSchema{{
				ID:   1,
				Name: "query",
				Fields: []dict.FieldSchema{
					{Name: "query", Type: "string", Ordinal: 0},
					{Name: "params", Type: "list<string>", Ordinal: 1},
				},
			}, {
				ID:   2,
				Name: "everything",
				Fields: []dict.FieldSchema{
					{Name: "s", Type: "string", Ordinal: 0},
					{Name: "n", Type: "number", Ordinal: 1},
					{Name: "i", Type: "integer", Ordinal: 2},
					{Name: "b", Type: "boolean", Ordinal: 3},
					{Name: "z", Type: "null", Ordinal: 4},
					{Name: "l", Type: "list", Ordinal: 5},
					{Name: "d", Type: "date", Ordinal: 6},
					{Name: "m", Type: "map", Ordinal: 7},
					{Name: "x", Type: "bytes", Ordinal: 8},
					{Name: "opt", Type: "integer", Ordinal: 9, Optional: true},
				},
			}},
		}},
	}
}

func mustLoad(t *testing.T, s dict.Schema) *dict.Dictionary {
	t.Helper()
	d, err := dict.Load(s)
	if err != nil {
		t.Fatalf("Load: unexpected error: %v", err)
	}
	return d
}

func testCodec(t *testing.T) *codec.Codec {
	return codec.New(zerolog.New(zerolog.NewTestWriter(t)))
}

func TestQueryFrame(t *testing.T) {
	d := mustLoad(t, dbSchema(1))
	c := testCodec(t)

	p := codec.NewPacket(7, 1).Set("query", "SELECT 1").Set("params", []string{"a", "b"})
	got, err := c.Encode(d, p)
	if err != nil {
		t.Fatalf("Encode: unexpected error: %v", err)
	}
	const want = "" +
		"\x00\x00\x00\x07" + // channel 7
		"\x00\x00\x00\x01" + // packet 1
		"\x00\x00\x00\x00\x00\x00\x00\x00" + // no correlation
		"\x00\x02" + // 2 fields
		"\x00\x00\x01\x24\x20SELECT 1" + // 0:string, 9 bytes, "SELECT 1"
		"\x00\x01\x06\x1c\x08\x01\x04a\x01\x04b" // 1:list, 7 bytes, ["a", "b"]
	if string(got) != want {
		t.Errorf("Encode:\n got %q\nwant %q", got, want)
	}

	dec, err := c.Decode(d, got)
	if err != nil {
		t.Fatalf("Decode: unexpected error: %v", err)
	}
	wantPkt := &codec.Packet{
		ChannelID: 7,
		PacketID:  1,
		Fields: []codec.Field{
			{Name: "query", Ordinal: 0, Value: "SELECT 1"},
			{Name: "params", Ordinal: 1, Value: []any{"a", "b"}},
		},
	}
	if diff := cmp.Diff(wantPkt, dec.Packet); diff != "" {
		t.Errorf("Decode (-want, +got):\n%s", diff)
	}
	if dec.Typed != nil {
		t.Errorf("Decode: got typed %v, want nil", dec.Typed)
	}
}

func TestAllTypes(t *testing.T) {
	d := mustLoad(t, dbSchema(1))
	c := testCodec(t)
	when := time.Date(2026, 10, 19, 12, 30, 15, 250e6, time.UTC)

	p := codec.NewPacket(7, 2).
		Set("s", "hello").
		Set("n", 3.25).
		Set("i", -17).
		Set("b", true).
		Set("z", nil).
		Set("l", []any{"x", 1, 2.5, false, nil, []string{"nested"}, when}).
		Set("d", when).
		Set("m", map[string]any{"k": "v", "a": map[string]int{"q": 1}}).
		Set("x", []byte{0, 1, 2})
	p.CorrelationID = 12345

	enc, err := c.Encode(d, p)
	if err != nil {
		t.Fatalf("Encode: unexpected error: %v", err)
	}
	dec, err := c.Decode(d, enc)
	if err != nil {
		t.Fatalf("Decode: unexpected error: %v", err)
	}
	want := []codec.Field{
		{Name: "s", Ordinal: 0, Value: "hello"},
		{Name: "n", Ordinal: 1, Value: 3.25},
		{Name: "i", Ordinal: 2, Value: int64(-17)},
		{Name: "b", Ordinal: 3, Value: true},
		{Name: "z", Ordinal: 4, Value: nil},
		{Name: "l", Ordinal: 5, Value: []any{"x", int64(1), 2.5, false, nil, []any{"nested"}, when}},
		{Name: "d", Ordinal: 6, Value: when},
		{Name: "m", Ordinal: 7, Value: map[string]any{"k": "v", "a": map[string]any{"q": int64(1)}}},
		{Name: "x", Ordinal: 8, Value: []byte{0, 1, 2}},
	}
	if diff := cmp.Diff(want, dec.Fields); diff != "" {
		t.Errorf("Decoded fields (-want, +got):\n%s", diff)
	}
	if dec.CorrelationID != 12345 {
		t.Errorf("CorrelationID: got %d, want 12345", dec.CorrelationID)
	}

	// The optional field round-trips when present.
	p.Set("opt", uint8(9))
	enc, err = c.Encode(d, p)
	if err != nil {
		t.Fatalf("Encode with opt: unexpected error: %v", err)
	}
	dec, err = c.Decode(d, enc)
	if err != nil {
		t.Fatalf("Decode with opt: unexpected error: %v", err)
	}
	if v, ok := codec.Value[int64](dec.Packet, "opt"); !ok || v != 9 {
		t.Errorf("Value opt: got %v, %v; want 9, true", v, ok)
	}

	// A nil optional value is omitted.
	p.Set("opt", nil)
	enc, err = c.Encode(d, p)
	if err != nil {
		t.Fatalf("Encode with nil opt: unexpected error: %v", err)
	}
	if h, err := codec.ParseHeader(enc); err != nil || h.Count != 9 {
		t.Errorf("ParseHeader: got %+v, %v; want 9 fields", h, err)
	}
}

func TestEncodeErrors(t *testing.T) {
	d := mustLoad(t, dbSchema(1))
	c := testCodec(t)

	tests := []struct {
		name  string
		pkt   *codec.Packet
		field string
		want  error
	}{
		{"UnknownPacket", codec.NewPacket(7, 99).Set("query", "x"), "", codec.ErrUnknownPacket},
		{"UnknownChannel", codec.NewPacket(8, 1).Set("query", "x"), "", codec.ErrUnknownPacket},
		{"UnknownField",
			codec.NewPacket(7, 1).Set("query", "x").Set("params", nil).Set("limit", 3),
			"limit", codec.ErrUnknownField},
		{"DuplicateField", &codec.Packet{ChannelID: 7, PacketID: 1, Fields: []codec.Field{
			{Name: "query", Value: "a"}, {Name: "query", Value: "b"},
		}}, "query", codec.ErrDuplicateField},
		{"MissingField", codec.NewPacket(7, 1).Set("query", "x"), "params", codec.ErrMissingField},
		{"NilRequired", codec.NewPacket(7, 1).Set("query", nil).Set("params", []string{}),
			"query", codec.ErrMissingField},
		{"NilRequiredList", codec.NewPacket(7, 1).Set("query", "x").Set("params", nil),
			"params", codec.ErrMissingField},
		{"WrongType", codec.NewPacket(7, 1).Set("query", 5).Set("params", []string{}),
			"query", codec.ErrTypeMismatch},
		{"WrongElem", codec.NewPacket(7, 1).Set("query", "x").Set("params", []any{"a", 2}),
			"params", codec.ErrTypeMismatch},
		{"NotAList", codec.NewPacket(7, 1).Set("query", "x").Set("params", []byte("ab")),
			"params", codec.ErrTypeMismatch},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := c.Encode(d, tc.pkt)
			if !errors.Is(err, tc.want) {
				t.Fatalf("Encode: got (%q, %v), want %v", got, err, tc.want)
			}
			var ee *codec.EncodeError
			if !errors.As(err, &ee) {
				t.Fatalf("Encode: got %T, want *EncodeError", err)
			}
			if ee.Field != tc.field {
				t.Errorf("EncodeError field: got %q, want %q", ee.Field, tc.field)
			}
			if got != nil {
				t.Errorf("Encode: got %d bytes on error, want none", len(got))
			}
		})
	}
}

func TestNestingDepth(t *testing.T) {
	d := mustLoad(t, dbSchema(1))
	c := testCodec(t)

	nest := func(n int) any {
		var v any = "leaf"
		for range n {
			v = []any{v}
		}
		return v
	}
	base := func(l any) *codec.Packet {
		return codec.NewPacket(7, 2).Set("s", "").Set("n", 0).Set("i", 0).Set("b", false).
			Set("z", nil).Set("l", l).Set("d", time.Unix(0, 0)).Set("m", map[string]any{}).
			Set("x", []byte{})
	}
	if _, err := c.Encode(d, base(nest(codec.MaxDepth-1))); err != nil {
		t.Errorf("Encode depth %d: unexpected error: %v", codec.MaxDepth, err)
	}
	if _, err := c.Encode(d, base(nest(codec.MaxDepth+1))); !errors.Is(err, codec.ErrTypeMismatch) {
		t.Errorf("Encode depth %d: got %v, want %v", codec.MaxDepth+1, err, codec.ErrTypeMismatch)
	}
}

// frame builds a raw frame for channel 7 packet 1 from the given field
// encoder.
func frame(count uint16, fields func(b *packet.Builder)) []byte {
	var b packet.Builder
	b.Uint32(7)
	b.Uint32(1)
	b.Uint64(0)
	b.Uint16(count)
	if fields != nil {
		fields(&b)
	}
	return bytes.Clone(b.Bytes())
}

func stringField(ord uint16, s string) func(*packet.Builder) {
	return func(b *packet.Builder) {
		var body packet.Builder
		body.VPutString(s)
		b.Uint16(ord)
		b.Put(byte(dict.TypeString))
		b.VPut(body.Bytes())
	}
}

func listField(ord uint16, elems ...string) func(*packet.Builder) {
	return func(b *packet.Builder) {
		var body packet.Builder
		body.Vint30(uint32(len(elems)))
		for _, e := range elems {
			body.Put(byte(dict.TypeString))
			body.VPutString(e)
		}
		b.Uint16(ord)
		b.Put(byte(dict.TypeList))
		b.VPut(body.Bytes())
	}
}

func seq(fs ...func(*packet.Builder)) func(*packet.Builder) {
	return func(b *packet.Builder) {
		for _, f := range fs {
			f(b)
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	d := mustLoad(t, dbSchema(1))
	c := testCodec(t)

	good := frame(2, seq(stringField(0, "SELECT 1"), listField(1, "a")))
	if _, err := c.Decode(d, good); err != nil {
		t.Fatalf("Decode good frame: unexpected error: %v", err)
	}

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"Empty", nil, codec.ErrMalformedHeader},
		{"ShortHeader", good[:codec.HeaderSize-1], codec.ErrMalformedHeader},
		{"UnknownPacket", func() []byte {
			f := bytes.Clone(good)
			f[3] = 8 // channel 8
			return f
		}(), codec.ErrUnknownPacket},
		{"TooManyFields", frame(3, seq(stringField(0, "x"), listField(1), listField(1))), codec.ErrSchemaMismatch},
		{"MissingRequired", frame(1, stringField(0, "x")), codec.ErrSchemaMismatch},
		{"MissingFirst", frame(1, listField(1)), codec.ErrSchemaMismatch},
		{"OutOfOrder", frame(2, seq(listField(1), stringField(0, "x"))), codec.ErrSchemaMismatch},
		{"BadOrdinal", frame(2, seq(stringField(0, "x"), stringField(5, "y"))), codec.ErrSchemaMismatch},
		{"WrongType", frame(2, seq(stringField(0, "x"), stringField(1, "y"))), codec.ErrSchemaMismatch},
		{"Truncated", good[:len(good)-1], codec.ErrSchemaMismatch},
		{"Trailing", append(bytes.Clone(good), 0), codec.ErrSchemaMismatch},
		{"CountShort", frame(1, seq(stringField(0, "x"), listField(1))), codec.ErrSchemaMismatch},
		{"WrongElem", frame(2, seq(stringField(0, "x"), func(b *packet.Builder) {
			b.Uint16(1)
			b.Put(byte(dict.TypeList))
			b.VPut([]byte{0x04, byte(dict.TypeInteger), 0, 0, 0, 0, 0, 0, 0, 1})
		})), codec.ErrSchemaMismatch},
		{"ExcessPayload", frame(2, seq(func(b *packet.Builder) {
			b.Uint16(0)
			b.Put(byte(dict.TypeString))
			b.VPut([]byte{0x04, 'x', 'y'})
		}, listField(1))), codec.ErrSchemaMismatch},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := c.Decode(d, tc.data)
			if !errors.Is(err, tc.want) {
				t.Fatalf("Decode: got (%v, %v), want %v", got, err, tc.want)
			}
			var de *codec.DecodeError
			if !errors.As(err, &de) {
				t.Errorf("Decode: got %T, want *DecodeError", err)
			}
		})
	}
}

type query struct {
	Text   string
	Params []string
}

func queryBinding() codec.Binding {
	return codec.Bind(func(p *codec.Packet) (query, error) {
		text, ok := codec.Value[string](p, "query")
		if !ok {
			return query{}, errors.New("missing query")
		}
		out := query{Text: text}
		params, _ := codec.Value[[]any](p, "params")
		for _, v := range params {
			s, ok := v.(string)
			if !ok {
				return query{}, fmt.Errorf("param %v is not a string", v)
			}
			out.Params = append(out.Params, s)
		}
		return out, nil
	}, func(q query) ([]codec.Field, error) {
		return []codec.Field{
			{Name: "query", Value: q.Text},
			{Name: "params", Value: q.Params},
		}, nil
	})
}

func TestTypedRoundTrip(t *testing.T) {
	d := mustLoad(t, dbSchema(1))
	c := testCodec(t)
	c.Rebind(d)
	if err := c.Register(codec.ByName("db"), codec.ByName("query"), queryBinding()); err != nil {
		t.Fatalf("Register: unexpected error: %v", err)
	}

	for _, q := range []query{
		{Text: "SELECT 1", Params: []string{"a", "b"}},
		{Text: "", Params: []string{""}},
		{Text: "SELECT *", Params: []string{"x", "y", "z"}},
	} {
		p, err := c.Packet(d, q)
		if err != nil {
			t.Fatalf("Packet(%+v): unexpected error: %v", q, err)
		}
		if p.ChannelID != 7 || p.PacketID != 1 {
			t.Errorf("Packet: got pair %d/%d, want 7/1", p.ChannelID, p.PacketID)
		}
		enc, err := c.Encode(d, p)
		if err != nil {
			t.Fatalf("Encode: unexpected error: %v", err)
		}
		dec, err := c.Decode(d, enc)
		if err != nil {
			t.Fatalf("Decode: unexpected error: %v", err)
		}
		if diff := cmp.Diff(q, dec.Typed); diff != "" {
			t.Errorf("Typed (-want, +got):\n%s", diff)
		}
	}

	// A pointer to a bound type uses the same binding.
	if p, err := c.Packet(d, &query{Text: "ptr", Params: []string{}}); err != nil {
		t.Errorf("Packet(pointer): unexpected error: %v", err)
	} else if v, _ := p.Get("query"); v != "ptr" {
		t.Errorf("Packet(pointer): got query %v, want ptr", v)
	}
	if _, err := c.Packet(d, &struct{}{}); !errors.Is(err, codec.ErrUnboundType) {
		t.Errorf("Packet unbound pointer: got %v, want %v", err, codec.ErrUnboundType)
	}

	if _, err := c.Packet(d, struct{}{}); !errors.Is(err, codec.ErrUnboundType) {
		t.Errorf("Packet unbound: got %v, want %v", err, codec.ErrUnboundType)
	}
	if p, err := c.Packet(d, codec.NewPacket(7, 1)); err != nil || p.PacketID != 1 {
		t.Errorf("Packet generic: got (%v, %v)", p, err)
	}
}

func TestTypedDecodeFallback(t *testing.T) {
	var buf bytes.Buffer
	d := mustLoad(t, dbSchema(1))
	c := codec.New(zerolog.New(&buf))
	c.Rebind(d)
	c.Register(codec.ByID(7), codec.ByID(1), codec.Bind(func(*codec.Packet) (int, error) {
		return 0, errors.New("no good")
	}, func(int) ([]codec.Field, error) { return nil, nil }))

	enc, err := c.Encode(d, codec.NewPacket(7, 1).Set("query", "x").Set("params", []string{}))
	if err != nil {
		t.Fatalf("Encode: unexpected error: %v", err)
	}
	dec, err := c.Decode(d, enc)
	if err != nil {
		t.Fatalf("Decode: unexpected error: %v", err)
	}
	if dec.Typed != nil {
		t.Errorf("Typed: got %v, want nil", dec.Typed)
	}
	if v, _ := dec.Get("query"); v != "x" {
		t.Errorf("Generic query: got %v, want x", v)
	}
	if !strings.Contains(buf.String(), "typed decode failed") {
		t.Errorf("Log: got %q, want typed decode warning", buf.String())
	}
}

func TestRebind(t *testing.T) {
	var buf bytes.Buffer
	c := codec.New(zerolog.New(&buf))

	// Before any dictionary, name bindings are registered but inactive.
	if err := c.Register(codec.ByName("db"), codec.ByName("query"), queryBinding()); err != nil {
		t.Fatalf("Register: unexpected error: %v", err)
	}
	if reg, act := c.Bindings(); reg != 1 || act != 0 {
		t.Errorf("Bindings: got (%d, %d), want (1, 0)", reg, act)
	}
	if buf.Len() != 0 {
		t.Errorf("Log before dictionary: got %q, want empty", buf.String())
	}

	d1 := mustLoad(t, dbSchema(1))
	if n := c.Rebind(d1); n != 1 {
		t.Errorf("Rebind epoch 1: got %d active, want 1", n)
	}

	// Epoch 2 renames the query packet, so the binding drops out.
	s2 := dbSchema(2)
	s2.Channels[0].Packets[0].Name = "select"
	d2 := mustLoad(t, s2)
	if n := c.Rebind(d2); n != 0 {
		t.Errorf("Rebind epoch 2: got %d active, want 0", n)
	}
	if !strings.Contains(buf.String(), "dropping unresolved packet binding") {
		t.Errorf("Log: got %q, want unresolved warning", buf.String())
	}
	if _, err := c.Packet(d2, query{Text: "x"}); !errors.Is(err, codec.ErrUnboundType) {
		t.Errorf("Packet after drop: got %v, want %v", err, codec.ErrUnboundType)
	}
	if _, err := c.Packet(d1, query{Text: "x"}); err != nil {
		t.Errorf("Packet with epoch 1: unexpected error: %v", err)
	}

	// Epoch 3 defines it again, possibly at a different id.
	s3 := dbSchema(3)
	s3.Channels[0].Packets[0].ID = 11
	d3 := mustLoad(t, s3)
	if n := c.Rebind(d3); n != 1 {
		t.Errorf("Rebind epoch 3: got %d active, want 1", n)
	}
	p, err := c.Packet(d3, query{Text: "x"})
	if err != nil {
		t.Fatalf("Packet: unexpected error: %v", err)
	} else if p.PacketID != 11 {
		t.Errorf("Packet: got id %d, want 11", p.PacketID)
	}

	c.Unregister(codec.ByName("db"), codec.ByName("query"))
	if reg, act := c.Bindings(); reg != 0 || act != 0 {
		t.Errorf("Bindings after Unregister: got (%d, %d), want (0, 0)", reg, act)
	}
}

// Bindings resolve against the dictionary a frame is decoded with, not the
// one most recently installed, so clients sharing a codec do not interfere.
func TestBindingsPerDictionary(t *testing.T) {
	c := testCodec(t)
	if err := c.Register(codec.ByName("db"), codec.ByName("query"), queryBinding()); err != nil {
		t.Fatalf("Register: unexpected error: %v", err)
	}
	d1 := mustLoad(t, dbSchema(1))
	s2 := dbSchema(2)
	s2.Channels[0].Packets[0].ID = 11
	d2 := mustLoad(t, s2)

	frame := func(d *dict.Dictionary, id uint32) []byte {
		t.Helper()
		enc, err := c.Encode(d, codec.NewPacket(7, id).Set("query", "q").Set("params", []string{"p"}))
		if err != nil {
			t.Fatalf("Encode: unexpected error: %v", err)
		}
		return enc
	}
	f1, f2 := frame(d1, 1), frame(d2, 11)

	c.Rebind(d2)
	c.Rebind(dict.Empty)

	want := query{Text: "q", Params: []string{"p"}}
	for _, tc := range []struct {
		name string
		d    *dict.Dictionary
		data []byte
	}{
		{"Epoch1", d1, f1},
		{"Epoch2", d2, f2},
	} {
		dec, err := c.Decode(tc.d, tc.data)
		if err != nil {
			t.Fatalf("Decode %s: unexpected error: %v", tc.name, err)
		}
		if diff := cmp.Diff(want, dec.Typed); diff != "" {
			t.Errorf("Decode %s typed (-want, +got):\n%s", tc.name, diff)
		}
	}

	// Packet 11 has no binding in epoch 1, where it does not exist; packet 1
	// of epoch 2 is a different packet altogether.
	p1, err := c.Packet(d1, want)
	if err != nil {
		t.Fatalf("Packet epoch 1: unexpected error: %v", err)
	}
	p2, err := c.Packet(d2, want)
	if err != nil {
		t.Fatalf("Packet epoch 2: unexpected error: %v", err)
	}
	if p1.PacketID != 1 || p2.PacketID != 11 {
		t.Errorf("Packet ids: got %d, %d; want 1, 11", p1.PacketID, p2.PacketID)
	}
}

func TestRegisterOverride(t *testing.T) {
	var buf bytes.Buffer
	d := mustLoad(t, dbSchema(1))
	c := codec.New(zerolog.New(&buf))
	c.Rebind(d)

	type other struct{ Q string }
	c.Register(codec.ByName("db"), codec.ByName("query"), queryBinding())
	c.Register(codec.ByID(7), codec.ByID(1), codec.Bind(func(p *codec.Packet) (other, error) {
		s, _ := codec.Value[string](p, "query")
		return other{Q: s}, nil
	}, func(o other) ([]codec.Field, error) {
		return []codec.Field{{Name: "query", Value: o.Q}, {Name: "params", Value: []string{}}}, nil
	}))
	if !strings.Contains(buf.String(), "overriding packet binding") {
		t.Errorf("Log: got %q, want override warning", buf.String())
	}

	enc, err := c.Encode(d, codec.NewPacket(7, 1).Set("query", "q").Set("params", []string{}))
	if err != nil {
		t.Fatalf("Encode: unexpected error: %v", err)
	}
	dec, err := c.Decode(d, enc)
	if err != nil {
		t.Fatalf("Decode: unexpected error: %v", err)
	}
	if diff := cmp.Diff(other{Q: "q"}, dec.Typed); diff != "" {
		t.Errorf("Typed (-want, +got):\n%s", diff)
	}

	// The overridden type no longer has an active binding.
	if _, err := c.Packet(d, query{}); !errors.Is(err, codec.ErrUnboundType) {
		t.Errorf("Packet overridden type: got %v, want %v", err, codec.ErrUnboundType)
	}

	if err := c.Register(codec.ByID(7), codec.ByID(1), nil); err == nil {
		t.Error("Register nil: got nil error, want error")
	}
}
