// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package dict_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/creachadair/skyline/dict"
	"github.com/google/go-cmp/cmp"
)

func TestSchemaBinary(t *testing.T) {
	d := mustLoad(t, testSchema(5))
	enc := dict.EncodeSchema(d.Schema())

	dec, err := dict.DecodeSchema(enc)
	if err != nil {
		t.Fatalf("DecodeSchema: unexpected error: %v", err)
	}
	if diff := cmp.Diff(d.Schema(), dec); diff != "" {
		t.Errorf("Decoded schema (-want, +got):\n%s", diff)
	}

	// Every proper prefix of the encoding must fail cleanly.
	for i := range len(enc) {
		if s, err := dict.DecodeSchema(enc[:i]); err == nil {
			t.Errorf("DecodeSchema(prefix %d): got %+v, want error", i, s)
		}
	}

	// Trailing garbage is rejected.
	if _, err := dict.DecodeSchema(append(enc, 0)); err == nil {
		t.Error("DecodeSchema with trailing data: got nil error, want error")
	}

	// Unknown versions are rejected.
	bad := bytes.Clone(enc)
	bad[0] = 99
	if _, err := dict.DecodeSchema(bad); err == nil {
		t.Error("DecodeSchema bad version: got nil error, want error")
	}
}

func TestSchemaTruncatedCount(t *testing.T) {
	// Version 2, epoch 1, empty protocol, then a channel count far larger than
	// the remaining input.
	data := []byte{2, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0xfe, 0xff}
	_, err := dict.DecodeSchema(data)
	if err == nil {
		t.Fatal("DecodeSchema: got nil error, want error")
	}
	if errors.Is(err, io.EOF) {
		t.Errorf("DecodeSchema: got %v, should not be io.EOF", err)
	}
}

func TestParseTOML(t *testing.T) {
	const input = `
epoch = 5
protocol = "1.0.0"

[[channel]]
id = 7
name = "db"

  [[channel.packet]]
  id = 1
  name = "query"
  field = [
    { name = "query", type = "string", ordinal = 0 },
    { name = "params", type = "list<string>", ordinal = 1 },
  ]

  [[channel.packet]]
  id = 2
  name = "ping"

[[channel]]
id = 3
name = "news"
topic = [ { id = 2, name = "sports" }, { id = 1, name = "world" } ]

  [[channel.packet]]
  id = 5
  name = "item"
  field = [
    { name = "title", type = "string", ordinal = 0 },
    { name = "tags", type = "map<integer>", ordinal = 1, optional = true },
  ]
`
	s, err := dict.ParseTOML([]byte(input))
	if err != nil {
		t.Fatalf("ParseTOML: unexpected error: %v", err)
	}
	d := mustLoad(t, s)
	want := mustLoad(t, testSchema(5))
	if diff := cmp.Diff(want.Schema(), d.Schema()); diff != "" {
		t.Errorf("TOML schema (-want, +got):\n%s", diff)
	}

	if _, err := dict.ParseTOML([]byte("epoch = 1\nbogus = true\n")); err == nil {
		t.Error("ParseTOML unknown key: got nil error, want error")
	}
	if _, err := dict.ParseTOML([]byte("epoch = ")); err == nil {
		t.Error("ParseTOML invalid: got nil error, want error")
	}
}

func TestLoadFile(t *testing.T) {
	d, err := dict.LoadFile("testdata/db.toml")
	if err != nil {
		t.Fatalf("LoadFile: unexpected error: %v", err)
	}
	if d.Epoch() != 3 || d.Protocol() != "1.2.0" {
		t.Errorf("LoadFile: got epoch %d protocol %q, want 3, 1.2.0", d.Epoch(), d.Protocol())
	}
	ch, pkt, err := d.LookupName("db", "query")
	if err != nil || ch != 7 || pkt != 1 {
		t.Errorf("LookupName(db, query): got (%d, %d, %v), want (7, 1, nil)", ch, pkt, err)
	}
	var names []string
	for _, c := range d.Channels() {
		names = append(names, c.Name)
	}
	if diff := cmp.Diff([]string{"db", "chat"}, names); diff != "" {
		t.Errorf("Channels (-want, +got):\n%s", diff)
	}
	if chat, ok := d.ChannelByName("chat"); !ok {
		t.Error("Channel chat not found")
	} else if tp, ok := chat.TopicByName("trade"); !ok || tp.ID != 2 {
		t.Errorf("Topic trade: got %v, %v; want id 2", tp, ok)
	}

	if _, err := dict.LoadFile("testdata/nonesuch.toml"); err == nil {
		t.Error("LoadFile missing: got nil error, want error")
	}
}

func TestCompression(t *testing.T) {
	data := dict.EncodeSchema(mustLoad(t, testSchema(9)).Schema())
	for _, alg := range []dict.Compression{dict.CompressNone, dict.CompressZlib, dict.CompressGzip} {
		t.Run(alg.String(), func(t *testing.T) {
			z, err := dict.Compress(alg, data)
			if err != nil {
				t.Fatalf("Compress: unexpected error: %v", err)
			}
			got, err := dict.Decompress(alg, z)
			if err != nil {
				t.Fatalf("Decompress: unexpected error: %v", err)
			}
			if !bytes.Equal(got, data) {
				t.Errorf("Decompress: got %q, want %q", got, data)
			}
		})
	}
	if _, err := dict.Compress(dict.Compression(17), data); err == nil {
		t.Error("Compress unknown: got nil error, want error")
	}
	if _, err := dict.Decompress(dict.CompressGzip, []byte("not gzip")); err == nil {
		t.Error("Decompress garbage: got nil error, want error")
	}
}
