// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package stream_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/creachadair/skyline"
	"github.com/creachadair/skyline/binding"
	"github.com/creachadair/skyline/codec"
	"github.com/creachadair/skyline/dict"
	"github.com/creachadair/skyline/peers"
	"github.com/creachadair/skyline/stream"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

const tickChannel = 3

type tick struct {
	N     int    `sky:"n"`
	Label string `sky:"label"`
}

func setup(t *testing.T, opts skyline.Options) (*peers.Local, *skyline.Channel) {
	t.Helper()
	d, err := dict.Load(dict.Schema{
		Epoch: 1,
		Channels: []dict.ChannelSchema{{
			ID:   tickChannel,
			Name: "ticks",
			Packets: []dict.PacketSchema{{
				ID:   1,
				Name: "tick",
				Fields: []dict.FieldSchema{
					{Name: "n", Type: "integer", Ordinal: 0},
					{Name: "label", Type: "string", Ordinal: 1},
				},
			}},
		}},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	srv := peers.NewServer(d).Logger(zerolog.New(zerolog.NewTestWriter(t)))
	loc, err := peers.NewLocal(t.Context(), srv, opts)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	t.Cleanup(func() { loc.Stop() })

	ch, err := loc.Client.Join(t.Context(), tickChannel, skyline.Receive)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	return loc, ch
}

// ticker publishes ticks with increasing n until the returned stop function
// is called.
func ticker(loc *peers.Local) (stop func()) {
	done := make(chan struct{})
	task := taskgroup.Go(func() error {
		for i := 0; ; i++ {
			select {
			case <-done:
				return nil
			default:
			}
			loc.Server.Publish(codec.NewPacket(tickChannel, 1).Set("n", i).Set("label", "t"))
			time.Sleep(time.Millisecond)
		}
	})
	return func() { close(done); task.Wait() }
}

// checkSeq reports an error if ns is not a run of consecutive integers.
func checkSeq(t *testing.T, ns []int) {
	t.Helper()
	for i := 1; i < len(ns); i++ {
		if ns[i] != ns[i-1]+1 {
			t.Errorf("Event %d: got n=%d after %d", i, ns[i], ns[i-1])
		}
	}
}

func TestSubscribe(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	loc, ch := setup(t, skyline.Options{})
	defer ticker(loc)()

	const numTicks = 20
	var got []int
	for ev, err := range stream.Subscribe(t.Context(), ch) {
		if err != nil {
			t.Fatalf("Subscribe: unexpected error: %v", err)
		}
		if ev.Channel != ch {
			t.Errorf("Event channel: got %v, want %v", ev.Channel, ch)
		}
		n, _ := codec.Value[int64](ev.Packet, "n")
		got = append(got, int(n))
		if len(got) == numTicks {
			break
		}
	}
	checkSeq(t, got)
}

func TestSubscribeLeave(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	loc, ch := setup(t, skyline.Options{})
	defer ticker(loc)()

	var n int
	var last error
	for _, err := range stream.Subscribe(t.Context(), ch) {
		if err != nil {
			last = err
			break
		}
		n++
		if n == 1 {
			if err := loc.Server.Kick(loc.Session.ID, tickChannel); err != nil {
				t.Fatalf("Kick: %v", err)
			}
		}
	}
	if !errors.Is(last, stream.ErrLeft) || !errors.Is(last, skyline.ErrDisconnected) {
		t.Errorf("Stream end: got %v, want %v", last, stream.ErrLeft)
	}
	if _, ok := loc.Client.Channel(tickChannel); ok {
		t.Error("Channel is still joined after kick")
	}
}

func TestSubscribeContext(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	_, ch := setup(t, skyline.Options{})

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()

	var last error
	for _, err := range stream.Subscribe(ctx, ch) {
		if err != nil {
			last = err
		}
	}
	if !errors.Is(last, context.DeadlineExceeded) {
		t.Errorf("Stream end: got %v, want %v", last, context.DeadlineExceeded)
	}
}

func TestSubscribeDenied(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	_, ch := setup(t, skyline.Options{})
	ch.Leave()

	var last error
	for _, err := range stream.Subscribe(t.Context(), ch) {
		last = err
	}
	if !errors.Is(last, skyline.ErrDisconnected) {
		t.Errorf("Subscribe after leave: got %v, want %v", last, skyline.ErrDisconnected)
	}
}

func TestTyped(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	log := zerolog.New(zerolog.NewTestWriter(t))
	cdc := codec.New(log)
	if err := cdc.Register(codec.ByID(tickChannel), codec.ByName("tick"), binding.Struct[tick]()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	loc, ch := setup(t, skyline.Options{Codec: cdc, Logger: &log})

	defer ticker(loc)()

	var got []tick
	for v, err := range stream.Typed[tick](t.Context(), ch) {
		if err != nil {
			t.Fatalf("Typed: unexpected error: %v", err)
		}
		got = append(got, v)
		if len(got) == 3 {
			break
		}
	}
	base := got[0].N
	want := []tick{{base, "t"}, {base + 1, "t"}, {base + 2, "t"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Typed events (-want, +got):\n%s", diff)
	}
}
