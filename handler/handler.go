// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the peers.Handler type for functions
// with typed parameters and results.
//
// A parameter type must be a struct type, which is decoded from the request
// packet as by [binding.Struct], or *codec.Packet, which receives the request
// packet itself. Result types follow the same rule: a struct result is
// encoded as the response packet whose ID is given when the handler is
// constructed, on the channel of the request, and a *codec.Packet result is
// sent as given.
package handler

import (
	"context"
	"fmt"

	"github.com/creachadair/skyline/binding"
	"github.com/creachadair/skyline/codec"
	"github.com/creachadair/skyline/peers"
)

// reqContextKey is a context key for the request value to a handler.
type reqContextKey struct{}

// ContextRequest returns the original request passed to the handler, or nil
// if ctx has no associated request. The context passed to a function adapted
// by this package has this value.
func ContextRequest(ctx context.Context) *peers.Request {
	if v := ctx.Value(reqContextKey{}); v != nil {
		return v.(*peers.Request)
	}
	return nil
}

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to a peers.Handler. The result is
// sent as packet rsp.
func ParamResultError[P, R any](rsp uint32, f func(context.Context, P) (R, error)) peers.Handler {
	dec, enc := decoder[P](), encoder[R](rsp)
	return func(ctx context.Context, req *peers.Request) (*codec.Packet, error) {
		p, err := dec(req.Packet)
		if err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		r, err := f(hctx, p)
		if err != nil {
			return nil, err
		}
		return enc(req, r)
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to a peers.Handler. The result
// is sent as packet rsp.
func ParamResult[P, R any](rsp uint32, f func(context.Context, P) R) peers.Handler {
	dec, enc := decoder[P](), encoder[R](rsp)
	return func(ctx context.Context, req *peers.Request) (*codec.Packet, error) {
		p, err := dec(req.Packet)
		if err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		return enc(req, f(hctx, p))
	}
}

// ParamError adapts a function f that accepts parameters of type P and returns
// an error with no result, to a peers.Handler.
func ParamError[P any](f func(context.Context, P) error) peers.Handler {
	dec := decoder[P]()
	return func(ctx context.Context, req *peers.Request) (*codec.Packet, error) {
		p, err := dec(req.Packet)
		if err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		return nil, f(hctx, p)
	}
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a peers.Handler. The result is sent as
// packet rsp.
func ResultError[R any](rsp uint32, f func(context.Context) (R, error)) peers.Handler {
	enc := encoder[R](rsp)
	return func(ctx context.Context, req *peers.Request) (*codec.Packet, error) {
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		r, err := f(hctx)
		if err != nil {
			return nil, err
		}
		return enc(req, r)
	}
}

func isPacket[T any]() bool {
	_, ok := any((*T)(nil)).(**codec.Packet)
	return ok
}

// decoder returns a function that converts a request packet to a P.
// It panics if P is neither a struct type nor *codec.Packet.
func decoder[P any]() func(*codec.Packet) (P, error) {
	if isPacket[P]() {
		return func(p *codec.Packet) (P, error) { return any(p).(P), nil }
	}
	b := binding.Struct[P]()
	return func(p *codec.Packet) (P, error) {
		v, err := b.DecodePacket(p)
		if err != nil {
			var zero P
			return zero, fmt.Errorf("decode parameters: %w", err)
		}
		return v.(P), nil
	}
}

// encoder returns a function that converts an R to a response packet with
// ID rsp. It panics if R is neither a struct type nor *codec.Packet.
func encoder[R any](rsp uint32) func(*peers.Request, R) (*codec.Packet, error) {
	if isPacket[R]() {
		return func(_ *peers.Request, r R) (*codec.Packet, error) { return any(r).(*codec.Packet), nil }
	}
	b := binding.Struct[R]()
	return func(req *peers.Request, r R) (*codec.Packet, error) {
		fields, err := b.EncodePacket(r)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		return &codec.Packet{ChannelID: req.ChannelID, PacketID: rsp, Fields: fields}, nil
	}
}
