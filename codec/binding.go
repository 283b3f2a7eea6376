// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package codec

import (
	"fmt"
	"reflect"
	"strconv"
)

// A Binding converts between generic packets and values of one Go type.
// A binding is attached to one (channel, packet) pair by [Codec.Register].
type Binding interface {
	// GoType reports the type of values produced and accepted by the binding.
	GoType() reflect.Type

	// DecodePacket converts a decoded packet into a value of the bound type.
	DecodePacket(*Packet) (any, error)

	// EncodePacket converts a value of the bound type, or a non-nil pointer
	// to one, into packet fields.
	EncodePacket(any) ([]Field, error)
}

// Bind constructs a [Binding] for type T from a pair of conversion functions.
func Bind[T any](dec func(*Packet) (T, error), enc func(T) ([]Field, error)) Binding {
	return funcBinding[T]{dec: dec, enc: enc}
}

type funcBinding[T any] struct {
	dec func(*Packet) (T, error)
	enc func(T) ([]Field, error)
}

func (b funcBinding[T]) GoType() reflect.Type { return reflect.TypeFor[T]() }

func (b funcBinding[T]) DecodePacket(p *Packet) (any, error) { return b.dec(p) }

func (b funcBinding[T]) EncodePacket(v any) ([]Field, error) {
	switch t := v.(type) {
	case T:
		return b.enc(t)
	case *T:
		if t != nil {
			return b.enc(*t)
		}
	}
	return nil, fmt.Errorf("binding for %v cannot encode %T", b.GoType(), v)
}

// A Ref refers to a channel or packet either by name or by ID. Names are
// resolved against the current dictionary; IDs are used as given.
type Ref struct {
	name string
	id   uint32
}

// ByName returns a Ref to the channel or packet with the given name.
func ByName(name string) Ref { return Ref{name: name} }

// ByID returns a Ref to the channel or packet with the given ID.
func ByID(id uint32) Ref { return Ref{id: id} }

// IsName reports whether r refers to its target by name.
func (r Ref) IsName() bool { return r.name != "" }

func (r Ref) String() string {
	if r.IsName() {
		return strconv.Quote(r.name)
	}
	return strconv.FormatUint(uint64(r.id), 10)
}
