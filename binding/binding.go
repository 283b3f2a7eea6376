// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package binding provides typed packet bindings for struct types, and
// adapters for subscriber callbacks with typed parameters.
//
// A struct field is bound to the packet field named by its "sky" tag, or by
// the Go field name if there is no tag. A tag of "-" excludes the field. The
// "omitempty" option omits zero values when encoding, which is how optional
// packet fields are left out:
//
//	type Query struct {
//	   Text   string   `sky:"query"`
//	   Params []string `sky:"params,omitempty"`
//	}
//
// A date field carries milliseconds in UTC. Times are truncated to the
// millisecond and converted to UTC when encoded, and decode in UTC.
//
//	cli.Register(codec.ByName("db"), codec.ByName("query"), binding.Struct[Query]())
package binding

import (
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/creachadair/skyline"
	"github.com/creachadair/skyline/codec"
)

// Struct returns a binding for the struct type T. It panics if T is not a
// struct type.
func Struct[T any]() codec.Binding {
	rt := reflect.TypeFor[T]()
	if rt.Kind() != reflect.Struct {
		panic(fmt.Sprintf("binding: %v is not a struct type", rt))
	}
	sb := structBinding{rt: rt}
	for i := range rt.NumField() {
		f := rt.Field(i)
		if !f.IsExported() {
			continue
		}
		name, opts, _ := strings.Cut(f.Tag.Get("sky"), ",")
		if name == "-" {
			continue
		} else if name == "" {
			name = f.Name
		}
		sb.fields = append(sb.fields, boundField{
			index:     i,
			name:      name,
			omitEmpty: opts == "omitempty",
		})
	}
	return sb
}

type boundField struct {
	index     int
	name      string
	omitEmpty bool
}

type structBinding struct {
	rt     reflect.Type
	fields []boundField
}

func (b structBinding) GoType() reflect.Type { return b.rt }

func (b structBinding) DecodePacket(p *codec.Packet) (any, error) {
	out := reflect.New(b.rt).Elem()
	for _, f := range b.fields {
		v, ok := p.Get(f.name)
		if !ok {
			continue
		}
		if err := assign(out.Field(f.index), v); err != nil {
			return nil, fmt.Errorf("field %q: %w", f.name, err)
		}
	}
	return out.Interface(), nil
}

func (b structBinding) EncodePacket(v any) ([]codec.Field, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer && rv.Type().Elem() == b.rt {
		if rv.IsNil() {
			return nil, fmt.Errorf("cannot encode nil %v", rv.Type())
		}
		rv = rv.Elem()
	}
	if rv.Type() != b.rt {
		return nil, fmt.Errorf("binding for %v cannot encode %T", b.rt, v)
	}
	var out []codec.Field
	for _, f := range b.fields {
		fv := rv.Field(f.index)
		if f.omitEmpty && fv.IsZero() {
			continue
		}
		out = append(out, codec.Field{Name: f.name, Value: plain(fv)})
	}
	return out, nil
}

// plain returns the value of v, dereferencing pointers; a nil pointer
// yields nil. A time is reduced to the UTC millisecond carried by a date
// field, so that decoding an encoded value reproduces it exactly.
func plain(v reflect.Value) any {
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	if v.Type() == timeType {
		return v.Interface().(time.Time).UTC().Truncate(time.Millisecond)
	}
	return v.Interface()
}

var timeType = reflect.TypeFor[time.Time]()

// assign stores the decoded value v into dst, converting it to the type of
// dst. A nil v leaves dst unchanged.
func assign(dst reflect.Value, v any) error {
	if v == nil {
		return nil
	}
	sv := reflect.ValueOf(v)
	bad := func() error { return fmt.Errorf("cannot assign %T to %v", v, dst.Type()) }

	if dst.Type() == timeType {
		if sv.Type() != timeType {
			return bad()
		}
		dst.Set(sv)
		return nil
	}
	switch dst.Kind() {
	case reflect.Interface:
		if !sv.Type().AssignableTo(dst.Type()) {
			return bad()
		}
		dst.Set(sv)

	case reflect.Pointer:
		elem := reflect.New(dst.Type().Elem())
		if err := assign(elem.Elem(), v); err != nil {
			return err
		}
		dst.Set(elem)

	case reflect.String:
		if sv.Kind() != reflect.String {
			return bad()
		}
		dst.SetString(sv.String())

	case reflect.Bool:
		if sv.Kind() != reflect.Bool {
			return bad()
		}
		dst.SetBool(sv.Bool())

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, ok := v.(int64)
		if !ok {
			return bad()
		} else if dst.OverflowInt(n) {
			return fmt.Errorf("value %d overflows %v", n, dst.Type())
		}
		dst.SetInt(n)

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, ok := v.(int64)
		if !ok {
			return bad()
		} else if n < 0 || dst.OverflowUint(uint64(n)) {
			return fmt.Errorf("value %d overflows %v", n, dst.Type())
		}
		dst.SetUint(uint64(n))

	case reflect.Float32, reflect.Float64:
		switch t := v.(type) {
		case float64:
			if dst.Kind() == reflect.Float32 && math.Abs(t) > math.MaxFloat32 && !math.IsInf(t, 0) {
				return fmt.Errorf("value %g overflows %v", t, dst.Type())
			}
			dst.SetFloat(t)
		case int64:
			dst.SetFloat(float64(t))
		default:
			return bad()
		}

	case reflect.Slice:
		if bs, ok := v.([]byte); ok && dst.Type().Elem().Kind() == reflect.Uint8 {
			dst.SetBytes(append([]byte(nil), bs...))
			return nil
		}
		elems, ok := v.([]any)
		if !ok {
			return bad()
		}
		out := reflect.MakeSlice(dst.Type(), len(elems), len(elems))
		for i, e := range elems {
			if err := assign(out.Index(i), e); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		}
		dst.Set(out)

	case reflect.Map:
		m, ok := v.(map[string]any)
		if !ok || dst.Type().Key().Kind() != reflect.String {
			return bad()
		}
		out := reflect.MakeMapWithSize(dst.Type(), len(m))
		for k, e := range m {
			ev := reflect.New(dst.Type().Elem()).Elem()
			if err := assign(ev, e); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
			out.SetMapIndex(reflect.ValueOf(k).Convert(dst.Type().Key()), ev)
		}
		dst.Set(out)

	default:
		return bad()
	}
	return nil
}

// On adapts a function that accepts a value of type T to a subscriber
// callback. Events whose typed value is not a T are ignored.
func On[T any](f func(T)) func(*skyline.Event) {
	return func(ev *skyline.Event) {
		if v, ok := skyline.As[T](ev); ok {
			f(v)
		}
	}
}

// OnEvent is like [On], but also passes the event to f.
func OnEvent[T any](f func(*skyline.Event, T)) func(*skyline.Event) {
	return func(ev *skyline.Event) {
		if v, ok := skyline.As[T](ev); ok {
			f(ev, v)
		}
	}
}
