// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package codec

import (
	"bytes"
	"fmt"
	"math"
	"reflect"
	"slices"
	"time"

	"github.com/creachadair/skyline/dict"
	"github.com/creachadair/skyline/packet"
)

// MaxDepth is the maximum nesting depth of list and map values.
const MaxDepth = 32

var (
	timeType  = reflect.TypeFor[time.Time]()
	bytesType = reflect.TypeFor[[]byte]()
)

// encodeBody appends the untagged encoding of v as type t to b. Elements of
// a list or values of a map must have type elem unless elem is TypeAny.
func encodeBody(b *packet.Builder, t, elem dict.WireType, v any, depth int) error {
	if depth > MaxDepth {
		return fmt.Errorf("nesting exceeds %d levels", MaxDepth)
	}
	bad := func() error { return fmt.Errorf("cannot encode %T as %v", v, t) }

	switch t {
	case dict.TypeString:
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.String {
			return bad()
		}
		b.VPutString(rv.String())

	case dict.TypeBytes:
		bs, ok := v.([]byte)
		if !ok {
			return bad()
		}
		b.VPut(bs)

	case dict.TypeNumber:
		f, ok := asFloat(v)
		if !ok {
			return bad()
		}
		b.Uint64(math.Float64bits(f))

	case dict.TypeInteger:
		n, ok := asInt(v)
		if !ok {
			return bad()
		}
		b.Int64(n)

	case dict.TypeBoolean:
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Bool {
			return bad()
		}
		b.Bool(rv.Bool())

	case dict.TypeNull:
		if v != nil {
			return bad()
		}

	case dict.TypeDate:
		tm, ok := v.(time.Time)
		if !ok {
			return bad()
		}
		b.Int64(tm.UnixMilli())

	case dict.TypeList:
		rv := reflect.ValueOf(v)
		if k := rv.Kind(); (k != reflect.Slice && k != reflect.Array) || rv.Type() == bytesType {
			return bad()
		}
		if rv.Len() > packet.MaxVint30 {
			return fmt.Errorf("list too long (%d elements)", rv.Len())
		}
		b.Vint30(uint32(rv.Len()))
		for i := range rv.Len() {
			if err := encodeTagged(b, elem, rv.Index(i).Interface(), depth+1); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		}

	case dict.TypeMap:
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
			return bad()
		}
		if rv.Len() > packet.MaxVint30 {
			return fmt.Errorf("map too large (%d entries)", rv.Len())
		}
		keys := rv.MapKeys()
		slices.SortFunc(keys, func(a, b reflect.Value) int {
			if a.String() < b.String() {
				return -1
			} else if a.String() > b.String() {
				return 1
			}
			return 0
		})
		b.Vint30(uint32(len(keys)))
		for _, k := range keys {
			b.VPutString(k.String())
			if err := encodeTagged(b, elem, rv.MapIndex(k).Interface(), depth+1); err != nil {
				return fmt.Errorf("key %q: %w", k.String(), err)
			}
		}

	default:
		return fmt.Errorf("invalid wire type %v", t)
	}
	return nil
}

// encodeTagged appends the type tag and encoding of v to b. If want is
// TypeAny, the type is inferred from v.
func encodeTagged(b *packet.Builder, want dict.WireType, v any, depth int) error {
	t := want
	if t == dict.TypeAny {
		var ok bool
		t, ok = inferType(v)
		if !ok {
			return fmt.Errorf("cannot encode value of type %T", v)
		}
	}
	b.Put(byte(t))
	return encodeBody(b, t, dict.TypeAny, v, depth)
}

// inferType reports the wire type used to encode an untyped element v.
func inferType(v any) (dict.WireType, bool) {
	if v == nil {
		return dict.TypeNull, true
	}
	rv := reflect.ValueOf(v)
	switch rv.Type() {
	case timeType:
		return dict.TypeDate, true
	case bytesType:
		return dict.TypeBytes, true
	}
	switch rv.Kind() {
	case reflect.String:
		return dict.TypeString, true
	case reflect.Bool:
		return dict.TypeBoolean, true
	case reflect.Float32, reflect.Float64:
		return dict.TypeNumber, true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return dict.TypeInteger, true
	case reflect.Slice, reflect.Array:
		return dict.TypeList, true
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			return dict.TypeMap, true
		}
	}
	return 0, false
}

func asInt(v any) (int64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if u := rv.Uint(); u <= math.MaxInt64 {
			return int64(u), true
		}
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	if n, ok := asInt(v); ok {
		return float64(n), true
	}
	return 0, false
}

// decodeBody decodes an untagged value of type t from s.
func decodeBody(s *packet.Scanner, t, elem dict.WireType, depth int) (any, error) {
	if depth > MaxDepth {
		return nil, fmt.Errorf("nesting exceeds %d levels", MaxDepth)
	}
	switch t {
	case dict.TypeString:
		return packet.VGet[string](s)

	case dict.TypeBytes:
		bs, err := packet.VGet[[]byte](s)
		if err != nil {
			return nil, err
		}
		return bytes.Clone(bs), nil

	case dict.TypeNumber:
		u, err := s.Uint64()
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(u), nil

	case dict.TypeInteger:
		return s.Int64()

	case dict.TypeBoolean:
		return s.Bool()

	case dict.TypeNull:
		return nil, nil

	case dict.TypeDate:
		ms, err := s.Int64()
		if err != nil {
			return nil, err
		}
		return time.UnixMilli(ms).UTC(), nil

	case dict.TypeList:
		n, err := count(s)
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, n)
		for i := range n {
			v, err := decodeTagged(s, elem, depth+1)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			out = append(out, v)
		}
		return out, nil

	case dict.TypeMap:
		n, err := count(s)
		if err != nil {
			return nil, err
		}
		out := make(map[string]any, n)
		for range n {
			key, err := packet.VGet[string](s)
			if err != nil {
				return nil, err
			}
			if _, ok := out[key]; ok {
				return nil, fmt.Errorf("duplicate key %q", key)
			}
			v, err := decodeTagged(s, elem, depth+1)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", key, err)
			}
			out[key] = v
		}
		return out, nil

	default:
		return nil, fmt.Errorf("invalid wire type %v", t)
	}
}

// decodeTagged decodes a type tag and value from s. If want is not TypeAny,
// the tag must match it.
func decodeTagged(s *packet.Scanner, want dict.WireType, depth int) (any, error) {
	tag, err := s.Byte()
	if err != nil {
		return nil, err
	}
	t := dict.WireType(tag)
	if !t.Valid() || t == dict.TypeAny {
		return nil, fmt.Errorf("invalid type tag %d", tag)
	} else if want != dict.TypeAny && t != want {
		return nil, fmt.Errorf("element has type %v, want %v", t, want)
	}
	return decodeBody(s, t, dict.TypeAny, depth)
}

// count reads a Vint30 element count. Every element occupies at least one
// byte, so a count larger than the remaining input is invalid.
func count(s *packet.Scanner) (int, error) {
	n, err := s.Vint30()
	if err != nil {
		return 0, fmt.Errorf("element count: %w", err)
	} else if n > s.Len() {
		return 0, fmt.Errorf("count %d exceeds remaining input (%d bytes)", n, s.Len())
	}
	return n, nil
}
