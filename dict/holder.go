// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package dict

import (
	"fmt"
	"sync/atomic"
)

// A Holder holds the current dictionary of a connection. Readers see either
// the previous or the next dictionary, never a mix. The zero value is ready
// for use and holds [Empty].
type Holder struct {
	cur atomic.Pointer[Dictionary]
}

// Load returns the current dictionary. It never returns nil.
func (h *Holder) Load() *Dictionary {
	if d := h.cur.Load(); d != nil {
		return d
	}
	return Empty
}

// Store unconditionally makes d the current dictionary. A nil d resets h to
// [Empty].
func (h *Holder) Store(d *Dictionary) { h.cur.Store(d) }

// Reset discards the current dictionary, leaving [Empty] in effect.
func (h *Holder) Reset() { h.cur.Store(nil) }

// Replace loads s and, if it is valid, makes it the current dictionary.
// The epoch of s must be greater than the current epoch unless the current
// dictionary is empty. On error the current dictionary is unchanged.
func (h *Holder) Replace(s Schema) (*Dictionary, error) {
	d, err := Load(s)
	if err != nil {
		return nil, err
	}
	for {
		old := h.cur.Load()
		if !old.IsEmpty() && d.epoch <= old.epoch {
			return nil, &SchemaError{Reason: fmt.Sprintf("stale epoch %d (current is %d)", d.epoch, old.epoch)}
		}
		if h.cur.CompareAndSwap(old, d) {
			return d, nil
		}
	}
}
