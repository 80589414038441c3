// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package registrar

import (
	"fmt"

	"github.com/syncthing/lookup/lib/protocol"
)

// A Handle represents one registrar. Different discovery paths may produce
// distinct Handle values for the same registrar; Equal must recognize them
// as the same one. Hash must be consistent with Equal, and may be
// expensive.
type Handle interface {
	Equal(other Handle) bool
	Hash() uint64
	String() string
}

// Identified is implemented by handles that carry the registrar's ID.
type Identified interface {
	RegistrarID() protocol.ServiceID
}

// SameRegistrar reports whether both handles carry the same registrar ID.
// It returns false if either handle does not carry one.
func SameRegistrar(a, b Handle) bool {
	ai, ok := a.(Identified)
	if !ok {
		return false
	}
	bi, ok := b.(Identified)
	if !ok {
		return false
	}
	return ai.RegistrarID() == bi.RegistrarID()
}

// A Ref wraps a Handle with a hash computed once, at wrap time, so that it
// can be used as a lookup key without calling into the handle again.
type Ref struct {
	handle Handle
	hash   uint64
}

// Wrap returns a Ref for the handle. Wrapping the same handle, or an equal
// one, always yields Refs that are Equal and hash the same.
func Wrap(h Handle) Ref {
	if h == nil {
		return Ref{}
	}
	return Ref{handle: h, hash: h.Hash()}
}

// Equals reports whether a and b refer to the same registrar, as decided
// by the handles themselves.
func Equals(a, b Ref) bool {
	return a.Equals(b)
}

func (r Ref) Equals(other Ref) bool {
	if r.handle == nil || other.handle == nil {
		return r.handle == nil && other.handle == nil
	}
	if r.hash != other.hash {
		return false
	}
	return r.handle.Equal(other.handle)
}

func (r Ref) Handle() Handle {
	return r.handle
}

func (r Ref) Hash() uint64 {
	return r.hash
}

func (r Ref) IsZero() bool {
	return r.handle == nil
}

func (r Ref) String() string {
	if r.handle == nil {
		return "<nil>"
	}
	return r.handle.String()
}

func (r Ref) GoString() string {
	return fmt.Sprintf("registrar.Ref{%v, %016x}", r.handle, r.hash)
}
