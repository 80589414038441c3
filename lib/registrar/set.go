// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package registrar

// A Set maps registrars to values. Keys are compared with Ref.Equals and
// bucketed by the cached hash. The first Ref stored for a registrar stays
// the canonical key until it is deleted. A Set is not safe for concurrent
// use.
type Set[V any] struct {
	buckets map[uint64][]setEntry[V]
	n       int
}

type setEntry[V any] struct {
	ref Ref
	val V
}

func NewSet[V any]() *Set[V] {
	return &Set[V]{buckets: make(map[uint64][]setEntry[V])}
}

func (s *Set[V]) find(r Ref) (uint64, int) {
	bucket := s.buckets[r.hash]
	for i, e := range bucket {
		if e.ref.Equals(r) {
			return r.hash, i
		}
	}
	return r.hash, -1
}

// Get returns the value stored for the registrar.
func (s *Set[V]) Get(r Ref) (V, bool) {
	h, i := s.find(r)
	if i < 0 {
		var zero V
		return zero, false
	}
	return s.buckets[h][i].val, true
}

// Canonical returns the key stored for the registrar, if any.
func (s *Set[V]) Canonical(r Ref) (Ref, bool) {
	h, i := s.find(r)
	if i < 0 {
		return Ref{}, false
	}
	return s.buckets[h][i].ref, true
}

// Contains returns true if the registrar is in the set.
func (s *Set[V]) Contains(r Ref) bool {
	_, i := s.find(r)
	return i >= 0
}

// Put stores the value for the registrar, returning the canonical key and
// whether the registrar was newly added.
func (s *Set[V]) Put(r Ref, v V) (Ref, bool) {
	h, i := s.find(r)
	if i >= 0 {
		s.buckets[h][i].val = v
		return s.buckets[h][i].ref, false
	}
	s.buckets[h] = append(s.buckets[h], setEntry[V]{ref: r, val: v})
	s.n++
	return r, true
}

// Delete removes the registrar, returning the value it had.
func (s *Set[V]) Delete(r Ref) (V, bool) {
	h, i := s.find(r)
	if i < 0 {
		var zero V
		return zero, false
	}
	bucket := s.buckets[h]
	v := bucket[i].val
	copy(bucket[i:], bucket[i+1:])
	bucket[len(bucket)-1] = setEntry[V]{}
	bucket = bucket[:len(bucket)-1]
	if len(bucket) == 0 {
		delete(s.buckets, h)
	} else {
		s.buckets[h] = bucket
	}
	s.n--
	return v, true
}

func (s *Set[V]) Len() int {
	return s.n
}

// Range calls fn for each registrar until fn returns false. fn must not
// modify the set.
func (s *Set[V]) Range(fn func(Ref, V) bool) {
	for _, bucket := range s.buckets {
		for _, e := range bucket {
			if !fn(e.ref, e.val) {
				return
			}
		}
	}
}

// Refs returns the keys of the set.
func (s *Set[V]) Refs() []Ref {
	refs := make([]Ref, 0, s.n)
	s.Range(func(r Ref, _ V) bool {
		refs = append(refs, r)
		return true
	})
	return refs
}
