// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// An Entry is one attribute of a service registration.
type Entry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (e Entry) String() string {
	return e.Key + "=" + e.Value
}

func compareEntries(a, b Entry) int {
	if c := strings.Compare(a.Key, b.Key); c != 0 {
		return c
	}
	return strings.Compare(a.Value, b.Value)
}

// An Item is a service registration as reported by a single registrar. The
// Service field holds the marshalled service proxy; it is only turned into
// a usable value by the lookup cache's filter chain.
type Item struct {
	ID         ServiceID `json:"id"`
	Types      []string  `json:"types"`
	Attributes []Entry   `json:"attributes"`
	Service    []byte    `json:"service"`

	// Lease is the remaining lease duration in milliseconds, as reported by
	// the registrar at the time of the report.
	Lease int64 `json:"lease"`
}

var errEmptyID = errors.New("empty service ID")

// Validate returns a ProtocolError if the item cannot be tracked.
func (i Item) Validate() error {
	if i.ID.IsEmpty() {
		return &ProtocolError{Op: "item", Err: errEmptyID}
	}
	return nil
}

// Equal reports whether two items describe the same registration content.
// Type and attribute order is not significant and the lease is ignored, as
// a lease renewal does not change what the registration says.
func (i Item) Equal(o Item) bool {
	if i.ID != o.ID || !bytes.Equal(i.Service, o.Service) {
		return false
	}
	if len(i.Types) != len(o.Types) || len(i.Attributes) != len(o.Attributes) {
		return false
	}

	it, ot := slices.Clone(i.Types), slices.Clone(o.Types)
	slices.Sort(it)
	slices.Sort(ot)
	if !slices.Equal(it, ot) {
		return false
	}

	ia, oa := slices.Clone(i.Attributes), slices.Clone(o.Attributes)
	slices.SortFunc(ia, compareEntries)
	slices.SortFunc(oa, compareEntries)
	return slices.Equal(ia, oa)
}

// Clone returns a deep copy of the item.
func (i Item) Clone() Item {
	i.Types = slices.Clone(i.Types)
	i.Attributes = slices.Clone(i.Attributes)
	i.Service = bytes.Clone(i.Service)
	return i
}

// Attribute returns the first value for the given key.
func (i Item) Attribute(key string) (string, bool) {
	for _, e := range i.Attributes {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

func (i Item) String() string {
	return fmt.Sprintf("%s %v %v", i.ID.String()[:8], i.Types, i.Attributes)
}
