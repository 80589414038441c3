// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package lookup

import (
	"fmt"
	"slices"

	"github.com/syncthing/lookup/lib/protocol"
)

// A ServiceItem is a service as seen by cache users: the registration
// with its proxy unmarshalled and its lease converted to an absolute
// expiry, in milliseconds since the epoch.
type ServiceItem struct {
	ID         protocol.ServiceID
	Types      []string
	Attributes []protocol.Entry
	Service    any
	Expiry     int64
}

// Clone returns a copy that shares only the Service value.
func (s *ServiceItem) Clone() *ServiceItem {
	if s == nil {
		return nil
	}
	c := *s
	c.Types = slices.Clone(s.Types)
	c.Attributes = slices.Clone(s.Attributes)
	return &c
}

func (s *ServiceItem) String() string {
	return fmt.Sprintf("%s %v", s.ID.String()[:8], s.Types)
}

type EventType int

const (
	ServiceAdded EventType = iota
	ServiceRemoved
	ServiceChanged
)

func (t EventType) String() string {
	switch t {
	case ServiceAdded:
		return "added"
	case ServiceRemoved:
		return "removed"
	case ServiceChanged:
		return "changed"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// An Event describes one visible transition of a service. Pre is the item
// as last reported (nil for ServiceAdded); Post is the item as it is now
// (nil for ServiceRemoved).
type Event struct {
	Type EventType
	ID   protocol.ServiceID
	Pre  *ServiceItem
	Post *ServiceItem
}

// clone gives each listener items of its own.
func (e Event) clone() Event {
	e.Pre = e.Pre.Clone()
	e.Post = e.Post.Clone()
	return e
}

func (e Event) String() string {
	return fmt.Sprintf("%v %s", e.Type, e.ID.String()[:8])
}

// A Listener receives the events of a cache. Calls are serialized per
// cache. Implementations must be comparable, as RemoveListener finds them
// with ==.
type Listener interface {
	ServiceAdded(ev Event)
	ServiceRemoved(ev Event)
	ServiceChanged(ev Event)
}

func deliver(lst Listener, ev Event) {
	switch ev.Type {
	case ServiceAdded:
		lst.ServiceAdded(ev)
	case ServiceRemoved:
		lst.ServiceRemoved(ev)
	case ServiceChanged:
		lst.ServiceChanged(ev)
	}
}
