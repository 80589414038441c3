// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package registrar defines registrar handles, the stable references used
// to key them, and the service contract a registrar offers to lookup
// caches.
package registrar

import (
	"context"
	"fmt"

	"github.com/syncthing/lookup/lib/protocol"
)

// A Registrar is a handle that can be queried and subscribed to.
type Registrar interface {
	Handle

	// Lookup returns the items currently registered that match the
	// template.
	Lookup(ctx context.Context, tmpl protocol.Template) ([]protocol.Item, error)

	// Notify subscribes to changes of items matching the template. Events
	// are delivered in the order they happened. The channel is closed when
	// ctx is cancelled or when the subscription is lost; the latter means
	// the registrar can no longer be trusted to report changes.
	Notify(ctx context.Context, tmpl protocol.Template) (<-chan Event, error)
}

type EventKind int

const (
	// ItemMatched means an item started matching the template.
	ItemMatched EventKind = iota
	// ItemChanged means a matching item changed and still matches.
	ItemChanged
	// ItemRemoved means an item stopped matching or was cancelled.
	ItemRemoved
)

func (k EventKind) String() string {
	switch k {
	case ItemMatched:
		return "matched"
	case ItemChanged:
		return "changed"
	case ItemRemoved:
		return "removed"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// An Event is one change reported by a registrar. Item is unset for
// ItemRemoved.
type Event struct {
	Kind EventKind
	ID   protocol.ServiceID
	Item protocol.Item
}

// A Listener is notified about registrars coming and going.
type Listener interface {
	Discovered(reg Ref, groups []string)
	Changed(reg Ref, groups []string)
	Discarded(reg Ref, groups []string)
}

// Administrable is implemented by handles that expose administrative
// operations.
type Administrable interface {
	Admin() Admin
}

// Admin is the administrative interface of a registrar.
type Admin interface {
	Groups() []string
	SetGroups(groups []string) error
}

// PermissionCheck decides whether a principal may perform an action.
type PermissionCheck interface {
	Allow(action, principal string) bool
}

// PermissionFunc adapts a function to a PermissionCheck.
type PermissionFunc func(action, principal string) bool

func (f PermissionFunc) Allow(action, principal string) bool {
	return f(action, principal)
}
