// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package registrar

import (
	"context"
	"errors"
	"slices"

	"github.com/benbjohnson/clock"

	"github.com/syncthing/lookup/lib/lease"
	"github.com/syncthing/lookup/lib/protocol"
	"github.com/syncthing/lookup/lib/sync"
)

// ErrUnavailable is returned by a Local registrar that has been failed.
var ErrUnavailable = errors.New("registrar unavailable")

const subscriptionBuffer = 64

// Local is an in-memory registrar. It serves the announce side of the
// driver and stands in for remote registrars in tests.
type Local struct {
	id    protocol.ServiceID
	clock clock.Clock

	mut    sync.Mutex
	groups []string
	items  map[protocol.ServiceID]localItem
	subs   map[*subscription]struct{}
	failed bool
}

type localItem struct {
	item   protocol.Item
	expiry int64
}

type subscription struct {
	matcher *protocol.Matcher
	ch      chan Event
}

func NewLocal(id protocol.ServiceID, groups []string, clk clock.Clock) *Local {
	if clk == nil {
		clk = clock.New()
	}
	return &Local{
		id:     id,
		clock:  clk,
		mut:    sync.NewMutex(),
		groups: slices.Clone(groups),
		items:  make(map[protocol.ServiceID]localItem),
		subs:   make(map[*subscription]struct{}),
	}
}

func (r *Local) RegistrarID() protocol.ServiceID {
	return r.id
}

func (r *Local) Equal(other Handle) bool {
	return SameRegistrar(r, other)
}

func (r *Local) Hash() uint64 {
	return r.id.Short()
}

func (r *Local) String() string {
	return r.id.String()[:8] + "@local"
}

func (r *Local) Admin() Admin {
	return r
}

func (r *Local) Groups() []string {
	r.mut.Lock()
	defer r.mut.Unlock()
	return slices.Clone(r.groups)
}

func (r *Local) SetGroups(groups []string) error {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.groups = slices.Clone(groups)
	return nil
}

// Register adds or replaces an item, assigning a new ID if the item has
// none. A zero Lease registers the item without expiry.
func (r *Local) Register(item protocol.Item) (protocol.ServiceID, error) {
	item = item.Clone()
	if item.ID.IsEmpty() {
		item.ID = protocol.NewServiceID()
	}

	r.mut.Lock()
	defer r.mut.Unlock()
	if r.failed {
		return protocol.EmptyServiceID, ErrUnavailable
	}

	expiry := int64(lease.Forever)
	if item.Lease != 0 {
		expiry = lease.ToAbsolute(item.Lease, r.now())
	}
	old, existed := r.items[item.ID]
	r.items[item.ID] = localItem{item: item, expiry: expiry}
	reported := r.reportLocked(item, expiry)

	for sub := range r.subs {
		was := existed && sub.matcher.Matches(old.item)
		is := sub.matcher.Matches(item)
		switch {
		case is && was:
			r.sendLocked(sub, Event{Kind: ItemChanged, ID: item.ID, Item: reported})
		case is:
			r.sendLocked(sub, Event{Kind: ItemMatched, ID: item.ID, Item: reported})
		case was:
			r.sendLocked(sub, Event{Kind: ItemRemoved, ID: item.ID})
		}
	}
	return item.ID, nil
}

// Cancel removes an item, returning false if it was not registered.
func (r *Local) Cancel(id protocol.ServiceID) bool {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.cancelLocked(id)
}

// Expire cancels all items whose lease has run out.
func (r *Local) Expire() int {
	r.mut.Lock()
	defer r.mut.Unlock()
	now := r.now()
	n := 0
	for id, it := range r.items {
		if lease.StateAt(it.expiry, now) == lease.Expired {
			r.cancelLocked(id)
			n++
		}
	}
	return n
}

func (r *Local) cancelLocked(id protocol.ServiceID) bool {
	old, ok := r.items[id]
	if !ok {
		return false
	}
	delete(r.items, id)
	for sub := range r.subs {
		if sub.matcher.Matches(old.item) {
			r.sendLocked(sub, Event{Kind: ItemRemoved, ID: id})
		}
	}
	return true
}

func (r *Local) Lookup(_ context.Context, tmpl protocol.Template) ([]protocol.Item, error) {
	m, err := tmpl.Compile()
	if err != nil {
		return nil, err
	}

	r.mut.Lock()
	defer r.mut.Unlock()
	if r.failed {
		return nil, ErrUnavailable
	}

	var res []protocol.Item
	for _, it := range r.items {
		if m.Matches(it.item) {
			res = append(res, r.reportLocked(it.item, it.expiry))
		}
	}
	return res, nil
}

func (r *Local) Notify(ctx context.Context, tmpl protocol.Template) (<-chan Event, error) {
	m, err := tmpl.Compile()
	if err != nil {
		return nil, err
	}

	r.mut.Lock()
	defer r.mut.Unlock()
	if r.failed {
		return nil, ErrUnavailable
	}

	sub := &subscription{matcher: m, ch: make(chan Event, subscriptionBuffer)}
	r.subs[sub] = struct{}{}

	go func() {
		<-ctx.Done()
		r.mut.Lock()
		r.dropLocked(sub)
		r.mut.Unlock()
	}()

	return sub.ch, nil
}

// Fail drops all subscriptions and makes every further call fail until
// Restore is called.
func (r *Local) Fail() {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.failed = true
	for sub := range r.subs {
		r.dropLocked(sub)
	}
}

func (r *Local) Restore() {
	r.mut.Lock()
	r.failed = false
	r.mut.Unlock()
}

// Subscribers returns the number of active subscriptions.
func (r *Local) Subscribers() int {
	r.mut.Lock()
	defer r.mut.Unlock()
	return len(r.subs)
}

func (r *Local) sendLocked(sub *subscription, ev Event) {
	select {
	case sub.ch <- ev:
	default:
		// A subscriber that cannot keep up has lost events; it must
		// resynchronize, which it does by treating the registrar as lost.
		l.Debugf("%s: dropping slow subscriber", r)
		r.dropLocked(sub)
	}
}

func (r *Local) dropLocked(sub *subscription) {
	if _, ok := r.subs[sub]; !ok {
		return
	}
	delete(r.subs, sub)
	close(sub.ch)
}

func (r *Local) reportLocked(item protocol.Item, expiry int64) protocol.Item {
	item = item.Clone()
	item.Lease = lease.ToDuration(expiry, r.now())
	return item
}

func (r *Local) now() int64 {
	return lease.Millis(r.clock.Now())
}
