// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package lookup

import (
	"context"
	"runtime/debug"

	"github.com/syncthing/lookup/lib/sync"
)

type delivery struct {
	listeners []Listener
	ev        Event
}

// The dispatcher delivers events to listeners from a single goroutine, in
// the order they were queued. The queue is unbounded so that queueing
// never blocks the cache.
type dispatcher struct {
	mut    sync.Mutex
	queue  []delivery
	active map[Listener]int
	wake   chan struct{}
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		mut:    sync.NewMutex(),
		active: make(map[Listener]int),
		wake:   make(chan struct{}, 1),
	}
}

func (d *dispatcher) enqueue(lsts []Listener, ev Event) {
	if len(lsts) == 0 {
		return
	}
	d.mut.Lock()
	d.queue = append(d.queue, delivery{listeners: lsts, ev: ev})
	d.mut.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) add(lst Listener) {
	d.mut.Lock()
	d.active[lst]++
	d.mut.Unlock()
}

func (d *dispatcher) remove(lst Listener) {
	d.mut.Lock()
	if d.active[lst] <= 1 {
		delete(d.active, lst)
	} else {
		d.active[lst]--
	}
	d.mut.Unlock()
}

// clear drops all pending deliveries and listener references.
func (d *dispatcher) clear() {
	d.mut.Lock()
	d.queue = nil
	clear(d.active)
	d.mut.Unlock()
}

func (d *dispatcher) pending() int {
	d.mut.Lock()
	defer d.mut.Unlock()
	return len(d.queue)
}

func (d *dispatcher) next() (delivery, bool) {
	d.mut.Lock()
	defer d.mut.Unlock()
	if len(d.queue) == 0 {
		return delivery{}, false
	}
	del := d.queue[0]
	d.queue[0] = delivery{}
	d.queue = d.queue[1:]
	return del, true
}

func (d *dispatcher) isActive(lst Listener) bool {
	d.mut.Lock()
	defer d.mut.Unlock()
	return d.active[lst] > 0
}

func (d *dispatcher) Serve(ctx context.Context) error {
	for {
		for {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			del, ok := d.next()
			if !ok {
				break
			}
			for _, lst := range del.listeners {
				if d.isActive(lst) {
					d.call(lst, del.ev)
				}
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.wake:
		}
	}
}

func (d *dispatcher) call(lst Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			l.Warnf("Listener panic on %v: %v\n%s", ev, r, debug.Stack())
		}
	}()
	deliver(lst, ev.clone())
}
