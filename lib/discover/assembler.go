// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package discover

import (
	"slices"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/syncthing/lookup/lib/sync"
)

const maxAssembledSenders = 1024

// An Assembler reconstructs requests that were split over several
// datagrams. Datagrams from the same sender within the window are merged
// into one request; the window starts at the first datagram.
type Assembler struct {
	mut     sync.Mutex
	pending *expirable.LRU[string, *assembled]
}

type assembled struct {
	req      Request
	answered bool
}

func NewAssembler(window time.Duration) *Assembler {
	return &Assembler{
		mut:     sync.NewMutex(),
		pending: expirable.NewLRU[string, *assembled](maxAssembledSenders, nil, window),
	}
}

// Add merges the request into what has been received from the sender so
// far, and returns the result.
func (a *Assembler) Add(sender string, req Request) Request {
	a.mut.Lock()
	defer a.mut.Unlock()

	cur, ok := a.pending.Get(sender)
	if !ok {
		cur = &assembled{}
		a.pending.Add(sender, cur)
	}
	for _, g := range req.Groups {
		if !slices.Contains(cur.req.Groups, g) {
			cur.req.Groups = append(cur.req.Groups, g)
		}
	}
	for _, id := range req.Exclude {
		if !slices.Contains(cur.req.Exclude, id) {
			cur.req.Exclude = append(cur.req.Exclude, id)
		}
	}
	return cloneRequest(cur.req)
}

// Get returns the request assembled for the sender, if the window is
// still open.
func (a *Assembler) Get(sender string) (Request, bool) {
	a.mut.Lock()
	defer a.mut.Unlock()
	cur, ok := a.pending.Get(sender)
	if !ok {
		return Request{}, false
	}
	return cloneRequest(cur.req), true
}

// MarkAnswered records that the sender's request was answered, returning
// false if it already was within the current window.
func (a *Assembler) MarkAnswered(sender string) bool {
	a.mut.Lock()
	defer a.mut.Unlock()
	cur, ok := a.pending.Get(sender)
	if !ok {
		cur = &assembled{}
		a.pending.Add(sender, cur)
	}
	if cur.answered {
		return false
	}
	cur.answered = true
	return true
}

func cloneRequest(r Request) Request {
	return Request{
		Groups:  slices.Clone(r.Groups),
		Exclude: slices.Clone(r.Exclude),
	}
}
