// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package lookup

import (
	"context"

	"github.com/syncthing/lookup/lib/registrar"
)

// sourceListener receives registrar changes on behalf of a cache, keeping
// the registrar.Listener methods off the cache's own API.
type sourceListener struct {
	c *Cache
}

func (s sourceListener) Discovered(ref registrar.Ref, _ []string) {
	s.c.addRegistrar(ref)
}

func (s sourceListener) Changed(ref registrar.Ref, groups []string) {
	l.Debugf("%s: registrar %v now in %v", s.c, ref, groups)
}

func (s sourceListener) Discarded(ref registrar.Ref, _ []string) {
	s.c.dropRegistrar(ref, nil)
}

func (c *Cache) addRegistrar(ref registrar.Ref) {
	reg, ok := ref.Handle().(registrar.Registrar)
	if !ok {
		l.Debugf("%s: ignoring registrar %v, it cannot be queried", c, ref)
		return
	}

	c.mut.Lock()
	defer c.mut.Unlock()
	if c.terminated || c.sources.Contains(ref) {
		return
	}

	c.seq++
	ctx, cancel := context.WithCancel(c.ctx)
	src := &source{ref: ref, reg: reg, seq: c.seq, cancel: cancel}
	c.sources.Put(ref, src)
	l.Debugf("%s: following registrar %v", c, ref)
	go c.track(ctx, src)
}

// dropRegistrar forgets a registrar and everything it contributed. When
// only is set, the registrar is dropped only if it is still that source.
func (c *Cache) dropRegistrar(ref registrar.Ref, only *source) bool {
	c.mut.Lock()
	src, ok := c.sources.Get(ref)
	if c.terminated || !ok || (only != nil && src != only) {
		c.mut.Unlock()
		return false
	}
	c.sources.Delete(ref)
	src.lost = true
	src.cancel()

	var jobs []*filterJob
	for _, rec := range c.records {
		if _, ok := rec.contributions[src]; !ok {
			continue
		}
		delete(rec.contributions, src)
		if rec.tracking == src {
			rec.tracking = earliestContributor(rec)
		}
		if job := c.refreshLocked(rec); job != nil {
			jobs = append(jobs, job)
		}
	}
	c.mut.Unlock()

	l.Debugf("%s: dropped registrar %v", c, ref)
	if len(jobs) > 0 {
		go c.runFilters(jobs)
	}
	return true
}

// track subscribes to a registrar, then takes a snapshot, then follows
// its events until the registrar is dropped or the subscription is lost.
func (c *Cache) track(ctx context.Context, src *source) {
	ch, err := src.reg.Notify(ctx, c.tmpl)
	if err != nil {
		c.registrarFailed(ctx, src, err)
		return
	}

	items, err := src.reg.Lookup(ctx, c.tmpl)
	if err != nil {
		c.registrarFailed(ctx, src, err)
		return
	}
	for _, item := range items {
		c.apply(src, registrar.Event{Kind: registrar.ItemMatched, ID: item.ID, Item: item})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				c.registrarFailed(ctx, src, errSubscriptionLost)
				return
			}
			c.apply(src, ev)
		}
	}
}

// registrarFailed drops a registrar that can no longer be followed and
// asks the source to discard it everywhere.
func (c *Cache) registrarFailed(ctx context.Context, src *source, err error) {
	if ctx.Err() != nil {
		return
	}
	l.Infof("Lost registrar %v in %s: %v", src.ref, c, err)
	if c.dropRegistrar(src.ref, src) && c.source != nil {
		c.source.Discard(src.ref)
	}
}
