// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package lookup

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"slices"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/syncthing/lookup/lib/events"
	"github.com/syncthing/lookup/lib/lease"
	"github.com/syncthing/lookup/lib/marshal"
	"github.com/syncthing/lookup/lib/protocol"
	"github.com/syncthing/lookup/lib/registrar"
	"github.com/syncthing/lookup/lib/sync"
)

// HintService is the hint passed to the serializer when unmarshalling a
// service proxy.
const HintService = "service"

type filterState int

const (
	filterPending filterState = iota
	filterAccepted
	filterRejected
	filterRetry
)

// A serviceRecord is the merged view of one service ID across all
// registrars that report it.
type serviceRecord struct {
	id            protocol.ServiceID
	contributions map[*source]contribution
	tracking      *source

	// raw is the tracking registrar's item as last filtered; version
	// increases every time it changes.
	raw     protocol.Item
	hasRaw  bool
	version uint64
	expiry  int64

	state       filterState
	filtered    *ServiceItem
	filteredGen uint64

	// What listeners have last been told.
	visible    bool
	emitted    *ServiceItem
	emittedGen uint64

	discarded    bool
	discardGen   uint64
	discardTimer *clock.Timer
}

// A contribution is one registrar's report of a service, with the lease
// made absolute when it was received.
type contribution struct {
	item   protocol.Item
	expiry int64
}

// A source is a registrar the cache is subscribed to.
type source struct {
	ref    registrar.Ref
	reg    registrar.Registrar
	seq    uint64
	cancel context.CancelFunc
	lost   bool
}

type filterJob struct {
	rec     *serviceRecord
	version uint64
	raw     protocol.Item
}

// A Cache keeps the set of services matching a template, merged across
// every registrar its source knows about, and tells listeners when that
// set changes.
type Cache struct {
	id          string
	tmpl        protocol.Template
	matcher     *protocol.Matcher
	filter      Filter
	serializer  marshal.Serializer
	clock       clock.Clock
	discardWait time.Duration
	evLogger    events.Logger
	source      RegistrarSource
	onTerminate func(*Cache)

	ctx    context.Context
	cancel context.CancelFunc
	disp   *dispatcher

	mut        sync.Mutex
	terminated bool
	records    map[protocol.ServiceID]*serviceRecord
	sources    *registrar.Set[*source]
	listeners  []Listener
	seq        uint64
}

func (c *Cache) String() string {
	return fmt.Sprintf("cache@%s", c.id)
}

// ID returns the identifier the cache uses in logs and events.
func (c *Cache) ID() string {
	return c.id
}

func (c *Cache) Template() protocol.Template {
	return c.tmpl
}

// Lookup returns copies of the visible items accepted by filter, at most
// max of them unless max is zero or negative. Items are ordered by ID.
func (c *Cache) Lookup(filter Filter, max int) ([]*ServiceItem, error) {
	c.mut.Lock()
	if c.terminated {
		c.mut.Unlock()
		return nil, &StateError{Op: "lookup"}
	}
	now := c.now()
	var items []*ServiceItem
	for _, rec := range c.records {
		if c.visibleAt(rec, now) {
			items = append(items, rec.filtered.Clone())
		}
	}
	c.mut.Unlock()

	slices.SortFunc(items, func(a, b *ServiceItem) int {
		return a.ID.Compare(b.ID)
	})

	res := items[:0]
	for _, item := range items {
		if max > 0 && len(res) == max {
			break
		}
		if safeCheck(filter, item) == Accept {
			res = append(res, item)
		}
	}
	return res, nil
}

// Discard hides a service until Undiscard is called, the discard wait
// elapses or every registrar stops reporting it. Discarding an unknown or
// already discarded service does nothing.
func (c *Cache) Discard(id protocol.ServiceID) error {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.terminated {
		return &StateError{Op: "discard"}
	}
	rec := c.records[id]
	if rec == nil || rec.discarded {
		return nil
	}

	rec.discarded = true
	rec.discardGen++
	c.transitionLocked(rec)

	if c.discardWait > 0 {
		gen := rec.discardGen
		rec.discardTimer = c.clock.AfterFunc(c.discardWait, func() {
			c.mut.Lock()
			defer c.mut.Unlock()
			if c.terminated || c.records[rec.id] != rec || !rec.discarded || rec.discardGen != gen {
				return
			}
			l.Debugf("%s: discard wait elapsed for %s", c, rec.id)
			c.undiscardLocked(rec)
		})
	}
	return nil
}

// Undiscard makes a discarded service visible again.
func (c *Cache) Undiscard(id protocol.ServiceID) error {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.terminated {
		return &StateError{Op: "undiscard"}
	}
	rec := c.records[id]
	if rec == nil || !rec.discarded {
		return nil
	}
	c.undiscardLocked(rec)
	return nil
}

// AddListener registers a listener. It first receives a ServiceAdded event
// for every currently visible service, before any later event.
func (c *Cache) AddListener(lst Listener) error {
	if lst == nil {
		return errors.New("lookup: nil listener")
	}
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.terminated {
		return &StateError{Op: "add listener"}
	}

	// Bring expired records up to date first, so that the existing
	// listeners hear about them and the new one does not.
	for _, rec := range c.records {
		if rec.visible {
			c.transitionLocked(rec)
		}
	}

	c.disp.add(lst)
	c.listeners = append(c.listeners, lst)

	var replay []*serviceRecord
	for _, rec := range c.records {
		if rec.visible {
			replay = append(replay, rec)
		}
	}
	slices.SortFunc(replay, func(a, b *serviceRecord) int {
		return a.id.Compare(b.id)
	})
	for _, rec := range replay {
		c.disp.enqueue([]Listener{lst}, Event{Type: ServiceAdded, ID: rec.id, Post: rec.emitted})
	}
	return nil
}

// RemoveListener unregisters a listener. It receives no further events,
// including ones already queued for it.
func (c *Cache) RemoveListener(lst Listener) error {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.terminated {
		return &StateError{Op: "remove listener"}
	}
	for i, cur := range c.listeners {
		if cur == lst {
			c.listeners = slices.Delete(c.listeners, i, i+1)
			c.disp.remove(lst)
			break
		}
	}
	return nil
}

// Terminate stops the cache. No events are delivered after it returns
// except one already being delivered. It is safe to call more than once.
func (c *Cache) Terminate() {
	c.mut.Lock()
	if c.terminated {
		c.mut.Unlock()
		return
	}
	c.terminated = true
	for _, rec := range c.records {
		if rec.discardTimer != nil {
			rec.discardTimer.Stop()
		}
		if rec.visible {
			metricVisibleServices.Dec()
		}
	}
	c.records = make(map[protocol.ServiceID]*serviceRecord)
	c.sources.Range(func(_ registrar.Ref, src *source) bool {
		src.lost = true
		return true
	})
	c.sources = registrar.NewSet[*source]()
	c.listeners = nil
	c.disp.clear()
	c.cancel()
	c.mut.Unlock()

	metricCaches.Dec()
	l.Debugf("%s: terminated", c)
	if c.onTerminate != nil {
		c.onTerminate(c)
	}
}

// Registrars returns the registrars the cache currently follows.
func (c *Cache) Registrars() []registrar.Ref {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.sources.Refs()
}

// apply folds one registrar report into the cache and runs the filter if
// the report calls for it.
func (c *Cache) apply(src *source, ev registrar.Event) {
	defer func() {
		if r := recover(); r != nil {
			l.Warnf("%s: panic handling %v from %v: %v\n%s", c, ev.Kind, src.ref, r, debug.Stack())
		}
	}()

	metricRegistrarEvents.WithLabelValues(ev.Kind.String()).Inc()
	if ev.Kind != registrar.ItemRemoved {
		if err := c.checkReport(ev); err != nil {
			l.Debugf("%s: dropping report from %v: %v", c, src.ref, err)
			metricDroppedReports.Inc()
			return
		}
	}

	c.mut.Lock()
	if c.terminated || src.lost {
		c.mut.Unlock()
		return
	}
	job := c.handleLocked(src, ev)
	c.mut.Unlock()

	if job != nil {
		c.runFilter(job)
	}
}

func (c *Cache) checkReport(ev registrar.Event) error {
	if err := ev.Item.Validate(); err != nil {
		return err
	}
	if ev.Item.ID != ev.ID {
		return protocol.NewProtocolError("report", "item %s reported as %s", ev.Item.ID, ev.ID)
	}
	if !c.matcher.Matches(ev.Item) {
		return protocol.NewProtocolError("report", "item %s does not match %v", ev.ID, c.tmpl)
	}
	return nil
}

func (c *Cache) handleLocked(src *source, ev registrar.Event) *filterJob {
	rec := c.records[ev.ID]
	if rec == nil {
		if ev.Kind == registrar.ItemRemoved {
			return nil
		}
		rec = &serviceRecord{
			id:            ev.ID,
			contributions: make(map[*source]contribution),
		}
		c.records[ev.ID] = rec
	}

	lostTracking := false
	if ev.Kind == registrar.ItemRemoved {
		if _, ok := rec.contributions[src]; !ok {
			return nil
		}
		delete(rec.contributions, src)
		lostTracking = rec.tracking == src
	} else {
		rec.contributions[src] = contribution{
			item:   ev.Item.Clone(),
			expiry: lease.ToAbsolute(ev.Item.Lease, c.now()),
		}
	}

	switch {
	case rec.tracking == nil || lostTracking:
		rec.tracking = nil
		if _, ok := rec.contributions[src]; ok {
			rec.tracking = src
		} else {
			rec.tracking = earliestContributor(rec)
		}
	case rec.tracking != src && ev.Kind == registrar.ItemChanged && !ev.Item.Equal(rec.raw):
		// A registrar reporting an actual change has the most recent
		// version of the item.
		l.Debugf("%s: %s now tracked via %v", c, rec.id, src.ref)
		rec.tracking = src
	}

	return c.refreshLocked(rec)
}

// refreshLocked brings the record in line with its tracking registrar's
// item, returning a filter job if the item needs filtering.
func (c *Cache) refreshLocked(rec *serviceRecord) *filterJob {
	if len(rec.contributions) == 0 {
		c.destroyLocked(rec)
		return nil
	}

	raw := rec.contributions[rec.tracking].item
	rec.expiry = latestExpiry(rec)
	if rec.filtered != nil {
		rec.filtered.Expiry = rec.expiry
	}

	if !rec.hasRaw || !raw.Equal(rec.raw) {
		rec.raw = raw
		rec.hasRaw = true
		rec.version++
		rec.state = filterPending
		return &filterJob{rec: rec, version: rec.version, raw: raw.Clone()}
	}
	if rec.state == filterRetry {
		rec.state = filterPending
		return &filterJob{rec: rec, version: rec.version, raw: raw.Clone()}
	}

	c.transitionLocked(rec)
	return nil
}

func (c *Cache) destroyLocked(rec *serviceRecord) {
	delete(c.records, rec.id)
	if rec.discardTimer != nil {
		rec.discardTimer.Stop()
		rec.discardTimer = nil
	}
	if rec.visible {
		rec.visible = false
		metricVisibleServices.Dec()
		c.emitLocked(Event{Type: ServiceRemoved, ID: rec.id, Pre: rec.emitted})
		rec.emitted = nil
	}
}

func (c *Cache) undiscardLocked(rec *serviceRecord) {
	if rec.discardTimer != nil {
		rec.discardTimer.Stop()
		rec.discardTimer = nil
	}
	rec.discarded = false
	c.transitionLocked(rec)
}

// runFilter unmarshals and filters an item outside the lock, then applies
// the result unless the record moved on in the meantime.
func (c *Cache) runFilter(job *filterJob) {
	item, res := c.filterItem(job.raw)
	metricFilterResults.WithLabelValues(res.String()).Inc()

	c.mut.Lock()
	defer c.mut.Unlock()
	rec := job.rec
	if c.terminated || c.records[rec.id] != rec || rec.version != job.version {
		return
	}

	switch res {
	case Accept:
		item.Expiry = rec.expiry
		rec.filtered = item
		rec.filteredGen++
		rec.state = filterAccepted
	case Reject:
		rec.filtered = nil
		rec.state = filterRejected
	case Retry:
		rec.state = filterRetry
	}
	c.transitionLocked(rec)
}

func (c *Cache) runFilters(jobs []*filterJob) {
	for _, job := range jobs {
		c.runFilter(job)
	}
}

func (c *Cache) filterItem(raw protocol.Item) (*ServiceItem, FilterResult) {
	item := &ServiceItem{
		ID:         raw.ID,
		Types:      slices.Clone(raw.Types),
		Attributes: slices.Clone(raw.Attributes),
	}

	if c.serializer == nil {
		item.Service = slices.Clone(raw.Service)
	} else {
		svc, err := c.unmarshal(raw.Service)
		switch {
		case marshal.IsTransient(err):
			l.Debugf("%s: retrying %s later: %v", c, raw.ID, err)
			return nil, Retry
		case err != nil:
			l.Debugf("%s: rejecting %s: %v", c, raw.ID, err)
			return nil, Reject
		}
		item.Service = svc
	}

	return item, safeCheck(c.filter, item)
}

func (c *Cache) unmarshal(data []byte) (svc any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unmarshal panic: %v", r)
		}
	}()
	return c.serializer.Unmarshal(data, HintService)
}

func (c *Cache) visibleAt(rec *serviceRecord, now int64) bool {
	return !rec.discarded && rec.filtered != nil && lease.StateAt(rec.expiry, now) == lease.Fresh
}

// transitionLocked emits at most one event describing how the record's
// visibility changed since listeners were last told about it.
func (c *Cache) transitionLocked(rec *serviceRecord) {
	vis := c.visibleAt(rec, c.now())
	switch {
	case vis && !rec.visible:
		metricVisibleServices.Inc()
		c.emitLocked(Event{Type: ServiceAdded, ID: rec.id, Post: rec.filtered.Clone()})
	case !vis && rec.visible:
		metricVisibleServices.Dec()
		c.emitLocked(Event{Type: ServiceRemoved, ID: rec.id, Pre: rec.emitted})
	case vis && rec.filteredGen != rec.emittedGen:
		c.emitLocked(Event{Type: ServiceChanged, ID: rec.id, Pre: rec.emitted, Post: rec.filtered.Clone()})
	default:
		return
	}

	rec.visible = vis
	if vis {
		rec.emitted = rec.filtered.Clone()
		rec.emittedGen = rec.filteredGen
	} else {
		rec.emitted = nil
	}
}

func (c *Cache) emitLocked(ev Event) {
	metricServiceEvents.WithLabelValues(ev.Type.String()).Inc()
	l.Debugf("%s: %v", c, ev)

	item := ev.Post
	if item == nil {
		item = ev.Pre
	}
	data := events.ServiceData{Cache: c.id, ID: ev.ID.String()}
	if item != nil {
		data.Types = slices.Clone(item.Types)
	}
	switch ev.Type {
	case ServiceAdded:
		c.evLogger.Log(events.ServiceDiscovered, data)
	case ServiceRemoved:
		c.evLogger.Log(events.ServiceRemoved, data)
	case ServiceChanged:
		c.evLogger.Log(events.ServiceChanged, data)
	}

	c.disp.enqueue(slices.Clone(c.listeners), ev)
}

func (c *Cache) now() int64 {
	return lease.Millis(c.clock.Now())
}

// latestExpiry is the furthest lease any contributor vouches for; the
// service stays trusted while one registrar still renews it.
func latestExpiry(rec *serviceRecord) int64 {
	expiry := int64(math.MinInt64)
	for _, con := range rec.contributions {
		expiry = max(expiry, con.expiry)
	}
	return expiry
}

func earliestContributor(rec *serviceRecord) *source {
	var best *source
	for src := range rec.contributions {
		if best == nil || src.seq < best.seq {
			best = src
		}
	}
	return best
}
