// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package lookup

import (
	"errors"
	"slices"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/syncthing/lookup/lib/marshal"
	"github.com/syncthing/lookup/lib/protocol"
	"github.com/syncthing/lookup/lib/registrar"
)

const eventTimeout = 5 * time.Second

type fakeSource struct {
	mut       stdsync.Mutex
	listeners []registrar.Listener
	regs      []registrar.Ref
	discarded []registrar.Ref
}

func (s *fakeSource) AddRegistrarListener(lst registrar.Listener) {
	s.mut.Lock()
	s.listeners = append(s.listeners, lst)
	regs := slices.Clone(s.regs)
	s.mut.Unlock()
	for _, r := range regs {
		lst.Discovered(r, nil)
	}
}

func (s *fakeSource) RemoveRegistrarListener(lst registrar.Listener) {
	s.mut.Lock()
	defer s.mut.Unlock()
	for i, cur := range s.listeners {
		if cur == lst {
			s.listeners = slices.Delete(s.listeners, i, i+1)
			return
		}
	}
}

func (s *fakeSource) Discard(ref registrar.Ref) {
	s.mut.Lock()
	idx := slices.IndexFunc(s.regs, ref.Equals)
	if idx < 0 {
		s.mut.Unlock()
		return
	}
	s.regs = slices.Delete(s.regs, idx, idx+1)
	s.discarded = append(s.discarded, ref)
	lsts := slices.Clone(s.listeners)
	s.mut.Unlock()
	for _, lst := range lsts {
		lst.Discarded(ref, nil)
	}
}

func (s *fakeSource) add(h registrar.Handle) registrar.Ref {
	ref := registrar.Wrap(h)
	s.mut.Lock()
	s.regs = append(s.regs, ref)
	lsts := slices.Clone(s.listeners)
	s.mut.Unlock()
	for _, lst := range lsts {
		lst.Discovered(ref, nil)
	}
	return ref
}

func (s *fakeSource) numListeners() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return len(s.listeners)
}

func (s *fakeSource) numDiscarded() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return len(s.discarded)
}

type recorder struct {
	ch chan Event
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan Event, 256)}
}

func (r *recorder) ServiceAdded(ev Event)   { r.ch <- ev }
func (r *recorder) ServiceRemoved(ev Event) { r.ch <- ev }
func (r *recorder) ServiceChanged(ev Event) { r.ch <- ev }

func (r *recorder) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(eventTimeout):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func (r *recorder) expect(t *testing.T, typ EventType, id protocol.ServiceID) Event {
	t.Helper()
	ev := r.next(t)
	if ev.Type != typ || ev.ID != id {
		t.Fatalf("got %v, expected %v %s", ev, typ, id)
	}
	return ev
}

func (r *recorder) none(t *testing.T) {
	t.Helper()
	select {
	case ev := <-r.ch:
		t.Fatalf("unexpected event %v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func newLocal(clk clock.Clock) *registrar.Local {
	return registrar.NewLocal(protocol.NewServiceID(), []string{"public"}, clk)
}

func printer(id protocol.ServiceID, name string) protocol.Item {
	return protocol.Item{
		ID:         id,
		Types:      []string{"net.printer"},
		Attributes: []protocol.Entry{{Key: "name", Value: name}},
		Service:    []byte(name),
	}
}

var printers = protocol.Template{Types: []string{"net.printer"}}

func setup(t *testing.T, opts Options, filter Filter) (*fakeSource, *Cache, *recorder) {
	t.Helper()
	src := new(fakeSource)
	m := NewManager(src, opts)
	rec := newRecorder()
	c, err := m.CreateCache(printers, filter, rec)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Terminate)
	return src, c, rec
}

func mustRegister(t *testing.T, r *registrar.Local, item protocol.Item) {
	t.Helper()
	if _, err := r.Register(item); err != nil {
		t.Fatal(err)
	}
}

func TestAddChangeRemove(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	src, _, rec := setup(t, Options{Clock: clk}, nil)
	reg := newLocal(clk)
	follow(t, src, reg)

	id := protocol.NewServiceID()
	mustRegister(t, reg, printer(id, "lobby"))
	ev := rec.expect(t, ServiceAdded, id)
	if ev.Pre != nil || string(ev.Post.Service.([]byte)) != "lobby" {
		t.Errorf("bad added event %+v", ev)
	}

	mustRegister(t, reg, printer(id, "lab"))
	ev = rec.expect(t, ServiceChanged, id)
	if string(ev.Pre.Service.([]byte)) != "lobby" || string(ev.Post.Service.([]byte)) != "lab" {
		t.Errorf("bad changed event %+v", ev)
	}

	reg.Cancel(id)
	ev = rec.expect(t, ServiceRemoved, id)
	if ev.Post != nil || string(ev.Pre.Service.([]byte)) != "lab" {
		t.Errorf("bad removed event %+v", ev)
	}
	rec.none(t)
}

func TestSnapshotOnDiscovery(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	reg := newLocal(clk)
	a, b := protocol.NewServiceID(), protocol.NewServiceID()
	mustRegister(t, reg, printer(a, "a"))
	mustRegister(t, reg, printer(b, "b"))
	mustRegister(t, reg, protocol.Item{Types: []string{"net.scanner"}})

	src, c, rec := setup(t, Options{Clock: clk}, nil)
	src.add(reg)

	got := []protocol.ServiceID{rec.next(t).ID, rec.next(t).ID}
	slices.SortFunc(got, protocol.ServiceID.Compare)
	exp := []protocol.ServiceID{a, b}
	slices.SortFunc(exp, protocol.ServiceID.Compare)
	if !slices.Equal(got, exp) {
		t.Errorf("got %v, expected %v", got, exp)
	}
	rec.none(t)

	items, err := c.Lookup(nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || items[0].ID != exp[0] || items[1].ID != exp[1] {
		t.Errorf("lookup returned %v", items)
	}
}

func TestMergeAcrossRegistrars(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	src, c, rec := setup(t, Options{Clock: clk}, nil)
	r1, r2 := newLocal(clk), newLocal(clk)
	follow(t, src, r1)
	follow(t, src, r2)

	id := protocol.NewServiceID()
	mustRegister(t, r1, printer(id, "lobby"))
	rec.expect(t, ServiceAdded, id)

	// The same registration at a second registrar is not news.
	mustRegister(t, r2, printer(id, "lobby"))
	waitFor(t, func() bool { return contributors(c, id) == 2 })
	rec.none(t)

	// Losing one of two contributors is not news either.
	r1.Cancel(id)
	rec.none(t)
	if items, _ := c.Lookup(nil, 0); len(items) != 1 {
		t.Errorf("expected the service to survive, got %v", items)
	}

	r2.Cancel(id)
	rec.expect(t, ServiceRemoved, id)
}

func TestChangeFromOtherRegistrarPromotes(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	src, _, rec := setup(t, Options{Clock: clk}, nil)
	r1, r2 := newLocal(clk), newLocal(clk)
	follow(t, src, r1)
	follow(t, src, r2)

	id := protocol.NewServiceID()
	mustRegister(t, r1, printer(id, "lobby"))
	rec.expect(t, ServiceAdded, id)
	mustRegister(t, r2, printer(id, "lobby"))

	// r2 reports a change; it becomes the tracking registrar.
	mustRegister(t, r2, printer(id, "lab"))
	ev := rec.expect(t, ServiceChanged, id)
	if string(ev.Post.Service.([]byte)) != "lab" {
		t.Errorf("expected the change to win, got %+v", ev.Post)
	}

	// r1's stale copy going away leaves the tracked item alone.
	r1.Cancel(id)
	rec.none(t)
}

func TestTrackingLossFallsBack(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	src, c, rec := setup(t, Options{Clock: clk}, nil)
	r1, r2 := newLocal(clk), newLocal(clk)
	ref1 := follow(t, src, r1)
	follow(t, src, r2)

	id := protocol.NewServiceID()
	mustRegister(t, r1, printer(id, "lobby"))
	rec.expect(t, ServiceAdded, id)
	// A second opinion from r2 does not take over tracking.
	mustRegister(t, r2, printer(id, "lab"))
	waitFor(t, func() bool { return contributors(c, id) == 2 })
	rec.none(t)

	// Once r1 is gone, r2's version is all there is.
	src.Discard(ref1)
	ev := rec.expect(t, ServiceChanged, id)
	if string(ev.Post.Service.([]byte)) != "lab" {
		t.Errorf("expected fallback to the remaining registrar, got %+v", ev.Post)
	}
}

func TestRegistrarFailureDiscards(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	src, c, rec := setup(t, Options{Clock: clk}, nil)
	reg := newLocal(clk)
	follow(t, src, reg)

	id := protocol.NewServiceID()
	mustRegister(t, reg, printer(id, "lobby"))
	rec.expect(t, ServiceAdded, id)

	reg.Fail()
	rec.expect(t, ServiceRemoved, id)
	waitFor(t, func() bool { return src.numDiscarded() == 1 })
	if refs := c.Registrars(); len(refs) != 0 {
		t.Errorf("expected no registrars, got %v", refs)
	}
}

func TestLeaseExpiry(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	src, c, rec := setup(t, Options{Clock: clk}, nil)
	r1, r2 := newLocal(clk), newLocal(clk)
	follow(t, src, r1)
	follow(t, src, r2)

	id := protocol.NewServiceID()
	item := printer(id, "lobby")
	item.Lease = 1000
	mustRegister(t, r1, item)
	ev := rec.expect(t, ServiceAdded, id)
	if ev.Post.Expiry != 1000 {
		t.Errorf("expected expiry at 1000ms, got %d", ev.Post.Expiry)
	}
	mustRegister(t, r2, item)
	waitFor(t, func() bool { return contributors(c, id) == 2 })

	clk.Add(2 * time.Second)
	if items, _ := c.Lookup(nil, 0); len(items) != 0 {
		t.Errorf("expected expired item to be excluded, got %v", items)
	}

	// The next pass over the record reports it gone.
	r2.Cancel(id)
	rec.expect(t, ServiceRemoved, id)
	rec.none(t)
}

func TestLeaseRenewedByOtherRegistrar(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	src, c, rec := setup(t, Options{Clock: clk}, nil)
	r1, r2 := newLocal(clk), newLocal(clk)
	follow(t, src, r1)
	follow(t, src, r2)

	id := protocol.NewServiceID()
	short := printer(id, "lobby")
	short.Lease = 1000
	long := printer(id, "lobby")
	long.Lease = 60000

	mustRegister(t, r1, short)
	rec.expect(t, ServiceAdded, id)
	mustRegister(t, r2, long)
	waitFor(t, func() bool { return contributors(c, id) == 2 })

	// r1's lease runs out but r2 still vouches for the service.
	clk.Add(2 * time.Second)
	items, err := c.Lookup(nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Expiry != 60000 {
		t.Fatalf("expected the service to stay visible until 60000ms, got %v", items)
	}

	// Renewal at r2 moves the expiry without telling anyone.
	mustRegister(t, r2, long)
	waitFor(t, func() bool {
		items, _ := c.Lookup(nil, 0)
		return len(items) == 1 && items[0].Expiry == 62000
	})
	rec.none(t)

	// The stale tracker going away is not news.
	r1.Cancel(id)
	waitFor(t, func() bool { return contributors(c, id) == 1 })
	rec.none(t)
	if items, _ := c.Lookup(nil, 0); len(items) != 1 {
		t.Errorf("expected the service to survive, got %v", items)
	}
}

func TestFilterRejectAndRetry(t *testing.T) {
	t.Parallel()

	var retries atomic.Int32
	filter := FilterFunc(func(item *ServiceItem) FilterResult {
		name, _ := protocolAttr(item, "name")
		switch name {
		case "private":
			return Reject
		case "flaky":
			if retries.Add(1) == 1 {
				return Retry
			}
		}
		return Accept
	})

	clk := clock.NewMock()
	src, c, rec := setup(t, Options{Clock: clk}, filter)
	r1, r2 := newLocal(clk), newLocal(clk)

	// Registered up front, so that each registrar reports each item
	// exactly once, in its snapshot.
	private := protocol.NewServiceID()
	mustRegister(t, r1, printer(private, "private"))
	flaky := protocol.NewServiceID()
	mustRegister(t, r1, printer(flaky, "flaky"))
	mustRegister(t, r2, printer(flaky, "flaky"))

	src.add(r1)
	waitFor(t, func() bool { return contributors(c, flaky) == 1 && contributors(c, private) == 1 })
	waitFor(t, func() bool { return retries.Load() == 1 })
	rec.none(t)

	// Another report about the same item runs the filter again.
	src.add(r2)
	rec.expect(t, ServiceAdded, flaky)

	items, err := c.Lookup(nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ID != flaky {
		t.Errorf("lookup returned %v", items)
	}
}

func TestFilterPanicRejects(t *testing.T) {
	t.Parallel()

	filter := FilterFunc(func(item *ServiceItem) FilterResult {
		panic("boom")
	})
	clk := clock.NewMock()
	src, c, rec := setup(t, Options{Clock: clk}, filter)
	reg := newLocal(clk)
	follow(t, src, reg)

	mustRegister(t, reg, printer(protocol.NewServiceID(), "lobby"))
	rec.none(t)
	if items, _ := c.Lookup(nil, 0); len(items) != 0 {
		t.Errorf("expected nothing, got %v", items)
	}
}

type printerProxy struct {
	Name string
}

func TestSerializerStage(t *testing.T) {
	t.Parallel()

	ser := marshal.NewRegistry()
	ser.Register("printer", printerProxy{})

	clk := clock.NewMock()
	src, _, rec := setup(t, Options{Clock: clk, Serializer: ser}, nil)
	reg := newLocal(clk)
	follow(t, src, reg)

	data, err := ser.Marshal(printerProxy{Name: "lobby"})
	if err != nil {
		t.Fatal(err)
	}
	good := protocol.NewServiceID()
	item := printer(good, "lobby")
	item.Service = data
	mustRegister(t, reg, item)

	ev := rec.expect(t, ServiceAdded, good)
	if p, ok := ev.Post.Service.(printerProxy); !ok || p.Name != "lobby" {
		t.Errorf("unexpected proxy %#v", ev.Post.Service)
	}

	// Garbage proxies are rejected.
	mustRegister(t, reg, printer(protocol.NewServiceID(), "garbage"))
	rec.none(t)
}

func TestLookupFilterAndMax(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	src, c, rec := setup(t, Options{Clock: clk}, nil)
	reg := newLocal(clk)
	follow(t, src, reg)

	for _, name := range []string{"a", "b", "c", "d"} {
		mustRegister(t, reg, printer(protocol.NewServiceID(), name))
		rec.next(t)
	}

	notB := FilterFunc(func(item *ServiceItem) FilterResult {
		if name, _ := protocolAttr(item, "name"); name == "b" {
			return Reject
		}
		return Accept
	})

	items, err := c.Lookup(notB, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 {
		t.Errorf("expected 3 items, got %v", items)
	}
	for _, it := range items {
		if name, _ := protocolAttr(it, "name"); name == "b" {
			t.Error("filtered item returned")
		}
	}

	items, _ = c.Lookup(nil, 2)
	if len(items) != 2 {
		t.Errorf("expected 2 items, got %v", items)
	}

	// Returned items are copies.
	items[0].Types[0] = "mangled"
	again, _ := c.Lookup(nil, 0)
	for _, it := range again {
		if it.Types[0] != "net.printer" {
			t.Error("lookup result shares state with the cache")
		}
	}
}

func TestDiscard(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	src, c, rec := setup(t, Options{Clock: clk, DiscardWait: time.Minute}, nil)
	reg := newLocal(clk)
	follow(t, src, reg)

	id := protocol.NewServiceID()
	mustRegister(t, reg, printer(id, "lobby"))
	rec.expect(t, ServiceAdded, id)

	if err := c.Discard(id); err != nil {
		t.Fatal(err)
	}
	rec.expect(t, ServiceRemoved, id)
	if err := c.Discard(id); err != nil {
		t.Fatal(err)
	}
	rec.none(t)
	if items, _ := c.Lookup(nil, 0); len(items) != 0 {
		t.Errorf("discarded item visible: %v", items)
	}

	if err := c.Undiscard(id); err != nil {
		t.Fatal(err)
	}
	rec.expect(t, ServiceAdded, id)

	if err := c.Discard(id); err != nil {
		t.Fatal(err)
	}
	rec.expect(t, ServiceRemoved, id)
	clk.Add(time.Minute)
	rec.expect(t, ServiceAdded, id)

	// Unknown IDs are ignored.
	if err := c.Discard(protocol.NewServiceID()); err != nil {
		t.Error(err)
	}
}

func TestListenerReplay(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	src, c, rec := setup(t, Options{Clock: clk}, nil)
	reg := newLocal(clk)
	follow(t, src, reg)

	var ids []protocol.ServiceID
	for _, name := range []string{"a", "b", "c"} {
		id := protocol.NewServiceID()
		ids = append(ids, id)
		mustRegister(t, reg, printer(id, name))
		rec.next(t)
	}
	slices.SortFunc(ids, protocol.ServiceID.Compare)

	late := newRecorder()
	if err := c.AddListener(late); err != nil {
		t.Fatal(err)
	}
	live := protocol.NewServiceID()
	mustRegister(t, reg, printer(live, "d"))

	for _, id := range ids {
		late.expect(t, ServiceAdded, id)
	}
	late.expect(t, ServiceAdded, live)
	rec.expect(t, ServiceAdded, live)

	if err := c.RemoveListener(late); err != nil {
		t.Fatal(err)
	}
	reg.Cancel(live)
	rec.expect(t, ServiceRemoved, live)
	late.none(t)
}

func TestListenerReplayDuringChurn(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	src, c, _ := setup(t, Options{Clock: clk}, nil)
	r1, r2 := newLocal(clk), newLocal(clk)
	follow(t, src, r1)
	follow(t, src, r2)

	const numStable, numChurn = 20, 30
	var stable []protocol.ServiceID
	for i := 0; i < numStable; i++ {
		id := protocol.NewServiceID()
		stable = append(stable, id)
		mustRegister(t, r1, printer(id, "stable"))
	}
	waitFor(t, func() bool {
		items, _ := c.Lookup(nil, 0)
		return len(items) == numStable
	})

	// r2 adds and removes services, and comes and goes as a second
	// contributor of the stable ones, while the listener is added.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < numChurn; i++ {
			id := protocol.NewServiceID()
			_, _ = r2.Register(printer(id, "churn"))
			if i%2 == 0 {
				r2.Cancel(id)
			}
			_, _ = r2.Register(printer(stable[i%numStable], "stable"))
			r2.Cancel(stable[i%numStable])
			time.Sleep(time.Millisecond)
		}
	}()

	late := newRecorder()
	if err := c.AddListener(late); err != nil {
		t.Fatal(err)
	}
	<-done

	const expected = numStable + numChurn/2
	waitFor(t, func() bool {
		items, _ := c.Lookup(nil, 0)
		return len(items) == expected
	})

	// The late listener sees a consistent history that ends in the
	// current set of services.
	visible := make(map[protocol.ServiceID]bool)
	for len(visible) != expected {
		ev := late.next(t)
		switch ev.Type {
		case ServiceAdded:
			if visible[ev.ID] {
				t.Fatalf("%s added twice", ev.ID)
			}
			visible[ev.ID] = true
		case ServiceRemoved:
			if !visible[ev.ID] {
				t.Fatalf("%s removed without being added", ev.ID)
			}
			delete(visible, ev.ID)
		case ServiceChanged:
			t.Fatalf("unexpected change %v", ev)
		}
	}
	late.none(t)

	items, _ := c.Lookup(nil, 0)
	for _, item := range items {
		if !visible[item.ID] {
			t.Errorf("%s is visible but the late listener never heard of it", item.ID)
		}
	}
}

type panicky struct{}

func (panicky) ServiceAdded(Event)   { panic("added") }
func (panicky) ServiceRemoved(Event) { panic("removed") }
func (panicky) ServiceChanged(Event) { panic("changed") }

func TestListenerPanicIsContained(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	src, c, rec := setup(t, Options{Clock: clk}, nil)
	if err := c.AddListener(panicky{}); err != nil {
		t.Fatal(err)
	}
	reg := newLocal(clk)
	follow(t, src, reg)

	id := protocol.NewServiceID()
	mustRegister(t, reg, printer(id, "lobby"))
	rec.expect(t, ServiceAdded, id)
	reg.Cancel(id)
	rec.expect(t, ServiceRemoved, id)
}

func TestMalformedReportsDropped(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	src, c, rec := setup(t, Options{Clock: clk}, nil)
	ev := registrar.Event{Kind: registrar.ItemMatched, ID: protocol.NewServiceID(), Item: printer(protocol.NewServiceID(), "x")}

	reg := newLocal(clk)
	ref := src.add(reg)
	waitFor(t, func() bool { return len(c.Registrars()) == 1 })
	s, _ := c.sources.Get(ref)

	// Mismatched ID.
	c.apply(s, ev)
	// Not matching the template.
	ev.Item = protocol.Item{ID: ev.ID, Types: []string{"net.scanner"}}
	c.apply(s, ev)
	rec.none(t)
}

func TestTerminate(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	src, c, rec := setup(t, Options{Clock: clk}, nil)
	reg := newLocal(clk)
	follow(t, src, reg)
	waitFor(t, func() bool { return reg.Subscribers() == 1 })

	c.Terminate()
	c.Terminate()

	mustRegister(t, reg, printer(protocol.NewServiceID(), "lobby"))
	rec.none(t)

	if _, err := c.Lookup(nil, 0); !errors.Is(err, ErrTerminated) {
		t.Errorf("expected ErrTerminated, got %v", err)
	}
	var serr *StateError
	if err := c.Discard(protocol.NewServiceID()); !errors.As(err, &serr) || serr.Op != "discard" {
		t.Errorf("expected a StateError, got %v", err)
	}
	if err := c.AddListener(newRecorder()); !errors.Is(err, ErrTerminated) {
		t.Errorf("expected ErrTerminated, got %v", err)
	}
	if n := src.numListeners(); n != 0 {
		t.Errorf("expected the cache to leave the source, %d listeners remain", n)
	}
	waitFor(t, func() bool { return reg.Subscribers() == 0 })
}

func TestNonQueryableRegistrarIgnored(t *testing.T) {
	t.Parallel()

	src, c, _ := setup(t, Options{Clock: clock.NewMock()}, nil)
	src.add(plainHandle{id: protocol.NewServiceID()})
	if refs := c.Registrars(); len(refs) != 0 {
		t.Errorf("expected the handle to be ignored, got %v", refs)
	}
}

type plainHandle struct {
	id protocol.ServiceID
}

func (h plainHandle) RegistrarID() protocol.ServiceID     { return h.id }
func (h plainHandle) Equal(other registrar.Handle) bool { return registrar.SameRegistrar(h, other) }
func (h plainHandle) Hash() uint64                      { return h.id.Short() }
func (h plainHandle) String() string                    { return "plain" }

func TestBadTemplate(t *testing.T) {
	t.Parallel()

	m := NewManager(new(fakeSource), Options{})
	if _, err := m.CreateCache(protocol.Template{Types: []string{"["}}, nil, nil); err == nil {
		t.Error("expected an error for a bad pattern")
	}
}

// follow adds a registrar and waits for the cache to subscribe to it.
func follow(t *testing.T, src *fakeSource, reg *registrar.Local) registrar.Ref {
	t.Helper()
	ref := src.add(reg)
	waitFor(t, func() bool { return reg.Subscribers() == 1 })
	return ref
}

func contributors(c *Cache, id protocol.ServiceID) int {
	c.mut.Lock()
	defer c.mut.Unlock()
	if rec := c.records[id]; rec != nil {
		return len(rec.contributions)
	}
	return 0
}

func protocolAttr(item *ServiceItem, key string) (string, bool) {
	for _, e := range item.Attributes {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

func waitFor(t *testing.T, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(eventTimeout)
	for !fn() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
