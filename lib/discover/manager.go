// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package discover

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/thejerf/suture/v4"
	"golang.org/x/time/rate"

	"github.com/syncthing/lookup/lib/events"
	"github.com/syncthing/lookup/lib/protocol"
	"github.com/syncthing/lookup/lib/registrar"
	"github.com/syncthing/lookup/lib/svcutil"
	"github.com/syncthing/lookup/lib/sync"
	"github.com/syncthing/lookup/lib/unicast"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultRequestInterval  = 5 * time.Second
	defaultRequestCount     = 7
	defaultLocatorRetryMax  = 5 * time.Minute

	announcementQueue = 64
	handshakeRate     = 10 // per second
	handshakeBurst    = 10
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotAdministrable = errors.New("registrar has no administrative interface")
	errNoClient         = errors.New("discovery needs a unicast client")
)

type Options struct {
	// Groups of interest; empty means all groups.
	Groups []string
	// Locators are host:port addresses of registrars to reach directly.
	Locators []string
	// Beacons to run local discovery over, one local client per pair.
	Beacons []Beacons
	// Client performs handshakes. Required unless there are neither
	// locators nor beacons.
	Client           *unicast.Client
	Constraints      unicast.Constraints
	HandshakeTimeout time.Duration
	RequestInterval  time.Duration
	RequestCount     int
	// AnnouncementTimeout discards registrars found through local
	// discovery that have not announced themselves for this long. Zero
	// disables the check.
	AnnouncementTimeout time.Duration
	LocatorRetryMax     time.Duration
	// Permissions guards Admin; without it Admin always fails.
	Permissions registrar.PermissionCheck
	Events      events.Logger
	Clock       clock.Clock
}

// A known registrar.
type known struct {
	ref    registrar.Ref
	groups []string
	// closed when the registrar is discarded
	gone chan struct{}
}

type announced struct {
	ann Announcement
	src net.Addr
}

// The Manager owns the set of registrars known to the process. It finds
// them through local discovery and unicast locators, tells registrar
// listeners about them and discards them when they leave the groups of
// interest, stop announcing themselves or are reported unreachable.
type Manager struct {
	*suture.Supervisor
	opts      Options
	limiter   *rate.Limiter
	announced chan announced
	locals    []*localClient

	// Last announcement time per registrar ID, and the IDs with a
	// handshake in flight.
	seen    *xsync.MapOf[protocol.ServiceID, time.Time]
	pending *xsync.MapOf[protocol.ServiceID, struct{}]

	// notifyMut serializes listener notifications, so that every
	// listener sees registrar events in the same order.
	notifyMut sync.Mutex

	mut       sync.Mutex
	groups    []string
	regs      *registrar.Set[*known]
	listeners []registrar.Listener
	locators  map[string]*locatorState
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Client == nil && (len(opts.Locators) > 0 || len(opts.Beacons) > 0) {
		return nil, errNoClient
	}
	if err := validateGroups(opts.Groups); err != nil {
		return nil, err
	}
	if opts.Events == nil {
		opts.Events = events.NoopLogger
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.RequestInterval <= 0 {
		opts.RequestInterval = defaultRequestInterval
	}
	if opts.RequestCount <= 0 {
		opts.RequestCount = defaultRequestCount
	}
	if opts.LocatorRetryMax <= 0 {
		opts.LocatorRetryMax = defaultLocatorRetryMax
	}

	m := &Manager{
		Supervisor: suture.New("discover.Manager", svcutil.SpecWithDebugLogger(l)),
		opts:       opts,
		limiter:    rate.NewLimiter(handshakeRate, handshakeBurst),
		announced:  make(chan announced, announcementQueue),
		seen:       xsync.NewMapOf[protocol.ServiceID, time.Time](),
		pending:    xsync.NewMapOf[protocol.ServiceID, struct{}](),
		notifyMut:  sync.NewMutex(),
		mut:        sync.NewMutex(),
		groups:     slices.Clone(opts.Groups),
		regs:       registrar.NewSet[*known](),
		locators:   make(map[string]*locatorState),
	}

	for _, b := range opts.Beacons {
		c := newLocalClient(b, opts.Clock, opts.RequestInterval, opts.RequestCount, m.Groups, m.knownIDs, m.enqueueAnnouncement)
		m.locals = append(m.locals, c)
		m.Add(c)
	}
	if len(opts.Beacons) > 0 {
		m.Add(svcutil.AsService(m.handleAnnouncements, fmt.Sprintf("%s/handleAnnouncements", m)))
	}
	if len(opts.Beacons) > 0 && opts.AnnouncementTimeout > 0 {
		m.Add(svcutil.AsService(m.expireSilent, fmt.Sprintf("%s/expireSilent", m)))
	}
	for _, addr := range opts.Locators {
		st := &locatorState{addr: addr}
		m.locators[addr] = st
		m.Add(svcutil.AsService(func(ctx context.Context) error {
			return m.locate(ctx, st)
		}, fmt.Sprintf("%s/locate(%s)", m, addr)))
	}

	return m, nil
}

func (m *Manager) String() string {
	return "discovery manager"
}

// Groups returns the groups of interest.
func (m *Manager) Groups() []string {
	m.mut.Lock()
	defer m.mut.Unlock()
	return slices.Clone(m.groups)
}

// SetGroups changes the groups of interest. Registrars no longer in any
// of them are discarded, and local discovery starts a new round of
// requests.
func (m *Manager) SetGroups(groups []string) error {
	if err := validateGroups(groups); err != nil {
		return err
	}

	m.mut.Lock()
	m.groups = slices.Clone(groups)
	var drop []registrar.Ref
	m.regs.Range(func(ref registrar.Ref, k *known) bool {
		if !intersects(groups, k.groups) {
			drop = append(drop, ref)
		}
		return true
	})
	m.mut.Unlock()

	for _, ref := range drop {
		m.discard(ref, "no longer in a group of interest")
	}
	for _, c := range m.locals {
		c.rediscover()
	}
	return nil
}

// KnownRegistrar is a known registrar and its groups.
type KnownRegistrar struct {
	Ref    registrar.Ref
	Groups []string
}

// Registrars returns the known registrars.
func (m *Manager) Registrars() []KnownRegistrar {
	m.mut.Lock()
	defer m.mut.Unlock()
	res := make([]KnownRegistrar, 0, m.regs.Len())
	m.regs.Range(func(ref registrar.Ref, k *known) bool {
		res = append(res, KnownRegistrar{Ref: ref, Groups: slices.Clone(k.groups)})
		return true
	})
	return res
}

// LocatorErrors returns the last error of each locator, nil for those
// that have found their registrar.
func (m *Manager) LocatorErrors() map[string]error {
	m.mut.Lock()
	defer m.mut.Unlock()
	res := make(map[string]error, len(m.locators))
	for addr, st := range m.locators {
		res[addr] = st.Error()
	}
	return res
}

// AddRegistrarListener registers a listener and tells it about every
// registrar already known. Listeners must not call back into the Manager
// from their callbacks.
func (m *Manager) AddRegistrarListener(lst registrar.Listener) {
	m.notifyMut.Lock()
	defer m.notifyMut.Unlock()

	m.mut.Lock()
	m.listeners = append(m.listeners, lst)
	var replay []*known
	m.regs.Range(func(_ registrar.Ref, k *known) bool {
		replay = append(replay, k)
		return true
	})
	m.mut.Unlock()

	for _, k := range replay {
		lst.Discovered(k.ref, slices.Clone(k.groups))
	}
}

func (m *Manager) RemoveRegistrarListener(lst registrar.Listener) {
	m.mut.Lock()
	defer m.mut.Unlock()
	for i, cur := range m.listeners {
		if cur == lst {
			m.listeners = slices.Delete(m.listeners, i, i+1)
			return
		}
	}
}

// Discard drops a registrar, typically because it could not be reached.
// It may be discovered again later.
func (m *Manager) Discard(ref registrar.Ref) {
	m.discard(ref, "discarded")
}

// AddRegistrar adds a registrar found by other means, such as one running
// in the same process. It is subject to the groups of interest.
func (m *Manager) AddRegistrar(h registrar.Handle, groups []string) {
	m.add(h, groups)
}

// Admin returns the administrative interface of a registrar, if the
// principal is allowed to administer it.
func (m *Manager) Admin(h registrar.Handle, principal string) (registrar.Admin, error) {
	if m.opts.Permissions == nil || !m.opts.Permissions.Allow("admin", principal) {
		return nil, ErrPermissionDenied
	}
	a, ok := h.(registrar.Administrable)
	if !ok {
		return nil, ErrNotAdministrable
	}
	return a.Admin(), nil
}

// add records a registrar, or updates the groups of a known one. It
// returns nil if the registrar is not in a group of interest, discarding
// it if it was known.
func (m *Manager) add(h registrar.Handle, groups []string) *known {
	ref := registrar.Wrap(h)
	groups = slices.Clone(groups)

	m.notifyMut.Lock()
	defer m.notifyMut.Unlock()

	m.mut.Lock()
	wanted := intersects(m.groups, groups)
	k, ok := m.regs.Get(ref)
	if !wanted {
		m.mut.Unlock()
		if ok {
			m.discardNotifying(ref, "no longer in a group of interest")
		} else {
			l.Debugf("%s: ignoring %v in %v", m, ref, groups)
		}
		return nil
	}

	if ok {
		changed := !slices.Equal(k.groups, groups)
		k.groups = groups
		lsts := slices.Clone(m.listeners)
		m.mut.Unlock()
		if changed {
			l.Debugf("%s: %v now in %v", m, k.ref, groups)
			m.opts.Events.Log(events.RegistrarChanged, events.RegistrarData{Registrar: k.ref.String(), Groups: groups})
			for _, lst := range lsts {
				lst.Changed(k.ref, slices.Clone(groups))
			}
		}
		return k
	}

	k = &known{ref: ref, groups: groups, gone: make(chan struct{})}
	m.regs.Put(ref, k)
	lsts := slices.Clone(m.listeners)
	m.mut.Unlock()

	l.Infof("Discovered registrar %v in %v", ref, groups)
	metricRegistrars.Inc()
	m.opts.Events.Log(events.RegistrarDiscovered, events.RegistrarData{Registrar: ref.String(), Groups: groups})
	for _, lst := range lsts {
		lst.Discovered(ref, slices.Clone(groups))
	}
	return k
}

func (m *Manager) discard(ref registrar.Ref, reason string) {
	m.notifyMut.Lock()
	defer m.notifyMut.Unlock()
	m.discardNotifying(ref, reason)
}

// discardNotifying is discard for callers already holding notifyMut.
func (m *Manager) discardNotifying(ref registrar.Ref, reason string) {
	m.mut.Lock()
	k, ok := m.regs.Delete(ref)
	lsts := slices.Clone(m.listeners)
	m.mut.Unlock()
	if !ok {
		return
	}

	close(k.gone)
	if id, ok := registrarID(k.ref); ok {
		m.seen.Delete(id)
	}
	l.Infof("Discarded registrar %v: %s", k.ref, reason)
	metricRegistrars.Dec()
	m.opts.Events.Log(events.RegistrarDiscarded, events.RegistrarData{Registrar: k.ref.String(), Groups: k.groups})
	for _, lst := range lsts {
		lst.Discarded(k.ref, slices.Clone(k.groups))
	}
}

// knownIDs returns the IDs of known registrars, which outgoing requests
// exclude.
func (m *Manager) knownIDs() []protocol.ServiceID {
	m.mut.Lock()
	defer m.mut.Unlock()
	var ids []protocol.ServiceID
	m.regs.Range(func(ref registrar.Ref, _ *known) bool {
		if id, ok := registrarID(ref); ok {
			ids = append(ids, id)
		}
		return true
	})
	return ids
}

func (m *Manager) enqueueAnnouncement(ann Announcement, src net.Addr) {
	select {
	case m.announced <- announced{ann: ann, src: src}:
	default:
		l.Debugf("%s: dropping announcement from %v, queue full", m, src)
		metricDatagramsDropped.WithLabelValues(reasonOverflow).Inc()
	}
}

func (m *Manager) handleAnnouncements(ctx context.Context) error {
	for {
		select {
		case a := <-m.announced:
			m.handleAnnouncement(ctx, a.ann, a.src)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleAnnouncement refreshes a known registrar, or hands a new one off
// to a handshake.
func (m *Manager) handleAnnouncement(ctx context.Context, ann Announcement, src net.Addr) {
	if _, ok := m.seen.Load(ann.ID); ok {
		m.seen.Store(ann.ID, m.opts.Clock.Now())
		m.refresh(ann)
		return
	}

	if !intersects(m.Groups(), ann.Groups) {
		l.Debugf("%s: ignoring registrar %s in %v", m, ann.ID, ann.Groups)
		return
	}
	if _, loaded := m.pending.LoadOrStore(ann.ID, struct{}{}); loaded {
		return
	}

	host := ann.Host
	if host == "" {
		host = sourceHost(src)
	}
	addr := net.JoinHostPort(host, strconv.Itoa(int(ann.Port)))

	go func() {
		defer m.pending.Delete(ann.ID)
		if err := m.limiter.Wait(ctx); err != nil {
			return
		}
		hctx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
		defer cancel()
		h, groups, err := m.opts.Client.Locate(hctx, addr, m.opts.Constraints)
		if err != nil {
			if unicast.IsUnsupportedConstraint(err) {
				l.Infof("Registrar %s at %s is not usable: %v", ann.ID, addr, err)
			} else {
				l.Debugf("%s: handshake with %s: %v", m, addr, err)
			}
			return
		}
		if id, ok := registrarIDOf(h); ok && id != ann.ID {
			l.Infof("Registrar at %s announced itself as %s but is %s", addr, ann.ID, id)
			return
		}
		if m.add(h, groups) != nil {
			m.seen.Store(ann.ID, m.opts.Clock.Now())
		}
	}()
}

// refresh applies the group membership carried by an announcement from a
// known registrar.
func (m *Manager) refresh(ann Announcement) {
	m.mut.Lock()
	var (
		match  registrar.Ref
		groups []string
	)
	m.regs.Range(func(ref registrar.Ref, k *known) bool {
		if id, ok := registrarID(ref); ok && id == ann.ID {
			match, groups = ref, slices.Clone(k.groups)
			return false
		}
		return true
	})
	m.mut.Unlock()

	if match.IsZero() || slices.Equal(groups, ann.Groups) {
		return
	}
	m.add(match.Handle(), ann.Groups)
}

// expireSilent discards registrars found through local discovery that
// have stopped announcing themselves.
func (m *Manager) expireSilent(ctx context.Context) error {
	t := m.opts.Clock.Ticker(m.opts.AnnouncementTimeout / 3)
	defer t.Stop()
	for {
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}

		cutoff := m.opts.Clock.Now().Add(-m.opts.AnnouncementTimeout)
		var silent []protocol.ServiceID
		m.seen.Range(func(id protocol.ServiceID, last time.Time) bool {
			if last.Before(cutoff) {
				silent = append(silent, id)
			}
			return true
		})
		for _, id := range silent {
			if ref, ok := m.refByID(id); ok {
				m.discard(ref, "announcements stopped")
			} else {
				m.seen.Delete(id)
			}
		}
	}
}

func (m *Manager) refByID(id protocol.ServiceID) (registrar.Ref, bool) {
	m.mut.Lock()
	defer m.mut.Unlock()
	var res registrar.Ref
	found := false
	m.regs.Range(func(ref registrar.Ref, _ *known) bool {
		if rid, ok := registrarID(ref); ok && rid == id {
			res, found = ref, true
			return false
		}
		return true
	})
	return res, found
}

func registrarID(ref registrar.Ref) (protocol.ServiceID, bool) {
	return registrarIDOf(ref.Handle())
}

func registrarIDOf(h registrar.Handle) (protocol.ServiceID, bool) {
	if id, ok := h.(registrar.Identified); ok {
		return id.RegistrarID(), true
	}
	return protocol.EmptyServiceID, false
}

// intersects returns true if any of have is wanted. Wanting nothing means
// wanting everything.
func intersects(want, have []string) bool {
	return Request{Groups: want}.Wants(have)
}

func sourceHost(addr net.Addr) string {
	if a, ok := addr.(*net.UDPAddr); ok {
		if a.Zone != "" {
			return a.IP.String() + "%" + a.Zone
		}
		return a.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
