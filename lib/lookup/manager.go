// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package lookup

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/syncthing/lookup/lib/events"
	"github.com/syncthing/lookup/lib/marshal"
	"github.com/syncthing/lookup/lib/protocol"
	"github.com/syncthing/lookup/lib/registrar"
	"github.com/syncthing/lookup/lib/sync"
)

// A RegistrarSource tells listeners which registrars are known. A newly
// added listener is told about every registrar already known.
type RegistrarSource interface {
	AddRegistrarListener(lst registrar.Listener)
	RemoveRegistrarListener(lst registrar.Listener)
	// Discard drops a registrar that could not be reached.
	Discard(reg registrar.Ref)
}

type Options struct {
	// Serializer unmarshals service proxies. Without one, ServiceItem
	// holds the raw proxy bytes.
	Serializer marshal.Serializer
	// Events receives Service* events; defaults to events.NoopLogger.
	Events events.Logger
	// Clock defaults to the wall clock.
	Clock clock.Clock
	// DiscardWait is how long a discarded service stays hidden. Zero
	// means until Undiscard.
	DiscardWait time.Duration
}

// A Manager creates caches that share one registrar source.
type Manager struct {
	source RegistrarSource
	opts   Options

	mut    sync.Mutex
	caches map[*Cache]struct{}
}

func NewManager(source RegistrarSource, opts Options) *Manager {
	if opts.Events == nil {
		opts.Events = events.NoopLogger
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Manager{
		source: source,
		opts:   opts,
		mut:    sync.NewMutex(),
		caches: make(map[*Cache]struct{}),
	}
}

// CreateCache returns a cache of the services matching tmpl and accepted
// by filter, with listener (if not nil) already registered.
func (m *Manager) CreateCache(tmpl protocol.Template, filter Filter, listener Listener) (*Cache, error) {
	matcher, err := tmpl.Compile()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		id:          uuid.NewString()[:8],
		tmpl:        tmpl,
		matcher:     matcher,
		filter:      filter,
		serializer:  m.opts.Serializer,
		clock:       m.opts.Clock,
		discardWait: m.opts.DiscardWait,
		evLogger:    m.opts.Events,
		source:      m.source,
		ctx:         ctx,
		cancel:      cancel,
		disp:        newDispatcher(),
		mut:         sync.NewMutex(),
		records:     make(map[protocol.ServiceID]*serviceRecord),
		sources:     registrar.NewSet[*source](),
	}
	c.onTerminate = m.forget

	if listener != nil {
		if err := c.AddListener(listener); err != nil {
			cancel()
			return nil, err
		}
	}

	go c.disp.Serve(ctx)

	m.mut.Lock()
	m.caches[c] = struct{}{}
	m.mut.Unlock()
	metricCaches.Inc()

	l.Debugf("%s: created for %v", c, tmpl)
	if m.source != nil {
		m.source.AddRegistrarListener(sourceListener{c})
	}
	return c, nil
}

// Caches returns the live caches.
func (m *Manager) Caches() []*Cache {
	m.mut.Lock()
	defer m.mut.Unlock()
	res := make([]*Cache, 0, len(m.caches))
	for c := range m.caches {
		res = append(res, c)
	}
	return res
}

// Terminate terminates every live cache.
func (m *Manager) Terminate() {
	for _, c := range m.Caches() {
		c.Terminate()
	}
}

func (m *Manager) forget(c *Cache) {
	m.mut.Lock()
	delete(m.caches, c)
	m.mut.Unlock()
	if m.source != nil {
		m.source.RemoveRegistrarListener(sourceListener{c})
	}
}
