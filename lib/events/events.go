// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package events provides event subscription and polling functionality.
package events

import (
	"errors"
	stdsync "sync"
	"time"

	"github.com/syncthing/lookup/lib/sync"
)

type EventType int

const (
	RegistrarDiscovered EventType = 1 << iota
	RegistrarChanged
	RegistrarDiscarded
	ServiceDiscovered
	ServiceChanged
	ServiceRemoved

	AllEvents = (1 << iota) - 1
)

var eventTypeNames = map[EventType]string{
	RegistrarDiscovered: "RegistrarDiscovered",
	RegistrarChanged:    "RegistrarChanged",
	RegistrarDiscarded:  "RegistrarDiscarded",
	ServiceDiscovered:   "ServiceDiscovered",
	ServiceChanged:      "ServiceChanged",
	ServiceRemoved:      "ServiceRemoved",
}

func (t EventType) String() string {
	if s, ok := eventTypeNames[t]; ok {
		return s
	}
	return "Unknown"
}

func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalEventType returns the event type for a name, or zero if the
// name is unknown.
func UnmarshalEventType(s string) EventType {
	for t, name := range eventTypeNames {
		if name == s {
			return t
		}
	}
	return 0
}

// RegistrarData is the payload of the Registrar* events.
type RegistrarData struct {
	Registrar string   `json:"registrar"`
	Groups    []string `json:"groups"`
}

// ServiceData is the payload of the Service* events.
type ServiceData struct {
	Cache string   `json:"cache"`
	ID    string   `json:"id"`
	Types []string `json:"types"`
}

const BufferSize = 64

type Logger interface {
	Log(t EventType, data interface{})
	Subscribe(mask EventType) *Subscription
	Unsubscribe(s *Subscription)
}

type eventLogger struct {
	subs                []*Subscription
	nextSubscriptionIDs []int
	nextGlobalID        int
	timeNow             func() time.Time
	mutex               sync.Mutex
}

type Event struct {
	// Per-subscription sequential event ID.
	SubscriptionID int `json:"id"`
	// Global ID of the event across all subscriptions
	GlobalID int         `json:"globalID"`
	Time     time.Time   `json:"time"`
	Type     EventType   `json:"type"`
	Data     interface{} `json:"data"`
}

type Subscription struct {
	mask   EventType
	events chan Event
}

var (
	ErrTimeout = errors.New("timeout")
	ErrClosed  = errors.New("closed")
)

func NewLogger() Logger {
	return &eventLogger{
		timeNow: time.Now,
		mutex:   sync.NewMutex(),
	}
}

func (l *eventLogger) Log(t EventType, data interface{}) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	dl.Debugln("log", l.nextGlobalID, t, data)
	l.nextGlobalID++

	e := Event{
		GlobalID: l.nextGlobalID,
		Time:     l.timeNow(),
		Type:     t,
		Data:     data,
	}

	for i, s := range l.subs {
		if s.mask&t != 0 {
			e.SubscriptionID = l.nextSubscriptionIDs[i]
			l.nextSubscriptionIDs[i]++

			select {
			case s.events <- e:
			default:
				// if s.events is not ready, drop the event
			}
		}
	}
}

func (l *eventLogger) Subscribe(mask EventType) *Subscription {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	dl.Debugln("subscribe", mask)

	s := &Subscription{
		mask:   mask,
		events: make(chan Event, BufferSize),
	}
	l.subs = append(l.subs, s)
	l.nextSubscriptionIDs = append(l.nextSubscriptionIDs, 1)
	return s
}

func (l *eventLogger) Unsubscribe(s *Subscription) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	dl.Debugln("unsubscribe")

	for i, ss := range l.subs {
		if s == ss {
			last := len(l.subs) - 1

			l.subs[i] = l.subs[last]
			l.subs[last] = nil
			l.subs = l.subs[:last]

			l.nextSubscriptionIDs[i] = l.nextSubscriptionIDs[last]
			l.nextSubscriptionIDs[last] = 0
			l.nextSubscriptionIDs = l.nextSubscriptionIDs[:last]

			close(s.events)
			return
		}
	}
}

// Poll returns an event from the subscription or an error if the poll times
// out of the event channel is closed. Poll should not be called concurrently
// from multiple goroutines for a single subscription.
func (s *Subscription) Poll(timeout time.Duration) (Event, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case e, ok := <-s.events:
		if !ok {
			return e, ErrClosed
		}
		return e, nil
	case <-timer.C:
		return Event{}, ErrTimeout
	}
}

func (s *Subscription) C() <-chan Event {
	return s.events
}

type noopLogger struct{}

// NoopLogger discards everything logged to it.
var NoopLogger Logger = noopLogger{}

func (noopLogger) Log(EventType, interface{}) {}

func (noopLogger) Subscribe(mask EventType) *Subscription {
	return &Subscription{mask: mask, events: make(chan Event)}
}

func (noopLogger) Unsubscribe(s *Subscription) {
	close(s.events)
}

type bufferedSubscription struct {
	sub  *Subscription
	buf  []Event
	next int
	cur  int // Current SubscriptionID
	mut  sync.Mutex
	cond *stdsync.Cond
}

// A BufferedSubscription keeps the most recent events of a subscription
// for clients that poll with the last ID they have seen.
type BufferedSubscription interface {
	Since(id int, into []Event, timeout time.Duration) []Event
}

func NewBufferedSubscription(s *Subscription, size int) BufferedSubscription {
	bs := &bufferedSubscription{
		sub: s,
		buf: make([]Event, size),
		mut: sync.NewMutex(),
	}
	bs.cond = stdsync.NewCond(bs.mut)
	go bs.pollingLoop()
	return bs
}

func (s *bufferedSubscription) pollingLoop() {
	for ev := range s.sub.C() {
		s.mut.Lock()
		s.buf[s.next] = ev
		s.next = (s.next + 1) % len(s.buf)
		s.cur = ev.SubscriptionID
		s.cond.Broadcast()
		s.mut.Unlock()
	}
	// Wake up waiters so they see the closed state.
	s.mut.Lock()
	s.sub = nil
	s.cond.Broadcast()
	s.mut.Unlock()
}

// Since returns the buffered events with an ID greater than id, waiting up
// to timeout for one to arrive.
func (s *bufferedSubscription) Since(id int, into []Event, timeout time.Duration) []Event {
	s.mut.Lock()
	defer s.mut.Unlock()

	if id >= s.cur && s.sub != nil {
		timedOut := false
		timer := time.AfterFunc(timeout, func() {
			s.mut.Lock()
			timedOut = true
			s.cond.Broadcast()
			s.mut.Unlock()
		})
		defer timer.Stop()
		for id >= s.cur && s.sub != nil && !timedOut {
			s.cond.Wait()
		}
	}

	for i := s.next; i < len(s.buf); i++ {
		if s.buf[i].SubscriptionID > id {
			into = append(into, s.buf[i])
		}
	}
	for i := 0; i < s.next; i++ {
		if s.buf[i].SubscriptionID > id {
			into = append(into, s.buf[i])
		}
	}

	return into
}
