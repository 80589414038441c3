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
	"time"

	"github.com/benbjohnson/clock"
	"github.com/thejerf/suture/v4"
	"golang.org/x/time/rate"

	"github.com/syncthing/lookup/lib/protocol"
	"github.com/syncthing/lookup/lib/svcutil"
)

const (
	DefaultWindow    = 2 * time.Second
	maxResponseDelay = 250 * time.Millisecond
	responseRate     = 10 // per second
	responseBurst    = 10
)

type ResponderOptions struct {
	// ID identifies the registrar being announced.
	ID protocol.ServiceID
	// Host may be empty, in which case receivers use the address the
	// announcement came from.
	Host string
	Port int
	// Groups returns the registrar's current group membership.
	Groups  func() []string
	Beacons Beacons
	// Window is how long datagrams from one sender are assembled into
	// one request.
	Window time.Duration
	// Interval between unsolicited announcements; zero disables them.
	Interval time.Duration
	Clock    clock.Clock
}

// A Responder is the registrar side of local discovery. It answers
// requests that want one of the registrar's groups and do not exclude it,
// at most once per sender and window, and announces the registrar
// periodically.
type Responder struct {
	*suture.Supervisor
	opts      ResponderOptions
	assembler *Assembler
	limiter   *rate.Limiter
	delay     time.Duration
}

func NewResponder(opts ResponderOptions) (*Responder, error) {
	if opts.Port <= 0 || opts.Port > 65535 {
		return nil, fmt.Errorf("invalid announcement port %d", opts.Port)
	}
	if opts.ID.IsEmpty() {
		return nil, errors.New("responder needs a registrar ID")
	}
	if opts.Groups == nil {
		opts.Groups = func() []string { return nil }
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if _, err := EncodeAnnouncement(Announcement{ID: opts.ID, Host: opts.Host, Port: uint16(opts.Port), Groups: opts.Groups()}); err != nil {
		return nil, err
	}

	r := &Responder{
		Supervisor: suture.New("discover.responder", svcutil.SpecWithDebugLogger(l)),
		opts:       opts,
		assembler:  NewAssembler(opts.Window),
		limiter:    rate.NewLimiter(responseRate, responseBurst),
		delay:      min(opts.Window/2, maxResponseDelay),
	}
	r.Add(opts.Beacons.Requests)
	r.Add(opts.Beacons.Announcements)
	r.Add(svcutil.AsService(r.answerRequests, fmt.Sprintf("%s/answerRequests", r)))
	if opts.Interval > 0 {
		r.Add(svcutil.AsService(r.announcePeriodically, fmt.Sprintf("%s/announcePeriodically", r)))
	}
	return r, nil
}

func (r *Responder) String() string {
	return fmt.Sprintf("responder@%s", r.opts.ID.String()[:8])
}

func (r *Responder) answerRequests(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		buf, addr := r.opts.Beacons.Requests.Recv()
		if addr == nil {
			continue
		}
		metricDatagramsReceived.WithLabelValues(kindRequest).Inc()

		req, err := DecodeRequest(buf)
		if err != nil {
			l.Debugf("%s: request from %v: %v", r, addr, err)
			metricDatagramsDropped.WithLabelValues(reasonMalformed).Inc()
			continue
		}
		r.handleRequest(addr.String(), req)
	}
}

func (r *Responder) handleRequest(sender string, req Request) {
	full := r.assembler.Add(sender, req)
	if !r.wanted(full) {
		return
	}

	// Give the rest of a split request a chance to arrive; it may
	// exclude us.
	r.opts.Clock.AfterFunc(r.delay, func() {
		if cur, ok := r.assembler.Get(sender); ok {
			full = cur
		}
		if !r.wanted(full) || !r.assembler.MarkAnswered(sender) {
			return
		}
		if !r.limiter.Allow() {
			l.Debugf("%s: not answering %s, rate limited", r, sender)
			metricDatagramsDropped.WithLabelValues(reasonRateLimit).Inc()
			return
		}
		l.Debugf("%s: answering %s", r, sender)
		r.announce()
	})
}

func (r *Responder) wanted(req Request) bool {
	return !req.Excludes(r.opts.ID) && req.Wants(r.opts.Groups())
}

func (r *Responder) announcePeriodically(ctx context.Context) error {
	t := r.opts.Clock.Ticker(r.opts.Interval)
	defer t.Stop()
	for {
		r.announce()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Responder) announce() {
	pkt, err := EncodeAnnouncement(Announcement{
		ID:     r.opts.ID,
		Host:   r.opts.Host,
		Port:   uint16(r.opts.Port),
		Groups: r.opts.Groups(),
	})
	if err != nil {
		l.Warnln("Encoding announcement:", err)
		return
	}
	r.opts.Beacons.Announcements.Send(pkt)
	metricDatagramsSent.WithLabelValues(kindAnnouncement).Inc()
}
