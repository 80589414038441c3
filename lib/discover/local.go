// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package discover

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/thejerf/suture/v4"

	"github.com/syncthing/lookup/lib/protocol"
	"github.com/syncthing/lookup/lib/svcutil"
)

// A localClient finds registrars on the local network. It sends rounds of
// requests and hands every announcement it hears, solicited or not, to
// found.
type localClient struct {
	*suture.Supervisor
	beacons  Beacons
	clock    clock.Clock
	interval time.Duration
	count    int
	groups   func() []string
	exclude  func() []protocol.ServiceID
	found    func(Announcement, net.Addr)
	trigger  chan struct{}
}

func newLocalClient(b Beacons, clk clock.Clock, interval time.Duration, count int, groups func() []string, exclude func() []protocol.ServiceID, found func(Announcement, net.Addr)) *localClient {
	c := &localClient{
		Supervisor: suture.New("discover.localClient", svcutil.SpecWithDebugLogger(l)),
		beacons:    b,
		clock:      clk,
		interval:   interval,
		count:      max(count, 1),
		groups:     groups,
		exclude:    exclude,
		found:      found,
		trigger:    make(chan struct{}, 1),
	}
	c.Add(b.Requests)
	c.Add(b.Announcements)
	c.Add(svcutil.AsService(c.sendRequests, fmt.Sprintf("%s/sendRequests", c)))
	c.Add(svcutil.AsService(c.recvAnnouncements, fmt.Sprintf("%s/recvAnnouncements", c)))
	return c
}

func (c *localClient) String() string {
	return fmt.Sprintf("local discovery (%v)", c.beacons.Requests)
}

func (c *localClient) Error() error {
	if err := c.beacons.Requests.Error(); err != nil {
		return err
	}
	return c.beacons.Announcements.Error()
}

// rediscover schedules another round of requests after the current one.
func (c *localClient) rediscover() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

func (c *localClient) sendRequests(ctx context.Context) error {
	for {
		for i := 0; i < c.count; i++ {
			if i > 0 {
				t := c.clock.Timer(c.interval)
				select {
				case <-t.C:
				case <-ctx.Done():
					t.Stop()
					return ctx.Err()
				}
			}
			c.sendRequest()
		}

		select {
		case <-c.trigger:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *localClient) sendRequest() {
	pkts, err := EncodeRequest(c.groups(), c.exclude())
	if err != nil {
		// Groups are validated with the configuration; this is a bug.
		l.Warnln("Encoding discovery request:", err)
		return
	}
	for _, pkt := range pkts {
		c.beacons.Requests.Send(pkt)
		metricDatagramsSent.WithLabelValues(kindRequest).Inc()
	}
	l.Debugf("%s: sent request in %d datagram(s)", c, len(pkts))
}

func (c *localClient) recvAnnouncements(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		buf, addr := c.beacons.Announcements.Recv()
		if addr == nil {
			continue
		}
		metricDatagramsReceived.WithLabelValues(kindAnnouncement).Inc()

		ann, err := DecodeAnnouncement(buf)
		if err != nil {
			l.Debugf("%s: announcement from %v: %v", c, addr, err)
			metricDatagramsDropped.WithLabelValues(reasonMalformed).Inc()
			continue
		}
		l.Debugf("%s: registrar %s at %s:%d in %v (from %v)", c, ann.ID, ann.Host, ann.Port, ann.Groups, addr)
		c.found(ann, addr)
	}
}
