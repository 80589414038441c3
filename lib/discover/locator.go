// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package discover

import (
	"context"
	"errors"
	stdsync "sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"

	"github.com/syncthing/lookup/lib/svcutil"
	"github.com/syncthing/lookup/lib/unicast"
)

const locatorRetryMin = time.Second

var errNotWanted = errors.New("registrar is not in a group of interest")

type locatorState struct {
	addr string
	errorHolder
}

type errorHolder struct {
	err error
	mut stdsync.Mutex // zero value ready, so the holder can be embedded
}

func (e *errorHolder) setError(err error) {
	e.mut.Lock()
	e.err = err
	e.mut.Unlock()
}

func (e *errorHolder) Error() error {
	e.mut.Lock()
	err := e.err
	e.mut.Unlock()
	return err
}

// locate keeps the registrar at a locator address known. Transport
// errors are retried with exponential backoff; a registrar that cannot
// satisfy the constraints is given up on.
func (m *Manager) locate(ctx context.Context, st *locatorState) error {
	retry := newLocatorBackoff(m.opts.Clock, m.opts.LocatorRetryMax)
	for {
		hctx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
		h, groups, err := m.opts.Client.Locate(hctx, st.addr, m.opts.Constraints)
		cancel()

		var wait time.Duration
		switch {
		case err == nil:
			metricLocatorAttempts.WithLabelValues("success").Inc()
			k := m.add(h, groups)
			if k == nil {
				st.setError(errNotWanted)
				wait = m.opts.LocatorRetryMax
				break
			}
			st.setError(nil)
			select {
			case <-k.gone:
				l.Debugf("%s: registrar at %s was discarded, locating again", m, st.addr)
			case <-ctx.Done():
				return ctx.Err()
			}
			retry.Reset()
			wait = retry.NextBackOff()

		case unicast.IsUnsupportedConstraint(err):
			metricLocatorAttempts.WithLabelValues("unsupported").Inc()
			st.setError(err)
			l.Warnf("Giving up on registrar at %s: %v", st.addr, err)
			return svcutil.NoRestartErr(err)

		default:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			metricLocatorAttempts.WithLabelValues("error").Inc()
			st.setError(err)
			wait = retry.NextBackOff()
			l.Debugf("%s: locating %s: %v (retrying in %v)", m, st.addr, err, wait)
		}

		t := m.opts.Clock.Timer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

// newLocatorBackoff doubles from locatorRetryMin up to maxInterval, without
// jitter and without giving up.
func newLocatorBackoff(clk clock.Clock, maxInterval time.Duration) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval: min(locatorRetryMin, maxInterval),
		Multiplier:      2,
		MaxInterval:     maxInterval,
		Stop:            backoff.Stop,
		Clock:           clk,
	}
	b.Reset()
	return b
}
