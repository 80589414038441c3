// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package lease converts between remaining lease durations and absolute
// expiry times. All values are milliseconds. Arithmetic saturates at the
// int64 limits instead of wrapping, so that an enormous duration reported
// by a registrar reads as "forever" and not as "already expired".
package lease

import (
	"math"
	"time"
)

const (
	Forever = math.MaxInt64
	Never   = math.MinInt64
)

type State int

const (
	Fresh State = iota
	Expired
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// ToAbsolute returns the absolute expiry of a lease with the given
// remaining duration at time now.
func ToAbsolute(duration, now int64) int64 {
	return add(now, duration)
}

// ToDuration returns the remaining duration at time now of a lease
// expiring at the given absolute time.
func ToDuration(absolute, now int64) int64 {
	if now == math.MinInt64 {
		// -now overflows; anything minus MinInt64 is at least zero
		if absolute >= 0 {
			return Forever
		}
		return absolute - now
	}
	return add(absolute, -now)
}

// StateAt returns the state of a lease expiring at the given absolute
// time, as seen at now.
func StateAt(absolute, now int64) State {
	if absolute <= now {
		return Expired
	}
	return Fresh
}

// Millis returns t as milliseconds since the epoch.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// Time returns the wall clock time of an absolute expiry, mapping the
// saturated limits to the zero time.
func Time(absolute int64) time.Time {
	if absolute == Forever || absolute == Never {
		return time.Time{}
	}
	return time.UnixMilli(absolute)
}

func add(a, b int64) int64 {
	s := a + b
	switch {
	case b > 0 && s < a:
		return Forever
	case b < 0 && s > a:
		return Never
	}
	return s
}
