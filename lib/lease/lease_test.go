// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package lease

import (
	"math"
	"testing"
)

func TestToAbsolute(t *testing.T) {
	cases := []struct {
		dur, now, abs int64
	}{
		{0, 0, 0},
		{1000, 5000, 6000},
		{-1000, 5000, 4000},
		{math.MaxInt64, 1, math.MaxInt64},
		{math.MaxInt64, 0, math.MaxInt64},
		{1, math.MaxInt64, math.MaxInt64},
		{math.MinInt64, -1, math.MinInt64},
		{-1, math.MinInt64, math.MinInt64},
		{math.MaxInt64, math.MinInt64, -1},
	}

	for _, tc := range cases {
		if got := ToAbsolute(tc.dur, tc.now); got != tc.abs {
			t.Errorf("ToAbsolute(%d, %d) = %d, expected %d", tc.dur, tc.now, got, tc.abs)
		}
	}
}

func TestToDuration(t *testing.T) {
	cases := []struct {
		abs, now, dur int64
	}{
		{6000, 5000, 1000},
		{4000, 5000, -1000},
		{math.MaxInt64, -1, math.MaxInt64},
		{math.MinInt64, 1, math.MinInt64},
		{0, math.MinInt64, math.MaxInt64},
		{-1, math.MinInt64, math.MaxInt64},
		{math.MinInt64, math.MinInt64, 0},
	}

	for _, tc := range cases {
		if got := ToDuration(tc.abs, tc.now); got != tc.dur {
			t.Errorf("ToDuration(%d, %d) = %d, expected %d", tc.abs, tc.now, got, tc.dur)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	nows := []int64{0, 1, -1, 1 << 40, -(1 << 40), math.MaxInt64 / 2}
	durs := []int64{0, 1, 1000, 1 << 30, math.MaxInt64 / 4}

	for _, now := range nows {
		for _, d := range durs {
			abs := ToAbsolute(d, now)
			if abs < now {
				t.Errorf("ToAbsolute(%d, %d) = %d < now", d, now, abs)
			}
			if abs == math.MaxInt64 {
				continue
			}
			if got := ToDuration(abs, now); got != d {
				t.Errorf("ToDuration(ToAbsolute(%d, %d)) = %d", d, now, got)
			}
		}
	}
}

func TestStateAt(t *testing.T) {
	if s := StateAt(100, 99); s != Fresh {
		t.Error("expected fresh, got", s)
	}
	if s := StateAt(100, 100); s != Expired {
		t.Error("expected expired at the expiry instant, got", s)
	}
	if s := StateAt(Forever, math.MaxInt64-1); s != Fresh {
		t.Error("expected fresh, got", s)
	}
}
