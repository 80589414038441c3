// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package lookup

import (
	"fmt"
	"runtime/debug"
)

type FilterResult int

const (
	// Accept passes the item on to the next filter.
	Accept FilterResult = iota
	// Reject drops the item until its registration changes.
	Reject
	// Retry asks for the item to be filtered again on the next report
	// concerning it.
	Retry
)

func (r FilterResult) String() string {
	switch r {
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	case Retry:
		return "retry"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// A Filter decides whether an item is visible. It may modify the item it
// is given, which is a private copy.
type Filter interface {
	Check(item *ServiceItem) FilterResult
}

type FilterFunc func(item *ServiceItem) FilterResult

func (f FilterFunc) Check(item *ServiceItem) FilterResult {
	return f(item)
}

// A Chain applies each filter in order and stops at the first one that
// does not accept.
type Chain []Filter

func (c Chain) Check(item *ServiceItem) FilterResult {
	for _, f := range c {
		if f == nil {
			continue
		}
		if res := f.Check(item); res != Accept {
			return res
		}
	}
	return Accept
}

// safeCheck runs the filter, treating a panic as a reject.
func safeCheck(f Filter, item *ServiceItem) (res FilterResult) {
	if f == nil {
		return Accept
	}
	defer func() {
		if r := recover(); r != nil {
			l.Warnf("Filter panic on service %s: %v\n%s", item.ID, r, debug.Stack())
			res = Reject
		}
	}()
	return f.Check(item)
}
