// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package lookup

import (
	"errors"
)

// ErrTerminated is matched by every StateError.
var ErrTerminated = errors.New("cache terminated")

// A StateError is returned by every Cache method except Terminate once the
// cache has been terminated.
type StateError struct {
	Op string
}

func (e *StateError) Error() string {
	return "lookup: " + e.Op + ": cache terminated"
}

func (e *StateError) Is(target error) bool {
	return target == ErrTerminated
}

var errSubscriptionLost = errors.New("subscription lost")
