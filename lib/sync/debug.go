// Copyright (C) 2015 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package sync

import (
	"os"
	"strconv"
	"time"

	"github.com/syncthing/lookup/lib/logger"
)

// Locks held longer than this are reported when the "sync" facility is
// being debugged. LKLOCKTHRESHOLD overrides it, in milliseconds.
var threshold = 100 * time.Millisecond

var (
	l = logger.DefaultLogger.NewFacility("sync", "Lock hold times")

	// Checked once at startup; the lock wrappers are on every hot path.
	debug = logger.DefaultLogger.ShouldDebug("sync")
)

func init() {
	if ms, err := strconv.Atoi(os.Getenv("LKLOCKTHRESHOLD")); err == nil && ms > 0 {
		threshold = time.Duration(ms) * time.Millisecond
	}
	if debug {
		l.Debugf("Reporting locks held longer than %v", threshold)
	}
}
