// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package discover

import (
	"github.com/syncthing/lookup/lib/beacon"
)

const (
	DefaultRequestAddress      = "224.0.1.85:4160"
	DefaultAnnouncementAddress = "224.0.1.84:4160"
	DefaultBroadcastPort       = 4160
)

// Beacons is the pair of datagram transports discovery runs over.
// Requests and announcements never share a transport, as the datagrams
// carry no type marker.
type Beacons struct {
	Requests      beacon.Interface
	Announcements beacon.Interface
}

func MulticastBeacons(requestAddr, announcementAddr string) Beacons {
	return Beacons{
		Requests:      beacon.NewMulticast(requestAddr),
		Announcements: beacon.NewMulticast(announcementAddr),
	}
}

// BroadcastBeacons sends requests to port and announcements to port+1.
func BroadcastBeacons(port int) Beacons {
	return Beacons{
		Requests:      beacon.NewBroadcast(port),
		Announcements: beacon.NewBroadcast(port + 1),
	}
}
