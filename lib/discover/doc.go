// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

/*
Package discover implements registrar discovery: the local multicast request
and announcement protocols, and the Manager that keeps the set of known
registrars.

Requests
========

A client looking for registrars sends requests to the request group
(224.0.1.85:4160 by default). A request names the groups the client is
interested in and lists the registrars it already knows, so that they do not
answer again. All integers are big endian; strings are a 16 bit length
followed by that many bytes of UTF-8, at most 256 bytes.

	 0                   1                   2                   3
	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|         Group Count           |             Group             \
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+                               /
	\                  (Group Count string fields)                  \
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|        Exclude Count          |                               \
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+      Exclude (16 bytes each)  /
	\                                                               \
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+

A group count of zero asks for registrars in any group. A datagram never
exceeds 512 bytes: when the exclusion list does not fit, the request is split
over several datagrams that each carry the full group list. Receivers merge
the datagrams of one sender that arrive within the reassembly window.

A client sends seven requests, five seconds apart, and starts another round
when its groups of interest change.

Announcements
=============

Registrars announce themselves to the announcement group (224.0.1.84:4160 by
default), in reply to a request they are wanted by and not excluded from, and
every two minutes on their own.

	 0                   1                   2                   3
	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	/                                                               /
	\                   Registrar ID (16 bytes)                     \
	/                                                               /
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|          Host Length          |             Host              \
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|             Port              |          Group Count          |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	\                  (Group Count string fields)                  \
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+

An empty host means the address the announcement was sent from. The port
is that of the registrar's unicast handshake server, which the client
contacts to obtain the registrar handle.

With broadcast instead of multicast, requests go to the broadcast port and
announcements to the port after it.
*/
package discover
