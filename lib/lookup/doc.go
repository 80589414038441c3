// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

/*
Package lookup keeps local caches of the services registered at a changing
set of registrars.

A cache subscribes to every registrar its source reports, takes a snapshot
of the matching items and then follows change events. Reports about the same
service ID from several registrars are merged into one record, which follows
one tracking registrar at a time. Items pass through the serializer and the
cache's filter before becoming visible, and listeners are told about every
change in visibility in the order it happened.
*/
package lookup
