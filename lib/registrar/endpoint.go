// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package registrar

import (
	"net"
	"strconv"

	"github.com/syncthing/lookup/lib/protocol"
)

// An Endpoint is the minimal registrar handle: an ID and the address of
// its handshake server. Two endpoints with the same ID are the same
// registrar even if they were seen at different addresses.
type Endpoint struct {
	ID   protocol.ServiceID `cbor:"1,keyasint" json:"id"`
	Host string             `cbor:"2,keyasint" json:"host"`
	Port int                `cbor:"3,keyasint" json:"port"`
}

func (e Endpoint) RegistrarID() protocol.ServiceID {
	return e.ID
}

func (e Endpoint) Equal(other Handle) bool {
	return SameRegistrar(e, other)
}

func (e Endpoint) Hash() uint64 {
	return e.ID.Short()
}

func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	return e.ID.String()[:8] + "@" + e.Address()
}
