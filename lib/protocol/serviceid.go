// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// ServiceIDLength is the wire size of a ServiceID.
const ServiceIDLength = 16

// A ServiceID identifies one service registration, independently of the
// registrar that reports it. It is assigned once at first registration and
// never reused.
type ServiceID [ServiceIDLength]byte

var EmptyServiceID ServiceID

// NewServiceID returns a new random service ID.
func NewServiceID() ServiceID {
	return ServiceID(uuid.New())
}

func ServiceIDFromString(s string) (ServiceID, error) {
	var n ServiceID
	err := n.UnmarshalText([]byte(s))
	return n, err
}

// ServiceIDFromBytes returns the service ID held in bs, which must be
// exactly ServiceIDLength bytes long.
func ServiceIDFromBytes(bs []byte) (ServiceID, error) {
	var n ServiceID
	if len(bs) != len(n) {
		return n, fmt.Errorf("service ID invalid: incorrect length %d", len(bs))
	}
	copy(n[:], bs)
	return n, nil
}

// String returns the canonical string representation of the service ID
func (n ServiceID) String() string {
	return uuid.UUID(n).String()
}

func (n ServiceID) GoString() string {
	return n.String()
}

func (n ServiceID) Compare(other ServiceID) int {
	return bytes.Compare(n[:], other[:])
}

func (n ServiceID) Equals(other ServiceID) bool {
	return n == other
}

func (n ServiceID) IsEmpty() bool {
	return n == EmptyServiceID
}

// Short returns an integer representing bits 0-63 of the service ID.
func (n ServiceID) Short() uint64 {
	return binary.BigEndian.Uint64(n[:])
}

func (n ServiceID) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

func (n *ServiceID) UnmarshalText(bs []byte) error {
	u, err := uuid.ParseBytes(bs)
	if err != nil {
		return fmt.Errorf("service ID invalid: %w", err)
	}
	*n = ServiceID(u)
	return nil
}
