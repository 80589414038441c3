// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package unicast

import (
	"errors"
	"fmt"
)

// An UnsupportedConstraintError means no format both sides support can
// satisfy the required constraints. Retrying with the same constraints
// will not help.
type UnsupportedConstraintError struct {
	Required Constraint
	Offered  []Format
	// Err is set when the format was selected but the peer could not be
	// verified in it.
	Err error
}

func (e *UnsupportedConstraintError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("constraints %v not satisfied by %v: %v", e.Required, e.Offered, e.Err)
	}
	return fmt.Sprintf("no format satisfies constraints %v (offered %v)", e.Required, e.Offered)
}

func (e *UnsupportedConstraintError) Unwrap() error {
	return e.Err
}

// A TransportError is an I/O failure or timeout during the handshake. The
// caller may retry.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("handshake %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return true
}

func IsUnsupportedConstraint(err error) bool {
	var uce *UnsupportedConstraintError
	return errors.As(err, &uce)
}

func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
