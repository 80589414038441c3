// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"errors"
	"fmt"
)

// ErrMalformed is matched by every ProtocolError.
var ErrMalformed = errors.New("malformed data")

// A ProtocolError is returned when data received from the network does not
// follow the wire format. The datagram or connection that carried it should
// be dropped; no other state is affected.
type ProtocolError struct {
	Op  string
	Err error
}

func NewProtocolError(op string, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func (e *ProtocolError) Is(target error) bool {
	return target == ErrMalformed
}

// IsProtocolError returns true if err is, or wraps, a ProtocolError.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrMalformed)
}
