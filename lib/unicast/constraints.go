// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package unicast

import (
	"fmt"
	"slices"
	"strings"
)

// A Constraint is a property the handshake channel must provide.
type Constraint uint32

const (
	Integrity Constraint = 1 << iota
	Confidentiality
	ServerAuthentication
	ClientAuthentication
)

var constraintNames = []struct {
	c    Constraint
	name string
}{
	{Integrity, "integrity"},
	{Confidentiality, "confidentiality"},
	{ServerAuthentication, "server-authentication"},
	{ClientAuthentication, "client-authentication"},
}

// ParseConstraint parses a comma separated list of constraint names.
func ParseConstraint(s string) (Constraint, error) {
	var c Constraint
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		found := false
		for _, cn := range constraintNames {
			if cn.name == f {
				c |= cn.c
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown constraint %q", f)
		}
	}
	return c, nil
}

func (c Constraint) String() string {
	if c == 0 {
		return "none"
	}
	var names []string
	for _, cn := range constraintNames {
		if c&cn.c != 0 {
			names = append(names, cn.name)
		}
	}
	return strings.Join(names, ",")
}

// Constraints are what a caller requires of, and prefers from, the
// handshake channel.
type Constraints struct {
	Require Constraint
	Prefer  Constraint
}

// A Format is one of the wire formats a handshake can continue in after
// negotiation.
type Format uint64

const (
	FormatPlaintext Format = 1
	FormatTLS       Format = 2
	FormatTLSMutual Format = 3
)

func (f Format) String() string {
	switch f {
	case FormatPlaintext:
		return "plaintext"
	case FormatTLS:
		return "tls"
	case FormatTLSMutual:
		return "tls-mutual"
	default:
		return fmt.Sprintf("format(%d)", uint64(f))
	}
}

// Provides returns the constraints a channel in this format satisfies.
func (f Format) Provides() Constraint {
	switch f {
	case FormatTLS:
		return Integrity | Confidentiality | ServerAuthentication
	case FormatTLSMutual:
		return Integrity | Confidentiality | ServerAuthentication | ClientAuthentication
	default:
		return 0
	}
}

// Satisfies returns true if the format provides every required constraint.
func (f Format) Satisfies(required Constraint) bool {
	return f.Provides()&required == required
}

// acceptable returns the formats satisfying the required constraints,
// ordered by how many of the preferred constraints they provide. Ties keep
// their original order.
func acceptable(formats []Format, cs Constraints) []Format {
	var res []Format
	for _, f := range formats {
		if f.Satisfies(cs.Require) {
			res = append(res, f)
		}
	}
	slices.SortStableFunc(res, func(a, b Format) int {
		return popcount(b.Provides()&cs.Prefer) - popcount(a.Provides()&cs.Prefer)
	})
	return res
}

func popcount(c Constraint) int {
	n := 0
	for ; c != 0; c &= c - 1 {
		n++
	}
	return n
}
