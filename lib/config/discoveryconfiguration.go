// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/syncthing/lookup/lib/discover"
	"github.com/syncthing/lookup/lib/unicast"
)

type DiscoveryConfiguration struct {
	// Groups of interest; empty means any group.
	Groups   []string `json:"groups"`
	Locators []string `json:"locators"`

	MulticastEnabled              bool   `json:"multicastEnabled" default:"true"`
	RequestAddress                string `json:"requestAddress" default:"224.0.1.85:4160"`
	AnnouncementAddress           string `json:"announcementAddress" default:"224.0.1.84:4160"`
	BroadcastEnabled              bool   `json:"broadcastEnabled" default:"false"`
	BroadcastPort                 int    `json:"broadcastPort" default:"4160"`
	RequestIntervalS              int    `json:"requestIntervalS" default:"5"`
	RequestCount                  int    `json:"requestCount" default:"7"`
	AnnouncementIntervalS         int    `json:"announcementIntervalS" default:"120"`
	AnnouncementTimeoutMultiplier int    `json:"announcementTimeoutMultiplier" default:"3"`
	HandshakeTimeoutS             int    `json:"handshakeTimeoutS" default:"10"`
	LocatorRetryMaxS              int    `json:"locatorRetryMaxS" default:"300"`
	ReassemblyWindowMS            int    `json:"reassemblyWindowMS" default:"2000"`

	Require []string `json:"require"`
	Prefer  []string `json:"prefer" default:"integrity,confidentiality,server-authentication"`
}

func (c DiscoveryConfiguration) Copy() DiscoveryConfiguration {
	n := c
	n.Groups = append([]string(nil), c.Groups...)
	n.Locators = append([]string(nil), c.Locators...)
	n.Require = append([]string(nil), c.Require...)
	n.Prefer = append([]string(nil), c.Prefer...)
	return n
}

func (c DiscoveryConfiguration) RequestInterval() time.Duration {
	return time.Duration(c.RequestIntervalS) * time.Second
}

func (c DiscoveryConfiguration) AnnouncementInterval() time.Duration {
	return time.Duration(c.AnnouncementIntervalS) * time.Second
}

// AnnouncementTimeout is how long a registrar discovered by multicast is
// kept without hearing a new announcement from it.
func (c DiscoveryConfiguration) AnnouncementTimeout() time.Duration {
	return time.Duration(c.AnnouncementTimeoutMultiplier) * c.AnnouncementInterval()
}

func (c DiscoveryConfiguration) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutS) * time.Second
}

func (c DiscoveryConfiguration) LocatorRetryMax() time.Duration {
	return time.Duration(c.LocatorRetryMaxS) * time.Second
}

func (c DiscoveryConfiguration) ReassemblyWindow() time.Duration {
	return time.Duration(c.ReassemblyWindowMS) * time.Millisecond
}

// Constraints returns the parsed handshake constraints.
func (c DiscoveryConfiguration) Constraints() (unicast.Constraints, error) {
	req, err := unicast.ParseConstraint(strings.Join(c.Require, ","))
	if err != nil {
		return unicast.Constraints{}, err
	}
	pref, err := unicast.ParseConstraint(strings.Join(c.Prefer, ","))
	if err != nil {
		return unicast.Constraints{}, err
	}
	return unicast.Constraints{Require: req, Prefer: pref}, nil
}

func (c DiscoveryConfiguration) Validate() error {
	var errs []error
	if err := validateGroups(c.Groups); err != nil {
		errs = append(errs, fmt.Errorf("discovery: %w", err))
	}
	if _, err := c.Constraints(); err != nil {
		errs = append(errs, fmt.Errorf("discovery: %w", err))
	}
	for _, loc := range c.Locators {
		if _, _, err := net.SplitHostPort(loc); err != nil {
			errs = append(errs, fmt.Errorf("discovery: locator %q: %w", loc, err))
		}
	}
	if c.MulticastEnabled {
		for _, addr := range []string{c.RequestAddress, c.AnnouncementAddress} {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				errs = append(errs, fmt.Errorf("discovery: multicast address %q: %w", addr, err))
			}
		}
	}
	if c.RequestIntervalS <= 0 || c.AnnouncementIntervalS <= 0 || c.AnnouncementTimeoutMultiplier <= 0 || c.HandshakeTimeoutS <= 0 {
		errs = append(errs, errors.New("discovery: intervals and timeouts must be positive"))
	}
	return errors.Join(errs...)
}

func validateGroups(groups []string) error {
	for _, g := range groups {
		if len(g) > discover.MaxGroupLength {
			return fmt.Errorf("group %q: %w", g, discover.ErrGroupTooLong)
		}
	}
	return nil
}
