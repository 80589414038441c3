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
	"time"

	"github.com/syncthing/lookup/lib/protocol"
)

type LookupConfiguration struct {
	// Types are the service type patterns watched by the driver.
	Types []string `json:"types"`
	// DiscardWaitS is how long a discarded service stays discarded before
	// it is made visible again, if still registered. Zero means forever.
	DiscardWaitS int `json:"discardWaitS" default:"600"`
	MaxMatches   int `json:"maxMatches" default:"0"`
}

func (c LookupConfiguration) DiscardWait() time.Duration {
	return time.Duration(c.DiscardWaitS) * time.Second
}

func (c LookupConfiguration) Template() protocol.Template {
	return protocol.Template{Types: append([]string(nil), c.Types...)}
}

func (c LookupConfiguration) Validate() error {
	var errs []error
	if c.DiscardWaitS < 0 || c.MaxMatches < 0 {
		errs = append(errs, errors.New("lookup: negative values are not allowed"))
	}
	if _, err := c.Template().Compile(); err != nil {
		errs = append(errs, fmt.Errorf("lookup: %w", err))
	}
	return errors.Join(errs...)
}

// RegistrarConfiguration describes the registrar announced by the driver.
type RegistrarConfiguration struct {
	// ID is the registrar's service ID; generated when empty.
	ID               string   `json:"id"`
	Groups           []string `json:"groups"`
	HandshakeAddress string   `json:"handshakeAddress" default:":4160"`
	// AnnounceHost is the host put in announcements; the first non
	// loopback address of the machine when empty.
	AnnounceHost string `json:"announceHost"`
	CertFile     string `json:"certFile" default:"registrar-cert.pem"`
	KeyFile      string `json:"keyFile" default:"registrar-key.pem"`
	TLS          bool   `json:"tls" default:"false"`
}

func (c RegistrarConfiguration) Validate() error {
	var errs []error
	if c.ID != "" {
		if _, err := protocol.ServiceIDFromString(c.ID); err != nil {
			errs = append(errs, fmt.Errorf("registrar: %w", err))
		}
	}
	if err := validateGroups(c.Groups); err != nil {
		errs = append(errs, fmt.Errorf("registrar: %w", err))
	}
	if _, _, err := net.SplitHostPort(c.HandshakeAddress); err != nil {
		errs = append(errs, fmt.Errorf("registrar: handshake address %q: %w", c.HandshakeAddress, err))
	}
	return errors.Join(errs...)
}

type StatusConfiguration struct {
	Enabled       bool   `json:"enabled" default:"true"`
	ListenAddress string `json:"listenAddress" default:"127.0.0.1:8385"`
}
