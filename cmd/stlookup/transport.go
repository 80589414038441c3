// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"crypto/tls"
	"fmt"

	"github.com/syncthing/lookup/lib/config"
	"github.com/syncthing/lookup/lib/discover"
	"github.com/syncthing/lookup/lib/marshal"
	"github.com/syncthing/lookup/lib/registrar"
	"github.com/syncthing/lookup/lib/tlsutil"
	"github.com/syncthing/lookup/lib/unicast"
)

// A serviceProxy is what stlookup registrars hand out for their services.
type serviceProxy struct {
	Name    string `cbor:"1,keyasint" json:"name"`
	Address string `cbor:"2,keyasint,omitempty" json:"address,omitempty"`
}

func newSerializer() *marshal.Registry {
	r := marshal.NewRegistry()
	r.Register("endpoint", registrar.Endpoint{})
	r.Register("stlookup-service", serviceProxy{})
	return r
}

// clientChannel returns the channel handshakes are made over. TLS is used
// when the constraints ask for anything; the server certificate is only
// verified when server authentication is required.
func clientChannel(cfg config.RegistrarConfiguration, cs unicast.Constraints) (unicast.SecureChannel, error) {
	if cs.Require == 0 && cs.Prefer == 0 {
		return unicast.PlainChannel{}, nil
	}
	tc := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cs.Require&unicast.ServerAuthentication == 0,
	}
	if cs.Require&unicast.ClientAuthentication != 0 || cs.Prefer&unicast.ClientAuthentication != 0 {
		cert, err := tlsutil.LoadOrGenerate(cfg.CertFile, cfg.KeyFile, "stlookup")
		if err != nil {
			return nil, fmt.Errorf("client certificate: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	return &unicast.TLSChannel{Config: tc, AllowPlaintext: cs.Require == 0}, nil
}

// serverChannel returns the channel the handshake server answers on.
func serverChannel(cfg config.RegistrarConfiguration) (unicast.SecureChannel, error) {
	if !cfg.TLS {
		return unicast.PlainChannel{}, nil
	}
	cert, err := tlsutil.LoadOrGenerate(cfg.CertFile, cfg.KeyFile, "stlookup")
	if err != nil {
		return nil, fmt.Errorf("server certificate: %w", err)
	}
	tc := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	return &unicast.TLSChannel{Config: tc, Server: true, AllowPlaintext: true}, nil
}

func beaconsFor(cfg config.DiscoveryConfiguration) []discover.Beacons {
	var bs []discover.Beacons
	if cfg.MulticastEnabled {
		bs = append(bs, discover.MulticastBeacons(cfg.RequestAddress, cfg.AnnouncementAddress))
	}
	if cfg.BroadcastEnabled {
		bs = append(bs, discover.BroadcastBeacons(cfg.BroadcastPort))
	}
	return bs
}
