// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/thejerf/suture/v4"

	"github.com/syncthing/lookup/lib/config"
	"github.com/syncthing/lookup/lib/discover"
	"github.com/syncthing/lookup/lib/registrar"
	"github.com/syncthing/lookup/lib/svcutil"
	"github.com/syncthing/lookup/lib/unicast"
)

type announceCmd struct {
	ID       string   `placeholder:"ID" help:"Registrar ID. Overrides the configuration; a new one is generated when neither is set."`
	Groups   []string `placeholder:"GROUP" help:"Groups the registrar is a member of. Overrides the configuration."`
	Listen   string   `placeholder:"ADDRESS" help:"Handshake listen address. Overrides the configuration."`
	Host     string   `placeholder:"HOST" help:"Host to announce. Receivers use the source address of the announcement when empty."`
	TLS      bool     `name:"tls" help:"Offer TLS handshakes."`
	Register []string `placeholder:"TYPE[:KEY=VALUE,...]" help:"Register a service with the registrar."`
}

func (c *announceCmd) apply(cfg *config.Configuration) error {
	if c.ID != "" {
		cfg.Registrar.ID = c.ID
	}
	if len(c.Groups) > 0 {
		cfg.Registrar.Groups = c.Groups
	}
	if c.Listen != "" {
		cfg.Registrar.HandshakeAddress = c.Listen
	}
	if c.Host != "" {
		cfg.Registrar.AnnounceHost = c.Host
	}
	if c.TLS {
		cfg.Registrar.TLS = true
	}
	return cfg.Validate()
}

func (c *announceCmd) Run(ctx context.Context, cfg config.Configuration) error {
	cfg = cfg.Copy()
	if err := c.apply(&cfg); err != nil {
		return err
	}

	local, err := newLocalRegistrar(cfg.Registrar)
	if err != nil {
		return err
	}
	l.Infoln("Registrar ID is", local.RegistrarID())

	ch, err := serverChannel(cfg.Registrar)
	if err != nil {
		return err
	}
	ser := newSerializer()

	// Bind first; the announced port is whatever we got.
	srv := unicast.NewServer(cfg.Registrar.HandshakeAddress, ch, ser, nil, local.Groups)
	addr, err := srv.Listen()
	if err != nil {
		return svcutil.AsFatalErr(fmt.Errorf("handshake listener: %w", err), svcutil.ExitNoListener)
	}
	port := addr.(*net.TCPAddr).Port
	ep := registrar.Endpoint{ID: local.RegistrarID(), Host: cfg.Registrar.AnnounceHost, Port: port}
	srv.SetProxy(ep)

	if err := registerServices(local, ser, c.Register, ep.Address()); err != nil {
		return err
	}

	main := suture.New("stlookup", svcutil.SpecWithInfoLogger(l))
	main.Add(srv)
	main.Add(svcutil.AsService(expireServices(local), fmt.Sprintf("expireServices(%v)", local)))

	for _, b := range beaconsFor(cfg.Discovery) {
		r, err := discover.NewResponder(discover.ResponderOptions{
			ID:       local.RegistrarID(),
			Host:     cfg.Registrar.AnnounceHost,
			Port:     port,
			Groups:   local.Groups,
			Beacons:  b,
			Window:   cfg.Discovery.ReassemblyWindow(),
			Interval: cfg.Discovery.AnnouncementInterval(),
		})
		if err != nil {
			return err
		}
		main.Add(r)
	}

	err = main.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
