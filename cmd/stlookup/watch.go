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

	"github.com/thejerf/suture/v4"

	"github.com/syncthing/lookup/lib/config"
	"github.com/syncthing/lookup/lib/discover"
	"github.com/syncthing/lookup/lib/events"
	"github.com/syncthing/lookup/lib/lookup"
	"github.com/syncthing/lookup/lib/protocol"
	"github.com/syncthing/lookup/lib/registrar"
	"github.com/syncthing/lookup/lib/svcutil"
	"github.com/syncthing/lookup/lib/unicast"
)

type watchCmd struct {
	Groups   []string `placeholder:"GROUP" help:"Groups of interest. Overrides the configuration."`
	Locators []string `placeholder:"HOST:PORT" help:"Registrars to reach directly, in addition to the configured ones."`
	Types    []string `placeholder:"PATTERN" help:"Service type patterns to watch. Overrides the configuration."`
	Register []string `placeholder:"TYPE[:KEY=VALUE,...]" help:"Register a service with a registrar in this process."`
	Status   string   `placeholder:"ADDRESS" help:"Status listen address. Overrides the configuration."`
}

func (c *watchCmd) apply(cfg *config.Configuration) error {
	if len(c.Groups) > 0 {
		cfg.Discovery.Groups = c.Groups
	}
	cfg.Discovery.Locators = append(cfg.Discovery.Locators, c.Locators...)
	if len(c.Types) > 0 {
		cfg.Lookup.Types = c.Types
	}
	if c.Status != "" {
		cfg.Status.Enabled = true
		cfg.Status.ListenAddress = c.Status
	}
	return cfg.Validate()
}

func (c *watchCmd) Run(ctx context.Context, cfg config.Configuration) error {
	cfg = cfg.Copy()
	if err := c.apply(&cfg); err != nil {
		return err
	}

	cs, err := cfg.Discovery.Constraints()
	if err != nil {
		return err
	}
	ch, err := clientChannel(cfg.Registrar, cs)
	if err != nil {
		return err
	}
	ser := newSerializer()
	evLogger := events.NewLogger()

	disco, err := discover.NewManager(discover.Options{
		Groups:              cfg.Discovery.Groups,
		Locators:            cfg.Discovery.Locators,
		Beacons:             beaconsFor(cfg.Discovery),
		Client:              unicast.NewClient(ch, ser),
		Constraints:         cs,
		HandshakeTimeout:    cfg.Discovery.HandshakeTimeout(),
		RequestInterval:     cfg.Discovery.RequestInterval(),
		RequestCount:        cfg.Discovery.RequestCount,
		AnnouncementTimeout: cfg.Discovery.AnnouncementTimeout(),
		LocatorRetryMax:     cfg.Discovery.LocatorRetryMax(),
		Events:              evLogger,
	})
	if err != nil {
		return err
	}
	disco.AddRegistrarListener(registrarPrinter{})

	lookups := lookup.NewManager(disco, lookup.Options{
		Serializer:  ser,
		Events:      evLogger,
		DiscardWait: cfg.Lookup.DiscardWait(),
	})
	defer lookups.Terminate()

	main := suture.New("stlookup", svcutil.SpecWithInfoLogger(l))
	main.Add(disco)
	if cfg.Status.Enabled {
		main.Add(newStatusService(cfg.Status.ListenAddress, disco, lookups, evLogger))
	}

	if len(c.Register) > 0 {
		local, err := newLocalRegistrar(cfg.Registrar)
		if err != nil {
			return err
		}
		if err := registerServices(local, ser, c.Register, ""); err != nil {
			return err
		}
		main.Add(svcutil.AsService(expireServices(local), fmt.Sprintf("expireServices(%v)", local)))
		disco.AddRegistrar(local, local.Groups())
	}

	if len(cfg.Lookup.Types) > 0 {
		p := &servicePrinter{}
		cache, err := lookups.CreateCache(cfg.Lookup.Template(), nil, p)
		if err != nil {
			return err
		}
		p.cache = cache.String()
		l.Infof("Watching %v in %s", cfg.Lookup.Types, cache)
	}

	err = main.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newLocalRegistrar(cfg config.RegistrarConfiguration) (*registrar.Local, error) {
	id := protocol.NewServiceID()
	if cfg.ID != "" {
		var err error
		id, err = protocol.ServiceIDFromString(cfg.ID)
		if err != nil {
			return nil, err
		}
	}
	return registrar.NewLocal(id, cfg.Groups, nil), nil
}
