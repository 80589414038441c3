// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Command stlookup finds registrars on the local network and watches the
// services they hold, or runs the registrar side of discovery.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/willabides/kongplete"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/syncthing/lookup/lib/config"
	"github.com/syncthing/lookup/lib/logger"
	"github.com/syncthing/lookup/lib/svcutil"
)

type CLI struct {
	ConfigFile string   `name:"config" short:"c" type:"existingfile" placeholder:"PATH" env:"LKCONFIG" help:"Configuration file (YAML). Built in defaults are used when not set."`
	Debug      []string `placeholder:"FACILITY" env:"LKDEBUG" help:"Enable debug output for the given facilities (\"all\" for every facility)."`

	Watch              watchCmd                     `cmd:"" help:"Discover registrars and watch the services they hold."`
	Announce           announceCmd                  `cmd:"" help:"Run a registrar and make it discoverable."`
	Config             configCmd                    `cmd:"" help:"Print the effective configuration."`
	InstallCompletions kongplete.InstallCompletions `cmd:"" help:"Install shell completions."`
}

func main() {
	var cli CLI
	parser := kong.Must(&cli,
		kong.Name("stlookup"),
		kong.Description("Registrar discovery and service lookup."),
		kong.UsageOnError(),
	)
	kongplete.Complete(parser)

	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	if _, err := maxprocs.Set(maxprocs.Logger(l.Debugf)); err != nil {
		l.Warnln("Setting GOMAXPROCS:", err)
	}
	setDebug(cli.Debug)

	cfg, err := cli.loadConfig()
	kctx.FatalIfErrorf(err)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	kctx.BindTo(ctx, (*context.Context)(nil))
	if err := kctx.Run(cfg); err != nil {
		l.Warnln(err)
		cancel()
		os.Exit(svcutil.ExitStatusOf(err).AsInt())
	}
}

func (cli *CLI) loadConfig() (config.Configuration, error) {
	if cli.ConfigFile == "" {
		return config.New(), nil
	}
	cfg, err := config.Load(cli.ConfigFile)
	if err != nil {
		return config.Configuration{}, fmt.Errorf("loading configuration: %w", err)
	}
	return cfg, nil
}

func setDebug(facilities []string) {
	for _, f := range facilities {
		if f == "all" {
			for name := range logger.DefaultLogger.Facilities() {
				logger.DefaultLogger.SetDebug(name, true)
			}
			continue
		}
		logger.DefaultLogger.SetDebug(f, true)
	}
	if len(facilities) > 0 {
		logger.DefaultLogger.SetFlags(logger.DebugFlags)
		l.Infoln("Debugging enabled for", strings.Join(logger.DefaultLogger.FacilityDebugging(), ", "))
	}
}

type configCmd struct {
	Defaults bool `help:"Print the built in defaults instead of the loaded configuration."`
}

func (c *configCmd) Run(cfg config.Configuration) error {
	if c.Defaults {
		cfg = config.New()
	}
	bs, err := cfg.Marshal()
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(bs)
	return err
}
