// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package config implements reading of the lookup configuration file.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"sigs.k8s.io/yaml"

	"github.com/syncthing/lookup/lib/structutil"
)

const CurrentVersion = 1

type Configuration struct {
	Version   int                    `json:"version"`
	Discovery DiscoveryConfiguration `json:"discovery"`
	Lookup    LookupConfiguration    `json:"lookup"`
	Registrar RegistrarConfiguration `json:"registrar"`
	Status    StatusConfiguration    `json:"status"`
}

// New returns a configuration with all defaults set.
func New() Configuration {
	var cfg Configuration
	cfg.Version = CurrentVersion
	structutil.SetDefaults(&cfg)
	return cfg
}

// Load reads the configuration at path. Settings missing from the file
// keep their defaults.
func Load(path string) (Configuration, error) {
	fd, err := os.Open(path)
	if err != nil {
		return Configuration{}, err
	}
	defer fd.Close()
	return Read(fd)
}

func Read(r io.Reader) (Configuration, error) {
	bs, err := io.ReadAll(r)
	if err != nil {
		return Configuration{}, err
	}

	cfg := New()
	if err := yaml.Unmarshal(bs, &cfg); err != nil {
		return Configuration{}, fmt.Errorf("parse configuration: %w", err)
	}
	if cfg.Version > CurrentVersion {
		return Configuration{}, fmt.Errorf("configuration version %d is newer than supported (%d)", cfg.Version, CurrentVersion)
	}
	cfg.Discovery.Groups = structutil.UniqueTrimmedStrings(cfg.Discovery.Groups)
	cfg.Registrar.Groups = structutil.UniqueTrimmedStrings(cfg.Registrar.Groups)

	if err := cfg.Validate(); err != nil {
		return Configuration{}, err
	}
	l.Debugf("loaded configuration: %+v", cfg)
	return cfg, nil
}

// Marshal returns the configuration as YAML.
func (cfg Configuration) Marshal() ([]byte, error) {
	return yaml.Marshal(cfg)
}

func (cfg Configuration) Copy() Configuration {
	c := cfg
	c.Discovery = cfg.Discovery.Copy()
	c.Registrar.Groups = append([]string(nil), cfg.Registrar.Groups...)
	c.Lookup.Types = append([]string(nil), cfg.Lookup.Types...)
	return c
}

// Validate returns an error describing every problem with the
// configuration.
func (cfg Configuration) Validate() error {
	return errors.Join(
		cfg.Discovery.Validate(),
		cfg.Lookup.Validate(),
		cfg.Registrar.Validate(),
	)
}
