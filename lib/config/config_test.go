// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/d4l3k/messagediff"

	"github.com/syncthing/lookup/lib/discover"
	"github.com/syncthing/lookup/lib/unicast"
)

func TestDefaultValues(t *testing.T) {
	expected := DiscoveryConfiguration{
		MulticastEnabled:              true,
		RequestAddress:                "224.0.1.85:4160",
		AnnouncementAddress:           "224.0.1.84:4160",
		BroadcastPort:                 4160,
		RequestIntervalS:              5,
		RequestCount:                  7,
		AnnouncementIntervalS:         120,
		AnnouncementTimeoutMultiplier: 3,
		HandshakeTimeoutS:             10,
		LocatorRetryMaxS:              300,
		ReassemblyWindowMS:            2000,
		Prefer:                        []string{"integrity", "confidentiality", "server-authentication"},
	}

	cfg := New()
	if diff, equal := messagediff.PrettyDiff(expected, cfg.Discovery); !equal {
		t.Errorf("Default discovery config differs. Diff:\n%s", diff)
	}
	if cfg.Lookup.DiscardWait() != 10*time.Minute {
		t.Error("unexpected discard wait", cfg.Lookup.DiscardWait())
	}
	if cfg.Discovery.AnnouncementTimeout() != 6*time.Minute {
		t.Error("unexpected announcement timeout", cfg.Discovery.AnnouncementTimeout())
	}
	if err := cfg.Validate(); err != nil {
		t.Error(err)
	}
}

func TestRead(t *testing.T) {
	in := `
version: 1
discovery:
  groups: [" public", "lab", "lab"]
  locators: ["registrar.example.com:4160"]
  multicastEnabled: false
  require: [integrity]
lookup:
  types: ["net.printer.*"]
  discardWaitS: 0
`
	cfg, err := Read(strings.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}

	if diff, equal := messagediff.PrettyDiff([]string{"public", "lab"}, cfg.Discovery.Groups); !equal {
		t.Errorf("groups differ:\n%s", diff)
	}
	if cfg.Discovery.MulticastEnabled {
		t.Error("multicast should be disabled")
	}
	if cfg.Discovery.AnnouncementIntervalS != 120 {
		t.Error("missing setting should keep its default")
	}
	if cfg.Lookup.DiscardWait() != 0 {
		t.Error("explicit zero should override the default")
	}

	cs, err := cfg.Discovery.Constraints()
	if err != nil {
		t.Fatal(err)
	}
	if cs.Require != unicast.Integrity || cs.Prefer != unicast.Integrity|unicast.Confidentiality|unicast.ServerAuthentication {
		t.Errorf("unexpected constraints %+v", cs)
	}
}

func TestValidate(t *testing.T) {
	cases := []string{
		"discovery:\n  groups: [\"" + strings.Repeat("x", 257) + "\"]\n",
		"discovery:\n  require: [telepathy]\n",
		"discovery:\n  locators: [\"no-port\"]\n",
		"lookup:\n  types: [\"[\"]\n",
		"registrar:\n  id: bogus\n",
		"version: 99\n",
	}

	for _, in := range cases {
		if _, err := Read(strings.NewReader(in)); err == nil {
			t.Errorf("expected error for %q", in)
		}
	}

	cfg := New()
	cfg.Discovery.Groups = []string{strings.Repeat("x", 300)}
	if err := cfg.Validate(); !errors.Is(err, discover.ErrGroupTooLong) {
		t.Error("expected ErrGroupTooLong, got", err)
	}
}

func TestLoadMarshal(t *testing.T) {
	cfg := New()
	cfg.Discovery.Groups = []string{"public"}
	cfg.Registrar.Groups = []string{"public", "lab"}

	bs, err := cfg.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "lookup.yaml")
	if err := os.WriteFile(path, bs, 0o644); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff, equal := messagediff.PrettyDiff(cfg, loaded); !equal {
		t.Errorf("loaded config differs:\n%s", diff)
	}
}

func TestCopy(t *testing.T) {
	cfg := New()
	cfg.Discovery.Groups = []string{"a"}
	c := cfg.Copy()
	c.Discovery.Groups[0] = "b"
	if cfg.Discovery.Groups[0] != "a" {
		t.Error("copy shares group storage")
	}
}
