// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"fmt"

	"github.com/gobwas/glob"
)

// A Template selects service registrations. A zero ID matches any service.
// Each entry in Types is a glob pattern (with '.' as separator) that must
// match at least one of the item's types. Each attribute must be present on
// the item; an empty Value matches any value for the key.
type Template struct {
	ID         ServiceID `json:"id"`
	Types      []string  `json:"types"`
	Attributes []Entry   `json:"attributes"`
}

func (t Template) String() string {
	if t.ID.IsEmpty() {
		return fmt.Sprintf("template{types=%v attrs=%v}", t.Types, t.Attributes)
	}
	return fmt.Sprintf("template{id=%s types=%v attrs=%v}", t.ID, t.Types, t.Attributes)
}

// A Matcher is a compiled Template.
type Matcher struct {
	tmpl  Template
	types []glob.Glob
}

// Compile compiles the type patterns of the template.
func (t Template) Compile() (*Matcher, error) {
	m := &Matcher{tmpl: t}
	for _, pat := range t.Types {
		g, err := glob.Compile(pat, '.')
		if err != nil {
			return nil, fmt.Errorf("type pattern %q: %w", pat, err)
		}
		m.types = append(m.types, g)
	}
	return m, nil
}

func (m *Matcher) Template() Template {
	return m.tmpl
}

// Matches returns true if the item is selected by the template.
func (m *Matcher) Matches(item Item) bool {
	if !m.tmpl.ID.IsEmpty() && m.tmpl.ID != item.ID {
		return false
	}

nextType:
	for _, g := range m.types {
		for _, typ := range item.Types {
			if g.Match(typ) {
				continue nextType
			}
		}
		return false
	}

nextAttr:
	for _, want := range m.tmpl.Attributes {
		for _, have := range item.Attributes {
			if have.Key == want.Key && (want.Value == "" || have.Value == want.Value) {
				continue nextAttr
			}
		}
		return false
	}

	return true
}
