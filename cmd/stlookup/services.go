// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/syncthing/lookup/lib/lookup"
	"github.com/syncthing/lookup/lib/marshal"
	"github.com/syncthing/lookup/lib/protocol"
	"github.com/syncthing/lookup/lib/registrar"
)

const expireInterval = 10 * time.Second

// parseServiceSpec parses TYPE[:KEY=VALUE,...] into an item. The service
// proxy names the type.
func parseServiceSpec(spec string) (protocol.Item, error) {
	typ, attrs, _ := strings.Cut(spec, ":")
	typ = strings.TrimSpace(typ)
	if typ == "" {
		return protocol.Item{}, fmt.Errorf("service %q: missing type", spec)
	}
	item := protocol.Item{Types: []string{typ}}
	if attrs == "" {
		return item, nil
	}
	for _, kv := range strings.Split(attrs, ",") {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return protocol.Item{}, fmt.Errorf("service %q: attribute %q is not KEY=VALUE", spec, kv)
		}
		item.Attributes = append(item.Attributes, protocol.Entry{Key: k, Value: strings.TrimSpace(v)})
	}
	return item, nil
}

// registerServices registers a service per spec with the registrar.
func registerServices(reg *registrar.Local, ser marshal.Serializer, specs []string, address string) error {
	for _, spec := range specs {
		item, err := parseServiceSpec(spec)
		if err != nil {
			return err
		}
		item.Service, err = ser.Marshal(serviceProxy{Name: item.Types[0], Address: address})
		if err != nil {
			return err
		}
		id, err := reg.Register(item)
		if err != nil {
			return err
		}
		l.Infof("Registered %s as %s with %v", spec, id, reg)
	}
	return nil
}

// expireServices cancels services whose lease ran out.
func expireServices(reg *registrar.Local) func(context.Context) error {
	return func(ctx context.Context) error {
		t := time.NewTicker(expireInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if n := reg.Expire(); n > 0 {
					l.Debugf("%v: expired %d service(s)", reg, n)
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// servicePrinter prints what a cache sees.
type servicePrinter struct {
	cache string
}

func (p *servicePrinter) ServiceAdded(ev lookup.Event) {
	fmt.Printf("%s: service added: %s %s\n", p.cache, ev.Post, describe(ev.Post))
}

func (p *servicePrinter) ServiceChanged(ev lookup.Event) {
	fmt.Printf("%s: service changed: %s %s\n", p.cache, ev.Post, describe(ev.Post))
}

func (p *servicePrinter) ServiceRemoved(ev lookup.Event) {
	fmt.Printf("%s: service removed: %s\n", p.cache, ev.Pre)
}

func describe(it *lookup.ServiceItem) string {
	if it == nil {
		return ""
	}
	var parts []string
	for _, e := range it.Attributes {
		parts = append(parts, e.String())
	}
	if sp, ok := it.Service.(serviceProxy); ok && sp.Address != "" {
		parts = append(parts, "at "+sp.Address)
	}
	return strings.Join(parts, " ")
}

// registrarPrinter prints registrar events.
type registrarPrinter struct{}

func (registrarPrinter) Discovered(reg registrar.Ref, groups []string) {
	fmt.Printf("registrar discovered: %v in %v\n", reg, groups)
}

func (registrarPrinter) Changed(reg registrar.Ref, groups []string) {
	fmt.Printf("registrar changed: %v now in %v\n", reg, groups)
}

func (registrarPrinter) Discarded(reg registrar.Ref, groups []string) {
	fmt.Printf("registrar discarded: %v (was in %v)\n", reg, groups)
}
