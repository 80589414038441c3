// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/syncthing/lookup/lib/discover"
	"github.com/syncthing/lookup/lib/events"
	"github.com/syncthing/lookup/lib/lease"
	"github.com/syncthing/lookup/lib/lookup"
)

const (
	defaultEventTimeout = time.Minute
	maxEventTimeout     = 10 * time.Minute
	eventBufferSize     = 1000
)

type registrarLister interface {
	Registrars() []discover.KnownRegistrar
	LocatorErrors() map[string]error
}

type cacheLister interface {
	Caches() []*lookup.Cache
}

// The statusService serves what the process knows over HTTP.
type statusService struct {
	addr   string
	regs   registrarLister
	caches cacheLister
	events events.BufferedSubscription
}

func newStatusService(addr string, regs registrarLister, caches cacheLister, evLogger events.Logger) *statusService {
	sub := evLogger.Subscribe(events.AllEvents)
	return &statusService{
		addr:   addr,
		regs:   regs,
		caches: caches,
		events: events.NewBufferedSubscription(sub, eventBufferSize),
	}
}

func (s *statusService) String() string {
	return fmt.Sprintf("statusService@%s", s.addr)
}

func (s *statusService) Serve(ctx context.Context) error {
	lst, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	})
	defer stop()

	l.Infoln("Status listening on", lst.Addr())
	err = srv.Serve(lst)
	if errors.Is(err, http.ErrServerClosed) {
		return ctx.Err()
	}
	return err
}

func (s *statusService) handler() http.Handler {
	mux := httprouter.New()
	mux.HandlerFunc(http.MethodGet, "/ping", s.getPing)
	mux.HandlerFunc(http.MethodGet, "/registrars", s.getRegistrars)
	mux.HandlerFunc(http.MethodGet, "/locators", s.getLocators)
	mux.HandlerFunc(http.MethodGet, "/caches", s.getCaches)
	mux.GET("/caches/:id/services", s.getServices)          // [max]
	mux.HandlerFunc(http.MethodGet, "/events", s.getEvents) // [since] [timeout]
	mux.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	return mux
}

func (s *statusService) getPing(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, map[string]string{"ping": "pong"})
}

type registrarStatus struct {
	Registrar string   `json:"registrar"`
	Groups    []string `json:"groups"`
}

func (s *statusService) getRegistrars(w http.ResponseWriter, _ *http.Request) {
	regs := s.regs.Registrars()
	res := make([]registrarStatus, 0, len(regs))
	for _, r := range regs {
		res = append(res, registrarStatus{Registrar: r.Ref.String(), Groups: r.Groups})
	}
	slices.SortFunc(res, func(a, b registrarStatus) int {
		return strings.Compare(a.Registrar, b.Registrar)
	})
	sendJSON(w, res)
}

func (s *statusService) getLocators(w http.ResponseWriter, _ *http.Request) {
	res := make(map[string]*string)
	for addr, err := range s.regs.LocatorErrors() {
		if err == nil {
			res[addr] = nil
			continue
		}
		msg := err.Error()
		res[addr] = &msg
	}
	sendJSON(w, res)
}

type cacheStatus struct {
	ID         string   `json:"id"`
	Types      []string `json:"types"`
	Registrars int      `json:"registrars"`
}

func (s *statusService) getCaches(w http.ResponseWriter, _ *http.Request) {
	caches := s.caches.Caches()
	res := make([]cacheStatus, 0, len(caches))
	for _, c := range caches {
		res = append(res, cacheStatus{ID: c.ID(), Types: c.Template().Types, Registrars: len(c.Registrars())})
	}
	slices.SortFunc(res, func(a, b cacheStatus) int {
		return strings.Compare(a.ID, b.ID)
	})
	sendJSON(w, res)
}

type serviceStatus struct {
	ID         string            `json:"id"`
	Types      []string          `json:"types"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Service    any               `json:"service,omitempty"`
	Expires    *time.Time        `json:"expires,omitempty"`
}

func (s *statusService) getServices(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	caches := s.caches.Caches()
	idx := slices.IndexFunc(caches, func(c *lookup.Cache) bool { return c.ID() == id })
	if idx < 0 {
		http.Error(w, "no such cache", http.StatusNotFound)
		return
	}
	cache := caches[idx]

	limit := 0
	if v := r.URL.Query().Get("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid max", http.StatusBadRequest)
			return
		}
		limit = n
	}

	items, err := cache.Lookup(nil, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusGone)
		return
	}
	res := make([]serviceStatus, 0, len(items))
	for _, it := range items {
		st := serviceStatus{ID: it.ID.String(), Types: it.Types, Service: it.Service}
		if len(it.Attributes) > 0 {
			st.Attributes = make(map[string]string, len(it.Attributes))
			for _, e := range it.Attributes {
				st.Attributes[e.Key] = e.Value
			}
		}
		if exp := lease.Time(it.Expiry); !exp.IsZero() {
			st.Expires = &exp
		}
		res = append(res, st)
	}
	sendJSON(w, res)
}

func (s *statusService) getEvents(w http.ResponseWriter, r *http.Request) {
	qs := r.URL.Query()
	since, _ := strconv.Atoi(qs.Get("since"))
	timeout := defaultEventTimeout
	if v := qs.Get("timeout"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs < 0 {
			http.Error(w, "invalid timeout", http.StatusBadRequest)
			return
		}
		timeout = min(time.Duration(secs)*time.Second, maxEventTimeout)
	}

	// Flush before blocking, so the client knows the request arrived.
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	evs := s.events.Since(since, nil, timeout)
	if evs == nil {
		evs = []events.Event{}
	}
	sendJSON(w, evs)
}

func sendJSON(w http.ResponseWriter, jsonObject interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	bs, err := json.MarshalIndent(jsonObject, "", "  ")
	if err != nil {
		bs, _ = json.Marshal(map[string]string{"error": err.Error()})
		http.Error(w, string(bs), http.StatusInternalServerError)
		return
	}
	fmt.Fprintf(w, "%s\n", bs)
}
