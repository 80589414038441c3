// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package svcutil holds the glue between our long running components and
// the suture supervisor trees that run them.
package svcutil

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/syncthing/lookup/lib/logger"
	"github.com/syncthing/lookup/lib/sync"

	"github.com/thejerf/suture/v4"
)

// StopTimeout is how long a supervisor waits for a service to return
// after its context is cancelled.
const StopTimeout = 10 * time.Second

type ExitStatus int

const (
	ExitSuccess ExitStatus = 0
	ExitError   ExitStatus = 1
	// The handshake listener could not be bound.
	ExitNoListener ExitStatus = 3
)

func (s ExitStatus) AsInt() int {
	return int(s)
}

// FatalErr takes the whole supervisor tree down and tells the process
// which status to exit with.
type FatalErr struct {
	Err    error
	Status ExitStatus
}

// AsFatalErr wraps err as a FatalErr with the given status, unless it
// already is one.
func AsFatalErr(err error, status ExitStatus) *FatalErr {
	var ferr *FatalErr
	if errors.As(err, &ferr) {
		return ferr
	}
	return &FatalErr{Err: err, Status: status}
}

// ExitStatusOf returns the status the process should exit with after err.
func ExitStatusOf(err error) ExitStatus {
	if err == nil {
		return ExitSuccess
	}
	var ferr *FatalErr
	if errors.As(err, &ferr) {
		return ferr.Status
	}
	return ExitError
}

func (e *FatalErr) Error() string {
	return e.Err.Error()
}

func (e *FatalErr) Unwrap() error {
	return e.Err
}

func (e *FatalErr) Is(target error) bool {
	return target == suture.ErrTerminateSupervisorTree
}

// NoRestartErr makes errors.Is(err, suture.ErrDoNotRestart) hold for the
// returned error while keeping err (which may be nil) reachable through
// errors.Is and errors.As.
func NoRestartErr(err error) error {
	if err == nil {
		return suture.ErrDoNotRestart
	}
	return &noRestartErr{err}
}

type noRestartErr struct {
	err error
}

func (e *noRestartErr) Error() string {
	return e.err.Error()
}

func (e *noRestartErr) Unwrap() error {
	return e.err
}

func (e *noRestartErr) Is(target error) bool {
	return target == suture.ErrDoNotRestart
}

type ServiceWithError interface {
	suture.Service
	fmt.Stringer
	Error() error
}

// AsService turns a loop function into a suture.Service, remembering the
// error from its last run.
func AsService(fn func(ctx context.Context) error, name string) ServiceWithError {
	return &service{
		name:  name,
		serve: fn,
		mut:   sync.NewMutex(),
	}
}

type service struct {
	name  string
	serve func(ctx context.Context) error
	err   error
	mut   sync.Mutex
}

func (s *service) Serve(ctx context.Context) error {
	s.setError(nil)
	err := s.serve(ctx)
	s.setError(err)
	return err
}

func (s *service) setError(err error) {
	s.mut.Lock()
	s.err = err
	s.mut.Unlock()
}

func (s *service) Error() error {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.err
}

func (s *service) String() string {
	return s.name
}

// SpecWithDebugLogger is the supervisor spec for internal trees, whose
// restarts are only interesting when debugging.
func SpecWithDebugLogger(l logger.Logger) suture.Spec {
	return spec(func(e suture.Event) { l.Debugln(e) })
}

// SpecWithInfoLogger is the supervisor spec for top level trees.
func SpecWithInfoLogger(l logger.Logger) suture.Spec {
	return spec(func(e suture.Event) { l.Infoln(e) })
}

func spec(eventHook suture.EventHook) suture.Spec {
	return suture.Spec{
		EventHook:         eventHook,
		Timeout:           StopTimeout,
		PassThroughPanics: true,
	}
}
