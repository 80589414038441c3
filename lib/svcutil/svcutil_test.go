// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package svcutil

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/thejerf/suture/v4"
)

func TestNoRestartErr(t *testing.T) {
	if !errors.Is(NoRestartErr(nil), suture.ErrDoNotRestart) {
		t.Error("nil error should map to ErrDoNotRestart")
	}

	inner := errors.New("unsupported")
	err := NoRestartErr(inner)
	if !errors.Is(err, suture.ErrDoNotRestart) {
		t.Error("wrapped error should be ErrDoNotRestart")
	}
	if !errors.Is(err, inner) {
		t.Error("wrapped error should unwrap to the inner error")
	}
}

func TestAsServiceKeepsError(t *testing.T) {
	boom := errors.New("boom")
	svc := AsService(func(ctx context.Context) error {
		return boom
	}, "test")

	if err := svc.Error(); err != nil {
		t.Fatal("unexpected error before serving:", err)
	}
	if err := svc.Serve(context.Background()); err != boom {
		t.Fatal("unexpected serve error:", err)
	}
	if err := svc.Error(); err != boom {
		t.Error("error not retained:", err)
	}
}

func TestAsFatalErrDoesNotRewrap(t *testing.T) {
	ferr := AsFatalErr(errors.New("fatal"), ExitError)
	if again := AsFatalErr(ferr, ExitSuccess); again != ferr {
		t.Error("FatalErr should not be wrapped twice")
	}
	if !errors.Is(ferr, suture.ErrTerminateSupervisorTree) {
		t.Error("FatalErr should terminate the supervisor tree")
	}
}

func TestExitStatusOf(t *testing.T) {
	cases := []struct {
		err    error
		status ExitStatus
	}{
		{nil, ExitSuccess},
		{errors.New("plain"), ExitError},
		{AsFatalErr(errors.New("bind"), ExitNoListener), ExitNoListener},
		{fmt.Errorf("wrapped: %w", AsFatalErr(errors.New("bind"), ExitNoListener)), ExitNoListener},
	}
	for i, tc := range cases {
		if got := ExitStatusOf(tc.err); got != tc.status {
			t.Errorf("%d: ExitStatusOf(%v) = %d, expected %d", i, tc.err, got, tc.status)
		}
	}
}

func TestAsServiceName(t *testing.T) {
	svc := AsService(func(ctx context.Context) error { return nil }, "manager/expireSilent")
	if svc.String() != "manager/expireSilent" {
		t.Error("unexpected name", svc.String())
	}
}
