// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package unicast

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"os"
	"slices"
	"testing"
	"time"

	"github.com/syncthing/lookup/lib/marshal"
	"github.com/syncthing/lookup/lib/protocol"
	"github.com/syncthing/lookup/lib/registrar"
	"github.com/syncthing/lookup/lib/tlsutil"
)

func testSerializer() *marshal.Registry {
	r := marshal.NewRegistry()
	r.Register("endpoint", registrar.Endpoint{})
	return r
}

func testEndpoint() registrar.Endpoint {
	return registrar.Endpoint{ID: protocol.NewServiceID(), Host: "192.0.2.42", Port: 4160}
}

func TestAcceptable(t *testing.T) {
	all := []Format{FormatPlaintext, FormatTLS, FormatTLSMutual}

	cases := []struct {
		cs       Constraints
		expected []Format
	}{
		{Constraints{}, all},
		{Constraints{Prefer: Confidentiality}, []Format{FormatTLS, FormatTLSMutual, FormatPlaintext}},
		{Constraints{Prefer: ClientAuthentication}, []Format{FormatTLSMutual, FormatPlaintext, FormatTLS}},
		{Constraints{Require: Integrity}, []Format{FormatTLS, FormatTLSMutual}},
		{Constraints{Require: Integrity, Prefer: ClientAuthentication}, []Format{FormatTLSMutual, FormatTLS}},
		{Constraints{Require: ClientAuthentication}, []Format{FormatTLSMutual}},
	}

	for i, tc := range cases {
		if got := acceptable(all, tc.cs); !slices.Equal(got, tc.expected) {
			t.Errorf("%d: got %v, expected %v", i, got, tc.expected)
		}
	}
}

func TestParseConstraint(t *testing.T) {
	c, err := ParseConstraint("integrity, confidentiality")
	if err != nil {
		t.Fatal(err)
	}
	if c != Integrity|Confidentiality {
		t.Error("unexpected", c)
	}
	if c.String() != "integrity,confidentiality" {
		t.Error("unexpected string", c.String())
	}
	if _, err := ParseConstraint("telepathy"); err == nil {
		t.Error("expected error for unknown constraint")
	}
}

func TestPlaintextHandshake(t *testing.T) {
	ser := testSerializer()
	ep := testEndpoint()
	srv := NewServer("", PlainChannel{}, ser, ep, func() []string { return []string{"public", "lab"} })

	c1, c2 := net.Pipe()
	errs := make(chan error, 1)
	go func() { errs <- srv.ServeConn(context.Background(), c2) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h, groups, err := NewClient(PlainChannel{}, ser).Handshake(ctx, c1, Constraints{})
	if err != nil {
		t.Fatal(err)
	}
	if err := <-errs; err != nil {
		t.Fatal("server:", err)
	}

	if !h.Equal(ep) {
		t.Errorf("got handle %v, expected %v", h, ep)
	}
	if got := h.(registrar.Endpoint); got != ep {
		t.Errorf("got %#v, expected %#v", got, ep)
	}
	if !slices.Equal(groups, []string{"public", "lab"}) {
		t.Error("unexpected groups", groups)
	}
}

func TestUnsupportedLocally(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c2.Close()

	_, _, err := NewClient(PlainChannel{}, testSerializer()).Handshake(context.Background(), c1, Constraints{Require: Confidentiality})
	var uce *UnsupportedConstraintError
	if !errors.As(err, &uce) {
		t.Fatal("expected unsupported constraint error, got", err)
	}
	if uce.Required != Confidentiality {
		t.Error("unexpected required", uce.Required)
	}

	// The connection must have been closed without anything sent.
	c2.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := c2.Read(make([]byte, 1)); err == nil {
		t.Error("expected closed connection")
	}
}

func TestUnsupportedByServer(t *testing.T) {
	ser := testSerializer()
	srv := NewServer("", PlainChannel{}, ser, testEndpoint(), nil)

	c1, c2 := net.Pipe()
	errs := make(chan error, 1)
	go func() { errs <- srv.ServeConn(context.Background(), c2) }()

	client := NewClient(&TLSChannel{Config: &tls.Config{}}, ser)
	_, _, err := client.Handshake(context.Background(), c1, Constraints{Require: Confidentiality})
	if !IsUnsupportedConstraint(err) {
		t.Error("expected unsupported constraint error, got", err)
	}
	if err := <-errs; !IsUnsupportedConstraint(err) {
		t.Error("expected server side unsupported constraint error, got", err)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c2.Close()
	go func() {
		// Read the hello and then never answer.
		var hel hello
		_ = readMessage(c2, &hel)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	t0 := time.Now()
	_, _, err := NewClient(PlainChannel{}, testSerializer()).Handshake(ctx, c1, Constraints{})
	if !IsTransport(err) {
		t.Fatal("expected transport error, got", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("expected deadline exceeded, got", err)
	}
	var te *TransportError
	if errors.As(err, &te) && !te.Temporary() {
		t.Error("transport errors should be temporary")
	}
	if d := time.Since(t0); d > 2*time.Second {
		t.Error("handshake took too long to time out:", d)
	}
}

// pastDeadline has a deadline that has passed but has not been cancelled
// yet, as a context is between its deadline and its timer firing.
type pastDeadline struct {
	context.Context
}

func (pastDeadline) Deadline() (time.Time, bool) {
	return time.Now().Add(-time.Millisecond), true
}

func TestTransportErrorDeadline(t *testing.T) {
	timeout := &net.OpError{Op: "read", Net: "pipe", Err: os.ErrDeadlineExceeded}

	err := transportError(pastDeadline{context.Background()}, "read selection", timeout)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("expected deadline exceeded, got", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
	defer cancel()
	err = transportError(ctx, "read selection", timeout)
	if errors.Is(err, context.DeadlineExceeded) || !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Error("expected the connection timeout, got", err)
	}
	if !IsTransport(err) {
		t.Error("expected transport error, got", err)
	}
}

func TestUnofferedSelection(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c2.Close()
	go func() {
		var hel hello
		if err := readMessage(c2, &hel); err != nil {
			return
		}
		_ = writeMessage(c2, selection{Format: FormatTLSMutual})
	}()

	_, _, err := NewClient(PlainChannel{}, testSerializer()).Handshake(context.Background(), c1, Constraints{})
	if !protocol.IsProtocolError(err) {
		t.Error("expected protocol error, got", err)
	}
}

func TestBadHello(t *testing.T) {
	srv := NewServer("", PlainChannel{}, testSerializer(), testEndpoint(), nil)

	c1, c2 := net.Pipe()
	defer c1.Close()
	errs := make(chan error, 1)
	go func() { errs <- srv.ServeConn(context.Background(), c2) }()

	bad := hello{Magic: 0x12345678, Formats: []Format{FormatPlaintext}}
	if err := writeMessage(c1, bad); err != nil {
		t.Fatal(err)
	}
	if err := <-errs; !protocol.IsProtocolError(err) {
		t.Error("expected protocol error, got", err)
	}
}

func TestTLSHandshake(t *testing.T) {
	cert, err := tlsutil.NewCertificate("registrar")
	if err != nil {
		t.Fatal(err)
	}
	pool, err := tlsutil.CertPool(cert)
	if err != nil {
		t.Fatal(err)
	}

	ser := testSerializer()
	ep := testEndpoint()
	srvChan := &TLSChannel{Server: true, Config: &tls.Config{Certificates: []tls.Certificate{cert}}}
	srv := NewServer("127.0.0.1:0", srvChan, ser, ep, func() []string { return []string{"public"} })
	addr, err := srv.Listen()
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	cliChan := &TLSChannel{Config: &tls.Config{RootCAs: pool, ServerName: "registrar"}, AllowPlaintext: true}
	hctx, hcancel := context.WithTimeout(ctx, 5*time.Second)
	defer hcancel()
	h, groups, err := NewClient(cliChan, ser).Locate(hctx, addr.String(), Constraints{Require: Confidentiality | ServerAuthentication})
	if err != nil {
		t.Fatal(err)
	}
	if !h.Equal(ep) || !slices.Equal(groups, []string{"public"}) {
		t.Errorf("unexpected result %v %v", h, groups)
	}

	// Mutual authentication is not available from this server.
	_, _, err = NewClient(cliChan, ser).Locate(hctx, addr.String(), Constraints{Require: ClientAuthentication})
	if !IsUnsupportedConstraint(err) {
		t.Error("expected unsupported constraint error, got", err)
	}
}

func TestTLSUnverifiedServer(t *testing.T) {
	cert, err := tlsutil.NewCertificate("registrar")
	if err != nil {
		t.Fatal(err)
	}
	other, err := tlsutil.NewCertificate("registrar")
	if err != nil {
		t.Fatal(err)
	}
	pool, err := tlsutil.CertPool(other)
	if err != nil {
		t.Fatal(err)
	}

	ser := testSerializer()
	srvChan := &TLSChannel{Server: true, Config: &tls.Config{Certificates: []tls.Certificate{cert}}}
	srv := NewServer("127.0.0.1:0", srvChan, ser, testEndpoint(), func() []string { return nil })
	addr, err := srv.Listen()
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	cliChan := &TLSChannel{Config: &tls.Config{RootCAs: pool, ServerName: "registrar"}}
	hctx, hcancel := context.WithTimeout(ctx, 5*time.Second)
	defer hcancel()
	_, _, err = NewClient(cliChan, ser).Locate(hctx, addr.String(), Constraints{Require: Confidentiality | ServerAuthentication})
	if !IsUnsupportedConstraint(err) || IsTransport(err) {
		t.Fatal("expected unsupported constraint error, got", err)
	}
	var cve *tls.CertificateVerificationError
	if !errors.As(err, &cve) {
		t.Error("expected the verification failure to be kept, got", err)
	}
}

func TestLocateRefused(t *testing.T) {
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := lst.Addr().String()
	lst.Close()

	_, _, err = NewClient(PlainChannel{}, testSerializer()).Locate(context.Background(), addr, Constraints{})
	if !IsTransport(err) {
		t.Error("expected transport error, got", err)
	}
}
