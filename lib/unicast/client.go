// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package unicast implements the point to point registrar handshake: the
// client offers the formats it supports that satisfy its constraints, the
// server selects one, and the server then sends its registrar handle and
// group membership in that format.
package unicast

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"os"
	"slices"
	"time"

	"github.com/syncthing/lookup/lib/marshal"
	"github.com/syncthing/lookup/lib/protocol"
	"github.com/syncthing/lookup/lib/registrar"
)

// HintRegistrar is the serializer hint for registrar handles.
const HintRegistrar = "registrar"

// A Client performs handshakes with registrars.
type Client struct {
	Channel    SecureChannel
	Serializer marshal.Serializer
}

func NewClient(channel SecureChannel, serializer marshal.Serializer) *Client {
	return &Client{Channel: channel, Serializer: serializer}
}

// Locate dials the registrar's handshake server and performs a handshake.
func (c *Client) Locate(ctx context.Context, addr string, cs Constraints) (registrar.Handle, []string, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		metricHandshakes.WithLabelValues(sideClient, resultTransport).Inc()
		return nil, nil, &TransportError{Op: "dial", Err: err}
	}
	return c.Handshake(ctx, conn, cs)
}

// Handshake performs the client side of the handshake on conn, which it
// closes before returning. The context deadline, if any, applies to the
// whole exchange.
func (c *Client) Handshake(ctx context.Context, conn net.Conn, cs Constraints) (registrar.Handle, []string, error) {
	h, groups, err := c.handshake(ctx, conn, cs)
	metricHandshakes.WithLabelValues(sideClient, resultOf(err)).Inc()
	if err != nil {
		l.Debugf("handshake with %v: %v", conn.RemoteAddr(), err)
		return nil, nil, err
	}
	l.Debugf("handshake with %v: registrar %v, groups %v", conn.RemoteAddr(), h, groups)
	return h, groups, nil
}

func (c *Client) handshake(ctx context.Context, conn net.Conn, cs Constraints) (registrar.Handle, []string, error) {
	defer conn.Close()
	stop := watchContext(ctx, conn)
	defer stop()

	offered := acceptable(c.Channel.Formats(), cs)
	if len(offered) == 0 {
		return nil, nil, &UnsupportedConstraintError{Required: cs.Require, Offered: c.Channel.Formats()}
	}

	if err := writeMessage(conn, hello{Magic: Magic, Formats: offered, Require: cs.Require}); err != nil {
		return nil, nil, transportError(ctx, "send hello", err)
	}

	var sel selection
	if err := readMessage(conn, &sel); err != nil {
		if errors.Is(err, io.EOF) {
			// The server closes the connection instead of selecting.
			return nil, nil, &UnsupportedConstraintError{Required: cs.Require, Offered: offered}
		}
		if protocol.IsProtocolError(err) {
			return nil, nil, err
		}
		return nil, nil, transportError(ctx, "read selection", err)
	}
	if !slices.Contains(offered, sel.Format) {
		return nil, nil, protocol.NewProtocolError("selection", "server selected %v, which was not offered", sel.Format)
	}
	metricFormatsSelected.WithLabelValues(sel.Format.String()).Inc()

	sconn, err := c.Channel.Negotiate(ctx, conn, sel.Format, cs)
	if err != nil {
		var cve *tls.CertificateVerificationError
		if errors.As(err, &cve) {
			// Not retried; a peer that failed verification stays unverified.
			return nil, nil, &UnsupportedConstraintError{Required: cs.Require, Offered: []Format{sel.Format}, Err: err}
		}
		return nil, nil, transportError(ctx, "negotiate "+sel.Format.String(), err)
	}
	defer sconn.Close()

	var resp registrarResponse
	if err := readMessage(sconn, &resp); err != nil {
		if protocol.IsProtocolError(err) {
			return nil, nil, err
		}
		return nil, nil, transportError(ctx, "read response", err)
	}

	v, err := c.Serializer.Unmarshal(resp.Proxy, HintRegistrar)
	if err != nil {
		if marshal.IsTransient(err) {
			return nil, nil, &TransportError{Op: "unmarshal registrar", Err: err}
		}
		return nil, nil, &protocol.ProtocolError{Op: "unmarshal registrar", Err: err}
	}
	h, ok := v.(registrar.Handle)
	if !ok {
		return nil, nil, protocol.NewProtocolError("unmarshal registrar", "%T is not a registrar handle", v)
	}
	return h, resp.Groups, nil
}

// watchContext applies the context deadline to conn, and makes blocked
// reads and writes return when the context is cancelled.
func watchContext(ctx context.Context, conn net.Conn) func() bool {
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	return context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
}

// transportError wraps err, reporting the context's error instead when the
// context ended the operation. A connection deadline taken from the context
// can fire just before the context's own timer does.
func transportError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	} else if errors.Is(err, os.ErrDeadlineExceeded) {
		if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
			err = context.DeadlineExceeded
		}
	}
	return &TransportError{Op: op, Err: err}
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return resultSuccess
	case IsUnsupportedConstraint(err):
		return resultUnsupported
	case protocol.IsProtocolError(err):
		return resultProtocol
	default:
		return resultTransport
	}
}
