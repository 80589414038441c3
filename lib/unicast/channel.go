// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package unicast

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
)

// A SecureChannel provides the formats a handshake can continue in, and
// turns a raw connection into one in the selected format.
type SecureChannel interface {
	// Formats returns the supported formats, most preferred first.
	Formats() []Format
	Negotiate(ctx context.Context, conn net.Conn, format Format, cs Constraints) (net.Conn, error)
}

// PlainChannel supports only the plaintext format.
type PlainChannel struct{}

func (PlainChannel) Formats() []Format {
	return []Format{FormatPlaintext}
}

func (PlainChannel) Negotiate(_ context.Context, conn net.Conn, format Format, _ Constraints) (net.Conn, error) {
	if format != FormatPlaintext {
		return nil, fmt.Errorf("unsupported format %v", format)
	}
	return conn, nil
}

// TLSChannel supports the TLS formats, and plaintext if allowed. On the
// client side, mutual TLS is offered when Config carries a certificate; on
// the server side, when Config has a pool of client CAs.
type TLSChannel struct {
	Config         *tls.Config
	Server         bool
	AllowPlaintext bool
}

func (c *TLSChannel) Formats() []Format {
	var fs []Format
	if c.mutualCapable() {
		fs = append(fs, FormatTLSMutual)
	}
	fs = append(fs, FormatTLS)
	if c.AllowPlaintext {
		fs = append(fs, FormatPlaintext)
	}
	return fs
}

func (c *TLSChannel) mutualCapable() bool {
	if c.Server {
		return c.Config.ClientCAs != nil
	}
	return len(c.Config.Certificates) > 0 || c.Config.GetClientCertificate != nil
}

func (c *TLSChannel) Negotiate(ctx context.Context, conn net.Conn, format Format, _ Constraints) (net.Conn, error) {
	cfg := c.Config.Clone()

	switch format {
	case FormatPlaintext:
		if !c.AllowPlaintext {
			return nil, fmt.Errorf("unsupported format %v", format)
		}
		return conn, nil

	case FormatTLS:
		if c.Server {
			cfg.ClientAuth = tls.NoClientCert
		} else {
			cfg.Certificates = nil
			cfg.GetClientCertificate = nil
		}

	case FormatTLSMutual:
		if !c.mutualCapable() {
			return nil, fmt.Errorf("unsupported format %v", format)
		}
		if c.Server {
			cfg.ClientAuth = tls.RequireAndVerifyClientCert
		}

	default:
		return nil, fmt.Errorf("unsupported format %v", format)
	}

	var tc *tls.Conn
	if c.Server {
		tc = tls.Server(conn, cfg)
	} else {
		tc = tls.Client(conn, cfg)
	}
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return tc, nil
}
