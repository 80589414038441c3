// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package unicast

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"time"

	"github.com/syncthing/lookup/lib/marshal"
	"github.com/syncthing/lookup/lib/protocol"
	"github.com/syncthing/lookup/lib/sync"
)

const defaultServerTimeout = 10 * time.Second

// A Server answers handshakes on behalf of one registrar.
type Server struct {
	addr       string
	channel    SecureChannel
	serializer marshal.Serializer
	proxy      any
	groups     func() []string
	timeout    time.Duration

	mut      sync.Mutex
	listener net.Listener
}

// NewServer returns a server that will listen on addr and hand out the
// marshalled proxy together with the groups returned by the groups
// function at the time of each handshake.
func NewServer(addr string, channel SecureChannel, serializer marshal.Serializer, proxy any, groups func() []string) *Server {
	return &Server{
		addr:       addr,
		channel:    channel,
		serializer: serializer,
		proxy:      proxy,
		groups:     groups,
		timeout:    defaultServerTimeout,
		mut:        sync.NewMutex(),
	}
}

// SetProxy replaces the proxy handed out by later handshakes, typically
// once Listen has settled the port it should carry.
func (s *Server) SetProxy(proxy any) {
	s.mut.Lock()
	s.proxy = proxy
	s.mut.Unlock()
}

// Listen binds the listening socket ahead of Serve, and returns its
// address.
func (s *Server) Listen() (net.Addr, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.listener != nil {
		return s.listener.Addr(), nil
	}
	lst, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, err
	}
	s.listener = lst
	return lst.Addr(), nil
}

func (s *Server) Serve(ctx context.Context) error {
	if _, err := s.Listen(); err != nil {
		return err
	}
	s.mut.Lock()
	lst := s.listener
	s.mut.Unlock()

	defer func() {
		s.mut.Lock()
		lst.Close()
		s.listener = nil
		s.mut.Unlock()
	}()
	stop := context.AfterFunc(ctx, func() { lst.Close() })
	defer stop()

	l.Infoln("Registrar handshake server listening on", lst.Addr())

	for {
		conn, err := lst.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		go func() {
			cctx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()
			if err := s.ServeConn(cctx, conn); err != nil {
				l.Debugf("handshake from %v: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

func (s *Server) String() string {
	return fmt.Sprintf("unicast.Server@%s", s.addr)
}

// ServeConn answers one handshake on conn, which it closes before
// returning.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) error {
	err := s.serveConn(ctx, conn)
	metricHandshakes.WithLabelValues(sideServer, resultOf(err)).Inc()
	return err
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	stop := watchContext(ctx, conn)
	defer stop()

	var hel hello
	if err := readMessage(conn, &hel); err != nil {
		if protocol.IsProtocolError(err) {
			return err
		}
		return transportError(ctx, "read hello", err)
	}

	supported := s.channel.Formats()
	var format Format
	for _, f := range hel.Formats {
		if slices.Contains(supported, f) && f.Satisfies(hel.Require) {
			format = f
			break
		}
	}
	if format == 0 {
		// Closing without a selection tells the client nothing fits.
		return &UnsupportedConstraintError{Required: hel.Require, Offered: hel.Formats}
	}

	if err := writeMessage(conn, selection{Format: format}); err != nil {
		return transportError(ctx, "send selection", err)
	}

	sconn, err := s.channel.Negotiate(ctx, conn, format, Constraints{Require: hel.Require})
	if err != nil {
		return transportError(ctx, "negotiate "+format.String(), err)
	}
	defer sconn.Close()

	s.mut.Lock()
	pv := s.proxy
	s.mut.Unlock()
	proxy, err := s.serializer.Marshal(pv)
	if err != nil {
		return err
	}
	var groups []string
	if s.groups != nil {
		groups = s.groups()
	}
	if err := writeMessage(sconn, registrarResponse{Proxy: proxy, Groups: groups}); err != nil {
		return transportError(ctx, "send response", err)
	}
	return nil
}
