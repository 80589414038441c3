// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package beacon

import (
	"context"
	"errors"
	"net"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

var errNoInterfaces = errors.New("no multicast interfaces available")

// NewMulticast returns a beacon for the given multicast group address,
// which may be IPv4 (e.g. "224.0.1.85:4160") or IPv6 (e.g.
// "[ff12::8384]:4160").
func NewMulticast(addr string) Interface {
	c := newCast("multicastBeacon")
	c.addReader(func(ctx context.Context) error {
		return readMulticasts(ctx, c.outbox, addr)
	})
	c.addWriter(func(ctx context.Context) error {
		return writeMulticasts(ctx, c.inbox, addr)
	})
	return c
}

// multicastConn hides the differences between the ipv4 and ipv6 packet
// connection types.
type multicastConn interface {
	joinGroup(intf *net.Interface, group net.Addr) error
	writeTo(bs []byte, ifIndex int, dst net.Addr) error
	readFrom(bs []byte) (int, net.Addr, error)
	setWriteDeadline(t time.Time) error
}

type multicastConn4 struct{ *ipv4.PacketConn }

func (c multicastConn4) joinGroup(intf *net.Interface, group net.Addr) error {
	return c.JoinGroup(intf, group)
}

func (c multicastConn4) writeTo(bs []byte, ifIndex int, dst net.Addr) error {
	_, err := c.WriteTo(bs, &ipv4.ControlMessage{IfIndex: ifIndex}, dst)
	return err
}

func (c multicastConn4) readFrom(bs []byte) (int, net.Addr, error) {
	n, _, addr, err := c.ReadFrom(bs)
	return n, addr, err
}

func (c multicastConn4) setWriteDeadline(t time.Time) error {
	return c.SetWriteDeadline(t)
}

type multicastConn6 struct{ *ipv6.PacketConn }

func (c multicastConn6) joinGroup(intf *net.Interface, group net.Addr) error {
	return c.JoinGroup(intf, group)
}

func (c multicastConn6) writeTo(bs []byte, ifIndex int, dst net.Addr) error {
	_, err := c.WriteTo(bs, &ipv6.ControlMessage{HopLimit: 1, IfIndex: ifIndex}, dst)
	return err
}

func (c multicastConn6) readFrom(bs []byte) (int, net.Addr, error) {
	n, _, addr, err := c.ReadFrom(bs)
	return n, addr, err
}

func (c multicastConn6) setWriteDeadline(t time.Time) error {
	return c.SetWriteDeadline(t)
}

func listenMulticast(network, addr string) (net.PacketConn, *net.UDPAddr, multicastConn, error) {
	gaddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, nil, nil, err
	}

	if gaddr.IP.To4() != nil {
		if network == "" {
			network = gaddr.String()
		}
		conn, err := net.ListenPacket("udp4", network)
		if err != nil {
			return nil, nil, nil, err
		}
		pconn := ipv4.NewPacketConn(conn)
		_ = pconn.SetMulticastTTL(1)
		_ = pconn.SetMulticastLoopback(true)
		return conn, gaddr, multicastConn4{pconn}, nil
	}

	if network == "" {
		network = gaddr.String()
	}
	conn, err := net.ListenPacket("udp6", network)
	if err != nil {
		return nil, nil, nil, err
	}
	pconn := ipv6.NewPacketConn(conn)
	_ = pconn.SetMulticastLoopback(true)
	return conn, gaddr, multicastConn6{pconn}, nil
}

func writeMulticasts(ctx context.Context, inbox <-chan []byte, addr string) error {
	conn, gaddr, mconn, err := listenMulticast(":0", addr)
	if err != nil {
		l.Debugln(err)
		return err
	}
	doneCtx, cancel := closeOnDone(ctx, conn)
	defer cancel()

	for {
		var bs []byte
		select {
		case bs = <-inbox:
		case <-doneCtx.Done():
			return doneCtx.Err()
		}

		intfs, err := net.Interfaces()
		if err != nil {
			l.Debugln(err)
			return err
		}

		success := 0
		for _, intf := range intfs {
			if intf.Flags&net.FlagRunning == 0 || intf.Flags&net.FlagMulticast == 0 {
				continue
			}

			_ = mconn.setWriteDeadline(time.Now().Add(time.Second))
			err = mconn.writeTo(bs, intf.Index, gaddr)
			_ = mconn.setWriteDeadline(time.Time{})

			if err != nil {
				l.Debugln(err, "on write to", gaddr, intf.Name)
				continue
			}

			l.Debugf("sent %d bytes to %v on %s", len(bs), gaddr, intf.Name)

			success++

			select {
			case <-doneCtx.Done():
				return doneCtx.Err()
			default:
			}
		}

		if success == 0 {
			if err == nil {
				err = errNoInterfaces
			}
			return err
		}
	}
}

func readMulticasts(ctx context.Context, outbox chan<- recv, addr string) error {
	conn, gaddr, mconn, err := listenMulticast("", addr)
	if err != nil {
		l.Debugln(err)
		return err
	}
	doneCtx, cancel := closeOnDone(ctx, conn)
	defer cancel()

	intfs, err := net.Interfaces()
	if err != nil {
		l.Debugln(err)
		return err
	}

	joined := 0
	for _, intf := range intfs {
		if intf.Flags&net.FlagMulticast == 0 {
			continue
		}
		err := mconn.joinGroup(&intf, &net.UDPAddr{IP: gaddr.IP})
		if err != nil {
			l.Debugln("multicast join", intf.Name, "failed:", err)
			continue
		}
		l.Debugln("multicast join", intf.Name, "success")
		joined++
	}

	if joined == 0 {
		l.Debugln(errNoInterfaces)
		return errNoInterfaces
	}

	return readLoop(doneCtx, outbox, mconn.readFrom)
}
