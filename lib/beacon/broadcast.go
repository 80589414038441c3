// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package beacon

import (
	"context"
	"net"
	"strconv"
	"time"
)

// NewBroadcast returns a beacon sending to the IPv4 broadcast address of
// every interface, and receiving on the given port.
func NewBroadcast(port int) Interface {
	c := newCast("broadcastBeacon")
	c.addReader(func(ctx context.Context) error {
		return readBroadcasts(ctx, c.outbox, port)
	})
	c.addWriter(func(ctx context.Context) error {
		return writeBroadcasts(ctx, c.inbox, port)
	})
	return c
}

func writeBroadcasts(ctx context.Context, inbox <-chan []byte, port int) error {
	conn, err := net.ListenUDP("udp4", nil)
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

		dsts, err := broadcastAddresses()
		if err != nil {
			l.Debugln(err)
			return err
		}

		success := 0
		for _, ip := range dsts {
			dst := &net.UDPAddr{IP: ip, Port: port}

			_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
			_, err = conn.WriteTo(bs, dst)
			_ = conn.SetWriteDeadline(time.Time{})

			if err != nil {
				l.Debugln(err, "on write to", dst)
				continue
			}

			l.Debugf("sent %d bytes to %s", len(bs), dst)
			success++
		}

		if success == 0 {
			l.Debugln("couldn't send any broadcasts")
			if err == nil {
				err = errNoInterfaces
			}
			return err
		}
	}
}

func readBroadcasts(ctx context.Context, outbox chan<- recv, port int) error {
	conn, err := net.ListenPacket("udp4", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		l.Debugln(err)
		return err
	}
	doneCtx, cancel := closeOnDone(ctx, conn)
	defer cancel()

	return readLoop(doneCtx, outbox, conn.ReadFrom)
}

func broadcastAddresses() ([]net.IP, error) {
	intfs, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var dsts []net.IP
	for _, intf := range intfs {
		if intf.Flags&net.FlagRunning == 0 || intf.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, err := intf.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipn, ok := addr.(*net.IPNet)
			if !ok || ipn.IP.To4() == nil {
				continue
			}
			ip := ipn.IP.To4()
			mask := ipn.Mask
			if len(mask) == net.IPv6len {
				mask = mask[12:]
			}
			bcast := make(net.IP, net.IPv4len)
			for i := range bcast {
				bcast[i] = ip[i] | ^mask[i]
			}
			dsts = append(dsts, bcast)
		}
	}

	if len(dsts) == 0 {
		// Fall back to the global broadcast address.
		dsts = append(dsts, net.IP{0xff, 0xff, 0xff, 0xff})
	}
	return dsts, nil
}
