// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package unicast

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/calmh/xdr"

	"github.com/syncthing/lookup/lib/protocol"
)

// Magic starts every client hello.
const Magic uint32 = 0x4c4b5550

const (
	maxFormats       = 16
	maxGroups        = 256
	maxGroupLength   = 256
	maxProxySize     = 1 << 20
	maxMessageLength = maxProxySize + 64<<10
)

// hello is the first message from the client: the formats it supports, in
// order of preference, and the constraints it requires.
type hello struct {
	Magic   uint32
	Formats []Format
	Require Constraint
}

// selection is the server's answer to a hello.
type selection struct {
	Format Format
}

// registrarResponse follows the selection, in the selected format.
type registrarResponse struct {
	Proxy  []byte
	Groups []string
}

type xdrMessage interface {
	XDRSize() int
	MarshalXDRInto(m *xdr.Marshaller) error
}

type xdrUnmarshaller interface {
	UnmarshalXDR(bs []byte) error
}

// writeMessage writes the message with a four byte length prefix.
func writeMessage(w io.Writer, msg xdrMessage) error {
	size := msg.XDRSize()
	buf := make([]byte, 4+size)
	binary.BigEndian.PutUint32(buf, uint32(size))
	m := &xdr.Marshaller{Data: buf[4:]}
	if err := msg.MarshalXDRInto(m); err != nil {
		return err
	}
	_, err := w.Write(buf)
	return err
}

// readMessage reads a length prefixed message. A malformed message yields
// a ProtocolError; I/O errors are returned as is.
func readMessage(r io.Reader, msg xdrUnmarshaller) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > maxMessageLength {
		return protocol.NewProtocolError("read message", "message length %d exceeds %d", size, maxMessageLength)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	if err := msg.UnmarshalXDR(buf); err != nil {
		return &protocol.ProtocolError{Op: fmt.Sprintf("unmarshal %T", msg), Err: err}
	}
	return nil
}
