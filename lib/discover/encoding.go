// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package discover

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"unicode/utf8"

	"github.com/syncthing/lookup/lib/protocol"
)

const (
	// MaxDatagramSize is the largest datagram the codec produces.
	MaxDatagramSize = 512
	// MaxGroupLength is the largest encoded group name, in bytes.
	MaxGroupLength = 256
)

var (
	ErrGroupTooLong   = fmt.Errorf("group name longer than %d bytes", MaxGroupLength)
	ErrTooManyGroups  = fmt.Errorf("groups do not fit in a %d byte datagram", MaxDatagramSize)
	ErrHostTooLong    = fmt.Errorf("announcement host longer than %d bytes", MaxGroupLength)
	ErrInvalidUTF8    = errors.New("group name or host is not valid UTF-8")
	errShortPacket    = errors.New("short packet")
	errTrailingData   = errors.New("trailing data")
	errInvalidString  = errors.New("invalid UTF-8 string")
	errStringTooLong  = errors.New("string too long")
	errInvalidPortNum = errors.New("invalid port")
)

// A Request asks registrars that are members of any of Groups, and that
// are not listed in Exclude, to announce themselves. An empty Groups list
// means any group.
type Request struct {
	Groups  []string
	Exclude []protocol.ServiceID
}

// Wants returns true if a registrar with the given groups should answer.
func (r Request) Wants(groups []string) bool {
	if len(r.Groups) == 0 {
		return true
	}
	for _, g := range r.Groups {
		if slices.Contains(groups, g) {
			return true
		}
	}
	return false
}

// Excludes returns true if the registrar is on the exclusion list.
func (r Request) Excludes(id protocol.ServiceID) bool {
	return slices.Contains(r.Exclude, id)
}

// An Announcement tells listeners where a registrar's handshake server is
// and which groups the registrar is a member of.
type Announcement struct {
	ID     protocol.ServiceID
	Host   string
	Port   uint16
	Groups []string
}

func validateGroups(groups []string) error {
	for _, g := range groups {
		if len(g) > MaxGroupLength {
			return fmt.Errorf("%q: %w", g, ErrGroupTooLong)
		}
		if !utf8.ValidString(g) {
			return fmt.Errorf("%q: %w", g, ErrInvalidUTF8)
		}
	}
	return nil
}

func groupsSize(groups []string) int {
	n := 2
	for _, g := range groups {
		n += 2 + len(g)
	}
	return n
}

// EncodeRequest returns the datagrams carrying the request. Every datagram
// repeats the full group list; the exclusion list is split across as many
// datagrams as needed. At least one datagram is always returned.
func EncodeRequest(groups []string, exclude []protocol.ServiceID) ([][]byte, error) {
	if err := validateGroups(groups); err != nil {
		return nil, err
	}

	base := groupsSize(groups) + 2
	if base > MaxDatagramSize {
		return nil, ErrTooManyGroups
	}
	perDatagram := (MaxDatagramSize - base) / protocol.ServiceIDLength
	if perDatagram == 0 && len(exclude) > 0 {
		return nil, ErrTooManyGroups
	}

	var pkts [][]byte
	for {
		n := min(len(exclude), perDatagram)
		buf := make([]byte, 0, base+n*protocol.ServiceIDLength)
		buf = appendGroups(buf, groups)
		buf = binary.BigEndian.AppendUint16(buf, uint16(n))
		for _, id := range exclude[:n] {
			buf = append(buf, id[:]...)
		}
		pkts = append(pkts, buf)

		exclude = exclude[n:]
		if len(exclude) == 0 {
			return pkts, nil
		}
	}
}

func DecodeRequest(buf []byte) (Request, error) {
	var r Request
	d := decoder{buf: buf}

	r.Groups = d.groups()
	n := d.uint16()
	if d.err == nil && len(d.buf) < n*protocol.ServiceIDLength {
		d.err = errShortPacket
	}
	for i := 0; i < n && d.err == nil; i++ {
		r.Exclude = append(r.Exclude, d.serviceID())
	}

	if err := d.finish(); err != nil {
		return Request{}, protocol.NewProtocolError("decode request", "%w", err)
	}
	return r, nil
}

func EncodeAnnouncement(a Announcement) ([]byte, error) {
	if err := validateGroups(a.Groups); err != nil {
		return nil, err
	}
	// The host is decoded like a group name.
	if len(a.Host) > MaxGroupLength {
		return nil, ErrHostTooLong
	}
	if !utf8.ValidString(a.Host) {
		return nil, fmt.Errorf("host %q: %w", a.Host, ErrInvalidUTF8)
	}

	size := protocol.ServiceIDLength + 2 + len(a.Host) + 2 + groupsSize(a.Groups)
	if size > MaxDatagramSize {
		return nil, ErrTooManyGroups
	}

	buf := make([]byte, 0, size)
	buf = append(buf, a.ID[:]...)
	buf = appendString(buf, a.Host)
	buf = binary.BigEndian.AppendUint16(buf, a.Port)
	buf = appendGroups(buf, a.Groups)
	return buf, nil
}

func DecodeAnnouncement(buf []byte) (Announcement, error) {
	var a Announcement
	d := decoder{buf: buf}

	a.ID = d.serviceID()
	a.Host = d.string()
	a.Port = uint16(d.uint16())
	a.Groups = d.groups()

	if d.err == nil && a.Port == 0 {
		d.err = errInvalidPortNum
	}
	if err := d.finish(); err != nil {
		return Announcement{}, protocol.NewProtocolError("decode announcement", "%w", err)
	}
	return a, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func appendGroups(buf []byte, groups []string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(groups)))
	for _, g := range groups {
		buf = appendString(buf, g)
	}
	return buf
}

// decoder reads fields until the first error, after which every read
// returns the zero value.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) uint16() int {
	if d.err != nil {
		return 0
	}
	if len(d.buf) < 2 {
		d.err = errShortPacket
		return 0
	}
	v := binary.BigEndian.Uint16(d.buf)
	d.buf = d.buf[2:]
	return int(v)
}

func (d *decoder) string() string {
	n := d.uint16()
	if d.err != nil {
		return ""
	}
	if n > MaxGroupLength {
		d.err = errStringTooLong
		return ""
	}
	if len(d.buf) < n {
		d.err = errShortPacket
		return ""
	}
	bs := d.buf[:n]
	d.buf = d.buf[n:]
	if !utf8.Valid(bs) {
		d.err = errInvalidString
		return ""
	}
	return string(bs)
}

func (d *decoder) groups() []string {
	n := d.uint16()
	if d.err != nil || n == 0 {
		return nil
	}
	// Each group takes at least its two byte length prefix.
	if len(d.buf) < 2*n {
		d.err = errShortPacket
		return nil
	}
	groups := make([]string, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		groups = append(groups, d.string())
	}
	return groups
}

func (d *decoder) serviceID() protocol.ServiceID {
	var id protocol.ServiceID
	if d.err != nil {
		return id
	}
	if len(d.buf) < len(id) {
		d.err = errShortPacket
		return id
	}
	copy(id[:], d.buf)
	d.buf = d.buf[len(id):]
	return id
}

func (d *decoder) finish() error {
	if d.err == nil && len(d.buf) != 0 {
		d.err = errTrailingData
	}
	return d.err
}
