// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package unicast

import (
	"errors"

	"github.com/calmh/xdr"
)

var errBadMagic = errors.New("bad magic")

/*

hello Structure:

 0                   1                   2                   3
 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
|                             Magic                             |
+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
|                       Number of Formats                       |
+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
/                                                               /
\                 Zero or more uint64 Structures                \
/                                                               /
+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
|                            Require                            |
+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+

*/

func (o hello) XDRSize() int {
	return 4 + 4 + 8*len(o.Formats) + 4
}

func (o hello) MarshalXDRInto(m *xdr.Marshaller) error {
	m.MarshalUint32(o.Magic)
	if l := len(o.Formats); l > maxFormats {
		return xdr.ElementSizeExceeded("Formats", l, maxFormats)
	}
	m.MarshalUint32(uint32(len(o.Formats)))
	for _, f := range o.Formats {
		m.MarshalUint64(uint64(f))
	}
	m.MarshalUint32(uint32(o.Require))
	return m.Error
}

func (o *hello) UnmarshalXDR(bs []byte) error {
	u := &xdr.Unmarshaller{Data: bs}
	return o.UnmarshalXDRFrom(u)
}

func (o *hello) UnmarshalXDRFrom(u *xdr.Unmarshaller) error {
	o.Magic = u.UnmarshalUint32()
	if u.Error == nil && o.Magic != Magic {
		return errBadMagic
	}
	l := int(u.UnmarshalUint32())
	if l > maxFormats {
		return xdr.ElementSizeExceeded("Formats", l, maxFormats)
	}
	o.Formats = make([]Format, 0, l)
	for i := 0; i < l && u.Error == nil; i++ {
		o.Formats = append(o.Formats, Format(u.UnmarshalUint64()))
	}
	o.Require = Constraint(u.UnmarshalUint32())
	return u.Error
}

/*

selection Structure:

 0                   1                   2                   3
 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
|                                                               |
+                        Format (64 bits)                       +
|                                                               |
+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+

*/

func (o selection) XDRSize() int {
	return 8
}

func (o selection) MarshalXDRInto(m *xdr.Marshaller) error {
	m.MarshalUint64(uint64(o.Format))
	return m.Error
}

func (o *selection) UnmarshalXDR(bs []byte) error {
	u := &xdr.Unmarshaller{Data: bs}
	return o.UnmarshalXDRFrom(u)
}

func (o *selection) UnmarshalXDRFrom(u *xdr.Unmarshaller) error {
	o.Format = Format(u.UnmarshalUint64())
	return u.Error
}

/*

registrarResponse Structure:

 0                   1                   2                   3
 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
/                                                               /
\                  Proxy (length + padded data)                 \
/                                                               /
+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
|                       Number of Groups                        |
+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
/                                                               /
\                 Groups (length + padded data)                 \
/                                                               /
+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+

*/

func (o registrarResponse) XDRSize() int {
	size := 4 + len(o.Proxy) + xdr.Padding(len(o.Proxy)) + 4
	for _, g := range o.Groups {
		size += 4 + len(g) + xdr.Padding(len(g))
	}
	return size
}

func (o registrarResponse) MarshalXDRInto(m *xdr.Marshaller) error {
	if l := len(o.Proxy); l > maxProxySize {
		return xdr.ElementSizeExceeded("Proxy", l, maxProxySize)
	}
	m.MarshalBytes(o.Proxy)
	if l := len(o.Groups); l > maxGroups {
		return xdr.ElementSizeExceeded("Groups", l, maxGroups)
	}
	m.MarshalUint32(uint32(len(o.Groups)))
	for _, g := range o.Groups {
		if l := len(g); l > maxGroupLength {
			return xdr.ElementSizeExceeded("Groups[]", l, maxGroupLength)
		}
		m.MarshalString(g)
	}
	return m.Error
}

func (o *registrarResponse) UnmarshalXDR(bs []byte) error {
	u := &xdr.Unmarshaller{Data: bs}
	return o.UnmarshalXDRFrom(u)
}

func (o *registrarResponse) UnmarshalXDRFrom(u *xdr.Unmarshaller) error {
	o.Proxy = u.UnmarshalBytesMax(maxProxySize)
	l := int(u.UnmarshalUint32())
	if l > maxGroups {
		return xdr.ElementSizeExceeded("Groups", l, maxGroups)
	}
	o.Groups = make([]string, 0, l)
	for i := 0; i < l && u.Error == nil; i++ {
		o.Groups = append(o.Groups, u.UnmarshalStringMax(maxGroupLength))
	}
	return u.Error
}
