// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package discover

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/d4l3k/messagediff"

	"github.com/syncthing/lookup/lib/protocol"
)

func serviceIDs(n int) []protocol.ServiceID {
	ids := make([]protocol.ServiceID, n)
	for i := range ids {
		ids[i] = protocol.NewServiceID()
	}
	return ids
}

func TestRequestRoundTrip(t *testing.T) {
	cases := []struct {
		groups  []string
		exclude []protocol.ServiceID
	}{
		{nil, nil},
		{[]string{"public"}, nil},
		{[]string{"public", "lab", "ünïcødé"}, serviceIDs(3)},
		{nil, serviceIDs(1)},
	}

	for i, tc := range cases {
		pkts, err := EncodeRequest(tc.groups, tc.exclude)
		if err != nil {
			t.Fatal(i, err)
		}
		if len(pkts) != 1 {
			t.Fatalf("%d: expected one datagram, got %d", i, len(pkts))
		}
		req, err := DecodeRequest(pkts[0])
		if err != nil {
			t.Fatal(i, err)
		}
		expected := Request{Groups: tc.groups, Exclude: tc.exclude}
		if diff, equal := messagediff.PrettyDiff(expected, req); !equal {
			t.Errorf("%d: request differs:\n%s", i, diff)
		}
	}
}

func TestRequestEncodingEmpty(t *testing.T) {
	// Four bytes: no groups, nothing excluded.
	pkts, err := EncodeRequest(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(pkts) != 1 || len(pkts[0]) != 4 {
		t.Fatalf("unexpected encoding %x", pkts)
	}
	for _, b := range pkts[0] {
		if b != 0 {
			t.Fatalf("unexpected encoding %x", pkts[0])
		}
	}
}

func TestRequestSplitting(t *testing.T) {
	groups := []string{"public", "lab"}
	exclude := serviceIDs(100)

	pkts, err := EncodeRequest(groups, exclude)
	if err != nil {
		t.Fatal(err)
	}
	if len(pkts) < 2 {
		t.Fatalf("expected the exclusion list to be split, got %d datagram(s)", len(pkts))
	}

	asm := NewAssembler(DefaultWindow)
	var full Request
	for i, pkt := range pkts {
		if len(pkt) > MaxDatagramSize {
			t.Errorf("datagram %d is %d bytes", i, len(pkt))
		}
		req, err := DecodeRequest(pkt)
		if err != nil {
			t.Fatal(i, err)
		}
		if diff, equal := messagediff.PrettyDiff(groups, req.Groups); !equal {
			t.Errorf("datagram %d lacks the group list:\n%s", i, diff)
		}
		full = asm.Add("192.0.2.42:4160", req)
	}

	if diff, equal := messagediff.PrettyDiff(Request{Groups: groups, Exclude: exclude}, full); !equal {
		t.Errorf("reassembled request differs:\n%s", diff)
	}
}

func TestRequestGroupLimits(t *testing.T) {
	if _, err := EncodeRequest([]string{strings.Repeat("x", MaxGroupLength)}, nil); err != nil {
		t.Error("maximum length group should encode:", err)
	}
	if _, err := EncodeRequest([]string{strings.Repeat("x", MaxGroupLength+1)}, nil); !errors.Is(err, ErrGroupTooLong) {
		t.Error("expected ErrGroupTooLong, got", err)
	}

	many := []string{strings.Repeat("a", 200), strings.Repeat("b", 200), strings.Repeat("c", 200)}
	if _, err := EncodeRequest(many, nil); !errors.Is(err, ErrTooManyGroups) {
		t.Error("expected ErrTooManyGroups, got", err)
	}
}

func TestAnnouncementRoundTrip(t *testing.T) {
	cases := []Announcement{
		{ID: protocol.NewServiceID(), Host: "192.0.2.42", Port: 4160, Groups: []string{"public"}},
		{ID: protocol.NewServiceID(), Host: "", Port: 1, Groups: nil},
		{ID: protocol.NewServiceID(), Host: "registrar.example.com", Port: 65535, Groups: []string{"a", "b", "c"}},
	}

	for i, ann := range cases {
		bs, err := EncodeAnnouncement(ann)
		if err != nil {
			t.Fatal(i, err)
		}
		if len(bs) > MaxDatagramSize {
			t.Errorf("%d: announcement is %d bytes", i, len(bs))
		}
		dec, err := DecodeAnnouncement(bs)
		if err != nil {
			t.Fatal(i, err)
		}
		if diff, equal := messagediff.PrettyDiff(ann, dec); !equal {
			t.Errorf("%d: announcement differs:\n%s", i, diff)
		}
	}
}

func TestAnnouncementLimits(t *testing.T) {
	id := protocol.NewServiceID()
	if _, err := EncodeAnnouncement(Announcement{ID: id, Port: 1, Groups: []string{strings.Repeat("x", MaxGroupLength+1)}}); !errors.Is(err, ErrGroupTooLong) {
		t.Error("expected ErrGroupTooLong, got", err)
	}
	for _, n := range []int{MaxGroupLength + 1, 300, 600} {
		if _, err := EncodeAnnouncement(Announcement{ID: id, Port: 1, Host: strings.Repeat("h", n)}); !errors.Is(err, ErrHostTooLong) {
			t.Errorf("%d byte host: expected ErrHostTooLong, got %v", n, err)
		}
	}
	if _, err := EncodeAnnouncement(Announcement{ID: id, Port: 1, Host: "\xff"}); !errors.Is(err, ErrInvalidUTF8) {
		t.Error("expected ErrInvalidUTF8 for the host, got", err)
	}
	if _, err := EncodeRequest([]string{"\xe0"}, nil); !errors.Is(err, ErrInvalidUTF8) {
		t.Error("expected ErrInvalidUTF8 for a group, got", err)
	}

	// Whatever the encoder accepts, the decoder reads back.
	a := Announcement{ID: id, Host: strings.Repeat("h", MaxGroupLength), Port: 4160, Groups: []string{"public"}}
	bs, err := EncodeAnnouncement(a)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeAnnouncement(bs)
	if err != nil {
		t.Fatal(err)
	}
	if got.Host != a.Host || got.Port != a.Port || len(got.Groups) != 1 {
		t.Errorf("unexpected announcement %+v", got)
	}
}

func TestDecodeMalformed(t *testing.T) {
	valid, err := EncodeAnnouncement(Announcement{ID: protocol.NewServiceID(), Host: "h", Port: 4160, Groups: []string{"g"}})
	if err != nil {
		t.Fatal(err)
	}
	zeroPort := append([]byte(nil), valid...)
	// ID, host length and "h", then the port.
	binary.BigEndian.PutUint16(zeroPort[protocol.ServiceIDLength+3:], 0)
	badUTF8 := append([]byte(nil), valid[:protocol.ServiceIDLength]...)
	badUTF8 = append(badUTF8, 0, 1, 0xff, 0x10, 0xe0, 0, 0)

	announcements := [][]byte{
		nil,
		valid[:10],
		valid[:len(valid)-1],
		append(append([]byte(nil), valid...), 0),
		zeroPort,
		badUTF8,
	}
	for i, bs := range announcements {
		if _, err := DecodeAnnouncement(bs); !protocol.IsProtocolError(err) {
			t.Errorf("announcement %d: expected a protocol error, got %v", i, err)
		}
	}

	requests := [][]byte{
		nil,
		{0},
		{0, 0, 0},
		{0, 0, 0, 1},            // one excluded ID, missing
		{0, 0, 0, 0, 0},         // trailing data
		{0, 1, 0, 5, 'a'},       // short group name
		{0xff, 0xff, 0, 0},      // more groups than bytes
		{0, 1, 0x01, 0x01, 'a'}, // group longer than allowed
	}
	for i, bs := range requests {
		if _, err := DecodeRequest(bs); !protocol.IsProtocolError(err) {
			t.Errorf("request %d: expected a protocol error, got %v", i, err)
		}
	}
}

func TestRequestWants(t *testing.T) {
	id := protocol.NewServiceID()
	cases := []struct {
		req      Request
		groups   []string
		wants    bool
		excludes bool
	}{
		{Request{}, nil, true, false},
		{Request{}, []string{"lab"}, true, false},
		{Request{Groups: []string{"lab"}}, []string{"public", "lab"}, true, false},
		{Request{Groups: []string{"lab"}}, []string{"public"}, false, false},
		{Request{Groups: []string{"lab"}}, nil, false, false},
		{Request{Exclude: []protocol.ServiceID{id}}, nil, true, true},
	}

	for i, tc := range cases {
		if got := tc.req.Wants(tc.groups); got != tc.wants {
			t.Errorf("%d: Wants = %v, expected %v", i, got, tc.wants)
		}
		if got := tc.req.Excludes(id); got != tc.excludes {
			t.Errorf("%d: Excludes = %v, expected %v", i, got, tc.excludes)
		}
	}
}
