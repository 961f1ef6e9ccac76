// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"reflect"
	"testing"
)

func TestAnnouncementCbor(t *testing.T) {
	var tests = []Announcement{
		{
			Type: QUIC,
			Name: "alice",
			Port: 4433,
		},
		{
			Type: WebSocket,
			Name: "alice",
			Port: 8080,
		},
		{
			Type: QUIC,
			Name: "bob.example.org",
			Port: 12345,
		},
	}

	for _, announcementIn := range tests {
		buff, err := MarshalAnnouncements([]Announcement{announcementIn})
		if err != nil {
			t.Fatalf("Encoding failed: %v", err)
		}

		announcementsOut, err := UnmarshalAnnouncements(buff)
		if err != nil {
			t.Fatalf("Decoding failed: %v", err)
		}
		if len(announcementsOut) != 1 {
			t.Fatalf("Decoding resulted in %d messages", len(announcementsOut))
		}

		if !reflect.DeepEqual(announcementIn, announcementsOut[0]) {
			t.Fatalf("Announcements differ: %v, %v", announcementIn, announcementsOut[0])
		}
	}
}

func TestAnnouncementsCbor(t *testing.T) {
	announcementsIn := []Announcement{
		{Type: QUIC, Name: "carol", Port: 4433},
		{Type: WebSocket, Name: "carol", Port: 8080},
	}

	buff, err := MarshalAnnouncements(announcementsIn)
	if err != nil {
		t.Fatalf("Encoding failed: %v", err)
	}

	announcementsOut, err := UnmarshalAnnouncements(buff)
	if err != nil {
		t.Fatalf("Decoding failed: %v", err)
	}

	if !reflect.DeepEqual(announcementsIn, announcementsOut) {
		t.Fatalf("Announcements differ: %v, %v", announcementsIn, announcementsOut)
	}
}
