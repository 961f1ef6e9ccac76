// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package discovery contains code for LAN discovery of reqstream daemons
// through UDP multicast packages.
package discovery

import (
	"fmt"

	"github.com/ugorji/go/codec"
)

const (
	// address4 is the default multicast IPv4 address used for discovery.
	address4 = "224.23.23.23"

	// address6 is the default multicast IPv6 address used for discovery.
	address6 = "ff02::23:23:23"

	// port is the default multicast port used for discovery.
	port = 35039
)

// Protocol names a transport a daemon is reachable by.
type Protocol uint

const (
	// QUIC is the quicrs transport.
	QUIC Protocol = 0

	// WebSocket is the wsrs transport.
	WebSocket Protocol = 1
)

// Announcement advertises one listener of a reqstream daemon.
type Announcement struct {
	_struct struct{} `codec:",toarray"`

	Type Protocol
	Name string
	Port uint
}

// UnmarshalAnnouncements parses an array of Announcements from its CBOR byte
// string representation.
func UnmarshalAnnouncements(data []byte) (announcements []Announcement, err error) {
	dec := codec.NewDecoderBytes(data, new(codec.CborHandle))
	err = dec.Decode(&announcements)

	return
}

// MarshalAnnouncements returns the CBOR byte string representation of an
// array of Announcements.
func MarshalAnnouncements(announcements []Announcement) (data []byte, err error) {
	enc := codec.NewEncoderBytes(&data, new(codec.CborHandle))
	err = enc.Encode(announcements)

	return
}

func (announcement Announcement) String() string {
	var protocol string
	switch announcement.Type {
	case QUIC:
		protocol = "quic"
	case WebSocket:
		protocol = "ws"
	default:
		protocol = "unknown"
	}

	return fmt.Sprintf("Announcement(%s,%s,%d)", protocol, announcement.Name, announcement.Port)
}
