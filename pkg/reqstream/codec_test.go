// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package reqstream

import (
	"bytes"
	"testing"
)

func TestEncodeFrameVector(t *testing.T) {
	frame := encodeFrame(encodePayload(KindCommand, 7, "ping", []byte("body")))

	expected := []byte("20:l1:Ci7e4:ping4:bodye")
	if !bytes.Equal(frame, expected) {
		t.Fatalf("frame is %q, expected %q", frame, expected)
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	tests := []struct {
		kind     Kind
		id       int64
		endpoint string
		body     []byte
	}{
		{KindCommand, 0, "ping", []byte("hello")},
		{KindCommand, 1337, "a_longer.endpoint-name", []byte{0x00, 0xff, 0x23}},
		{KindCommand, 9223372036854775807, "x", nil},
		{KindResponse, 0, "", []byte("pong")},
		{KindResponse, 42, "", nil},
		{KindError, 23, "", []byte("oof")},
	}

	for _, test := range tests {
		payload := encodePayload(test.kind, test.id, test.endpoint, test.body)

		msg, err := decodePayload(payload)
		if err != nil {
			t.Fatalf("decoding %q errored: %v", payload, err)
		}

		if msg.Kind != test.kind {
			t.Fatalf("%q: kind is %v, expected %v", payload, msg.Kind, test.kind)
		}
		if msg.RequestID != test.id {
			t.Fatalf("%q: request id is %d, expected %d", payload, msg.RequestID, test.id)
		}
		if msg.Endpoint != test.endpoint {
			t.Fatalf("%q: endpoint is %q, expected %q", payload, msg.Endpoint, test.endpoint)
		}
		if !bytes.Equal(msg.Body, test.body) {
			t.Fatalf("%q: body is %q, expected %q", payload, msg.Body, test.body)
		}
	}
}

func TestDecodePayloadErrors(t *testing.T) {
	tests := [][]byte{
		nil,
		[]byte("d1:Ci7e4:bodye"),
		[]byte("l1:Xi7e4:bodye"),
		[]byte("l1:C4:bodye"),
		[]byte("l1:Ci7e4:body"),
		[]byte("l1:Ci7e4:bodyetrailing"),
		[]byte("l1:Ci7e9999:bodye"),
		[]byte("l1:Ci7e4:ping4:bodyextra"),
	}

	for _, payload := range tests {
		if _, err := decodePayload(payload); err == nil {
			t.Fatalf("decoding %q did not error", payload)
		}
	}
}

func TestParseLength(t *testing.T) {
	tests := []struct {
		data     string
		consumed int
		length   int
		invalid  bool
	}{
		{"20:", 3, 20, false},
		{"20:partial payload", 3, 20, false},
		{"10000000:", 9, 10000000, false},
		{"1", 0, 0, false},
		{"1234567", 0, 0, false},
		{"", 0, 0, false},
		{"123456789", 0, 0, true},
		{":", 0, 0, true},
		{"0:", 0, 0, true},
		{"042:", 0, 0, true},
		{"10000001:", 0, 0, true},
		{"-5:", 0, 0, true},
		{"2x:", 0, 0, true},
	}

	for _, test := range tests {
		consumed, length, err := parseLength([]byte(test.data))

		if test.invalid {
			if err == nil {
				t.Fatalf("%q: expected an error", test.data)
			}
			continue
		}

		if err != nil {
			t.Fatalf("%q: errored: %v", test.data, err)
		}
		if consumed != test.consumed || length != test.length {
			t.Fatalf("%q: got (%d, %d), expected (%d, %d)",
				test.data, consumed, length, test.consumed, test.length)
		}
	}
}
