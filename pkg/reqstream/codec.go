// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package reqstream

import (
	"bytes"
	"fmt"
	"strconv"
)

const (
	// MaxFrameSize is the maximum payload length of a single frame.
	MaxFrameSize = 10_000_000

	// maxLengthEncoded is the longest valid length prefix including the
	// colon: "10000000:". A prefix exceeding this without a colon is a
	// framing error.
	maxLengthEncoded = 9
)

// encodePayload serialises a message as a bencoded list: tag, request id,
// endpoint (commands only), body.
func encodePayload(kind Kind, requestID int64, endpoint string, body []byte) []byte {
	var buf bytes.Buffer

	buf.WriteByte('l')
	writeByteString(&buf, []byte(kind.tag()))
	fmt.Fprintf(&buf, "i%de", requestID)
	if kind == KindCommand {
		writeByteString(&buf, []byte(endpoint))
	}
	writeByteString(&buf, body)
	buf.WriteByte('e')

	return buf.Bytes()
}

// encodeFrame prefixes a payload with its ASCII decimal length and a colon.
func encodeFrame(payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+maxLengthEncoded)
	frame = strconv.AppendInt(frame, int64(len(payload)), 10)
	frame = append(frame, ':')
	return append(frame, payload...)
}

func writeByteString(buf *bytes.Buffer, data []byte) {
	buf.WriteString(strconv.Itoa(len(data)))
	buf.WriteByte(':')
	buf.Write(data)
}

// parseLength scans data for a complete length prefix. It returns the number
// of bytes consumed (digits plus colon) and the frame length; consumed == 0
// means the prefix is still incomplete and more data is needed. Empty, zero,
// leading-zero and over-limit lengths are framing errors, as is exceeding
// maxLengthEncoded bytes without finding a colon.
func parseLength(data []byte) (consumed int, length int, err error) {
	idx := bytes.IndexByte(data, ':')
	if idx < 0 {
		if len(data) >= maxLengthEncoded {
			return 0, 0, newFramingError("no colon within maximum length prefix", nil)
		}
		return 0, 0, nil
	}

	digits := data[:idx]
	if len(digits) == 0 {
		return 0, 0, newFramingError("empty length prefix", nil)
	}
	if digits[0] == '0' {
		return 0, 0, newFramingError("length prefix is zero or has a leading zero", nil)
	}

	length, atoiErr := strconv.Atoi(string(digits))
	if atoiErr != nil || length <= 0 {
		return 0, 0, newFramingError(fmt.Sprintf("invalid length prefix %q", digits), atoiErr)
	}
	if length > MaxFrameSize {
		return 0, 0, newFramingError(fmt.Sprintf("frame length %d exceeds maximum of %d", length, MaxFrameSize), nil)
	}

	return idx + 1, length, nil
}

// commandSizeBound bounds the encoded payload size of a command before its
// request id is known, assuming the longest possible id. Over-estimates by at
// most the unused id digits.
func commandSizeBound(endpoint string, body []byte) int {
	const maxIntegerEncoded = 22 // "i", up to 20 sign/digit bytes, "e"

	return 1 + // 'l'
		3 + // "1:C"
		maxIntegerEncoded +
		len(strconv.Itoa(len(endpoint))) + 1 + len(endpoint) +
		len(strconv.Itoa(len(body))) + 1 + len(body) +
		1 // 'e'
}

// decodePayload parses a complete frame payload into a Message. The Message
// owns the payload buffer; body and endpoint reference it directly and stay
// valid for the Message's lifetime.
func decodePayload(payload []byte) (*Message, error) {
	rest := payload

	if len(rest) == 0 || rest[0] != 'l' {
		return nil, newFramingError("payload is not a bencoded list", nil)
	}
	rest = rest[1:]

	tag, rest, err := readByteString(rest)
	if err != nil {
		return nil, err
	}
	kind, err := kindFromTag(string(tag))
	if err != nil {
		return nil, err
	}

	requestID, rest, err := readInteger(rest)
	if err != nil {
		return nil, err
	}

	var endpoint []byte
	if kind == KindCommand {
		if endpoint, rest, err = readByteString(rest); err != nil {
			return nil, err
		}
	}

	body, rest, err := readByteString(rest)
	if err != nil {
		return nil, err
	}

	if len(rest) != 1 || rest[0] != 'e' {
		return nil, newFramingError("trailing data after message body", nil)
	}

	return &Message{
		Kind:      kind,
		RequestID: requestID,
		Endpoint:  string(endpoint),
		Body:      body,
	}, nil
}

// readByteString consumes one "<len>:<bytes>" element.
func readByteString(data []byte) (value, rest []byte, err error) {
	idx := bytes.IndexByte(data, ':')
	if idx <= 0 {
		return nil, nil, newFramingError("truncated byte string", nil)
	}

	length, atoiErr := strconv.Atoi(string(data[:idx]))
	if atoiErr != nil || length < 0 {
		return nil, nil, newFramingError("invalid byte string length", atoiErr)
	}

	data = data[idx+1:]
	if len(data) < length {
		return nil, nil, newFramingError("byte string shorter than announced", nil)
	}

	return data[:length], data[length:], nil
}

// readInteger consumes one "i<digits>e" element.
func readInteger(data []byte) (value int64, rest []byte, err error) {
	if len(data) == 0 || data[0] != 'i' {
		return 0, nil, newFramingError("expected integer element", nil)
	}

	end := bytes.IndexByte(data, 'e')
	if end < 0 {
		return 0, nil, newFramingError("unterminated integer element", nil)
	}

	value, parseErr := strconv.ParseInt(string(data[1:end]), 10, 64)
	if parseErr != nil {
		return 0, nil, newFramingError("invalid integer element", parseErr)
	}

	return value, data[end+1:], nil
}
