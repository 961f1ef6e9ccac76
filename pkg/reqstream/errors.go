// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package reqstream

import "errors"

// Application error codes handed to Transport.Close and to the close
// notification callback.
const (
	// CodeShutdown is used for orderly local closes.
	CodeShutdown uint64 = 0
	// CodeProtocolError is used when the incoming byte stream violated the
	// framing: bad length prefix, oversized frame, or a decode failure.
	CodeProtocolError uint64 = 1
	// CodeInternalError is used when processing a well-formed frame failed
	// unexpectedly, e.g. a panicking command handler.
	CodeInternalError uint64 = 2
)

// ErrClosed is returned when operating on a stream that was already closed.
var ErrClosed = errors.New("stream is closed")

// ErrFrameTooLarge is returned when a command to be sent would not fit into
// a single frame of at most MaxFrameSize payload bytes.
var ErrFrameTooLarge = errors.New("frame exceeds maximum frame size")

// FramingError reports a structural failure while decoding the incoming byte
// stream. Receiving one closes the stream with CodeProtocolError.
type FramingError struct {
	Msg   string
	Cause error
}

func newFramingError(msg string, cause error) *FramingError {
	return &FramingError{Msg: msg, Cause: cause}
}

func (err *FramingError) Error() string {
	return err.Msg
}

func (err *FramingError) Unwrap() error {
	return err.Cause
}
