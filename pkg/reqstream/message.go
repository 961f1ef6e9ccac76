// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package reqstream

import "fmt"

// Kind tags the protocol role of a Message.
type Kind int

const (
	// KindCommand invokes a named endpoint and may expect a response.
	KindCommand Kind = iota
	// KindResponse answers a command successfully.
	KindResponse
	// KindError answers a command with an application error.
	KindError
)

func (kind Kind) tag() string {
	switch kind {
	case KindCommand:
		return "C"
	case KindResponse:
		return "R"
	default:
		return "E"
	}
}

func kindFromTag(tag string) (Kind, error) {
	switch tag {
	case "C":
		return KindCommand, nil
	case "R":
		return KindResponse, nil
	case "E":
		return KindError, nil
	default:
		return 0, newFramingError(fmt.Sprintf("unknown message tag %q", tag), nil)
	}
}

// Message is one decoded protocol unit. Endpoint is only set for commands. A
// Message owns its backing buffer; Body stays valid for the Message's
// lifetime.
type Message struct {
	Kind      Kind
	RequestID int64
	Endpoint  string
	Body      []byte

	// TimedOut marks a synthetic Message delivered when a sent command's
	// deadline passed without a response.
	TimedOut bool

	// sender is the lookup-only back-reference used for replying; once the
	// stream is closed, replying through it becomes a no-op.
	sender *RequestStream
}

// IsError reports whether this Message carries an error response.
func (msg *Message) IsError() bool {
	return msg.Kind == KindError
}

// Ok reports whether this Message is a successful response, neither an error
// nor a timeout.
func (msg *Message) Ok() bool {
	return !msg.TimedOut && msg.Kind != KindError
}

// Respond sends a response under this Message's request id. Responding on a
// Message whose stream is gone or already closed is a safe no-op, so handlers
// may reply asynchronously without caring about the stream's fate.
func (msg *Message) Respond(body []byte, isError bool) {
	if msg.sender == nil {
		return
	}

	msg.sender.Respond(msg.RequestID, body, isError)
}

func (msg *Message) String() string {
	return fmt.Sprintf("Message(%s,%d,%s,%d bytes)", msg.Kind.tag(), msg.RequestID, msg.Endpoint, len(msg.Body))
}
