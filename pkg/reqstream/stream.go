// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package reqstream

import (
	"errors"
	"sort"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/reqstream/reqstream-go/pkg/dispatch"
)

const (
	// DefaultTimeout applies to sent commands without an explicit timeout.
	DefaultTimeout = 10 * time.Second

	// DefaultSweepInterval is the period of the timeout eviction sweep.
	DefaultSweepInterval = 250 * time.Millisecond
)

// Transport is the byte-stream collaborator carrying encoded frames. Send must
// preserve ordering; Close tears the underlying stream down with an
// application error code.
type Transport interface {
	Send(data []byte) error
	Close(code uint64) error
}

// UnknownCommandPolicy decides what happens to commands addressing an
// unregistered endpoint.
type UnknownCommandPolicy int

const (
	// DropUnknown silently drops such commands.
	DropUnknown UnknownCommandPolicy = iota
	// ReplyUnknown answers them with an error response.
	ReplyUnknown
)

// Config tunes a RequestStream. The zero value is usable.
type Config struct {
	// Name shows up in this stream's log messages.
	Name string

	// Timeout is the default deadline for sent commands.
	Timeout time.Duration

	// SweepInterval is the period of the timeout eviction ticker.
	SweepInterval time.Duration

	// TimerScope is the dispatch scope id the sweep ticker is registered
	// under, typically the owning network's id.
	TimerScope uint64

	// UnknownCommand selects the policy for commands without a handler.
	UnknownCommand UnknownCommandPolicy

	// OnClose, if set, is invoked once when the stream closes, with the
	// application error code.
	OnClose func(code uint64)
}

// RequestStream multiplexes commands and responses over one ordered byte
// stream. All protocol state is affine to the Dispatcher's loop goroutine;
// the exported methods may be called from any goroutine and hop as needed.
type RequestStream struct {
	dispatcher *dispatch.Dispatcher
	transport  Transport
	config     Config

	// Everything below is only touched on the loop goroutine.
	nextRequestID int64
	pending       []*pendingRequest
	handlers      map[string]func(*Message)

	// Reassembly: sizeBuf carries a partial length prefix, buf a partial
	// body, frameLen the current target length (0 = awaiting length).
	sizeBuf  []byte
	buf      []byte
	frameLen int

	sweeper *dispatch.Ticker
	closed  uint32
}

// New creates a RequestStream on the given transport, driven by the given
// Dispatcher. The timeout sweep ticker starts immediately.
func New(dispatcher *dispatch.Dispatcher, transport Transport, config Config) *RequestStream {
	if config.Name == "" {
		config.Name = "reqstream"
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultSweepInterval
	}

	rs := &RequestStream{
		dispatcher: dispatcher,
		transport:  transport,
		config:     config,
		handlers:   make(map[string]func(*Message)),
	}

	rs.sweeper = dispatcher.NewTicker(config.TimerScope, config.SweepInterval, rs.checkTimeouts, false, false)
	rs.sweeper.SetAliveProbe(func() bool { return !rs.isClosed() })
	if err := rs.sweeper.Start(); err != nil {
		rs.log().WithError(err).Error("Timeout sweeper failed to start")
	}

	return rs
}

func (rs *RequestStream) log() *log.Entry {
	return log.WithField("stream", rs.config.Name)
}

func (rs *RequestStream) isClosed() bool {
	return atomic.LoadUint32(&rs.closed) != 0
}

// SendCommand invokes the named remote endpoint. The callback, if non-nil, is
// run on the loop goroutine with the matching response, or with a synthetic
// timeout Message if no response arrives before the deadline. A zero timeout
// selects the configured default. A command too large for a single frame is
// rejected with ErrFrameTooLarge before anything is sent or made pending.
func (rs *RequestStream) SendCommand(endpoint string, body []byte, callback func(*Message), timeout time.Duration) error {
	if rs.isClosed() {
		return ErrClosed
	}
	if commandSizeBound(endpoint, body) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	if timeout <= 0 {
		timeout = rs.config.Timeout
	}

	expiry := time.Now().Add(timeout)

	rs.dispatcher.RunOnLoop(func() {
		if rs.isClosed() {
			return
		}

		// Ids are allocated here, on the loop, so the pending queue is
		// appended in strictly increasing id order.
		requestID := rs.nextRequestID
		rs.nextRequestID++

		frame := encodeFrame(encodePayload(KindCommand, requestID, endpoint, body))

		if callback != nil {
			rs.pending = append(rs.pending, &pendingRequest{
				requestID: requestID,
				callback:  callback,
				expiry:    expiry,
			})
		}

		if err := rs.transport.Send(frame); err != nil {
			rs.log().WithFields(log.Fields{
				"endpoint": endpoint,
				"error":    err,
			}).Warn("Sending command failed")
		}
	})

	return nil
}

// SendCommandNoReply invokes the named remote endpoint without expecting a
// response; no pending entry is created and no timeout applies.
func (rs *RequestStream) SendCommandNoReply(endpoint string, body []byte) error {
	return rs.SendCommand(endpoint, body, nil, 0)
}

// Respond sends a response frame under the given request id. No pending entry
// is involved; responding on a closed stream is a no-op.
func (rs *RequestStream) Respond(requestID int64, body []byte, isError bool) {
	if rs.isClosed() {
		return
	}

	kind := KindResponse
	if isError {
		kind = KindError
	}
	payload := encodePayload(kind, requestID, "", body)
	if len(payload) > MaxFrameSize {
		rs.log().WithFields(log.Fields{
			"request": requestID,
			"size":    len(payload),
		}).Warn("Dropping response exceeding the maximum frame size")
		return
	}
	frame := encodeFrame(payload)

	rs.dispatcher.RunOnLoop(func() {
		if rs.isClosed() {
			return
		}

		if err := rs.transport.Send(frame); err != nil {
			rs.log().WithFields(log.Fields{
				"request": requestID,
				"error":   err,
			}).Warn("Sending response failed")
		}
	})
}

// RegisterCommand installs a handler for the named endpoint. The handler table
// is only ever touched on the loop goroutine, so registration hops there; it
// may complete asynchronously.
func (rs *RequestStream) RegisterCommand(endpoint string, handler func(*Message)) {
	rs.dispatcher.RunOnLoop(func() {
		rs.handlers[endpoint] = handler
	})
}

// Receive feeds newly arrived bytes into the reassembly state machine. One
// call may complete zero, one or many frames. A framing violation closes the
// stream with CodeProtocolError, any other processing failure with
// CodeInternalError; both are returned to the caller, never thrown past it.
func (rs *RequestStream) Receive(data []byte) error {
	if rs.isClosed() {
		return nil
	}

	// RunOnLoopSync also converts handler panics into errors.
	err := rs.dispatcher.RunOnLoopSync(func() error {
		return rs.processIncoming(data)
	})
	if err == nil {
		return nil
	}

	var framingErr *FramingError
	if errors.As(err, &framingErr) {
		rs.log().WithError(err).Error("Closing stream after framing error")
		rs.Close(CodeProtocolError)
	} else {
		rs.log().WithError(err).Error("Closing stream after internal error")
		rs.Close(CodeInternalError)
	}

	return err
}

// Close closes the stream and its transport with the given application code.
// Pending requests are discarded; late replies and late Respond calls become
// safe no-ops.
func (rs *RequestStream) Close(code uint64) {
	if !atomic.CompareAndSwapUint32(&rs.closed, 0, 1) {
		return
	}

	rs.teardown(code)

	if err := rs.transport.Close(code); err != nil {
		rs.log().WithError(err).Debug("Closing transport errored")
	}
}

// Closed is the notification entry point for the transport: the peer closed
// the underlying stream with the given application code.
func (rs *RequestStream) Closed(code uint64) {
	if !atomic.CompareAndSwapUint32(&rs.closed, 0, 1) {
		return
	}

	rs.log().WithField("code", code).Info("Stream closed by transport")
	rs.teardown(code)
}

func (rs *RequestStream) teardown(code uint64) {
	if err := rs.sweeper.Stop(); err != nil {
		rs.log().WithError(err).Debug("Timeout sweeper was already stopped")
	}

	rs.dispatcher.RunOnLoop(func() {
		rs.pending = nil
		rs.handlers = nil
		rs.buf = nil
		rs.sizeBuf = nil
	})

	if rs.config.OnClose != nil {
		rs.config.OnClose(code)
	}
}

// processIncoming drives the reassembly state machine. Loop goroutine only.
func (rs *RequestStream) processIncoming(data []byte) error {
	for len(data) > 0 {
		if rs.frameLen == 0 {
			// Awaiting length: join any carried-over partial prefix
			// with the new data and scan for the colon.
			if len(rs.sizeBuf) > 0 {
				prev := len(rs.sizeBuf)
				rs.sizeBuf = append(rs.sizeBuf, data...)

				consumed, length, err := parseLength(rs.sizeBuf)
				if err != nil {
					return err
				}
				if consumed == 0 {
					return nil
				}

				rs.frameLen = length
				rs.sizeBuf = nil
				data = data[consumed-prev:]
			} else {
				consumed, length, err := parseLength(data)
				if err != nil {
					return err
				}
				if consumed == 0 {
					rs.sizeBuf = append([]byte(nil), data...)
					return nil
				}

				rs.frameLen = length
				data = data[consumed:]
			}

			continue
		}

		// Awaiting body: accumulate until the target length is reached.
		need := rs.frameLen - len(rs.buf)
		if len(data) < need {
			rs.buf = append(rs.buf, data...)
			return nil
		}

		rs.buf = append(rs.buf, data[:need]...)
		data = data[need:]

		frame := rs.buf
		rs.buf = nil
		rs.frameLen = 0

		if err := rs.handleFrame(frame); err != nil {
			return err
		}
		if rs.isClosed() {
			// A dispatched callback closed the stream; drop the rest.
			return nil
		}
	}

	return nil
}

// handleFrame decodes one complete payload and dispatches the Message.
func (rs *RequestStream) handleFrame(frame []byte) error {
	msg, err := decodePayload(frame)
	if err != nil {
		return err
	}
	msg.sender = rs

	switch msg.Kind {
	case KindResponse, KindError:
		if req := rs.takePending(msg.RequestID); req != nil {
			req.callback(msg)
			return nil
		}

		// Unsolicited, duplicate, or evicted id. Never answered, to
		// avoid an error-frame ping-pong between two streams.
		rs.log().WithField("request", msg.RequestID).Debug("Dropping reply without matching pending request")

	case KindCommand:
		if handler, ok := rs.handlers[msg.Endpoint]; ok {
			handler(msg)
			return nil
		}

		rs.log().WithField("endpoint", msg.Endpoint).Debug("Dropping command for unregistered endpoint")
		if rs.config.UnknownCommand == ReplyUnknown {
			rs.Respond(msg.RequestID, []byte("unknown command"), true)
		}
	}

	return nil
}

// takePending removes and returns the pending entry with the given id. The
// queue is in increasing id order, so a binary search locates it.
func (rs *RequestStream) takePending(requestID int64) *pendingRequest {
	i := sort.Search(len(rs.pending), func(i int) bool {
		return rs.pending[i].requestID >= requestID
	})
	if i == len(rs.pending) || rs.pending[i].requestID != requestID {
		return nil
	}

	req := rs.pending[i]
	rs.pending = append(rs.pending[:i], rs.pending[i+1:]...)
	return req
}

// checkTimeouts evicts the expired prefix of the pending queue. The queue is
// in send order, so scanning from the front and stopping at the first entry
// still in time evicts exactly the expired entries, oldest first. Runs on the
// loop goroutine.
func (rs *RequestStream) checkTimeouts() {
	now := time.Now()
	evicted := 0

	for len(rs.pending) > 0 {
		req := rs.pending[0]
		if !req.expired(now) {
			break
		}

		rs.pending = rs.pending[1:]
		evicted++

		req.callback(&Message{
			Kind:      KindError,
			RequestID: req.requestID,
			TimedOut:  true,
			sender:    rs,
		})
	}

	if evicted > 0 {
		rs.log().WithField("evicted", evicted).Debug("Evicted timed-out requests")
	}
}
