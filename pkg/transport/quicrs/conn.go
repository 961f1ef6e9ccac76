// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicrs

import (
	"errors"
	"net"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/reqstream/reqstream-go/pkg/reqstream"
)

// Conn couples one QUIC connection with the RequestStream running on its
// first bidirectional stream.
type Conn struct {
	session quic.Connection
	stream  *reqstream.RequestStream
}

// Stream returns the RequestStream carried by this connection.
func (conn *Conn) Stream() *reqstream.RequestStream {
	return conn.stream
}

// RemoteAddr returns the peer's address.
func (conn *Conn) RemoteAddr() net.Addr {
	return conn.session.RemoteAddr()
}

// CloseGracefully shuts the RequestStream and the QUIC connection down with
// the shutdown code. Used by the owning network during teardown.
func (conn *Conn) CloseGracefully() error {
	conn.stream.Close(reqstream.CodeShutdown)
	return nil
}

// quicTransport adapts a quic.Stream to the reqstream.Transport collaborator.
type quicTransport struct {
	stream  quic.Stream
	session quic.Connection
}

func (t *quicTransport) Send(data []byte) error {
	_, err := t.stream.Write(data)
	return err
}

func (t *quicTransport) Close(code uint64) error {
	t.stream.CancelRead(quic.StreamErrorCode(code))
	_ = t.stream.Close()
	return t.session.CloseWithError(quic.ApplicationErrorCode(code), "request stream closed")
}

// pump copies inbound stream bytes into the engine's Receive entry point until
// the stream ends or the engine closed itself.
func pump(rs *reqstream.RequestStream, stream quic.Stream) {
	buf := make([]byte, 65536)

	for {
		n, err := stream.Read(buf)
		if n > 0 {
			if rxErr := rs.Receive(buf[:n]); rxErr != nil {
				log.WithError(rxErr).Debug("Engine rejected incoming data, stopping pump")
				return
			}
		}
		if err != nil {
			rs.Closed(closeCode(err))
			return
		}
	}
}

// closeCode maps a read error to the application error code the peer closed
// with, falling back to the shutdown code for plain stream ends.
func closeCode(err error) uint64 {
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		return uint64(appErr.ErrorCode)
	}

	var streamErr *quic.StreamError
	if errors.As(err, &streamErr) {
		return uint64(streamErr.ErrorCode)
	}

	return reqstream.CodeShutdown
}
