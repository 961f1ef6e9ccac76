// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicrs

import (
	"context"
	"fmt"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/reqstream/reqstream-go/pkg/network"
	"github.com/reqstream/reqstream-go/pkg/reqstream"
	"github.com/reqstream/reqstream-go/pkg/transport/quicrs/internal"
)

// Dial connects to a listener and opens the request stream. The returned Conn
// is owned by the given network and closed gracefully with it.
func Dial(net *network.Network, address string, config reqstream.Config) (*Conn, error) {
	session, err := quic.DialAddr(context.Background(), address, internal.GenerateDialerTLSConfig(), internal.GenerateQUICConfig())
	if err != nil {
		log.WithFields(log.Fields{
			"address": address,
			"error":   err,
		}).Error("Dialing QUIC peer failed")
		return nil, err
	}

	stream, err := session.OpenStream()
	if err != nil {
		_ = session.CloseWithError(quic.ApplicationErrorCode(reqstream.CodeShutdown), "no request stream")
		return nil, err
	}

	conn := &Conn{session: session}

	config.Name = fmt.Sprintf("quic:%v", session.RemoteAddr())
	config.TimerScope = net.ID()
	userOnClose := config.OnClose
	config.OnClose = func(code uint64) {
		net.RemoveEndpoint(conn)
		if userOnClose != nil {
			userOnClose(code)
		}
	}

	conn.stream = reqstream.New(net.Dispatcher(), &quicTransport{stream: stream, session: session}, config)
	net.AddEndpoint(conn)

	go pump(conn.stream, stream)

	log.WithField("peer", session.RemoteAddr()).Info("Connected to QUIC peer")

	return conn, nil
}
