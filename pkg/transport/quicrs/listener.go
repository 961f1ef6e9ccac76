// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package quicrs runs RequestStreams over QUIC connections, one engine on the
// first bidirectional stream of each connection.
package quicrs

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/reqstream/reqstream-go/pkg/network"
	"github.com/reqstream/reqstream-go/pkg/reqstream"
	"github.com/reqstream/reqstream-go/pkg/transport/quicrs/internal"
)

// streamAcceptTimeout bounds how long a freshly connected dialer may take to
// open its request stream.
const streamAcceptTimeout = 5 * time.Second

// Listener accepts QUIC connections and spawns a RequestStream per
// connection. It registers itself as an endpoint of the owning network.
type Listener struct {
	listenAddress string
	net           *network.Network
	config        reqstream.Config
	configure     func(*Conn)
	listener      *quic.Listener
}

// Listen starts a listener on the given address. configure, if non-nil, is
// invoked for every accepted connection before any frame is processed,
// typically to register command handlers.
func Listen(net *network.Network, listenAddress string, config reqstream.Config, configure func(*Conn)) (*Listener, error) {
	lst, err := quic.ListenAddr(listenAddress, internal.GenerateListenerTLSConfig(), internal.GenerateQUICConfig())
	if err != nil {
		log.WithError(err).Error("Error creating QUIC listener")
		return nil, err
	}

	listener := &Listener{
		listenAddress: listenAddress,
		net:           net,
		config:        config,
		configure:     configure,
		listener:      lst,
	}

	net.AddEndpoint(listener)
	go listener.handle()

	log.WithField("address", lst.Addr()).Info("Started QUIC listener")

	return listener, nil
}

// Addr returns the bound address.
func (listener *Listener) Addr() net.Addr {
	return listener.listener.Addr()
}

// CloseGracefully stops accepting new connections. Already accepted
// connections are owned by the network and closed separately.
func (listener *Listener) CloseGracefully() error {
	log.WithField("address", listener.listenAddress).Info("Shutting down QUIC listener")
	return listener.listener.Close()
}

func (listener *Listener) handle() {
	for {
		session, err := listener.listener.Accept(context.Background())
		if err != nil {
			if err.Error() == "quic: Server closed" {
				log.WithField("address", listener.listenAddress).Debug("QUIC listener closed")
				return
			}

			log.WithFields(log.Fields{
				"address": listener.listenAddress,
				"error":   err,
			}).Error("Error accepting QUIC connection")
			return
		}

		log.WithFields(log.Fields{
			"address": listener.listenAddress,
			"peer":    session.RemoteAddr(),
		}).Info("QUIC listener accepted new connection")

		go listener.handleSession(session)
	}
}

func (listener *Listener) handleSession(session quic.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), streamAcceptTimeout)
	defer cancel()

	stream, err := session.AcceptStream(ctx)
	if err != nil {
		log.WithFields(log.Fields{
			"peer":  session.RemoteAddr(),
			"error": err,
		}).Warn("Peer did not open a request stream in time")
		_ = session.CloseWithError(quic.ApplicationErrorCode(reqstream.CodeShutdown), "no request stream")
		return
	}

	conn := &Conn{session: session}

	config := listener.config
	config.Name = fmt.Sprintf("quic:%v", session.RemoteAddr())
	config.TimerScope = listener.net.ID()
	userOnClose := config.OnClose
	config.OnClose = func(code uint64) {
		listener.net.RemoveEndpoint(conn)
		if userOnClose != nil {
			userOnClose(code)
		}
	}

	conn.stream = reqstream.New(listener.net.Dispatcher(), &quicTransport{stream: stream, session: session}, config)
	listener.net.AddEndpoint(conn)

	if listener.configure != nil {
		listener.configure(conn)
	}

	go pump(conn.stream, stream)
}
