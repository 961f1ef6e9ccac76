// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package wsrs runs RequestStreams over WebSocket connections. Each binary
// WebSocket message carries a chunk of the logical byte stream; ordering is
// guaranteed by the underlying TCP connection.
package wsrs

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/reqstream/reqstream-go/pkg/network"
	"github.com/reqstream/reqstream-go/pkg/reqstream"
)

// closeCodeOffset shifts application error codes into the WebSocket private
// close code range 4000-4999.
const closeCodeOffset = 4000

// Conn couples one WebSocket connection with its RequestStream.
type Conn struct {
	conn   *websocket.Conn
	stream *reqstream.RequestStream
}

// Stream returns the RequestStream carried by this connection.
func (conn *Conn) Stream() *reqstream.RequestStream {
	return conn.stream
}

// CloseGracefully shuts the RequestStream and the WebSocket connection down.
func (conn *Conn) CloseGracefully() error {
	conn.stream.Close(reqstream.CodeShutdown)
	return nil
}

// wsTransport adapts a websocket.Conn to the reqstream.Transport collaborator.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Send(data []byte) error {
	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *wsTransport) Close(code uint64) error {
	msg := websocket.FormatCloseMessage(closeCodeOffset+int(code), "request stream closed")
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return t.conn.Close()
}

// Server accepts WebSocket connections on an HTTP endpoint and spawns a
// RequestStream per connection.
type Server struct {
	net        *network.Network
	config     reqstream.Config
	configure  func(*Conn)
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// NewServer starts a WebSocket server on the given address, serving request
// streams under the "/reqstream" path. configure, if non-nil, is invoked for
// every accepted connection before any frame is processed.
func NewServer(net *network.Network, address string, config reqstream.Config, configure func(*Conn)) (*Server, error) {
	httpMux := http.NewServeMux()
	server := &Server{
		net:       net,
		config:    config,
		configure: configure,
		httpServer: &http.Server{
			Addr:    address,
			Handler: httpMux,
		},
		upgrader: websocket.Upgrader{},
	}

	httpMux.HandleFunc("/reqstream", server.websocketHandler)

	startupErr := make(chan error)
	go func() {
		if err := server.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			startupErr <- err
		}
		close(startupErr)
	}()

	select {
	case err := <-startupErr:
		return nil, err
	case <-time.After(100 * time.Millisecond):
	}

	net.AddEndpoint(server)

	log.WithField("address", address).Info("Started WebSocket listener")

	return server, nil
}

// CloseGracefully stops the HTTP server. Accepted connections are owned by
// the network and closed separately.
func (server *Server) CloseGracefully() error {
	return server.httpServer.Close()
}

func (server *Server) websocketHandler(rw http.ResponseWriter, r *http.Request) {
	wsConn, err := server.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		log.WithError(err).Warn("Upgrading HTTP request to WebSocket errored")
		return
	}

	log.WithField("peer", wsConn.RemoteAddr()).Info("WebSocket listener accepted new connection")

	conn := server.wire(wsConn, fmt.Sprintf("ws:%v", wsConn.RemoteAddr()))
	if server.configure != nil {
		server.configure(conn)
	}

	go pump(conn.stream, wsConn)
}

// wire builds the Conn/RequestStream pair for an established WebSocket
// connection and registers it with the network.
func (server *Server) wire(wsConn *websocket.Conn, name string) *Conn {
	conn := &Conn{conn: wsConn}

	config := server.config
	config.Name = name
	config.TimerScope = server.net.ID()
	userOnClose := config.OnClose
	config.OnClose = func(code uint64) {
		server.net.RemoveEndpoint(conn)
		if userOnClose != nil {
			userOnClose(code)
		}
	}

	conn.stream = reqstream.New(server.net.Dispatcher(), &wsTransport{conn: wsConn}, config)
	server.net.AddEndpoint(conn)

	return conn
}

// Dial connects to a WebSocket server, e.g. "ws://localhost:8080/reqstream".
// The returned Conn is owned by the given network.
func Dial(net *network.Network, url string, config reqstream.Config) (*Conn, error) {
	wsConn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		log.WithFields(log.Fields{
			"url":   url,
			"error": err,
		}).Error("Dialing WebSocket peer failed")
		return nil, err
	}

	conn := &Conn{conn: wsConn}

	config.Name = fmt.Sprintf("ws:%v", wsConn.RemoteAddr())
	config.TimerScope = net.ID()
	userOnClose := config.OnClose
	config.OnClose = func(code uint64) {
		net.RemoveEndpoint(conn)
		if userOnClose != nil {
			userOnClose(code)
		}
	}

	conn.stream = reqstream.New(net.Dispatcher(), &wsTransport{conn: wsConn}, config)
	net.AddEndpoint(conn)

	go pump(conn.stream, wsConn)

	return conn, nil
}

// pump copies inbound WebSocket messages into the engine's Receive entry
// point until the connection ends or the engine closed itself.
func pump(rs *reqstream.RequestStream, wsConn *websocket.Conn) {
	for {
		msgType, data, err := wsConn.ReadMessage()
		if err != nil {
			rs.Closed(closeCode(err))
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		if rxErr := rs.Receive(data); rxErr != nil {
			log.WithError(rxErr).Debug("Engine rejected incoming data, stopping pump")
			return
		}
	}
}

// closeCode recovers the application error code from a WebSocket close frame
// in the private range, falling back to the shutdown code.
func closeCode(err error) uint64 {
	if closeErr, ok := err.(*websocket.CloseError); ok && closeErr.Code >= closeCodeOffset {
		return uint64(closeErr.Code - closeCodeOffset)
	}
	return reqstream.CodeShutdown
}
