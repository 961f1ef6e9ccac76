// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wsrs

import (
	"bytes"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/reqstream/reqstream-go/pkg/network"
	"github.com/reqstream/reqstream-go/pkg/reqstream"
)

func randomPort(t *testing.T) (port int) {
	if addr, err := net.ResolveTCPAddr("tcp", "localhost:0"); err != nil {
		t.Fatal(err)
	} else if l, err := net.ListenTCP("tcp", addr); err != nil {
		t.Fatal(err)
	} else {
		port = l.Addr().(*net.TCPAddr).Port
		_ = l.Close()
	}
	return
}

func TestWebSocketLoopback(t *testing.T) {
	addr := fmt.Sprintf("localhost:%d", randomPort(t))

	serverNet := network.NewNetwork()
	defer func() { _ = serverNet.Close() }()

	serverConnChan := make(chan *Conn, 1)
	_, err := NewServer(serverNet, addr, reqstream.Config{}, func(conn *Conn) {
		conn.Stream().RegisterCommand("echo", func(msg *reqstream.Message) {
			msg.Respond(msg.Body, false)
		})
		serverConnChan <- conn
	})
	if err != nil {
		t.Fatal(err)
	}

	clientNet := network.NewNetwork()
	defer func() { _ = clientNet.Close() }()

	clientConn, err := Dial(clientNet, fmt.Sprintf("ws://%s/reqstream", addr), reqstream.Config{})
	if err != nil {
		t.Fatal(err)
	}
	clientConn.Stream().RegisterCommand("poke", func(msg *reqstream.Message) {
		msg.Respond([]byte("ouch"), false)
	})

	// client to server
	replyChan := make(chan *reqstream.Message, 1)
	err = clientConn.Stream().SendCommand("echo", []byte("hello"), func(msg *reqstream.Message) {
		replyChan <- msg
	}, 0)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-replyChan:
		if !msg.Ok() || !bytes.Equal(msg.Body, []byte("hello")) {
			t.Fatalf("echo reply is %v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no echo reply")
	}

	// server to client over the accepted connection
	var serverConn *Conn
	select {
	case serverConn = <-serverConnChan:
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the connection")
	}

	err = serverConn.Stream().SendCommand("poke", nil, func(msg *reqstream.Message) {
		replyChan <- msg
	}, 0)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-replyChan:
		if !msg.Ok() || !bytes.Equal(msg.Body, []byte("ouch")) {
			t.Fatalf("poke reply is %v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no poke reply")
	}
}

func TestWebSocketCloseCode(t *testing.T) {
	addr := fmt.Sprintf("localhost:%d", randomPort(t))

	serverNet := network.NewNetwork()
	defer func() { _ = serverNet.Close() }()

	serverConnChan := make(chan *Conn, 1)
	_, err := NewServer(serverNet, addr, reqstream.Config{}, func(conn *Conn) {
		serverConnChan <- conn
	})
	if err != nil {
		t.Fatal(err)
	}

	clientNet := network.NewNetwork()
	defer func() { _ = clientNet.Close() }()

	closeChan := make(chan uint64, 1)
	_, err = Dial(clientNet, fmt.Sprintf("ws://%s/reqstream", addr), reqstream.Config{
		OnClose: func(code uint64) { closeChan <- code },
	})
	if err != nil {
		t.Fatal(err)
	}

	var serverConn *Conn
	select {
	case serverConn = <-serverConnChan:
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the connection")
	}

	// the application close code must survive the trip through the
	// WebSocket close frame
	serverConn.Stream().Close(reqstream.CodeProtocolError)

	select {
	case code := <-closeChan:
		if code != reqstream.CodeProtocolError {
			t.Fatalf("client saw close code %d", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("client never saw the close")
	}
}
