package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/reqstream/reqstream-go/pkg/discovery"
	"github.com/reqstream/reqstream-go/pkg/network"
	"github.com/reqstream/reqstream-go/pkg/reqstream"
	"github.com/reqstream/reqstream-go/pkg/transport/quicrs"
	"github.com/reqstream/reqstream-go/pkg/transport/wsrs"
)

const commandTimeout = 5 * time.Second

// printUsage of reqstream-ping and exit with an error code afterwards.
func printUsage() {
	_, _ = fmt.Fprintf(os.Stderr, "Usage of %s ping|echo|discover:\n\n", os.Args[0])

	_, _ = fmt.Fprintf(os.Stderr, "%s ping target [count]\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  Sends count (default 4) pings to the daemon at target and reports the\n")
	_, _ = fmt.Fprintf(os.Stderr, "  round-trip times. The target is quic://host:port or ws://host:port/reqstream.\n\n")

	_, _ = fmt.Fprintf(os.Stderr, "%s echo target message\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  Sends message to the daemon's echo endpoint and prints the response.\n\n")

	_, _ = fmt.Fprintf(os.Stderr, "%s discover\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  Prints announcements of daemons on the local network until interrupted.\n\n")

	os.Exit(1)
}

// dial the given target and hand back the connection's stream.
func dial(n *network.Network, target string) (*reqstream.RequestStream, error) {
	config := reqstream.Config{Timeout: commandTimeout}

	switch {
	case strings.HasPrefix(target, "quic://"):
		conn, err := quicrs.Dial(n, strings.TrimPrefix(target, "quic://"), config)
		if err != nil {
			return nil, err
		}
		return conn.Stream(), nil

	case strings.HasPrefix(target, "ws://"), strings.HasPrefix(target, "wss://"):
		conn, err := wsrs.Dial(n, target, config)
		if err != nil {
			return nil, err
		}
		return conn.Stream(), nil

	default:
		return nil, fmt.Errorf("unknown scheme in target \"%s\"; use quic:// or ws://", target)
	}
}

// request sends one command and blocks until its response or timeout.
func request(rs *reqstream.RequestStream, endpoint string, body []byte) (*reqstream.Message, error) {
	replyChan := make(chan *reqstream.Message, 1)

	err := rs.SendCommand(endpoint, body, func(msg *reqstream.Message) {
		replyChan <- msg
	}, commandTimeout)
	if err != nil {
		return nil, err
	}

	return <-replyChan, nil
}

func runPing(args []string) {
	if len(args) < 1 || len(args) > 2 {
		printUsage()
	}

	count := 4
	if len(args) == 2 {
		var err error
		if count, err = strconv.Atoi(args[1]); err != nil || count <= 0 {
			printUsage()
		}
	}

	n := network.NewNetwork()
	defer func() { _ = n.Close() }()

	rs, err := dial(n, args[0])
	if err != nil {
		log.WithError(err).Fatal("Dialing errored")
	}

	for i := 0; i < count; i++ {
		start := time.Now()

		msg, err := request(rs, "ping", []byte(strconv.Itoa(i)))
		if err != nil {
			log.WithError(err).Fatal("Sending ping errored")
		}

		switch {
		case msg.TimedOut:
			fmt.Printf("ping %d: timeout\n", i)
		case msg.IsError():
			fmt.Printf("ping %d: error: %s\n", i, msg.Body)
		default:
			fmt.Printf("ping %d: %s, %v\n", i, msg.Body, time.Since(start).Round(time.Microsecond))
		}

		if i < count-1 {
			time.Sleep(time.Second)
		}
	}
}

func runEcho(args []string) {
	if len(args) != 2 {
		printUsage()
	}

	n := network.NewNetwork()
	defer func() { _ = n.Close() }()

	rs, err := dial(n, args[0])
	if err != nil {
		log.WithError(err).Fatal("Dialing errored")
	}

	msg, err := request(rs, "echo", []byte(args[1]))
	if err != nil {
		log.WithError(err).Fatal("Sending echo errored")
	}

	switch {
	case msg.TimedOut:
		fmt.Println("echo: timeout")
	case msg.IsError():
		fmt.Printf("echo: error: %s\n", msg.Body)
	default:
		fmt.Printf("%s\n", msg.Body)
	}
}

func runDiscover(args []string) {
	if len(args) != 0 {
		printUsage()
	}

	manager, err := discovery.NewManager("reqstream-ping",
		func(announcement discovery.Announcement, address string) {
			fmt.Printf("%v at %s\n", announcement, address)
		}, nil, 10*time.Second, true, true)
	if err != nil {
		log.WithError(err).Fatal("Starting discovery errored")
	}
	defer manager.Close()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)
	<-signalChan
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
	}

	switch os.Args[1] {
	case "ping":
		runPing(os.Args[2:])

	case "echo":
		runEcho(os.Args[2:])

	case "discover":
		runDiscover(os.Args[2:])

	default:
		printUsage()
	}
}
