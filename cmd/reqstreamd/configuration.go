package main

import (
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"

	"github.com/reqstream/reqstream-go/pkg/discovery"
	"github.com/reqstream/reqstream-go/pkg/network"
	"github.com/reqstream/reqstream-go/pkg/reqstream"
	"github.com/reqstream/reqstream-go/pkg/transport/quicrs"
	"github.com/reqstream/reqstream-go/pkg/transport/wsrs"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Core      coreConf
	Logging   logConf
	Discovery discoveryConf
	Status    statusConf
	Listen    []listenerConf
}

// coreConf describes the Core-configuration block.
type coreConf struct {
	Name              string
	ShutdownImmediate bool `toml:"shutdown-immediate"`
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// discoveryConf describes the Discovery-configuration block.
type discoveryConf struct {
	IPv4     bool
	IPv6     bool
	Interval uint
}

// statusConf describes the Status-configuration block.
type statusConf struct {
	Listen string
}

// listenerConf describes one Listen-configuration block.
type listenerConf struct {
	Protocol string
	Endpoint string
	Announce bool
}

// daemon bundles everything parseDaemon brings up.
type daemon struct {
	net       *network.Network
	discovery *discovery.Manager
	status    *statusServer
	watcher   *configWatcher
	stats     daemonStats
}

// applyLogging configures logrus from the Logging-configuration block.
func applyLogging(conf logConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.Warn("Unknown logging format")
	}
}

func parseListenPort(endpoint string) (port int, err error) {
	var portStr string
	_, portStr, err = net.SplitHostPort(endpoint)
	if err != nil {
		return
	}
	port, err = strconv.Atoi(portStr)
	return
}

// streamConfig is the RequestStream configuration shared by all of this
// daemon's listeners.
func (d *daemon) streamConfig() reqstream.Config {
	return reqstream.Config{
		UnknownCommand: reqstream.ReplyUnknown,
		OnClose: func(_ uint64) {
			d.stats.disconnected()
		},
	}
}

// serveCommands registers the daemon's command endpoints on a fresh stream.
func (d *daemon) serveCommands(rs *reqstream.RequestStream) {
	rs.RegisterCommand("ping", func(msg *reqstream.Message) {
		atomic.AddUint64(&d.stats.commandsServed, 1)
		msg.Respond([]byte("pong"), false)
	})

	rs.RegisterCommand("echo", func(msg *reqstream.Message) {
		atomic.AddUint64(&d.stats.commandsServed, 1)
		msg.Respond(msg.Body, false)
	})
}

// parseListen inspects a Listen-configuration block and starts its listener.
func parseListen(d *daemon, conv listenerConf, name string) (discovery.Announcement, error) {
	portInt, err := parseListenPort(conv.Endpoint)
	if err != nil {
		return discovery.Announcement{}, err
	}

	switch conv.Protocol {
	case "quic":
		_, err := quicrs.Listen(d.net, conv.Endpoint, d.streamConfig(), func(conn *quicrs.Conn) {
			d.stats.connected()
			d.serveCommands(conn.Stream())
		})
		if err != nil {
			return discovery.Announcement{}, err
		}

		return discovery.Announcement{
			Type: discovery.QUIC,
			Name: name,
			Port: uint(portInt),
		}, nil

	case "ws":
		_, err := wsrs.NewServer(d.net, conv.Endpoint, d.streamConfig(), func(conn *wsrs.Conn) {
			d.stats.connected()
			d.serveCommands(conn.Stream())
		})
		if err != nil {
			return discovery.Announcement{}, err
		}

		return discovery.Announcement{
			Type: discovery.WebSocket,
			Name: name,
			Port: uint(portInt),
		}, nil

	default:
		return discovery.Announcement{}, fmt.Errorf("unknown listen.protocol \"%s\"", conv.Protocol)
	}
}

// handlePeer is called for every Announcement of another daemon on the LAN.
func (d *daemon) handlePeer(announcement discovery.Announcement, address string) {
	log.WithFields(log.Fields{
		"peer":         announcement.Name,
		"address":      address,
		"announcement": announcement,
	}).Debug("Discovered a peer daemon")
}

// parseDaemon creates the daemon based on the given TOML configuration.
func parseDaemon(filename string) (d *daemon, err error) {
	var conf tomlConfig
	if _, err = toml.DecodeFile(filename, &conf); err != nil {
		return
	}

	applyLogging(conf.Logging)

	if conf.Core.Name == "" {
		err = fmt.Errorf("core.name is empty")
		return
	}

	d = &daemon{
		net:   network.NewNetwork(),
		stats: newDaemonStats(),
	}
	d.net.SetShutdownImmediate(conf.Core.ShutdownImmediate)

	var announcements []discovery.Announcement

	for _, conv := range conf.Listen {
		announcement, lErr := parseListen(d, conv, conf.Core.Name)
		if lErr != nil {
			_ = d.net.Close()
			err = lErr
			return
		}

		log.WithFields(log.Fields{
			"protocol": conv.Protocol,
			"endpoint": conv.Endpoint,
		}).Info("Started listener")

		if conv.Announce {
			announcements = append(announcements, announcement)
		}
	}

	if conf.Status.Listen != "" {
		if d.status, err = newStatusServer(conf.Status.Listen, conf.Core.Name, &d.stats); err != nil {
			_ = d.net.Close()
			return
		}
	}

	if conf.Discovery.IPv4 || conf.Discovery.IPv6 {
		if conf.Discovery.Interval == 0 {
			conf.Discovery.Interval = 10
		}

		d.discovery, err = discovery.NewManager(
			conf.Core.Name, d.handlePeer, announcements,
			time.Duration(conf.Discovery.Interval)*time.Second,
			conf.Discovery.IPv4, conf.Discovery.IPv6)
		if err != nil {
			_ = d.net.Close()
			return
		}
	}

	if d.watcher, err = newConfigWatcher(filename); err != nil {
		log.WithError(err).Warn("Failed to watch the configuration file; log level changes need a restart")
		err = nil
	}

	return
}

// close tears the daemon down, endpoints first.
func (d *daemon) close() {
	if d.watcher != nil {
		d.watcher.close()
	}
	if d.discovery != nil {
		d.discovery.Close()
	}
	if d.status != nil {
		d.status.close()
	}

	if err := d.net.Close(); err != nil {
		log.WithError(err).Warn("Closing the network errored")
	}
}

// configWatcher re-reads the configuration file when it changes and applies
// the Logging block, so the log level of a running daemon can be adjusted.
type configWatcher struct {
	filename string
	watcher  *fsnotify.Watcher
	stopChan chan struct{}
}

func newConfigWatcher(filename string) (*configWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filename); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	cw := &configWatcher{
		filename: filename,
		watcher:  watcher,
		stopChan: make(chan struct{}),
	}
	go cw.handle()

	return cw, nil
}

func (cw *configWatcher) handle() {
	for {
		select {
		case <-cw.stopChan:
			return

		case e, ok := <-cw.watcher.Events:
			if !ok {
				log.Error("fsnotify's Event channel was closed")
				return
			}

			if e.Op&fsnotify.Write == 0 {
				log.WithFields(log.Fields{
					"file":      e.Name,
					"operation": e.Op.String(),
				}).Debug("Ignoring fsnotify event")
				continue
			}

			var conf tomlConfig
			if _, err := toml.DecodeFile(cw.filename, &conf); err != nil {
				log.WithError(err).Warn("Failed to re-read the changed configuration file")
				continue
			}

			applyLogging(conf.Logging)
			log.WithField("level", log.GetLevel()).Info("Applied changed logging configuration")

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				log.Error("fsnotify's Errors channel was closed")
				return
			}

			log.WithError(err).Error("fsnotify errored")
			return
		}
	}
}

func (cw *configWatcher) close() {
	close(cw.stopChan)
	_ = cw.watcher.Close()
}
