package main

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gorilla/mux"
)

// daemonStats are the counters exposed by the status endpoint.
type daemonStats struct {
	started time.Time

	activeConnections int32
	totalConnections  uint64
	commandsServed    uint64
}

func newDaemonStats() daemonStats {
	return daemonStats{started: time.Now()}
}

func (stats *daemonStats) connected() {
	atomic.AddInt32(&stats.activeConnections, 1)
	atomic.AddUint64(&stats.totalConnections, 1)
}

func (stats *daemonStats) disconnected() {
	atomic.AddInt32(&stats.activeConnections, -1)
}

// statusReport is the JSON document served under /status.
type statusReport struct {
	Name              string `json:"name"`
	Uptime            string `json:"uptime"`
	ActiveConnections int32  `json:"active_connections"`
	TotalConnections  uint64 `json:"total_connections"`
	CommandsServed    uint64 `json:"commands_served"`
}

// statusServer serves the daemon's counters over HTTP.
type statusServer struct {
	name  string
	stats *daemonStats

	httpServer *http.Server
}

// newStatusServer starts serving GET /status on the given address.
func newStatusServer(address, name string, stats *daemonStats) (*statusServer, error) {
	server := &statusServer{
		name:  name,
		stats: stats,
	}

	router := mux.NewRouter()
	router.HandleFunc("/status", server.handleStatus).Methods(http.MethodGet)

	server.httpServer = &http.Server{
		Addr:    address,
		Handler: router,
	}

	httpErrChan := make(chan error)
	go func() { httpErrChan <- server.httpServer.ListenAndServe() }()

	select {
	case err := <-httpErrChan:
		return nil, err

	case <-time.After(100 * time.Millisecond):
	}

	log.WithField("address", address).Info("Started status endpoint")

	return server, nil
}

func (server *statusServer) handleStatus(rw http.ResponseWriter, _ *http.Request) {
	report := statusReport{
		Name:              server.name,
		Uptime:            time.Since(server.stats.started).Round(time.Second).String(),
		ActiveConnections: atomic.LoadInt32(&server.stats.activeConnections),
		TotalConnections:  atomic.LoadUint64(&server.stats.totalConnections),
		CommandsServed:    atomic.LoadUint64(&server.stats.commandsServed),
	}

	rw.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(rw).Encode(report); err != nil {
		log.WithError(err).Warn("Writing a status report errored")
	}
}

func (server *statusServer) close() {
	_ = server.httpServer.Close()
}
