// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package network provides the client-facing context façade over a dispatch
// loop. Multiple Networks may share one Dispatcher; each scopes its own
// tickers and endpoints, so tearing one down leaves its siblings untouched.
package network

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/reqstream/reqstream-go/pkg/dispatch"
)

// nextNetworkID hands out the per-Network ticker scope ids.
var nextNetworkID uint64

// Endpoint is anything owned by a Network which must be closed gracefully on
// the loop goroutine during teardown. What an Endpoint actually is stays
// opaque to this package.
type Endpoint interface {
	CloseGracefully() error
}

// Network couples a set of endpoints to a Dispatcher. It either solely owns a
// private Dispatcher, torn down together with the last Network using it, or
// holds a shared handle to an externally supplied one which it will never shut
// down.
type Network struct {
	dispatcher *dispatch.Dispatcher
	id         uint64

	// refs counts the linked Networks sharing the dispatcher; owned marks
	// whether the dispatcher was created by us rather than supplied.
	refs  *int32
	owned bool

	shutdownImmediate uint32

	mutex     sync.Mutex
	endpoints map[Endpoint]struct{}
	closed    bool
}

// NewNetwork creates a Network owning a fresh, private Dispatcher.
func NewNetwork() *Network {
	refs := int32(1)
	return &Network{
		dispatcher: dispatch.NewDispatcher(),
		id:         atomic.AddUint64(&nextNetworkID, 1),
		refs:       &refs,
		owned:      true,
		endpoints:  make(map[Endpoint]struct{}),
	}
}

// NewNetworkWithDispatcher creates a Network on an externally supplied
// Dispatcher. The caller stays responsible for shutting the Dispatcher down.
func NewNetworkWithDispatcher(d *dispatch.Dispatcher) *Network {
	refs := int32(1)
	return &Network{
		dispatcher: d,
		id:         atomic.AddUint64(&nextNetworkID, 1),
		refs:       &refs,
		owned:      false,
		endpoints:  make(map[Endpoint]struct{}),
	}
}

// NewLinkedNetwork returns a sibling Network sharing this Network's
// Dispatcher. The Dispatcher is torn down only once the last sharing Network
// is closed.
func (n *Network) NewLinkedNetwork() *Network {
	atomic.AddInt32(n.refs, 1)

	return &Network{
		dispatcher: n.dispatcher,
		id:         atomic.AddUint64(&nextNetworkID, 1),
		refs:       n.refs,
		owned:      n.owned,
		endpoints:  make(map[Endpoint]struct{}),
	}
}

// Dispatcher returns the loop this Network runs on.
func (n *Network) Dispatcher() *dispatch.Dispatcher {
	return n.dispatcher
}

// ID is the ticker scope id of this Network.
func (n *Network) ID() uint64 {
	return n.id
}

// SetShutdownImmediate makes Close skip the graceful endpoint teardown.
func (n *Network) SetShutdownImmediate(b bool) {
	var v uint32
	if b {
		v = 1
	}
	atomic.StoreUint32(&n.shutdownImmediate, v)
}

// AddEndpoint hands ownership of an endpoint to this Network; it will be
// closed gracefully during teardown.
func (n *Network) AddEndpoint(ep Endpoint) {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	if !n.closed {
		n.endpoints[ep] = struct{}{}
	}
}

// RemoveEndpoint releases an endpoint from this Network without closing it.
func (n *Network) RemoveEndpoint(ep Endpoint) {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	delete(n.endpoints, ep)
}

// CallEvery runs callback on the loop every interval, scoped to this Network:
// the returned Ticker dies with the Network.
func (n *Network) CallEvery(interval time.Duration, callback func()) *dispatch.Ticker {
	return n.dispatcher.NewTicker(n.id, interval, callback, true, false)
}

// CallLater runs callback once on the loop after delay.
func (n *Network) CallLater(delay time.Duration, callback func()) {
	n.dispatcher.CallLater(delay, callback)
}

// Close tears this Network down: endpoints are closed gracefully on the loop
// goroutine with the caller blocked until done, the Dispatcher is shut down if
// this was the last owning Network, and finally all tickers scoped to this
// Network are stopped, leaving linked siblings unaffected.
func (n *Network) Close() error {
	n.mutex.Lock()
	if n.closed {
		n.mutex.Unlock()
		return nil
	}
	n.closed = true
	n.mutex.Unlock()

	log.Info("Shutting down network")

	immediate := atomic.LoadUint32(&n.shutdownImmediate) != 0

	var closeErr error
	if !immediate {
		closeErr = n.closeEndpoints()
	}

	if atomic.AddInt32(n.refs, -1) == 0 && n.owned {
		n.dispatcher.Shutdown(immediate)
	}

	n.dispatcher.StopScopedTickers(n.id)

	log.Info("Network shutdown complete")

	return closeErr
}

// closeEndpoints requests a graceful close of every owned endpoint on the loop
// goroutine, blocking until every close has run.
func (n *Network) closeEndpoints() error {
	n.mutex.Lock()
	endpoints := n.endpoints
	n.endpoints = make(map[Endpoint]struct{})
	n.mutex.Unlock()

	return n.dispatcher.RunOnLoopSync(func() error {
		var result *multierror.Error
		for ep := range endpoints {
			if err := ep.CloseGracefully(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		return result.ErrorOrNil()
	})
}
