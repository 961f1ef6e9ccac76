// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package network

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/reqstream/reqstream-go/pkg/dispatch"
)

type recordingEndpoint struct {
	closed uint32
	err    error
}

func (ep *recordingEndpoint) CloseGracefully() error {
	atomic.AddUint32(&ep.closed, 1)
	return ep.err
}

func (ep *recordingEndpoint) wasClosed() bool {
	return atomic.LoadUint32(&ep.closed) > 0
}

func TestNetworkClosesEndpoints(t *testing.T) {
	n := NewNetwork()

	epA := &recordingEndpoint{}
	epB := &recordingEndpoint{}
	n.AddEndpoint(epA)
	n.AddEndpoint(epB)

	if err := n.Close(); err != nil {
		t.Fatalf("closing errored: %v", err)
	}

	if !epA.wasClosed() || !epB.wasClosed() {
		t.Fatal("not all endpoints were closed")
	}
}

func TestNetworkCloseCollectsErrors(t *testing.T) {
	n := NewNetwork()

	n.AddEndpoint(&recordingEndpoint{err: fmt.Errorf("oof")})
	n.AddEndpoint(&recordingEndpoint{err: fmt.Errorf("ouch")})
	n.AddEndpoint(&recordingEndpoint{})

	if err := n.Close(); err == nil {
		t.Fatal("endpoint errors were swallowed")
	}
}

func TestNetworkRemoveEndpoint(t *testing.T) {
	n := NewNetwork()

	ep := &recordingEndpoint{}
	n.AddEndpoint(ep)
	n.RemoveEndpoint(ep)

	if err := n.Close(); err != nil {
		t.Fatalf("closing errored: %v", err)
	}
	if ep.wasClosed() {
		t.Fatal("removed endpoint was closed anyway")
	}
}

func TestNetworkShutdownImmediate(t *testing.T) {
	n := NewNetwork()
	n.SetShutdownImmediate(true)

	ep := &recordingEndpoint{}
	n.AddEndpoint(ep)

	if err := n.Close(); err != nil {
		t.Fatalf("closing errored: %v", err)
	}
	if ep.wasClosed() {
		t.Fatal("immediate shutdown still closed endpoints gracefully")
	}
}

func TestNetworkCloseIdempotent(t *testing.T) {
	n := NewNetwork()

	if err := n.Close(); err != nil {
		t.Fatalf("first close errored: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("second close errored: %v", err)
	}
}

func TestLinkedNetworks(t *testing.T) {
	a := NewNetwork()
	b := a.NewLinkedNetwork()

	if a.ID() == b.ID() {
		t.Fatal("linked networks share a scope id")
	}
	if a.Dispatcher() != b.Dispatcher() {
		t.Fatal("linked networks do not share their dispatcher")
	}

	var firedB uint32
	b.CallEvery(20*time.Millisecond, func() {
		atomic.AddUint32(&firedB, 1)
	})

	epA := &recordingEndpoint{}
	a.AddEndpoint(epA)

	if err := a.Close(); err != nil {
		t.Fatalf("closing the first network errored: %v", err)
	}
	if !epA.wasClosed() {
		t.Fatal("first network's endpoint was not closed")
	}

	// the sibling's loop and tickers survive
	if err := b.Dispatcher().RunOnLoopSync(func() error { return nil }); err != nil {
		t.Fatalf("shared loop is gone after closing one sibling: %v", err)
	}

	before := atomic.LoadUint32(&firedB)
	time.Sleep(70 * time.Millisecond)
	if atomic.LoadUint32(&firedB) == before {
		t.Fatal("sibling's ticker was stopped")
	}

	if err := b.Close(); err != nil {
		t.Fatalf("closing the last network errored: %v", err)
	}

	// now the shared loop is down
	if err := b.Dispatcher().RunOnLoopSync(func() error { return nil }); err == nil {
		t.Fatal("loop survived the last sibling's close")
	}
}

func TestNetworkScopedTickersStop(t *testing.T) {
	n := NewNetwork()
	sibling := n.NewLinkedNetwork()
	defer func() { _ = sibling.Close() }()

	var fired uint32
	n.CallEvery(20*time.Millisecond, func() {
		atomic.AddUint32(&fired, 1)
	})

	time.Sleep(70 * time.Millisecond)
	if err := n.Close(); err != nil {
		t.Fatalf("closing errored: %v", err)
	}

	// leave room for a firing already in flight at close time
	time.Sleep(50 * time.Millisecond)

	stoppedAt := atomic.LoadUint32(&fired)
	time.Sleep(100 * time.Millisecond)
	if now := atomic.LoadUint32(&fired); now != stoppedAt {
		t.Fatalf("network ticker fired %d times after close", now-stoppedAt)
	}
}

func TestNetworkWithExternalDispatcher(t *testing.T) {
	d := dispatch.NewDispatcher()
	defer d.Shutdown(false)

	n := NewNetworkWithDispatcher(d)
	if err := n.Close(); err != nil {
		t.Fatalf("closing errored: %v", err)
	}

	// the externally supplied loop must not be shut down
	if err := d.RunOnLoopSync(func() error { return nil }); err != nil {
		t.Fatalf("external dispatcher was shut down: %v", err)
	}
}
