// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package dispatch

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

type tickerState int

const (
	tickerUnstarted tickerState = iota
	tickerRunning
	tickerStopped

	// tickerDisposed is terminal: one-shot tickers enter it after their
	// single firing, repeating tickers after a force-stop or an expired
	// owner probe.
	tickerDisposed
)

// Ticker is a repeating or one-shot timer bound to a Dispatcher. The callback
// always runs on the loop goroutine; callback panics are caught and logged,
// never propagated. Start and Stop may be called from any goroutine.
type Ticker struct {
	dispatcher *Dispatcher
	interval   time.Duration
	callback   func()

	scopeID       uint64
	oneShot       bool
	fixedInterval bool

	// alive, when set, is resolved before every firing. Once it reports
	// false the ticker stops for good and detaches from its Dispatcher.
	alive func() bool

	mutex    sync.Mutex
	state    tickerState
	stopChan chan struct{}
}

// SetAliveProbe installs an owner liveness probe resolved before each firing.
// Must be called before the first Start.
func (t *Ticker) SetAliveProbe(alive func() bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.alive = alive
}

// IsRunning reports whether the ticker is currently scheduled.
func (t *Ticker) IsRunning() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.state == tickerRunning
}

// Start schedules the ticker. Starting an already-running ticker is a no-op
// returning an error; a stopped ticker resumes firing.
func (t *Ticker) Start() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	switch t.state {
	case tickerRunning:
		return fmt.Errorf("ticker is already running")
	case tickerDisposed:
		return fmt.Errorf("ticker is disposed")
	}

	t.state = tickerRunning
	t.stopChan = make(chan struct{})
	go t.run(t.stopChan)

	return nil
}

// Stop unschedules the ticker. Stopping an already-stopped ticker is a no-op
// returning an error.
func (t *Ticker) Stop() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.state != tickerRunning {
		return fmt.Errorf("ticker is not running")
	}

	t.state = tickerStopped
	close(t.stopChan)
	t.stopChan = nil

	return nil
}

// forceStop stops the ticker for good, without unregistering it; the caller
// already removed it from the Dispatcher's registry.
func (t *Ticker) forceStop() {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.state == tickerRunning {
		close(t.stopChan)
		t.stopChan = nil
	}
	t.state = tickerDisposed
	t.callback = nil
}

// run is the scheduling goroutine for one Start/Stop cycle.
func (t *Ticker) run(stop <-chan struct{}) {
	if t.oneShot {
		timer := time.NewTimer(t.interval)
		defer timer.Stop()

		select {
		case <-timer.C:
			t.fire()
			t.dispose()
		case <-stop:
		}
		return
	}

	if t.fixedInterval {
		// Interval measured from the previous completion: reset only
		// after the callback has finished, so firings never overlap.
		timer := time.NewTimer(t.interval)
		defer timer.Stop()

		for {
			select {
			case <-timer.C:
				if !t.fire() {
					return
				}
				timer.Reset(t.interval)
			case <-stop:
				return
			}
		}
	}

	// Interval measured from the previous start. The runtime ticker holds at
	// most one pending tick, so an overrunning callback skips ticks instead
	// of piling them up.
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !t.fire() {
				return
			}
		case <-stop:
			return
		}
	}
}

// fire runs the callback on the loop goroutine and waits for it to finish.
// Returns whether the ticker should keep scheduling.
func (t *Ticker) fire() bool {
	t.mutex.Lock()
	alive, callback := t.alive, t.callback
	t.mutex.Unlock()

	if callback == nil {
		return false
	}

	if alive != nil && !alive() {
		log.Debug("Ticker owner is gone, detaching")
		t.dispose()
		return false
	}

	err := t.dispatcher.RunOnLoopSync(func() error {
		callback()
		return nil
	})
	if err != nil {
		log.WithError(err).Error("Ticker callback failed")
	}

	return true
}

// dispose permanently detaches the ticker: terminal state, callback released,
// registry entry removed.
func (t *Ticker) dispose() {
	t.mutex.Lock()
	t.state = tickerDisposed
	t.callback = nil
	t.stopChan = nil
	t.mutex.Unlock()

	t.dispatcher.unregisterTicker(t)
}
