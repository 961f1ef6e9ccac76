// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package dispatch

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Job is a deferred callable. A Job is owned by the Dispatcher's queue and is
// executed exactly once, always on the loop goroutine.
type Job func()

// setupOnce guards the one-time process-wide backend setup, triggered by the
// first Dispatcher construction and never repeated.
var setupOnce sync.Once

// Dispatcher owns a single loop goroutine. Jobs may be submitted from any
// goroutine; they are drained and executed strictly sequentially on the loop.
type Dispatcher struct {
	jobMutex sync.Mutex
	jobs     []Job

	wakeChan chan struct{}
	stopChan chan bool
	doneChan chan struct{}

	loopID uint64

	tickerMutex sync.Mutex
	tickers     map[uint64]map[*Ticker]struct{}
}

// NewDispatcher starts a new loop goroutine and returns once it is running.
func NewDispatcher() *Dispatcher {
	setupOnce.Do(func() {
		log.WithField("runtime", runtime.Version()).Debug("Timer backend initialised")
	})

	d := &Dispatcher{
		wakeChan: make(chan struct{}, 1),
		stopChan: make(chan bool, 1),
		doneChan: make(chan struct{}),
		tickers:  make(map[uint64]map[*Ticker]struct{}),
	}

	started := make(chan struct{})
	go d.loop(started)
	<-started

	log.Debug("Loop is started")

	return d
}

func (d *Dispatcher) loop(started chan<- struct{}) {
	atomic.StoreUint64(&d.loopID, goroutineID())
	close(started)

	for {
		select {
		case <-d.wakeChan:
			d.drainJobs()

		case immediate := <-d.stopChan:
			if !immediate {
				// Jobs may enqueue further jobs; keep draining until quiet.
				for d.drainJobs() > 0 {
				}
			}

			log.Debug("Loop goroutine finished")
			close(d.doneChan)
			return
		}
	}
}

// drainJobs swaps the whole queue out under the lock and executes the swapped
// batch unlocked, bounding lock hold time and tolerating jobs which enqueue
// further jobs. Returns the number of jobs executed.
func (d *Dispatcher) drainJobs() int {
	d.jobMutex.Lock()
	jobs := d.jobs
	d.jobs = nil
	d.jobMutex.Unlock()

	for _, job := range jobs {
		d.runJob(job)
	}

	return len(jobs)
}

// runJob executes a single fire-and-forget job. A panicking job is logged and
// swallowed; it must never take the loop goroutine down.
func (d *Dispatcher) runJob(job Job) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("Job panicked on the loop goroutine")
		}
	}()

	job()
}

// Submit enqueues a job and wakes the loop goroutine. Safe to call from any
// goroutine, never blocks.
func (d *Dispatcher) Submit(job Job) {
	d.jobMutex.Lock()
	d.jobs = append(d.jobs, job)
	queued := len(d.jobs)
	d.jobMutex.Unlock()

	log.WithField("queued", queued).Trace("Submitted job to loop")

	select {
	case d.wakeChan <- struct{}{}:
	default:
	}
}

// OnLoop reports whether the caller is running on the loop goroutine.
func (d *Dispatcher) OnLoop() bool {
	return goroutineID() == atomic.LoadUint64(&d.loopID)
}

// RunOnLoop executes fn inline when called from the loop goroutine and submits
// it as a fire-and-forget job otherwise.
func (d *Dispatcher) RunOnLoop(fn Job) {
	if d.OnLoop() {
		fn()
	} else {
		d.Submit(fn)
	}
}

// RunOnLoopSync executes fn on the loop goroutine, blocking the caller until
// it has run, and returns fn's error. A panic inside fn is propagated to the
// waiting caller as an error instead of crashing the loop. Calls from the loop
// goroutine itself take the inline path, as waiting on the loop from the loop
// would deadlock.
func (d *Dispatcher) RunOnLoopSync(fn func() error) error {
	if d.OnLoop() {
		return fn()
	}

	resultChan := make(chan error, 1)
	d.Submit(func() {
		defer func() {
			if r := recover(); r != nil {
				resultChan <- fmt.Errorf("job panicked: %v", r)
			}
		}()

		resultChan <- fn()
	})

	select {
	case err := <-resultChan:
		return err
	case <-d.doneChan:
		// The loop went away; the job may still have run during a
		// graceful drain, so give its result precedence.
		select {
		case err := <-resultChan:
			return err
		default:
			return fmt.Errorf("loop is shut down")
		}
	}
}

// Shutdown stops the loop goroutine and waits for it to finish. With immediate
// set, the loop breaks right away and queued jobs are dropped; otherwise all
// pending jobs are finished first. Every ticker still registered on this
// Dispatcher is force-stopped afterwards.
func (d *Dispatcher) Shutdown(immediate bool) {
	log.WithField("immediate", immediate).Info("Shutting down loop")

	select {
	case d.stopChan <- immediate:
	default:
	}
	<-d.doneChan

	d.stopAllTickers()

	log.Info("Loop shutdown complete")
}

// NewTicker creates a Ticker bound to this Dispatcher, registered under the
// given scope id. With startImmediately the ticker begins firing right away.
// fixedInterval selects interval-from-previous-completion scheduling; the
// default measures the interval from the previous start and skips ticks when
// the callback overruns.
func (d *Dispatcher) NewTicker(scopeID uint64, interval time.Duration, callback func(), startImmediately, fixedInterval bool) *Ticker {
	t := &Ticker{
		dispatcher:    d,
		interval:      interval,
		callback:      callback,
		scopeID:       scopeID,
		fixedInterval: fixedInterval,
	}

	d.registerTicker(t)

	if startImmediately {
		if err := t.Start(); err != nil {
			log.WithError(err).Error("Newly created ticker failed to start")
		}
	}

	return t
}

// CallEvery runs callback on the loop goroutine every interval until the
// returned Ticker is stopped. The ticker is registered under scope id 0, the
// Dispatcher's own scope.
func (d *Dispatcher) CallEvery(interval time.Duration, callback func()) *Ticker {
	return d.NewTicker(0, interval, callback, true, false)
}

// CallLater runs callback once on the loop goroutine after delay. The one-shot
// ticker releases itself after its single firing; there is no second destroy
// step.
func (d *Dispatcher) CallLater(delay time.Duration, callback func()) {
	t := &Ticker{
		dispatcher: d,
		interval:   delay,
		callback:   callback,
		oneShot:    true,
	}

	d.registerTicker(t)

	if err := t.Start(); err != nil {
		log.WithError(err).Error("One-shot ticker failed to start")
	}
}

func (d *Dispatcher) registerTicker(t *Ticker) {
	d.tickerMutex.Lock()
	defer d.tickerMutex.Unlock()

	scoped, ok := d.tickers[t.scopeID]
	if !ok {
		scoped = make(map[*Ticker]struct{})
		d.tickers[t.scopeID] = scoped
	}
	scoped[t] = struct{}{}
}

func (d *Dispatcher) unregisterTicker(t *Ticker) {
	d.tickerMutex.Lock()
	defer d.tickerMutex.Unlock()

	if scoped, ok := d.tickers[t.scopeID]; ok {
		delete(scoped, t)
		if len(scoped) == 0 {
			delete(d.tickers, t.scopeID)
		}
	}
}

// StopScopedTickers force-stops and releases every ticker registered under the
// given scope id. Tickers of other scopes sharing this Dispatcher are not
// affected.
func (d *Dispatcher) StopScopedTickers(scopeID uint64) {
	d.tickerMutex.Lock()
	scoped := d.tickers[scopeID]
	delete(d.tickers, scopeID)
	d.tickerMutex.Unlock()

	for t := range scoped {
		t.forceStop()
	}

	if len(scoped) > 0 {
		log.WithFields(log.Fields{
			"scope":   scopeID,
			"tickers": len(scoped),
		}).Debug("Stopped scoped tickers")
	}
}

func (d *Dispatcher) stopAllTickers() {
	d.tickerMutex.Lock()
	tickers := d.tickers
	d.tickers = make(map[uint64]map[*Ticker]struct{})
	d.tickerMutex.Unlock()

	for _, scoped := range tickers {
		for t := range scoped {
			t.forceStop()
		}
	}
}
