// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package dispatch

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestDispatcherOrdering(t *testing.T) {
	d := NewDispatcher()
	defer d.Shutdown(false)

	const jobs = 100

	// seen is only touched on the loop goroutine.
	var seen []int
	for i := 0; i < jobs; i++ {
		i := i
		d.Submit(func() {
			seen = append(seen, i)
		})
	}

	err := d.RunOnLoopSync(func() error {
		if len(seen) != jobs {
			return fmt.Errorf("%d of %d jobs ran", len(seen), jobs)
		}
		for i, v := range seen {
			if i != v {
				return fmt.Errorf("job %d ran at position %d", v, i)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestDispatcherConcurrentSubmit(t *testing.T) {
	d := NewDispatcher()
	defer d.Shutdown(false)

	const (
		workers   = 8
		perWorker = 50
	)

	var counter int
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				d.Submit(func() {
					counter++
				})
			}
		}()
	}
	wg.Wait()

	err := d.RunOnLoopSync(func() error {
		if counter != workers*perWorker {
			return fmt.Errorf("counter is %d, expected %d", counter, workers*perWorker)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestDispatcherOnLoop(t *testing.T) {
	d := NewDispatcher()
	defer d.Shutdown(false)

	if d.OnLoop() {
		t.Fatal("test goroutine claims to be the loop goroutine")
	}

	err := d.RunOnLoopSync(func() error {
		if !d.OnLoop() {
			return fmt.Errorf("job does not run on the loop goroutine")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRunOnLoopSyncError(t *testing.T) {
	d := NewDispatcher()
	defer d.Shutdown(false)

	if err := d.RunOnLoopSync(func() error {
		return fmt.Errorf("oof")
	}); err == nil || err.Error() != "oof" {
		t.Fatalf("expected oof, got %v", err)
	}
}

func TestRunOnLoopSyncPanic(t *testing.T) {
	d := NewDispatcher()
	defer d.Shutdown(false)

	if err := d.RunOnLoopSync(func() error {
		panic("kaboom")
	}); err == nil {
		t.Fatal("panic was not propagated as an error")
	}

	// the loop must have survived
	if err := d.RunOnLoopSync(func() error { return nil }); err != nil {
		t.Fatalf("loop is broken after a panicking job: %v", err)
	}
}

func TestRunOnLoopSyncInline(t *testing.T) {
	d := NewDispatcher()
	defer d.Shutdown(false)

	// A nested synchronous call from the loop goroutine must run inline
	// instead of deadlocking on its own queue.
	err := d.RunOnLoopSync(func() error {
		return d.RunOnLoopSync(func() error {
			if !d.OnLoop() {
				return fmt.Errorf("nested call left the loop goroutine")
			}
			return nil
		})
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestShutdownDrainsQueuedJobs(t *testing.T) {
	d := NewDispatcher()

	ran := make(chan struct{})
	d.Submit(func() {
		// Jobs enqueued by jobs still run before a graceful shutdown
		// finishes.
		d.Submit(func() {
			close(ran)
		})
	})

	d.Shutdown(false)

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("graceful shutdown dropped a queued job")
	}
}

func TestRunOnLoopSyncAfterShutdown(t *testing.T) {
	d := NewDispatcher()
	d.Shutdown(true)

	if err := d.RunOnLoopSync(func() error { return nil }); err == nil {
		t.Fatal("expected an error after shutdown")
	}
}

func TestOwnedRelease(t *testing.T) {
	d := NewDispatcher()
	defer d.Shutdown(false)

	cleanedUp := make(chan bool, 1)
	o := d.NewOwned(func() {
		cleanedUp <- d.OnLoop()
	})

	o.Retain()
	o.Release()

	select {
	case <-cleanedUp:
		t.Fatal("cleanup ran although a reference is still held")
	case <-time.After(50 * time.Millisecond):
	}

	o.Release()

	select {
	case onLoop := <-cleanedUp:
		if !onLoop {
			t.Fatal("cleanup ran off the loop goroutine")
		}
	case <-time.After(time.Second):
		t.Fatal("cleanup did not run after the final release")
	}
}
