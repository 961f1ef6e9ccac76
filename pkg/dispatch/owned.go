// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package dispatch

import (
	"sync/atomic"
)

// Owned is a reference-counted handle for a loop-affine resource. The final
// Release does not run the cleanup inline but submits it as a job, so the
// cleanup always executes on the loop goroutine no matter which goroutine
// dropped the last reference. The same wrapper serves default and custom
// cleanups alike.
type Owned struct {
	dispatcher *Dispatcher
	cleanup    func()
	refs       int32
}

// NewOwned wraps a cleanup for a loop-affine resource. The handle starts out
// with a single reference.
func (d *Dispatcher) NewOwned(cleanup func()) *Owned {
	return &Owned{
		dispatcher: d,
		cleanup:    cleanup,
		refs:       1,
	}
}

// Retain adds a reference and returns the handle for chaining.
func (o *Owned) Retain() *Owned {
	atomic.AddInt32(&o.refs, 1)
	return o
}

// Release drops a reference. The final Release hands the cleanup to the loop
// goroutine; it does not wait for it to run.
func (o *Owned) Release() {
	if atomic.AddInt32(&o.refs, -1) != 0 {
		return
	}

	// Only the final releaser gets here.
	cleanup := o.cleanup
	o.cleanup = nil
	if cleanup != nil {
		o.dispatcher.Submit(cleanup)
	}
}
