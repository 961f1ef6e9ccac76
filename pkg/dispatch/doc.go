// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package dispatch implements the single-goroutine event loop underlying this library.

Every Dispatcher owns exactly one loop goroutine which serialises all job execution
and ticker firings. Nothing ever runs concurrently within one Dispatcher; the only
state touched from foreign goroutines is the job queue, and only for the duration
of an enqueue or a swap.

Foreign goroutines interact with the loop in three ways:

Submit hands a fire-and-forget job to the loop. RunOnLoop does the same but takes
the inline fast path when the caller already is the loop goroutine; callbacks
executing on the loop may therefore call back into the Dispatcher freely.
RunOnLoopSync additionally blocks the caller until the loop has run the function,
returning its error. The inline fast path doubles as the deadlock guard: waiting
on the loop from the loop would never complete.

Tickers are repeating or one-shot timers whose callbacks run on the loop
goroutine. They are registered per scope id, so higher layers sharing one
Dispatcher can tear down their own tickers without affecting their siblings.

Owned handles solve cross-goroutine destruction of loop-affine resources: the
final Release does not run the cleanup inline but submits it to the loop, no
matter which goroutine dropped the last reference.
*/
package dispatch
