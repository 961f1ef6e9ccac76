// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package reqstream implements a multiplexed request/response protocol on top of
a single ordered byte stream.


Wire format

Each frame is an ASCII decimal length, a colon, and that many payload bytes.
The payload is a bencoded list: a one-character tag, the signed 64-bit request
id, for commands the endpoint name, and the opaque body:

	20:l1:Ci7e4:ping4:bodye

Tag "C" is a command, "R" a successful response and "E" an error response.
Request ids are assigned strictly increasing per stream and direction, pairing
every response with the command it answers.


Dispatch

Incoming bytes enter through Receive, which may complete zero, one or many
frames per call; partial length prefixes and partial bodies are carried over
between calls. Completed frames are decoded and dispatched on the loop
goroutine: responses are matched against the pending-request queue by id,
commands are routed to their registered handler, which may answer
asynchronously through Message.Respond. Replies without a matching pending
request are dropped; unknown commands are dropped or answered with an error
frame, depending on the configured policy.

A periodic sweep evicts pending requests whose deadline passed, delivering a
synthetic timeout Message to each evicted callback. Since the queue is in send
order the sweep only ever inspects the expired prefix.
*/
package reqstream
