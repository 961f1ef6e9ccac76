// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package reqstream

import "time"

// pendingRequest is a sent command awaiting its matching response or timeout
// eviction. Entries live in a queue appended in request-id order, which, ids
// being monotonic, is also send-time order.
type pendingRequest struct {
	requestID int64
	callback  func(*Message)
	expiry    time.Time
}

// expired reports whether the request's deadline has been reached. A deadline
// exactly at the sweep instant counts as expired.
func (req *pendingRequest) expired(now time.Time) bool {
	return !req.expiry.After(now)
}
