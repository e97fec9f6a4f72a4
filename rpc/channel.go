// Copyright 2025 The Capnet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import "context"

// Channel is the abstract duplex message transport a Session is built
// on. It is characterized by one operation and three capabilities; the
// session consumes only this abstraction and never assumes framing size
// limits, ordering across reconnects, or delivery receipts.
type Channel interface {
	// Received streams inbound text frames. Closed when the channel is
	// permanently done.
	Received() <-chan []byte

	// Ready, if supported, is closed and replaced on each transition into
	// a sendable/receivable state; nil if the channel kind doesn't model
	// readiness (e.g. the in-memory pair, which is always ready). A late
	// subscriber reading the current channel value observes the current
	// readiness rather than missing a past edge.
	Ready() <-chan struct{}

	// StateLost, if supported, emits a human-readable reason once per
	// transition out of ready; nil if unsupported.
	StateLost() <-chan string

	// Send transmits frame, suspending until the channel is ready to
	// accept it; it must not silently drop a frame.
	Send(ctx context.Context, frame []byte) error

	// Close performs a graceful shutdown, if the channel kind supports one.
	Close() error
}
