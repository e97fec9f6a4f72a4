// Copyright 2025 The Capnet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"context"
	"sync"
)

// pipeChannel is an in-memory, always-ready Channel, one half of a pair
// created by NewPipePair. A two-sided in-process transport could instead
// be backed by net.Pipe, but the pairing is done directly over Go
// channels here since framing/blocking semantics over net.Pipe would
// just be reimplemented on top regardless.
type pipeChannel struct {
	out chan<- []byte
	in  <-chan []byte

	readyOnce sync.Once
	ready     chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// NewPipePair returns two Channels, each other's peer, suitable for
// tests and single-process wiring. Frames sent on one are delivered on
// the other's Received() in order.
func NewPipePair() (Channel, Channel) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	a := newPipeChannel(ab, ba)
	b := newPipeChannel(ba, ab)
	return a, b
}

func newPipeChannel(out chan<- []byte, in <-chan []byte) *pipeChannel {
	c := &pipeChannel{out: out, in: in, ready: make(chan struct{}), closed: make(chan struct{})}
	close(c.ready) // always ready: no transport-level reconnect concept
	return c
}

func (c *pipeChannel) Received() <-chan []byte { return c.in }
func (c *pipeChannel) Ready() <-chan struct{}  { return c.ready }
func (c *pipeChannel) StateLost() <-chan string { return nil }

func (c *pipeChannel) Send(ctx context.Context, frame []byte) error {
	select {
	case c.out <- frame:
		return nil
	case <-c.closed:
		return errChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pipeChannel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

var errChannelClosed = &invalidCallError{message: "channel closed"}
