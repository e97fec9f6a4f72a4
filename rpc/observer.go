// Copyright 2025 The Capnet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

// observerObject is the remotable callback object passed as the third
// argument to subscribeToEvent: an inline remotable exposing a single
// "next" method, the Go analog of an inline "{next: observer}" object.
type observerObject struct {
	Identity
	fn func(any)
}

func newObserverObject(fn func(any)) *observerObject {
	return &observerObject{fn: fn}
}

// Next is invoked by the peer for each value delivered to the
// subscription.
func (o *observerObject) Next(value any) error {
	if o.fn != nil {
		o.fn(value)
	}
	return nil
}
