// Copyright 2025 The Capnet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"context"
	"fmt"
	"sync"
)

// Proxy is the local stand-in for a remote remotable object. Go has no
// dynamic property access, so rather than forwarding an arbitrary
// property lookup into a bound call function, Proxy exposes
// Call/Subscribe/Reference directly; ServiceProxy's generated handles
// are the thin typed wrapper layered on top of this surface.
type Proxy struct {
	session  *Session
	objectID string
	refID    string // the (Rε, Rid) this proxy was minted from; "" for well-known

	mu   sync.Mutex
	subs map[string]*proxySubscription
}

func newProxy(s *Session, objectID, refID string) *Proxy {
	return &Proxy{session: s, objectID: objectID, refID: refID, subs: make(map[string]*proxySubscription)}
}

// Call invokes method on the remote object, decoding the response into
// result (which may be nil to discard the value).
func (p *Proxy) Call(ctx context.Context, method string, args []any, result any) error {
	return p.session.call(ctx, p, method, args, result)
}

// Reference returns the wire descriptor that round-trips this proxy back
// to the peer's own local object, the Go analog of a toJSON hook so a
// proxy serializes correctly inside arbitrary JSON payloads.
func (p *Proxy) Reference() Ref {
	return Ref{ObjectID: p.objectID, Side: SideRemote}
}

// RemoteSubscription represents an active event subscription created
// through Proxy.Subscribe; Unsubscribe tears it down on both peers.
type RemoteSubscription struct {
	source   *Proxy
	event    string
	observer func(any)
	handle   *Proxy // the peer's subscription object, returned by subscribeToEvent
	mu       sync.Mutex
	closed   bool
}

type proxySubscription struct {
	sub *RemoteSubscription
}

// Subscribe subscribes to a named event stream on the remote object,
// invoking observer for each delivered value until Unsubscribe is called.
func (p *Proxy) Subscribe(ctx context.Context, event string, observer func(any)) (*RemoteSubscription, error) {
	cb := newObserverObject(observer)
	sessionRemote := p.session.remote()
	var handle *Proxy
	if err := sessionRemote.Call(ctx, "subscribeToEvent", []any{p.Reference(), event, cb}, &handle); err != nil {
		return nil, fmt.Errorf("subscribe %s.%s: %w", p.objectID, event, err)
	}
	sub := &RemoteSubscription{source: p, event: event, observer: observer, handle: handle}
	p.mu.Lock()
	p.subs[event] = &proxySubscription{sub: sub}
	p.mu.Unlock()
	return sub, nil
}

// Unsubscribe cancels the subscription, both locally and on the peer.
func (s *RemoteSubscription) Unsubscribe(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.source.mu.Lock()
	delete(s.source.subs, s.event)
	s.source.mu.Unlock()

	if s.handle == nil {
		return nil
	}
	return s.handle.Call(ctx, "unsubscribe", nil, nil)
}

// release drops the application's handle to the proxy, starting the
// debounced finalization machinery. It is the only path that starts it:
// the proxy registry holds the proxy strongly, so a GC finalizer on it
// does not run while it is registered.
func (p *Proxy) release() {
	p.session.proxies.scheduleFinalize(p.objectID)
}

// Release immediately starts the finalization debounce window for this
// proxy, as though the application had dropped its last handle. Dropping
// the last Go reference without calling Release does not start it.
func (p *Proxy) Release() { p.release() }
