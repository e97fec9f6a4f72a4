// Copyright 2025 The Capnet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// SessionDialer produces (dialing and handshaking as needed) the Session
// a ServiceProxy should resolve its service handle through. Callers
// typically close over a DurableSocket + NewSession pair here so the
// resulting Session outlives individual reconnects.
type SessionDialer func(ctx context.Context) (*Session, error)

// ServiceProxy is a generic, immediate-return façade over a named remote
// service: construction never blocks, resolution of the underlying
// channel/session/service handle is deferred to first use, concurrent
// first callers dedupe onto a single resolution via singleflight, and
// event subscriptions are replayed after a state-loss/restore cycle.
type ServiceProxy[T any] struct {
	dial        SessionDialer
	serviceName string
	wrap        func(*Proxy) T
	logger      Logger
	onFatal     func(error)

	group singleflight.Group

	mu        sync.Mutex
	session   *Session
	handle    *Proxy
	typed     T
	haveTyped bool

	subsMu sync.Mutex
	subs   []*serviceProxySubscription

	recoveryOnce sync.Once
	closedCh     chan struct{}
	closeOnce    sync.Once
}

type serviceProxySubscription struct {
	event    string
	observer func(any)
	current  *RemoteSubscription
}

// ServiceProxyOption configures a ServiceProxy at construction time.
type ServiceProxyOption[T any] func(*ServiceProxy[T])

// WithServiceProxyLogger installs a structured logger; defaults to a no-op.
func WithServiceProxyLogger[T any](l Logger) ServiceProxyOption[T] {
	return func(sp *ServiceProxy[T]) { sp.logger = l }
}

// WithOnFatal overrides the default fatal handler (which closes the
// underlying session), invoked when a post-recovery resubscribe fails.
func WithOnFatal[T any](fn func(error)) ServiceProxyOption[T] {
	return func(sp *ServiceProxy[T]) { sp.onFatal = fn }
}

// NewServiceProxy builds a façade for serviceName. wrap converts the raw
// Proxy bound to the remote service object into the caller's typed
// handle interface T; this is the Go substitute for generating a typed
// client class from introspection, since Go has no runtime proxy object
// construction.
func NewServiceProxy[T any](dial SessionDialer, serviceName string, wrap func(*Proxy) T, opts ...ServiceProxyOption[T]) *ServiceProxy[T] {
	sp := &ServiceProxy[T]{
		dial:        dial,
		serviceName: serviceName,
		wrap:        wrap,
		logger:      noopLogger{},
		closedCh:    make(chan struct{}),
	}
	sp.onFatal = func(err error) {
		sp.logger.Error("service proxy: fatal error, closing session", "service", sp.serviceName, "error", err)
		sp.mu.Lock()
		session := sp.session
		sp.mu.Unlock()
		if session != nil {
			_ = session.Close()
		}
	}
	for _, o := range opts {
		o(sp)
	}
	return sp
}

// Handle resolves the façade, dialing and acquiring the remote service
// handle on first use; concurrent callers during resolution share one
// in-flight attempt.
func (sp *ServiceProxy[T]) Handle(ctx context.Context) (T, error) {
	sp.mu.Lock()
	if sp.haveTyped {
		t := sp.typed
		sp.mu.Unlock()
		return t, nil
	}
	sp.mu.Unlock()

	v, err, _ := sp.group.Do("resolve", func() (any, error) {
		return sp.resolve(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

func (sp *ServiceProxy[T]) resolve(ctx context.Context) (T, error) {
	var zero T
	sp.mu.Lock()
	if sp.haveTyped {
		t := sp.typed
		sp.mu.Unlock()
		return t, nil
	}
	sp.mu.Unlock()

	session, err := sp.dial(ctx)
	if err != nil {
		return zero, fmt.Errorf("service proxy %q: dial: %w", sp.serviceName, err)
	}

	var handle *Proxy
	if err := session.remote().Call(ctx, "getLocalService", []any{sp.serviceName}, &handle); err != nil {
		return zero, fmt.Errorf("service proxy %q: getLocalService: %w", sp.serviceName, err)
	}

	typed := sp.wrap(handle)

	sp.mu.Lock()
	sp.session = session
	sp.handle = handle
	sp.typed = typed
	sp.haveTyped = true
	sp.mu.Unlock()

	sp.armRecovery(session)
	return typed, nil
}

// armRecovery watches the session's Channel directly for stateLost/ready
// edges, rather than assuming a *DurableSocket: any Channel implementation
// that models reconnection (its StateLost/Ready return non-nil channels)
// gets recovery behavior, including a plain test-driven Channel. A
// channel kind with no reconnect concept (StateLost returning nil, e.g.
// the always-ready in-memory pipe) needs none and is left alone.
func (sp *ServiceProxy[T]) armRecovery(session *Session) {
	sp.recoveryOnce.Do(func() {
		lost := session.channel.StateLost()
		if lost == nil {
			return
		}
		go sp.watchRecovery(session.channel, lost)
	})
}

// watchRecovery drops the remembered service handle on every stateLost
// edge, then waits for the channel to become ready again before
// re-acquiring the handle and replaying subscriptions. Loss signals seen
// while already waiting for a ready edge are redundant and folded into
// the single pending recovery, so N consecutive losses followed by one
// ready edge trigger exactly one re-acquire-and-resubscribe pass.
func (sp *ServiceProxy[T]) watchRecovery(ch Channel, lost <-chan string) {
	for {
		select {
		case reason, ok := <-lost:
			if !ok {
				return
			}
			sp.dropHandle(reason)
			sp.awaitReadyThenRecover(ch, lost)
		case <-sp.closedCh:
			return
		}
	}
}

// dropHandle clears the remembered service handle so the next Handle,
// Call, or Subscribe call re-resolves it instead of using one bound to a
// connection that may no longer exist on the peer's side.
func (sp *ServiceProxy[T]) dropHandle(reason string) {
	sp.logger.Debug("service proxy: connection lost, dropping remembered handle", "service", sp.serviceName, "reason", reason)
	var zero T
	sp.mu.Lock()
	sp.handle = nil
	sp.typed = zero
	sp.haveTyped = false
	sp.mu.Unlock()
}

// awaitReadyThenRecover blocks until ch reports ready again, ignoring any
// further redundant loss signals in the meantime, then runs one recovery
// pass.
func (sp *ServiceProxy[T]) awaitReadyThenRecover(ch Channel, lost <-chan string) {
	for {
		ready := ch.Ready()
		select {
		case <-ready:
			sp.recover()
			return
		case <-lost:
			continue
		case <-sp.closedCh:
			return
		}
	}
}

// recover re-acquires the service handle over the (already reconnected)
// session and replays every subscription that was live before the loss.
func (sp *ServiceProxy[T]) recover() {
	sp.mu.Lock()
	session := sp.session
	sp.mu.Unlock()
	if session == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var handle *Proxy
	if err := session.remote().Call(ctx, "getLocalService", []any{sp.serviceName}, &handle); err != nil {
		sp.onFatal(fmt.Errorf("service proxy %q: re-acquire handle after recovery: %w", sp.serviceName, err))
		return
	}
	typed := sp.wrap(handle)

	sp.mu.Lock()
	sp.handle = handle
	sp.typed = typed
	sp.haveTyped = true
	sp.mu.Unlock()

	sp.resubscribeAll(handle)
}

// resubscribeAll re-establishes every live subscription against handle,
// since the peer's in-process subscription objects do not survive a lost
// connection even when session identity is preserved. A failure here is
// fatal: the caller's observer contract (exactly-once delivery resuming
// after recovery) cannot be honored silently.
func (sp *ServiceProxy[T]) resubscribeAll(handle *Proxy) {
	sp.subsMu.Lock()
	subs := append([]*serviceProxySubscription{}, sp.subs...)
	sp.subsMu.Unlock()

	for _, rec := range subs {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		newSub, err := handle.Subscribe(ctx, rec.event, rec.observer)
		cancel()
		if err != nil {
			sp.onFatal(fmt.Errorf("service proxy %q: resubscribe %s after recovery: %w", sp.serviceName, rec.event, err))
			return
		}
		sp.subsMu.Lock()
		rec.current = newSub
		sp.subsMu.Unlock()
	}
}

// Subscribe resolves the façade if needed and subscribes observer to
// event, returning an unsubscribe function. The subscription is
// transparently replayed across reconnects until unsubscribe is called.
func (sp *ServiceProxy[T]) Subscribe(ctx context.Context, event string, observer func(any)) (func(context.Context) error, error) {
	if _, err := sp.Handle(ctx); err != nil {
		return nil, err
	}
	sp.mu.Lock()
	handle := sp.handle
	sp.mu.Unlock()

	sub, err := handle.Subscribe(ctx, event, observer)
	if err != nil {
		return nil, err
	}
	rec := &serviceProxySubscription{event: event, observer: observer, current: sub}
	sp.subsMu.Lock()
	sp.subs = append(sp.subs, rec)
	sp.subsMu.Unlock()

	return func(ctx context.Context) error {
		sp.subsMu.Lock()
		for i, r := range sp.subs {
			if r == rec {
				sp.subs = append(sp.subs[:i], sp.subs[i+1:]...)
				break
			}
		}
		cur := rec.current
		sp.subsMu.Unlock()
		if cur == nil {
			return nil
		}
		return cur.Unsubscribe(ctx)
	}, nil
}

// Call is a dynamic escape hatch alongside the typed T handle from
// Handle, useful for methods not worth giving a typed wrapper.
func (sp *ServiceProxy[T]) Call(ctx context.Context, method string, args []any, result any) error {
	if _, err := sp.Handle(ctx); err != nil {
		return err
	}
	sp.mu.Lock()
	handle := sp.handle
	sp.mu.Unlock()
	return handle.Call(ctx, method, args, result)
}

// Close shuts down the underlying session, if one was ever resolved, and
// stops any in-flight recovery watcher.
func (sp *ServiceProxy[T]) Close() error {
	sp.closeOnce.Do(func() { close(sp.closedCh) })
	sp.mu.Lock()
	session := sp.session
	sp.mu.Unlock()
	if session == nil {
		return nil
	}
	return session.Close()
}
