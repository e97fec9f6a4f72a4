// Copyright 2025 The Capnet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"context"
	"sync"
	"testing"
	"time"
)

type echoService struct {
	Identity
}

func (e *echoService) Echo(s string) (string, error) { return s, nil }

func newEchoPair(t *testing.T) (client, server *Session) {
	t.Helper()
	a, b := NewPipePair()
	client = NewSession(a)
	server = NewSession(b)
	if err := server.RegisterService(NewServiceDescriptor("echo", func() any { return &echoService{} })); err != nil {
		t.Fatalf("RegisterService: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

// TestSessionSimpleCall is scenario S1: a simple call to a registered
// service's method round-trips its result.
func TestSessionSimpleCall(t *testing.T) {
	client, _ := newEchoPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var handle *Proxy
	if err := client.Remote().Call(ctx, "getLocalService", []any{"echo"}, &handle); err != nil {
		t.Fatalf("getLocalService: %v", err)
	}
	if handle == nil {
		t.Fatal("getLocalService returned a nil handle")
	}

	var result string
	if err := handle.Call(ctx, "echo", []any{"hello"}, &result); err != nil {
		t.Fatalf("echo call: %v", err)
	}
	if result != "hello" {
		t.Fatalf("echo result = %q, want %q", result, "hello")
	}
}

// TestSessionDuplicateDescriptorCollapse is universal property 2: two
// getLocalService calls for the same service resolve to the identical
// *Proxy value rather than minting a second one.
func TestSessionDuplicateDescriptorCollapse(t *testing.T) {
	client, _ := newEchoPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var first, second *Proxy
	if err := client.Remote().Call(ctx, "getLocalService", []any{"echo"}, &first); err != nil {
		t.Fatalf("first getLocalService: %v", err)
	}
	if err := client.Remote().Call(ctx, "getLocalService", []any{"echo"}, &second); err != nil {
		t.Fatalf("second getLocalService: %v", err)
	}
	if first != second {
		t.Fatalf("expected identical proxy pointers, got %p and %p", first, second)
	}
}

// TestSessionCallUnknownMethod verifies an unrecognized method name
// surfaces as a no-such-method invalid-call error rather than hanging or
// panicking.
func TestSessionCallUnknownMethod(t *testing.T) {
	client, _ := newEchoPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var handle *Proxy
	if err := client.Remote().Call(ctx, "getLocalService", []any{"echo"}, &handle); err != nil {
		t.Fatalf("getLocalService: %v", err)
	}

	err := handle.Call(ctx, "doesNotExist", nil, nil)
	if err == nil {
		t.Fatal("expected an error calling an unknown method")
	}
}

type counterService struct {
	Identity
	mu   sync.Mutex
	subs map[string][]func(any)
}

func newCounterService() *counterService {
	return &counterService{subs: make(map[string][]func(any))}
}

func (c *counterService) SubscribeEvent(name string, observer func(any)) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[name] = append(c.subs[name], observer)
	idx := len(c.subs[name]) - 1
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.subs[name][idx] = nil
	}, nil
}

func (c *counterService) Fire(name string, v any) {
	c.mu.Lock()
	observers := append([]func(any){}, c.subs[name]...)
	c.mu.Unlock()
	for _, o := range observers {
		if o != nil {
			o(v)
		}
	}
}

// TestSessionSubscribeAndUnsubscribe verifies a subscriber receives
// fired values and stops receiving them after Unsubscribe.
func TestSessionSubscribeAndUnsubscribe(t *testing.T) {
	a, b := NewPipePair()
	client := NewSession(a)
	server := NewSession(b)
	defer func() { _ = client.Close(); _ = server.Close() }()

	svc := newCounterService()
	if err := server.RegisterService(NewServiceDescriptor("counter", func() any { return svc })); err != nil {
		t.Fatalf("RegisterService: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var handle *Proxy
	if err := client.Remote().Call(ctx, "getLocalService", []any{"counter"}, &handle); err != nil {
		t.Fatalf("getLocalService: %v", err)
	}

	received := make(chan any, 10)
	sub, err := handle.Subscribe(ctx, "tick", func(v any) { received <- v })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	svc.Fire("tick", "one")
	select {
	case v := <-received:
		if v != "one" {
			t.Fatalf("received %v, want %q", v, "one")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fired event")
	}

	if err := sub.Unsubscribe(ctx); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}

	svc.Fire("tick", "two")
	select {
	case v := <-received:
		t.Fatalf("received %v after unsubscribe", v)
	case <-time.After(200 * time.Millisecond):
	}
}

// TestSessionDiscoveryAndIntrospection is scenario S7: a registered
// service appears in getDiscoverableServices and its methods appear in
// getServiceIntrospection, unless discovery is disabled.
func TestSessionDiscoveryAndIntrospection(t *testing.T) {
	client, _ := newEchoPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var services []DiscoveredService
	if err := client.Remote().Call(ctx, "getDiscoverableServices", nil, &services); err != nil {
		t.Fatalf("getDiscoverableServices: %v", err)
	}
	found := false
	for _, s := range services {
		if s.Name == "echo" {
			found = true
		}
	}
	if !found {
		t.Fatalf("echo service not discoverable; got %+v", services)
	}

	var introspected IntrospectedService
	if err := client.Remote().Call(ctx, "getServiceIntrospection", []any{"echo"}, &introspected); err != nil {
		t.Fatalf("getServiceIntrospection: %v", err)
	}
	methodFound := false
	for _, m := range introspected.Methods {
		if m.Name == "echo" {
			methodFound = true
			if m.SimpleReturnType != SimpleString {
				t.Fatalf("echo method return type = %v, want %v", m.SimpleReturnType, SimpleString)
			}
		}
	}
	if !methodFound {
		t.Fatalf("echo method missing from introspection: %+v", introspected)
	}
}

// TestSessionDiscoveryDisabled is S7's opt-out half.
func TestSessionDiscoveryDisabled(t *testing.T) {
	a, b := NewPipePair()
	client := NewSession(a)
	server := NewSession(b, WithDiscoveryDisabled())
	defer func() { _ = client.Close(); _ = server.Close() }()
	if err := server.RegisterService(NewServiceDescriptor("echo", func() any { return &echoService{} })); err != nil {
		t.Fatalf("RegisterService: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var services []DiscoveredService
	if err := client.Remote().Call(ctx, "getDiscoverableServices", nil, &services); err != nil {
		t.Fatalf("getDiscoverableServices: %v", err)
	}
	if len(services) != 0 {
		t.Fatalf("expected no discoverable services, got %+v", services)
	}
}

// fakeChannel is a minimal Channel whose StateLost edge the test drives
// directly, for scenarios a transparent pipe can't exercise.
type fakeChannel struct {
	received chan []byte
	ready    chan struct{}
	lost     chan string
	sendFn   func([]byte) error
}

func newFakeChannel() *fakeChannel {
	c := &fakeChannel{
		received: make(chan []byte, 4),
		ready:    make(chan struct{}),
		lost:     make(chan string, 1),
	}
	close(c.ready)
	return c
}

func (f *fakeChannel) Received() <-chan []byte  { return f.received }
func (f *fakeChannel) Ready() <-chan struct{}   { return f.ready }
func (f *fakeChannel) StateLost() <-chan string { return f.lost }
func (f *fakeChannel) Send(ctx context.Context, frame []byte) error {
	if f.sendFn != nil {
		return f.sendFn(frame)
	}
	return nil
}
func (f *fakeChannel) Close() error { return nil }

// TestSessionStateLossFailsInFlight targets the "state-loss cancellation"
// universal property: every in-flight call fails once the channel
// reports state loss, instead of hanging forever.
func TestSessionStateLossFailsInFlight(t *testing.T) {
	ch := newFakeChannel()
	// Never deliver a response, so the call can only resolve via state loss.
	ch.sendFn = func([]byte) error { return nil }
	session := NewSession(ch)
	defer func() { _ = session.Close() }()

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errCh <- session.Remote().Call(ctx, "getLocalService", []any{"nope"}, nil)
	}()

	time.Sleep(50 * time.Millisecond) // let the call reach in-flight
	ch.lost <- "simulated network failure"

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected an error after state loss, got nil")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight call did not fail after state loss")
	}
}

// TestSessionLockSerializesConcurrentCallers verifies a Lock scope's
// callback excludes both an ordinary in-flight call (via awaitLock) and
// a second Lock() scope until the callback returns, and that both
// queued callers proceed once it does.
func TestSessionLockSerializesConcurrentCallers(t *testing.T) {
	a, _ := NewPipePair()
	session := NewSession(a)
	defer func() { _ = session.Close() }()

	started := make(chan struct{})
	release := make(chan struct{})
	lockDone := make(chan error, 1)
	go func() {
		lockDone <- session.Lock(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("Lock callback never started")
	}

	awaitDone := make(chan error, 1)
	go func() { awaitDone <- session.awaitLock(context.Background()) }()

	select {
	case <-awaitDone:
		t.Fatal("awaitLock returned while a Lock scope's callback was still running")
	case <-time.After(100 * time.Millisecond):
	}

	secondEntered := make(chan struct{})
	secondDone := make(chan error, 1)
	go func() {
		secondDone <- session.Lock(context.Background(), func(ctx context.Context) error {
			close(secondEntered)
			return nil
		})
	}()

	select {
	case <-secondEntered:
		t.Fatal("second Lock callback ran while the first was still in progress")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)

	select {
	case err := <-lockDone:
		if err != nil {
			t.Fatalf("first Lock: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first Lock never returned")
	}

	select {
	case err := <-awaitDone:
		if err != nil {
			t.Fatalf("awaitLock: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("awaitLock did not unblock after the Lock scope released")
	}

	select {
	case <-secondEntered:
	case <-time.After(2 * time.Second):
		t.Fatal("second Lock callback did not start after the first released")
	}
	select {
	case err := <-secondDone:
		if err != nil {
			t.Fatalf("second Lock: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second Lock never returned")
	}
}

func TestSplitRefKey(t *testing.T) {
	cases := []struct {
		key            string
		objectID, refID string
		ok             bool
	}{
		{"obj.ref", "obj", "ref", true},
		{"a.b.c", "a.b", "c", true},
		{"noseparator", "", "", false},
	}
	for _, c := range cases {
		obj, ref, ok := splitRefKey(c.key)
		if obj != c.objectID || ref != c.refID || ok != c.ok {
			t.Errorf("splitRefKey(%q) = (%q, %q, %v), want (%q, %q, %v)",
				c.key, obj, ref, ok, c.objectID, c.refID, c.ok)
		}
	}
}
