// Copyright 2025 The Capnet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
)

// localObjectEntry maps an object_id back to the Go value it names. Go
// has no portable weak reference, so the entry holds the value strongly:
// it stays reachable through the registry until forget removes it.
type localObjectEntry struct {
	objectID string
	value    any // a Remotable; held strongly until forget
}

// localObjectRegistry resolves object_id -> Remotable for values this
// peer has handed out references to. Because Go lacks WeakRef, entries
// are held strongly; an entry is removed only by forget, which
// FinalizeRef calls once the last outstanding reference to the object
// has been finalized (see outstandingRefRegistry).
type localObjectRegistry struct {
	mu      sync.RWMutex
	entries map[string]*localObjectEntry
}

func newLocalObjectRegistry() *localObjectRegistry {
	return &localObjectRegistry{entries: make(map[string]*localObjectEntry)}
}

// register stamps (if needed) and records obj under its object ID,
// returning that ID. Safe to call repeatedly for the same object.
func (r *localObjectRegistry) register(obj Remotable) string {
	id := obj.remoteIdentity().ObjectID()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		r.entries[id] = &localObjectEntry{objectID: id, value: obj}
	}
	return id
}

// registerWellKnown installs obj under a fixed, non-GUID object ID.
func (r *localObjectRegistry) registerWellKnown(name string, obj Remotable) {
	obj.remoteIdentity().WellKnown(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = &localObjectEntry{objectID: name, value: obj}
}

func (r *localObjectRegistry) resolve(objectID string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[objectID]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// forget removes an entry once nothing references it any longer, either
// because the application dropped it or the last outstanding reference
// was finalized. It is safe to call even if other outstanding references
// to the same object_id remain live; callers are expected to check
// outstandingRefRegistry.hasAny first when that distinction matters.
func (r *localObjectRegistry) forget(objectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, objectID)
}

// outstandingRefRegistry holds one strong entry per reference descriptor
// ever emitted outbound with S="L", keyed by "<object_id>.<reference_id>".
// This is the mechanism that keeps a sender's object alive for as long as
// the receiver might still hold the corresponding proxy.
type outstandingRefRegistry struct {
	mu      sync.Mutex
	entries map[string]any // key -> strongly-held object
	byObj   map[string]int // object_id -> live outstanding-entry count
}

func newOutstandingRefRegistry() *outstandingRefRegistry {
	return &outstandingRefRegistry{
		entries: make(map[string]any),
		byObj:   make(map[string]int),
	}
}

func outstandingKey(objectID, refID string) string { return objectID + "." + refID }

// add inserts a fresh strong hold for a just-emitted descriptor.
func (r *outstandingRefRegistry) add(objectID, refID string, obj any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := outstandingKey(objectID, refID)
	if _, exists := r.entries[key]; !exists {
		r.byObj[objectID]++
	}
	r.entries[key] = obj
}

// finalize removes the strong hold named by a finalize_ref call. Returns
// whether any outstanding entry for objectID remains after removal.
func (r *outstandingRefRegistry) finalize(objectID, refID string) (removed, anyRemain bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := outstandingKey(objectID, refID)
	if _, ok := r.entries[key]; !ok {
		return false, r.byObj[objectID] > 0
	}
	delete(r.entries, key)
	r.byObj[objectID]--
	if r.byObj[objectID] <= 0 {
		delete(r.byObj, objectID)
		return true, false
	}
	return true, true
}

// count reports the number of live outstanding references to objectID,
// for test instrumentation (used directly by universal properties 2-4).
func (r *outstandingRefRegistry) count(objectID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byObj[objectID]
}

func (r *outstandingRefRegistry) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// proxyEntry tracks a materialized proxy plus its pending finalization
// timer, if any.
type proxyEntry struct {
	proxy        *Proxy
	finalizeTime *time.Timer
}

// proxyRegistry enforces "at most one proxy per remote object per peer".
// Go has no WeakRef, so finalization is started explicitly: a call to
// Proxy.Release begins the debounce window that ends in finalize_ref.
// materialize also registers runtime.SetFinalizer on the proxy, but the
// registry entry itself keeps the proxy reachable, so that finalizer does
// not run while the proxy is registered; an application that drops its
// last Go reference without calling Release does not trigger finalize_ref.
type proxyRegistry struct {
	mu             sync.Mutex
	entries        map[string]*proxyEntry
	debounce       time.Duration
	onFinalize     func(objectID string)
	onRevive       func(objectID string)
	finalizeEpochs map[string]int // bumped on every revive to cancel stale timers
}

func newProxyRegistry(debounce time.Duration, onFinalize, onRevive func(string)) *proxyRegistry {
	return &proxyRegistry{
		entries:        make(map[string]*proxyEntry),
		debounce:       debounce,
		onFinalize:     onFinalize,
		onRevive:       onRevive,
		finalizeEpochs: make(map[string]int),
	}
}

// lookup returns the existing proxy for objectID, if live, cancelling any
// pending finalization (a revival within the debounce window).
func (r *proxyRegistry) lookup(objectID string) (*Proxy, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[objectID]
	if !ok {
		return nil, false
	}
	if e.finalizeTime != nil {
		e.finalizeTime.Stop()
		e.finalizeTime = nil
		r.finalizeEpochs[objectID]++
		if r.onRevive != nil {
			go r.onRevive(objectID)
		}
	}
	return e.proxy, true
}

// materialize installs a brand-new proxy for objectID.
func (r *proxyRegistry) materialize(objectID string, p *Proxy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[objectID] = &proxyEntry{proxy: p}
	runtime.SetFinalizer(p, func(dead *Proxy) {
		r.scheduleFinalize(objectID)
	})
}

// scheduleFinalize starts (or restarts) the debounce timer after the
// application drops its last handle to the proxy for objectID.
func (r *proxyRegistry) scheduleFinalize(objectID string) {
	r.mu.Lock()
	epoch := r.finalizeEpochs[objectID]
	e, ok := r.entries[objectID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if e.finalizeTime != nil {
		e.finalizeTime.Stop()
	}
	e.finalizeTime = time.AfterFunc(r.debounce, func() {
		r.fire(objectID, epoch)
	})
	r.mu.Unlock()
}

// fire runs at debounce expiry; a stale epoch means a revive cancelled
// this timer logically even if the OS timer itself already fired.
func (r *proxyRegistry) fire(objectID string, epoch int) {
	r.mu.Lock()
	if r.finalizeEpochs[objectID] != epoch {
		r.mu.Unlock()
		return
	}
	delete(r.entries, objectID)
	delete(r.finalizeEpochs, objectID)
	r.mu.Unlock()
	if r.onFinalize != nil {
		r.onFinalize(objectID)
	}
}

// newRefID allocates a fresh per-reference UUID for an S="L" descriptor.
func newRefID() string { return uuid.NewString() }
