// Copyright 2025 The Capnet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"testing"
	"time"
)

// TestOutstandingRefRegistryLifecycle verifies an outstanding reference
// is strongly retained until its owning finalize_ref call removes it,
// and that an object_id with multiple live references isn't freed early.
func TestOutstandingRefRegistryLifecycle(t *testing.T) {
	r := newOutstandingRefRegistry()
	r.add("obj-1", "ref-a", "payload-a")
	r.add("obj-1", "ref-b", "payload-b")

	if got := r.count("obj-1"); got != 2 {
		t.Fatalf("count after two adds = %d, want 2", got)
	}
	if got := r.total(); got != 2 {
		t.Fatalf("total after two adds = %d, want 2", got)
	}

	removed, anyRemain := r.finalize("obj-1", "ref-a")
	if !removed || !anyRemain {
		t.Fatalf("finalize(ref-a) = (%v, %v), want (true, true)", removed, anyRemain)
	}
	if got := r.count("obj-1"); got != 1 {
		t.Fatalf("count after first finalize = %d, want 1", got)
	}

	removed, anyRemain = r.finalize("obj-1", "ref-b")
	if !removed || anyRemain {
		t.Fatalf("finalize(ref-b) = (%v, %v), want (true, false)", removed, anyRemain)
	}
	if got := r.count("obj-1"); got != 0 {
		t.Fatalf("count after second finalize = %d, want 0", got)
	}

	// Finalizing an already-removed key is a harmless no-op, matching
	// how a late/duplicate finalizeRef call from a retried request
	// should behave.
	removed, _ = r.finalize("obj-1", "ref-a")
	if removed {
		t.Fatal("re-finalizing an already-removed key reported removed=true")
	}
}

// TestProxyRegistryFinalizeAfterDebounce targets universal property 3
// (GC round trip / debounce timing): a finalize that is not revived
// within the debounce window fires onFinalize.
func TestProxyRegistryFinalizeAfterDebounce(t *testing.T) {
	finalized := make(chan string, 1)
	revived := make(chan string, 1)
	reg := newProxyRegistry(20*time.Millisecond,
		func(id string) { finalized <- id },
		func(id string) { revived <- id },
	)

	p := newProxy(nil, "obj-1", "ref-a")
	reg.materialize("obj-1", p)
	reg.scheduleFinalize("obj-1")

	select {
	case id := <-finalized:
		if id != "obj-1" {
			t.Fatalf("finalized id = %q, want obj-1", id)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("onFinalize did not fire within the debounce window")
	}

	select {
	case <-revived:
		t.Fatal("onRevive fired despite no lookup before expiry")
	default:
	}
}

// TestProxyRegistryReviveCancelsFinalize targets universal property 4
// (liveness through race): a lookup before the debounce window lapses
// revives the proxy and suppresses the pending finalize.
func TestProxyRegistryReviveCancelsFinalize(t *testing.T) {
	finalized := make(chan string, 1)
	revived := make(chan string, 1)
	reg := newProxyRegistry(50*time.Millisecond,
		func(id string) { finalized <- id },
		func(id string) { revived <- id },
	)

	p := newProxy(nil, "obj-1", "ref-a")
	reg.materialize("obj-1", p)
	reg.scheduleFinalize("obj-1")

	time.Sleep(10 * time.Millisecond)
	if _, ok := reg.lookup("obj-1"); !ok {
		t.Fatal("lookup reported proxy missing before debounce expired")
	}

	select {
	case <-revived:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("onRevive did not fire after lookup within debounce window")
	}

	select {
	case <-finalized:
		t.Fatal("onFinalize fired despite revival")
	case <-time.After(100 * time.Millisecond):
	}

	if _, ok := reg.lookup("obj-1"); !ok {
		t.Fatal("proxy should still be registered after revival")
	}
}
