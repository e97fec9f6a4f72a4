// Copyright 2025 The Capnet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import "testing"

type identityHolder struct {
	Identity
}

func TestIdentityObjectIDStableAndLazy(t *testing.T) {
	h := &identityHolder{}
	first := h.ObjectID()
	if first == "" {
		t.Fatal("ObjectID returned empty string")
	}
	second := h.ObjectID()
	if first != second {
		t.Fatalf("ObjectID not stable: %q != %q", first, second)
	}
}

func TestIdentityWellKnown(t *testing.T) {
	h := &identityHolder{}
	h.WellKnown("org.webrpc.session")
	if got := h.ObjectID(); got != "org.webrpc.session" {
		t.Fatalf("WellKnown id = %q, want org.webrpc.session", got)
	}
}

func TestAsRemotable(t *testing.T) {
	h := &identityHolder{}
	r, ok := asRemotable(h)
	if !ok {
		t.Fatal("expected *identityHolder to satisfy Remotable via embedded Identity")
	}
	if r.remoteIdentity() != &h.Identity {
		t.Fatal("remoteIdentity did not return the embedded Identity")
	}

	if _, ok := asRemotable(42); ok {
		t.Fatal("plain int should not satisfy Remotable")
	}
	if _, ok := asRemotable(nil); ok {
		t.Fatal("nil should not satisfy Remotable")
	}
}
