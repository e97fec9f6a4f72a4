// Copyright 2025 The Capnet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"sync"

	"github.com/google/uuid"
)

// Remotable is implemented by any value whose identity should persist
// across the wire via a reference descriptor instead of being copied by
// value. Embedding Identity satisfies it.
type Remotable interface {
	remoteIdentity() *Identity
}

// Identity is embedded in application types that want to be passed by
// reference. It lazily stamps an object ID the first time the object
// crosses the wire, per the "stamped on first outbound reference" rule.
type Identity struct {
	mu       sync.Mutex
	objectID string
}

// remoteIdentity implements Remotable.
func (id *Identity) remoteIdentity() *Identity { return id }

// ObjectID returns the stamped identifier, assigning one on first call.
func (id *Identity) ObjectID() string {
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.objectID == "" {
		id.objectID = uuid.NewString()
	}
	return id.objectID
}

// WellKnown stamps a fixed, caller-chosen object ID instead of a random
// one. Used for the session object's reserved identity.
func (id *Identity) WellKnown(name string) {
	id.mu.Lock()
	defer id.mu.Unlock()
	id.objectID = name
}

// asRemotable reports whether v carries an Identity, returning it if so.
func asRemotable(v any) (Remotable, bool) {
	r, ok := v.(Remotable)
	if !ok || r == nil {
		return nil, false
	}
	return r, true
}
