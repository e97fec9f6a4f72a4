// Copyright 2025 The Capnet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"context"
	"fmt"
	"sync"
)

// ServiceDescriptor registers a remotable service type. Go has no
// decorator/annotation mechanism, so the introspection metadata that a
// decorator-driven implementation would collect automatically is instead
// supplied explicitly (or inferred via reflection over the factory's
// return type; see rpc/introspection.go).
type ServiceDescriptor struct {
	Name           string
	Description    string
	Discoverable   bool // default true when zero-value Descriptor is extended via NewServiceDescriptor
	Introspectable bool
	Factory        func() any
	// Events declares, by name and description, the events this service
	// exposes through subscribeToEvent. A service's SubscribeEvent
	// implementation is still what actually attaches observers; this
	// only supplies the metadata getServiceIntrospection reports, since
	// there's no way to enumerate an eventSourceObj's valid event names
	// via reflection alone.
	Events []EventDescriptor
}

// EventDescriptor names one event a ServiceDescriptor declares, the
// explicit substitute for decorator-collected event metadata.
type EventDescriptor struct {
	Name        string
	Description string
}

// NewServiceDescriptor fills in the spec-mandated defaults
// (discoverable: true, introspectable: true) before the caller overrides
// anything.
func NewServiceDescriptor(name string, factory func() any) ServiceDescriptor {
	return ServiceDescriptor{Name: name, Discoverable: true, Introspectable: true, Factory: factory}
}

type serviceEntry struct {
	desc     ServiceDescriptor
	once     sync.Once
	instance any
}

type serviceRegistry struct {
	mu      sync.Mutex
	entries map[string]*serviceEntry
}

func newServiceRegistry() *serviceRegistry {
	return &serviceRegistry{entries: make(map[string]*serviceEntry)}
}

// register installs desc, failing if the name is already taken.
func (r *serviceRegistry) register(desc ServiceDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[desc.Name]; exists {
		return fmt.Errorf("service %q already registered", desc.Name)
	}
	r.entries[desc.Name] = &serviceEntry{desc: desc}
	return nil
}

// instanceOf returns the singleton for name, creating it via the
// registered factory on first call.
func (r *serviceRegistry) instanceOf(name string) (any, bool) {
	r.mu.Lock()
	e, ok := r.entries[name]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	e.once.Do(func() {
		e.instance = e.desc.Factory()
	})
	return e.instance, true
}

func (r *serviceRegistry) descriptor(name string) (ServiceDescriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return ServiceDescriptor{}, false
	}
	return e.desc, true
}

func (r *serviceRegistry) all() []ServiceDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ServiceDescriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.desc)
	}
	return out
}

// RegisterService exposes a remotable service under name. getLocalService
// calls from the peer create the singleton lazily via factory and return
// a reference to it, registered in the local-object registry under name
// as its object ID.
func (s *Session) RegisterService(desc ServiceDescriptor) error {
	if err := s.services.register(desc); err != nil {
		return err
	}
	return nil
}

// localSession is the session object itself: it answers the reserved
// service-level RPCs on the well-known object ID every peer exposes,
// regardless of what application services are registered.
type localSession struct {
	Identity
	session *Session
}

// GetLocalService returns the named service's singleton, registering it
// in the local-object registry under its own name as object ID (so its
// wire reference descriptor is stable and well-known within the peer
// relationship, even though it isn't one of the GC-exempt well-known IDs
// the core itself reserves).
func (l *localSession) GetLocalService(name string) (any, error) {
	inst, ok := l.session.services.instanceOf(name)
	if !ok {
		return nil, nil
	}
	if r, ok := asRemotable(inst); ok {
		l.session.locals.registerWellKnown(name, r)
	}
	return inst, nil
}

// FinalizeRef releases one outstanding-reference entry named
// "<object_id>.<reference_id>".
func (l *localSession) FinalizeRef(key string) error {
	objectID, refID, ok := splitRefKey(key)
	if !ok {
		return fmt.Errorf("finalizeRef: malformed key %q", key)
	}
	removed, anyRemain := l.session.outstanding.finalize(objectID, refID)
	if removed && !anyRemain {
		l.session.locals.forget(objectID)
	}
	return nil
}

func splitRefKey(key string) (objectID, refID string, ok bool) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '.' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}

// SubscribeToEvent implements the session-level subscribeToEvent RPC:
// eventSource is a reference descriptor to a local object (decoded by
// the caller into the Go value), name is the event name, observer is the
// remotable callback to invoke on each fired value.
func (l *localSession) SubscribeToEvent(eventSource any, name string, observer *Proxy) (any, error) {
	src, ok := eventSource.(eventSourceObj)
	if !ok {
		return nil, fmt.Errorf("subscribeToEvent: receiver does not expose event %q", name)
	}
	sub, err := src.SubscribeEvent(name, func(v any) {
		ctx := IgnoreLocks(context.Background())
		_ = observer.Call(ctx, "next", []any{v}, nil)
	})
	if err != nil {
		return nil, err
	}
	handle := &subscriptionHandle{unsub: sub}
	l.session.locals.register(handle)
	return handle, nil
}

// GetDiscoverableServices answers the discovery RPC.
func (l *localSession) GetDiscoverableServices() ([]DiscoveredService, error) {
	if l.session.discoveryDisabled {
		return nil, nil
	}
	var out []DiscoveredService
	// The session object itself is always discoverable, per S7.
	out = append(out, DiscoveredService{Name: WellKnownSessionID, Description: "session control object"})
	for _, d := range l.session.services.all() {
		if !d.Discoverable {
			continue
		}
		out = append(out, DiscoveredService{Name: d.Name, Description: d.Description})
	}
	return out, nil
}

// GetServiceIntrospection answers the introspection RPC for one service.
func (l *localSession) GetServiceIntrospection(name string) (*IntrospectedService, error) {
	if l.session.discoveryDisabled {
		return nil, fmt.Errorf("introspection disabled")
	}
	desc, ok := l.session.services.descriptor(name)
	if !ok {
		return nil, fmt.Errorf("no such service %q", name)
	}
	if !desc.Introspectable {
		return nil, fmt.Errorf("service %q is not introspectable", name)
	}
	inst, _ := l.session.services.instanceOf(name)
	return introspect(desc, inst), nil
}

// DiscoveredService is one entry of getDiscoverableServices's result.
type DiscoveredService struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// eventSourceObj is implemented by application service objects that
// expose named observable events as a lightweight pub/sub primitive.
type eventSourceObj interface {
	SubscribeEvent(name string, observer func(any)) (unsubscribe func(), err error)
}

// subscriptionHandle is the remotable object returned from
// subscribeToEvent; its only method is Unsubscribe.
type subscriptionHandle struct {
	Identity
	unsub func()
}

func (h *subscriptionHandle) Unsubscribe() error {
	if h.unsub != nil {
		h.unsub()
	}
	return nil
}
