// Copyright 2025 The Capnet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"fmt"
	"reflect"
	"strings"
)

// encodeTree walks an outbound Go value tree, substituting every
// remotable local object or proxy with its wire reference descriptor.
// encoding/json has no per-key replacer hook, so the substitution
// happens as a pre-pass over the native value tree before it is handed
// to the JSON encoder.
func (s *Session) encodeTree(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if p, ok := v.(*Proxy); ok {
		return s.encodeProxy(p), nil
	}
	if r, ok := asRemotable(v); ok {
		return s.encodeLocal(r, v), nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return s.encodeTree(rv.Elem().Interface())

	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key := fmt.Sprintf("%v", iter.Key().Interface())
			enc, err := s.encodeTree(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			out[key] = enc
		}
		return out, nil

	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			enc, err := s.encodeTree(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil

	case reflect.Struct:
		return s.encodeStruct(rv)

	default:
		return v, nil
	}
}

func (s *Session) encodeStruct(rv reflect.Value) (any, error) {
	t := rv.Type()
	out := make(map[string]any, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" { // unexported
			continue
		}
		name, omitempty, skip := jsonFieldName(field)
		if skip {
			continue
		}
		fv := rv.Field(i)
		if omitempty && fv.IsZero() {
			continue
		}
		enc, err := s.encodeTree(fv.Interface())
		if err != nil {
			return nil, err
		}
		out[name] = enc
	}
	return out, nil
}

func jsonFieldName(f reflect.StructField) (name string, omitempty, skip bool) {
	tag, ok := f.Tag.Lookup("json")
	if !ok {
		return f.Name, false, false
	}
	if tag == "-" {
		return "", false, true
	}
	namePart, rest, _ := strings.Cut(tag, ",")
	name = f.Name
	if namePart != "" {
		name = namePart
	}
	omitempty = strings.Contains(rest, "omitempty")
	return name, omitempty, false
}

// encodeProxy ensures p is tracked in the proxy registry (already true by
// construction; materialize is idempotent-by-identity) and returns the
// "it is remote to the receiver" descriptor: no Rid, since the receiver
// resolves Rε directly against its own local-object registry.
func (s *Session) encodeProxy(p *Proxy) Ref {
	return Ref{ObjectID: p.objectID, Side: SideRemote}
}

// encodeLocal registers a local remotable on first outbound use, mints a
// fresh reference_id, and records a strong outstanding-reference entry
// keyed by (object_id, reference_id) so the object survives until the
// peer calls finalize_ref.
func (s *Session) encodeLocal(r Remotable, value any) Ref {
	objectID := s.locals.register(r)
	refID := newRefID()
	s.outstanding.add(objectID, refID, value)
	return Ref{ObjectID: objectID, Side: SideLocal, RefID: refID}
}

// decodeTree walks an inbound, already-JSON-decoded `any` tree (produced
// by unmarshaling into map[string]any/[]any/scalars) and materializes
// reference descriptors into live proxies or resolved local objects.
func (s *Session) decodeTree(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if ref, ok := asRefMap(t); ok {
			return s.decodeRef(ref)
		}
		out := make(map[string]any, len(t))
		for k, val := range t {
			dec, err := s.decodeTree(val)
			if err != nil {
				return nil, err
			}
			out[k] = dec
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			dec, err := s.decodeTree(val)
			if err != nil {
				return nil, err
			}
			out[i] = dec
		}
		return out, nil
	default:
		return v, nil
	}
}

// asRefMap recognizes a decoded JSON object as a reference descriptor: it
// must carry a "Rε" key. A descriptor whose "Rε" value is empty or not a
// string decodes to undefined (nil), handled by the caller treating a
// zero-value ObjectID specially.
func asRefMap(m map[string]any) (Ref, bool) {
	raw, ok := m["Rε"]
	if !ok {
		return Ref{}, false
	}
	objectID, _ := raw.(string)
	if objectID == "" {
		return Ref{}, true
	}
	side, _ := m["S"].(string)
	refID, _ := m["Rid"].(string)
	return Ref{ObjectID: objectID, Side: side, RefID: refID}, true
}

// decodeRef materializes one reference descriptor.
func (s *Session) decodeRef(ref Ref) (any, error) {
	if ref.ObjectID == "" {
		return nil, nil
	}
	switch ref.Side {
	case SideLocal:
		// Object is local to the sender, remote to us: resolve/create a proxy.
		if existing, ok := s.proxies.lookup(ref.ObjectID); ok {
			// We already hold a proxy for this object; the sender just
			// minted a reference we don't need, so tell them to drop it.
			s.asyncFinalizeRef(ref.ObjectID, ref.RefID)
			return existing, nil
		}
		p := newProxy(s, ref.ObjectID, ref.RefID)
		s.proxies.materialize(ref.ObjectID, p)
		return p, nil

	case SideRemote:
		// Object is remote to the sender, local to us: resolve directly.
		obj, ok := s.locals.resolve(ref.ObjectID)
		if !ok {
			return nil, fmt.Errorf("decode reference: no such local object %q (likely survived a state-loss event)", ref.ObjectID)
		}
		return obj, nil

	default:
		return nil, fmt.Errorf("decode reference: invalid side marker %q", ref.Side)
	}
}
