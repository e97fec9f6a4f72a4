// Copyright 2025 The Capnet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"context"
	"fmt"
	"reflect"
	"unicode"

	"github.com/webrpc/capnet/internal/json"
)

var errorIfaceType = reflect.TypeOf((*error)(nil)).Elem()
var ctxIfaceType = reflect.TypeOf((*context.Context)(nil)).Elem()

// handleRequest implements the inbound dispatch algorithm for request
// frames.
func (s *Session) handleRequest(raw []byte) {
	var req requestFrame
	if err := json.Unmarshal(raw, &req); err != nil {
		s.fatalDecodeError(err)
		return
	}

	if req.Receiver == nil {
		s.respondError(req.ID, newNoReceiverSpecified())
		return
	}

	receiver, err := s.decodeRef(*req.Receiver)
	if err != nil || receiver == nil {
		s.respondError(req.ID, newNoSuchReceiver())
		return
	}

	args := make([]any, len(req.Parameters))
	for i, raw := range req.Parameters {
		dec, err := s.decodeTree(raw)
		if err != nil {
			s.respondError(req.ID, err)
			return
		}
		args[i] = dec
	}

	result, callErr := s.invoke(receiver, req.Method, args)
	if callErr != nil {
		if _, ok := callErr.(*invalidCallError); ok {
			s.respondError(req.ID, callErr)
			return
		}
		wire := s.errorPolicy.toWire(callErr, s.logger)
		s.sendFrame(&responseFrame{Type: msgResponse, ID: req.ID, Error: wire})
		return
	}

	encoded, err := s.encodeTree(result)
	if err != nil {
		s.respondError(req.ID, err)
		return
	}
	s.sendFrame(&responseFrame{Type: msgResponse, ID: req.ID, Value: encoded})
}

func (s *Session) respondError(id string, err error) {
	wire := &wireErrorValue{
		"$constructorName": "InvalidCallError",
		"name":             "InvalidCallError",
		"message":          err.Error(),
	}
	s.sendFrame(&responseFrame{Type: msgResponse, ID: id, Error: wire})
}

// handleResponse correlates an inbound response frame with its in-flight
// request and delivers the result.
func (s *Session) handleResponse(raw []byte) {
	var resp responseFrame
	if err := json.Unmarshal(raw, &resp); err != nil {
		s.fatalDecodeError(err)
		return
	}
	s.mu.Lock()
	req, ok := s.inflight[resp.ID]
	if ok {
		delete(s.inflight, resp.ID)
	}
	s.mu.Unlock()
	if !ok {
		return // response to a request we no longer track (e.g. post state-loss)
	}

	if resp.Error != nil {
		err := s.errorPolicy.fromWire(resp.Error, s.errors)
		req.resultCh <- inflightResult{err: err}
		return
	}

	decoded, err := s.decodeTree(resp.Value)
	if err != nil {
		req.resultCh <- inflightResult{err: err}
		return
	}
	req.resultCh <- inflightResult{value: decoded}
}

// invoke dispatches a decoded call to receiver, handling the built-in
// session object specially and falling back to reflection-based method
// lookup for application services.
func (s *Session) invoke(receiver any, method string, args []any) (any, error) {
	if ls, ok := receiver.(*localSession); ok {
		return s.invokeBuiltin(ls, method, args)
	}
	return invokeReflect(receiver, method, args)
}

func (s *Session) invokeBuiltin(ls *localSession, method string, args []any) (any, error) {
	switch method {
	case "getLocalService", "finalizeRef", "subscribeToEvent",
		"getDiscoverableServices", "getServiceIntrospection":
		return invokeReflect(ls, method, args)
	default:
		return nil, newNoSuchMethod(method)
	}
}

// invokeReflect finds the exported Go method on receiver whose name
// matches wireMethod (case-insensitive-first-letter, since wire methods
// are lowerCamel and exported Go methods must start uppercase), converts
// decoded wire arguments into the method's parameter types via a JSON
// remarshal round trip, and normalizes the (result, error) return shape.
func invokeReflect(receiver any, wireMethod string, args []any) (any, error) {
	rv := reflect.ValueOf(receiver)
	if !rv.IsValid() {
		return nil, newNoSuchMethod(wireMethod)
	}
	m := rv.MethodByName(exportedName(wireMethod))
	if !m.IsValid() {
		return nil, newNoSuchMethod(wireMethod)
	}
	mt := m.Type()

	in := make([]reflect.Value, 0, mt.NumIn())
	argIdx := 0
	for i := 0; i < mt.NumIn(); i++ {
		pt := mt.In(i)
		if i == 0 && pt.Implements(ctxIfaceType) {
			in = append(in, reflect.ValueOf(context.Background()))
			continue
		}
		if argIdx >= len(args) {
			return nil, fmt.Errorf("method %q: missing argument %d", wireMethod, argIdx)
		}
		v, err := convertArg(args[argIdx], pt)
		if err != nil {
			return nil, fmt.Errorf("method %q: argument %d: %w", wireMethod, argIdx, err)
		}
		in = append(in, v)
		argIdx++
	}

	out := m.Call(in)
	return splitReturn(out)
}

func exportedName(wireMethod string) string {
	if wireMethod == "" {
		return wireMethod
	}
	r := []rune(wireMethod)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

func convertArg(raw any, target reflect.Type) (reflect.Value, error) {
	if raw == nil {
		return reflect.Zero(target), nil
	}
	rv := reflect.ValueOf(raw)
	if rv.Type().AssignableTo(target) {
		return rv, nil
	}
	if rv.Type().ConvertibleTo(target) && target.Kind() != reflect.Struct && target.Kind() != reflect.Ptr {
		return rv.Convert(target), nil
	}
	// Bridge untyped wire values (float64, map[string]any, ...) into the
	// method's concrete parameter type via a JSON round trip.
	b, err := json.Marshal(raw)
	if err != nil {
		return reflect.Value{}, err
	}
	out := reflect.New(target)
	if err := json.Unmarshal(b, out.Interface()); err != nil {
		return reflect.Value{}, err
	}
	return out.Elem(), nil
}

func splitReturn(out []reflect.Value) (any, error) {
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		if out[0].Type().Implements(errorIfaceType) {
			if out[0].IsNil() {
				return nil, nil
			}
			return nil, out[0].Interface().(error)
		}
		return out[0].Interface(), nil
	default:
		last := out[len(out)-1]
		var err error
		if last.Type().Implements(errorIfaceType) && !last.IsNil() {
			err = last.Interface().(error)
		}
		return out[0].Interface(), err
	}
}
