// Copyright 2025 The Capnet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"reflect"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/webrpc/capnet/jsonschema"
)

// SimpleType is the coarse type vocabulary introspection reports
// parameters and return values in.
type SimpleType string

const (
	SimpleString    SimpleType = "string"
	SimpleNumber    SimpleType = "number"
	SimpleBigInt    SimpleType = "bigint"
	SimpleBoolean   SimpleType = "boolean"
	SimpleObject    SimpleType = "object"
	SimpleArray     SimpleType = "array"
	SimpleVoid      SimpleType = "void"
	SimpleUndefined SimpleType = "undefined"
	SimpleNull      SimpleType = "null"
	SimpleUnknown   SimpleType = "unknown"
)

// IntrospectedMethod describes one exposed method.
type IntrospectedMethod struct {
	Name             string                    `json:"name"`
	Description      string                    `json:"description,omitempty"`
	SimpleReturnType SimpleType                `json:"simpleReturnType"`
	Parameters       []IntrospectedParameter   `json:"parameters"`
}

// IntrospectedParameter describes one method parameter.
type IntrospectedParameter struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	SimpleType  SimpleType `json:"simpleType"`
}

// IntrospectedEvent describes one exposed observable event.
type IntrospectedEvent struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// IntrospectedService is the answer to getServiceIntrospection(name).
type IntrospectedService struct {
	Name        string                `json:"name"`
	Description string                `json:"description,omitempty"`
	Methods     []IntrospectedMethod  `json:"methods"`
	Events      []IntrospectedEvent   `json:"events"`
}

// introspectionCache memoizes per-Go-type method/parameter metadata so
// repeated getServiceIntrospection calls against the same service type
// don't re-walk reflection data every time; sized generously since the
// number of distinct service types in a process is small and bounded.
var introspectionCache, _ = lru.New[reflect.Type, []IntrospectedMethod](256)

// introspect builds an IntrospectedService for desc, reflecting over the
// live instance's exported methods in lieu of the decorator metadata a
// dynamic-language implementation would have collected at class
// definition time.
func introspect(desc ServiceDescriptor, instance any) *IntrospectedService {
	out := &IntrospectedService{Name: desc.Name, Description: desc.Description}
	for _, e := range desc.Events {
		out.Events = append(out.Events, IntrospectedEvent{Name: e.Name, Description: e.Description})
	}
	if instance == nil {
		return out
	}
	t := reflect.TypeOf(instance)
	if methods, ok := introspectionCache.Get(t); ok {
		out.Methods = methods
		return out
	}
	methods := reflectMethods(t)
	introspectionCache.Add(t, methods)
	out.Methods = methods
	return out
}

func reflectMethods(t reflect.Type) []IntrospectedMethod {
	var methods []IntrospectedMethod
	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		if !m.IsExported() {
			continue
		}
		mt := m.Func.Type() // includes receiver as In(0)
		var params []IntrospectedParameter
		for j := 1; j < mt.NumIn(); j++ {
			pt := mt.In(j)
			if pt.Implements(ctxIfaceType) {
				continue
			}
			params = append(params, IntrospectedParameter{
				Name:       "arg",
				SimpleType: simpleTypeOf(pt),
			})
		}
		ret := SimpleVoid
		for k := 0; k < mt.NumOut(); k++ {
			ot := mt.Out(k)
			if ot.Implements(errorIfaceType) {
				continue
			}
			ret = simpleTypeOf(ot)
		}
		methods = append(methods, IntrospectedMethod{
			Name:             lowerFirst(m.Name),
			SimpleReturnType: ret,
			Parameters:       params,
		})
	}
	return methods
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToLower(r[0])
	return string(r)
}

// simpleTypeOf maps a reflect.Type to the introspection simple-type
// vocabulary. It leans on the jsonschema wrapper's own type inference
// (ForType) for composite types, so struct/map/slice shapes are
// classified the same way the wire's JSON Schema consumers would see
// them, then narrows the stdlib-only numeric/interface cases the schema
// inferer doesn't distinguish (bigint vs number, unknown interfaces).
func simpleTypeOf(t reflect.Type) SimpleType {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Int64, reflect.Uint64:
		return SimpleBigInt
	case reflect.Interface:
		return SimpleUnknown
	case reflect.Invalid:
		return SimpleVoid
	}

	schema, err := jsonschema.ForType(t, nil)
	if err != nil || schema == nil {
		return simpleTypeFromKind(t.Kind())
	}
	switch schema.Type {
	case "string":
		return SimpleString
	case "boolean":
		return SimpleBoolean
	case "integer", "number":
		return SimpleNumber
	case "array":
		return SimpleArray
	case "object":
		return SimpleObject
	case "null":
		return SimpleNull
	default:
		return simpleTypeFromKind(t.Kind())
	}
}

func simpleTypeFromKind(k reflect.Kind) SimpleType {
	switch k {
	case reflect.String:
		return SimpleString
	case reflect.Bool:
		return SimpleBoolean
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32,
		reflect.Float32, reflect.Float64:
		return SimpleNumber
	case reflect.Slice, reflect.Array:
		return SimpleArray
	case reflect.Map, reflect.Struct:
		return SimpleObject
	default:
		return SimpleUnknown
	}
}
