// Copyright 2025 The Capnet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"reflect"
	"testing"
)

func TestSimpleTypeOfPrimitives(t *testing.T) {
	cases := []struct {
		v    any
		want SimpleType
	}{
		{"", SimpleString},
		{0, SimpleNumber},
		{0.0, SimpleNumber},
		{false, SimpleBoolean},
		{int64(0), SimpleBigInt},
		{uint64(0), SimpleBigInt},
		{[]string{}, SimpleArray},
		{map[string]int{}, SimpleObject},
		{struct{ X int }{}, SimpleObject},
	}
	for _, c := range cases {
		got := simpleTypeOf(reflect.TypeOf(c.v))
		if got != c.want {
			t.Errorf("simpleTypeOf(%T) = %v, want %v", c.v, got, c.want)
		}
	}
}

func TestSimpleTypeOfPointerUnwraps(t *testing.T) {
	s := "x"
	got := simpleTypeOf(reflect.TypeOf(&s))
	if got != SimpleString {
		t.Fatalf("simpleTypeOf(*string) = %v, want %v", got, SimpleString)
	}
}

func TestReflectMethodsSkipsErrorReturn(t *testing.T) {
	svc := &echoService{}
	methods := reflectMethods(reflect.TypeOf(svc))

	var found *IntrospectedMethod
	for i := range methods {
		if methods[i].Name == "echo" {
			found = &methods[i]
		}
	}
	if found == nil {
		t.Fatalf("echo method not found among %+v", methods)
	}
	if len(found.Parameters) != 1 {
		t.Fatalf("echo parameters = %+v, want exactly 1", found.Parameters)
	}
	if found.Parameters[0].SimpleType != SimpleString {
		t.Fatalf("echo parameter type = %v, want %v", found.Parameters[0].SimpleType, SimpleString)
	}
	if found.SimpleReturnType != SimpleString {
		t.Fatalf("echo return type = %v, want %v", found.SimpleReturnType, SimpleString)
	}
}

// TestIntrospectReportsDeclaredEvents verifies a ServiceDescriptor's
// declared Events surface in the introspection answer, since there is
// no way to enumerate an eventSourceObj's valid event names via
// reflection alone.
func TestIntrospectReportsDeclaredEvents(t *testing.T) {
	svc := newCounterService()
	desc := ServiceDescriptor{
		Name: "counter",
		Events: []EventDescriptor{
			{Name: "tick", Description: "fires once per increment"},
		},
	}

	got := introspect(desc, svc)

	if len(got.Events) != 1 {
		t.Fatalf("Events = %+v, want exactly 1 declared event", got.Events)
	}
	if got.Events[0].Name != "tick" || got.Events[0].Description != "fires once per increment" {
		t.Fatalf("Events[0] = %+v, want {tick, fires once per increment}", got.Events[0])
	}
}

func TestIntrospectionCacheReusesResult(t *testing.T) {
	svc := &echoService{}
	t1 := reflect.TypeOf(svc)

	first := introspect(ServiceDescriptor{Name: "echo"}, svc)
	second := introspect(ServiceDescriptor{Name: "echo"}, svc)

	if len(first.Methods) != len(second.Methods) {
		t.Fatalf("introspect returned different method counts across calls: %d vs %d", len(first.Methods), len(second.Methods))
	}
	if _, ok := introspectionCache.Get(t1); !ok {
		t.Fatal("expected the service type to be cached after the first introspect call")
	}
}
