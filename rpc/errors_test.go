// Copyright 2025 The Capnet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"errors"
	"testing"

	"github.com/webrpc/capnet/internal/json"
)

// TestErrorPolicyRoundTripRegisteredKind targets the "error round trip
// per registered kind" universal property: a standard kind serializes
// and deserializes back to an equivalent *Error.
func TestErrorPolicyRoundTripRegisteredKind(t *testing.T) {
	policy := ErrorPolicy{} // all flags off: nothing masked
	registry := newErrorRegistry()

	original := Raise(NewError(KindTypeError, "not a function")).(*Error)
	wire := policy.toWire(original, nil)

	got := policy.fromWire(wire, registry)
	e, ok := got.(*Error)
	if !ok {
		t.Fatalf("fromWire returned %T, want *Error", got)
	}
	if e.Kind != KindTypeError || e.Message != "not a function" {
		t.Fatalf("round-tripped error = %+v, want Kind=%s Message=%q", e, KindTypeError, "not a function")
	}
}

// TestErrorPolicySafeExceptionsMasksUnintentional verifies safe-exceptions
// mode: a non-intentional error is replaced with InternalError on the
// wire, but an intentional one passes through.
func TestErrorPolicySafeExceptionsMasksUnintentional(t *testing.T) {
	policy := ErrorPolicy{SafeExceptions: true}

	unintentional := errors.New("boom: leaked implementation detail")
	wire := policy.toWire(unintentional, noopLogger{})
	if (*wire)["name"] != KindInternal {
		t.Fatalf("unintentional error wire name = %v, want %s", (*wire)["name"], KindInternal)
	}
	if (*wire)["message"] == "boom: leaked implementation detail" {
		t.Fatal("safe-exceptions mode leaked the original message")
	}

	intentional := Raise(NewError(KindRangeError, "index out of range"))
	wire = policy.toWire(intentional, noopLogger{})
	if (*wire)["name"] != KindRangeError {
		t.Fatalf("intentional error was masked: wire name = %v", (*wire)["name"])
	}
	if (*wire)["message"] != "index out of range" {
		t.Fatalf("intentional error message = %v, want unmasked", (*wire)["message"])
	}
}

// TestErrorPolicyMaskStackTraces verifies the mask-stack-traces flag
// collapses a stack down to "<Name>: <message>".
func TestErrorPolicyMaskStackTraces(t *testing.T) {
	policy := ErrorPolicy{MaskStackTraces: true}
	e := Raise(&Error{Kind: KindGenericError, Name: KindGenericError, Message: "oops", Stack: "full stack trace here"}).(*Error)

	wire := policy.toWire(e, nil)
	stack, _ := (*wire)["stack"].(string)
	if stack != "GenericError: oops" {
		t.Fatalf("masked stack = %q, want %q", stack, "GenericError: oops")
	}
}

// TestErrorRegistryRegisteredFactoryWins resolves OQ-2: an explicitly
// registered factory for a standard kind name takes precedence over the
// default passthrough factory installed at registry construction.
func TestErrorRegistryRegisteredFactoryWins(t *testing.T) {
	registry := newErrorRegistry()

	type customErr struct{ wire *Error }
	var captured *Error
	registry.register(KindTypeError, func(w *Error) error {
		captured = w
		return errors.New("custom: " + w.Message)
	})

	wire := (&Error{Kind: KindTypeError, Name: KindTypeError, Message: "custom path"}).toWireValue()
	policy := ErrorPolicy{}
	got := policy.fromWire(wire, registry)

	if got.Error() != "custom: custom path" {
		t.Fatalf("fromWire = %q, want the custom factory's output", got.Error())
	}
	if captured == nil || captured.Message != "custom path" {
		t.Fatal("custom factory did not receive the decoded wire error")
	}
}

// TestErrorAggregateChildrenRoundTrip targets AggregateError flattening:
// children survive a toWireValue/errorFromWireValue round trip.
func TestErrorAggregateChildrenRoundTrip(t *testing.T) {
	agg := &Error{
		Kind: KindAggregateError, Name: KindAggregateError, Message: "multiple failures",
		Errors: []*Error{
			{Kind: KindTypeError, Name: KindTypeError, Message: "first"},
			{Kind: KindRangeError, Name: KindRangeError, Message: "second"},
		},
	}
	// toWireValue's "errors" field is []*wireErrorValue in Go, but on the
	// real wire it arrives as a decoded []any of map[string]any after a
	// JSON round trip; simulate that here rather than feeding the Go
	// value straight back in, which errorFromWireValue does not expect.
	raw, err := json.Marshal(agg.toWireValue())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var wire wireErrorValue
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	back := errorFromWireValue(&wire)

	if len(back.Errors) != 2 {
		t.Fatalf("round-tripped %d children, want 2", len(back.Errors))
	}
	if back.Errors[0].Message != "first" || back.Errors[1].Message != "second" {
		t.Fatalf("children out of order or corrupted: %+v", back.Errors)
	}
}
