// Copyright 2025 The Capnet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import "github.com/webrpc/capnet/internal/json"

// Side markers on a reference descriptor, interpreted relative to the
// frame's sender: SideLocal means local-to-sender/remote-to-receiver.
const (
	SideLocal  = "L"
	SideRemote = "R"
)

// WellKnownSessionID is the reserved object ID of the session object
// itself; every peer's remote handle is a proxy bound to it.
const WellKnownSessionID = "org.webrpc.session"

// Ref is the wire form of a reference descriptor. It may appear anywhere
// a JSON value is expected in a request's parameters or a response's
// value/error tree.
type Ref struct {
	ObjectID string `json:"Rε"`
	Side     string `json:"S"`
	RefID    string `json:"Rid,omitempty"`
}

// envelope discriminates the four frame kinds by "type".
type envelope struct {
	Type string `json:"type"`
}

// messageType enumerates the wire envelope's "type" discriminator.
const (
	msgRequest  = "request"
	msgResponse = "response"
	msgPing     = "ping"
	msgPong     = "pong"
	msgEvent    = "event" // reserved, unused end-to-end; ignored on receipt
)

// requestFrame is the wire form of an outbound/inbound call.
type requestFrame struct {
	Type       string         `json:"type"`
	ID         string         `json:"id"`
	Receiver   *Ref           `json:"receiver"`
	Method     string         `json:"method"`
	Parameters []any          `json:"parameters"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// responseFrame is the wire form of a call's result.
type responseFrame struct {
	Type  string          `json:"type"`
	ID    string          `json:"id"`
	Value any             `json:"value,omitempty"`
	Error *wireErrorValue `json:"error,omitempty"`
}

type pingFrame struct {
	Type string `json:"type"`
}

type pongFrame struct {
	Type string `json:"type"`
}

// eventFrame is the reserved, currently-unused envelope shape for
// out-of-band event delivery; current event fan-out goes entirely
// through subscription callbacks on responses to subscribeToEvent.
type eventFrame struct {
	Type     string `json:"type"`
	Receiver *Ref   `json:"receiver"`
	Name     string `json:"name"`
	Object   any    `json:"object,omitempty"`
}

// sessionControlFrame is the DurableSocket-level control message used
// for session-ID continuity, distinct from the session-level envelope.
type sessionControlFrame struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// peekType inspects a raw frame's "type" field without fully decoding it.
func peekType(frame []byte) (string, error) {
	var e envelope
	if err := json.Unmarshal(frame, &e); err != nil {
		return "", err
	}
	return e.Type, nil
}
