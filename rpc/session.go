// Copyright 2025 The Capnet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/webrpc/capnet/internal/json"
	"github.com/webrpc/capnet/internal/rpcdebug"
)

// Session is the protocol state machine bound to one Channel: service
// registry, local-object/proxy/outstanding-reference registries, call
// correlation, message dispatch, error translation, discovery and
// introspection, and subscription plumbing. One Session per Channel;
// its lifetime is the channel's lifetime.
type Session struct {
	channel Channel
	config  Config
	logger  Logger

	locals      *localObjectRegistry
	outstanding *outstandingRefRegistry
	proxies     *proxyRegistry
	services    *serviceRegistry
	errors      *errorRegistry
	errorPolicy ErrorPolicy

	mu       sync.Mutex
	inflight map[string]*inflightRequest
	closed   bool
	idleCBs  []func()

	lockMu sync.Mutex
	// lockChain is closed when whatever currently holds the lock (a prior
	// Lock() callback, or the initial no-one-holds-it state) finishes.
	// awaitLock only ever reads from it; Lock additionally replaces it
	// with a fresh channel it owns, so the next caller queues behind it.
	lockChain chan struct{}

	self       *localSession // the session object itself, registered under WellKnownSessionID
	selfHandle *Proxy        // proxy bound to the peer's copy of the same well-known ID

	observerSeq  uint64
	observersMu  sync.Mutex
	observersTbl map[string]*observerObject

	discoveryDisabled bool

	cancel context.CancelFunc
	done   chan struct{}
}

type inflightRequest struct {
	id         string
	request    *requestFrame
	resultCh   chan inflightResult
	callerInfo string
}

type inflightResult struct {
	value any
	err   error
}

// NewSession constructs a session bound to ch and starts its dispatch
// loop. DurableSocket and ServiceProxy do not construct Sessions
// themselves: callers build one here (often over a DurableSocket) and
// hand it to ServiceProxy through a SessionDialer.
func NewSession(ch Channel, opts ...SessionOption) *Session {
	cfg := DefaultConfig()
	initialLockChain := make(chan struct{})
	close(initialLockChain)
	s := &Session{
		channel:      ch,
		config:       cfg,
		logger:       noopLogger{},
		locals:       newLocalObjectRegistry(),
		outstanding:  newOutstandingRefRegistry(),
		services:     newServiceRegistry(),
		errors:       newErrorRegistry(),
		errorPolicy:  DefaultErrorPolicy(),
		inflight:     make(map[string]*inflightRequest),
		lockChain:    initialLockChain,
		observersTbl: make(map[string]*observerObject),
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.proxies = newProxyRegistry(s.config.FinalizationDelay, s.onProxyFinalized, s.onProxyRevived)

	s.self = &localSession{session: s}
	s.locals.registerWellKnown(WellKnownSessionID, s.self)
	s.selfHandle = newProxy(s, WellKnownSessionID, "")

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.dispatchLoop(ctx)
	return s
}

// SessionOption configures a Session at construction time.
type SessionOption func(*Session)

// WithLogger installs a structured logger; defaults to a no-op.
func WithLogger(l Logger) SessionOption { return func(s *Session) { s.logger = l } }

// WithConfig overrides the default tunables.
func WithConfig(c Config) SessionOption { return func(s *Session) { s.config = c } }

// WithErrorPolicy overrides the default all-on error policy flags.
func WithErrorPolicy(p ErrorPolicy) SessionOption { return func(s *Session) { s.errorPolicy = p } }

// WithDiscoveryDisabled globally disables answering getDiscoverableServices
// and getServiceIntrospection, independent of any per-service opt-out.
func WithDiscoveryDisabled() SessionOption { return func(s *Session) { s.discoveryDisabled = true } }

// remote returns the proxy bound to the peer's session object, used to
// invoke session-level RPCs like subscribeToEvent and getLocalService.
func (s *Session) remote() *Proxy { return s.selfHandle }

// Remote returns the proxy bound to the peer's session object, for
// callers outside this package that need session-level RPCs directly
// (getLocalService, getDiscoverableServices, getServiceIntrospection).
func (s *Session) Remote() *Proxy { return s.remote() }

// RegisterErrorType installs a deserialization factory for an
// application-defined error kind returned under $constructorName/name.
func (s *Session) RegisterErrorType(name string, factory func(*Error) error) {
	s.errors.register(name, factory)
}

// Close tears the session down: dispatch loop stops, in-flight requests
// are failed, and the underlying channel is closed.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.failAllInflight(errChannelStateLost)
	return s.channel.Close()
}

// dispatchLoop is the single logical task runner per session for inbound
// traffic: frame decoding, proxy materialization on decode, and dispatch
// happen here. Outbound calls encode on the caller's goroutine, so each
// registry guards itself with its own mutex.
func (s *Session) dispatchLoop(ctx context.Context) {
	defer close(s.done)
	stateLost := s.channel.StateLost()
	received := s.channel.Received()
	for {
		select {
		case <-ctx.Done():
			return
		case reason, ok := <-stateLost:
			if !ok {
				stateLost = nil
				continue
			}
			s.onStateLost(reason)
		case frame, ok := <-received:
			if !ok {
				return
			}
			s.handleFrame(frame)
		}
	}
}

func (s *Session) onStateLost(reason string) {
	s.logger.Warn("session channel state lost", "reason", reason)
	s.failAllInflight(fmt.Errorf("%w: %s", errChannelStateLost, reason))
}

func (s *Session) failAllInflight(err error) {
	s.mu.Lock()
	pending := s.inflight
	s.inflight = make(map[string]*inflightRequest)
	s.mu.Unlock()
	for _, req := range pending {
		req.resultCh <- inflightResult{err: err}
	}
}

// handleFrame decodes and routes one inbound wire frame. Decoding
// failures are fatal to the session.
func (s *Session) handleFrame(frame []byte) {
	if rpcdebug.Value("tracewire") != "" {
		s.logger.Debug("wire <-", "frame", string(frame))
	}
	typ, err := peekType(frame)
	if err != nil {
		s.fatalDecodeError(err)
		return
	}
	switch typ {
	case msgRequest:
		s.handleRequest(frame)
	case msgResponse:
		s.handleResponse(frame)
	case msgPing:
		s.sendFrame(&pongFrame{Type: msgPong})
	case msgPong:
		// handled at the DurableSocket layer; nothing to do at the session.
	case msgEvent:
		// reserved, unused end-to-end; ignore on receipt.
	default:
		s.logger.Warn("unknown frame type, ignoring", "type", typ)
	}
}

func (s *Session) fatalDecodeError(err error) {
	s.logger.Error("fatal decode error, closing session", "error", err)
	_ = s.Close()
}

func (s *Session) sendFrame(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to marshal frame", "error", err)
		return
	}
	if rpcdebug.Value("tracewire") != "" {
		s.logger.Debug("wire ->", "frame", string(b))
	}
	if err := s.channel.Send(context.Background(), b); err != nil {
		s.logger.Error("failed to send frame", "error", err)
	}
}

// --- outbound call -----------------------------------------------------

// call performs one outbound RPC. receiver is the proxy the call
// targets.
func (s *Session) call(ctx context.Context, receiver *Proxy, method string, args []any, result any) error {
	if err := s.awaitLock(ctx); err != nil {
		return err
	}

	id := uuid.NewString()
	var recvRef *Ref
	if receiver != nil {
		ref := receiver.Reference()
		recvRef = &ref
	}

	encodedArgs := make([]any, len(args))
	for i, a := range args {
		enc, err := s.encodeTree(a)
		if err != nil {
			return fmt.Errorf("encode argument %d: %w", i, err)
		}
		encodedArgs[i] = enc
	}

	req := &requestFrame{
		Type:       msgRequest,
		ID:         id,
		Receiver:   recvRef,
		Method:     method,
		Parameters: encodedArgs,
	}

	inflightReq := &inflightRequest{
		id:       id,
		request:  req, // retains pre-encode args strongly for the call's lifetime
		resultCh: make(chan inflightResult, 1),
	}
	if s.errorPolicy.AddCallerStackTraces {
		inflightReq.callerInfo = captureStack()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errChannelStateLost
	}
	s.inflight[id] = inflightReq
	s.mu.Unlock()

	b, err := json.Marshal(req)
	if err != nil {
		s.removeInflight(id)
		return err
	}
	if rpcdebug.Value("tracewire") != "" {
		s.logger.Debug("wire ->", "frame", string(b))
	}
	if err := s.channel.Send(ctx, b); err != nil {
		s.removeInflight(id)
		return err
	}

	select {
	case <-ctx.Done():
		s.removeInflight(id)
		return ctx.Err()
	case res := <-inflightReq.resultCh:
		s.maybeNotifyIdle()
		if res.err != nil {
			return res.err
		}
		if result == nil {
			return nil
		}
		return remarshalInto(res.value, result)
	}
}

func (s *Session) removeInflight(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

func (s *Session) maybeNotifyIdle() {
	s.mu.Lock()
	idle := len(s.inflight) == 0 && s.outstanding.total() == 0
	cbs := s.idleCBs
	s.mu.Unlock()
	if idle {
		for _, cb := range cbs {
			cb()
		}
	}
}

// OnIdle registers a callback invoked whenever the session transitions
// to having no in-flight requests and no outstanding references.
func (s *Session) OnIdle(cb func()) {
	s.mu.Lock()
	s.idleCBs = append(s.idleCBs, cb)
	s.mu.Unlock()
}

// asyncFinalizeRef notifies the peer to drop an outstanding reference we
// don't need (duplicate descriptor collapse). Fire-and-forget, since the
// decode path runs on the dispatch goroutine and must not block on a
// round trip.
func (s *Session) asyncFinalizeRef(objectID, refID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.remote().Call(ctx, "finalizeRef", []any{objectID + "." + refID}, nil); err != nil {
			s.logger.Warn("finalizeRef notification failed", "object_id", objectID, "error", err)
		}
	}()
}

// onProxyFinalized runs after a proxy's debounce window lapses with no
// revival: tell the peer to release its outstanding hold.
func (s *Session) onProxyFinalized(objectID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p, ok := s.proxies.lookup(objectID)
	refID := ""
	if ok {
		refID = p.refID
	}
	if err := s.remote().Call(ctx, "finalizeRef", []any{objectID + "." + refID}, nil); err != nil {
		s.logger.Warn("finalizeRef notification failed", "object_id", objectID, "error", err)
	}
}

func (s *Session) onProxyRevived(objectID string) {
	s.logger.Debug("proxy revived within finalization debounce window", "object_id", objectID)
}

// awaitLock blocks the caller while the session is in a lock() scope,
// unless the context is tagged to ignore locks. It only ever waits for
// the current chain link to close; it never installs one of its own,
// since an ordinary call is not itself a scope later callers must queue
// behind.
func (s *Session) awaitLock(ctx context.Context) error {
	if ignoresLocks(ctx) {
		return nil
	}
	s.lockMu.Lock()
	ch := s.lockChain
	s.lockMu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type ignoreLocksKey struct{}

// IgnoreLocks returns a context under which awaitLock does not block.
// Go has no implicit task-local async context propagation, so this is
// threaded explicitly rather than inferred from call stack position.
func IgnoreLocks(ctx context.Context) context.Context {
	return context.WithValue(ctx, ignoreLocksKey{}, true)
}

func ignoresLocks(ctx context.Context) bool {
	v, _ := ctx.Value(ignoreLocksKey{}).(bool)
	return v
}

// Lock serializes callback against all other non-ignoring callers: it
// installs a fresh chain link before waiting on its predecessor, so any
// awaitLock or Lock call that reads s.lockChain afterward queues behind
// this callback instead of behind whichever link was active on entry.
// The predecessor's link is only ever closed, never reused, by whoever
// is responsible for it, so a bail-out on ctx cancellation still closes
// this call's own link and never leaves a waiter stuck forever.
func (s *Session) Lock(ctx context.Context, callback func(ctx context.Context) error) error {
	s.lockMu.Lock()
	prev := s.lockChain
	mine := make(chan struct{})
	s.lockChain = mine
	s.lockMu.Unlock()
	defer close(mine)

	select {
	case <-prev:
	case <-ctx.Done():
		return ctx.Err()
	}
	return callback(IgnoreLocks(ctx))
}

// remarshalInto converts a decoded `any` value into result's concrete
// type via a JSON round trip, bridging untyped wire payloads into typed
// Go values.
func remarshalInto(value any, result any) error {
	if p, ok := value.(*Proxy); ok {
		if target, ok := result.(**Proxy); ok {
			*target = p
			return nil
		}
	}
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, result)
}
