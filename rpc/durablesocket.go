// Copyright 2025 The Capnet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"

	"github.com/webrpc/capnet/internal/json"
)

// Dialer opens one short-lived underlying Channel. sessionID is the
// continuity token from a prior connection, if any, which the dialer is
// expected to fold into the connect URL/handshake (e.g. as a
// "sessionId" query parameter).
type Dialer func(ctx context.Context, sessionID string) (Channel, error)

// DurableSocket presents a long-lived Channel over a Dialer that only
// produces short-lived connections: exponential backoff+jitter
// reconnection, a FIFO send queue during outages, session-ID
// continuity, and ping/pong keep-alive.
type DurableSocket struct {
	dial   Dialer
	cfg    Config
	logger Logger

	breaker *gobreaker.CircuitBreaker

	mu         sync.Mutex
	current    Channel
	sessionID  string
	queue      [][]byte
	everOpened bool
	closed     bool
	lastPong   time.Time

	readyMu sync.Mutex
	readyCh chan struct{}

	received chan []byte
	lost     chan string

	openCbs    []func()
	lostCbs    []func(string)
	restoreCbs []func()
	closeCbs   []func(error)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewDurableSocket starts the reconnect loop immediately in the
// background and returns a Channel usable right away; Send queues until
// the first connect succeeds.
func NewDurableSocket(dial Dialer, cfg Config, logger Logger) *DurableSocket {
	if logger == nil {
		logger = noopLogger{}
	}
	if cfg.LogRateLimitPerSecond > 0 {
		// A flapping reconnect loop would otherwise flood the caller's
		// logger with a Warn/Error per failed dial attempt.
		logger = NewRateLimitedLogger(logger, cfg.LogRateLimitPerSecond, cfg.LogRateLimitBurst)
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1 << 30 // "0 = infinite" without special-casing the trip condition
	}
	d := &DurableSocket{
		dial:     dial,
		cfg:      cfg,
		logger:   logger,
		received: make(chan []byte, 64),
		lost:     make(chan string, 1),
		readyCh:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "durablesocket-dial",
		MaxRequests: 1,
		Timeout:     cfg.MaxReconnectTime,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(maxAttempts)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	go d.run(ctx)
	return d
}

func (d *DurableSocket) Received() <-chan []byte  { return d.received }
func (d *DurableSocket) StateLost() <-chan string { return d.lost }

// Ready returns the current readiness signal; it is replaced (a new
// channel value returned on the next call) on every lost edge, so a late
// subscriber must call Ready() again after observing a loss rather than
// reusing a stale channel value.
func (d *DurableSocket) Ready() <-chan struct{} {
	d.readyMu.Lock()
	defer d.readyMu.Unlock()
	return d.readyCh
}

// OnOpen registers a callback for the first successful connect.
func (d *DurableSocket) OnOpen(cb func()) { d.mu.Lock(); d.openCbs = append(d.openCbs, cb); d.mu.Unlock() }

// OnLost registers a callback for every transition out of connected.
func (d *DurableSocket) OnLost(cb func(reason string)) {
	d.mu.Lock()
	d.lostCbs = append(d.lostCbs, cb)
	d.mu.Unlock()
}

// OnRestore registers a callback for every reconnect after the first open.
func (d *DurableSocket) OnRestore(cb func()) {
	d.mu.Lock()
	d.restoreCbs = append(d.restoreCbs, cb)
	d.mu.Unlock()
}

// OnClose registers a callback for terminal shutdown (explicit Close or
// fatal failure after maxAttempts).
func (d *DurableSocket) OnClose(cb func(err error)) {
	d.mu.Lock()
	d.closeCbs = append(d.closeCbs, cb)
	d.mu.Unlock()
}

// Send enqueues frame; if connected, the queue (including frame) drains
// immediately in FIFO order.
func (d *DurableSocket) Send(ctx context.Context, frame []byte) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errChannelClosed
	}
	d.queue = append(d.queue, frame)
	cur := d.current
	d.mu.Unlock()
	if cur == nil {
		return nil
	}
	return d.drain(ctx, cur)
}

func (d *DurableSocket) drain(ctx context.Context, ch Channel) error {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 || d.current != ch {
			d.mu.Unlock()
			return nil
		}
		next := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()
		if err := ch.Send(ctx, next); err != nil {
			d.mu.Lock()
			d.queue = append([][]byte{next}, d.queue...)
			d.mu.Unlock()
			return err
		}
	}
}

// Reconnect forcibly drops the current underlying socket, triggering the
// reconnect path even if it currently appears healthy.
func (d *DurableSocket) Reconnect() {
	d.mu.Lock()
	cur := d.current
	d.mu.Unlock()
	if cur != nil {
		_ = cur.Close()
	}
}

// Close permanently shuts the durable socket down.
func (d *DurableSocket) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	cur := d.current
	d.mu.Unlock()
	d.cancel()
	if cur != nil {
		_ = cur.Close()
	}
	d.fireClose(nil)
	return nil
}

func (d *DurableSocket) run(ctx context.Context) {
	defer close(d.done)
	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = d.cfg.ReconnectTime
	boff.MaxInterval = d.cfg.MaxReconnectTime
	boff.Multiplier = 1.5
	boff.RandomizationFactor = d.cfg.JitterFraction

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		d.mu.Lock()
		sessionID := d.sessionID
		d.mu.Unlock()

		result, err := d.breaker.Execute(func() (any, error) {
			return d.dial(ctx, sessionID)
		})
		if err != nil {
			if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
				d.logger.Error("durable socket: fatal, reconnect attempts exhausted", "error", err)
				d.fireClose(fmt.Errorf("reconnect attempts exhausted: %w", err))
				return
			}
			delay := boff.NextBackOff()
			if delay == backoff.Stop {
				d.fireClose(fmt.Errorf("reconnect backoff exhausted: %w", err))
				return
			}
			d.logger.Warn("durable socket: dial failed, retrying", "error", err, "delay", delay)
			select {
			case <-time.After(jitter(delay, 0)):
			case <-ctx.Done():
				return
			}
			continue
		}

		boff.Reset()
		ch := result.(Channel)
		restored := d.everOpened
		d.mu.Lock()
		d.current = ch
		d.everOpened = true
		d.lastPong = time.Now()
		d.mu.Unlock()
		d.openReady()

		if restored {
			d.fireRestore()
		} else {
			d.fireOpen()
		}

		reason := d.pump(ctx, ch)

		d.mu.Lock()
		if d.current == ch {
			d.current = nil
		}
		d.mu.Unlock()
		d.closeReady()
		d.fireLost(reason)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// pump forwards application frames from ch to d.received, answers
// ping/pong at this layer (pings/pongs are not propagated upward), and
// runs the keep-alive timers. It returns once the channel is no longer
// usable, with a human-readable reason.
func (d *DurableSocket) pump(ctx context.Context, ch Channel) string {
	pingTicker := time.NewTicker(d.cfg.PingInterval)
	defer pingTicker.Stop()
	keepaliveTicker := time.NewTicker(d.cfg.PingKeepAliveInterval / 2)
	defer keepaliveTicker.Stop()

	received := ch.Received()
	stateLost := ch.StateLost()

	for {
		select {
		case <-ctx.Done():
			return "closing"

		case reason, ok := <-stateLost:
			if !ok {
				stateLost = nil
				continue
			}
			return reason

		case frame, ok := <-received:
			if !ok {
				return "connection closed"
			}
			typ, err := peekType(frame)
			if err != nil {
				// Not a well-formed envelope; hand it upward and let the
				// session's own decode error handling deal with it.
				d.forward(frame)
				continue
			}
			switch typ {
			case msgPing:
				_ = ch.Send(ctx, mustMarshal(&pongFrame{Type: msgPong}))
			case msgPong:
				d.mu.Lock()
				d.lastPong = time.Now()
				d.mu.Unlock()
			default:
				if ctrlID, ok := d.tryControlFrame(frame); ok {
					d.mu.Lock()
					d.sessionID = ctrlID
					d.mu.Unlock()
					continue
				}
				d.forward(frame)
			}

		case <-pingTicker.C:
			_ = ch.Send(ctx, mustMarshal(&pingFrame{Type: msgPing}))

		case <-keepaliveTicker.C:
			d.mu.Lock()
			last := d.lastPong
			d.mu.Unlock()
			if time.Since(last) > d.cfg.PingKeepAliveInterval {
				return "keep-alive timeout"
			}
		}

		select {
		case <-ctx.Done():
			_ = ch.Close()
			return "closing"
		default:
		}
		if d.isStale(ch) {
			return "superseded"
		}
	}
}

// isStale guards against a racy overlap: a close event for a socket that
// is no longer current must not schedule a duplicate reconnect.
func (d *DurableSocket) isStale(ch Channel) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current != ch
}

func (d *DurableSocket) tryControlFrame(frame []byte) (sessionID string, ok bool) {
	var ctrl sessionControlFrame
	if err := json.Unmarshal(frame, &ctrl); err != nil {
		return "", false
	}
	if ctrl.Type != "setSessionId" {
		return "", false
	}
	return ctrl.ID, true
}

func (d *DurableSocket) forward(frame []byte) {
	select {
	case d.received <- frame:
	default:
		d.logger.Warn("durable socket: received buffer full, dropping frame")
	}
}

func (d *DurableSocket) openReady() {
	d.readyMu.Lock()
	close(d.readyCh)
	d.readyMu.Unlock()
	d.mu.Lock()
	q := d.queue
	cur := d.current
	d.mu.Unlock()
	if cur != nil && len(q) > 0 {
		_ = d.drain(context.Background(), cur)
	}
}

func (d *DurableSocket) closeReady() {
	d.readyMu.Lock()
	d.readyCh = make(chan struct{})
	d.readyMu.Unlock()
}

func (d *DurableSocket) fireOpen() {
	d.mu.Lock()
	cbs := append([]func(){}, d.openCbs...)
	d.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

func (d *DurableSocket) fireRestore() {
	d.mu.Lock()
	cbs := append([]func(){}, d.restoreCbs...)
	d.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

func (d *DurableSocket) fireLost(reason string) {
	select {
	case d.lost <- reason:
	default:
	}
	d.mu.Lock()
	cbs := append([]func(string){}, d.lostCbs...)
	d.mu.Unlock()
	for _, cb := range cbs {
		cb(reason)
	}
}

func (d *DurableSocket) fireClose(err error) {
	d.mu.Lock()
	cbs := append([]func(error){}, d.closeCbs...)
	d.mu.Unlock()
	for _, cb := range cbs {
		cb(err)
	}
}

func jitter(base time.Duration, extra float64) time.Duration {
	if base <= 0 {
		return base
	}
	j := 1 + (rand.Float64()*2-1)*extra
	return time.Duration(float64(base) * j)
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
