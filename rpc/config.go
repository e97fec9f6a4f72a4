// Copyright 2025 The Capnet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"strconv"
	"time"

	"github.com/webrpc/capnet/internal/rpcdebug"
)

// Config holds the runtime tunables a Session/DurableSocket needs.
// Callers construct one directly or start from DefaultConfig; cmd/rpcctl
// does not set one and runs with the defaults.
type Config struct {
	// ReconnectTime is the initial backoff before the first retry.
	ReconnectTime time.Duration
	// MaxReconnectTime caps the exponential backoff.
	MaxReconnectTime time.Duration
	// MaxAttempts is the number of consecutive failed dials before the
	// endpoint declares fatal failure; 0 means infinite.
	MaxAttempts int
	// JitterFraction is the uniform random jitter applied to each
	// backoff interval, as a fraction of that interval.
	JitterFraction float64
	// PingInterval is how often DurableSocket sends a keep-alive ping.
	PingInterval time.Duration
	// PingKeepAliveInterval is how long without a pong before the
	// underlying socket is treated as lost.
	PingKeepAliveInterval time.Duration
	// FinalizationDelay is the proxy finalize_ref debounce window.
	FinalizationDelay time.Duration
	// LogRateLimitPerSecond caps how many Warn/Error log lines
	// DurableSocket emits per second once reconnecting; refill rate for
	// the underlying token bucket. 0 disables rate limiting entirely.
	LogRateLimitPerSecond float64
	// LogRateLimitBurst is the token bucket's burst size backing
	// LogRateLimitPerSecond.
	LogRateLimitBurst int
}

// DefaultConfig returns sane defaults: 1s initial backoff growing by
// factor 1.5 (applied by DurableSocket, not stored here), 5% jitter, 10s
// ping interval, 25s keep-alive window, 1000ms finalization debounce.
func DefaultConfig() Config {
	cfg := Config{
		ReconnectTime:         1 * time.Second,
		MaxReconnectTime:      30 * time.Second,
		MaxAttempts:           0,
		JitterFraction:        0.05,
		PingInterval:          10 * time.Second,
		PingKeepAliveInterval: 25 * time.Second,
		FinalizationDelay:     1000 * time.Millisecond,
		LogRateLimitPerSecond: 5,
		LogRateLimitBurst:     10,
	}
	if raw := rpcdebug.Value("gcdebounce"); raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil {
			cfg.FinalizationDelay = time.Duration(ms) * time.Millisecond
		}
	}
	return cfg
}
