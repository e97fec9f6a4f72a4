// Copyright 2025 The Capnet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"context"
	"log/slog"

	"golang.org/x/time/rate"
)

// Logger is the minimal structured-logging surface the session and
// transport layers depend on. *slog.Logger satisfies it directly.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// slogLogger adapts *slog.Logger, attaching a fixed context for calls
// that don't carry one of their own.
type slogLogger struct {
	l   *slog.Logger
	ctx context.Context
}

// NewSlogLogger wraps l so it satisfies Logger.
func NewSlogLogger(l *slog.Logger) Logger {
	if l == nil {
		l = slog.Default()
	}
	return &slogLogger{l: l, ctx: context.Background()}
}

func (s *slogLogger) Debug(msg string, args ...any) { s.l.DebugContext(s.ctx, msg, args...) }
func (s *slogLogger) Info(msg string, args ...any)  { s.l.InfoContext(s.ctx, msg, args...) }
func (s *slogLogger) Warn(msg string, args ...any)  { s.l.WarnContext(s.ctx, msg, args...) }
func (s *slogLogger) Error(msg string, args ...any) { s.l.ErrorContext(s.ctx, msg, args...) }

// rateLimitedLogger throttles Warn/Error, the two levels a flapping
// reconnect loop can otherwise flood a peer's logs with. One limiter is
// shared by Warn and Error; Debug and Info are not limited.
type rateLimitedLogger struct {
	Logger
	lim *rate.Limiter
}

// NewRateLimitedLogger wraps next so Warn/Error calls reach it through a
// token bucket holding up to burst tokens and refilling at limitPerSecond;
// calls that find no token are dropped. Debug/Info pass through unthrottled.
func NewRateLimitedLogger(next Logger, limitPerSecond float64, burst int) Logger {
	return &rateLimitedLogger{Logger: next, lim: rate.NewLimiter(rate.Limit(limitPerSecond), burst)}
}

func (r *rateLimitedLogger) Warn(msg string, args ...any) {
	if r.lim.Allow() {
		r.Logger.Warn(msg, args...)
	}
}

func (r *rateLimitedLogger) Error(msg string, args ...any) {
	if r.lim.Allow() {
		r.Logger.Error(msg, args...)
	}
}

// noopLogger discards everything; used when no logger is configured.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
