// Copyright (C) MongoDB, Inc. 2022-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package csot implements the client-side operation timeout as deadlines on a
// context.Context. A client-level timeout is attached once, at the start of an
// operation, and every stage of execution (server selection, connection
// checkout, socket I/O, retries) draws from the same deadline.
package csot

import (
	"context"
	"time"
)

type withoutMaxTime struct{}

// WithoutMaxTime marks the context so that operation construction omits
// "maxTimeMS" from the wire message even when a deadline is present. Used for
// non-awaitable hello commands.
func WithoutMaxTime(ctx context.Context) context.Context {
	return context.WithValue(ctx, withoutMaxTime{}, true)
}

// IsWithoutMaxTime reports whether the context was marked by WithoutMaxTime.
func IsWithoutMaxTime(ctx context.Context) bool {
	return ctx.Value(withoutMaxTime{}) != nil
}

type clientLevel struct{}

// AsClientLevel marks the context as carrying a client-level timeout, even
// when that timeout is zero and so no deadline exists.
func AsClientLevel(parent context.Context) context.Context {
	return context.WithValue(parent, clientLevel{}, true)
}

// IsClientLevel returns true if the context carries a client-level timeout.
func IsClientLevel(ctx context.Context) bool {
	val := ctx.Value(clientLevel{})
	if val == nil {
		return false
	}

	return val.(bool)
}

// IsTimeoutContext reports whether the context is governed by the client-side
// operation timeout machinery: it either has a deadline or was marked as
// client-level (a zero timeout, meaning retry without bound).
func IsTimeoutContext(ctx context.Context) bool {
	_, ok := ctx.Deadline()

	return ok || IsClientLevel(ctx)
}

// WithTimeout applies the client timeout to the context unless a deadline is
// already set.
//
// The timeout comes from client configuration and never changes, so it is
// applied at most once: a context that already went through WithTimeout is
// returned unchanged.
func WithTimeout(parent context.Context, timeout *time.Duration) (context.Context, context.CancelFunc) {
	cancel := func() {}

	// Nothing to do when the parent already has a deadline, already carries a
	// client-level timeout, or no timeout was configured.
	if IsTimeoutContext(parent) || timeout == nil {
		return parent, cancel
	}

	parent = AsClientLevel(parent)

	// A configured timeout of zero means "no deadline, retry without bound";
	// the client-level mark above is all it needs.
	if *timeout == 0 {
		return parent, cancel
	}

	return context.WithTimeout(parent, *timeout)
}

// WithServerSelectionTimeout bounds the context by the smaller of the
// configured server selection timeout and any deadline already on the
// context. Non-positive selection timeouts are ignored.
func WithServerSelectionTimeout(
	parent context.Context,
	serverSelectionTimeout time.Duration,
) (context.Context, context.CancelFunc) {
	var timeout time.Duration

	deadline, ok := parent.Deadline()
	if ok {
		timeout = time.Until(deadline)
	}

	if !ok && serverSelectionTimeout <= 0 {
		return parent, func() {}
	}

	if !ok {
		timeout = serverSelectionTimeout
	} else if timeout >= serverSelectionTimeout && serverSelectionTimeout > 0 {
		// The selection timeout only wins when it is positive and shorter
		// than the time remaining on the parent.
		timeout = serverSelectionTimeout
	}

	return context.WithTimeout(parent, timeout)
}

// ZeroRTTMonitor is an RTTMonitor that reports zero for every statistic. It
// stands in where no real monitor is available, such as handshake deadline
// calculations.
type ZeroRTTMonitor struct{}

// EWMA always reports zero.
func (zrm *ZeroRTTMonitor) EWMA() time.Duration {
	return 0
}

// Min always reports zero.
func (zrm *ZeroRTTMonitor) Min() time.Duration {
	return 0
}

// P90 always reports zero.
func (zrm *ZeroRTTMonitor) P90() time.Duration {
	return 0
}

// Stats reports nothing.
func (zrm *ZeroRTTMonitor) Stats() string {
	return ""
}
