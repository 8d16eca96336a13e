// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

// Type specifies whether an operation is a read, write, or unknown.
type Type uint

// THese are the availables types of Type.
const (
	_ Type = iota
	Write
	Read
)

// RetryMode controls how the executor retries retryable operations.
type RetryMode uint

// These are the modes available for retrying. Note that if Timeout is specified on the Client, the
// operation will automatically retry as many times as possible within the context's deadline
// unless RetryNone is used.
const (
	// RetryNone turns retries off entirely.
	RetryNone RetryMode = iota
	// RetryOnce will enable retrying the entire operation once if RetryNone is
	// used the operation will not be retried.
	RetryOnce
	// RetryOncePerCommand will enable retrying each command associated with an
	// operation. For example, if an insert is batch split into 4 commands then
	// each of those commands is eligible for a retry.
	RetryOncePerCommand
	// RetryContext will enable retrying until the context.Context's deadline
	// is exceeded or it is cancelled.
	RetryContext
)

// Enabled reports whether the mode allows any retry at all.
func (rm RetryMode) Enabled() bool {
	return rm == RetryOnce || rm == RetryOncePerCommand || rm == RetryContext
}
