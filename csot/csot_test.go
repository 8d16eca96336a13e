// Copyright (C) MongoDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package csot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestContext(t *testing.T, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)

	return ctx
}

func newDurPtr(dur time.Duration) *time.Duration {
	return &dur
}

func TestWithServerSelectionTimeout(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name                   string
		parent                 context.Context
		serverSelectionTimeout time.Duration
		wantTimeout            time.Duration
		wantOk                 bool
	}{
		{
			name:                   "no context deadline and ssto is zero",
			parent:                 context.Background(),
			serverSelectionTimeout: 0,
			wantTimeout:            0,
			wantOk:                 false,
		},
		{
			name:                   "no context deadline and ssto is positive",
			parent:                 context.Background(),
			serverSelectionTimeout: 1,
			wantTimeout:            1,
			wantOk:                 true,
		},
		{
			name:                   "no context deadline and ssto is negative",
			parent:                 context.Background(),
			serverSelectionTimeout: -1,
			wantTimeout:            0,
			wantOk:                 false,
		},
		{
			name:                   "context deadline is positive and ssto is negative",
			parent:                 newTestContext(t, 1),
			serverSelectionTimeout: -1,
			wantTimeout:            1,
			wantOk:                 true,
		},
		{
			name:                   "context deadline is less than ssto",
			parent:                 newTestContext(t, 1),
			serverSelectionTimeout: 2,
			wantTimeout:            1,
			wantOk:                 true,
		},
		{
			name:                   "context deadline is greater than ssto",
			parent:                 newTestContext(t, 2),
			serverSelectionTimeout: 1,
			wantTimeout:            1,
			wantOk:                 true,
		},
		{
			name:                   "context deadline is equal to ssto",
			parent:                 newTestContext(t, 1),
			serverSelectionTimeout: 1,
			wantTimeout:            1,
			wantOk:                 true,
		},
	}

	for _, test := range tests {
		test := test // Capture the range variable

		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			ctx, cancel := WithServerSelectionTimeout(test.parent, test.serverSelectionTimeout)
			t.Cleanup(cancel)

			deadline, gotOk := ctx.Deadline()
			assert.Equal(t, test.wantOk, gotOk)

			if gotOk {
				delta := time.Until(deadline) - test.wantTimeout
				tolerance := 10 * time.Millisecond

				assert.LessOrEqual(t, delta, tolerance)
				assert.GreaterOrEqual(t, delta, -tolerance)
			}
		})
	}
}

func TestWithTimeout(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		parent      context.Context
		timeout     *time.Duration
		wantTimeout time.Duration
		wantOk      bool
	}{
		{
			name:        "deadline set with timeout",
			parent:      newTestContext(t, 1),
			timeout:     newDurPtr(2),
			wantTimeout: 1,
			wantOk:      true,
		},
		{
			name:        "deadline unset with non-zero timeout",
			parent:      context.Background(),
			timeout:     newDurPtr(1),
			wantTimeout: 1,
			wantOk:      true,
		},
		{
			name:        "deadline unset with zero timeout",
			parent:      context.Background(),
			timeout:     newDurPtr(0),
			wantTimeout: 0,
			wantOk:      false,
		},
		{
			name:        "deadline unset with nil timeout",
			parent:      context.Background(),
			timeout:     nil,
			wantTimeout: 0,
			wantOk:      false,
		},
	}

	for _, test := range tests {
		test := test // Capture the range variable

		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			ctx, cancel := WithTimeout(test.parent, test.timeout)
			t.Cleanup(cancel)

			deadline, gotOk := ctx.Deadline()
			assert.Equal(t, test.wantOk, gotOk)

			if gotOk {
				delta := time.Until(deadline) - test.wantTimeout
				tolerance := 10 * time.Millisecond

				assert.LessOrEqual(t, delta, tolerance)
				assert.GreaterOrEqual(t, delta, -tolerance)
			}
		})
	}

	t.Run("zero timeout marks the context as client-level", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := WithTimeout(context.Background(), newDurPtr(0))
		t.Cleanup(cancel)

		assert.True(t, IsClientLevel(ctx))
		assert.True(t, IsTimeoutContext(ctx))
	})

	t.Run("timeout is not overridden by a second application", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := WithTimeout(context.Background(), newDurPtr(time.Minute))
		t.Cleanup(cancel)

		deadline, ok := ctx.Deadline()
		assert.True(t, ok)

		ctx, cancel = WithTimeout(ctx, newDurPtr(time.Second))
		t.Cleanup(cancel)

		gotDeadline, ok := ctx.Deadline()
		assert.True(t, ok)
		assert.Equal(t, deadline, gotDeadline)
	})
}
