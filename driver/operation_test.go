// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/bytev/docdriver/address"
	"github.com/bytev/docdriver/csot"
	"github.com/bytev/docdriver/description"
)

// retryablePoolErr mimics a pool-cleared error returned during checkout.
type retryablePoolErr struct{ retryable bool }

func (e retryablePoolErr) Error() string   { return "connection pool for test-server was cleared" }
func (e retryablePoolErr) Retryable() bool { return e.retryable }

// mockDeployment counts server selections and fails them with a configurable
// error so retry bookkeeping can be observed without a live server.
type mockDeployment struct {
	selectCalls int
	err         error
}

var _ Deployment = (*mockDeployment)(nil)

func (d *mockDeployment) SelectServer(context.Context, description.ServerSelector) (Server, error) {
	d.selectCalls++
	return nil, d.err
}

func (d *mockDeployment) Kind() description.TopologyKind { return description.TopologyKindSingle }

func noopCommandFn(dst []byte, _ description.SelectedServer) ([]byte, error) {
	return dst, nil
}

func TestOperationValidate(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		op      Operation
		wantErr error
	}{
		{
			name:    "missing CommandFn",
			op:      Operation{Deployment: &mockDeployment{}, Database: "admin"},
			wantErr: InvalidOperationError{MissingField: "CommandFn"},
		},
		{
			name:    "missing Deployment",
			op:      Operation{CommandFn: noopCommandFn, Database: "admin"},
			wantErr: InvalidOperationError{MissingField: "Deployment"},
		},
		{
			name:    "missing Database",
			op:      Operation{CommandFn: noopCommandFn, Deployment: &mockDeployment{}},
			wantErr: errDatabaseNameEmpty,
		},
		{
			name:    "valid operation",
			op:      Operation{CommandFn: noopCommandFn, Deployment: &mockDeployment{}, Database: "admin"},
			wantErr: nil,
		},
	}

	for _, tc := range testCases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := tc.op.Validate()
			if tc.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tc.wantErr, err)
		})
	}
}

func TestOperationExecuteRetry(t *testing.T) {
	t.Parallel()

	t.Run("retryable selection errors are retried once", func(t *testing.T) {
		t.Parallel()

		deployment := &mockDeployment{err: retryablePoolErr{retryable: true}}
		retry := RetryOnce
		op := Operation{
			CommandFn:  noopCommandFn,
			Database:   "admin",
			Deployment: deployment,
			Type:       Read,
			RetryMode:  &retry,
		}

		err := op.Execute(context.Background())
		require.Error(t, err)

		// One initial attempt plus exactly one retry.
		assert.Equal(t, 2, deployment.selectCalls)
		assert.ErrorIs(t, err, retryablePoolErr{retryable: true})
	})

	t.Run("RetryNone disables retries", func(t *testing.T) {
		t.Parallel()

		deployment := &mockDeployment{err: retryablePoolErr{retryable: true}}
		retry := RetryNone
		op := Operation{
			CommandFn:  noopCommandFn,
			Database:   "admin",
			Deployment: deployment,
			Type:       Read,
			RetryMode:  &retry,
		}

		err := op.Execute(context.Background())
		require.Error(t, err)
		assert.Equal(t, 1, deployment.selectCalls)
	})

	t.Run("non-retryable errors are not retried", func(t *testing.T) {
		t.Parallel()

		deployment := &mockDeployment{err: retryablePoolErr{retryable: false}}
		retry := RetryOnce
		op := Operation{
			CommandFn:  noopCommandFn,
			Database:   "admin",
			Deployment: deployment,
			Type:       Read,
			RetryMode:  &retry,
		}

		err := op.Execute(context.Background())
		require.Error(t, err)
		assert.Equal(t, 1, deployment.selectCalls)
	})
}

func TestRetryModeEnabled(t *testing.T) {
	t.Parallel()

	assert.False(t, RetryNone.Enabled())
	assert.True(t, RetryOnce.Enabled())
	assert.True(t, RetryOncePerCommand.Enabled())
	assert.True(t, RetryContext.Enabled())
}

func TestOperationRetryable(t *testing.T) {
	t.Parallel()

	timeoutMinutes := int64(30)
	retry := RetryOnce

	testCases := []struct {
		name string
		op   Operation
		desc description.Server
		want bool
	}{
		{
			name: "write against a replica set member",
			op:   Operation{Type: Write, RetryMode: &retry},
			desc: description.Server{
				Kind:                  description.ServerKindRSPrimary,
				SessionTimeoutMinutes: &timeoutMinutes,
			},
			want: true,
		},
		{
			name: "write against a standalone",
			op:   Operation{Type: Write, RetryMode: &retry},
			desc: description.Server{
				Kind:                  description.ServerKindStandalone,
				SessionTimeoutMinutes: &timeoutMinutes,
			},
			want: false,
		},
		{
			name: "write without session support",
			op:   Operation{Type: Write, RetryMode: &retry},
			desc: description.Server{Kind: description.ServerKindRSPrimary},
			want: false,
		},
		{
			name: "write without a retry mode",
			op:   Operation{Type: Write},
			desc: description.Server{
				Kind:                  description.ServerKindRSPrimary,
				SessionTimeoutMinutes: &timeoutMinutes,
			},
			want: false,
		},
		{
			name: "read outside a transaction",
			op:   Operation{Type: Read},
			desc: description.Server{Kind: description.ServerKindRSSecondary},
			want: true,
		},
	}

	for _, tc := range testCases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tc.want, tc.op.retryable(tc.desc))
		})
	}
}

func TestFilterDeprioritizedServers(t *testing.T) {
	t.Parallel()

	serverA := description.Server{Addr: address.Address("a:27017")}
	serverB := description.Server{Addr: address.Address("b:27017")}

	t.Run("no deprioritized servers", func(t *testing.T) {
		t.Parallel()

		candidates := []description.Server{serverA, serverB}
		got := filterDeprioritizedServers(candidates, nil)
		assert.Equal(t, candidates, got)
	})

	t.Run("deprioritized servers are removed", func(t *testing.T) {
		t.Parallel()

		got := filterDeprioritizedServers(
			[]description.Server{serverA, serverB},
			[]description.Server{serverA},
		)
		assert.Equal(t, []description.Server{serverB}, got)
	})

	t.Run("all servers deprioritized returns the candidates", func(t *testing.T) {
		t.Parallel()

		candidates := []description.Server{serverA, serverB}
		got := filterDeprioritizedServers(candidates, candidates)
		assert.Equal(t, candidates, got)
	})
}

func TestOperationAddServerAPI(t *testing.T) {
	t.Parallel()

	t.Run("nil options append nothing", func(t *testing.T) {
		t.Parallel()

		op := Operation{}
		assert.Empty(t, op.addServerAPI(nil))
	})

	t.Run("version only", func(t *testing.T) {
		t.Parallel()

		op := Operation{ServerAPI: ServerAPI().SetServerAPIVersion("1")}
		want := bsoncore.AppendStringElement(nil, "apiVersion", "1")
		assert.Equal(t, want, op.addServerAPI(nil))
	})

	t.Run("strict and deprecation errors", func(t *testing.T) {
		t.Parallel()

		op := Operation{
			ServerAPI: ServerAPI().
				SetServerAPIVersion("1").
				SetStrict(true).
				SetDeprecationErrors(false),
		}

		want := bsoncore.AppendStringElement(nil, "apiVersion", "1")
		want = bsoncore.AppendBooleanElement(want, "apiStrict", true)
		want = bsoncore.AppendBooleanElement(want, "apiDeprecationErrors", false)
		assert.Equal(t, want, op.addServerAPI(nil))
	})
}

// fixedRTTMonitor reports a constant round-trip time.
type fixedRTTMonitor struct{ rtt time.Duration }

func (m fixedRTTMonitor) EWMA() time.Duration { return m.rtt }
func (m fixedRTTMonitor) Min() time.Duration  { return m.rtt }
func (m fixedRTTMonitor) P90() time.Duration  { return m.rtt }
func (m fixedRTTMonitor) Stats() string       { return "" }

func TestOperationCalculateMaxTimeMS(t *testing.T) {
	t.Parallel()

	t.Run("context deadline takes precedence over MaxTime", func(t *testing.T) {
		t.Parallel()

		timeout := 100 * time.Millisecond
		ctx, cancel := csot.WithTimeout(context.Background(), &timeout)
		defer cancel()

		maxTime := 5 * time.Second
		op := Operation{MaxTime: &maxTime}

		got, err := op.calculateMaxTimeMS(ctx, fixedRTTMonitor{})
		require.NoError(t, err)
		assert.Greater(t, got, uint64(0))
		assert.LessOrEqual(t, got, uint64(100), "expected the deadline, not MaxTime, to bound maxTimeMS")
	})

	t.Run("MaxTime applies without a deadline", func(t *testing.T) {
		t.Parallel()

		maxTime := 5 * time.Second
		op := Operation{MaxTime: &maxTime}

		got, err := op.calculateMaxTimeMS(context.Background(), fixedRTTMonitor{})
		require.NoError(t, err)
		assert.Equal(t, uint64(5000), got)
	})

	t.Run("negative MaxTime is rejected", func(t *testing.T) {
		t.Parallel()

		maxTime := -1 * time.Second
		op := Operation{MaxTime: &maxTime}

		_, err := op.calculateMaxTimeMS(context.Background(), fixedRTTMonitor{})
		assert.ErrorIs(t, err, ErrNegativeMaxTime)
	})

	t.Run("deadline shorter than the round trip fails", func(t *testing.T) {
		t.Parallel()

		timeout := 10 * time.Millisecond
		ctx, cancel := csot.WithTimeout(context.Background(), &timeout)
		defer cancel()

		_, err := Operation{}.calculateMaxTimeMS(ctx, fixedRTTMonitor{rtt: time.Minute})
		assert.ErrorIs(t, err, ErrDeadlineWouldBeExceeded)
	})

	t.Run("no deadline and no MaxTime sends no limit", func(t *testing.T) {
		t.Parallel()

		got, err := Operation{}.calculateMaxTimeMS(context.Background(), fixedRTTMonitor{})
		require.NoError(t, err)
		assert.Equal(t, uint64(0), got)
	})
}
