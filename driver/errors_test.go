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

	"github.com/bytev/docdriver/description"
)

func TestErrorRetryableRead(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		err  Error
		want bool
	}{
		{
			name: "network error label",
			err:  Error{Labels: []string{NetworkError}},
			want: true,
		},
		{
			name: "interrupted at shutdown",
			err:  Error{Code: 11600},
			want: true,
		},
		{
			name: "shutdown in progress",
			err:  Error{Code: 91},
			want: true,
		},
		{
			name: "not primary",
			err:  Error{Code: 10107},
			want: true,
		},
		{
			name: "generic command error",
			err:  Error{Code: 1},
			want: false,
		},
		{
			name: "retryable write label does not apply to reads",
			err:  Error{Labels: []string{RetryableWriteError}},
			want: false,
		},
	}

	for _, tc := range testCases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tc.want, tc.err.RetryableRead())
		})
	}
}

func TestErrorRetryableWrite(t *testing.T) {
	t.Parallel()

	preLabelWire := description.NewVersionRange(6, 8)
	modernWire := description.NewVersionRange(6, 21)

	testCases := []struct {
		name        string
		err         Error
		wireVersion *description.VersionRange
		want        bool
	}{
		{
			name:        "network error label",
			err:         Error{Labels: []string{NetworkError}},
			wireVersion: &modernWire,
			want:        true,
		},
		{
			name:        "retryable write label",
			err:         Error{Labels: []string{RetryableWriteError}},
			wireVersion: &modernWire,
			want:        true,
		},
		{
			name:        "retryable code on an old server",
			err:         Error{Code: 10107},
			wireVersion: &preLabelWire,
			want:        true,
		},
		{
			name:        "retryable code on a modern server requires the label",
			err:         Error{Code: 10107},
			wireVersion: &modernWire,
			want:        false,
		},
		{
			name:        "retryable code with no wire version",
			err:         Error{Code: 189},
			wireVersion: nil,
			want:        true,
		},
		{
			name:        "generic command error",
			err:         Error{Code: 1},
			wireVersion: &preLabelWire,
			want:        false,
		},
	}

	for _, tc := range testCases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tc.want, tc.err.RetryableWrite(tc.wireVersion))
		})
	}
}

func TestErrorStateChangeClassification(t *testing.T) {
	t.Parallel()

	t.Run("not primary codes", func(t *testing.T) {
		t.Parallel()

		for _, code := range []int32{10107, 13435, 10058} {
			assert.True(t, Error{Code: code}.NotPrimary(), "expected code %d to be a not primary error", code)
		}
		assert.False(t, Error{Code: 1}.NotPrimary())
	})

	t.Run("node is recovering codes", func(t *testing.T) {
		t.Parallel()

		for _, code := range []int32{11600, 11602, 13436, 189, 91} {
			assert.True(t, Error{Code: code}.NodeIsRecovering(), "expected code %d to be a recovering error", code)
		}
		assert.False(t, Error{Code: 10107}.NodeIsRecovering())
	})

	t.Run("node is shutting down codes", func(t *testing.T) {
		t.Parallel()

		for _, code := range []int32{11600, 91} {
			assert.True(t, Error{Code: code}.NodeIsShuttingDown(), "expected code %d to be a shutdown error", code)
		}
		assert.False(t, Error{Code: 11602}.NodeIsShuttingDown())
	})

	t.Run("codeless errors fall back to message matching", func(t *testing.T) {
		t.Parallel()

		assert.True(t, Error{Message: LegacyNotPrimaryErrMsg}.NotPrimary())
		assert.True(t, Error{Message: "node is recovering"}.NodeIsRecovering())
		assert.True(t, Error{Message: "node is shutting down"}.NodeIsShuttingDown())

		// A code takes precedence over the message.
		assert.False(t, Error{Code: 1, Message: LegacyNotPrimaryErrMsg}.NotPrimary())
	})
}

func TestErrorNetworkError(t *testing.T) {
	t.Parallel()

	assert.True(t, Error{Labels: []string{NetworkError}}.NetworkError())
	assert.False(t, Error{Labels: []string{RetryableWriteError}}.NetworkError())
	assert.False(t, Error{}.NetworkError())
}

func TestErrorUnsupportedStorageEngine(t *testing.T) {
	t.Parallel()

	err := Error{Code: 20, Message: "Transaction numbers are only allowed on a replica set member or mongos"}
	assert.True(t, err.UnsupportedStorageEngine())

	assert.False(t, Error{Code: 20, Message: "some other illegal operation"}.UnsupportedStorageEngine())
	assert.False(t, Error{Code: 1, Message: "transaction numbers"}.UnsupportedStorageEngine())
}

func TestWriteCommandErrorRetryable(t *testing.T) {
	t.Parallel()

	preLabelWire := description.NewVersionRange(6, 8)
	modernWire := description.NewVersionRange(6, 21)

	t.Run("retryable write label", func(t *testing.T) {
		t.Parallel()

		wce := WriteCommandError{Labels: []string{RetryableWriteError}}
		assert.True(t, wce.Retryable(&modernWire))
	})

	t.Run("modern servers require the label", func(t *testing.T) {
		t.Parallel()

		wce := WriteCommandError{WriteConcernError: &WriteConcernError{Code: 91}}
		assert.False(t, wce.Retryable(&modernWire))
	})

	t.Run("write concern error code on an old server", func(t *testing.T) {
		t.Parallel()

		wce := WriteCommandError{WriteConcernError: &WriteConcernError{Code: 91}}
		assert.True(t, wce.Retryable(&preLabelWire))
	})

	t.Run("no write concern error", func(t *testing.T) {
		t.Parallel()

		assert.False(t, WriteCommandError{}.Retryable(&preLabelWire))
	})
}

func TestWriteConcernErrorClassification(t *testing.T) {
	t.Parallel()

	assert.True(t, WriteConcernError{Code: 10107}.NotPrimary())
	assert.True(t, WriteConcernError{Code: 11602}.NodeIsRecovering())
	assert.True(t, WriteConcernError{Code: 91}.NodeIsShuttingDown())
	assert.True(t, WriteConcernError{Message: LegacyNotPrimaryErrMsg}.NotPrimary())
	assert.False(t, WriteConcernError{Code: 1}.NotPrimary())
}

func TestExtractErrorFromServerResponse(t *testing.T) {
	t.Parallel()

	t.Run("successful response returns nil", func(t *testing.T) {
		t.Parallel()

		doc := bsoncore.NewDocumentBuilder().
			AppendInt32("ok", 1).
			Build()

		assert.NoError(t, ExtractErrorFromServerResponse(context.Background(), doc))
	})

	t.Run("command failure is extracted into an Error", func(t *testing.T) {
		t.Parallel()

		labels := bsoncore.NewArrayBuilder().
			AppendString(NetworkError).
			Build()
		doc := bsoncore.NewDocumentBuilder().
			AppendInt32("ok", 0).
			AppendString("errmsg", "not primary").
			AppendString("codeName", "NotWritablePrimary").
			AppendInt32("code", 10107).
			AppendArray("errorLabels", labels).
			Build()

		err := ExtractErrorFromServerResponse(context.Background(), doc)
		require.Error(t, err)

		var driverErr Error
		require.ErrorAs(t, err, &driverErr)
		assert.Equal(t, int32(10107), driverErr.Code)
		assert.Equal(t, "not primary", driverErr.Message)
		assert.Equal(t, "NotWritablePrimary", driverErr.Name)
		assert.True(t, driverErr.HasErrorLabel(NetworkError))
	})

	t.Run("missing errmsg gets a default message", func(t *testing.T) {
		t.Parallel()

		doc := bsoncore.NewDocumentBuilder().
			AppendInt32("ok", 0).
			Build()

		err := ExtractErrorFromServerResponse(context.Background(), doc)
		require.Error(t, err)

		var driverErr Error
		require.ErrorAs(t, err, &driverErr)
		assert.Equal(t, "command failed", driverErr.Message)
	})

	t.Run("write concern errors are extracted into a WriteCommandError", func(t *testing.T) {
		t.Parallel()

		wce := bsoncore.NewDocumentBuilder().
			AppendInt32("code", 91).
			AppendString("codeName", "ShutdownInProgress").
			AppendString("errmsg", "shutdown in progress").
			Build()
		doc := bsoncore.NewDocumentBuilder().
			AppendInt32("ok", 1).
			AppendDocument("writeConcernError", wce).
			Build()

		err := ExtractErrorFromServerResponse(context.Background(), doc)
		require.Error(t, err)

		var cmdErr WriteCommandError
		require.ErrorAs(t, err, &cmdErr)
		require.NotNil(t, cmdErr.WriteConcernError)
		assert.Equal(t, int64(91), cmdErr.WriteConcernError.Code)
		assert.Equal(t, "ShutdownInProgress", cmdErr.WriteConcernError.Name)
	})

	t.Run("maxTimeMS expiration under a deadline becomes a context error", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		doc := bsoncore.NewDocumentBuilder().
			AppendInt32("ok", 0).
			AppendInt32("code", 50).
			AppendString("errmsg", "operation exceeded time limit").
			Build()

		err := ExtractErrorFromServerResponse(ctx, doc)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
