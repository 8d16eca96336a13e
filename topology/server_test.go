// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"io"
	"sync/atomic"
	"testing"

	"github.com/bytev/docdriver/address"
	"github.com/bytev/docdriver/description"
	"github.com/bytev/docdriver/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// processErrorTestConn is a driver.Connection implementation used to test the
// SDAM error handling in Server.ProcessError.
type processErrorTestConn struct {
	// Embed a driver.Connection so unimplemented methods panic if they're
	// called unexpectedly.
	driver.Connection

	desc  description.Server
	stale bool
}

func (c *processErrorTestConn) Stale() bool {
	return c.stale
}

func (c *processErrorTestConn) Description() description.Server {
	return c.desc
}

// timeoutNetErr implements net.Error and always reports a timeout.
type timeoutNetErr struct{}

func (timeoutNetErr) Error() string   { return "i/o timeout" }
func (timeoutNetErr) Timeout() bool   { return true }
func (timeoutNetErr) Temporary() bool { return true }

func newProcessErrorTestServer(t *testing.T) *Server {
	t.Helper()

	s := NewServer(address.Address("localhost:27017"), primitive.NewObjectID())
	t.Cleanup(func() { s.pool.close(context.Background()) })

	return s
}

func modernWireVersionConn() *processErrorTestConn {
	wireRange := description.NewVersionRange(6, 21)
	return &processErrorTestConn{
		desc: description.Server{WireVersion: &wireRange},
	}
}

func TestServerProcessError(t *testing.T) {
	t.Parallel()

	t.Run("nil error is a no-op", func(t *testing.T) {
		t.Parallel()

		s := newProcessErrorTestServer(t)
		result := s.ProcessError(nil, modernWireVersionConn())
		assert.Equal(t, driver.NoChange, result)
	})

	t.Run("errors from stale connections are ignored", func(t *testing.T) {
		t.Parallel()

		s := newProcessErrorTestServer(t)
		conn := modernWireVersionConn()
		conn.stale = true

		result := s.ProcessError(driver.Error{Code: 10107}, conn)
		assert.Equal(t, driver.NoChange, result)
	})

	t.Run("not primary error marks the server unknown", func(t *testing.T) {
		t.Parallel()

		s := newProcessErrorTestServer(t)
		err := driver.Error{Code: 10107, Message: "not primary"}

		result := s.ProcessError(err, modernWireVersionConn())
		assert.Equal(t, driver.ServerMarkedUnknown, result)

		desc := s.Description()
		assert.EqualValues(t, description.Unknown, desc.Kind)
		assert.Error(t, desc.LastError)
	})

	t.Run("shutdown error clears the pool", func(t *testing.T) {
		t.Parallel()

		s := newProcessErrorTestServer(t)
		require.NoError(t, s.pool.ready())

		err := driver.Error{Code: 11600, Message: "interrupted at shutdown"}

		result := s.ProcessError(err, modernWireVersionConn())
		assert.Equal(t, driver.ConnectionPoolCleared, result)
		assert.Equal(t, poolPaused, s.pool.getState())
	})

	t.Run("not primary on a pre-4.2 server clears the pool", func(t *testing.T) {
		t.Parallel()

		s := newProcessErrorTestServer(t)
		require.NoError(t, s.pool.ready())

		wireRange := description.NewVersionRange(6, 7)
		conn := &processErrorTestConn{desc: description.Server{WireVersion: &wireRange}}

		result := s.ProcessError(driver.Error{Code: 10107}, conn)
		assert.Equal(t, driver.ConnectionPoolCleared, result)
	})

	t.Run("stale topology version is ignored", func(t *testing.T) {
		t.Parallel()

		s := newProcessErrorTestServer(t)

		processID := primitive.NewObjectID()
		s.desc.Store(description.Server{
			Addr:            s.address,
			TopologyVersion: &description.TopologyVersion{ProcessID: processID, Counter: 2},
		})

		err := driver.Error{
			Code:            10107,
			TopologyVersion: &description.TopologyVersion{ProcessID: processID, Counter: 1},
		}

		result := s.ProcessError(err, modernWireVersionConn())
		assert.Equal(t, driver.NoChange, result)
	})

	t.Run("write concern error marks the server unknown", func(t *testing.T) {
		t.Parallel()

		s := newProcessErrorTestServer(t)

		err := driver.WriteCommandError{
			WriteConcernError: &driver.WriteConcernError{Code: 10107, Message: "not primary"},
		}

		result := s.ProcessError(err, modernWireVersionConn())
		assert.Equal(t, driver.ServerMarkedUnknown, result)
	})

	t.Run("network error clears the pool", func(t *testing.T) {
		t.Parallel()

		s := newProcessErrorTestServer(t)
		require.NoError(t, s.pool.ready())

		err := ConnectionError{ConnectionID: "1", Wrapped: io.EOF}

		result := s.ProcessError(err, modernWireVersionConn())
		assert.Equal(t, driver.ConnectionPoolCleared, result)

		desc := s.Description()
		assert.EqualValues(t, description.Unknown, desc.Kind)
	})

	t.Run("network timeout does not change state", func(t *testing.T) {
		t.Parallel()

		s := newProcessErrorTestServer(t)

		err := ConnectionError{ConnectionID: "1", Wrapped: timeoutNetErr{}}

		result := s.ProcessError(err, modernWireVersionConn())
		assert.Equal(t, driver.NoChange, result)
	})

	t.Run("context cancellation does not change state", func(t *testing.T) {
		t.Parallel()

		s := newProcessErrorTestServer(t)

		err := ConnectionError{ConnectionID: "1", Wrapped: context.Canceled}

		result := s.ProcessError(err, modernWireVersionConn())
		assert.Equal(t, driver.NoChange, result)
	})

	t.Run("non-state-change errors are ignored", func(t *testing.T) {
		t.Parallel()

		s := newProcessErrorTestServer(t)

		result := s.ProcessError(driver.Error{Code: 1, Message: "some other error"}, modernWireVersionConn())
		assert.Equal(t, driver.NoChange, result)
	})
}

func TestServerSubscribe(t *testing.T) {
	t.Parallel()

	t.Run("subscription receives description updates", func(t *testing.T) {
		t.Parallel()

		s := newProcessErrorTestServer(t)
		atomic.StoreInt64(&s.state, serverConnected)

		sub, err := s.Subscribe()
		require.NoError(t, err)

		// The subscription channel is seeded with the current description.
		seeded := <-sub.C
		assert.Equal(t, s.address, seeded.Addr)

		updated := description.Server{Addr: s.address, Kind: description.ServerKindStandalone}
		s.updateDescription(updated)

		got := <-sub.C
		assert.Equal(t, description.ServerKindStandalone, got.Kind)

		require.NoError(t, sub.Unsubscribe())
	})
}

func TestServerOperationCount(t *testing.T) {
	t.Parallel()

	s := newProcessErrorTestServer(t)
	assert.Equal(t, int64(0), s.OperationCount())
}
