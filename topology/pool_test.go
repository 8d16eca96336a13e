// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/bytev/docdriver/address"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// testListener accepts connections on a local port and holds them open until the test finishes.
type testListener struct {
	net.Listener
	wg sync.WaitGroup
}

func newTestListener(t *testing.T) *testListener {
	t.Helper()

	nl, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err, "net.Listen error")

	l := &testListener{Listener: nl}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		var conns []net.Conn
		defer func() {
			for _, c := range conns {
				_ = c.Close()
			}
		}()

		for {
			c, err := nl.Accept()
			if err != nil {
				return
			}
			conns = append(conns, c)
		}
	}()

	t.Cleanup(func() {
		_ = nl.Close()
		l.wg.Wait()
	})

	return l
}

func (l *testListener) addr() address.Address {
	return address.Address(l.Listener.Addr().String())
}

func TestPoolDefaults(t *testing.T) {
	t.Parallel()

	p := newPool(poolConfig{})
	defer p.close(context.Background())

	assert.Equal(t, uint64(2), p.maxConnecting)
	assert.Equal(t, poolPaused, p.getState())
}

func TestPoolCheckOutStates(t *testing.T) {
	t.Parallel()

	t.Run("checkOut from a paused pool returns a retryable error", func(t *testing.T) {
		t.Parallel()

		p := newPool(poolConfig{Address: address.Address("localhost:27017")})
		defer p.close(context.Background())

		_, err := p.checkOut(context.Background())
		require.Error(t, err)

		var pcErr poolClearedError
		require.True(t, errors.As(err, &pcErr), "expected a poolClearedError, got %v", err)
		assert.True(t, pcErr.Retryable())
	})

	t.Run("checkOut from a closed pool returns ErrPoolClosed", func(t *testing.T) {
		t.Parallel()

		p := newPool(poolConfig{Address: address.Address("localhost:27017")})
		p.close(context.Background())

		_, err := p.checkOut(context.Background())
		assert.ErrorIs(t, err, ErrPoolClosed)
	})

	t.Run("checkOut after clear returns the causing error", func(t *testing.T) {
		t.Parallel()

		p := newPool(poolConfig{Address: address.Address("localhost:27017")})
		defer p.close(context.Background())

		require.NoError(t, p.ready())

		cause := errors.New("server is down")
		p.clear(cause, nil)

		_, err := p.checkOut(context.Background())
		require.Error(t, err)
		assert.ErrorContains(t, err, cause.Error())
	})
}

func TestPoolCheckOutAndIn(t *testing.T) {
	t.Parallel()

	t.Run("checkOut dials a new connection", func(t *testing.T) {
		t.Parallel()

		l := newTestListener(t)

		p := newPool(poolConfig{Address: l.addr()})
		defer p.close(context.Background())
		require.NoError(t, p.ready())

		conn, err := p.checkOut(context.Background())
		require.NoError(t, err)
		require.NotNil(t, conn)

		assert.Equal(t, 1, p.totalConnectionCount())
		assert.Equal(t, 0, p.availableConnectionCount())

		require.NoError(t, p.checkIn(conn))
		assert.Equal(t, 1, p.availableConnectionCount())
	})

	t.Run("checkOut reuses an idle connection", func(t *testing.T) {
		t.Parallel()

		l := newTestListener(t)

		p := newPool(poolConfig{Address: l.addr()})
		defer p.close(context.Background())
		require.NoError(t, p.ready())

		conn1, err := p.checkOut(context.Background())
		require.NoError(t, err)
		require.NoError(t, p.checkIn(conn1))

		conn2, err := p.checkOut(context.Background())
		require.NoError(t, err)
		assert.Equal(t, conn1.driverConnectionID, conn2.driverConnectionID)
		assert.Equal(t, 1, p.totalConnectionCount())
	})

	t.Run("checkOut blocks at maxPoolSize until timeout", func(t *testing.T) {
		t.Parallel()

		l := newTestListener(t)

		p := newPool(poolConfig{Address: l.addr(), MaxPoolSize: 1})
		defer p.close(context.Background())
		require.NoError(t, p.ready())

		conn, err := p.checkOut(context.Background())
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err = p.checkOut(ctx)
		require.Error(t, err)

		var wqErr WaitQueueTimeoutError
		assert.True(t, errors.As(err, &wqErr), "expected a WaitQueueTimeoutError, got %v", err)

		require.NoError(t, p.checkIn(conn))
	})

	t.Run("checkIn to the wrong pool returns ErrWrongPool", func(t *testing.T) {
		t.Parallel()

		l := newTestListener(t)

		p1 := newPool(poolConfig{Address: l.addr()})
		defer p1.close(context.Background())
		require.NoError(t, p1.ready())

		p2 := newPool(poolConfig{Address: l.addr()})
		defer p2.close(context.Background())
		require.NoError(t, p2.ready())

		conn, err := p1.checkOut(context.Background())
		require.NoError(t, err)

		err = p2.checkIn(conn)
		assert.ErrorIs(t, err, ErrWrongPool)

		require.NoError(t, p1.checkIn(conn))
	})
}

func TestPoolClearInvalidatesIdleConnections(t *testing.T) {
	t.Parallel()

	l := newTestListener(t)

	p := newPool(poolConfig{Address: l.addr()})
	defer p.close(context.Background())
	require.NoError(t, p.ready())

	conn, err := p.checkOut(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.checkIn(conn))

	gen := conn.generation
	p.clear(errors.New("reset"), nil)
	require.NoError(t, p.ready())

	assert.True(t, p.stale(conn), "expected connection from generation %d to be stale", gen)

	conn2, err := p.checkOut(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, conn.driverConnectionID, conn2.driverConnectionID)
	require.NoError(t, p.checkIn(conn2))
}

func TestPoolCloseFailsWaitingCheckouts(t *testing.T) {
	t.Parallel()

	l := newTestListener(t)

	p := newPool(poolConfig{Address: l.addr(), MaxPoolSize: 1})
	require.NoError(t, p.ready())

	conn, err := p.checkOut(context.Background())
	require.NoError(t, err)

	// The pool is at capacity, so this checkout waits in the queue. It must
	// fail as soon as the pool closes, well before its own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	waiterErr := make(chan error)
	go func() {
		_, err := p.checkOut(ctx)
		waiterErr <- err
	}()

	// Give the waiter time to enter the queue before closing.
	assert.Eventually(t,
		func() bool { return p.totalConnectionCount() == 1 },
		3*time.Second,
		10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	p.close(context.Background())

	select {
	case err := <-waiterErr:
		assert.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(3 * time.Second):
		t.Fatal("expected the waiting checkout to fail when the pool closed")
	}

	_ = conn.close()
}

func TestPoolMinPoolSize(t *testing.T) {
	t.Parallel()

	l := newTestListener(t)

	p := newPool(poolConfig{
		Address:          l.addr(),
		MinPoolSize:      2,
		MaintainInterval: 10 * time.Millisecond,
	})
	defer p.close(context.Background())
	require.NoError(t, p.ready())

	assert.Eventually(t,
		func() bool { return p.totalConnectionCount() >= 2 },
		3*time.Second,
		10*time.Millisecond,
		"expected maintain() to create minPoolSize connections")
}

func TestPoolGenerationMap(t *testing.T) {
	t.Parallel()

	t.Run("tracks generations per service ID", func(t *testing.T) {
		t.Parallel()

		pgm := newPoolGenerationMap()
		pgm.connect()

		serviceIDA := primitive.NewObjectID()
		serviceIDB := primitive.NewObjectID()

		assert.Equal(t, uint64(0), pgm.addConnection(&serviceIDA))
		assert.Equal(t, uint64(0), pgm.addConnection(&serviceIDB))

		pgm.clear(&serviceIDA)

		gen, ok := pgm.getGeneration(&serviceIDA)
		require.True(t, ok)
		assert.Equal(t, uint64(1), gen)

		gen, ok = pgm.getGeneration(&serviceIDB)
		require.True(t, ok)
		assert.Equal(t, uint64(0), gen)
	})

	t.Run("stale is per service ID", func(t *testing.T) {
		t.Parallel()

		pgm := newPoolGenerationMap()
		pgm.connect()

		serviceID := primitive.NewObjectID()
		generation := pgm.addConnection(&serviceID)

		assert.False(t, pgm.stale(&serviceID, generation))

		pgm.clear(&serviceID)
		assert.True(t, pgm.stale(&serviceID, generation))
	})

	t.Run("all connections are stale after disconnect", func(t *testing.T) {
		t.Parallel()

		pgm := newPoolGenerationMap()
		pgm.connect()

		generation := pgm.addConnection(nil)
		assert.False(t, pgm.stale(nil, generation))

		pgm.disconnect()
		assert.True(t, pgm.stale(nil, generation))
	})

	t.Run("pool-wide generation survives removing the last connection", func(t *testing.T) {
		t.Parallel()

		pgm := newPoolGenerationMap()
		pgm.connect()

		generation := pgm.addConnection(nil)
		pgm.clear(nil)
		pgm.removeConnection(nil)

		assert.True(t, pgm.stale(nil, generation))
		assert.Equal(t, uint64(1), pgm.addConnection(nil))
	})

	t.Run("untracked service IDs are removed", func(t *testing.T) {
		t.Parallel()

		pgm := newPoolGenerationMap()
		pgm.connect()

		serviceID := primitive.NewObjectID()
		_ = pgm.addConnection(&serviceID)
		pgm.removeConnection(&serviceID)

		_, ok := pgm.getGeneration(&serviceID)
		assert.False(t, ok)
	})
}
