// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"fmt"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/bytev/docdriver/address"
	"github.com/bytev/docdriver/internal/logger"
)

// Connection pool state constants.
const (
	poolPaused int = iota
	poolReady
	poolClosed
)

// ErrPoolClosed is returned when attempting to check out a connection from a closed pool.
var ErrPoolClosed = PoolError("attempted to check out a connection from closed connection pool")

// ErrConnectionClosed is returned when using a connection that has already
// been closed.
var ErrConnectionClosed = ConnectionError{ConnectionID: "<closed>", message: "connection is closed"}

// PoolError is a string error raised by pool operations.
type PoolError string

func (pe PoolError) Error() string { return string(pe) }

// poolClearedError is an error returned when the connection pool is cleared or currently paused. It
// is a retryable error.
type poolClearedError struct {
	err     error
	address address.Address
}

func (pce poolClearedError) Error() string {
	return fmt.Sprintf(
		"connection pool for %v was cleared because another operation failed with: %v",
		pce.address,
		pce.err)
}

// Retryable returns true. All poolClearedErrors are retryable.
func (poolClearedError) Retryable() bool { return true }

// Assert that poolClearedError is a driver.RetryablePoolError.
var _ RetryablePoolError = poolClearedError{}

// RetryablePoolError is an error returned from a pool that can be retried.
type RetryablePoolError interface {
	Retryable() bool
	error
}

// poolConfig contains all aspects of the pool that can be configured.
type poolConfig struct {
	Address          address.Address
	MinPoolSize      uint64
	MaxPoolSize      uint64
	MaxConnecting    uint64
	MaxIdleTime      time.Duration
	MaintainInterval time.Duration
	LoadBalanced     bool
	Logger           *logger.Logger

	// handshakeErrFn is a callback invoked when a connection handshake fails. It receives the
	// error, the generation of the failed connection, and the service ID (if any) so that the
	// owning server can clear the pool and update its description.
	handshakeErrFn func(error, uint64, *primitive.ObjectID)
}

type pool struct {
	// Accessed atomically; kept first in the struct for alignment.
	nextID                       int64
	pinnedCursorConnections      uint64
	pinnedTransactionConnections uint64

	address       address.Address
	minSize       uint64
	maxSize       uint64
	maxConnecting uint64
	loadBalanced  bool
	idleTimeout   time.Duration

	logger         *logger.Logger
	handshakeErrFn func(error, uint64, *primitive.ObjectID)

	connOpts   []ConnectionOption
	generation *poolGenerationMap

	// stateMu guards state and lastClearErr.
	stateMu      sync.RWMutex
	state        int
	lastClearErr error

	// checkOutSem bounds the number of in-progress checkouts to maxPoolSize. It is acquired for
	// the lifetime of a checked-out connection and released when the connection is checked back in
	// or expired. Waiters are served in FIFO order.
	checkOutSem *semaphore.Weighted

	// connectingSem bounds the number of connections that can be established concurrently.
	connectingSem *semaphore.Weighted

	// createConnectionsMu guards conns.
	createConnectionsMu sync.Mutex
	conns               map[int64]*connection

	// idleMu guards idleConns.
	idleMu    sync.Mutex
	idleConns []*connection

	backgroundDone      *sync.WaitGroup
	cancelBackgroundCtx context.CancelFunc

	// closed is closed by close() so checkouts waiting in the queue fail
	// immediately instead of waiting out their contexts.
	closed chan struct{}
}

// newPool creates a new pool. It will use the provided options when creating connections.
func newPool(config poolConfig, connOpts ...ConnectionOption) *pool {
	if config.MaxIdleTime != 0 {
		connOpts = append(connOpts, WithIdleTimeout(func(time.Duration) time.Duration { return config.MaxIdleTime }))
	}

	var maxConnecting uint64 = 2
	if config.MaxConnecting > 0 {
		maxConnecting = config.MaxConnecting
	}

	maxSemSize := int64(math.MaxInt64)
	if config.MaxPoolSize > 0 && config.MaxPoolSize < math.MaxInt64 {
		maxSemSize = int64(config.MaxPoolSize)
	}

	maintainInterval := config.MaintainInterval
	if maintainInterval == 0 {
		maintainInterval = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	pool := &pool{
		address:             config.Address,
		minSize:             config.MinPoolSize,
		maxSize:             config.MaxPoolSize,
		maxConnecting:       maxConnecting,
		loadBalanced:        config.LoadBalanced,
		idleTimeout:         config.MaxIdleTime,
		logger:              config.Logger,
		handshakeErrFn:      config.handshakeErrFn,
		connOpts:            connOpts,
		generation:          newPoolGenerationMap(),
		state:               poolPaused,
		checkOutSem:         semaphore.NewWeighted(maxSemSize),
		connectingSem:       semaphore.NewWeighted(int64(maxConnecting)),
		conns:               make(map[int64]*connection, config.MaxPoolSize),
		idleConns:           make([]*connection, 0, config.MaxPoolSize),
		backgroundDone:      &sync.WaitGroup{},
		cancelBackgroundCtx: cancel,
		closed:              make(chan struct{}),
	}
	pool.connOpts = append(pool.connOpts, withGenerationNumberFn(func(_ generationNumberFn) generationNumberFn {
		return pool.getGenerationForNewConnection
	}))

	pool.generation.connect()

	// The maintain() goroutine keeps the pool population within bounds while the pool is ready.
	pool.backgroundDone.Add(1)
	go pool.maintain(ctx, maintainInterval)

	if mustLogPoolMessage(pool) {
		keysAndValues := logger.KeyValues{
			logger.KeyMaxIdleTimeMS, config.MaxIdleTime.Milliseconds(),
			logger.KeyMinPoolSize, config.MinPoolSize,
			logger.KeyMaxPoolSize, config.MaxPoolSize,
			logger.KeyMaxConnecting, maxConnecting,
		}

		logPoolMessage(pool, logger.ConnectionPoolCreated, keysAndValues...)
	}

	return pool
}

func mustLogPoolMessage(pool *pool) bool {
	return pool.logger != nil && pool.logger.LevelComponentEnabled(
		logger.LevelDebug, logger.ComponentConnection)
}

func logPoolMessage(pool *pool, msg string, keysAndValues ...interface{}) {
	host, port, err := net.SplitHostPort(pool.address.String())
	if err != nil {
		host = pool.address.String()
		port = ""
	}

	pool.logger.Print(logger.LevelDebug,
		logger.ComponentConnection,
		msg,
		logger.SerializeConnection(logger.Connection{
			Message:    msg,
			ServerHost: host,
			ServerPort: port,
		}, keysAndValues...)...)
}

// stale checks if a given connection's generation is below the generation of the pool.
func (p *pool) stale(conn *connection) bool {
	if conn == nil {
		return true
	}

	return p.generation.stale(conn.desc.ServiceID, conn.generation)
}

// ready puts the pool into the "ready" state and starts accepting new connection checkouts.
func (p *pool) ready() error {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	switch p.state {
	case poolReady:
		return nil
	case poolClosed:
		return ErrPoolClosed
	}

	p.state = poolReady
	p.lastClearErr = nil

	if mustLogPoolMessage(p) {
		logPoolMessage(p, logger.ConnectionPoolReady)
	}

	return nil
}

// close closes the pool, closes all connections in the pool, and stops all background goroutines.
// All subsequent checkOut requests will return an error.
func (p *pool) close(ctx context.Context) {
	p.stateMu.Lock()
	if p.state == poolClosed {
		p.stateMu.Unlock()
		return
	}
	p.state = poolClosed
	p.stateMu.Unlock()

	// Fail all checkouts waiting in the queue.
	close(p.closed)

	p.cancelBackgroundCtx()
	p.backgroundDone.Wait()

	// Mark the generation map as disconnected so all connections are considered stale.
	p.generation.disconnect()

	// If there's a deadline on the context, give checked-out connections until the deadline to be
	// checked back in before force-closing everything still tracked by the pool.
	if deadline, ok := ctx.Deadline(); ok {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()

	graceful:
		for {
			if p.totalConnectionCount() == p.availableConnectionCount() {
				break graceful
			}

			select {
			case <-timer.C:
				break graceful
			case <-time.After(100 * time.Millisecond):
			}
		}
	}

	// Empty the idle connections stack.
	p.idleMu.Lock()
	p.idleConns = p.idleConns[:0]
	p.idleMu.Unlock()

	// Collect all remaining connections and close them. This includes connections that are still
	// checked out; in-progress operations on those connections will fail with a "connection
	// closed" error.
	p.createConnectionsMu.Lock()
	conns := make([]*connection, 0, len(p.conns))
	for _, conn := range p.conns {
		conns = append(conns, conn)
	}
	p.createConnectionsMu.Unlock()

	for _, conn := range conns {
		_ = p.removeConnection(conn, logger.ReasonConnClosedPoolClosed)
		_ = p.closeConnection(conn)
	}

	if mustLogPoolMessage(p) {
		logPoolMessage(p, logger.ConnectionPoolClosed)
	}
}

func (p *pool) pinConnectionToCursor() {
	atomic.AddUint64(&p.pinnedCursorConnections, 1)
}

func (p *pool) unpinConnectionFromCursor() {
	atomic.AddUint64(&p.pinnedCursorConnections, ^uint64(0))
}

func (p *pool) pinConnectionToTransaction() {
	atomic.AddUint64(&p.pinnedTransactionConnections, 1)
}

func (p *pool) unpinConnectionFromTransaction() {
	atomic.AddUint64(&p.pinnedTransactionConnections, ^uint64(0))
}

// checkOut checks out a connection from the pool. If an idle connection is not available, the
// checkOut enters a queue. It is limited to maxPoolSize concurrent holders and returns an error if
// the given context expires before a connection becomes available.
func (p *pool) checkOut(ctx context.Context) (conn *connection, err error) {
	if mustLogPoolMessage(p) {
		logPoolMessage(p, logger.ConnectionCheckoutStarted)
	}

	start := time.Now()

	// Check the pool state while holding a stateMu read lock. Returning an error when the pool is
	// paused, instead of blocking, allows the operation layer to retry against a different or
	// recovered server.
	p.stateMu.RLock()
	switch p.state {
	case poolClosed:
		p.stateMu.RUnlock()

		if mustLogPoolMessage(p) {
			keysAndValues := logger.KeyValues{
				logger.KeyReason, logger.ReasonConnCheckoutFailedPoolClosed,
			}

			logPoolMessage(p, logger.ConnectionCheckoutFailed, keysAndValues...)
		}
		return nil, ErrPoolClosed
	case poolPaused:
		err := poolClearedError{err: p.lastClearErr, address: p.address}
		p.stateMu.RUnlock()

		if mustLogPoolMessage(p) {
			keysAndValues := logger.KeyValues{
				logger.KeyReason, logger.ReasonConnCheckoutFailedError,
				logger.KeyError, err.Error(),
			}

			logPoolMessage(p, logger.ConnectionCheckoutFailed, keysAndValues...)
		}
		return nil, err
	}
	p.stateMu.RUnlock()

	// Derive a wait context that is also canceled when the pool closes so waiters in the queue
	// fail immediately rather than waiting out their contexts.
	waitCtx, waitCancel := context.WithCancel(ctx)
	defer waitCancel()
	go func() {
		select {
		case <-p.closed:
			waitCancel()
		case <-waitCtx.Done():
		}
	}()

	// Enter the wait queue. The semaphore serves waiters in FIFO order, so checkouts complete in
	// the order they arrive.
	if err := p.checkOutSem.Acquire(waitCtx, 1); err != nil {
		if p.getState() == poolClosed {
			if mustLogPoolMessage(p) {
				keysAndValues := logger.KeyValues{
					logger.KeyReason, logger.ReasonConnCheckoutFailedPoolClosed,
				}

				logPoolMessage(p, logger.ConnectionCheckoutFailed, keysAndValues...)
			}
			return nil, ErrPoolClosed
		}

		waitQueueErr := WaitQueueTimeoutError{
			Wrapped:                  ctx.Err(),
			maxPoolSize:              p.maxSize,
			totalConnectionCount:     p.totalConnectionCount(),
			availableConnectionCount: p.availableConnectionCount(),
			waitDuration:             time.Since(start),
		}

		if mustLogPoolMessage(p) {
			keysAndValues := logger.KeyValues{
				logger.KeyReason, logger.ReasonConnCheckoutFailedTimout,
			}

			logPoolMessage(p, logger.ConnectionCheckoutFailed, keysAndValues...)
		}
		return nil, waitQueueErr
	}
	// Release the wait queue slot on any failure below. On success the slot is held until the
	// connection is checked back in.
	defer func() {
		if err != nil {
			p.checkOutSem.Release(1)
		}
	}()

	for {
		// Re-check state: the pool may have been cleared or closed while waiting in the queue.
		p.stateMu.RLock()
		state := p.state
		lastClearErr := p.lastClearErr
		p.stateMu.RUnlock()

		switch state {
		case poolClosed:
			return nil, ErrPoolClosed
		case poolPaused:
			return nil, poolClearedError{err: lastClearErr, address: p.address}
		}

		if conn := p.popIdleConn(); conn != nil {
			if reason, perished := connectionPerished(conn); perished {
				_ = p.removeConnection(conn, reason)
				_ = p.closeConnection(conn)
				continue
			}

			if mustLogPoolMessage(p) {
				keysAndValues := logger.KeyValues{
					logger.KeyDriverConnectionID, conn.driverConnectionID,
				}

				logPoolMessage(p, logger.ConnectionCheckedOut, keysAndValues...)
			}
			return conn, nil
		}

		// No idle connection is available, so establish a new one. Connection establishment is
		// bounded by maxConnecting to avoid overwhelming a recovering server with simultaneous
		// handshakes.
		if err := p.connectingSem.Acquire(waitCtx, 1); err != nil {
			if p.getState() == poolClosed {
				return nil, ErrPoolClosed
			}
			return nil, WaitQueueTimeoutError{
				Wrapped:                  ctx.Err(),
				maxPoolSize:              p.maxSize,
				totalConnectionCount:     p.totalConnectionCount(),
				availableConnectionCount: p.availableConnectionCount(),
				waitDuration:             time.Since(start),
			}
		}

		conn, err := p.createConnection()
		if err != nil {
			p.connectingSem.Release(1)
			return nil, err
		}

		connErr := conn.connect(ctx)
		p.connectingSem.Release(1)
		if connErr != nil {
			_ = p.removeConnection(conn, logger.ReasonConnClosedError)
			_ = p.closeConnection(conn)

			// If there's an error during the handshake, notify the owning server so it can process
			// the error and clear the pool if necessary.
			if p.handshakeErrFn != nil {
				p.handshakeErrFn(connErr, conn.generation, conn.desc.ServiceID)
			}

			if mustLogPoolMessage(p) {
				keysAndValues := logger.KeyValues{
					logger.KeyReason, logger.ReasonConnCheckoutFailedError,
					logger.KeyError, connErr.Error(),
				}

				logPoolMessage(p, logger.ConnectionCheckoutFailed, keysAndValues...)
			}
			return nil, connErr
		}

		if mustLogPoolMessage(p) {
			keysAndValues := logger.KeyValues{
				logger.KeyDriverConnectionID, conn.driverConnectionID,
			}

			logPoolMessage(p, logger.ConnectionReady, keysAndValues...)
			logPoolMessage(p, logger.ConnectionCheckedOut, keysAndValues...)
		}
		return conn, nil
	}
}

// checkIn returns a connection to this pool. If the pool has been closed, the connection will be
// closed instead of being returned to the idle stack.
func (p *pool) checkIn(conn *connection) error {
	if conn == nil {
		return nil
	}
	if conn.pool != p {
		return ErrWrongPool
	}

	if mustLogPoolMessage(p) {
		keysAndValues := logger.KeyValues{
			logger.KeyDriverConnectionID, conn.driverConnectionID,
		}

		logPoolMessage(p, logger.ConnectionCheckedIn, keysAndValues...)
	}

	// Bump the connection idle start time here because we're about to make the connection "idle".
	conn.bumpIdleStart()

	defer p.checkOutSem.Release(1)

	if reason, perished := connectionPerished(conn); perished {
		_ = p.removeConnection(conn, reason)
		go func() {
			_ = p.closeConnection(conn)
		}()
		return nil
	}

	if conn.pool.getState() == poolClosed {
		_ = p.removeConnection(conn, logger.ReasonConnClosedPoolClosed)
		go func() {
			_ = p.closeConnection(conn)
		}()
		return nil
	}

	p.idleMu.Lock()
	p.idleConns = append(p.idleConns, conn)
	p.idleMu.Unlock()
	return nil
}

// ErrWrongPool is returned when a connection is returned to a pool it doesn't belong to.
var ErrWrongPool = PoolError("connection does not belong to this pool")

// clear marks all connections as stale by incrementing the generation number, stops all background
// goroutines from creating new connections, and sets the state to "paused". If serviceID is nil,
// clear marks all connections as stale and pauses the pool. If serviceID is not nil, clear marks
// only connections associated with the given serviceID stale (for use in load balancer mode).
func (p *pool) clear(err error, serviceID *primitive.ObjectID) {
	if p.getState() == poolClosed {
		return
	}

	p.generation.clear(serviceID)

	// If serviceID is nil (i.e. not in load balancer mode), transition the pool to a paused state
	// by stopping all background goroutines from creating new connections until the pool is
	// marked ready again.
	if serviceID == nil {
		p.stateMu.Lock()
		if p.state != poolClosed {
			p.state = poolPaused
			p.lastClearErr = err
		}
		p.stateMu.Unlock()

		// Remove all idle connections so checkouts after the pool becomes ready again establish
		// fresh connections instead of picking up stale ones.
		p.removePerishedConns()
	}

	if mustLogPoolMessage(p) {
		keysAndValues := logger.KeyValues{}
		if serviceID != nil {
			keysAndValues = append(keysAndValues, logger.KeyServiceID, serviceID.Hex())
		}
		if err != nil {
			keysAndValues = append(keysAndValues, logger.KeyError, err.Error())
		}

		logPoolMessage(p, logger.ConnectionPoolCleared, keysAndValues...)
	}
}

func (p *pool) getState() int {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()

	return p.state
}

// getGenerationForNewConnection increments the connection count for the generation of the given
// service ID and returns the generation number that new connections should use.
func (p *pool) getGenerationForNewConnection(serviceID *primitive.ObjectID) uint64 {
	return p.generation.addConnection(serviceID)
}

// totalConnectionCount returns the number of connections currently tracked by the pool, including
// in-use, idle, and connecting connections.
func (p *pool) totalConnectionCount() int {
	p.createConnectionsMu.Lock()
	defer p.createConnectionsMu.Unlock()

	return len(p.conns)
}

// availableConnectionCount returns the number of idle connections in the pool.
func (p *pool) availableConnectionCount() int {
	p.idleMu.Lock()
	defer p.idleMu.Unlock()

	return len(p.idleConns)
}

// createConnection creates a new connection, registers it with the pool, and logs the
// "ConnectionCreated" message. It does not connect the connection.
func (p *pool) createConnection() (*connection, error) {
	p.createConnectionsMu.Lock()
	defer p.createConnectionsMu.Unlock()

	if p.maxSize > 0 && uint64(len(p.conns)) >= p.maxSize {
		// This should never happen while the wait queue semaphore is bounded by maxPoolSize.
		return nil, PoolError("attempted to create a new connection but the pool is at capacity")
	}

	conn := newConnection(p.address, p.connOpts...)
	conn.pool = p
	conn.driverConnectionID = atomic.AddInt64(&p.nextID, 1)
	p.conns[conn.driverConnectionID] = conn

	if mustLogPoolMessage(p) {
		keysAndValues := logger.KeyValues{
			logger.KeyDriverConnectionID, conn.driverConnectionID,
		}

		logPoolMessage(p, logger.ConnectionCreated, keysAndValues...)
	}

	return conn, nil
}

// removeConnection removes a connection from the pool's bookkeeping and decrements the generation
// connection count. It does not close the connection.
func (p *pool) removeConnection(conn *connection, reason string) error {
	if conn == nil {
		return nil
	}
	if conn.pool != p {
		return ErrWrongPool
	}

	p.createConnectionsMu.Lock()
	_, ok := p.conns[conn.driverConnectionID]
	if !ok {
		// If the connection has already been removed from the pool, exit without doing any
		// additional state changes.
		p.createConnectionsMu.Unlock()
		return nil
	}
	delete(p.conns, conn.driverConnectionID)
	p.createConnectionsMu.Unlock()

	// Only update the generation numbers map if the connection has retrieved its generation number.
	if conn.hasGenerationNumber() {
		p.generation.removeConnection(conn.desc.ServiceID)
	}

	if mustLogPoolMessage(p) {
		keysAndValues := logger.KeyValues{
			logger.KeyDriverConnectionID, conn.driverConnectionID,
			logger.KeyReason, reason,
		}

		logPoolMessage(p, logger.ConnectionClosed, keysAndValues...)
	}

	return nil
}

// closeConnection closes a connection.
func (p *pool) closeConnection(conn *connection) error {
	if conn.pool != p {
		return ErrWrongPool
	}

	if atomic.LoadInt64(&conn.state) == connConnected {
		conn.closeConnectContext()
		conn.wait() // Make sure that the connection has finished connecting.
	}

	err := conn.close()
	if err != nil {
		return ConnectionError{ConnectionID: conn.id, Wrapped: err, message: "failed to close net.Conn"}
	}

	return nil
}

// popIdleConn returns the most recently used idle connection, or nil if no idle connections are
// available.
func (p *pool) popIdleConn() *connection {
	p.idleMu.Lock()
	defer p.idleMu.Unlock()

	if len(p.idleConns) == 0 {
		return nil
	}

	conn := p.idleConns[len(p.idleConns)-1]
	p.idleConns[len(p.idleConns)-1] = nil
	p.idleConns = p.idleConns[:len(p.idleConns)-1]
	return conn
}

// connectionPerished checks if a given connection is perished and should be removed from the pool.
func connectionPerished(conn *connection) (string, bool) {
	switch {
	case conn.closed() || !conn.isAlive():
		// A connection would only be closed if it encountered a network error during an operation
		// and closed itself.
		return logger.ReasonConnClosedError, true
	case conn.idleTimeoutExpired():
		return logger.ReasonConnClosedIdle, true
	case conn.pool.stale(conn):
		return logger.ReasonConnClosedStale, true
	}

	return "", false
}

// removePerishedConns removes perished connections from the idle connections stack.
func (p *pool) removePerishedConns() {
	p.idleMu.Lock()
	defer p.idleMu.Unlock()

	for i := range p.idleConns {
		conn := p.idleConns[i]
		if conn == nil {
			continue
		}

		if reason, perished := connectionPerished(conn); perished {
			p.idleConns[i] = nil

			_ = p.removeConnection(conn, reason)
			go func() {
				_ = p.closeConnection(conn)
			}()
		}
	}

	p.idleConns = compact(p.idleConns)
}

// compact removes any nil pointers from the slice and keeps the non-nil pointers, retaining the
// order of the non-nil pointers.
func compact(arr []*connection) []*connection {
	offset := 0
	for i := range arr {
		if arr[i] == nil {
			continue
		}
		arr[offset] = arr[i]
		offset++
	}
	return arr[:offset]
}

// maintain runs a loop that removes perished connections and creates new connections to maintain
// the minimum pool size until ctx is cancelled.
func (p *pool) maintain(ctx context.Context, interval time.Duration) {
	defer p.backgroundDone.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}

		if p.getState() != poolReady {
			continue
		}

		p.removePerishedConns()
		p.ensureMinPoolSize(ctx)
	}
}

// ensureMinPoolSize creates and connects new connections until the total number of connections in
// the pool reaches minPoolSize. Establishment is bounded by maxConnecting like any other
// connection creation.
func (p *pool) ensureMinPoolSize(ctx context.Context) {
	for p.minSize > 0 && uint64(p.totalConnectionCount()) < p.minSize {
		if p.getState() != poolReady {
			return
		}

		if err := p.connectingSem.Acquire(ctx, 1); err != nil {
			return
		}

		conn, err := p.createConnection()
		if err != nil {
			p.connectingSem.Release(1)
			return
		}

		err = conn.connect(ctx)
		p.connectingSem.Release(1)
		if err != nil {
			_ = p.removeConnection(conn, logger.ReasonConnClosedError)
			_ = p.closeConnection(conn)

			if p.handshakeErrFn != nil {
				p.handshakeErrFn(err, conn.generation, conn.desc.ServiceID)
			}
			return
		}

		if mustLogPoolMessage(p) {
			keysAndValues := logger.KeyValues{
				logger.KeyDriverConnectionID, conn.driverConnectionID,
			}

			logPoolMessage(p, logger.ConnectionReady, keysAndValues...)
		}

		p.idleMu.Lock()
		p.idleConns = append(p.idleConns, conn)
		p.idleMu.Unlock()
	}
}
