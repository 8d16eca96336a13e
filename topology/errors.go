// Copyright (C) MongoDB, Inc. 2022-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"fmt"
	"time"

	"github.com/bytev/docdriver/description"
)

// ConnectionError wraps an error raised while dialing, handshaking, or using
// a connection.
type ConnectionError struct {
	ConnectionID string
	Wrapped      error

	// init marks errors from connection establishment (dial or handshake).
	init    bool
	message string
}

// Error implements the error interface.
func (e ConnectionError) Error() string {
	message := e.message
	if e.init {
		fullMsg := "error occurred during connection handshake"
		if message != "" {
			fullMsg = fmt.Sprintf("%s: %s", fullMsg, message)
		}
		message = fullMsg
	}

	switch {
	case e.Wrapped != nil && message != "":
		return fmt.Sprintf("connection(%s) %s: %s", e.ConnectionID, message, e.Wrapped.Error())
	case e.Wrapped != nil:
		return fmt.Sprintf("connection(%s) %s", e.ConnectionID, e.Wrapped.Error())
	default:
		return fmt.Sprintf("connection(%s) %s", e.ConnectionID, message)
	}
}

// Unwrap returns the underlying error.
func (e ConnectionError) Unwrap() error {
	return e.Wrapped
}

// ServerSelectionError is returned when selection fails or times out. It
// carries the topology description at the time of failure so the message can
// say what the client knew about the deployment.
type ServerSelectionError struct {
	Desc    description.Topology
	Wrapped error
}

// Error implements the error interface.
func (e ServerSelectionError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("server selection error: %s, current topology: { %s }", e.Wrapped.Error(), e.Desc.String())
	}
	return fmt.Sprintf("server selection error: current topology: { %s }", e.Desc.String())
}

// Unwrap returns the underlying error.
func (e ServerSelectionError) Unwrap() error {
	return e.Wrapped
}

// WaitQueueTimeoutError is returned when a checkout waiter gives up before a
// connection becomes available. The pool counters are captured at failure
// time for the message.
type WaitQueueTimeoutError struct {
	Wrapped                  error
	maxPoolSize              uint64
	totalConnectionCount     int
	availableConnectionCount int
	waitDuration             time.Duration
}

// Error implements the error interface.
func (w WaitQueueTimeoutError) Error() string {
	errorMsg := "timed out while checking out a connection from connection pool"
	switch w.Wrapped {
	case nil:
	case context.Canceled:
		errorMsg = fmt.Sprintf(
			"%s: %s",
			"canceled while checking out a connection from connection pool",
			w.Wrapped.Error(),
		)
	default:
		errorMsg = fmt.Sprintf(
			"%s: %s",
			errorMsg,
			w.Wrapped.Error(),
		)
	}

	return fmt.Sprintf(
		"%s; maxPoolSize: %d, connections in use by other operations: %d, idle connections: %d, wait duration: %s",
		errorMsg,
		w.maxPoolSize,
		w.totalConnectionCount-w.availableConnectionCount,
		w.availableConnectionCount,
		w.waitDuration.String(),
	)
}

// Unwrap returns the underlying error.
func (w WaitQueueTimeoutError) Unwrap() error {
	return w.Wrapped
}
