// Copyright (C) MongoDB, Inc. 2023-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package logger

import (
	"os"
	"strconv"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Component is an enumeration representing the "components" which can be
// configured to log at a given level.
type Component int

const (
	// ComponentAll turns on logging for every component.
	ComponentAll Component = iota

	// ComponentCommand covers command execution logging.
	ComponentCommand

	// ComponentTopology covers topology monitoring logging.
	ComponentTopology

	// ComponentServerSelection covers server selection logging.
	ComponentServerSelection

	// ComponentConnection covers connection and pool logging.
	ComponentConnection
)

const (
	logAllEnvVar             = "DOCDB_LOG_ALL"
	commandLogEnvVar         = "DOCDB_LOG_COMMAND"
	topologyLogEnvVar        = "DOCDB_LOG_TOPOLOGY"
	serverSelectionLogEnvVar = "DOCDB_LOG_SERVER_SELECTION"
	connectionLogEnvVar      = "DOCDB_LOG_CONNECTION"
)

// Command message constants.
const (
	CommandFailed    = "Command failed"
	CommandStarted   = "Command started"
	CommandSucceeded = "Command succeeded"
)

// Topology message constants.
const (
	TopologyClosed                   = "Stopped topology monitoring"
	TopologyDescriptionChanged       = "Topology description changed"
	TopologyServerDescriptionChanged = "Server description changed"
	TopologyOpening                  = "Starting topology monitoring"
	TopologyServerClosed             = "Stopped server monitoring"
	TopologyServerHeartbeatFailed    = "Server heartbeat failed"
	TopologyServerHeartbeatStarted   = "Server heartbeat started"
	TopologyServerHeartbeatSucceeded = "Server heartbeat succeeded"
	TopologyServerOpening            = "Starting server monitoring"
)

// Server selection message constants.
const (
	ServerSelectionFailed    = "Server selection failed"
	ServerSelectionStarted   = "Server selection started"
	ServerSelectionSucceeded = "Server selection succeeded"
	ServerSelectionWaiting   = "Waiting for suitable server to become available"
)

// Connection message constants.
const (
	ConnectionPoolCreated     = "Connection pool created"
	ConnectionPoolReady       = "Connection pool ready"
	ConnectionPoolCleared     = "Connection pool cleared"
	ConnectionPoolClosed      = "Connection pool closed"
	ConnectionCreated         = "Connection created"
	ConnectionReady           = "Connection ready"
	ConnectionClosed          = "Connection closed"
	ConnectionCheckoutStarted = "Connection checkout started"
	ConnectionCheckoutFailed  = "Connection checkout failed"
	ConnectionCheckedOut      = "Connection checked out"
	ConnectionCheckedIn       = "Connection checked in"
)

// KeyValues is a list of alternating keys and values for structured log
// messages.
type KeyValues []interface{}

// Add appends a key-value pair to the list.
func (kvs *KeyValues) Add(key string, value interface{}) {
	*kvs = append(*kvs, key, value)
}

// Structured log key constants.
const (
	KeyAwaited             = "awaited"
	KeyCommand             = "command"
	KeyCommandName         = "commandName"
	KeyDatabaseName        = "databaseName"
	KeyDriverConnectionID  = "driverConnectionId"
	KeyDurationMS          = "durationMS"
	KeyError               = "error"
	KeyFailure             = "failure"
	KeyMaxConnecting       = "maxConnecting"
	KeyMaxIdleTimeMS       = "maxIdleTimeMS"
	KeyMaxPoolSize         = "maxPoolSize"
	KeyMessage             = "message"
	KeyMinPoolSize         = "minPoolSize"
	KeyNewDescription      = "newDescription"
	KeyOperation           = "operation"
	KeyOperationID         = "operationId"
	KeyPreviousDescription = "previousDescription"
	KeyReason              = "reason"
	KeyRemainingTimeMS     = "remainingTimeMS"
	KeyReply               = "reply"
	KeyRequestID           = "requestId"
	KeySelector            = "selector"
	KeyServerConnectionID  = "serverConnectionId"
	KeyServerHost          = "serverHost"
	KeyServerPort          = "serverPort"
	KeyServiceID           = "serviceId"
	KeyTopologyDescription = "topologyDescription"
	KeyTopologyID          = "topologyId"
)

// Reason constants for connection checkout failure and connection close.
const (
	ReasonConnClosedStale              = "Connection became stale because the pool was cleared"
	ReasonConnClosedIdle               = "Connection has been available but unused for longer than the configured max idle time"
	ReasonConnClosedError              = "An error occurred while using the connection"
	ReasonConnClosedPoolClosed         = "Connection pool was closed"
	ReasonConnCheckoutFailedTimout     = "Wait queue timeout elapsed without a connection becoming available"
	ReasonConnCheckoutFailedError      = "An error occurred while trying to establish a new connection"
	ReasonConnCheckoutFailedPoolClosed = "Connection pool was closed"
)

// componentEnvVarMap maps the environment variables to their corresponding
// components.
var componentEnvVarMap = map[string]Component{
	commandLogEnvVar:         ComponentCommand,
	topologyLogEnvVar:        ComponentTopology,
	serverSelectionLogEnvVar: ComponentServerSelection,
	connectionLogEnvVar:      ComponentConnection,
}

// EnvHasComponentVariables returns true if the environment contains any of
// the component environment variables.
func EnvHasComponentVariables() bool {
	for envVar := range componentEnvVarMap {
		if os.Getenv(envVar) != "" {
			return true
		}
	}

	if os.Getenv(logAllEnvVar) != "" {
		return true
	}

	return false
}

// Command is a struct defining common fields that must be included in all
// commands.
type Command struct {
	DriverConnectionID int64  // Driver's ID for the connection
	Name               string // Command name
	DatabaseName       string // Database name
	Message            string // Message associated with the command
	OperationID        int32  // Driver-generated operation ID
	RequestID          int32  // Driver-generated request ID
	ServerConnectionID *int64 // Server's ID for the connection used for the command
	ServerHost         string // Hostname or IP address for the server
	ServerPort         string // Port for the server
	ServiceID          string // ID for the command's service
}

// SerializeCommand takes a command and a variadic list of key-value pairs and
// returns a slice of interface{} that can be passed to the logger for
// structured logging.
func SerializeCommand(cmd Command, extraKeysAndValues ...interface{}) []interface{} {
	// Initialize the boilerplate keys and values.
	keysAndValues := append([]interface{}{
		KeyCommandName, cmd.Name,
		KeyDatabaseName, cmd.DatabaseName,
		KeyDriverConnectionID, cmd.DriverConnectionID,
		KeyMessage, cmd.Message,
		KeyOperationID, cmd.OperationID,
		KeyRequestID, cmd.RequestID,
		KeyServerHost, cmd.ServerHost,
	}, extraKeysAndValues...)

	port, err := strconv.ParseInt(cmd.ServerPort, 10, 32)
	if err == nil {
		keysAndValues = append(keysAndValues, KeyServerPort, port)
	}

	// Add the "serverConnectionId" if it is not nil.
	if cmd.ServerConnectionID != nil {
		keysAndValues = append(keysAndValues,
			KeyServerConnectionID, *cmd.ServerConnectionID)
	}

	// Add the "serviceId" if it is not empty.
	if cmd.ServiceID != "" {
		keysAndValues = append(keysAndValues,
			KeyServiceID, cmd.ServiceID)
	}

	return keysAndValues
}

// Connection contains data that all connection log messages MUST contain.
type Connection struct {
	Message    string // Message associated with the connection
	ServerHost string // Hostname or IP address for the server
	ServerPort string // Port for the server
}

// SerializeConnection serializes a Connection message into a slice of keys
// and values that can be passed to a logger.
func SerializeConnection(conn Connection, extraKeysAndValues ...interface{}) []interface{} {
	keysAndValues := append([]interface{}{
		KeyMessage, conn.Message,
		KeyServerHost, conn.ServerHost,
	}, extraKeysAndValues...)

	port, err := strconv.ParseInt(conn.ServerPort, 10, 32)
	if err == nil {
		keysAndValues = append(keysAndValues, KeyServerPort, port)
	}

	return keysAndValues
}

// Server contains data that all server messages MAY contain.
type Server struct {
	DriverConnectionID int64  // Driver's ID for the connection
	TopologyID         primitive.ObjectID
	Message            string // Message associated with the topology
	ServerConnectionID *int64 // Server's ID for the connection
	ServerHost         string // Hostname or IP address for the server
	ServerPort         string // Port for the server
}

// SerializeServer serializes a Server message into a slice of keys and
// values that can be passed to a logger.
func SerializeServer(srv Server, extraKV ...interface{}) []interface{} {
	keysAndValues := append([]interface{}{
		KeyDriverConnectionID, srv.DriverConnectionID,
		KeyMessage, srv.Message,
		KeyServerHost, srv.ServerHost,
		KeyTopologyID, srv.TopologyID.Hex(),
	}, extraKV...)

	if connID := srv.ServerConnectionID; connID != nil {
		keysAndValues = append(keysAndValues, KeyServerConnectionID, *connID)
	}

	port, err := strconv.ParseInt(srv.ServerPort, 10, 32)
	if err == nil {
		keysAndValues = append(keysAndValues, KeyServerPort, port)
	}

	return keysAndValues
}

// ServerSelection contains data that all server selection messages MUST
// contain.
type ServerSelection struct {
	Selector            string
	OperationID         *int32
	Operation           string
	TopologyDescription string
}

// SerializeServerSelection serializes a Topology message into a slice of keys
// and values that can be passed to a logger.
func SerializeServerSelection(srvSelection ServerSelection, extraKV ...interface{}) []interface{} {
	keysAndValues := append([]interface{}{
		KeySelector, srvSelection.Selector,
		KeyOperation, srvSelection.Operation,
		KeyTopologyDescription, srvSelection.TopologyDescription,
	}, extraKV...)

	if srvSelection.OperationID != nil {
		keysAndValues = append(keysAndValues, KeyOperationID, *srvSelection.OperationID)
	}

	return keysAndValues
}

// Topology contains data that all topology messages MAY contain.
type Topology struct {
	ID      primitive.ObjectID // Driver's unique ID for this topology
	Message string             // Message associated with the topology
}

// SerializeTopology serializes a Topology message into a slice of keys and
// values that can be passed to a logger.
func SerializeTopology(topo Topology, extraKV ...interface{}) []interface{} {
	return append([]interface{}{
		KeyTopologyID, topo.ID.Hex(),
		KeyMessage, topo.Message,
	}, extraKV...)
}
