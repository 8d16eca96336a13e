// Copyright (C) MongoDB, Inc. 2021-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"context"
	"errors"
	"os"
	"runtime"
	"strconv"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/bytev/docdriver/address"
	"github.com/bytev/docdriver/description"
	"github.com/bytev/docdriver/driver"
	"github.com/bytev/docdriver/driver/session"
	"github.com/bytev/docdriver/internal/driverutil"
	"github.com/bytev/docdriver/internal/handshake"
	"github.com/bytev/docdriver/version"
)

// Client metadata in a hello command is capped at 512 bytes; anything beyond
// that is truncated field by field.
const maxHelloCommandSize = 512

// Overhead in bytes of appending an element of each type.
const docElementSize = 7
const stringElementSize = 7
const int32ElementSize = 6

const driverName = "docdriver"

// Hello runs the hello command, both as the connection handshake and as the
// monitoring heartbeat.
type Hello struct {
	appname            string
	compressors        []string
	saslSupportedMechs string
	d                  driver.Deployment
	clock              *session.ClusterClock
	speculativeAuth    bsoncore.Document
	topologyVersion    *description.TopologyVersion
	maxAwaitTimeMS     *int64
	serverAPI          *driver.ServerAPIOptions
	loadBalanced       bool

	res bsoncore.Document
}

var _ driver.Handshaker = (*Hello)(nil)

// NewHello returns an empty Hello to be configured with the builder methods.
func NewHello() *Hello { return &Hello{} }

// AppName sets the application name reported in the client metadata.
func (h *Hello) AppName(appname string) *Hello {
	h.appname = appname
	return h
}

// ClusterClock sets the cluster clock to gossip cluster time with.
func (h *Hello) ClusterClock(clock *session.ClusterClock) *Hello {
	if h == nil {
		h = new(Hello)
	}

	h.clock = clock
	return h
}

// Compressors sets the compressors to offer the server.
func (h *Hello) Compressors(compressors []string) *Hello {
	h.compressors = compressors
	return h
}

// SASLSupportedMechs asks the server which SASL mechanisms the given user
// may authenticate with.
func (h *Hello) SASLSupportedMechs(username string) *Hello {
	h.saslSupportedMechs = username
	return h
}

// Deployment sets the deployment the hello runs against.
func (h *Hello) Deployment(d driver.Deployment) *Hello {
	h.d = d
	return h
}

// SpeculativeAuthenticate attaches the first authentication message so the
// handshake and the first auth round trip share one command.
func (h *Hello) SpeculativeAuthenticate(doc bsoncore.Document) *Hello {
	h.speculativeAuth = doc
	return h
}

// TopologyVersion sets the last known topology version, enabling the
// awaitable form of the heartbeat.
func (h *Hello) TopologyVersion(tv *description.TopologyVersion) *Hello {
	h.topologyVersion = tv
	return h
}

// MaxAwaitTimeMS bounds how long the server may hold an awaitable heartbeat
// open waiting for a topology change.
func (h *Hello) MaxAwaitTimeMS(awaitTime int64) *Hello {
	h.maxAwaitTimeMS = &awaitTime
	return h
}

// ServerAPI declares the stable API version the hello reports.
func (h *Hello) ServerAPI(serverAPI *driver.ServerAPIOptions) *Hello {
	h.serverAPI = serverAPI
	return h
}

// LoadBalanced marks the connection as going through a load balancer.
func (h *Hello) LoadBalanced(lb bool) *Hello {
	h.loadBalanced = lb
	return h
}

// Result parses the hello response into a server description.
func (h *Hello) Result(addr address.Address) description.Server {
	return description.NewServer(addr, h.res)
}

func appendStringElement(dst []byte, key, value string, maxLen int32) []byte {
	if int32(len(dst)+len(key)+len(value))+stringElementSize > maxLen {
		return dst
	}

	return bsoncore.AppendStringElement(dst, key, value)
}

func appendInt32Element(dst []byte, key string, value int32, maxLen int32) []byte {
	if int32(len(dst)+len(key))+int32ElementSize > maxLen {
		return dst
	}

	return bsoncore.AppendInt32Element(dst, key, value)
}

// appendClientAppName appends the application sub-document. Like the rest of
// the metadata builders it stays within maxLen by dropping keys that would
// push the document over, never by failing.
func (h *Hello) appendClientAppName(dst []byte, maxLen int32) ([]byte, error) {
	const key = "application"

	if int32(len(dst)+len(key))+docElementSize > maxLen {
		return dst, nil
	}

	idx, dst := bsoncore.AppendDocumentElementStart(dst, key)
	dst = appendStringElement(dst, "name", h.appname, maxLen)

	return bsoncore.AppendDocumentEnd(dst, idx)
}

// appendClientDriver appends the driver name and version sub-document.
func (*Hello) appendClientDriver(dst []byte, maxLen int32) ([]byte, error) {
	const key = "driver"

	if int32(len(dst)+len(key))+docElementSize > maxLen {
		return dst, nil
	}

	idx, dst := bsoncore.AppendDocumentElementStart(dst, key)

	dst = appendStringElement(dst, "name", driverName, maxLen)
	dst = appendStringElement(dst, "version", version.Driver, maxLen)

	return bsoncore.AppendDocumentEnd(dst, idx)
}

// appendClientEnv appends the FaaS environment sub-document, or nothing when
// no FaaS environment is detected. An env document without at least its
// "name" key would be useless, so the length check covers both up front.
func (*Hello) appendClientEnv(dst []byte, maxLen int32) ([]byte, error) {
	const key = "env"
	const nameKey = "name"

	name := driverutil.GetFaasEnvName()

	bufNeeded := int32(len(dst) + len(key) + docElementSize +
		stringElementSize + len(nameKey) + len(name))

	if bufNeeded > maxLen {
		return dst, nil
	}

	idx, dst := bsoncore.AppendDocumentElementStart(dst, key)
	dst = appendStringElement(dst, nameKey, name, maxLen)

	switch name {
	case driverutil.EnvNameAWSLambda:
		region := os.Getenv(driverutil.EnvVarAWSRegion)
		dst = appendStringElement(dst, "region", region, maxLen)

		memSize := os.Getenv(driverutil.EnvVarAWSLambdaFunctionMemorySize)
		memSizeInt, _ := strconv.Atoi(memSize)

		dst = appendInt32Element(dst, "memory_mb", int32(memSizeInt), maxLen)
	}

	return bsoncore.AppendDocumentEnd(dst, idx)
}

// appendClientOS appends the OS type and architecture sub-document.
func (*Hello) appendClientOS(dst []byte, maxLen int32) ([]byte, error) {
	const key = "os"

	if int32(len(dst)+len(key))+docElementSize > maxLen {
		return dst, nil
	}

	idx, dst := bsoncore.AppendDocumentElementStart(dst, key)

	dst = appendStringElement(dst, "type", runtime.GOOS, maxLen)
	dst = appendStringElement(dst, "architecture", runtime.GOARCH, maxLen)

	return bsoncore.AppendDocumentEnd(dst, idx)
}

// appendClient appends the full client metadata document, truncating
// sub-documents as needed to stay within maxLen.
func (h *Hello) appendClient(dst []byte, maxLen int32) ([]byte, error) {
	const key = "client"

	if int32(len(dst)+len(key))+docElementSize > maxLen {
		return dst, nil
	}

	idx, dst := bsoncore.AppendDocumentElementStart(dst, key)

	var err error
	dst, err = h.appendClientAppName(dst, maxLen)
	if err != nil {
		return dst, err
	}

	dst, err = h.appendClientDriver(dst, maxLen)
	if err != nil {
		return dst, err
	}

	faasName := driverutil.GetFaasEnvName()
	faasNameLen := int32(len(faasName))

	// Truncation priority interleaves "os" and "env": os.type beats
	// env.name, which beats everything else in both sub-documents. So when a
	// FaaS name exists, the os sub-document must leave room for an env
	// sub-document holding that name.
	osMaxLen := maxLen
	if faasNameLen > 0 {
		osMaxLen -= docElementSize + stringElementSize + int32(len("name")) + faasNameLen
	}

	dst, err = h.appendClientOS(dst, osMaxLen)
	if err != nil {
		return dst, err
	}

	dst, err = h.appendClientEnv(dst, maxLen)
	if err != nil {
		return dst, err
	}

	dst = appendStringElement(dst, "platform", runtime.Version(), maxLen)

	return bsoncore.AppendDocumentEnd(dst, idx)
}

// handshakeCommand builds the handshake form of the command: the heartbeat
// fields plus client metadata, SASL mechanism discovery, speculative auth,
// and compressor negotiation.
func (h *Hello) handshakeCommand(dst []byte, desc description.SelectedServer) ([]byte, error) {
	dst, err := h.command(dst, desc)
	if err != nil {
		return dst, err
	}

	if h.saslSupportedMechs != "" {
		dst = bsoncore.AppendStringElement(dst, "saslSupportedMechs", h.saslSupportedMechs)
	}
	if h.speculativeAuth != nil {
		dst = bsoncore.AppendDocumentElement(dst, "speculativeAuthenticate", h.speculativeAuth)
	}
	var idx int32
	idx, dst = bsoncore.AppendArrayElementStart(dst, "compression")
	for i, compressor := range h.compressors {
		dst = bsoncore.AppendStringElement(dst, strconv.Itoa(i), compressor)
	}
	dst, _ = bsoncore.AppendArrayEnd(dst, idx)

	dst, err = h.appendClient(dst, maxHelloCommandSize)
	if err != nil {
		return dst, err
	}

	return dst, nil
}

// command builds the heartbeat form of the command.
func (h *Hello) command(dst []byte, desc description.SelectedServer) ([]byte, error) {
	// "hello" requires the server to have advertised helloOk, a declared API
	// version, or a load balanced topology; otherwise fall back to the
	// legacy command name.
	if desc.Kind == description.TopologyKindLoadBalanced || h.serverAPI != nil || desc.Server.HelloOK {
		dst = bsoncore.AppendInt32Element(dst, "hello", 1)
	} else {
		dst = bsoncore.AppendInt32Element(dst, handshake.LegacyHello, 1)
	}
	dst = bsoncore.AppendBooleanElement(dst, "helloOk", true)

	if tv := h.topologyVersion; tv != nil {
		var tvIdx int32

		tvIdx, dst = bsoncore.AppendDocumentElementStart(dst, "topologyVersion")
		dst = bsoncore.AppendObjectIDElement(dst, "processId", tv.ProcessID)
		dst = bsoncore.AppendInt64Element(dst, "counter", tv.Counter)
		dst, _ = bsoncore.AppendDocumentEnd(dst, tvIdx)
	}
	if h.maxAwaitTimeMS != nil {
		dst = bsoncore.AppendInt64Element(dst, "maxAwaitTimeMS", *h.maxAwaitTimeMS)
	}
	if h.loadBalanced {
		// loadBalanced=false must never be sent explicitly.
		dst = bsoncore.AppendBooleanElement(dst, "loadBalanced", true)
	}

	return dst, nil
}

// Execute runs the hello command as a heartbeat.
func (h *Hello) Execute(ctx context.Context) error {
	if h.d == nil {
		return errors.New("a Hello must have a Deployment set before Execute can be called")
	}

	return h.createOperation().Execute(ctx)
}

// StreamResponse reads the next heartbeat response from a streaming
// connection.
func (h *Hello) StreamResponse(ctx context.Context, conn driver.StreamerConnection) error {
	return h.createOperation().ExecuteExhaust(ctx, conn)
}

func (h *Hello) createOperation() driver.Operation {
	return driver.Operation{
		Clock:      h.clock,
		CommandFn:  h.command,
		Database:   "admin",
		Deployment: h.d,
		Name:       "hello",
		ProcessResponseFn: func(info driver.ResponseInfo) error {
			h.res = info.ServerResponse
			return nil
		},
		ServerAPI: h.serverAPI,
	}
}

// GetHandshakeInformation runs the handshake on the given connection and
// extracts what the pool and authenticators need from the response. It
// implements driver.Handshaker.
func (h *Hello) GetHandshakeInformation(ctx context.Context, _ address.Address, c driver.Connection) (driver.HandshakeInformation, error) {
	err := driver.Operation{
		Clock:      h.clock,
		CommandFn:  h.handshakeCommand,
		Deployment: driver.SingleConnectionDeployment{C: c},
		Database:   "admin",
		Name:       "hello",
		ProcessResponseFn: func(info driver.ResponseInfo) error {
			h.res = info.ServerResponse
			return nil
		},
		ServerAPI: h.serverAPI,
	}.Execute(ctx)
	if err != nil {
		return driver.HandshakeInformation{}, err
	}

	info := driver.HandshakeInformation{
		Description: h.Result(c.Address()),
	}
	if speculativeAuthenticate, ok := h.res.Lookup("speculativeAuthenticate").DocumentOK(); ok {
		info.SpeculativeAuthenticate = speculativeAuthenticate
	}
	if serverConnectionID, ok := h.res.Lookup("connectionId").AsInt64OK(); ok {
		info.ServerConnectionID = &serverConnectionID
	}
	if saslSupportedMechs, ok := h.res.Lookup("saslSupportedMechs").ArrayOK(); ok {
		vals, err := saslSupportedMechs.Values()
		if err == nil {
			for _, val := range vals {
				if mech, ok := val.StringValueOK(); ok {
					info.SaslSupportedMechs = append(info.SaslSupportedMechs, mech)
				}
			}
		}
	}
	return info, nil
}

// FinishHandshake implements driver.Handshaker. Without authentication there
// is nothing to do after the initial hello.
func (h *Hello) FinishHandshake(context.Context, driver.Connection) error {
	return nil
}
