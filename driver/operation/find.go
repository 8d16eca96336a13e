// Copyright (C) MongoDB, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/bytev/docdriver/description"
	"github.com/bytev/docdriver/driver"
	"github.com/bytev/docdriver/driver/session"
	"github.com/bytev/docdriver/internal/driverutil"
	"github.com/bytev/docdriver/internal/logger"
	"github.com/bytev/docdriver/readpref"
)

// Find runs the find command.
type Find struct {
	// AllowDiskUse lets the query spill temporary data to disk.
	AllowDiskUse *bool

	// BatchSize caps the number of documents per cursor batch.
	BatchSize *int32

	// Collation applies to string comparisons in the query.
	Collation bsoncore.Document

	// Comment tags the operation for tracing.
	Comment bsoncore.Value

	// Filter selects which documents match.
	Filter bsoncore.Document

	// Hint names the index to use.
	Hint bsoncore.Value

	// Let holds variables usable in the filter; 5.0+ servers only.
	Let bsoncore.Document

	// Limit caps the total number of documents returned.
	Limit *int64

	// MaxTime bounds server-side execution time.
	MaxTime *time.Duration

	// Projection restricts the fields of returned documents.
	Projection bsoncore.Document

	// SingleBatch asks for all results in one batch with no cursor.
	SingleBatch *bool

	// Skip drops this many matching documents before returning any.
	Skip *int64

	// Sort orders the results.
	Sort bsoncore.Document

	// Session correlates the command with an lsid.
	Session *session.Client

	// Clock is the cluster clock to gossip cluster time with.
	Clock *session.ClusterClock

	// Collection to query.
	Collection string

	// Database names the database to run the command against.
	Database string

	// Deployment supplies the servers the command may run on.
	Deployment driver.Deployment

	// ReadConcern applies to the query.
	ReadConcern bsoncore.Document

	// ReadPreference steers the query toward eligible servers.
	ReadPreference *readpref.ReadPref

	// Retry controls retryable reads; the executor acts on it.
	Retry *driver.RetryMode

	// Selector picks the server to run the command on.
	Selector description.ServerSelector

	// ServerAPI declares the stable API version, if any.
	ServerAPI *driver.ServerAPIOptions

	// Timeout is the client-level operation timeout.
	Timeout *time.Duration

	// Logger receives command log messages.
	Logger *logger.Logger

	// OmitCSOTMaxTimeMS omits the automatically-calculated "maxTimeMS" from the
	// command when the operation has a client-level timeout.
	OmitCSOTMaxTimeMS bool

	result bsoncore.Document
}

// Result returns the server's response document.
func (f *Find) Result() bsoncore.Document { return f.result }

// FirstBatch returns the firstBatch array from the server's cursor response.
func (f *Find) FirstBatch() (bsoncore.Array, error) {
	cursor, err := f.result.LookupErr("cursor")
	if err != nil {
		return nil, err
	}
	cursorDoc, ok := cursor.DocumentOK()
	if !ok {
		return nil, errors.New("cursor should be a document")
	}
	batch, err := cursorDoc.LookupErr("firstBatch")
	if err != nil {
		return nil, err
	}
	arr, ok := batch.ArrayOK()
	if !ok {
		return nil, errors.New("firstBatch should be an array")
	}
	return arr, nil
}

func (f *Find) processResponse(info driver.ResponseInfo) error {
	f.result = info.ServerResponse
	return nil
}

// Execute runs the find command.
func (f *Find) Execute(ctx context.Context) error {
	if f.Deployment == nil {
		return errors.New("the Find operation must have a Deployment set before Execute can be called")
	}

	return driver.Operation{
		CommandFn:         f.command,
		ProcessResponseFn: f.processResponse,
		Client:            f.Session,
		Clock:             f.Clock,
		Database:          f.Database,
		Deployment:        f.Deployment,
		ReadConcern:       f.ReadConcern,
		ReadPreference:    f.ReadPreference,
		Type:              driver.Read,
		RetryMode:         f.Retry,
		Selector:          f.Selector,
		Legacy:            driver.LegacyFind,
		ServerAPI:         f.ServerAPI,
		MaxTime:           f.MaxTime,
		Timeout:           f.Timeout,
		Logger:            f.Logger,
		Name:              driverutil.FindOp,
		OmitCSOTMaxTimeMS: f.OmitCSOTMaxTimeMS,
	}.Execute(ctx)
}

func (f *Find) command(dst []byte, _ description.SelectedServer) ([]byte, error) {
	dst = bsoncore.AppendStringElement(dst, "find", f.Collection)
	if f.AllowDiskUse != nil {
		dst = bsoncore.AppendBooleanElement(dst, "allowDiskUse", *f.AllowDiskUse)
	}
	if f.BatchSize != nil {
		dst = bsoncore.AppendInt32Element(dst, "batchSize", *f.BatchSize)
	}
	if f.Collation != nil {
		dst = bsoncore.AppendDocumentElement(dst, "collation", f.Collation)
	}
	if f.Comment.Type != bsontype.Type(0) {
		dst = bsoncore.AppendValueElement(dst, "comment", f.Comment)
	}
	if f.Filter != nil {
		dst = bsoncore.AppendDocumentElement(dst, "filter", f.Filter)
	}
	if f.Hint.Type != bsontype.Type(0) {
		dst = bsoncore.AppendValueElement(dst, "hint", f.Hint)
	}
	if f.Let != nil {
		dst = bsoncore.AppendDocumentElement(dst, "let", f.Let)
	}
	if f.Limit != nil {
		dst = bsoncore.AppendInt64Element(dst, "limit", *f.Limit)
	}
	if f.Projection != nil {
		dst = bsoncore.AppendDocumentElement(dst, "projection", f.Projection)
	}
	if f.SingleBatch != nil {
		dst = bsoncore.AppendBooleanElement(dst, "singleBatch", *f.SingleBatch)
	}
	if f.Skip != nil {
		dst = bsoncore.AppendInt64Element(dst, "skip", *f.Skip)
	}
	if f.Sort != nil {
		dst = bsoncore.AppendDocumentElement(dst, "sort", f.Sort)
	}
	return dst, nil
}
