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

// Aggregate runs the aggregate command.
type Aggregate struct {
	// AllowDiskUse lets stages spill to temporary files under
	// dbPath/_tmp.
	AllowDiskUse *bool

	// BatchSize caps the number of documents per cursor batch.
	BatchSize *int32

	// Collation applies to string comparisons in the pipeline.
	Collation bsoncore.Document

	// Comment tags the operation in the profiler, currentOp, and logs.
	Comment *string

	// Hint names the index to use.
	Hint bsoncore.Value

	// MaxTime bounds server-side execution time.
	MaxTime *time.Duration

	// Pipeline is the array of aggregation stages.
	Pipeline bsoncore.Document

	// Session correlates the command with an lsid.
	Session *session.Client

	// Clock is the cluster clock to gossip cluster time with.
	Clock *session.ClusterClock

	// Collection to aggregate over; empty means a database-level aggregate.
	Collection string

	// Database names the database to run the command against.
	Database string

	// Deployment supplies the servers the command may run on.
	Deployment driver.Deployment

	// ReadConcern applies to the pipeline's reads.
	ReadConcern bsoncore.Document

	// ReadPreference applies when the pipeline has no output stage.
	ReadPreference *readpref.ReadPref

	// Retry controls retryable reads; the executor acts on it.
	Retry *driver.RetryMode

	// Selector picks the server to run the command on.
	Selector description.ServerSelector

	// WriteConcern applies when the pipeline has an output stage.
	WriteConcern *driver.WriteConcern

	// ServerAPI declares the stable API version, if any.
	ServerAPI *driver.ServerAPIOptions

	// Let holds variables usable in the pipeline.
	Let bsoncore.Document

	// HasOutputStage records whether the pipeline ends in $out or $merge,
	// which restricts where the read preference may send it.
	HasOutputStage bool

	// Timeout is the client-level operation timeout.
	Timeout *time.Duration

	// Logger receives command log messages.
	Logger *logger.Logger

	result bsoncore.Document
}

// Result returns the server's response document.
func (a *Aggregate) Result() bsoncore.Document { return a.result }

// FirstBatch returns the firstBatch array from the server's cursor response.
func (a *Aggregate) FirstBatch() (bsoncore.Array, error) {
	cursor, err := a.result.LookupErr("cursor")
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

func (a *Aggregate) processResponse(info driver.ResponseInfo) error {
	a.result = info.ServerResponse
	return nil
}

// Execute runs the aggregate command.
func (a *Aggregate) Execute(ctx context.Context) error {
	if a.Deployment == nil {
		return errors.New("the Aggregate operation must have a Deployment set before Execute can be called")
	}

	return driver.Operation{
		CommandFn:         a.command,
		ProcessResponseFn: a.processResponse,

		Client:            a.Session,
		Clock:             a.Clock,
		Database:          a.Database,
		Deployment:        a.Deployment,
		ReadConcern:       a.ReadConcern,
		ReadPreference:    a.ReadPreference,
		Type:              driver.Read,
		RetryMode:         a.Retry,
		Selector:          a.Selector,
		WriteConcern:      a.WriteConcern,
		ServerAPI:         a.ServerAPI,
		IsOutputAggregate: a.HasOutputStage,
		MaxTime:           a.MaxTime,
		Timeout:           a.Timeout,
		Logger:            a.Logger,
		Name:              driverutil.AggregateOp,
	}.Execute(ctx)

}

func (a *Aggregate) command(dst []byte, desc description.SelectedServer) ([]byte, error) {
	header := bsoncore.Value{Type: bsontype.String, Data: bsoncore.AppendString(nil, a.Collection)}
	if a.Collection == "" {
		header = bsoncore.Value{Type: bsontype.Int32, Data: []byte{0x01, 0x00, 0x00, 0x00}}
	}
	dst = bsoncore.AppendValueElement(dst, "aggregate", header)

	cursorIdx, cursorDoc := bsoncore.AppendDocumentStart(nil)
	if a.AllowDiskUse != nil {
		dst = bsoncore.AppendBooleanElement(dst, "allowDiskUse", *a.AllowDiskUse)
	}
	if a.BatchSize != nil {
		cursorDoc = bsoncore.AppendInt32Element(cursorDoc, "batchSize", *a.BatchSize)
	}
	if a.Collation != nil {
		dst = bsoncore.AppendDocumentElement(dst, "collation", a.Collation)
	}
	if a.Comment != nil {
		dst = bsoncore.AppendStringElement(dst, "comment", *a.Comment)
	}
	if a.Hint.Type != bsontype.Type(0) {
		dst = bsoncore.AppendValueElement(dst, "hint", a.Hint)
	}
	if a.Pipeline != nil {
		dst = bsoncore.AppendArrayElement(dst, "pipeline", a.Pipeline)
	}
	if a.Let != nil {
		dst = bsoncore.AppendDocumentElement(dst, "let", a.Let)
	}
	cursorDoc, _ = bsoncore.AppendDocumentEnd(cursorDoc, cursorIdx)
	dst = bsoncore.AppendDocumentElement(dst, "cursor", cursorDoc)

	return dst, nil
}
