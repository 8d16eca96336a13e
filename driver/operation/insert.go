// Copyright (C) MongoDB, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/bytev/docdriver/description"
	"github.com/bytev/docdriver/driver"
	"github.com/bytev/docdriver/driver/session"
	"github.com/bytev/docdriver/internal/driverutil"
	"github.com/bytev/docdriver/internal/logger"
)

// Insert runs the insert command, splitting the documents into batches as
// needed.
type Insert struct {
	// Comment tags the operation for tracing.
	Comment bsoncore.Value

	// Documents are the documents to insert.
	Documents []bsoncore.Document

	// Ordered stops the operation at the first failing document instead of
	// continuing with the rest.
	Ordered *bool

	// Session correlates the command with an lsid.
	Session *session.Client

	// Clock is the cluster clock to gossip cluster time with.
	Clock *session.ClusterClock

	// Collection to insert into.
	Collection string

	// Database names the database to run the command against.
	Database string

	// Deployment supplies the servers the command may run on.
	Deployment driver.Deployment

	// Selector picks the server to run the command on.
	Selector description.ServerSelector

	// WriteConcern applies to the insert.
	WriteConcern *driver.WriteConcern

	// Retry controls retryable writes; the executor acts on it.
	Retry *driver.RetryMode

	// ServerAPI declares the stable API version, if any.
	ServerAPI *driver.ServerAPIOptions

	// Timeout is the client-level operation timeout.
	Timeout *time.Duration

	// Logger receives command log messages.
	Logger *logger.Logger

	result InsertResult
}

// InsertResult is the accumulated server response across batches.
type InsertResult struct {
	// N counts the inserted documents.
	N int64
}

func buildInsertResult(response bsoncore.Document) (InsertResult, error) {
	elements, err := response.Elements()
	if err != nil {
		return InsertResult{}, err
	}
	ir := InsertResult{}
	for _, element := range elements {
		if element.Key() == "n" {
			var ok bool
			ir.N, ok = element.Value().AsInt64OK()
			if !ok {
				return ir, fmt.Errorf("response field 'n' is type int32 or int64, but received BSON type %s", element.Value().Type)
			}
		}
	}
	return ir, nil
}

// Result returns the accumulated insert counts.
func (i *Insert) Result() InsertResult { return i.result }

func (i *Insert) processResponse(info driver.ResponseInfo) error {
	ir, err := buildInsertResult(info.ServerResponse)
	i.result.N += ir.N
	return err
}

// Execute runs the insert command.
func (i *Insert) Execute(ctx context.Context) error {
	if i.Deployment == nil {
		return errors.New("the Insert operation must have a Deployment set before Execute can be called")
	}
	batches := &driver.Batches{
		Identifier: "documents",
		Documents:  i.Documents,
		Ordered:    i.Ordered,
	}

	return driver.Operation{
		CommandFn:         i.command,
		ProcessResponseFn: i.processResponse,
		Batches:           batches,
		RetryMode:         i.Retry,
		Type:              driver.Write,
		Client:            i.Session,
		Clock:             i.Clock,
		Database:          i.Database,
		Deployment:        i.Deployment,
		Selector:          i.Selector,
		WriteConcern:      i.WriteConcern,
		ServerAPI:         i.ServerAPI,
		Timeout:           i.Timeout,
		Logger:            i.Logger,
		Name:              driverutil.InsertOp,
	}.Execute(ctx)
}

func (i *Insert) command(dst []byte, _ description.SelectedServer) ([]byte, error) {
	dst = bsoncore.AppendStringElement(dst, "insert", i.Collection)
	if i.Comment.Type != bsontype.Type(0) {
		dst = bsoncore.AppendValueElement(dst, "comment", i.Comment)
	}
	if i.Ordered != nil {
		dst = bsoncore.AppendBooleanElement(dst, "ordered", *i.Ordered)
	}
	return dst, nil
}
