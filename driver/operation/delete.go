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

// Delete runs the delete command, splitting the statements into batches as
// needed.
type Delete struct {
	// Comment tags the operation for tracing.
	Comment bsoncore.Value

	// Deletes holds the delete statements, each shaped as
	// {q: <query>, limit: <integer limit>, collation: Optional<Document>}.
	Deletes []bsoncore.Document

	// Ordered stops the operation at the first failing statement instead of
	// continuing with the rest.
	Ordered *bool

	// Let holds variables usable in the statements; 5.0+ servers only.
	Let bsoncore.Document

	// Session correlates the command with an lsid.
	Session *session.Client

	// Clock is the cluster clock to gossip cluster time with.
	Clock *session.ClusterClock

	// Collection to delete from.
	Collection string

	// Database names the database to run the command against.
	Database string

	// Deployment supplies the servers the command may run on.
	Deployment driver.Deployment

	// Selector picks the server to run the command on.
	Selector description.ServerSelector

	// WriteConcern applies to the delete.
	WriteConcern *driver.WriteConcern

	// Retry controls retryable writes; only valid when every statement has
	// a nonzero limit.
	Retry *driver.RetryMode

	// ServerAPI declares the stable API version, if any.
	ServerAPI *driver.ServerAPIOptions

	// Timeout is the client-level operation timeout.
	Timeout *time.Duration

	// Logger receives command log messages.
	Logger *logger.Logger

	result DeleteResult
}

// DeleteResult is the accumulated server response across batches.
type DeleteResult struct {
	// N counts the deleted documents.
	N int64
}

func buildDeleteResult(response bsoncore.Document) (DeleteResult, error) {
	elements, err := response.Elements()
	if err != nil {
		return DeleteResult{}, err
	}
	dr := DeleteResult{}
	for _, element := range elements {
		if element.Key() == "n" {
			var ok bool
			dr.N, ok = element.Value().AsInt64OK()
			if !ok {
				return dr, fmt.Errorf("response field 'n' is type int32 or int64, but received BSON type %s", element.Value().Type)
			}
		}
	}
	return dr, nil
}

// Result returns the accumulated delete counts.
func (d *Delete) Result() DeleteResult { return d.result }

func (d *Delete) processResponse(info driver.ResponseInfo) error {
	dr, err := buildDeleteResult(info.ServerResponse)
	d.result.N += dr.N
	return err
}

// Execute runs the delete command.
func (d *Delete) Execute(ctx context.Context) error {
	if d.Deployment == nil {
		return errors.New("the Delete operation must have a Deployment set before Execute can be called")
	}
	batches := &driver.Batches{
		Identifier: "deletes",
		Documents:  d.Deletes,
		Ordered:    d.Ordered,
	}

	return driver.Operation{
		CommandFn:         d.command,
		ProcessResponseFn: d.processResponse,
		Batches:           batches,
		RetryMode:         d.Retry,
		Type:              driver.Write,
		Client:            d.Session,
		Clock:             d.Clock,
		Database:          d.Database,
		Deployment:        d.Deployment,
		Selector:          d.Selector,
		WriteConcern:      d.WriteConcern,
		ServerAPI:         d.ServerAPI,
		Timeout:           d.Timeout,
		Logger:            d.Logger,
		Name:              driverutil.DeleteOp,
	}.Execute(ctx)
}

func (d *Delete) command(dst []byte, _ description.SelectedServer) ([]byte, error) {
	dst = bsoncore.AppendStringElement(dst, "delete", d.Collection)
	if d.Comment.Type != bsontype.Type(0) {
		dst = bsoncore.AppendValueElement(dst, "comment", d.Comment)
	}
	if d.Ordered != nil {
		dst = bsoncore.AppendBooleanElement(dst, "ordered", *d.Ordered)
	}
	if d.Let != nil {
		dst = bsoncore.AppendDocumentElement(dst, "let", d.Let)
	}
	return dst, nil
}
