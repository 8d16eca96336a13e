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

// Update runs the update command, splitting the statements into batches as
// needed.
type Update struct {
	// Comment tags the operation for tracing.
	Comment bsoncore.Value

	// Ordered stops the operation at the first failing statement instead of
	// continuing with the rest.
	Ordered *bool

	// Updates holds the update statements, each shaped as
	// {q: <query>, u: <update>, multi: <boolean>, collation: Optional<Document>}.
	Updates []bsoncore.Document

	// Let holds variables usable in the statements; 5.0+ servers only.
	Let bsoncore.Document

	// Session correlates the command with an lsid.
	Session *session.Client

	// Clock is the cluster clock to gossip cluster time with.
	Clock *session.ClusterClock

	// Collection to update.
	Collection string

	// Database names the database to run the command against.
	Database string

	// Deployment supplies the servers the command may run on.
	Deployment driver.Deployment

	// Selector picks the server to run the command on.
	Selector description.ServerSelector

	// WriteConcern applies to the update.
	WriteConcern *driver.WriteConcern

	// Retry controls retryable writes; only valid when no statement sets
	// multi.
	Retry *driver.RetryMode

	// ServerAPI declares the stable API version, if any.
	ServerAPI *driver.ServerAPIOptions

	// Timeout is the client-level operation timeout.
	Timeout *time.Duration

	// Logger receives command log messages.
	Logger *logger.Logger

	result UpdateResult
}

// Upsert records one upserted document within an UpdateResult.
type Upsert struct {
	Index int64
	ID    interface{} `bson:"_id"`
}

// UpdateResult is the accumulated server response across batches.
type UpdateResult struct {
	// N counts the matched documents.
	N int64

	// NModified counts the modified documents.
	NModified int64

	// Upserted lists the _ids of upserted documents.
	Upserted []Upsert
}

func buildUpdateResult(response bsoncore.Document) (UpdateResult, error) {
	elements, err := response.Elements()
	if err != nil {
		return UpdateResult{}, err
	}
	ur := UpdateResult{}
	for _, element := range elements {
		switch element.Key() {
		case "n":
			var ok bool
			ur.N, ok = element.Value().AsInt64OK()
			if !ok {
				return ur, fmt.Errorf("response field 'n' is type int32 or int64, but received BSON type %s", element.Value().Type)
			}
		case "nModified":
			var ok bool
			ur.NModified, ok = element.Value().AsInt64OK()
			if !ok {
				return ur, fmt.Errorf("response field 'nModified' is type int32 or int64, but received BSON type %s", element.Value().Type)
			}
		case "upserted":
			arr, ok := element.Value().ArrayOK()
			if !ok {
				return ur, fmt.Errorf("response field 'upserted' is type array, but received BSON type %s", element.Value().Type)
			}
			values, err := arr.Values()
			if err != nil {
				return ur, err
			}
			for _, val := range values {
				doc, ok := val.DocumentOK()
				if !ok {
					continue
				}
				var upsert Upsert
				if index, ok := doc.Lookup("index").AsInt64OK(); ok {
					upsert.Index = index
				}
				upsert.ID = doc.Lookup("_id")
				ur.Upserted = append(ur.Upserted, upsert)
			}
		}
	}
	return ur, nil
}

// Result returns the accumulated update counts and upserts.
func (u *Update) Result() UpdateResult { return u.result }

func (u *Update) processResponse(info driver.ResponseInfo) error {
	ur, err := buildUpdateResult(info.ServerResponse)

	u.result.N += ur.N
	u.result.NModified += ur.NModified
	if info.CurrentIndex > 0 {
		for ind := range ur.Upserted {
			ur.Upserted[ind].Index += int64(info.CurrentIndex)
		}
	}
	u.result.Upserted = append(u.result.Upserted, ur.Upserted...)
	return err
}

// Execute runs the update command.
func (u *Update) Execute(ctx context.Context) error {
	if u.Deployment == nil {
		return errors.New("the Update operation must have a Deployment set before Execute can be called")
	}
	batches := &driver.Batches{
		Identifier: "updates",
		Documents:  u.Updates,
		Ordered:    u.Ordered,
	}

	return driver.Operation{
		CommandFn:         u.command,
		ProcessResponseFn: u.processResponse,
		Batches:           batches,
		RetryMode:         u.Retry,
		Type:              driver.Write,
		Client:            u.Session,
		Clock:             u.Clock,
		Database:          u.Database,
		Deployment:        u.Deployment,
		Selector:          u.Selector,
		WriteConcern:      u.WriteConcern,
		ServerAPI:         u.ServerAPI,
		Timeout:           u.Timeout,
		Logger:            u.Logger,
		Name:              driverutil.UpdateOp,
	}.Execute(ctx)
}

func (u *Update) command(dst []byte, _ description.SelectedServer) ([]byte, error) {
	dst = bsoncore.AppendStringElement(dst, "update", u.Collection)
	if u.Comment.Type != bsontype.Type(0) {
		dst = bsoncore.AppendValueElement(dst, "comment", u.Comment)
	}
	if u.Ordered != nil {
		dst = bsoncore.AppendBooleanElement(dst, "ordered", *u.Ordered)
	}
	if u.Let != nil {
		dst = bsoncore.AppendDocumentElement(dst, "let", u.Let)
	}
	return dst, nil
}
