// Copyright (C) MongoDB, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/bytev/docdriver/description"
	"github.com/bytev/docdriver/driver"
	"github.com/bytev/docdriver/driver/session"
	"github.com/bytev/docdriver/internal/driverutil"
)

// AbortTransaction aborts the session's active transaction.
type AbortTransaction struct {
	// RecoveryToken routes the abort of a sharded transaction.
	RecoveryToken bsoncore.Document

	// Session holds the transaction being aborted.
	Session *session.Client

	// Clock is the cluster clock to gossip cluster time with.
	Clock *session.ClusterClock

	// Deployment supplies the servers the command may run on.
	Deployment driver.Deployment

	// Selector picks the server to run the command on.
	Selector description.ServerSelector

	// WriteConcern applies to the abort.
	WriteConcern *driver.WriteConcern

	// Retry controls retry behavior; the executor acts on it.
	Retry *driver.RetryMode

	// ServerAPI declares the stable API version, if any.
	ServerAPI *driver.ServerAPIOptions
}

func (at *AbortTransaction) processResponse(driver.ResponseInfo) error {
	return nil
}

// Execute runs the abortTransaction command.
func (at *AbortTransaction) Execute(ctx context.Context) error {
	if at.Deployment == nil {
		return errors.New("the AbortTransaction operation must have a Deployment set before Execute can be called")
	}

	return driver.Operation{
		CommandFn:         at.command,
		ProcessResponseFn: at.processResponse,
		RetryMode:         at.Retry,
		Type:              driver.Write,
		Client:            at.Session,
		Clock:             at.Clock,
		Database:          "admin",
		Deployment:        at.Deployment,
		Selector:          at.Selector,
		WriteConcern:      at.WriteConcern,
		ServerAPI:         at.ServerAPI,
		Name:              driverutil.AbortTransactionOp,
	}.Execute(ctx)

}

func (at *AbortTransaction) command(dst []byte, _ description.SelectedServer) ([]byte, error) {
	dst = bsoncore.AppendInt32Element(dst, "abortTransaction", 1)
	if at.RecoveryToken != nil {
		dst = bsoncore.AppendDocumentElement(dst, "recoveryToken", at.RecoveryToken)
	}
	return dst, nil
}
