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

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/bytev/docdriver/description"
	"github.com/bytev/docdriver/driver"
	"github.com/bytev/docdriver/driver/session"
	"github.com/bytev/docdriver/internal/driverutil"
)

// CommitTransaction commits the session's active transaction.
type CommitTransaction struct {
	// MaxTime bounds server-side execution time.
	MaxTime *time.Duration

	// RecoveryToken routes the commit of a sharded transaction.
	RecoveryToken bsoncore.Document

	// Session holds the transaction being committed.
	Session *session.Client

	// Clock is the cluster clock to gossip cluster time with.
	Clock *session.ClusterClock

	// Deployment supplies the servers the command may run on.
	Deployment driver.Deployment

	// Selector picks the server to run the command on.
	Selector description.ServerSelector

	// WriteConcern applies to the commit.
	WriteConcern *driver.WriteConcern

	// Retry controls retry behavior; the executor acts on it.
	Retry *driver.RetryMode

	// ServerAPI declares the stable API version, if any.
	ServerAPI *driver.ServerAPIOptions
}

func (ct *CommitTransaction) processResponse(driver.ResponseInfo) error {
	return nil
}

// Execute runs the commitTransaction command.
func (ct *CommitTransaction) Execute(ctx context.Context) error {
	if ct.Deployment == nil {
		return errors.New("the CommitTransaction operation must have a Deployment set before Execute can be called")
	}

	return driver.Operation{
		CommandFn:         ct.command,
		ProcessResponseFn: ct.processResponse,
		RetryMode:         ct.Retry,
		Type:              driver.Write,
		Client:            ct.Session,
		Clock:             ct.Clock,
		Database:          "admin",
		Deployment:        ct.Deployment,
		MaxTime:           ct.MaxTime,
		Selector:          ct.Selector,
		WriteConcern:      ct.WriteConcern,
		ServerAPI:         ct.ServerAPI,
		Name:              driverutil.CommitTransactionOp,
	}.Execute(ctx)

}

func (ct *CommitTransaction) command(dst []byte, _ description.SelectedServer) ([]byte, error) {
	dst = bsoncore.AppendInt32Element(dst, "commitTransaction", 1)
	if ct.RecoveryToken != nil {
		dst = bsoncore.AppendDocumentElement(dst, "recoveryToken", ct.RecoveryToken)
	}
	return dst, nil
}
