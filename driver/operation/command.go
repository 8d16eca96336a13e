// Copyright (C) MongoDB, Inc. 2021-present.
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
	"github.com/bytev/docdriver/internal/logger"
	"github.com/bytev/docdriver/readpref"
)

// Command runs an arbitrary command document against a database.
type Command struct {
	// Command is the full command document to send.
	Command bsoncore.Document

	// Database names the database to run the command against.
	Database string

	// Deployment supplies the servers the command may run on.
	Deployment driver.Deployment

	// Selector picks the server to run the command on.
	Selector description.ServerSelector

	// ReadPreference applies to the command when it reads.
	ReadPreference *readpref.ReadPref

	// Clock is the cluster clock to gossip cluster time with.
	Clock *session.ClusterClock

	// Session correlates the command with an lsid.
	Session *session.Client

	// ServerAPI declares the stable API version, if any.
	ServerAPI *driver.ServerAPIOptions

	// Timeout is the client-level operation timeout.
	Timeout *time.Duration

	// Logger receives command log messages.
	Logger *logger.Logger

	resultResponse bsoncore.Document
}

// Result returns the server's response document.
func (c *Command) Result() bsoncore.Document { return c.resultResponse }

// Execute runs the command.
func (c *Command) Execute(ctx context.Context) error {
	if c.Deployment == nil {
		return errors.New("the Command operation must have a Deployment set before Execute can be called")
	}

	return driver.Operation{
		CommandFn: func(dst []byte, desc description.SelectedServer) ([]byte, error) {
			// Splice the elements of the user document into the message body,
			// dropping its length prefix and terminator.
			return append(dst, c.Command[4:len(c.Command)-1]...), nil
		},
		ProcessResponseFn: func(info driver.ResponseInfo) error {
			c.resultResponse = info.ServerResponse
			return nil
		},
		Client:         c.Session,
		Clock:          c.Clock,
		Database:       c.Database,
		Deployment:     c.Deployment,
		ReadPreference: c.ReadPreference,
		Selector:       c.Selector,
		ServerAPI:      c.ServerAPI,
		Timeout:        c.Timeout,
		Logger:         c.Logger,
	}.Execute(ctx)
}
