// Copyright (C) MongoDB, Inc. 2023-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driverutil

// Canonical operation names, matching the server's command names.
const (
	AbortTransactionOp  = "abortTransaction"
	AggregateOp         = "aggregate"
	CommitTransactionOp = "commitTransaction"
	DeleteOp            = "delete"
	EndSessionsOp       = "endSessions"
	FindOp              = "find"
	InsertOp            = "insert"
	UpdateOp            = "update"
)
