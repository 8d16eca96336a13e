// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"github.com/bytev/docdriver/readpref"
)

// ClientOptions configures a new client session.
type ClientOptions struct {
	CausalConsistency     *bool
	DefaultReadPreference *readpref.ReadPref
	Snapshot              *bool
}

// TransactionOptions configures a transaction started on a session.
type TransactionOptions struct {
	ReadPreference *readpref.ReadPref
}

func mergeClientOptions(opts ...*ClientOptions) *ClientOptions {
	c := &ClientOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if opt.CausalConsistency != nil {
			c.CausalConsistency = opt.CausalConsistency
		}
		if opt.DefaultReadPreference != nil {
			c.DefaultReadPreference = opt.DefaultReadPreference
		}
		if opt.Snapshot != nil {
			c.Snapshot = opt.Snapshot
		}
	}

	return c
}

func mergeTransactionOptions(opts ...*TransactionOptions) *TransactionOptions {
	t := &TransactionOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if opt.ReadPreference != nil {
			t.ReadPreference = opt.ReadPreference
		}
	}

	return t
}
