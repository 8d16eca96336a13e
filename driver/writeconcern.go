// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"fmt"
	"math"
	"time"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// WriteConcern describes the level of acknowledgment requested from the server for write
// operations.
type WriteConcern struct {
	// W requests acknowledgment that the write operation has propagated to a specified number of
	// instances or to instances with specified tags. It must be a string or an int.
	W interface{}

	// Journal requests acknowledgment from the server that the write operation has been written to
	// the on-disk journal.
	Journal *bool

	// WTimeout specifies a time limit for the write concern. It sets the "wtimeout" field on the
	// marshaled document.
	WTimeout time.Duration
}

// Majority returns a write concern that requests acknowledgment that write operations have
// propagated to the majority of voting nodes.
func Majority() *WriteConcern {
	return &WriteConcern{W: "majority"}
}

// Acknowledged returns true if the receiver requests acknowledgment of write operations. A nil
// write concern is considered acknowledged.
func (wc *WriteConcern) Acknowledged() bool {
	if wc == nil || wc.Journal != nil && *wc.Journal {
		return true
	}

	if i, ok := wc.W.(int); ok && i == 0 {
		return false
	}

	return true
}

// MarshalBSONWriteConcern marshals a WriteConcern into a BSON document.
func MarshalBSONWriteConcern(wc *WriteConcern) (bsoncore.Document, error) {
	if wc == nil {
		return nil, ErrEmptyWriteConcern
	}

	var elems []byte
	if wc.W != nil {
		// W may only be an int or a string, matching Acknowledged and the
		// documented surface.
		switch w := wc.W.(type) {
		case int:
			if w < 0 {
				return nil, errNegativeW
			}

			// Journal=true with W=0 is contradictory; reject it.
			if wc.Journal != nil && *wc.Journal && w == 0 {
				return nil, errInconsistent
			}

			if w > math.MaxInt32 {
				return nil, fmt.Errorf("WriteConcern.W overflows int32: %v", wc.W)
			}

			elems = bsoncore.AppendInt32Element(elems, "w", int32(w))
		case string:
			elems = bsoncore.AppendStringElement(elems, "w", w)
		default:
			return nil, fmt.Errorf("WriteConcern.W must be a string or int, but is a %T", wc.W)
		}
	}

	if wc.Journal != nil {
		elems = bsoncore.AppendBooleanElement(elems, "j", *wc.Journal)
	}

	if wc.WTimeout != 0 {
		elems = bsoncore.AppendInt64Element(elems, "wtimeout", int64(wc.WTimeout/time.Millisecond))
	}

	if len(elems) == 0 {
		return nil, ErrEmptyWriteConcern
	}

	return bsoncore.BuildDocument(nil, elems), nil
}
