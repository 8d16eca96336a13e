// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// TopologyVersion orders the state change notifications a single server
// process emits.
type TopologyVersion struct {
	ProcessID primitive.ObjectID
	Counter   int64
}

// NewTopologyVersion parses a topologyVersion document from a server
// response.
func NewTopologyVersion(doc bsoncore.Document) (*TopologyVersion, error) {
	elements, err := doc.Elements()
	if err != nil {
		return nil, err
	}
	var tv TopologyVersion
	var ok bool
	for _, element := range elements {
		switch element.Key() {
		case "processId":
			tv.ProcessID, ok = element.Value().ObjectIDOK()
			if !ok {
				return nil, fmt.Errorf("expected 'processId' to be an objectID but it's a BSON %s", element.Value().Type)
			}
		case "counter":
			tv.Counter, ok = element.Value().Int64OK()
			if !ok {
				return nil, fmt.Errorf("expected 'counter' to be an int64 but it's a BSON %s", element.Value().Type)
			}
		}
	}
	return &tv, nil
}

// CompareToIncoming orders the currently known version tv against a version
// arriving in a server response: -1 when tv is older, 0 when equal, 1 when tv
// is newer. The comparison is directional, not commutative; a nil version or
// a process ID mismatch always reads as older.
func (tv *TopologyVersion) CompareToIncoming(responseTV *TopologyVersion) int {
	if tv == nil || responseTV == nil {
		return -1
	}
	if tv.ProcessID != responseTV.ProcessID {
		return -1
	}
	if tv.Counter == responseTV.Counter {
		return 0
	}
	if tv.Counter < responseTV.Counter {
		return -1
	}
	return 1
}

// CompareTopologyVersions orders currentTv against a version arriving in a
// server response, with the same directional semantics as CompareToIncoming.
func CompareTopologyVersions(currentTv, responseTv *TopologyVersion) int {
	if currentTv == nil || responseTv == nil {
		return -1
	}
	if currentTv.ProcessID != responseTv.ProcessID {
		return -1
	}
	if currentTv.Counter == responseTv.Counter {
		return 0
	}
	if currentTv.Counter < responseTv.Counter {
		return -1
	}
	return 1
}
