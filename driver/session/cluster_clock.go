// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"sync"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// ClusterClock tracks the highest cluster time the client has observed.
type ClusterClock struct {
	clusterTime bsoncore.Document
	lock        sync.Mutex
}

// GetClusterTime returns the highest cluster time seen so far.
func (cc *ClusterClock) GetClusterTime() bsoncore.Document {
	var ct bsoncore.Document
	cc.lock.Lock()
	ct = cc.clusterTime
	cc.lock.Unlock()

	return ct
}

// AdvanceClusterTime moves the clock forward to clusterTime if it is newer.
func (cc *ClusterClock) AdvanceClusterTime(clusterTime bsoncore.Document) {
	cc.lock.Lock()
	cc.clusterTime = MaxClusterTime(cc.clusterTime, clusterTime)
	cc.lock.Unlock()
}

// MaxClusterTime compares 2 clusterTime documents and returns the document
// representing the highest cluster time.
func MaxClusterTime(ct1, ct2 bsoncore.Document) bsoncore.Document {
	epoch1, ord1 := getClusterTime(ct1)
	epoch2, ord2 := getClusterTime(ct2)

	switch {
	case epoch1 > epoch2:
		return ct1
	case epoch1 < epoch2:
		return ct2
	case ord1 > ord2:
		return ct1
	case ord1 < ord2:
		return ct2
	}

	return ct1
}

func getClusterTime(clusterTime bsoncore.Document) (uint32, uint32) {
	if clusterTime == nil {
		return 0, 0
	}

	clusterTimeVal, err := clusterTime.LookupErr("$clusterTime")
	if err != nil {
		return 0, 0
	}

	timestampVal, err := bsoncore.Document(clusterTimeVal.Document()).LookupErr("clusterTime")
	if err != nil {
		return 0, 0
	}

	return timestampVal.Timestamp()
}
