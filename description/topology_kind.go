// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

// TopologyKind classifies the deployment a topology describes.
type TopologyKind uint32

// Unknown is an unknown server or topology kind.
const Unknown = 0

// The deployment shapes a topology can settle into.
const (
	TopologyKindSingle                TopologyKind = 1
	TopologyKindReplicaSet            TopologyKind = 2
	TopologyKindReplicaSetNoPrimary   TopologyKind = 4 + TopologyKindReplicaSet
	TopologyKindReplicaSetWithPrimary TopologyKind = 8 + TopologyKindReplicaSet
	TopologyKindSharded               TopologyKind = 256
	TopologyKindLoadBalanced          TopologyKind = 512
)

// String returns a stringified version of the kind or "Unknown" if the kind
// is invalid.
func (kind TopologyKind) String() string {
	switch kind {
	case TopologyKindSingle:
		return "Single"
	case TopologyKindReplicaSet:
		return "ReplicaSet"
	case TopologyKindReplicaSetNoPrimary:
		return "ReplicaSetNoPrimary"
	case TopologyKindReplicaSetWithPrimary:
		return "ReplicaSetWithPrimary"
	case TopologyKindSharded:
		return "Sharded"
	case TopologyKindLoadBalanced:
		return "LoadBalanced"
	}

	return "Unknown"
}
