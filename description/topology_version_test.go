// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

func TestCompareTopologyVersions(t *testing.T) {
	t.Parallel()

	processID := primitive.NewObjectID()
	otherProcessID := primitive.NewObjectID()

	testCases := []struct {
		name     string
		current  *TopologyVersion
		response *TopologyVersion
		want     int
	}{
		{
			name:     "nil current version",
			current:  nil,
			response: &TopologyVersion{ProcessID: processID, Counter: 1},
			want:     -1,
		},
		{
			name:     "nil response version",
			current:  &TopologyVersion{ProcessID: processID, Counter: 1},
			response: nil,
			want:     -1,
		},
		{
			name:     "different process IDs",
			current:  &TopologyVersion{ProcessID: processID, Counter: 5},
			response: &TopologyVersion{ProcessID: otherProcessID, Counter: 1},
			want:     -1,
		},
		{
			name:     "equal counters",
			current:  &TopologyVersion{ProcessID: processID, Counter: 3},
			response: &TopologyVersion{ProcessID: processID, Counter: 3},
			want:     0,
		},
		{
			name:     "current counter is smaller",
			current:  &TopologyVersion{ProcessID: processID, Counter: 2},
			response: &TopologyVersion{ProcessID: processID, Counter: 3},
			want:     -1,
		},
		{
			name:     "current counter is greater",
			current:  &TopologyVersion{ProcessID: processID, Counter: 4},
			response: &TopologyVersion{ProcessID: processID, Counter: 3},
			want:     1,
		},
	}

	for _, tc := range testCases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tc.want, CompareTopologyVersions(tc.current, tc.response))
			assert.Equal(t, tc.want, tc.current.CompareToIncoming(tc.response))
		})
	}
}

func TestNewTopologyVersion(t *testing.T) {
	t.Parallel()

	t.Run("valid document", func(t *testing.T) {
		t.Parallel()

		processID := primitive.NewObjectID()
		doc := bsoncore.NewDocumentBuilder().
			AppendObjectID("processId", processID).
			AppendInt64("counter", 7).
			Build()

		tv, err := NewTopologyVersion(doc)
		require.NoError(t, err)
		assert.Equal(t, processID, tv.ProcessID)
		assert.Equal(t, int64(7), tv.Counter)
	})

	t.Run("counter with the wrong type", func(t *testing.T) {
		t.Parallel()

		doc := bsoncore.NewDocumentBuilder().
			AppendObjectID("processId", primitive.NewObjectID()).
			AppendInt32("counter", 7).
			Build()

		_, err := NewTopologyVersion(doc)
		assert.Error(t, err)
	})
}
