// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

func clusterTimeDoc(epoch, ordinal uint32) bsoncore.Document {
	inner := bsoncore.NewDocumentBuilder().
		AppendTimestamp("clusterTime", epoch, ordinal).
		Build()
	return bsoncore.NewDocumentBuilder().
		AppendDocument("$clusterTime", inner).
		Build()
}

func TestClusterClock(t *testing.T) {
	t.Parallel()

	newest := clusterTimeDoc(10, 5)
	middle := clusterTimeDoc(5, 5)
	oldest := clusterTimeDoc(5, 0)

	t.Run("advance keeps the highest observed time", func(t *testing.T) {
		t.Parallel()

		var clock ClusterClock
		clock.AdvanceClusterTime(oldest)
		clock.AdvanceClusterTime(newest)
		clock.AdvanceClusterTime(middle)

		got := clock.GetClusterTime()
		assert.True(t, bytes.Equal(got, newest),
			"expected cluster time %v, got %v", newest, got)
	})

	t.Run("concurrent advances", func(t *testing.T) {
		t.Parallel()

		var clock ClusterClock
		clock.AdvanceClusterTime(oldest)
		done := make(chan struct{})
		go func() {
			clock.AdvanceClusterTime(newest)
			close(done)
		}()
		clock.AdvanceClusterTime(middle)
		<-done

		got := clock.GetClusterTime()
		assert.True(t, bytes.Equal(got, newest),
			"expected cluster time %v, got %v", newest, got)
	})

	t.Run("ordinal breaks epoch ties", func(t *testing.T) {
		t.Parallel()

		max := MaxClusterTime(oldest, middle)
		assert.True(t, bytes.Equal(max, middle),
			"expected cluster time %v, got %v", middle, max)
	})
}
