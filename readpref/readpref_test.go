// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package readpref

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bytev/docdriver/tag"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("primary mode rejects options", func(t *testing.T) {
		t.Parallel()

		_, err := New(PrimaryMode, WithMaxStaleness(90*time.Second))
		assert.Error(t, err)
	})

	t.Run("max staleness is recorded", func(t *testing.T) {
		t.Parallel()

		rp, err := Secondary(WithMaxStaleness(90 * time.Second))
		require.NoError(t, err)

		staleness, set := rp.MaxStaleness()
		assert.True(t, set)
		assert.Equal(t, 90*time.Second, staleness)
	})

	t.Run("max staleness is unset by default", func(t *testing.T) {
		t.Parallel()

		rp, err := Nearest()
		require.NoError(t, err)

		_, set := rp.MaxStaleness()
		assert.False(t, set)
	})

	t.Run("tag sets are recorded", func(t *testing.T) {
		t.Parallel()

		rp, err := SecondaryPreferred(WithTags("dc", "east"))
		require.NoError(t, err)

		require.Len(t, rp.TagSets(), 1)
		assert.Equal(t, tag.Set{{Name: "dc", Value: "east"}}, rp.TagSets()[0])
	})

	t.Run("odd number of tags is invalid", func(t *testing.T) {
		t.Parallel()

		_, err := Secondary(WithTags("dc"))
		assert.ErrorIs(t, err, ErrInvalidTagSet)
	})

	t.Run("mode is recorded", func(t *testing.T) {
		t.Parallel()

		assert.Equal(t, PrimaryMode, Primary().Mode())

		rp, err := PrimaryPreferred()
		require.NoError(t, err)
		assert.Equal(t, PrimaryPreferredMode, rp.Mode())
	})
}
