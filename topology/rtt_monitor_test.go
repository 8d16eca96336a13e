// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestRTTMonitor() *rttMonitor {
	// A 1-second interval over a 5-minute window keeps 300 samples.
	return newRTTMonitor(&rttConfig{
		interval:     time.Second,
		minRTTWindow: 5 * time.Minute,
	})
}

func TestRTTMonitorAddSample(t *testing.T) {
	t.Parallel()

	t.Run("EWMA is seeded with the first sample", func(t *testing.T) {
		t.Parallel()

		r := newTestRTTMonitor()
		r.addSample(100 * time.Millisecond)

		assert.Equal(t, 100*time.Millisecond, r.EWMA())
	})

	t.Run("EWMA moves toward new samples", func(t *testing.T) {
		t.Parallel()

		r := newTestRTTMonitor()
		r.addSample(100 * time.Millisecond)
		r.addSample(200 * time.Millisecond)

		// alpha = 0.2, so the average only moves 20% toward the new sample.
		assert.Equal(t, 120*time.Millisecond, r.EWMA())
	})

	t.Run("Min requires a minimum number of samples", func(t *testing.T) {
		t.Parallel()

		r := newTestRTTMonitor()
		for i := 0; i < minSamples-1; i++ {
			r.addSample(50 * time.Millisecond)
		}
		assert.Equal(t, time.Duration(0), r.Min())

		r.addSample(50 * time.Millisecond)
		assert.Equal(t, 50*time.Millisecond, r.Min())
	})

	t.Run("Min tracks the smallest sample", func(t *testing.T) {
		t.Parallel()

		r := newTestRTTMonitor()
		for i := 0; i < minSamples; i++ {
			r.addSample(time.Duration(100+i) * time.Millisecond)
		}
		r.addSample(10 * time.Millisecond)

		assert.Equal(t, 10*time.Millisecond, r.Min())
	})

	t.Run("P90 reflects the sample distribution", func(t *testing.T) {
		t.Parallel()

		r := newTestRTTMonitor()
		for i := 1; i <= 100; i++ {
			r.addSample(time.Duration(i) * time.Millisecond)
		}

		p90 := r.P90()
		assert.GreaterOrEqual(t, p90, 85*time.Millisecond)
		assert.LessOrEqual(t, p90, 95*time.Millisecond)
	})
}

func TestRTTMonitorReset(t *testing.T) {
	t.Parallel()

	r := newTestRTTMonitor()
	for i := 0; i < minSamples*2; i++ {
		r.addSample(40 * time.Millisecond)
	}
	assert.NotEqual(t, time.Duration(0), r.Min())
	assert.NotEqual(t, time.Duration(0), r.EWMA())

	r.reset()

	assert.Equal(t, time.Duration(0), r.Min())
	assert.Equal(t, time.Duration(0), r.EWMA())
	assert.Equal(t, time.Duration(0), r.P90())
}
