// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/bytev/docdriver/driver"
	"github.com/bytev/docdriver/driver/operation"
)

const (
	rttAlphaValue = 0.2
	minSamples    = 10
	maxSamples    = 500
)

type rttConfig struct {
	// interval is the minimum spacing between measurements; a slow round trip
	// stretches it.
	interval time.Duration

	// timeout bounds each measurement hello. A measurement that hits the
	// timeout is discarded. Defaults to 1 minute.
	timeout time.Duration

	minRTTWindow       time.Duration
	createConnectionFn func() *connection
	createOperationFn  func(driver.Connection) *operation.Hello
}

type rttMonitor struct {
	mu sync.RWMutex // guards samples, offset, minRTT, rtt90, averageRTT, averageRTTSet

	// connMu serializes connect and disconnect.
	connMu sync.Mutex

	// samples is a circular buffer feeding the min and p90 statistics;
	// offset is the next write position.
	samples []time.Duration
	offset  int

	// Statistics over the current window, plus the EWMA of all samples.
	minRTT        time.Duration
	rtt90         time.Duration
	averageRTT    time.Duration
	averageRTTSet bool

	closeWg  sync.WaitGroup
	cfg      *rttConfig
	ctx      context.Context
	cancelFn context.CancelFunc
	started  bool
}

var _ driver.RTTMonitor = &rttMonitor{}

func newRTTMonitor(cfg *rttConfig) *rttMonitor {
	if cfg.interval <= 0 {
		panic("RTT monitor interval must be greater than 0")
	}

	ctx, cancel := context.WithCancel(context.Background())
	// Size the buffer to hold one window's worth of samples, clamped to
	// [10, 500].
	numSamples := int(math.Max(minSamples, math.Min(maxSamples, float64((cfg.minRTTWindow)/cfg.interval))))

	return &rttMonitor{
		samples:  make([]time.Duration, numSamples),
		cfg:      cfg,
		ctx:      ctx,
		cancelFn: cancel,
	}
}

func (r *rttMonitor) connect() {
	r.connMu.Lock()
	defer r.connMu.Unlock()

	r.started = true
	r.closeWg.Add(1)

	go func() {
		defer r.closeWg.Done()

		r.start()
	}()
}

func (r *rttMonitor) disconnect() {
	r.connMu.Lock()
	defer r.connMu.Unlock()

	if !r.started {
		return
	}

	r.cancelFn()
	r.closeWg.Wait()
}

func (r *rttMonitor) start() {
	var conn *connection
	defer func() {
		if conn != nil {
			// connect() may still be in flight, and close() on a connection
			// that never opened is a no-op, so cancel the dial and wait
			// before closing.
			conn.closeConnectContext()
			conn.wait()
			_ = conn.close()
		}
	}()

	ticker := time.NewTicker(r.cfg.interval)
	defer ticker.Stop()

	for {
		conn = r.cfg.createConnectionFn()
		err := conn.connect(r.ctx)

		// The handshake itself yields the first sample. After that,
		// runHellos measures on this connection until something fails.
		if err == nil {
			r.addSample(conn.helloRTT)
			r.runHellos(conn)
		}

		_ = conn.close()

		// Wait out the interval before redialing so a fast-failing server
		// doesn't trigger a dial storm.
		select {
		case <-ticker.C:
		case <-r.ctx.Done():
			return
		}
	}
}

// runHellos measures round trips on the connection, one hello per tick,
// until an error or shutdown.
func (r *rttMonitor) runHellos(conn *connection) {
	ticker := time.NewTicker(r.cfg.interval)
	defer ticker.Stop()

	for {
		// The handshake already contributed a sample, so start by waiting.
		select {
		case <-ticker.C:
		case <-r.ctx.Done():
			return
		}

		// Each hello gets its own timeout (falling back to the connect
		// timeout, then 1 minute) so a server or proxy that goes silent
		// without closing the socket can't wedge the monitor forever.
		timeout := r.cfg.timeout
		if timeout <= 0 {
			timeout = conn.config.connectTimeout
		}
		if timeout <= 0 {
			timeout = 1 * time.Minute
		}
		ctx, cancel := context.WithTimeout(r.ctx, timeout)

		start := time.Now()
		err := r.cfg.createOperationFn(initConnection{conn}).Execute(ctx)
		cancel()
		if err != nil {
			return
		}
		// A failed hello may not have completed a full round trip, which
		// would skew the duration short, so only successes are recorded.
		r.addSample(time.Since(start))
	}
}

// reset clears all statistics. Only the server monitor calls this, after a
// failed server check; the RTT monitor's own errors do not reset anything.
func (r *rttMonitor) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.samples {
		r.samples[i] = 0
	}
	r.offset = 0
	r.minRTT = 0
	r.rtt90 = 0
	r.averageRTT = 0
	r.averageRTTSet = false
}

func (r *rttMonitor) addSample(rtt time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.samples[r.offset] = rtt
	r.offset = (r.offset + 1) % len(r.samples)
	// min and p90 stay zero until 10 samples exist; early samples are noisy
	// and too few points make a percentile meaningless.
	r.minRTT = min(r.samples, minSamples)
	r.rtt90 = percentile(90.0, r.samples, minSamples)

	if !r.averageRTTSet {
		r.averageRTT = rtt
		r.averageRTTSet = true
		return
	}

	r.averageRTT = time.Duration(rttAlphaValue*float64(rtt) + (1-rttAlphaValue)*float64(r.averageRTT))
}

// min returns the smallest nonzero sample, or 0 when fewer than minSamples
// nonzero samples exist.
func min(samples []time.Duration, minSamples int) time.Duration {
	count := 0
	min := time.Duration(math.MaxInt64)
	for _, d := range samples {
		if d == 0 {
			continue
		}
		count++
		if d < min {
			min = d
		}
	}
	if count == 0 || count < minSamples {
		return 0
	}
	return min
}

// percentile returns the p-th percentile of the nonzero samples, or 0 when
// fewer than minSamples nonzero samples exist.
func percentile(p float64, samples []time.Duration, minSamples int) time.Duration {
	floatSamples := make([]float64, 0, len(samples))
	for _, d := range samples {
		if d > 0 {
			floatSamples = append(floatSamples, float64(d))
		}
	}
	if len(floatSamples) == 0 || len(floatSamples) < minSamples {
		return 0
	}

	result, err := stats.Percentile(floatSamples, p)
	if err != nil {
		panic(fmt.Errorf("topology: error calculating %f percentile RTT: %w for samples:\n%v", p, err, floatSamples))
	}
	return time.Duration(result)
}

// EWMA returns the exponentially weighted moving average observed round-trip time.
func (r *rttMonitor) EWMA() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.averageRTT
}

// Min returns the minimum observed round-trip time over the window period.
func (r *rttMonitor) Min() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.minRTT
}

// P90 returns the 90th percentile observed round-trip time over the window period.
func (r *rttMonitor) P90() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.rtt90
}

// Stats renders the monitor's current statistics for error messages.
func (r *rttMonitor) Stats() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// Plain average and standard deviation over the sample window.
	var sum float64
	floatSamples := make([]float64, 0, len(r.samples))
	for _, d := range r.samples {
		if d > 0 {
			floatSamples = append(floatSamples, float64(d))
			sum += float64(d)
		}
	}

	var avg, stdDev float64
	if len(floatSamples) > 0 {
		avg = sum / float64(len(floatSamples))

		var err error
		stdDev, err = stats.StandardDeviation(floatSamples)
		if err != nil {
			panic(fmt.Errorf("topology: error calculating standard deviation RTT: %w for samples:\n%v", err, floatSamples))
		}
	}

	return fmt.Sprintf(
		"network round-trip time stats: avg: %v, min: %v, 90th pct: %v, stddev: %v",
		time.Duration(avg),
		r.minRTT,
		r.rtt90,
		time.Duration(stdDev))
}
