// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"sync"
	"time"

	"github.com/montanaflynn/stats"
)

const (
	// rttAlphaValue is the weight of the most recent sample in the
	// exponentially weighted moving average.
	rttAlphaValue = 0.2

	// minSamples is the number of samples required before the percentile
	// statistics are considered meaningful.
	minSamples = 10

	maxRTTSamples = 500
)

// rttTracker maintains round trip time statistics for one node from the
// durations of its hello exchanges.
type rttTracker struct {
	mu sync.RWMutex

	averageRTT    time.Duration
	averageRTTSet bool
	minRTT        time.Duration
	rtt90         time.Duration

	samples     []time.Duration
	offset      int
	sampleCount int
}

func newRTTTracker() *rttTracker {
	return &rttTracker{samples: make([]time.Duration, maxRTTSamples)}
}

// addSample folds one measured duration into the statistics.
func (t *rttTracker) addSample(rtt time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.samples[t.offset] = rtt
	t.offset = (t.offset + 1) % len(t.samples)
	if t.sampleCount < len(t.samples) {
		t.sampleCount++
	}

	if !t.averageRTTSet {
		t.averageRTT = rtt
		t.averageRTTSet = true
	} else {
		t.averageRTT = time.Duration(rttAlphaValue*float64(rtt) + (1-rttAlphaValue)*float64(t.averageRTT))
	}

	t.minRTT = min(t.samples[:t.sampleCount], minSamples)
	t.rtt90 = percentile(90.0, t.samples[:t.sampleCount], minSamples)
}

// EWMA returns the exponentially weighted moving average of the samples,
// or zero before the first sample.
func (t *rttTracker) EWMA() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.averageRTT
}

// Min returns the minimum of the recent samples, or zero if fewer than
// minSamples have been recorded.
func (t *rttTracker) Min() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.minRTT
}

// P90 returns the 90th percentile of the recent samples, or zero if fewer
// than minSamples have been recorded.
func (t *rttTracker) P90() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rtt90
}

// reset discards all statistics, as when a node's connection is torn down.
func (t *rttTracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.averageRTT = 0
	t.averageRTTSet = false
	t.minRTT = 0
	t.rtt90 = 0
	t.offset = 0
	t.sampleCount = 0
}

// min returns the minimum value of the slice of duration samples. Zero
// values are not considered samples and are ignored. If the input slice is
// empty or contains fewer than minSamples samples, min returns 0.
func min(samples []time.Duration, minSamples int) time.Duration {
	count := 0
	min := time.Duration(1<<63 - 1)
	for _, d := range samples {
		if d <= 0 {
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

// percentile returns the specified percentile of the duration samples.
// Zero values are not considered samples and are ignored. If the input
// slice is empty or contains fewer than minSamples samples, percentile
// returns 0.
func percentile(p float64, samples []time.Duration, minSamples int) time.Duration {
	var floats []float64
	for _, d := range samples {
		if d <= 0 {
			continue
		}
		floats = append(floats, float64(d))
	}
	if len(floats) == 0 || len(floats) < minSamples {
		return 0
	}
	v, err := stats.Percentile(floats, p)
	if err != nil {
		return 0
	}
	return time.Duration(v)
}
