package perf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedClock steps time forward a fixed amount on every call.
type fixedClock struct {
	current time.Time
	step    time.Duration
}

func (c *fixedClock) now() time.Time {
	c.current = c.current.Add(c.step)
	return c.current
}

func newSteppingTracker(step time.Duration) *Tracker {
	clock := &fixedClock{current: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), step: step}
	tracker := NewTracker()
	tracker.now = clock.now
	return tracker
}

func TestProcessingStats(t *testing.T) {
	tracker := newSteppingTracker(time.Second)
	for _, d := range []int64{10, 20, 30, 40, 50} {
		tracker.RecordProcessing(time.Duration(d)*time.Millisecond, 1, d)
	}

	report := tracker.GetProcessingTimes(0, 0)
	require.Len(t, report.Records, 5)
	assert.Equal(t, 30.0, report.AvgDurationMS)
	assert.Equal(t, int64(30), report.P50DurationMS)
	assert.Equal(t, int64(50), report.P95DurationMS)

	// 5 observations over 4 seconds of recorded span.
	assert.InDelta(t, 75.0, report.ObservationsPerMinute, 0.001)
}

func TestProcessingEmptySetIsZero(t *testing.T) {
	tracker := NewTracker()

	report := tracker.GetProcessingTimes(0, 0)
	assert.Empty(t, report.Records)
	assert.Zero(t, report.AvgDurationMS)
	assert.Zero(t, report.P50DurationMS)
	assert.Zero(t, report.P95DurationMS)
	assert.Zero(t, report.ObservationsPerMinute)
	assert.Zero(t, report.AvgQueueDepth)
	assert.Zero(t, report.PeakQueueDepth)
}

func TestProcessingSinceAndLimit(t *testing.T) {
	tracker := newSteppingTracker(time.Second)
	for _, d := range []int64{10, 20, 30, 40, 50} {
		tracker.RecordProcessing(time.Duration(d)*time.Millisecond, 1, 0)
	}

	all := tracker.GetProcessingTimes(0, 0)
	require.Len(t, all.Records, 5)

	// since filter keeps only the records at or after the cutoff
	cutoff := all.Records[3].Timestamp
	recent := tracker.GetProcessingTimes(cutoff, 0)
	require.Len(t, recent.Records, 2)
	assert.Equal(t, int64(40), recent.Records[0].DurationMS)

	// limit keeps the newest records
	limited := tracker.GetProcessingTimes(0, 2)
	require.Len(t, limited.Records, 2)
	assert.Equal(t, int64(40), limited.Records[0].DurationMS)
	assert.Equal(t, int64(50), limited.Records[1].DurationMS)
}

func TestProcessingRingCapacity(t *testing.T) {
	tracker := newSteppingTracker(time.Millisecond)
	for i := 0; i < processingCap+50; i++ {
		tracker.RecordProcessing(time.Duration(i)*time.Millisecond, 1, 0)
	}

	report := tracker.GetProcessingTimes(0, 0)
	require.Len(t, report.Records, processingCap)
	// Oldest 50 were evicted.
	assert.Equal(t, int64(50), report.Records[0].DurationMS)
}

func TestQueueSamplingRateLimit(t *testing.T) {
	tracker := newSteppingTracker(time.Second)

	// One sample per 5s: with a 1s step only every fifth call lands.
	for i := 0; i < 20; i++ {
		tracker.SampleQueueDepth(i)
	}

	report := tracker.GetQueueHistory(0)
	assert.Len(t, report.Samples, 4)
}

func TestQueueHistoryStats(t *testing.T) {
	tracker := newSteppingTracker(10 * time.Second)
	for _, depth := range []int{2, 8, 5} {
		tracker.SampleQueueDepth(depth)
	}

	report := tracker.GetQueueHistory(0)
	require.Len(t, report.Samples, 3)
	assert.Equal(t, 5.0, report.AvgQueueDepth)
	assert.Equal(t, 8, report.PeakQueueDepth)
}

func TestQueueRingCapacity(t *testing.T) {
	tracker := newSteppingTracker(10 * time.Second)
	for i := 0; i < queueHistoryCap+10; i++ {
		tracker.SampleQueueDepth(i)
	}

	report := tracker.GetQueueHistory(0)
	assert.Len(t, report.Samples, queueHistoryCap)
	assert.Equal(t, 10, report.Samples[0].Depth)
}

func TestNearestRank(t *testing.T) {
	sorted := []int64{10, 20, 30, 40, 50}
	assert.Equal(t, int64(30), nearestRank(sorted, 50))
	assert.Equal(t, int64(50), nearestRank(sorted, 95))
	assert.Equal(t, int64(10), nearestRank(sorted, 1))
	assert.Equal(t, int64(50), nearestRank(sorted, 100))
	assert.Equal(t, int64(0), nearestRank(nil, 50))
}
