// Package perf keeps in-memory performance samples for the observer
// pipeline: queue-depth history and per-reply processing durations, both in
// bounded ring buffers.
package perf

import (
	"math"
	"sort"
	"sync"
	"time"
)

const (
	queueHistoryCap  = 1000
	processingCap    = 500
	queueSampleEvery = 5 * time.Second
)

// QueueSample is one queue-depth reading.
type QueueSample struct {
	Depth     int   `json:"depth"`
	Timestamp int64 `json:"timestamp"`
}

// ProcessingRecord is one analyzer-reply processing measurement.
type ProcessingRecord struct {
	DurationMS       int64 `json:"durationMs"`
	ObservationCount int   `json:"observationCount"`
	DiscoveryTokens  int64 `json:"discoveryTokens"`
	Timestamp        int64 `json:"timestamp"`
}

// QueueReport is the queue-depth history plus its aggregates.
type QueueReport struct {
	Samples        []QueueSample `json:"samples"`
	AvgQueueDepth  float64       `json:"avgQueueDepth"`
	PeakQueueDepth int           `json:"peakQueueDepth"`
}

// ProcessingReport is the filtered processing history plus its aggregates.
type ProcessingReport struct {
	Records               []ProcessingRecord `json:"records"`
	AvgDurationMS         float64            `json:"avgDurationMs"`
	P50DurationMS         int64              `json:"p50DurationMs"`
	P95DurationMS         int64              `json:"p95DurationMs"`
	ObservationsPerMinute float64            `json:"observationsPerMinute"`
	AvgQueueDepth         float64            `json:"avgQueueDepth"`
	PeakQueueDepth        int                `json:"peakQueueDepth"`
}

// Tracker records samples into two fixed-capacity rings. All methods are
// safe for concurrent use.
type Tracker struct {
	mu sync.Mutex

	queue           []QueueSample
	lastQueueSample time.Time

	processing []ProcessingRecord

	now func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// SampleQueueDepth records the current depth, unless a sample was taken
// within the last five seconds.
func (t *Tracker) SampleQueueDepth(depth int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if !t.lastQueueSample.IsZero() && now.Sub(t.lastQueueSample) < queueSampleEvery {
		return
	}
	t.lastQueueSample = now

	t.queue = append(t.queue, QueueSample{Depth: depth, Timestamp: now.UnixMilli()})
	if len(t.queue) > queueHistoryCap {
		t.queue = t.queue[len(t.queue)-queueHistoryCap:]
	}
}

// RecordProcessing records one reply's processing measurement.
func (t *Tracker) RecordProcessing(duration time.Duration, observationCount int, discoveryTokens int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.processing = append(t.processing, ProcessingRecord{
		DurationMS:       duration.Milliseconds(),
		ObservationCount: observationCount,
		DiscoveryTokens:  discoveryTokens,
		Timestamp:        t.now().UnixMilli(),
	})
	if len(t.processing) > processingCap {
		t.processing = t.processing[len(t.processing)-processingCap:]
	}
}

// GetQueueHistory returns queue samples at or after sinceMs (0 = all) with
// average and peak depth.
func (t *Tracker) GetQueueHistory(sinceMs int64) *QueueReport {
	t.mu.Lock()
	defer t.mu.Unlock()

	report := &QueueReport{Samples: []QueueSample{}}
	var sum int64
	for _, sample := range t.queue {
		if sample.Timestamp < sinceMs {
			continue
		}
		report.Samples = append(report.Samples, sample)
		sum += int64(sample.Depth)
		if sample.Depth > report.PeakQueueDepth {
			report.PeakQueueDepth = sample.Depth
		}
	}
	if n := len(report.Samples); n > 0 {
		report.AvgQueueDepth = float64(sum) / float64(n)
	}
	return report
}

// GetProcessingTimes returns the newest matching records (up to limit) with
// duration stats, throughput and queue-depth aggregates folded in. An empty
// filtered set yields all zeros.
func (t *Tracker) GetProcessingTimes(sinceMs int64, limit int) *ProcessingReport {
	queue := t.GetQueueHistory(sinceMs)

	t.mu.Lock()
	var filtered []ProcessingRecord
	for _, record := range t.processing {
		if record.Timestamp >= sinceMs {
			filtered = append(filtered, record)
		}
	}
	t.mu.Unlock()

	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}

	report := &ProcessingReport{
		Records:        filtered,
		AvgQueueDepth:  queue.AvgQueueDepth,
		PeakQueueDepth: queue.PeakQueueDepth,
	}
	if len(filtered) == 0 {
		report.Records = []ProcessingRecord{}
		return report
	}

	durations := make([]int64, len(filtered))
	var durationSum, observationSum int64
	minTS, maxTS := filtered[0].Timestamp, filtered[0].Timestamp
	for i, record := range filtered {
		durations[i] = record.DurationMS
		durationSum += record.DurationMS
		observationSum += int64(record.ObservationCount)
		if record.Timestamp < minTS {
			minTS = record.Timestamp
		}
		if record.Timestamp > maxTS {
			maxTS = record.Timestamp
		}
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	report.AvgDurationMS = float64(durationSum) / float64(len(durations))
	report.P50DurationMS = nearestRank(durations, 50)
	report.P95DurationMS = nearestRank(durations, 95)

	if timespan := maxTS - minTS; timespan > 0 {
		report.ObservationsPerMinute = float64(observationSum) / (float64(timespan) / 60000)
	}
	return report
}

// nearestRank returns the p-th percentile of a sorted slice using the
// nearest-rank method: index = ceil(p/100 * n) - 1.
func nearestRank(sorted []int64, p int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	index := int(math.Ceil(float64(p)/100*float64(len(sorted)))) - 1
	if index < 0 {
		index = 0
	}
	return sorted[index]
}
