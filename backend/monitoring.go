// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"sync"
	"time"
)

const LatencyBuckets = 101
const LatencyBucketSize = 50 * time.Millisecond

// Histogram counts durations in LatencyBucketSize buckets. The last bucket
// holds everything slower.
type Histogram struct {
	Buckets [LatencyBuckets]uint64 `json:"b"`
	Count   uint64                 `json:"c"`
	Sum     float64                `json:"s"` // milliseconds
}

func (h *Histogram) Add(d time.Duration) {
	idx := min(max(int(d/LatencyBucketSize), 0), LatencyBuckets-1)
	h.Buckets[idx]++
	h.Count++
	h.Sum += float64(d.Milliseconds())
}

func (h *Histogram) Merge(other *Histogram) {
	if other == nil {
		return
	}
	for i := range LatencyBuckets {
		h.Buckets[i] += other.Buckets[i]
	}
	h.Count += other.Count
	h.Sum += other.Sum
}

// Percentile returns the upper bound of the bucket containing the p-th
// percentile, with 0 < p <= 1.
func (h *Histogram) Percentile(p float64) time.Duration {
	if h.Count == 0 {
		return 0
	}
	target := uint64(p * float64(h.Count))
	if target == 0 {
		target = 1
	}
	var seen uint64
	for i, n := range h.Buckets {
		seen += n
		if seen >= target {
			return time.Duration(i+1) * LatencyBucketSize
		}
	}
	return LatencyBuckets * LatencyBucketSize
}

// ResolutionConfig defines the policy for a single ring buffer.
type ResolutionConfig struct {
	Name       string        `json:"name"`
	Resolution time.Duration `json:"resolution"`
	Buckets    int           `json:"buckets"`
}

var DefaultResolutions = []ResolutionConfig{
	{"1m", time.Minute, 120},
	{"1h", time.Hour, 168},
}

// Point represents a single data point in a time series.
type Point[T any] struct {
	Timestamp int64 `json:"t"`
	Value     T     `json:"v"`
}

// RingBuffer is a fixed-size circular buffer of time-aligned points.
type RingBuffer[T any] struct {
	Config ResolutionConfig `json:"config"`
	Data   []Point[T]       `json:"data"`
	Head   int              `json:"head"` // next write position
}

func NewRingBuffer[T any](cfg ResolutionConfig) *RingBuffer[T] {
	return &RingBuffer[T]{
		Config: cfg,
		Data:   make([]Point[T], cfg.Buckets),
	}
}

func (rb *RingBuffer[T]) align(timestamp int64) int64 {
	resSec := int64(rb.Config.Resolution.Seconds())
	return (timestamp / resSec) * resSec
}

// Update applies fn to the point for timestamp's slot, starting a new slot
// when timestamp falls after the newest one.
func (rb *RingBuffer[T]) Update(timestamp int64, fn func(*T)) {
	ts := rb.align(timestamp)
	prev := (rb.Head - 1 + len(rb.Data)) % len(rb.Data)
	if rb.Data[prev].Timestamp == ts {
		fn(&rb.Data[prev].Value)
		return
	}
	var zero T
	rb.Data[rb.Head] = Point[T]{Timestamp: ts, Value: zero}
	fn(&rb.Data[rb.Head].Value)
	rb.Head = (rb.Head + 1) % len(rb.Data)
}

// Add sets the value for timestamp's slot.
func (rb *RingBuffer[T]) Add(timestamp int64, value T) {
	rb.Update(timestamp, func(v *T) { *v = value })
}

// GetPoints returns the data points sorted by time.
func (rb *RingBuffer[T]) GetPoints() []Point[T] {
	points := make([]Point[T], 0, len(rb.Data))
	for i := range rb.Data {
		idx := (rb.Head + i) % len(rb.Data)
		if rb.Data[idx].Timestamp > 0 {
			points = append(points, rb.Data[idx])
		}
	}
	return points
}

// Metrics collects per-node scoring statistics.
type Metrics struct {
	mu         sync.Mutex
	now        func() time.Time
	latency    Histogram
	applies    uint64
	deliveries map[string]*RingBuffer[float64]
}

func NewMetrics() *Metrics {
	m := &Metrics{
		now:        time.Now,
		deliveries: make(map[string]*RingBuffer[float64]),
	}
	for _, cfg := range DefaultResolutions {
		m.deliveries[cfg.Name] = NewRingBuffer[float64](cfg)
	}
	return m
}

// RecordApply records one applied batch that took d and contained the given
// number of deliveries.
func (m *Metrics) RecordApply(d time.Duration, deliveries int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency.Add(d)
	m.applies++
	if deliveries == 0 {
		return
	}
	ts := m.now().Unix()
	for _, rb := range m.deliveries {
		rb.Update(ts, func(v *float64) { *v += float64(deliveries) })
	}
}

// StatsSnapshot is the JSON body of the stats endpoint.
type StatsSnapshot struct {
	Applies      uint64                      `json:"applies"`
	LatencyP50Ms int64                       `json:"latencyP50Ms"`
	LatencyP99Ms int64                       `json:"latencyP99Ms"`
	Latency      Histogram                   `json:"latency"`
	Deliveries   map[string][]Point[float64] `json:"deliveries"`
	Matches      int                         `json:"matches"`
	ActiveHubs   int                         `json:"activeHubs"`
	Connections  int64                       `json:"connections"`
}

// Snapshot returns a copy of the collected metrics.
func (m *Metrics) Snapshot() StatsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := StatsSnapshot{
		Applies:      m.applies,
		LatencyP50Ms: m.latency.Percentile(0.5).Milliseconds(),
		LatencyP99Ms: m.latency.Percentile(0.99).Milliseconds(),
		Deliveries:   make(map[string][]Point[float64], len(m.deliveries)),
	}
	s.Latency.Merge(&m.latency)
	for name, rb := range m.deliveries {
		s.Deliveries[name] = rb.GetPoints()
	}
	return s
}
