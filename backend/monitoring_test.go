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
	"testing"
	"time"
)

func TestRingBuffer_AddAndGet(t *testing.T) {
	rb := NewRingBuffer[float64](ResolutionConfig{Name: "1m", Resolution: time.Minute, Buckets: 5})

	base := int64(1000050) // aligned to 1000020
	rb.Add(base, 10)
	points := rb.GetPoints()
	if len(points) != 1 || points[0].Value != 10 || points[0].Timestamp != 1000020 {
		t.Fatalf("points = %+v", points)
	}

	rb.Add(base+60, 20)
	rb.Add(base+60, 25)
	points = rb.GetPoints()
	if len(points) != 2 || points[1].Value != 25 {
		t.Fatalf("points after update = %+v", points)
	}

	for i := int64(2); i <= 5; i++ {
		rb.Add(base+60*i, float64(10*(i+1)))
	}
	points = rb.GetPoints()
	if len(points) != 5 {
		t.Fatalf("Expected 5 points after wrap, got %d", len(points))
	}
	if points[0].Value != 25 || points[4].Value != 60 {
		t.Errorf("wrapped points = %+v", points)
	}
	for i := 1; i < len(points); i++ {
		if points[i].Timestamp <= points[i-1].Timestamp {
			t.Errorf("points not sorted: %+v", points)
		}
	}
}

func TestHistogram(t *testing.T) {
	var h Histogram
	h.Add(10 * time.Millisecond)
	h.Add(60 * time.Millisecond)
	h.Add(70 * time.Millisecond)
	h.Add(time.Hour)

	if h.Count != 4 {
		t.Errorf("Count = %d", h.Count)
	}
	if h.Buckets[0] != 1 || h.Buckets[1] != 2 || h.Buckets[LatencyBuckets-1] != 1 {
		t.Errorf("Buckets = %v", h.Buckets[:3])
	}
	if got := h.Percentile(0.5); got != 100*time.Millisecond {
		t.Errorf("p50 = %v", got)
	}
	if got := h.Percentile(1); got != LatencyBuckets*LatencyBucketSize {
		t.Errorf("p100 = %v", got)
	}

	var other Histogram
	other.Add(5 * time.Millisecond)
	h.Merge(&other)
	h.Merge(nil)
	if h.Count != 5 || h.Buckets[0] != 2 {
		t.Errorf("after merge: count %d bucket0 %d", h.Count, h.Buckets[0])
	}
}

func TestMetricsRecordApply(t *testing.T) {
	m := NewMetrics()
	now := time.Unix(1_780_000_000, 0)
	m.now = func() time.Time { return now }

	m.RecordApply(20*time.Millisecond, 3)
	m.RecordApply(30*time.Millisecond, 0)
	now = now.Add(10 * time.Second)
	m.RecordApply(40*time.Millisecond, 2)
	now = now.Add(time.Minute)
	m.RecordApply(40*time.Millisecond, 1)

	s := m.Snapshot()
	if s.Applies != 4 || s.Latency.Count != 4 {
		t.Errorf("applies = %d, latency count = %d", s.Applies, s.Latency.Count)
	}
	if s.LatencyP50Ms != 50 {
		t.Errorf("p50 = %d", s.LatencyP50Ms)
	}
	perMinute := s.Deliveries["1m"]
	if len(perMinute) != 2 || perMinute[0].Value != 5 || perMinute[1].Value != 1 {
		t.Errorf("1m deliveries = %+v", perMinute)
	}
	perHour := s.Deliveries["1h"]
	if len(perHour) != 1 || perHour[0].Value != 6 {
		t.Errorf("1h deliveries = %+v", perHour)
	}
}
