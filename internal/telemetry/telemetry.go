// Package telemetry maintains the rolling measurement windows displayed by
// the viewer and sampled by the benchmark harness.
package telemetry

import (
	"sort"
	"sync"
	"time"
)

const (
	// latencyCapacity is the number of recent samples each latency window
	// keeps.
	latencyCapacity = 100

	// bandwidthCapacity is the number of recent transport snapshots kept
	// for rate estimation.
	bandwidthCapacity = 10
)

// LatencySummary holds the descriptive statistics of a latency window.
// Values are milliseconds.
type LatencySummary struct {
	Median  float64 `json:"median_ms"`
	P95     float64 `json:"p95_ms"`
	Average float64 `json:"average_ms"`
	Min     float64 `json:"min_ms"`
	Max     float64 `json:"max_ms"`
}

// LatencyWindow is a fixed-capacity ring of recent latency samples in
// milliseconds. Once full, each new sample evicts the oldest. Safe for
// concurrent use.
type LatencyWindow struct {
	mu      sync.Mutex
	samples []float64
	next    int
	full    bool
}

// NewLatencyWindow returns an empty window holding the 100 most recent
// samples.
func NewLatencyWindow() *LatencyWindow {
	return &LatencyWindow{
		samples: make([]float64, latencyCapacity),
	}
}

// Record appends one sample, evicting the oldest when the window is full.
func (w *LatencyWindow) Record(ms float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples[w.next] = ms
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.full = true
	}
}

// Count returns the number of samples currently in the window.
func (w *LatencyWindow) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.countLocked()
}

func (w *LatencyWindow) countLocked() int {
	if w.full {
		return len(w.samples)
	}
	return w.next
}

// snapshot returns a copy of the current samples.
func (w *LatencyWindow) snapshot() []float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := w.countLocked()
	out := make([]float64, n)
	copy(out, w.samples[:n])
	return out
}

// Summary computes the window's statistics. An empty window reports zeros.
//
// P95 is the value at index ⌊0.95·n⌋ of the sorted samples; with a single
// sample, median, P95, min, and max coincide.
func (w *LatencyWindow) Summary() LatencySummary {
	samples := w.snapshot()
	n := len(samples)
	if n == 0 {
		return LatencySummary{}
	}

	sorted := make([]float64, n)
	copy(sorted, samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	var median float64
	if n%2 == 1 {
		median = sorted[n/2]
	} else {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}

	p95Index := int(float64(n) * 0.95)
	if p95Index >= n {
		p95Index = n - 1
	}

	return LatencySummary{
		Median:  median,
		P95:     sorted[p95Index],
		Average: sum / float64(n),
		Min:     sorted[0],
		Max:     sorted[n-1],
	}
}

// bandwidthSnapshot is one cumulative transport byte count observation.
type bandwidthSnapshot struct {
	at        time.Time
	bytesSent uint64
	bytesRecv uint64
}

// BandwidthEstimate is the rate computed across a bandwidth window.
type BandwidthEstimate struct {
	UplinkKbps    float64 `json:"uplink_kbps"`
	DownlinkKbps  float64 `json:"downlink_kbps"`
	BytesSent     uint64  `json:"total_bytes_sent"`
	BytesReceived uint64  `json:"total_bytes_received"`
}

// BandwidthWindow keeps the 10 most recent cumulative transport counters and
// estimates throughput from the spread between the oldest and newest
// retained snapshot. Safe for concurrent use.
type BandwidthWindow struct {
	mu        sync.Mutex
	snapshots []bandwidthSnapshot
}

// NewBandwidthWindow returns an empty bandwidth window.
func NewBandwidthWindow() *BandwidthWindow {
	return &BandwidthWindow{}
}

// Record appends one cumulative counter observation, evicting the oldest
// when the window is full.
func (w *BandwidthWindow) Record(at time.Time, bytesSent, bytesRecv uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.snapshots = append(w.snapshots, bandwidthSnapshot{
		at:        at,
		bytesSent: bytesSent,
		bytesRecv: bytesRecv,
	})
	if len(w.snapshots) > bandwidthCapacity {
		w.snapshots = w.snapshots[1:]
	}
}

// Estimate computes throughput across the retained snapshots. With fewer
// than two snapshots, or zero elapsed time, the rates are zero; the
// cumulative totals always reflect the newest snapshot.
func (w *BandwidthWindow) Estimate() BandwidthEstimate {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := len(w.snapshots)
	if n == 0 {
		return BandwidthEstimate{}
	}

	newest := w.snapshots[n-1]
	est := BandwidthEstimate{
		BytesSent:     newest.bytesSent,
		BytesReceived: newest.bytesRecv,
	}
	if n < 2 {
		return est
	}

	oldest := w.snapshots[0]
	elapsed := newest.at.Sub(oldest.at).Seconds()
	if elapsed <= 0 {
		return est
	}

	// Counters are cumulative; a transport restart can make them regress,
	// in which case the rate for that direction reads zero.
	if newest.bytesSent >= oldest.bytesSent {
		est.UplinkKbps = float64(newest.bytesSent-oldest.bytesSent) * 8 / 1000 / elapsed
	}
	if newest.bytesRecv >= oldest.bytesRecv {
		est.DownlinkKbps = float64(newest.bytesRecv-oldest.bytesRecv) * 8 / 1000 / elapsed
	}
	return est
}
