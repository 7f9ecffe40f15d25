package telemetry

import (
	"testing"
	"time"
)

func TestLatencyWindow_SingleSample(t *testing.T) {
	t.Parallel()

	w := NewLatencyWindow()
	w.Record(42)

	s := w.Summary()
	if s.Median != 42 || s.P95 != 42 || s.Average != 42 || s.Min != 42 || s.Max != 42 {
		t.Errorf("single-sample summary = %+v, want all fields 42", s)
	}
}

func TestLatencyWindow_EmptyReportsZeros(t *testing.T) {
	t.Parallel()

	w := NewLatencyWindow()
	if s := w.Summary(); s != (LatencySummary{}) {
		t.Errorf("empty summary = %+v, want zeros", s)
	}
	if w.Count() != 0 {
		t.Errorf("Count() = %d, want 0", w.Count())
	}
}

func TestLatencyWindow_Statistics(t *testing.T) {
	t.Parallel()

	w := NewLatencyWindow()
	// 1..20 in scrambled order; the window sorts internally.
	for _, v := range []float64{7, 3, 19, 1, 12, 5, 20, 8, 14, 2, 17, 6, 10, 4, 16, 9, 13, 18, 11, 15} {
		w.Record(v)
	}

	s := w.Summary()
	if s.Min != 1 || s.Max != 20 {
		t.Errorf("min/max = %v/%v, want 1/20", s.Min, s.Max)
	}
	if s.Median != 10.5 {
		t.Errorf("median = %v, want 10.5", s.Median)
	}
	if s.Average != 10.5 {
		t.Errorf("average = %v, want 10.5", s.Average)
	}
	// index ⌊20·0.95⌋ = 19 of the sorted samples
	if s.P95 != 20 {
		t.Errorf("p95 = %v, want 20", s.P95)
	}
}

func TestLatencyWindow_EvictsOldest(t *testing.T) {
	t.Parallel()

	w := NewLatencyWindow()
	// 150 samples; only the last 100 (51..150) survive.
	for i := 1; i <= 150; i++ {
		w.Record(float64(i))
	}

	if w.Count() != 100 {
		t.Fatalf("Count() = %d, want 100", w.Count())
	}
	s := w.Summary()
	if s.Min != 51 || s.Max != 150 {
		t.Errorf("min/max = %v/%v, want 51/150", s.Min, s.Max)
	}
}

func TestBandwidthWindow_Estimate(t *testing.T) {
	t.Parallel()

	base := time.Now()
	w := NewBandwidthWindow()

	// 1000 bytes up and 2000 bytes down over 2 seconds.
	w.Record(base, 0, 0)
	w.Record(base.Add(1*time.Second), 400, 900)
	w.Record(base.Add(2*time.Second), 1000, 2000)

	est := w.Estimate()
	if est.BytesSent != 1000 || est.BytesReceived != 2000 {
		t.Errorf("totals = %d/%d, want 1000/2000", est.BytesSent, est.BytesReceived)
	}
	if got, want := est.UplinkKbps, 4.0; got != want {
		t.Errorf("uplink = %v kbps, want %v", got, want)
	}
	if got, want := est.DownlinkKbps, 8.0; got != want {
		t.Errorf("downlink = %v kbps, want %v", got, want)
	}
}

func TestBandwidthWindow_FewSamples(t *testing.T) {
	t.Parallel()

	w := NewBandwidthWindow()
	if est := w.Estimate(); est != (BandwidthEstimate{}) {
		t.Errorf("empty estimate = %+v, want zeros", est)
	}

	w.Record(time.Now(), 500, 700)
	est := w.Estimate()
	if est.UplinkKbps != 0 || est.DownlinkKbps != 0 {
		t.Errorf("single-snapshot rates = %v/%v, want 0/0", est.UplinkKbps, est.DownlinkKbps)
	}
	if est.BytesSent != 500 || est.BytesReceived != 700 {
		t.Errorf("totals = %d/%d, want 500/700", est.BytesSent, est.BytesReceived)
	}
}

func TestBandwidthWindow_EvictsOldest(t *testing.T) {
	t.Parallel()

	base := time.Now()
	w := NewBandwidthWindow()
	// 15 snapshots one second apart, 100 bytes/s each way; only the last
	// 10 survive, so the estimate covers 9 seconds.
	for i := 0; i < 15; i++ {
		w.Record(base.Add(time.Duration(i)*time.Second), uint64(i*100), uint64(i*100))
	}

	est := w.Estimate()
	if got, want := est.UplinkKbps, 0.8; got != want {
		t.Errorf("uplink = %v kbps, want %v", got, want)
	}
	if est.BytesSent != 1400 {
		t.Errorf("BytesSent = %d, want 1400", est.BytesSent)
	}
}

func TestBandwidthWindow_CounterRegression(t *testing.T) {
	t.Parallel()

	base := time.Now()
	w := NewBandwidthWindow()
	w.Record(base, 5000, 5000)
	w.Record(base.Add(time.Second), 100, 6000)

	est := w.Estimate()
	if est.UplinkKbps != 0 {
		t.Errorf("uplink after counter regression = %v, want 0", est.UplinkKbps)
	}
	if est.DownlinkKbps != 8 {
		t.Errorf("downlink = %v, want 8", est.DownlinkKbps)
	}
}
