package bench

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/drosenbauer/sightline/internal/telemetry"
)

// Report is the persisted benchmark record.
type Report struct {
	Benchmark   RunInfo     `json:"benchmark"`
	Performance Performance `json:"performance"`
	Bandwidth   Bandwidth   `json:"bandwidth"`
}

// RunInfo describes the run itself.
type RunInfo struct {
	Timestamp            string  `json:"timestamp"`
	Mode                 string  `json:"mode"`
	DurationSeconds      float64 `json:"duration_seconds"`
	TotalFrames          uint64  `json:"total_frames"`
	FramesWithDetections uint64  `json:"frames_with_detections"`
	DetectionRatePercent float64 `json:"detection_rate_percent"`
}

// Performance holds the throughput and latency statistics.
type Performance struct {
	ProcessedFPS   float64                   `json:"processed_fps"`
	E2ELatency     telemetry.LatencySummary  `json:"e2e_latency"`
	ServerLatency  telemetry.LatencySummary  `json:"server_latency"`
	NetworkLatency telemetry.LatencySummary  `json:"network_latency"`
}

// Bandwidth holds the transport throughput estimate.
type Bandwidth struct {
	UplinkKbps    float64 `json:"uplink_kbps"`
	DownlinkKbps  float64 `json:"downlink_kbps"`
	BytesSent     uint64  `json:"total_bytes_sent"`
	BytesReceived uint64  `json:"total_bytes_received"`
}

// newRunInfo assembles the run block, deriving the detection rate.
func newRunInfo(at time.Time, mode string, elapsed time.Duration, total, withDetections uint64) RunInfo {
	info := RunInfo{
		Timestamp:            at.UTC().Format(time.RFC3339),
		Mode:                 mode,
		DurationSeconds:      elapsed.Seconds(),
		TotalFrames:          total,
		FramesWithDetections: withDetections,
	}
	if total > 0 {
		info.DetectionRatePercent = float64(withDetections) / float64(total) * 100
	}
	return info
}

// partialPath derives the abort-time output path: the `_partial` suffix goes
// before the extension.
func partialPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "_partial" + ext
}

// write persists the report as indented JSON.
func (r *Report) write(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding benchmark report: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing benchmark report: %w", err)
	}
	return nil
}
