// Package bench implements the benchmark harness: it drives a synthetic
// capture peer and a measuring viewer through a running broker for a fixed
// duration and persists the collected statistics as a JSON report.
package bench

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/drosenbauer/sightline/internal/capture"
	"github.com/drosenbauer/sightline/internal/config"
	"github.com/drosenbauer/sightline/internal/model"
	"github.com/drosenbauer/sightline/internal/rtc"
	"github.com/drosenbauer/sightline/internal/telemetry"
	"github.com/drosenbauer/sightline/internal/viewer"
)

// ErrServerUnreachable is returned when the broker fails the health
// precondition before the run starts.
var ErrServerUnreachable = errors.New("server unreachable")

// Config holds benchmark harness configuration.
type Config struct {
	// ServerURL is the broker's WebSocket URL.
	ServerURL string

	// Room is the session room. A fresh room per run avoids colliding
	// with live sessions.
	Room string

	// Mode selects the detection path: config.ModeLocal or
	// config.ModeOffload.
	Mode string

	// Duration is how long to collect samples.
	Duration time.Duration

	// Output is the report path.
	Output string

	// FPS is the synthetic capture frame rate. Defaults to 15.
	FPS int

	// Inference carries the detection parameters used by the local path
	// and the offload upload sizing.
	Inference config.InferenceConfig

	// OffloadTimeout bounds each offloaded frame await.
	OffloadTimeout time.Duration

	// Loader overrides the local-mode detector loader. Defaults to
	// model.Load.
	Loader func(ctx context.Context, path string) (model.Detector, error)

	// Clock is the time source, mockable in tests.
	Clock clock.Clock

	// Logger is the structured logger. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// sampleSink counts processed frames for the report while the viewer keeps
// its own latency windows.
type sampleSink struct {
	mu             sync.Mutex
	total          uint64
	withDetections uint64
}

func (s *sampleSink) FrameProcessed(m viewer.FrameMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	if m.Detections > 0 {
		s.withDetections++
	}
}

func (s *sampleSink) Bandwidth(telemetry.BandwidthEstimate) {}

func (s *sampleSink) counts() (total, withDetections uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total, s.withDetections
}

// Runner executes one benchmark run.
type Runner struct {
	cfg Config
	clk clock.Clock
	log *slog.Logger
}

// NewRunner creates a benchmark runner.
func NewRunner(cfg Config) *Runner {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 15
	}
	return &Runner{
		cfg: cfg,
		clk: clk,
		log: log.With("component", "bench", "mode", cfg.Mode),
	}
}

// Run executes the benchmark and writes the report. The returned path is
// where the report landed: the configured output on a full run, or the
// `_partial` variant when the context was cancelled after samples were
// collected. A cancellation with zero samples writes nothing.
func (r *Runner) Run(ctx context.Context) (string, error) {
	if err := r.checkHealth(ctx); err != nil {
		return "", err
	}

	disp, err := r.dispatcher()
	if err != nil {
		return "", err
	}

	sink := &sampleSink{}
	v := viewer.New(viewer.Config{
		ServerURL:  r.cfg.ServerURL,
		Room:       r.cfg.Room,
		Channel:    rtc.ChannelConfig{Ordered: true},
		Dispatcher: disp,
		Metrics:    sink,
		Clock:      r.cfg.Clock,
		Logger:     r.log,
	})
	cap := capture.New(capture.Config{
		ServerURL: r.cfg.ServerURL,
		Room:      r.cfg.Room,
		FPS:       r.cfg.FPS,
		Clock:     r.cfg.Clock,
		Logger:    r.log,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- v.Run(runCtx) }()
	go func() { errCh <- cap.Run(runCtx) }()

	start := r.clk.Now()
	timer := r.clk.Timer(r.cfg.Duration)
	defer timer.Stop()

	aborted := false
	select {
	case <-timer.C:
	case <-ctx.Done():
		aborted = true
	case err := <-errCh:
		cancel()
		return "", fmt.Errorf("benchmark session failed: %w", err)
	}
	elapsed := r.clk.Since(start)
	cancel()

	total, withDetections := sink.counts()
	if aborted && total == 0 {
		return "", ctx.Err()
	}

	report := r.buildReport(v, elapsed, total, withDetections)

	path := r.cfg.Output
	if aborted {
		path = partialPath(path)
		r.log.Warn("run aborted, writing partial results", "path", path, "samples", total)
	}
	if err := report.write(path); err != nil {
		return "", err
	}

	r.log.Info("benchmark complete",
		"path", path,
		"frames", total,
		"fps", report.Performance.ProcessedFPS,
	)
	return path, nil
}

// dispatcher builds the detection path for the configured mode.
func (r *Runner) dispatcher() (viewer.Dispatcher, error) {
	switch r.cfg.Mode {
	case config.ModeLocal:
		return viewer.NewLocalDispatcher(viewer.LocalDispatcherConfig{
			ModelPath:      r.cfg.Inference.ModelPath,
			InputSize:      r.cfg.Inference.InputSize,
			ScoreThreshold: r.cfg.Inference.ScoreThreshold,
			IOUThreshold:   r.cfg.Inference.IOUThreshold,
			Loader:         r.cfg.Loader,
			Clock:          r.cfg.Clock,
		}), nil
	case config.ModeOffload:
		timeout := r.cfg.OffloadTimeout
		if timeout <= 0 {
			timeout = 200 * time.Millisecond
		}
		// The viewer binds its signaling client as the sender on startup.
		return viewer.NewOffloadDispatcher(viewer.OffloadDispatcherConfig{
			Room:      r.cfg.Room,
			InputSize: r.cfg.Inference.InputSize,
			Timeout:   timeout,
			Clock:     r.cfg.Clock,
		}), nil
	default:
		return nil, fmt.Errorf("unknown mode %q", r.cfg.Mode)
	}
}

func (r *Runner) buildReport(v *viewer.Viewer, elapsed time.Duration, total, withDetections uint64) *Report {
	e2e, server, network := v.LatencySummaries()
	bw := v.Bandwidth()

	perf := Performance{
		E2ELatency:     e2e,
		ServerLatency:  server,
		NetworkLatency: network,
	}
	if elapsed > 0 {
		perf.ProcessedFPS = float64(total) / elapsed.Seconds()
	}

	return &Report{
		Benchmark: newRunInfo(r.clk.Now(), r.cfg.Mode, elapsed, total, withDetections),
		Performance: perf,
		Bandwidth: Bandwidth{
			UplinkKbps:    bw.UplinkKbps,
			DownlinkKbps:  bw.DownlinkKbps,
			BytesSent:     bw.BytesSent,
			BytesReceived: bw.BytesReceived,
		},
	}
}

// checkHealth verifies the broker answers its health endpoint before any
// session work starts.
func (r *Runner) checkHealth(ctx context.Context) error {
	healthURL, err := healthURL(r.cfg.ServerURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServerUnreachable, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, healthURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServerUnreachable, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServerUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health returned %d", ErrServerUnreachable, resp.StatusCode)
	}
	return nil
}

// healthURL derives the HTTP health endpoint from the WebSocket URL.
func healthURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = "/health"
	return u.String(), nil
}
