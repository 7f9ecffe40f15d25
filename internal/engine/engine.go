// Package engine implements the server-side inference engine: it owns the
// loaded detector, throttles frame requests per room, runs the deterministic
// image pipeline, and routes detection results back to the viewer registered
// for the originating room.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/drosenbauer/sightline/internal/model"
	"github.com/drosenbauer/sightline/internal/vision"
	"github.com/drosenbauer/sightline/pkg/protocol"
)

// Sink receives the engine's emissions. The broker implements it by routing
// results to the room's viewer slot and errors to the originating control
// connection. Sends to departed peers are absorbed by the implementation.
type Sink interface {
	SendResult(room string, res *protocol.DetectionResultMessage)
	SendError(origin string, message string)
}

// Config holds engine configuration.
type Config struct {
	// ModelPath is the serialized model asset loaded into the detector.
	ModelPath string

	// InputSize is the square detector input edge (design value 640).
	InputSize int

	// ScoreThreshold discards detections with score <= threshold.
	ScoreThreshold float64

	// IOUThreshold is the non-maximum-suppression overlap limit.
	IOUThreshold float64

	// MinInterval is the per-room minimum inter-frame interval enforced
	// at ingress (design target 100ms).
	MinInterval time.Duration

	// Preload loads the model when Run starts instead of on first frame.
	Preload bool

	// QueueSize is the dispatch queue capacity. Defaults to 64 if zero.
	QueueSize int

	// Clock is the time source. Defaults to the real clock; tests inject
	// a mock to exercise the throttle deterministically.
	Clock clock.Clock

	// Loader loads the detector. Defaults to model.Load.
	Loader func(ctx context.Context, path string) (model.Detector, error)

	// Logger is the structured logger. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// job is one accepted frame request queued for the dispatcher.
type job struct {
	origin string
	req    protocol.ProcessFrameMessage
	recvTS time.Time
}

// Engine consumes frame requests and produces detection results. All
// inference is serialized through a single dispatcher goroutine that owns
// the detector, so results for a room are emitted in accepted-ingress order
// and the detector never sees concurrent invocations.
type Engine struct {
	cfg  Config
	clk  clock.Clock
	log  *slog.Logger
	sink Sink

	modelMu  sync.Mutex
	detector model.Detector
	loadDur  time.Duration

	throttleMu   sync.Mutex
	lastAccepted map[string]time.Time

	queue chan job
}

// New creates an Engine. Call Run to start the dispatcher.
func New(cfg Config, sink Sink) *Engine {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	if cfg.Loader == nil {
		cfg.Loader = model.Load
	}

	return &Engine{
		cfg:          cfg,
		clk:          clk,
		log:          log.With("component", "engine"),
		sink:         sink,
		lastAccepted: make(map[string]time.Time),
		queue:        make(chan job, queueSize),
	}
}

// Run executes the dispatcher loop until the context is cancelled. The
// detector is closed on exit.
func (e *Engine) Run(ctx context.Context) error {
	if e.cfg.Preload {
		if _, err := e.Initialize(ctx); err != nil {
			// Load failure is recoverable: frames report it per-request
			// and a later initialize may retry.
			e.log.Error("model preload failed", "error", err)
		}
	}

	defer func() {
		e.modelMu.Lock()
		det := e.detector
		e.detector = nil
		e.modelMu.Unlock()
		if det != nil {
			if err := det.Close(); err != nil {
				e.log.Warn("closing detector", "error", err)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j := <-e.queue:
			e.process(ctx, j)
		}
	}
}

// Initialize loads the detector if it is not yet loaded and returns the load
// duration. It is idempotent: once loaded, the cached handle and original
// duration are returned. A failed load may be retried by a later call.
func (e *Engine) Initialize(ctx context.Context) (time.Duration, error) {
	e.modelMu.Lock()
	defer e.modelMu.Unlock()
	return e.initializeLocked(ctx)
}

func (e *Engine) initializeLocked(ctx context.Context) (time.Duration, error) {
	if e.detector != nil {
		return e.loadDur, nil
	}

	start := e.clk.Now()
	det, err := e.cfg.Loader(ctx, e.cfg.ModelPath)
	if err != nil {
		return 0, fmt.Errorf("initializing detector: %w", err)
	}

	e.detector = det
	e.loadDur = e.clk.Since(start)
	e.log.Info("model loaded", "path", e.cfg.ModelPath, "duration", e.loadDur)
	return e.loadDur, nil
}

// ModelLoaded reports whether the detector is currently loaded.
func (e *Engine) ModelLoaded() bool {
	e.modelMu.Lock()
	defer e.modelMu.Unlock()
	return e.detector != nil
}

// ModelPath returns the configured model asset path.
func (e *Engine) ModelPath() string {
	return e.cfg.ModelPath
}

// Submit offers a frame request to the engine. Requests inside a room's
// minimum inter-frame interval are dropped silently; accepted requests are
// handed to the dispatcher without blocking the caller. Returns whether the
// request was accepted.
func (e *Engine) Submit(origin string, req *protocol.ProcessFrameMessage) bool {
	now := e.clk.Now()

	e.throttleMu.Lock()
	last, seen := e.lastAccepted[req.Room]
	if seen && now.Sub(last) < e.cfg.MinInterval {
		e.throttleMu.Unlock()
		e.log.Debug("frame throttled", "room", req.Room, "frame_id", req.FrameID)
		return false
	}
	e.lastAccepted[req.Room] = now
	e.throttleMu.Unlock()

	select {
	case e.queue <- job{origin: origin, req: *req, recvTS: now}:
		return true
	default:
		// The throttle bounds per-room inflow, so a full queue means the
		// dispatcher is saturated across rooms. Shed the frame; the
		// accepted throttle slot is intentionally not rewound.
		e.log.Warn("dispatch queue full, dropping frame",
			"room", req.Room, "frame_id", req.FrameID)
		return false
	}
}

// ForgetRoom clears the throttle slot for a room. Called by the broker when
// a room is destroyed.
func (e *Engine) ForgetRoom(room string) {
	e.throttleMu.Lock()
	delete(e.lastAccepted, room)
	e.throttleMu.Unlock()
}

// process runs one accepted frame through the pipeline. Per-frame failures
// produce a processing-error emission and never stop the dispatcher.
func (e *Engine) process(ctx context.Context, j job) {
	e.modelMu.Lock()
	if _, err := e.initializeLocked(ctx); err != nil {
		e.modelMu.Unlock()
		e.sink.SendError(j.origin, fmt.Sprintf("model not loaded: %v", err))
		return
	}
	det := e.detector
	e.modelMu.Unlock()

	input, err := vision.Prepare(j.req.ImageData, e.cfg.InputSize)
	if err != nil {
		e.sink.SendError(j.origin, fmt.Sprintf("preparing frame %s: %v", j.req.FrameID, err))
		return
	}

	output, err := det.Infer(ctx, input)
	if err != nil {
		e.sink.SendError(j.origin, fmt.Sprintf("inference on frame %s: %v", j.req.FrameID, err))
		return
	}

	detections, err := vision.Postprocess(output, vision.PostprocessConfig{
		InputSize:      e.cfg.InputSize,
		ScoreThreshold: e.cfg.ScoreThreshold,
		IOUThreshold:   e.cfg.IOUThreshold,
	})
	if err != nil {
		e.sink.SendError(j.origin, fmt.Sprintf("postprocessing frame %s: %v", j.req.FrameID, err))
		return
	}

	res := &protocol.DetectionResultMessage{
		FrameID:     j.req.FrameID,
		CaptureTS:   j.req.CaptureTS,
		RecvTS:      j.recvTS.UnixMilli(),
		InferenceTS: e.clk.Now().UnixMilli(),
		Detections:  detections,
	}

	e.log.Debug("frame processed",
		"room", j.req.Room,
		"frame_id", j.req.FrameID,
		"detections", len(detections),
	)

	e.sink.SendResult(j.req.Room, res)
}
