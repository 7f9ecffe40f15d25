package viewer

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image/jpeg"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/drosenbauer/sightline/internal/model"
	"github.com/drosenbauer/sightline/internal/vision"
	"github.com/drosenbauer/sightline/pkg/protocol"
)

// ErrAborted is returned by a dispatch when the session is torn down while
// the frame is still awaiting its result.
var ErrAborted = errors.New("dispatch aborted")

// offloadJPEGQuality is the re-encode quality for frames shipped to the
// server. Moderate quality keeps the uplink payload small without starving
// the detector of detail.
const offloadJPEGQuality = 70

// Dispatcher runs one frame through a detection path and returns the result.
// Dispatch blocks until the result is available, synthesized, or the context
// is cancelled; the pipeline guarantees at most one call is active.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *protocol.FrameRequest) (*protocol.DetectionResultMessage, error)
	Close() error
}

// LocalDispatcherConfig configures the in-process detection path.
type LocalDispatcherConfig struct {
	ModelPath      string
	InputSize      int
	ScoreThreshold float64
	IOUThreshold   float64

	// Loader loads the detector. Defaults to model.Load.
	Loader func(ctx context.Context, path string) (model.Detector, error)

	// Clock is the time source, mockable in tests.
	Clock clock.Clock
}

// LocalDispatcher runs the detector in the viewer process. The detector is
// loaded lazily on the first frame.
type LocalDispatcher struct {
	cfg LocalDispatcherConfig
	clk clock.Clock

	mu       sync.Mutex
	detector model.Detector
}

// NewLocalDispatcher creates an in-process dispatcher.
func NewLocalDispatcher(cfg LocalDispatcherConfig) *LocalDispatcher {
	if cfg.Loader == nil {
		cfg.Loader = model.Load
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &LocalDispatcher{cfg: cfg, clk: clk}
}

func (d *LocalDispatcher) detectorHandle(ctx context.Context) (model.Detector, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.detector != nil {
		return d.detector, nil
	}
	det, err := d.cfg.Loader(ctx, d.cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("loading detector: %w", err)
	}
	d.detector = det
	return det, nil
}

// Dispatch runs the full pipeline on the calling goroutine.
func (d *LocalDispatcher) Dispatch(ctx context.Context, req *protocol.FrameRequest) (*protocol.DetectionResultMessage, error) {
	recvTS := d.clk.Now()

	det, err := d.detectorHandle(ctx)
	if err != nil {
		return nil, err
	}

	input, err := vision.Prepare(req.ImageData, d.cfg.InputSize)
	if err != nil {
		return nil, fmt.Errorf("preparing frame %s: %w", req.FrameID, err)
	}

	output, err := det.Infer(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("inference on frame %s: %w", req.FrameID, err)
	}

	detections, err := vision.Postprocess(output, vision.PostprocessConfig{
		InputSize:      d.cfg.InputSize,
		ScoreThreshold: d.cfg.ScoreThreshold,
		IOUThreshold:   d.cfg.IOUThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("postprocessing frame %s: %w", req.FrameID, err)
	}

	return &protocol.DetectionResultMessage{
		FrameID:     req.FrameID,
		CaptureTS:   req.CaptureTS,
		RecvTS:      recvTS.UnixMilli(),
		InferenceTS: d.clk.Now().UnixMilli(),
		Detections:  detections,
	}, nil
}

// Close releases the loaded detector, if any.
func (d *LocalDispatcher) Close() error {
	d.mu.Lock()
	det := d.detector
	d.detector = nil
	d.mu.Unlock()
	if det == nil {
		return nil
	}
	return det.Close()
}

// Sender ships a signaling message to the broker. *signaling.Client
// satisfies it.
type Sender interface {
	Send(ctx context.Context, msg protocol.Message) error
}

// OffloadDispatcherConfig configures the server-offload detection path.
type OffloadDispatcherConfig struct {
	// Sender ships process-frame messages over signaling. May be nil at
	// construction; the viewer binds its own signaling client before the
	// first dispatch.
	Sender Sender

	// Room is the session room attached to each frame request.
	Room string

	// InputSize is the edge frames are downscaled to before upload.
	InputSize int

	// Timeout bounds the wait for a server reply. On expiry an empty
	// result is synthesized so the session degrades instead of stalling.
	Timeout time.Duration

	// Clock is the time source, mockable in tests.
	Clock clock.Clock
}

// OffloadDispatcher ships frames to the server engine over signaling and
// correlates replies by frame ID.
type OffloadDispatcher struct {
	cfg OffloadDispatcherConfig
	clk clock.Clock

	mu      sync.Mutex
	sender  Sender
	waiting map[string]chan *protocol.DetectionResultMessage
	closed  bool
}

// NewOffloadDispatcher creates a server-offload dispatcher.
func NewOffloadDispatcher(cfg OffloadDispatcherConfig) *OffloadDispatcher {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &OffloadDispatcher{
		cfg:     cfg,
		clk:     clk,
		sender:  cfg.Sender,
		waiting: make(map[string]chan *protocol.DetectionResultMessage),
	}
}

// Bind supplies the signaling sender when it was not available at
// construction. An existing sender is kept.
func (d *OffloadDispatcher) Bind(s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sender == nil {
		d.sender = s
	}
}

// encodeForUpload downscales the frame to the detector's input size and
// re-encodes it as a moderate-quality JPEG data URI. The original capture is
// typically larger than the detector input; shipping it verbatim wastes
// uplink.
func encodeForUpload(imageData string, size int) (string, error) {
	img, err := vision.DecodeFrame(imageData)
	if err != nil {
		return "", err
	}
	resized := vision.ResizeToInput(img, size)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: offloadJPEGQuality}); err != nil {
		return "", fmt.Errorf("encoding upload JPEG: %w", err)
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Dispatch ships the frame and waits for the correlated reply. A reply that
// misses the timeout produces a synthesized empty result; the late reply, if
// it ever arrives, is discarded.
func (d *OffloadDispatcher) Dispatch(ctx context.Context, req *protocol.FrameRequest) (*protocol.DetectionResultMessage, error) {
	payload, err := encodeForUpload(req.ImageData, d.cfg.InputSize)
	if err != nil {
		return nil, fmt.Errorf("preparing frame %s for upload: %w", req.FrameID, err)
	}

	ch := make(chan *protocol.DetectionResultMessage, 1)
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrAborted
	}
	sender := d.sender
	if sender == nil {
		d.mu.Unlock()
		return nil, errors.New("no signaling sender bound")
	}
	d.waiting[req.FrameID] = ch
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.waiting, req.FrameID)
		d.mu.Unlock()
	}()

	msg := &protocol.ProcessFrameMessage{
		Room: d.cfg.Room,
		FrameRequest: protocol.FrameRequest{
			FrameID:   req.FrameID,
			CaptureTS: req.CaptureTS,
			Width:     d.cfg.InputSize,
			Height:    d.cfg.InputSize,
			ImageData: payload,
		},
	}
	if err := sender.Send(ctx, msg); err != nil {
		return nil, fmt.Errorf("shipping frame %s: %w", req.FrameID, err)
	}

	timer := d.clk.Timer(d.cfg.Timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res == nil {
			return nil, ErrAborted
		}
		return res, nil
	case <-timer.C:
		// The server may still reply; the deferred delete turns that
		// reply into a discard.
		now := d.clk.Now().UnixMilli()
		return &protocol.DetectionResultMessage{
			FrameID:     req.FrameID,
			CaptureTS:   req.CaptureTS,
			RecvTS:      now,
			InferenceTS: now,
			Detections:  []protocol.Detection{},
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HandleResult delivers a server reply to the awaiting dispatch. Replies for
// unknown or already timed-out frames are discarded. Returns whether the
// reply was consumed.
func (d *OffloadDispatcher) HandleResult(res *protocol.DetectionResultMessage) bool {
	d.mu.Lock()
	ch, ok := d.waiting[res.FrameID]
	if ok {
		delete(d.waiting, res.FrameID)
	}
	d.mu.Unlock()
	if !ok {
		return false
	}
	ch <- res
	return true
}

// Close aborts every in-flight await. Subsequent dispatches fail with
// ErrAborted.
func (d *OffloadDispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for id, ch := range d.waiting {
		close(ch)
		delete(d.waiting, id)
	}
	return nil
}
