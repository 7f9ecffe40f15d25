package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"gorgonia.org/tensor"

	"github.com/drosenbauer/sightline/internal/model"
	"github.com/drosenbauer/sightline/pkg/protocol"
)

// fakeDetector returns a fixed candidate list for every frame.
type fakeDetector struct {
	rows   [][6]float32
	err    error
	closed atomic.Bool
}

func (d *fakeDetector) Infer(ctx context.Context, input tensor.Tensor) (tensor.Tensor, error) {
	if d.err != nil {
		return nil, d.err
	}
	data := make([]float32, 0, len(d.rows)*6)
	for _, r := range d.rows {
		data = append(data, r[:]...)
	}
	return tensor.New(
		tensor.WithShape(1, len(d.rows), 6),
		tensor.WithBacking(data),
	), nil
}

func (d *fakeDetector) Close() error {
	d.closed.Store(true)
	return nil
}

// chanSink collects engine emissions on channels for async assertions.
type chanSink struct {
	results chan sinkResult
	errors  chan sinkError
}

type sinkResult struct {
	room string
	res  *protocol.DetectionResultMessage
}

type sinkError struct {
	origin  string
	message string
}

func newChanSink() *chanSink {
	return &chanSink{
		results: make(chan sinkResult, 16),
		errors:  make(chan sinkError, 16),
	}
}

func (s *chanSink) SendResult(room string, res *protocol.DetectionResultMessage) {
	s.results <- sinkResult{room: room, res: res}
}

func (s *chanSink) SendError(origin string, message string) {
	s.errors <- sinkError{origin: origin, message: message}
}

// testJPEG returns a data-URI JPEG payload of a small solid frame.
func testJPEG(t *testing.T) string {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.NRGBA{R: 120, G: 140, B: 160, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encoding test JPEG: %v", err)
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func testConfig(det model.Detector) Config {
	return Config{
		ModelPath:      "/models/det.onnx",
		InputSize:      64,
		ScoreThreshold: 0.45,
		IOUThreshold:   0.5,
		MinInterval:    100 * time.Millisecond,
		Loader: func(ctx context.Context, path string) (model.Detector, error) {
			return det, nil
		},
	}
}

func frameReq(room, id string, captureTS int64, imageData string) *protocol.ProcessFrameMessage {
	return &protocol.ProcessFrameMessage{
		Room: room,
		FrameRequest: protocol.FrameRequest{
			FrameID:   id,
			CaptureTS: captureTS,
			Width:     32,
			Height:    32,
			ImageData: imageData,
		},
	}
}

func TestSubmit_Throttle(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	cfg := testConfig(&fakeDetector{})
	cfg.Clock = clk
	e := New(cfg, newChanSink())

	if !e.Submit("conn-1", frameReq("abc", "f1", 1000, "x")) {
		t.Fatal("first frame not accepted")
	}

	// 99ms later: inside the interval, dropped.
	clk.Add(99 * time.Millisecond)
	if e.Submit("conn-1", frameReq("abc", "f2", 1099, "x")) {
		t.Error("frame 99ms after last accepted was not dropped")
	}

	// The drop must not advance the throttle slot: 2ms later the elapsed
	// time since f1 is 101ms and the frame is accepted.
	clk.Add(2 * time.Millisecond)
	if !e.Submit("conn-1", frameReq("abc", "f3", 1101, "x")) {
		t.Error("frame 101ms after last accepted was dropped")
	}
}

func TestSubmit_ThrottleIsPerRoom(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	cfg := testConfig(&fakeDetector{})
	cfg.Clock = clk
	e := New(cfg, newChanSink())

	if !e.Submit("conn-1", frameReq("room-a", "f1", 1000, "x")) {
		t.Fatal("room-a first frame not accepted")
	}
	// A busy room must not starve another room.
	if !e.Submit("conn-2", frameReq("room-b", "f1", 1000, "x")) {
		t.Error("room-b first frame rejected by room-a's throttle slot")
	}

	e.ForgetRoom("room-a")
	if !e.Submit("conn-1", frameReq("room-a", "f2", 1001, "x")) {
		t.Error("frame rejected after ForgetRoom cleared the slot")
	}
}

func TestProcess_HappyPath(t *testing.T) {
	t.Parallel()

	det := &fakeDetector{rows: [][6]float32{
		{8, 8, 40, 48, 0.92, 0}, // person, inside the 64px frame
	}}
	sink := newChanSink()
	e := New(testConfig(det), sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Run(ctx) }()

	if !e.Submit("conn-1", frameReq("abc", "f1", time.Now().UnixMilli()-50, testJPEG(t))) {
		t.Fatal("frame not accepted")
	}

	select {
	case got := <-sink.results:
		if got.room != "abc" {
			t.Errorf("result room = %q, want %q", got.room, "abc")
		}
		res := got.res
		if res.FrameID != "f1" {
			t.Errorf("frame_id = %q, want f1", res.FrameID)
		}
		if res.CaptureTS > res.RecvTS || res.RecvTS > res.InferenceTS {
			t.Errorf("timestamps not monotonic: capture=%d recv=%d inference=%d",
				res.CaptureTS, res.RecvTS, res.InferenceTS)
		}
		if len(res.Detections) != 1 {
			t.Fatalf("got %d detections, want 1", len(res.Detections))
		}
		d := res.Detections[0]
		if d.Label != "person" {
			t.Errorf("label = %q, want person", d.Label)
		}
		if d.XMin < 0 || d.XMax > 1 || d.YMin < 0 || d.YMax > 1 || d.XMax <= d.XMin || d.YMax <= d.YMin {
			t.Errorf("box outside unit square or degenerate: %+v", d)
		}
	case err := <-sink.errors:
		t.Fatalf("unexpected processing error: %+v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for detection result")
	}
}

func TestProcess_ResultsInAcceptedOrder(t *testing.T) {
	t.Parallel()

	det := &fakeDetector{}
	sink := newChanSink()
	cfg := testConfig(det)
	cfg.MinInterval = 0
	e := New(cfg, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Run(ctx) }()

	payload := testJPEG(t)
	ids := []string{"f1", "f2", "f3"}
	for _, id := range ids {
		if !e.Submit("conn-1", frameReq("abc", id, 1000, payload)) {
			t.Fatalf("frame %s not accepted", id)
		}
	}

	for _, want := range ids {
		select {
		case got := <-sink.results:
			if got.res.FrameID != want {
				t.Fatalf("result order: got %q, want %q", got.res.FrameID, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for result %q", want)
		}
	}
}

func TestProcess_MalformedFrame(t *testing.T) {
	t.Parallel()

	sink := newChanSink()
	e := New(testConfig(&fakeDetector{}), sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Run(ctx) }()

	if !e.Submit("conn-1", frameReq("abc", "f2", 1000, "not-base64")) {
		t.Fatal("frame not accepted")
	}

	select {
	case got := <-sink.errors:
		if got.origin != "conn-1" {
			t.Errorf("error origin = %q, want conn-1", got.origin)
		}
	case <-sink.results:
		t.Fatal("malformed frame produced a detection result")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for processing error")
	}
}

func TestProcess_DetectorFailure(t *testing.T) {
	t.Parallel()

	sink := newChanSink()
	e := New(testConfig(&fakeDetector{err: errors.New("runtime exploded")}), sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Run(ctx) }()

	if !e.Submit("conn-1", frameReq("abc", "f1", 1000, testJPEG(t))) {
		t.Fatal("frame not accepted")
	}

	select {
	case got := <-sink.errors:
		if got.origin != "conn-1" {
			t.Errorf("error origin = %q, want conn-1", got.origin)
		}
	case <-sink.results:
		t.Fatal("detector failure produced a detection result")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for processing error")
	}
}

func TestInitialize_IdempotentAndRetryable(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	var failing atomic.Bool
	failing.Store(true)

	cfg := testConfig(nil)
	cfg.Loader = func(ctx context.Context, path string) (model.Detector, error) {
		calls.Add(1)
		if failing.Load() {
			return nil, errors.New("model file missing")
		}
		return &fakeDetector{}, nil
	}
	e := New(cfg, newChanSink())

	if _, err := e.Initialize(context.Background()); err == nil {
		t.Fatal("Initialize() succeeded with failing loader")
	}
	if e.ModelLoaded() {
		t.Fatal("ModelLoaded() = true after failed load")
	}

	// A later initialize may retry and succeed.
	failing.Store(false)
	if _, err := e.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() retry error: %v", err)
	}
	if !e.ModelLoaded() {
		t.Fatal("ModelLoaded() = false after successful load")
	}

	// Once loaded, the handle is cached.
	if _, err := e.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() repeat error: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("loader called %d times, want 2 (fail, success; the cached load skips the loader)", got)
	}
}

func TestProcess_ModelLoadFailureIsRecoverable(t *testing.T) {
	t.Parallel()

	cfg := testConfig(nil)
	cfg.Loader = func(ctx context.Context, path string) (model.Detector, error) {
		return nil, errors.New("model file missing")
	}
	sink := newChanSink()
	e := New(cfg, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Run(ctx) }()

	// Every frame reports the load failure; the dispatcher keeps running.
	if !e.Submit("conn-1", frameReq("abc", "f1", 1000, testJPEG(t))) {
		t.Fatal("frame not accepted")
	}

	select {
	case got := <-sink.errors:
		if got.origin != "conn-1" {
			t.Errorf("error origin = %q, want conn-1", got.origin)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for processing error")
	}
}
