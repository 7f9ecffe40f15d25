package viewer

import (
	"context"
	"testing"
	"time"

	"github.com/drosenbauer/sightline/internal/telemetry"
	"github.com/drosenbauer/sightline/pkg/protocol"
)

// stubDispatcher returns a canned result for every frame.
type stubDispatcher struct {
	res *protocol.DetectionResultMessage
}

func (d *stubDispatcher) Dispatch(ctx context.Context, req *protocol.FrameRequest) (*protocol.DetectionResultMessage, error) {
	res := *d.res
	res.FrameID = req.FrameID
	return &res, nil
}

func (d *stubDispatcher) Close() error { return nil }

// captureSink records metric emissions.
type captureSink struct {
	frames     []FrameMetrics
	bandwidths []telemetry.BandwidthEstimate
}

func (s *captureSink) FrameProcessed(m FrameMetrics)              { s.frames = append(s.frames, m) }
func (s *captureSink) Bandwidth(est telemetry.BandwidthEstimate)  { s.bandwidths = append(s.bandwidths, est) }

func TestViewer_FinishDispatchRecordsMetrics(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	v := New(Config{
		Room:    "abc",
		Metrics: sink,
	})

	now := time.Now().UnixMilli()
	v.finishDispatch(dispatchDoneEvent{
		gen: v.gen,
		res: &protocol.DetectionResultMessage{
			FrameID:     "f1",
			CaptureTS:   now - 120,
			RecvTS:      now - 80,
			InferenceTS: now - 30,
			Detections:  []protocol.Detection{{Label: "person", Score: 0.9}},
		},
	})

	if v.ProcessedFrames() != 1 {
		t.Fatalf("ProcessedFrames() = %d, want 1", v.ProcessedFrames())
	}
	if len(sink.frames) != 1 {
		t.Fatalf("sink received %d frame metrics, want 1", len(sink.frames))
	}
	m := sink.frames[0]
	if m.FrameID != "f1" || m.Detections != 1 {
		t.Errorf("metrics = %+v", m)
	}
	if m.Server != 50 {
		t.Errorf("server latency = %v, want 50", m.Server)
	}
	if m.EndToEnd < 120 {
		t.Errorf("e2e latency = %v, want >= 120", m.EndToEnd)
	}
	// Uplink transit is recv_ts - capture_ts, independent of how long the
	// result took to come back.
	if m.Network != 40 {
		t.Errorf("network latency = %v, want 40", m.Network)
	}

	e2e, server, _ := v.LatencySummaries()
	if e2e.Max < 120 {
		t.Errorf("e2e window max = %v, want >= 120", e2e.Max)
	}
	if server.Max != 50 {
		t.Errorf("server window max = %v, want 50", server.Max)
	}
}

func TestViewer_DispatchFailureDoesNotCount(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	v := New(Config{Room: "abc", Metrics: sink})

	v.finishDispatch(dispatchDoneEvent{gen: v.gen, err: ErrAborted})
	v.finishDispatch(dispatchDoneEvent{gen: v.gen, err: context.DeadlineExceeded})

	if v.ProcessedFrames() != 0 {
		t.Errorf("ProcessedFrames() = %d, want 0", v.ProcessedFrames())
	}
	if len(sink.frames) != 0 {
		t.Errorf("sink received %d frame metrics, want 0", len(sink.frames))
	}
}

func TestViewer_StaleGenerationIsDiscarded(t *testing.T) {
	t.Parallel()

	v := New(Config{
		Room:       "abc",
		Dispatcher: &stubDispatcher{res: &protocol.DetectionResultMessage{}},
	})

	stale := v.gen
	v.teardownPeer()

	v.handleEvent(context.Background(), dispatchDoneEvent{
		gen: stale,
		res: &protocol.DetectionResultMessage{FrameID: "f1"},
	})
	if v.ProcessedFrames() != 0 {
		t.Errorf("stale dispatch counted: ProcessedFrames() = %d", v.ProcessedFrames())
	}

	v.handleEvent(context.Background(), frameEvent{gen: stale, req: &protocol.FrameRequest{FrameID: "f2"}})
	if v.pipeline.depth() != 0 {
		t.Errorf("stale frame entered the pipeline, depth = %d", v.pipeline.depth())
	}
}

func TestViewer_FrameEventDrivesPipeline(t *testing.T) {
	t.Parallel()

	v := New(Config{
		Room: "abc",
		Dispatcher: &stubDispatcher{res: &protocol.DetectionResultMessage{
			Detections: []protocol.Detection{},
		}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// First frame starts a dispatch; the next two arrive while busy and
	// collapse into one parked frame.
	v.handleEvent(ctx, frameEvent{gen: v.gen, req: &protocol.FrameRequest{FrameID: "f1"}})
	v.handleEvent(ctx, frameEvent{gen: v.gen, req: &protocol.FrameRequest{FrameID: "f2"}})
	v.handleEvent(ctx, frameEvent{gen: v.gen, req: &protocol.FrameRequest{FrameID: "f3"}})

	done := drainDispatch(t, v)
	if done.res.FrameID != "f1" {
		t.Fatalf("first completion = %q, want f1", done.res.FrameID)
	}
	v.handleEvent(ctx, done)

	done = drainDispatch(t, v)
	if done.res.FrameID != "f3" {
		t.Fatalf("second completion = %q, want parked f3", done.res.FrameID)
	}
	v.handleEvent(ctx, done)

	if v.ProcessedFrames() != 2 {
		t.Errorf("ProcessedFrames() = %d, want 2", v.ProcessedFrames())
	}
	if v.pipeline.depth() != 0 {
		t.Errorf("pipeline depth = %d, want 0", v.pipeline.depth())
	}
}

// drainDispatch waits for the next dispatch completion event.
func drainDispatch(t *testing.T, v *Viewer) dispatchDoneEvent {
	t.Helper()

	select {
	case ev := <-v.events:
		done, ok := ev.(dispatchDoneEvent)
		if !ok {
			t.Fatalf("unexpected event %T", ev)
		}
		return done
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for dispatch completion")
		return dispatchDoneEvent{}
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	if got := StateWaitingForPeer.String(); got != "waiting-for-peer" {
		t.Errorf("String() = %q, want waiting-for-peer", got)
	}
	if got := State(99).String(); got != "state(99)" {
		t.Errorf("String() = %q, want state(99)", got)
	}
}
