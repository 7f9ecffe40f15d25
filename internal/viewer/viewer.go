// Package viewer implements the viewer-side session orchestrator: it joins a
// room as the browser peer, negotiates a WebRTC connection with the capture
// peer, pulls frames off the frames data channel, runs them through a local
// or offloaded detection path under a latest-frame backpressure policy, and
// echoes results back on the detections channel.
package viewer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	pionwebrtc "github.com/pion/webrtc/v4"

	"github.com/drosenbauer/sightline/internal/rtc"
	"github.com/drosenbauer/sightline/internal/signaling"
	"github.com/drosenbauer/sightline/internal/telemetry"
	"github.com/drosenbauer/sightline/pkg/protocol"
)

// State is the viewer session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateWaitingForPeer
	StateOffering
	StateNegotiating
	StateConnected
	StateDetecting
	StateClosed
)

var stateNames = map[State]string{
	StateIdle:           "idle",
	StateConnecting:     "connecting",
	StateWaitingForPeer: "waiting-for-peer",
	StateOffering:       "offering",
	StateNegotiating:    "negotiating",
	StateConnected:      "connected",
	StateDetecting:      "detecting",
	StateClosed:         "closed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// FrameMetrics is the per-frame measurement emitted after each processed
// frame. Latencies are milliseconds.
type FrameMetrics struct {
	FrameID    string
	EndToEnd   float64
	Server     float64
	Network    float64
	Detections int
}

// MetricsSink receives viewer measurements. The benchmark harness implements
// it to collect raw samples; a nil sink disables emission.
type MetricsSink interface {
	FrameProcessed(m FrameMetrics)
	Bandwidth(est telemetry.BandwidthEstimate)
}

// Config holds viewer configuration.
type Config struct {
	// ServerURL is the broker's WebSocket URL.
	ServerURL string

	// Room is the session room to join.
	Room string

	// ICE is the STUN configuration for the peer connection.
	ICE rtc.ICEConfig

	// Channel controls data channel delivery semantics.
	Channel rtc.ChannelConfig

	// Dispatcher is the detection path (local or offload).
	Dispatcher Dispatcher

	// Metrics receives per-frame and bandwidth measurements. Optional.
	Metrics MetricsSink

	// BandwidthInterval is the transport stats sampling period.
	// Defaults to 1s.
	BandwidthInterval time.Duration

	// Clock is the time source, mockable in tests.
	Clock clock.Clock

	// Logger is the structured logger. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// event is an internal run-loop event posted from data channel and dispatch
// callbacks.
type event interface{ isEvent() }

type frameEvent struct {
	gen int
	req *protocol.FrameRequest
}

type dispatchDoneEvent struct {
	gen int
	res *protocol.DetectionResultMessage
	err error
}

type channelOpenEvent struct {
	label string
}

type iceStateEvent struct {
	state pionwebrtc.ICEConnectionState
}

func (frameEvent) isEvent()        {}
func (dispatchDoneEvent) isEvent() {}
func (channelOpenEvent) isEvent()  {}
func (iceStateEvent) isEvent()     {}

// Viewer is the session orchestrator. All session state (peer connection,
// pipeline, ICE candidate buffer) is owned by the single Run loop; callbacks
// from other goroutines post events instead of mutating state.
type Viewer struct {
	cfg Config
	clk clock.Clock
	log *slog.Logger
	sig *signaling.Client

	events chan event

	// Owned by the run loop.
	peer       *rtc.Peer
	pipeline   framePipeline
	gen        int
	candidates []json.RawMessage
	detections *pionwebrtc.DataChannel
	frames     *pionwebrtc.DataChannel

	stateMu sync.Mutex
	state   State

	e2e     *telemetry.LatencyWindow
	server  *telemetry.LatencyWindow
	network *telemetry.LatencyWindow
	bw      *telemetry.BandwidthWindow

	processedMu sync.Mutex
	processed   uint64
}

// New creates a Viewer. Call Run to join the room and drive the session.
func New(cfg Config) *Viewer {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	if cfg.BandwidthInterval <= 0 {
		cfg.BandwidthInterval = time.Second
	}

	return &Viewer{
		cfg:     cfg,
		clk:     clk,
		log:     log.With("component", "viewer", "room", cfg.Room),
		events:  make(chan event, 64),
		state:   StateIdle,
		e2e:     telemetry.NewLatencyWindow(),
		server:  telemetry.NewLatencyWindow(),
		network: telemetry.NewLatencyWindow(),
		bw:      telemetry.NewBandwidthWindow(),
	}
}

// State returns the current session state.
func (v *Viewer) State() State {
	v.stateMu.Lock()
	defer v.stateMu.Unlock()
	return v.state
}

func (v *Viewer) setState(s State) {
	v.stateMu.Lock()
	prev := v.state
	v.state = s
	v.stateMu.Unlock()
	if prev != s {
		v.log.Info("state changed", "from", prev, "to", s)
	}
}

// LatencySummaries returns the end-to-end, server, and network latency
// window statistics.
func (v *Viewer) LatencySummaries() (e2e, server, network telemetry.LatencySummary) {
	return v.e2e.Summary(), v.server.Summary(), v.network.Summary()
}

// Bandwidth returns the current transport throughput estimate.
func (v *Viewer) Bandwidth() telemetry.BandwidthEstimate {
	return v.bw.Estimate()
}

// ProcessedFrames returns the number of frames fully processed this session.
func (v *Viewer) ProcessedFrames() uint64 {
	v.processedMu.Lock()
	defer v.processedMu.Unlock()
	return v.processed
}

// Run joins the room and drives the session until the context is cancelled.
func (v *Viewer) Run(ctx context.Context) error {
	v.setState(StateConnecting)

	v.sig = signaling.NewClient(signaling.ClientConfig{
		ServerURL: v.cfg.ServerURL,
		Room:      v.cfg.Room,
		Role:      protocol.RoleBrowser,
		Logger:    v.log,
		Reconnect: signaling.ReconnectConfig{Enabled: true},
	})
	if err := v.sig.Connect(ctx); err != nil {
		v.setState(StateClosed)
		return err
	}
	defer v.sig.Close()

	if od, ok := v.cfg.Dispatcher.(*OffloadDispatcher); ok {
		od.Bind(v.sig)
	}

	v.setState(StateWaitingForPeer)

	ticker := v.clk.Ticker(v.cfg.BandwidthInterval)
	defer ticker.Stop()

	defer func() {
		v.teardownPeer()
		if v.cfg.Dispatcher != nil {
			_ = v.cfg.Dispatcher.Close()
		}
		v.setState(StateClosed)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-v.sig.Messages():
			if !ok {
				return fmt.Errorf("signaling connection lost")
			}
			v.handleSignal(ctx, msg)

		case ev := <-v.events:
			v.handleEvent(ctx, ev)

		case <-ticker.C:
			v.sampleBandwidth()
		}
	}
}

// handleSignal processes one broker message on the run loop.
func (v *Viewer) handleSignal(ctx context.Context, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.PeerJoinedMessage:
		if m.Role != protocol.RolePhone {
			return
		}
		v.startOffer(ctx, m.PeerID)

	case *protocol.AnswerMessage:
		v.handleAnswer(m)

	case *protocol.ICECandidateMessage:
		v.handleCandidate(m)

	case *protocol.PeerLeftMessage:
		if m.Role != protocol.RolePhone {
			return
		}
		v.log.Info("capture peer left", "peer_id", m.PeerID)
		v.teardownPeer()
		v.setState(StateWaitingForPeer)

	case *protocol.DetectionResultMessage:
		// Server replies for offloaded frames ride the control connection.
		if rr, ok := v.cfg.Dispatcher.(*OffloadDispatcher); ok {
			if !rr.HandleResult(m) {
				v.log.Debug("discarding late detection result", "frame_id", m.FrameID)
			}
		}

	case *protocol.ProcessingErrorMessage:
		v.log.Warn("server reported frame failure", "error", m.Error)

	default:
		v.log.Debug("ignoring signaling message", "type", msg.MessageType())
	}
}

// startOffer creates the peer connection and sends the SDP offer. The viewer
// is always the offerer.
func (v *Viewer) startOffer(ctx context.Context, peerID string) {
	v.teardownPeer()
	v.setState(StateOffering)

	gen := v.gen
	peer, err := rtc.NewPeer(rtc.PeerConfig{
		ICE:      v.cfg.ICE,
		Channel:  v.cfg.Channel,
		LocalID:  "viewer",
		RemoteID: peerID,
		Logger:   v.log,
		OnICECandidate: func(candidate string) {
			payload, err := json.Marshal(map[string]string{"candidate": candidate})
			if err != nil {
				return
			}
			if err := v.sig.Send(ctx, &protocol.ICECandidateMessage{
				Room:      v.cfg.Room,
				Candidate: payload,
			}); err != nil {
				v.log.Warn("sending ICE candidate", "error", err)
			}
		},
		OnDataChannel: func(dc *pionwebrtc.DataChannel) {
			if dc.Label() == rtc.FramesChannelLabel {
				dc.OnMessage(func(msg pionwebrtc.DataChannelMessage) {
					v.onFrameMessage(gen, msg.Data)
				})
			}
			v.postEvent(channelOpenEvent{label: dc.Label()})
		},
		OnConnectionStateChange: func(state pionwebrtc.ICEConnectionState) {
			v.postEvent(iceStateEvent{state: state})
		},
	})
	if err != nil {
		v.log.Error("creating peer connection", "error", err)
		v.setState(StateWaitingForPeer)
		return
	}
	v.peer = peer

	offerSDP, err := peer.CreateOffer()
	if err != nil {
		v.log.Error("creating offer", "error", err)
		v.teardownPeer()
		v.setState(StateWaitingForPeer)
		return
	}

	payload, err := json.Marshal(map[string]string{"type": "offer", "sdp": offerSDP})
	if err != nil {
		v.log.Error("encoding offer", "error", err)
		return
	}
	if err := v.sig.Send(ctx, &protocol.OfferMessage{Room: v.cfg.Room, Offer: payload}); err != nil {
		v.log.Error("sending offer", "error", err)
		v.teardownPeer()
		v.setState(StateWaitingForPeer)
		return
	}
	v.setState(StateNegotiating)
}

// sessionDescription is the JSON shape of the offer/answer payload.
type sessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func (v *Viewer) handleAnswer(m *protocol.AnswerMessage) {
	if v.peer == nil {
		v.log.Debug("discarding answer without a peer connection")
		return
	}
	var sd sessionDescription
	if err := json.Unmarshal(m.Answer, &sd); err != nil {
		v.log.Warn("decoding answer payload", "error", err)
		return
	}
	if err := v.peer.SetAnswer(sd.SDP); err != nil {
		v.log.Error("applying answer", "error", err)
		return
	}
	v.flushCandidates()
}

// candidatePayload is the JSON shape of the ICE candidate payload.
type candidatePayload struct {
	Candidate string `json:"candidate"`
}

func (v *Viewer) handleCandidate(m *protocol.ICECandidateMessage) {
	if v.peer == nil {
		return
	}
	// pion rejects candidates before the remote description is set; park
	// them and flush after the answer is applied.
	if !v.peer.HasRemoteDescription() {
		v.candidates = append(v.candidates, m.Candidate)
		return
	}
	v.addCandidate(m.Candidate)
}

func (v *Viewer) flushCandidates() {
	for _, raw := range v.candidates {
		v.addCandidate(raw)
	}
	v.candidates = nil
}

func (v *Viewer) addCandidate(raw json.RawMessage) {
	var cp candidatePayload
	if err := json.Unmarshal(raw, &cp); err != nil {
		v.log.Warn("decoding ICE candidate payload", "error", err)
		return
	}
	if err := v.peer.AddICECandidate(cp.Candidate); err != nil {
		v.log.Warn("adding ICE candidate", "error", err)
	}
}

// onFrameMessage decodes a frame off the frames channel. Runs on pion's
// callback goroutine; the frame is posted to the run loop.
func (v *Viewer) onFrameMessage(gen int, data []byte) {
	var req protocol.FrameRequest
	if err := json.Unmarshal(data, &req); err != nil {
		v.log.Warn("ignoring malformed frame payload", "error", err)
		return
	}
	v.postEvent(frameEvent{gen: gen, req: &req})
}

func (v *Viewer) postEvent(ev event) {
	select {
	case v.events <- ev:
	default:
		// The run loop is saturated; dropping is safe for every event
		// kind except dispatchDone, which is buffered by pipeline depth.
		v.log.Debug("dropping event under load")
	}
}

// handleEvent processes one internal event on the run loop.
func (v *Viewer) handleEvent(ctx context.Context, ev event) {
	switch e := ev.(type) {
	case frameEvent:
		if e.gen != v.gen {
			return
		}
		if next := v.pipeline.offer(e.req); next != nil {
			v.startDispatch(ctx, next)
		}

	case dispatchDoneEvent:
		if e.gen != v.gen {
			// Result from a torn-down session.
			return
		}
		v.finishDispatch(e)
		if next := v.pipeline.complete(); next != nil {
			v.startDispatch(ctx, next)
		}

	case channelOpenEvent:
		if e.label == rtc.DetectionsChannelLabel && v.peer != nil {
			v.detections = v.peer.Channel(rtc.DetectionsChannelLabel)
		}
		if e.label == rtc.FramesChannelLabel && v.peer != nil {
			v.frames = v.peer.Channel(rtc.FramesChannelLabel)
		}
		if v.frames != nil && v.detections != nil {
			v.setState(StateDetecting)
		}

	case iceStateEvent:
		switch e.state {
		case pionwebrtc.ICEConnectionStateConnected:
			if v.State() == StateNegotiating {
				v.setState(StateConnected)
			}
		case pionwebrtc.ICEConnectionStateFailed, pionwebrtc.ICEConnectionStateDisconnected:
			v.log.Warn("peer transport degraded", "state", e.state.String())
		}
	}
}

// startDispatch runs the dispatcher off the run loop; completion is posted
// back as an event. The pipeline guarantees one dispatch at a time.
func (v *Viewer) startDispatch(ctx context.Context, req *protocol.FrameRequest) {
	gen := v.gen
	go func() {
		res, err := v.cfg.Dispatcher.Dispatch(ctx, req)
		select {
		case v.events <- dispatchDoneEvent{gen: gen, res: res, err: err}:
		case <-ctx.Done():
		}
	}()
}

// finishDispatch records telemetry for a completed frame and echoes the
// result to the capture peer.
func (v *Viewer) finishDispatch(e dispatchDoneEvent) {
	if e.err != nil {
		if e.err != ErrAborted {
			v.log.Warn("frame dispatch failed", "error", e.err)
		}
		return
	}
	res := e.res

	now := float64(v.clk.Now().UnixMilli())
	e2e := now - float64(res.CaptureTS)
	server := float64(res.InferenceTS - res.RecvTS)
	// Uplink transit: capture to server receipt. In local mode the
	// dispatcher stamps recv_ts at dispatch, so this collapses toward 0.
	network := float64(res.RecvTS - res.CaptureTS)
	if network < 0 {
		network = 0
	}

	v.e2e.Record(e2e)
	v.server.Record(server)
	v.network.Record(network)

	v.processedMu.Lock()
	v.processed++
	v.processedMu.Unlock()

	if v.cfg.Metrics != nil {
		v.cfg.Metrics.FrameProcessed(FrameMetrics{
			FrameID:    res.FrameID,
			EndToEnd:   e2e,
			Server:     server,
			Network:    network,
			Detections: len(res.Detections),
		})
	}

	v.echoResult(res)
}

// echoResult ships the detection result back to the capture peer on the
// detections channel. Failures are logged and never retried or buffered.
func (v *Viewer) echoResult(res *protocol.DetectionResultMessage) {
	dc := v.detections
	if dc == nil || dc.ReadyState() != pionwebrtc.DataChannelStateOpen {
		return
	}
	data, err := protocol.Marshal(res)
	if err != nil {
		v.log.Error("encoding detection result", "error", err)
		return
	}
	if err := dc.Send(data); err != nil {
		v.log.Warn("echoing detection result", "frame_id", res.FrameID, "error", err)
	}
}

// sampleBandwidth records a transport counter snapshot and publishes the
// estimate.
func (v *Viewer) sampleBandwidth() {
	if v.peer == nil {
		return
	}
	stats := v.peer.Stats()
	v.bw.Record(v.clk.Now(), stats.BytesSent, stats.BytesReceived)
	if v.cfg.Metrics != nil {
		v.cfg.Metrics.Bandwidth(v.bw.Estimate())
	}
}

// teardownPeer closes the current peer connection and resets per-session
// pipeline state. In-flight dispatches are fenced off by the generation
// counter; their late completions are discarded.
func (v *Viewer) teardownPeer() {
	v.gen++
	v.pipeline.reset()
	v.candidates = nil
	v.frames = nil
	v.detections = nil
	if v.peer != nil {
		_ = v.peer.Close()
		v.peer = nil
	}
}
