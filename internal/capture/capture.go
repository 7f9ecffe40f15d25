// Package capture implements a synthetic capture client: it joins a room as
// the phone peer, answers the viewer's WebRTC offer, and streams generated
// JPEG frames over the frames data channel at a fixed rate. It stands in for
// a real phone camera in benchmarks and end-to-end tests.
package capture

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	pionwebrtc "github.com/pion/webrtc/v4"

	"github.com/drosenbauer/sightline/internal/rtc"
	"github.com/drosenbauer/sightline/internal/signaling"
	"github.com/drosenbauer/sightline/pkg/protocol"
)

// Config holds capture client configuration.
type Config struct {
	// ServerURL is the broker's WebSocket URL.
	ServerURL string

	// Room is the session room to join.
	Room string

	// ICE is the STUN configuration for the peer connection.
	ICE rtc.ICEConfig

	// FPS is the synthetic frame rate. Defaults to 15.
	FPS int

	// Width and Height are the synthetic frame dimensions.
	// Default 320x240.
	Width  int
	Height int

	// OnResult is called for every detection result echoed back on the
	// detections channel. Optional.
	OnResult func(res *protocol.DetectionResultMessage)

	// Clock is the time source, mockable in tests.
	Clock clock.Clock

	// Logger is the structured logger. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Client is the synthetic capture peer.
type Client struct {
	cfg Config
	clk clock.Clock
	log *slog.Logger
	sig *signaling.Client

	// Owned by the run loop.
	peer       *rtc.Peer
	frames     *pionwebrtc.DataChannel
	candidates []json.RawMessage
	seq        uint64

	channelOpen chan string
}

// New creates a capture client. Call Run to join the room and start
// streaming once a viewer connects.
func New(cfg Config) *Client {
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
	if cfg.Width <= 0 {
		cfg.Width = 320
	}
	if cfg.Height <= 0 {
		cfg.Height = 240
	}

	return &Client{
		cfg:         cfg,
		clk:         clk,
		log:         log.With("component", "capture", "room", cfg.Room),
		channelOpen: make(chan string, 4),
	}
}

// Run joins the room as the phone peer and serves frames until the context
// is cancelled.
func (c *Client) Run(ctx context.Context) error {
	c.sig = signaling.NewClient(signaling.ClientConfig{
		ServerURL: c.cfg.ServerURL,
		Room:      c.cfg.Room,
		Role:      protocol.RolePhone,
		Logger:    c.log,
		Reconnect: signaling.ReconnectConfig{Enabled: true},
	})
	if err := c.sig.Connect(ctx); err != nil {
		return err
	}
	defer c.sig.Close()

	defer c.teardownPeer()

	interval := time.Second / time.Duration(c.cfg.FPS)
	ticker := c.clk.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-c.sig.Messages():
			if !ok {
				return fmt.Errorf("signaling connection lost")
			}
			c.handleSignal(ctx, msg)

		case label := <-c.channelOpen:
			if label == rtc.FramesChannelLabel && c.peer != nil {
				c.frames = c.peer.Channel(rtc.FramesChannelLabel)
				c.log.Info("frame streaming started", "fps", c.cfg.FPS)
			}

		case <-ticker.C:
			c.sendFrame()
		}
	}
}

// handleSignal processes one broker message.
func (c *Client) handleSignal(ctx context.Context, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.OfferMessage:
		c.handleOffer(ctx, m)

	case *protocol.ICECandidateMessage:
		c.handleCandidate(m)

	case *protocol.PeerLeftMessage:
		if m.Role != protocol.RoleBrowser {
			return
		}
		c.log.Info("viewer left", "peer_id", m.PeerID)
		c.teardownPeer()

	default:
		c.log.Debug("ignoring signaling message", "type", msg.MessageType())
	}
}

// handleOffer answers the viewer's SDP offer. A fresh offer replaces any
// existing peer connection.
func (c *Client) handleOffer(ctx context.Context, m *protocol.OfferMessage) {
	c.teardownPeer()

	peer, err := rtc.NewPeer(rtc.PeerConfig{
		ICE:      c.cfg.ICE,
		LocalID:  "capture",
		RemoteID: m.From,
		Logger:   c.log,
		OnICECandidate: func(candidate string) {
			payload, err := json.Marshal(map[string]string{"candidate": candidate})
			if err != nil {
				return
			}
			if err := c.sig.Send(ctx, &protocol.ICECandidateMessage{
				Room:      c.cfg.Room,
				Candidate: payload,
			}); err != nil {
				c.log.Warn("sending ICE candidate", "error", err)
			}
		},
		OnDataChannel: func(dc *pionwebrtc.DataChannel) {
			if dc.Label() == rtc.DetectionsChannelLabel {
				dc.OnMessage(func(msg pionwebrtc.DataChannelMessage) {
					c.onDetectionMessage(msg.Data)
				})
			}
			select {
			case c.channelOpen <- dc.Label():
			default:
			}
		},
	})
	if err != nil {
		c.log.Error("creating peer connection", "error", err)
		return
	}
	c.peer = peer

	var sd struct {
		SDP string `json:"sdp"`
	}
	if err := json.Unmarshal(m.Offer, &sd); err != nil {
		c.log.Warn("decoding offer payload", "error", err)
		c.teardownPeer()
		return
	}

	answerSDP, err := peer.HandleOffer(sd.SDP)
	if err != nil {
		c.log.Error("answering offer", "error", err)
		c.teardownPeer()
		return
	}
	c.flushCandidates()

	payload, err := json.Marshal(map[string]string{"type": "answer", "sdp": answerSDP})
	if err != nil {
		c.log.Error("encoding answer", "error", err)
		return
	}
	if err := c.sig.Send(ctx, &protocol.AnswerMessage{Room: c.cfg.Room, Answer: payload}); err != nil {
		c.log.Error("sending answer", "error", err)
		c.teardownPeer()
	}
}

func (c *Client) handleCandidate(m *protocol.ICECandidateMessage) {
	if c.peer == nil || !c.peer.HasRemoteDescription() {
		c.candidates = append(c.candidates, m.Candidate)
		return
	}
	c.addCandidate(m.Candidate)
}

func (c *Client) flushCandidates() {
	for _, raw := range c.candidates {
		c.addCandidate(raw)
	}
	c.candidates = nil
}

func (c *Client) addCandidate(raw json.RawMessage) {
	var cp struct {
		Candidate string `json:"candidate"`
	}
	if err := json.Unmarshal(raw, &cp); err != nil {
		c.log.Warn("decoding ICE candidate payload", "error", err)
		return
	}
	if err := c.peer.AddICECandidate(cp.Candidate); err != nil {
		c.log.Warn("adding ICE candidate", "error", err)
	}
}

// onDetectionMessage decodes an echoed result and hands it to the callback.
func (c *Client) onDetectionMessage(data []byte) {
	msg, err := protocol.Unmarshal(data)
	if err != nil {
		c.log.Warn("ignoring malformed detection payload", "error", err)
		return
	}
	res, ok := msg.(*protocol.DetectionResultMessage)
	if !ok {
		return
	}
	if c.cfg.OnResult != nil {
		c.cfg.OnResult(res)
	}
}

// sendFrame ships one synthetic frame. Send failures are logged and the
// frame is dropped; nothing is buffered or retried.
func (c *Client) sendFrame() {
	dc := c.frames
	if dc == nil || dc.ReadyState() != pionwebrtc.DataChannelStateOpen {
		return
	}

	c.seq++
	req := protocol.FrameRequest{
		FrameID:   fmt.Sprintf("frame-%d", c.seq),
		CaptureTS: c.clk.Now().UnixMilli(),
		Width:     c.cfg.Width,
		Height:    c.cfg.Height,
		ImageData: c.syntheticJPEG(),
	}
	data, err := json.Marshal(req)
	if err != nil {
		c.log.Error("encoding frame", "error", err)
		return
	}
	if err := dc.Send(data); err != nil {
		c.log.Warn("sending frame", "frame_id", req.FrameID, "error", err)
	}
}

// syntheticJPEG renders a moving block on a shaded background so successive
// frames differ and downstream consumers see changing content.
func (c *Client) syntheticJPEG() string {
	w, h := c.cfg.Width, c.cfg.Height
	img := image.NewNRGBA(image.Rect(0, 0, w, h))

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8(x * 255 / w),
				G: uint8(y * 255 / h),
				B: 96,
				A: 255,
			})
		}
	}

	// The block walks across the frame one step per frame.
	side := h / 4
	x0 := int(c.seq*8) % (w - side)
	y0 := int(c.seq*4) % (h - side)
	for y := y0; y < y0+side; y++ {
		for x := x0; x < x0+side; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 230, G: 40, B: 40, A: 255})
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		c.log.Error("encoding synthetic frame", "error", err)
		return ""
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

// teardownPeer closes the current peer connection, if any.
func (c *Client) teardownPeer() {
	c.frames = nil
	c.candidates = nil
	if c.peer != nil {
		_ = c.peer.Close()
		c.peer = nil
	}
}
