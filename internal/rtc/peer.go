// Package rtc wraps pion WebRTC peer connections for the frame transport:
// the viewer opens two data channels toward the capture peer, one carrying
// captured frames and one echoing detection results back.
package rtc

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

const (
	// FramesChannelLabel carries JPEG frame payloads from capture to viewer.
	FramesChannelLabel = "frames"

	// DetectionsChannelLabel echoes detection results from viewer to capture.
	DetectionsChannelLabel = "detections"
)

// ICEConfig holds the STUN server list used for candidate gathering. An
// empty list still works between peers on the same host via host candidates.
type ICEConfig struct {
	STUNServers []string
}

func (c ICEConfig) pionICEServers() []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	for _, s := range c.STUNServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{s}})
	}
	return servers
}

// ChannelConfig controls data channel delivery semantics. Frames ride an
// ordered reliable channel by default; an unordered channel with bounded
// retransmits trades consistency for latency.
type ChannelConfig struct {
	Ordered        bool
	MaxRetransmits uint16
}

func (c ChannelConfig) dataChannelInit() *webrtc.DataChannelInit {
	init := &webrtc.DataChannelInit{
		Ordered: &c.Ordered,
	}
	if !c.Ordered {
		mr := c.MaxRetransmits
		init.MaxRetransmits = &mr
	}
	return init
}

// PeerConfig holds configuration for creating a Peer.
type PeerConfig struct {
	// ICE contains the STUN server configuration.
	ICE ICEConfig

	// Channel controls delivery semantics of the channels the offerer
	// creates.
	Channel ChannelConfig

	// LocalID is this peer's identifier (used for logging).
	LocalID string

	// RemoteID is the remote peer's identifier (used for logging).
	RemoteID string

	// Logger is the structured logger. If nil, slog.Default() is used.
	Logger *slog.Logger

	// OnICECandidate is called when a local ICE candidate is gathered.
	// The caller relays the candidate string to the remote peer via
	// signaling. Gathering completion is not reported.
	OnICECandidate func(candidate string)

	// OnDataChannel is called when a data channel opens, for both channels
	// and on both sides. Dispatch on the channel label.
	OnDataChannel func(dc *webrtc.DataChannel)

	// OnConnectionStateChange is called when the ICE connection state
	// changes.
	OnConnectionStateChange func(state webrtc.ICEConnectionState)
}

// Peer wraps a pion RTCPeerConnection and manages the SDP offer/answer
// exchange, ICE candidate trickle, and the two data channels.
type Peer struct {
	cfg  PeerConfig
	log  *slog.Logger
	pc   *webrtc.PeerConnection
	done chan struct{}

	mu       sync.Mutex
	channels map[string]*webrtc.DataChannel
}

// NewPeer creates a new RTCPeerConnection with the given configuration. It
// does NOT create the SDP offer or the data channels — call CreateOffer
// (viewer) or HandleOffer (capture) to proceed with the signaling exchange.
func NewPeer(cfg PeerConfig) (*Peer, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("local_id", cfg.LocalID, "remote_id", cfg.RemoteID)

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: cfg.ICE.pionICEServers(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	p := &Peer{
		cfg:      cfg,
		log:      log,
		pc:       pc,
		done:     make(chan struct{}),
		channels: make(map[string]*webrtc.DataChannel),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			p.log.Debug("ICE gathering complete")
			return
		}
		p.log.Debug("ICE candidate gathered", "candidate", c.String())
		if p.cfg.OnICECandidate != nil {
			p.cfg.OnICECandidate(c.ToJSON().Candidate)
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.log.Info("ICE connection state changed", "state", state.String())
		if p.cfg.OnConnectionStateChange != nil {
			p.cfg.OnConnectionStateChange(state)
		}
		if state == webrtc.ICEConnectionStateFailed ||
			state == webrtc.ICEConnectionStateClosed {
			p.mu.Lock()
			select {
			case <-p.done:
			default:
				close(p.done)
			}
			p.mu.Unlock()
		}
	})

	// For the answerer: handle channels created by the offerer.
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		p.log.Info("remote data channel received", "label", dc.Label())
		p.setupDataChannel(dc)
	})

	return p, nil
}

// CreateOffer creates the frames and detections data channels, generates an
// SDP offer, and sets it as the local description. The caller sends the
// returned SDP to the remote peer via signaling.
func (p *Peer) CreateOffer() (string, error) {
	for _, label := range []string{FramesChannelLabel, DetectionsChannelLabel} {
		dc, err := p.pc.CreateDataChannel(label, p.cfg.Channel.dataChannelInit())
		if err != nil {
			return "", fmt.Errorf("creating %s channel: %w", label, err)
		}
		p.setupDataChannel(dc)
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("creating SDP offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}

	p.log.Debug("SDP offer created")
	return offer.SDP, nil
}

// HandleOffer sets the remote SDP offer, creates an SDP answer, and sets it
// as the local description. The caller sends the returned SDP back to the
// offerer via signaling.
func (p *Peer) HandleOffer(sdp string) (string, error) {
	offer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("setting remote offer: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("creating SDP answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}

	p.log.Debug("SDP answer created")
	return answer.SDP, nil
}

// SetAnswer sets the remote SDP answer on the peer connection. Called by the
// offerer after receiving the answer via signaling.
func (p *Peer) SetAnswer(sdp string) error {
	answer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("setting remote answer: %w", err)
	}

	p.log.Debug("remote SDP answer set")
	return nil
}

// HasRemoteDescription reports whether a remote SDP description has been set.
// Callers buffer incoming ICE candidates until then — pion rejects
// AddICECandidate before SetRemoteDescription.
func (p *Peer) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

// AddICECandidate adds a remote ICE candidate received via signaling.
func (p *Peer) AddICECandidate(candidate string) error {
	if err := p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate: candidate,
	}); err != nil {
		return fmt.Errorf("adding ICE candidate: %w", err)
	}
	return nil
}

// Channel returns the data channel with the given label, or nil if it has
// not opened yet.
func (p *Peer) Channel(label string) *webrtc.DataChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channels[label]
}

// TransportStats summarizes the bytes moved over the peer's transport.
type TransportStats struct {
	BytesSent     uint64
	BytesReceived uint64
}

// Stats sums sent and received bytes across the connection's transports.
func (p *Peer) Stats() TransportStats {
	var ts TransportStats
	for _, s := range p.pc.GetStats() {
		if t, ok := s.(webrtc.TransportStats); ok {
			ts.BytesSent += t.BytesSent
			ts.BytesReceived += t.BytesReceived
		}
	}
	return ts
}

// ConnectionState returns the current ICE connection state.
func (p *Peer) ConnectionState() webrtc.ICEConnectionState {
	return p.pc.ICEConnectionState()
}

// Done returns a channel that is closed when the peer connection fails or
// closes.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// Close closes the data channels and the peer connection.
func (p *Peer) Close() error {
	p.mu.Lock()
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	channels := make([]*webrtc.DataChannel, 0, len(p.channels))
	for _, dc := range p.channels {
		channels = append(channels, dc)
	}
	p.mu.Unlock()

	for _, dc := range channels {
		if err := dc.Close(); err != nil {
			p.log.Warn("closing data channel", "label", dc.Label(), "error", err)
		}
	}

	if err := p.pc.Close(); err != nil {
		return fmt.Errorf("closing peer connection: %w", err)
	}

	p.log.Info("peer connection closed")
	return nil
}

// setupDataChannel registers callbacks on a data channel and stores it.
func (p *Peer) setupDataChannel(dc *webrtc.DataChannel) {
	p.mu.Lock()
	p.channels[dc.Label()] = dc
	p.mu.Unlock()

	dc.OnOpen(func() {
		p.log.Info("data channel open", "label", dc.Label())
		if p.cfg.OnDataChannel != nil {
			p.cfg.OnDataChannel(dc)
		}
	})

	dc.OnClose(func() {
		p.log.Info("data channel closed", "label", dc.Label())
	})

	dc.OnError(func(err error) {
		p.log.Error("data channel error", "label", dc.Label(), "error", err)
	})
}
