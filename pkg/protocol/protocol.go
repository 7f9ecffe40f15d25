// Package protocol defines the signaling protocol message types exchanged
// between sightline peers, the signaling broker, and the inference engine.
//
// All messages are JSON-encoded with a "type" discriminator field. The same
// encoding is used on the WebSocket control connection and (for frame
// requests and detection results) on the peer-to-peer data channels, so this
// package is intentionally free of external dependencies.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Role identifies which side of a room a peer occupies. A room holds at most
// one peer per role; the two roles are complementary.
type Role string

const (
	// RolePhone is the capture peer: it produces encoded camera frames.
	RolePhone Role = "phone"

	// RoleBrowser is the viewer peer: it consumes frames and runs or
	// forwards detection.
	RoleBrowser Role = "browser"
)

// Valid reports whether r is one of the two recognized roles.
func (r Role) Valid() bool {
	return r == RolePhone || r == RoleBrowser
}

// Opposite returns the complementary role.
func (r Role) Opposite() Role {
	if r == RolePhone {
		return RoleBrowser
	}
	return RolePhone
}

// Message is the interface implemented by all signaling protocol messages.
// Each message type corresponds to a JSON object with a "type" discriminator field.
type Message interface {
	// MessageType returns the wire-format type string (e.g. "join-room", "offer").
	MessageType() string
}

// Detection is a single scored, labeled bounding box. Coordinates are
// normalized to [0,1] relative to the detector input frame, with
// XMax > XMin and YMax > YMin.
type Detection struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
	XMin  float64 `json:"xmin"`
	YMin  float64 `json:"ymin"`
	XMax  float64 `json:"xmax"`
	YMax  float64 `json:"ymax"`
}

// FrameRequest describes one encoded camera frame. It is created on the
// capture peer, carried over the peer-to-peer data channel as JSON, and
// optionally forwarded to the inference engine inside a ProcessFrameMessage.
type FrameRequest struct {
	// FrameID is unique within a session and echoed back in the result.
	FrameID string `json:"frame_id"`

	// CaptureTS is the capture timestamp in milliseconds, monotonic
	// across the session.
	CaptureTS int64 `json:"capture_ts"`

	// Width and Height are the dimensions of the encoded image in pixels.
	Width  int `json:"width"`
	Height int `json:"height"`

	// ImageData is a data-URI-prefixed base64 encoding of the frame
	// (JPEG by default).
	ImageData string `json:"imageData"`
}

// JoinRoomMessage is sent by a client to register itself in a room slot.
type JoinRoomMessage struct {
	Room string `json:"room"`
	Role Role   `json:"role"`
}

func (JoinRoomMessage) MessageType() string { return "join-room" }

// PeerJoinedMessage is sent by the broker when the opposite role slot of a
// room becomes (or already is) occupied.
type PeerJoinedMessage struct {
	PeerID string `json:"peerId"`
	Role   Role   `json:"role"`
}

func (PeerJoinedMessage) MessageType() string { return "peer-joined" }

// PeerLeftMessage is sent by the broker when a peer's control connection
// terminates or its slot is evicted.
type PeerLeftMessage struct {
	PeerID string `json:"peerId"`
	Role   Role   `json:"role"`
}

func (PeerLeftMessage) MessageType() string { return "peer-left" }

// OfferMessage carries an SDP offer. The broker relays it verbatim to the
// other peers in the room, attaching the sender's connection ID as From.
// The Offer payload is opaque to the broker.
type OfferMessage struct {
	Room  string          `json:"room"`
	Offer json.RawMessage `json:"offer"`
	From  string          `json:"from,omitempty"`
}

func (OfferMessage) MessageType() string { return "offer" }

// AnswerMessage carries an SDP answer, relayed like OfferMessage.
type AnswerMessage struct {
	Room   string          `json:"room"`
	Answer json.RawMessage `json:"answer"`
	From   string          `json:"from,omitempty"`
}

func (AnswerMessage) MessageType() string { return "answer" }

// ICECandidateMessage carries a trickle ICE candidate, relayed like
// OfferMessage. The Candidate payload is opaque to the broker.
type ICECandidateMessage struct {
	Room      string          `json:"room"`
	Candidate json.RawMessage `json:"candidate"`
	From      string          `json:"from,omitempty"`
}

func (ICECandidateMessage) MessageType() string { return "ice-candidate" }

// ProcessFrameMessage asks the inference engine to run detection on one frame.
type ProcessFrameMessage struct {
	Room string `json:"room"`
	FrameRequest
}

func (ProcessFrameMessage) MessageType() string { return "process-frame" }

// DetectionResultMessage is the engine's (or the local detector's) answer to
// a frame request. Timestamps are milliseconds and satisfy
// CaptureTS <= RecvTS <= InferenceTS.
type DetectionResultMessage struct {
	FrameID     string      `json:"frame_id"`
	CaptureTS   int64       `json:"capture_ts"`
	RecvTS      int64       `json:"recv_ts"`
	InferenceTS int64       `json:"inference_ts"`
	Detections  []Detection `json:"detections"`
}

func (DetectionResultMessage) MessageType() string { return "detection-result" }

// ProcessingErrorMessage reports a non-fatal per-frame failure (decode error,
// detector failure, model not loaded) to the originating connection.
type ProcessingErrorMessage struct {
	Error string `json:"error"`
}

func (ProcessingErrorMessage) MessageType() string { return "processing-error" }

// InitializeServerModelMessage asks the engine to load the detector if it is
// not yet loaded. Loading is idempotent.
type InitializeServerModelMessage struct {
	Room string `json:"room"`
}

func (InitializeServerModelMessage) MessageType() string { return "initialize-server-model" }

// ModelInitializationResultMessage reports the outcome of a model
// initialization request. LoadTime is milliseconds and only meaningful on
// success.
type ModelInitializationResultMessage struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	Error    string `json:"error,omitempty"`
	LoadTime int64  `json:"loadTime,omitempty"`
	Room     string `json:"room"`
}

func (ModelInitializationResultMessage) MessageType() string { return "model-initialization-result" }

// messageTypes maps wire-format type strings to factory functions
// that produce zero-value pointers of the corresponding message type.
var messageTypes = map[string]func() Message{
	"join-room":                   func() Message { return &JoinRoomMessage{} },
	"peer-joined":                 func() Message { return &PeerJoinedMessage{} },
	"peer-left":                   func() Message { return &PeerLeftMessage{} },
	"offer":                       func() Message { return &OfferMessage{} },
	"answer":                      func() Message { return &AnswerMessage{} },
	"ice-candidate":               func() Message { return &ICECandidateMessage{} },
	"process-frame":               func() Message { return &ProcessFrameMessage{} },
	"detection-result":            func() Message { return &DetectionResultMessage{} },
	"processing-error":            func() Message { return &ProcessingErrorMessage{} },
	"initialize-server-model":     func() Message { return &InitializeServerModelMessage{} },
	"model-initialization-result": func() Message { return &ModelInitializationResultMessage{} },
}

// Marshal serializes a Message to JSON, injecting the "type" discriminator field.
func Marshal(msg Message) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling message payload: %w", err)
	}

	// Decode into a generic map so we can inject the "type" field.
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("re-decoding message payload: %w", err)
	}

	typeBytes, err := json.Marshal(msg.MessageType())
	if err != nil {
		return nil, fmt.Errorf("marshaling message type: %w", err)
	}
	obj["type"] = typeBytes

	return json.Marshal(obj)
}

// Unmarshal deserializes a JSON message, using the "type" discriminator
// to decode into the correct concrete Message type.
func Unmarshal(data []byte) (Message, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding message envelope: %w", err)
	}

	factory, ok := messageTypes[env.Type]
	if !ok {
		return nil, fmt.Errorf("unknown message type: %q", env.Type)
	}

	msg := factory()
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decoding %q message: %w", env.Type, err)
	}

	return msg, nil
}
