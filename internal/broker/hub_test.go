package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/drosenbauer/sightline/internal/engine"
	"github.com/drosenbauer/sightline/internal/model"
	"github.com/drosenbauer/sightline/pkg/protocol"
)

// testConn is one peer-side WebSocket connection to a hub under test.
type testConn struct {
	t    *testing.T
	conn *websocket.Conn
	ctx  context.Context
}

func dialHub(t *testing.T, srv *httptest.Server) *testConn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dialing hub: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	return &testConn{t: t, conn: conn, ctx: ctx}
}

func (c *testConn) send(msg protocol.Message) {
	c.t.Helper()
	data, err := protocol.Marshal(msg)
	if err != nil {
		c.t.Fatalf("marshaling %s: %v", msg.MessageType(), err)
	}
	if err := c.conn.Write(c.ctx, websocket.MessageText, data); err != nil {
		c.t.Fatalf("sending %s: %v", msg.MessageType(), err)
	}
}

func (c *testConn) sendRaw(data string) {
	c.t.Helper()
	if err := c.conn.Write(c.ctx, websocket.MessageText, []byte(data)); err != nil {
		c.t.Fatalf("sending raw payload: %v", err)
	}
}

func (c *testConn) recv() protocol.Message {
	c.t.Helper()
	_, data, err := c.conn.Read(c.ctx)
	if err != nil {
		c.t.Fatalf("reading from hub: %v", err)
	}
	msg, err := protocol.Unmarshal(data)
	if err != nil {
		c.t.Fatalf("unmarshaling hub message: %v", err)
	}
	return msg
}

func (c *testConn) join(room string, role protocol.Role) {
	c.t.Helper()
	c.send(&protocol.JoinRoomMessage{Room: room, Role: role})
}

// newTestHub spins up a hub with a running engine against a loader that never
// needs a real model runtime.
func newTestHub(t *testing.T, loader func(ctx context.Context, path string) (model.Detector, error)) (*Hub, *httptest.Server) {
	t.Helper()

	cfg := engine.Config{
		ModelPath:      "/models/det.onnx",
		InputSize:      64,
		ScoreThreshold: 0.45,
		IOUThreshold:   0.5,
		Loader:         loader,
	}
	var h *Hub
	eng := engine.New(cfg, sinkFunc{
		result: func(room string, res *protocol.DetectionResultMessage) { h.SendResult(room, res) },
		err:    func(origin, message string) { h.SendError(origin, message) },
	})
	h = NewHub(eng, nil)
	t.Cleanup(h.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = eng.Run(ctx) }()

	srv := httptest.NewServer(NewMux(h))
	t.Cleanup(srv.Close)
	return h, srv
}

// sinkFunc adapts closures to engine.Sink so the hub can be wired after the
// engine is constructed.
type sinkFunc struct {
	result func(room string, res *protocol.DetectionResultMessage)
	err    func(origin, message string)
}

func (s sinkFunc) SendResult(room string, res *protocol.DetectionResultMessage) { s.result(room, res) }
func (s sinkFunc) SendError(origin, message string)                             { s.err(origin, message) }

func failingLoader(ctx context.Context, path string) (model.Detector, error) {
	return nil, context.DeadlineExceeded
}

func TestHub_JoinNotifiesBothPeers(t *testing.T) {
	t.Parallel()
	_, srv := newTestHub(t, failingLoader)

	phone := dialHub(t, srv)
	phone.join("abc", protocol.RolePhone)

	browser := dialHub(t, srv)
	browser.join("abc", protocol.RoleBrowser)

	// The newcomer hears about the incumbent, and vice versa.
	got, ok := browser.recv().(*protocol.PeerJoinedMessage)
	if !ok || got.Role != protocol.RolePhone {
		t.Fatalf("browser notification = %#v, want peer-joined phone", got)
	}
	got, ok = phone.recv().(*protocol.PeerJoinedMessage)
	if !ok || got.Role != protocol.RoleBrowser {
		t.Fatalf("phone notification = %#v, want peer-joined browser", got)
	}
}

func TestHub_RelayAttachesSenderAndSkipsSender(t *testing.T) {
	t.Parallel()
	_, srv := newTestHub(t, failingLoader)

	phone := dialHub(t, srv)
	phone.join("abc", protocol.RolePhone)
	browser := dialHub(t, srv)
	browser.join("abc", protocol.RoleBrowser)
	browser.recv() // peer-joined phone
	joined, _ := phone.recv().(*protocol.PeerJoinedMessage)

	sdp := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	browser.send(&protocol.OfferMessage{Room: "abc", Offer: sdp})

	offer, ok := phone.recv().(*protocol.OfferMessage)
	if !ok {
		t.Fatal("phone did not receive the relayed offer")
	}
	if offer.From == "" {
		t.Error("relayed offer has no sender ID attached")
	}
	if joined != nil && offer.From != joined.PeerID {
		t.Errorf("offer.From = %q, want the browser's peer ID %q", offer.From, joined.PeerID)
	}
	// The payload passes through untouched.
	if string(offer.Offer) != string(sdp) {
		t.Errorf("offer payload = %s, want %s", offer.Offer, sdp)
	}
}

func TestHub_RelayWithoutPeerIsAbsorbed(t *testing.T) {
	t.Parallel()
	_, srv := newTestHub(t, failingLoader)

	browser := dialHub(t, srv)
	browser.join("abc", protocol.RoleBrowser)

	// No phone in the room: the offer vanishes and the connection survives.
	browser.send(&protocol.OfferMessage{Room: "abc", Offer: json.RawMessage(`{}`)})
	browser.send(&protocol.JoinRoomMessage{Room: "abc", Role: protocol.RoleBrowser})

	phone := dialHub(t, srv)
	phone.join("abc", protocol.RolePhone)
	if _, ok := browser.recv().(*protocol.PeerJoinedMessage); !ok {
		t.Fatal("browser connection unusable after relaying into an empty room")
	}
}

func TestHub_MalformedMessageKeepsConnection(t *testing.T) {
	t.Parallel()
	_, srv := newTestHub(t, failingLoader)

	phone := dialHub(t, srv)
	phone.sendRaw(`{"type":`)
	phone.sendRaw(`{"no_type_field":true}`)
	phone.join("abc", protocol.RolePhone)

	browser := dialHub(t, srv)
	browser.join("abc", protocol.RoleBrowser)
	if _, ok := phone.recv().(*protocol.PeerJoinedMessage); !ok {
		t.Fatal("phone connection unusable after malformed messages")
	}
}

func TestHub_DuplicateRoleEvictsIncumbent(t *testing.T) {
	t.Parallel()
	_, srv := newTestHub(t, failingLoader)

	phone1 := dialHub(t, srv)
	phone1.join("abc", protocol.RolePhone)
	browser := dialHub(t, srv)
	browser.join("abc", protocol.RoleBrowser)
	browser.recv() // peer-joined phone1
	phone1.recv()  // peer-joined browser

	phone2 := dialHub(t, srv)
	phone2.join("abc", protocol.RolePhone)

	// The viewer sees the incumbent leave, then the newcomer arrive.
	left, ok := browser.recv().(*protocol.PeerLeftMessage)
	if !ok || left.Role != protocol.RolePhone {
		t.Fatalf("expected peer-left phone, got %#v", left)
	}
	joined, ok := browser.recv().(*protocol.PeerJoinedMessage)
	if !ok || joined.Role != protocol.RolePhone {
		t.Fatalf("expected peer-joined phone, got %#v", joined)
	}
	if left.PeerID == joined.PeerID {
		t.Error("evicted and new phone share a peer ID")
	}

	// The evicted connection is closed by the hub.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := phone1.conn.Read(ctx); err == nil {
		t.Error("evicted phone connection still readable")
	}
}

func TestHub_DisconnectNotifiesRemainingPeer(t *testing.T) {
	t.Parallel()
	_, srv := newTestHub(t, failingLoader)

	phone := dialHub(t, srv)
	phone.join("abc", protocol.RolePhone)
	browser := dialHub(t, srv)
	browser.join("abc", protocol.RoleBrowser)
	browser.recv()
	phone.recv()

	_ = phone.conn.Close(websocket.StatusNormalClosure, "")

	left, ok := browser.recv().(*protocol.PeerLeftMessage)
	if !ok || left.Role != protocol.RolePhone {
		t.Fatalf("expected peer-left phone, got %#v", left)
	}
}

func TestHub_ProcessFrameErrorGoesToOrigin(t *testing.T) {
	t.Parallel()
	_, srv := newTestHub(t, failingLoader)

	browser := dialHub(t, srv)
	browser.join("abc", protocol.RoleBrowser)

	browser.send(&protocol.ProcessFrameMessage{
		Room: "abc",
		FrameRequest: protocol.FrameRequest{
			FrameID:   "f1",
			CaptureTS: time.Now().UnixMilli(),
			ImageData: "not-an-image",
		},
	})

	perr, ok := browser.recv().(*protocol.ProcessingErrorMessage)
	if !ok {
		t.Fatal("expected a processing-error for the failed frame")
	}
	if perr.Error == "" {
		t.Error("processing-error carries no message")
	}
}

func TestHub_InitializeModelReportsFailure(t *testing.T) {
	t.Parallel()
	_, srv := newTestHub(t, failingLoader)

	browser := dialHub(t, srv)
	browser.join("abc", protocol.RoleBrowser)
	browser.send(&protocol.InitializeServerModelMessage{Room: "abc"})

	res, ok := browser.recv().(*protocol.ModelInitializationResultMessage)
	if !ok {
		t.Fatal("expected a model-initialization-result")
	}
	if res.Success {
		t.Error("initialization reported success with a failing loader")
	}
	if res.Error == "" {
		t.Error("failed initialization carries no error message")
	}
	if res.Room != "abc" {
		t.Errorf("result room = %q, want abc", res.Room)
	}
}

func TestHub_HealthAndModelStatus(t *testing.T) {
	t.Parallel()
	_, srv := newTestHub(t, failingLoader)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /health status = %d, want 200", resp.StatusCode)
	}

	resp2, err := http.Get(srv.URL + "/model-status")
	if err != nil {
		t.Fatalf("GET /model-status: %v", err)
	}
	defer resp2.Body.Close()
	var status struct {
		ModelLoaded bool   `json:"modelLoaded"`
		ModelPath   string `json:"modelPath"`
	}
	if err := json.NewDecoder(resp2.Body).Decode(&status); err != nil {
		t.Fatalf("decoding model-status: %v", err)
	}
	if status.ModelLoaded {
		t.Error("modelLoaded = true before any initialize")
	}
	if status.ModelPath != "/models/det.onnx" {
		t.Errorf("modelPath = %q", status.ModelPath)
	}
}

func TestHub_InitializeModelHTTPFailure(t *testing.T) {
	t.Parallel()
	_, srv := newTestHub(t, failingLoader)

	resp, err := http.Post(srv.URL+"/initialize-model", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /initialize-model: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
	var body struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body.Success || body.Error == "" {
		t.Errorf("body = %+v, want failure with message", body)
	}
}
