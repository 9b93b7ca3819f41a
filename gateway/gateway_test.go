package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"hearsay/asr"
	"hearsay/protocol"
	"hearsay/session"
	"hearsay/translate"
)

type fakeEngine struct {
	sink asr.Sink

	mu       sync.Mutex
	started  bool
	stopped  bool
	samples  int
	pushGate chan struct{}
}

func (e *fakeEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = true
	return nil
}

func (e *fakeEngine) PushAudioFrame(pcm []int16, sampleRateHz int) error {
	e.mu.Lock()
	gate := e.pushGate
	e.mu.Unlock()
	if gate != nil {
		<-gate
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.samples += len(pcm)
	return nil
}

// gatePush makes PushAudioFrame block until the gate closes, so tests can
// hold the drain loop and let a session's queue fill up.
func (e *fakeEngine) gatePush(gate chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pushGate = gate
}

func (e *fakeEngine) Stop(ctx context.Context, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	return nil
}

func (e *fakeEngine) SampleRate() int { return 16000 }

func (e *fakeEngine) sampleCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.samples
}

type echoTranslator struct{}

func (echoTranslator) Translate(ctx context.Context, req translate.Request) (translate.Response, error) {
	out := make(map[string]string, len(req.TargetLangs))
	for _, to := range req.TargetLangs {
		out[to] = "<" + to + "> " + req.Text
	}
	return translate.Response{Translations: out}, nil
}

// wire is a loose decode target covering every server message shape.
type wire struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	TurnID    string `json:"turnId"`
	Text      string `json:"text"`
	FullText  string `json:"fullText"`
	To        string `json:"to"`
	Revision  int    `json:"revision"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func newTestServer(t *testing.T) (*httptest.Server, chan *fakeEngine) {
	return newTestServerCfg(t, session.Config{})
}

func newTestServerCfg(t *testing.T, scfg session.Config) (*httptest.Server, chan *fakeEngine) {
	t.Helper()
	logger := log.New(io.Discard)
	registry := session.NewRegistry(scfg, logger)

	orch := translate.NewOrchestrator(
		translate.Config{DebounceChars: 1, DebounceWait: time.Minute},
		echoTranslator{},
		func(sessionID string, msg protocol.ServerMessage) {
			if s, ok := registry.Get(sessionID); ok {
				s.Send(msg)
			}
		},
		nil,
		logger,
	)

	engines := make(chan *fakeEngine, 4)
	g := New(Config{
		DefaultLangs: protocol.LangPair{Lang1: "en", Lang2: "de"},
	}, registry, orch, func(hello protocol.ClientHello, sink asr.Sink) (asr.Engine, error) {
		e := &fakeEngine{sink: sink}
		engines <- e
		return e, nil
	}, logger)

	srv := httptest.NewServer(g.Router())
	t.Cleanup(srv.Close)
	return srv, engines
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, payload string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

// readUntil collects server messages until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, wantType string) (wire, []wire) {
	t.Helper()
	var seen []wire
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read failed waiting for %s (seen %v): %v", wantType, seen, err)
		}
		var msg wire
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("bad server payload %q: %v", data, err)
		}
		seen = append(seen, msg)
		if msg.Type == wantType {
			return msg, seen
		}
	}
}

func helloPayload() string {
	return `{
		"type": "client.hello",
		"protocolVersion": 1,
		"langs": {"lang1": "en", "lang2": "de"}
	}`
}

func framePayload(sessionID string, samples int) string {
	pcm := make([]int16, samples)
	b64 := base64.StdEncoding.EncodeToString(protocol.EncodePCM16(pcm))
	return `{
		"type": "audio.frame",
		"sessionId": "` + sessionID + `",
		"pcm16Base64": "` + b64 + `",
		"format": "pcm_s16le",
		"sampleRateHz": 16000,
		"channels": 1
	}`
}

func TestSessionFlow(t *testing.T) {
	srv, engines := newTestServer(t)
	conn := dial(t, srv)

	sendJSON(t, conn, helloPayload())
	ready, _ := readUntil(t, conn, protocol.TypeServerReady)
	if ready.SessionID == "" {
		t.Fatal("server.ready carried no session id")
	}

	var engine *fakeEngine
	select {
	case engine = <-engines:
	case <-time.After(time.Second):
		t.Fatal("engine never built")
	}

	sendJSON(t, conn, framePayload(ready.SessionID, 160))
	waitFor(t, func() bool { return engine.sampleCount() == 160 })

	// Drive a full recognized turn through the pipeline.
	engine.sink.Emit(asr.Event{Kind: asr.EventPartial, Text: "guten tag", Lang: "de", StartMs: 0, EndMs: 400})
	partial, seen := readUntil(t, conn, protocol.TypeSTTPartial)
	if len(seen) < 2 || seen[0].Type != protocol.TypeTurnStart {
		t.Errorf("expected turn.start before the partial, saw %v", seen)
	}
	if partial.Text != "guten tag" || partial.TurnID != "t1" {
		t.Errorf("stt.partial = %+v", partial)
	}

	revise, _ := readUntil(t, conn, protocol.TypeTranslateRevise)
	if revise.To != "en" || revise.FullText != "<en> guten tag" || revise.Revision != 1 {
		t.Errorf("translate.revise = %+v", revise)
	}

	engine.sink.Emit(asr.Event{Kind: asr.EventFinal, Text: "Guten Tag.", Lang: "de", StartMs: 0, EndMs: 600})
	fin, seen := readUntil(t, conn, protocol.TypeTranslateFinal)
	if fin.To != "en" || fin.Text != "<en> Guten Tag." {
		t.Errorf("translate.final = %+v", fin)
	}
	var sawTurnFinal bool
	for _, m := range seen {
		if m.Type == protocol.TypeTurnFinal {
			sawTurnFinal = true
		}
	}
	if !sawTurnFinal {
		t.Errorf("no turn.final before the translation, saw %v", seen)
	}

	// Explicit stop tears the engine down and closes the socket.
	sendJSON(t, conn, `{"type": "client.stop", "sessionId": "`+ready.SessionID+`"}`)
	waitFor(t, func() bool {
		engine.mu.Lock()
		defer engine.mu.Unlock()
		return engine.stopped
	})
}

func TestHelloRequired(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	sendJSON(t, conn, framePayload("nope", 10))
	msg, _ := readUntil(t, conn, protocol.TypeServerError)
	if msg.Code != protocol.CodeHelloRequired {
		t.Errorf("code = %q, want %q", msg.Code, protocol.CodeHelloRequired)
	}
}

func TestDuplicateHello(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	sendJSON(t, conn, helloPayload())
	readUntil(t, conn, protocol.TypeServerReady)
	sendJSON(t, conn, helloPayload())
	msg, _ := readUntil(t, conn, protocol.TypeServerError)
	if msg.Code != protocol.CodeDuplicateHello {
		t.Errorf("code = %q, want %q", msg.Code, protocol.CodeDuplicateHello)
	}
}

func TestSessionMismatch(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	sendJSON(t, conn, helloPayload())
	readUntil(t, conn, protocol.TypeServerReady)
	sendJSON(t, conn, framePayload("no-such-session", 10))
	msg, _ := readUntil(t, conn, protocol.TypeServerError)
	if msg.Code != protocol.CodeSessionMismatch {
		t.Errorf("code = %q, want %q", msg.Code, protocol.CodeSessionMismatch)
	}
}

func TestBadPayloadKeepsConnection(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	sendJSON(t, conn, `{"type": "mystery"}`)
	msg, _ := readUntil(t, conn, protocol.TypeServerError)
	if msg.Code != protocol.CodeBadPayload {
		t.Errorf("code = %q, want %q", msg.Code, protocol.CodeBadPayload)
	}

	// The connection survives the rejected payload.
	sendJSON(t, conn, helloPayload())
	readUntil(t, conn, protocol.TypeServerReady)
}

func TestBackpressureNotice(t *testing.T) {
	srv, engines := newTestServerCfg(t, session.Config{QueueCap: 2})
	conn := dial(t, srv)

	sendJSON(t, conn, helloPayload())
	ready, _ := readUntil(t, conn, protocol.TypeServerReady)

	var engine *fakeEngine
	select {
	case engine = <-engines:
	case <-time.After(time.Second):
		t.Fatal("engine never built")
	}
	gate := make(chan struct{})
	engine.gatePush(gate)
	defer close(gate)

	// The first frame parks the drain loop inside the engine, the next two
	// fill the queue, and everything after that drops the oldest frame.
	for i := 0; i < 8; i++ {
		sendJSON(t, conn, framePayload(ready.SessionID, 10))
	}

	notice, _ := readUntil(t, conn, protocol.TypeServerError)
	if notice.Code != protocol.CodeBackpressureDrop {
		t.Fatalf("code = %q, want %q", notice.Code, protocol.CodeBackpressureDrop)
	}
	if notice.SessionID != ready.SessionID {
		t.Errorf("notice session = %q, want %q", notice.SessionID, ready.SessionID)
	}

	// The remaining drops land inside the notice interval, so no second
	// notice may arrive.
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return // deadline reached with no further notice
		}
		var msg wire
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("bad server payload %q: %v", data, err)
		}
		if msg.Type == protocol.TypeServerError {
			t.Fatalf("second backpressure notice inside the interval: %+v", msg)
		}
	}
}

func TestSessionResume(t *testing.T) {
	srv, engines := newTestServer(t)

	conn := dial(t, srv)
	sendJSON(t, conn, helloPayload())
	ready, _ := readUntil(t, conn, protocol.TypeServerReady)
	engine1 := <-engines
	conn.Close()

	// A second connection resumes the first session by sending audio for it.
	conn2 := dial(t, srv)
	sendJSON(t, conn2, helloPayload())
	ready2, _ := readUntil(t, conn2, protocol.TypeServerReady)
	if ready2.SessionID == ready.SessionID {
		t.Fatal("second hello reused the first session id")
	}
	<-engines

	sendJSON(t, conn2, framePayload(ready.SessionID, 10))
	// Audio for the resumed session reaches the first session's engine.
	waitFor(t, func() bool { return engine1.sampleCount() == 10 })

	// Events for the resumed session now reach the new socket.
	engine1.sink.Emit(asr.Event{Kind: asr.EventPartial, Text: "still here", StartMs: 0, EndMs: 100})
	partial, _ := readUntil(t, conn2, protocol.TypeSTTPartial)
	if partial.SessionID != ready.SessionID || partial.Text != "still here" {
		t.Errorf("stt.partial after resume = %+v", partial)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
