package websocket

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/voicechat/adapters/memory"
	"github.com/satriahrh/voicechat/domain/entities"
	"github.com/satriahrh/voicechat/domain/repositories"
	"github.com/satriahrh/voicechat/internal/capture"
	"github.com/satriahrh/voicechat/internal/voice"
)

const readTimeout = 5 * time.Second

type fakeSTT struct {
	text string
}

func (f *fakeSTT) TranscribeAudio(ctx context.Context, audio []byte, config repositories.AudioConfig) (string, error) {
	return f.text, nil
}

// scriptedResponder replies with one sentence carried by a single inline chunk.
type scriptedResponder struct {
	mu          sync.Mutex
	transcripts []string
}

func (r *scriptedResponder) Generate(ctx context.Context, req repositories.ResponseRequest) (<-chan repositories.ResponseEvent, error) {
	r.mu.Lock()
	r.transcripts = append(r.transcripts, req.Transcript)
	r.mu.Unlock()

	out := make(chan repositories.ResponseEvent, 4)
	out <- repositories.ResponseEvent{Kind: repositories.ResponseTextDelta, Delta: "Fine, thanks."}
	out <- repositories.ResponseEvent{Kind: repositories.ResponseAudioChunkReady, Chunk: entities.AudioChunk{
		Seq:         0,
		Ref:         "memory://chunk-0",
		Data:        []byte{1, 2, 3, 4},
		ContentType: "audio/pcm",
		Text:        "Fine, thanks.",
	}}
	out <- repositories.ResponseEvent{Kind: repositories.ResponseComplete, FullText: "Fine, thanks."}
	close(out)
	return out, nil
}

func (r *scriptedResponder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.transcripts...)
}

func testConfig() Config {
	return Config{
		Voice:             voice.DefaultConfig(),
		Capture:           capture.DefaultConfig(),
		Detector:          capture.DefaultEnergyConfig(),
		PlaybackTimeout:   readTimeout,
		PermissionTimeout: readTimeout,
	}
}

func setupTestServer(t *testing.T, responder repositories.ResponseGenerator) (*Hub, string) {
	t.Helper()
	// session goroutines may outlive the test body
	logger := zap.NewNop()

	hub, err := NewHub(Dependencies{
		STT:           &fakeSTT{text: "How are you doing today?"},
		Responder:     responder,
		Conversations: memory.NewConversationStore(),
	}, testConfig(), logger)
	if err != nil {
		t.Fatalf("NewHub failed: %v", err)
	}
	go hub.Run()
	t.Cleanup(hub.Shutdown)

	e := echo.New()
	e.GET("/ws", func(c echo.Context) error {
		return hub.ServeClient(c, "project-1", entities.VoiceSettings{VoiceID: "voice-1"})
	})
	server := httptest.NewServer(e)
	t.Cleanup(server.Close)

	return hub, "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

type frame struct {
	binary bool
	data   []byte
	msg    map[string]interface{}
}

// peer plays the browser side of the connection. Frames read while waiting
// for something else are kept so later expectations can still find them.
type peer struct {
	t       *testing.T
	conn    *websocket.Conn
	backlog []frame
}

func dial(t *testing.T, url string) *peer {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("WebSocket connection failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &peer{t: t, conn: conn}
}

func (p *peer) send(v interface{}) {
	p.t.Helper()
	if err := p.conn.WriteJSON(v); err != nil {
		p.t.Fatalf("Failed to write message: %v", err)
	}
}

func (p *peer) sendBinary(data []byte) {
	p.t.Helper()
	if err := p.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		p.t.Fatalf("Failed to write binary message: %v", err)
	}
}

func (p *peer) read() frame {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(readTimeout))
	messageType, data, err := p.conn.ReadMessage()
	if err != nil {
		p.t.Fatalf("Failed to read message: %v", err)
	}
	if messageType == websocket.BinaryMessage {
		return frame{binary: true, data: data}
	}
	var msg map[string]interface{}
	if err := json.Unmarshal(data, &msg); err != nil {
		p.t.Fatalf("Failed to unmarshal message %s: %v", data, err)
	}
	return frame{data: data, msg: msg}
}

func (p *peer) await(desc string, match func(frame) bool) frame {
	p.t.Helper()
	for i, f := range p.backlog {
		if match(f) {
			p.backlog = append(p.backlog[:i], p.backlog[i+1:]...)
			return f
		}
	}
	deadline := time.Now().Add(readTimeout)
	for time.Now().Before(deadline) {
		f := p.read()
		if match(f) {
			return f
		}
		p.backlog = append(p.backlog, f)
	}
	p.t.Fatalf("Timed out waiting for %s", desc)
	return frame{}
}

func (p *peer) expect(msgType MessageType) map[string]interface{} {
	p.t.Helper()
	return p.await(string(msgType), func(f frame) bool {
		return !f.binary && f.msg["type"] == string(msgType)
	}).msg
}

func (p *peer) expectState(to string) {
	p.t.Helper()
	p.await("state "+to, func(f frame) bool {
		return !f.binary && f.msg["type"] == string(MessageTypeState) && f.msg["to"] == to
	})
}

func (p *peer) expectBinary() []byte {
	p.t.Helper()
	return p.await("binary frame", func(f frame) bool { return f.binary }).data
}

// speech returns one second of a loud 16 kHz tone as little endian PCM16.
func speech() []byte {
	samples := make([]float32, 16000)
	for i := range samples {
		samples[i] = float32(0.4 * math.Sin(2*math.Pi*220*float64(i)/16000))
	}
	return capture.Float32ToPCM16(samples)
}

func TestNewHub_RequiresDependencies(t *testing.T) {
	logger := zaptest.NewLogger(t)

	if _, err := NewHub(Dependencies{}, testConfig(), logger); err == nil {
		t.Error("Expected error for missing dependencies")
	}

	cfg := testConfig()
	cfg.Detector.SpeechThreshold = -1
	_, err := NewHub(Dependencies{
		STT:           &fakeSTT{},
		Responder:     &scriptedResponder{},
		Conversations: memory.NewConversationStore(),
	}, cfg, logger)
	if err == nil {
		t.Error("Expected error for invalid detector config")
	}
}

func TestHub_CheckOrigin(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://shop.example.com"}
	hub, err := NewHub(Dependencies{
		STT:           &fakeSTT{},
		Responder:     &scriptedResponder{},
		Conversations: memory.NewConversationStore(),
	}, cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewHub failed: %v", err)
	}

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://shop.example.com", true},
		{"https://SHOP.example.com", true},
		{"https://evil.example.com", false},
	}
	for _, tt := range tests {
		req, _ := http.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		if got := hub.checkOrigin(req); got != tt.want {
			t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func TestHub_PushToTalkTurn(t *testing.T) {
	responder := &scriptedResponder{}
	hub, url := setupTestServer(t, responder)
	p := dial(t, url)

	opened := p.expect(MessageTypeSessionOpened)
	if opened["voice_session_id"] == "" {
		t.Error("Expected a voice session id")
	}
	if opened["state"] != "idle" {
		t.Errorf("Expected state idle, got %v", opened["state"])
	}

	p.send(map[string]interface{}{"type": "press_to_talk"})
	request := p.expect(MessageTypeMicrophoneRequest)
	if request["mode"] != "manual" {
		t.Errorf("Expected manual mode, got %v", request["mode"])
	}

	p.send(map[string]interface{}{"type": "microphone_status", "granted": true, "sample_rate": 16000, "encoding": "pcm16"})
	audio := speech()
	for i := 0; i < len(audio); i += 4000 {
		p.sendBinary(audio[i : i+4000])
	}
	p.expectState("recording")

	p.send(map[string]interface{}{"type": "release_to_talk"})
	p.expect(MessageTypeMicrophoneRelease)
	p.expectState("processing")

	transcript := p.expect(MessageTypeTranscript)
	if transcript["text"] != "How are you doing today?" {
		t.Errorf("Expected transcript, got %v", transcript["text"])
	}
	bound := p.expect(MessageTypeConversationBound)
	if bound["conversation_id"] == "" {
		t.Error("Expected a conversation id")
	}

	delta := p.expect(MessageTypeResponseDelta)
	if delta["text"] != "Fine, thanks." {
		t.Errorf("Expected delta text, got %v", delta["text"])
	}

	play := p.expect(MessageTypePlayChunk)
	if play["inline"] != true {
		t.Errorf("Expected inline chunk for a memory reference, got %v", play["inline"])
	}
	if data := p.expectBinary(); len(data) != 4 {
		t.Errorf("Expected 4 bytes of chunk audio, got %d", len(data))
	}

	complete := p.expect(MessageTypeResponseComplete)
	if complete["text"] != "Fine, thanks." {
		t.Errorf("Expected complete text, got %v", complete["text"])
	}

	p.send(map[string]interface{}{"type": "playback_ended", "play_id": play["play_id"]})
	p.expectState("idle")

	if got := responder.seen(); len(got) != 1 || got[0] != "How are you doing today?" {
		t.Errorf("Expected one generation for the transcript, got %v", got)
	}
	if hub.Count() != 1 {
		t.Errorf("Expected 1 client, got %d", hub.Count())
	}
}

func TestHub_StopInterruptsPlayback(t *testing.T) {
	_, url := setupTestServer(t, &scriptedResponder{})
	p := dial(t, url)
	p.expect(MessageTypeSessionOpened)

	p.send(map[string]interface{}{"type": "press_to_talk"})
	p.expect(MessageTypeMicrophoneRequest)
	p.send(map[string]interface{}{"type": "microphone_status", "granted": true, "sample_rate": 16000})
	p.sendBinary(speech())
	p.send(map[string]interface{}{"type": "release_to_talk"})

	play := p.expect(MessageTypePlayChunk)
	p.send(map[string]interface{}{"type": "stop"})

	stop := p.expect(MessageTypeStopPlayback)
	if stop["play_id"] != play["play_id"] {
		t.Errorf("Expected stop for play %v, got %v", play["play_id"], stop["play_id"])
	}
	p.expectState("idle")
}

func TestHub_MicrophoneDeniedOffersFallback(t *testing.T) {
	_, url := setupTestServer(t, &scriptedResponder{})
	p := dial(t, url)
	p.expect(MessageTypeSessionOpened)

	p.send(map[string]interface{}{"type": "start_vad"})
	request := p.expect(MessageTypeMicrophoneRequest)
	if request["mode"] != "vad" {
		t.Errorf("Expected vad mode, got %v", request["mode"])
	}
	p.send(map[string]interface{}{"type": "microphone_status", "granted": false, "reason": "NotAllowedError"})

	fallback := p.expect(MessageTypeCaptureFallback)
	if fallback["reason"] == "" {
		t.Error("Expected a fallback reason")
	}
	failure := p.expect(MessageTypeError)
	if failure["error_code"] != "permission_denied" {
		t.Errorf("Expected permission_denied, got %v", failure["error_code"])
	}
	if failure["command"] != "start_vad" {
		t.Errorf("Expected command start_vad, got %v", failure["command"])
	}
	if failure["retryable"] != false {
		t.Errorf("Expected permission errors to be final, got %v", failure["retryable"])
	}
}

func TestHub_PingAndInvalidMessages(t *testing.T) {
	_, url := setupTestServer(t, &scriptedResponder{})
	p := dial(t, url)
	p.expect(MessageTypeSessionOpened)

	p.send(map[string]interface{}{"type": "ping", "data": "test-ping"})
	pong := p.expect(MessageTypePong)
	if pong["data"] != "test-ping" {
		t.Errorf("Expected pong data test-ping, got %v", pong["data"])
	}

	if err := p.conn.WriteMessage(websocket.TextMessage, []byte(`{invalid json}`)); err != nil {
		t.Fatalf("Failed to write message: %v", err)
	}
	failure := p.expect(MessageTypeError)
	if failure["error_code"] != "invalid_request" {
		t.Errorf("Expected invalid_request, got %v", failure["error_code"])
	}

	p.send(map[string]interface{}{"type": "hover", "value": 0.5})
	hover := p.expect(MessageTypeHover)
	if hover["value"] != 0.5 {
		t.Errorf("Expected hover 0.5, got %v", hover["value"])
	}
}

func TestHub_ShutdownClosesClients(t *testing.T) {
	hub, url := setupTestServer(t, &scriptedResponder{})
	p := dial(t, url)
	p.expect(MessageTypeSessionOpened)

	deadline := time.Now().Add(readTimeout)
	for hub.Count() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.Count() != 1 {
		t.Fatalf("Expected 1 client, got %d", hub.Count())
	}

	hub.Shutdown()

	p.conn.SetReadDeadline(time.Now().Add(readTimeout))
	for {
		if _, _, err := p.conn.ReadMessage(); err != nil {
			break
		}
	}
	if hub.Count() != 0 {
		t.Errorf("Expected 0 clients after shutdown, got %d", hub.Count())
	}
}

func newBareClient(t *testing.T) *Client {
	return &Client{
		send:   make(chan WriteData, 16),
		done:   make(chan struct{}),
		logger: zaptest.NewLogger(t),
	}
}

func nextWrite(t *testing.T, c *Client) WriteData {
	t.Helper()
	select {
	case w := <-c.send:
		return w
	case <-time.After(readTimeout):
		t.Fatal("Expected a queued write")
		return WriteData{}
	}
}

func TestWSPlayer_URLChunkWaitsForEnded(t *testing.T) {
	c := newBareClient(t)
	player := newWSPlayer(c, readTimeout)

	errCh := make(chan error, 1)
	go func() {
		errCh <- player.Play(context.Background(), entities.AudioChunk{Seq: 3, Ref: "https://cdn.example.com/a.mp3", ContentType: "audio/mpeg"})
	}()

	var msg PlayChunkMessage
	if err := json.Unmarshal(nextWrite(t, c).Payload, &msg); err != nil {
		t.Fatalf("Failed to unmarshal play_chunk: %v", err)
	}
	if msg.Inline || msg.URL != "https://cdn.example.com/a.mp3" {
		t.Errorf("Expected url chunk, got %+v", msg)
	}

	player.ended(msg.PlayID+100, "")
	player.ended(msg.PlayID, "")
	if err := <-errCh; err != nil {
		t.Errorf("Expected Play to succeed, got %v", err)
	}
}

func TestWSPlayer_CancelSendsStopPlayback(t *testing.T) {
	c := newBareClient(t)
	player := newWSPlayer(c, readTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- player.Play(ctx, entities.AudioChunk{Seq: 0, Data: []byte{1, 2}, ContentType: "audio/pcm"})
	}()

	nextWrite(t, c)
	if w := nextWrite(t, c); w.Type != websocket.BinaryMessage {
		t.Errorf("Expected inline audio frame, got type %d", w.Type)
	}
	cancel()

	if err := <-errCh; err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	var stop StopPlaybackMessage
	if err := json.Unmarshal(nextWrite(t, c).Payload, &stop); err != nil {
		t.Fatalf("Failed to unmarshal stop_playback: %v", err)
	}
	if stop.Type != MessageTypeStopPlayback || stop.PlayID != 1 {
		t.Errorf("Expected stop_playback for play 1, got %+v", stop)
	}
}

func TestWSPlayer_ChunkWithoutAudio(t *testing.T) {
	player := newWSPlayer(newBareClient(t), readTimeout)
	if err := player.Play(context.Background(), entities.AudioChunk{Seq: 1, Ref: "memory://x"}); err == nil {
		t.Error("Expected error for a chunk with neither url nor audio")
	}
}

func TestWSMicrophone_UnansweredRequestIsDenied(t *testing.T) {
	c := newBareClient(t)
	mic := &wsMicrophone{client: c, timeout: 50 * time.Millisecond}

	_, err := mic.Open(context.Background(), entities.CaptureModeVAD)
	if err == nil {
		t.Fatal("Expected error for unanswered microphone request")
	}
	if !strings.Contains(err.Error(), "not answered") {
		t.Errorf("Expected unanswered error, got %v", err)
	}
	if mic.push([]byte{1, 2}) {
		t.Error("Expected frames to be dropped without an open stream")
	}
}

func TestEventMessage(t *testing.T) {
	if eventMessage(voice.PlayChunk{TurnID: "t", Seq: 1}) != nil {
		t.Error("Expected PlayChunk to have no wire message")
	}

	msg, ok := eventMessage(voice.StateChanged{From: entities.StateIdle, To: entities.StateListening}).(*StateMessage)
	if !ok {
		t.Fatal("Expected *StateMessage")
	}
	if msg.From != "idle" || msg.To != "listening" {
		t.Errorf("Expected idle -> listening, got %s -> %s", msg.From, msg.To)
	}

	errMsg, ok := eventMessage(voice.ErrorEvent{TurnID: "t1", Message: "boom", Retryable: true}).(*ErrorMessage)
	if !ok {
		t.Fatal("Expected *ErrorMessage")
	}
	if !errMsg.Retryable || errMsg.TurnID != "t1" {
		t.Errorf("Expected retryable error for t1, got %+v", errMsg)
	}
}
