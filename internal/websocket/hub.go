package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/voicechat/domain"
	"github.com/satriahrh/voicechat/domain/entities"
	"github.com/satriahrh/voicechat/domain/repositories"
	"github.com/satriahrh/voicechat/internal/capture"
	"github.com/satriahrh/voicechat/internal/voice"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB for audio chunks

	// Pending commands per client before new ones are refused.
	commandQueueSize = 16

	// Microphone chunks buffered per open stream.
	streamBufferSize = 64
)

var errInvalidMessage = errors.New("invalid message")

// Dependencies are shared by every voice session the hub opens
type Dependencies struct {
	STT           repositories.SpeechToText
	Responder     repositories.ResponseGenerator
	Conversations repositories.ConversationStore
	History       voice.HistoryLoader
}

// Config tunes the per-connection pipeline
type Config struct {
	Voice    voice.Config
	Capture  capture.Config
	Detector capture.EnergyConfig

	// PlaybackTimeout bounds how long one chunk may play before the browser reports it ended
	PlaybackTimeout time.Duration
	// PermissionTimeout bounds how long the browser may take to answer a microphone request
	PermissionTimeout time.Duration
	// AllowedOrigins lists the origins allowed to connect; empty or "*" allows all
	AllowedOrigins []string
}

// Hub maintains the set of active clients, one per voice session.
type Hub struct {
	// Registered clients.
	clients map[string]*Client

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Mutex for thread-safe access to clients map
	mu sync.RWMutex

	quit     chan struct{}
	quitOnce sync.Once

	deps      Dependencies
	cfg       Config
	upgrader  websocket.Upgrader
	validator *MessageValidator

	logger *zap.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(deps Dependencies, cfg Config, logger *zap.Logger) (*Hub, error) {
	if deps.STT == nil || deps.Responder == nil || deps.Conversations == nil {
		return nil, errors.New("speech to text, responder and conversation store are required")
	}
	if err := capture.ValidateEnergyConfig(cfg.Detector); err != nil {
		return nil, fmt.Errorf("invalid detector config: %w", err)
	}
	if cfg.PlaybackTimeout <= 0 {
		cfg.PlaybackTimeout = 60 * time.Second
		logger.Info("Using default playback timeout", zap.Duration("timeout", cfg.PlaybackTimeout))
	}
	if cfg.PermissionTimeout <= 0 {
		cfg.PermissionTimeout = 30 * time.Second
		logger.Info("Using default permission timeout", zap.Duration("timeout", cfg.PermissionTimeout))
	}

	h := &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
		deps:       deps,
		cfg:        cfg,
		validator:  NewMessageValidator(),
		logger:     logger,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:     h.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return h, nil
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	h.logger.Warn("Rejected websocket origin", zap.String("origin", origin))
	return false
}

// Run starts the hub's main loop. It returns after Shutdown.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()
			h.logger.Info("Client registered",
				zap.String("voiceSessionID", client.id),
				zap.String("projectID", client.projectID))

		case client := <-h.unregister:
			h.mu.Lock()
			delete(h.clients, client.id)
			h.mu.Unlock()
			h.logger.Info("Client unregistered", zap.String("voiceSessionID", client.id))

		case <-h.quit:
			return
		}
	}
}

// Count returns the number of connected clients
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown stops the hub loop and closes every client connection
func (h *Hub) Shutdown() {
	h.quitOnce.Do(func() {
		close(h.quit)

		h.mu.Lock()
		clients := make([]*Client, 0, len(h.clients))
		for _, c := range h.clients {
			clients = append(clients, c)
		}
		h.clients = make(map[string]*Client)
		h.mu.Unlock()

		for _, c := range clients {
			c.shutdown()
		}
		h.logger.Info("Hub shut down", zap.Int("clients", len(clients)))
	})
}

// ServeClient upgrades the request and opens a voice session for an
// authenticated project.
func (h *Hub) ServeClient(c echo.Context, projectID string, settings entities.VoiceSettings) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	client := newClient(h, conn, projectID)

	detector, err := capture.NewEnergyDetector(h.cfg.Detector, client.logger)
	if err != nil {
		client.closeWithError(err)
		return nil
	}
	adapter := capture.NewAdapter(client.mic, detector, capture.PCMDecoder{}, h.cfg.Capture, client.logger)

	vcfg := h.cfg.Voice
	vcfg.ProjectID = projectID
	vcfg.Settings = vcfg.Settings.Merge(settings)

	session, err := voice.NewSession(voice.Dependencies{
		STT:           h.deps.STT,
		Responder:     h.deps.Responder,
		Conversations: h.deps.Conversations,
		History:       h.deps.History,
		Player:        client.player,
		Capture:       adapter,
	}, vcfg, client.logger)
	if err != nil {
		adapter.Close()
		client.closeWithError(err)
		return nil
	}
	client.attach(session)

	select {
	case h.register <- client:
	case <-h.quit:
		client.shutdown()
		return nil
	}

	client.sendJSON(&SessionOpenedMessage{
		BaseMessage:    base(MessageTypeSessionOpened),
		VoiceSessionID: session.ID(),
		State:          session.State().String(),
	})

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.eventPump()
	go client.commandLoop()
	go client.readPump()

	return nil
}

type WriteData struct {
	// MessageType is the type of the websocket message.
	// Expect websocket.TextMessage or websocket.BinaryMessage
	Type    int
	Payload []byte
}

// Client is a middleman between the websocket connection and its voice session.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan WriteData

	// Closed when the connection is torn down.
	done      chan struct{}
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc

	id        string
	projectID string
	session   *voice.Session
	commands  chan MessageType

	mic    *wsMicrophone
	player *wsPlayer

	logger *zap.Logger
}

func newClient(h *Hub, conn *websocket.Conn, projectID string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		hub:       h,
		conn:      conn,
		send:      make(chan WriteData, 256),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		projectID: projectID,
		commands:  make(chan MessageType, commandQueueSize),
		logger:    h.logger.With(zap.String("projectID", projectID)),
	}
	c.mic = &wsMicrophone{client: c, timeout: h.cfg.PermissionTimeout}
	c.player = newWSPlayer(c, h.cfg.PlaybackTimeout)
	return c
}

func (c *Client) attach(session *voice.Session) {
	c.session = session
	c.id = session.ID()
	c.logger = c.logger.With(zap.String("voiceSessionID", c.id))
}

// closeWithError reports a setup failure to the peer and drops the connection.
func (c *Client) closeWithError(err error) {
	c.logger.Error("Failed to open voice session", zap.Error(err))
	payload, _ := json.Marshal(CreateErrorMessage("", nil, "failed to open voice session"))
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.TextMessage, payload)
	c.conn.Close()
	c.cancel()
}

// shutdown tears the client down exactly once.
func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		if c.session != nil {
			c.session.Destroy()
		}
		c.conn.Close()
	})
}

// readPump pumps messages from the websocket connection to the session.
func (c *Client) readPump() {
	defer func() {
		c.shutdown()
		select {
		case c.hub.unregister <- c:
		case <-c.hub.quit:
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			c.processMessage(message)
		case websocket.BinaryMessage:
			if !c.mic.push(message) {
				c.logger.Debug("Dropped audio chunk without an open microphone", zap.Int("size", len(message)))
			}
		default:
			c.logger.Warn("Received unknown message type", zap.Int("type", messageType))
		}
	}
}

// writePump pumps messages from the client to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(message.Type, message.Payload); err != nil {
				c.logger.Error("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// eventPump forwards session events until the session is destroyed.
func (c *Client) eventPump() {
	for ev := range c.session.Events() {
		if msg := eventMessage(ev); msg != nil {
			c.sendJSON(msg)
		}
	}
}

// commandLoop runs commands that may wait on the browser, such as a
// microphone permission prompt, off the read loop.
func (c *Client) commandLoop() {
	for {
		select {
		case <-c.done:
			return
		case cmd := <-c.commands:
			if err := c.runCommand(cmd); err != nil {
				c.commandFailed(cmd, err)
			}
		}
	}
}

func (c *Client) runCommand(cmd MessageType) error {
	switch cmd {
	case MessageTypeStartVAD:
		return c.session.StartVAD(c.ctx)
	case MessageTypePressToTalk:
		return c.session.PressToTalk(c.ctx)
	case MessageTypeReleaseToTalk:
		return c.session.ReleaseToTalk()
	case MessageTypeRetry:
		return c.session.Retry()
	default:
		return fmt.Errorf("unsupported command: %s", cmd)
	}
}

func (c *Client) commandFailed(cmd MessageType, err error) {
	if errors.Is(err, domain.ErrSessionClosed) || errors.Is(err, context.Canceled) {
		return
	}
	kind := domain.KindOf(err)
	c.logger.Warn("Command failed", zap.String("command", string(cmd)), zap.Error(err))
	msg := CreateErrorMessage("", kind, err.Error())
	msg.Command = string(cmd)
	c.sendJSON(msg)
}

// processMessage processes incoming control messages from the browser
func (c *Client) processMessage(message []byte) {
	parsed, err := c.hub.validator.ValidateMessage(message)
	if err != nil {
		c.logger.Warn("Invalid message", zap.Error(err))
		c.sendJSON(CreateErrorMessage("", errInvalidMessage, err.Error()))
		return
	}

	switch msg := parsed.(type) {
	case *MicrophoneStatusMessage:
		c.mic.resolve(msg)
	case *PlaybackEndedMessage:
		c.player.ended(msg.PlayID, msg.Error)
	case *PingMessage:
		c.sendJSON(CreatePongMessage(msg.Data))
	case *HoverMessage:
		c.session.Hover(msg.Value)
	case *SettingsMessage:
		err = c.session.UpdateSettings(entities.VoiceSettings{
			VoiceID:   msg.VoiceID,
			PersonaID: msg.PersonaID,
			ModelID:   msg.ModelID,
		})
		if err != nil {
			c.commandFailed(msg.Type, err)
		}
	case *ControlMessage:
		switch msg.Type {
		case MessageTypeStop:
			c.session.Stop()
		case MessageTypeStopVAD:
			c.session.StopVAD()
		default:
			select {
			case c.commands <- msg.Type:
			default:
				c.commandFailed(msg.Type, domain.NewError(domain.ErrSessionBusy, "websocket.command", errors.New("too many pending commands")))
			}
		}
	}
}

// sendJSON queues a text frame. It returns false once the client is closed.
func (c *Client) sendJSON(v interface{}) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("Failed to marshal message", zap.Error(err))
		return false
	}
	return c.write(WriteData{Type: websocket.TextMessage, Payload: payload})
}

func (c *Client) sendBinary(data []byte) bool {
	return c.write(WriteData{Type: websocket.BinaryMessage, Payload: data})
}

func (c *Client) write(data WriteData) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	}
}

// eventMessage maps a session event to its wire message. PlayChunk has no
// message of its own since the player already sent play_chunk.
func eventMessage(ev voice.Event) interface{} {
	switch e := ev.(type) {
	case voice.StateChanged:
		return &StateMessage{BaseMessage: base(MessageTypeState), From: e.From.String(), To: e.To.String()}
	case voice.TranscriptFinal:
		return &TranscriptMessage{BaseMessage: base(MessageTypeTranscript), TurnID: e.TurnID, Text: e.Text}
	case voice.ResponseDelta:
		return &ResponseDeltaMessage{BaseMessage: base(MessageTypeResponseDelta), TurnID: e.TurnID, Delta: e.Delta, Text: e.Text}
	case voice.ResponseComplete:
		return &ResponseCompleteMessage{BaseMessage: base(MessageTypeResponseComplete), TurnID: e.TurnID, Text: e.Text, Mismatch: e.Mismatch}
	case voice.AudioChunkReady:
		return &ChunkReadyMessage{BaseMessage: base(MessageTypeChunkReady), TurnID: e.TurnID, Seq: e.Chunk.Seq, Text: e.Chunk.Text}
	case voice.CaptureFallback:
		return &CaptureFallbackMessage{BaseMessage: base(MessageTypeCaptureFallback), Reason: e.Reason}
	case voice.ErrorEvent:
		return &ErrorMessage{
			BaseMessage: base(MessageTypeError),
			Code:        errorCode(e.Kind),
			Message:     e.Message,
			TurnID:      e.TurnID,
			Retryable:   e.Retryable,
		}
	case voice.Hover:
		return &HoverMessage{BaseMessage: base(MessageTypeHover), Value: e.Value}
	case voice.ConversationBound:
		return &ConversationBoundMessage{BaseMessage: base(MessageTypeConversationBound), ConversationID: e.ConversationID, SessionID: e.SessionID}
	default:
		return nil
	}
}
