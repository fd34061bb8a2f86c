package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satriahrh/voicechat/domain"
	"github.com/satriahrh/voicechat/domain/entities"
	"github.com/satriahrh/voicechat/domain/repositories"
	"github.com/satriahrh/voicechat/internal/capture"
)

// Capture is the microphone side of a session. *capture.Adapter implements it.
type Capture interface {
	StartVAD(ctx context.Context) error
	StopVAD()
	StartManual(ctx context.Context) error
	StopManual() error
	// CancelManual drops a push-to-talk recording without producing a segment.
	CancelManual()
	Events() <-chan capture.Event
	Close()
}

// HistoryLoader returns the chat context of a conversation, oldest first.
type HistoryLoader interface {
	History(ctx context.Context, conversationID string, limit int) ([]repositories.ChatMessage, error)
}

var _ Capture = (*capture.Adapter)(nil)

type Dependencies struct {
	STT           repositories.SpeechToText
	Responder     repositories.ResponseGenerator
	Conversations repositories.ConversationStore
	History       HistoryLoader
	Player        Player
	// Capture is optional; without it segments arrive through SubmitSegment only.
	Capture Capture
}

type Config struct {
	ProjectID    string
	Settings     entities.VoiceSettings
	Language     string
	HistoryLimit int
	DefaultTitle string
	TitleLength  int
	TurnTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Language:     "en-US",
		HistoryLimit: 20,
		DefaultTitle: "Voice conversation",
		TitleLength:  60,
		TurnTimeout:  90 * time.Second,
	}
}

type turnMessageKind int

const (
	turnTranscript turnMessageKind = iota
	turnResponse
	turnFailed
	turnEnded
)

type turnMessage struct {
	turnID string
	kind   turnMessageKind
	text   string
	event  repositories.ResponseEvent
	err    error
}

type turn struct {
	id           string
	cancel       context.CancelFunc
	stale        chan struct{}
	rec          *Reconciler
	segment      entities.SpeechSegment
	transcript   string
	firstContent bool
	streamEnded  bool
	chunks       int
}

// Session is the state machine of one voice conversation. Every state
// mutation happens on a single loop goroutine; network work runs in
// goroutines that post results back tagged with their turn id, and results
// of a stale turn are discarded.
type Session struct {
	id       string
	deps     Dependencies
	cfg      Config
	logger   *zap.Logger
	binding  *Binding
	playback *PlaybackController

	// ctx bounds every background call of the session and is cancelled by Destroy.
	ctx    context.Context
	cancel context.CancelFunc

	events   chan Event
	inbox    chan func()
	turnMsgs chan turnMessage
	quit     chan struct{}
	loopDone chan struct{}

	destroyOnce sync.Once
	stateMirror atomic.Int32

	// owned by the loop
	state           entities.VoiceState
	settings        entities.VoiceSettings
	turn            *turn
	lastFailed      *entities.SpeechSegment
	fallbackOffered bool
	ensureStarted   bool
	bound           bool
	manualActive    bool
}

func NewSession(deps Dependencies, cfg Config, logger *zap.Logger) (*Session, error) {
	if deps.STT == nil {
		return nil, errors.New("speech to text is required")
	}
	if deps.Responder == nil {
		return nil, errors.New("response generator is required")
	}
	if deps.Conversations == nil {
		return nil, errors.New("conversation store is required")
	}
	if deps.Player == nil {
		return nil, errors.New("player is required")
	}
	if cfg.ProjectID == "" {
		return nil, errors.New("project id is required")
	}

	defaults := DefaultConfig()
	if cfg.Language == "" {
		cfg.Language = defaults.Language
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaults.HistoryLimit
	}
	if cfg.DefaultTitle == "" {
		cfg.DefaultTitle = defaults.DefaultTitle
	}
	if cfg.TitleLength <= 0 {
		cfg.TitleLength = defaults.TitleLength
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = defaults.TurnTimeout
	}

	id := uuid.NewString()
	logger = logger.With(zap.String("voiceSessionID", id), zap.String("projectID", cfg.ProjectID))
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		id:       id,
		deps:     deps,
		cfg:      cfg,
		logger:   logger,
		binding:  NewBinding(deps.Conversations, cfg.ProjectID, logger),
		playback: NewPlaybackController(deps.Player, logger),
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan Event, 64),
		inbox:    make(chan func()),
		turnMsgs: make(chan turnMessage),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		state:    entities.StateIdle,
		settings: cfg.Settings,
	}
	go s.loop()

	logger.Info("Voice session opened")
	return s, nil
}

func (s *Session) ID() string {
	return s.id
}

// Events is closed after Destroy.
func (s *Session) Events() <-chan Event {
	return s.events
}

func (s *Session) State() entities.VoiceState {
	return entities.VoiceState(s.stateMirror.Load())
}

// Conversation returns the bound conversation, if any.
func (s *Session) Conversation() (repositories.ConversationRef, bool) {
	return s.binding.Current()
}

// StartVAD arms automatic speech detection.
func (s *Session) StartVAD(ctx context.Context) error {
	if s.deps.Capture == nil {
		return domain.NewError(domain.ErrCapabilityUnavailable, "voice.start_vad", errors.New("no capture configured"))
	}
	return s.deps.Capture.StartVAD(ctx)
}

func (s *Session) StopVAD() {
	if s.deps.Capture != nil {
		s.deps.Capture.StopVAD()
	}
}

// PressToTalk starts a push-to-talk recording. A press while a turn is being
// processed is rejected; a press while speaking interrupts the reply.
func (s *Session) PressToTalk(ctx context.Context) error {
	if s.deps.Capture == nil {
		return domain.NewError(domain.ErrCapabilityUnavailable, "voice.press_to_talk", errors.New("no capture configured"))
	}
	err := s.call(func() error {
		if s.state == entities.StateProcessing {
			return s.reject(TriggerSpeechStart)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.deps.Capture.StartManual(ctx)
}

func (s *Session) ReleaseToTalk() error {
	if s.deps.Capture == nil {
		return domain.NewError(domain.ErrCapabilityUnavailable, "voice.release_to_talk", errors.New("no capture configured"))
	}
	return s.deps.Capture.StopManual()
}

// SubmitSegment starts a turn for an utterance captured outside the session's own capture.
func (s *Session) SubmitSegment(segment entities.SpeechSegment) error {
	return s.call(func() error {
		return s.handleSegment(segment)
	})
}

// Retry resubmits the segment of the last turn that failed with a retryable error.
func (s *Session) Retry() error {
	return s.call(func() error {
		if s.lastFailed == nil {
			return domain.NewError(domain.ErrSessionBusy, "voice.retry", errors.New("nothing to retry"))
		}
		segment := *s.lastFailed
		s.lastFailed = nil
		s.logger.Info("Retrying last failed turn")
		return s.handleSegment(segment)
	})
}

// Stop halts playback, marks the in-flight turn stale and returns to Idle.
// A push-to-talk recording in progress is discarded.
func (s *Session) Stop() error {
	return s.call(func() error {
		if s.manualActive {
			s.manualActive = false
			s.deps.Capture.CancelManual()
			s.logger.Info("Push-to-talk recording discarded")
		}
		s.halt()
		s.apply(TriggerStop)
		return nil
	})
}

// UpdateSettings changes voice, persona or model. Empty fields are kept; the
// new settings apply from the next turn.
func (s *Session) UpdateSettings(settings entities.VoiceSettings) error {
	return s.call(func() error {
		s.settings = s.settings.Merge(settings)
		s.logger.Info("Voice settings updated",
			zap.String("voiceID", s.settings.VoiceID),
			zap.String("personaID", s.settings.PersonaID),
			zap.String("modelID", s.settings.ModelID))
		return nil
	})
}

func (s *Session) Hover(value float64) error {
	return s.call(func() error {
		s.emit(Hover{Value: value})
		return nil
	})
}

// Destroy releases playback, capture and every pending call. Only the first
// call has an effect.
func (s *Session) Destroy() {
	s.destroyOnce.Do(func() {
		s.cancel()
		close(s.quit)
		<-s.loopDone

		if t := s.turn; t != nil {
			close(t.stale)
			t.cancel()
			s.turn = nil
		}
		s.playback.Close()
		if s.deps.Capture != nil {
			s.deps.Capture.Close()
		}
		close(s.events)
		s.logger.Info("Voice session destroyed")
	})
}

func (s *Session) loop() {
	defer close(s.loopDone)

	var captureEvents <-chan capture.Event
	if s.deps.Capture != nil {
		captureEvents = s.deps.Capture.Events()
	}

	for {
		select {
		case <-s.quit:
			return
		case fn := <-s.inbox:
			fn()
		case msg := <-s.turnMsgs:
			s.handleTurnMessage(msg)
		case n := <-s.playback.notices:
			s.handlePlayback(n)
		case ev, ok := <-captureEvents:
			if !ok {
				captureEvents = nil
				continue
			}
			s.handleCapture(ev)
		}
	}
}

// call runs fn on the loop and waits for its result.
func (s *Session) call(fn func() error) error {
	done := make(chan error, 1)
	select {
	case s.inbox <- func() { done <- fn() }:
	case <-s.quit:
		return domain.ErrSessionClosed
	}
	select {
	case err := <-done:
		return err
	case <-s.loopDone:
		return domain.ErrSessionClosed
	}
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.quit:
	}
}

func (s *Session) apply(trigger Trigger) bool {
	next, ok := transition(s.state, trigger)
	if !ok {
		return false
	}
	if next != s.state {
		prev := s.state
		s.state = next
		s.stateMirror.Store(int32(next))
		s.logger.Debug("State changed",
			zap.Stringer("from", prev), zap.Stringer("to", next), zap.Stringer("trigger", trigger))
		s.emit(StateChanged{From: prev, To: next})
	}
	return true
}

func (s *Session) reject(trigger Trigger) error {
	err := domain.NewError(domain.ErrSessionBusy, "voice."+trigger.String(),
		fmt.Errorf("cannot handle %s while %s", trigger, s.state))
	s.logger.Warn("Rejected event", zap.Stringer("state", s.state), zap.Stringer("trigger", trigger))
	var turnID string
	if s.turn != nil {
		turnID = s.turn.id
	}
	s.emit(ErrorEvent{TurnID: turnID, Kind: domain.ErrSessionBusy, Message: err.Error()})
	return err
}

func (s *Session) handleCapture(ev capture.Event) {
	switch ev.Kind {
	case capture.EventArmed:
		if ev.Mode == entities.CaptureModeManual {
			s.manualActive = true
			s.speechStarted()
			return
		}
		s.apply(TriggerCaptureArmed)
	case capture.EventSpeechStarted:
		s.speechStarted()
	case capture.EventSegment:
		if ev.Mode == entities.CaptureModeManual {
			if !s.manualActive {
				s.logger.Debug("Discarding segment of a cancelled recording")
				return
			}
			s.manualActive = false
		}
		s.handleSegment(ev.Segment)
	case capture.EventMisfire:
		s.apply(TriggerMisfire)
	case capture.EventReleased:
		if ev.Mode == entities.CaptureModeVAD {
			s.apply(TriggerCaptureLost)
		}
	case capture.EventFallback:
		if s.fallbackOffered {
			return
		}
		s.fallbackOffered = true
		s.emit(CaptureFallback{Reason: ev.Reason})
	case capture.EventFailure:
		if ev.Mode == entities.CaptureModeManual {
			s.manualActive = false
		}
		s.emit(ErrorEvent{Kind: domain.KindOf(ev.Err), Message: ev.Err.Error()})
		if s.state.IsCapturing() {
			s.apply(TriggerCaptureLost)
		}
	}
}

func (s *Session) speechStarted() {
	switch s.state {
	case entities.StateProcessing:
		s.reject(TriggerSpeechStart)
		return
	case entities.StateSpeaking:
		s.logger.Info("Barge-in, interrupting reply")
		s.halt()
	}
	s.apply(TriggerSpeechStart)
	s.ensureEarly()
}

// ensureEarly starts creating the conversation while the user is still speaking.
func (s *Session) ensureEarly() {
	if s.ensureStarted {
		return
	}
	s.ensureStarted = true
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, 15*time.Second)
		defer cancel()
		ref, err := s.binding.Ensure(ctx, s.cfg.DefaultTitle)
		if err != nil {
			return
		}
		s.announce(ref)
	}()
}

func (s *Session) announce(ref repositories.ConversationRef) {
	s.call(func() error {
		if !s.bound {
			s.bound = true
			s.emit(ConversationBound{ConversationID: ref.ID, SessionID: ref.SessionID})
		}
		return nil
	})
}

func (s *Session) handleSegment(segment entities.SpeechSegment) error {
	if len(segment.Samples) == 0 {
		err := domain.NewError(domain.ErrCaptureFailure, "voice.segment", errors.New("empty segment"))
		s.emit(ErrorEvent{Kind: domain.ErrCaptureFailure, Message: err.Error()})
		s.apply(TriggerMisfire)
		return err
	}
	if !s.apply(TriggerSegmentReady) {
		return s.reject(TriggerSegmentReady)
	}
	s.startTurn(segment)
	return nil
}

func (s *Session) startTurn(segment entities.SpeechSegment) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.TurnTimeout)
	t := &turn{
		id:      uuid.NewString(),
		cancel:  cancel,
		stale:   make(chan struct{}),
		segment: segment,
	}
	t.rec = NewReconciler(s.logger.With(zap.String("turnID", t.id)))
	s.turn = t
	s.lastFailed = nil

	s.logger.Info("Turn started", zap.String("turnID", t.id), zap.Duration("audio", segment.Duration()))
	go s.runTurn(ctx, t.id, t.stale, segment, s.settings)
}

// halt stops playback, then makes the in-flight turn stale.
func (s *Session) halt() {
	s.playback.Stop()
	if t := s.turn; t != nil {
		close(t.stale)
		t.cancel()
		s.turn = nil
		s.logger.Info("Turn stopped", zap.String("turnID", t.id))
	}
}

func (s *Session) handleTurnMessage(msg turnMessage) {
	t := s.turn
	if t == nil || t.id != msg.turnID {
		s.logger.Debug("Discarding result of stale turn", zap.String("turnID", msg.turnID))
		return
	}

	switch msg.kind {
	case turnTranscript:
		t.transcript = msg.text
		s.emit(TranscriptFinal{TurnID: t.id, Text: msg.text})
	case turnResponse:
		s.applyResponse(t, msg.event)
	case turnFailed:
		s.failTurn(t, msg.err)
	case turnEnded:
		t.streamEnded = true
		for _, chunk := range t.rec.Finish() {
			s.queueChunk(t, chunk)
		}
		s.maybeFinish(t)
	}
}

func (s *Session) applyResponse(t *turn, ev repositories.ResponseEvent) {
	switch ev.Kind {
	case repositories.ResponseTextDelta:
		if !t.rec.AppendDelta(ev.Delta) {
			return
		}
		s.contentArrived(t)
		s.emit(ResponseDelta{TurnID: t.id, Delta: ev.Delta, Text: t.rec.Text()})
	case repositories.ResponseAudioChunkReady:
		ready := t.rec.AddChunk(ev.Chunk)
		if len(ready) > 0 {
			s.contentArrived(t)
		}
		for _, chunk := range ready {
			s.queueChunk(t, chunk)
		}
	case repositories.ResponseComplete:
		text, mismatch := t.rec.Complete(ev.FullText)
		if text != "" {
			s.contentArrived(t)
		}
		s.emit(ResponseComplete{TurnID: t.id, Text: text, Mismatch: mismatch})
	case repositories.ResponseFailed:
		s.failTurn(t, ev.Err)
	}
}

func (s *Session) contentArrived(t *turn) {
	if t.firstContent {
		return
	}
	t.firstContent = true
	s.apply(TriggerFirstContent)
}

func (s *Session) queueChunk(t *turn, chunk entities.AudioChunk) {
	t.chunks++
	s.emit(AudioChunkReady{TurnID: t.id, Chunk: chunk})
	s.playback.Enqueue(chunk)
}

func (s *Session) handlePlayback(n playbackNotice) {
	if n.gen != s.playback.generation() {
		return
	}
	t := s.turn
	if t == nil {
		return
	}
	switch n.kind {
	case playbackStarted:
		s.emit(PlayChunk{TurnID: t.id, Seq: n.chunk.Seq})
	case playbackDrained:
		s.maybeFinish(t)
	}
}

func (s *Session) maybeFinish(t *turn) {
	if !t.streamEnded || s.playback.Busy() {
		return
	}
	t.cancel()
	s.turn = nil
	s.logger.Info("Turn complete", zap.String("turnID", t.id), zap.Int("audioChunks", t.chunks))
	s.apply(TriggerTurnComplete)
}

func (s *Session) failTurn(t *turn, err error) {
	if err == nil {
		err = errors.New("response failed")
	}
	retryable := domain.IsRetryable(err)
	if retryable {
		segment := t.segment
		s.lastFailed = &segment
	}

	s.logger.Error("Turn failed", zap.String("turnID", t.id), zap.Bool("retryable", retryable), zap.Error(err))

	s.playback.Stop()
	close(t.stale)
	t.cancel()
	s.turn = nil

	s.emit(ErrorEvent{TurnID: t.id, Kind: domain.KindOf(err), Message: err.Error(), Retryable: retryable})
	s.apply(TriggerTurnFailed)
}

// runTurn does the network work of one turn off the loop.
func (s *Session) runTurn(ctx context.Context, turnID string, stale <-chan struct{}, segment entities.SpeechSegment, settings entities.VoiceSettings) {
	logger := s.logger.With(zap.String("turnID", turnID))
	post := func(msg turnMessage) bool {
		msg.turnID = turnID
		select {
		case s.turnMsgs <- msg:
			return true
		case <-stale:
			return false
		case <-s.quit:
			return false
		}
	}
	fail := func(op string, err error) {
		if domain.KindOf(err) == nil {
			err = domain.NewError(domain.ErrTransientNetwork, op, err)
		}
		post(turnMessage{kind: turnFailed, err: err})
	}

	ref, err := s.binding.Ensure(ctx, s.cfg.DefaultTitle)
	if err != nil {
		fail("voice.bind", err)
		return
	}
	s.announce(ref)

	transcript, err := s.deps.STT.TranscribeAudio(ctx, capture.Float32ToPCM16(segment.Samples), repositories.AudioConfig{
		SampleRate: segment.SampleRate,
		Encoding:   "LINEAR16",
		Language:   s.cfg.Language,
	})
	if err != nil {
		fail("voice.transcribe", err)
		return
	}
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		post(turnMessage{kind: turnFailed, err: domain.NewError(domain.ErrEmptyTranscript, "voice.transcribe", nil)})
		return
	}
	if !post(turnMessage{kind: turnTranscript, text: transcript}) {
		return
	}

	if err := s.binding.Name(ctx, title(transcript, s.cfg.TitleLength)); err != nil {
		logger.Warn("Failed to name conversation", zap.Error(err))
	}

	var history []repositories.ChatMessage
	if s.deps.History != nil {
		history, err = s.deps.History.History(ctx, ref.ID, s.cfg.HistoryLimit)
		if err != nil {
			logger.Warn("Failed to load conversation history", zap.Error(err))
			history = nil
		}
	}

	capturedAt := segment.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now()
	}
	if err := s.binding.Record(ctx, entities.Message{
		Timestamp:  capturedAt,
		Role:       entities.MessageRoleUser,
		Content:    transcript,
		DurationMs: segment.Duration().Milliseconds(),
		Metadata:   entities.MessageMetadata{TurnID: turnID},
	}); err != nil {
		logger.Warn("Failed to record user message", zap.Error(err))
	}

	stream, err := s.deps.Responder.Generate(ctx, repositories.ResponseRequest{
		TurnID:         turnID,
		ConversationID: ref.ID,
		Transcript:     transcript,
		History:        history,
		Settings:       settings,
	})
	if err != nil {
		fail("voice.generate", err)
		return
	}

	var (
		streamed strings.Builder
		final    string
		chunks   int
		failed   bool
		live     = true
	)
	for ev := range stream {
		switch ev.Kind {
		case repositories.ResponseTextDelta:
			streamed.WriteString(ev.Delta)
		case repositories.ResponseAudioChunkReady:
			chunks++
		case repositories.ResponseComplete:
			final = ev.FullText
		case repositories.ResponseFailed:
			failed = true
			if ev.Err != nil && domain.KindOf(ev.Err) == nil {
				ev.Err = domain.NewError(domain.ErrTransientNetwork, "voice.generate", ev.Err)
			}
		}
		// keep draining after the turn went stale so the generator can finish
		if live {
			live = post(turnMessage{kind: turnResponse, event: ev})
		}
	}
	if !live || failed {
		return
	}
	if final == "" {
		final = streamed.String()
	}

	if final != "" && ctx.Err() == nil {
		if err := s.binding.Record(ctx, entities.Message{
			Timestamp: time.Now(),
			Role:      entities.MessageRoleAssistant,
			Content:   final,
			Metadata: entities.MessageMetadata{
				TurnID:      turnID,
				VoiceID:     settings.VoiceID,
				AudioChunks: chunks,
			},
		}); err != nil {
			logger.Warn("Failed to record assistant message", zap.Error(err))
		}
	}

	if ctx.Err() != nil {
		fail("voice.generate", ctx.Err())
		return
	}
	post(turnMessage{kind: turnEnded})
}

func title(transcript string, limit int) string {
	if utf8.RuneCountInString(transcript) <= limit {
		return transcript
	}
	runes := []rune(transcript)
	return strings.TrimSpace(string(runes[:limit])) + "…"
}
