package websocket

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/voicechat/domain"
	"github.com/satriahrh/voicechat/domain/entities"
	"github.com/satriahrh/voicechat/internal/capture"
	"github.com/satriahrh/voicechat/internal/voice"
)

var (
	_ capture.Microphone = (*wsMicrophone)(nil)
	_ capture.Stream     = (*wsStream)(nil)
	_ voice.Player       = (*wsPlayer)(nil)
)

// wsMicrophone asks the browser for microphone access and receives its audio
// as binary frames.
type wsMicrophone struct {
	client  *Client
	timeout time.Duration

	mu      sync.Mutex
	pending chan micAnswer
	stream  *wsStream
}

type micAnswer struct {
	status *MicrophoneStatusMessage
	stream *wsStream
}

func (m *wsMicrophone) Open(ctx context.Context, mode entities.CaptureMode) (capture.Stream, error) {
	const op = "websocket.microphone_open"

	reply := make(chan micAnswer, 1)
	m.mu.Lock()
	if m.pending != nil {
		m.mu.Unlock()
		return nil, domain.NewError(domain.ErrSessionBusy, op, errors.New("microphone request already pending"))
	}
	m.pending = reply
	m.mu.Unlock()

	answer, err := m.await(ctx, op, mode, reply)

	m.mu.Lock()
	m.pending = nil
	m.mu.Unlock()
	if err != nil {
		// an answer may have landed while giving up
		select {
		case late := <-reply:
			if late.stream != nil {
				late.stream.Close()
			}
		default:
		}
		return nil, err
	}

	if answer.stream == nil {
		reason := answer.status.Reason
		if reason == "" {
			reason = "microphone access refused"
		}
		return nil, domain.NewError(domain.ErrPermissionDenied, op, errors.New(reason))
	}
	m.client.logger.Debug("Microphone opened",
		zap.String("mode", string(mode)),
		zap.Int("sampleRate", answer.status.SampleRate),
		zap.String("encoding", answer.status.Encoding))
	return answer.stream, nil
}

func (m *wsMicrophone) await(ctx context.Context, op string, mode entities.CaptureMode, reply <-chan micAnswer) (micAnswer, error) {
	if !m.client.sendJSON(&MicrophoneRequestMessage{BaseMessage: base(MessageTypeMicrophoneRequest), Mode: string(mode)}) {
		return micAnswer{}, domain.ErrSessionClosed
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case answer := <-reply:
		return answer, nil
	case <-timer.C:
		return micAnswer{}, domain.NewError(domain.ErrPermissionDenied, op, errors.New("microphone request was not answered"))
	case <-ctx.Done():
		return micAnswer{}, ctx.Err()
	case <-m.client.done:
		return micAnswer{}, domain.ErrSessionClosed
	}
}

// resolve delivers the browser's answer to the pending request. A granted
// stream is installed before the next frame is read so no audio is lost.
func (m *wsMicrophone) resolve(status *MicrophoneStatusMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		m.client.logger.Warn("Unsolicited microphone status", zap.Bool("granted", status.Granted))
		return
	}

	answer := micAnswer{status: status}
	if status.Granted {
		answer.stream = &wsStream{
			mic:    m,
			format: capture.Format{SampleRate: status.SampleRate, Encoding: status.Encoding},
			chunks: make(chan []byte, streamBufferSize),
		}
	}
	select {
	case m.pending <- answer:
		if answer.stream != nil {
			m.stream = answer.stream
		}
	default:
		m.client.logger.Warn("Duplicate microphone status ignored")
	}
}

// push hands one binary frame to the open stream. Frames are dropped when
// nothing is open or the consumer falls behind.
func (m *wsMicrophone) push(data []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stream
	if s == nil || s.closed {
		return false
	}
	select {
	case s.chunks <- data:
		return true
	default:
		m.client.logger.Warn("Microphone buffer full, dropping chunk", zap.Int("size", len(data)))
		return false
	}
}

type wsStream struct {
	mic    *wsMicrophone
	format capture.Format
	chunks chan []byte
	once   sync.Once

	// guarded by mic.mu
	closed bool
}

func (s *wsStream) Chunks() <-chan []byte  { return s.chunks }
func (s *wsStream) Format() capture.Format { return s.format }

func (s *wsStream) Close() error {
	s.once.Do(func() {
		s.mic.mu.Lock()
		s.closed = true
		close(s.chunks)
		if s.mic.stream == s {
			s.mic.stream = nil
		}
		s.mic.mu.Unlock()
		s.mic.client.sendJSON(&MicrophoneReleaseMessage{BaseMessage: base(MessageTypeMicrophoneRelease)})
	})
	return nil
}

// wsPlayer plays chunks in the browser, one play_chunk at a time, and waits
// for the matching playback_ended.
type wsPlayer struct {
	client  *Client
	timeout time.Duration
	nextID  atomic.Int64

	mu      sync.Mutex
	waiting map[int64]chan string
}

func newWSPlayer(c *Client, timeout time.Duration) *wsPlayer {
	return &wsPlayer{client: c, timeout: timeout, waiting: make(map[int64]chan string)}
}

func (p *wsPlayer) Play(ctx context.Context, chunk entities.AudioChunk) error {
	id := p.nextID.Add(1)
	msg := &PlayChunkMessage{
		BaseMessage: base(MessageTypePlayChunk),
		PlayID:      id,
		Seq:         chunk.Seq,
		ContentType: chunk.ContentType,
		Text:        chunk.Text,
	}
	if isFetchable(chunk.Ref) {
		msg.URL = chunk.Ref
	} else {
		if len(chunk.Data) == 0 {
			return fmt.Errorf("chunk %d has neither a url nor audio", chunk.Seq)
		}
		msg.Inline = true
	}

	ended := make(chan string, 1)
	p.mu.Lock()
	p.waiting[id] = ended
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.waiting, id)
		p.mu.Unlock()
	}()

	if !p.client.sendJSON(msg) {
		return domain.ErrSessionClosed
	}
	if msg.Inline && !p.client.sendBinary(chunk.Data) {
		return domain.ErrSessionClosed
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case reason := <-ended:
		if reason != "" {
			return fmt.Errorf("browser failed to play chunk %d: %s", chunk.Seq, reason)
		}
		return nil
	case <-ctx.Done():
		p.client.sendJSON(&StopPlaybackMessage{BaseMessage: base(MessageTypeStopPlayback), PlayID: id})
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("chunk %d did not finish within %s", chunk.Seq, p.timeout)
	case <-p.client.done:
		return domain.ErrSessionClosed
	}
}

// ended completes the Play call waiting on playID. Late or unknown ids are ignored.
func (p *wsPlayer) ended(playID int64, reason string) {
	p.mu.Lock()
	ch, ok := p.waiting[playID]
	p.mu.Unlock()
	if !ok {
		p.client.logger.Debug("Ignoring playback_ended for inactive chunk", zap.Int64("playID", playID))
		return
	}
	select {
	case ch <- reason:
	default:
	}
}

func isFetchable(ref string) bool {
	return strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "http://")
}
