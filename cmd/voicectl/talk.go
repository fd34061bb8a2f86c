package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/satriahrh/voicechat/internal/capture"
	ws "github.com/satriahrh/voicechat/internal/websocket"
)

const frameDuration = 20 * time.Millisecond

var (
	wavPath string
	outDir  string
	useVAD  bool
)

var talkCmd = &cobra.Command{
	Use:   "talk",
	Short: "Speak one turn from a WAV file",
	Long: `Open a voice session, stream a PCM16 WAV file as the microphone and
print the transcript and the streamed reply.

By default the file is sent as one push-to-talk recording. With --vad the
session listens with voice activity detection instead, so the file should
contain trailing silence for the end of speech to be found.

Inline reply audio is written to --out when given.

Examples:
  voicectl talk --project demo --key demo-key --wav question.wav
  voicectl talk --project demo --key demo-key --wav question.wav --vad --out replies/`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if wavPath == "" {
			return errors.New("audio file is required, use --wav")
		}
		pcm, rate, err := loadWAV(wavPath)
		if err != nil {
			return err
		}
		printVerbose("Loaded %s: %d bytes at %d Hz", wavPath, len(pcm), rate)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		token, err := resolveToken(ctx)
		if err != nil {
			return err
		}
		endpoint, err := websocketURL(serverURL, token)
		if err != nil {
			return err
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			return fmt.Errorf("dial: %w", err)
		}
		defer conn.Close()

		t := &talker{conn: conn, pcm: pcm, rate: rate, vad: useVAD, outDir: outDir, out: os.Stdout}
		return t.run(ctx)
	},
}

func init() {
	talkCmd.Flags().StringVarP(&wavPath, "wav", "w", "", "PCM16 WAV file to speak")
	talkCmd.Flags().StringVarP(&outDir, "out", "o", "", "directory for reply audio")
	talkCmd.Flags().BoolVar(&useVAD, "vad", false, "use voice activity detection instead of push-to-talk")
}

// loadWAV returns the file as mono PCM16 and its sample rate.
func loadWAV(path string) ([]byte, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read %s: %w", path, err)
	}
	samples, rate, err := capture.PCMDecoder{}.Decode(data, capture.Format{Encoding: capture.EncodingWAV})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return capture.Float32ToPCM16(samples), rate, nil
}

func websocketURL(server, token string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String(), nil
}

type frame struct {
	binary bool
	data   []byte
}

// talker plays the browser's part of the protocol for a single turn.
type talker struct {
	conn   *websocket.Conn
	pcm    []byte
	rate   int
	vad    bool
	outDir string
	out    io.Writer

	writeMu sync.Mutex

	// inline play_chunk awaiting its binary frame
	pendingPlay *ws.PlayChunkMessage
	answered    bool
	completed   bool
}

func (t *talker) run(ctx context.Context) error {
	frames := make(chan frame, 64)
	readErr := make(chan error, 1)
	go func() {
		for {
			kind, data, err := t.conn.ReadMessage()
			if err != nil {
				readErr <- err
				close(frames)
				return
			}
			frames <- frame{binary: kind == websocket.BinaryMessage, data: data}
		}
	}()

	start := ws.MessageTypePressToTalk
	if t.vad {
		start = ws.MessageTypeStartVAD
	}
	if err := t.sendControl(start); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			t.sendControl(ws.MessageTypeStop)
			t.close()
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return fmt.Errorf("connection closed: %w", <-readErr)
			}
			done, err := t.handle(ctx, f)
			if err != nil {
				return err
			}
			if done {
				if t.vad {
					t.sendControl(ws.MessageTypeStopVAD)
				}
				t.close()
				return nil
			}
		}
	}
}

// handle reacts to one server frame and reports whether the turn is over.
func (t *talker) handle(ctx context.Context, f frame) (bool, error) {
	if f.binary {
		return false, t.playInline(f.data)
	}

	var msg ws.BaseMessage
	if err := json.Unmarshal(f.data, &msg); err != nil {
		return false, fmt.Errorf("invalid server message: %w", err)
	}
	printVerbose("<- %s", f.data)

	switch msg.Type {
	case ws.MessageTypeMicrophoneRequest:
		if t.answered {
			// the session recovers capture once after a failure
			printVerbose("Declining repeated microphone request")
			return false, t.sendJSON(&ws.MicrophoneStatusMessage{
				BaseMessage: ws.BaseMessage{Type: ws.MessageTypeMicrophoneStatus},
				Reason:      "file already sent",
			})
		}
		t.answered = true
		if err := t.sendJSON(&ws.MicrophoneStatusMessage{
			BaseMessage: ws.BaseMessage{Type: ws.MessageTypeMicrophoneStatus},
			Granted:     true,
			SampleRate:  t.rate,
			Encoding:    capture.EncodingPCM16,
		}); err != nil {
			return false, err
		}
		go t.stream(ctx)

	case ws.MessageTypeTranscript:
		var m ws.TranscriptMessage
		if err := json.Unmarshal(f.data, &m); err == nil {
			fmt.Fprintf(t.out, "you: %s\n", m.Text)
		}

	case ws.MessageTypeResponseDelta:
		var m ws.ResponseDeltaMessage
		if err := json.Unmarshal(f.data, &m); err == nil {
			fmt.Fprint(t.out, m.Delta)
		}

	case ws.MessageTypeResponseComplete:
		var m ws.ResponseCompleteMessage
		if err := json.Unmarshal(f.data, &m); err == nil {
			fmt.Fprintln(t.out)
			if m.Mismatch {
				fmt.Fprintf(t.out, "(final text differs from the stream) %s\n", m.Text)
			}
		}
		t.completed = true

	case ws.MessageTypePlayChunk:
		var m ws.PlayChunkMessage
		if err := json.Unmarshal(f.data, &m); err != nil {
			return false, err
		}
		if m.Inline {
			t.pendingPlay = &m
			return false, nil
		}
		printVerbose("Chunk %d available at %s", m.Seq, m.URL)
		return false, t.playbackEnded(m.PlayID, "")

	case ws.MessageTypeCaptureFallback:
		var m ws.CaptureFallbackMessage
		if err := json.Unmarshal(f.data, &m); err == nil {
			fmt.Fprintf(os.Stderr, "capture fell back to push-to-talk: %s\n", m.Reason)
		}

	case ws.MessageTypeConversationBound:
		var m ws.ConversationBoundMessage
		if err := json.Unmarshal(f.data, &m); err == nil {
			printVerbose("Conversation %s", m.ConversationID)
		}

	case ws.MessageTypeError:
		var m ws.ErrorMessage
		if err := json.Unmarshal(f.data, &m); err != nil {
			return false, err
		}
		if m.Command != "" {
			return false, fmt.Errorf("%s rejected: %s (%s)", m.Command, m.Message, m.Code)
		}
		fmt.Fprintf(os.Stderr, "error: %s (%s, retryable=%v)\n", m.Message, m.Code, m.Retryable)

	case ws.MessageTypeState:
		var m ws.StateMessage
		if err := json.Unmarshal(f.data, &m); err != nil {
			return false, err
		}
		printVerbose("State %s -> %s", m.From, m.To)
		if (m.From == "processing" || m.From == "speaking") && (m.To == "idle" || m.To == "listening") {
			return true, nil
		}
	}
	return false, nil
}

// stream sends the recording paced like a live microphone.
func (t *talker) stream(ctx context.Context) {
	frameBytes := t.rate * 2 * int(frameDuration/time.Millisecond) / 1000
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for offset := 0; offset < len(t.pcm); offset += frameBytes {
		end := min(offset+frameBytes, len(t.pcm))
		if err := t.write(websocket.BinaryMessage, t.pcm[offset:end]); err != nil {
			fmt.Fprintf(os.Stderr, "failed to send audio: %v\n", err)
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
	printVerbose("Sent %d bytes of audio", len(t.pcm))

	if !t.vad {
		if err := t.sendControl(ws.MessageTypeReleaseToTalk); err != nil {
			fmt.Fprintf(os.Stderr, "failed to release: %v\n", err)
		}
	}
}

func (t *talker) playInline(data []byte) error {
	play := t.pendingPlay
	t.pendingPlay = nil
	if play == nil {
		printVerbose("Ignoring unexpected binary frame (%d bytes)", len(data))
		return nil
	}
	reason := ""
	if t.outDir != "" {
		name := filepath.Join(t.outDir, fmt.Sprintf("reply-%03d%s", play.Seq, extension(play.ContentType)))
		if err := os.MkdirAll(t.outDir, 0755); err != nil {
			reason = err.Error()
		} else if err := os.WriteFile(name, data, 0644); err != nil {
			reason = err.Error()
		} else {
			printVerbose("Saved chunk %d to %s", play.Seq, name)
		}
	}
	return t.playbackEnded(play.PlayID, reason)
}

func extension(contentType string) string {
	switch {
	case strings.Contains(contentType, "mpeg"):
		return ".mp3"
	case strings.Contains(contentType, "wav"):
		return ".wav"
	default:
		return ".bin"
	}
}

func (t *talker) playbackEnded(playID int64, reason string) error {
	return t.sendJSON(&ws.PlaybackEndedMessage{
		BaseMessage: ws.BaseMessage{Type: ws.MessageTypePlaybackEnded},
		PlayID:      playID,
		Error:       reason,
	})
}

func (t *talker) sendControl(msgType ws.MessageType) error {
	return t.sendJSON(&ws.ControlMessage{BaseMessage: ws.BaseMessage{Type: msgType}})
}

func (t *talker) sendJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.write(websocket.TextMessage, data)
}

func (t *talker) write(kind int, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return t.conn.WriteMessage(kind, data)
}

func (t *talker) close() {
	t.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
