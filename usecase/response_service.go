package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/satriahrh/voicechat/domain/entities"
	"github.com/satriahrh/voicechat/domain/repositories"
)

// ResponseConfig tunes response generation
type ResponseConfig struct {
	// SynthesisConcurrency bounds the sentences synthesized at the same time
	SynthesisConcurrency int
}

// ResponseService turns a transcript into streamed reply text and synthesized
// audio chunks, one chunk per sentence
type ResponseService struct {
	llm    repositories.LargeLanguageModel
	tts    repositories.TextToSpeech
	chunks repositories.ChunkStore
	cfg    ResponseConfig
	logger *zap.Logger
}

var _ repositories.ResponseGenerator = (*ResponseService)(nil)

// NewResponseService creates a new response service
func NewResponseService(
	llm repositories.LargeLanguageModel,
	tts repositories.TextToSpeech,
	chunks repositories.ChunkStore,
	cfg ResponseConfig,
	logger *zap.Logger,
) *ResponseService {
	if cfg.SynthesisConcurrency <= 0 {
		cfg.SynthesisConcurrency = 3
		logger.Info("Using default synthesis concurrency", zap.Int("concurrency", cfg.SynthesisConcurrency))
	}
	return &ResponseService{
		llm:    llm,
		tts:    tts,
		chunks: chunks,
		cfg:    cfg,
		logger: logger,
	}
}

// Generate starts the reply. The returned channel carries text deltas in
// order, audio chunks as their synthesis finishes, then exactly one Complete
// or Failed event before it is closed.
func (s *ResponseService) Generate(ctx context.Context, req repositories.ResponseRequest) (<-chan repositories.ResponseEvent, error) {
	chat, err := s.llm.GenerateChat(ctx, repositories.ChatSettings{
		ModelID:   req.Settings.ModelID,
		PersonaID: req.Settings.PersonaID,
	}, req.History)
	if err != nil {
		return nil, fmt.Errorf("failed to start chat: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	deltas, err := chat.SendMessageStream(ctx, repositories.ChatMessage{
		Role:    repositories.UserRole,
		Content: req.Transcript,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	out := make(chan repositories.ResponseEvent, 32)
	go func() {
		defer cancel()
		defer close(out)
		s.stream(ctx, req, deltas, out)
	}()
	return out, nil
}

func (s *ResponseService) stream(ctx context.Context, req repositories.ResponseRequest, deltas <-chan repositories.ChatDelta, out chan<- repositories.ResponseEvent) {
	logger := s.logger.With(zap.String("turnID", req.TurnID))
	send := func(ev repositories.ResponseEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.SynthesisConcurrency)

	seq := 0
	synthesize := func(sentence string) {
		n := seq
		seq++
		g.Go(func() error {
			chunk, err := s.synthesize(gctx, req, n, sentence)
			if err != nil {
				return err
			}
			send(repositories.ResponseEvent{Kind: repositories.ResponseAudioChunkReady, Chunk: chunk})
			return nil
		})
	}

	var (
		full      strings.Builder
		buffer    = NewSentenceBuffer()
		streamErr error
	)

loop:
	for {
		select {
		case <-gctx.Done():
			break loop
		case delta, ok := <-deltas:
			if !ok {
				break loop
			}
			if delta.Err != nil {
				streamErr = delta.Err
				break loop
			}
			if delta.Text == "" {
				continue
			}
			full.WriteString(delta.Text)
			if !send(repositories.ResponseEvent{Kind: repositories.ResponseTextDelta, Delta: delta.Text}) {
				break loop
			}
			for _, sentence := range buffer.Add(delta.Text) {
				synthesize(sentence)
			}
		}
	}

	if streamErr == nil && gctx.Err() == nil {
		if rest := buffer.Flush(); rest != "" {
			synthesize(rest)
		}
	}
	synthErr := g.Wait()

	switch {
	case ctx.Err() != nil:
		logger.Debug("Response generation cancelled")
	case streamErr != nil:
		logger.Error("Response stream failed", zap.Error(streamErr))
		send(repositories.ResponseEvent{Kind: repositories.ResponseFailed, Err: streamErr})
	case synthErr != nil:
		logger.Error("Speech synthesis failed", zap.Error(synthErr))
		send(repositories.ResponseEvent{Kind: repositories.ResponseFailed, Err: synthErr})
	default:
		logger.Info("Response generated", zap.Int("chunks", seq), zap.Int("textLength", full.Len()))
		send(repositories.ResponseEvent{Kind: repositories.ResponseComplete, FullText: full.String()})
	}
}

func (s *ResponseService) synthesize(ctx context.Context, req repositories.ResponseRequest, seq int, sentence string) (entities.AudioChunk, error) {
	audio, err := s.tts.ConvertTextToSpeech(ctx, sentence, repositories.VoiceConfig{VoiceID: req.Settings.VoiceID})
	if err != nil {
		return entities.AudioChunk{}, fmt.Errorf("failed to synthesize chunk %d: %w", seq, err)
	}

	var buf bytes.Buffer
	for data := range audio {
		buf.Write(data)
	}
	if err := ctx.Err(); err != nil {
		return entities.AudioChunk{}, err
	}
	if buf.Len() == 0 {
		return entities.AudioChunk{}, errors.New("speech synthesis returned no audio")
	}

	contentType := s.tts.ContentType()
	key := fmt.Sprintf("%s/%s/%03d%s", req.ConversationID, req.TurnID, seq, extension(contentType))
	ref, err := s.chunks.Put(ctx, key, buf.Bytes(), contentType)
	if err != nil {
		return entities.AudioChunk{}, fmt.Errorf("failed to store chunk %d: %w", seq, err)
	}

	return entities.AudioChunk{
		Seq:         seq,
		Ref:         ref,
		Data:        buf.Bytes(),
		ContentType: contentType,
		Text:        sentence,
	}, nil
}

func extension(contentType string) string {
	switch contentType {
	case "audio/mpeg":
		return ".mp3"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "audio/ogg":
		return ".ogg"
	case "audio/pcm", "audio/L16":
		return ".pcm"
	default:
		return ""
	}
}
