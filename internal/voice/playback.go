package voice

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/satriahrh/voicechat/domain/entities"
)

// Player renders one audio chunk. Play blocks until the chunk has finished
// or ctx is cancelled.
type Player interface {
	Play(ctx context.Context, chunk entities.AudioChunk) error
}

type playbackNoticeKind int

const (
	playbackStarted playbackNoticeKind = iota
	playbackDrained
)

type playbackNotice struct {
	kind  playbackNoticeKind
	chunk entities.AudioChunk
	gen   int
}

// PlaybackController keeps at most one chunk playing and plays queued chunks
// back to back in the order they were enqueued.
type PlaybackController struct {
	player Player
	logger *zap.Logger

	notices chan playbackNotice

	mu      sync.Mutex
	queue   []entities.AudioChunk
	playing bool
	gen     int
	cancel  context.CancelFunc
	halt    chan struct{}
	idle    chan struct{}
	closed  bool
}

func NewPlaybackController(player Player, logger *zap.Logger) *PlaybackController {
	idle := make(chan struct{})
	close(idle)
	return &PlaybackController{
		player:  player,
		logger:  logger,
		notices: make(chan playbackNotice, 16),
		halt:    make(chan struct{}),
		idle:    idle,
	}
}

// Enqueue appends a chunk and starts playback if nothing is playing.
func (p *PlaybackController) Enqueue(chunk entities.AudioChunk) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.queue = append(p.queue, chunk)
	if p.playing {
		return
	}
	p.playing = true
	p.idle = make(chan struct{})
	go p.run(p.gen, p.halt, p.idle)
}

// Stop halts the current chunk, flushes the queue and returns once the
// player is idle.
func (p *PlaybackController) Stop() {
	p.mu.Lock()
	p.gen++
	flushed := len(p.queue)
	p.queue = nil
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	close(p.halt)
	p.halt = make(chan struct{})
	p.playing = false
	idle := p.idle
	p.mu.Unlock()

	<-idle
	if flushed > 0 {
		p.logger.Debug("Flushed playback queue", zap.Int("chunks", flushed))
	}
}

// Busy reports whether a chunk is playing or queued.
func (p *PlaybackController) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing || len(p.queue) > 0
}

func (p *PlaybackController) generation() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen
}

// Close stops playback and rejects further chunks.
func (p *PlaybackController) Close() {
	p.Stop()
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *PlaybackController) run(gen int, halt, idle chan struct{}) {
	defer close(idle)

	for {
		p.mu.Lock()
		if gen != p.gen {
			p.mu.Unlock()
			return
		}
		if len(p.queue) == 0 {
			p.playing = false
			p.mu.Unlock()
			p.notify(playbackNotice{kind: playbackDrained, gen: gen}, halt)
			return
		}
		chunk := p.queue[0]
		p.queue = p.queue[1:]
		ctx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		p.mu.Unlock()

		p.notify(playbackNotice{kind: playbackStarted, chunk: chunk, gen: gen}, halt)
		err := p.player.Play(ctx, chunk)

		p.mu.Lock()
		stopped := ctx.Err() != nil
		if gen == p.gen {
			p.cancel = nil
		}
		p.mu.Unlock()
		cancel()

		if err != nil && !stopped {
			p.logger.Warn("Failed to play audio chunk", zap.Int("seq", chunk.Seq), zap.Error(err))
		}
	}
}

func (p *PlaybackController) notify(n playbackNotice, halt chan struct{}) {
	select {
	case p.notices <- n:
	case <-halt:
	}
}
