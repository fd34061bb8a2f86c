package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/satriahrh/voicechat/domain/entities"
	"github.com/satriahrh/voicechat/domain/repositories"
)

type sttResult struct {
	text string
	err  error
}

type fakeSTT struct {
	mu      sync.Mutex
	results []sttResult
	calls   int
	block   chan struct{}
}

func (f *fakeSTT) TranscribeAudio(ctx context.Context, audio []byte, config repositories.AudioConfig) (string, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	return f.results[i].text, f.results[i].err
}

type fakeResponder struct {
	mu       sync.Mutex
	requests []repositories.ResponseRequest
	script   func(ctx context.Context, req repositories.ResponseRequest, out chan<- repositories.ResponseEvent)
}

func (f *fakeResponder) Generate(ctx context.Context, req repositories.ResponseRequest) (<-chan repositories.ResponseEvent, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	out := make(chan repositories.ResponseEvent, 16)
	go func() {
		defer close(out)
		f.script(ctx, req, out)
	}()
	return out, nil
}

func (f *fakeResponder) lastRequest() repositories.ResponseRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

// reply streams text as deltas, one chunk per delta, then completes.
func reply(deltas ...string) func(context.Context, repositories.ResponseRequest, chan<- repositories.ResponseEvent) {
	return func(ctx context.Context, req repositories.ResponseRequest, out chan<- repositories.ResponseEvent) {
		full := ""
		for i, d := range deltas {
			full += d
			out <- repositories.ResponseEvent{Kind: repositories.ResponseTextDelta, Delta: d}
			out <- repositories.ResponseEvent{Kind: repositories.ResponseAudioChunkReady, Chunk: entities.AudioChunk{Seq: i, Text: d}}
		}
		out <- repositories.ResponseEvent{Kind: repositories.ResponseComplete, FullText: full}
	}
}

type fakeStore struct {
	mu          sync.Mutex
	delay       time.Duration
	failures    int
	ensureCalls int
	created     int
	cancelled   int
	names       []string
	messages    []entities.Message
}

func (f *fakeStore) EnsureConversation(ctx context.Context, projectID, titleHint string) (repositories.ConversationRef, error) {
	f.mu.Lock()
	f.ensureCalls++
	n := f.ensureCalls
	fail := f.failures >= n
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			f.mu.Lock()
			f.cancelled++
			f.mu.Unlock()
			return repositories.ConversationRef{}, ctx.Err()
		}
	}
	if fail {
		return repositories.ConversationRef{}, errors.New("store unavailable")
	}
	f.mu.Lock()
	f.created++
	f.mu.Unlock()
	return repositories.ConversationRef{ID: fmt.Sprintf("conv-%d", n), SessionID: "session-1"}, nil
}

func (f *fakeStore) UpdateConversation(ctx context.Context, id, sessionID string, update repositories.ConversationUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names = append(f.names, update.Name)
	return nil
}

func (f *fakeStore) AddMessage(ctx context.Context, conversationID string, message entities.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
	return nil
}

func (f *fakeStore) GetConversation(ctx context.Context, id string) (*entities.Conversation, error) {
	return nil, repositories.ErrNotFound
}

func (f *fakeStore) ListByProject(ctx context.Context, projectID string, limit int) ([]*entities.Conversation, error) {
	return nil, nil
}

func (f *fakeStore) recorded() []entities.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]entities.Message(nil), f.messages...)
}

func (f *fakeStore) ensureCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ensureCalls
}

func (f *fakeStore) outcomes() (created, cancelled int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created, f.cancelled
}

type fakePlayer struct {
	// hold keeps every chunk playing until it is stopped
	hold     bool
	duration time.Duration

	mu        sync.Mutex
	played    []int
	active    int
	maxActive int
}

func (p *fakePlayer) Play(ctx context.Context, chunk entities.AudioChunk) error {
	p.mu.Lock()
	p.played = append(p.played, chunk.Seq)
	p.active++
	if p.active > p.maxActive {
		p.maxActive = p.active
	}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
	}()

	if p.hold {
		<-ctx.Done()
		return ctx.Err()
	}
	select {
	case <-time.After(p.duration):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *fakePlayer) snapshot() (played []int, active, maxActive int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.played...), p.active, p.maxActive
}

func segment() entities.SpeechSegment {
	return entities.SpeechSegment{
		Samples:    make([]float32, 16000),
		SampleRate: 16000,
		CapturedAt: time.Now(),
	}
}

// recorder drains session events so tests can wait on and inspect them.
type recorder struct {
	t      *testing.T
	mu     sync.Mutex
	events []Event
	notify chan struct{}
	done   chan struct{}
}

func record(t *testing.T, s *Session) *recorder {
	r := &recorder{t: t, notify: make(chan struct{}, 1), done: make(chan struct{})}
	go func() {
		defer close(r.done)
		for ev := range s.Events() {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
			select {
			case r.notify <- struct{}{}:
			default:
			}
		}
	}()
	return r
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// waitFor blocks until an event satisfying match has been recorded.
func (r *recorder) waitFor(desc string, match func(Event) bool) Event {
	r.t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		for _, ev := range r.snapshot() {
			if match(ev) {
				return ev
			}
		}
		select {
		case <-r.notify:
		case <-time.After(10 * time.Millisecond):
		case <-timeout:
			r.t.Fatalf("Timed out waiting for %s; got %#v", desc, r.snapshot())
			return nil
		}
	}
}

func (r *recorder) waitForState(state entities.VoiceState) {
	r.t.Helper()
	r.waitFor("state "+state.String(), func(ev Event) bool {
		sc, ok := ev.(StateChanged)
		return ok && sc.To == state
	})
}

func count[T Event](events []Event) int {
	n := 0
	for _, ev := range events {
		if _, ok := ev.(T); ok {
			n++
		}
	}
	return n
}
