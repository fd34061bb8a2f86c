package capture

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/satriahrh/voicechat/domain/entities"
)

type fakeStream struct {
	chunks chan []byte
	format Format

	mu     sync.Mutex
	closes int
}

func newFakeStream(format Format) *fakeStream {
	return &fakeStream{chunks: make(chan []byte, 1024), format: format}
}

func (s *fakeStream) Chunks() <-chan []byte { return s.chunks }
func (s *fakeStream) Format() Format        { return s.format }

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	if s.closes == 1 {
		close(s.chunks)
	}
	return nil
}

func (s *fakeStream) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

type fakeMicrophone struct {
	format  Format
	openErr error

	mu      sync.Mutex
	streams []*fakeStream
	modes   []entities.CaptureMode
}

func (m *fakeMicrophone) Open(ctx context.Context, mode entities.CaptureMode) (Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modes = append(m.modes, mode)
	if m.openErr != nil {
		return nil, m.openErr
	}
	s := newFakeStream(m.format)
	m.streams = append(m.streams, s)
	return s, nil
}

func (m *fakeMicrophone) last() *fakeStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.streams) == 0 {
		return nil
	}
	return m.streams[len(m.streams)-1]
}

func (m *fakeMicrophone) opened() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.modes)
}

type failingDetector struct {
	mu     sync.Mutex
	starts int
}

func (d *failingDetector) Start(ctx context.Context, stream Stream) (<-chan DetectorEvent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.starts++
	return nil, errors.New("model failed to load")
}

func (d *failingDetector) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.starts
}

// scriptedDetector replays whatever the test pushes into events.
type scriptedDetector struct {
	events chan DetectorEvent
}

func (d *scriptedDetector) Start(ctx context.Context, stream Stream) (<-chan DetectorEvent, error) {
	return d.events, nil
}

func tone(n int, amplitude float64, rate int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amplitude * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}
	return out
}

func waitForEvent(t *testing.T, ch <-chan Event, kind EventKind) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("Timed out waiting for %s event", kind)
			return Event{}
		}
	}
}

func countEvents(ch <-chan Event, kind EventKind, within time.Duration) int {
	n := 0
	timeout := time.After(within)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				n++
			}
		case <-timeout:
			return n
		}
	}
}
