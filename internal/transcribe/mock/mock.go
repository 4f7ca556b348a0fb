// Package mock provides a scriptable transcribe.Streamer for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/talkdojo/transcribe-gateway/internal/transcribe"
)

// Streamer records every call opened through it and lets tests drive
// the resulting streams by hand.
type Streamer struct {
	mu       sync.Mutex
	startErr error
	streams  []*Stream
}

func NewStreamer() *Streamer {
	return &Streamer{}
}

// FailStarts makes subsequent Start calls return err. Pass nil to
// restore normal behavior.
func (m *Streamer) FailStarts(err error) {
	m.mu.Lock()
	m.startErr = err
	m.mu.Unlock()
}

func (m *Streamer) Start(ctx context.Context, cfg transcribe.Config, src transcribe.Source) (transcribe.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return nil, m.startErr
	}
	s := &Stream{
		cfg:    cfg,
		events: make(chan transcribe.Event, 16),
		done:   make(chan struct{}),
	}
	m.streams = append(m.streams, s)
	go s.pump(ctx, src)
	return s, nil
}

// StartCount reports how many streams were opened.
func (m *Streamer) StartCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// Last returns the most recently opened stream, or nil.
func (m *Streamer) Last() *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.streams) == 0 {
		return nil
	}
	return m.streams[len(m.streams)-1]
}

// Stream is one scripted transcription call. Audio pulled from the
// source is recorded in arrival order; events flow only when the test
// emits them.
type Stream struct {
	cfg    transcribe.Config
	events chan transcribe.Event
	done   chan struct{}

	mu        sync.Mutex
	chunks    [][]byte
	err       error
	closeOnce sync.Once
}

func (s *Stream) Events() <-chan transcribe.Event { return s.events }

func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) Close() error { return nil }

// Config returns the configuration the stream was opened with.
func (s *Stream) Config() transcribe.Config { return s.cfg }

// Emit delivers a transcript event to the consumer.
func (s *Stream) Emit(text string, isFinal bool) {
	s.events <- transcribe.Event{Text: text, IsFinal: isFinal}
}

// Fail ends the stream with a backend error.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.events) })
}

// Finish ends the stream cleanly.
func (s *Stream) Finish() {
	s.closeOnce.Do(func() { close(s.events) })
}

// Chunks returns a copy of the audio submitted so far.
func (s *Stream) Chunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.chunks))
	copy(out, s.chunks)
	return out
}

// Done reports whether the source was exhausted.
func (s *Stream) Done() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// WaitChunks polls until at least n chunks arrived or the timeout
// expires.
func (s *Stream) WaitChunks(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		got := len(s.chunks)
		s.mu.Unlock()
		if got >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

// WaitDone polls until the source is exhausted or the timeout expires.
func (s *Stream) WaitDone(timeout time.Duration) bool {
	select {
	case <-s.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (s *Stream) pump(ctx context.Context, src transcribe.Source) {
	defer close(s.done)
	for {
		chunk, err := src.Next(ctx)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.chunks = append(s.chunks, chunk)
		s.mu.Unlock()
	}
}
