// Package bridge ties one client connection to one streaming
// transcription call. It owns per-connection audio queues, forwards
// transcript events back through the client's sink, and tears the
// pairing down on cancellation or backend failure.
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/talkdojo/transcribe-gateway/internal/observability"
	"github.com/talkdojo/transcribe-gateway/internal/transcribe"
)

// Error codes delivered to clients in error events.
const (
	CodeProcessingError     = "ProcessingError"
	CodeTranscribeError     = "TranscribeError"
	CodeTranscribeInitError = "TranscribeInitError"
)

// DefaultPollInterval is how long an idle queue pull waits before
// re-checking for audio or cancellation.
const DefaultPollInterval = 20 * time.Millisecond

// Sink delivers events to one connected client. A non-nil error means
// delivery failed and the client should be treated as gone.
type Sink interface {
	SendTranscript(text string, isFinal bool) error
	SendVoiceActivity() error
	SendError(code, message string) error
}

// GoneHandler is invoked when event delivery to a client fails. The
// bridge has already cancelled the session when it runs.
type GoneHandler func(connectionID string)

// Options configures transcription calls opened by the bridge.
type Options struct {
	DefaultLanguage string
	SampleRateHz    int32
	Encoding        string
	PollInterval    time.Duration
}

// Bridge maintains at most one live transcription session per
// connection id.
type Bridge struct {
	streamer transcribe.Streamer
	opts     Options
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	connectionID string
	queue        *chunkQueue
	cancel       context.CancelFunc
}

func New(streamer transcribe.Streamer, opts Options, logger zerolog.Logger) *Bridge {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Bridge{
		streamer: streamer,
		opts:     opts,
		logger:   logger.With().Str("component", "bridge").Logger(),
		sessions: make(map[string]*session),
	}
}

// Start opens a transcription session for the connection. Starting a
// connection that already has a live session is a no-op. On backend
// failure the client is notified with a TranscribeInitError event and
// no session is registered; a later Start opens a fresh call.
func (b *Bridge) Start(ctx context.Context, connectionID, languageCode string, sink Sink, gone GoneHandler) error {
	b.mu.Lock()
	if _, ok := b.sessions[connectionID]; ok {
		b.mu.Unlock()
		return nil
	}
	sctx, cancel := context.WithCancel(ctx)
	sess := &session{
		connectionID: connectionID,
		queue:        newChunkQueue(b.opts.PollInterval),
		cancel:       cancel,
	}
	b.sessions[connectionID] = sess
	b.mu.Unlock()

	cfg := transcribe.Config{
		LanguageCode: transcribe.NormalizeLanguage(languageCode, b.opts.DefaultLanguage),
		SampleRateHz: b.opts.SampleRateHz,
		Encoding:     b.opts.Encoding,
	}
	stream, err := b.streamer.Start(sctx, cfg, sess.queue)
	if err != nil {
		b.drop(sess)
		observability.RecordSessionStart(false)
		observability.RecordError("backend_init", "bridge")
		b.logger.Error().Err(err).
			Str("connection_id", connectionID).
			Str("language", cfg.LanguageCode).
			Msg("failed to start transcription session")
		if serr := sink.SendError(CodeTranscribeInitError, "failed to start transcription"); serr != nil {
			gone(connectionID)
		}
		return err
	}
	observability.RecordSessionStart(true)
	b.logger.Info().
		Str("connection_id", connectionID).
		Str("language", cfg.LanguageCode).
		Msg("transcription session started")

	go b.consume(sess, stream, sink, gone)
	return nil
}

// Enqueue appends an audio chunk to the connection's queue. It reports
// false when no live session accepts audio, in which case the caller
// may start a fresh session and retry.
func (b *Bridge) Enqueue(connectionID string, chunk []byte) bool {
	b.mu.Lock()
	sess, ok := b.sessions[connectionID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	return sess.queue.push(chunk)
}

// Cancel tears down the connection's session, if any. Queued audio
// that was never submitted is discarded.
func (b *Bridge) Cancel(connectionID string) {
	b.mu.Lock()
	sess := b.sessions[connectionID]
	b.mu.Unlock()
	if sess != nil {
		b.drop(sess)
	}
}

// Active reports whether the connection has a live session.
func (b *Bridge) Active(connectionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.sessions[connectionID]
	return ok
}

// Depth reports the number of queued chunks for the connection.
func (b *Bridge) Depth(connectionID string) int {
	b.mu.Lock()
	sess, ok := b.sessions[connectionID]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	return sess.queue.depth()
}

// drop removes the session from the registry if it is still the
// current one, then cancels it. Safe to call more than once.
func (b *Bridge) drop(sess *session) {
	b.mu.Lock()
	if cur, ok := b.sessions[sess.connectionID]; ok && cur == sess {
		delete(b.sessions, sess.connectionID)
	}
	b.mu.Unlock()
	sess.cancel()
	if dropped := sess.queue.cancel(); dropped > 0 {
		observability.ResetQueueDepth(dropped)
		b.logger.Debug().
			Str("connection_id", sess.connectionID).
			Int("dropped_chunks", dropped).
			Msg("discarded queued audio on cancel")
	}
}

// consume relays transcript events to the sink until the stream ends.
// Each transcript is followed by a voice activity signal. Delivery
// failure cancels the session and reports the client gone.
func (b *Bridge) consume(sess *session, stream transcribe.Stream, sink Sink, gone GoneHandler) {
	defer stream.Close()

	for ev := range stream.Events() {
		if ev.Text == "" {
			continue
		}
		observability.RecordTranscriptEvent(ev.IsFinal)
		if err := sink.SendTranscript(ev.Text, ev.IsFinal); err != nil {
			b.abandon(sess, gone, err)
			return
		}
		if err := sink.SendVoiceActivity(); err != nil {
			b.abandon(sess, gone, err)
			return
		}
	}

	if err := stream.Err(); err != nil {
		observability.RecordError("backend", "bridge")
		b.logger.Error().Err(err).
			Str("connection_id", sess.connectionID).
			Msg("transcription session failed")
		b.drop(sess)
		if serr := sink.SendError(CodeTranscribeError, "transcription failed"); serr != nil {
			gone(sess.connectionID)
		}
		return
	}

	b.logger.Info().
		Str("connection_id", sess.connectionID).
		Msg("transcription session ended")
	b.drop(sess)
}

func (b *Bridge) abandon(sess *session, gone GoneHandler, err error) {
	b.logger.Warn().Err(err).
		Str("connection_id", sess.connectionID).
		Msg("client unreachable, abandoning session")
	observability.RecordError("delivery", "bridge")
	b.drop(sess)
	gone(sess.connectionID)
}
