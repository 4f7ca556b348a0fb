// Package transcribe defines the streaming speech-recognition backend
// interface and its provider implementations. The backend is a black box
// that consumes an ordered audio stream and emits transcript events.
package transcribe

import (
	"context"
	"strings"
)

// Config describes one streaming transcription call.
type Config struct {
	LanguageCode string
	SampleRateHz int32
	Encoding     string
}

// Source supplies audio chunks in arrival order. Next blocks until a
// chunk is available and returns io.EOF once the stream is done.
type Source interface {
	Next(ctx context.Context) ([]byte, error)
}

// Event is a single transcript result from the backend. The set of
// event shapes crossing this boundary is closed: text results here,
// a terminal error via Stream.Err.
type Event struct {
	Text    string
	IsFinal bool
}

// Stream is one live, cancellable transcription call. Events is closed
// when the backend finishes or fails; Err reports the failure, if any,
// after Events is closed.
type Stream interface {
	Events() <-chan Event
	Err() error
	Close() error
}

// Streamer opens streaming transcription calls against a provider.
type Streamer interface {
	Start(ctx context.Context, cfg Config, src Source) (Stream, error)
}

// langAliases maps shorthand language codes to full backend codes.
var langAliases = map[string]string{
	"ja": "ja-JP",
	"en": "en-US",
}

// NormalizeLanguage resolves a client-supplied language code, mapping
// shorthand codes and falling back to the system default when absent.
func NormalizeLanguage(code, fallback string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return fallback
	}
	if full, ok := langAliases[strings.ToLower(code)]; ok {
		return full
	}
	return code
}
