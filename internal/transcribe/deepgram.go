package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	dginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"
)

// closeDrainDelay gives in-flight callbacks time to deliver before the
// event channel closes.
const closeDrainDelay = 100 * time.Millisecond

// DeepgramStreamer runs transcription calls against Deepgram's live
// streaming API. A failed call is terminal; callers open a fresh call
// rather than reconnecting the old one.
type DeepgramStreamer struct {
	apiKey string
	model  string
	logger zerolog.Logger
}

func NewDeepgramStreamer(apiKey, model string, logger zerolog.Logger) *DeepgramStreamer {
	return &DeepgramStreamer{
		apiKey: apiKey,
		model:  model,
		logger: logger.With().Str("component", "transcribe_deepgram").Logger(),
	}
}

// dgCallback implements the LiveMessageCallback interface. It embeds
// the default handler and overrides only Message and Error.
type dgCallback struct {
	*websocketv1api.DefaultCallbackHandler
	stream *dgStream
}

func (c *dgCallback) Message(msg *msginterfaces.MessageResponse) error {
	c.stream.handleMessage(msg)
	return nil
}

func (c *dgCallback) Error(er *msginterfaces.ErrorResponse) error {
	c.stream.fail(fmt.Errorf("deepgram: %s: %s", er.Type, er.Description))
	return nil
}

// Start opens a live streaming call and begins pulling audio from src.
func (d *DeepgramStreamer) Start(ctx context.Context, cfg Config, src Source) (Stream, error) {
	sctx, cancel := context.WithCancel(ctx)

	tOptions := &dginterfaces.LiveTranscriptionOptions{
		Model:          d.model,
		Language:       deepgramLanguage(cfg.LanguageCode),
		Punctuate:      true,
		InterimResults: true,
		Encoding:       deepgramEncoding(cfg.Encoding),
		Channels:       1,
		SampleRate:     int(cfg.SampleRateHz),
	}

	st := &dgStream{
		events: make(chan Event, 64),
		cancel: cancel,
		logger: d.logger,
	}
	callback := &dgCallback{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		stream:                 st,
	}

	client, err := listenClient.NewWSUsingCallback(sctx, d.apiKey, nil, tOptions, callback)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create deepgram client: %w", err)
	}
	if !client.Connect() {
		cancel()
		return nil, errors.New("connect to deepgram")
	}
	st.client = client

	go st.submit(sctx, src)
	return st, nil
}

// deepgramLanguage narrows a full locale to the code Deepgram expects
// for its base languages.
func deepgramLanguage(code string) string {
	switch strings.ToLower(code) {
	case "ja-jp":
		return "ja"
	case "en-us":
		return "en-US"
	default:
		return code
	}
}

func deepgramEncoding(encoding string) string {
	if encoding == "pcm" {
		return "linear16"
	}
	return encoding
}

type dgStream struct {
	client *listenClient.WSCallback
	events chan Event
	cancel context.CancelFunc
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
	err    error
}

func (s *dgStream) Events() <-chan Event { return s.events }

func (s *dgStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close tears down the call. The event channel closes after a short
// drain window so trailing callbacks are not sent on a closed channel.
func (s *dgStream) Close() error {
	s.cancel()
	if s.client != nil {
		s.client.Finish()
	}
	go func() {
		time.Sleep(closeDrainDelay)
		s.closeEvents()
	}()
	return nil
}

func (s *dgStream) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil || len(msg.Channel.Alternatives) == 0 {
		return
	}
	text := msg.Channel.Alternatives[0].Transcript
	if text == "" {
		return
	}
	s.emit(Event{Text: text, IsFinal: msg.IsFinal})
}

func (s *dgStream) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Warn().Msg("event channel full, dropping transcript")
	}
}

func (s *dgStream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.cancel()
	s.closeEvents()
}

func (s *dgStream) closeEvents() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

// submit pulls chunks from the source and writes them to the live
// call in order.
func (s *dgStream) submit(ctx context.Context, src Source) {
	for {
		chunk, err := src.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.fail(err)
				return
			}
			s.client.Finish()
			go func() {
				time.Sleep(closeDrainDelay)
				s.closeEvents()
			}()
			return
		}
		if _, err := s.client.Write(chunk); err != nil {
			s.fail(fmt.Errorf("send audio to deepgram: %w", err))
			return
		}
	}
}
