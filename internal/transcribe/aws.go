package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming"
	tstypes "github.com/aws/aws-sdk-go-v2/service/transcribestreaming/types"
	"github.com/rs/zerolog"
)

// AWSStreamer runs transcription calls against Amazon Transcribe
// Streaming. It is the default provider.
type AWSStreamer struct {
	client *transcribestreaming.Client
	logger zerolog.Logger
}

// NewAWSStreamer builds a streamer from the ambient AWS credential
// chain. Region may be empty, in which case the SDK default applies.
func NewAWSStreamer(ctx context.Context, region string, logger zerolog.Logger) (*AWSStreamer, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &AWSStreamer{
		client: transcribestreaming.NewFromConfig(cfg),
		logger: logger.With().Str("component", "transcribe_aws").Logger(),
	}, nil
}

// Start opens a bidirectional streaming call. Audio is pulled from src
// and submitted strictly in order by a single goroutine.
func (s *AWSStreamer) Start(ctx context.Context, cfg Config, src Source) (Stream, error) {
	out, err := s.client.StartStreamTranscription(ctx, &transcribestreaming.StartStreamTranscriptionInput{
		LanguageCode:         tstypes.LanguageCode(cfg.LanguageCode),
		MediaEncoding:        tstypes.MediaEncoding(cfg.Encoding),
		MediaSampleRateHertz: aws.Int32(cfg.SampleRateHz),
	})
	if err != nil {
		return nil, fmt.Errorf("start stream transcription: %w", err)
	}

	st := &awsStream{
		es:     out.GetStream(),
		events: make(chan Event, 64),
		logger: s.logger,
	}
	go st.submit(ctx, src)
	go st.consume()
	return st, nil
}

type awsStream struct {
	es     *transcribestreaming.StartStreamTranscriptionEventStream
	events chan Event
	logger zerolog.Logger

	mu  sync.Mutex
	err error
}

func (s *awsStream) Events() <-chan Event { return s.events }

func (s *awsStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *awsStream) Close() error {
	return s.es.Close()
}

func (s *awsStream) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// submit pulls chunks from the source and writes them to the event
// stream. A single loop preserves submission order.
func (s *awsStream) submit(ctx context.Context, src Source) {
	for {
		chunk, err := src.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.setErr(err)
			}
			// Closing the input side lets the service flush
			// pending results and end the output stream.
			if cerr := s.es.Close(); cerr != nil {
				s.logger.Warn().Err(cerr).Msg("closing audio stream")
			}
			return
		}
		ev := &tstypes.AudioStreamMemberAudioEvent{
			Value: tstypes.AudioEvent{AudioChunk: chunk},
		}
		if err := s.es.Send(ctx, ev); err != nil {
			s.setErr(fmt.Errorf("send audio event: %w", err))
			return
		}
	}
}

// consume reads transcript results and forwards them as events. Events
// is closed exactly once, here, after the output stream ends.
func (s *awsStream) consume() {
	defer close(s.events)
	for raw := range s.es.Events() {
		ev, ok := raw.(*tstypes.TranscriptResultStreamMemberTranscriptEvent)
		if !ok {
			continue
		}
		for _, res := range ev.Value.Transcript.Results {
			if len(res.Alternatives) == 0 {
				continue
			}
			text := aws.ToString(res.Alternatives[0].Transcript)
			if text == "" {
				continue
			}
			s.events <- Event{Text: text, IsFinal: !res.IsPartial}
		}
	}
	if err := s.es.Err(); err != nil {
		s.setErr(err)
	}
}
