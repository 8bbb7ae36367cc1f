package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Streaming recognition calls are capped at about 305s of audio.
const defaultMaxStreamAge = 290 * time.Second

type GoogleSpeech struct {
	c *speech.Client

	Encoding speechpb.RecognitionConfig_AudioEncoding
	Model    string
	// MaxStreamAge is how long one streaming call is used before it is
	// replaced by a fresh one.
	MaxStreamAge time.Duration
}

// NewGoogleSpeech dials the Speech-to-Text API. An empty credentialsFile
// falls back to application default credentials.
func NewGoogleSpeech(ctx context.Context, credentialsFile string) (*GoogleSpeech, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	c, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &GoogleSpeech{
		c:        c,
		Encoding:     speechpb.RecognitionConfig_LINEAR16,
		Model:        "medical_conversation",
		MaxStreamAge: defaultMaxStreamAge,
	}, nil
}

func (g *GoogleSpeech) Close() error { return g.c.Close() }

// Open starts a streaming recognition session. ctx bounds only the open
// itself; the returned stream lives until Close and transparently moves to a
// new streaming call before the per-call duration cap or after an audio
// timeout.
func (g *GoogleSpeech) Open(ctx context.Context, cfg StreamConfig, onEvent func(Event)) (Stream, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("stt: invalid sample rate %d", cfg.SampleRate)
	}
	open := func(ctx context.Context, onEvent func(Event)) (Stream, error) {
		s, err := g.openCall(ctx, cfg, onEvent)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return newRollingStream(ctx, open, isStreamExpired, g.MaxStreamAge, onEvent)
}

// isStreamExpired reports errors after which the session continues on a new
// streaming call.
func isStreamExpired(err error) bool {
	if errors.Is(err, ErrStreamExpired) {
		return true
	}
	if status.Code(err) != codes.OutOfRange {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "audio timeout") || strings.Contains(msg, "stream duration") || strings.Contains(msg, "maximum allowed")
}

func (g *GoogleSpeech) openCall(ctx context.Context, cfg StreamConfig, onEvent func(Event)) (*googleStream, error) {
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	client, err := g.c.StreamingRecognize(streamCtx)
	if err != nil {
		cancel()
		return nil, err
	}

	first := &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:                   g.Encoding,
					SampleRateHertz:            int32(cfg.SampleRate),
					AudioChannelCount:          1,
					LanguageCode:               normalizeLanguage(cfg.Language),
					EnableAutomaticPunctuation: true,
					Model:                      g.Model,
				},
				InterimResults: true,
			},
		},
	}

	sent := make(chan error, 1)
	go func() { sent <- client.Send(first) }()
	select {
	case err := <-sent:
		if err != nil {
			cancel()
			return nil, err
		}
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}

	s := &googleStream{
		client:  client,
		cancel:  cancel,
		onEvent: onEvent,
		done:    make(chan struct{}),
	}
	go s.recvLoop()
	return s, nil
}

type googleStream struct {
	client  speechpb.Speech_StreamingRecognizeClient
	cancel  context.CancelFunc
	onEvent func(Event)
	done    chan struct{}

	mu      sync.Mutex
	finals  []string
	segment int
	recvErr error
	closed  bool
}

func (s *googleStream) recvLoop() {
	defer close(s.done)
	for {
		resp, err := s.client.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.mu.Lock()
				s.recvErr = err
				s.mu.Unlock()
			}
			return
		}
		if st := resp.GetError(); st != nil && st.GetCode() != 0 {
			s.mu.Lock()
			s.recvErr = fmt.Errorf("stt: recognition error: %w", status.ErrorProto(st))
			s.mu.Unlock()
			return
		}
		for _, r := range resp.GetResults() {
			alts := r.GetAlternatives()
			if len(alts) == 0 || alts[0].GetTranscript() == "" {
				continue
			}
			ev := Event{
				Kind:       EventPartial,
				Text:       alts[0].GetTranscript(),
				Confidence: float64(alts[0].GetConfidence()),
			}
			s.mu.Lock()
			ev.SegmentID = s.segment
			if r.GetIsFinal() {
				ev.Kind = EventFinal
				s.finals = append(s.finals, strings.TrimSpace(ev.Text))
				s.segment++
			}
			s.mu.Unlock()
			if s.onEvent != nil {
				s.onEvent(ev)
			}
		}
	}
}

func (s *googleStream) Send(ctx context.Context, pcm []byte) error {
	s.mu.Lock()
	closed, recvErr := s.closed, s.recvErr
	s.mu.Unlock()
	if closed {
		return ErrStreamClosed
	}
	if recvErr != nil {
		return recvErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.client.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: pcm},
	})
	if !errors.Is(err, io.EOF) {
		return err
	}
	// the server ended the call; the reason arrives on Recv
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recvErr != nil {
		return s.recvErr
	}
	return ErrStreamExpired
}

func (s *googleStream) Close(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrStreamClosed
	}
	s.closed = true
	s.mu.Unlock()

	defer s.cancel()
	if err := s.client.CloseSend(); err != nil {
		return "", err
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		return s.transcript(), ctx.Err()
	}

	s.mu.Lock()
	err := s.recvErr
	s.mu.Unlock()
	return s.transcript(), err
}

func (s *googleStream) transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.finals, " ")
}
