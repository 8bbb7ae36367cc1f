package stt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// Fake is an in-process provider for development and tests. Every Send of a
// non-empty chunk produces one final segment of Text.
type Fake struct {
	Text string

	// OpenErr fails every Open. OpenDelay is honoured against the caller's
	// context so open timeouts can be exercised.
	OpenErr   error
	OpenDelay time.Duration
	// SendErrs fails the next len(SendErrs) Send calls in order.
	SendErrs []error
	CloseErr error
	// ExpireAfter makes each underlying stream end itself after accepting
	// that many chunks, the way a backend enforces its duration cap. The
	// session then continues on a fresh stream.
	ExpireAfter int

	mu      sync.Mutex
	opened  int
	closed  int
	streams []*FakeStream
}

func NewFake(text string) *Fake { return &Fake{Text: text} }

func (f *Fake) Open(ctx context.Context, cfg StreamConfig, onEvent func(Event)) (Stream, error) {
	if f.ExpireAfter <= 0 {
		return f.openStream(ctx, cfg, onEvent)
	}
	open := func(ctx context.Context, onEvent func(Event)) (Stream, error) {
		return f.openStream(ctx, cfg, onEvent)
	}
	isExpired := func(err error) bool { return errors.Is(err, ErrStreamExpired) }
	return newRollingStream(ctx, open, isExpired, 0, onEvent)
}

func (f *Fake) openStream(ctx context.Context, cfg StreamConfig, onEvent func(Event)) (Stream, error) {
	if f.OpenDelay > 0 {
		select {
		case <-time.After(f.OpenDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.OpenErr != nil {
		return nil, f.OpenErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	s := &FakeStream{parent: f, cfg: cfg, onEvent: onEvent}
	f.opened++
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *Fake) Close() error { return nil }

// Open streams minus closed streams.
func (f *Fake) OpenStreams() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened - f.closed
}

func (f *Fake) Streams() []*FakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeStream(nil), f.streams...)
}

func (f *Fake) nextSendErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.SendErrs) == 0 {
		return nil
	}
	err := f.SendErrs[0]
	f.SendErrs = f.SendErrs[1:]
	return err
}

type FakeStream struct {
	parent  *Fake
	cfg     StreamConfig
	onEvent func(Event)

	mu       sync.Mutex
	received [][]byte
	finals   []string
	closed   bool
}

func (s *FakeStream) Config() StreamConfig { return s.cfg }

func (s *FakeStream) Send(ctx context.Context, pcm []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.parent.nextSendErr(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	if n := s.parent.ExpireAfter; n > 0 && len(s.received) >= n {
		s.mu.Unlock()
		return ErrStreamExpired
	}
	s.received = append(s.received, append([]byte(nil), pcm...))
	seg := len(s.finals)
	text := s.parent.Text
	if text != "" {
		s.finals = append(s.finals, text)
	}
	s.mu.Unlock()

	if text != "" && s.onEvent != nil {
		s.onEvent(Event{Kind: EventPartial, Text: text, SegmentID: seg, Confidence: 0.5})
		s.onEvent(Event{Kind: EventFinal, Text: text, SegmentID: seg, Confidence: 0.9})
	}
	return nil
}

func (s *FakeStream) Close(context.Context) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrStreamClosed
	}
	s.closed = true
	text := strings.Join(s.finals, " ")
	s.mu.Unlock()

	s.parent.mu.Lock()
	s.parent.closed++
	err := s.parent.CloseErr
	s.parent.mu.Unlock()
	return text, err
}

// Received returns a copy of every chunk accepted by Send.
func (s *FakeStream) Received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.received...)
}

func (s *FakeStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
