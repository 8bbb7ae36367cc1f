package stt

import (
	"context"
	"errors"
)

var (
	ErrStreamClosed = errors.New("stt: stream closed")
	// ErrStreamExpired means the backend ended the stream on its own; the
	// session can continue on a new one.
	ErrStreamExpired = errors.New("stt: stream expired")
)

type EventKind string

const (
	EventPartial EventKind = "partial"
	EventFinal   EventKind = "final"
)

// Event is one recognition result pushed by a streaming backend.
type Event struct {
	Kind       EventKind
	Text       string
	SegmentID  int
	Confidence float64
}

type StreamConfig struct {
	SampleRate int
	Language   string
}

// Stream is a single streaming recognition session. Send and Close are called
// from one goroutine at a time; events may be delivered from any goroutine.
type Stream interface {
	Send(ctx context.Context, pcm []byte) error
	// Close flushes pending audio and returns the final transcript.
	Close(ctx context.Context) (string, error)
}

type Provider interface {
	Open(ctx context.Context, cfg StreamConfig, onEvent func(Event)) (Stream, error)
	Close() error
}

// language example: "en-US", "id-ID"
func normalizeLanguage(v string) string {
	if v == "" {
		return "en-US"
	}
	return v
}
