package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seva-arogya/livescribe/internal/audio"
	"github.com/seva-arogya/livescribe/internal/providers/stt"
)

var (
	// ErrReleased is returned by Ingest once the session has been detached
	// for finalization.
	ErrReleased      = errors.New("session: released")
	ErrForwardFailed = errors.New("session: forwarding to recognizer failed")
)

// Params describe a session to register. Stream must already be open.
type Params struct {
	ID          string
	ConnID      string
	UserID      string
	Quality     audio.Quality
	Stream      stt.Stream
	MaxDuration time.Duration
}

// Session is the server-side state of one recording. The buffer and stream
// are owned by the session; Ingest and Release are mutually exclusive.
type Session struct {
	ID        string
	ConnID    string
	UserID    string
	Quality   audio.Quality
	CreatedAt time.Time

	lastActivity atomic.Int64 // unix nanos

	mu          sync.Mutex
	buffer      *audio.Buffer
	stream      stt.Stream
	released    bool
	lastChunkID int64

	segMu    sync.Mutex
	segments []string
}

func newSession(p Params, now time.Time) *Session {
	s := &Session{
		ID:        p.ID,
		ConnID:    p.ConnID,
		UserID:    p.UserID,
		Quality:   p.Quality,
		CreatedAt: now,
		buffer:    audio.NewBuffer(p.Quality, p.MaxDuration),
		stream:    p.Stream,
	}
	s.lastActivity.Store(now.UnixNano())
	return s
}

func (s *Session) SampleRate() int { return s.buffer.SampleRate() }

func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

func (s *Session) Stats() audio.Stats { return s.buffer.Stats() }

// Chunk is one client audio frame. ID is the client's monotonically
// increasing chunk id; zero means the client does not number its chunks.
type Chunk struct {
	ID   int64
	Data []byte
}

// Retry bounds forwarding attempts to the recognizer.
type Retry struct {
	Attempts int
	Backoff  time.Duration
}

// Ingest appends the chunk to the buffer and forwards it to the recognizer.
// It reports false when the chunk was a replay and was dropped. A forward
// failure is returned wrapped in ErrForwardFailed after the audio has been
// buffered.
func (s *Session) Ingest(ctx context.Context, c Chunk, r Retry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return false, ErrReleased
	}
	if c.ID > 0 && c.ID <= s.lastChunkID {
		return false, nil
	}
	if err := s.buffer.Append(c.Data); err != nil {
		return false, err
	}
	if c.ID > 0 {
		s.lastChunkID = c.ID
	}

	if err := forward(ctx, s.stream, c.Data, r); err != nil {
		return true, fmt.Errorf("%w: %v", ErrForwardFailed, err)
	}
	return true, nil
}

func forward(ctx context.Context, st stt.Stream, pcm []byte, r Retry) error {
	if r.Attempts <= 0 {
		r.Attempts = 1
	}
	backoff := r.Backoff
	var err error
	for i := 0; i < r.Attempts; i++ {
		if err = st.Send(ctx, pcm); err == nil {
			return nil
		}
		if errors.Is(err, stt.ErrStreamClosed) || i == r.Attempts-1 {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return err
}

// AddSegment records a final transcript segment. Recognizers may call it
// from inside Send.
func (s *Session) AddSegment(text string) {
	s.segMu.Lock()
	defer s.segMu.Unlock()
	s.segments = append(s.segments, text)
}

func (s *Session) Segments() []string {
	s.segMu.Lock()
	defer s.segMu.Unlock()
	return append([]string(nil), s.segments...)
}

// Release closes the recognizer stream and returns the final transcript. It
// waits for an in-flight Ingest and succeeds only once.
func (s *Session) Release(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return "", ErrReleased
	}
	s.released = true
	st := s.stream
	s.mu.Unlock()

	if st == nil {
		return "", nil
	}
	return st.Close(ctx)
}

// Finalize encodes the buffered audio. Call after Release.
func (s *Session) Finalize() (*audio.Artifact, error) {
	return s.buffer.Finalize()
}
