package audio

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultMaxDuration caps a single recording.
const DefaultMaxDuration = 30 * time.Minute

var (
	ErrBufferClosed     = errors.New("audio: buffer closed")
	ErrAlreadyFinalized = errors.New("audio: buffer already finalized")
	ErrBufferOverflow   = errors.New("audio: maximum recording duration reached")
	ErrMisalignedChunk  = errors.New("audio: chunk length is not a whole number of samples")
	ErrEmptyChunk       = errors.New("audio: empty chunk")
)

// Buffer accumulates the PCM audio of one session in arrival order. It is
// append-only until Finalize, which is a one-way transition.
type Buffer struct {
	quality    Quality
	sampleRate int
	maxBytes   int

	mu        sync.Mutex
	pcm       []byte
	chunks    int
	bytes     int
	finalized bool
}

// Stats describes the audio accepted so far.
type Stats struct {
	Chunks          int
	Bytes           int
	Samples         uint64
	DurationSeconds float64
}

// Artifact is the encoded, immutable result of Finalize.
type Artifact struct {
	Data            []byte
	ContentType     string
	Extension       string
	SampleRate      int
	Samples         uint64
	DurationSeconds float64
}

// NewBuffer creates a buffer for the given tier. A non-positive maxDuration
// selects DefaultMaxDuration.
func NewBuffer(q Quality, maxDuration time.Duration) *Buffer {
	if maxDuration <= 0 {
		maxDuration = DefaultMaxDuration
	}
	rate := q.SampleRate()
	maxSamples := int64(rate) * maxDuration.Milliseconds() / 1000
	return &Buffer{
		quality:    q,
		sampleRate: rate,
		maxBytes:   int(maxSamples) * BytesPerSample,
		pcm:        make([]byte, 0, rate*BytesPerSample*4), // ~4s before the first grow
	}
}

func (b *Buffer) Quality() Quality { return b.quality }

func (b *Buffer) SampleRate() int { return b.sampleRate }

// Append copies chunk onto the end of the buffer. Nothing is appended when an
// error is returned.
func (b *Buffer) Append(chunk []byte) error {
	if len(chunk) == 0 {
		return ErrEmptyChunk
	}
	if len(chunk)%BytesPerSample != 0 {
		return fmt.Errorf("%w (got %d bytes)", ErrMisalignedChunk, len(chunk))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.finalized {
		return ErrBufferClosed
	}
	if len(b.pcm)+len(chunk) > b.maxBytes {
		return ErrBufferOverflow
	}
	b.pcm = append(b.pcm, chunk...)
	b.chunks++
	b.bytes += len(chunk)
	return nil
}

func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statsLocked()
}

func (b *Buffer) statsLocked() Stats {
	samples := uint64(b.bytes / BytesPerSample)
	return Stats{
		Chunks:          b.chunks,
		Bytes:           b.bytes,
		Samples:         samples,
		DurationSeconds: float64(samples) / float64(b.sampleRate),
	}
}

// Finalize encodes the accumulated audio to FLAC. It may be called once; the
// buffer rejects appends afterwards even if encoding fails.
func (b *Buffer) Finalize() (*Artifact, error) {
	b.mu.Lock()
	if b.finalized {
		b.mu.Unlock()
		return nil, ErrAlreadyFinalized
	}
	b.finalized = true
	pcm := b.pcm
	st := b.statsLocked()
	b.pcm = nil
	b.mu.Unlock()

	data, err := EncodeFLAC(pcm, b.sampleRate)
	if err != nil {
		return nil, fmt.Errorf("finalize: %w", err)
	}

	return &Artifact{
		Data:            data,
		ContentType:     "audio/flac",
		Extension:       "flac",
		SampleRate:      b.sampleRate,
		Samples:         st.Samples,
		DurationSeconds: st.DurationSeconds,
	}, nil
}
