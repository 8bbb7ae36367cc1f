package capture

import (
	"sync"
)

// Framer cuts an arbitrary PCM byte stream into fixed-size frames. Device
// callbacks deliver whatever the driver period happens to be; the server
// expects frames aligned to the configured chunk duration.
type Framer struct {
	size int
	emit func(frame []byte)

	mu  sync.Mutex
	buf []byte
}

func NewFramer(frameBytes int, emit func(frame []byte)) *Framer {
	if frameBytes < 2 {
		frameBytes = 2
	}
	// whole 16-bit samples only
	frameBytes &^= 1
	return &Framer{size: frameBytes, emit: emit, buf: make([]byte, 0, frameBytes)}
}

func (f *Framer) FrameBytes() int { return f.size }

// Write appends pcm and emits every complete frame. Emitted frames are
// copies and may be retained by the receiver.
func (f *Framer) Write(pcm []byte) {
	f.mu.Lock()
	var out [][]byte
	for len(pcm) > 0 {
		n := f.size - len(f.buf)
		if n > len(pcm) {
			n = len(pcm)
		}
		f.buf = append(f.buf, pcm[:n]...)
		pcm = pcm[n:]
		if len(f.buf) == f.size {
			out = append(out, f.buf)
			f.buf = make([]byte, 0, f.size)
		}
	}
	f.mu.Unlock()

	for _, fr := range out {
		f.emit(fr)
	}
}

// Flush emits the partial tail frame, trimmed to whole samples.
func (f *Framer) Flush() {
	f.mu.Lock()
	tail := f.buf[:len(f.buf)&^1]
	f.buf = make([]byte, 0, f.size)
	f.mu.Unlock()

	if len(tail) > 0 {
		f.emit(tail)
	}
}
