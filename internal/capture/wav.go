package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

var ErrUnsupportedWAV = errors.New("capture: unsupported wav format")

// WAVSource replays a 16-bit mono PCM WAV file. With Realtime set it paces
// delivery to the file's sample rate, otherwise it delivers as fast as the
// callback accepts.
type WAVSource struct {
	Path       string
	SampleRate int
	Realtime   bool
	// bytes per callback; zero means 100ms of audio
	BlockBytes int
}

type wavFormat struct {
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
}

// readWAVHeader walks the RIFF chunks up to the data chunk and returns the
// format and data length.
func readWAVHeader(r io.Reader) (wavFormat, uint32, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return wavFormat{}, 0, fmt.Errorf("read riff header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return wavFormat{}, 0, ErrUnsupportedWAV
	}

	var (
		format  wavFormat
		haveFmt bool
	)
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return wavFormat{}, 0, fmt.Errorf("read chunk header: %w", err)
		}
		id := string(hdr[0:4])
		size := binary.LittleEndian.Uint32(hdr[4:8])

		switch id {
		case "fmt ":
			if size < 16 {
				return wavFormat{}, 0, ErrUnsupportedWAV
			}
			if err := binary.Read(r, binary.LittleEndian, &format); err != nil {
				return wavFormat{}, 0, fmt.Errorf("read fmt chunk: %w", err)
			}
			if _, err := io.CopyN(io.Discard, r, int64(size-16+size%2)); err != nil {
				return wavFormat{}, 0, err
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return wavFormat{}, 0, ErrUnsupportedWAV
			}
			return format, size, nil
		default:
			if _, err := io.CopyN(io.Discard, r, int64(size+size%2)); err != nil {
				return wavFormat{}, 0, err
			}
		}
	}
}

func (w *WAVSource) Run(ctx context.Context, onData func(pcm []byte)) error {
	f, err := os.Open(w.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	format, dataLen, err := readWAVHeader(f)
	if err != nil {
		return err
	}
	if format.AudioFormat != 1 || format.NumChannels != 1 || format.BitsPerSample != 16 {
		return fmt.Errorf("%w: format=%d channels=%d bits=%d", ErrUnsupportedWAV,
			format.AudioFormat, format.NumChannels, format.BitsPerSample)
	}
	if w.SampleRate > 0 && int(format.SampleRate) != w.SampleRate {
		return fmt.Errorf("%w: file is %d Hz, session expects %d Hz", ErrUnsupportedWAV,
			format.SampleRate, w.SampleRate)
	}

	block := w.BlockBytes
	if block <= 0 {
		block = int(format.SampleRate) / 10 * 2
	}
	block &^= 1
	if block == 0 {
		block = 2
	}
	interval := time.Duration(float64(block/2) / float64(format.SampleRate) * float64(time.Second))

	var tick <-chan time.Time
	if w.Realtime {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}

	r := io.LimitReader(f, int64(dataLen))
	buf := make([]byte, block)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			onData(buf[:n&^1])
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return err
		}

		if tick != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-tick:
			}
		} else if ctx.Err() != nil {
			return nil
		}
	}
}
