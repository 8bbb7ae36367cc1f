package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
	"github.com/mewkiz/flac/meta"
)

const flacBlockSize = 4096

// EncodeFLAC encodes little-endian 16-bit mono PCM into a FLAC stream.
func EncodeFLAC(pcm []byte, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if len(pcm)%BytesPerSample != 0 {
		return nil, ErrMisalignedChunk
	}

	nSamples := len(pcm) / BytesPerSample

	var out bytes.Buffer
	info := &meta.StreamInfo{
		BlockSizeMin:  flacBlockSize,
		BlockSizeMax:  flacBlockSize,
		SampleRate:    uint32(sampleRate),
		NChannels:     Channels,
		BitsPerSample: BitsPerSample,
		NSamples:      uint64(nSamples),
	}
	enc, err := flac.NewEncoder(&out, info)
	if err != nil {
		return nil, fmt.Errorf("creating flac encoder: %w", err)
	}
	enc.EnablePredictionAnalysis(true)

	for off := 0; off < nSamples; off += flacBlockSize {
		end := off + flacBlockSize
		if end > nSamples {
			end = nSamples
		}
		samples := make([]int32, end-off)
		for i := range samples {
			at := (off + i) * BytesPerSample
			samples[i] = int32(int16(binary.LittleEndian.Uint16(pcm[at:])))
		}

		f := &frame.Frame{
			Header: frame.Header{
				BlockSize:     uint16(len(samples)),
				SampleRate:    uint32(sampleRate),
				Channels:      frame.ChannelsMono,
				BitsPerSample: BitsPerSample,
			},
			Subframes: []*frame.Subframe{{
				SubHeader: frame.SubHeader{Pred: frame.PredVerbatim},
				Samples:   samples,
				NSamples:  len(samples),
			}},
		}
		if err := enc.WriteFrame(f); err != nil {
			_ = enc.Close()
			return nil, fmt.Errorf("writing flac frame: %w", err)
		}
	}

	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("closing flac encoder: %w", err)
	}
	return out.Bytes(), nil
}
