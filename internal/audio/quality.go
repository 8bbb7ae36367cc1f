package audio

import (
	"errors"
	"strings"
	"time"
)

// Quality is the client-selected audio fidelity tier. Each tier implies a
// fixed sample rate for 16-bit mono PCM.
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

const (
	Channels       = 1
	BitsPerSample  = 16
	BytesPerSample = BitsPerSample / 8
)

var ErrUnknownQuality = errors.New("audio: unknown quality tier")

// ParseQuality maps a wire value to a tier. An empty value selects medium.
func ParseQuality(s string) (Quality, error) {
	switch q := Quality(strings.ToLower(strings.TrimSpace(s))); q {
	case "":
		return QualityMedium, nil
	case QualityLow, QualityMedium, QualityHigh:
		return q, nil
	default:
		return "", ErrUnknownQuality
	}
}

func (q Quality) SampleRate() int {
	switch q {
	case QualityLow:
		return 8000
	case QualityHigh:
		return 48000
	default:
		return 16000
	}
}

// FrameBytes is the size of one PCM frame of duration d at this tier.
func (q Quality) FrameBytes(d time.Duration) int {
	samples := int(int64(q.SampleRate()) * d.Milliseconds() / 1000)
	if samples < 1 {
		samples = 1
	}
	return samples * BytesPerSample * Channels
}
