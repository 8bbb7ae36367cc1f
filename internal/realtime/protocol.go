package realtime

import (
	"time"

	"github.com/google/uuid"
	"github.com/seva-arogya/livescribe/internal/utils"
)

// Client to server message types.
const (
	TypeSessionStart = "session_start"
	TypeAudioChunk   = "audio_chunk"
	TypeSessionEnd   = "session_end"
)

// Server to client message types.
const (
	TypeSessionAck        = "session_ack"
	TypeSessionComplete   = "session_complete"
	TypeTranscriptPartial = "transcript_partial"
	TypeTranscriptFinal   = "transcript_final"
	TypeError             = "error"
	TypeHeartbeat         = "heartbeat"
	TypeServerShutdown    = "server_shutdown"
)

// ClientMessage is a JSON text frame sent by a capture client. AudioData is
// raw PCM, base64 encoded on the wire.
type ClientMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Quality   string `json:"quality,omitempty"`
	Language  string `json:"language,omitempty"`
	AudioData []byte `json:"audio_data,omitempty"`
	ChunkID   int64  `json:"chunk_id,omitempty"`
}

// ServerMessage is a JSON text frame sent to a client. Exactly one of the
// embedded payloads is set for types that carry one.
type ServerMessage struct {
	Type       string  `json:"type"`
	SessionID  string  `json:"session_id,omitempty"`
	SampleRate int     `json:"sample_rate,omitempty"`
	Status     string  `json:"status,omitempty"`
	Timestamp  float64 `json:"timestamp,omitempty"`

	*CompletePayload
	*TranscriptPayload
	*ErrorPayload
}

type CompletePayload struct {
	DurationSeconds float64 `json:"duration_seconds"`
	ArtifactRef     string  `json:"artifact_ref"`
	Transcript      string  `json:"transcript"`
}

type TranscriptPayload struct {
	Text       string  `json:"text"`
	SegmentID  int     `json:"segment_id"`
	Confidence float64 `json:"confidence"`
}

type ErrorPayload struct {
	Code        utils.Code `json:"code"`
	Message     string     `json:"message"`
	Recoverable bool       `json:"recoverable"`
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func errorMessage(sessionID string, code utils.Code, msg string, recoverable bool) ServerMessage {
	return ServerMessage{
		Type:      TypeError,
		SessionID: sessionID,
		Timestamp: unixSeconds(time.Now()),
		ErrorPayload: &ErrorPayload{
			Code:        code,
			Message:     msg,
			Recoverable: recoverable,
		},
	}
}

// NormalizeSessionID returns the canonical form of a client-supplied UUID, or
// a fresh v4 UUID when the value is missing or not a UUID.
func NormalizeSessionID(id string) string {
	if id != "" {
		if u, err := uuid.Parse(id); err == nil {
			return u.String()
		}
	}
	return uuid.NewString()
}
