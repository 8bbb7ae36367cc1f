package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	StreamStatusActive = "active"
	StreamStatusEnded  = "ended"
	StreamStatusFailed = "failed"
)

// End reasons recorded on a stream session.
const (
	EndReasonClient      = "client_end"
	EndReasonDisconnect  = "disconnect"
	EndReasonIdle        = "idle"
	EndReasonShutdown    = "shutdown"
	EndReasonStartFailed = "start_failed"
)

// StreamSession is the lifecycle log entry of one live recording.
type StreamSession struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	SessionID    string             `bson:"session_id" json:"session_id"` // uuid v4
	UserID       string             `bson:"user_id" json:"user_id"`
	ConnectionID string             `bson:"connection_id" json:"connection_id"`

	Quality    string `bson:"quality" json:"quality"` // low|medium|high
	SampleRate int    `bson:"sample_rate" json:"sample_rate"`
	Status     string `bson:"status" json:"status"` // active|ended|failed
	EndReason  string `bson:"end_reason,omitempty" json:"end_reason,omitempty"`
	Error      string `bson:"error,omitempty" json:"error,omitempty"`

	CreatedAt time.Time  `bson:"created_at" json:"created_at"`
	EndedAt   *time.Time `bson:"ended_at,omitempty" json:"ended_at,omitempty"`

	DurationSeconds float64 `bson:"duration_seconds" json:"duration_seconds"`
	ChunkCount      int     `bson:"chunk_count" json:"chunk_count"`
	ByteCount       int64   `bson:"byte_count" json:"byte_count"`
}

// StreamSessionEnd carries the fields written when a session ends.
type StreamSessionEnd struct {
	Status          string
	Reason          string
	Error           string
	EndedAt         time.Time
	DurationSeconds float64
	ChunkCount      int
	ByteCount       int64
}
