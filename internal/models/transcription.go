package models

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/datatypes"
)

const (
	TranscriptionInProgress = "IN_PROGRESS"
	TranscriptionCompleted  = "COMPLETED"
	TranscriptionFailed     = "FAILED"
)

type Transcription struct {
	ID        string `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	SessionID string `gorm:"column:session_id;type:uuid;uniqueIndex" json:"session_id"`
	UserID    string `gorm:"column:user_id;type:text;index" json:"user_id"`
	Status    string `gorm:"column:status;type:text;index" json:"status"`

	Quality         string  `gorm:"column:quality;type:text" json:"quality"`
	SampleRate      int     `gorm:"column:sample_rate;type:integer" json:"sample_rate"`
	ArtifactRef     string  `gorm:"column:artifact_ref;type:text" json:"artifact_ref,omitempty"`
	DurationSeconds float64 `gorm:"column:audio_duration_seconds;type:double precision" json:"duration_seconds"`

	Transcript    string         `gorm:"column:transcript;type:text" json:"transcript"`
	FinalSegments pq.StringArray `gorm:"column:final_segments;type:text[]" json:"final_segments"`

	// JSONB: end reason, chunk counts, error detail
	Metadata datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`

	CreatedAt time.Time `gorm:"column:created_at;type:timestamptz" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;type:timestamptz" json:"updated_at"`
}

func (Transcription) TableName() string { return "transcriptions" }
