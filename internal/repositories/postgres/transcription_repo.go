package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/seva-arogya/livescribe/internal/models"
	"github.com/seva-arogya/livescribe/internal/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type TranscriptionRepository interface {
	Insert(ctx context.Context, t *models.Transcription) error
	// Complete writes the outcome of a finished session and refreshes t with
	// the stored row, so ID and CreatedAt are those of the existing record.
	Complete(ctx context.Context, t *models.Transcription) error
	GetBySessionID(ctx context.Context, sessionID string) (*models.Transcription, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]models.Transcription, error)
}

type transcriptionRepo struct {
	db *gorm.DB
}

func NewTranscriptionRepo(db *gorm.DB) TranscriptionRepository {
	return &transcriptionRepo{db: db}
}

func (r *transcriptionRepo) Insert(ctx context.Context, t *models.Transcription) error {
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *transcriptionRepo) Complete(ctx context.Context, t *models.Transcription) error {
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now().UTC()
	}
	// Upsert so a session whose Begin write was lost still gets a row.
	return r.db.WithContext(ctx).
		Clauses(
			clause.OnConflict{
				Columns:   []clause.Column{{Name: "session_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"status", "artifact_ref", "audio_duration_seconds", "transcript", "final_segments", "metadata", "updated_at"}),
			},
			clause.Returning{},
		).
		Create(t).Error
}

func (r *transcriptionRepo) GetBySessionID(ctx context.Context, sessionID string) (*models.Transcription, error) {
	var row models.Transcription
	err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrNotFound
	}
	return &row, err
}

func (r *transcriptionRepo) ListByUser(ctx context.Context, userID string, limit int) ([]models.Transcription, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []models.Transcription
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
