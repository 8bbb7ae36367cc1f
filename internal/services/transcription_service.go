package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/seva-arogya/livescribe/internal/cache"
	"github.com/seva-arogya/livescribe/internal/events"
	"github.com/seva-arogya/livescribe/internal/models"
	mongorepo "github.com/seva-arogya/livescribe/internal/repositories/mongo"
	pgrepo "github.com/seva-arogya/livescribe/internal/repositories/postgres"
	"github.com/seva-arogya/livescribe/internal/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// SessionInfo identifies a live session when it is recorded.
type SessionInfo struct {
	SessionID    string
	UserID       string
	ConnectionID string
	Quality      string
	SampleRate   int
	CreatedAt    time.Time
}

// Outcome is the result of a finished session.
type Outcome struct {
	SessionInfo
	Reason          string
	ArtifactRef     string
	DurationSeconds float64
	Transcript      string
	Segments        []string
	ChunkCount      int
	ByteCount       int64
	EndedAt         time.Time
}

// TranscriptionService keeps the durable record of every session: the
// Postgres row is authoritative, the Mongo log, cache and completion stream
// are best effort.
type TranscriptionService interface {
	Begin(ctx context.Context, info SessionInfo) error
	Complete(ctx context.Context, out Outcome) error
	Fail(ctx context.Context, out Outcome, cause error) error
	Get(ctx context.Context, sessionID string) (*models.Transcription, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]models.Transcription, error)
}

type transcriptionService struct {
	repo      pgrepo.TranscriptionRepository
	sessions  mongorepo.SessionRepository
	cache     cache.Cache
	publisher events.Publisher
	cacheTTL  time.Duration
	log       *logrus.Logger
}

type TranscriptionDeps struct {
	Repo      pgrepo.TranscriptionRepository
	Sessions  mongorepo.SessionRepository // optional
	Cache     cache.Cache                 // optional
	Publisher events.Publisher            // optional
	CacheTTL  time.Duration
	Logger    *logrus.Logger
}

func NewTranscriptionService(d TranscriptionDeps) TranscriptionService {
	if d.CacheTTL <= 0 {
		d.CacheTTL = time.Hour
	}
	if d.Logger == nil {
		d.Logger = logrus.New()
	}
	return &transcriptionService{
		repo:      d.Repo,
		sessions:  d.Sessions,
		cache:     d.Cache,
		publisher: d.Publisher,
		cacheTTL:  d.CacheTTL,
		log:       d.Logger,
	}
}

func transcriptionKey(sessionID string) string { return "transcription:" + sessionID }

func (s *transcriptionService) Begin(ctx context.Context, info SessionInfo) error {
	const op = "TranscriptionService.Begin"

	if info.SessionID == "" {
		return utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}
	if info.CreatedAt.IsZero() {
		info.CreatedAt = time.Now().UTC()
	}

	row := &models.Transcription{
		ID:         uuid.NewString(),
		SessionID:  info.SessionID,
		UserID:     info.UserID,
		Status:     models.TranscriptionInProgress,
		Quality:    info.Quality,
		SampleRate: info.SampleRate,
		CreatedAt:  info.CreatedAt.UTC(),
		UpdatedAt:  info.CreatedAt.UTC(),
	}
	if err := s.repo.Insert(ctx, row); err != nil {
		return utils.E(utils.CodeInternal, op, "failed to insert transcription", err)
	}

	if s.sessions != nil {
		doc := &models.StreamSession{
			SessionID:    info.SessionID,
			UserID:       info.UserID,
			ConnectionID: info.ConnectionID,
			Quality:      info.Quality,
			SampleRate:   info.SampleRate,
			Status:       models.StreamStatusActive,
			CreatedAt:    info.CreatedAt.UTC(),
		}
		if err := s.sessions.Create(ctx, doc); err != nil {
			s.log.WithError(err).WithField("session_id", info.SessionID).Warn("session log insert failed")
		}
	}
	return nil
}

func (s *transcriptionService) Complete(ctx context.Context, out Outcome) error {
	const op = "TranscriptionService.Complete"

	row, err := s.write(ctx, out, models.TranscriptionCompleted, "")
	if err != nil {
		return utils.E(utils.CodeInternal, op, "failed to save transcription", err)
	}
	s.endLog(ctx, out, models.StreamStatusEnded, "")

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, transcriptionKey(out.SessionID), row, s.cacheTTL); err != nil {
			s.log.WithError(err).WithField("session_id", out.SessionID).Warn("transcription cache set failed")
		}
	}
	if s.publisher != nil {
		err := s.publisher.PublishCompleted(ctx, events.Completed{
			SessionID:       out.SessionID,
			UserID:          out.UserID,
			ArtifactRef:     out.ArtifactRef,
			DurationSeconds: out.DurationSeconds,
			Transcript:      out.Transcript,
		})
		if err != nil {
			s.log.WithError(err).WithField("session_id", out.SessionID).Warn("completion publish failed")
		}
	}
	return nil
}

func (s *transcriptionService) Fail(ctx context.Context, out Outcome, cause error) error {
	const op = "TranscriptionService.Fail"

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if _, err := s.write(ctx, out, models.TranscriptionFailed, msg); err != nil {
		return utils.E(utils.CodeInternal, op, "failed to mark transcription failed", err)
	}
	s.endLog(ctx, out, models.StreamStatusFailed, msg)
	if s.cache != nil {
		_ = s.cache.Del(ctx, transcriptionKey(out.SessionID))
	}
	return nil
}

func (s *transcriptionService) write(ctx context.Context, out Outcome, status, errMsg string) (*models.Transcription, error) {
	if out.SessionID == "" {
		return nil, errors.New("session_id is required")
	}
	if out.EndedAt.IsZero() {
		out.EndedAt = time.Now().UTC()
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = out.EndedAt
	}

	md := map[string]any{
		"end_reason":    out.Reason,
		"connection_id": out.ConnectionID,
		"chunk_count":   out.ChunkCount,
		"byte_count":    out.ByteCount,
	}
	if errMsg != "" {
		md["error"] = errMsg
	}
	mdJSON, err := json.Marshal(md)
	if err != nil {
		return nil, err
	}

	row := &models.Transcription{
		ID:              uuid.NewString(),
		SessionID:       out.SessionID,
		UserID:          out.UserID,
		Status:          status,
		Quality:         out.Quality,
		SampleRate:      out.SampleRate,
		ArtifactRef:     out.ArtifactRef,
		DurationSeconds: out.DurationSeconds,
		Transcript:      out.Transcript,
		FinalSegments:   pq.StringArray(out.Segments),
		Metadata:        datatypes.JSON(mdJSON),
		CreatedAt:       out.CreatedAt.UTC(),
		UpdatedAt:       out.EndedAt.UTC(),
	}
	if err := s.repo.Complete(ctx, row); err != nil {
		return nil, err
	}
	return row, nil
}

func (s *transcriptionService) endLog(ctx context.Context, out Outcome, status, errMsg string) {
	if s.sessions == nil {
		return
	}
	endedAt := out.EndedAt
	if endedAt.IsZero() {
		endedAt = time.Now().UTC()
	}
	err := s.sessions.End(ctx, out.SessionID, models.StreamSessionEnd{
		Status:          status,
		Reason:          out.Reason,
		Error:           errMsg,
		EndedAt:         endedAt,
		DurationSeconds: out.DurationSeconds,
		ChunkCount:      out.ChunkCount,
		ByteCount:       out.ByteCount,
	})
	if err != nil {
		s.log.WithError(err).WithField("session_id", out.SessionID).Warn("session log update failed")
	}
}

func (s *transcriptionService) Get(ctx context.Context, sessionID string) (*models.Transcription, error) {
	const op = "TranscriptionService.Get"

	if sessionID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}

	if s.cache != nil {
		var cached models.Transcription
		if hit, err := s.cache.GetJSON(ctx, transcriptionKey(sessionID), &cached); err == nil && hit {
			return &cached, nil
		}
	}

	row, err := s.repo.GetBySessionID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return nil, utils.E(utils.CodeNotFound, op, "transcription not found", err)
		}
		return nil, utils.E(utils.CodeInternal, op, "failed to get transcription", err)
	}

	if s.cache != nil && row.Status != models.TranscriptionInProgress {
		_ = s.cache.SetJSON(ctx, transcriptionKey(sessionID), row, s.cacheTTL)
	}
	return row, nil
}

func (s *transcriptionService) ListByUser(ctx context.Context, userID string, limit int) ([]models.Transcription, error) {
	const op = "TranscriptionService.ListByUser"

	if userID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "user_id is required", nil)
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.repo.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to list transcriptions", err)
	}
	return rows, nil
}
