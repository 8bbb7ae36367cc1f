package services

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/seva-arogya/livescribe/internal/audio"
	"github.com/seva-arogya/livescribe/internal/storage"
	"github.com/seva-arogya/livescribe/internal/utils"
)

type RecordingMeta struct {
	SessionID string
	UserID    string
	StartedAt time.Time
}

// RecordingService stores finalized session audio.
type RecordingService interface {
	Store(ctx context.Context, art *audio.Artifact, meta RecordingMeta) (ref string, err error)
}

type recordingService struct {
	uploader storage.Uploader
}

func NewRecordingService(uploader storage.Uploader) RecordingService {
	return &recordingService{uploader: uploader}
}

// ObjectName is the storage key of a session recording:
// audio/<user>/<YYYYmmdd_HHMMSS>_<session>.<ext>, timestamped in UTC.
func ObjectName(meta RecordingMeta, ext string) string {
	user := meta.UserID
	if user == "" {
		user = "anonymous"
	}
	return fmt.Sprintf("audio/%s/%s_%s.%s", user, meta.StartedAt.UTC().Format("20060102_150405"), meta.SessionID, ext)
}

func (s *recordingService) Store(ctx context.Context, art *audio.Artifact, meta RecordingMeta) (string, error) {
	const op = "RecordingService.Store"

	if art == nil || meta.SessionID == "" {
		return "", utils.E(utils.CodeInvalidArgument, op, "artifact and session_id are required", nil)
	}
	if s.uploader == nil {
		return "", utils.E(utils.CodeInternal, op, "uploader is not configured", nil)
	}

	ref, err := s.uploader.Upload(ctx, ObjectName(meta, art.Extension), art.ContentType, bytes.NewReader(art.Data))
	if err != nil {
		return "", utils.E(utils.CodeUnavailable, op, "failed to upload recording", err)
	}
	return ref, nil
}
