package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/seva-arogya/livescribe/internal/models"
	"github.com/seva-arogya/livescribe/internal/services"
	"github.com/seva-arogya/livescribe/internal/storage"
	"github.com/seva-arogya/livescribe/internal/utils"
	"github.com/sirupsen/logrus"
)

type SessionHandler struct {
	svc    services.TranscriptionService
	signer storage.Signer // optional
	urlTTL time.Duration
	log    *logrus.Logger
}

func NewSessionHandler(svc services.TranscriptionService, signer storage.Signer, urlTTL time.Duration, log *logrus.Logger) *SessionHandler {
	if log == nil {
		log = logrus.New()
	}
	return &SessionHandler{svc: svc, signer: signer, urlTTL: urlTTL, log: log}
}

type TranscriptionResponse struct {
	SessionID       string    `json:"session_id"`
	Status          string    `json:"status"`
	Quality         string    `json:"quality"`
	SampleRate      int       `json:"sample_rate"`
	DurationSeconds float64   `json:"duration_seconds"`
	Transcript      string    `json:"transcript"`
	Segments        []string  `json:"segments"`
	ArtifactRef     string    `json:"artifact_ref,omitempty"`
	AudioURL        string    `json:"audio_url,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func toResponse(t *models.Transcription) TranscriptionResponse {
	segs := []string(t.FinalSegments)
	if segs == nil {
		segs = []string{}
	}
	return TranscriptionResponse{
		SessionID:       t.SessionID,
		Status:          t.Status,
		Quality:         t.Quality,
		SampleRate:      t.SampleRate,
		DurationSeconds: t.DurationSeconds,
		Transcript:      t.Transcript,
		Segments:        segs,
		ArtifactRef:     t.ArtifactRef,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
}

// Get returns one transcription owned by the caller, with a short-lived
// download link for the recording when the store can sign one.
func (h *SessionHandler) Get(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	sessionID := c.Param("session_id")
	row, err := h.svc.Get(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	if row.UserID != userID && !isAdmin(c) {
		// same answer as a missing row; ids are not enumerable
		writeError(c, utils.E(utils.CodeNotFound, "SessionHandler.Get", "transcription not found", nil))
		return
	}

	resp := toResponse(row)
	if h.signer != nil && strings.HasPrefix(row.ArtifactRef, "gs://") {
		url, err := h.signer.SignedGetURL(c.Request.Context(), row.ArtifactRef, h.urlTTL)
		if err != nil {
			h.log.WithError(err).WithField("session_id", sessionID).Warn("signing recording url failed")
		} else {
			resp.AudioURL = url
		}
	}
	c.JSON(http.StatusOK, resp)
}

// List returns the caller's most recent transcriptions.
func (h *SessionHandler) List(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	rows, err := h.svc.ListByUser(c.Request.Context(), userID, queryInt(c, "limit", 20))
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]TranscriptionResponse, 0, len(rows))
	for i := range rows {
		out = append(out, toResponse(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"transcriptions": out})
}
