package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/seva-arogya/livescribe/internal/session"
)

type AdminHandler struct {
	registry *session.Registry
	now      func() time.Time
}

func NewAdminHandler(reg *session.Registry) *AdminHandler {
	return &AdminHandler{registry: reg, now: time.Now}
}

type LiveSession struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	ConnectionID    string    `json:"connection_id"`
	Quality         string    `json:"quality"`
	SampleRate      int       `json:"sample_rate"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivity    time.Time `json:"last_activity"`
	IdleSeconds     float64   `json:"idle_seconds"`
	Chunks          int       `json:"chunks"`
	DurationSeconds float64   `json:"duration_seconds"`
}

// Sessions lists the sessions currently held by the registry, oldest first.
func (h *AdminHandler) Sessions(c *gin.Context) {
	now := h.now()
	live := h.registry.Snapshot()
	out := make([]LiveSession, 0, len(live))
	for _, s := range live {
		st := s.Stats()
		last := s.LastActivity()
		out = append(out, LiveSession{
			SessionID:       s.ID,
			UserID:          s.UserID,
			ConnectionID:    s.ConnID,
			Quality:         string(s.Quality),
			SampleRate:      s.SampleRate(),
			CreatedAt:       s.CreatedAt,
			LastActivity:    last,
			IdleSeconds:     now.Sub(last).Seconds(),
			Chunks:          st.Chunks,
			DurationSeconds: st.DurationSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"count": len(out), "sessions": out})
}
