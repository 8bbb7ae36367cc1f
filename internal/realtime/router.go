package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seva-arogya/livescribe/internal/audio"
	"github.com/seva-arogya/livescribe/internal/models"
	"github.com/seva-arogya/livescribe/internal/providers/stt"
	"github.com/seva-arogya/livescribe/internal/session"
	"github.com/seva-arogya/livescribe/internal/utils"
	"github.com/sirupsen/logrus"
)

type State int

const (
	StateIdle State = iota
	StateStarting
	StateActive
	StateEnding
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateStarting:
		return "STARTING"
	case StateActive:
		return "ACTIVE"
	case StateEnding:
		return "ENDING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Emitter delivers a message to the router's client.
type Emitter func(msg ServerMessage) error

// Router is the protocol state machine of one connection. Handle and
// Disconnect must be called from the connection's reader goroutine.
type Router struct {
	engine *Engine
	connID string
	userID string
	emit   Emitter
	log    *logrus.Entry

	mu        sync.Mutex
	state     State
	sessionID string
	completed *ServerMessage

	// session id whose ack has been sent; gates transcript events
	ackedID atomic.Value
}

func NewRouter(engine *Engine, connID, userID string, emit Emitter) (*Router, error) {
	if engine == nil {
		return nil, errors.New("router: engine is required")
	}
	if connID == "" {
		return nil, errors.New("router: connection id is required")
	}
	if emit == nil {
		return nil, errors.New("router: emitter is required")
	}
	r := &Router{
		engine: engine,
		connID: connID,
		userID: userID,
		emit:   emit,
		log: engine.log.WithFields(logrus.Fields{
			"conn_id": connID,
			"user_id": userID,
		}),
	}
	r.ackedID.Store("")
	return r, nil
}

func (r *Router) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Router) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

func (r *Router) send(msg ServerMessage) {
	if err := r.emit(msg); err != nil {
		r.log.WithError(err).WithField("type", msg.Type).Debug("emit failed")
	}
}

func (r *Router) sendError(sessionID string, err error, recoverable bool) {
	code := utils.CodeOf(err)
	msg := err.Error()
	var ae *utils.AppError
	if errors.As(err, &ae) && ae.Message != "" {
		msg = ae.Message
	}
	r.send(errorMessage(sessionID, code, msg, recoverable))
}

// Handle decodes and dispatches one text frame.
func (r *Router) Handle(ctx context.Context, raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		r.sendError("", utils.E(utils.CodeInvalidMessage, "Router.Handle", "invalid json", err), true)
		return
	}
	r.HandleMessage(ctx, msg)
}

func (r *Router) HandleMessage(ctx context.Context, msg ClientMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			r.log.WithField("panic", fmt.Sprint(p)).Error("router handler panicked")
			r.sendError(msg.SessionID, utils.E(utils.CodeInternal, "Router.HandleMessage", "internal error", nil), false)
		}
	}()

	switch msg.Type {
	case TypeSessionStart:
		r.start(ctx, msg)
	case TypeAudioChunk:
		r.chunk(ctx, msg)
	case TypeSessionEnd:
		r.end(ctx, msg)
	default:
		r.sendError(msg.SessionID, utils.E(utils.CodeInvalidMessage, "Router.HandleMessage", "unknown message type", nil), true)
	}
}

func (r *Router) start(ctx context.Context, msg ClientMessage) {
	const op = "Router.SessionStart"

	if r.state != StateIdle {
		r.sendError(msg.SessionID, utils.E(utils.CodeSessionStartFailed, op, "session already started on this connection", nil), false)
		return
	}
	q, err := audio.ParseQuality(msg.Quality)
	if err != nil {
		r.engine.metrics.SessionsFailed.WithLabelValues(string(utils.CodeSessionStartFailed)).Inc()
		r.sendError(msg.SessionID, utils.E(utils.CodeSessionStartFailed, op, "unknown quality "+msg.Quality, err), true)
		return
	}

	id := NormalizeSessionID(msg.SessionID)
	r.state = StateStarting
	log := r.log.WithField("session_id", id)

	sess, err := r.engine.StartSession(ctx, StartParams{
		ID:       id,
		ConnID:   r.connID,
		UserID:   r.userID,
		Quality:  q,
		Language: msg.Language,
		OnEvent:  func(ev stt.Event) { r.onTranscript(id, ev) },
	})
	if err != nil {
		r.state = StateIdle
		code := utils.CodeOf(err)
		r.engine.metrics.SessionsFailed.WithLabelValues(string(code)).Inc()
		log.WithError(err).Warn("session start failed")
		r.sendError(id, err, code == utils.CodeSessionStartFailed)
		return
	}

	r.state = StateActive
	r.sessionID = sess.ID
	r.completed = nil
	r.send(ServerMessage{
		Type:       TypeSessionAck,
		SessionID:  sess.ID,
		SampleRate: sess.SampleRate(),
		Status:     "ready",
		Timestamp:  unixSeconds(time.Now()),
	})
	r.ackedID.Store(sess.ID)
	r.engine.metrics.SessionsStarted.Inc()
	log.WithField("quality", string(q)).Info("session started")
}

func (r *Router) onTranscript(sessionID string, ev stt.Event) {
	if acked, _ := r.ackedID.Load().(string); acked != sessionID {
		return
	}
	typ := TypeTranscriptPartial
	if ev.Kind == stt.EventFinal {
		typ = TypeTranscriptFinal
	}
	r.send(ServerMessage{
		Type:      typ,
		SessionID: sessionID,
		TranscriptPayload: &TranscriptPayload{
			Text:       ev.Text,
			SegmentID:  ev.SegmentID,
			Confidence: ev.Confidence,
		},
	})
}

func (r *Router) chunk(ctx context.Context, msg ClientMessage) {
	const op = "Router.AudioChunk"

	if r.state != StateActive || msg.SessionID == "" || msg.SessionID != r.sessionID {
		r.engine.metrics.ChunksRejected.WithLabelValues(string(utils.CodeSessionNotFound)).Inc()
		r.sendError(msg.SessionID, utils.E(utils.CodeSessionNotFound, op, "session not found or expired", nil), false)
		return
	}

	_, err := r.engine.Ingest(ctx, r.connID, r.sessionID, session.Chunk{ID: msg.ChunkID, Data: msg.AudioData})
	if err == nil {
		return
	}
	code := utils.CodeOf(err)
	if code == utils.CodeSessionNotFound {
		// swept or finalized elsewhere; a new session_start may follow
		r.resetLocked()
	}
	r.sendError(msg.SessionID, err, utils.Recoverable(code))
}

func (r *Router) end(ctx context.Context, msg ClientMessage) {
	const op = "Router.SessionEnd"

	switch r.state {
	case StateEnding, StateClosed:
		if r.completed != nil && (msg.SessionID == "" || msg.SessionID == r.completed.SessionID) {
			r.send(*r.completed)
		}
		return
	case StateActive:
		if msg.SessionID != r.sessionID {
			r.sendError(msg.SessionID, utils.E(utils.CodeSessionNotFound, op, "session not found", nil), false)
			return
		}
	default:
		r.sendError(msg.SessionID, utils.E(utils.CodeSessionNotFound, op, "session not found", nil), false)
		return
	}

	id := r.sessionID
	sess, err := r.engine.registry.Remove(id)
	if err != nil {
		r.resetLocked()
		r.sendError(id, utils.E(utils.CodeSessionNotFound, op, "session not found or expired", err), false)
		return
	}

	r.state = StateEnding
	r.ackedID.Store("")
	comp, err := r.engine.Finalize(ctx, sess, models.EndReasonClient)
	r.state = StateClosed
	if err != nil {
		r.sendError(id, err, false)
		return
	}

	done := ServerMessage{
		Type:      TypeSessionComplete,
		SessionID: id,
		Timestamp: unixSeconds(time.Now()),
		CompletePayload: &CompletePayload{
			DurationSeconds: comp.DurationSeconds,
			ArtifactRef:     comp.ArtifactRef,
			Transcript:      comp.Transcript,
		},
	}
	r.completed = &done
	r.send(done)
}

func (r *Router) resetLocked() {
	r.state = StateIdle
	r.sessionID = ""
	r.ackedID.Store("")
}

// Disconnect tears the connection down. A live session is detached at once
// and finalized in the background.
func (r *Router) Disconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateClosed && r.sessionID == "" {
		return
	}
	prev, id := r.state, r.sessionID
	r.state = StateClosed
	r.sessionID = ""
	r.ackedID.Store("")

	if prev != StateActive {
		return
	}
	sess, err := r.engine.registry.Remove(id)
	if err != nil {
		return
	}
	r.log.WithField("session_id", id).Info("client disconnected; finalizing session")
	r.engine.FinalizeAsync(sess, models.EndReasonDisconnect)
}
