package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seva-arogya/livescribe/internal/audio"
	"github.com/seva-arogya/livescribe/internal/metrics"
	"github.com/seva-arogya/livescribe/internal/models"
	"github.com/seva-arogya/livescribe/internal/providers/stt"
	"github.com/seva-arogya/livescribe/internal/services"
	"github.com/seva-arogya/livescribe/internal/session"
	"github.com/seva-arogya/livescribe/internal/utils"
	"github.com/seva-arogya/livescribe/internal/workers"
	"github.com/sirupsen/logrus"
)

// ArtifactStore persists a finalized recording and returns its reference.
type ArtifactStore interface {
	Store(ctx context.Context, art *audio.Artifact, meta services.RecordingMeta) (string, error)
}

// SessionRecorder keeps the durable record of a session.
type SessionRecorder interface {
	Begin(ctx context.Context, info services.SessionInfo) error
	Complete(ctx context.Context, out services.Outcome) error
	Fail(ctx context.Context, out services.Outcome, cause error) error
}

type Config struct {
	Language          string
	OpenTimeout       time.Duration
	ForwardAttempts   int
	ForwardBackoff    time.Duration
	MaxRecording      time.Duration
	IdleTimeout       time.Duration
	SweepInterval     time.Duration
	HeartbeatInterval time.Duration
	FinalizeTimeout   time.Duration
	FinalizeWorkers   int
	FinalizeQueue     int
}

func (c *Config) setDefaults() {
	if c.Language == "" {
		c.Language = "en-US"
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 10 * time.Second
	}
	if c.ForwardAttempts <= 0 {
		c.ForwardAttempts = 3
	}
	if c.ForwardBackoff <= 0 {
		c.ForwardBackoff = 100 * time.Millisecond
	}
	if c.MaxRecording <= 0 {
		c.MaxRecording = audio.DefaultMaxDuration
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = 2 * time.Minute
	}
	if c.FinalizeWorkers <= 0 {
		c.FinalizeWorkers = 4
	}
}

type Deps struct {
	Registry *session.Registry
	Provider stt.Provider
	Store    ArtifactStore   // optional
	Recorder SessionRecorder // optional
	Metrics  *metrics.Metrics
	Logger   *logrus.Logger
}

// Engine owns everything shared between connections: the session registry,
// the recognizer provider, persistence, the finalizer pool and the hub.
type Engine struct {
	cfg      Config
	registry *session.Registry
	provider stt.Provider
	store    ArtifactStore
	recorder SessionRecorder
	metrics  *metrics.Metrics
	log      *logrus.Logger
	hub      *Hub
	pool     *workers.FinalizePool

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
	stopping atomic.Bool
}

func NewEngine(cfg Config, d Deps) (*Engine, error) {
	if d.Provider == nil {
		return nil, errors.New("engine: recognizer provider is required")
	}
	if d.Registry == nil {
		d.Registry = session.NewRegistry()
	}
	if d.Metrics == nil {
		return nil, errors.New("engine: metrics are required")
	}
	if d.Logger == nil {
		d.Logger = logrus.New()
	}
	cfg.setDefaults()

	e := &Engine{
		cfg:      cfg,
		registry: d.Registry,
		provider: d.Provider,
		store:    d.Store,
		recorder: d.Recorder,
		metrics:  d.Metrics,
		log:      d.Logger,
		hub:      NewHub(d.Logger),
	}
	if e.store == nil {
		e.log.Warn("no artifact store configured; recordings will not be saved")
	}
	if e.recorder == nil {
		e.log.Warn("no session recorder configured; sessions will not be recorded")
	}

	e.pool = &workers.FinalizePool{
		NumWorkers: cfg.FinalizeWorkers,
		QueueSize:  cfg.FinalizeQueue,
		JobTimeout: cfg.FinalizeTimeout,
		Logger:     d.Logger,
		QueueGauge: d.Metrics.FinalizeQueue,
		Overflow:   d.Metrics.FinalizeOverflow,
		Handle: func(ctx context.Context, job workers.FinalizeJob) error {
			_, err := e.Finalize(ctx, job.Session, job.Reason)
			return err
		},
	}
	return e, nil
}

func (e *Engine) Registry() *session.Registry { return e.registry }

func (e *Engine) Hub() *Hub { return e.hub }

func (e *Engine) Config() Config { return e.cfg }

// Start launches the finalizer pool, the idle sweeper and the heartbeat loop.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.pool.Start(ctx); err != nil {
		return err
	}
	bg, cancel := context.WithCancel(ctx)
	e.bgCancel = cancel

	e.bgWG.Add(2)
	go func() {
		defer e.bgWG.Done()
		e.RunSweeper(bg)
	}()
	go func() {
		defer e.bgWG.Done()
		e.hub.RunHeartbeat(bg, e.cfg.HeartbeatInterval)
	}()
	return nil
}

// StartParams describe a session_start request.
type StartParams struct {
	ID       string
	ConnID   string
	UserID   string
	Quality  audio.Quality
	Language string
	OnEvent  func(stt.Event)
}

// StartSession opens the recognizer stream and registers the session. The
// session is visible in the registry only if both succeed.
func (e *Engine) StartSession(ctx context.Context, p StartParams) (*session.Session, error) {
	const op = "Engine.StartSession"

	if e.stopping.Load() {
		return nil, utils.E(utils.CodeSessionStartFailed, op, "server is shutting down", nil)
	}
	// Create rejects duplicates too; checking first avoids opening a stream.
	if _, err := e.registry.Get(p.ID); err == nil {
		return nil, utils.E(utils.CodeSessionStartFailed, op, "session id already in use", session.ErrDuplicateSession)
	}

	lang := p.Language
	if lang == "" {
		lang = e.cfg.Language
	}

	var created atomic.Pointer[session.Session]
	onEvent := func(ev stt.Event) {
		if ev.Kind == stt.EventFinal {
			if s := created.Load(); s != nil {
				s.AddSegment(ev.Text)
			}
		}
		if p.OnEvent != nil {
			p.OnEvent(ev)
		}
	}

	openCtx, cancel := context.WithTimeout(ctx, e.cfg.OpenTimeout)
	defer cancel()
	started := time.Now()
	stream, err := e.provider.Open(openCtx, stt.StreamConfig{SampleRate: p.Quality.SampleRate(), Language: lang}, onEvent)
	e.metrics.AdapterOpenDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		return nil, utils.E(utils.CodeSessionStartFailed, op, "failed to open recognizer", err)
	}

	sess, err := e.registry.Create(session.Params{
		ID:          p.ID,
		ConnID:      p.ConnID,
		UserID:      p.UserID,
		Quality:     p.Quality,
		Stream:      stream,
		MaxDuration: e.cfg.MaxRecording,
	})
	if err != nil {
		e.closeStream(stream, p.ID)
		if errors.Is(err, session.ErrCapacityExceeded) {
			return nil, utils.E(utils.CodeSessionLimitExceeded, op, "server at capacity", err)
		}
		return nil, utils.E(utils.CodeSessionStartFailed, op, "failed to register session", err)
	}
	created.Store(sess)
	e.metrics.ActiveSessions.Set(float64(e.registry.Len()))

	if e.recorder != nil {
		err := e.recorder.Begin(ctx, services.SessionInfo{
			SessionID:    sess.ID,
			UserID:       sess.UserID,
			ConnectionID: sess.ConnID,
			Quality:      string(sess.Quality),
			SampleRate:   sess.SampleRate(),
			CreatedAt:    sess.CreatedAt,
		})
		if err != nil {
			e.log.WithError(err).WithField("session_id", sess.ID).Warn("session record begin failed")
		}
	}
	return sess, nil
}

func (e *Engine) closeStream(st stt.Stream, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.OpenTimeout)
	defer cancel()
	if _, err := st.Close(ctx); err != nil {
		e.log.WithError(err).WithField("session_id", sessionID).Warn("closing recognizer after failed start")
	}
}

// Ingest appends and forwards one chunk for the session owned by connID.
// It reports whether the chunk was new.
func (e *Engine) Ingest(ctx context.Context, connID, sessionID string, c session.Chunk) (bool, error) {
	const op = "Engine.Ingest"

	sess, err := e.registry.Get(sessionID)
	if err != nil || sess.ConnID != connID {
		return false, utils.E(utils.CodeSessionNotFound, op, "session not found or expired", err)
	}

	fresh, err := sess.Ingest(ctx, c, session.Retry{Attempts: e.cfg.ForwardAttempts, Backoff: e.cfg.ForwardBackoff})
	if fresh {
		e.metrics.ChunksReceived.Inc()
		e.metrics.AudioBytes.Add(float64(len(c.Data)))
		_ = e.registry.Touch(sessionID)
	}

	var code utils.Code
	switch {
	case err == nil:
		if !fresh {
			e.metrics.ChunksReplayed.Inc()
		}
		return fresh, nil
	case errors.Is(err, session.ErrReleased):
		code = utils.CodeSessionNotFound
	case errors.Is(err, audio.ErrEmptyChunk), errors.Is(err, audio.ErrMisalignedChunk):
		code = utils.CodeInvalidAudioChunk
	case errors.Is(err, audio.ErrBufferOverflow):
		code = utils.CodeRecordingLimitReached
	case errors.Is(err, session.ErrForwardFailed):
		code = utils.CodeAdapterError
		e.metrics.ForwardFailures.Inc()
	default:
		code = utils.CodeAdapterError
	}
	e.metrics.ChunksRejected.WithLabelValues(string(code)).Inc()
	return fresh, utils.E(code, op, "chunk rejected", err)
}

// Completion is the result reported to the client in session_complete.
type Completion struct {
	SessionID       string
	DurationSeconds float64
	ArtifactRef     string
	Transcript      string
}

// Finalize releases the session's recognizer, encodes its audio and persists
// both. The session must already be detached from the registry. Resources are
// released even when persistence fails.
func (e *Engine) Finalize(ctx context.Context, sess *session.Session, reason string) (Completion, error) {
	const op = "Engine.Finalize"

	started := time.Now()
	log := e.log.WithFields(logrus.Fields{"session_id": sess.ID, "conn_id": sess.ConnID, "reason": reason})
	e.metrics.ActiveSessions.Set(float64(e.registry.Len()))

	transcript, err := sess.Release(ctx)
	if errors.Is(err, session.ErrReleased) {
		return Completion{}, utils.E(utils.CodeSessionNotFound, op, "session already finalized", err)
	}
	if err != nil {
		log.WithError(err).Warn("recognizer close failed; keeping partial transcript")
	}

	art, ferr := sess.Finalize()
	st := sess.Stats()
	out := services.Outcome{
		SessionInfo: services.SessionInfo{
			SessionID:    sess.ID,
			UserID:       sess.UserID,
			ConnectionID: sess.ConnID,
			Quality:      string(sess.Quality),
			SampleRate:   sess.SampleRate(),
			CreatedAt:    sess.CreatedAt,
		},
		Reason:          reason,
		DurationSeconds: st.DurationSeconds,
		Transcript:      transcript,
		Segments:        sess.Segments(),
		ChunkCount:      st.Chunks,
		ByteCount:       int64(st.Bytes),
		EndedAt:         time.Now().UTC(),
	}
	comp := Completion{SessionID: sess.ID, DurationSeconds: st.DurationSeconds, Transcript: transcript}

	fail := func(msg string, cause error) (Completion, error) {
		e.metrics.PersistFailures.Inc()
		if e.recorder != nil {
			if rerr := e.recorder.Fail(ctx, out, cause); rerr != nil {
				log.WithError(rerr).Warn("recording failure state failed")
			}
		}
		log.WithError(cause).Error(msg)
		return comp, utils.E(utils.CodePersistFailed, op, msg, cause)
	}

	if ferr != nil {
		return fail("failed to encode recording", ferr)
	}
	if e.store != nil {
		ref, err := e.store.Store(ctx, art, services.RecordingMeta{SessionID: sess.ID, UserID: sess.UserID, StartedAt: sess.CreatedAt})
		if err != nil {
			return fail("failed to store recording", err)
		}
		comp.ArtifactRef = ref
		out.ArtifactRef = ref
	}
	if e.recorder != nil {
		if err := e.recorder.Complete(ctx, out); err != nil {
			return fail("failed to record session", err)
		}
	}

	e.metrics.SessionsCompleted.WithLabelValues(reason).Inc()
	e.metrics.SessionDuration.Observe(st.DurationSeconds)
	e.metrics.FinalizeDuration.Observe(time.Since(started).Seconds())
	log.WithFields(logrus.Fields{
		"duration_seconds": st.DurationSeconds,
		"chunks":           st.Chunks,
		"artifact_ref":     comp.ArtifactRef,
	}).Info("session finalized")
	return comp, nil
}

// FinalizeAsync hands a detached session to the finalizer pool. When the pool
// no longer accepts work the session is finalized on the caller's goroutine.
func (e *Engine) FinalizeAsync(sess *session.Session, reason string) {
	err := e.pool.Submit(workers.FinalizeJob{Session: sess, Reason: reason})
	if err == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.FinalizeTimeout)
	defer cancel()
	if _, ferr := e.Finalize(ctx, sess, reason); ferr != nil {
		e.log.WithError(ferr).WithField("session_id", sess.ID).Error("inline finalize failed")
	}
}

// SweepOnce removes idle sessions and queues them for finalization.
func (e *Engine) SweepOnce() int {
	swept := e.registry.SweepIdle(e.cfg.IdleTimeout)
	for _, s := range swept {
		e.log.WithFields(logrus.Fields{
			"session_id":    s.ID,
			"conn_id":       s.ConnID,
			"last_activity": s.LastActivity().UTC().Format(time.RFC3339),
		}).Info("idle session expired")
		e.metrics.SessionsSwept.Inc()
		e.hub.Notify(s.ConnID, errorMessage(s.ID, utils.CodeSessionNotFound, "session expired after inactivity", false))
		e.FinalizeAsync(s, models.EndReasonIdle)
	}
	if len(swept) > 0 {
		e.metrics.ActiveSessions.Set(float64(e.registry.Len()))
	}
	return len(swept)
}

func (e *Engine) RunSweeper(ctx context.Context) {
	t := time.NewTicker(e.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.SweepOnce()
		}
	}
}

// Shutdown notifies clients, finalizes every live session and waits for the
// finalizer pool to drain or ctx to end.
func (e *Engine) Shutdown(ctx context.Context) error {
	if !e.stopping.CompareAndSwap(false, true) {
		return nil
	}
	if e.bgCancel != nil {
		e.bgCancel()
	}
	e.bgWG.Wait()

	e.hub.Broadcast(ServerMessage{
		Type:         TypeServerShutdown,
		Timestamp:    unixSeconds(time.Now()),
		ErrorPayload: &ErrorPayload{Code: utils.CodeUnavailable, Message: "Server is shutting down", Recoverable: true},
	})

	live := e.registry.Snapshot()
	for _, s := range live {
		if removed, err := e.registry.Remove(s.ID); err == nil {
			e.FinalizeAsync(removed, models.EndReasonShutdown)
		}
	}
	e.log.WithField("sessions", len(live)).Info("finalizing live sessions for shutdown")

	err := e.pool.Stop(ctx)
	if cerr := e.provider.Close(); cerr != nil {
		e.log.WithError(cerr).Warn("closing recognizer provider")
	}
	return err
}
