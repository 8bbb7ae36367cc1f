package services

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seva-arogya/livescribe/internal/audio"
	"github.com/seva-arogya/livescribe/internal/cache"
	"github.com/seva-arogya/livescribe/internal/events"
	"github.com/seva-arogya/livescribe/internal/models"
	"github.com/seva-arogya/livescribe/internal/utils"
)

type memTranscriptions struct {
	mu      sync.Mutex
	rows    map[string]*models.Transcription
	failErr error
	gets    int
}

func newMemTranscriptions() *memTranscriptions {
	return &memTranscriptions{rows: map[string]*models.Transcription{}}
}

func (m *memTranscriptions) Insert(_ context.Context, t *models.Transcription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	cp := *t
	m.rows[t.SessionID] = &cp
	return nil
}

func (m *memTranscriptions) Complete(_ context.Context, t *models.Transcription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	cp := *t
	if prev, ok := m.rows[t.SessionID]; ok {
		cp.ID = prev.ID
		cp.CreatedAt = prev.CreatedAt
	}
	m.rows[t.SessionID] = &cp
	t.ID, t.CreatedAt = cp.ID, cp.CreatedAt
	return nil
}

func (m *memTranscriptions) GetBySessionID(_ context.Context, id string) (*models.Transcription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	r, ok := m.rows[id]
	if !ok {
		return nil, utils.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memTranscriptions) ListByUser(_ context.Context, userID string, limit int) ([]models.Transcription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Transcription
	for _, r := range m.rows {
		if r.UserID == userID && len(out) < limit {
			out = append(out, *r)
		}
	}
	return out, nil
}

type memSessionLog struct {
	mu   sync.Mutex
	docs map[string]*models.StreamSession
}

func (m *memSessionLog) Create(_ context.Context, s *models.StreamSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.docs == nil {
		m.docs = map[string]*models.StreamSession{}
	}
	cp := *s
	m.docs[s.SessionID] = &cp
	return nil
}

func (m *memSessionLog) GetBySessionID(_ context.Context, id string) (*models.StreamSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return nil, utils.ErrNotFound
	}
	return d, nil
}

func (m *memSessionLog) End(_ context.Context, id string, end models.StreamSessionEnd) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return utils.ErrNotFound
	}
	d.Status = end.Status
	d.EndReason = end.Reason
	d.Error = end.Error
	t := end.EndedAt
	d.EndedAt = &t
	d.DurationSeconds = end.DurationSeconds
	d.ChunkCount = end.ChunkCount
	return nil
}

func (m *memSessionLog) ListByUser(context.Context, string, int64) ([]models.StreamSession, error) {
	return nil, nil
}

type memPublisher struct {
	mu  sync.Mutex
	evs []events.Completed
}

func (p *memPublisher) PublishCompleted(_ context.Context, ev events.Completed) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evs = append(p.evs, ev)
	return nil
}

func TestTranscriptionLifecycle(t *testing.T) {
	repo := newMemTranscriptions()
	logs := &memSessionLog{}
	c := cache.NewMemoryCache()
	pub := &memPublisher{}
	svc := NewTranscriptionService(TranscriptionDeps{Repo: repo, Sessions: logs, Cache: c, Publisher: pub})
	ctx := context.Background()

	info := SessionInfo{SessionID: "s1", UserID: "u1", ConnectionID: "c1", Quality: "medium", SampleRate: 16000}
	if err := svc.Begin(ctx, info); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if repo.rows["s1"].Status != models.TranscriptionInProgress {
		t.Fatalf("status = %s", repo.rows["s1"].Status)
	}
	beginID := repo.rows["s1"].ID

	err := svc.Complete(ctx, Outcome{
		SessionInfo:     info,
		Reason:          models.EndReasonClient,
		ArtifactRef:     "gs://b/audio/u1/x.flac",
		DurationSeconds: 1.024,
		Transcript:      "patient reports headache",
		Segments:        []string{"patient reports", "headache"},
		ChunkCount:      4,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	row := repo.rows["s1"]
	if row.Status != models.TranscriptionCompleted || row.ID != beginID || row.DurationSeconds != 1.024 {
		t.Errorf("row = %+v", row)
	}
	if len(row.FinalSegments) != 2 {
		t.Errorf("segments = %v", row.FinalSegments)
	}
	if !strings.Contains(string(row.Metadata), `"end_reason":"client_end"`) {
		t.Errorf("metadata = %s", row.Metadata)
	}
	if logs.docs["s1"].Status != models.StreamStatusEnded || logs.docs["s1"].ChunkCount != 4 {
		t.Errorf("session log = %+v", logs.docs["s1"])
	}
	if len(pub.evs) != 1 || pub.evs[0].ArtifactRef != "gs://b/audio/u1/x.flac" {
		t.Errorf("published = %+v", pub.evs)
	}

	got, err := svc.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Transcript != "patient reports headache" {
		t.Errorf("transcript = %q", got.Transcript)
	}
	if repo.gets != 0 {
		t.Errorf("completed transcription should be served from cache, repo gets = %d", repo.gets)
	}
}

func TestCachedTranscriptionMatchesStoredRow(t *testing.T) {
	repo := newMemTranscriptions()
	svc := NewTranscriptionService(TranscriptionDeps{Repo: repo, Cache: cache.NewMemoryCache()})
	ctx := context.Background()

	created := time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)
	info := SessionInfo{SessionID: "s9", UserID: "u1", Quality: "low", SampleRate: 8000, CreatedAt: created}
	if err := svc.Begin(ctx, info); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	stored := *repo.rows["s9"]

	// the outcome carries no creation time, as after a restart
	out := Outcome{SessionInfo: info, Reason: models.EndReasonClient, Transcript: "afebrile"}
	out.CreatedAt = time.Time{}
	if err := svc.Complete(ctx, out); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got, err := svc.Get(ctx, "s9")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if repo.gets != 0 {
		t.Fatalf("expected a cache hit, repo gets = %d", repo.gets)
	}
	if got.ID != stored.ID {
		t.Errorf("cached id %q, stored id %q", got.ID, stored.ID)
	}
	if !got.CreatedAt.Equal(stored.CreatedAt) {
		t.Errorf("cached created_at %v, stored %v", got.CreatedAt, stored.CreatedAt)
	}
}

func TestTranscriptionFailAndErrors(t *testing.T) {
	repo := newMemTranscriptions()
	logs := &memSessionLog{}
	svc := NewTranscriptionService(TranscriptionDeps{Repo: repo, Sessions: logs})
	ctx := context.Background()

	info := SessionInfo{SessionID: "s2", UserID: "u1"}
	if err := svc.Begin(ctx, info); err != nil {
		t.Fatal(err)
	}
	if err := svc.Fail(ctx, Outcome{SessionInfo: info, Reason: models.EndReasonIdle}, errors.New("upload failed")); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if repo.rows["s2"].Status != models.TranscriptionFailed {
		t.Errorf("status = %s", repo.rows["s2"].Status)
	}
	if logs.docs["s2"].Error != "upload failed" {
		t.Errorf("log error = %q", logs.docs["s2"].Error)
	}

	if _, err := svc.Get(ctx, "missing"); !utils.IsCode(err, utils.CodeNotFound) {
		t.Errorf("Get(missing) err = %v", err)
	}

	repo.failErr = errors.New("db down")
	if err := svc.Complete(ctx, Outcome{SessionInfo: SessionInfo{SessionID: "s3"}}); !utils.IsCode(err, utils.CodeInternal) {
		t.Errorf("Complete with db down err = %v", err)
	}
}

func TestTranscriptionListByUser(t *testing.T) {
	repo := newMemTranscriptions()
	svc := NewTranscriptionService(TranscriptionDeps{Repo: repo})
	ctx := context.Background()

	for _, info := range []SessionInfo{
		{SessionID: "a", UserID: "u1"},
		{SessionID: "b", UserID: "u1"},
		{SessionID: "c", UserID: "u2"},
	} {
		if err := svc.Begin(ctx, info); err != nil {
			t.Fatal(err)
		}
	}
	rows, err := svc.ListByUser(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if _, err := svc.ListByUser(ctx, "", 10); !utils.IsCode(err, utils.CodeInvalidArgument) {
		t.Fatalf("empty user err = %v", err)
	}
}

type memUploader struct {
	name, contentType string
	data              []byte
	err               error
}

func (u *memUploader) Upload(_ context.Context, objectName, contentType string, r io.Reader) (string, error) {
	if u.err != nil {
		return "", u.err
	}
	u.name, u.contentType = objectName, contentType
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(r)
	u.data = buf.Bytes()
	return "mem://" + objectName, nil
}

func TestRecordingServiceObjectName(t *testing.T) {
	up := &memUploader{}
	svc := NewRecordingService(up)
	art := &audio.Artifact{Data: []byte("fLaC"), ContentType: "audio/flac", Extension: "flac"}
	meta := RecordingMeta{SessionID: "abc", UserID: "u1", StartedAt: time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC)}

	ref, err := svc.Store(context.Background(), art, meta)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if up.name != "audio/u1/20240305_140709_abc.flac" {
		t.Errorf("object name = %s", up.name)
	}
	if ref != "mem://audio/u1/20240305_140709_abc.flac" || up.contentType != "audio/flac" {
		t.Errorf("ref = %s type = %s", ref, up.contentType)
	}

	up.err = errors.New("bucket gone")
	if _, err := svc.Store(context.Background(), art, meta); !utils.IsCode(err, utils.CodeUnavailable) {
		t.Errorf("err = %v", err)
	}
}
