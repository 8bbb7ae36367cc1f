package routes

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/seva-arogya/livescribe/internal/api/handlers"
	"github.com/seva-arogya/livescribe/internal/api/middleware"
	"github.com/seva-arogya/livescribe/internal/audio"
	"github.com/seva-arogya/livescribe/internal/cache"
	"github.com/seva-arogya/livescribe/internal/capture"
	"github.com/seva-arogya/livescribe/internal/metrics"
	"github.com/seva-arogya/livescribe/internal/models"
	"github.com/seva-arogya/livescribe/internal/providers/stt"
	"github.com/seva-arogya/livescribe/internal/realtime"
	"github.com/seva-arogya/livescribe/internal/services"
	"github.com/seva-arogya/livescribe/internal/session"
	"github.com/seva-arogya/livescribe/internal/storage"
	"github.com/seva-arogya/livescribe/internal/utils"
	"github.com/sirupsen/logrus"
)

const testSecret = "test-secret"

type memRepo struct {
	mu   sync.Mutex
	rows map[string]models.Transcription
}

func (m *memRepo) Insert(_ context.Context, t *models.Transcription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[t.SessionID] = *t
	return nil
}

func (m *memRepo) Complete(_ context.Context, t *models.Transcription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.rows[t.SessionID]; ok {
		t.ID = prev.ID
		t.CreatedAt = prev.CreatedAt
	}
	m.rows[t.SessionID] = *t
	return nil
}

func (m *memRepo) GetBySessionID(_ context.Context, id string) (*models.Transcription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return nil, utils.ErrNotFound
	}
	return &r, nil
}

func (m *memRepo) ListByUser(_ context.Context, userID string, limit int) ([]models.Transcription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Transcription
	for _, r := range m.rows {
		if r.UserID == userID && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memRepo) get(id string) (models.Transcription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	return r, ok
}

type testServer struct {
	srv      *httptest.Server
	engine   *realtime.Engine
	provider *stt.Fake
	repo     *memRepo
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := quietLogger()

	promReg := prometheus.NewRegistry()
	m := metrics.NewMetrics(promReg)

	uploader, err := storage.NewLocalUploader(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	repo := &memRepo{rows: map[string]models.Transcription{}}
	transcriptions := services.NewTranscriptionService(services.TranscriptionDeps{
		Repo:   repo,
		Cache:  cache.NewMemoryCache(),
		Logger: log,
	})
	provider := stt.NewFake("pain in left knee")

	engine, err := realtime.NewEngine(realtime.Config{FinalizeWorkers: 2}, realtime.Deps{
		Registry: session.NewRegistry(session.WithMaxSessions(10)),
		Provider: provider,
		Store:    services.NewRecordingService(uploader),
		Recorder: transcriptions,
		Metrics:  m,
		Logger:   log,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := engine.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	r := gin.New()
	r.Use(middleware.RequestLogger(log, "/ping", "/metrics"))
	RegisterRoutes(r, Deps{
		Session:  handlers.NewSessionHandler(transcriptions, nil, time.Minute, log),
		Admin:    handlers.NewAdminHandler(engine.Registry()),
		WS:       handlers.NewWSHandler(engine, m, log, handlers.WSOptions{}),
		JWT:      middleware.JWTConfig{Secret: testSecret, QueryParam: "access_token"},
		Gatherer: promReg,
	})
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
		srv.Close()
	})
	return &testServer{srv: srv, engine: engine, provider: provider, repo: repo}
}

func token(t *testing.T, sub, role string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	if role != "" {
		claims["app_metadata"] = map[string]any{"role": role}
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func (ts *testServer) get(t *testing.T, path, tok string) (*http.Response, []byte) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, ts.srv.URL+path, nil)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, body
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws/stream"
}

func (ts *testServer) dial(t *testing.T, tok string) *websocket.Conn {
	t.Helper()
	h := http.Header{}
	h.Set("Authorization", "Bearer "+tok)
	conn, _, err := websocket.DefaultDialer.Dial(ts.wsURL(), h)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil returns the first message of type typ, skipping others.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) realtime.ServerMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg realtime.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if msg.Type == typ {
			return msg
		}
		if msg.Type == realtime.TypeError && typ != realtime.TypeError {
			t.Fatalf("waiting for %s, got error %+v", typ, msg.ErrorPayload)
		}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPingAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.get(t, "/ping", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "pong") {
		t.Fatalf("ping: %d %s", resp.StatusCode, body)
	}
	resp, body = ts.get(t, "/metrics", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "scribe_active_sessions") {
		t.Fatalf("metrics: %d", resp.StatusCode)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{"/sessions", "/sessions/abc", "/admin/sessions"} {
		resp, _ := ts.get(t, path, "")
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s without token: %d", path, resp.StatusCode)
		}
	}
	resp, _ := ts.get(t, "/sessions", "not-a-jwt")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token: %d", resp.StatusCode)
	}

	_, resp, err := websocket.DefaultDialer.Dial(ts.wsURL(), nil)
	if err == nil {
		t.Fatal("websocket upgrade succeeded without a token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("websocket without token: %v", resp)
	}
}

func TestStreamSessionEndToEnd(t *testing.T) {
	ts := newTestServer(t)
	owner := token(t, "doctor-1", "")
	conn := ts.dial(t, owner)

	if err := conn.WriteJSON(realtime.ClientMessage{Type: realtime.TypeSessionStart, Quality: "medium"}); err != nil {
		t.Fatal(err)
	}
	ack := readUntil(t, conn, realtime.TypeSessionAck)
	if ack.SampleRate != 16000 || ack.SessionID == "" {
		t.Fatalf("ack %+v", ack)
	}

	chunk := make([]byte, 4096*audio.BytesPerSample)
	for i := int64(1); i <= 4; i++ {
		if err := conn.WriteJSON(realtime.ClientMessage{
			Type:      realtime.TypeAudioChunk,
			SessionID: ack.SessionID,
			AudioData: chunk,
			ChunkID:   i,
		}); err != nil {
			t.Fatal(err)
		}
	}
	final := readUntil(t, conn, realtime.TypeTranscriptFinal)
	if final.TranscriptPayload == nil || final.Text != "pain in left knee" {
		t.Fatalf("transcript %+v", final.TranscriptPayload)
	}

	if err := conn.WriteJSON(realtime.ClientMessage{Type: realtime.TypeSessionEnd, SessionID: ack.SessionID}); err != nil {
		t.Fatal(err)
	}
	done := readUntil(t, conn, realtime.TypeSessionComplete)
	if done.CompletePayload == nil || done.DurationSeconds != 1.024 {
		t.Fatalf("complete %+v", done.CompletePayload)
	}
	if !strings.HasPrefix(done.ArtifactRef, "file://") || !strings.HasSuffix(done.ArtifactRef, ".flac") {
		t.Fatalf("artifact ref %q", done.ArtifactRef)
	}

	// a second end on the same connection repeats the result
	if err := conn.WriteJSON(realtime.ClientMessage{Type: realtime.TypeSessionEnd, SessionID: ack.SessionID}); err != nil {
		t.Fatal(err)
	}
	again := readUntil(t, conn, realtime.TypeSessionComplete)
	if again.SessionID != ack.SessionID {
		t.Fatalf("repeat complete for %s", again.SessionID)
	}

	resp, body := ts.get(t, "/sessions/"+ack.SessionID, owner)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET session: %d %s", resp.StatusCode, body)
	}
	var got handlers.TranscriptionResponse
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != models.TranscriptionCompleted || got.DurationSeconds != 1.024 || len(got.Segments) != 4 {
		t.Fatalf("transcription %+v", got)
	}

	resp, _ = ts.get(t, "/sessions/"+ack.SessionID, token(t, "doctor-2", ""))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("other user: %d", resp.StatusCode)
	}
	resp, _ = ts.get(t, "/sessions/"+ack.SessionID, token(t, "ops", "admin"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin: %d", resp.StatusCode)
	}

	resp, body = ts.get(t, "/sessions", owner)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), ack.SessionID) {
		t.Fatalf("list: %d %s", resp.StatusCode, body)
	}
}

func TestUnknownSessionChunkIsRejected(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, token(t, "doctor-1", ""))

	if err := conn.WriteJSON(realtime.ClientMessage{
		Type:      realtime.TypeAudioChunk,
		SessionID: "3f1c8f3e-9b3c-4a55-9d6f-0c7a3f0f2f11",
		AudioData: []byte{0, 0},
	}); err != nil {
		t.Fatal(err)
	}
	msg := readUntil(t, conn, realtime.TypeError)
	if msg.Code != utils.CodeSessionNotFound || msg.Recoverable {
		t.Fatalf("error %+v", msg.ErrorPayload)
	}
	if ts.engine.Registry().Len() != 0 || len(ts.provider.Streams()) != 0 {
		t.Fatal("rejected chunk created state")
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2}); err != nil {
		t.Fatal(err)
	}
	msg = readUntil(t, conn, realtime.TypeError)
	if msg.Code != utils.CodeInvalidMessage {
		t.Fatalf("binary frame error %+v", msg.ErrorPayload)
	}
}

func TestAdminSessionsListsLiveSessions(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, token(t, "doctor-1", ""))
	if err := conn.WriteJSON(realtime.ClientMessage{Type: realtime.TypeSessionStart, Quality: "low"}); err != nil {
		t.Fatal(err)
	}
	ack := readUntil(t, conn, realtime.TypeSessionAck)

	resp, _ := ts.get(t, "/admin/sessions", token(t, "doctor-1", ""))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin: %d", resp.StatusCode)
	}

	resp, body := ts.get(t, "/admin/sessions", token(t, "ops", "admin"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin: %d", resp.StatusCode)
	}
	var out struct {
		Count    int                    `json:"count"`
		Sessions []handlers.LiveSession `json:"sessions"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Count != 1 || out.Sessions[0].SessionID != ack.SessionID || out.Sessions[0].SampleRate != 8000 {
		t.Fatalf("live sessions %+v", out)
	}
}

func TestDisconnectFinalizesInBackground(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, token(t, "doctor-1", ""))
	if err := conn.WriteJSON(realtime.ClientMessage{Type: realtime.TypeSessionStart, Quality: "low"}); err != nil {
		t.Fatal(err)
	}
	ack := readUntil(t, conn, realtime.TypeSessionAck)
	if err := conn.WriteJSON(realtime.ClientMessage{
		Type:      realtime.TypeAudioChunk,
		SessionID: ack.SessionID,
		AudioData: make([]byte, 1600),
		ChunkID:   1,
	}); err != nil {
		t.Fatal(err)
	}
	readUntil(t, conn, realtime.TypeTranscriptFinal)
	conn.Close()

	eventually(t, "background finalize", func() bool {
		row, ok := ts.repo.get(ack.SessionID)
		return ok && row.Status == models.TranscriptionCompleted
	})
	if ts.engine.Registry().Len() != 0 {
		t.Fatal("session still registered after disconnect")
	}
	if ts.provider.OpenStreams() != 0 {
		t.Fatal("recognizer stream leaked")
	}
	row, _ := ts.repo.get(ack.SessionID)
	if !strings.Contains(string(row.Metadata), models.EndReasonDisconnect) {
		t.Fatalf("metadata %s", row.Metadata)
	}
}

func TestCaptureClientAgainstServer(t *testing.T) {
	ts := newTestServer(t)

	client, err := capture.NewClient(capture.ClientConfig{
		URL:           ts.wsURL(),
		Token:         token(t, "doctor-1", ""),
		Quality:       audio.QualityLow,
		ChunkDuration: 100 * time.Millisecond,
		Logger:        quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	// one second of low-tier audio is ten 100ms frames
	client.Write(make([]byte, 8000*audio.BytesPerSample))

	eventually(t, "all frames ingested", func() bool {
		live := ts.engine.Registry().Snapshot()
		return len(live) == 1 && live[0].Stats().Chunks == 10
	})
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("client did not stop")
	}

	comps := client.Completions()
	if len(comps) != 1 || comps[0].CompletePayload == nil || comps[0].DurationSeconds != 1.0 {
		t.Fatalf("completions %+v", comps)
	}
	if client.Transport().Dropped() != 0 || client.Transport().Pending() != 0 {
		t.Fatal("client lost frames")
	}
}
