package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seva-arogya/livescribe/internal/audio"
	"github.com/seva-arogya/livescribe/internal/providers/stt"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func params(id string) Params {
	return Params{ID: id, ConnID: "conn-" + id, UserID: "u1", Quality: audio.QualityMedium}
}

func TestRegistryCreateGetRemove(t *testing.T) {
	r := NewRegistry()

	s, err := r.Create(params("a"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.SampleRate() != 16000 {
		t.Errorf("sample rate = %d", s.SampleRate())
	}

	got, err := r.Get("a")
	if err != nil || got != s {
		t.Fatalf("Get = %v, %v", got, err)
	}
	if _, err := r.Create(params("a")); !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("duplicate Create err = %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}

	removed, err := r.Remove("a")
	if err != nil || removed != s {
		t.Fatalf("Remove = %v, %v", removed, err)
	}
	if _, err := r.Remove("a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Remove err = %v", err)
	}
	if _, err := r.Get("a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after remove err = %v", err)
	}
	if err := r.Touch("a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Touch after remove err = %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestRegistryCapacity(t *testing.T) {
	r := NewRegistry(WithMaxSessions(2))
	for _, id := range []string{"a", "b"} {
		if _, err := r.Create(params(id)); err != nil {
			t.Fatalf("Create(%s): %v", id, err)
		}
	}
	if _, err := r.Create(params("c")); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("err = %v, want ErrCapacityExceeded", err)
	}

	// A failed duplicate must not leak a slot.
	if _, err := r.Remove("a"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Create(params("b")); !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("err = %v", err)
	}
	if _, err := r.Create(params("c")); err != nil {
		t.Fatalf("Create after free slot: %v", err)
	}
}

func TestRegistryConcurrentCreateSameID(t *testing.T) {
	r := NewRegistry()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Create(params("same")); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("%d creates succeeded, want 1", wins.Load())
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d", r.Len())
	}
}

func TestRegistryConcurrentRemoveOneWinner(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Create(params("x")); err != nil {
		t.Fatal(err)
	}
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Remove("x"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("%d removes succeeded, want 1", wins.Load())
	}
}

func TestSweepIdle(t *testing.T) {
	clk := newFakeClock()
	r := NewRegistry(WithClock(clk.Now), WithShards(4))

	for i := 0; i < 6; i++ {
		if _, err := r.Create(params(fmt.Sprintf("s%d", i))); err != nil {
			t.Fatal(err)
		}
	}

	clk.Advance(4 * time.Minute)
	for _, id := range []string{"s0", "s2", "s4"} {
		if err := r.Touch(id); err != nil {
			t.Fatal(err)
		}
	}
	clk.Advance(2 * time.Minute)

	swept := r.SweepIdle(5 * time.Minute)
	if len(swept) != 3 {
		t.Fatalf("swept %d sessions, want 3", len(swept))
	}
	for _, s := range swept {
		switch s.ID {
		case "s1", "s3", "s5":
		default:
			t.Errorf("swept active session %s", s.ID)
		}
		if _, err := r.Get(s.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("%s still registered", s.ID)
		}
	}
	if r.Len() != 3 {
		t.Errorf("Len = %d, want 3", r.Len())
	}

	// Exactly at the threshold is not idle.
	clk.Advance(3 * time.Minute)
	if got := r.SweepIdle(5 * time.Minute); len(got) != 0 {
		t.Errorf("swept %d sessions at threshold", len(got))
	}
}

func TestSnapshotOrderedByCreation(t *testing.T) {
	clk := newFakeClock()
	r := NewRegistry(WithClock(clk.Now))
	for _, id := range []string{"c", "a", "b"} {
		if _, err := r.Create(params(id)); err != nil {
			t.Fatal(err)
		}
		clk.Advance(time.Second)
	}
	snap := r.Snapshot()
	if len(snap) != 3 || snap[0].ID != "c" || snap[1].ID != "a" || snap[2].ID != "b" {
		t.Fatalf("snapshot order wrong: %v", snap)
	}
}

func TestSessionIngestDedupAndRelease(t *testing.T) {
	fake := stt.NewFake("hello")
	st, err := fake.Open(context.Background(), stt.StreamConfig{SampleRate: 16000}, nil)
	if err != nil {
		t.Fatal(err)
	}
	p := params("d")
	p.Stream = st
	r := NewRegistry()
	s, err := r.Create(p)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	chunk := make([]byte, 320)
	for _, id := range []int64{1, 2, 2, 1, 3} {
		if _, err := s.Ingest(ctx, Chunk{ID: id, Data: chunk}, Retry{}); err != nil {
			t.Fatalf("Ingest(%d): %v", id, err)
		}
	}
	if got := s.Stats().Chunks; got != 3 {
		t.Errorf("buffered %d chunks, want 3", got)
	}
	if got := len(st.(*stt.FakeStream).Received()); got != 3 {
		t.Errorf("forwarded %d chunks, want 3", got)
	}

	text, err := s.Release(ctx)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if text != "hello hello hello" {
		t.Errorf("transcript = %q", text)
	}
	if _, err := s.Release(ctx); !errors.Is(err, ErrReleased) {
		t.Errorf("second Release err = %v", err)
	}
	if _, err := s.Ingest(ctx, Chunk{ID: 4, Data: chunk}, Retry{}); !errors.Is(err, ErrReleased) {
		t.Errorf("Ingest after release err = %v", err)
	}
	if fake.OpenStreams() != 0 {
		t.Errorf("open streams = %d", fake.OpenStreams())
	}
}

func TestSessionForwardRetry(t *testing.T) {
	boom := errors.New("unavailable")
	fake := stt.NewFake("")
	fake.SendErrs = []error{boom, boom}
	st, _ := fake.Open(context.Background(), stt.StreamConfig{SampleRate: 8000}, nil)

	p := params("r")
	p.Quality = audio.QualityLow
	p.Stream = st
	s := newSession(p, time.Now())

	ok, err := s.Ingest(context.Background(), Chunk{Data: make([]byte, 16)}, Retry{Attempts: 3, Backoff: time.Millisecond})
	if err != nil || !ok {
		t.Fatalf("Ingest with recoverable failures = %v, %v", ok, err)
	}

	fake.SendErrs = []error{boom, boom}
	_, err = s.Ingest(context.Background(), Chunk{Data: make([]byte, 16)}, Retry{Attempts: 2, Backoff: time.Millisecond})
	if !errors.Is(err, ErrForwardFailed) {
		t.Fatalf("err = %v, want ErrForwardFailed", err)
	}
	// The audio is kept even when forwarding gives up.
	if got := s.Stats().Chunks; got != 2 {
		t.Errorf("buffered %d chunks, want 2", got)
	}
}
