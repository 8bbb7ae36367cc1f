package stt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) finals() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Kind == EventFinal {
			out = append(out, ev)
		}
	}
	return out
}

func TestRollingStreamContinuesAcrossExpiry(t *testing.T) {
	f := NewFake("pulse")
	f.ExpireAfter = 2
	var log eventLog
	s, err := f.Open(context.Background(), StreamConfig{SampleRate: 16000}, log.add)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := s.Send(context.Background(), []byte{byte(i), 0}); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	legs := f.Streams()
	if len(legs) != 3 {
		t.Fatalf("streams opened %d, want 3", len(legs))
	}
	for i, want := range []int{2, 2, 1} {
		if got := len(legs[i].Received()); got != want {
			t.Errorf("stream %d received %d chunks, want %d", i, got, want)
		}
	}
	finals := log.finals()
	if len(finals) != 5 {
		t.Fatalf("finals %d, want 5", len(finals))
	}
	for i, ev := range finals {
		if ev.SegmentID != i {
			t.Fatalf("final %d has segment %d", i, ev.SegmentID)
		}
	}

	text, err := s.Close(context.Background())
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if text != "pulse pulse pulse pulse pulse" {
		t.Errorf("transcript %q", text)
	}
	if f.OpenStreams() != 0 {
		t.Errorf("open streams %d after Close", f.OpenStreams())
	}
	if _, err := s.Close(context.Background()); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("second Close = %v", err)
	}
}

func TestRollingStreamReplacesAgedStream(t *testing.T) {
	f := NewFake("ok")
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	r := &rollingStream{
		open: func(ctx context.Context, onEvent func(Event)) (Stream, error) {
			return f.openStream(ctx, StreamConfig{SampleRate: 8000}, onEvent)
		},
		expired: func(error) bool { return false },
		maxAge:  time.Minute,
		now:     func() time.Time { return now },
	}
	if err := r.openLeg(context.Background()); err != nil {
		t.Fatalf("openLeg: %v", err)
	}

	if err := r.Send(context.Background(), []byte{1, 0}); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Minute)
	if err := r.Send(context.Background(), []byte{2, 0}); err != nil {
		t.Fatal(err)
	}
	if r.Rolls() != 1 || len(f.Streams()) != 2 {
		t.Fatalf("rolls %d streams %d", r.Rolls(), len(f.Streams()))
	}
	if !f.Streams()[0].Closed() {
		t.Error("aged stream was not closed")
	}
	text, err := r.Close(context.Background())
	if err != nil || text != "ok ok" {
		t.Fatalf("Close = %q, %v", text, err)
	}
}

func TestRollingStreamReopenFailure(t *testing.T) {
	f := NewFake("")
	f.ExpireAfter = 1
	s, err := f.Open(context.Background(), StreamConfig{SampleRate: 8000}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Send(context.Background(), []byte{1, 0}); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("quota exceeded")
	f.OpenErr = boom
	if err := s.Send(context.Background(), []byte{2, 0}); !errors.Is(err, boom) {
		t.Fatalf("Send during failed reopen = %v", err)
	}

	f.OpenErr = nil
	if err := s.Send(context.Background(), []byte{3, 0}); err != nil {
		t.Fatalf("Send after recovery: %v", err)
	}
	if _, err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if f.OpenStreams() != 0 {
		t.Errorf("open streams %d", f.OpenStreams())
	}
}

func TestIsStreamExpired(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{status.Error(codes.OutOfRange, "Exceeded maximum allowed stream duration of 305 seconds."), true},
		{fmt.Errorf("stt: recognition error: %w", status.Error(codes.OutOfRange, "Audio Timeout Error: Long duration elapsed without audio.")), true},
		{ErrStreamExpired, true},
		{status.Error(codes.InvalidArgument, "Invalid recognition config"), false},
		{status.Error(codes.OutOfRange, "offset out of range"), false},
		{errors.New("connection reset"), false},
	}
	for _, tc := range cases {
		if got := isStreamExpired(tc.err); got != tc.want {
			t.Errorf("isStreamExpired(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
