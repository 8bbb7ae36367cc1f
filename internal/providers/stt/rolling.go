package stt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

const rollDrainTimeout = 5 * time.Second

type legOpener func(ctx context.Context, onEvent func(Event)) (Stream, error)

// rollingStream presents consecutive backend streams ("legs") as one
// recognition stream. A leg is replaced when it reaches maxAge or when the
// backend reports it expired; the chunk that hit the expiry is resent on the
// new leg. Segment IDs keep counting across legs and Close joins every leg's
// transcript.
type rollingStream struct {
	open    legOpener
	expired func(error) bool
	maxAge  time.Duration
	onEvent func(Event)
	now     func() time.Time

	mu       sync.Mutex
	leg      Stream
	legStart time.Time
	segments int
	parts    []string
	rolls    int
	closed   bool
}

func newRollingStream(ctx context.Context, open legOpener, expired func(error) bool, maxAge time.Duration, onEvent func(Event)) (*rollingStream, error) {
	r := &rollingStream{
		open:    open,
		expired: expired,
		maxAge:  maxAge,
		onEvent: onEvent,
		now:     time.Now,
	}
	if err := r.openLeg(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// legEvents shifts a leg's segment IDs past everything already emitted.
func (r *rollingStream) legEvents(base int) func(Event) {
	return func(ev Event) {
		ev.SegmentID += base
		if ev.Kind == EventFinal {
			r.mu.Lock()
			if ev.SegmentID+1 > r.segments {
				r.segments = ev.SegmentID + 1
			}
			r.mu.Unlock()
		}
		if r.onEvent != nil {
			r.onEvent(ev)
		}
	}
}

func (r *rollingStream) openLeg(ctx context.Context) error {
	r.mu.Lock()
	base := r.segments
	r.mu.Unlock()

	leg, err := r.open(ctx, r.legEvents(base))
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.leg = leg
	r.legStart = r.now()
	r.mu.Unlock()
	return nil
}

// closeLeg drains the current leg and keeps its transcript.
func (r *rollingStream) closeLeg(ctx context.Context) (string, error) {
	r.mu.Lock()
	leg := r.leg
	r.leg = nil
	r.mu.Unlock()
	if leg == nil {
		return "", nil
	}
	text, err := leg.Close(ctx)
	if text = strings.TrimSpace(text); text != "" {
		r.mu.Lock()
		r.parts = append(r.parts, text)
		r.mu.Unlock()
	}
	return text, err
}

func (r *rollingStream) roll(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollDrainTimeout)
	// the old leg's error does not affect the session once its text is kept
	_, _ = r.closeLeg(dctx)
	cancel()

	if err := r.openLeg(ctx); err != nil {
		return fmt.Errorf("stt: reopen stream: %w", err)
	}
	r.mu.Lock()
	r.rolls++
	r.mu.Unlock()
	return nil
}

func (r *rollingStream) Send(ctx context.Context, pcm []byte) error {
	r.mu.Lock()
	closed, leg, started := r.closed, r.leg, r.legStart
	r.mu.Unlock()
	if closed {
		return ErrStreamClosed
	}
	if leg == nil || (r.maxAge > 0 && r.now().Sub(started) >= r.maxAge) {
		if err := r.roll(ctx); err != nil {
			return err
		}
	}

	err := r.current().Send(ctx, pcm)
	if err == nil || !r.expired(err) {
		return err
	}
	if err := r.roll(ctx); err != nil {
		return err
	}
	return r.current().Send(ctx, pcm)
}

func (r *rollingStream) current() Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leg
}

// Rolls is the number of times the backend stream was replaced.
func (r *rollingStream) Rolls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rolls
}

func (r *rollingStream) Close(ctx context.Context) (string, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrStreamClosed
	}
	r.closed = true
	r.mu.Unlock()

	_, err := r.closeLeg(ctx)
	if err != nil && r.expired(err) {
		err = nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.parts, " "), err
}
