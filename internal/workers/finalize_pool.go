package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/seva-arogya/livescribe/internal/session"
	"github.com/sirupsen/logrus"
)

var ErrPoolClosed = errors.New("finalize pool is closed")

type FinalizeJob struct {
	Session *session.Session
	Reason  string
}

// FinalizePool finalizes sessions detached outside a client request
// (disconnect, idle sweep, shutdown). Jobs run with a context independent of
// the connection that owned the session.
type FinalizePool struct {
	Handle     func(ctx context.Context, job FinalizeJob) error
	NumWorkers int
	QueueSize  int
	JobTimeout time.Duration

	Logger     *logrus.Logger
	QueueGauge prometheus.Gauge
	// Overflow counts jobs run on their own goroutine because the queue was full.
	Overflow   prometheus.Counter

	base    context.Context
	jobs    chan FinalizeJob
	wg      sync.WaitGroup
	mu      sync.RWMutex
	started bool
	closed  bool
}

func (p *FinalizePool) Start(ctx context.Context) error {
	if p.Handle == nil {
		return errors.New("FinalizePool missing dependency: Handle must be set")
	}
	if p.NumWorkers <= 0 {
		p.NumWorkers = 4
	}
	if p.QueueSize <= 0 {
		p.QueueSize = 256
	}
	if p.JobTimeout <= 0 {
		p.JobTimeout = 2 * time.Minute
	}
	if p.Logger == nil {
		p.Logger = logrus.New()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("FinalizePool already started")
	}
	p.started = true
	p.jobs = make(chan FinalizeJob, p.QueueSize)

	p.base = context.WithoutCancel(ctx)
	for i := 0; i < p.NumWorkers; i++ {
		p.wg.Add(1)
		go p.runWorker(p.base, i+1)
	}
	return nil
}

func (p *FinalizePool) runWorker(ctx context.Context, n int) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.queueGauge(-1)
		p.run(ctx, n, job)
	}
}

func (p *FinalizePool) run(ctx context.Context, n int, job FinalizeJob) {
	log := p.Logger.WithFields(logrus.Fields{
		"worker":     n,
		"session_id": job.Session.ID,
		"reason":     job.Reason,
	})
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", fmt.Sprint(r)).Error("finalize job panicked")
		}
	}()

	jctx, cancel := context.WithTimeout(ctx, p.JobTimeout)
	defer cancel()
	if err := p.Handle(jctx, job); err != nil {
		log.WithError(err).Error("background finalize failed")
		return
	}
	log.Debug("background finalize done")
}

// Submit hands a job to the pool without blocking. When the queue is full
// the job runs on its own goroutine; Stop still waits for it.
func (p *FinalizePool) Submit(job FinalizeJob) error {
	if job.Session == nil {
		return errors.New("finalize job without session")
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.started || p.closed {
		return ErrPoolClosed
	}

	p.queueGauge(1)
	select {
	case p.jobs <- job:
		return nil
	default:
	}
	p.queueGauge(-1)

	if p.Overflow != nil {
		p.Overflow.Inc()
	}
	p.Logger.WithField("session_id", job.Session.ID).Warn("finalize queue full; running job outside the pool")
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(p.base, 0, job)
	}()
	return nil
}

// Stop rejects new jobs and waits for queued ones to finish or ctx to end.
func (p *FinalizePool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *FinalizePool) queueGauge(d float64) {
	if p.QueueGauge != nil {
		p.QueueGauge.Add(d)
	}
}
