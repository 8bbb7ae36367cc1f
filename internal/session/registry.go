package session

import (
	"errors"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrDuplicateSession = errors.New("session: duplicate session id")
	ErrNotFound         = errors.New("session: not found")
	ErrCapacityExceeded = errors.New("session: maximum concurrent sessions reached")
)

const (
	DefaultShards      = 32
	DefaultMaxSessions = 100
)

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// Registry maps session ids to live sessions. It is partitioned into shards
// so that lookups on the audio path of unrelated sessions do not contend.
type Registry struct {
	shards      []*shard
	maxSessions int
	count       atomic.Int64
	now         func() time.Time
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithShards(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.shards = make([]*shard, n)
		}
	}
}

// WithMaxSessions caps concurrent sessions. Zero or less disables the cap.
func WithMaxSessions(n int) Option {
	return func(r *Registry) { r.maxSessions = n }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		shards:      make([]*shard, DefaultShards),
		maxSessions: DefaultMaxSessions,
		now:         time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	for i := range r.shards {
		r.shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	return r
}

func (r *Registry) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

func (r *Registry) reserve() bool {
	for {
		n := r.count.Load()
		if r.maxSessions > 0 && n >= int64(r.maxSessions) {
			return false
		}
		if r.count.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Create registers a fully built session. The session becomes visible to Get
// only when Create returns successfully.
func (r *Registry) Create(p Params) (*Session, error) {
	if !r.reserve() {
		return nil, ErrCapacityExceeded
	}

	sh := r.shardFor(p.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.sessions[p.ID]; ok {
		r.count.Add(-1)
		return nil, ErrDuplicateSession
	}
	s := newSession(p, r.now())
	sh.sessions[p.ID] = s
	return s, nil
}

func (r *Registry) Get(id string) (*Session, error) {
	sh := r.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	s, ok := sh.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (r *Registry) Touch(id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	s.touch(r.now())
	return nil
}

// Remove detaches the session. Exactly one concurrent caller receives it.
func (r *Registry) Remove(id string) (*Session, error) {
	sh := r.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	s, ok := sh.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(sh.sessions, id)
	r.count.Add(-1)
	return s, nil
}

// SweepIdle removes and returns every session idle for longer than maxIdle.
func (r *Registry) SweepIdle(maxIdle time.Duration) []*Session {
	cutoff := r.now().Add(-maxIdle).UnixNano()

	var swept []*Session
	for _, sh := range r.shards {
		sh.mu.Lock()
		for id, s := range sh.sessions {
			if s.lastActivity.Load() < cutoff {
				delete(sh.sessions, id)
				r.count.Add(-1)
				swept = append(swept, s)
			}
		}
		sh.mu.Unlock()
	}
	return swept
}

func (r *Registry) Len() int { return int(r.count.Load()) }

// Snapshot lists live sessions ordered by creation time.
func (r *Registry) Snapshot() []*Session {
	var out []*Session
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, s := range sh.sessions {
			out = append(out, s)
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
