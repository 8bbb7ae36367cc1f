package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Conn is a live client connection as seen by the hub.
type Conn interface {
	ID() string
	Send(msg ServerMessage) error
	// Ping sends a transport-level keepalive.
	Ping() error
}

// Hub tracks live connections for heartbeats, notifications and shutdown
// broadcasts.
type Hub struct {
	log *logrus.Logger

	mu    sync.RWMutex
	conns map[string]Conn
}

func NewHub(log *logrus.Logger) *Hub {
	if log == nil {
		log = logrus.New()
	}
	return &Hub{log: log, conns: make(map[string]Conn)}
}

func (h *Hub) Register(c Conn) {
	h.mu.Lock()
	h.conns[c.ID()] = c
	h.mu.Unlock()
}

func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) snapshot() []Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Conn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

// Notify sends msg to one connection. Unknown ids are ignored.
func (h *Hub) Notify(connID string, msg ServerMessage) {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	if err := c.Send(msg); err != nil {
		h.log.WithError(err).WithField("conn_id", connID).Debug("notify failed")
	}
}

func (h *Hub) Broadcast(msg ServerMessage) {
	for _, c := range h.snapshot() {
		if err := c.Send(msg); err != nil {
			h.log.WithError(err).WithField("conn_id", c.ID()).Debug("broadcast failed")
		}
	}
}

// Heartbeat pings every connection and sends a heartbeat event.
func (h *Hub) Heartbeat(now time.Time) {
	msg := ServerMessage{Type: TypeHeartbeat, Timestamp: unixSeconds(now)}
	for _, c := range h.snapshot() {
		if err := c.Ping(); err != nil {
			h.log.WithError(err).WithField("conn_id", c.ID()).Debug("ping failed")
			continue
		}
		_ = c.Send(msg)
	}
}

// RunHeartbeat calls Heartbeat every interval until ctx is done.
func (h *Hub) RunHeartbeat(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			h.Heartbeat(now)
		}
	}
}
