package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/seva-arogya/livescribe/internal/metrics"
	"github.com/seva-arogya/livescribe/internal/realtime"
	"github.com/seva-arogya/livescribe/internal/utils"
	"github.com/sirupsen/logrus"
)

type WSOptions struct {
	ReadLimit int64
	PongWait  time.Duration
	WriteWait time.Duration
	// empty allows any origin
	AllowedOrigins []string
}

type WSHandler struct {
	engine   *realtime.Engine
	metrics  *metrics.Metrics
	log      *logrus.Logger
	opts     WSOptions
	upgrader websocket.Upgrader
}

func NewWSHandler(engine *realtime.Engine, m *metrics.Metrics, log *logrus.Logger, opts WSOptions) *WSHandler {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 1 << 20
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 75 * time.Second
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 10 * time.Second
	}
	if log == nil {
		log = logrus.New()
	}

	allowed := make(map[string]struct{}, len(opts.AllowedOrigins))
	for _, o := range opts.AllowedOrigins {
		allowed[o] = struct{}{}
	}
	return &WSHandler{
		engine:  engine,
		metrics: m,
		log:     log,
		opts:    opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				_, ok := allowed[r.Header.Get("Origin")]
				return ok
			},
		},
	}
}

// wsConn is the hub's view of one websocket. gorilla allows a single
// concurrent writer, so data frames go through mu.
type wsConn struct {
	id        string
	c         *websocket.Conn
	writeWait time.Duration
	mu        sync.Mutex
	closed    bool
}

func (w *wsConn) ID() string { return w.id }

func (w *wsConn) Send(msg realtime.ServerMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return websocket.ErrCloseSent
	}
	_ = w.c.SetWriteDeadline(time.Now().Add(w.writeWait))
	return w.c.WriteJSON(msg)
}

func (w *wsConn) Ping() error {
	return w.c.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.writeWait))
}

func (w *wsConn) close(code int, text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	_ = w.c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(w.writeWait))
}

// Stream serves GET /ws/stream. The connection's goroutine reads frames and
// drives the router; a disconnect finalizes any live session in the
// background.
func (h *WSHandler) Stream(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrade already wrote response in most cases
		return
	}
	defer conn.Close()

	wc := &wsConn{id: uuid.NewString(), c: conn, writeWait: h.opts.WriteWait}
	log := h.log.WithFields(logrus.Fields{"conn_id": wc.id, "user_id": userID})

	router, err := realtime.NewRouter(h.engine, wc.id, userID, wc.Send)
	if err != nil {
		log.WithError(err).Error("router init failed")
		wc.close(websocket.CloseInternalServerErr, "internal error")
		return
	}

	hub := h.engine.Hub()
	hub.Register(wc)
	h.metrics.Connections.Inc()
	defer func() {
		hub.Unregister(wc.id)
		h.metrics.Connections.Dec()
	}()
	defer router.Disconnect()

	conn.SetReadLimit(h.opts.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	})
	log.Info("stream connected")

	ctx := c.Request.Context()
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Info("stream closed unexpectedly")
			} else {
				log.Debug("stream closed")
			}
			return
		}
		// any frame proves the peer is alive
		_ = conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))

		if mt != websocket.TextMessage {
			_ = wc.Send(realtime.ServerMessage{
				Type: realtime.TypeError,
				ErrorPayload: &realtime.ErrorPayload{
					Code:        utils.CodeInvalidMessage,
					Message:     "binary frames are not supported; send JSON text frames",
					Recoverable: true,
				},
			})
			continue
		}
		router.Handle(ctx, data)
	}
}
