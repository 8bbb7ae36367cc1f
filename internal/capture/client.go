package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/seva-arogya/livescribe/internal/audio"
	"github.com/seva-arogya/livescribe/internal/metrics"
	"github.com/seva-arogya/livescribe/internal/realtime"
	"github.com/sirupsen/logrus"
)

var (
	ErrServerShutdown = errors.New("capture: server shutting down")
	ErrEndTimeout     = errors.New("capture: timed out waiting for session_complete")

	errBadFrame = errors.New("capture: malformed server frame")
)

type ClientConfig struct {
	URL      string
	Token    string
	Quality  audio.Quality
	Language string

	ChunkDuration time.Duration
	QueueSize     int

	AckTimeout   time.Duration
	EndTimeout   time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	// OnMessage receives every server message other than session_ack.
	OnMessage func(msg realtime.ServerMessage)

	Logger  *logrus.Logger
	Metrics *metrics.Metrics
}

func (c *ClientConfig) setDefaults() {
	if c.Quality == "" {
		c.Quality = audio.QualityMedium
	}
	if c.ChunkDuration <= 0 {
		c.ChunkDuration = 250 * time.Millisecond
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1200
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 15 * time.Second
	}
	if c.EndTimeout <= 0 {
		c.EndTimeout = 2 * time.Minute
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 75 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = 500 * time.Millisecond
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
}

// Client streams captured audio to a scribe server. Each connection carries
// one server session; after a disconnect the client reconnects and starts a
// new session, replaying frames captured in between.
type Client struct {
	cfg       ClientConfig
	log       *logrus.Entry
	dialer    *websocket.Dialer
	transport *Transport
	framer    *Framer

	mu          sync.Mutex
	sessionID   string
	completions []realtime.ServerMessage
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("capture: server url is required")
	}
	cfg.setDefaults()

	c := &Client{
		cfg:       cfg,
		log:       cfg.Logger.WithField("component", "capture"),
		dialer:    &websocket.Dialer{HandshakeTimeout: cfg.AckTimeout},
		transport: NewTransport(cfg.QueueSize, cfg.Metrics),
	}
	c.framer = NewFramer(cfg.Quality.FrameBytes(cfg.ChunkDuration), func(frame []byte) {
		c.transport.Submit(frame)
	})
	return c, nil
}

// Write feeds raw device PCM into the pipeline. Safe to call from a device
// callback.
func (c *Client) Write(pcm []byte) { c.framer.Write(pcm) }

func (c *Client) Transport() *Transport { return c.transport }

func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Completions returns the session_complete messages received so far.
func (c *Client) Completions() []realtime.ServerMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]realtime.ServerMessage(nil), c.completions...)
}

func (c *Client) deliver(msg realtime.ServerMessage) {
	if c.cfg.OnMessage != nil {
		c.cfg.OnMessage(msg)
	}
}

// Run connects and keeps reconnecting with exponential backoff until ctx is
// done. On cancellation the current session is ended gracefully.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.ReconnectMin
	for {
		acked, err := c.runOnce(ctx)
		if ctx.Err() != nil {
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			if n := c.transport.Pending(); n > 0 {
				c.log.WithField("pending_frames", n).Warn("stopped with unsent frames")
			}
			return nil
		}
		if acked {
			backoff = c.cfg.ReconnectMin
		}
		c.log.WithError(err).WithFields(logrus.Fields{
			"retry_in":       backoff.String(),
			"pending_frames": c.transport.Pending(),
		}).Warn("stream disconnected")

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		backoff *= 2
		if backoff > c.cfg.ReconnectMax {
			backoff = c.cfg.ReconnectMax
		}
	}
}

// runOnce drives a single connection. acked reports whether the server
// acknowledged a session on it.
func (c *Client) runOnce(ctx context.Context) (acked bool, err error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("dial %s: %w (status %d)", c.cfg.URL, err, resp.StatusCode)
		}
		return false, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	defer conn.Close()

	w := &wsWriter{conn: conn, timeout: c.cfg.WriteTimeout}
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		err := w.control(websocket.PongMessage, []byte(data))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	if err := w.write(realtime.ClientMessage{
		Type:     realtime.TypeSessionStart,
		Quality:  string(c.cfg.Quality),
		Language: c.cfg.Language,
	}); err != nil {
		return false, err
	}

	stopAck := context.AfterFunc(ctx, func() { _ = conn.Close() })
	ack, err := c.awaitAck(conn)
	stopAck()
	if err != nil {
		return false, err
	}
	sid := ack.SessionID
	c.mu.Lock()
	c.sessionID = sid
	c.mu.Unlock()
	log := c.log.WithField("session_id", sid)
	log.WithField("sample_rate", ack.SampleRate).Info("session acknowledged")

	readErr := make(chan error, 1)
	complete := make(chan realtime.ServerMessage, 1)
	go c.readLoop(conn, sid, readErr, complete)

	sent, err := c.transport.Connected(&wsSender{w: w, sessionID: sid})
	if sent > 0 {
		log.WithField("frames", sent).Info("replayed buffered frames")
	}
	if err != nil {
		c.transport.Disconnected()
		return true, err
	}

	select {
	case err := <-readErr:
		c.transport.Disconnected()
		return true, err
	case <-ctx.Done():
		err := c.end(w, sid, readErr, complete)
		c.transport.Disconnected()
		return true, err
	}
}

func (c *Client) awaitAck(conn *websocket.Conn) (realtime.ServerMessage, error) {
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.AckTimeout))
	for {
		msg, err := readServerMessage(conn)
		if err != nil {
			return msg, err
		}
		switch msg.Type {
		case realtime.TypeSessionAck:
			_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
			return msg, nil
		case realtime.TypeError:
			c.deliver(msg)
			if msg.ErrorPayload != nil {
				return msg, fmt.Errorf("session start: %s: %s", msg.Code, msg.Message)
			}
			return msg, errors.New("session start failed")
		default:
			c.deliver(msg)
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn, sid string, errc chan<- error, complete chan<- realtime.ServerMessage) {
	for {
		msg, err := readServerMessage(conn)
		if err != nil {
			if errors.Is(err, errBadFrame) {
				c.log.WithError(err).Debug("ignoring malformed server frame")
				continue
			}
			errc <- err
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		switch msg.Type {
		case realtime.TypeSessionComplete:
			c.mu.Lock()
			c.completions = append(c.completions, msg)
			c.mu.Unlock()
			c.deliver(msg)
			select {
			case complete <- msg:
			default:
			}
		case realtime.TypeServerShutdown:
			c.deliver(msg)
			errc <- ErrServerShutdown
			return
		case realtime.TypeError:
			c.deliver(msg)
			if msg.ErrorPayload == nil || msg.Recoverable {
				continue
			}
			if msg.SessionID == "" || msg.SessionID == sid {
				// the server session is gone; reconnect for a new one
				errc <- fmt.Errorf("session %s: %s: %s", sid, msg.Code, msg.Message)
				return
			}
		default:
			c.deliver(msg)
		}
	}
}

// end flushes the tail frame, sends session_end and waits for the server to
// confirm.
func (c *Client) end(w *wsWriter, sid string, readErr <-chan error, complete <-chan realtime.ServerMessage) error {
	c.framer.Flush()
	dctx, cancel := context.WithTimeout(context.Background(), c.cfg.EndTimeout)
	err := c.transport.Drain(dctx)
	cancel()
	if err != nil {
		c.log.WithError(err).Warn("audio not fully sent before session end")
	}
	if n := c.transport.Pending(); n > 0 {
		c.log.WithField("pending_frames", n).Warn("ending session with unsent frames")
	}
	if err := w.write(realtime.ClientMessage{Type: realtime.TypeSessionEnd, SessionID: sid}); err != nil {
		return err
	}

	t := time.NewTimer(c.cfg.EndTimeout)
	defer t.Stop()
	select {
	case msg := <-complete:
		c.log.WithFields(logrus.Fields{
			"session_id":   sid,
			"duration_s":   durationOf(msg),
			"artifact_ref": artifactOf(msg),
		}).Info("session complete")
	case err := <-readErr:
		return err
	case <-t.C:
		return ErrEndTimeout
	}
	_ = w.control(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return nil
}

func durationOf(msg realtime.ServerMessage) float64 {
	if msg.CompletePayload == nil {
		return 0
	}
	return msg.DurationSeconds
}

func artifactOf(msg realtime.ServerMessage) string {
	if msg.CompletePayload == nil {
		return ""
	}
	return msg.ArtifactRef
}

func readServerMessage(conn *websocket.Conn) (realtime.ServerMessage, error) {
	var msg realtime.ServerMessage
	_, data, err := conn.ReadMessage()
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", errBadFrame, err)
	}
	return msg, nil
}

// wsWriter serialises writes; gorilla allows one concurrent writer.
type wsWriter struct {
	conn    *websocket.Conn
	timeout time.Duration
	mu      sync.Mutex
}

func (w *wsWriter) write(msg realtime.ClientMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	return w.conn.WriteJSON(msg)
}

func (w *wsWriter) control(kind int, data []byte) error {
	return w.conn.WriteControl(kind, data, time.Now().Add(w.timeout))
}

type wsSender struct {
	w         *wsWriter
	sessionID string
}

func (s *wsSender) SendFrame(f Frame) error {
	return s.w.write(realtime.ClientMessage{
		Type:      realtime.TypeAudioChunk,
		SessionID: s.sessionID,
		AudioData: f.Data,
		ChunkID:   f.Seq,
	})
}
