package transport

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// MediaSession is the slice of a call session the transport drives.
type MediaSession interface {
	Answered()
	HandleMedia(ulaw []byte)
	Finalize(reason string)
}

// SessionFactory builds a session for a newly started media stream. The
// sender is already bound to the connection so the factory can wire playback
// callbacks to it.
type SessionFactory func(start StartPayload, sender *Sender) (MediaSession, error)

// HandlerConfig holds the shared collaborators for all media connections.
type HandlerConfig struct {
	NewSession    SessionFactory
	MaxConcurrent int
	PingInterval  time.Duration // heartbeat probe; read deadline is 2x this
}

// Handler upgrades media websocket connections and pumps their messages,
// with admission control at MaxConcurrent calls.
type Handler struct {
	cfg HandlerConfig
	sem chan struct{}
}

// NewHandler creates a media handler with a concurrency limit.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 100
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	return &Handler{cfg: cfg, sem: make(chan struct{}, cfg.MaxConcurrent)}
}

// ServeHTTP upgrades the connection and runs the media loop until the stream
// stops or the connection drops. Returns 503 at capacity.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	h.runConnection(conn)
}

// runConnection consumes inbound messages in arrival order on this goroutine
// while a ticker goroutine keeps the heartbeat going.
func (h *Handler) runConnection(conn *websocket.Conn) {
	readDeadline := 2 * h.cfg.PingInterval
	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	sender := NewSender(conn)
	done := make(chan struct{})
	defer close(done)
	go h.heartbeat(sender, done)

	var sess MediaSession
	defer func() {
		if sess != nil {
			sess.Finalize("transport closed")
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readDeadline))

		// Binary frames are raw mu-law media; no envelope to parse.
		if msgType == websocket.BinaryMessage {
			if sess != nil {
				sess.HandleMedia(data)
			}
			continue
		}
		if msgType != websocket.TextMessage {
			continue
		}

		msg, err := DecodeMessage(data)
		if err != nil {
			slog.Warn("bad media frame", "error", err)
			continue
		}

		switch msg.Event {
		case EventStart:
			if sess != nil {
				slog.Warn("duplicate start", "callId", msg.Start.CallID)
				continue
			}
			s, err := h.startSession(*msg.Start, sender)
			if err != nil {
				slog.Error("start session", "error", err, "callId", msg.Start.CallID)
				return
			}
			sess = s
		case EventMedia:
			if sess == nil {
				continue
			}
			audio, err := msg.Media.AudioBytes()
			if err != nil {
				slog.Warn("bad media payload", "error", err)
				continue
			}
			sess.HandleMedia(audio)
		case EventStop:
			if sess != nil {
				sess.Finalize("stop message")
				sess = nil
			}
			return
		case EventCheckpoint:
			// Remote acknowledged a playback boundary; nothing to do.
		}
	}
}

func (h *Handler) startSession(start StartPayload, sender *Sender) (MediaSession, error) {
	if start.CallID == "" {
		start.CallID = uuid.NewString()
	}
	sess, err := h.cfg.NewSession(start, sender)
	if err != nil {
		return nil, fmt.Errorf("session factory: %w", err)
	}
	slog.Info("media stream started", "callId", start.CallID,
		"direction", start.Direction, "language", start.Language)
	// Inbound calls are live the moment the stream opens; outbound calls
	// are greeted from the answered webhook instead.
	if start.Direction != "outbound" {
		sess.Answered()
	}
	return sess, nil
}

func (h *Handler) heartbeat(sender *Sender, done chan struct{}) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := sender.Ping(); err != nil {
				return
			}
		}
	}
}

// Sender serializes all writes to one connection. Playback callbacks and the
// heartbeat goroutine share it.
type Sender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewSender wraps a connection for concurrent writers.
func NewSender(conn *websocket.Conn) *Sender {
	return &Sender{conn: conn}
}

func (s *Sender) writeText(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// PlayAudio sends one encoded mu-law frame for immediate playout.
func (s *Sender) PlayAudio(frame []byte) {
	data, err := EncodePlayAudio(frame)
	if err != nil {
		return
	}
	if err := s.writeText(data); err != nil {
		slog.Debug("write playAudio", "error", err)
	}
}

// ClearAudio tells the remote endpoint to drop its buffered playback.
func (s *Sender) ClearAudio() {
	data, err := EncodeClearAudio()
	if err != nil {
		return
	}
	if err := s.writeText(data); err != nil {
		slog.Debug("write clearAudio", "error", err)
	}
}

// Checkpoint marks an utterance boundary in the outbound stream.
func (s *Sender) Checkpoint() {
	data, err := EncodeCheckpoint(uuid.NewString())
	if err != nil {
		return
	}
	if err := s.writeText(data); err != nil {
		slog.Debug("write checkpoint", "error", err)
	}
}

// Ping sends a heartbeat probe.
func (s *Sender) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}
