// ABOUTME: WebSocket endpoint router for the PCM relay server
// ABOUTME: Dispatches /play to playback sessions and /rec to the recording hub
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pipecast/pipecast-go/internal/discovery"
	"github.com/pipecast/pipecast-go/internal/format"
	"github.com/pipecast/pipecast-go/internal/hub"
	"github.com/pipecast/pipecast-go/internal/pipe"
	"github.com/pipecast/pipecast-go/internal/session"
)

const (
	// PlayPath accepts playback connections: one text config frame,
	// then binary PCM chunks.
	PlayPath = "/play"

	// RecPath accepts recording connections: one text config frame,
	// then the server pushes binary capture chunks.
	RecPath = "/rec"

	writeDeadline = 10 * time.Second
	pingInterval  = 30 * time.Second
	sendBuffer    = 64
)

// Config holds server configuration.
type Config struct {
	Port int
	Name string

	// RenderTool and CaptureTool are the OS audio commands invoked for
	// playback and capture (aplay/arecord compatible argument contract).
	RenderTool  string
	CaptureTool string

	EnableMDNS bool
	UseTUI     bool

	// Drain heuristic and teardown timing; zero values take the
	// session package defaults.
	DrainInterval time.Duration
	SafetyMargin  time.Duration
	CloseGrace    time.Duration
}

// Server relays PCM audio between WebSocket connections and the host's
// audio tooling.
type Server struct {
	config   Config
	serverID string
	logger   *slog.Logger

	upgrader   websocket.Upgrader
	httpServer *http.Server
	mux        *http.ServeMux

	hub *hub.Hub

	// Spawn indirection for the subprocess pipes; tests substitute
	// these before Start.
	renderSpawn  func(format.Format) (session.RenderPipe, error)
	captureSpawn func(format.Format) (hub.CapturePipe, error)

	sessionsMu   sync.RWMutex
	playSessions map[string]string // session ID -> remote address

	mdnsManager *discovery.Manager

	tui       *TUI
	startTime time.Time

	stopChan   chan struct{}
	stopOnce   sync.Once
	shutdownMu sync.RWMutex
	isShutdown bool
	wg         sync.WaitGroup
}

// New creates a server instance.
func New(config Config, logger *slog.Logger) *Server {
	if config.RenderTool == "" {
		config.RenderTool = "aplay"
	}
	if config.CaptureTool == "" {
		config.CaptureTool = "arecord"
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:   config,
		serverID: uuid.New().String(),
		logger:   logger,
		mux:      http.NewServeMux(),
		upgrader: websocket.Upgrader{
			// Trusted local networks only; non-browser clients send no
			// Origin header at all.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		playSessions: make(map[string]string),
		startTime:    time.Now(),
		stopChan:     make(chan struct{}),
	}

	s.renderSpawn = func(f format.Format) (session.RenderPipe, error) {
		return pipe.StartRender(pipe.RenderSpec(config.RenderTool, f), pipe.Options{Logger: logger})
	}
	s.captureSpawn = func(f format.Format) (hub.CapturePipe, error) {
		return pipe.StartCapture(pipe.CaptureSpec(config.CaptureTool, f), pipe.Options{Logger: logger})
	}

	s.hub = hub.New(hub.Config{
		Spawn:  func(f format.Format) (hub.CapturePipe, error) { return s.captureSpawn(f) },
		Logger: logger,
	})

	return s
}

// Start runs the server until Stop is called or the listener fails.
func (s *Server) Start() error {
	if s.config.UseTUI {
		s.tui = NewTUI()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.tui.Start(s.config.Name, s.config.Port); err != nil {
				s.logger.Error("TUI error", "err", err)
			}
		}()
	}

	s.logger.Info("server starting", "name", s.config.Name, "id", s.serverID,
		"render", s.config.RenderTool, "capture", s.config.CaptureTool)

	if s.config.EnableMDNS {
		s.mdnsManager = discovery.NewManager(discovery.Config{
			ServiceName: s.config.Name,
			Port:        s.config.Port,
		}, s.logger)

		if err := s.mdnsManager.Advertise(); err != nil {
			s.logger.Warn("mDNS advertisement failed", "err", err)
		}
	}

	s.mux.HandleFunc(PlayPath, s.handlePlay)
	s.mux.HandleFunc(RecPath, s.handleRec)
	s.mux.HandleFunc("/", s.handleUnknown)

	addr := fmt.Sprintf(":%d", s.config.Port)
	s.logger.Info("listening", "addr", addr)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.mux,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	var tuiQuitChan <-chan struct{}
	if s.tui != nil {
		tuiQuitChan = s.tui.QuitChan()
	}

	var serverErr error
	select {
	case <-s.stopChan:
		s.logger.Info("shutting down")
	case <-tuiQuitChan:
		s.logger.Info("TUI quit requested, shutting down")
	case err := <-errChan:
		s.logger.Error("HTTP server error", "err", err)
		serverErr = err
	}

	s.shutdownMu.Lock()
	s.isShutdown = true
	s.shutdownMu.Unlock()

	if s.tui != nil {
		s.tui.Stop()
	}
	if s.mdnsManager != nil {
		s.mdnsManager.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("HTTP shutdown error", "err", err)
	}

	s.wg.Wait()
	s.logger.Info("server stopped")

	if serverErr != nil {
		return fmt.Errorf("HTTP server failed: %w", serverErr)
	}
	return nil
}

// Stop stops the server.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
}

func (s *Server) rejecting() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShutdown
}

// handleUnknown rejects connections to any path other than the two
// endpoints with a protocol-violation close.
func (s *Server) handleUnknown(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.NotFound(w, r)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.logger.Warn("rejecting connection to unknown path", "path", r.URL.Path, "remote", r.RemoteAddr)
	closeConn(conn, session.CloseProtocolError, "unknown endpoint")
}

// handlePlay owns one playback connection for its whole lifetime.
func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	if s.rejecting() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade error", "err", err)
		return
	}
	defer conn.Close()

	id := uuid.New().String()
	logger := s.logger.With("session", id, "remote", r.RemoteAddr)
	logger.Info("playback connection opened")

	sess := session.New(&wsCloser{conn: conn, logger: logger}, session.Config{
		Spawn:         func(f format.Format) (session.RenderPipe, error) { return s.renderSpawn(f) },
		DrainInterval: s.config.DrainInterval,
		SafetyMargin:  s.config.SafetyMargin,
		CloseGrace:    s.config.CloseGrace,
		Logger:        logger,
	})

	s.sessionsMu.Lock()
	s.playSessions[id] = r.RemoteAddr
	s.sessionsMu.Unlock()
	s.updateTUI()

	defer func() {
		s.sessionsMu.Lock()
		delete(s.playSessions, id)
		s.sessionsMu.Unlock()
		s.updateTUI()
		logger.Info("playback connection closed")
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("read error", "err", err)
			}
			sess.ConnClosed()
			return
		}

		switch msgType {
		case websocket.TextMessage:
			sess.HandleText(data)
		case websocket.BinaryMessage:
			sess.HandleBinary(data)
		}
	}
}

// handleRec owns one recording connection for its whole lifetime.
func (s *Server) handleRec(w http.ResponseWriter, r *http.Request) {
	if s.rejecting() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade error", "err", err)
		return
	}
	defer conn.Close()

	logger := s.logger.With("remote", r.RemoteAddr)

	// The first frame must be the text configuration message.
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		logger.Debug("read error before config", "err", err)
		return
	}
	if msgType != websocket.TextMessage {
		logger.Warn("binary frame before recording configuration")
		closeConn(conn, session.CloseProtocolError, "first message must be a format config")
		return
	}

	f, err := format.Parse(data)
	if err != nil {
		logger.Warn("rejecting recording config", "err", err)
		closeConn(conn, session.CloseProtocolError, err.Error())
		return
	}

	client := newRecClient(conn, logger)
	logger = logger.With("subscriber", client.ID())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		client.writeLoop()
	}()
	defer client.shutdown()

	if err := s.hub.Subscribe(client, f); err != nil {
		logger.Error("recording unavailable", "err", err)
		client.closeWith(session.CloseInternalError, fmt.Sprintf("recording unavailable: %v", err))
		return
	}
	logger.Info("recording subscriber active", "format", f.String())
	s.updateTUI()

	defer func() {
		s.hub.Unsubscribe(client.ID())
		s.updateTUI()
		logger.Info("recording connection closed")
	}()

	stopped := false
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		switch {
		case stopped:
			// Any frame after the stop request is a protocol violation.
			logger.Warn("message after stop request")
			client.closeWith(session.CloseProtocolError, "message after stop")
			return
		case msgType == websocket.TextMessage:
			logger.Info("stop requested", "request", string(data))
			s.hub.Unsubscribe(client.ID())
			s.updateTUI()
			stopped = true
		default:
			// Binary frames from a recording client are recoverable
			// protocol violations: logged, not fatal.
			logger.Warn("ignoring binary frame on recording connection", "bytes", len(data))
		}
	}
}

// wsCloser adapts a gorilla connection to the session.Conn interface.
// WriteControl is safe to call concurrently with the reader goroutine.
type wsCloser struct {
	conn   *websocket.Conn
	logger *slog.Logger
}

func (w *wsCloser) Close(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeDeadline)); err != nil {
		w.logger.Debug("close frame write failed", "err", err)
	}
	w.conn.Close()
}

func closeConn(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeDeadline))
	conn.Close()
}

// recClient is one recording subscriber: a bounded send queue drained
// by a dedicated writer goroutine, so a stalled peer never blocks the
// hub's broadcast.
type recClient struct {
	id     string
	conn   *websocket.Conn
	logger *slog.Logger

	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newRecClient(conn *websocket.Conn, logger *slog.Logger) *recClient {
	return &recClient{
		id:     uuid.New().String(),
		conn:   conn,
		logger: logger,
		sendCh: make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *recClient) ID() string {
	return c.id
}

// Send queues a capture chunk without blocking. False means the queue
// is full and the hub should skip this subscriber for the chunk.
func (c *recClient) Send(chunk []byte) bool {
	select {
	case c.sendCh <- chunk:
		return true
	default:
		return false
	}
}

// Error closes the connection with a stream-error code. Called by the
// hub when the capture subprocess fails.
func (c *recClient) Error(reason string) {
	c.closeWith(session.CloseInternalError, reason)
}

func (c *recClient) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeDeadline)); err != nil {
			c.logger.Debug("close frame write failed", "err", err)
		}
		c.conn.Close()
		close(c.done)
	})
}

// shutdown stops the writer goroutine without sending a close frame;
// used when the peer already closed the connection.
func (c *recClient) shutdown() {
	c.closeOnce.Do(func() {
		c.conn.Close()
		close(c.done)
	})
}

func (c *recClient) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case chunk := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				c.logger.Debug("capture chunk write failed", "err", err)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeDeadline)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
