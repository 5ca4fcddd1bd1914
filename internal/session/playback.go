// ABOUTME: Per-connection playback session state machine
// ABOUTME: Forwards PCM chunks to a render pipe and detects drain completion by timing
package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pipecast/pipecast-go/internal/format"
	"github.com/pipecast/pipecast-go/internal/pipe"
)

// WebSocket close codes used on session teardown (RFC 6455 values).
const (
	CloseNormal        = 1000
	CloseProtocolError = 1002
	CloseInternalError = 1011
)

// Timing defaults for the drain heuristic and teardown grace window.
const (
	DefaultDrainInterval = 200 * time.Millisecond
	DefaultSafetyMargin  = 150 * time.Millisecond
	DefaultCloseGrace    = 100 * time.Millisecond
)

// Conn is the session's view of its network connection: the ability to
// close it with a status code and reason. Implementations must tolerate
// concurrent calls and calls after the peer is gone.
type Conn interface {
	Close(code int, reason string)
}

// RenderPipe is the session's view of its subprocess pipe.
// *pipe.Pipe satisfies it; tests substitute stubs.
type RenderPipe interface {
	Submit(b []byte) bool
	Drain() <-chan struct{}
	Events() <-chan pipe.Event
	Finish()
	Terminate()
}

// Config wires a playback session's collaborators and timing.
type Config struct {
	// Spawn starts the render pipe for a validated format.
	Spawn func(format.Format) (RenderPipe, error)

	DrainInterval time.Duration
	SafetyMargin  time.Duration
	CloseGrace    time.Duration

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.DrainInterval <= 0 {
		c.DrainInterval = DefaultDrainInterval
	}
	if c.SafetyMargin <= 0 {
		c.SafetyMargin = DefaultSafetyMargin
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = DefaultCloseGrace
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type state int

const (
	statePending state = iota
	stateActive
	stateClosing
	stateClosed
)

// Playback relays one connection's PCM stream into one render pipe.
//
// The first frame must be a text config message; every later frame must
// be binary PCM. Because render tools buffer ahead of the hardware and
// their exit lags actual audio completion, the session declares playback
// finished by comparing wall-clock time since the first write against
// the duration of audio submitted so far plus a safety margin.
type Playback struct {
	conn   Conn
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	state      state
	pipe       RenderPipe
	format     format.Format
	queued     time.Duration
	firstWrite time.Time

	done chan struct{}
}

// New creates a playback session in the pending state.
func New(conn Conn, cfg Config) *Playback {
	cfg = cfg.withDefaults()
	return &Playback{
		conn:   conn,
		cfg:    cfg,
		logger: cfg.Logger,
		state:  statePending,
		done:   make(chan struct{}),
	}
}

// HandleText processes a text frame. In the pending state it is the
// configuration message; while active, text frames are protocol
// violations that are logged and ignored.
func (s *Playback) HandleText(data []byte) {
	s.mu.Lock()
	switch s.state {
	case statePending:
	case stateActive:
		s.mu.Unlock()
		s.logger.Warn("ignoring text frame during active playback")
		return
	default:
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	f, err := format.Parse(data)
	if err != nil {
		s.logger.Warn("rejecting playback config", "err", err)
		s.close(CloseProtocolError, err.Error())
		return
	}

	p, err := s.cfg.Spawn(f)
	if err != nil {
		s.logger.Error("failed to start render subprocess", "format", f.String(), "err", err)
		s.close(CloseInternalError, fmt.Sprintf("playback unavailable: %v", err))
		return
	}

	s.mu.Lock()
	if s.state != statePending {
		// Closed while spawning.
		s.mu.Unlock()
		p.Terminate()
		return
	}
	s.pipe = p
	s.format = f
	s.state = stateActive
	s.mu.Unlock()

	s.logger.Info("playback session active", "format", f.String())
	go s.monitor(p)
}

// HandleBinary processes a binary PCM frame. A binary frame before the
// configuration message rejects the connection without spawning
// anything. Under backpressure the call blocks until the pipe drains,
// which defers further reads from this connection.
func (s *Playback) HandleBinary(data []byte) {
	s.mu.Lock()
	switch s.state {
	case statePending:
		s.mu.Unlock()
		s.logger.Warn("binary frame before configuration")
		s.close(CloseProtocolError, "first message must be a format config")
		return
	case stateActive:
	default:
		s.mu.Unlock()
		return
	}
	p := s.pipe
	s.mu.Unlock()

	for !p.Submit(data) {
		select {
		case <-p.Drain():
			// Queue has space again; resubmit the same chunk so no
			// data is lost or reordered across the episode.
		case <-s.done:
			return
		}
	}

	s.mu.Lock()
	if s.firstWrite.IsZero() {
		s.firstWrite = time.Now()
	}
	s.queued += s.format.Duration(len(data))
	s.mu.Unlock()
}

// ConnClosed tells the session its connection is gone. The pipe gets a
// finish-then-terminate teardown so buffered audio may finish rendering
// within the grace window.
func (s *Playback) ConnClosed() {
	s.close(0, "")
}

// Closed reports whether the session reached a terminal state; the
// returned channel is closed on that transition.
func (s *Playback) Closed() <-chan struct{} {
	return s.done
}

// monitor owns the drain-heuristic timer and the pipe's event channel.
func (s *Playback) monitor(p RenderPipe) {
	ticker := time.NewTicker(s.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-p.Events():
			if ev.Type == pipe.Failed {
				s.logger.Error("render subprocess failed", "code", ev.ExitCode, "err", ev.Err)
				s.close(CloseInternalError, "playback subprocess failed")
			} else {
				s.close(CloseNormal, "playback complete")
			}
			return
		case <-ticker.C:
			if s.drained() {
				s.logger.Info("playback drained", "queued", s.queuedDuration())
				s.close(CloseNormal, "playback complete")
				return
			}
		case <-s.done:
			return
		}
	}
}

// drained applies the completion heuristic: all submitted audio has had
// time to render once elapsed wall time reaches the queued duration
// plus the safety margin.
func (s *Playback) drained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firstWrite.IsZero() {
		return false
	}
	return time.Since(s.firstWrite) >= s.queued+s.cfg.SafetyMargin
}

func (s *Playback) queuedDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queued
}

// close performs the closing -> closed transition exactly once. A zero
// code means the connection is already gone and only the pipe needs
// tearing down.
func (s *Playback) close(code int, reason string) {
	s.mu.Lock()
	if s.state == stateClosing || s.state == stateClosed {
		s.mu.Unlock()
		return
	}
	p := s.pipe
	s.state = stateClosing
	s.mu.Unlock()

	close(s.done)

	if code != 0 {
		s.conn.Close(code, reason)
	}

	if p != nil {
		p.Finish()
		time.AfterFunc(s.cfg.CloseGrace, p.Terminate)
	}

	s.mu.Lock()
	s.state = stateClosed
	s.mu.Unlock()
}
