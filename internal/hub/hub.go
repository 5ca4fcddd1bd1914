// ABOUTME: Recording hub sharing one capture subprocess across subscribers
// ABOUTME: Reference-counts subscriptions and fans captured chunks out to all of them
package hub

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pipecast/pipecast-go/internal/format"
	"github.com/pipecast/pipecast-go/internal/pipe"
)

// Subscriber is one recording connection's receive side. Send must be
// non-blocking and return false when the subscriber is not currently
// writable; the hub then skips it for that chunk. Error notifies the
// subscriber that the capture stream failed.
type Subscriber interface {
	ID() string
	Send(chunk []byte) bool
	Error(reason string)
}

// CapturePipe is the hub's view of the capture subprocess.
// *pipe.Pipe satisfies it; tests substitute stubs.
type CapturePipe interface {
	Data() <-chan []byte
	Events() <-chan pipe.Event
	Finish()
	Terminate()
}

// Config wires the hub's collaborators.
type Config struct {
	// Spawn starts the capture pipe for a validated format.
	Spawn func(format.Format) (CapturePipe, error)

	Logger *slog.Logger
}

// Hub owns at most one capture subprocess, created lazily for the first
// subscriber and torn down when the last one leaves. Every captured
// chunk is broadcast to the whole subscriber set; a slow subscriber is
// skipped for that chunk and never delays the others.
type Hub struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[string]Subscriber
	pipe   CapturePipe
	format format.Format
	gen    int
}

// New creates an empty hub.
func New(cfg Config) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:    cfg,
		logger: logger,
		subs:   make(map[string]Subscriber),
	}
}

// Subscribe registers sub for capture chunks. The first subscriber's
// format decides the capture subprocess arguments; later subscribers
// join the running stream as-is, even if they asked for something else.
func (h *Hub) Subscribe(sub Subscriber, f format.Format) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.pipe == nil {
		p, err := h.cfg.Spawn(f)
		if err != nil {
			return fmt.Errorf("start capture subprocess: %w", err)
		}
		h.pipe = p
		h.format = f
		h.gen++
		go h.pump(p, h.gen)
		h.logger.Info("capture subprocess started", "format", f.String())
	} else if f != h.format {
		h.logger.Warn("subscriber format differs from active capture, reusing active format",
			"requested", f.String(), "active", h.format.String())
	}

	h.subs[sub.ID()] = sub
	h.logger.Info("recording subscriber added", "id", sub.ID(), "subscribers", len(h.subs))
	return nil
}

// Unsubscribe removes a subscriber. When the set becomes empty the
// capture subprocess is stopped so idle periods cost nothing.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[id]; !ok {
		return
	}
	delete(h.subs, id)
	h.logger.Info("recording subscriber removed", "id", id, "subscribers", len(h.subs))

	if len(h.subs) == 0 && h.pipe != nil {
		h.stopPipeLocked()
	}
}

// ActiveFormat reports the format of the running capture stream, if any.
func (h *Hub) ActiveFormat() (format.Format, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.format, h.pipe != nil
}

// Subscribers reports the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// pump forwards capture chunks to the subscriber set until the pipe
// ends. gen guards against acting on a pipe the hub already replaced.
func (h *Hub) pump(p CapturePipe, gen int) {
	for chunk := range p.Data() {
		h.broadcast(chunk)
	}

	ev := <-p.Events()

	h.mu.Lock()
	if gen != h.gen || h.pipe == nil {
		// The hub already tore this pipe down; nothing to report.
		h.mu.Unlock()
		return
	}
	subs := h.drainSubscribersLocked()
	h.mu.Unlock()

	// The tool ended while subscribers were still attached: surface it
	// to every one of them as a stream error and reset.
	reason := "capture subprocess ended"
	if ev.Type == pipe.Failed {
		reason = "capture subprocess failed"
	}
	h.logger.Error("capture stream lost", "type", ev.Type.String(), "code", ev.ExitCode, "err", ev.Err,
		"subscribers", len(subs))
	for _, sub := range subs {
		sub.Error(reason)
	}
}

// broadcast delivers one chunk to every subscriber, fire-and-forget.
// The hub lock serializes delivery against subscribe/unsubscribe, so
// the set never mutates mid-broadcast.
func (h *Hub) broadcast(chunk []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, sub := range h.subs {
		if !sub.Send(chunk) {
			h.logger.Debug("subscriber not writable, skipping chunk", "id", id)
		}
	}
}

func (h *Hub) stopPipeLocked() {
	h.pipe.Finish()
	h.pipe.Terminate()
	h.pipe = nil
	h.gen++
	h.logger.Info("capture subprocess stopped")
}

func (h *Hub) drainSubscribersLocked() []Subscriber {
	subs := make([]Subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[string]Subscriber)
	h.pipe = nil
	h.gen++
	return subs
}
