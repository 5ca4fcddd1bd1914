// ABOUTME: Tests for capture sharing, fan-out, and teardown in the recording hub
// ABOUTME: Uses stub pipes and subscribers so no subprocess is spawned
package hub

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pipecast/pipecast-go/internal/format"
	"github.com/pipecast/pipecast-go/internal/pipe"
)

type stubPipe struct {
	data   chan []byte
	events chan pipe.Event

	mu         sync.Mutex
	finished   bool
	terminated bool
}

func newStubPipe() *stubPipe {
	return &stubPipe{
		data:   make(chan []byte, 16),
		events: make(chan pipe.Event, 1),
	}
}

func (p *stubPipe) Data() <-chan []byte       { return p.data }
func (p *stubPipe) Events() <-chan pipe.Event { return p.events }

func (p *stubPipe) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finished = true
}

func (p *stubPipe) Terminate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.terminated {
		p.terminated = true
		close(p.data)
		p.events <- pipe.Event{Type: pipe.Exited, ExitCode: 0}
	}
}

func (p *stubPipe) stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finished && p.terminated
}

// fail ends the stream the way a dying subprocess does: data closes,
// then the single lifecycle event arrives.
func (p *stubPipe) fail() {
	close(p.data)
	p.events <- pipe.Event{Type: pipe.Failed, ExitCode: 1, Err: errors.New("device gone")}
}

type stubSubscriber struct {
	id       string
	writable bool

	mu     sync.Mutex
	chunks [][]byte
	errs   []string
}

func (s *stubSubscriber) ID() string { return s.id }

func (s *stubSubscriber) Send(chunk []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.writable {
		return false
	}
	s.chunks = append(s.chunks, chunk)
	return true
}

func (s *stubSubscriber) Error(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, reason)
}

func (s *stubSubscriber) received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

func (s *stubSubscriber) errored() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.errs)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSingleCaptureSharedAcrossSubscribers(t *testing.T) {
	p := newStubPipe()
	spawns := 0
	h := New(Config{Spawn: func(format.Format) (CapturePipe, error) {
		spawns++
		return p, nil
	}})

	a := &stubSubscriber{id: "a", writable: true}
	b := &stubSubscriber{id: "b", writable: true}

	if err := h.Subscribe(a, format.Default()); err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	if err := h.Subscribe(b, format.Default()); err != nil {
		t.Fatalf("subscribe b: %v", err)
	}
	if spawns != 1 {
		t.Fatalf("spawns = %d, want 1", spawns)
	}

	p.data <- []byte{1}
	p.data <- []byte{2}

	waitFor(t, "both subscribers to receive", func() bool {
		return a.received() == 2 && b.received() == 2
	})

	h.Unsubscribe("a")
	if p.stopped() {
		t.Error("pipe stopped while a subscriber remained")
	}

	h.Unsubscribe("b")
	if !p.stopped() {
		t.Error("pipe not stopped after last unsubscribe")
	}
	if _, ok := h.ActiveFormat(); ok {
		t.Error("ActiveFormat reports a running capture after teardown")
	}
}

func TestSlowSubscriberSkippedNotBlocking(t *testing.T) {
	p := newStubPipe()
	h := New(Config{Spawn: func(format.Format) (CapturePipe, error) { return p, nil }})

	fast := &stubSubscriber{id: "fast", writable: true}
	slow := &stubSubscriber{id: "slow", writable: false}

	if err := h.Subscribe(fast, format.Default()); err != nil {
		t.Fatalf("subscribe fast: %v", err)
	}
	if err := h.Subscribe(slow, format.Default()); err != nil {
		t.Fatalf("subscribe slow: %v", err)
	}

	for i := 0; i < 5; i++ {
		p.data <- []byte{byte(i)}
	}

	waitFor(t, "fast subscriber to receive all chunks", func() bool {
		return fast.received() == 5
	})
	if slow.received() != 0 {
		t.Errorf("slow subscriber got %d chunks, want 0", slow.received())
	}
}

func TestFirstSubscriberFormatWins(t *testing.T) {
	p := newStubPipe()
	var spawned format.Format
	h := New(Config{Spawn: func(f format.Format) (CapturePipe, error) {
		spawned = f
		return p, nil
	}})

	first := format.Default()
	second := format.Default()
	second.SampleRate = 48000

	if err := h.Subscribe(&stubSubscriber{id: "a", writable: true}, first); err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	if err := h.Subscribe(&stubSubscriber{id: "b", writable: true}, second); err != nil {
		t.Fatalf("subscribe b: %v", err)
	}

	if spawned != first {
		t.Errorf("spawned format = %v, want first subscriber's %v", spawned, first)
	}
	if active, ok := h.ActiveFormat(); !ok || active != first {
		t.Errorf("ActiveFormat = %v ok=%v, want %v", active, ok, first)
	}
}

func TestSpawnErrorSurfacesToSubscriber(t *testing.T) {
	h := New(Config{Spawn: func(format.Format) (CapturePipe, error) {
		return nil, errors.New("no such device")
	}})

	err := h.Subscribe(&stubSubscriber{id: "a", writable: true}, format.Default())
	if err == nil {
		t.Fatal("expected subscribe error when spawn fails")
	}
	if h.Subscribers() != 0 {
		t.Errorf("subscribers = %d after failed spawn, want 0", h.Subscribers())
	}
}

func TestCaptureFailureNotifiesAndResets(t *testing.T) {
	first := newStubPipe()
	second := newStubPipe()
	pipes := []*stubPipe{first, second}
	spawns := 0
	h := New(Config{Spawn: func(format.Format) (CapturePipe, error) {
		p := pipes[spawns]
		spawns++
		return p, nil
	}})

	a := &stubSubscriber{id: "a", writable: true}
	b := &stubSubscriber{id: "b", writable: true}
	if err := h.Subscribe(a, format.Default()); err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	if err := h.Subscribe(b, format.Default()); err != nil {
		t.Fatalf("subscribe b: %v", err)
	}

	first.fail()

	waitFor(t, "subscribers to be notified of the failure", func() bool {
		return a.errored() == 1 && b.errored() == 1
	})
	if h.Subscribers() != 0 {
		t.Errorf("subscribers = %d after capture failure, want 0", h.Subscribers())
	}

	// The hub must recover: the next subscriber gets a fresh capture.
	if err := h.Subscribe(&stubSubscriber{id: "c", writable: true}, format.Default()); err != nil {
		t.Fatalf("subscribe after failure: %v", err)
	}
	if spawns != 2 {
		t.Errorf("spawns = %d after resubscribe, want 2", spawns)
	}
}
