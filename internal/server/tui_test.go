// ABOUTME: Tests for the server TUI model
// ABOUTME: Drives the bubbletea model directly, no terminal required
package server

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

func TestTUIModelStatusUpdate(t *testing.T) {
	m := tuiModel{startTime: time.Now()}

	updated, _ := m.Update(statusMsg(Status{
		Name:          "living-room",
		Port:          8937,
		PlaySessions:  []string{"192.168.1.10:52000"},
		Subscribers:   2,
		CaptureFormat: "1ch 16000Hz S16_LE",
	}))
	m = updated.(tuiModel)

	view := m.View()
	for _, want := range []string{"living-room", "8937", "192.168.1.10:52000", "Recording Subscribers (2)", "capturing 1ch 16000Hz S16_LE"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestTUIModelIdleView(t *testing.T) {
	m := tuiModel{startTime: time.Now()}

	view := m.View()
	if !strings.Contains(view, "none") {
		t.Error("view missing empty playback session marker")
	}
	if !strings.Contains(view, "capture idle") {
		t.Error("view missing idle capture marker")
	}
}

func TestTUIModelQuitKey(t *testing.T) {
	quitChan := make(chan struct{}, 1)
	m := tuiModel{startTime: time.Now(), quitChan: quitChan}

	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	m = updated.(tuiModel)

	if !m.quitting {
		t.Error("model not quitting after q")
	}
	if cmd == nil {
		t.Fatal("expected a quit command")
	}
	select {
	case <-quitChan:
	default:
		t.Error("quit not signalled on the quit channel")
	}
}

func TestTUIUpdateNonBlocking(t *testing.T) {
	tui := NewTUI()
	// Channel capacity is 10; further updates must be dropped, not block.
	for i := 0; i < 50; i++ {
		tui.Update(Status{Port: i})
	}
}
