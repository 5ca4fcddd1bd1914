// ABOUTME: Server TUI for displaying relay sessions and capture state
// ABOUTME: Real-time status display using bubbletea
package server

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// TUI manages the server status display.
type TUI struct {
	program  *tea.Program
	updates  chan Status
	quitChan chan struct{} // Signal to stop the server
}

// Status holds server state for the TUI.
type Status struct {
	Name          string
	Port          int
	PlaySessions  []string // remote addresses
	Subscribers   int
	CaptureFormat string // empty when no capture subprocess is running
}

// tuiModel is the bubbletea model for the server TUI.
type tuiModel struct {
	status    Status
	startTime time.Time
	quitting  bool
	quitChan  chan struct{}
}

type tickMsg time.Time
type statusMsg Status

func (m tuiModel) Init() tea.Cmd {
	return tickEvery()
}

func tickEvery() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			m.quitting = true
			select {
			case m.quitChan <- struct{}{}:
			default:
			}
			return m, tea.Quit
		}

	case tickMsg:
		return m, tickEvery()

	case statusMsg:
		m.status = Status(msg)
		return m, nil
	}

	return m, nil
}

func (m tuiModel) View() string {
	if m.quitting {
		return "Shutting down server...\n"
	}

	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205")).
		MarginBottom(1)

	headerStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("86"))

	valueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("250"))

	sectionStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("220"))

	var b strings.Builder

	b.WriteString(titleStyle.Render("PipeCast Server"))
	b.WriteString("\n\n")

	b.WriteString(headerStyle.Render("Server: "))
	b.WriteString(valueStyle.Render(m.status.Name))
	b.WriteString("\n")

	b.WriteString(headerStyle.Render("Port: "))
	b.WriteString(valueStyle.Render(fmt.Sprintf("%d", m.status.Port)))
	b.WriteString("\n")

	b.WriteString(headerStyle.Render("Uptime: "))
	uptime := time.Since(m.startTime).Round(time.Second)
	b.WriteString(valueStyle.Render(uptime.String()))
	b.WriteString("\n\n")

	b.WriteString(sectionStyle.Render(fmt.Sprintf("Playback Sessions (%d)", len(m.status.PlaySessions))))
	b.WriteString("\n")
	if len(m.status.PlaySessions) == 0 {
		b.WriteString(valueStyle.Render("  none"))
		b.WriteString("\n")
	} else {
		for _, addr := range m.status.PlaySessions {
			b.WriteString(fmt.Sprintf("  • %s\n", addr))
		}
	}
	b.WriteString("\n")

	b.WriteString(sectionStyle.Render(fmt.Sprintf("Recording Subscribers (%d)", m.status.Subscribers)))
	b.WriteString("\n")
	if m.status.CaptureFormat == "" {
		b.WriteString(valueStyle.Render("  capture idle"))
	} else {
		b.WriteString(valueStyle.Render(fmt.Sprintf("  capturing %s", m.status.CaptureFormat)))
	}
	b.WriteString("\n\n")

	b.WriteString(lipgloss.NewStyle().Faint(true).Render("Press 'q' or Ctrl+C to quit"))

	return b.String()
}

// NewTUI creates a server TUI.
func NewTUI() *TUI {
	return &TUI{
		updates:  make(chan Status, 10),
		quitChan: make(chan struct{}, 1),
	}
}

// Start runs the TUI until quit.
func (t *TUI) Start(serverName string, port int) error {
	m := tuiModel{
		status: Status{
			Name: serverName,
			Port: port,
		},
		startTime: time.Now(),
		quitChan:  t.quitChan,
	}

	t.program = tea.NewProgram(m, tea.WithAltScreen())

	go func() {
		for status := range t.updates {
			if t.program != nil {
				t.program.Send(statusMsg(status))
			}
		}
	}()

	_, err := t.program.Run()
	return err
}

// Update sends a status update to the TUI without blocking.
func (t *TUI) Update(status Status) {
	select {
	case t.updates <- status:
	default:
	}
}

// Stop stops the TUI.
func (t *TUI) Stop() {
	if t.program != nil {
		t.program.Quit()
	}
	close(t.updates)
}

// QuitChan returns the channel that signals when the user wants to quit.
func (t *TUI) QuitChan() <-chan struct{} {
	return t.quitChan
}
