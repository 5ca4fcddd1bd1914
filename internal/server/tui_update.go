// ABOUTME: TUI update helpers for the relay server
// ABOUTME: Snapshots session and hub state into TUI status messages
package server

// updateTUI sends current relay state to the TUI.
func (s *Server) updateTUI() {
	if s.tui == nil {
		return
	}

	s.sessionsMu.RLock()
	sessions := make([]string, 0, len(s.playSessions))
	for _, addr := range s.playSessions {
		sessions = append(sessions, addr)
	}
	s.sessionsMu.RUnlock()

	captureFormat := ""
	if f, active := s.hub.ActiveFormat(); active {
		captureFormat = f.String()
	}

	s.tui.Update(Status{
		Name:          s.config.Name,
		Port:          s.config.Port,
		PlaySessions:  sessions,
		Subscribers:   s.hub.Subscribers(),
		CaptureFormat: captureFormat,
	})
}
