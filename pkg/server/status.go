package server

import (
	"fmt"

	"github.com/marmos91/canvasd/internal/logger"
)

// Status is a snapshot of the registry counts.
type Status struct {
	Users    int
	Sessions int
}

// String formats the status for notification sinks.
func (s Status) String() string {
	return fmt.Sprintf("%d users and %d sessions", s.Users, s.Sessions)
}

// StatusSink receives a status update after every admission, login and
// disconnect. Sinks are informational only.
type StatusSink interface {
	ReportStatus(st Status)
}

// StatusSinkFunc adapts a function to StatusSink.
type StatusSinkFunc func(st Status)

func (f StatusSinkFunc) ReportStatus(st Status) { f(st) }

// LogStatusSink logs every status update at INFO level.
var LogStatusSink StatusSink = StatusSinkFunc(func(st Status) {
	logger.Info("Status: %s", st)
})

// reportStatus reads live counts from the registry and publishes them.
// Runs on the control goroutine.
func (s *Server) reportStatus() {
	st := Status{
		Users:    s.registry.UserCount(),
		Sessions: s.registry.SessionCount(),
	}
	s.metrics.SetUsers(st.Users)
	s.metrics.SetSessions(st.Sessions)
	s.status.ReportStatus(st)
}
