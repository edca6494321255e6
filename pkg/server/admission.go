package server

import (
	"errors"
	"net"
	"time"

	"github.com/marmos91/canvasd/internal/logger"
	"github.com/marmos91/canvasd/pkg/listener"
	"github.com/marmos91/canvasd/pkg/metrics"
	"github.com/marmos91/canvasd/pkg/session"
)

const maxAcceptDelay = time.Second

// acceptLoop pulls connections off ln and queues each one for admission on
// the control goroutine. It returns once ln is closed.
func (s *Server) acceptLoop(ln listener.Listener) {
	var delay time.Duration

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				logger.Debug("Listener closed, accept loop exiting")
				return
			}

			// Transient failures such as EMFILE: back off instead of spinning.
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay = min(2*delay, maxAcceptDelay)
			}
			logger.Debug("Error accepting connection: %v; retrying in %v", err, delay)
			time.Sleep(delay)
			continue
		}
		delay = 0

		if !s.events.push(func() { s.admit(conn) }) {
			_ = conn.Close()
		}
	}
}

// admit runs on the control goroutine. The ban check precedes any registry
// call, so a banned client never touches registry state.
func (s *Server) admit(conn net.Conn) {
	// Raw accept count; every path below adds one admitted or one rejected.
	s.metrics.RecordConnectionAccepted()

	if s.state != Running {
		logger.Debug("Dropping connection from %s: server is %s", conn.RemoteAddr(), s.state)
		s.metrics.RecordConnectionRejected(metrics.RejectStopping)
		_ = conn.Close()
		return
	}

	client := s.newClient(conn)
	peer := client.PeerAddr()
	logger.Debug("New client connected from %s", peer)

	if s.bans.IsBanned(peer) {
		logger.Info("Kicking banned client from address %s straight away", peer)
		s.metrics.RecordConnectionRejected(metrics.RejectBanned)
		go s.kick(client, session.KickBanned)
		return
	}

	if !s.accepts.Allow() {
		logger.Warn("Connection rate limit exceeded, kicking client from %s", peer)
		s.metrics.RecordConnectionRejected(metrics.RejectRateLimited)
		go s.kick(client, session.KickRateLimited)
		return
	}

	s.registry.AddClient(client)
	s.metrics.RecordConnectionAdmitted()
	s.reportStatus()
}

// kick runs off the control goroutine: on a TLS connection the notice write
// also drives the handshake.
func (s *Server) kick(c session.Client, reason session.KickReason) {
	if err := c.Kick(reason); err != nil {
		logger.Debug("Kick of %s (%s) failed: %v", c.PeerAddr(), reason, err)
	}
}
