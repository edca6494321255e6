// Package server implements the canvasd lifecycle controller.
//
// A Server owns the listening socket and a handle to the session registry.
// It admits connections, resolves recording paths for new sessions and
// sequences start, graceful stop and auto-stop.
//
// Lifecycle:
//
//	NotStarted -> Running -> Stopping -> Stopped
//
// Stop closes the listener at once and asks the registry to end every
// session. The server reaches Stopped when the last user has disconnected;
// Done is closed at that point. There is no shutdown timeout: a user that
// never disconnects keeps the server in Stopping.
//
// Concurrency:
// All state transitions run on a single control goroutine that drains an
// unbounded event queue. Public methods and registry callbacks only enqueue
// work, so handlers run to completion in arrival order and a Stop is always
// processed before any accept event queued after it.
//
// Example usage:
//
//	reg := lobby.New()
//	srv := server.New(cfg, reg, server.WithBanPolicy(bans))
//	if err := srv.Start(ctx, "", 27750); err != nil {
//	    return err
//	}
//	<-ctx.Done()
//	srv.Stop()
//	<-srv.Done()
package server

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/canvasd/internal/logger"
	"github.com/marmos91/canvasd/internal/ratelimiter"
	"github.com/marmos91/canvasd/pkg/banlist"
	"github.com/marmos91/canvasd/pkg/listener"
	"github.com/marmos91/canvasd/pkg/metrics"
	"github.com/marmos91/canvasd/pkg/recording"
	"github.com/marmos91/canvasd/pkg/session"
)

// State is the lifecycle state of a Server.
type State int32

const (
	NotStarted State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config holds the lifecycle settings.
type Config struct {
	// Listener selects a plain or TLS listener. MustBeSecure is also
	// forwarded to registries implementing session.SecurityAware.
	Listener listener.Config

	// RecordingPattern is expanded for every new session. Empty disables
	// recording.
	RecordingPattern string

	// AutoStop stops the server once no sessions and no users remain.
	AutoStop bool
}

// Option configures a Server.
type Option func(*Server)

// WithBanPolicy sets the policy consulted for every accepted connection.
func WithBanPolicy(p banlist.Policy) Option {
	return func(s *Server) {
		if p != nil {
			s.bans = p
		}
	}
}

// WithStatusSink sets where status updates are sent. Defaults to LogStatusSink.
func WithStatusSink(sink StatusSink) Option {
	return func(s *Server) {
		if sink != nil {
			s.status = sink
		}
	}
}

// WithMetrics sets the lifecycle metrics. Defaults to a no-op implementation.
func WithMetrics(m metrics.LifecycleMetrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithClientFactory sets how accepted connections are wrapped.
func WithClientFactory(f session.ClientFactory) Option {
	return func(s *Server) {
		if f != nil {
			s.newClient = f
		}
	}
}

// WithClock sets the time source used for recording paths.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// WithAcceptLimiter caps how fast connections are admitted. Connections over
// the limit are kicked before reaching the registry. nil means unlimited.
func WithAcceptLimiter(l *ratelimiter.Limiter) Option {
	return func(s *Server) { s.accepts = l }
}

// WithHomeDir sets the home directory lookup used for "~/" patterns.
func WithHomeDir(fn func() (string, error)) Option {
	return func(s *Server) { s.homeDir = fn }
}

// Server is the lifecycle controller.
type Server struct {
	cfg       Config
	registry  session.Registry
	bans      banlist.Policy
	accepts   *ratelimiter.Limiter
	status    StatusSink
	metrics   metrics.LifecycleMetrics
	newClient session.ClientFactory
	now       func() time.Time
	homeDir   func() (string, error)
	recorder  *recording.Resolver

	events *eventQueue
	done   chan struct{}

	// Owned by the control goroutine.
	state    State
	listener listener.Listener

	// published mirrors state for readers on other goroutines.
	published atomic.Int32

	addrMu sync.Mutex
	addr   net.Addr
}

// New creates a server in the NotStarted state and registers it as the
// registry's event listener.
//
// Panics if reg is nil (indicates programmer error).
func New(cfg Config, reg session.Registry, opts ...Option) *Server {
	if reg == nil {
		panic("session registry cannot be nil")
	}

	s := &Server{
		cfg:       cfg,
		registry:  reg,
		bans:      banlist.None,
		status:    LogStatusSink,
		metrics:   metrics.NewNoopLifecycleMetrics(),
		newClient: session.NewClient,
		now:       time.Now,
		events:    newEventQueue(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	var recOpts []recording.Option
	if s.homeDir != nil {
		recOpts = append(recOpts, recording.WithHomeDir(s.homeDir))
	}
	s.recorder = recording.New(cfg.RecordingPattern, recOpts...)

	if sa, ok := reg.(session.SecurityAware); ok {
		sa.SetMustSecure(cfg.Listener.MustBeSecure)
	}
	reg.SetEventListener(s)

	s.setState(NotStarted)
	go s.run()

	return s
}

// run is the control goroutine. It exits after Stopped once every queued
// handler has run.
func (s *Server) run() {
	for {
		fn, ok := s.events.pop()
		if !ok {
			return
		}
		fn()
	}
}

// Start binds bindAddress:port and starts accepting connections. An empty
// bindAddress listens on all interfaces.
//
// Valid only in NotStarted; otherwise returns ErrInvalidState. On failure
// the server stays in NotStarted and the error is a *StartError.
func (s *Server) Start(ctx context.Context, bindAddress string, port int) error {
	addr := net.JoinHostPort(bindAddress, strconv.Itoa(port))

	err := s.start(func() (listener.Listener, error) {
		return listener.Listen(ctx, s.cfg.Listener, addr)
	}, "listen", addr)
	if err != nil {
		return err
	}

	logger.Info("Started listening on port %d at address %s", port, s.Addr())
	return nil
}

// StartFromDescriptor adopts an already listening socket, as handed over by a
// service manager in socket activation mode. Same contract as Start.
func (s *Server) StartFromDescriptor(fd uintptr) error {
	err := s.start(func() (listener.Listener, error) {
		return listener.FromDescriptor(s.cfg.Listener, fd)
	}, "adopt", "fd "+strconv.FormatUint(uint64(fd), 10))
	if err != nil {
		return err
	}

	logger.Info("Started listening on passed socket")
	return nil
}

// start runs open on the control goroutine and waits for the outcome.
func (s *Server) start(open func() (listener.Listener, error), op, addr string) error {
	result := make(chan error, 1)
	if !s.events.push(func() { result <- s.handleStart(open, op, addr) }) {
		return ErrInvalidState
	}
	return <-result
}

func (s *Server) handleStart(open func() (listener.Listener, error), op, addr string) error {
	if s.state != NotStarted {
		return &StartError{Op: op, Addr: addr, Err: ErrInvalidState}
	}

	ln, err := open()
	if err != nil {
		return newStartError(op, addr, err)
	}

	s.listener = ln
	s.addrMu.Lock()
	s.addr = ln.Addr()
	s.addrMu.Unlock()

	if ln.Secure() {
		logger.Debug("Listener requires TLS")
	}

	s.setState(Running)
	go s.acceptLoop(ln)

	return nil
}

// Stop begins a graceful shutdown and returns immediately. It is
// idempotent; use Done or Wait to observe completion.
//
// In Running the listener is closed, the server moves to Stopping and the
// registry is asked to end every session. Stopping a server that was never
// started does nothing; it can still be started afterwards.
func (s *Server) Stop() {
	s.events.push(s.handleStop)
}

func (s *Server) handleStop() {
	switch s.state {
	case NotStarted:
		logger.Debug("Stop requested before start, ignoring")

	case Running:
		users := s.registry.UserCount()
		logger.Info("Stopping server and kicking out %d users...", users)

		s.closeListener()
		s.setState(Stopping)
		s.registry.StopAll()

		if users > 0 {
			logger.Warn("Shutdown waits for %d users to disconnect", users)
		}
		s.tryFinish()

	case Stopping:
		s.tryFinish()
	}
}

// tryFinish completes a stop once no users remain.
func (s *Server) tryFinish() {
	if s.state == Stopping && s.registry.UserCount() == 0 {
		s.finish()
	}
}

func (s *Server) finish() {
	s.setState(Stopped)
	logger.Info("Server stopped.")
	close(s.done)
	s.events.close()
}

func (s *Server) closeListener() {
	if s.listener == nil {
		return
	}
	if err := s.listener.Close(); err != nil {
		logger.Debug("Error closing listener: %v", err)
	}
	s.listener = nil
}

// checkAutoStop stops the server when it is idle and auto-stop is enabled.
func (s *Server) checkAutoStop() {
	if !s.cfg.AutoStop || s.state != Running {
		return
	}
	if s.registry.SessionCount() == 0 && s.registry.UserCount() == 0 {
		logger.Info("No sessions or users left, stopping automatically")
		s.handleStop()
	}
}

// SessionCreated implements session.EventListener. The recording path is
// resolved on the caller's goroutine before the session is published; the
// resolver only reads immutable configuration.
func (s *Server) SessionCreated(sess session.Session) {
	path, ok, err := s.recorder.Resolve(sess.ID(), s.now())
	if err != nil {
		logger.Error("Failed to resolve recording path for session %s: %v", sess.ID(), err)
		return
	}
	if !ok {
		return
	}

	sess.SetRecordingFile(path)
	logger.Info("Recording session %s to %s", sess.ID(), path)
}

// SessionEnded implements session.EventListener.
func (s *Server) SessionEnded(sess session.Session) {
	id := sess.ID()
	s.events.push(func() {
		logger.Debug("Session %s ended", id)
		s.checkAutoStop()
	})
}

// UserLoggedIn implements session.EventListener.
func (s *Server) UserLoggedIn() {
	s.events.push(s.reportStatus)
}

// UserDisconnected implements session.EventListener.
func (s *Server) UserDisconnected() {
	s.events.push(func() {
		s.reportStatus()
		if s.state == Stopping {
			s.tryFinish()
		} else {
			s.checkAutoStop()
		}
	})
}

func (s *Server) setState(st State) {
	s.state = st
	s.published.Store(int32(st))
	s.metrics.SetState(st.String())
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	return State(s.published.Load())
}

// Addr returns the listener address, or nil before a successful start.
func (s *Server) Addr() net.Addr {
	s.addrMu.Lock()
	defer s.addrMu.Unlock()
	return s.addr
}

// Done is closed exactly once, when the server reaches Stopped.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the server has stopped or ctx is done.
func (s *Server) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
