package server

import (
	"bufio"
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/canvasd/internal/ratelimiter"
	"github.com/marmos91/canvasd/pkg/banlist"
	"github.com/marmos91/canvasd/pkg/listener"
	"github.com/marmos91/canvasd/pkg/metrics"
	"github.com/marmos91/canvasd/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test doubles
// ============================================================================

// fakeRegistry counts admitted clients as users and lets tests drive the
// registry events by hand.
type fakeRegistry struct {
	mu         sync.Mutex
	listener   session.EventListener
	clients    []session.Client
	users      int
	sessions   int
	stopAll    int
	mustSecure bool
}

func (r *fakeRegistry) SetEventListener(l session.EventListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = l
}

func (r *fakeRegistry) SetMustSecure(secure bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mustSecure = secure
}

func (r *fakeRegistry) AddClient(c session.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients = append(r.clients, c)
	r.users++
}

func (r *fakeRegistry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopAll++
}

func (r *fakeRegistry) UserCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.users
}

func (r *fakeRegistry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions
}

func (r *fakeRegistry) admitted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func (r *fakeRegistry) stopAllCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopAll
}

func (r *fakeRegistry) setCounts(users, sessions int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = users
	r.sessions = sessions
}

// disconnect removes one user and emits UserDisconnected.
func (r *fakeRegistry) disconnect() {
	r.mu.Lock()
	r.users--
	l := r.listener
	r.mu.Unlock()
	l.UserDisconnected()
}

// endSession removes one session and emits SessionEnded.
func (r *fakeRegistry) endSession(s session.Session) {
	r.mu.Lock()
	r.sessions--
	l := r.listener
	r.mu.Unlock()
	l.SessionEnded(s)
}

type fakeSession struct {
	id   string
	path string
}

func (s *fakeSession) ID() string                   { return s.id }
func (s *fakeSession) SetRecordingFile(path string) { s.path = path }

// stateRecorder captures every state transition through the metrics hook.
type stateRecorder struct {
	metrics.LifecycleMetrics

	mu       sync.Mutex
	states   []string
	accepts  int
	rejected map[string]int
}

func newStateRecorder() *stateRecorder {
	return &stateRecorder{
		LifecycleMetrics: metrics.NewNoopLifecycleMetrics(),
		rejected:         make(map[string]int),
	}
}

func (r *stateRecorder) SetState(state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *stateRecorder) RecordConnectionAccepted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accepts++
}

func (r *stateRecorder) accepted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accepts
}

func (r *stateRecorder) RecordConnectionRejected(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected[reason]++
}

func (r *stateRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.states...)
}

func (r *stateRecorder) rejections(reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rejected[reason]
}

// ============================================================================
// Helpers
// ============================================================================

func newTestServer(t *testing.T, cfg Config, reg *fakeRegistry, opts ...Option) *Server {
	t.Helper()

	opts = append([]Option{WithStatusSink(StatusSinkFunc(func(Status) {}))}, opts...)
	s := New(cfg, reg, opts...)
	t.Cleanup(func() {
		s.Stop()
		reg.setCounts(0, 0)
		s.events.push(s.tryFinish)
	})
	return s
}

func startLocal(t *testing.T, s *Server) {
	t.Helper()
	require.NoError(t, s.Start(context.Background(), "127.0.0.1", 0))
	require.Equal(t, Running, s.State())
}

// drain waits until every event queued so far has been handled.
func drain(t *testing.T, s *Server) {
	t.Helper()

	done := make(chan struct{})
	if !s.events.push(func() { close(done) }) {
		return
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("control goroutine did not drain")
	}
}

func waitStopped(t *testing.T, s *Server) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	assert.Equal(t, Stopped, s.State())
}

// ============================================================================
// Start
// ============================================================================

func TestStart(t *testing.T) {
	reg := &fakeRegistry{}
	s := newTestServer(t, Config{}, reg)

	assert.Equal(t, NotStarted, s.State())
	assert.Nil(t, s.Addr())

	startLocal(t, s)
	assert.NotNil(t, s.Addr())

	t.Run("SecondStartIsRejected", func(t *testing.T) {
		err := s.Start(context.Background(), "127.0.0.1", 0)
		assert.ErrorIs(t, err, ErrInvalidState)
		assert.Equal(t, Running, s.State())
	})
}

func TestStart_BindFailureRollsBack(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()
	port := taken.Addr().(*net.TCPAddr).Port

	reg := &fakeRegistry{}
	s := newTestServer(t, Config{}, reg)

	err = s.Start(context.Background(), "127.0.0.1", port)
	require.Error(t, err)

	var startErr *StartError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, "listen", startErr.Op)
	assert.Equal(t, NotStarted, s.State())
	assert.Nil(t, s.Addr())

	// The caller may retry with different parameters.
	startLocal(t, s)
}

func TestStart_SecureRequired(t *testing.T) {
	reg := &fakeRegistry{}
	s := newTestServer(t, Config{Listener: listener.Config{MustBeSecure: true}}, reg)

	err := s.Start(context.Background(), "127.0.0.1", 0)
	assert.ErrorIs(t, err, ErrSecureRequired)

	var startErr *StartError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, "tls", startErr.Op)
	assert.Equal(t, NotStarted, s.State())

	assert.True(t, reg.mustSecure, "must_secure is forwarded to the registry")
}

func TestStart_AfterStopped(t *testing.T) {
	reg := &fakeRegistry{}
	s := newTestServer(t, Config{}, reg)

	startLocal(t, s)
	s.Stop()
	waitStopped(t, s)

	err := s.Start(context.Background(), "127.0.0.1", 0)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, Stopped, s.State())
}

// ============================================================================
// Stop
// ============================================================================

func TestStop_NoUsersCompletesImmediately(t *testing.T) {
	reg := &fakeRegistry{}
	rec := newStateRecorder()
	s := newTestServer(t, Config{}, reg, WithMetrics(rec))

	startLocal(t, s)
	addr := s.Addr().String()

	s.Stop()
	waitStopped(t, s)

	assert.Equal(t, 1, reg.stopAllCalls())
	assert.Equal(t, []string{"not_started", "running", "stopping", "stopped"}, rec.snapshot())

	_, err := net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err, "listener must be closed")
}

func TestStop_Idempotent(t *testing.T) {
	reg := &fakeRegistry{}
	s := newTestServer(t, Config{}, reg)

	startLocal(t, s)

	// A second close of Done would panic the control goroutine.
	s.Stop()
	s.Stop()
	waitStopped(t, s)
	s.Stop()

	assert.Equal(t, 1, reg.stopAllCalls())
	assert.Equal(t, Stopped, s.State())
}

func TestStop_BeforeStart(t *testing.T) {
	reg := &fakeRegistry{}
	s := newTestServer(t, Config{}, reg)

	s.Stop()
	drain(t, s)

	assert.Equal(t, NotStarted, s.State())
	assert.Equal(t, 0, reg.stopAllCalls())
	select {
	case <-s.Done():
		t.Fatal("Done closed by a stop before start")
	default:
	}

	startLocal(t, s)
	assert.Equal(t, Running, s.State())

	s.Stop()
	waitStopped(t, s)
	assert.Equal(t, 1, reg.stopAllCalls())
}

func TestStop_GracefulDrain(t *testing.T) {
	reg := &fakeRegistry{}
	rec := newStateRecorder()
	s := newTestServer(t, Config{}, reg, WithMetrics(rec))

	startLocal(t, s)
	addr := s.Addr().String()
	reg.setCounts(2, 1)

	s.Stop()
	drain(t, s)

	assert.Equal(t, Stopping, s.State())
	assert.Equal(t, 1, reg.stopAllCalls())
	_, err := net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err, "no connections accepted while stopping")

	reg.disconnect()
	drain(t, s)
	assert.Equal(t, Stopping, s.State())
	select {
	case <-s.Done():
		t.Fatal("stopped before the last user left")
	default:
	}

	// Repeated stops while draining change nothing.
	s.Stop()
	drain(t, s)
	assert.Equal(t, Stopping, s.State())

	reg.disconnect()
	waitStopped(t, s)

	assert.Equal(t, []string{"not_started", "running", "stopping", "stopped"}, rec.snapshot())
}

// ============================================================================
// Auto-stop
// ============================================================================

func TestAutoStop(t *testing.T) {
	for _, autoStop := range []bool{true, false} {
		name := "Disabled"
		if autoStop {
			name = "Enabled"
		}

		t.Run(name, func(t *testing.T) {
			reg := &fakeRegistry{}
			s := newTestServer(t, Config{AutoStop: autoStop}, reg)

			startLocal(t, s)

			// The last user already left; the last session now ends.
			reg.setCounts(0, 1)
			reg.endSession(&fakeSession{id: "7"})

			if autoStop {
				waitStopped(t, s)
				assert.Equal(t, 1, reg.stopAllCalls())
				return
			}

			drain(t, s)
			assert.Equal(t, Running, s.State())
			assert.Equal(t, 0, reg.stopAllCalls())
		})
	}
}

func TestAutoStop_WaitsForIdle(t *testing.T) {
	reg := &fakeRegistry{}
	s := newTestServer(t, Config{AutoStop: true}, reg)

	startLocal(t, s)
	reg.setCounts(2, 2)

	// One session ends, another is still live.
	reg.endSession(&fakeSession{id: "1"})
	drain(t, s)
	assert.Equal(t, Running, s.State())

	// A user leaves but the remaining session keeps the server up.
	reg.disconnect()
	drain(t, s)
	assert.Equal(t, Running, s.State())

	reg.endSession(&fakeSession{id: "2"})
	drain(t, s)
	assert.Equal(t, Running, s.State(), "one user is still connected")

	reg.disconnect()
	waitStopped(t, s)
}

// ============================================================================
// Admission
// ============================================================================

func TestAdmission_ForwardsClient(t *testing.T) {
	reg := &fakeRegistry{}

	var mu sync.Mutex
	var statuses []string
	sink := StatusSinkFunc(func(st Status) {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, st.String())
	})

	s := newTestServer(t, Config{}, reg, WithStatusSink(sink))
	startLocal(t, s)

	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return reg.admitted() == 1 }, 2*time.Second, 10*time.Millisecond)
	drain(t, s)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"1 users and 0 sessions"}, statuses)
}

func TestAdmission_BannedClientIsKicked(t *testing.T) {
	reg := &fakeRegistry{}
	rec := newStateRecorder()

	var queried []netip.Addr
	var mu sync.Mutex
	policy := banlist.Func(func(addr netip.Addr) bool {
		mu.Lock()
		defer mu.Unlock()
		queried = append(queried, addr)
		return addr == netip.MustParseAddr("127.0.0.1")
	})

	s := newTestServer(t, Config{}, reg, WithBanPolicy(policy), WithMetrics(rec))
	startLocal(t, s)

	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "DISCONNECT BANNED\n", line)

	drain(t, s)
	assert.Equal(t, 0, reg.admitted(), "banned client must never reach the registry")
	assert.Equal(t, 0, reg.UserCount())
	assert.Equal(t, 1, rec.rejections("banned"))
	assert.Equal(t, 1, rec.accepted(), "refused connections still count as accepted")

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, queried, 1, "policy is consulted once per connection")
}

func TestAdmission_RateLimited(t *testing.T) {
	reg := &fakeRegistry{}
	rec := newStateRecorder()
	limiter := ratelimiter.New(0.001, 1)

	s := newTestServer(t, Config{}, reg, WithAcceptLimiter(limiter), WithMetrics(rec))
	startLocal(t, s)

	first, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer first.Close()

	require.Eventually(t, func() bool { return reg.admitted() == 1 }, 5*time.Second, 10*time.Millisecond)

	second, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, second.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := bufio.NewReader(second).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "DISCONNECT RATELIMIT\n", line)

	drain(t, s)
	assert.Equal(t, 1, reg.admitted())
	assert.Equal(t, 1, rec.rejections("rate_limited"))
	assert.Equal(t, 2, rec.accepted())
}

func TestAdmission_NoneAfterStop(t *testing.T) {
	reg := &fakeRegistry{}
	rec := newStateRecorder()
	s := newTestServer(t, Config{}, reg, WithMetrics(rec))

	startLocal(t, s)
	reg.setCounts(1, 0)

	// An accept event already in flight when Stop is called.
	server, client := net.Pipe()
	defer client.Close()

	s.Stop()
	s.events.push(func() { s.admit(server) })
	drain(t, s)

	assert.Equal(t, Stopping, s.State())
	assert.Equal(t, 0, reg.admitted())
	assert.Equal(t, 1, rec.rejections("stopping"))

	// The dropped connection is closed.
	_, err := client.Read(make([]byte, 1))
	assert.Error(t, err)
}

// ============================================================================
// Recording
// ============================================================================

func TestSessionCreated_AssignsRecordingPath(t *testing.T) {
	reg := &fakeRegistry{}
	now := time.Date(2024, 1, 1, 9, 5, 3, 0, time.Local)
	s := newTestServer(t,
		Config{RecordingPattern: "~/rec/%d %t session %i.dprec"},
		reg,
		WithClock(func() time.Time { return now }),
		WithHomeDir(func() (string, error) { return "/home/x", nil }),
	)

	sess := &fakeSession{id: "7"}
	s.SessionCreated(sess)

	assert.Equal(t, "/home/x/rec/2024-01-01 09.05.03 session 7.dprec", sess.path)
}

func TestSessionCreated_RecordingDisabled(t *testing.T) {
	reg := &fakeRegistry{}
	s := newTestServer(t, Config{}, reg)

	sess := &fakeSession{id: "7"}
	s.SessionCreated(sess)

	assert.Empty(t, sess.path)
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "3 users and 1 sessions", Status{Users: 3, Sessions: 1}.String())
	assert.Equal(t, "0 users and 0 sessions", Status{}.String())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "not_started", NotStarted.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "stopping", Stopping.String())
	assert.Equal(t, "stopped", Stopped.String())
	assert.Equal(t, "unknown", State(42).String())
}
