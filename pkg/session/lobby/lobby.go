// Package lobby provides a minimal in-process session.Registry.
//
// The lobby speaks a line protocol just rich enough to exercise the server
// lifecycle: a client sends "JOIN <alias>" to enter (and if needed create) a
// session, and leaves by closing its connection. Any other line is ignored.
// Drawing traffic, authentication and synchronization live in the real
// session subsystem, not here.
package lobby

import (
	"bufio"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/marmos91/canvasd/internal/logger"
	"github.com/marmos91/canvasd/pkg/session"
)

// Session is a lobby room.
type Session struct {
	id    uuid.UUID
	alias string

	// recordingFile is written once by the listener before publication.
	recordingFile string

	users map[*user]struct{}
}

// ID returns the session UUID in its canonical string form.
func (s *Session) ID() string { return s.id.String() }

// Alias returns the name clients used to join.
func (s *Session) Alias() string { return s.alias }

// SetRecordingFile records the recording path assigned at creation.
func (s *Session) SetRecordingFile(path string) { s.recordingFile = path }

// RecordingFile returns the assigned recording path, or "" when recording is off.
func (s *Session) RecordingFile() string { return s.recordingFile }

type user struct {
	client  session.Client
	session *Session
}

// Lobby is a thread-safe session.Registry.
type Lobby struct {
	mu         sync.Mutex
	listener   session.EventListener
	users      map[*user]struct{}
	sessions   map[string]*Session
	mustSecure bool
	stopping   bool

	wg sync.WaitGroup
}

// New creates an empty lobby.
func New() *Lobby {
	return &Lobby{
		users:    make(map[*user]struct{}),
		sessions: make(map[string]*Session),
	}
}

// SetEventListener implements session.Registry.
func (l *Lobby) SetEventListener(listener session.EventListener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listener = listener
}

// SetMustSecure implements session.SecurityAware.
func (l *Lobby) SetMustSecure(secure bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mustSecure = secure
}

// AddClient implements session.Registry.
func (l *Lobby) AddClient(c session.Client) {
	l.mu.Lock()
	if l.stopping {
		l.mu.Unlock()
		go kick(c, session.KickShutdown)
		return
	}
	if l.mustSecure && !c.Secure() {
		l.mu.Unlock()
		logger.Info("Rejecting insecure client from %s", c.PeerAddr())
		go kick(c, session.KickInsecure)
		return
	}

	u := &user{client: c}
	l.users[u] = struct{}{}
	l.mu.Unlock()

	l.wg.Add(1)
	go l.serve(u)
}

// StopAll implements session.Registry by disconnecting every user. Kicks are
// sent asynchronously; each user's leave event follows its disconnect.
func (l *Lobby) StopAll() {
	l.mu.Lock()
	l.stopping = true
	clients := make([]session.Client, 0, len(l.users))
	for u := range l.users {
		clients = append(clients, u.client)
	}
	l.mu.Unlock()

	for _, c := range clients {
		go kick(c, session.KickShutdown)
	}
}

func kick(c session.Client, reason session.KickReason) {
	if err := c.Kick(reason); err != nil {
		logger.Debug("Kick of %s (%s) failed: %v", c.PeerAddr(), reason, err)
	}
}

// UserCount implements session.Registry.
func (l *Lobby) UserCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.users)
}

// SessionCount implements session.Registry.
func (l *Lobby) SessionCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

// Session looks up a live session by alias.
func (l *Lobby) Session(alias string) (*Session, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessions[alias]
	return s, ok
}

// Wait blocks until every connection goroutine has finished.
func (l *Lobby) Wait() {
	l.wg.Wait()
}

func (l *Lobby) serve(u *user) {
	defer l.wg.Done()
	defer l.leave(u)

	scanner := bufio.NewScanner(u.client.Conn())
	for scanner.Scan() {
		cmd, arg, _ := strings.Cut(strings.TrimSpace(scanner.Text()), " ")
		if cmd == "JOIN" && arg != "" && u.session == nil {
			l.join(u, arg)
		}
	}
}

func (l *Lobby) join(u *user, alias string) {
	l.mu.Lock()
	s, ok := l.sessions[alias]
	if !ok {
		s = &Session{id: uuid.New(), alias: alias, users: make(map[*user]struct{})}
		// The listener only resolves a file name and never calls back into
		// the lobby, so it is safe to hold the lock across the call.
		if l.listener != nil {
			l.listener.SessionCreated(s)
		}
		l.sessions[alias] = s
		logger.Debug("Session %s (%s) created", s.ID(), alias)
	}
	s.users[u] = struct{}{}
	u.session = s
	listener := l.listener
	l.mu.Unlock()

	if listener != nil {
		listener.UserLoggedIn()
	}
}

func (l *Lobby) leave(u *user) {
	_ = u.client.Conn().Close()

	var ended *Session

	l.mu.Lock()
	delete(l.users, u)
	if s := u.session; s != nil {
		delete(s.users, u)
		if len(s.users) == 0 {
			delete(l.sessions, s.alias)
			ended = s
		}
	}
	listener := l.listener
	l.mu.Unlock()

	if listener == nil {
		return
	}
	if ended != nil {
		logger.Debug("Session %s (%s) ended", ended.ID(), ended.alias)
		listener.SessionEnded(ended)
	}
	listener.UserDisconnected()
}
