// Package session defines the contracts between the server lifecycle and the
// session subsystem that owns rooms, users and their synchronization.
//
// The lifecycle never owns sessions. It hands admitted clients to a Registry,
// queries its counts, and reacts to the fixed set of events a Registry reports
// through EventListener.
package session

// Session is a collaborative room owned by a Registry.
type Session interface {
	// ID returns the canonical string form of the session identifier.
	ID() string

	// SetRecordingFile assigns the absolute path the session recording is
	// written to. It is called at most once, before the session is visible.
	SetRecordingFile(path string)
}

// EventListener receives registry notifications.
//
// SessionCreated is delivered synchronously: the registry must not publish
// the session to clients until the call returns. The other events may be
// delivered from any goroutine.
type EventListener interface {
	SessionCreated(s Session)
	SessionEnded(s Session)
	UserLoggedIn()
	UserDisconnected()
}

// Registry manages sessions and connected users.
//
// Implementations must be safe for concurrent use: counts are read from the
// lifecycle goroutine while events originate from connection goroutines.
type Registry interface {
	// SetEventListener registers the single listener for registry events.
	SetEventListener(l EventListener)

	// AddClient admits a client. Ownership of the client passes to the registry.
	AddClient(c Client)

	// StopAll asks every session to terminate and disconnect its users.
	StopAll()

	// UserCount returns the number of connected users, including those not
	// yet logged into a session.
	UserCount() int

	// SessionCount returns the number of live sessions.
	SessionCount() int
}

// SecurityAware is implemented by registries that can refuse clients which
// did not negotiate transport security.
type SecurityAware interface {
	SetMustSecure(secure bool)
}
