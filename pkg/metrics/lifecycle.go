package metrics

// LifecycleMetrics provides observability for the server lifecycle and
// connection admission.
//
// If not provided to the server, a no-op implementation is used.
type LifecycleMetrics interface {
	// RecordConnectionAccepted counts every connection returned by the
	// listener, before any check. Each accepted connection is then counted
	// exactly once more, as admitted or as rejected.
	RecordConnectionAccepted()

	// RecordConnectionAdmitted counts connections handed to the session registry.
	RecordConnectionAdmitted()

	// RecordConnectionRejected counts connections refused before admission.
	// reason is one of RejectBanned, RejectRateLimited or RejectStopping.
	RecordConnectionRejected(reason string)

	// SetUsers updates the connected user gauge.
	SetUsers(count int)

	// SetSessions updates the live session gauge.
	SetSessions(count int)

	// SetState records the current lifecycle state name.
	SetState(state string)
}

// NewNoopLifecycleMetrics returns a LifecycleMetrics that discards everything.
func NewNoopLifecycleMetrics() LifecycleMetrics {
	return noopLifecycleMetrics{}
}

type noopLifecycleMetrics struct{}

func (noopLifecycleMetrics) RecordConnectionAccepted()       {}
func (noopLifecycleMetrics) RecordConnectionAdmitted()       {}
func (noopLifecycleMetrics) RecordConnectionRejected(string) {}
func (noopLifecycleMetrics) SetUsers(int)                    {}
func (noopLifecycleMetrics) SetSessions(int)                 {}
func (noopLifecycleMetrics) SetState(string)                 {}
