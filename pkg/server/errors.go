package server

import (
	"errors"
	"fmt"

	"github.com/marmos91/canvasd/pkg/listener"
)

var (
	// ErrInvalidState is returned by Start and StartFromDescriptor when the
	// server is not in the NotStarted state.
	ErrInvalidState = errors.New("invalid server state")

	// ErrSecureRequired re-exports listener.ErrSecureRequired.
	ErrSecureRequired = listener.ErrSecureRequired

	// ErrInvalidCertificate re-exports listener.ErrInvalidCertificate.
	ErrInvalidCertificate = listener.ErrInvalidCertificate
)

// StartError reports why the server could not start. The server stays in
// NotStarted and holds no listener when a StartError is returned.
type StartError struct {
	// Op is "tls" for certificate problems, "listen" for bind failures and
	// "adopt" for inherited descriptors that are not listening sockets.
	Op string

	// Addr is the bind address, or the descriptor for "adopt".
	Addr string

	Err error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// newStartError classifies a listener error. TLS validation runs before any
// socket work, so certificate errors are reported as "tls" regardless of op.
func newStartError(op, addr string, err error) *StartError {
	if errors.Is(err, listener.ErrSecureRequired) || errors.Is(err, listener.ErrInvalidCertificate) {
		op = "tls"
	}
	return &StartError{Op: op, Addr: addr, Err: err}
}
