// Package listener builds the server's listening socket.
//
// A listener is either plain TCP or TLS, chosen once from Config. TLS
// material is validated before any socket is bound or adopted, so a
// configuration error never leaves a socket open.
package listener

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

var (
	// ErrSecureRequired is returned when MustBeSecure is set but no
	// certificate and key are configured.
	ErrSecureRequired = errors.New("secure connections required but no certificate/key configured")

	// ErrInvalidCertificate is returned when the configured certificate or
	// key cannot be used. There is no fallback to a plain listener.
	ErrInvalidCertificate = errors.New("invalid TLS certificate")
)

// Config selects and configures the listener variant.
type Config struct {
	// CertFile is the PEM encoded certificate chain.
	CertFile string `mapstructure:"cert_file"`

	// KeyFile is the PEM encoded private key.
	KeyFile string `mapstructure:"key_file"`

	// MustBeSecure makes a missing certificate a startup error.
	MustBeSecure bool `mapstructure:"must_secure"`

	// MinVersion is the minimum TLS version, "1.2" (default) or "1.3".
	MinVersion string `mapstructure:"min_version" validate:"omitempty,oneof=1.2 1.3"`
}

// Secure reports whether both certificate and key are configured.
func (c Config) Secure() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// Listener is a net.Listener that knows whether it terminates TLS.
// Close stops accepting; connections already accepted are unaffected.
type Listener interface {
	net.Listener
	Secure() bool
}

type plainListener struct {
	net.Listener
}

func (plainListener) Secure() bool { return false }

type secureListener struct {
	net.Listener
}

func (secureListener) Secure() bool { return true }

// Listen binds address and returns a plain or TLS listener.
func Listen(ctx context.Context, cfg Config, address string) (Listener, error) {
	tlsConfig, err := cfg.tlsConfig(time.Now())
	if err != nil {
		return nil, err
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	return wrap(ln, tlsConfig), nil
}

// FromDescriptor adopts an already bound and listening socket, as passed by
// a service manager in socket activation mode.
func FromDescriptor(cfg Config, fd uintptr) (Listener, error) {
	tlsConfig, err := cfg.tlsConfig(time.Now())
	if err != nil {
		return nil, err
	}

	f := os.NewFile(fd, fmt.Sprintf("listener-fd-%d", fd))
	if f == nil {
		return nil, fmt.Errorf("invalid descriptor %d", fd)
	}

	// FileListener duplicates the descriptor; the original is closed either way.
	ln, err := net.FileListener(f)
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to adopt descriptor %d: %w", fd, err)
	}

	return wrap(ln, tlsConfig), nil
}

func wrap(ln net.Listener, tlsConfig *tls.Config) Listener {
	if tlsConfig == nil {
		return plainListener{ln}
	}
	return secureListener{tls.NewListener(ln, tlsConfig)}
}

// tlsConfig returns nil for a plain listener.
func (c Config) tlsConfig(now time.Time) (*tls.Config, error) {
	if !c.Secure() {
		if c.MustBeSecure {
			return nil, ErrSecureRequired
		}
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	if now.Before(leaf.NotBefore) {
		return nil, fmt.Errorf("%w: not valid before %s", ErrInvalidCertificate, leaf.NotBefore.Format(time.RFC3339))
	}
	if now.After(leaf.NotAfter) {
		return nil, fmt.Errorf("%w: expired at %s", ErrInvalidCertificate, leaf.NotAfter.Format(time.RFC3339))
	}
	cert.Leaf = leaf

	minVersion := uint16(tls.VersionTLS12)
	if c.MinVersion == "1.3" {
		minVersion = tls.VersionTLS13
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
	}, nil
}
