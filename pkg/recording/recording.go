// Package recording derives session recording file paths from a configurable
// file name pattern.
//
// Supported placeholders:
//
//	~/  the process home directory (only at the start of the pattern)
//	%d  the current date (YYYY-MM-DD)
//	%t  the current time (HH.MM.SS)
//	%i  the session identifier
//
// If the pattern names an existing directory, DefaultPattern is used inside
// that directory.
package recording

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultPattern is the file name used when the configured pattern is a directory.
const DefaultPattern = "%d %t session %i.dprec"

const homePrefix = "~/"

// Resolver expands a recording pattern. The zero value is not usable; use New.
type Resolver struct {
	pattern string
	homeDir func() (string, error)
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithHomeDir overrides home directory lookup.
func WithHomeDir(fn func() (string, error)) Option {
	return func(r *Resolver) { r.homeDir = fn }
}

// New creates a Resolver for pattern. An empty pattern disables recording.
func New(pattern string, opts ...Option) *Resolver {
	r := &Resolver{
		pattern: pattern,
		homeDir: os.UserHomeDir,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Enabled reports whether recording is configured.
func (r *Resolver) Enabled() bool {
	return r.pattern != ""
}

// Pattern returns the configured pattern.
func (r *Resolver) Pattern() string {
	return r.pattern
}

// Resolve returns the absolute recording path for a session created at now.
// ok is false when recording is disabled.
func (r *Resolver) Resolve(sessionID string, now time.Time) (path string, ok bool, err error) {
	if r.pattern == "" {
		return "", false, nil
	}

	filename := r.pattern

	if strings.HasPrefix(filename, homePrefix) {
		home, err := r.homeDir()
		if err != nil {
			return "", false, fmt.Errorf("failed to expand home directory: %w", err)
		}
		filename = filepath.Join(home, filename[len(homePrefix):])
	}

	if fi, err := os.Stat(filename); err == nil && fi.IsDir() {
		filename = filepath.Join(filename, DefaultPattern)
	}

	filename = Expand(filename, sessionID, now)

	abs, err := filepath.Abs(filename)
	if err != nil {
		return "", false, fmt.Errorf("failed to make recording path absolute: %w", err)
	}

	return abs, true, nil
}

// Expand substitutes the %d, %t and %i placeholders.
func Expand(pattern, sessionID string, now time.Time) string {
	return strings.NewReplacer(
		"%d", now.Format("2006-01-02"),
		"%t", now.Format("15.04.05"),
		"%i", sessionID,
	).Replace(pattern)
}
