package badger

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/marmos91/canvasd/internal/logger"
	"github.com/marmos91/canvasd/pkg/banlist"
)

// Watcher is a read-only banlist.Policy over a ban database written by
// other processes. It holds the directory only while a refresh runs, so
// "canvasd ban" can update the database while the server is up; changes are
// seen at the next refresh.
type Watcher struct {
	cfg Config

	mu      sync.RWMutex
	entries map[netip.Prefix]Entry

	now func() time.Time

	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
	started   bool
}

var _ banlist.Policy = (*Watcher)(nil)

// NewWatcher creates a Watcher with an empty snapshot. Call Refresh to load
// the current entries and Start to keep them current.
func NewWatcher(cfg Config) *Watcher {
	return &Watcher{
		cfg:     cfg,
		entries: make(map[netip.Prefix]Entry),
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Refresh rereads every entry. A database that was never written is read as
// empty. On error the previous snapshot is kept.
func (w *Watcher) Refresh(ctx context.Context) error {
	entries, err := w.read(ctx)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.entries = entries
	w.mu.Unlock()
	return nil
}

func (w *Watcher) read(ctx context.Context) (map[netip.Prefix]Entry, error) {
	// An in-memory database is private to its handle; there is nothing to watch.
	if w.cfg.InMemory {
		return make(map[netip.Prefix]Entry), nil
	}

	// Read-only mode cannot create a database.
	if _, err := os.Stat(filepath.Join(w.cfg.DBPath, badger.ManifestFilename)); errors.Is(err, os.ErrNotExist) {
		return make(map[netip.Prefix]Entry), nil
	}

	db, err := openDB(ctx, badgerOptions(w.cfg).WithReadOnly(true), w.cfg.lockTimeout())
	if err != nil {
		return nil, err
	}

	entries, readErr := readEntries(db)
	if err := db.Close(); err != nil && readErr == nil {
		readErr = fmt.Errorf("failed to close BadgerDB at %s: %w", w.cfg.DBPath, err)
	}
	if readErr != nil {
		return nil, readErr
	}
	return entries, nil
}

// Start refreshes the snapshot every RefreshInterval until Close.
func (w *Watcher) Start() {
	w.startOnce.Do(func() {
		w.mu.Lock()
		w.started = true
		w.mu.Unlock()
		go w.run()
	})
}

func (w *Watcher) run() {
	defer close(w.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-w.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(w.cfg.refreshInterval())
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.Refresh(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("Failed to refresh ban store: %v", err)
			}
		}
	}
}

// Len returns the number of entries in the current snapshot.
func (w *Watcher) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.entries)
}

// IsBanned implements banlist.Policy. Expired entries are ignored.
func (w *Watcher) IsBanned(addr netip.Addr) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return matches(w.entries, addr, w.now())
}

// Close stops the refresh loop, if started, and waits for it to exit.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		close(w.stop)
	})

	w.mu.RLock()
	started := w.started
	w.mu.RUnlock()
	if started {
		<-w.done
	}
	return nil
}
