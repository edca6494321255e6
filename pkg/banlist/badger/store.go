// Package badger persists ban entries in BadgerDB so bans issued from the
// command line survive restarts.
//
// Key Namespace:
//
//	Data Type    Prefix   Key Format          Value Type
//	=====================================================
//	Ban entry    "ban:"   ban:<cidr>          Entry (JSON)
//
// BadgerDB allows one process at a time in a directory. The "canvasd ban"
// commands open a Store for the length of one command; the running server
// uses a Watcher, which only opens the database read-only for a moment on
// every refresh. Both wait for the directory lock instead of failing at once.
//
// Store and Watcher keep an in-memory snapshot of all entries so IsBanned
// never touches the database on the admission path.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/marmos91/canvasd/pkg/banlist"
	"github.com/mitchellh/mapstructure"
)

const prefixBan = "ban:"

const (
	// DefaultRefreshInterval is how often a Watcher rereads the database.
	DefaultRefreshInterval = 5 * time.Second

	// DefaultLockTimeout is how long Open and Refresh wait for another
	// process to release the database.
	DefaultLockTimeout = 2 * time.Second

	lockRetryDelay = 50 * time.Millisecond
)

// ErrNotFound is returned when removing a ban that does not exist.
var ErrNotFound = errors.New("ban entry not found")

// Entry is a persisted ban.
type Entry struct {
	Prefix    netip.Prefix `json:"prefix"`
	Reason    string       `json:"reason,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	// ExpiresAt is zero for permanent bans.
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// Expired reports whether the entry no longer applies at now.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Config configures the store.
type Config struct {
	// DBPath is the BadgerDB directory. Required unless InMemory is set.
	DBPath string `mapstructure:"db_path"`

	// InMemory keeps the database in memory only (for tests).
	InMemory bool `mapstructure:"in_memory"`

	// RefreshInterval is how often a Watcher rereads the database.
	// Zero means DefaultRefreshInterval.
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`

	// LockTimeout bounds the wait for the directory lock.
	// Zero means DefaultLockTimeout.
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
}

func (c Config) refreshInterval() time.Duration {
	if c.RefreshInterval <= 0 {
		return DefaultRefreshInterval
	}
	return c.RefreshInterval
}

func (c Config) lockTimeout() time.Duration {
	if c.LockTimeout <= 0 {
		return DefaultLockTimeout
	}
	return c.LockTimeout
}

// DecodeConfig decodes a generic options map (as found in the config file)
// into a Config. Durations may be given as strings such as "10s".
func DecodeConfig(raw map[string]any) (Config, error) {
	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
		Result:     &cfg,
	})
	if err != nil {
		return Config{}, err
	}
	if err := decoder.Decode(raw); err != nil {
		return Config{}, fmt.Errorf("invalid badger ban store config: %w", err)
	}
	if cfg.DBPath == "" && !cfg.InMemory {
		return Config{}, fmt.Errorf("invalid badger ban store config: db_path is required")
	}
	return cfg, nil
}

// Store is a BadgerDB-backed banlist.Policy.
type Store struct {
	db *badger.DB

	mu      sync.RWMutex
	entries map[netip.Prefix]Entry

	now func() time.Time
}

var _ banlist.Policy = (*Store)(nil)

func badgerOptions(cfg Config) badger.Options {
	opts := badger.DefaultOptions(cfg.DBPath)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLoggingLevel(badger.WARNING)
	opts = opts.WithCompression(options.None)
	return opts
}

// isLocked reports whether err is badger refusing a directory that another
// handle holds. Badger formats this error without wrapping the cause.
func isLocked(err error) bool {
	return strings.Contains(err.Error(), "Cannot acquire directory lock")
}

// openDB opens the database, retrying while the directory is locked.
func openDB(ctx context.Context, opts badger.Options, timeout time.Duration) (*badger.DB, error) {
	deadline := time.Now().Add(timeout)
	for {
		db, err := badger.Open(opts)
		if err == nil {
			return db, nil
		}
		if !isLocked(err) || !time.Now().Before(deadline) {
			return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", opts.Dir, err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryDelay):
		}
	}
}

// Open opens (or creates) the ban database and loads all entries. It waits
// up to LockTimeout for a Watcher or another command to release the
// directory.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	db, err := openDB(ctx, badgerOptions(cfg), cfg.lockTimeout())
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:      db,
		entries: make(map[netip.Prefix]Entry),
		now:     time.Now,
	}

	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) load() error {
	entries, err := readEntries(s.db)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
	return nil
}

func readEntries(db *badger.DB) (map[netip.Prefix]Entry, error) {
	entries := make(map[netip.Prefix]Entry)

	err := db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixBan)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var e Entry
				if err := json.Unmarshal(val, &e); err != nil {
					return fmt.Errorf("failed to decode ban %s: %w", it.Item().Key(), err)
				}
				entries[e.Prefix] = e
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load bans: %w", err)
	}
	return entries, nil
}

func keyFor(p netip.Prefix) []byte {
	return []byte(prefixBan + p.String())
}

// Add stores a ban, replacing any existing entry for the same prefix.
// CreatedAt is filled in when zero.
func (s *Store) Add(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !e.Prefix.IsValid() {
		return fmt.Errorf("invalid ban prefix")
	}
	e.Prefix = e.Prefix.Masked()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode ban: %w", err)
	}

	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyFor(e.Prefix), data)
	}); err != nil {
		return fmt.Errorf("failed to store ban %s: %w", e.Prefix, err)
	}

	s.mu.Lock()
	s.entries[e.Prefix] = e
	s.mu.Unlock()
	return nil
}

// Remove deletes the ban for exactly this prefix.
func (s *Store) Remove(ctx context.Context, p netip.Prefix) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p = p.Masked()

	s.mu.RLock()
	_, ok := s.entries[p]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", p, ErrNotFound)
	}

	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(keyFor(p))
	}); err != nil {
		return fmt.Errorf("failed to delete ban %s: %w", p, err)
	}

	s.mu.Lock()
	delete(s.entries, p)
	s.mu.Unlock()
	return nil
}

// List returns all entries, including expired ones, sorted by prefix.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Prefix.String() < out[j].Prefix.String()
	})
	return out, nil
}

// Prune deletes expired entries and returns how many were removed.
func (s *Store) Prune(ctx context.Context) (int, error) {
	entries, err := s.List(ctx)
	if err != nil {
		return 0, err
	}

	now := s.now()
	removed := 0
	for _, e := range entries {
		if !e.Expired(now) {
			continue
		}
		if err := s.Remove(ctx, e.Prefix); err != nil && !errors.Is(err, ErrNotFound) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// IsBanned implements banlist.Policy. Expired entries are ignored.
func (s *Store) IsBanned(addr netip.Addr) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return matches(s.entries, addr, s.now())
}

func matches(entries map[netip.Prefix]Entry, addr netip.Addr, now time.Time) bool {
	if !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()

	for p, e := range entries {
		if p.Contains(addr) && !e.Expired(now) {
			return true
		}
	}
	return false
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
