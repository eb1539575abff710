package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrTimeout is returned when a lock could not be acquired within the
// configured retry budget.
var ErrTimeout = errors.New("lock: acquisition timed out")

// GlobalKey guards structural mutations of the account list (create/delete),
// since the whole document is the atomic unit of persistence. Balance
// mutations use per-account keys and never nest with this one.
const GlobalKey = "accounts"

// Manager provides advisory, file-based mutual exclusion keyed by a resource
// id. A lock is a marker file created exclusively; its mtime is the
// acquisition timestamp. Markers older than StaleAfter are presumed abandoned
// by a crashed holder and are forcibly reclaimed.
type Manager struct {
	dir        string
	owner      string
	maxRetries int
	retryDelay time.Duration
	staleAfter time.Duration
}

// Options tunes lock acquisition behavior
type Options struct {
	MaxRetries int           // attempts before giving up
	RetryDelay time.Duration // sleep between attempts
	StaleAfter time.Duration // age after which a held marker is reclaimed
}

// DefaultOptions returns the acquisition defaults used in production
func DefaultOptions() Options {
	return Options{
		MaxRetries: 50,
		RetryDelay: 100 * time.Millisecond,
		StaleAfter: 30 * time.Second,
	}
}

// NewManager creates a lock manager rooted at dir, creating it if needed
func NewManager(dir string, opts Options) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("lock: create dir: %w", err)
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultOptions().MaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultOptions().RetryDelay
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultOptions().StaleAfter
	}
	return &Manager{
		dir:        dir,
		owner:      uuid.New().String(),
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		staleAfter: opts.StaleAfter,
	}, nil
}

// AccountKey returns the lock key for a single account's balance mutations
func AccountKey(accountID string) string {
	return "account-" + accountID
}

// Acquire takes the lock for key, retrying on contention. It returns a
// release function that deletes the marker; calling release more than once,
// or after the marker is already gone, is safe.
func (m *Manager) Acquire(key string) (func(), error) {
	path := m.markerPath(key)

	for attempt := 0; attempt < m.maxRetries; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%s %s\n", m.owner, time.Now().UTC().Format(time.RFC3339Nano))
			f.Close()
			released := false
			return func() {
				if released {
					return
				}
				released = true
				if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
					// Nothing useful to do; the staleness threshold will
					// eventually reclaim it.
					_ = err
				}
			}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("lock: create marker %s: %w", key, err)
		}

		// Marker exists. If the holder looks crashed, reclaim and retry
		// immediately; otherwise wait out the contention.
		if m.isStale(path) {
			_ = os.Remove(path)
			continue
		}
		time.Sleep(m.retryDelay)
	}

	return nil, fmt.Errorf("lock: %q after %d attempts: %w", key, m.maxRetries, ErrTimeout)
}

// isStale reports whether the marker at path is older than the staleness
// threshold. A marker that vanished between attempts is treated as not stale;
// the next create attempt will simply succeed.
func (m *Manager) isStale(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) >= m.staleAfter
}

func (m *Manager) markerPath(key string) string {
	// Keys are account ids or well-known names; flatten anything that could
	// escape the lock directory.
	safe := strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(key)
	return filepath.Join(m.dir, safe+".lock")
}
