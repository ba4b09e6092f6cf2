// Package keylock serializes mutating operations per resource key.
//
// A Set hands out at most one Lease per key. A second TryAcquire for a held
// key fails immediately with ErrBusy instead of queueing. When a lock
// directory is configured, each lease also holds an flock(2) on
// <dir>/<key>.lock so a second process (the CLI, another server) is
// rejected the same way.
package keylock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
)

// ErrBusy is returned when the key is already leased.
var ErrBusy = errors.New("key is busy")

// Set is a keyed lease table.
type Set struct {
	mu   sync.Mutex
	held map[string]struct{}
	dir  string

	// OnReject is called with the key whenever an acquisition is refused.
	OnReject func(key string)
}

// New returns a Set. An empty dir disables cross-process file locks.
func New(dir string) *Set {
	return &Set{
		held: make(map[string]struct{}),
		dir:  dir,
	}
}

// Lease is a held key. Release is idempotent.
type Lease struct {
	key  string
	set  *Set
	fl   *flock.Flock
	once sync.Once
}

// Key returns the leased key.
func (l *Lease) Key() string { return l.key }

// Release gives the key back.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		if l.fl != nil {
			_ = l.fl.Unlock()
		}
		l.set.mu.Lock()
		delete(l.set.held, l.key)
		l.set.mu.Unlock()
	})
}

// TryAcquire leases key or fails with ErrBusy.
func (s *Set) TryAcquire(key string) (*Lease, error) {
	s.mu.Lock()
	if _, busy := s.held[key]; busy {
		s.mu.Unlock()
		s.reject(key)
		return nil, fmt.Errorf("%s: %w", key, ErrBusy)
	}
	s.held[key] = struct{}{}
	s.mu.Unlock()

	lease := &Lease{key: key, set: s}
	if s.dir == "" {
		return lease, nil
	}

	fl, err := s.fileLock(key)
	if err != nil {
		lease.Release()
		return nil, err
	}
	locked, err := fl.TryLock()
	if err != nil {
		lease.Release()
		return nil, fmt.Errorf("acquire flock %s: %w", fl.Path(), err)
	}
	if !locked {
		lease.Release()
		s.reject(key)
		return nil, fmt.Errorf("%s: held by another process: %w", key, ErrBusy)
	}
	lease.fl = fl
	return lease, nil
}

// TryAcquireAll leases every key or none of them.
func (s *Set) TryAcquireAll(keys ...string) ([]*Lease, error) {
	leases := make([]*Lease, 0, len(keys))
	for _, k := range keys {
		l, err := s.TryAcquire(k)
		if err != nil {
			ReleaseAll(leases)
			return nil, err
		}
		leases = append(leases, l)
	}
	return leases, nil
}

// ReleaseAll releases every lease.
func ReleaseAll(leases []*Lease) {
	for _, l := range leases {
		l.Release()
	}
}

// WithLease runs fn while holding key.
func (s *Set) WithLease(key string, fn func() error) error {
	l, err := s.TryAcquire(key)
	if err != nil {
		return err
	}
	defer l.Release()
	return fn()
}

// Held reports whether key is leased in this process.
func (s *Set) Held(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.held[key]
	return ok
}

func (s *Set) fileLock(key string) (*flock.Flock, error) {
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return nil, fmt.Errorf("create lock dir %s: %w", s.dir, err)
	}
	// Lock files are long-lived and never deleted after use.
	name := strings.NewReplacer("/", "_", string(os.PathSeparator), "_").Replace(key)
	return flock.New(filepath.Join(s.dir, name+".lock")), nil
}

func (s *Set) reject(key string) {
	if s.OnReject != nil {
		s.OnReject(key)
	}
}
