// Package cache holds the short-lived per-phone state shared between
// requests: the attendance marker and the per-phone processing lock.
package cache

import (
	"context"
	"sync"
	"time"
)

// Defaults for attendance markers and locks.
const (
	// AttendanceTTL is how long a phone stays marked as "in attendance".
	AttendanceTTL = 720 * time.Second
	// AttendanceKeyPrefix prefixes the attendance marker key.
	AttendanceKeyPrefix = "atendimento."
	// DefaultLockTTL bounds how long a crashed holder can keep a phone locked.
	// A live holder keeps extending it.
	DefaultLockTTL = 60 * time.Second
	// DefaultLockWait is how long a second event for the same phone waits
	// for the lock before giving up.
	DefaultLockWait = 5 * time.Minute
)

// AttendanceKey returns the marker key for phone.
func AttendanceKey(phone string) string {
	return AttendanceKeyPrefix + phone
}

// Attendance tracks which phones had recent automated attendance.
type Attendance interface {
	Mark(ctx context.Context, phone string) error
	Clear(ctx context.Context, phone string) error
	// Remaining returns the marker's time to live, or 0 when unmarked.
	Remaining(ctx context.Context, phone string) (time.Duration, error)
}

// Locker serialises work per key. The returned unlock func must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// NopAttendance is used when no cache is configured.
type NopAttendance struct{}

func (NopAttendance) Mark(ctx context.Context, phone string) error  { return nil }
func (NopAttendance) Clear(ctx context.Context, phone string) error { return nil }
func (NopAttendance) Remaining(ctx context.Context, phone string) (time.Duration, error) {
	return 0, nil
}

// KeyedMutex is an in-process Locker with one mutex per key. Entries are
// reference counted and removed when no goroutine holds or waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

// Compile-time check that KeyedMutex implements Locker.
var _ Locker = (*KeyedMutex)(nil)

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock blocks until key is free or ctx is done.
func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.release(key, e)
		})
	}, nil
}

func (k *KeyedMutex) release(key string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

// Len returns the number of keys currently held or awaited.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
