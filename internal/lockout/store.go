package lockout

import (
	"context"
	"sync"
	"time"
)

// AttemptStore persists failure windows, lockouts and violation history.
type AttemptStore interface {
	// RecordFailure appends a failure and returns the number of failures
	// within window ending at at.
	RecordFailure(ctx context.Context, userID string, at time.Time, window time.Duration) (int, error)
	ClearFailures(ctx context.Context, userID string) error
	// RecordViolation appends a lockout and returns the number of lockouts
	// within window ending at at.
	RecordViolation(ctx context.Context, userID string, at time.Time, window time.Duration) (int, error)
	ClearViolations(ctx context.Context, userID string) error
	// SetLock locks userID until until. now is the caller's clock reading,
	// used by stores that expire the lock on their own.
	SetLock(ctx context.Context, userID string, now, until time.Time) error
	// LockedUntil returns the lock expiry when a lock later than now exists.
	LockedUntil(ctx context.Context, userID string, now time.Time) (time.Time, bool, error)
	ClearLock(ctx context.Context, userID string) error
}

// MemoryStore keeps attempt state in process memory.
type MemoryStore struct {
	mu         sync.Mutex
	failures   map[string][]time.Time
	violations map[string][]time.Time
	locks      map[string]time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		failures:   make(map[string][]time.Time),
		violations: make(map[string][]time.Time),
		locks:      make(map[string]time.Time),
	}
}

// RecordFailure implements AttemptStore.
func (s *MemoryStore) RecordFailure(ctx context.Context, userID string, at time.Time, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := trimBefore(s.failures[userID], at.Add(-window))
	kept = append(kept, at)
	s.failures[userID] = kept
	return len(kept), nil
}

// ClearFailures implements AttemptStore.
func (s *MemoryStore) ClearFailures(ctx context.Context, userID string) error {
	s.mu.Lock()
	delete(s.failures, userID)
	s.mu.Unlock()
	return nil
}

// RecordViolation implements AttemptStore.
func (s *MemoryStore) RecordViolation(ctx context.Context, userID string, at time.Time, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := trimBefore(s.violations[userID], at.Add(-window))
	kept = append(kept, at)
	s.violations[userID] = kept
	return len(kept), nil
}

// ClearViolations implements AttemptStore.
func (s *MemoryStore) ClearViolations(ctx context.Context, userID string) error {
	s.mu.Lock()
	delete(s.violations, userID)
	s.mu.Unlock()
	return nil
}

// SetLock implements AttemptStore.
func (s *MemoryStore) SetLock(ctx context.Context, userID string, now, until time.Time) error {
	s.mu.Lock()
	s.locks[userID] = until
	s.mu.Unlock()
	return nil
}

// LockedUntil implements AttemptStore.
func (s *MemoryStore) LockedUntil(ctx context.Context, userID string, now time.Time) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.locks[userID]
	if !ok {
		return time.Time{}, false, nil
	}
	if !until.After(now) {
		delete(s.locks, userID)
		return time.Time{}, false, nil
	}
	return until, true, nil
}

// ClearLock implements AttemptStore.
func (s *MemoryStore) ClearLock(ctx context.Context, userID string) error {
	s.mu.Lock()
	delete(s.locks, userID)
	s.mu.Unlock()
	return nil
}

// Prune drops failure windows, violation histories and locks that no longer
// affect any decision at now. It returns the number of users removed.
func (s *MemoryStore) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, ts := range s.failures {
		if kept := trimBefore(ts, now.Add(-AttemptWindow)); len(kept) == 0 {
			delete(s.failures, id)
			removed++
		} else {
			s.failures[id] = kept
		}
	}
	for id, ts := range s.violations {
		if kept := trimBefore(ts, now.Add(-ViolationWindow)); len(kept) == 0 {
			delete(s.violations, id)
		} else {
			s.violations[id] = kept
		}
	}
	for id, until := range s.locks {
		if !until.After(now) {
			delete(s.locks, id)
		}
	}
	return removed
}

// trimBefore drops timestamps not after cutoff. Timestamps are appended in
// order, so the kept entries form a suffix.
func trimBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	out := make([]time.Time, len(ts)-i)
	copy(out, ts[i:])
	return out
}

var _ AttemptStore = (*MemoryStore)(nil)
