package concurrency

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

var (
	ErrInvalidCapacity = errors.New("invalid capacity")
)

// ConcurrencyStats tracks slot usage over the manager's lifetime.
type ConcurrencyStats struct {
	Limit        int           `json:"limit"`
	Held         int           `json:"held"`
	Peak         int           `json:"peak"`
	Acquisitions int64         `json:"acquisitions"`
	Failures     int64         `json:"failures"`
	AvgWait      time.Duration `json:"avg_wait_ns"`
}

// ConcurrencyManager is a counting semaphore bounding the number of live
// processes. Every acquired Slot must be released exactly once.
type ConcurrencyManager struct {
	limit int
	sem   *semaphore.Weighted

	mu            sync.Mutex
	held          int
	peak          int
	acquisitions  int64
	failures      int64
	totalWaitTime time.Duration
}

// NewConcurrencyManager creates a manager with limit slots.
func NewConcurrencyManager(limit int) (*ConcurrencyManager, error) {
	if limit <= 0 {
		return nil, ErrInvalidCapacity
	}
	return &ConcurrencyManager{
		limit: limit,
		sem:   semaphore.NewWeighted(int64(limit)),
	}, nil
}

// Slot is one held unit of concurrency.
type Slot struct {
	m    *ConcurrencyManager
	once sync.Once
}

// Release gives the slot back. Calls after the first are no-ops.
func (s *Slot) Release() {
	s.once.Do(func() {
		s.m.mu.Lock()
		s.m.held--
		s.m.mu.Unlock()
		s.m.sem.Release(1)
	})
}

// Acquire suspends until a slot is free or ctx is done.
func (m *ConcurrencyManager) Acquire(ctx context.Context) (*Slot, error) {
	start := time.Now()
	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.mu.Lock()
		m.failures++
		m.mu.Unlock()
		return nil, err
	}
	m.record(time.Since(start))
	return &Slot{m: m}, nil
}

// TryAcquire takes a slot only if one is free right now.
func (m *ConcurrencyManager) TryAcquire() (*Slot, bool) {
	if !m.sem.TryAcquire(1) {
		return nil, false
	}
	m.record(0)
	return &Slot{m: m}, true
}

func (m *ConcurrencyManager) record(wait time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held++
	if m.held > m.peak {
		m.peak = m.held
	}
	m.acquisitions++
	m.totalWaitTime += wait
}

// Limit returns the slot count.
func (m *ConcurrencyManager) Limit() int {
	return m.limit
}

// Held returns the number of slots currently held.
func (m *ConcurrencyManager) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held
}

// Stats returns a copy of the usage statistics.
func (m *ConcurrencyManager) Stats() ConcurrencyStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := ConcurrencyStats{
		Limit:        m.limit,
		Held:         m.held,
		Peak:         m.peak,
		Acquisitions: m.acquisitions,
		Failures:     m.failures,
	}
	if m.acquisitions > 0 {
		s.AvgWait = m.totalWaitTime / time.Duration(m.acquisitions)
	}
	return s
}
