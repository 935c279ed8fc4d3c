package limiter

import (
	"context"
	"sync"
	"time"
)

// Memory keeps limiter state in process. State is lost on restart.
type Memory struct {
	pol Policy
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*memEntry
}

type memEntry struct {
	fails        int
	blockedUntil time.Time
	updatedAt    time.Time
}

var _ Limiter = (*Memory)(nil)

// NewMemory constructs an in-memory limiter.
func NewMemory(pol Policy) *Memory {
	return &Memory{pol: pol, now: time.Now, entries: make(map[string]*memEntry)}
}

func memKey(username string, ipHash []byte) string { return username + "\x00" + string(ipHash) }

// Allow reports whether login is currently allowed and a retry-after duration.
func (m *Memory) Allow(_ context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[memKey(username, ipHash)]
	if !ok {
		return true, 0, nil
	}
	if d := e.blockedUntil.Sub(m.now()); d > 0 {
		return false, d, nil
	}
	return true, 0, nil
}

// Success forgets the (username, ip) pair.
func (m *Memory) Success(_ context.Context, username string, ipHash []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, memKey(username, ipHash))
	return nil
}

// Failure records a failed attempt and blocks once MaxFails is reached within Window.
func (m *Memory) Failure(_ context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	k := memKey(username, ipHash)
	e, ok := m.entries[k]
	if !ok || now.Sub(e.updatedAt) > m.pol.Window {
		e = &memEntry{}
		m.entries[k] = e
	}
	e.fails++
	e.updatedAt = now
	if e.fails < m.pol.MaxFails {
		return false, 0, nil
	}
	e.blockedUntil = now.Add(m.pol.BlockFor)
	return true, m.pol.BlockFor, nil
}
