// Package spanlock provides range-granular locks over byte regions of keyed
// resources.
//
// Requests for the same key are queued in arrival order. A request is granted
// once no earlier request for an overlapping region is held or still waiting,
// so overlapping requests are served first-come first-served and can never
// starve, while requests for disjoint regions proceed in parallel.
package spanlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Manager hands out region locks. The zero value is not usable; call New.
type Manager struct {
	mu     sync.Mutex
	queues map[string]*queue
}

type queue struct {
	reqs []*Lock
}

// Lock is a held region lock. Release it exactly once on every exit path;
// extra calls to Release are no-ops.
type Lock struct {
	m       *Manager
	key     string
	off     int64
	end     int64
	granted bool
	ready   chan struct{}
	once    sync.Once
}

// New returns an empty lock manager.
func New() *Manager {
	return &Manager{queues: make(map[string]*queue)}
}

// Acquire blocks until the region [off, off+length) of key is free for the
// caller, or ctx is done.
func (m *Manager) Acquire(ctx context.Context, key string, off, length int64) (*Lock, error) {
	if err := validate(off, length); err != nil {
		return nil, err
	}
	l := &Lock{m: m, key: key, off: off, end: off + length, ready: make(chan struct{})}

	m.mu.Lock()
	q := m.queue(key)
	q.reqs = append(q.reqs, l)
	q.grant()
	m.mu.Unlock()

	select {
	case <-l.ready:
		return l, nil
	case <-ctx.Done():
		// The request may have been granted concurrently; either way it is dropped.
		l.Release()
	}
	return nil, ctx.Err()
}

// TryAcquire grants the region immediately if no held or waiting request
// overlaps it.
func (m *Manager) TryAcquire(key string, off, length int64) (*Lock, bool) {
	if validate(off, length) != nil {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.queues[key]; ok {
		for _, r := range q.reqs {
			if r.overlaps(off, off+length) {
				return nil, false
			}
		}
	}
	l := &Lock{m: m, key: key, off: off, end: off + length, granted: true, ready: make(chan struct{})}
	close(l.ready)
	q := m.queue(key)
	q.reqs = append(q.reqs, l)
	return l, true
}

// Overlaps reports whether any held or waiting request overlaps the region.
func (m *Manager) Overlaps(key string, off, length int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[key]
	if !ok {
		return false
	}
	for _, r := range q.reqs {
		if r.overlaps(off, off+length) {
			return true
		}
	}
	return false
}

// Held returns the number of granted locks across all keys.
func (m *Manager) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, q := range m.queues {
		for _, r := range q.reqs {
			if r.granted {
				n++
			}
		}
	}
	return n
}

// Release frees the region and wakes eligible waiters.
func (l *Lock) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() { l.m.remove(l) })
}

// Key returns the locked resource key.
func (l *Lock) Key() string { return l.key }

// Range returns the locked region as [off, end).
func (l *Lock) Range() (off, end int64) { return l.off, l.end }

// Covers reports whether [off, off+length) lies within the locked region.
func (l *Lock) Covers(off, length int64) bool {
	return l != nil && off >= l.off && off+length <= l.end
}

func (l *Lock) String() string {
	return fmt.Sprintf("%s[%d,%d)", l.key, l.off, l.end)
}

func (l *Lock) overlaps(off, end int64) bool {
	return l.off < end && off < l.end
}

func (m *Manager) queue(key string) *queue {
	q, ok := m.queues[key]
	if !ok {
		q = &queue{}
		m.queues[key] = q
	}
	return q
}

func (m *Manager) remove(l *Lock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[l.key]
	if !ok {
		return
	}
	for i, r := range q.reqs {
		if r == l {
			q.reqs = append(q.reqs[:i], q.reqs[i+1:]...)
			break
		}
	}
	if len(q.reqs) == 0 {
		delete(m.queues, l.key)
		return
	}
	q.grant()
}

// grant wakes every waiting request with no overlapping predecessor.
func (q *queue) grant() {
	for i, r := range q.reqs {
		if r.granted {
			continue
		}
		blocked := false
		for _, prev := range q.reqs[:i] {
			if prev.overlaps(r.off, r.end) {
				blocked = true
				break
			}
		}
		if !blocked {
			r.granted = true
			close(r.ready)
		}
	}
}

func validate(off, length int64) error {
	if off < 0 {
		return fmt.Errorf("spanlock: negative offset %d", off)
	}
	if length <= 0 {
		return errors.New("spanlock: length must be > 0")
	}
	return nil
}
