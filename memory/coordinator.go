// Package memory implements an in-memory variant of the Coordinator to allow
// for quick local/single-process testing
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	clocks "github.com/vimeo/go-clocks"

	"github.com/vimeo/leaderwatch/entry"
)

// ErrUnavailable is returned by operations that were set up to fail with
// FailNext.
var ErrUnavailable = errors.New("memory: coordinator unavailable")

// Op names a Coordinator operation for fault injection and call counting.
type Op string

// Operations
const (
	OpCreateSession  Op = "create_session"
	OpDestroySession Op = "destroy_session"
	OpAcquire        Op = "acquire"
	OpRelease        Op = "release"
	OpRead           Op = "read"
)

type session struct {
	spec entry.SessionSpec
}

type kv struct {
	session     entry.SessionID
	value       []byte
	modifyIndex uint64
}

// Coordinator implements leaderwatch.Coordinator
type Coordinator struct {
	clock    clocks.Clock
	waitTime time.Duration

	mu sync.Mutex
	// raft-style index, bumped on every write
	index    uint64
	sessions map[entry.SessionID]*session
	keys     map[string]*kv
	// index at which a key was deleted
	tombstones map[string]uint64
	// keys released by session invalidation can't be acquired before
	// this time
	lockDelays map[string]time.Time
	// closed (and removed) when the key changes
	changed map[string]chan struct{}

	faults map[Op]int
	calls  map[Op]int
}

// Option configures a Coordinator at construction-time
type Option func(*Coordinator)

// WithClock sets the clock used for lock-delays and blocking-read timeouts.
func WithClock(c clocks.Clock) Option {
	return func(m *Coordinator) {
		m.clock = c
	}
}

// WithWaitTime bounds how long ReadKey blocks without a change. The zero
// value blocks until the key changes or the context is done.
func WithWaitTime(d time.Duration) Option {
	return func(m *Coordinator) {
		m.waitTime = d
	}
}

// NewCoordinator returns a new, initialized instance
func NewCoordinator(opts ...Option) *Coordinator {
	m := &Coordinator{
		clock:      clocks.DefaultClock(),
		sessions:   map[entry.SessionID]*session{},
		keys:       map[string]*kv{},
		tombstones: map[string]uint64{},
		lockDelays: map[string]time.Time{},
		changed:    map[string]chan struct{}{},
		faults:     map[Op]int{},
		calls:      map[Op]int{},
		// start past zero so a zero index always means "don't block"
		index: 1,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// FailNext makes the next n calls of op fail with ErrUnavailable.
func (m *Coordinator) FailNext(op Op, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] += n
}

// Calls returns the number of calls made to op so far (including failed
// ones).
func (m *Coordinator) Calls(op Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *Coordinator) enterLocked(op Op) error {
	m.calls[op]++
	if m.faults[op] > 0 {
		m.faults[op]--
		return fmt.Errorf("%s: %w", op, ErrUnavailable)
	}
	return nil
}

func (m *Coordinator) notifyLocked(key string) {
	if ch, ok := m.changed[key]; ok {
		close(ch)
		delete(m.changed, key)
	}
}

func (m *Coordinator) bumpLocked() uint64 {
	m.index++
	return m.index
}

// CreateSession registers a new session under a random UUID
func (m *Coordinator) CreateSession(ctx context.Context, spec *entry.SessionSpec) (entry.SessionID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enterLocked(OpCreateSession); err != nil {
		return "", err
	}
	id := entry.SessionID(uuid.NewString())
	m.sessions[id] = &session{spec: *spec}
	m.bumpLocked()
	return id, nil
}

// DestroySession invalidates the session. Keys it holds are deleted
// (behavior "delete") or released, and become subject to the session's
// lock-delay.
func (m *Coordinator) DestroySession(ctx context.Context, id entry.SessionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enterLocked(OpDestroySession); err != nil {
		return err
	}
	m.invalidateLocked(id)
	return nil
}

// InvalidateSession simulates the session's health checks failing.
func (m *Coordinator) InvalidateSession(id entry.SessionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidateLocked(id)
}

func (m *Coordinator) invalidateLocked(id entry.SessionID) {
	s, ok := m.sessions[id]
	if !ok {
		return
	}
	delete(m.sessions, id)
	now := m.clock.Now()
	for key, v := range m.keys {
		if v.session != id {
			continue
		}
		if s.spec.LockDelay > 0 {
			m.lockDelays[key] = now.Add(s.spec.LockDelay)
		}
		idx := m.bumpLocked()
		if s.spec.Behavior == entry.SessionBehaviorDelete {
			delete(m.keys, key)
			m.tombstones[key] = idx
		} else {
			v.session = ""
			v.modifyIndex = idx
		}
		m.notifyLocked(key)
	}
}

// Sessions lists the live sessions, sorted.
func (m *Coordinator) Sessions() []entry.SessionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]entry.SessionID, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AcquireKey implements the acquire semantics of a session lock.
func (m *Coordinator) AcquireKey(ctx context.Context, key string, sid entry.SessionID, value []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enterLocked(OpAcquire); err != nil {
		return false, err
	}
	if _, ok := m.sessions[sid]; !ok {
		return false, fmt.Errorf("invalid session %q", sid)
	}
	cur, exists := m.keys[key]
	switch {
	case exists && cur.session == sid:
		// re-acquisition just updates the value
	case exists && cur.session != "":
		return false, nil
	default:
		if until, ok := m.lockDelays[key]; ok {
			if m.clock.Now().Before(until) {
				return false, nil
			}
			delete(m.lockDelays, key)
		}
	}
	m.keys[key] = &kv{
		session:     sid,
		value:       append([]byte(nil), value...),
		modifyIndex: m.bumpLocked(),
	}
	delete(m.tombstones, key)
	m.notifyLocked(key)
	return true, nil
}

// ReleaseKey drops sid's lock on key, leaving the key in place.
func (m *Coordinator) ReleaseKey(ctx context.Context, key string, sid entry.SessionID, value []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enterLocked(OpRelease); err != nil {
		return false, err
	}
	cur, exists := m.keys[key]
	if !exists || cur.session != sid {
		return false, nil
	}
	cur.session = ""
	if value != nil {
		cur.value = append([]byte(nil), value...)
	}
	cur.modifyIndex = m.bumpLocked()
	m.notifyLocked(key)
	return true, nil
}

// Put writes value to key without touching its lock holder.
func (m *Coordinator) Put(key string, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, exists := m.keys[key]
	if !exists {
		cur = &kv{}
		m.keys[key] = cur
		delete(m.tombstones, key)
	}
	cur.value = append([]byte(nil), value...)
	cur.modifyIndex = m.bumpLocked()
	m.notifyLocked(key)
}

// Delete removes key, regardless of who holds it.
func (m *Coordinator) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.keys[key]; !exists {
		return
	}
	delete(m.keys, key)
	m.tombstones[key] = m.bumpLocked()
	m.notifyLocked(key)
}

// keyIndexLocked returns the index reported for key
func (m *Coordinator) keyIndexLocked(key string) uint64 {
	if v, ok := m.keys[key]; ok {
		return v.modifyIndex
	}
	if idx, ok := m.tombstones[key]; ok {
		return idx
	}
	return m.index
}

// ReadKey returns the current state of key, blocking while its index is
// not past index (unless index is 0).
func (m *Coordinator) ReadKey(ctx context.Context, key string, index uint64) (*entry.KeyRecord, uint64, error) {
	var timeout <-chan struct{}
	if m.waitTime > 0 && index != 0 {
		waitCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		ch := make(chan struct{})
		go func() {
			if m.clock.SleepFor(waitCtx, m.waitTime) {
				close(ch)
			}
		}()
		timeout = ch
	}

	m.mu.Lock()
	if err := m.enterLocked(OpRead); err != nil {
		m.mu.Unlock()
		return nil, 0, err
	}
	for {
		cur := m.keyIndexLocked(key)
		if index == 0 || cur > index {
			break
		}
		ch, ok := m.changed[key]
		if !ok {
			ch = make(chan struct{})
			m.changed[key] = ch
		}
		m.mu.Unlock()
		select {
		case <-ch:
		case <-timeout:
			m.mu.Lock()
			return m.snapshotLocked(key)
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
		m.mu.Lock()
	}
	return m.snapshotLocked(key)
}

// snapshotLocked unlocks m.mu before returning
func (m *Coordinator) snapshotLocked(key string) (*entry.KeyRecord, uint64, error) {
	defer m.mu.Unlock()
	idx := m.keyIndexLocked(key)
	v, ok := m.keys[key]
	if !ok {
		return nil, idx, entry.ErrKeyNotFound
	}
	return &entry.KeyRecord{
		Key:         key,
		Session:     v.session,
		Value:       append([]byte(nil), v.value...),
		ModifyIndex: v.modifyIndex,
	}, idx, nil
}
