package leaderwatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vimeo/leaderwatch/entry"
	"github.com/vimeo/leaderwatch/memory"
)

// scriptedCoordinator hands every session-create, acquire and read call to
// the test goroutine, which decides how it's answered. Destroy and release
// calls are only recorded, since they happen in the background or at
// shutdown.
type scriptedCoordinator struct {
	calls chan *scriptedCall

	mu        sync.Mutex
	destroyed []entry.SessionID
	released  []entry.SessionID
}

type scriptedCall struct {
	op      memory.Op
	spec    *entry.SessionSpec
	session entry.SessionID
	index   uint64
	resp    chan scriptedResult
}

type scriptedResult struct {
	session entry.SessionID
	won     bool
	rec     *entry.KeyRecord
	index   uint64
	err     error
}

func newScriptedCoordinator() *scriptedCoordinator {
	return &scriptedCoordinator{calls: make(chan *scriptedCall)}
}

func (s *scriptedCoordinator) do(ctx context.Context, c *scriptedCall) (scriptedResult, error) {
	c.resp = make(chan scriptedResult, 1)
	select {
	case s.calls <- c:
	case <-ctx.Done():
		return scriptedResult{}, ctx.Err()
	}
	select {
	case r := <-c.resp:
		return r, r.err
	case <-ctx.Done():
		return scriptedResult{}, ctx.Err()
	}
}

func (s *scriptedCoordinator) CreateSession(ctx context.Context, spec *entry.SessionSpec) (entry.SessionID, error) {
	r, err := s.do(ctx, &scriptedCall{op: memory.OpCreateSession, spec: spec})
	return r.session, err
}

func (s *scriptedCoordinator) DestroySession(ctx context.Context, id entry.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = append(s.destroyed, id)
	return nil
}

func (s *scriptedCoordinator) AcquireKey(ctx context.Context, key string, sid entry.SessionID, value []byte) (bool, error) {
	r, err := s.do(ctx, &scriptedCall{op: memory.OpAcquire, session: sid})
	return r.won, err
}

func (s *scriptedCoordinator) ReleaseKey(ctx context.Context, key string, sid entry.SessionID, value []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, sid)
	return true, nil
}

func (s *scriptedCoordinator) ReadKey(ctx context.Context, key string, index uint64) (*entry.KeyRecord, uint64, error) {
	r, err := s.do(ctx, &scriptedCall{op: memory.OpRead, index: index})
	return r.rec, r.index, err
}

func (s *scriptedCoordinator) destroyedSessions() []entry.SessionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]entry.SessionID(nil), s.destroyed...)
}

func (s *scriptedCoordinator) releasedSessions() []entry.SessionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]entry.SessionID(nil), s.released...)
}

// expect receives the next call and fails the test if it isn't op
func (s *scriptedCoordinator) expect(t testing.TB, op memory.Op) *scriptedCall {
	t.Helper()
	select {
	case c := <-s.calls:
		if c.op != op {
			t.Fatalf("unexpected call; want %s; got %s (session %q, index %d)", op, c.op, c.session, c.index)
		}
		return c
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for a %s call", op)
	}
	return nil
}

// expectNone verifies that no call arrives for a little while
func (s *scriptedCoordinator) expectNone(t testing.TB) {
	t.Helper()
	select {
	case c := <-s.calls:
		t.Fatalf("unexpected %s call (session %q, index %d)", c.op, c.session, c.index)
	case <-time.After(50 * time.Millisecond):
	}
}

func (c *scriptedCall) reply(r scriptedResult) {
	c.resp <- r
}

func heldRecord(t testing.TB, sid entry.SessionID, li entry.LeaderInfo) *entry.KeyRecord {
	t.Helper()
	v, err := li.Encode()
	if err != nil {
		t.Fatalf("failed to encode leader info: %s", err)
	}
	return &entry.KeyRecord{Key: "service/foo/leader", Session: sid, Value: v}
}
