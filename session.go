package leaderwatch

import (
	"context"
	"sync"
	"time"

	retry "github.com/vimeo/go-retry"
	"go.uber.org/zap"

	"github.com/vimeo/leaderwatch/entry"
)

// sessionFuture is a session that may still be in the process of being
// created. done is closed once id is valid; replaced is closed when a newer
// future supersedes this one.
type sessionFuture struct {
	done     chan struct{}
	replaced chan struct{}
	id       entry.SessionID
}

func newSessionFuture() *sessionFuture {
	return &sessionFuture{
		done:     make(chan struct{}),
		replaced: make(chan struct{}),
	}
}

// resolve must be called at most once.
func (f *sessionFuture) resolve(id entry.SessionID) {
	f.id = id
	close(f.done)
}

func (f *sessionFuture) resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// sessionCell holds the current session future. Readers all observe the
// same in-flight creation; only the election loop replaces it.
type sessionCell struct {
	mu  sync.Mutex
	cur *sessionFuture
}

func newSessionCell() *sessionCell {
	return &sessionCell{cur: newSessionFuture()}
}

func (s *sessionCell) current() *sessionFuture {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// replace installs a new, unresolved future and returns it along with the
// resolved ID of the one it replaced (if any).
func (s *sessionCell) replace() (*sessionFuture, entry.SessionID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cur
	s.cur = newSessionFuture()
	close(old.replaced)
	if old.resolved() {
		return s.cur, old.id, true
	}
	return s.cur, "", false
}

// wait blocks until there is a session or ctx is done.
func (s *sessionCell) wait(ctx context.Context) (entry.SessionID, error) {
	for {
		f := s.current()
		select {
		case <-f.done:
			return f.id, nil
		case <-f.replaced:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// peek returns the current session without blocking.
func (s *sessionCell) peek() (entry.SessionID, bool) {
	f := s.current()
	if !f.resolved() {
		return "", false
	}
	return f.id, true
}

func fixedBackoff(d time.Duration) retry.Backoff {
	return retry.Backoff{
		MinBackoff: d,
		MaxBackoff: d,
		Jitter:     0,
		ExpFactor:  1,
	}
}

// createSession retries session creation until it succeeds or ctx is done.
func (e *Elector) createSession(ctx context.Context) (entry.SessionID, bool) {
	spec := e.c.sessionSpec()
	b := fixedBackoff(e.c.SessionRetryDelay)
	for {
		id, err := e.c.Coordinator.CreateSession(ctx, spec)
		if err == nil {
			e.c.Metrics.SessionCreated()
			e.log.Info("created session", zap.String("session", string(id)))
			return id, true
		}
		if ctx.Err() != nil {
			return "", false
		}
		e.c.Metrics.SessionError()
		e.log.Warn("failed to create session", zap.String("name", spec.Name), zap.Error(err))
		if !e.c.Clock.SleepFor(ctx, b.Next()) {
			return "", false
		}
	}
}

// renewSession discards the current session and blocks until a new one has
// been created (or ctx is done). The discarded session is destroyed in the
// background.
func (e *Elector) renewSession(ctx context.Context) bool {
	f, old, hadOld := e.session.replace()
	if hadOld {
		// a new session can't hold the lock yet
		e.setLeader(false)
		e.destroySessionAsync(old)
	}
	id, ok := e.createSession(ctx)
	if !ok {
		return false
	}
	f.resolve(id)
	return true
}

func (e *Elector) destroySessionAsync(id entry.SessionID) {
	e.bgwg.Add(1)
	go func() {
		defer e.bgwg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.c.ShutdownTimeout)
		defer cancel()
		if err := e.c.Coordinator.DestroySession(ctx, id); err != nil {
			e.log.Debug("failed to destroy replaced session",
				zap.String("session", string(id)), zap.Error(err))
		}
	}()
}
