package leaderwatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/vimeo/leaderwatch/entry"
	"github.com/vimeo/leaderwatch/gate"
	"github.com/vimeo/leaderwatch/metrics"
)

// ErrAlreadyRunning is returned by Run if the Elector is (or was) already
// running.
var ErrAlreadyRunning = errors.New("elector already started")

// Elector campaigns for a lock key and tracks who holds it.
type Elector struct {
	c   Config
	log *zap.Logger

	// encoded LeaderInfo for the local instance
	value []byte

	session *sessionCell
	// set while this process believes it holds the lock
	leader *gate.Gate[struct{}]
	// info of whoever holds the lock
	current *gate.Gate[entry.LeaderInfo]

	// last index returned by ReadKey; only touched by the Run goroutine
	index uint64

	cbMu     sync.Mutex
	callback func(entry.LeaderInfo)

	started int32
	// tracks background session destruction
	bgwg sync.WaitGroup
}

// NewElector validates the config and constructs an Elector. Nothing is sent
// to the coordination service until Run is called.
func NewElector(c Config) (*Elector, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	c.setDefaults()
	value, encErr := c.Service.LeaderInfo(c.ConnectionParams).Encode()
	if encErr != nil {
		return nil, encErr
	}
	return &Elector{
		c:       c,
		log:     c.Logger.With(zap.String("key", c.Key), zap.String("service_id", c.Service.ID)),
		value:   value,
		session: newSessionCell(),
		leader:  gate.New[struct{}](),
		current: gate.New[entry.LeaderInfo](),
	}, nil
}

// Run creates a session and campaigns for the lock until ctx is cancelled.
// Failures talking to the coordination service are retried indefinitely and
// are never returned. On cancellation, the lock is released if held, the
// session destroyed and ctx.Err() returned.
func (e *Elector) Run(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&e.started, 0, 1) {
		return ErrAlreadyRunning
	}
	defer e.bgwg.Wait()
	defer e.shutdown()

	if !e.renewSession(ctx) {
		return ctx.Err()
	}

	b := fixedBackoff(e.c.RetryDelay)
	errorCount := 0
	for {
		sid, waitErr := e.session.wait(ctx)
		if waitErr != nil {
			return waitErr
		}
		won, acqErr := e.c.Coordinator.AcquireKey(ctx, e.c.Key, sid, e.value)
		if acqErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errorCount++
			e.c.Metrics.Acquire(metrics.ResultError)
			e.log.Warn("failed to acquire lock key",
				zap.String("session", string(sid)),
				zap.Int("consecutive_errors", errorCount), zap.Error(acqErr))
			if !e.c.Clock.SleepFor(ctx, b.Next()) {
				return ctx.Err()
			}
			if errorCount > e.c.MaxAcquireErrors {
				e.log.Info("replacing session after repeated acquisition failures",
					zap.String("session", string(sid)))
				if !e.renewSession(ctx) {
					return ctx.Err()
				}
				errorCount = 0
			}
			continue
		}
		errorCount = 0
		b.Reset()

		if won {
			e.c.Metrics.Acquire(metrics.ResultWon)
		} else {
			// someone else holds it; we're a follower
			e.c.Metrics.Acquire(metrics.ResultLost)
		}
		e.setLeader(won)

		vacant, watchErr := e.watch(ctx, sid)
		if watchErr != nil {
			return watchErr
		}
		if vacant && !won {
			// the lock is free but wasn't ours to take (lock-delay
			// after the previous holder's session was invalidated)
			if !e.c.Clock.SleepFor(ctx, e.c.RetryDelay) {
				return ctx.Err()
			}
		}
	}
}

func (e *Elector) setLeader(leader bool) {
	_, was := e.leader.Peek()
	if leader {
		e.leader.Set(struct{}{})
	} else {
		e.leader.Reset()
	}
	e.c.Metrics.SetLeader(leader)
	switch {
	case leader && !was:
		e.log.Info("acquired leadership")
	case !leader && was:
		e.log.Info("lost leadership")
	}
}

// shutdown releases the lock (if held) and destroys the session. It uses a
// fresh context since Run's is already done.
func (e *Elector) shutdown() {
	_, sid, hadSession := e.session.replace()
	_, wasLeader := e.leader.Peek()
	e.leader.Reset()
	e.current.Reset()
	e.c.Metrics.SetLeader(false)
	if !hadSession {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.c.ShutdownTimeout)
	defer cancel()
	if wasLeader {
		released, relErr := e.c.Coordinator.ReleaseKey(ctx, e.c.Key, sid, e.value)
		switch {
		case relErr != nil:
			e.log.Warn("failed to release lock key", zap.String("session", string(sid)), zap.Error(relErr))
		case !released:
			e.log.Warn("lock key was not held at shutdown", zap.String("session", string(sid)))
		default:
			e.log.Info("released leadership")
		}
	}
	if destroyErr := e.c.Coordinator.DestroySession(ctx, sid); destroyErr != nil {
		e.log.Warn("failed to destroy session", zap.String("session", string(sid)), zap.Error(destroyErr))
	}
}

// CurrentLeader waits until a session exists and at least one watch cycle
// has observed a holder of the lock, then returns the holder's info.
// The only errors returned come from ctx.
func (e *Elector) CurrentLeader(ctx context.Context) (entry.LeaderInfo, error) {
	if _, err := e.session.wait(ctx); err != nil {
		return entry.LeaderInfo{}, err
	}
	return e.current.Wait(ctx)
}

// AwaitLeadership blocks until this process holds the lock. It never returns
// early because the process is a follower; bound it with ctx.
func (e *Elector) AwaitLeadership(ctx context.Context) error {
	if _, err := e.session.wait(ctx); err != nil {
		return err
	}
	_, err := e.leader.Wait(ctx)
	return err
}

// Leading returns a channel that is closed while this process believes it
// holds the lock. The channel belongs to the current term: once leadership
// is lost, call Leading again for a channel that closes on the next win.
func (e *Elector) Leading() <-chan struct{} {
	return e.leader.Ready()
}

// SetLeaderCallback registers cb to be called with the leader info on every
// observed change of the lock key, replacing any previous callback. cb runs
// on the election goroutine and should not block. A nil cb unregisters.
func (e *Elector) SetLeaderCallback(cb func(entry.LeaderInfo)) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.callback = cb
}

func (e *Elector) notify(li entry.LeaderInfo) {
	e.cbMu.Lock()
	cb := e.callback
	e.cbMu.Unlock()
	if cb != nil {
		cb(li)
	}
}

// IsLeader reports the current leadership belief without blocking.
func (e *Elector) IsLeader() bool {
	_, ok := e.leader.Peek()
	return ok
}

// LeaderInfo returns the last observed leader info without blocking.
func (e *Elector) LeaderInfo() (entry.LeaderInfo, bool) {
	return e.current.Peek()
}

// Session returns the current session without blocking.
func (e *Elector) Session() (entry.SessionID, bool) {
	return e.session.peek()
}

// String implements fmt.Stringer
func (e *Elector) String() string {
	return fmt.Sprintf("Elector{key: %q, service: %q}", e.c.Key, e.c.Service.ID)
}
