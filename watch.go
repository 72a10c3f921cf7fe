package leaderwatch

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/vimeo/leaderwatch/entry"
	"github.com/vimeo/leaderwatch/metrics"
)

// nextIndex returns the index to block on after a read returned idx.
// Indices that move backwards (e.g. a backend snapshot restore) reset the
// watch.
func nextIndex(prev, idx uint64) uint64 {
	if idx < prev {
		return 0
	}
	return idx
}

// watch performs blocking reads of the lock key until ownership moves away
// from sid (or the key is deleted/unheld). A nil error means the caller
// should try to acquire the lock again, and vacant reports whether the key
// was found without a holder. The error is only ever ctx.Err().
// Exactly one read is in flight at a time.
func (e *Elector) watch(ctx context.Context, sid entry.SessionID) (vacant bool, err error) {
	b := fixedBackoff(e.c.RetryDelay)
	for {
		rec, idx, readErr := e.c.Coordinator.ReadKey(ctx, e.c.Key, e.index)
		switch {
		case readErr == nil:
			b.Reset()
		case errors.Is(readErr, entry.ErrKeyNotFound):
			e.c.Metrics.WatchRead(metrics.ResultNotFound)
			e.log.Debug("lock key deleted")
			e.current.Reset()
			e.setLeader(false)
			return true, nil
		default:
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			e.c.Metrics.WatchRead(metrics.ResultError)
			e.log.Warn("failed to read lock key", zap.Uint64("index", e.index), zap.Error(readErr))
			if !e.c.Clock.SleepFor(ctx, b.Next()) {
				return false, ctx.Err()
			}
			continue
		}

		if !rec.Held() {
			// no one has leadership
			e.c.Metrics.WatchRead(metrics.ResultNoHolder)
			e.current.Reset()
			e.setLeader(false)
			return true, nil
		}

		// a read that returns the index it was given hit the server-side
		// wait time without a change
		changed := idx != e.index || e.index == 0
		e.index = nextIndex(e.index, idx)

		li, decErr := entry.DecodeLeaderInfo(rec.Value)
		if decErr != nil {
			e.log.Warn("lock key holds an unreadable value",
				zap.String("holder", string(rec.Session)), zap.Error(decErr))
			e.current.Reset()
		} else {
			e.current.Set(li)
		}

		if changed {
			e.c.Metrics.WatchRead(metrics.ResultChanged)
			if decErr == nil {
				e.c.Metrics.LeaderChanged()
				e.notify(li)
			}
		} else {
			e.c.Metrics.WatchRead(metrics.ResultTimeout)
		}

		if rec.Session != sid {
			e.setLeader(false)
			return false, nil
		}
	}
}
