package leaderwatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	clocks "github.com/vimeo/go-clocks"
	"go.uber.org/zap"

	"github.com/vimeo/leaderwatch/entry"
)

// WatchConfig configures the watcher
type WatchConfig struct {
	// Coordinator used to read the lock key
	Coordinator Coordinator
	// Key is the path of the lock key
	Key string
	// RetryDelay is the wait after a failed read (default 500ms)
	RetryDelay time.Duration
	// Clock implementation to use when scheduling sleeps.
	// The nil-value falls back to a sane default implementation that simply wraps
	// the `time` package's functions.
	Clock clocks.Clock
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// Watch provides a way for an observer to watch for changes to the identity of
// the current leader without campaigning. cb is called with the leader's
// info, or with nil when the lock is free. Callbacks run sequentially on a
// separate goroutine, in order. Watch only returns when ctx is done (or on a
// configuration error).
func (w WatchConfig) Watch(ctx context.Context, cb func(ctx context.Context, leader *entry.LeaderInfo)) error {
	if w.Coordinator == nil {
		return fmt.Errorf("missing Coordinator")
	}
	if w.Key == "" {
		return fmt.Errorf("missing Key")
	}
	retryDelay := w.RetryDelay
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	b := fixedBackoff(retryDelay)

	clock := w.Clock
	if clock == nil {
		clock = clocks.DefaultClock()
	}
	log := w.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("key", w.Key))

	cbwg := sync.WaitGroup{}
	defer cbwg.Wait()

	cbRunCh := make(chan *entry.LeaderInfo, 128)
	defer close(cbRunCh)
	cbwg.Add(1)
	go func() {
		defer cbwg.Done()
		for li := range cbRunCh {
			cb(ctx, li)
		}
	}()

	index := uint64(0)
	delivered := false
	lastNil := false
	for {
		rec, idx, readErr := w.Coordinator.ReadKey(ctx, w.Key, index)
		switch {
		case readErr == nil, errors.Is(readErr, entry.ErrKeyNotFound):
			b.Reset()
		default:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("failed to read lock key", zap.Uint64("index", index), zap.Error(readErr))
			if !clock.SleepFor(ctx, b.Next()) {
				return ctx.Err()
			}
			continue
		}

		if delivered && idx == index && idx != 0 {
			// wait time elapsed without a change
			continue
		}
		index = nextIndex(index, idx)

		var li *entry.LeaderInfo
		if rec.Held() {
			decoded, decErr := entry.DecodeLeaderInfo(rec.Value)
			if decErr != nil {
				log.Warn("lock key holds an unreadable value", zap.Error(decErr))
			} else {
				li = &decoded
			}
		}
		// a still-vacant key only means the index moved for some
		// unrelated write
		if li != nil || !delivered || !lastNil {
			select {
			case cbRunCh <- li:
				delivered = true
				lastNil = li == nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if idx == 0 {
			// the backend has no index to block on; don't spin
			if !clock.SleepFor(ctx, retryDelay) {
				return ctx.Err()
			}
		}
	}
}
