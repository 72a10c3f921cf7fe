package leaderwatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vimeo/go-clocks/fake"

	"github.com/vimeo/leaderwatch/entry"
	"github.com/vimeo/leaderwatch/memory"
)

func awaitLeader(t testing.TB, ch <-chan *entry.LeaderInfo) *entry.LeaderInfo {
	t.Helper()
	select {
	case li := <-ch:
		return li
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a watch callback")
	}
	return nil
}

func TestObserverWithElectorMemory(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := sync.WaitGroup{}
	defer wg.Wait()

	coord := memory.NewCoordinator()
	watchConfig := WatchConfig{
		Coordinator: coord,
		Key:         testKey,
	}
	leaders := make(chan *entry.LeaderInfo, 8)
	wg.Add(1)
	go func() {
		defer wg.Done()
		watchErr := watchConfig.Watch(ctx, func(ctx context.Context, li *entry.LeaderInfo) {
			leaders <- li
		})
		if watchErr != nil && watchErr != context.Canceled {
			t.Errorf("watch failed: %s", watchErr)
		}
	}()

	if li := awaitLeader(t, leaders); li != nil {
		t.Errorf("expected no leader before the election; got %+v", li)
	}

	el := startElector(t, testConfig(coord, nil))
	defer el.cancel()

	li := awaitLeader(t, leaders)
	if li == nil || li.ID != localInfo.ID || li.Service != "foo" {
		t.Fatalf("unexpected leader: %+v", li)
	}

	el.stop(t)
	if li := awaitLeader(t, leaders); li != nil {
		t.Errorf("expected no leader after shutdown; got %+v", li)
	}

	select {
	case li := <-leaders:
		t.Errorf("unexpected extra callback: %+v", li)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestObserverRetriesAndSkipsTimeouts(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := sync.WaitGroup{}
	defer wg.Wait()

	sc := newScriptedCoordinator()
	fc := fake.NewClock(time.Now())
	watchConfig := WatchConfig{
		Coordinator: sc,
		Key:         testKey,
		Clock:       fc,
	}
	leaders := make(chan *entry.LeaderInfo, 8)
	wg.Add(1)
	go func() {
		defer wg.Done()
		watchErr := watchConfig.Watch(ctx, func(ctx context.Context, li *entry.LeaderInfo) {
			leaders <- li
		})
		if watchErr != context.Canceled {
			t.Errorf("unexpected watch error: %v", watchErr)
		}
	}()

	sc.expect(t, memory.OpRead).reply(scriptedResult{err: errors.New("connection reset by peer")})
	fc.AwaitSleepers(1)
	fc.Advance(DefaultRetryDelay)

	read := sc.expect(t, memory.OpRead)
	if read.index != 0 {
		t.Errorf("retry used index %d; want 0", read.index)
	}
	read.reply(scriptedResult{rec: heldRecord(t, "s9", otherInfo), index: 7})
	if li := awaitLeader(t, leaders); li == nil || li.ID != otherInfo.ID {
		t.Errorf("unexpected leader: %+v", li)
	}

	// wait time elapsed without a change
	read = sc.expect(t, memory.OpRead)
	if read.index != 7 {
		t.Errorf("unexpected read index; want 7; got %d", read.index)
	}
	read.reply(scriptedResult{rec: heldRecord(t, "s9", otherInfo), index: 7})

	read = sc.expect(t, memory.OpRead)
	if read.index != 7 {
		t.Errorf("unexpected read index; want 7; got %d", read.index)
	}
	read.reply(scriptedResult{index: 9, err: entry.ErrKeyNotFound})
	if li := awaitLeader(t, leaders); li != nil {
		t.Errorf("expected no leader after deletion; got %+v", li)
	}

	read = sc.expect(t, memory.OpRead)
	if read.index != 9 {
		t.Errorf("unexpected read index; want 9; got %d", read.index)
	}
	select {
	case li := <-leaders:
		t.Errorf("unexpected callback for an unchanged key: %+v", li)
	default:
	}
}

func TestObserverConfigErrors(t *testing.T) {
	ctx := context.Background()
	cb := func(ctx context.Context, li *entry.LeaderInfo) {}
	if err := (WatchConfig{Key: testKey}).Watch(ctx, cb); err == nil {
		t.Error("expected an error without a Coordinator")
	}
	if err := (WatchConfig{Coordinator: memory.NewCoordinator()}).Watch(ctx, cb); err == nil {
		t.Error("expected an error without a Key")
	}
}
