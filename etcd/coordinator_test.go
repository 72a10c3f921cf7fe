package etcd

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/vimeo/leaderwatch/entry"
)

func TestSessionIDRoundTrip(t *testing.T) {
	for _, lid := range []clientv3.LeaseID{1, 0x694d7a1b2c3d4e5f, 255} {
		sid := sessionID(lid)
		got, err := leaseID(sid)
		require.NoError(t, err)
		assert.Equal(t, lid, got)
	}
	assert.Equal(t, entry.SessionID(""), sessionID(clientv3.NoLease))
	_, err := leaseID("not-hex")
	assert.Error(t, err)
}

func TestLeaseSetupError(t *testing.T) {
	kaErr := errors.New("keepalive halted")
	err := leaseSetupError(0x2a, kaErr, nil)
	assert.ErrorIs(t, err, kaErr)
	assert.Contains(t, err.Error(), "2a")

	revokeErr := errors.New("connection refused")
	err = leaseSetupError(0x2a, kaErr, revokeErr)
	assert.ErrorIs(t, err, kaErr)
	assert.ErrorIs(t, err, revokeErr)
}

func testClient(t *testing.T) *clientv3.Client {
	t.Helper()
	endpoints := os.Getenv("ETCD_TEST_ENDPOINTS")
	if endpoints == "" {
		t.Skip("empty or undefined ETCD_TEST_ENDPOINTS environment variable, skipping test")
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   strings.Split(endpoints, ","),
		DialTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestCoordinator(t *testing.T) {
	client := testClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	c := NewCoordinator(client, WithWaitTime(time.Second*5))
	defer c.Close()
	key := "/leaderwatch_test/" + strconv.FormatInt(time.Now().UnixNano(), 10)

	s1, err := c.CreateSession(ctx, &entry.SessionSpec{Name: "one", TTL: 10 * time.Second})
	require.NoError(t, err)
	s2, err := c.CreateSession(ctx, &entry.SessionSpec{Name: "two", TTL: 10 * time.Second})
	require.NoError(t, err)
	defer c.DestroySession(context.Background(), s2)

	_, _, err = c.ReadKey(ctx, key, 0)
	assert.ErrorIs(t, err, entry.ErrKeyNotFound)

	won, err := c.AcquireKey(ctx, key, s1, []byte("one"))
	require.NoError(t, err)
	assert.True(t, won)
	won, err = c.AcquireKey(ctx, key, s2, []byte("two"))
	require.NoError(t, err)
	assert.False(t, won)
	// re-acquisition by the holder updates the value
	won, err = c.AcquireKey(ctx, key, s1, []byte("uno"))
	require.NoError(t, err)
	assert.True(t, won)

	rec, idx, err := c.ReadKey(ctx, key, 0)
	require.NoError(t, err)
	assert.Equal(t, s1, rec.Session)
	assert.Equal(t, "uno", string(rec.Value))

	// wait times out without a change
	_, sameIdx, err := c.ReadKey(ctx, key, idx)
	require.NoError(t, err)
	assert.Equal(t, idx, sameIdx)

	errCh := make(chan error, 1)
	go func() {
		_, _, readErr := c.ReadKey(ctx, key, idx)
		errCh <- readErr
	}()
	// destroying the session revokes its lease, deleting the key
	require.NoError(t, c.DestroySession(ctx, s1))
	assert.ErrorIs(t, <-errCh, entry.ErrKeyNotFound)

	won, err = c.AcquireKey(ctx, key, s2, []byte("two"))
	require.NoError(t, err)
	assert.True(t, won)
	released, err := c.ReleaseKey(ctx, key, s2, nil)
	require.NoError(t, err)
	assert.True(t, released)
}

func TestReadKeyBlocksPastCompaction(t *testing.T) {
	client := testClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	const waitTime = 2 * time.Second
	c := NewCoordinator(client, WithWaitTime(waitTime))
	defer c.Close()
	prefix := "/leaderwatch_test/" + strconv.FormatInt(time.Now().UnixNano(), 10)
	key := prefix + "/lock"

	_, err := client.Put(ctx, key, "quiet")
	require.NoError(t, err)
	_, idx, err := c.ReadKey(ctx, key, 0)
	require.NoError(t, err)

	// unrelated writes move the store's revision past the key's
	var lastRev int64
	for i := 0; i < 10; i++ {
		resp, putErr := client.Put(ctx, prefix+"/other/"+strconv.Itoa(i), "x")
		require.NoError(t, putErr)
		lastRev = resp.Header.Revision
	}
	_, err = client.Compact(ctx, lastRev)
	require.NoError(t, err)

	start := time.Now()
	_, sameIdx, err := c.ReadKey(ctx, key, idx)
	require.NoError(t, err)
	assert.Equal(t, idx, sameIdx)
	assert.GreaterOrEqual(t, time.Since(start), waitTime-100*time.Millisecond,
		"read at a compacted revision returned before the wait time")

	// a change after the compaction point still wakes the read
	type result struct {
		rec *entry.KeyRecord
		idx uint64
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		rec, newIdx, readErr := c.ReadKey(ctx, key, idx)
		resCh <- result{rec, newIdx, readErr}
	}()
	time.Sleep(100 * time.Millisecond)
	_, err = client.Put(ctx, key, "changed")
	require.NoError(t, err)
	res := <-resCh
	require.NoError(t, res.err)
	assert.Greater(t, res.idx, idx)
	assert.Equal(t, "changed", string(res.rec.Value))
}
