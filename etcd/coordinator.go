// Package etcd contains an implementation of Coordinator backed by etcd v3.
// Sessions are leases kept alive by this process, acquisition is a
// transaction on the key's create-revision/lease, and blocking reads are
// served by a watch starting after the caller's revision.
//
// etcd has no health checks, so SessionSpec.Checks is ignored and a
// session lives as long as its lease is kept alive (SessionSpec.TTL, default
// DefaultSessionTTL). Lock-delay is not supported.
package etcd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/vimeo/leaderwatch/entry"
)

// DefaultSessionTTL is the lease TTL used when SessionSpec.TTL is zero.
const DefaultSessionTTL = 15 * time.Second

type coordinatorOptions struct {
	waitTime time.Duration
}

// CoordinatorOpts configures an etcd Coordinator at construction-time
type CoordinatorOpts func(*coordinatorOptions)

// WithWaitTime bounds how long a blocking read waits for a change before
// returning the unchanged state. The default is 5 minutes.
func WithWaitTime(d time.Duration) CoordinatorOpts {
	return func(o *coordinatorOptions) {
		o.waitTime = d
	}
}

// Coordinator implements leaderwatch.Coordinator on top of an etcd client.
type Coordinator struct {
	client *clientv3.Client
	opts   coordinatorOptions

	mu sync.Mutex
	// cancels the keepalive of each session created here
	keepalives map[clientv3.LeaseID]context.CancelFunc
}

// NewCoordinator wraps an etcd client.
func NewCoordinator(client *clientv3.Client, opts ...CoordinatorOpts) *Coordinator {
	cfg := coordinatorOptions{waitTime: 5 * time.Minute}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Coordinator{
		client:     client,
		opts:       cfg,
		keepalives: map[clientv3.LeaseID]context.CancelFunc{},
	}
}

func sessionID(id clientv3.LeaseID) entry.SessionID {
	if id == clientv3.NoLease {
		return ""
	}
	return entry.SessionID(strconv.FormatInt(int64(id), 16))
}

func leaseID(id entry.SessionID) (clientv3.LeaseID, error) {
	v, err := strconv.ParseInt(string(id), 16, 64)
	if err != nil {
		return clientv3.NoLease, fmt.Errorf("malformed session ID %q: %w", id, err)
	}
	return clientv3.LeaseID(v), nil
}

// CreateSession grants a lease and keeps it alive until DestroySession (or
// Close).
func (c *Coordinator) CreateSession(ctx context.Context, spec *entry.SessionSpec) (entry.SessionID, error) {
	ttl := spec.TTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	secs := int64((ttl + time.Second - 1) / time.Second)
	resp, err := c.client.Grant(ctx, secs)
	if err != nil {
		return "", fmt.Errorf("failed to grant lease for %q: %w", spec.Name, err)
	}

	kaCtx, kaCancel := context.WithCancel(context.Background())
	kaCh, kaErr := c.client.KeepAlive(kaCtx, resp.ID)
	if kaErr != nil {
		kaCancel()
		_, revokeErr := c.client.Revoke(ctx, resp.ID)
		return "", leaseSetupError(resp.ID, kaErr, revokeErr)
	}
	go func() {
		// drain responses; the channel is closed when the lease
		// expires or kaCtx is cancelled
		for range kaCh {
		}
	}()

	c.mu.Lock()
	c.keepalives[resp.ID] = kaCancel
	c.mu.Unlock()
	return sessionID(resp.ID), nil
}

// leaseSetupError reports a lease whose keepalive couldn't be started,
// along with the failure (if any) to revoke it.
func leaseSetupError(id clientv3.LeaseID, kaErr, revokeErr error) error {
	if revokeErr != nil {
		return fmt.Errorf("failed to keep lease %x alive: %w; revoking it also failed: %w", id, kaErr, revokeErr)
	}
	return fmt.Errorf("failed to keep lease %x alive: %w", id, kaErr)
}

// DestroySession stops the keepalive and revokes the lease, deleting any
// keys attached to it.
func (c *Coordinator) DestroySession(ctx context.Context, id entry.SessionID) error {
	lid, err := leaseID(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	cancel, ok := c.keepalives[lid]
	delete(c.keepalives, lid)
	c.mu.Unlock()
	if ok {
		cancel()
	}
	if _, revokeErr := c.client.Revoke(ctx, lid); revokeErr != nil {
		return fmt.Errorf("failed to revoke lease %x: %w", lid, revokeErr)
	}
	return nil
}

// Close stops all keepalives started by this Coordinator. The leases expire
// after their TTL.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for lid, cancel := range c.keepalives {
		cancel()
		delete(c.keepalives, lid)
	}
}

// AcquireKey puts value under the session's lease if the key doesn't exist,
// or is already attached to that lease.
func (c *Coordinator) AcquireKey(ctx context.Context, key string, session entry.SessionID, value []byte) (bool, error) {
	lid, err := leaseID(session)
	if err != nil {
		return false, err
	}
	put := clientv3.OpPut(key, string(value), clientv3.WithLease(lid))
	resp, txnErr := c.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(put).
		Else(clientv3.OpTxn(
			[]clientv3.Cmp{clientv3.Compare(clientv3.LeaseValue(key), "=", lid)},
			[]clientv3.Op{put},
			nil)).
		Commit()
	if txnErr != nil {
		return false, fmt.Errorf("failed to acquire %q: %w", key, txnErr)
	}
	if resp.Succeeded {
		return true, nil
	}
	if len(resp.Responses) == 0 {
		return false, errors.New("empty transaction response")
	}
	return resp.Responses[0].GetResponseTxn().GetSucceeded(), nil
}

// ReleaseKey deletes the key if it's attached to the session's lease.
func (c *Coordinator) ReleaseKey(ctx context.Context, key string, session entry.SessionID, value []byte) (bool, error) {
	lid, err := leaseID(session)
	if err != nil {
		return false, err
	}
	resp, txnErr := c.client.Txn(ctx).
		If(clientv3.Compare(clientv3.LeaseValue(key), "=", lid)).
		Then(clientv3.OpDelete(key)).
		Commit()
	if txnErr != nil {
		return false, fmt.Errorf("failed to release %q: %w", key, txnErr)
	}
	return resp.Succeeded, nil
}

func (c *Coordinator) get(ctx context.Context, key string) (*entry.KeyRecord, uint64, error) {
	resp, err := c.client.Get(ctx, key)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read %q: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, uint64(resp.Header.Revision), fmt.Errorf("%q: %w", key, entry.ErrKeyNotFound)
	}
	return record(resp.Kvs[0]), uint64(resp.Kvs[0].ModRevision), nil
}

func record(kv *mvccpb.KeyValue) *entry.KeyRecord {
	return &entry.KeyRecord{
		Key:         string(kv.Key),
		Session:     sessionID(clientv3.LeaseID(kv.Lease)),
		Value:       kv.Value,
		ModifyIndex: uint64(kv.ModRevision),
	}
}

// awaitEvent blocks until an event on key at or after rev, or until ctx is
// done. If rev has been compacted it returns the compaction revision
// instead.
func (c *Coordinator) awaitEvent(ctx context.Context, key string, rev int64) (int64, error) {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for wresp := range c.client.Watch(clientv3.WithRequireLeader(wctx), key, clientv3.WithRev(rev)) {
		if wresp.CompactRevision != 0 {
			return wresp.CompactRevision, nil
		}
		if err := wresp.Err(); err != nil {
			return 0, err
		}
		if len(wresp.Events) > 0 {
			return 0, nil
		}
	}
	return 0, nil
}

// ReadKey returns the key's state. With a non-zero index it first waits
// for an event on the key after that revision (or the wait time).
func (c *Coordinator) ReadKey(ctx context.Context, key string, index uint64) (*entry.KeyRecord, uint64, error) {
	if index == 0 {
		return c.get(ctx, key)
	}

	wctx, cancel := context.WithTimeout(ctx, c.opts.waitTime)
	defer cancel()
	rev := int64(index) + 1
	for {
		compactRev, watchErr := c.awaitEvent(wctx, key, rev)
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		if watchErr != nil && wctx.Err() == nil {
			return nil, 0, fmt.Errorf("failed to watch %q after revision %d: %w", key, index, watchErr)
		}
		if compactRev <= rev {
			break
		}
		// a quiet key's revision falls behind compaction; nothing
		// between index and the compaction point can be observed any
		// more, so keep waiting from there
		rev = compactRev
	}
	return c.get(ctx, key)
}
