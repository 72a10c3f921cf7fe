// Package consul contains an implementation of Coordinator for using Consul
// sessions and its KV store as a backend in leader-election.
package consul

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/consul/api"

	"github.com/vimeo/leaderwatch/entry"
)

type coordinatorOptions struct {
	waitTime   time.Duration
	datacenter string
	token      string
}

// CoordinatorOpts configures a Consul Coordinator at construction-time
type CoordinatorOpts func(*coordinatorOptions)

// WithWaitTime sets the maximum duration of blocking reads (Consul caps it at
// 10 minutes and defaults to 5).
func WithWaitTime(d time.Duration) CoordinatorOpts {
	return func(o *coordinatorOptions) {
		o.waitTime = d
	}
}

// WithDatacenter targets a datacenter other than the agent's.
func WithDatacenter(dc string) CoordinatorOpts {
	return func(o *coordinatorOptions) {
		o.datacenter = dc
	}
}

// WithToken sets the ACL token used for all requests.
func WithToken(token string) CoordinatorOpts {
	return func(o *coordinatorOptions) {
		o.token = token
	}
}

// Coordinator implements leaderwatch.Coordinator on top of a Consul agent.
type Coordinator struct {
	client *api.Client
	opts   coordinatorOptions
}

// NewCoordinator wraps a Consul API client.
func NewCoordinator(client *api.Client, opts ...CoordinatorOpts) *Coordinator {
	cfg := coordinatorOptions{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Coordinator{
		client: client,
		opts:   cfg,
	}
}

// kvPath strips leading slashes; the API client prefixes /v1/kv/ itself.
func kvPath(key string) string {
	return strings.TrimLeft(key, "/")
}

func (c *Coordinator) writeOpts(ctx context.Context) *api.WriteOptions {
	wo := &api.WriteOptions{
		Datacenter: c.opts.datacenter,
		Token:      c.opts.token,
	}
	return wo.WithContext(ctx)
}

func (c *Coordinator) queryOpts(ctx context.Context, index uint64) *api.QueryOptions {
	qo := &api.QueryOptions{
		Datacenter: c.opts.datacenter,
		Token:      c.opts.token,
		WaitIndex:  index,
		WaitTime:   c.opts.waitTime,
	}
	return qo.WithContext(ctx)
}

// CreateSession creates a Consul session tied to the spec's checks.
func (c *Coordinator) CreateSession(ctx context.Context, spec *entry.SessionSpec) (entry.SessionID, error) {
	se := &api.SessionEntry{
		Name:      spec.Name,
		Behavior:  spec.Behavior,
		Checks:    spec.Checks,
		LockDelay: spec.LockDelay,
	}
	if spec.TTL > 0 {
		se.TTL = spec.TTL.String()
	}
	id, _, err := c.client.Session().Create(se, c.writeOpts(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to create session %q: %w", spec.Name, err)
	}
	if id == "" {
		return "", fmt.Errorf("empty session ID in response to creating %q", spec.Name)
	}
	return entry.SessionID(id), nil
}

// DestroySession invalidates the session.
func (c *Coordinator) DestroySession(ctx context.Context, id entry.SessionID) error {
	if _, err := c.client.Session().Destroy(string(id), c.writeOpts(ctx)); err != nil {
		return fmt.Errorf("failed to destroy session %q: %w", id, err)
	}
	return nil
}

// AcquireKey issues a PUT with ?acquire=session.
func (c *Coordinator) AcquireKey(ctx context.Context, key string, session entry.SessionID, value []byte) (bool, error) {
	p := &api.KVPair{
		Key:     kvPath(key),
		Value:   value,
		Session: string(session),
	}
	won, _, err := c.client.KV().Acquire(p, c.writeOpts(ctx))
	if err != nil {
		return false, fmt.Errorf("failed to acquire %q: %w", key, err)
	}
	return won, nil
}

// ReleaseKey issues a PUT with ?release=session.
func (c *Coordinator) ReleaseKey(ctx context.Context, key string, session entry.SessionID, value []byte) (bool, error) {
	p := &api.KVPair{
		Key:     kvPath(key),
		Value:   value,
		Session: string(session),
	}
	released, _, err := c.client.KV().Release(p, c.writeOpts(ctx))
	if err != nil {
		return false, fmt.Errorf("failed to release %q: %w", key, err)
	}
	return released, nil
}

// ReadKey issues a (blocking, if index is non-zero) GET of the key.
func (c *Coordinator) ReadKey(ctx context.Context, key string, index uint64) (*entry.KeyRecord, uint64, error) {
	pair, meta, err := c.client.KV().Get(kvPath(key), c.queryOpts(ctx, index))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read %q at index %d: %w", key, index, err)
	}
	if pair == nil {
		return nil, meta.LastIndex, fmt.Errorf("%q: %w", key, entry.ErrKeyNotFound)
	}
	return &entry.KeyRecord{
		Key:         pair.Key,
		Session:     entry.SessionID(pair.Session),
		Value:       pair.Value,
		ModifyIndex: pair.ModifyIndex,
	}, meta.LastIndex, nil
}
