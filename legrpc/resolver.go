// Package legrpc provides a gRPC resolver that directs a ClientConn at the
// current holder of a leaderwatch lock key.
package legrpc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	clocks "github.com/vimeo/go-clocks"
	"go.uber.org/zap"
	"google.golang.org/grpc/resolver"

	"github.com/vimeo/leaderwatch"
	"github.com/vimeo/leaderwatch/entry"
)

// Scheme is the URI scheme handled by ResolverBuilder.
const Scheme = "leaderwatch"

// Resolver implements google.golang.org/grpc/resolver.Resolver
type Resolver struct {
	cc        resolver.ClientConn
	cancel    context.CancelFunc
	errch     <-chan error
	events    chan struct{}
	reresolve chan<- struct{}
	wg        sync.WaitGroup
}

// ResolveNow will be called by gRPC to try to resolve the target name
// again. It's just a hint, resolver can ignore this if it's not necessary.
//
// It could be called multiple times concurrently.
func (r *Resolver) ResolveNow(_ resolver.ResolveNowOptions) {
	// do a non-blocking write to the reresolve channel
	select {
	case r.reresolve <- struct{}{}:
	default:
	}
}

func (r *Resolver) handleLeader(li *entry.LeaderInfo) {
	// poke the events channel in case someone's paying attention
	defer func() {
		select {
		case r.events <- struct{}{}:
		default:
		}
	}()
	state := resolver.State{}

	if li == nil {
		// nobody holds the lock
		r.cc.UpdateState(state)
		return
	}

	state.Addresses = []resolver.Address{{
		Addr: li.HostPort(),
		// this field intentionally left blank (per advice in
		// the library's docstring)
		ServerName: "",
	}}
	if len(li.ConnectionParams) > 0 {
		state.ServiceConfig = r.cc.ParseServiceConfig(string(li.ConnectionParams))
	}
	r.cc.UpdateState(state)
}

// Close closes the resolver.
func (r *Resolver) Close() {
	// cancel the watching goroutine's context and await the exit
	r.cancel()
	defer r.wg.Wait()
	<-r.errch
}

// ResolverBuilder implements google.golang.org/grpc/resolver.Builder
type ResolverBuilder struct {
	coord  leaderwatch.Coordinator
	key    string
	clock  clocks.Clock
	logger *zap.Logger
}

// NewResolverBuilder creates a new ResolverBuilder watching key through the
// passed Coordinator. clock and logger may be nil.
func NewResolverBuilder(coord leaderwatch.Coordinator, key string, clock clocks.Clock, logger *zap.Logger) *ResolverBuilder {
	return &ResolverBuilder{
		coord:  coord,
		key:    key,
		clock:  clock,
		logger: logger,
	}
}

func (r *ResolverBuilder) readOnce(ctx context.Context) (*entry.LeaderInfo, error) {
	rec, _, readErr := r.coord.ReadKey(ctx, r.key, 0)
	switch {
	case errors.Is(readErr, entry.ErrKeyNotFound):
		return nil, nil
	case readErr != nil:
		return nil, readErr
	case !rec.Held():
		return nil, nil
	}
	li, decErr := entry.DecodeLeaderInfo(rec.Value)
	if decErr != nil {
		return nil, decErr
	}
	return &li, nil
}

// Build creates a new resolver for the given target.
//
// gRPC dial calls Build synchronously, and fails if the returned error is
// not nil.
// This implementation ignores the target and simply watches the
// encapsulated key.
func (r *ResolverBuilder) Build(target resolver.Target, cc resolver.ClientConn, opts resolver.BuildOptions) (resolver.Resolver, error) {
	ctx, cancel := context.WithCancel(context.Background())
	errch := make(chan error, 1)
	events := make(chan struct{}, 1)
	reresolveCh := make(chan struct{}, 1)
	res := Resolver{
		cc:        cc,
		cancel:    cancel,
		errch:     errch,
		events:    events,
		reresolve: reresolveCh,
	}
	watchCfg := leaderwatch.WatchConfig{
		Coordinator: r.coord,
		Key:         r.key,
		Clock:       r.clock,
		Logger:      r.logger,
	}
	res.wg.Add(2)
	go func() {
		defer res.wg.Done()
		watchErr := watchCfg.Watch(ctx, func(ctx context.Context, li *entry.LeaderInfo) {
			res.handleLeader(li)
		})
		errch <- watchErr
		if watchErr != nil && watchErr != context.Canceled {
			cc.ReportError(watchErr)
		}
	}()
	go func() {
		defer res.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-reresolveCh:
				li, readErr := r.readOnce(ctx)
				if readErr != nil {
					if ctx.Err() == nil {
						cc.ReportError(fmt.Errorf("failed to read current value: %w", readErr))
					}
					continue
				}
				res.handleLeader(li)
			}
		}
	}()

	// await the first event (or a failure):
	select {
	case <-events:
	case watchErr := <-errch:
		cancel()
		res.wg.Wait()
		return nil, fmt.Errorf("failed to initialize watcher: %w", watchErr)
	}

	return &res, nil

}

// Scheme returns the scheme supported by this resolver.
// Scheme is defined at https://github.com/grpc/grpc/blob/master/doc/naming.md.
func (r *ResolverBuilder) Scheme() string {
	return Scheme
}
