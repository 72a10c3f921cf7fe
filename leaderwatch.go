// Package leaderwatch provides leader election and leadership observation on
// top of a coordination service offering sessions, conditional ("acquire")
// writes and index-based blocking reads (Consul, etcd, or the in-memory
// implementation in the memory package).
//
// There are two entrypoints within this package: NewElector() (followed by
// Elector.Run()) and WatchConfig.Watch(). The Elector campaigns for a lock key
// and exposes whether the local process holds it, while `WatchConfig.Watch`
// only observes who holds it.
package leaderwatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	clocks "github.com/vimeo/go-clocks"
	"go.uber.org/zap"

	"github.com/vimeo/leaderwatch/entry"
	"github.com/vimeo/leaderwatch/metrics"
)

// Coordinator is a coordination-service backend offering sessions,
// session-qualified conditional writes and blocking reads.
type Coordinator interface {
	// CreateSession creates a new session tied to the checks in spec.
	CreateSession(ctx context.Context, spec *entry.SessionSpec) (entry.SessionID, error)
	// DestroySession invalidates the session, releasing anything it
	// holds according to its behavior.
	DestroySession(ctx context.Context, id entry.SessionID) error
	// AcquireKey writes value to key iff the key is unheld (or already
	// held by session). The bool return value is false if another
	// session holds the key; that is not an error.
	AcquireKey(ctx context.Context, key string, session entry.SessionID, value []byte) (bool, error)
	// ReleaseKey gives up the lock on key if it's held by session.
	ReleaseKey(ctx context.Context, key string, session entry.SessionID, value []byte) (bool, error)
	// ReadKey returns the current state of key along with its index.
	// If index is non-zero, implementations should block until the key
	// has changed past index or a backend-specific wait time elapses.
	// A missing key is reported with entry.ErrKeyNotFound (and a
	// valid index).
	ReadKey(ctx context.Context, key string, index uint64) (*entry.KeyRecord, uint64, error)
}

// ServiceDescriptor describes the local service instance taking part in the
// election.
type ServiceDescriptor struct {
	// ID is the service instance ID (unique per process)
	ID      string
	Name    string
	Address string
	Port    int
	Tags    []string
	// Checks lists the names of health checks registered for this
	// instance; the election session is invalidated if any fail.
	Checks []string
}

// LeaderInfo returns the value published in the lock key by this instance
func (s *ServiceDescriptor) LeaderInfo(connParams []byte) entry.LeaderInfo {
	return entry.LeaderInfo{
		ID:               s.ID,
		Address:          s.Address,
		Port:             s.Port,
		Service:          s.Name,
		Tags:             s.Tags,
		ConnectionParams: connParams,
	}
}

// Default values for zero-valued Config fields.
const (
	DefaultLockDelay         = time.Second
	DefaultRetryDelay        = 500 * time.Millisecond
	DefaultSessionRetryDelay = time.Second
	DefaultMaxAcquireErrors  = 3
	DefaultShutdownTimeout   = 5 * time.Second
)

// Config configures an Elector.
type Config struct {
	// Coordinator is the coordination-service backend in use
	Coordinator Coordinator
	// Key is the path of the lock key
	Key string
	// Service describes the local instance. Its ID is required.
	Service ServiceDescriptor

	// ConnectionParams is published along with the service info (see
	// entry.LeaderInfo).
	ConnectionParams []byte

	// LockDelay prevents re-acquisition of the lock for this long after
	// the session holding it is invalidated.
	LockDelay time.Duration
	// SessionTTL is passed through to the backend (optional for
	// backends with health checks).
	SessionTTL time.Duration

	// RetryDelay is the wait after a failed acquire or watch request.
	RetryDelay time.Duration
	// SessionRetryDelay is the wait after a failed session creation.
	SessionRetryDelay time.Duration
	// MaxAcquireErrors is the number of consecutive failed acquisitions
	// tolerated before the session is replaced.
	MaxAcquireErrors int
	// ShutdownTimeout bounds the release/destroy requests issued when
	// Run's context ends.
	ShutdownTimeout time.Duration

	// Clock implementation to use when scheduling sleeps.
	// The nil-value falls back to a sane default implementation that simply wraps
	// the `time` package's functions.
	Clock clocks.Clock
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
	// Metrics may be nil.
	Metrics *metrics.Metrics
}

func (c *Config) validate() error {
	if c.Coordinator == nil {
		return fmt.Errorf("missing Coordinator")
	}
	if strings.Trim(c.Key, "/") == "" {
		return fmt.Errorf("missing or empty Key (%q)", c.Key)
	}
	if c.Service.ID == "" {
		return fmt.Errorf("missing Service.ID")
	}
	for name, d := range map[string]time.Duration{
		"LockDelay":         c.LockDelay,
		"SessionTTL":        c.SessionTTL,
		"RetryDelay":        c.RetryDelay,
		"SessionRetryDelay": c.SessionRetryDelay,
		"ShutdownTimeout":   c.ShutdownTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s (%s) is < 0; should be non-negative", name, d)
		}
	}
	if c.MaxAcquireErrors < 0 {
		return fmt.Errorf("MaxAcquireErrors (%d) is < 0; should be non-negative", c.MaxAcquireErrors)
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.LockDelay == 0 {
		c.LockDelay = DefaultLockDelay
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.SessionRetryDelay == 0 {
		c.SessionRetryDelay = DefaultSessionRetryDelay
	}
	if c.MaxAcquireErrors == 0 {
		c.MaxAcquireErrors = DefaultMaxAcquireErrors
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Clock == nil {
		c.Clock = clocks.DefaultClock()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// SessionName is the display name of election sessions:
// "{serviceID}:LeaderElection:{key with '/' replaced by ':'}"
func SessionName(serviceID, key string) string {
	return serviceID + ":LeaderElection:" + strings.ReplaceAll(key, "/", ":")
}

// sessionSpec builds the session-create request for this election.
func (c *Config) sessionSpec() *entry.SessionSpec {
	checks := make([]string, 0, len(c.Service.Checks)+1)
	checks = append(checks, c.Service.Checks...)
	checks = append(checks, entry.ClusterHealthCheck)
	return &entry.SessionSpec{
		Name:      SessionName(c.Service.ID, c.Key),
		Behavior:  entry.SessionBehaviorDelete,
		Checks:    checks,
		LockDelay: c.LockDelay,
		TTL:       c.SessionTTL,
	}
}
