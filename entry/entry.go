package entry

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// SessionID identifies a session issued by the coordination service.
// The empty SessionID means "no session"/"unheld".
type SessionID string

// SessionBehaviorDelete makes the coordination service delete keys held by a
// session when that session is invalidated.
const SessionBehaviorDelete = "delete"

// ClusterHealthCheck is the name of the check every node carries for its own
// cluster membership; it is always attached to election sessions.
const ClusterHealthCheck = "serfHealth"

// ErrKeyNotFound is returned by ReadKey implementations when the lock key
// does not exist.
var ErrKeyNotFound = errors.New("key not found")

// SessionSpec describes a session to be created
type SessionSpec struct {
	// Name is informational only.
	Name string
	// Behavior on invalidation (SessionBehaviorDelete)
	Behavior string
	// Checks lists the health checks the session's liveness is tied to.
	Checks []string
	// LockDelay is how long a lock released by invalidation of this
	// session stays un-acquirable.
	LockDelay time.Duration
	// TTL, if non-zero, bounds the session's lifetime between renewals.
	// Backends without health checks (etcd) use it as the lease length.
	TTL time.Duration
}

// KeyRecord is a snapshot of the lock key.
type KeyRecord struct {
	Key string
	// Session holding the lock (empty if unheld)
	Session SessionID
	// Value is the encoded LeaderInfo written by the holder.
	Value []byte
	// ModifyIndex is the coordination-service index of the last
	// modification of this key.
	ModifyIndex uint64
}

// Held reports whether some session currently holds the key.
func (k *KeyRecord) Held() bool {
	return k != nil && k.Session != ""
}

// LeaderInfo describes a (possible or current) leader. It's what a
// candidate writes into the lock key when acquiring it.
type LeaderInfo struct {
	// ID is the service instance ID of the leader
	ID      string   `json:"ID"`
	Address string   `json:"Address"`
	Port    int      `json:"Port"`
	Service string   `json:"Service"`
	Tags    []string `json:"Tags"`

	// ConnectionParams should be used as a side-channel for
	// leader-election metadata for the legrpc package, e.g. we use it for
	// storing the GRPC ServiceConfig (or nothing).
	ConnectionParams []byte `json:"ConnectionParams,omitempty"`
}

// HostPort returns the address and port joined for dialing.
func (l LeaderInfo) HostPort() string {
	return net.JoinHostPort(l.Address, strconv.Itoa(l.Port))
}

// Encode serializes the LeaderInfo for storage in the lock key.
func (l LeaderInfo) Encode() ([]byte, error) {
	b, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("failed to encode leader info: %w", err)
	}
	return b, nil
}

// DecodeLeaderInfo parses the value of a lock key.
func DecodeLeaderInfo(b []byte) (LeaderInfo, error) {
	li := LeaderInfo{}
	if len(b) == 0 {
		return li, errors.New("empty leader info")
	}
	if err := json.Unmarshal(b, &li); err != nil {
		return LeaderInfo{}, fmt.Errorf("malformed leader info %q: %w", b, err)
	}
	return li, nil
}
