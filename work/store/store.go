package store

import (
	"context"
	"fmt"
	"time"
)

// SharedStore is the coordination surface shared by every request-handling
// worker. All cross-worker state (stream records, session registry, profile
// usage counters, buffer segments) lives behind this interface because
// workers may run in separate OS processes and cannot rely on in-process
// locks. Implementations must provide atomic increment/decrement, atomic
// set-if-not-exists, atomic get-and-delete, and per-key expiry.
//
// Missing keys are reported with types.ErrNotFound from Get and GetDel;
// MGet returns nil entries for misses instead.
type SharedStore interface {
	// Get returns the value stored at key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value at key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores value only when key is absent, returning whether the
	// claim succeeded. This is the primitive behind exclusive stream
	// creation.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// GetDel atomically reads and removes key. Exactly one concurrent
	// caller observes the value; everyone else gets types.ErrNotFound.
	GetDel(ctx context.Context, key string) ([]byte, error)

	// Delete removes the given keys. Removing an absent key is a no-op.
	Delete(ctx context.Context, keys ...string) error

	// Expire resets the ttl on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// IncrBy atomically adjusts the integer at key by delta, creating it
	// at zero first, and returns the new value.
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)

	// GetInt reads the integer at key, returning 0 when absent.
	GetInt(ctx context.Context, key string) (int64, error)

	// MGet returns the values for keys in order, nil for misses.
	MGet(ctx context.Context, keys ...string) ([][]byte, error)

	// Scan returns all keys matching a glob-style pattern.
	Scan(ctx context.Context, pattern string) ([]string, error)

	// Close releases the underlying connection or janitor resources.
	Close() error
}

// Keys builds namespaced store key names from a fixed prefix so every
// deployment's state is isolated and pattern scans stay cheap.
type Keys struct {
	prefix string
}

// NewKeys returns a Keys helper for the given namespace prefix.
func NewKeys(prefix string) Keys {
	return Keys{prefix: prefix}
}

// Stream is the StreamRecord key for a stream.
func (k Keys) Stream(streamKey string) string {
	return fmt.Sprintf("%s:stream:%s", k.prefix, streamKey)
}

// StreamPattern matches every StreamRecord key.
func (k Keys) StreamPattern() string {
	return fmt.Sprintf("%s:stream:*", k.prefix)
}

// Claim is the exclusive-creation claim key for a stream.
func (k Keys) Claim(streamKey string) string {
	return fmt.Sprintf("%s:claim:%s", k.prefix, streamKey)
}

// Seq is the highest-written segment sequence counter for a stream.
func (k Keys) Seq(streamKey string) string {
	return fmt.Sprintf("%s:seq:%s", k.prefix, streamKey)
}

// SeqPattern matches every sequence counter, used by the monitor to find
// buffers whose stream record has expired.
func (k Keys) SeqPattern() string {
	return fmt.Sprintf("%s:seq:*", k.prefix)
}

// First is the oldest-retained segment sequence counter for a stream.
func (k Keys) First(streamKey string) string {
	return fmt.Sprintf("%s:first:%s", k.prefix, streamKey)
}

// Segment is the payload key for one buffered segment.
func (k Keys) Segment(streamKey string, seq uint64) string {
	return fmt.Sprintf("%s:seg:%s:%d", k.prefix, streamKey, seq)
}

// SegmentPattern matches every segment key of a stream.
func (k Keys) SegmentPattern(streamKey string) string {
	return fmt.Sprintf("%s:seg:%s:*", k.prefix, streamKey)
}

// Bytes is the live buffer byte-usage counter for a stream.
func (k Keys) Bytes(streamKey string) string {
	return fmt.Sprintf("%s:bytes:%s", k.prefix, streamKey)
}

// Manifest is the HLS media playlist key for a segmented stream.
func (k Keys) Manifest(streamKey string) string {
	return fmt.Sprintf("%s:manifest:%s", k.prefix, streamKey)
}

// Session is the ClientSession key for a viewer session.
func (k Keys) Session(clientID string) string {
	return fmt.Sprintf("%s:session:%s", k.prefix, clientID)
}

// SessionPattern matches every session key.
func (k Keys) SessionPattern() string {
	return fmt.Sprintf("%s:session:*", k.prefix)
}

// StreamClient is the membership marker binding a session to a stream.
func (k Keys) StreamClient(streamKey, clientID string) string {
	return fmt.Sprintf("%s:streamclients:%s:%s", k.prefix, streamKey, clientID)
}

// StreamClientsPattern matches every membership marker of one stream.
func (k Keys) StreamClientsPattern(streamKey string) string {
	return fmt.Sprintf("%s:streamclients:%s:*", k.prefix, streamKey)
}

// ProfileConns is the live connection counter for a profile.
func (k Keys) ProfileConns(profileID int64) string {
	return fmt.Sprintf("%s:profileconns:%d", k.prefix, profileID)
}

// ClientProfile maps a session to the profile slot it holds. Consumed with
// GetDel so release happens exactly once.
func (k Keys) ClientProfile(clientID string) string {
	return fmt.Sprintf("%s:clientprofile:%s", k.prefix, clientID)
}

// ClientProfilePattern matches every session-to-profile mapping, used by the
// monitor to find slots whose session has expired.
func (k Keys) ClientProfilePattern() string {
	return fmt.Sprintf("%s:clientprofile:*", k.prefix)
}

// StopRequest signals the owning read loop of a stream to shut down when the
// stop was requested from a worker that does not hold the process handle.
func (k Keys) StopRequest(streamKey string) string {
	return fmt.Sprintf("%s:stopreq:%s", k.prefix, streamKey)
}
