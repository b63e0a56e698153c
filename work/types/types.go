package types

import (
	"errors"
	"time"
)

// StreamStatus represents the lifecycle state of a relayed stream. A stream
// moves through these states exactly once per process incarnation: it is
// created as StatusStarting, becomes StatusActive only after the upstream
// process has produced verified output, and ends in one of the terminal
// states when the process exits or the last client detaches.
type StreamStatus string

// Stream lifecycle states. Starting and Active are the only states in which
// new clients may join; everything else is terminal and eligible for cleanup.
const (
	StatusStarting StreamStatus = "starting" // process launched, no verified output yet
	StatusActive   StreamStatus = "active"   // upstream producing data, clients may read
	StatusStopped  StreamStatus = "stopped"  // deliberately stopped or last client left
	StatusError    StreamStatus = "error"    // process exited before producing data
	StatusFailed   StreamStatus = "failed"   // process crashed or start retries exhausted
)

// Terminal reports whether the status permits a fresh exclusive create for
// the same stream key.
func (s StreamStatus) Terminal() bool {
	return s != StatusStarting && s != StatusActive
}

// StreamFormat selects how the upstream process output is captured: raw
// passthrough chunked purely for buffering, or repackaged into HLS-style
// numbered segments plus a manifest.
type StreamFormat string

const (
	FormatRaw StreamFormat = "raw" // continuous byte stream, time/size chunked
	FormatHLS StreamFormat = "hls" // segmented container output with manifest
)

// StreamRecord is the shared-store representation of one relayed stream.
// Exactly one non-terminal record exists per stream key at any time; the
// check-then-create race is resolved by an atomic claim in the store, never
// by inspecting this struct alone. ClientCount is a derived view recomputed
// from live session markers and must never be treated as authoritative.
type StreamRecord struct {
	Key          string       `json:"key"`          // stable stream identifier (source type + id + resolved URL)
	URL          string       `json:"url"`          // resolved upstream URL handed to the reader process
	Title        string       `json:"title"`        // human-readable label for logs and status output
	Status       StreamStatus `json:"status"`       // current lifecycle state
	Format       StreamFormat `json:"format"`       // raw passthrough or segmented output
	ProfileID    int64        `json:"profileId"`    // credential profile backing the upstream connection
	PID          int          `json:"pid"`          // OS process id of the reader, 0 when not running
	Owner        string       `json:"owner"`        // instance id of the worker holding the process handle
	CreatedAt    time.Time    `json:"createdAt"`    // when the record was first written
	LastActivity time.Time    `json:"lastActivity"` // last time bytes were committed to the buffer
	ClientCount  int          `json:"clientCount"`  // derived view of attached sessions, never authoritative
	StartWarning int          `json:"startWarning"` // consecutive empty startup windows observed
}

// SourceDescriptor carries everything the coordinator needs to launch an
// upstream reader for a stream key. The HTTP layer resolves channel ids to
// URLs before calling in; the core treats the URL as opaque input to the
// external reader process.
type SourceDescriptor struct {
	URL       string            `json:"url"`       // upstream media URL
	Title     string            `json:"title"`     // descriptive label
	Format    StreamFormat      `json:"format"`    // desired output shape
	UserAgent string            `json:"userAgent"` // override for the reader's outbound requests
	Transcode bool              `json:"transcode"` // re-encode instead of codec copy
	Extra     map[string]string `json:"extra"`     // provider-specific passthrough values
}

// ClientSession tracks one viewer attached to a stream. A session belongs to
// exactly one stream at a time and holds exactly one profile connection slot;
// releasing that slot more or less than once is a bug the tracker and monitor
// guard against via an atomically consumed client-to-profile mapping.
type ClientSession struct {
	ID           string    `json:"id"`           // caller-supplied or generated session id
	StreamKey    string    `json:"streamKey"`    // owning stream
	ConnectedAt  time.Time `json:"connectedAt"`  // when the session registered
	LastActivity time.Time `json:"lastActivity"` // refreshed by reads and heartbeats
	Cursor       uint64    `json:"cursor"`       // last consumed segment sequence number
	RemoteAddr   string    `json:"remoteAddr"`   // peer address for logs and status output
	UserAgent    string    `json:"userAgent"`    // client user agent for status output
}

// Profile is one upstream credential set with its own concurrency ceiling.
// Live connection usage is tracked externally in the shared store because it
// changes far more often than this configuration does.
type Profile struct {
	ID             int64     `json:"id"`             // database identity
	Name           string    `json:"name"`           // administrative label
	URL            string    `json:"url"`            // provider endpoint base URL
	Username       string    `json:"username"`       // provider account username
	Password       string    `json:"password"`       // provider account password
	Priority       int       `json:"priority"`       // selection order, lower preferred
	IsPrimary      bool      `json:"isPrimary"`      // primary profiles are tried before all others
	Enabled        bool      `json:"enabled"`        // soft-disable flag, never hard deleted while referenced
	MaxConnections int       `json:"maxConnections"` // configured override, <=0 means unconfigured
	ProviderMax    int       `json:"providerMax"`    // most recent provider-reported ceiling
	UpdatedAt      time.Time `json:"updatedAt"`      // last configuration change or refresh
}

// EffectiveCapacity returns the usable concurrency ceiling for the profile.
// A configured override wins over the provider-reported value; the floor is
// always one connection so a misconfigured profile is degraded, not dead.
func (p *Profile) EffectiveCapacity() int {
	limit := p.MaxConnections
	if limit <= 0 {
		limit = p.ProviderMax
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// TelemetrySample is one parsed key=value progress line from the reader
// process stderr, kept as a small rolling history for operational visibility
// instead of being logged raw.
type TelemetrySample struct {
	At     time.Time         `json:"at"`
	Fields map[string]string `json:"fields"`
}

// Error taxonomy for the relay core. Callers classify with errors.Is; the
// values wrap through fmt.Errorf so context is preserved.
var (
	// ErrUpstreamStartFailed means the reader process could not be spawned
	// or produced no output within the retry budget. Surfaced to the caller,
	// who may retry a bounded number of times with backoff.
	ErrUpstreamStartFailed = errors.New("upstream start failed")

	// ErrUpstreamCrashed means the reader process exited after producing
	// data. Triggers teardown, optionally an automatic restart when clients
	// remain.
	ErrUpstreamCrashed = errors.New("upstream process crashed")

	// ErrNoCapacity means every enabled profile is saturated. Surfaced
	// immediately, never silently queued.
	ErrNoCapacity = errors.New("no upstream capacity available")

	// ErrBufferUnderrun means a reader's cursor fell behind the retention
	// window. Recoverable by a fresh attach, never silent data loss.
	ErrBufferUnderrun = errors.New("reader fell behind buffer retention window")

	// ErrStreamGone means the stream a reader was attached to has stopped
	// or failed; the next read reports it instead of hanging.
	ErrStreamGone = errors.New("stream is no longer available")

	// ErrStaleSession is internal only and drives session reaping.
	ErrStaleSession = errors.New("session exceeded inactivity ttl")

	// ErrNotFound is the store-level miss sentinel.
	ErrNotFound = errors.New("key not found")
)
