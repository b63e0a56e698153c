package buffer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"streamshare/work/config"
	"streamshare/work/logger"
	"streamshare/work/metrics"
	"streamshare/work/store"
	"streamshare/work/types"
)

// readBatchLimit caps how many segments a single ReadSince call concatenates
// so one slow reader catching up cannot issue unbounded MGets.
const readBatchLimit = 64

// SegmentBuffer is a per-stream, append-only sequence of binary chunks held
// in the shared store with time- and count-based eviction. Segments are
// written by exactly one writer (the owning process manager) and read by many
// clients holding independent cursors.
//
// Sequence bookkeeping lives in two counters per stream: seq, the highest
// written sequence number, and first, the oldest retained one. Eviction
// advances first; a reader whose cursor is behind first gets
// types.ErrBufferUnderrun instead of silently skipping data.
type SegmentBuffer struct {
	store store.SharedStore
	keys  store.Keys
	cfg   *config.Config
	log   *logger.Logger
}

// NewSegmentBuffer creates a SegmentBuffer over the shared store.
func NewSegmentBuffer(st store.SharedStore, keys store.Keys, cfg *config.Config, log *logger.Logger) *SegmentBuffer {
	return &SegmentBuffer{
		store: st,
		keys:  keys,
		cfg:   cfg,
		log:   log.Scoped("buffer"),
	}
}

// counterTTL keeps the sequence and byte counters alive well past the
// segment retention window so a crashed writer self-heals without leaving
// counters behind forever.
func (b *SegmentBuffer) counterTTL() time.Duration {
	return 4 * b.cfg.SegmentMaxAge
}

// Append commits one chunk as the next segment of the stream and returns its
// sequence number. Runs reactive count-based eviction after every write.
func (b *SegmentBuffer) Append(ctx context.Context, streamKey string, payload []byte) (uint64, error) {
	if len(payload) == 0 {
		return 0, fmt.Errorf("append to %s: empty payload", streamKey)
	}

	seq, err := b.store.IncrBy(ctx, b.keys.Seq(streamKey), 1)
	if err != nil {
		return 0, fmt.Errorf("assign sequence for %s: %w", streamKey, err)
	}
	if seq == 1 {
		// First segment establishes the retention floor.
		if _, err := b.store.SetNX(ctx, b.keys.First(streamKey), []byte("1"), b.counterTTL()); err != nil {
			return 0, fmt.Errorf("init retention floor for %s: %w", streamKey, err)
		}
	}

	if err := b.store.Set(ctx, b.keys.Segment(streamKey, uint64(seq)), payload, b.cfg.SegmentMaxAge); err != nil {
		return 0, fmt.Errorf("store segment %d for %s: %w", seq, streamKey, err)
	}

	usage, err := b.store.IncrBy(ctx, b.keys.Bytes(streamKey), int64(len(payload)))
	if err != nil {
		return 0, fmt.Errorf("account segment bytes for %s: %w", streamKey, err)
	}
	metrics.BufferBytes.WithLabelValues(streamKey).Set(float64(usage))

	// Counters must outlive the segments they describe.
	b.store.Expire(ctx, b.keys.Seq(streamKey), b.counterTTL())
	b.store.Expire(ctx, b.keys.First(streamKey), b.counterTTL())
	b.store.Expire(ctx, b.keys.Bytes(streamKey), b.counterTTL())

	if err := b.evictOverCount(ctx, streamKey, uint64(seq)); err != nil {
		b.log.Warn("reactive trim failed for %s: %v", streamKey, err)
	}

	return uint64(seq), nil
}

// evictOverCount removes the oldest segments beyond the count ceiling,
// advancing the retention floor as it goes.
func (b *SegmentBuffer) evictOverCount(ctx context.Context, streamKey string, latest uint64) error {
	first, err := b.store.GetInt(ctx, b.keys.First(streamKey))
	if err != nil || first <= 0 {
		return err
	}

	ceiling := uint64(b.cfg.SegmentMaxCount)
	for uint64(first) <= latest && latest-uint64(first)+1 > ceiling {
		if err := b.dropSegment(ctx, streamKey, uint64(first)); err != nil {
			return err
		}
		first, err = b.store.IncrBy(ctx, b.keys.First(streamKey), 1)
		if err != nil {
			return err
		}
	}
	return nil
}

// dropSegment deletes one segment and corrects the byte usage counter.
func (b *SegmentBuffer) dropSegment(ctx context.Context, streamKey string, seq uint64) error {
	key := b.keys.Segment(streamKey, seq)
	payload, err := b.store.Get(ctx, key)
	if err != nil {
		// Already expired via TTL; nothing to subtract.
		return nil
	}
	if err := b.store.Delete(ctx, key); err != nil {
		return err
	}
	_, err = b.store.IncrBy(ctx, b.keys.Bytes(streamKey), -int64(len(payload)))
	return err
}

// ReadSince returns the concatenation of every retained segment with
// sequence greater than cursor, in order, plus the highest sequence included
// as the new cursor. A cursor older than the retention floor reports
// types.ErrBufferUnderrun; the client must re-attach rather than lose data
// silently.
func (b *SegmentBuffer) ReadSince(ctx context.Context, streamKey string, cursor uint64) ([]byte, uint64, error) {
	latest, err := b.store.GetInt(ctx, b.keys.Seq(streamKey))
	if err != nil {
		return nil, cursor, fmt.Errorf("read sequence for %s: %w", streamKey, err)
	}
	if latest <= 0 || cursor >= uint64(latest) {
		return nil, cursor, nil
	}

	first, err := b.store.GetInt(ctx, b.keys.First(streamKey))
	if err != nil {
		return nil, cursor, fmt.Errorf("read retention floor for %s: %w", streamKey, err)
	}
	if first > 0 && cursor+1 < uint64(first) {
		return nil, cursor, fmt.Errorf("stream %s cursor %d behind floor %d: %w",
			streamKey, cursor, first, types.ErrBufferUnderrun)
	}

	from := cursor + 1
	to := uint64(latest)
	if to-from+1 > readBatchLimit {
		to = from + readBatchLimit - 1
	}

	keys := make([]string, 0, to-from+1)
	for seq := from; seq <= to; seq++ {
		keys = append(keys, b.keys.Segment(streamKey, seq))
	}
	vals, err := b.store.MGet(ctx, keys...)
	if err != nil {
		return nil, cursor, fmt.Errorf("read segments for %s: %w", streamKey, err)
	}

	// A missing leading segment means age eviction outran the floor counter;
	// that is still an underrun, not silent loss. A missing segment later in
	// the range truncates the read so the returned bytes stay contiguous.
	if len(vals) > 0 && vals[0] == nil {
		return nil, cursor, fmt.Errorf("stream %s segment %d expired: %w",
			streamKey, from, types.ErrBufferUnderrun)
	}

	var out []byte
	newCursor := cursor
	for i, val := range vals {
		if val == nil {
			break
		}
		out = append(out, val...)
		newCursor = from + uint64(i)
	}
	return out, newCursor, nil
}

// Latest returns the highest written sequence number for a stream, 0 when
// nothing has been committed.
func (b *SegmentBuffer) Latest(ctx context.Context, streamKey string) (uint64, error) {
	latest, err := b.store.GetInt(ctx, b.keys.Seq(streamKey))
	if err != nil || latest < 0 {
		return 0, err
	}
	return uint64(latest), nil
}

// Usage returns the current retained byte count for a stream.
func (b *SegmentBuffer) Usage(ctx context.Context, streamKey string) (int64, error) {
	return b.store.GetInt(ctx, b.keys.Bytes(streamKey))
}

// Trim runs the periodic age-based sweep for one stream: the retention floor
// is advanced past segments that already expired via TTL and the byte usage
// counter is recomputed from what actually remains.
func (b *SegmentBuffer) Trim(ctx context.Context, streamKey string) error {
	latest, err := b.store.GetInt(ctx, b.keys.Seq(streamKey))
	if err != nil || latest <= 0 {
		return err
	}
	first, err := b.store.GetInt(ctx, b.keys.First(streamKey))
	if err != nil || first <= 0 {
		return err
	}

	for first <= latest {
		if _, err := b.store.Get(ctx, b.keys.Segment(streamKey, uint64(first))); err == nil {
			break
		}
		first, err = b.store.IncrBy(ctx, b.keys.First(streamKey), 1)
		if err != nil {
			return err
		}
	}

	// Recount retained bytes to correct drift from TTL expiry.
	var usage int64
	for seq := first; seq <= latest; seq++ {
		if payload, err := b.store.Get(ctx, b.keys.Segment(streamKey, uint64(seq))); err == nil {
			usage += int64(len(payload))
		}
	}
	current, err := b.store.GetInt(ctx, b.keys.Bytes(streamKey))
	if err == nil && current != usage {
		b.store.IncrBy(ctx, b.keys.Bytes(streamKey), usage-current)
	}
	metrics.BufferBytes.WithLabelValues(streamKey).Set(float64(usage))
	return nil
}

// TrimToCount shrinks one stream's retained window to at most keep segments,
// oldest first. Used by the global budget trim.
func (b *SegmentBuffer) TrimToCount(ctx context.Context, streamKey string, keep int) error {
	if keep < b.cfg.MinRetainedSegments {
		keep = b.cfg.MinRetainedSegments
	}
	latest, err := b.store.GetInt(ctx, b.keys.Seq(streamKey))
	if err != nil || latest <= 0 {
		return err
	}
	first, err := b.store.GetInt(ctx, b.keys.First(streamKey))
	if err != nil || first <= 0 {
		return err
	}
	for first <= latest && latest-first+1 > int64(keep) {
		if err := b.dropSegment(ctx, streamKey, uint64(first)); err != nil {
			return err
		}
		first, err = b.store.IncrBy(ctx, b.keys.First(streamKey), 1)
		if err != nil {
			return err
		}
	}
	return nil
}

// StreamActivity pairs a stream with its buffer usage and last activity for
// the global trim's least-recently-active ordering.
type StreamActivity struct {
	Key          string
	Usage        int64
	LastActivity time.Time
}

// TrimGlobal enforces the aggregate buffer budget across all streams. When
// total usage exceeds the operator-set budget, the least-recently-active
// streams are trimmed first, proportionally to their share of the overage,
// and no stream is ever trimmed below the configured retention floor.
func (b *SegmentBuffer) TrimGlobal(ctx context.Context, streams []StreamActivity) error {
	budget := b.cfg.GlobalBufferBudget * 1024 * 1024
	var total int64
	for _, s := range streams {
		total += s.Usage
	}
	if total <= budget || len(streams) == 0 {
		return nil
	}

	sort.Slice(streams, func(i, j int) bool {
		return streams[i].LastActivity.Before(streams[j].LastActivity)
	})

	overage := total - budget
	b.log.Warn("aggregate buffer usage %d over budget %d, trimming %d streams",
		total, budget, len(streams))

	for _, s := range streams {
		if overage <= 0 {
			break
		}
		if s.Usage == 0 {
			continue
		}
		latest, err := b.store.GetInt(ctx, b.keys.Seq(s.Key))
		if err != nil || latest <= 0 {
			continue
		}
		first, err := b.store.GetInt(ctx, b.keys.First(s.Key))
		if err != nil || first <= 0 {
			continue
		}
		retained := latest - first + 1
		if retained <= int64(b.cfg.MinRetainedSegments) {
			continue
		}

		// Trim proportionally to this stream's share of the overage.
		share := s.Usage * overage / total
		if share <= 0 {
			share = overage
		}
		avgSegment := s.Usage / retained
		if avgSegment <= 0 {
			continue
		}
		drop := share / avgSegment
		keep := retained - drop
		if err := b.TrimToCount(ctx, s.Key, int(keep)); err != nil {
			b.log.Warn("global trim of %s failed: %v", s.Key, err)
			continue
		}
		overage -= drop * avgSegment
	}
	return nil
}

// WriteManifest publishes the rewritten playlist for a segmented stream. The
// manifest carries the same TTL as segments so an abandoned stream leaves no
// stale playlist behind.
func (b *SegmentBuffer) WriteManifest(ctx context.Context, streamKey string, manifest []byte) error {
	return b.store.Set(ctx, b.keys.Manifest(streamKey), manifest, b.cfg.SegmentMaxAge)
}

// ReadManifest returns the current playlist for a segmented stream, or
// types.ErrNotFound when none has been published yet.
func (b *SegmentBuffer) ReadManifest(ctx context.Context, streamKey string) ([]byte, error) {
	return b.store.Get(ctx, b.keys.Manifest(streamKey))
}

// Segment returns the payload of a single segment by sequence number, used
// by the segmented delivery path where clients fetch entries the manifest
// names rather than following a cursor.
func (b *SegmentBuffer) Segment(ctx context.Context, streamKey string, seq uint64) ([]byte, error) {
	return b.store.Get(ctx, b.keys.Segment(streamKey, seq))
}

// Teardown removes every buffer key belonging to a stream: counters,
// segments and manifest. Called on stream stop and by the monitor when it
// finds orphaned buffers with no live record.
func (b *SegmentBuffer) Teardown(ctx context.Context, streamKey string) error {
	segKeys, err := b.store.Scan(ctx, b.keys.SegmentPattern(streamKey))
	if err != nil {
		return fmt.Errorf("scan segments for %s: %w", streamKey, err)
	}
	keys := append(segKeys,
		b.keys.Seq(streamKey),
		b.keys.First(streamKey),
		b.keys.Bytes(streamKey),
		b.keys.Manifest(streamKey),
	)
	if err := b.store.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("delete buffer state for %s: %w", streamKey, err)
	}
	metrics.BufferBytes.DeleteLabelValues(streamKey)
	return nil
}
