package process

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/grafov/m3u8"

	"streamshare/work/metrics"
)

const (
	hlsPollInterval  = 500 * time.Millisecond
	manifestWindow   = 6
	manifestCapacity = 64
)

// runSegmented supervises the segmented output profile. The reader process
// writes segments and its own playlist into the scratch directory; this loop
// tails that playlist, commits each finished segment to the shared buffer in
// order, and publishes a rewritten manifest whose entries point at the
// buffer's sequence numbers instead of local files.
func (m *Manager) runSegmented(ctx context.Context, sup *Supervisor) {
	defer m.finishLoop(ctx, sup)

	playlistPath := filepath.Join(sup.scratchDir, "live.m3u8")
	out, err := m3u8.NewMediaPlaylist(manifestWindow, manifestCapacity)
	if err != nil {
		m.log.Error("[HLS] %s: playlist alloc: %v", sup.StreamKey, err)
		return
	}
	ticker := time.NewTicker(hlsPollInterval)
	defer ticker.Stop()
	committed := make(map[string]bool)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !sup.handle.IsAlive() {
			// Drain whatever the process left behind before reporting exit.
			m.ingestSegments(ctx, sup, playlistPath, out, committed)
			return
		}

		if m.ingestSegments(ctx, sup, playlistPath, out, committed) {
			if m.stopRequested(ctx, sup) {
				return
			}
		}
	}
}

// ingestSegments parses the process playlist and commits any segment it
// references that has not been committed yet. A segment listed in the
// playlist is complete; the highest-numbered file on disk may still be
// mid-write and is never listed, so no partial reads occur. Returns whether
// any new segment landed.
func (m *Manager) ingestSegments(ctx context.Context, sup *Supervisor, playlistPath string, out *m3u8.MediaPlaylist, committed map[string]bool) bool {
	raw, err := os.ReadFile(playlistPath)
	if err != nil {
		return false
	}
	parsed, listType, err := m3u8.Decode(*bytes.NewBuffer(raw), true)
	if err != nil || listType != m3u8.MEDIA {
		return false
	}
	pl := parsed.(*m3u8.MediaPlaylist)

	any := false
	for _, seg := range pl.Segments {
		if seg == nil || committed[seg.URI] {
			continue
		}
		data, err := os.ReadFile(filepath.Join(sup.scratchDir, seg.URI))
		if err != nil {
			// Already rotated out by the process; skip, never block the tail.
			committed[seg.URI] = true
			continue
		}

		seq, err := m.buf.Append(ctx, sup.StreamKey, data)
		if err != nil {
			m.log.Error("[HLS] %s: commit %s: %v", sup.StreamKey, seg.URI, err)
			return any
		}
		committed[seg.URI] = true
		any = true

		sup.lastData.Store(time.Now().UnixNano())
		sup.bytesRead.Add(int64(len(data)))
		metrics.BytesRelayed.WithLabelValues(sup.StreamKey, "upstream").Add(float64(len(data)))

		out.Slide(fmt.Sprintf("seg/%d.ts", seq), seg.Duration, "")
		m.afterCommit(ctx, sup)
	}

	if any {
		out.TargetDuration = pl.TargetDuration
		if err := m.buf.WriteManifest(ctx, sup.StreamKey, out.Encode().Bytes()); err != nil {
			m.log.Error("[HLS] %s: manifest publish: %v", sup.StreamKey, err)
		}
	}
	return any
}
