package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"streamshare/work/buffer"
	"streamshare/work/config"
	"streamshare/work/coordinator"
	"streamshare/work/logger"
	"streamshare/work/metrics"
	"streamshare/work/profile"
	"streamshare/work/session"
	"streamshare/work/types"
	"streamshare/work/utils"
)

// clientID returns the caller-supplied session id or mints one. Players that
// want to survive manifest polling across requests pass ?client=.
func clientID(r *http.Request) string {
	if id := r.URL.Query().Get("client"); id != "" {
		return id
	}
	return uuid.NewString()
}

// resolveSource builds the upstream descriptor for a stream key. An explicit
// url query wins; otherwise the key is treated as a provider channel id and
// the URL is built from the primary profile's endpoint in the conventional
// live-path shape.
func resolveSource(cfg *config.Config, arb *profile.Arbiter, r *http.Request, streamKey string) (types.SourceDescriptor, error) {
	q := r.URL.Query()
	src := types.SourceDescriptor{
		URL:       q.Get("url"),
		Title:     q.Get("title"),
		UserAgent: q.Get("ua"),
		Transcode: q.Get("transcode") == "1",
		Format:    types.FormatRaw,
	}
	if q.Get("format") == string(types.FormatHLS) {
		src.Format = types.FormatHLS
	}
	if src.Title == "" {
		src.Title = streamKey
	}
	if src.URL != "" {
		return src, nil
	}

	for _, p := range arb.Profiles() {
		if !p.Enabled || !p.IsPrimary {
			continue
		}
		src.URL = fmt.Sprintf("%s/live/%s/%s/%s.ts", p.URL, p.Username, p.Password, streamKey)
		return src, nil
	}
	return src, fmt.Errorf("no url given and no primary profile to resolve %s", streamKey)
}

func attachError(w http.ResponseWriter, streamKey string, err error) {
	switch {
	case errors.Is(err, types.ErrNoCapacity):
		metrics.StreamErrors.WithLabelValues(streamKey, "no_capacity").Inc()
		http.Error(w, "no upstream capacity", http.StatusServiceUnavailable)
	case errors.Is(err, types.ErrUpstreamStartFailed):
		http.Error(w, "upstream start failed", http.StatusBadGateway)
	default:
		http.Error(w, "stream unavailable", http.StatusInternalServerError)
	}
}

// HandleStream serves a raw shared stream: attach (creating the upstream on
// first join), then relay buffered chunks until the client disconnects or
// the stream ends. Segmented streams answer with a redirect to their
// manifest route so any player hitting the base path still works.
func HandleStream(cfg *config.Config, co *coordinator.Coordinator, arb *profile.Arbiter, log *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		streamKey := utils.SanitizeStreamKey(mux.Vars(r)["key"])

		src, err := resolveSource(cfg, arb, r, streamKey)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		sess := &types.ClientSession{
			ID:         clientID(r),
			RemoteAddr: r.RemoteAddr,
			UserAgent:  r.UserAgent(),
		}
		att, err := co.AttachOrCreate(r.Context(), streamKey, src, sess)
		if err != nil {
			log.Warn("[HTTP] attach %s for %s: %v", streamKey, r.RemoteAddr, err)
			attachError(w, streamKey, err)
			return
		}
		if att.IsNew {
			log.Info("[HTTP] %s created stream %s", r.RemoteAddr, streamKey)
		}
		// The request context is already canceled by the time the client
		// disconnects; cleanup gets its own bound.
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			co.Detach(ctx, sess.ID)
		}()

		if att.Record.Format == types.FormatHLS {
			http.Redirect(w, r, fmt.Sprintf("/stream/%s/live.m3u8?client=%s", streamKey, sess.ID), http.StatusFound)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "video/mp2t")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		pipe := co.NewPipe(att)
		for {
			data, err := pipe.Next(r.Context())
			if err != nil {
				if errors.Is(err, types.ErrStreamGone) || errors.Is(err, types.ErrBufferUnderrun) {
					log.Info("[HTTP] %s ending relay to %s: %v", streamKey, r.RemoteAddr, err)
				}
				return
			}
			if _, err := w.Write(data); err != nil {
				return
			}
			flusher.Flush()
			metrics.BytesRelayed.WithLabelValues(streamKey, "downstream").Add(float64(len(data)))
		}
	}
}

// ensureAttached resolves the session for a segmented request, attaching on
// first sight and heartbeating on every subsequent poll. Segmented clients
// have no long-lived connection to tie cleanup to; their slots age out via
// session TTL once the player stops polling.
func ensureAttached(r *http.Request, cfg *config.Config, co *coordinator.Coordinator, arb *profile.Arbiter, tracker *session.Tracker, streamKey, id string) error {
	if sess, err := tracker.Lookup(r.Context(), id); err == nil && sess.StreamKey == streamKey {
		return tracker.Heartbeat(r.Context(), id, sess.Cursor)
	}

	src, err := resolveSource(cfg, arb, r, streamKey)
	if err != nil {
		return err
	}
	src.Format = types.FormatHLS
	sess := &types.ClientSession{ID: id, RemoteAddr: r.RemoteAddr, UserAgent: r.UserAgent()}
	_, err = co.AttachOrCreate(r.Context(), streamKey, src, sess)
	return err
}

// HandleManifest serves the rewritten playlist of a segmented stream.
func HandleManifest(cfg *config.Config, co *coordinator.Coordinator, arb *profile.Arbiter, tracker *session.Tracker, buf *buffer.SegmentBuffer, log *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		streamKey := utils.SanitizeStreamKey(mux.Vars(r)["key"])
		id := clientID(r)

		if err := ensureAttached(r, cfg, co, arb, tracker, streamKey, id); err != nil {
			log.Warn("[HTTP] manifest attach %s: %v", streamKey, err)
			attachError(w, streamKey, err)
			return
		}

		manifest, err := buf.ReadManifest(r.Context(), streamKey)
		if err != nil {
			http.Error(w, "manifest not ready", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(manifest)
	}
}

// HandleSegment serves one numbered segment of a segmented stream.
func HandleSegment(tracker *session.Tracker, buf *buffer.SegmentBuffer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		streamKey := utils.SanitizeStreamKey(vars["key"])
		seq, err := strconv.ParseUint(vars["seq"], 10, 64)
		if err != nil {
			http.Error(w, "bad segment number", http.StatusBadRequest)
			return
		}

		data, err := buf.Segment(r.Context(), streamKey, seq)
		if err != nil {
			http.Error(w, "segment expired", http.StatusNotFound)
			return
		}
		if id := r.URL.Query().Get("client"); id != "" {
			tracker.Heartbeat(r.Context(), id, seq)
		}
		w.Header().Set("Content-Type", "video/mp2t")
		w.Write(data)
		metrics.BytesRelayed.WithLabelValues(streamKey, "downstream").Add(float64(len(data)))
	}
}

// streamStatus is one entry in the status listing.
type streamStatus struct {
	types.StreamRecord
	BufferBytes int64                 `json:"bufferBytes"`
	Clients     []types.ClientSession `json:"clients"`
}

// HandleStreams reports every visible stream with its buffer usage and
// attached sessions. URLs are obfuscated per config before leaving the
// process.
func HandleStreams(cfg *config.Config, co *coordinator.Coordinator, tracker *session.Tracker, buf *buffer.SegmentBuffer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, err := co.ListStreams(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		sessions, _ := tracker.AllSessions(r.Context())
		byStream := make(map[string][]types.ClientSession)
		for _, s := range sessions {
			byStream[s.StreamKey] = append(byStream[s.StreamKey], s)
		}

		out := make([]streamStatus, 0, len(records))
		for _, rec := range records {
			rec.URL = utils.LogURL(cfg, rec.URL)
			usage, _ := buf.Usage(r.Context(), rec.Key)
			clients := byStream[rec.Key]
			rec.ClientCount = len(clients)
			out = append(out, streamStatus{StreamRecord: rec, BufferBytes: usage, Clients: clients})
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"generatedAt": time.Now().UTC(),
			"streams":     out,
		})
	}
}

// HandleStop requests a graceful stop of one stream from any worker.
func HandleStop(co *coordinator.Coordinator, log *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		streamKey := utils.SanitizeStreamKey(mux.Vars(r)["key"])
		force := r.URL.Query().Get("force") == "1"
		log.Info("[HTTP] stop of %s requested by %s (force=%v)", streamKey, r.RemoteAddr, force)
		co.Stop(r.Context(), streamKey, force)
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprintln(w, "stop requested")
	}
}
