package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"streamshare/work/config"
	"streamshare/work/logger"
	"streamshare/work/metrics"
	"streamshare/work/store"
	"streamshare/work/types"
)

// Tracker maintains the registry of viewer sessions in the shared store.
// Every session carries a TTL refreshed by delivery heartbeats, so a client
// whose connection dies without a clean close simply ages out and the
// monitor reclaims whatever it held. Two keys exist per session: the session
// document itself and a per-stream membership marker that makes counting a
// stream's viewers a single prefix scan.
type Tracker struct {
	store store.SharedStore
	keys  store.Keys
	cfg   *config.Config
	log   *logger.Logger
}

// NewTracker creates a Tracker over the shared store.
func NewTracker(st store.SharedStore, keys store.Keys, cfg *config.Config, log *logger.Logger) *Tracker {
	return &Tracker{
		store: st,
		keys:  keys,
		cfg:   cfg,
		log:   log.Scoped("session"),
	}
}

// Register records a new viewer session and its stream membership. The
// session starts with a full TTL; the delivery loop must heartbeat before it
// lapses.
func (t *Tracker) Register(ctx context.Context, sess *types.ClientSession) error {
	if sess.ID == "" || sess.StreamKey == "" {
		return fmt.Errorf("register session: id and stream key are required")
	}
	now := time.Now()
	sess.ConnectedAt = now
	sess.LastActivity = now

	doc, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.ID, err)
	}
	if err := t.store.Set(ctx, t.keys.Session(sess.ID), doc, t.cfg.SessionTTL); err != nil {
		return fmt.Errorf("store session %s: %w", sess.ID, err)
	}
	if err := t.store.Set(ctx, t.keys.StreamClient(sess.StreamKey, sess.ID), []byte("1"), t.cfg.SessionTTL); err != nil {
		t.store.Delete(ctx, t.keys.Session(sess.ID))
		return fmt.Errorf("store membership for %s: %w", sess.ID, err)
	}

	metrics.ClientsConnected.WithLabelValues(sess.StreamKey).Inc()
	t.log.Debug("[JOIN] %s -> %s (%s)", sess.ID, sess.StreamKey, sess.RemoteAddr)
	return nil
}

// Heartbeat refreshes a session's TTL and records its delivery cursor. A
// missing session means it already expired; the caller should treat the
// connection as stale and stop serving it.
func (t *Tracker) Heartbeat(ctx context.Context, clientID string, cursor uint64) error {
	sess, err := t.Lookup(ctx, clientID)
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", clientID, types.ErrStaleSession)
	}
	sess.LastActivity = time.Now()
	sess.Cursor = cursor

	doc, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", clientID, err)
	}
	if err := t.store.Set(ctx, t.keys.Session(clientID), doc, t.cfg.SessionTTL); err != nil {
		return fmt.Errorf("refresh session %s: %w", clientID, err)
	}
	return t.store.Expire(ctx, t.keys.StreamClient(sess.StreamKey, clientID), t.cfg.SessionTTL)
}

// Lookup returns a session by client ID, or types.ErrNotFound.
func (t *Tracker) Lookup(ctx context.Context, clientID string) (*types.ClientSession, error) {
	doc, err := t.store.Get(ctx, t.keys.Session(clientID))
	if err != nil {
		return nil, err
	}
	var sess types.ClientSession
	if err := json.Unmarshal(doc, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", clientID, err)
	}
	return &sess, nil
}

// Deregister removes a session and returns the stream it was attached to.
// The session document is consumed atomically, so concurrent deregisters
// (client close racing the reaper) resolve to exactly one winner; the loser
// gets existed=false and must not release resources again.
func (t *Tracker) Deregister(ctx context.Context, clientID string) (streamKey string, existed bool, err error) {
	doc, err := t.store.GetDel(ctx, t.keys.Session(clientID))
	if err != nil {
		return "", false, nil
	}
	var sess types.ClientSession
	if err := json.Unmarshal(doc, &sess); err != nil {
		return "", true, fmt.Errorf("decode session %s: %w", clientID, err)
	}
	t.store.Delete(ctx, t.keys.StreamClient(sess.StreamKey, clientID))
	metrics.ClientsConnected.WithLabelValues(sess.StreamKey).Dec()
	t.log.Debug("[LEAVE] %s <- %s", sess.ID, sess.StreamKey)
	return sess.StreamKey, true, nil
}

// CountClients returns how many sessions are attached to a stream right now,
// derived from the membership markers so expired sessions never count.
func (t *Tracker) CountClients(ctx context.Context, streamKey string) (int, error) {
	members, err := t.store.Scan(ctx, t.keys.StreamClientsPattern(streamKey))
	if err != nil {
		return 0, fmt.Errorf("count clients of %s: %w", streamKey, err)
	}
	return len(members), nil
}

// ClientIDs returns the session IDs attached to a stream.
func (t *Tracker) ClientIDs(ctx context.Context, streamKey string) ([]string, error) {
	members, err := t.store.Scan(ctx, t.keys.StreamClientsPattern(streamKey))
	if err != nil {
		return nil, fmt.Errorf("list clients of %s: %w", streamKey, err)
	}
	prefix := strings.TrimSuffix(t.keys.StreamClientsPattern(streamKey), "*")
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, strings.TrimPrefix(m, prefix))
	}
	return ids, nil
}

// AllSessions returns every live session, for status reporting and the
// monitor's reconciliation sweep.
func (t *Tracker) AllSessions(ctx context.Context) ([]types.ClientSession, error) {
	keys, err := t.store.Scan(ctx, t.keys.SessionPattern())
	if err != nil {
		return nil, fmt.Errorf("scan sessions: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	docs, err := t.store.MGet(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	out := make([]types.ClientSession, 0, len(docs))
	for _, doc := range docs {
		if doc == nil {
			continue
		}
		var sess types.ClientSession
		if err := json.Unmarshal(doc, &sess); err != nil {
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}
