package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"streamshare/work/buffer"
	"streamshare/work/config"
	"streamshare/work/logger"
	"streamshare/work/metrics"
	"streamshare/work/process"
	"streamshare/work/profile"
	"streamshare/work/session"
	"streamshare/work/store"
	"streamshare/work/types"
	"streamshare/work/utils"
)

const (
	// joinPollInterval paces the loser of a creation race while it waits
	// for the winner's record to become visible.
	joinPollInterval = 250 * time.Millisecond

	// stopRequestTTL bounds how long a cross-worker stop request lingers
	// if the owning loop dies before seeing it.
	stopRequestTTL = 30 * time.Second

	// forceStopPayload marks a cross-worker stop request that should skip
	// the grace period. Any other payload identifies the requesting worker.
	forceStopPayload = process.ForceStop
)

// Coordinator is the control plane for shared streams: it decides whether a
// client joins an existing stream or creates one, owns the exclusive-create
// claim protocol, reacts to process lifecycle events, and tears streams down
// when the last viewer leaves. All decisions route through the shared store
// so any worker can serve any client regardless of which worker holds the
// process handle.
type Coordinator struct {
	cfg     *config.Config
	log     *logger.Logger
	store   store.SharedStore
	keys    store.Keys
	buf     *buffer.SegmentBuffer
	manager *process.Manager
	tracker *session.Tracker
	arbiter *profile.Arbiter

	// creating marks stream keys whose creation sequence is in flight on
	// this instance, so exit events from failed start attempts don't fight
	// the retry loop over the record.
	creating *xsync.MapOf[string, struct{}]
}

// New wires a Coordinator and binds it as the process manager's event sink.
func New(cfg *config.Config, st store.SharedStore, keys store.Keys, buf *buffer.SegmentBuffer, mgr *process.Manager, tracker *session.Tracker, arb *profile.Arbiter, log *logger.Logger) *Coordinator {
	c := &Coordinator{
		cfg:      cfg,
		log:      log.Scoped("coordinator"),
		store:    st,
		keys:     keys,
		buf:      buf,
		manager:  mgr,
		tracker:  tracker,
		arbiter:  arb,
		creating: xsync.NewMapOf[string, struct{}](),
	}
	mgr.Bind(c)
	return c
}

// liveRecordTTL keeps a healthy stream's record alive between activity
// refreshes; terminalRecordTTL lets finished streams stay visible in status
// output briefly before aging out.
func (c *Coordinator) liveRecordTTL() time.Duration     { return 3 * c.cfg.SessionTTL }
func (c *Coordinator) terminalRecordTTL() time.Duration { return c.cfg.SessionTTL }

// claimTTL bounds how long a creation claim can exclude other workers: long
// enough for the full retry and startup-window budget, short enough that a
// worker crash mid-create self-heals.
func (c *Coordinator) claimTTL() time.Duration {
	windows := time.Duration(c.cfg.StartupWindowLimit) * c.cfg.StartupWindow
	// retry delays double per attempt, so the total is delay*(2^n - 1)
	retries := c.cfg.StartRetryDelay * time.Duration((1<<c.cfg.StartRetries)-1)
	return windows + retries + 15*time.Second
}

// LoadRecord returns the stream record for a key, or types.ErrNotFound.
func (c *Coordinator) LoadRecord(ctx context.Context, streamKey string) (*types.StreamRecord, error) {
	doc, err := c.store.Get(ctx, c.keys.Stream(streamKey))
	if err != nil {
		return nil, err
	}
	var rec types.StreamRecord
	if err := json.Unmarshal(doc, &rec); err != nil {
		return nil, fmt.Errorf("decode stream record %s: %w", streamKey, err)
	}
	return &rec, nil
}

// SaveRecord persists a record with the TTL its status calls for. Live
// records ride a generous TTL refreshed by activity; terminal ones stay just
// long enough for status output.
func (c *Coordinator) SaveRecord(ctx context.Context, rec *types.StreamRecord) error {
	return c.saveRecord(ctx, rec)
}

func (c *Coordinator) saveRecord(ctx context.Context, rec *types.StreamRecord) error {
	ttl := c.liveRecordTTL()
	if rec.Status.Terminal() {
		ttl = c.terminalRecordTTL()
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode stream record %s: %w", rec.Key, err)
	}
	return c.store.Set(ctx, c.keys.Stream(rec.Key), doc, ttl)
}

// ListStreams returns every visible stream record, live and recently
// terminal, for the status endpoint and the monitor sweep.
func (c *Coordinator) ListStreams(ctx context.Context) ([]types.StreamRecord, error) {
	keys, err := c.store.Scan(ctx, c.keys.StreamPattern())
	if err != nil {
		return nil, fmt.Errorf("scan stream records: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	docs, err := c.store.MGet(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("load stream records: %w", err)
	}
	out := make([]types.StreamRecord, 0, len(docs))
	for _, doc := range docs {
		if doc == nil {
			continue
		}
		var rec types.StreamRecord
		if err := json.Unmarshal(doc, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Attachment is what a delivery handler gets back from AttachOrCreate: the
// registered session plus the record it joined. Pipe construction is
// deferred to the handler because segmented clients never stream a pipe.
type Attachment struct {
	Session *types.ClientSession
	Record  *types.StreamRecord
	IsNew   bool // true when this attach created the upstream process
}

// AttachOrCreate joins the client to the shared stream for streamKey,
// creating the upstream process first when no live stream exists. Exactly
// one upstream connection exists per stream key no matter how many clients
// race this call; the loser of the creation race waits for the winner's
// stream to materialize and joins it. The client's profile slot is acquired
// here and held until Detach.
func (c *Coordinator) AttachOrCreate(ctx context.Context, streamKey string, src types.SourceDescriptor, sess *types.ClientSession) (*Attachment, error) {
	sess.StreamKey = streamKey

	for {
		rec, err := c.LoadRecord(ctx, streamKey)
		if err == nil && !rec.Status.Terminal() {
			return c.join(ctx, rec, sess)
		}

		claimed, err := c.store.SetNX(ctx, c.keys.Claim(streamKey), []byte(c.cfg.InstanceID), c.claimTTL())
		if err != nil {
			return nil, fmt.Errorf("claim stream %s: %w", streamKey, err)
		}
		if claimed {
			return c.create(ctx, streamKey, src, sess)
		}

		// Another worker holds the claim; wait for its record to land.
		rec, err = c.awaitCreation(ctx, streamKey)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			// Claim expired without a live record; retry the whole dance.
			continue
		}
		return c.join(ctx, rec, sess)
	}
}

// join attaches a session to an already-live stream: one profile slot for
// the client, one session registration, cursor parked at the latest segment
// so playback starts at the live edge.
func (c *Coordinator) join(ctx context.Context, rec *types.StreamRecord, sess *types.ClientSession) (*Attachment, error) {
	prof, err := c.arbiter.AcquireAny(ctx, sess.ID)
	if err != nil {
		return nil, err
	}

	latest, err := c.buf.Latest(ctx, rec.Key)
	if err == nil && latest > 0 {
		// Leave the initial chunks readable so a joiner has data at once.
		sess.Cursor = latest - min(latest, 2)
	}

	if err := c.tracker.Register(ctx, sess); err != nil {
		c.arbiter.ReleaseByClient(ctx, sess.ID)
		return nil, err
	}

	c.log.Info("[ATTACH] %s joined %s via profile %s", sess.ID, rec.Key, prof.Name)
	return &Attachment{Session: sess, Record: rec}, nil
}

// awaitCreation polls for the record a competing creator is about to write.
// Returns nil with no error when the claim lapsed without producing a live
// stream, meaning the caller should race again.
func (c *Coordinator) awaitCreation(ctx context.Context, streamKey string) (*types.StreamRecord, error) {
	deadline := time.NewTimer(c.claimTTL())
	defer deadline.Stop()
	ticker := time.NewTicker(joinPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("stream %s never materialized: %w", streamKey, types.ErrUpstreamStartFailed)
		case <-ticker.C:
		}

		rec, err := c.LoadRecord(ctx, streamKey)
		if err != nil {
			if _, cerr := c.store.Get(ctx, c.keys.Claim(streamKey)); cerr != nil {
				return nil, nil
			}
			continue
		}
		if rec.Status.Terminal() {
			return nil, fmt.Errorf("stream %s start failed on creating worker: %w", streamKey, types.ErrUpstreamStartFailed)
		}
		if rec.Status == types.StatusActive || rec.Status == types.StatusStarting {
			return rec, nil
		}
	}
}

// create runs the full owner-side start sequence under the claim: acquire
// the creating client's slot, write the starting record, launch the process
// with a bounded retry budget, and wait out the startup windows.
func (c *Coordinator) create(ctx context.Context, streamKey string, src types.SourceDescriptor, sess *types.ClientSession) (*Attachment, error) {
	c.creating.Store(streamKey, struct{}{})
	defer c.creating.Delete(streamKey)
	defer c.store.Delete(ctx, c.keys.Claim(streamKey))

	prof, err := c.arbiter.AcquireAny(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	release := func() { c.arbiter.ReleaseByClient(ctx, sess.ID) }

	rec := &types.StreamRecord{
		Key:          streamKey,
		URL:          src.URL,
		Title:        src.Title,
		Status:       types.StatusStarting,
		Format:       src.Format,
		ProfileID:    prof.ID,
		Owner:        c.cfg.InstanceID,
		CreatedAt:    time.Now(),
		LastActivity: time.Now(),
	}
	if err := c.saveRecord(ctx, rec); err != nil {
		release()
		return nil, err
	}

	sup, err := c.startWithRetries(ctx, rec, src)
	if err != nil {
		rec.Status = types.StatusFailed
		rec.PID = 0
		c.saveRecord(ctx, rec)
		c.buf.Teardown(ctx, streamKey)
		metrics.StreamErrors.WithLabelValues(streamKey, "start_failed").Inc()
		release()
		return nil, err
	}

	if err := c.awaitStartup(ctx, rec, sup); err != nil {
		sup.Stop(c.cfg.StopGracePeriod)
		rec.Status = types.StatusFailed
		rec.PID = 0
		c.saveRecord(ctx, rec)
		c.buf.Teardown(ctx, streamKey)
		metrics.StreamErrors.WithLabelValues(streamKey, "startup_timeout").Inc()
		release()
		return nil, err
	}

	if err := c.tracker.Register(ctx, sess); err != nil {
		release()
		return nil, err
	}
	c.log.Info("[CREATE] %s live on profile %s url=%s", streamKey, prof.Name, utils.LogURL(c.cfg, src.URL))
	return &Attachment{Session: sess, Record: rec, IsNew: true}, nil
}

// startWithRetries launches the reader, retrying spawn failures and
// immediate exits up to the configured budget. The delay between attempts
// doubles each time so a flapping provider is not hammered.
func (c *Coordinator) startWithRetries(ctx context.Context, rec *types.StreamRecord, src types.SourceDescriptor) (*process.Supervisor, error) {
	var lastErr error
	delay := c.cfg.StartRetryDelay
	for attempt := 1; attempt <= c.cfg.StartRetries; attempt++ {
		sup, err := c.manager.Start(ctx, rec.Key, src)
		if err == nil {
			rec.PID = sup.Handle().Pid()
			c.saveRecord(ctx, rec)
			return sup, nil
		}
		lastErr = err
		c.log.Warn("[RETRY] %s start attempt %d/%d failed: %v", rec.Key, attempt, c.cfg.StartRetries, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, fmt.Errorf("start budget exhausted for %s: %w", rec.Key, lastErr)
}

// awaitStartup waits for the stream to produce its initial data. Each empty
// startup window is recorded as a warning on the record rather than an
// immediate failure; only the configured number of consecutive empty windows
// escalates. A process exit during the wait is retried through the spawn
// budget by the caller's error path.
func (c *Coordinator) awaitStartup(ctx context.Context, rec *types.StreamRecord, sup *process.Supervisor) error {
	for window := 1; window <= c.cfg.StartupWindowLimit; window++ {
		err := sup.WaitActive(ctx, c.cfg.StartupWindow)
		if err == nil {
			rec.StartWarning = 0
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !sup.Handle().IsAlive() {
			return fmt.Errorf("reader for %s died during startup: %w", rec.Key, types.ErrUpstreamStartFailed)
		}
		rec.StartWarning = window
		c.saveRecord(ctx, rec)
		c.log.Warn("[SLOW] %s produced no data in startup window %d/%d", rec.Key, window, c.cfg.StartupWindowLimit)
	}
	return fmt.Errorf("no data after %d startup windows for %s: %w", c.cfg.StartupWindowLimit, rec.Key, types.ErrUpstreamStartFailed)
}

// Detach removes a client from its stream, releases its profile slot exactly
// once, and stops the stream when the departing client was the last one. With
// a keep-warm grace configured the stream instead idles and the monitor stops
// it after the grace expires.
func (c *Coordinator) Detach(ctx context.Context, clientID string) {
	streamKey, existed, err := c.tracker.Deregister(ctx, clientID)
	if err != nil {
		c.log.Warn("[DETACH] %s: %v", clientID, err)
	}
	if !existed {
		return
	}
	if profileID, released := c.arbiter.ReleaseByClient(ctx, clientID); released {
		c.log.Debug("[DETACH] %s released profile %d", clientID, profileID)
	}

	remaining, err := c.tracker.CountClients(ctx, streamKey)
	if err != nil || remaining > 0 {
		return
	}
	if c.cfg.KeepWarmGrace > 0 {
		c.log.Info("[IDLE] %s has no clients, keeping warm for %s", streamKey, c.cfg.KeepWarmGrace)
		return
	}
	c.log.Info("[LASTOUT] %s has no clients, stopping", streamKey)
	c.Stop(ctx, streamKey, false)
}

// Stop shuts a stream down from any worker. The owner signals its local
// process directly; everyone else posts a stop request the owning read loop
// honors within one flush interval. With force set the grace period is
// skipped and the process group is killed outright. Record state and buffer
// teardown are handled by the exit event.
func (c *Coordinator) Stop(ctx context.Context, streamKey string, force bool) {
	grace := c.cfg.StopGracePeriod
	if force {
		grace = 0
	}
	if sup, ok := c.manager.Get(streamKey); ok {
		go sup.Stop(grace)
		return
	}
	payload := []byte(c.cfg.InstanceID)
	if force {
		payload = []byte(forceStopPayload)
	}
	if err := c.store.Set(ctx, c.keys.StopRequest(streamKey), payload, stopRequestTTL); err != nil {
		c.log.Error("[STOP] %s: posting stop request: %v", streamKey, err)
	}
}
