package coordinator

import (
	"context"
	"time"

	"streamshare/work/metrics"
	"streamshare/work/types"
)

// StreamActive marks the record active once the reader has committed its
// initial chunks.
func (c *Coordinator) StreamActive(ctx context.Context, streamKey string) {
	rec, err := c.LoadRecord(ctx, streamKey)
	if err != nil {
		c.log.Warn("[ACTIVE] %s: record missing: %v", streamKey, err)
		return
	}
	if rec.Status == types.StatusActive {
		return
	}
	rec.Status = types.StatusActive
	rec.StartWarning = 0
	rec.LastActivity = time.Now()
	if err := c.saveRecord(ctx, rec); err != nil {
		c.log.Error("[ACTIVE] %s: %v", streamKey, err)
		return
	}
	metrics.ActiveStreams.Inc()
	c.log.Info("[ACTIVE] %s is producing data", streamKey)
}

// StreamActivity refreshes the record's activity timestamp and TTL on every
// committed chunk, which is what keeps a healthy stream's record from
// expiring.
func (c *Coordinator) StreamActivity(ctx context.Context, streamKey string) {
	rec, err := c.LoadRecord(ctx, streamKey)
	if err != nil {
		return
	}
	rec.LastActivity = time.Now()
	c.saveRecord(ctx, rec)
}

// StreamStalled records a stall warning. Stalls are visibility, not policy:
// the monitor decides whether a persistently silent stream gets restarted.
func (c *Coordinator) StreamStalled(ctx context.Context, streamKey string, silence time.Duration) {
	metrics.StreamErrors.WithLabelValues(streamKey, "stall").Inc()
	c.log.Warn("[STALL] %s silent for %s, process still alive", streamKey, silence.Round(time.Second))
}

// StreamExited settles a stream whose reader process ended. Deliberate stops
// and pre-data exits finalize immediately; a crash mid-stream with viewers
// still attached is restarted in place when auto-restart is on, keeping the
// buffer and every client cursor valid across the process swap.
func (c *Coordinator) StreamExited(ctx context.Context, streamKey string, exitCode int, produced, deliberate bool) {
	if _, inflight := c.creating.Load(streamKey); inflight {
		// The creation sequence owns the outcome of early exits.
		return
	}

	rec, err := c.LoadRecord(ctx, streamKey)
	if err != nil {
		c.reapSessions(ctx, streamKey)
		c.buf.Teardown(ctx, streamKey)
		return
	}
	wasActive := rec.Status == types.StatusActive

	if !deliberate && produced && c.cfg.AutoRestart {
		if clients, err := c.tracker.CountClients(ctx, streamKey); err == nil && clients > 0 {
			if c.restart(ctx, rec, wasActive) == nil {
				return
			}
		}
	}

	switch {
	case deliberate:
		rec.Status = types.StatusStopped
	case !produced:
		rec.Status = types.StatusError
	default:
		rec.Status = types.StatusFailed
		metrics.StreamErrors.WithLabelValues(streamKey, "crash").Inc()
	}
	rec.PID = 0
	rec.LastActivity = time.Now()
	if err := c.saveRecord(ctx, rec); err != nil {
		c.log.Error("[EXIT] %s: saving terminal record: %v", streamKey, err)
	}

	if wasActive {
		metrics.ActiveStreams.Dec()
	}
	c.store.Delete(ctx, c.keys.Claim(streamKey), c.keys.StopRequest(streamKey))
	c.reapSessions(ctx, streamKey)
	if err := c.buf.Teardown(ctx, streamKey); err != nil {
		c.log.Warn("[EXIT] %s: buffer teardown: %v", streamKey, err)
	}
	c.log.Info("[DOWN] %s finalized status=%s exit=%d", streamKey, rec.Status, exitCode)
}

// reapSessions deregisters every session still attached to a dead stream and
// releases its profile slot. Raw pipe clients notice termination through
// their read error, but polling clients hold their slot until the session
// TTL unless the teardown cuts them loose here.
func (c *Coordinator) reapSessions(ctx context.Context, streamKey string) {
	ids, err := c.tracker.ClientIDs(ctx, streamKey)
	if err != nil {
		return
	}
	for _, id := range ids {
		c.tracker.Deregister(ctx, id)
		if profileID, released := c.arbiter.ReleaseByClient(ctx, id); released {
			c.log.Debug("[EXIT] %s: released profile %d held by %s", streamKey, profileID, id)
		}
	}
}

// restart replaces a crashed reader with a fresh one on the same record. The
// segment sequence counter survives, so new segments continue numbering
// where the dead process stopped and attached clients resume without a
// rejoin.
func (c *Coordinator) restart(ctx context.Context, rec *types.StreamRecord, wasActive bool) error {
	src := types.SourceDescriptor{
		URL:    rec.URL,
		Title:  rec.Title,
		Format: rec.Format,
	}
	sup, err := c.manager.Start(ctx, rec.Key, src)
	if err != nil {
		c.log.Error("[RESTART] %s: %v", rec.Key, err)
		return err
	}
	rec.Status = types.StatusStarting
	rec.PID = sup.Handle().Pid()
	rec.Owner = c.cfg.InstanceID
	rec.LastActivity = time.Now()
	if err := c.saveRecord(ctx, rec); err != nil {
		c.log.Error("[RESTART] %s: %v", rec.Key, err)
	}
	metrics.ProcessRestarts.WithLabelValues(rec.Key).Inc()
	if wasActive {
		metrics.ActiveStreams.Dec()
	}
	c.log.Warn("[RESTART] %s crashed with clients attached, relaunched as pid %d", rec.Key, rec.PID)
	return nil
}
