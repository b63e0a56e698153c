package monitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/panjf2000/ants/v2"

	"streamshare/work/buffer"
	"streamshare/work/config"
	"streamshare/work/coordinator"
	"streamshare/work/logger"
	"streamshare/work/metrics"
	"streamshare/work/process"
	"streamshare/work/profile"
	"streamshare/work/session"
	"streamshare/work/store"
	"streamshare/work/types"
)

// Monitor is the periodic health sweep. Each cycle it settles streams whose
// process died without an exit event, kills unmanaged leftover processes,
// reclaims profile slots whose session expired, tears down buffers with no
// live record, recomputes derived client counts, stops idle kept-warm
// streams, enforces the global buffer budget and publishes gauge metrics.
// Per-stream checks run on a bounded worker pool so one stuck store call
// cannot serialize the whole sweep.
type Monitor struct {
	cfg     *config.Config
	log     *logger.Logger
	store   store.SharedStore
	keys    store.Keys
	buf     *buffer.SegmentBuffer
	coord   *coordinator.Coordinator
	manager *process.Manager
	tracker *session.Tracker
	arbiter *profile.Arbiter
	pool    *ants.Pool

	mu        sync.Mutex
	idleSince map[string]time.Time
}

// New builds a Monitor with its worker pool.
func New(cfg *config.Config, st store.SharedStore, keys store.Keys, buf *buffer.SegmentBuffer, coord *coordinator.Coordinator, mgr *process.Manager, tracker *session.Tracker, arb *profile.Arbiter, log *logger.Logger) (*Monitor, error) {
	pool, err := ants.NewPool(cfg.WorkerThreads, ants.WithNonblocking(false))
	if err != nil {
		return nil, err
	}
	return &Monitor{
		cfg:       cfg,
		log:       log.Scoped("monitor"),
		store:     st,
		keys:      keys,
		buf:       buf,
		coord:     coord,
		manager:   mgr,
		tracker:   tracker,
		arbiter:   arb,
		pool:      pool,
		idleSince: make(map[string]time.Time),
	}, nil
}

// Run executes sweeps on the configured interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()
	defer m.pool.Release()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one full health pass.
func (m *Monitor) Sweep(ctx context.Context) {
	records, err := m.coord.ListStreams(ctx)
	if err != nil {
		m.log.Error("[SWEEP] listing streams: %v", err)
		return
	}

	var wg sync.WaitGroup
	activity := make([]buffer.StreamActivity, 0, len(records))
	var actMu sync.Mutex

	for i := range records {
		rec := records[i]
		wg.Add(1)
		err := m.pool.Submit(func() {
			defer wg.Done()
			m.checkStream(ctx, &rec)
			// Age-based trim: advance the retention floor past TTL-expired
			// segments and recount bytes, correcting the usage counter the
			// expiry left behind.
			if terr := m.buf.Trim(ctx, rec.Key); terr != nil {
				m.log.Warn("[SWEEP] %s: buffer trim: %v", rec.Key, terr)
			}
			if usage, uerr := m.buf.Usage(ctx, rec.Key); uerr == nil && usage > 0 {
				actMu.Lock()
				activity = append(activity, buffer.StreamActivity{
					Key:          rec.Key,
					Usage:        usage,
					LastActivity: rec.LastActivity,
				})
				actMu.Unlock()
			}
		})
		if err != nil {
			wg.Done()
			m.log.Warn("[SWEEP] pool submit: %v", err)
		}
	}
	wg.Wait()

	m.reapStaleSlots(ctx)
	m.reapOrphanBuffers(ctx, records)
	if err := m.buf.TrimGlobal(ctx, activity); err != nil {
		m.log.Warn("[SWEEP] global trim: %v", err)
	}
	m.publishProfileMetrics(ctx)
}

// checkStream settles one stream record: dead process detection for streams
// this instance owns, derived client count maintenance, and idle keep-warm
// expiry.
func (m *Monitor) checkStream(ctx context.Context, rec *types.StreamRecord) {
	if rec.Status.Terminal() {
		m.forgetIdle(rec.Key)
		return
	}

	if rec.Owner == m.cfg.InstanceID {
		if _, supervised := m.manager.Get(rec.Key); !supervised {
			// Our record, no supervisor: the process outcome was lost,
			// probably across an instance restart. An unmanaged survivor
			// gets killed before the record is settled.
			if rec.PID > 0 && process.ProcessAlive(rec.PID) {
				m.log.Warn("[REAP] %s: killing unmanaged reader pid %d", rec.Key, rec.PID)
				syscall.Kill(-rec.PID, syscall.SIGKILL)
			}
			produced := rec.Status == types.StatusActive
			m.coord.StreamExited(ctx, rec.Key, -1, produced, false)
			m.forgetIdle(rec.Key)
			return
		}
	}

	clients, err := m.tracker.CountClients(ctx, rec.Key)
	if err != nil {
		return
	}
	metrics.ClientsConnected.WithLabelValues(rec.Key).Set(float64(clients))
	if clients != rec.ClientCount {
		if fresh, lerr := m.coord.LoadRecord(ctx, rec.Key); lerr == nil && !fresh.Status.Terminal() {
			fresh.ClientCount = clients
			m.coord.SaveRecord(ctx, fresh)
		}
	}

	if clients > 0 {
		m.forgetIdle(rec.Key)
		return
	}
	if m.cfg.KeepWarmGrace <= 0 {
		// The detach path stops these; the monitor only backstops streams
		// whose last client aged out instead of detaching.
		if rec.Status == types.StatusActive {
			m.log.Info("[IDLE] %s has no live sessions, stopping", rec.Key)
			m.coord.Stop(ctx, rec.Key, false)
		}
		return
	}
	since := m.markIdle(rec.Key)
	if time.Since(since) >= m.cfg.KeepWarmGrace {
		m.log.Info("[IDLE] %s idle past keep-warm grace %s, stopping", rec.Key, m.cfg.KeepWarmGrace)
		m.coord.Stop(ctx, rec.Key, false)
		m.forgetIdle(rec.Key)
	}
}

func (m *Monitor) markIdle(streamKey string) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	since, ok := m.idleSince[streamKey]
	if !ok {
		since = time.Now()
		m.idleSince[streamKey] = since
	}
	return since
}

func (m *Monitor) forgetIdle(streamKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.idleSince, streamKey)
}

// reapStaleSlots releases profile slots whose session has expired. The
// release consumes the same atomic mapping the detach path uses, so a racing
// clean detach still decrements exactly once.
func (m *Monitor) reapStaleSlots(ctx context.Context) {
	mappings, err := m.store.Scan(ctx, m.keys.ClientProfilePattern())
	if err != nil {
		m.log.Warn("[REAP] scanning profile slots: %v", err)
		return
	}
	prefix := strings.TrimSuffix(m.keys.ClientProfilePattern(), "*")
	for _, key := range mappings {
		clientID := strings.TrimPrefix(key, prefix)
		_, lerr := m.tracker.Lookup(ctx, clientID)
		if lerr == nil {
			continue
		}
		if !errors.Is(lerr, types.ErrNotFound) {
			continue
		}
		if profileID, released := m.arbiter.ReleaseByClient(ctx, clientID); released {
			metrics.SessionsReaped.Inc()
			m.log.Info("[REAP] released profile %d held by expired session %s", profileID, clientID)
		}
	}
}

// reapOrphanBuffers tears down buffer state whose stream record is gone, the
// leftover of a worker that died between process exit and cleanup.
func (m *Monitor) reapOrphanBuffers(ctx context.Context, records []types.StreamRecord) {
	known := make(map[string]bool, len(records))
	for _, rec := range records {
		known[rec.Key] = true
	}
	seqKeys, err := m.store.Scan(ctx, m.keys.SeqPattern())
	if err != nil {
		return
	}
	prefix := strings.TrimSuffix(m.keys.SeqPattern(), "*")
	for _, key := range seqKeys {
		streamKey := strings.TrimPrefix(key, prefix)
		if known[streamKey] {
			continue
		}
		m.log.Info("[REAP] tearing down orphaned buffer for %s", streamKey)
		if err := m.buf.Teardown(ctx, streamKey); err != nil {
			m.log.Warn("[REAP] %s: %v", streamKey, err)
		}
	}
}

// publishProfileMetrics exports live per-profile utilization.
func (m *Monitor) publishProfileMetrics(ctx context.Context) {
	for _, p := range m.arbiter.Profiles() {
		used, err := m.arbiter.Usage(ctx, p.ID)
		if err != nil {
			continue
		}
		metrics.ProfileUtilization.WithLabelValues(p.Name).Set(float64(used))
	}
}
