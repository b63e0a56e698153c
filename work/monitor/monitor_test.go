package monitor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"streamshare/work/buffer"
	"streamshare/work/config"
	"streamshare/work/coordinator"
	"streamshare/work/database"
	"streamshare/work/logger"
	"streamshare/work/process"
	"streamshare/work/profile"
	"streamshare/work/session"
	"streamshare/work/store"
	"streamshare/work/types"
)

type fixture struct {
	cfg     *config.Config
	store   store.SharedStore
	keys    store.Keys
	buf     *buffer.SegmentBuffer
	tracker *session.Tracker
	arbiter *profile.Arbiter
	coord   *coordinator.Coordinator
	mon     *Monitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.New("error")
	cfg := &config.Config{
		InstanceID:            "mon-instance",
		KeyPrefix:             "test",
		FFmpegPath:            filepath.Join(t.TempDir(), "no-such-binary"),
		UserAgent:             "test",
		WorkerThreads:         4,
		MonitorInterval:       time.Minute,
		SessionTTL:            time.Minute,
		StartRetries:          1,
		StartRetryDelay:       time.Millisecond,
		StartupWindow:         50 * time.Millisecond,
		StartupWindowLimit:    1,
		StopGracePeriod:       50 * time.Millisecond,
		StallThreshold:        time.Second,
		ChunkTargetBytes:      1024,
		ChunkFlushInterval:    100 * time.Millisecond,
		SegmentMaxCount:       64,
		SegmentMaxAge:         time.Minute,
		MinRetainedSegments:   2,
		GlobalBufferBudget:    256,
		ProviderCacheTTL:      time.Minute,
		ProviderRatePerSecond: 1,
	}

	db, err := database.Open(filepath.Join(t.TempDir(), "profiles.db"), log)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.UpsertConfigProfile(config.ProfileConfig{
		Name: "main", URL: "http://panel.example.com", Username: "u", Password: "p",
		IsPrimary: true, MaxConnections: 10,
	}); err != nil {
		t.Fatal(err)
	}

	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	keys := store.NewKeys(cfg.KeyPrefix)

	arb, err := profile.NewArbiter(st, keys, cfg, db, profile.NewProviderClient(cfg, log), log)
	if err != nil {
		t.Fatal(err)
	}
	buf := buffer.NewSegmentBuffer(st, keys, cfg, log)
	mgr := process.NewManager(cfg, st, keys, buf, buffer.NewChunkPool(cfg.ChunkTargetBytes), log)
	tracker := session.NewTracker(st, keys, cfg, log)
	coord := coordinator.New(cfg, st, keys, buf, mgr, tracker, arb, log)

	mon, err := New(cfg, st, keys, buf, coord, mgr, tracker, arb, log)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{cfg: cfg, store: st, keys: keys, buf: buf, tracker: tracker, arbiter: arb, coord: coord, mon: mon}
}

func TestSweepReapsOrphanedBuffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Buffer state with no stream record, the leftover of a dead worker.
	f.buf.Append(ctx, "ghost", []byte("s1"))
	f.buf.Append(ctx, "ghost", []byte("s2"))

	f.mon.Sweep(ctx)

	if latest, _ := f.buf.Latest(ctx, "ghost"); latest != 0 {
		t.Errorf("orphaned buffer still has sequence %d", latest)
	}
	if keys, _ := f.store.Scan(ctx, f.keys.SegmentPattern("ghost")); len(keys) != 0 {
		t.Errorf("orphaned segments survive sweep: %v", keys)
	}
}

func TestSweepReleasesExpiredSessionSlots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	prof := f.arbiter.Profiles()[0]

	// A held slot whose session no longer exists.
	if _, err := f.arbiter.AcquireAny(ctx, "vanished"); err != nil {
		t.Fatal(err)
	}
	if usage, _ := f.arbiter.Usage(ctx, prof.ID); usage != 1 {
		t.Fatalf("usage before sweep = %d", usage)
	}

	f.mon.Sweep(ctx)

	if usage, _ := f.arbiter.Usage(ctx, prof.ID); usage != 0 {
		t.Errorf("usage after sweep = %d, want 0", usage)
	}
	if _, err := f.store.Get(ctx, f.keys.ClientProfile("vanished")); !errors.Is(err, types.ErrNotFound) {
		t.Error("mapping should be consumed by the sweep")
	}
}

func TestSweepKeepsSlotsOfLiveSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	prof := f.arbiter.Profiles()[0]

	if _, err := f.arbiter.AcquireAny(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if err := f.tracker.Register(ctx, &types.ClientSession{ID: "c1", StreamKey: "ch"}); err != nil {
		t.Fatal(err)
	}
	f.coord.SaveRecord(ctx, &types.StreamRecord{
		Key: "ch", Status: types.StatusActive, Format: types.FormatRaw,
		Owner: "remote-instance", LastActivity: time.Now(),
	})

	f.mon.Sweep(ctx)

	if usage, _ := f.arbiter.Usage(ctx, prof.ID); usage != 1 {
		t.Errorf("live session's slot was reaped, usage = %d", usage)
	}
}

func TestSweepSettlesOwnedStreamWithoutProcess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// An active record owned by this instance with no supervisor behind it,
	// which is what an instance restart leaves behind.
	f.buf.Append(ctx, "ch", []byte("data"))
	f.coord.SaveRecord(ctx, &types.StreamRecord{
		Key: "ch", Status: types.StatusActive, Format: types.FormatRaw,
		Owner: f.cfg.InstanceID, LastActivity: time.Now(),
	})

	f.mon.Sweep(ctx)

	rec, err := f.coord.LoadRecord(ctx, "ch")
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Status.Terminal() {
		t.Errorf("ownerless-process record still %s, want terminal", rec.Status)
	}
	if latest, _ := f.buf.Latest(ctx, "ch"); latest != 0 {
		t.Error("buffer should be torn down with the settled stream")
	}
}

func TestSweepCorrectsAgedByteCounter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.cfg.SegmentMaxAge = 50 * time.Millisecond

	f.coord.SaveRecord(ctx, &types.StreamRecord{
		Key: "ch", Status: types.StatusActive, Format: types.FormatRaw,
		Owner: "remote-instance", LastActivity: time.Now(),
	})

	// Four segments that will expire by age while the counter keeps their
	// bytes, then one fresh segment.
	for i := 0; i < 4; i++ {
		if _, err := f.buf.Append(ctx, "ch", make([]byte, 1000)); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(80 * time.Millisecond)
	if _, err := f.buf.Append(ctx, "ch", make([]byte, 1000)); err != nil {
		t.Fatal(err)
	}
	if usage, _ := f.buf.Usage(ctx, "ch"); usage != 5000 {
		t.Fatalf("counter before sweep = %d, want the inflated 5000", usage)
	}

	f.mon.Sweep(ctx)

	if usage, _ := f.buf.Usage(ctx, "ch"); usage != 1000 {
		t.Errorf("counter after sweep = %d, want 1000 (expired bytes recounted)", usage)
	}
}

func TestSweepRecomputesClientCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.coord.SaveRecord(ctx, &types.StreamRecord{
		Key: "ch", Status: types.StatusActive, Format: types.FormatRaw,
		Owner: "remote-instance", LastActivity: time.Now(), ClientCount: 99,
	})
	f.tracker.Register(ctx, &types.ClientSession{ID: "c1", StreamKey: "ch"})
	f.tracker.Register(ctx, &types.ClientSession{ID: "c2", StreamKey: "ch"})

	f.mon.Sweep(ctx)

	rec, err := f.coord.LoadRecord(ctx, "ch")
	if err != nil {
		t.Fatal(err)
	}
	if rec.ClientCount != 2 {
		t.Errorf("recomputed client count = %d, want 2", rec.ClientCount)
	}
}
