package session

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"streamshare/work/config"
	"streamshare/work/logger"
	"streamshare/work/store"
	"streamshare/work/types"
)

func testTracker(t *testing.T, ttl time.Duration) *Tracker {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	cfg := &config.Config{SessionTTL: ttl}
	return NewTracker(st, store.NewKeys("test"), cfg, logger.New("error"))
}

func TestRegisterLookup(t *testing.T) {
	tr := testTracker(t, time.Minute)
	ctx := context.Background()

	sess := &types.ClientSession{ID: "c1", StreamKey: "ch", RemoteAddr: "10.0.0.1:555"}
	if err := tr.Register(ctx, sess); err != nil {
		t.Fatal(err)
	}

	got, err := tr.Lookup(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.StreamKey != "ch" || got.RemoteAddr != "10.0.0.1:555" {
		t.Errorf("lookup = %+v", got)
	}
	if got.ConnectedAt.IsZero() {
		t.Error("ConnectedAt should be stamped by Register")
	}
}

func TestRegisterRequiresIdentity(t *testing.T) {
	tr := testTracker(t, time.Minute)
	if err := tr.Register(context.Background(), &types.ClientSession{ID: "c1"}); err == nil {
		t.Error("register without stream key should fail")
	}
	if err := tr.Register(context.Background(), &types.ClientSession{StreamKey: "ch"}); err == nil {
		t.Error("register without id should fail")
	}
}

func TestHeartbeatAdvancesCursor(t *testing.T) {
	tr := testTracker(t, time.Minute)
	ctx := context.Background()
	tr.Register(ctx, &types.ClientSession{ID: "c1", StreamKey: "ch"})

	if err := tr.Heartbeat(ctx, "c1", 42); err != nil {
		t.Fatal(err)
	}
	got, _ := tr.Lookup(ctx, "c1")
	if got.Cursor != 42 {
		t.Errorf("cursor = %d, want 42", got.Cursor)
	}
}

func TestHeartbeatStaleSession(t *testing.T) {
	tr := testTracker(t, time.Minute)
	err := tr.Heartbeat(context.Background(), "ghost", 1)
	if !errors.Is(err, types.ErrStaleSession) {
		t.Errorf("heartbeat on missing session = %v, want ErrStaleSession", err)
	}
}

func TestSessionExpiry(t *testing.T) {
	tr := testTracker(t, 20*time.Millisecond)
	ctx := context.Background()
	tr.Register(ctx, &types.ClientSession{ID: "c1", StreamKey: "ch"})

	time.Sleep(50 * time.Millisecond)
	if _, err := tr.Lookup(ctx, "c1"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expired session lookup = %v, want ErrNotFound", err)
	}
	if n, _ := tr.CountClients(ctx, "ch"); n != 0 {
		t.Errorf("expired session still counted: %d", n)
	}
}

func TestDeregisterIdempotent(t *testing.T) {
	tr := testTracker(t, time.Minute)
	ctx := context.Background()
	tr.Register(ctx, &types.ClientSession{ID: "c1", StreamKey: "ch"})

	streamKey, existed, err := tr.Deregister(ctx, "c1")
	if err != nil || !existed || streamKey != "ch" {
		t.Fatalf("first deregister = (%q, %v, %v)", streamKey, existed, err)
	}
	_, existed, err = tr.Deregister(ctx, "c1")
	if err != nil || existed {
		t.Errorf("second deregister = (%v, %v), want no-op", existed, err)
	}
}

func TestCountAndList(t *testing.T) {
	tr := testTracker(t, time.Minute)
	ctx := context.Background()

	tr.Register(ctx, &types.ClientSession{ID: "c1", StreamKey: "ch1"})
	tr.Register(ctx, &types.ClientSession{ID: "c2", StreamKey: "ch1"})
	tr.Register(ctx, &types.ClientSession{ID: "c3", StreamKey: "ch2"})

	if n, _ := tr.CountClients(ctx, "ch1"); n != 2 {
		t.Errorf("ch1 count = %d, want 2", n)
	}
	ids, err := tr.ClientIDs(ctx, "ch1")
	if err != nil {
		t.Fatal(err)
	}
	slices.Sort(ids)
	if !slices.Equal(ids, []string{"c1", "c2"}) {
		t.Errorf("ch1 clients = %v", ids)
	}

	all, err := tr.AllSessions(ctx)
	if err != nil || len(all) != 3 {
		t.Errorf("AllSessions = %d sessions, %v", len(all), err)
	}
}
