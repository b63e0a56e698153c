package profile

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"streamshare/work/config"
	"streamshare/work/database"
	"streamshare/work/logger"
	"streamshare/work/store"
	"streamshare/work/types"
)

func testArbiter(t *testing.T) (*Arbiter, store.SharedStore) {
	t.Helper()
	log := logger.New("error")
	cfg := &config.Config{
		SessionTTL:            time.Minute,
		ProviderCacheTTL:      time.Minute,
		ProviderRatePerSecond: 1,
		UserAgent:             "test",
	}

	db, err := database.Open(filepath.Join(t.TempDir(), "profiles.db"), log)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	seeds := []config.ProfileConfig{
		{Name: "primary", URL: "http://one.example.com", Username: "u1", Password: "p1", IsPrimary: true, Priority: 5, MaxConnections: 2},
		{Name: "backup", URL: "http://two.example.com", Username: "u2", Password: "p2", Priority: 1, MaxConnections: 1},
	}
	for _, pc := range seeds {
		if _, err := db.UpsertConfigProfile(pc); err != nil {
			t.Fatalf("seed profile %s: %v", pc.Name, err)
		}
	}

	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })

	arb, err := NewArbiter(st, store.NewKeys("test"), cfg, db, NewProviderClient(cfg, log), log)
	if err != nil {
		t.Fatalf("new arbiter: %v", err)
	}
	return arb, st
}

func profileNamed(t *testing.T, arb *Arbiter, name string) *types.Profile {
	t.Helper()
	for _, p := range arb.Profiles() {
		if p.Name == name {
			return p
		}
	}
	t.Fatalf("profile %q not loaded", name)
	return nil
}

func TestSelectProfilePrefersPrimary(t *testing.T) {
	arb, _ := testArbiter(t)

	// Primary wins despite the backup's better priority number.
	p, err := arb.SelectProfile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "primary" {
		t.Errorf("selected %q, want primary", p.Name)
	}
}

func TestAcquireFailsOverWhenSaturated(t *testing.T) {
	arb, _ := testArbiter(t)
	ctx := context.Background()

	got := make(map[string]int)
	for _, client := range []string{"c1", "c2", "c3"} {
		p, err := arb.AcquireAny(ctx, client)
		if err != nil {
			t.Fatalf("acquire for %s: %v", client, err)
		}
		got[p.Name]++
	}
	if got["primary"] != 2 || got["backup"] != 1 {
		t.Errorf("slot distribution = %v, want primary:2 backup:1", got)
	}

	// Everything is full now.
	if _, err := arb.AcquireAny(ctx, "c4"); !errors.Is(err, types.ErrNoCapacity) {
		t.Errorf("acquire past capacity = %v, want ErrNoCapacity", err)
	}
}

func TestAcquireExcludeSkipsProfile(t *testing.T) {
	arb, _ := testArbiter(t)
	primary := profileNamed(t, arb, "primary")

	p, err := arb.AcquireAny(context.Background(), "c1", primary.ID)
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "backup" {
		t.Errorf("selected %q with primary excluded, want backup", p.Name)
	}
}

func TestReleaseByClientExactlyOnce(t *testing.T) {
	arb, _ := testArbiter(t)
	ctx := context.Background()
	primary := profileNamed(t, arb, "primary")

	if _, err := arb.AcquireAny(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if usage, _ := arb.Usage(ctx, primary.ID); usage != 1 {
		t.Fatalf("usage after acquire = %d, want 1", usage)
	}

	if id, released := arb.ReleaseByClient(ctx, "c1"); !released || id != primary.ID {
		t.Errorf("first release = (%d, %v), want (%d, true)", id, released, primary.ID)
	}
	if _, released := arb.ReleaseByClient(ctx, "c1"); released {
		t.Error("second release of the same client must be a no-op")
	}
	if usage, _ := arb.Usage(ctx, primary.ID); usage != 0 {
		t.Errorf("usage after releases = %d, want 0", usage)
	}
}

func TestReleaseUnknownClient(t *testing.T) {
	arb, _ := testArbiter(t)
	if _, released := arb.ReleaseByClient(context.Background(), "never-acquired"); released {
		t.Error("releasing an unknown client must be a no-op")
	}
}

func TestEffectiveCapacityOverride(t *testing.T) {
	tests := []struct {
		name string
		p    types.Profile
		want int
	}{
		{"override wins", types.Profile{MaxConnections: 3, ProviderMax: 10}, 3},
		{"provider value when unconfigured", types.Profile{ProviderMax: 5}, 5},
		{"floor of one", types.Profile{}, 1},
		{"negative override ignored", types.Profile{MaxConnections: -2, ProviderMax: 4}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.EffectiveCapacity(); got != tt.want {
				t.Errorf("EffectiveCapacity() = %d, want %d", got, tt.want)
			}
		})
	}
}
