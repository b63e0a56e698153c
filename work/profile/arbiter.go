package profile

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"streamshare/work/config"
	"streamshare/work/database"
	"streamshare/work/logger"
	"streamshare/work/metrics"
	"streamshare/work/store"
	"streamshare/work/types"
)

// counterBackstopTTL bounds how long a profile usage counter can survive a
// total deployment crash before the store forgets it and usage resets.
const counterBackstopTTL = 24 * time.Hour

// Arbiter selects which upstream credential profile a new session should
// use, tracking live connection counts through atomic counters in the shared
// store and failing over to the next profile when one saturates. Profile
// configuration is loaded from the database; only the high-churn usage
// counters live in the store.
type Arbiter struct {
	store    store.SharedStore
	keys     store.Keys
	cfg      *config.Config
	db       *database.DB
	provider *ProviderClient
	log      *logger.Logger

	mu       sync.RWMutex
	profiles []*types.Profile
}

// NewArbiter builds the arbiter and loads the current profile set.
func NewArbiter(st store.SharedStore, keys store.Keys, cfg *config.Config, db *database.DB, provider *ProviderClient, log *logger.Logger) (*Arbiter, error) {
	a := &Arbiter{
		store:    st,
		keys:     keys,
		cfg:      cfg,
		db:       db,
		provider: provider,
		log:      log.Scoped("arbiter"),
	}
	if err := a.Reload(); err != nil {
		return nil, err
	}
	return a, nil
}

// Reload re-reads profiles from the database. Called on boot and after
// administrative changes.
func (a *Arbiter) Reload() error {
	profiles, err := a.db.LoadProfiles()
	if err != nil {
		return fmt.Errorf("reload profiles: %w", err)
	}
	sort.SliceStable(profiles, func(i, j int) bool {
		if profiles[i].IsPrimary != profiles[j].IsPrimary {
			return profiles[i].IsPrimary
		}
		return profiles[i].Priority < profiles[j].Priority
	})
	a.mu.Lock()
	a.profiles = profiles
	a.mu.Unlock()
	a.log.Info("loaded %d profiles", len(profiles))
	return nil
}

// Profiles returns a snapshot of the current profile set in selection order.
func (a *Arbiter) Profiles() []*types.Profile {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*types.Profile, len(a.profiles))
	copy(out, a.profiles)
	return out
}

// profileByID resolves a profile from the loaded set.
func (a *Arbiter) profileByID(id int64) *types.Profile {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, p := range a.profiles {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// Usage returns the live connection count for a profile.
func (a *Arbiter) Usage(ctx context.Context, profileID int64) (int64, error) {
	return a.store.GetInt(ctx, a.keys.ProfileConns(profileID))
}

// SelectProfile returns the first enabled profile, in primary-then-priority
// order, whose live usage is below its effective capacity. Profiles named in
// exclude are skipped, which is how callers fail over past a profile that
// just refused them. Every profile saturated yields types.ErrNoCapacity.
func (a *Arbiter) SelectProfile(ctx context.Context, exclude ...int64) (*types.Profile, error) {
	skip := make(map[int64]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	for _, p := range a.Profiles() {
		if !p.Enabled || skip[p.ID] {
			continue
		}
		usage, err := a.Usage(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("read usage for profile %d: %w", p.ID, err)
		}
		if usage < int64(p.EffectiveCapacity()) {
			return p, nil
		}
		a.log.Debug("profile %s saturated (%d/%d), trying next", p.Name, usage, p.EffectiveCapacity())
	}
	return nil, types.ErrNoCapacity
}

// Acquire takes one connection slot on a profile for a client session. The
// counter is incremented first and rolled back on overshoot so two racing
// acquirers can never both land inside the last slot. On success the
// client-to-profile mapping is recorded so Release can be driven purely from
// the client id on the crash-cleanup path.
func (a *Arbiter) Acquire(ctx context.Context, p *types.Profile, clientID string) error {
	connsKey := a.keys.ProfileConns(p.ID)
	usage, err := a.store.IncrBy(ctx, connsKey, 1)
	if err != nil {
		return fmt.Errorf("acquire slot on profile %d: %w", p.ID, err)
	}
	a.store.Expire(ctx, connsKey, counterBackstopTTL)

	if usage > int64(p.EffectiveCapacity()) {
		if _, derr := a.store.IncrBy(ctx, connsKey, -1); derr != nil {
			a.log.Error("rollback of oversubscribed slot on profile %d failed: %v", p.ID, derr)
		}
		return fmt.Errorf("profile %s at %d/%d: %w", p.Name, usage-1, p.EffectiveCapacity(), types.ErrNoCapacity)
	}

	mapping := []byte(strconv.FormatInt(p.ID, 10))
	if err := a.store.Set(ctx, a.keys.ClientProfile(clientID), mapping, 4*a.cfg.SessionTTL); err != nil {
		a.store.IncrBy(ctx, connsKey, -1)
		return fmt.Errorf("record profile mapping for client %s: %w", clientID, err)
	}

	metrics.ProfileUtilization.WithLabelValues(p.Name).Set(float64(usage))
	a.log.Debug("[ACQUIRE] client %s holds slot %d/%d on profile %s", clientID, usage, p.EffectiveCapacity(), p.Name)
	return nil
}

// AcquireAny walks the selection order and takes a slot on the first profile
// with room, retrying past profiles that saturate between the capacity check
// and the increment. Returns types.ErrNoCapacity when everything is full.
func (a *Arbiter) AcquireAny(ctx context.Context, clientID string, exclude ...int64) (*types.Profile, error) {
	tried := append([]int64(nil), exclude...)
	for {
		p, err := a.SelectProfile(ctx, tried...)
		if err != nil {
			return nil, err
		}
		if err := a.Acquire(ctx, p, clientID); err == nil {
			return p, nil
		}
		tried = append(tried, p.ID)
	}
}

// ReleaseByClient returns the slot held by a client session. The mapping key
// is consumed atomically, so concurrent cleanup from the request path and
// the health monitor decrements the counter exactly once; the second caller
// finds nothing and does nothing.
func (a *Arbiter) ReleaseByClient(ctx context.Context, clientID string) (int64, bool) {
	raw, err := a.store.GetDel(ctx, a.keys.ClientProfile(clientID))
	if err != nil {
		return 0, false
	}
	profileID, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		a.log.Error("corrupt profile mapping for client %s: %q", clientID, raw)
		return 0, false
	}

	usage, err := a.store.IncrBy(ctx, a.keys.ProfileConns(profileID), -1)
	if err != nil {
		a.log.Error("release slot on profile %d for client %s failed: %v", profileID, clientID, err)
		return profileID, false
	}
	if usage < 0 {
		// Counter underflow means the backstop TTL wiped usage while slots
		// were held. Clamp rather than go negative.
		a.store.IncrBy(ctx, a.keys.ProfileConns(profileID), -usage)
		usage = 0
	}

	if p := a.profileByID(profileID); p != nil {
		metrics.ProfileUtilization.WithLabelValues(p.Name).Set(float64(usage))
		a.log.Debug("[RELEASE] client %s released profile %s, usage now %d", clientID, p.Name, usage)
	}
	return profileID, true
}

// RefreshProfile queries the provider for its authoritative connection limit
// and adopts the reported value only when the local override looks like an
// unconfigured default, so an intentionally conservative manual limit is
// never clobbered.
func (a *Arbiter) RefreshProfile(ctx context.Context, p *types.Profile) error {
	info, err := a.provider.AccountInfo(ctx, p)
	if err != nil {
		return fmt.Errorf("refresh profile %s: %w", p.Name, err)
	}

	if info.MaxConnections > 0 && info.MaxConnections != p.ProviderMax {
		a.log.Info("profile %s provider ceiling changed %d -> %d", p.Name, p.ProviderMax, info.MaxConnections)
		if err := a.db.UpdateProviderMax(p.ID, info.MaxConnections); err != nil {
			return err
		}
		a.mu.Lock()
		for _, loaded := range a.profiles {
			if loaded.ID == p.ID {
				loaded.ProviderMax = info.MaxConnections
			}
		}
		a.mu.Unlock()
	}
	return nil
}

// Reconcile compares the provider-reported active count against the locally
// tracked counter and logs drift without overwriting local state; the
// provider's number may include connections outside this system's control.
func (a *Arbiter) Reconcile(ctx context.Context, p *types.Profile) {
	info, err := a.provider.AccountInfo(ctx, p)
	if err != nil {
		a.log.Warn("reconcile of profile %s skipped: %v", p.Name, err)
		return
	}
	local, err := a.Usage(ctx, p.ID)
	if err != nil {
		return
	}
	if int64(info.ActiveConnections) != local {
		a.log.Warn("[DRIFT] profile %s: provider reports %d active, local counter %d",
			p.Name, info.ActiveConnections, local)
	}
}

// RefreshLoop periodically refreshes and reconciles every enabled profile
// until the context is cancelled.
func (a *Arbiter) RefreshLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.ProviderRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range a.Profiles() {
				if !p.Enabled {
					continue
				}
				if err := a.RefreshProfile(ctx, p); err != nil {
					a.log.Warn("%v", err)
				}
				a.Reconcile(ctx, p)
			}
		}
	}
}
