package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
	"go.uber.org/ratelimit"

	"streamshare/work/config"
	"streamshare/work/logger"
	"streamshare/work/types"
	"streamshare/work/utils"
)

// AccountInfo is the subset of the provider's who-am-i response the arbiter
// cares about: the account's connection ceiling and how many connections the
// provider currently sees.
type AccountInfo struct {
	MaxConnections    int
	ActiveConnections int
	Status            string
}

// ProviderClient queries Xtream-style panels for account information via
// player_api.php. Responses are cached and calls are rate limited per
// endpoint so periodic reconciliation cannot hammer a provider.
type ProviderClient struct {
	httpClient *http.Client
	cfg        *config.Config
	log        *logger.Logger
	cache      *otter.Cache[string, AccountInfo]

	limitersMu sync.Mutex
	limiters   map[string]ratelimit.Limiter
}

// NewProviderClient builds a provider client with sane streaming-unfriendly
// timeouts; who-am-i calls are small JSON requests, not media transfers.
func NewProviderClient(cfg *config.Config, log *logger.Logger) *ProviderClient {
	cache := otter.Must(&otter.Options[string, AccountInfo]{
		MaximumSize:      256,
		ExpiryCalculator: otter.ExpiryWriting[string, AccountInfo](cfg.ProviderCacheTTL),
	})

	return &ProviderClient{
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		cfg:      cfg,
		log:      log.Scoped("provider"),
		cache:    cache,
		limiters: make(map[string]ratelimit.Limiter),
	}
}

// limiterFor returns the per-endpoint rate limiter, creating it on first use.
func (pc *ProviderClient) limiterFor(endpoint string) ratelimit.Limiter {
	pc.limitersMu.Lock()
	defer pc.limitersMu.Unlock()
	if rl, ok := pc.limiters[endpoint]; ok {
		return rl
	}
	rl := ratelimit.New(pc.cfg.ProviderRatePerSecond)
	pc.limiters[endpoint] = rl
	return rl
}

// AccountInfo fetches the provider account state for a profile, serving from
// cache when a recent response exists.
func (pc *ProviderClient) AccountInfo(ctx context.Context, p *types.Profile) (AccountInfo, error) {
	cacheKey := fmt.Sprintf("%s|%s", p.URL, p.Username)
	if info, ok := pc.cache.GetIfPresent(cacheKey); ok {
		return info, nil
	}

	pc.limiterFor(p.URL).Take()

	url := fmt.Sprintf("%s/player_api.php?username=%s&password=%s", p.URL, p.Username, p.Password)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return AccountInfo{}, fmt.Errorf("build who-am-i request: %w", err)
	}
	req.Header.Set("User-Agent", pc.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := pc.httpClient.Do(req)
	if err != nil {
		return AccountInfo{}, fmt.Errorf("who-am-i request to %s: %w", utils.LogURL(pc.cfg, p.URL), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return AccountInfo{}, fmt.Errorf("who-am-i returned HTTP %d for %s", resp.StatusCode, utils.LogURL(pc.cfg, p.URL))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return AccountInfo{}, fmt.Errorf("read who-am-i response: %w", err)
	}

	info, err := parseAccountInfo(body)
	if err != nil {
		return AccountInfo{}, fmt.Errorf("parse who-am-i response from %s: %w", utils.LogURL(pc.cfg, p.URL), err)
	}

	pc.cache.Set(cacheKey, info)
	return info, nil
}

// parseAccountInfo handles the loose typing of panel responses: numeric
// fields arrive as strings on most panels and as numbers on a few.
func parseAccountInfo(body []byte) (AccountInfo, error) {
	var payload struct {
		UserInfo struct {
			Status         json.RawMessage `json:"status"`
			MaxConnections json.RawMessage `json:"max_connections"`
			ActiveCons     json.RawMessage `json:"active_cons"`
		} `json:"user_info"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return AccountInfo{}, err
	}

	return AccountInfo{
		MaxConnections:    looseInt(payload.UserInfo.MaxConnections),
		ActiveConnections: looseInt(payload.UserInfo.ActiveCons),
		Status:            looseString(payload.UserInfo.Status),
	}, nil
}

func looseInt(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var asNum int
	if err := json.Unmarshal(raw, &asNum); err == nil {
		return asNum
	}
	var asStr string
	if err := json.Unmarshal(raw, &asStr); err == nil {
		if n, err := strconv.Atoi(asStr); err == nil {
			return n
		}
	}
	return 0
}

func looseString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
