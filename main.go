package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"streamshare/work/buffer"
	"streamshare/work/config"
	"streamshare/work/coordinator"
	"streamshare/work/database"
	"streamshare/work/handlers"
	"streamshare/work/logger"
	"streamshare/work/middleware"
	"streamshare/work/monitor"
	"streamshare/work/process"
	"streamshare/work/profile"
	"streamshare/work/session"
	"streamshare/work/store"
	"streamshare/work/utils"
)

var (
	Version = "v0.1.0" // default version
)

// restartChan receives SIGHUP-driven reload requests.
var restartChan = make(chan struct{}, 1)

func main() {
	cfg := config.LoadConfig()
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Error("[BOOT] shared store: %v", err)
		os.Exit(1)
	}
	defer st.Close()
	keys := store.NewKeys(cfg.KeyPrefix)

	db, err := database.Open(cfg.DatabasePath, log)
	if err != nil {
		log.Error("[BOOT] profile database: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	for _, pc := range cfg.Profiles {
		if _, err := db.UpsertConfigProfile(pc); err != nil {
			log.Error("[BOOT] seeding profile %s: %v", pc.Name, err)
			os.Exit(1)
		}
	}

	provider := profile.NewProviderClient(cfg, log)
	arbiter, err := profile.NewArbiter(st, keys, cfg, db, provider, log)
	if err != nil {
		log.Error("[BOOT] profile arbiter: %v", err)
		os.Exit(1)
	}
	go arbiter.RefreshLoop(ctx)

	chunkPool := buffer.NewChunkPool(cfg.ChunkTargetBytes)
	segBuf := buffer.NewSegmentBuffer(st, keys, cfg, log)
	manager := process.NewManager(cfg, st, keys, segBuf, chunkPool, log)
	tracker := session.NewTracker(st, keys, cfg, log)
	coord := coordinator.New(cfg, st, keys, segBuf, manager, tracker, arbiter, log)

	mon, err := monitor.New(cfg, st, keys, segBuf, coord, manager, tracker, arbiter, log)
	if err != nil {
		log.Error("[BOOT] health monitor: %v", err)
		os.Exit(1)
	}
	go mon.Run(ctx)

	router := mux.NewRouter()
	router.HandleFunc("/stream/{key}", handlers.HandleStream(cfg, coord, arbiter, log)).Methods("GET")
	router.HandleFunc("/stream/{key}/live.m3u8", handlers.HandleManifest(cfg, coord, arbiter, tracker, segBuf, log)).Methods("GET")
	router.HandleFunc("/stream/{key}/seg/{seq}.ts", handlers.HandleSegment(tracker, segBuf)).Methods("GET")
	router.HandleFunc("/streams", middleware.Gzip(handlers.HandleStreams(cfg, coord, tracker, segBuf))).Methods("GET")
	router.HandleFunc("/streams/{key}/stop", handlers.HandleStop(coord, log)).Methods("POST")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	setupAdminRoutes(router, cfg, db, arbiter, tracker, coord, segBuf, log)

	log.Info("Starting StreamShare %s", Version)
	log.Info("Server configuration:")
	log.Info("  - Listen Port: %d", cfg.ListenPort)
	log.Info("  - Instance ID: %s", cfg.InstanceID)
	log.Info("  - Shared Store: %s", storeMode(cfg))
	log.Info("  - Worker Threads: %d", cfg.WorkerThreads)
	log.Info("  - Profiles: %d", len(arbiter.Profiles()))
	log.Info("  - Chunk Target: %s / %s", utils.FormatBytes(cfg.ChunkTargetBytes), cfg.ChunkFlushInterval)
	log.Info("  - Buffer Budget: %s", utils.FormatBytes(cfg.GlobalBufferBudget*1024*1024))
	log.Info("  - Segment Retention: %d segments / %s", cfg.SegmentMaxCount, cfg.SegmentMaxAge)
	log.Info("  - Auto Restart: %v", cfg.AutoRestart)
	log.Info("  - URL Obfuscation: %v", cfg.ObfuscateURLs)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			select {
			case restartChan <- struct{}{}:
			default:
			}
		}
	}()

	// Reload configuration and profiles in place on request. Running
	// streams are untouched; new attaches see the fresh settings.
	go func() {
		for range restartChan {
			log.Info("[RELOAD] configuration reload requested")
			config.ClearConfigCache()
			fresh := config.LoadConfig()
			logger.SetLogLevel(fresh.LogLevel)
			for _, pc := range fresh.Profiles {
				if _, err := db.UpsertConfigProfile(pc); err != nil {
					log.Error("[RELOAD] seeding profile %s: %v", pc.Name, err)
				}
			}
			if err := arbiter.Reload(); err != nil {
				log.Error("[RELOAD] arbiter reload: %v", err)
				continue
			}
			log.Info("[RELOAD] completed with %d profiles", len(arbiter.Profiles()))
		}
	}()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ListenPort),
		Handler: router,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.StopGracePeriod+5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("Server failed to start: %v", err)
		os.Exit(1)
	}
}

// openStore picks the shared store implementation: Redis when an address is
// configured (required for multi-process deployments), otherwise the
// in-process store for single-worker setups and tests.
func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (store.SharedStore, error) {
	if cfg.RedisAddr == "" {
		log.Warn("[BOOT] no redis address configured, using in-process store")
		return store.NewMemoryStore(), nil
	}
	return store.NewRedisStore(ctx, store.RedisConfig{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     cfg.WorkerThreads * 4,
	})
}

func storeMode(cfg *config.Config) string {
	if cfg.RedisAddr == "" {
		return "in-process"
	}
	return "redis " + cfg.RedisAddr
}
