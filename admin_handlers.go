package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"streamshare/work/buffer"
	"streamshare/work/config"
	"streamshare/work/coordinator"
	"streamshare/work/database"
	"streamshare/work/logger"
	"streamshare/work/profile"
	"streamshare/work/session"
	"streamshare/work/types"
	"streamshare/work/utils"
)

// StatsResponse summarizes system state for the admin API: stream and client
// counts, aggregate profile capacity, and process-level resource figures used
// for monitoring and capacity planning.
type StatsResponse struct {
	ActiveStreams    int    `json:"activeStreams"`
	ConnectedClients int    `json:"connectedClients"`
	TotalProfiles    int    `json:"totalProfiles"`
	EnabledProfiles  int    `json:"enabledProfiles"`
	TotalCapacity    int    `json:"totalCapacity"`
	UsedCapacity     int64  `json:"usedCapacity"`
	BufferBytes      int64  `json:"bufferBytes"`
	Uptime           string `json:"uptime"`
	MemoryUsage      string `json:"memoryUsage"`
	Goroutines       int    `json:"goroutines"`
	WorkerThreads    int    `json:"workerThreads"`
}

// ProfileResponse is the admin view of one credential profile. Credentials
// never leave the process: the URL is obfuscated per config and the password
// is omitted entirely.
type ProfileResponse struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Username  string    `json:"username"`
	Priority  int       `json:"priority"`
	IsPrimary bool      `json:"isPrimary"`
	Enabled   bool      `json:"enabled"`
	Capacity  int       `json:"capacity"`
	InUse     int64     `json:"inUse"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// adminStartTime records process start for uptime reporting.
var adminStartTime = time.Now()

// setupAdminRoutes registers the administrative API under /admin/api. The
// surface is deliberately small: inspect state, toggle profiles, force a
// provider refresh, and request a configuration reload.
func setupAdminRoutes(router *mux.Router, cfg *config.Config, db *database.DB, arb *profile.Arbiter, tracker *session.Tracker, coord *coordinator.Coordinator, buf *buffer.SegmentBuffer, log *logger.Logger) {
	router.HandleFunc("/admin/api/stats", handleAdminStats(cfg, arb, tracker, coord, buf)).Methods("GET")
	router.HandleFunc("/admin/api/profiles", handleAdminProfiles(cfg, arb)).Methods("GET")
	router.HandleFunc("/admin/api/profiles/{id}/enable", handleProfileEnable(db, arb, log, true)).Methods("POST")
	router.HandleFunc("/admin/api/profiles/{id}/disable", handleProfileEnable(db, arb, log, false)).Methods("POST")
	router.HandleFunc("/admin/api/profiles/{id}/refresh", handleProfileRefresh(arb, log)).Methods("POST")
	router.HandleFunc("/admin/api/reload", handleAdminReload(log)).Methods("POST")
}

func handleAdminStats(cfg *config.Config, arb *profile.Arbiter, tracker *session.Tracker, coord *coordinator.Coordinator, buf *buffer.SegmentBuffer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, err := coord.ListStreams(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		sessions, _ := tracker.AllSessions(r.Context())

		resp := StatsResponse{
			ConnectedClients: len(sessions),
			Uptime:           time.Since(adminStartTime).Round(time.Second).String(),
			Goroutines:       runtime.NumGoroutine(),
			WorkerThreads:    cfg.WorkerThreads,
		}
		for _, rec := range records {
			if rec.Status == types.StatusActive {
				resp.ActiveStreams++
			}
			usage, _ := buf.Usage(r.Context(), rec.Key)
			resp.BufferBytes += usage
		}
		for _, p := range arb.Profiles() {
			resp.TotalProfiles++
			if !p.Enabled {
				continue
			}
			resp.EnabledProfiles++
			resp.TotalCapacity += p.EffectiveCapacity()
			if used, err := arb.Usage(r.Context(), p.ID); err == nil {
				resp.UsedCapacity += used
			}
		}

		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		resp.MemoryUsage = utils.FormatBytes(int64(mem.Alloc))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func handleAdminProfiles(cfg *config.Config, arb *profile.Arbiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		profiles := arb.Profiles()
		out := make([]ProfileResponse, 0, len(profiles))
		for _, p := range profiles {
			used, _ := arb.Usage(r.Context(), p.ID)
			out = append(out, ProfileResponse{
				ID:        p.ID,
				Name:      p.Name,
				URL:       utils.LogURL(cfg, p.URL),
				Username:  p.Username,
				Priority:  p.Priority,
				IsPrimary: p.IsPrimary,
				Enabled:   p.Enabled,
				Capacity:  p.EffectiveCapacity(),
				InUse:     used,
				UpdatedAt: p.UpdatedAt,
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"profiles": out})
	}
}

// handleProfileEnable flips a profile's soft-disable flag and reloads the
// arbiter so selection sees the change immediately. Streams already holding
// slots on a disabled profile keep them until they detach.
func handleProfileEnable(db *database.DB, arb *profile.Arbiter, log *logger.Logger, enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
		if err != nil {
			http.Error(w, "invalid profile id", http.StatusBadRequest)
			return
		}
		if err := db.SetEnabled(id, enabled); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if err := arb.Reload(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		log.Info("[ADMIN] profile %d enabled=%v by %s", id, enabled, r.RemoteAddr)
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	}
}

// handleProfileRefresh forces an immediate provider account query for one
// profile instead of waiting for the background refresh interval.
func handleProfileRefresh(arb *profile.Arbiter, log *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
		if err != nil {
			http.Error(w, "invalid profile id", http.StatusBadRequest)
			return
		}
		for _, p := range arb.Profiles() {
			if p.ID != id {
				continue
			}
			if err := arb.RefreshProfile(r.Context(), p); err != nil {
				http.Error(w, err.Error(), http.StatusBadGateway)
				return
			}
			log.Info("[ADMIN] profile %s refreshed on request from %s", p.Name, r.RemoteAddr)
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, "refreshed")
			return
		}
		http.Error(w, "profile not found", http.StatusNotFound)
	}
}

// handleAdminReload queues the same reload a SIGHUP would trigger.
func handleAdminReload(log *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case restartChan <- struct{}{}:
			log.Info("[ADMIN] reload queued by %s", r.RemoteAddr)
		default:
			log.Debug("[ADMIN] reload already pending")
		}
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprintln(w, "reload queued")
	}
}
