package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ActiveStreams tracks the number of streams currently in starting or active
// state across the deployment. Published by the health monitor each sweep.
var ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "streamshare_active_streams",
	Help: "Number of streams with a live upstream process",
})

// ClientsConnected tracks the number of viewer sessions attached per stream.
var ClientsConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "streamshare_clients_connected",
	Help: "Number of clients attached to a stream",
}, []string{"stream"})

// ProfileUtilization tracks live upstream connections per credential profile.
var ProfileUtilization = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "streamshare_profile_connections",
	Help: "Live upstream connections held against a profile",
}, []string{"profile"})

// BufferBytes tracks the retained buffer size per stream, used to drive the
// global memory budget trim.
var BufferBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "streamshare_buffer_bytes",
	Help: "Bytes currently retained in a stream's segment buffer",
}, []string{"stream"})

// BytesRelayed counts bytes moved through the relay. The direction label
// distinguishes upstream reads from downstream client writes.
var BytesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamshare_bytes_relayed_total",
	Help: "Total bytes relayed",
}, []string{"stream", "direction"})

// StreamErrors counts stream-level failures by category (start, crash,
// underrun, capacity).
var StreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamshare_stream_errors_total",
	Help: "Number of stream errors",
}, []string{"stream", "error_type"})

// ProcessRestarts counts automatic upstream process restarts triggered by
// the health monitor.
var ProcessRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamshare_process_restarts_total",
	Help: "Number of automatic upstream process restarts",
}, []string{"stream"})

// SessionsReaped counts sessions removed by TTL expiry rather than an
// explicit detach.
var SessionsReaped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "streamshare_sessions_reaped_total",
	Help: "Number of abandoned sessions reaped by the health monitor",
})
