package process

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"streamshare/work/buffer"
	"streamshare/work/config"
	"streamshare/work/logger"
	"streamshare/work/metrics"
	"streamshare/work/store"
	"streamshare/work/types"
	"streamshare/work/utils"
)

// initialChunks is how many committed chunks must exist before a stream is
// reported active, so joining clients never attach to a stream with nothing
// to read.
const initialChunks = 2

// ForceStop is the shared stop-request payload that skips the grace period.
const ForceStop = "force"

// Events is implemented by the coordinator so the manager can report stream
// state changes without the two packages importing each other.
type Events interface {
	// StreamActive fires once the initial chunks are committed.
	StreamActive(ctx context.Context, streamKey string)

	// StreamActivity fires on every committed chunk so the record's
	// last-activity timestamp and TTL stay fresh.
	StreamActivity(ctx context.Context, streamKey string)

	// StreamExited fires when the reader process ends. produced reports
	// whether any data was committed; deliberate distinguishes a requested
	// stop from a crash.
	StreamExited(ctx context.Context, streamKey string, exitCode int, produced, deliberate bool)

	// StreamStalled fires when the process is alive but has produced no
	// bytes for the stall threshold. A warning, not a failure: short
	// stalls are normal at file boundaries.
	StreamStalled(ctx context.Context, streamKey string, silence time.Duration)
}

// Manager spawns, supervises and terminates the external reader process for
// each stream this instance owns, capturing stdout into the segment buffer
// and stderr into telemetry until the process exits or is told to stop. The
// process handle and pipes are the only truly local state in the system;
// everything else goes through the shared store.
type Manager struct {
	cfg    *config.Config
	log    *logger.Logger
	store  store.SharedStore
	keys   store.Keys
	buf    *buffer.SegmentBuffer
	pool   *buffer.ChunkPool
	events Events

	supervisors *xsync.MapOf[string, *Supervisor]
}

// NewManager builds a Manager. Bind must be called before Start.
func NewManager(cfg *config.Config, st store.SharedStore, keys store.Keys, buf *buffer.SegmentBuffer, pool *buffer.ChunkPool, log *logger.Logger) *Manager {
	return &Manager{
		cfg:         cfg,
		log:         log.Scoped("process"),
		store:       st,
		keys:        keys,
		buf:         buf,
		pool:        pool,
		supervisors: xsync.NewMapOf[string, *Supervisor](),
	}
}

// Bind attaches the event sink. Separate from construction because the
// coordinator needs the manager first.
func (m *Manager) Bind(events Events) {
	m.events = events
}

// Get returns the local supervisor for a stream when this instance owns its
// process.
func (m *Manager) Get(streamKey string) (*Supervisor, bool) {
	return m.supervisors.Load(streamKey)
}

// Supervisor owns one running reader process: its handle, read loop, stderr
// drain and stall watchdog.
type Supervisor struct {
	StreamKey string
	Format    types.StreamFormat

	handle    Handle
	telemetry *TelemetryLog
	cancel    context.CancelFunc

	activeCh   chan struct{}
	activeOnce sync.Once
	exitedCh   chan struct{}

	lastData  atomic.Int64 // unix nanos of last stdout byte
	bytesRead atomic.Int64
	commits   atomic.Int64
	stopping  atomic.Bool

	scratchDir string
}

// Handle exposes the underlying process handle for liveness checks.
func (s *Supervisor) Handle() Handle { return s.handle }

// Telemetry exposes the rolling stderr telemetry history.
func (s *Supervisor) Telemetry() *TelemetryLog { return s.telemetry }

// Produced reports whether any chunk has been committed.
func (s *Supervisor) Produced() bool { return s.commits.Load() > 0 }

// WaitActive blocks until the stream has committed its initial chunks, the
// process exits, or the startup window elapses. A timeout is the
// starting-with-warning condition; the caller decides whether to escalate.
func (s *Supervisor) WaitActive(ctx context.Context, window time.Duration) error {
	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-s.activeCh:
		return nil
	case <-s.exitedCh:
		return fmt.Errorf("reader process exited before producing data: %w", types.ErrUpstreamStartFailed)
	case <-timer.C:
		return fmt.Errorf("no data within startup window %s: %w", window, types.ErrUpstreamStartFailed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop performs the graceful signal-then-wait-then-kill sequence and returns
// the exit code. Always safe to call more than once.
func (s *Supervisor) Stop(grace time.Duration) (int, error) {
	s.stopping.Store(true)
	s.cancel()

	if err := s.handle.Signal(syscall.SIGTERM); err != nil {
		// Process already gone; collect whatever exit state exists.
		code, _ := s.handle.Wait(time.Second)
		return code, nil
	}
	if code, err := s.handle.Wait(grace); err == nil {
		return code, nil
	}

	s.handle.Signal(syscall.SIGKILL)
	code, err := s.handle.Wait(2 * time.Second)
	if err != nil {
		return 0, fmt.Errorf("process ignored SIGKILL: %w", err)
	}
	return code, nil
}

// BuildArgs constructs the reader process argument list for a source. The
// core treats the command as an opaque subprocess contract: it only ever
// consumes the exit code, stdout bytes and stderr text.
func BuildArgs(cfg *config.Config, src types.SourceDescriptor, scratchDir string) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostats", "-progress", "pipe:2"}
	args = append(args, cfg.FFmpegPreInput...)

	if strings.HasPrefix(src.URL, "http://") || strings.HasPrefix(src.URL, "https://") {
		args = append(args,
			"-reconnect", "1",
			"-reconnect_streamed", "1",
			"-reconnect_delay_max", "5",
		)
		ua := src.UserAgent
		if ua == "" {
			ua = cfg.UserAgent
		}
		args = append(args, "-user_agent", ua)
	}

	args = append(args, "-i", src.URL)
	args = append(args, cfg.FFmpegPreOutput...)

	if src.Transcode {
		args = append(args, "-c:v", "libx264", "-preset", "veryfast", "-c:a", "aac")
	} else {
		args = append(args, "-c", "copy")
	}

	if src.Format == types.FormatHLS {
		args = append(args,
			"-f", "hls",
			"-hls_time", strconv.Itoa(cfg.HLSSegmentSeconds),
			"-hls_list_size", "6",
			"-hls_flags", "delete_segments+append_list+independent_segments",
			"-hls_segment_filename", filepath.Join(scratchDir, "seg_%05d.ts"),
			filepath.Join(scratchDir, "live.m3u8"),
		)
	} else {
		args = append(args, "-f", "mpegts", "pipe:1")
	}
	return args
}

// Start launches the reader process for a stream and begins capturing its
// output. It returns as soon as the process is running; callers use
// WaitActive to observe the initial-buffering phase. Exactly one supervisor
// may exist per stream key on this instance.
func (m *Manager) Start(ctx context.Context, streamKey string, src types.SourceDescriptor) (*Supervisor, error) {
	if m.events == nil {
		return nil, fmt.Errorf("manager not bound to an event sink")
	}
	if _, exists := m.supervisors.Load(streamKey); exists {
		return nil, fmt.Errorf("stream %s already has a local supervisor", streamKey)
	}

	scratchDir := ""
	if src.Format == types.FormatHLS {
		scratchDir = filepath.Join(m.cfg.ScratchDir, "streamshare", utils.SanitizeStreamKey(streamKey))
		if err := os.MkdirAll(scratchDir, 0o755); err != nil {
			return nil, fmt.Errorf("create scratch dir: %w", err)
		}
	}

	args := BuildArgs(m.cfg, src, scratchDir)
	m.log.Debug("[SPAWN] %s: %s %s", streamKey, m.cfg.FFmpegPath, strings.Join(args, " "))

	cmd := exec.Command(m.cfg.FFmpegPath, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout io.ReadCloser
	var err error
	if src.Format != types.FormatHLS {
		stdout, err = cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn reader for %s: %w", streamKey, types.ErrUpstreamStartFailed)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	sup := &Supervisor{
		StreamKey:  streamKey,
		Format:     src.Format,
		handle:     newOSHandle(cmd),
		telemetry:  NewTelemetryLog(),
		cancel:     cancel,
		activeCh:   make(chan struct{}),
		exitedCh:   make(chan struct{}),
		scratchDir: scratchDir,
	}
	sup.lastData.Store(time.Now().UnixNano())
	m.supervisors.Store(streamKey, sup)

	go sup.telemetry.Drain(stderr, streamKey, m.log)
	go m.watchStalls(loopCtx, sup)

	if src.Format == types.FormatHLS {
		go m.runSegmented(loopCtx, sup)
	} else {
		go m.runRaw(loopCtx, sup, stdout)
	}

	m.log.Info("[START] %s: reader pid %d (%s)", streamKey, sup.handle.Pid(), src.Format)
	return sup, nil
}

// runRaw reads the process stdout in fixed-size reads, accumulates them
// until the chunk target size or the flush interval is hit (whichever first,
// favoring latency over large chunks), and commits the accumulated chunk to
// the segment buffer as one sequence entry.
func (m *Manager) runRaw(ctx context.Context, sup *Supervisor, stdout io.ReadCloser) {
	defer m.finishLoop(ctx, sup)
	defer stdout.Close()

	readBuf := make([]byte, 32*1024)
	chunk := m.pool.Get()
	defer m.pool.Put(chunk)
	lastFlush := time.Now()

	flush := func() bool {
		if chunk.Len() == 0 {
			return true
		}
		payload := append([]byte(nil), chunk.B...)
		chunk.Reset()
		lastFlush = time.Now()
		if _, err := m.buf.Append(ctx, sup.StreamKey, payload); err != nil {
			m.log.Error("[COMMIT] %s: %v", sup.StreamKey, err)
			return false
		}
		metrics.BytesRelayed.WithLabelValues(sup.StreamKey, "upstream").Add(float64(len(payload)))
		m.afterCommit(ctx, sup)
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := stdout.Read(readBuf)
		if n > 0 {
			sup.lastData.Store(time.Now().UnixNano())
			sup.bytesRead.Add(int64(n))
			chunk.Write(readBuf[:n])

			if int64(chunk.Len()) >= m.cfg.ChunkTargetBytes || time.Since(lastFlush) >= m.cfg.ChunkFlushInterval {
				if !flush() {
					return
				}
				if m.stopRequested(ctx, sup) {
					return
				}
			}
		}
		if err != nil {
			flush()
			return
		}
	}
}

// afterCommit runs the shared bookkeeping for every committed chunk: commit
// count, activity event, and the initial-buffering transition to active.
func (m *Manager) afterCommit(ctx context.Context, sup *Supervisor) {
	commits := sup.commits.Add(1)
	m.events.StreamActivity(ctx, sup.StreamKey)
	if commits >= initialChunks {
		sup.activeOnce.Do(func() {
			close(sup.activeCh)
			m.events.StreamActive(ctx, sup.StreamKey)
		})
	}
}

// stopRequested checks the shared stop-request flag so a stop issued by a
// worker that does not hold the process handle still lands. Checked after
// every commit and on each stall-watch tick, so the request is seen even
// when the stream has gone silent.
func (m *Manager) stopRequested(ctx context.Context, sup *Supervisor) bool {
	val, err := m.store.Get(ctx, m.keys.StopRequest(sup.StreamKey))
	if err != nil {
		return false
	}
	grace := m.cfg.StopGracePeriod
	if string(val) == ForceStop {
		grace = 0
	}
	m.log.Info("[STOPREQ] %s: stop requested via shared store", sup.StreamKey)
	sup.stopping.Store(true)
	go sup.Stop(grace)
	return true
}

// watchStalls reports when the process is alive but silent past the stall
// threshold. One warning per stall episode; the monitor decides whether to
// act. The tick doubles as the stop-request check for streams producing no
// commits, where the read loop's own check never runs.
func (m *Manager) watchStalls(ctx context.Context, sup *Supervisor) {
	ticker := time.NewTicker(m.cfg.StallThreshold / 2)
	defer ticker.Stop()
	reported := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.stopRequested(ctx, sup) {
				return
			}
			silence := time.Since(time.Unix(0, sup.lastData.Load()))
			if silence >= m.cfg.StallThreshold && sup.handle.IsAlive() {
				if !reported {
					reported = true
					m.events.StreamStalled(ctx, sup.StreamKey, silence)
				}
			} else {
				reported = false
			}
		}
	}
}

// finishLoop collects the exit state once the read loop ends, reports it and
// releases local resources. Runs for both output profiles.
func (m *Manager) finishLoop(ctx context.Context, sup *Supervisor) {
	close(sup.exitedCh)
	sup.cancel()

	exitCode := 0
	if code, err := sup.handle.Wait(m.cfg.StopGracePeriod + 2*time.Second); err == nil {
		exitCode = code
	} else {
		// Loop ended but the process lingers; force the issue.
		sup.handle.Signal(syscall.SIGKILL)
		if code, werr := sup.handle.Wait(2 * time.Second); werr == nil {
			exitCode = code
		}
	}

	m.supervisors.Delete(sup.StreamKey)
	if sup.scratchDir != "" {
		os.RemoveAll(sup.scratchDir)
	}

	deliberate := sup.stopping.Load()
	m.log.Info("[EXIT] %s: reader exited code=%d produced=%v deliberate=%v",
		sup.StreamKey, exitCode, sup.Produced(), deliberate)

	// The loop context is gone by now; state cleanup needs its own bound.
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m.events.StreamExited(cleanupCtx, sup.StreamKey, exitCode, sup.Produced(), deliberate)
}
