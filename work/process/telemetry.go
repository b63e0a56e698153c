package process

import (
	"bufio"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/grafana/regexp"

	"streamshare/work/logger"
	"streamshare/work/types"
)

// telemetryHistorySize bounds the rolling history of parsed progress
// samples kept per stream.
const telemetryHistorySize = 32

// kvLine matches the key=value telemetry the reader process emits on stderr
// when launched with progress reporting (frame, fps, bitrate, out_time and
// friends).
var kvLine = regexp.MustCompile(`^([A-Za-z0-9_.]+)=(.*)$`)

// TelemetryLog accumulates parsed stderr telemetry as a small rolling
// history for operational visibility instead of raw-logging every line.
type TelemetryLog struct {
	mu      sync.Mutex
	pending map[string]string
	samples []types.TelemetrySample
}

// NewTelemetryLog returns an empty telemetry history.
func NewTelemetryLog() *TelemetryLog {
	return &TelemetryLog{pending: make(map[string]string)}
}

// Drain consumes the reader's stderr until EOF. Lines shaped like key=value
// accumulate into progress samples delimited by the progress marker; other
// lines go to the debug log so transient encoder noise never spams
// operational output.
func (t *TelemetryLog) Drain(r io.Reader, streamKey string, log *logger.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if m := kvLine.FindStringSubmatch(line); m != nil {
			t.record(m[1], m[2])
			continue
		}
		log.Debug("[STDERR] %s: %s", streamKey, line)
	}
}

// record folds one key=value pair into the pending sample; the progress key
// terminates a sample and pushes it into the rolling history.
func (t *TelemetryLog) record(key, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if key == "progress" {
		if len(t.pending) > 0 {
			fields := t.pending
			t.pending = make(map[string]string)
			t.samples = append(t.samples, types.TelemetrySample{
				At:     time.Now(),
				Fields: fields,
			})
			if len(t.samples) > telemetryHistorySize {
				t.samples = t.samples[len(t.samples)-telemetryHistorySize:]
			}
		}
		return
	}
	t.pending[key] = value
}

// Samples returns a copy of the rolling history, newest last.
func (t *TelemetryLog) Samples() []types.TelemetrySample {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.TelemetrySample, len(t.samples))
	copy(out, t.samples)
	return out
}

// Latest returns the most recent sample and whether one exists.
func (t *TelemetryLog) Latest() (types.TelemetrySample, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.samples) == 0 {
		return types.TelemetrySample{}, false
	}
	return t.samples[len(t.samples)-1], true
}
