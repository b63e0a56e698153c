package process

import (
	"os"
	"slices"
	"strings"
	"testing"
	"time"

	"streamshare/work/config"
	"streamshare/work/logger"
	"streamshare/work/types"
)

func testConfig() *config.Config {
	return &config.Config{
		FFmpegPath:        "ffmpeg",
		UserAgent:         "StreamShare/1.0",
		HLSSegmentSeconds: 4,
	}
}

func TestBuildArgs(t *testing.T) {
	tests := []struct {
		name    string
		src     types.SourceDescriptor
		want    []string
		exclude []string
	}{
		{
			name: "raw http copy",
			src:  types.SourceDescriptor{URL: "http://example.com/live/1.ts", Format: types.FormatRaw},
			want: []string{
				"-reconnect", "1",
				"-user_agent", "StreamShare/1.0",
				"-i", "http://example.com/live/1.ts",
				"-c", "copy",
				"-f", "mpegts", "pipe:1",
			},
		},
		{
			name: "custom user agent",
			src:  types.SourceDescriptor{URL: "https://example.com/s", UserAgent: "VLC/3.0", Format: types.FormatRaw},
			want: []string{"-user_agent", "VLC/3.0"},
		},
		{
			name:    "non-http source skips reconnect flags",
			src:     types.SourceDescriptor{URL: "udp://239.0.0.1:1234", Format: types.FormatRaw},
			exclude: []string{"-reconnect", "-user_agent"},
		},
		{
			name: "transcode",
			src:  types.SourceDescriptor{URL: "http://example.com/s", Transcode: true, Format: types.FormatRaw},
			want: []string{"-c:v", "libx264", "-c:a", "aac"},
			exclude: []string{
				"copy",
			},
		},
		{
			name: "segmented output",
			src:  types.SourceDescriptor{URL: "http://example.com/s", Format: types.FormatHLS},
			want: []string{
				"-f", "hls",
				"-hls_time", "4",
				"/tmp/scratch/seg_%05d.ts",
				"/tmp/scratch/live.m3u8",
			},
			exclude: []string{"pipe:1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := BuildArgs(testConfig(), tt.src, "/tmp/scratch")
			joined := " " + strings.Join(args, " ") + " "
			for i := 0; i+1 < len(tt.want); i++ {
				// Consecutive wanted pairs must appear adjacent in order.
				pair := " " + tt.want[i] + " " + tt.want[i+1] + " "
				if strings.HasPrefix(tt.want[i], "-") && !strings.HasPrefix(tt.want[i+1], "-") && !strings.Contains(joined, pair) {
					t.Errorf("args missing %q in %q", strings.TrimSpace(pair), joined)
				}
			}
			for _, w := range tt.want {
				if !slices.Contains(args, w) {
					t.Errorf("args missing %q in %v", w, args)
				}
			}
			for _, e := range tt.exclude {
				if slices.Contains(args, e) {
					t.Errorf("args should not contain %q: %v", e, args)
				}
			}
		})
	}
}

func TestTelemetryDrain(t *testing.T) {
	input := strings.Join([]string{
		"[hls @ 0x55] Opening segment for reading",
		"frame=120",
		"fps=25.0",
		"bitrate=1800.5kbits/s",
		"out_time=00:00:04.800000",
		"progress=continue",
		"frame=245",
		"fps=25.1",
		"progress=continue",
		"",
	}, "\n")

	tl := NewTelemetryLog()
	tl.Drain(strings.NewReader(input), "test-stream", logger.New("error"))

	samples := tl.Samples()
	if len(samples) != 2 {
		t.Fatalf("got %d samples, want 2", len(samples))
	}
	if samples[0].Fields["frame"] != "120" || samples[0].Fields["fps"] != "25.0" {
		t.Errorf("first sample fields wrong: %v", samples[0].Fields)
	}
	if samples[0].Fields["bitrate"] != "1800.5kbits/s" {
		t.Errorf("bitrate not captured: %v", samples[0].Fields)
	}

	latest, ok := tl.Latest()
	if !ok {
		t.Fatal("expected a latest sample")
	}
	if latest.Fields["frame"] != "245" {
		t.Errorf("latest frame = %q, want 245", latest.Fields["frame"])
	}
}

func TestTelemetryHistoryBound(t *testing.T) {
	tl := NewTelemetryLog()
	for i := 0; i < telemetryHistorySize*2; i++ {
		tl.record("frame", "1")
		tl.record("progress", "continue")
	}
	if got := len(tl.Samples()); got != telemetryHistorySize {
		t.Errorf("history length = %d, want %d", got, telemetryHistorySize)
	}
}

func TestProcessAlive(t *testing.T) {
	if !ProcessAlive(os.Getpid()) {
		t.Error("current process should be alive")
	}
	if ProcessAlive(0) {
		t.Error("pid 0 should never report alive")
	}
	if ProcessAlive(-1) {
		t.Error("negative pid should never report alive")
	}
}

func TestHandleWaitTimeout(t *testing.T) {
	h := &osHandle{done: make(chan struct{})}
	if _, err := h.Wait(10 * time.Millisecond); err != ErrWaitTimeout {
		t.Errorf("Wait on running process = %v, want ErrWaitTimeout", err)
	}
	h.exitCode = 3
	close(h.done)
	code, err := h.Wait(10 * time.Millisecond)
	if err != nil || code != 3 {
		t.Errorf("Wait after exit = (%d, %v), want (3, nil)", code, err)
	}
}
