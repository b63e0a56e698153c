package buffer

import (
	"context"
	"errors"
	"testing"
	"time"

	"streamshare/work/config"
	"streamshare/work/logger"
	"streamshare/work/store"
	"streamshare/work/types"
)

func testBuffer(t *testing.T, maxCount int) (*SegmentBuffer, store.SharedStore) {
	t.Helper()
	cfg := &config.Config{
		SegmentMaxCount:     maxCount,
		SegmentMaxAge:       time.Minute,
		MinRetainedSegments: 2,
		GlobalBufferBudget:  256,
	}
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	return NewSegmentBuffer(st, store.NewKeys("test"), cfg, logger.New("error")), st
}

func mustAppend(t *testing.T, b *SegmentBuffer, key string, payloads ...string) {
	t.Helper()
	for _, p := range payloads {
		if _, err := b.Append(context.Background(), key, []byte(p)); err != nil {
			t.Fatalf("append %q: %v", p, err)
		}
	}
}

func TestAppendAssignsContiguousSequences(t *testing.T) {
	b, _ := testBuffer(t, 64)
	ctx := context.Background()

	for want := uint64(1); want <= 3; want++ {
		seq, err := b.Append(ctx, "ch", []byte("data"))
		if err != nil {
			t.Fatal(err)
		}
		if seq != want {
			t.Errorf("sequence = %d, want %d", seq, want)
		}
	}

	latest, err := b.Latest(ctx, "ch")
	if err != nil || latest != 3 {
		t.Errorf("Latest = (%d, %v), want (3, nil)", latest, err)
	}
	usage, _ := b.Usage(ctx, "ch")
	if usage != 12 {
		t.Errorf("Usage = %d, want 12", usage)
	}
}

func TestAppendRejectsEmptyPayload(t *testing.T) {
	b, _ := testBuffer(t, 64)
	if _, err := b.Append(context.Background(), "ch", nil); err == nil {
		t.Error("empty payload should be rejected")
	}
}

func TestReadSinceOrderAndCursor(t *testing.T) {
	b, _ := testBuffer(t, 64)
	ctx := context.Background()
	mustAppend(t, b, "ch", "aaa", "bbb", "ccc")

	data, cursor, err := b.ReadSince(ctx, "ch", 0)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "aaabbbccc" || cursor != 3 {
		t.Errorf("ReadSince(0) = (%q, %d), want (aaabbbccc, 3)", data, cursor)
	}

	data, cursor, err = b.ReadSince(ctx, "ch", 1)
	if err != nil || string(data) != "bbbccc" || cursor != 3 {
		t.Errorf("ReadSince(1) = (%q, %d, %v), want (bbbccc, 3, nil)", data, cursor, err)
	}

	// Caught-up reader gets nothing and keeps its cursor.
	data, cursor, err = b.ReadSince(ctx, "ch", 3)
	if err != nil || len(data) != 0 || cursor != 3 {
		t.Errorf("ReadSince(3) = (%q, %d, %v), want empty at 3", data, cursor, err)
	}
}

func TestReadSinceEmptyStream(t *testing.T) {
	b, _ := testBuffer(t, 64)
	data, cursor, err := b.ReadSince(context.Background(), "nothing", 0)
	if err != nil || data != nil || cursor != 0 {
		t.Errorf("ReadSince on empty stream = (%q, %d, %v)", data, cursor, err)
	}
}

func TestCountEvictionReportsUnderrun(t *testing.T) {
	b, _ := testBuffer(t, 4)
	ctx := context.Background()
	mustAppend(t, b, "ch", "s1", "s2", "s3", "s4", "s5", "s6")

	// Only segments 3..6 remain; a cursor before the floor must fail loudly.
	if _, _, err := b.ReadSince(ctx, "ch", 0); !errors.Is(err, types.ErrBufferUnderrun) {
		t.Errorf("stale cursor error = %v, want ErrBufferUnderrun", err)
	}

	data, cursor, err := b.ReadSince(ctx, "ch", 2)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "s3s4s5s6" || cursor != 6 {
		t.Errorf("post-eviction read = (%q, %d)", data, cursor)
	}

	usage, _ := b.Usage(ctx, "ch")
	if usage != 8 {
		t.Errorf("usage after eviction = %d, want 8", usage)
	}
}

func TestTrimToCountRespectsFloor(t *testing.T) {
	b, _ := testBuffer(t, 64)
	ctx := context.Background()
	mustAppend(t, b, "ch", "s1", "s2", "s3", "s4", "s5", "s6", "s7", "s8")

	// Asking for less than the retention floor keeps the floor.
	if err := b.TrimToCount(ctx, "ch", 1); err != nil {
		t.Fatal(err)
	}
	data, cursor, err := b.ReadSince(ctx, "ch", 6)
	if err != nil || string(data) != "s7s8" || cursor != 8 {
		t.Errorf("read after trim = (%q, %d, %v), want (s7s8, 8, nil)", data, cursor, err)
	}
	if _, _, err := b.ReadSince(ctx, "ch", 5); !errors.Is(err, types.ErrBufferUnderrun) {
		t.Errorf("trimmed range error = %v, want ErrBufferUnderrun", err)
	}
}

func TestTrimGlobalUnderBudgetIsNoop(t *testing.T) {
	b, _ := testBuffer(t, 64)
	ctx := context.Background()
	mustAppend(t, b, "ch", "s1", "s2", "s3")

	usage, _ := b.Usage(ctx, "ch")
	err := b.TrimGlobal(ctx, []StreamActivity{{Key: "ch", Usage: usage, LastActivity: time.Now()}})
	if err != nil {
		t.Fatal(err)
	}
	after, _ := b.Usage(ctx, "ch")
	if after != usage {
		t.Errorf("usage changed under budget: %d -> %d", usage, after)
	}
}

func TestTeardownRemovesAllState(t *testing.T) {
	b, st := testBuffer(t, 64)
	ctx := context.Background()
	mustAppend(t, b, "ch", "s1", "s2", "s3")
	if err := b.WriteManifest(ctx, "ch", []byte("#EXTM3U")); err != nil {
		t.Fatal(err)
	}

	if err := b.Teardown(ctx, "ch"); err != nil {
		t.Fatal(err)
	}

	latest, _ := b.Latest(ctx, "ch")
	if latest != 0 {
		t.Errorf("Latest after teardown = %d, want 0", latest)
	}
	if _, err := b.ReadManifest(ctx, "ch"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("manifest after teardown: %v, want ErrNotFound", err)
	}
	leftovers, _ := st.Scan(ctx, "test:*")
	if len(leftovers) != 0 {
		t.Errorf("keys left after teardown: %v", leftovers)
	}
}

func TestManifestRoundtrip(t *testing.T) {
	b, _ := testBuffer(t, 64)
	ctx := context.Background()

	if err := b.WriteManifest(ctx, "ch", []byte("#EXTM3U\n#EXT-X-VERSION:3\n")); err != nil {
		t.Fatal(err)
	}
	got, err := b.ReadManifest(ctx, "ch")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "#EXTM3U\n#EXT-X-VERSION:3\n" {
		t.Errorf("manifest = %q", got)
	}

	seq, err := b.Append(ctx, "ch", []byte("segdata"))
	if err != nil {
		t.Fatal(err)
	}
	payload, err := b.Segment(ctx, "ch", seq)
	if err != nil || string(payload) != "segdata" {
		t.Errorf("Segment(%d) = (%q, %v)", seq, payload, err)
	}
}
