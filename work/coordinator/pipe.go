package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"streamshare/work/types"
)

const (
	// pipePollInterval paces an idle reader waiting for the next segment.
	pipePollInterval = 100 * time.Millisecond

	// pipeStatusInterval bounds how stale an idle reader's view of the
	// stream record may get before it rechecks for termination.
	pipeStatusInterval = time.Second
)

// Pipe is one client's read position on a raw shared stream. Each Next call
// returns the next contiguous run of buffered segments past the cursor,
// blocking while the stream is live but has nothing new, and failing with
// ErrStreamGone once the stream terminates rather than hanging forever.
// Heartbeats ride along with reads so an actively consuming client never
// ages out.
type Pipe struct {
	co        *Coordinator
	streamKey string
	clientID  string
	cursor    uint64

	lastHeartbeat time.Time
	lastStatus    time.Time
}

// NewPipe creates a Pipe positioned at the attachment's starting cursor.
func (c *Coordinator) NewPipe(att *Attachment) *Pipe {
	return &Pipe{
		co:            c,
		streamKey:     att.Record.Key,
		clientID:      att.Session.ID,
		cursor:        att.Session.Cursor,
		lastHeartbeat: time.Now(),
		lastStatus:    time.Now(),
	}
}

// Cursor returns the last consumed segment sequence number.
func (p *Pipe) Cursor() uint64 { return p.cursor }

// Next returns the next chunk of stream data. It blocks until data arrives,
// the stream terminates (types.ErrStreamGone, additionally matching
// types.ErrUpstreamCrashed when the reader process died), the client falls
// behind retention (types.ErrBufferUnderrun), the session expires
// (types.ErrStaleSession), or ctx is done.
func (p *Pipe) Next(ctx context.Context) ([]byte, error) {
	for {
		data, next, err := p.co.buf.ReadSince(ctx, p.streamKey, p.cursor)
		if err != nil {
			if errors.Is(err, types.ErrBufferUnderrun) {
				return nil, fmt.Errorf("client %s on %s: %w", p.clientID, p.streamKey, err)
			}
			return nil, err
		}

		if len(data) > 0 {
			p.cursor = next
			if err := p.heartbeat(ctx); err != nil {
				return nil, err
			}
			return data, nil
		}

		if time.Since(p.lastStatus) >= pipeStatusInterval {
			p.lastStatus = time.Now()
			rec, lerr := p.co.LoadRecord(ctx, p.streamKey)
			switch {
			case lerr != nil:
				return nil, fmt.Errorf("client %s: %w", p.clientID, types.ErrStreamGone)
			case rec.Status == types.StatusFailed:
				return nil, fmt.Errorf("client %s: %w: %w", p.clientID, types.ErrUpstreamCrashed, types.ErrStreamGone)
			case rec.Status.Terminal():
				return nil, fmt.Errorf("client %s: %w", p.clientID, types.ErrStreamGone)
			}
			if err := p.heartbeat(ctx); err != nil {
				return nil, err
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pipePollInterval):
		}
	}
}

// heartbeat refreshes the session at a third of its TTL so two refreshes can
// be missed before expiry.
func (p *Pipe) heartbeat(ctx context.Context) error {
	if time.Since(p.lastHeartbeat) < p.co.cfg.SessionTTL/3 {
		return nil
	}
	p.lastHeartbeat = time.Now()
	return p.co.tracker.Heartbeat(ctx, p.clientID, p.cursor)
}
