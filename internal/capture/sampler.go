package capture

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"
	"time"
)

// ErrSequenceConsumed is yielded when a FrameSequence is iterated twice.
var ErrSequenceConsumed = errors.New("frame sequence already consumed")

// SnapshotSource is anything that can take a synchronous still.
type SnapshotSource interface {
	Snapshot() (Frame, error)
}

// FrameSampler takes Count snapshots, one every Interval.
type FrameSampler struct {
	Count    int
	Interval time.Duration
}

// Sample returns a lazy, single-use sequence over src. Nothing is captured
// until the sequence is iterated.
func (s FrameSampler) Sample(ctx context.Context, src SnapshotSource) *FrameSequence {
	return &FrameSequence{ctx: ctx, src: src, count: s.Count, interval: s.Interval}
}

type FrameSequence struct {
	ctx      context.Context
	src      SnapshotSource
	count    int
	interval time.Duration
	used     atomic.Bool
}

// All yields exactly count frames, or stops at the first error.
func (q *FrameSequence) All() iter.Seq2[Frame, error] {
	return func(yield func(Frame, error) bool) {
		if !q.used.CompareAndSwap(false, true) {
			yield(Frame{}, ErrSequenceConsumed)
			return
		}
		if q.count <= 0 || q.interval <= 0 {
			yield(Frame{}, fmt.Errorf("sampler: invalid count=%d interval=%s", q.count, q.interval))
			return
		}

		ticker := time.NewTicker(q.interval)
		defer ticker.Stop()

		for i := 0; i < q.count; i++ {
			select {
			case <-q.ctx.Done():
				yield(Frame{}, &Error{Kind: KindCancelled, Err: context.Cause(q.ctx)})
				return
			case <-ticker.C:
			}

			frame, err := q.src.Snapshot()
			if err != nil {
				yield(Frame{}, &Error{Kind: KindCaptureInterrupted, Err: fmt.Errorf("frame %d/%d: %w", i+1, q.count, err)})
				return
			}
			if frame.CapturedAt.IsZero() {
				frame.CapturedAt = time.Now()
			}
			if !yield(frame, nil) {
				return
			}
		}
	}
}

// Collect drains the sequence into a FrameSet. progress, when non-nil, is
// called after every frame with the number taken so far. Any failure
// discards the frames already taken.
func (q *FrameSequence) Collect(progress func(n int)) (*FrameSet, error) {
	frames := make([]Frame, 0, max(q.count, 0))
	for frame, err := range q.All() {
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
		if progress != nil {
			progress(len(frames))
		}
	}
	return &FrameSet{Frames: frames}, nil
}
