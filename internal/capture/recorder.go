package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// DefaultEncodings is the container preference order used when a recorder
// is built without one.
var DefaultEncodings = []string{
	"video/mp4",
	"video/webm",
	"video/webm;codecs=vp8",
	"video/webm;codecs=vp9",
	"video/mp4;codecs=h264",
	"video/x-ivf;codecs=vp8",
	"video/h264",
}

// drainTimeout bounds how long Stop waits for the encoder to flush.
const drainTimeout = 2 * time.Second

// TimedRecorder records a stream for at most a fixed duration using the
// first container type the stream supports.
type TimedRecorder struct {
	Preferred []string
}

func NewTimedRecorder(preferred ...string) *TimedRecorder {
	if len(preferred) == 0 {
		preferred = DefaultEncodings
	}
	return &TimedRecorder{Preferred: preferred}
}

// Negotiate returns the first preferred type the stream supports.
func (r *TimedRecorder) Negotiate(stream Stream) (string, error) {
	for _, mime := range r.Preferred {
		if stream.SupportsEncoding(mime) {
			return mime, nil
		}
	}
	return "", Errorf(KindUnsupportedFormat, "none of %v supported by stream", r.Preferred)
}

// Start begins recording. The recording stops itself after maxDuration.
func (r *TimedRecorder) Start(stream Stream, maxDuration time.Duration) (*Recording, error) {
	if maxDuration <= 0 {
		return nil, fmt.Errorf("recorder: max duration must be positive, got %s", maxDuration)
	}
	mime, err := r.Negotiate(stream)
	if err != nil {
		return nil, err
	}
	enc, err := stream.NewEncoder(mime)
	if err != nil {
		return nil, Wrap(KindUnsupportedFormat, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	rec := &Recording{
		mimeType:    mime,
		enc:         enc,
		startedAt:   time.Now(),
		maxDuration: maxDuration,
		cancel:      cancel,
		readerDone:  make(chan struct{}),
		done:        make(chan struct{}),
	}
	// The timer exists before the reader can fail and stop the recording.
	rec.mu.Lock()
	rec.timer = time.AfterFunc(maxDuration, func() { _, _ = rec.Stop() })
	rec.mu.Unlock()

	go rec.read(ctx)
	return rec, nil
}

// Recording is one running recorder.
type Recording struct {
	mimeType    string
	enc         Encoder
	startedAt   time.Time
	maxDuration time.Duration
	cancel      context.CancelFunc
	readerDone  chan struct{}
	done        chan struct{}

	mu       sync.Mutex
	timer    *time.Timer
	chunks   [][]byte
	chunkErr error

	stopOnce sync.Once
	stopped  time.Time
	blob     *VideoBlob
	err      error
}

// MimeType is the negotiated container type.
func (r *Recording) MimeType() string { return r.mimeType }

// Done is closed once the recording has stopped for any reason.
func (r *Recording) Done() <-chan struct{} { return r.done }

// Elapsed is the recorded time so far, frozen once stopped.
func (r *Recording) Elapsed() time.Duration {
	select {
	case <-r.done:
		return r.stopped.Sub(r.startedAt)
	default:
	}
	if d := time.Since(r.startedAt); d < r.maxDuration {
		return d
	}
	return r.maxDuration
}

func (r *Recording) read(ctx context.Context) {
	defer close(r.readerDone)
	for {
		chunk, err := r.enc.NextChunk(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return
			}
			r.mu.Lock()
			r.chunkErr = err
			r.mu.Unlock()
			go r.Stop()
			return
		}
		if len(chunk) == 0 {
			continue
		}
		r.mu.Lock()
		r.chunks = append(r.chunks, chunk)
		r.mu.Unlock()
	}
}

// Stop finalizes the recording. Every call returns the same blob and error;
// Stop on a nil recording is a no-op.
func (r *Recording) Stop() (*VideoBlob, error) {
	if r == nil {
		return nil, nil
	}
	r.stopOnce.Do(func() {
		r.mu.Lock()
		if r.timer != nil {
			r.timer.Stop()
		}
		r.mu.Unlock()
		_ = r.enc.Close()

		drain := time.NewTimer(drainTimeout)
		select {
		case <-r.readerDone:
		case <-drain.C:
			r.cancel()
			<-r.readerDone
		}
		drain.Stop()
		r.cancel()

		r.stopped = time.Now()
		duration := r.stopped.Sub(r.startedAt)
		if duration > r.maxDuration {
			duration = r.maxDuration
		}

		r.mu.Lock()
		chunks, chunkErr := r.chunks, r.chunkErr
		r.mu.Unlock()

		switch {
		case chunkErr != nil:
			r.err = &Error{Kind: KindCaptureInterrupted, Err: chunkErr}
		case len(chunks) == 0:
			r.err = Errorf(KindCaptureInterrupted, "no media recorded")
		default:
			r.blob = &VideoBlob{
				Data:     bytes.Join(chunks, nil),
				MimeType: r.mimeType,
				Duration: duration,
			}
		}
		close(r.done)
	})
	return r.blob, r.err
}
