// Package capturetest provides an in-memory camera for capture and flow
// tests.
package capturetest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"facegate/internal/capture"
)

// ErrEncoderFault is returned by NextChunk at Device.FailChunkAt.
var ErrEncoderFault = errors.New("encoder fault")

// Device is a fake camera that counts opens and closes and tracks how many
// streams are open at once.
type Device struct {
	// OpenErr makes every Open fail.
	OpenErr error
	// OpenDelay is waited (honouring ctx) before Open returns.
	OpenDelay time.Duration
	// Encodings lists the container types streams accept.
	Encodings []string
	// ChunkEvery is the encoder timeslice.
	ChunkEvery time.Duration
	// FailChunkAt makes the n-th chunk (0-based) fail; negative disables.
	FailChunkAt int
	// FailSnapshotAt makes the n-th snapshot (0-based) fail; negative disables.
	FailSnapshotAt int

	mu        sync.Mutex
	opens     int
	closes    int
	active    int
	maxActive int
	snapshots int
}

func NewDevice() *Device {
	return &Device{
		Encodings:      []string{"video/webm"},
		ChunkEvery:     10 * time.Millisecond,
		FailChunkAt:    -1,
		FailSnapshotAt: -1,
	}
}

func (d *Device) Open(ctx context.Context) (capture.Stream, error) {
	if d.OpenDelay > 0 {
		t := time.NewTimer(d.OpenDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.opens++
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	d.active++
	d.maxActive = max(d.maxActive, d.active)
	return &Stream{dev: d}, nil
}

// Opens is the number of Open calls that reached the device.
func (d *Device) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

// Closes is the number of streams closed.
func (d *Device) Closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes
}

// Active is the number of streams currently open.
func (d *Device) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// MaxActive is the highest number of simultaneously open streams seen.
func (d *Device) MaxActive() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxActive
}

// Stream is an open fake stream.
type Stream struct {
	dev *Device

	mu     sync.Mutex
	closed bool
}

func (s *Stream) Snapshot() (capture.Frame, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return capture.Frame{}, capture.ErrSourceNotReady
	}

	s.dev.mu.Lock()
	n := s.dev.snapshots
	s.dev.snapshots++
	failAt := s.dev.FailSnapshotAt
	s.dev.mu.Unlock()

	if failAt >= 0 && n >= failAt {
		return capture.Frame{}, capture.ErrSourceNotReady
	}
	return capture.Frame{
		Data:       []byte(fmt.Sprintf("frame-%d", n)),
		MimeType:   "image/jpeg",
		CapturedAt: time.Now(),
	}, nil
}

func (s *Stream) SupportsEncoding(mimeType string) bool {
	return slices.Contains(s.dev.Encodings, mimeType)
}

func (s *Stream) NewEncoder(mimeType string) (capture.Encoder, error) {
	if !s.SupportsEncoding(mimeType) {
		return nil, fmt.Errorf("unsupported encoding %q", mimeType)
	}
	return &Encoder{
		every:  s.dev.ChunkEvery,
		failAt: s.dev.FailChunkAt,
		closed: make(chan struct{}),
	}, nil
}

func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.dev.mu.Lock()
	s.dev.closes++
	s.dev.active--
	s.dev.mu.Unlock()
	return nil
}

// Encoder emits "chunk-N" every timeslice until closed.
type Encoder struct {
	every  time.Duration
	failAt int

	mu        sync.Mutex
	n         int
	closeOnce sync.Once
	closed    chan struct{}
}

func (e *Encoder) NextChunk(ctx context.Context) ([]byte, error) {
	e.mu.Lock()
	n := e.n
	e.n++
	e.mu.Unlock()

	if e.failAt >= 0 && n == e.failAt {
		return nil, ErrEncoderFault
	}

	t := time.NewTimer(e.every)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.closed:
		return nil, io.EOF
	case <-t.C:
		return []byte(fmt.Sprintf("chunk-%d;", n)), nil
	}
}

func (e *Encoder) Close() error {
	e.closeOnce.Do(func() { close(e.closed) })
	return nil
}
