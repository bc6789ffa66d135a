package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"facegate/internal/logging"
)

// ErrAlreadyAcquired is returned when Acquire is called on a session that
// already holds (or is opening) a stream.
var ErrAlreadyAcquired = errors.New("session already acquired")

// Exclusive guards a Device so that at most one session holds an open
// stream at any instant. A second acquirer waits until the first releases.
type Exclusive struct {
	dev   Device
	sem   *semaphore.Weighted
	inUse atomic.Bool
	log   zerolog.Logger
}

func NewExclusive(dev Device) *Exclusive {
	return &Exclusive{
		dev: dev,
		sem: semaphore.NewWeighted(1),
		log: logging.WithComponent("device"),
	}
}

// InUse reports whether a stream is currently open on the device.
func (x *Exclusive) InUse() bool { return x.inUse.Load() }

// NewSession returns an unacquired session bound to the device.
func (x *Exclusive) NewSession() *Session {
	return &Session{x: x}
}

func (x *Exclusive) open(ctx context.Context) (Stream, error) {
	if err := x.sem.Acquire(ctx, 1); err != nil {
		return nil, &Error{Kind: KindCancelled, Err: err}
	}
	stream, err := x.dev.Open(ctx)
	if err != nil {
		x.sem.Release(1)
		if ctx.Err() != nil {
			return nil, &Error{Kind: KindCancelled, Err: context.Cause(ctx)}
		}
		return nil, Wrap(KindDeviceUnavailable, err)
	}
	x.inUse.Store(true)
	devicesInUse.Inc()
	x.log.Debug().Msg("📷 camera stream opened")
	return stream, nil
}

func (x *Exclusive) close(stream Stream) {
	if err := stream.Close(); err != nil {
		x.log.Warn().Err(err).Msg("⚠️ camera stream close failed")
	}
	x.inUse.Store(false)
	devicesInUse.Dec()
	x.sem.Release(1)
	x.log.Debug().Msg("📷 camera stream released")
}

// Session is a scoped handle on an Exclusive device: unacquired, or owning
// exactly one open stream.
type Session struct {
	x *Exclusive

	mu        sync.Mutex
	stream    Stream
	pending   bool
	abandoned bool
}

// Acquire waits for the device and opens a stream. Open failures are
// reported as device_unavailable.
func (s *Session) Acquire(ctx context.Context) (Stream, error) {
	s.mu.Lock()
	if s.stream != nil || s.pending {
		s.mu.Unlock()
		return nil, ErrAlreadyAcquired
	}
	s.pending = true
	s.abandoned = false
	s.mu.Unlock()

	stream, err := s.x.open(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = false
	if err != nil {
		return nil, err
	}
	// Released while the device was still opening.
	if s.abandoned {
		s.x.close(stream)
		return nil, &Error{Kind: KindCancelled, Err: errors.New("session released during acquisition")}
	}
	s.stream = stream
	return stream, nil
}

// Held reports whether the session owns an open stream.
func (s *Session) Held() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream != nil
}

// Release closes the stream and frees the device. Only the first call after
// an acquisition has an effect.
func (s *Session) Release() {
	s.mu.Lock()
	if s.pending {
		s.abandoned = true
	}
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()

	if stream != nil {
		s.x.close(stream)
	}
}
