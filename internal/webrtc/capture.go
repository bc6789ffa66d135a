package webrtc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4/pkg/media/h264writer"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"

	"facegate/internal/capture"
)

// ============================================================
// TRACK STREAM
// ============================================================

// TrackStream is the capture.Stream over the browser's video track. It
// keeps the latest keyframe for snapshots and fans raw RTP out to the
// active encoders.
type TrackStream struct {
	dev  *Device
	peer *peerState

	ready     chan struct{} // closed on the first keyframe
	ended     chan struct{} // closed when the track stops delivering
	readyOnce sync.Once
	endOnce   sync.Once

	mu        sync.Mutex
	container string
	keyframe  []byte
	fresh     chan struct{} // closed and replaced on every new keyframe
	encoders  map[*trackEncoder]struct{}
	pli       func()
	closed    bool
}

func newTrackStream(dev *Device, peer *peerState) *TrackStream {
	return &TrackStream{
		dev:      dev,
		peer:     peer,
		ready:    make(chan struct{}),
		ended:    make(chan struct{}),
		fresh:    make(chan struct{}),
		encoders: make(map[*trackEncoder]struct{}),
	}
}

// consume reads packets from read until it fails or ctx ends. codec is the
// track's negotiated MIME type.
func (s *TrackStream) consume(ctx context.Context, codec string, clockRate uint32, read func() (*rtp.Packet, error)) {
	defer s.end()

	container := containerFor(codec)
	var (
		depacketizer rtp.Depacketizer
		isKey        func([]byte) bool
	)
	switch container {
	case MimeIVF:
		depacketizer, isKey = &codecs.VP8Packet{}, isVP8Keyframe
	case MimeH264:
		depacketizer, isKey = &codecs.H264Packet{}, isH264Keyframe
	default:
		s.dev.log.Warn().Str("codec", codec).Msg("⚠️ Unsupported video codec, ignoring track")
		return
	}

	s.mu.Lock()
	s.container = container
	s.mu.Unlock()

	sb := samplebuilder.New(s.dev.cfg.SampleBufferMax, depacketizer, clockRate)
	packets := 0
	for ctx.Err() == nil {
		pkt, err := read()
		if err != nil {
			if ctx.Err() == nil {
				s.dev.log.Debug().Err(err).Msg("📡 Track read stopped")
			}
			return
		}
		packets++
		if packets == 1 {
			s.dev.log.Debug().Str("codec", codec).Msg("📦 Video stream active")
		}

		s.fanOut(pkt)

		sb.Push(pkt)
		for sample := sb.Pop(); sample != nil; sample = sb.Pop() {
			if isKey(sample.Data) {
				s.setKeyframe(sample.Data)
			}
		}
	}
}

func (s *TrackStream) setKeyframe(data []byte) {
	s.mu.Lock()
	s.keyframe = bytes.Clone(data)
	close(s.fresh)
	s.fresh = make(chan struct{})
	s.mu.Unlock()

	s.readyOnce.Do(func() {
		s.dev.log.Info().Msg("✅ Keyframe received")
		close(s.ready)
	})
}

func (s *TrackStream) fanOut(pkt *rtp.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for enc := range s.encoders {
		enc.write(pkt)
	}
}

// end marks the track as finished and fails the running encoders.
func (s *TrackStream) end() {
	s.endOnce.Do(func() {
		close(s.ended)
		s.mu.Lock()
		for enc := range s.encoders {
			enc.fail(capture.ErrSourceNotReady)
		}
		s.mu.Unlock()
	})
}

func (s *TrackStream) setPLI(fn func()) {
	s.mu.Lock()
	s.pli = fn
	s.mu.Unlock()
}

// Snapshot asks the browser for a new keyframe and turns it into a JPEG.
// When none arrives within KeyframeWait the latest one is used.
func (s *TrackStream) Snapshot() (capture.Frame, error) {
	s.mu.Lock()
	if s.closed || s.keyframe == nil {
		s.mu.Unlock()
		return capture.Frame{}, capture.ErrSourceNotReady
	}
	select {
	case <-s.ended:
		s.mu.Unlock()
		return capture.Frame{}, capture.ErrSourceNotReady
	default:
	}
	fresh, pli := s.fresh, s.pli
	s.mu.Unlock()

	if pli != nil {
		pli()
	}
	timer := time.NewTimer(s.dev.cfg.KeyframeWait)
	select {
	case <-fresh:
	case <-timer.C:
	case <-s.ended:
		timer.Stop()
		return capture.Frame{}, capture.ErrSourceNotReady
	}
	timer.Stop()

	s.mu.Lock()
	keyframe, container := s.keyframe, s.container
	s.mu.Unlock()

	raw, err := s.dev.decode(s.peer.ctx, container, keyframe)
	if err != nil {
		return capture.Frame{}, fmt.Errorf("decode keyframe: %w", err)
	}
	data, err := s.dev.frames.EncodeFrame(raw)
	if err != nil {
		return capture.Frame{}, fmt.Errorf("encode frame: %w", err)
	}
	return capture.Frame{Data: data, MimeType: "image/jpeg", CapturedAt: time.Now()}, nil
}

// SupportsEncoding reports whether mimeType is the container the
// negotiated codec records into.
func (s *TrackStream) SupportsEncoding(mimeType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.container != "" && s.container == mimeType
}

// NewEncoder starts recording the raw track into mimeType.
func (s *TrackStream) NewEncoder(mimeType string) (capture.Encoder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, capture.ErrSourceNotReady
	}
	if s.container == "" || s.container != mimeType {
		return nil, fmt.Errorf("%w: %s", errUnsupportedCodec, mimeType)
	}

	enc := &trackEncoder{
		stream: s,
		tick:   time.NewTicker(s.dev.cfg.Timeslice),
		closed: make(chan struct{}),
	}
	var err error
	switch mimeType {
	case MimeIVF:
		enc.w, err = ivfwriter.NewWith(&enc.buf)
	case MimeH264:
		enc.w = h264writer.NewWith(&enc.buf)
	}
	if err != nil {
		enc.tick.Stop()
		return nil, fmt.Errorf("create %s writer: %w", mimeType, err)
	}
	select {
	case <-s.ended:
		enc.err = capture.ErrSourceNotReady
	default:
	}
	s.encoders[enc] = struct{}{}
	return enc, nil
}

// Close ends the call. The closing cue keeps the peer up for a moment in
// the background; the camera indicator goes off right away.
func (s *TrackStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.dev.release(s.peer)
	return nil
}

func (s *TrackStream) removeEncoder(enc *trackEncoder) {
	s.mu.Lock()
	delete(s.encoders, enc)
	s.mu.Unlock()
}

// ============================================================
// TRACK ENCODER
// ============================================================

type rtpWriter interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

// trackEncoder writes RTP into a container held in memory and hands it out
// once per timeslice.
type trackEncoder struct {
	stream *TrackStream
	tick   *time.Ticker

	closeOnce sync.Once
	closed    chan struct{}

	mu  sync.Mutex
	buf bytes.Buffer
	w   rtpWriter
	err error
}

// write is called with the stream lock held.
func (e *trackEncoder) write(pkt *rtp.Packet) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil || e.w == nil {
		return
	}
	if err := e.w.WriteRTP(pkt); err != nil {
		e.err = err
	}
}

func (e *trackEncoder) fail(err error) {
	e.mu.Lock()
	if e.err == nil {
		e.err = err
	}
	e.mu.Unlock()
}

func (e *trackEncoder) NextChunk(ctx context.Context) ([]byte, error) {
	select {
	case <-e.closed:
	default:
		select {
		case <-e.tick.C:
		case <-e.closed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	chunk := bytes.Clone(e.buf.Bytes())
	e.buf.Reset()

	select {
	case <-e.closed:
		if len(chunk) == 0 {
			return nil, io.EOF
		}
		return chunk, nil
	default:
	}
	if e.err != nil {
		return nil, e.err
	}
	return chunk, nil
}

func (e *trackEncoder) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.stream.removeEncoder(e)
		e.tick.Stop()

		e.mu.Lock()
		if e.w != nil {
			err = e.w.Close()
			e.w = nil
		}
		e.mu.Unlock()
		close(e.closed)
	})
	if err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}
