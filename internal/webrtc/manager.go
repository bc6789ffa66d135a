package webrtc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"facegate/internal/audio"
	"facegate/internal/capture"
	"facegate/internal/logging"
)

// ============================================================
// DEVICE INITIALIZATION
// ============================================================

// NewDevice returns a remote camera that signals through signaler. frames
// encodes snapshots; cues may be nil.
func NewDevice(cfg Config, signaler Signaler, frames FrameEncoder, cues *audio.Library) *Device {
	if cues == nil {
		cues = audio.NewLibrary()
	}
	d := &Device{
		cfg:      cfg.withDefaults(),
		signaler: signaler,
		frames:   frames,
		cues:     cues,
		pool:     newBufferPool(),
		shutdown: make(chan struct{}),
		log:      logging.WithComponent("webrtc"),
	}
	d.decode = d.decodeFFmpeg
	return d
}

// ============================================================
// OPEN
// ============================================================

// Open asks the browser for its camera and waits for the call to deliver
// its first keyframe.
func (d *Device) Open(ctx context.Context) (capture.Stream, error) {
	ch := make(chan offerResult, 1)

	d.mu.Lock()
	switch {
	case d.closed:
		d.mu.Unlock()
		return nil, errDeviceClosed
	case d.waiting != nil || d.current != nil:
		d.mu.Unlock()
		return nil, errors.New("camera call already in progress")
	}
	d.waiting = ch
	d.mu.Unlock()

	opened := false
	defer func() {
		d.mu.Lock()
		if d.waiting == ch {
			d.waiting = nil
		}
		d.mu.Unlock()
		if opened {
			return
		}
		select {
		case res := <-ch:
			if res.peer != nil {
				d.abandon(res.peer)
			}
		default:
		}
	}()

	if err := d.sendCameraRequest(); err != nil {
		return nil, err
	}

	var res offerResult
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.err != nil {
		return nil, res.err
	}
	peer := res.peer

	if err := d.awaitFirstFrame(ctx, peer); err != nil {
		d.abandon(peer)
		return nil, err
	}

	d.playCue(peer, audio.CueLookAtCamera, nil)
	opened = true
	return peer.stream, nil
}

func (d *Device) awaitFirstFrame(ctx context.Context, peer *peerState) error {
	timer := time.NewTimer(d.cfg.FirstFrameTimeout)
	defer timer.Stop()

	select {
	case <-peer.stream.ready:
		return nil
	case <-peer.stream.ended:
		return fmt.Errorf("%s: track ended before the first keyframe", peer.id)
	case <-timer.C:
		return fmt.Errorf("%s: no keyframe within %v", peer.id, d.cfg.FirstFrameTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ============================================================
// SHUTDOWN
// ============================================================

// Close hangs up the current call and fails a pending Open. It waits for
// lingering teardowns to finish.
func (d *Device) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	peer := d.current
	d.mu.Unlock()
	close(d.shutdown)

	d.fail(errDeviceClosed)
	if peer != nil {
		d.cleanup(peer)
	}
	d.wg.Wait()
	d.log.Debug().Msg("🛑 Camera device closed")
}
