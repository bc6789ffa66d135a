package webrtc

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"facegate/internal/audio"
)

// ============================================================
// PEER STATE HELPERS
// ============================================================

// newPeer registers a call as the current one. It fails when the device
// did not ask for a camera or already has a call.
func (d *Device) newPeer(pc *webrtc.PeerConnection, compressed bool) (*peerState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case d.closed:
		return nil, errDeviceClosed
	case d.waiting == nil:
		return nil, errUnexpectedOffer
	case d.current != nil:
		return nil, fmt.Errorf("%w: call %s is active", errUnexpectedOffer, d.current.id)
	}

	d.lastPeer++
	ctx, cancel := context.WithCancel(context.Background())
	peer := &peerState{
		id:         fmt.Sprintf("call-%d", d.lastPeer),
		pc:         pc,
		compressed: compressed,
		ctx:        ctx,
		cancelFunc: cancel,
		closed:     make(chan struct{}),
	}
	peer.stream = newTrackStream(d, peer)
	d.current = peer
	return peer, nil
}

// deliver hands a negotiated call to the waiting Open. A call nobody waits
// for any more is torn down.
func (d *Device) deliver(peer *peerState) {
	d.mu.Lock()
	ch := d.waiting
	d.waiting = nil
	d.mu.Unlock()

	if ch == nil {
		d.log.Debug().Str("peer", peer.id).Msg("⚠️ Camera no longer wanted, hanging up")
		d.abandon(peer)
		return
	}
	ch <- offerResult{peer: peer}
}

// fail wakes the waiting Open with err.
func (d *Device) fail(err error) {
	d.mu.Lock()
	ch := d.waiting
	d.waiting = nil
	d.mu.Unlock()

	if ch != nil {
		ch <- offerResult{err: err}
	}
}

// ============================================================
// CONNECTION CLEANUP
// ============================================================

// release ends a call whose stream the capture closed. The browser is told
// to stop the camera right away; the peer stays up until the closing cue
// played or CueLinger passed.
func (d *Device) release(peer *peerState) {
	peer.cancelFunc()
	d.sendCameraRelease()

	// A new Open may start while this call lingers.
	d.mu.Lock()
	if d.current == peer {
		d.current = nil
	}
	d.mu.Unlock()

	done := make(chan struct{})
	d.playCue(peer, audio.CueCaptureDone, func() { close(done) })

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		timer := time.NewTimer(d.cfg.CueLinger)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
		case <-peer.closed:
		case <-d.shutdown:
		}
		d.cleanup(peer)
	}()
}

// abandon ends a call that never became a stream.
func (d *Device) abandon(peer *peerState) {
	d.sendCameraRelease()
	d.cleanup(peer)
}

func (d *Device) cleanup(peer *peerState) {
	peer.cleanupOnce.Do(func() {
		d.log.Debug().Str("peer", peer.id).Msg("🧹 Cleaning up call")

		// 1. Cancel context (stops PLI and decodes)
		peer.cancelFunc()

		// 2. Stop audio
		peer.mu.Lock()
		player := peer.audioPlayer
		peer.audioPlayer = nil
		peer.mu.Unlock()
		if player != nil {
			player.Stop()
		}

		// 3. Close peer connection; the track reader ends with it
		if peer.pc != nil {
			if err := peer.pc.Close(); err != nil {
				d.log.Warn().Err(err).Msg("⚠️ PC close")
			}
		}
		peer.stream.end()

		d.mu.Lock()
		if d.current == peer {
			d.current = nil
		}
		d.mu.Unlock()

		close(peer.closed)
	})
}
